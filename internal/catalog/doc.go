// Package catalog defines the closed set of book-generation job types.
//
// Each job type owns a stage graph template (an ordered list of single and
// fan-out steps), a JSON schema for its payload, a typed payload variant and
// the assembly of stage outputs into a BookResult. Templates are plain data so
// tests can register their own graphs with New.
package catalog
