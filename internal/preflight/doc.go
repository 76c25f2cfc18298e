// Package preflight provides readiness checks for the filesystem paths, job
// store and generation service that storyloom depends on.
//
// These checks run in two contexts:
//   - The daemon calls RunAll at startup and logs every failed check, so an
//     unreachable generation service shows up before the first job burns its
//     stage retries against it.
//   - The CLI "storyloom queue health" command renders the same results.
package preflight
