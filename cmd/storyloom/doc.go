// Command storyloom runs the book-generation daemon and operates on its job
// queue.
//
// `storyloom daemon` runs the worker pool in the foreground. The remaining
// commands open the configured job store directly, so they work whether or not
// a daemon is running: enqueue jobs, list and inspect them, cancel or retry
// them, and check store and executor health.
package main
