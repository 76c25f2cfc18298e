// Package daemonrun assembles and runs the storyloom daemon process: logger,
// pid file, job store, stage executor, pipeline runner and worker pool.
package daemonrun
