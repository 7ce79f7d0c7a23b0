// Package resource samples host CPU and memory and decides whether a worker
// may start another task. Samples are cached for a short interval so that a
// pool of workers polling in a tight loop does not hammer the OS.
package resource
