// Package execution runs tasks. A Registry maps task types to Handlers; the
// Backend looks up the handler for a task, runs it under a timeout, and
// reports the outcome as a Result whose error is classified as retryable or
// fatal. The backend never decides retry policy; workers do.
//
// Handlers are either in-process functions (HandlerFunc) or external
// commands (CommandHandler). How subprocesses are supervised depends on the
// execution Mode probed once at startup: in async mode each subprocess gets
// its own process group and a goroutine waiting on it; in thread_fallback
// mode waits run on a fixed set of OS-thread-locked goroutines and signals go
// to the process alone.
package execution
