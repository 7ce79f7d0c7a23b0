package task

import "sync"

// wakeup lets submitters cut idle workers' poll backoff short. Every waiter
// holding the current channel is released by one Notify.
type wakeup struct {
	mu sync.Mutex
	ch chan struct{}
}

func newWakeup() *wakeup {
	return &wakeup{ch: make(chan struct{})}
}

// C returns a channel that is closed on the next Notify.
func (w *wakeup) C() <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ch
}

// Notify releases all current waiters.
func (w *wakeup) Notify() {
	w.mu.Lock()
	defer w.mu.Unlock()
	close(w.ch)
	w.ch = make(chan struct{})
}
