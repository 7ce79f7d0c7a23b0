package task

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWakeup(t *testing.T) {
	t.Parallel()

	w := newWakeup()
	first := w.C()
	second := w.C()

	select {
	case <-first:
		t.Fatal("channel closed before Notify")
	default:
	}

	w.Notify()
	for _, ch := range []<-chan struct{}{first, second} {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatal("waiter not released by Notify")
		}
	}

	select {
	case <-w.C():
		t.Fatal("fresh channel should wait for the next Notify")
	default:
	}
	assert.NotEqual(t, first, w.C())
}
