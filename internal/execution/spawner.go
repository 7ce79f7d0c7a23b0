package execution

import (
	"runtime"
	"sync"
)

// spawner runs the blocking half of subprocess supervision.
type spawner interface {
	Go(fn func())
	Close()
}

// asyncSpawner starts a goroutine per call.
type asyncSpawner struct{}

func (asyncSpawner) Go(fn func()) { go fn() }
func (asyncSpawner) Close()       {}

// threadSpawner runs calls on a fixed set of goroutines, each locked to its
// own OS thread. Go blocks while every thread is busy.
type threadSpawner struct {
	jobs      chan func()
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func newThreadSpawner(size int) *threadSpawner {
	if size <= 0 {
		size = 1
	}
	s := &threadSpawner{jobs: make(chan func())}
	for i := 0; i < size; i++ {
		s.wg.Add(1)
		go s.loop()
	}
	return s
}

func (s *threadSpawner) loop() {
	defer s.wg.Done()
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	for fn := range s.jobs {
		fn()
	}
}

func (s *threadSpawner) Go(fn func()) { s.jobs <- fn }

func (s *threadSpawner) Close() {
	s.closeOnce.Do(func() {
		close(s.jobs)
		s.wg.Wait()
	})
}
