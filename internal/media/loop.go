package media

import (
	"sync"
)

// A loopFunc is a long-running function, e.g. a capture read loop. It should
// terminate promptly when the quit channel is closed.
type loopFunc func(quit <-chan struct{})

// A singletonLoop is a wrapper for a long-running function that should only run
// in a single goroutine at any given time. Each call to start() counts as a
// "vote" in favor of running the function (and stop() removes a vote). The
// function is actually started when the vote count goes from 0 to 1, and
// terminated when the count goes from 1 to 0. Callers must ensure that each
// start() call is matched by a corresponding stop().
//
// The function may also return on its own (e.g. after a read error). The loop
// then stays "running" from the voters' point of view until the last stop().
type singletonLoop struct {
	// The long-running function.
	run loopFunc

	// Votes in favor of running the loop.
	votes int

	// Closed when stop() is requested, to trigger run loop exit.
	quit chan struct{}

	// Closed when run loop actually terminates.
	terminated chan struct{}

	sync.Mutex
}

func newSingletonLoop(run loopFunc) *singletonLoop {
	return &singletonLoop{
		run: run,
	}
}

// start adds a vote and reports whether this call launched the goroutine.
func (loop *singletonLoop) start() bool {
	loop.Lock()
	defer loop.Unlock()

	loop.votes++
	if loop.votes > 1 {
		return false
	}

	loop.quit = make(chan struct{})
	loop.terminated = make(chan struct{})

	quit, terminated := loop.quit, loop.terminated
	go func() {
		defer close(terminated)
		loop.run(quit)
	}()
	return true
}

// stop removes a vote and, on the last one, terminates the run loop and waits
// for it to exit. It reports whether this call stopped the goroutine.
func (loop *singletonLoop) stop() bool {
	loop.Lock()
	defer loop.Unlock()

	if loop.votes == 0 {
		log.Warn("singletonLoop: stop without matching start")
		return false
	}

	loop.votes--
	if loop.votes > 0 {
		return false
	}

	close(loop.quit)
	<-loop.terminated

	loop.quit = nil
	loop.terminated = nil
	return true
}

func (loop *singletonLoop) running() bool {
	loop.Lock()
	defer loop.Unlock()
	return loop.votes > 0
}
