package graph

import "sync"

// executor runs deferred tasks one at a time on its own goroutine. Data-path
// callbacks use it for work that must wait on the data path itself.
type executor struct {
	tasks []func()

	// Single-item channel indicating that tasks are queued.
	wake chan struct{}

	quit chan struct{}
	done chan struct{}

	sync.Mutex
}

func newExecutor() *executor {
	e := &executor{
		wake: make(chan struct{}, 1),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	go e.run()
	return e
}

func (e *executor) submit(fn func()) {
	e.Lock()
	e.tasks = append(e.tasks, fn)
	e.Unlock()
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *executor) run() {
	defer close(e.done)
	for {
		for e.runQueued() {
		}

		select {
		case <-e.quit:
			e.runQueued()
			return
		case <-e.wake:
		}
	}
}

// runQueued runs the tasks queued so far and reports whether there were any.
func (e *executor) runQueued() bool {
	e.Lock()
	tasks := e.tasks
	e.tasks = nil
	e.Unlock()

	for _, fn := range tasks {
		fn()
	}
	return len(tasks) > 0
}

// close runs whatever is queued and stops the goroutine.
func (e *executor) close() {
	select {
	case <-e.quit:
	default:
		close(e.quit)
	}
	<-e.done
}
