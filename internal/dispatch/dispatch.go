// Package dispatch serializes callback delivery onto a single
// goroutine so subscribers keep a single-threaded view of the cache.
package dispatch

import "sync"

// Dispatcher delivers callbacks on one designated executor.
type Dispatcher interface {
	Post(fn func())
}

// Serial runs posted callbacks in order on a dedicated goroutine.
type Serial struct {
	queue  chan func()
	done   chan struct{}
	wg     sync.WaitGroup
	closed sync.Once
}

// NewSerial starts the delivery goroutine.
func NewSerial() *Serial {
	d := &Serial{
		queue: make(chan func(), 64),
		done:  make(chan struct{}),
	}

	d.wg.Add(1)
	go d.run()
	return d
}

func (d *Serial) run() {
	defer d.wg.Done()
	for {
		select {
		case fn := <-d.queue:
			fn()
		case <-d.done:
			// Drain what was posted before shutdown.
			for {
				select {
				case fn := <-d.queue:
					fn()
				default:
					return
				}
			}
		}
	}
}

// Post enqueues a callback. Callbacks posted after Close are dropped.
func (d *Serial) Post(fn func()) {
	select {
	case d.queue <- fn:
	case <-d.done:
	}
}

// Close stops the delivery goroutine after draining pending callbacks.
func (d *Serial) Close() {
	d.closed.Do(func() { close(d.done) })
	d.wg.Wait()
}
