package media

import (
	"sync"
)

// dispatcher queues events and delivers them to listeners on a single
// goroutine, so emitters never call listeners directly.
type dispatcher struct {
	mu        sync.Mutex
	listeners map[int]Listener
	order     []int
	nextID    int
	queue     []Event
	wake      chan struct{}
	done      chan struct{}
	closed    bool
}

func newDispatcher() *dispatcher {
	d := &dispatcher{
		listeners: make(map[int]Listener),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *dispatcher) subscribe(l Listener) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed || l == nil {
		return func() {}
	}
	id := d.nextID
	d.nextID++
	d.listeners[id] = l
	d.order = append(d.order, id)

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			defer d.mu.Unlock()
			delete(d.listeners, id)
			for i, v := range d.order {
				if v == id {
					d.order = append(d.order[:i], d.order[i+1:]...)
					break
				}
			}
		})
	}
}

func (d *dispatcher) emit(ev Event) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.queue = append(d.queue, ev)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// close detaches all listeners and drops queued events.
func (d *dispatcher) close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.listeners = nil
	d.order = nil
	d.queue = nil
	d.mu.Unlock()
	close(d.done)
}

func (d *dispatcher) run() {
	for {
		select {
		case <-d.done:
			return
		case <-d.wake:
		}

		for {
			d.mu.Lock()
			if d.closed || len(d.queue) == 0 {
				d.mu.Unlock()
				break
			}
			ev := d.queue[0]
			d.queue = d.queue[1:]
			targets := make([]Listener, 0, len(d.order))
			for _, id := range d.order {
				targets = append(targets, d.listeners[id])
			}
			d.mu.Unlock()

			for _, l := range targets {
				l(ev)
			}
		}
	}
}
