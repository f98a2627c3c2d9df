package kvstore

import "sync"

// Dispatcher fans changes out to subscribers on its own goroutine, one change at a
// time and in arrival order. Store implementations embed it.
type Dispatcher struct {
	mu       sync.Mutex
	seq      int
	handlers map[int]func(Change)
	queue    []Change
	wake     chan struct{}
	done     chan struct{}
	once     sync.Once
}

func NewDispatcher() *Dispatcher {
	d := &Dispatcher{
		handlers: make(map[int]func(Change)),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	go d.run()
	return d
}

// Subscribe implements Store.Subscribe.
func (d *Dispatcher) Subscribe(handler func(Change)) func() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.seq++
	id := d.seq
	d.handlers[id] = handler
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.handlers, id)
	}
}

// Publish queues a change for delivery. It never blocks on handlers.
func (d *Dispatcher) Publish(c Change) {
	d.mu.Lock()
	d.queue = append(d.queue, c)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Close stops delivery. Queued changes are dropped.
func (d *Dispatcher) Close() {
	d.once.Do(func() { close(d.done) })
}

func (d *Dispatcher) run() {
	for {
		select {
		case <-d.done:
			return
		case <-d.wake:
		}

		for {
			d.mu.Lock()
			if len(d.queue) == 0 {
				d.mu.Unlock()
				break
			}
			c := d.queue[0]
			d.queue = d.queue[1:]
			handlers := make([]func(Change), 0, len(d.handlers))
			for _, h := range d.handlers {
				handlers = append(handlers, h)
			}
			d.mu.Unlock()

			for _, h := range handlers {
				h(c)
			}
		}
	}
}
