package localize

import "sync"

// dispatcher delivers sink events in order from its own goroutine. The queue
// is unbounded so the event loop never blocks on a slow or re-entrant sink.
type dispatcher struct {
	sink  Sink
	mu    sync.Mutex
	queue []func(Sink)
	wake  chan struct{}
}

func newDispatcher(sink Sink) *dispatcher {
	if sink == nil {
		sink = NopSink{}
	}
	return &dispatcher{sink: sink, wake: make(chan struct{}, 1)}
}

func (d *dispatcher) push(f func(Sink)) {
	d.mu.Lock()
	d.queue = append(d.queue, f)
	d.mu.Unlock()
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// run delivers events until stop is closed, then drains what is queued.
func (d *dispatcher) run(stop <-chan struct{}) {
	for {
		d.drain()
		select {
		case <-d.wake:
		case <-stop:
			d.drain()
			return
		}
	}
}

func (d *dispatcher) drain() {
	for {
		d.mu.Lock()
		batch := d.queue
		d.queue = nil
		d.mu.Unlock()
		if len(batch) == 0 {
			return
		}
		for _, f := range batch {
			f(d.sink)
		}
	}
}
