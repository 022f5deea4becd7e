package roster

import (
	"context"
	"log/slog"
	"sync"
)

// DispatcherConfig controls the concurrency characteristics of the dispatcher.
type DispatcherConfig struct {
	QueueSize int
	Workers   int
}

// Dispatcher fans bubble change events out to subscribers on a worker pool,
// so writers never wait on slow observers. Signals coalesce: a subscriber that
// has not consumed the previous signal does not receive another.
type Dispatcher struct {
	logger *slog.Logger

	jobs   chan string
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once

	mu     sync.Mutex
	subs   map[string]map[*subscriber]struct{}
	closed bool
}

type subscriber struct {
	ch     chan struct{}
	closed bool
}

// NewDispatcher starts the worker pool.
func NewDispatcher(cfg DispatcherConfig, logger *slog.Logger) *Dispatcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	d := &Dispatcher{
		logger: logger,
		jobs:   make(chan string, cfg.QueueSize),
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[string]map[*subscriber]struct{}),
	}

	d.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go d.worker()
	}

	return d
}

// Publish schedules a change signal for every subscriber of bubbleID.
func (d *Dispatcher) Publish(ctx context.Context, bubbleID string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-d.ctx.Done():
		return errDispatcherClosed
	default:
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-d.ctx.Done():
		return errDispatcherClosed
	case d.jobs <- bubbleID:
		return nil
	}
}

// Subscribe registers for change signals on bubbleID. The returned function
// releases the subscription and closes the channel; it is safe to call more
// than once.
func (d *Dispatcher) Subscribe(bubbleID string) (<-chan struct{}, func()) {
	sub := &subscriber{ch: make(chan struct{}, 1)}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	set, ok := d.subs[bubbleID]
	if !ok {
		set = make(map[*subscriber]struct{})
		d.subs[bubbleID] = set
	}
	set[sub] = struct{}{}
	d.mu.Unlock()

	release := func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		if set, ok := d.subs[bubbleID]; ok {
			delete(set, sub)
			if len(set) == 0 {
				delete(d.subs, bubbleID)
			}
		}
		if !sub.closed {
			sub.closed = true
			close(sub.ch)
		}
	}

	return sub.ch, release
}

// Subscribers reports how many subscriptions are open for bubbleID.
func (d *Dispatcher) Subscribers(bubbleID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.subs[bubbleID])
}

// Shutdown stops the workers after they drain queued signals and closes
// every open subscription.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.once.Do(d.cancel)

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	for bubbleID, set := range d.subs {
		for sub := range set {
			if !sub.closed {
				sub.closed = true
				close(sub.ch)
			}
		}
		delete(d.subs, bubbleID)
	}
	return nil
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			d.drain()
			return
		case bubbleID := <-d.jobs:
			d.fanOut(bubbleID)
		}
	}
}

func (d *Dispatcher) drain() {
	for {
		select {
		case bubbleID := <-d.jobs:
			d.fanOut(bubbleID)
		default:
			return
		}
	}
}

func (d *Dispatcher) fanOut(bubbleID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	delivered := 0
	for sub := range d.subs[bubbleID] {
		if sub.closed {
			continue
		}
		select {
		case sub.ch <- struct{}{}:
			delivered++
		default:
		}
	}

	if delivered > 0 {
		d.logger.Debug("roster change dispatched", "bubbleId", bubbleID, "subscribers", delivered)
	}
}
