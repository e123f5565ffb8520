package events

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/elee1766/godefrag/pkg/diskmap"
)

// ErrStopTimeout is returned by Stop when the delivery loop did not exit in time.
var ErrStopTimeout = errors.New("event dispatcher did not stop in time")

// Dispatcher owns an unbounded FIFO of events and delivers them to the
// observers of a Registry from a single goroutine. Publishing never blocks on
// delivery.
type Dispatcher struct {
	logger   *slog.Logger
	registry *Registry

	mu     sync.Mutex
	queue  []Event
	closed bool

	paused   atomic.Bool
	stopping atomic.Bool

	notify  chan struct{}
	done    chan struct{}
	started atomic.Bool

	delivered atomic.Uint64
}

// NewDispatcher returns a dispatcher delivering to registry.
func NewDispatcher(logger *slog.Logger, registry *Registry) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		logger:   logger.With("component", "dispatcher"),
		registry: registry,
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Start launches the delivery goroutine. Calling it twice is a no-op.
func (d *Dispatcher) Start() {
	if d.started.Swap(true) {
		return
	}
	go d.loop()
}

// Publish appends e to the queue. Events published after Stop are dropped.
func (d *Dispatcher) Publish(e Event) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.queue = append(d.queue, e)
	d.mu.Unlock()
	d.wake()
}

// AddLogMessage publishes a status line.
func (d *Dispatcher) AddLogMessage(slot uint8, level slog.Level, msg string) {
	d.Publish(LogMessage{Slot: slot, Level: level, Message: msg, Time: time.Now()})
}

// AddFilteredClusters publishes a bucket delta.
func (d *Dispatcher) AddFilteredClusters(buckets []diskmap.Bucket) {
	if len(buckets) == 0 {
		return
	}
	d.Publish(ClustersEvent{Buckets: buckets})
}

// UpdateProgress publishes a progress update.
func (d *Dispatcher) UpdateProgress(done, total float64) {
	d.Publish(ProgressEvent{Done: done, Total: total})
}

// Pause stops delivery. Published events are buffered until Continue.
func (d *Dispatcher) Pause() {
	d.paused.Store(true)
}

func (d *Dispatcher) Paused() bool { return d.paused.Load() }

// Continue resumes delivery. When snapshot is non-nil it is called under
// the queue lock; buffered cluster deltas are dropped and the full view it
// returns is queued ahead of the remaining log and progress events.
func (d *Dispatcher) Continue(snapshot func() []diskmap.Bucket) {
	d.mu.Lock()
	if snapshot != nil && !d.closed {
		kept := make([]Event, 0, len(d.queue)+1)
		kept = append(kept, ClustersEvent{Buckets: snapshot(), Resync: true})
		for _, e := range d.queue {
			if _, ok := e.(ClustersEvent); ok {
				continue
			}
			kept = append(kept, e)
		}
		d.queue = kept
	}
	d.paused.Store(false)
	d.mu.Unlock()
	d.wake()
}

// Resync queues a full snapshot behind whatever is already pending, for
// consumers whose view went stale while delivery was running.
func (d *Dispatcher) Resync(buckets []diskmap.Bucket) {
	d.Publish(ClustersEvent{Buckets: buckets, Resync: true})
}

// Pending returns the number of queued events.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// Delivered returns the number of events handed to observers.
func (d *Dispatcher) Delivered() uint64 { return d.delivered.Load() }

// Stop closes the queue and waits up to timeout for the loop to exit. A
// running dispatcher drains what is queued first; a paused one discards it.
// On timeout the loop is abandoned and ErrStopTimeout returned.
func (d *Dispatcher) Stop(timeout time.Duration) error {
	d.mu.Lock()
	d.closed = true
	if d.paused.Load() {
		if n := len(d.queue); n > 0 {
			d.logger.Debug("discarding buffered events", "count", n)
		}
		d.queue = nil
	}
	d.mu.Unlock()

	if !d.started.Load() {
		return nil
	}
	d.stopping.Store(true)
	d.wake()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-d.done:
		return nil
	case <-timer.C:
		return fmt.Errorf("%w after %s (%d events pending)", ErrStopTimeout, timeout, d.Pending())
	}
}

// Done is closed when the delivery loop has exited.
func (d *Dispatcher) Done() <-chan struct{} { return d.done }

func (d *Dispatcher) wake() {
	select {
	case d.notify <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) loop() {
	defer close(d.done)
	for range d.notify {
		for {
			batch, exit := d.take()
			if len(batch) == 0 {
				if exit {
					return
				}
				break
			}
			d.deliverBatch(batch)
		}
	}
}

// take swaps out the queue. exit reports that the loop should return once
// the batch is delivered.
func (d *Dispatcher) take() ([]Event, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	exit := d.stopping.Load() && d.closed
	if d.paused.Load() {
		if exit {
			d.queue = nil
		}
		return nil, exit
	}
	batch := d.queue
	d.queue = nil
	return batch, exit
}

func (d *Dispatcher) deliverBatch(batch []Event) {
	for i, e := range batch {
		if d.paused.Load() {
			d.requeue(batch[i:])
			return
		}
		d.deliver(e)
	}
}

// requeue puts undelivered events back at the front of the queue.
func (d *Dispatcher) requeue(rest []Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.queue = append(append(make([]Event, 0, len(rest)+len(d.queue)), rest...), d.queue...)
}

func (d *Dispatcher) deliver(e Event) {
	for _, sub := range d.registry.snapshot() {
		d.call(sub, e)
	}
	d.delivered.Add(1)
}

func (d *Dispatcher) call(sub subscriber, e Event) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("observer panicked", "observer", sub.id, "event", fmt.Sprintf("%T", e), "panic", r)
		}
	}()
	if err := sub.observer(e); err != nil {
		d.logger.Error("observer failed", "observer", sub.id, "event", fmt.Sprintf("%T", e), "error", err)
	}
}
