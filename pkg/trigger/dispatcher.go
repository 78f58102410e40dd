package trigger

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teslashibe/go-lightwatch/internal/log"
	"github.com/teslashibe/go-lightwatch/pkg/telemetry"
)

// Publisher delivers a fired event. Implementations bound their own retries.
type Publisher interface {
	PublishTrigger(ctx context.Context, ev Event) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, ev Event) error

func (f PublisherFunc) PublishTrigger(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}

// DefaultQueueSize bounds the number of undelivered events.
const DefaultQueueSize = 64

// Dispatcher hands events to a Publisher on its own goroutine so the
// detection loop never waits on the network.
type Dispatcher struct {
	pub   Publisher
	queue chan Event

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool

	logger   *zap.Logger
	counters *telemetry.Counters
}

// NewDispatcher starts the delivery goroutine.
func NewDispatcher(pub Publisher, queueSize int, tel *telemetry.Telemetry) *Dispatcher {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	tel = tel.Named("dispatch")
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		pub:      pub,
		queue:    make(chan Event, queueSize),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		logger:   tel.Logger,
		counters: tel.Counters,
	}
	go d.run()
	return d
}

// Dispatch enqueues ev. It never blocks; when the queue is full or the
// dispatcher is closed the event is dropped and false is returned.
func (d *Dispatcher) Dispatch(ev Event) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.drop(ev, "dispatcher closed")
		return false
	}
	select {
	case d.queue <- ev:
		return true
	default:
		d.drop(ev, "queue full")
		return false
	}
}

func (d *Dispatcher) drop(ev Event, reason string) {
	d.counters.TriggersDropped.Add(1)
	d.logger.Warn("trigger event dropped",
		zap.String("reason", reason),
		zap.Int(log.FieldCameraID, ev.CameraID),
		zap.String(log.FieldEventID, ev.ID.String()),
	)
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for ev := range d.queue {
		if err := d.pub.PublishTrigger(d.ctx, ev); err != nil {
			d.logger.Error("trigger event not delivered",
				zap.Int(log.FieldCameraID, ev.CameraID),
				zap.String("transition", ev.Transition()),
				zap.String(log.FieldEventID, ev.ID.String()),
				zap.Error(err),
			)
		}
	}
}

// Close stops accepting events and waits up to timeout for queued ones to
// be delivered. Anything still in flight after that is abandoned.
func (d *Dispatcher) Close(timeout time.Duration) {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		close(d.queue)
		d.mu.Unlock()

		select {
		case <-d.done:
		case <-time.After(timeout):
			d.logger.Warn("dispatcher drain timed out", zap.Duration("timeout", timeout))
		}
		d.cancel()
	})
}
