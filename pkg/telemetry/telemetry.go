// Package telemetry carries the logger and the process counters that every
// component receives through its constructor.
package telemetry

import (
	"sync/atomic"

	"go.uber.org/zap"
)

// Telemetry is the explicit context object handed to constructors.
type Telemetry struct {
	Logger   *zap.Logger
	Counters *Counters
}

// New creates a Telemetry with fresh counters. A nil logger becomes a no-op logger.
func New(logger *zap.Logger) *Telemetry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Telemetry{
		Logger:   logger,
		Counters: &Counters{},
	}
}

// Nop returns a Telemetry that discards logs. Useful in tests.
func Nop() *Telemetry {
	return New(nil)
}

// Named returns a copy whose logger is scoped to component. Counters are shared.
func (t *Telemetry) Named(component string) *Telemetry {
	if t == nil {
		t = Nop()
	}
	return &Telemetry{
		Logger:   t.Logger.Named(component).With(zap.String("component", component)),
		Counters: t.Counters,
	}
}

// Counters are process-wide monotonic counters.
type Counters struct {
	FramesCaptured   atomic.Int64
	FramesDropped    atomic.Int64
	ReadFailures     atomic.Int64
	CamerasLost      atomic.Int64
	Detections       atomic.Int64
	DetectionErrors  atomic.Int64
	TriggersFired    atomic.Int64
	TriggersDropped  atomic.Int64
	PublishAttempts  atomic.Int64
	PublishFailures  atomic.Int64
	SignalsEstablish atomic.Int64
	SignalsInvalid   atomic.Int64
	SignalsSkipped   atomic.Int64
	SignalsMalformed atomic.Int64
	Ticks            atomic.Int64
}

// CounterSnapshot is a point-in-time copy of Counters.
type CounterSnapshot struct {
	FramesCaptured   int64 `json:"frames_captured"`
	FramesDropped    int64 `json:"frames_dropped"`
	ReadFailures     int64 `json:"read_failures"`
	CamerasLost      int64 `json:"cameras_lost"`
	Detections       int64 `json:"detections"`
	DetectionErrors  int64 `json:"detection_errors"`
	TriggersFired    int64 `json:"triggers_fired"`
	TriggersDropped  int64 `json:"triggers_dropped"`
	PublishAttempts  int64 `json:"publish_attempts"`
	PublishFailures  int64 `json:"publish_failures"`
	SignalsEstablish int64 `json:"signals_establish"`
	SignalsInvalid   int64 `json:"signals_invalidate"`
	SignalsSkipped   int64 `json:"signals_skipped"`
	SignalsMalformed int64 `json:"signals_malformed"`
	Ticks            int64 `json:"ticks"`
}

// Snapshot returns the current counter values.
func (c *Counters) Snapshot() CounterSnapshot {
	return CounterSnapshot{
		FramesCaptured:   c.FramesCaptured.Load(),
		FramesDropped:    c.FramesDropped.Load(),
		ReadFailures:     c.ReadFailures.Load(),
		CamerasLost:      c.CamerasLost.Load(),
		Detections:       c.Detections.Load(),
		DetectionErrors:  c.DetectionErrors.Load(),
		TriggersFired:    c.TriggersFired.Load(),
		TriggersDropped:  c.TriggersDropped.Load(),
		PublishAttempts:  c.PublishAttempts.Load(),
		PublishFailures:  c.PublishFailures.Load(),
		SignalsEstablish: c.SignalsEstablish.Load(),
		SignalsInvalid:   c.SignalsInvalid.Load(),
		SignalsSkipped:   c.SignalsSkipped.Load(),
		SignalsMalformed: c.SignalsMalformed.Load(),
		Ticks:            c.Ticks.Load(),
	}
}
