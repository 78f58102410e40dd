// Package monitor runs the detection loop: on a fixed cadence it takes the
// newest frame of every camera, detects light regions, advances each
// camera's baseline and dispatches trigger events. Inbound signals reset or
// re-arm the baselines concurrently with the loop.
//
// One mutex guards the baseline table, the establish schedule and the frame
// slots. It is never held across detection, device I/O or publishing.
package monitor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/teslashibe/go-lightwatch/internal/log"
	"github.com/teslashibe/go-lightwatch/pkg/baseline"
	"github.com/teslashibe/go-lightwatch/pkg/camera"
	"github.com/teslashibe/go-lightwatch/pkg/detect"
	"github.com/teslashibe/go-lightwatch/pkg/signal"
	"github.com/teslashibe/go-lightwatch/pkg/telemetry"
	"github.com/teslashibe/go-lightwatch/pkg/trigger"
)

// Config holds loop timing.
type Config struct {
	// Interval is the detection cadence.
	Interval time.Duration `mapstructure:"interval" yaml:"interval" json:"interval"`
	// EstablishDelay lets the physical scene settle between an establish
	// signal and baseline capture.
	EstablishDelay time.Duration `mapstructure:"establish_delay" yaml:"establish_delay" json:"establish_delay"`
	// StablePeriod suppresses comparisons after baseline capture.
	StablePeriod time.Duration `mapstructure:"stable_period" yaml:"stable_period" json:"stable_period"`
	// SignalQueue is the inbound signal buffer size.
	SignalQueue int `mapstructure:"signal_queue" yaml:"signal_queue" json:"signal_queue"`
}

// DefaultConfig returns the production loop timing.
func DefaultConfig() Config {
	return Config{
		Interval:       300 * time.Millisecond,
		EstablishDelay: 300 * time.Millisecond,
		StablePeriod:   baseline.DefaultStablePeriod,
		SignalQueue:    32,
	}
}

// FrameSource yields the newest unread frame per camera. TakeLatest is
// called with the monitor's mutex held.
type FrameSource interface {
	TakeLatest() []camera.Frame
}

// Dispatcher accepts fired events without blocking.
type Dispatcher interface {
	Dispatch(ev trigger.Event) bool
}

// Notifier observes what the loop does. Calls are made without the mutex held.
type Notifier interface {
	SignalApplied(sig signal.Signal)
	Transition(tr baseline.Transition, at time.Time)
	TriggerFired(ev trigger.Event)
}

type nopNotifier struct{}

func (nopNotifier) SignalApplied(signal.Signal)               {}
func (nopNotifier) Transition(baseline.Transition, time.Time) {}
func (nopNotifier) TriggerFired(trigger.Event)                {}

// FrameTap sees every analysed frame before it is released. It runs on the
// loop goroutine without the mutex and must not retain f.Mat.
type FrameTap func(f *camera.Frame, det detect.Detection)

// Option configures a Monitor.
type Option func(*Monitor)

// WithMutex makes the monitor use mu, so the frame source can share it.
func WithMutex(mu *sync.Mutex) Option {
	return func(m *Monitor) { m.mu = mu }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// WithNotifier installs a notifier.
func WithNotifier(n Notifier) Option {
	return func(m *Monitor) {
		if n != nil {
			m.notifier = n
		}
	}
}

// WithFrameTap installs a frame tap.
func WithFrameTap(tap FrameTap) Option {
	return func(m *Monitor) { m.tap = tap }
}

// WithRules overrides the inbound classification rules.
func WithRules(r signal.Rules) Option {
	return func(m *Monitor) { m.classifier = signal.NewClassifier(r) }
}

// Monitor is the detection loop.
type Monitor struct {
	cfg Config

	mu          *sync.Mutex
	table       *baseline.Table
	establishAt time.Time // zero when nothing is scheduled
	lastTick    time.Time

	frames     FrameSource
	detector   detect.Detector
	dispatch   Dispatcher
	notifier   Notifier
	tap        FrameTap
	classifier *signal.Classifier

	signals chan signal.Signal
	running atomic.Bool
	now     func() time.Time

	logger   *zap.Logger
	counters *telemetry.Counters
}

// New creates a monitor for the given camera ids.
func New(cfg Config, ids []int, frames FrameSource, detector detect.Detector, dispatch Dispatcher, tel *telemetry.Telemetry, opts ...Option) *Monitor {
	if cfg.SignalQueue <= 0 {
		cfg.SignalQueue = DefaultConfig().SignalQueue
	}
	tel = tel.Named("monitor")
	m := &Monitor{
		cfg:        cfg,
		mu:         &sync.Mutex{},
		table:      baseline.NewTable(ids, cfg.StablePeriod),
		frames:     frames,
		detector:   detector,
		dispatch:   dispatch,
		notifier:   nopNotifier{},
		classifier: signal.NewClassifier(signal.DefaultRules()),
		signals:    make(chan signal.Signal, cfg.SignalQueue),
		now:        time.Now,
		logger:     tel.Logger,
		counters:   tel.Counters,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run ticks until ctx is done or Stop is called. Inbound signals are applied
// by a consumer goroutine that lives as long as Run.
func (m *Monitor) Run(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return nil
	}
	defer m.running.Store(false)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		m.consume(ctx)
	}()
	defer wg.Wait()

	m.logger.Info("detection loop started",
		zap.Duration("interval", m.cfg.Interval),
		zap.Ints("cameras", m.table.IDs()),
	)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("detection loop stopped")
			return ctx.Err()
		case <-ticker.C:
			if !m.running.Load() {
				m.logger.Info("detection loop stopped")
				return nil
			}
			m.Tick(m.now())
		}
	}
}

// Stop clears the running flag; Run returns at its next iteration.
func (m *Monitor) Stop() {
	m.running.Store(false)
}

// Running reports whether Run is active.
func (m *Monitor) Running() bool {
	return m.running.Load()
}

func (m *Monitor) consume(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-m.signals:
			m.Apply(sig)
		}
	}
}

// HandleMessage is the transport callback for inbound state messages. It
// classifies the payload and enqueues the resulting signal.
func (m *Monitor) HandleMessage(topic string, payload []byte) {
	sig, err := m.classifier.Classify(topic, payload, m.now())
	if err != nil {
		m.counters.SignalsMalformed.Add(1)
		m.logger.Warn("ignoring malformed state message",
			zap.String(log.FieldTopic, topic), zap.Error(err))
		return
	}
	m.logger.Info("state message received",
		zap.String(log.FieldKind, sig.Kind.String()),
		zap.Int("count_of_ones", sig.CountOfOnes),
		zap.Bool("is_update", sig.IsUpdate),
		zap.String("reason", sig.Reason),
	)
	m.HandleSignal(sig)
}

// HandleSignal enqueues sig for the consumer. When the queue is full the
// signal is applied inline so that no reset is ever lost.
func (m *Monitor) HandleSignal(sig signal.Signal) {
	select {
	case m.signals <- sig:
	default:
		m.logger.Warn("signal queue full, applying inline", zap.String(log.FieldKind, sig.Kind.String()))
		m.Apply(sig)
	}
}

// Apply acts on a classified signal under the mutex.
func (m *Monitor) Apply(sig signal.Signal) {
	now := m.now()
	var transitions []baseline.Transition

	m.mu.Lock()
	switch sig.Kind {
	case signal.KindInvalidate:
		transitions = m.resetAllLocked(now)
		m.establishAt = time.Time{}
	case signal.KindEstablish:
		transitions = m.resetAllLocked(now)
		m.establishAt = now.Add(m.cfg.EstablishDelay)
	}
	establishAt := m.establishAt
	m.mu.Unlock()

	switch sig.Kind {
	case signal.KindInvalidate:
		m.counters.SignalsInvalid.Add(1)
		m.logger.Info("baselines invalidated, no new baseline scheduled",
			zap.Int("count_of_ones", sig.CountOfOnes))
	case signal.KindEstablish:
		m.counters.SignalsEstablish.Add(1)
		m.logger.Info("baseline establishment scheduled",
			zap.Time("at", establishAt),
			zap.Duration("delay", m.cfg.EstablishDelay))
	default:
		m.counters.SignalsSkipped.Add(1)
		m.logger.Debug("signal skipped", zap.String("reason", sig.Reason))
	}

	m.report(transitions, nil, now)
	m.notifier.SignalApplied(sig)
}

// RequestBaseline schedules a baseline as if an establish signal arrived.
func (m *Monitor) RequestBaseline() {
	m.Apply(signal.Signal{Kind: signal.KindEstablish, Reason: "manual request", IsUpdate: true, ReceivedAt: m.now()})
}

// Invalidate resets every baseline as if the sentinel arrived.
func (m *Monitor) Invalidate() {
	m.Apply(signal.Signal{Kind: signal.KindInvalidate, Reason: "manual request", ReceivedAt: m.now()})
}

func (m *Monitor) resetAllLocked(now time.Time) []baseline.Transition {
	var out []baseline.Transition
	for _, id := range m.table.IDs() {
		cam, _ := m.table.Get(id)
		if from := cam.Phase(now); from != baseline.PhaseUnset {
			out = append(out, baseline.Transition{CameraID: id, From: from, To: baseline.PhaseUnset})
		}
	}
	m.table.ResetAll()
	return out
}

type observation struct {
	cameraID   int
	capturedAt time.Time
	det        detect.Detection
}

// TickResult summarises one tick.
type TickResult struct {
	Frames      int
	Detections  map[int]detect.Detection
	Transitions []baseline.Transition
	Fired       []trigger.Event
}

// Tick runs one detection cycle at now.
func (m *Monitor) Tick(now time.Time) TickResult {
	m.counters.Ticks.Add(1)
	var transitions []baseline.Transition

	// Arm and take frames.
	m.mu.Lock()
	if !m.establishAt.IsZero() && !now.Before(m.establishAt) {
		for _, id := range m.table.IDs() {
			cam, _ := m.table.Get(id)
			transitions = append(transitions, baseline.Transition{CameraID: id, From: cam.Phase(now), To: baseline.PhasePending})
		}
		m.table.ArmAll(m.establishAt)
		m.establishAt = time.Time{}
	}
	frames := m.frames.TakeLatest()
	m.lastTick = now
	m.mu.Unlock()

	// Detect without the lock.
	obs := make([]observation, 0, len(frames))
	for i := range frames {
		f := &frames[i]
		det := m.detector.Detect(f.Mat)
		if m.tap != nil {
			m.tap(f, det)
		}
		obs = append(obs, observation{
			cameraID:   f.CameraID,
			capturedAt: f.CapturedAt,
			det:        det,
		})
		f.Close()
	}

	// Advance baselines and decide.
	var fired []trigger.Event
	m.mu.Lock()
	for _, o := range obs {
		cam, ok := m.table.Get(o.cameraID)
		if !ok {
			continue
		}
		tr := cam.Observe(now, o.capturedAt, o.det.Count, o.det.TotalArea)
		if tr.Changed() || tr.Seeded {
			if tr.Changed() && tr.To == baseline.PhaseStabilizing {
				m.logger.Info("baseline established",
					zap.Int(log.FieldCameraID, cam.ID),
					zap.Int(log.FieldBaseline, cam.BaselineCount),
					zap.Float64(log.FieldArea, cam.BaselineArea),
				)
			}
			transitions = append(transitions, tr)
		}
		if d := trigger.Decide(cam, o.det.Count, now); d.Fire {
			cam.MarkReported(d.To)
			fired = append(fired, trigger.NewEvent(d, now))
		}
	}
	m.mu.Unlock()

	for _, ev := range fired {
		m.counters.TriggersFired.Add(1)
		m.dispatch.Dispatch(ev)
	}
	m.report(transitions, fired, now)

	res := TickResult{
		Frames:      len(frames),
		Detections:  make(map[int]detect.Detection, len(obs)),
		Transitions: transitions,
		Fired:       fired,
	}
	for _, o := range obs {
		res.Detections[o.cameraID] = o.det
	}
	return res
}

func (m *Monitor) report(transitions []baseline.Transition, fired []trigger.Event, now time.Time) {
	for _, tr := range transitions {
		if tr.Seeded && !tr.Changed() {
			m.logger.Info("stable period elapsed, comparisons live",
				zap.Int(log.FieldCameraID, tr.CameraID))
		} else {
			m.logger.Info("camera state transition",
				zap.Int(log.FieldCameraID, tr.CameraID),
				zap.Stringer(log.FieldFrom, tr.From),
				zap.Stringer(log.FieldTo, tr.To),
			)
		}
		m.notifier.Transition(tr, now)
	}
	for _, ev := range fired {
		m.logger.Info("trigger fired",
			zap.Int(log.FieldCameraID, ev.CameraID),
			zap.Int("from_count", ev.From),
			zap.Int("to_count", ev.To),
			zap.Int(log.FieldBaseline, ev.Baseline),
			zap.String("transition", ev.Transition()),
			zap.String(log.FieldEventID, ev.ID.String()),
		)
		m.notifier.TriggerFired(ev)
	}
}

// Snapshot is a consistent view of the loop state.
type Snapshot struct {
	Running        bool                      `json:"running"`
	Cameras        []baseline.Status         `json:"cameras"`
	Phases         map[baseline.Phase]int    `json:"phases"`
	EstablishAt    *time.Time                `json:"establish_at,omitempty"`
	LastTick       time.Time                 `json:"last_tick"`
	Counters       telemetry.CounterSnapshot `json:"counters"`
	IntervalMS     int64                     `json:"interval_ms"`
	StablePeriodMS int64                     `json:"stable_period_ms"`
}

// Snapshot returns the current state of every camera.
func (m *Monitor) Snapshot() Snapshot {
	now := m.now()

	m.mu.Lock()
	s := Snapshot{
		Running:        m.running.Load(),
		Cameras:        m.table.Snapshot(now),
		Phases:         m.table.Counts(now),
		LastTick:       m.lastTick,
		IntervalMS:     m.cfg.Interval.Milliseconds(),
		StablePeriodMS: m.cfg.StablePeriod.Milliseconds(),
	}
	if !m.establishAt.IsZero() {
		at := m.establishAt
		s.EstablishAt = &at
	}
	m.mu.Unlock()

	s.Counters = m.counters.Snapshot()
	return s
}

// Camera returns the status of one camera.
func (m *Monitor) Camera(id int) (baseline.Status, bool) {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	cam, ok := m.table.Get(id)
	if !ok {
		return baseline.Status{}, false
	}
	return baseline.Status{Camera: *cam, Phase: cam.Phase(now)}, true
}
