package camera

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"github.com/teslashibe/go-lightwatch/internal/log"
	"github.com/teslashibe/go-lightwatch/pkg/telemetry"
)

var (
	// ErrDeviceUnavailable is returned when a device cannot be opened or
	// produces no frames.
	ErrDeviceUnavailable = errors.New("camera device unavailable")

	// ErrStopped is returned by Start on a source that has been stopped.
	ErrStopped = errors.New("frame source stopped")
)

// Frame is one captured image. The holder owns Mat and must Close it.
type Frame struct {
	CameraID   int
	Mat        gocv.Mat
	CapturedAt time.Time
	Seq        uint64
	Valid      bool
}

// Close releases the pixel buffer.
func (f *Frame) Close() {
	if f.Valid {
		f.Mat.Close()
		f.Valid = false
	}
}

// Device is an open capture handle. *gocv.VideoCapture satisfies it.
type Device interface {
	Read(dst *gocv.Mat) bool
	Close() error
}

// Opener opens the device with the given index.
type Opener func(id int) (Device, error)

// OpenDevice returns an Opener backed by gocv.OpenVideoCapture. A device that
// opens but yields no frame within warmupReads reads is reported unavailable.
func OpenDevice(warmupReads int) Opener {
	return func(id int) (Device, error) {
		vc, err := gocv.OpenVideoCapture(id)
		if err != nil {
			return nil, errors.Wrapf(ErrDeviceUnavailable, "camera %d: %v", id, err)
		}
		if !vc.IsOpened() {
			vc.Close()
			return nil, errors.Wrapf(ErrDeviceUnavailable, "camera %d did not open", id)
		}
		vc.Set(gocv.VideoCaptureBufferSize, 1)

		warm := gocv.NewMat()
		defer warm.Close()
		for i := 0; i < max(1, warmupReads); i++ {
			if vc.Read(&warm) && !warm.Empty() {
				return vc, nil
			}
		}
		vc.Close()
		return nil, errors.Wrapf(ErrDeviceUnavailable, "camera %d opened but produced no frames after %d reads", id, max(1, warmupReads))
	}
}

// DeviceStatus is a point-in-time view of one device.
type DeviceStatus struct {
	ID          int       `json:"id"`
	Opened      bool      `json:"opened"`
	Active      bool      `json:"active"`
	Error       string    `json:"error,omitempty"`
	FramesRead  uint64    `json:"frames_read"`
	Failures    int       `json:"consecutive_failures"`
	LastFrameAt time.Time `json:"last_frame_at"`
}

type device struct {
	dev       Device
	closeOnce sync.Once
}

func (d *device) close() {
	d.closeOnce.Do(func() { _ = d.dev.Close() })
}

// Option configures a Source.
type Option func(*Source)

// WithLocker makes the source guard its latest-frame slots with l. Pass the
// detection loop's mutex so frame hand-off and state mutation share one lock.
func WithLocker(l sync.Locker) Option {
	return func(s *Source) { s.lock = l }
}

// WithClock overrides the capture timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Source) { s.now = now }
}

// Source runs one capture worker per device and keeps only the newest frame
// of each. Older unread frames are dropped.
type Source struct {
	cfg  Config
	open Opener
	lock sync.Locker
	now  func() time.Time

	// guarded by lock
	latest map[int]*Frame
	seq    map[int]uint64

	statMu  sync.RWMutex
	status  map[int]*DeviceStatus
	devices map[int]*device

	running atomic.Bool
	stopped atomic.Bool
	wg      sync.WaitGroup

	logger   *zap.Logger
	counters *telemetry.Counters
}

// NewSource creates a source for cfg.Devices. Devices are not opened until Start.
func NewSource(cfg Config, open Opener, tel *telemetry.Telemetry, opts ...Option) *Source {
	if open == nil {
		open = OpenDevice(cfg.WarmupReads)
	}
	tel = tel.Named("camera")
	s := &Source{
		cfg:      cfg,
		open:     open,
		lock:     &sync.Mutex{},
		now:      time.Now,
		latest:   make(map[int]*Frame, len(cfg.Devices)),
		seq:      make(map[int]uint64, len(cfg.Devices)),
		status:   make(map[int]*DeviceStatus, len(cfg.Devices)),
		devices:  make(map[int]*device, len(cfg.Devices)),
		logger:   tel.Logger,
		counters: tel.Counters,
	}
	for _, id := range cfg.Devices {
		s.status[id] = &DeviceStatus{ID: id}
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start opens every configured device and starts its worker. It returns the
// number of devices opened and fails only when none could be opened.
func (s *Source) Start(ctx context.Context) (int, error) {
	if s.stopped.Load() {
		return 0, ErrStopped
	}
	if !s.running.CompareAndSwap(false, true) {
		return s.ActiveCount(), nil
	}

	opened := 0
	for i, id := range s.cfg.Devices {
		if i > 0 && s.cfg.OpenStagger > 0 {
			select {
			case <-ctx.Done():
				s.running.Store(false)
				return opened, ctx.Err()
			case <-time.After(s.cfg.OpenStagger):
			}
		}

		dev, err := s.open(id)
		if err != nil {
			s.setStatus(id, func(st *DeviceStatus) { st.Error = err.Error() })
			s.logger.Warn("camera unavailable, continuing without it",
				zap.Int(log.FieldCameraID, id), zap.Error(err))
			continue
		}

		d := &device{dev: dev}
		s.statMu.Lock()
		s.devices[id] = d
		st := s.status[id]
		st.Opened, st.Active, st.Error = true, true, ""
		s.statMu.Unlock()

		s.logger.Info("camera opened", zap.Int(log.FieldCameraID, id))
		opened++

		s.wg.Add(1)
		go s.capture(ctx, id, d)
	}

	if opened == 0 {
		s.running.Store(false)
		return 0, errors.Wrapf(ErrDeviceUnavailable, "none of %d cameras could be opened", len(s.cfg.Devices))
	}
	s.logger.Info("frame source started",
		zap.Int("opened", opened), zap.Int("configured", len(s.cfg.Devices)))
	return opened, nil
}

// capture is the per-device worker. It never holds the shared lock while
// blocked on device I/O.
func (s *Source) capture(ctx context.Context, id int, d *device) {
	defer s.wg.Done()
	defer d.close()

	buf := gocv.NewMat()
	defer buf.Close()

	failures := 0
	for s.running.Load() && ctx.Err() == nil {
		if !d.dev.Read(&buf) || buf.Empty() {
			failures++
			s.counters.ReadFailures.Add(1)
			s.setStatus(id, func(st *DeviceStatus) { st.Failures = failures })

			if failures >= s.cfg.FailureCeiling {
				s.markInactive(id, errors.Newf("%d consecutive read failures", failures))
				return
			}
			s.sleep(ctx, s.cfg.RetryDelay)
			continue
		}

		failures = 0
		frame := &Frame{
			CameraID:   id,
			Mat:        buf.Clone(),
			CapturedAt: s.now(),
			Valid:      true,
		}
		s.put(frame)
		s.counters.FramesCaptured.Add(1)
		s.setStatus(id, func(st *DeviceStatus) {
			st.Failures = 0
			st.FramesRead++
			st.LastFrameAt = frame.CapturedAt
		})
	}
}

// put swaps frame into the camera's slot; newest wins.
func (s *Source) put(frame *Frame) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if !s.running.Load() {
		frame.Close()
		return
	}
	if old := s.latest[frame.CameraID]; old != nil {
		old.Close()
		s.counters.FramesDropped.Add(1)
	}
	s.seq[frame.CameraID]++
	frame.Seq = s.seq[frame.CameraID]
	s.latest[frame.CameraID] = frame
}

// TakeLatest removes and returns the unread newest frame of every camera,
// ordered by configured device order. The caller must hold the shared lock
// and owns the returned frames.
func (s *Source) TakeLatest() []Frame {
	out := make([]Frame, 0, len(s.latest))
	for _, id := range s.cfg.Devices {
		if f := s.latest[id]; f != nil {
			out = append(out, *f)
			delete(s.latest, id)
		}
	}
	return out
}

func (s *Source) markInactive(id int, err error) {
	s.setStatus(id, func(st *DeviceStatus) {
		st.Active = false
		st.Error = err.Error()
	})
	s.counters.CamerasLost.Add(1)
	s.logger.Error("camera marked inactive",
		zap.Int(log.FieldCameraID, id), zap.Error(err),
		zap.Int("remaining_active", s.ActiveCount()))
}

func (s *Source) setStatus(id int, fn func(*DeviceStatus)) {
	s.statMu.Lock()
	defer s.statMu.Unlock()
	if st, ok := s.status[id]; ok {
		fn(st)
	}
}

func (s *Source) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Status returns every configured device in configured order.
func (s *Source) Status() []DeviceStatus {
	s.statMu.RLock()
	defer s.statMu.RUnlock()
	out := make([]DeviceStatus, 0, len(s.cfg.Devices))
	for _, id := range s.cfg.Devices {
		out = append(out, *s.status[id])
	}
	return out
}

// ActiveCount returns the number of devices still capturing.
func (s *Source) ActiveCount() int {
	s.statMu.RLock()
	defer s.statMu.RUnlock()
	n := 0
	for _, st := range s.status {
		if st.Active {
			n++
		}
	}
	return n
}

// Running reports whether the source has been started and not stopped.
func (s *Source) Running() bool {
	return s.running.Load()
}

// Stop clears the running flag and waits up to timeout for workers to exit.
// Devices are then force-closed and unread frames released. Stop is
// idempotent.
func (s *Source) Stop(timeout time.Duration) error {
	if s.stopped.Swap(true) {
		return nil
	}
	s.running.Store(false)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(timeout):
		err = errors.Newf("capture workers did not exit within %s", timeout)
		s.logger.Warn("forcing camera release", zap.Duration("timeout", timeout))
	}

	s.statMu.Lock()
	for id, d := range s.devices {
		d.close()
		s.status[id].Active = false
	}
	s.statMu.Unlock()

	s.lock.Lock()
	for id, f := range s.latest {
		f.Close()
		delete(s.latest, id)
	}
	s.lock.Unlock()

	s.logger.Info("frame source stopped")
	return err
}
