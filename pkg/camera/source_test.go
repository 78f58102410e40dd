package camera

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"

	"github.com/teslashibe/go-lightwatch/pkg/telemetry"
)

// fakeDevice produces small solid frames whose blue channel is the read
// number, or fails every read when broken is set.
type fakeDevice struct {
	broken atomic.Bool
	reads  atomic.Int64
	closed atomic.Bool
	delay  time.Duration
}

func (d *fakeDevice) Read(dst *gocv.Mat) bool {
	if d.delay > 0 {
		time.Sleep(d.delay)
	}
	n := d.reads.Add(1)
	if d.broken.Load() || d.closed.Load() {
		return false
	}
	m := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(float64(n%256), 0, 0, 0), 4, 4, gocv.MatTypeCV8UC3)
	defer m.Close()
	m.CopyTo(dst)
	return true
}

func (d *fakeDevice) Close() error {
	d.closed.Store(true)
	return nil
}

func fakeOpener(devices map[int]*fakeDevice) Opener {
	return func(id int) (Device, error) {
		d, ok := devices[id]
		if !ok {
			return nil, errors.Wrapf(ErrDeviceUnavailable, "camera %d", id)
		}
		return d, nil
	}
}

func testConfig(ids ...int) Config {
	cfg := DefaultConfig()
	cfg.Devices = ids
	cfg.OpenStagger = 0
	cfg.RetryDelay = time.Millisecond
	cfg.FailureCeiling = 3
	return cfg
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond)
}

func TestSource_ToleratesUnavailableDevices(t *testing.T) {
	devs := map[int]*fakeDevice{0: {delay: time.Millisecond}, 2: {delay: time.Millisecond}}
	src := NewSource(testConfig(0, 1, 2), fakeOpener(devs), telemetry.Nop())

	opened, err := src.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, opened)
	defer src.Stop(time.Second)

	status := src.Status()
	require.Len(t, status, 3)
	assert.True(t, status[0].Active)
	assert.False(t, status[1].Opened)
	assert.NotEmpty(t, status[1].Error)
	assert.True(t, status[2].Active)
	assert.Equal(t, 2, src.ActiveCount())
}

func TestSource_FailsWhenNoDeviceOpens(t *testing.T) {
	src := NewSource(testConfig(4, 5), fakeOpener(nil), telemetry.Nop())

	opened, err := src.Start(context.Background())
	assert.Zero(t, opened)
	assert.True(t, errors.Is(err, ErrDeviceUnavailable))
	assert.False(t, src.Running())
}

func TestSource_NewestFrameWins(t *testing.T) {
	var mu sync.Mutex
	tel := telemetry.Nop()
	devs := map[int]*fakeDevice{0: {delay: time.Millisecond}}
	src := NewSource(testConfig(0), fakeOpener(devs), tel, WithLocker(&mu))

	_, err := src.Start(context.Background())
	require.NoError(t, err)
	defer src.Stop(time.Second)

	waitFor(t, func() bool { return tel.Counters.FramesDropped.Load() > 2 })

	mu.Lock()
	frames := src.TakeLatest()
	again := src.TakeLatest()
	mu.Unlock()

	require.Len(t, frames, 1)
	assert.Empty(t, again, "a frame is handed out once")

	f := frames[0]
	defer f.Close()
	assert.True(t, f.Valid)
	assert.Equal(t, 0, f.CameraID)
	assert.Greater(t, f.Seq, uint64(2))
	assert.False(t, f.CapturedAt.IsZero())
	assert.Equal(t, 4, f.Mat.Rows())
}

func TestSource_FailureCeilingIsolatesDevice(t *testing.T) {
	tel := telemetry.Nop()
	bad := &fakeDevice{}
	bad.broken.Store(true)
	good := &fakeDevice{delay: time.Millisecond}
	src := NewSource(testConfig(0, 1), fakeOpener(map[int]*fakeDevice{0: bad, 1: good}), tel)

	_, err := src.Start(context.Background())
	require.NoError(t, err)
	defer src.Stop(time.Second)

	waitFor(t, func() bool { return src.ActiveCount() == 1 })
	waitFor(t, func() bool { return bad.closed.Load() })

	status := src.Status()
	assert.False(t, status[0].Active)
	assert.Equal(t, 3, status[0].Failures)
	assert.True(t, status[1].Active)
	assert.EqualValues(t, 1, tel.Counters.CamerasLost.Load())

	// The healthy camera keeps producing frames.
	before := tel.Counters.FramesCaptured.Load()
	waitFor(t, func() bool { return tel.Counters.FramesCaptured.Load() > before+3 })
}

func TestSource_StopReleasesEverything(t *testing.T) {
	dev := &fakeDevice{delay: time.Millisecond}
	src := NewSource(testConfig(0), fakeOpener(map[int]*fakeDevice{0: dev}), telemetry.Nop())

	_, err := src.Start(context.Background())
	require.NoError(t, err)
	waitFor(t, func() bool { return dev.reads.Load() > 3 })

	require.NoError(t, src.Stop(time.Second))
	assert.True(t, dev.closed.Load())
	assert.False(t, src.Running())
	assert.Zero(t, src.ActiveCount())
	assert.Empty(t, src.TakeLatest())

	// Idempotent, and a stopped source cannot restart.
	assert.NoError(t, src.Stop(time.Second))
	_, err = src.Start(context.Background())
	assert.ErrorIs(t, err, ErrStopped)
}

func TestSource_StopIsBounded(t *testing.T) {
	dev := &fakeDevice{delay: 300 * time.Millisecond}
	src := NewSource(testConfig(0), fakeOpener(map[int]*fakeDevice{0: dev}), telemetry.Nop())

	_, err := src.Start(context.Background())
	require.NoError(t, err)
	waitFor(t, func() bool { return dev.reads.Load() > 0 })

	start := time.Now()
	err = src.Stop(20 * time.Millisecond)
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 250*time.Millisecond)
	assert.True(t, dev.closed.Load(), "device force-closed")
}

func TestSource_ContextCancelStopsWorkers(t *testing.T) {
	dev := &fakeDevice{delay: time.Millisecond}
	ctx, cancel := context.WithCancel(context.Background())
	src := NewSource(testConfig(0), fakeOpener(map[int]*fakeDevice{0: dev}), telemetry.Nop())

	_, err := src.Start(ctx)
	require.NoError(t, err)
	cancel()
	waitFor(t, func() bool { return dev.closed.Load() })
	require.NoError(t, src.Stop(time.Second))
}

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
	for _, name := range PresetNames() {
		require.NoError(t, GetPreset(name).Validate(), name)
	}
	assert.Nil(t, GetPreset("imaginary"))

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no devices", func(c *Config) { c.Devices = nil }},
		{"negative id", func(c *Config) { c.Devices = []int{-1} }},
		{"unknown preset", func(c *Config) { c.Preset = "imaginary" }},
		{"duplicate id", func(c *Config) { c.Devices = []int{1, 1} }},
		{"zero ceiling", func(c *Config) { c.FailureCeiling = 0 }},
		{"negative delay", func(c *Config) { c.RetryDelay = -time.Second }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
