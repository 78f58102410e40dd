// Package app wires the capture, detection, baseline and transport
// components into one running lightwatch process.
package app

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/teslashibe/go-lightwatch/internal/config"
	"github.com/teslashibe/go-lightwatch/internal/log"
	"github.com/teslashibe/go-lightwatch/pkg/baseline"
	"github.com/teslashibe/go-lightwatch/pkg/camera"
	"github.com/teslashibe/go-lightwatch/pkg/detect"
	"github.com/teslashibe/go-lightwatch/pkg/gateway"
	"github.com/teslashibe/go-lightwatch/pkg/monitor"
	"github.com/teslashibe/go-lightwatch/pkg/signal"
	"github.com/teslashibe/go-lightwatch/pkg/telemetry"
	"github.com/teslashibe/go-lightwatch/pkg/trigger"
	"github.com/teslashibe/go-lightwatch/pkg/web"
)

// Option configures an App.
type Option func(*App)

// WithOpener replaces the camera device opener.
func WithOpener(o camera.Opener) Option {
	return func(a *App) { a.opener = o }
}

// WithGatewayOptions passes options to the MQTT client.
func WithGatewayOptions(opts ...gateway.Option) Option {
	return func(a *App) { a.gatewayOpts = append(a.gatewayOpts, opts...) }
}

// WithConfigWatch reloads detection thresholds when v's config file changes.
func WithConfigWatch(v *viper.Viper) Option {
	return func(a *App) { a.viper = v }
}

// App is the lightwatch orchestrator.
// It manages all components and their lifecycle.
type App struct {
	cfg config.Config
	tel *telemetry.Telemetry

	opener      camera.Opener
	gatewayOpts []gateway.Option
	viper       *viper.Viper

	// Shared by the frame slots and the baseline table.
	mu sync.Mutex

	source     *camera.Source
	detector   detect.Detector
	region     *detect.RegionDetector
	lightMap   *detect.LightMap
	gateway    *gateway.Client
	dispatcher *trigger.Dispatcher
	monitor    *monitor.Monitor
	webServer  *web.Server
	notifier   *webNotifier

	shutdownOnce sync.Once
	logger       *zap.Logger
}

// New validates cfg and creates an App. Call Init before Run.
func New(cfg config.Config, tel *telemetry.Telemetry, opts ...Option) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &App{
		cfg:      cfg,
		tel:      tel,
		notifier: &webNotifier{},
		logger:   tel.Named("app").Logger,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Init builds every component and opens the cameras. It fails only when the
// detector cannot be built, no camera opens, or the gateway config is unusable.
func (a *App) Init(ctx context.Context) error {
	if err := a.initDetector(); err != nil {
		return errors.Wrap(err, "detector init")
	}

	a.source = camera.NewSource(a.cfg.Cameras, a.opener, a.tel, camera.WithLocker(&a.mu))
	opened, err := a.source.Start(ctx)
	if err != nil {
		return errors.Wrap(err, "camera init")
	}

	gw, err := gateway.New(a.cfg.MQTT, a.tel, a.gatewayOpts...)
	if err != nil {
		return errors.Wrap(err, "gateway init")
	}
	a.gateway = gw
	a.dispatcher = trigger.NewDispatcher(gw, a.cfg.Loop.DispatchQueue, a.tel)

	a.monitor = monitor.New(a.cfg.Monitor(), a.openedCameras(), a.source, a.detector, a.dispatcher, a.tel,
		monitor.WithMutex(&a.mu),
		monitor.WithRules(a.cfg.Signal),
		monitor.WithNotifier(a.notifier),
		monitor.WithFrameTap(a.notifier.FrameAnalyzed),
	)
	gw.OnSignal(a.monitor.HandleMessage)

	if a.cfg.Web.Enabled {
		a.webServer = web.NewServer(a.cfg.Web, a.monitor, a.tel)
		a.webServer.Devices = a.source.Status
		a.webServer.Gateway = gw.Stats
		a.webServer.Strategy = a.cfg.Detection.Strategy
		if a.lightMap != nil {
			a.webServer.LightPoints = a.lightMap.Points
		}
		a.notifier.srv = a.webServer
	}

	a.logger.Info("lightwatch initialised",
		zap.Int("cameras_opened", opened),
		zap.Int("cameras_configured", len(a.cfg.Cameras.Devices)),
		zap.String("strategy", a.cfg.Detection.Strategy),
		zap.String("broker", a.cfg.MQTT.Broker),
	)
	return nil
}

func (a *App) initDetector() error {
	d, err := detect.New(a.cfg.Detection.Strategy, a.cfg.Detection.Config, a.cfg.LightMap, a.tel)
	if err != nil {
		return err
	}
	a.detector = d
	switch d := d.(type) {
	case *detect.RegionDetector:
		a.region = d
	case *detect.LightMap:
		a.lightMap = d
		a.logger.Info("light map loaded",
			zap.String("mask", a.cfg.LightMap.MaskPath),
			zap.Int("light_points", len(d.Points())))
	}
	return nil
}

// openedCameras are the devices that produced frames at start. Cameras that
// never opened get no baseline state.
func (a *App) openedCameras() []int {
	var ids []int
	for _, st := range a.source.Status() {
		if st.Opened {
			ids = append(ids, st.ID)
		}
	}
	return ids
}

// Run connects the gateway, serves the status API and runs the detection
// loop until ctx is done.
func (a *App) Run(ctx context.Context) error {
	if a.monitor == nil {
		return errors.New("app not initialised")
	}

	go func() {
		if err := a.gateway.ConnectWithRetry(ctx); err != nil && ctx.Err() == nil {
			a.logger.Error("mqtt connection abandoned, triggers will not be published", zap.Error(err))
		}
	}()

	if a.webServer != nil {
		a.webServer.StartAsync()
	}
	if a.viper != nil {
		config.Watch(a.viper, a.cfg, a.logger, a.applyConfig)
	}

	err := a.monitor.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// applyConfig re-applies the settings that can change at runtime.
func (a *App) applyConfig(next config.Config) {
	if a.region == nil {
		return
	}
	if err := a.region.SetConfig(next.Detection.Config); err != nil {
		a.logger.Warn("detection thresholds not applied", zap.Error(err))
		return
	}
	a.logger.Info("detection thresholds updated",
		zap.Float64("min_area", next.Detection.MinArea),
		zap.Float64("max_area", next.Detection.MaxArea))
}

// Monitor returns the detection loop.
func (a *App) Monitor() *monitor.Monitor {
	return a.monitor
}

// Shutdown stops every component, bounding each wait by the configured
// shutdown timeout. It is safe to call more than once.
func (a *App) Shutdown() {
	a.shutdownOnce.Do(func() {
		timeout := a.cfg.Loop.ShutdownTimeout
		start := time.Now()

		if a.monitor != nil {
			a.monitor.Stop()
		}
		if a.source != nil {
			if err := a.source.Stop(timeout); err != nil {
				a.logger.Warn("camera shutdown incomplete", zap.Error(err))
			}
		}
		if a.dispatcher != nil {
			a.dispatcher.Close(timeout)
		}
		if a.gateway != nil {
			_ = a.gateway.Close()
		}
		if a.webServer != nil {
			if err := a.webServer.Shutdown(timeout); err != nil {
				a.logger.Warn("status api shutdown", zap.Error(err))
			}
		}
		if a.lightMap != nil {
			_ = a.lightMap.Close()
		}

		a.logger.Info("lightwatch stopped",
			zap.Int64(log.FieldDurationMS, time.Since(start).Milliseconds()))
	})
}

// webNotifier forwards loop notices to the status server once it exists.
type webNotifier struct {
	srv *web.Server
}

func (n *webNotifier) SignalApplied(sig signal.Signal) {
	if n.srv != nil {
		n.srv.SignalApplied(sig)
	}
}

func (n *webNotifier) Transition(tr baseline.Transition, at time.Time) {
	if n.srv != nil {
		n.srv.Transition(tr, at)
	}
}

func (n *webNotifier) TriggerFired(ev trigger.Event) {
	if n.srv != nil {
		n.srv.TriggerFired(ev)
	}
}

func (n *webNotifier) FrameAnalyzed(f *camera.Frame, det detect.Detection) {
	if n.srv != nil {
		n.srv.FrameAnalyzed(f, det)
	}
}
