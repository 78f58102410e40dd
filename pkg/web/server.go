// Package web serves the status API and the live event stream.
package web

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/teslashibe/go-lightwatch/pkg/baseline"
	"github.com/teslashibe/go-lightwatch/pkg/camera"
	"github.com/teslashibe/go-lightwatch/pkg/detect"
	"github.com/teslashibe/go-lightwatch/pkg/gateway"
	"github.com/teslashibe/go-lightwatch/pkg/hub"
	"github.com/teslashibe/go-lightwatch/pkg/monitor"
	"github.com/teslashibe/go-lightwatch/pkg/telemetry"
)

// Config controls the HTTP surface.
type Config struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	Addr    string `mapstructure:"addr" yaml:"addr" json:"addr"`
	// StaticDir, when set, is served at "/".
	StaticDir string `mapstructure:"static_dir" yaml:"static_dir" json:"static_dir"`
	// RecentEvents is how many events are kept for /api/events and replayed
	// to new websocket clients.
	RecentEvents int `mapstructure:"recent_events" yaml:"recent_events" json:"recent_events"`
	// FrameInterval is the minimum gap between frames streamed for one
	// camera on /ws/frames/:id. Frames are only encoded while watched.
	FrameInterval time.Duration `mapstructure:"frame_interval" yaml:"frame_interval" json:"frame_interval"`
	// FrameQuality is the JPEG quality of streamed frames; 0 picks the default.
	FrameQuality int `mapstructure:"frame_quality" yaml:"frame_quality" json:"frame_quality"`
}

// DefaultConfig returns the default HTTP settings.
func DefaultConfig() Config {
	return Config{
		Enabled:       true,
		Addr:          ":8080",
		RecentEvents:  200,
		FrameInterval: 500 * time.Millisecond,
		FrameQuality:  detect.DefaultJPEGQuality,
	}
}

// Controller is the part of the detection loop the API drives.
// *monitor.Monitor satisfies it.
type Controller interface {
	Snapshot() monitor.Snapshot
	Camera(id int) (baseline.Status, bool)
	RequestBaseline()
	Invalidate()
}

// Server is the status API server
type Server struct {
	app  *fiber.App
	cfg  Config
	ctrl Controller

	started time.Time

	// Ring of recent events
	events   []Event
	eventsMu sync.RWMutex

	eventHub *hub.Hub
	cancel   context.CancelFunc

	// Per-camera annotated frame streams, created on first watcher
	frameMu   sync.Mutex
	frameHubs map[int]*frameStream
	hubCtx    context.Context

	// Optional status sources
	Devices     func() []camera.DeviceStatus
	LightPoints func() []detect.LightPoint
	Gateway     func() gateway.ClientStats
	Strategy    string

	logger *zap.Logger
}

// NewServer creates the server and its routes.
func NewServer(cfg Config, ctrl Controller, tel *telemetry.Telemetry) *Server {
	if cfg.RecentEvents <= 0 {
		cfg.RecentEvents = DefaultConfig().RecentEvents
	}
	tel = tel.Named("web")
	s := &Server{
		cfg:       cfg,
		ctrl:      ctrl,
		started:   time.Now(),
		events:    make([]Event, 0, cfg.RecentEvents),
		eventHub:  hub.New("events", tel.Logger),
		frameHubs: make(map[int]*frameStream),
		logger:    tel.Logger,
	}

	app := fiber.New(fiber.Config{
		AppName:               "lightwatch",
		DisableStartupMessage: true,
	})

	// CORS for local dashboards
	app.Use(cors.New())

	if cfg.StaticDir != "" {
		app.Static("/", cfg.StaticDir)
	}

	api := app.Group("/api")
	api.Get("/health", s.handleHealth)
	api.Get("/status", s.handleStatus)
	api.Get("/cameras", s.handleListCameras)
	api.Get("/cameras/:id", s.handleGetCamera)
	api.Get("/events", s.handleGetEvents)
	api.Post("/baseline", s.handleBaseline)
	api.Post("/invalidate", s.handleInvalidate)

	// WebSocket upgrade middleware
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/events", websocket.New(s.handleEventsWS))
	app.Get("/ws/frames/:id", s.requireCamera, websocket.New(s.handleFramesWS))

	s.app = app
	return s
}

// App exposes the fiber app, mainly for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

// Hub returns the event hub.
func (s *Server) Hub() *hub.Hub {
	return s.eventHub
}

func (s *Server) startHub() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.eventHub.Run(ctx)

	s.frameMu.Lock()
	s.hubCtx = ctx
	for _, fs := range s.frameHubs {
		go fs.hub.Run(ctx)
	}
	s.frameMu.Unlock()
}

// Start serves on the configured address and blocks.
func (s *Server) Start() error {
	s.startHub()
	s.logger.Info("status api listening", zap.String("addr", s.cfg.Addr))
	return s.app.Listen(s.cfg.Addr)
}

// Serve serves on ln and blocks.
func (s *Server) Serve(ln net.Listener) error {
	s.startHub()
	s.logger.Info("status api listening", zap.String("addr", ln.Addr().String()))
	return s.app.Listener(ln)
}

// StartAsync starts the server in a goroutine
func (s *Server) StartAsync() {
	go func() {
		if err := s.Start(); err != nil {
			s.logger.Error("status api stopped", zap.Error(err))
		}
	}()
}

// Shutdown stops the hub and the server, waiting at most timeout for
// in-flight requests.
func (s *Server) Shutdown(timeout time.Duration) error {
	if s.cancel != nil {
		s.cancel()
	}
	return s.app.ShutdownWithTimeout(timeout)
}
