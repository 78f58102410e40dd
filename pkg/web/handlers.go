package web

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"github.com/teslashibe/go-lightwatch/pkg/baseline"
	"github.com/teslashibe/go-lightwatch/pkg/camera"
	"github.com/teslashibe/go-lightwatch/pkg/detect"
	"github.com/teslashibe/go-lightwatch/pkg/gateway"
	"github.com/teslashibe/go-lightwatch/pkg/hub"
	"github.com/teslashibe/go-lightwatch/pkg/monitor"
)

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	monitor.Snapshot
	Strategy      string                `json:"strategy,omitempty"`
	UptimeSeconds int64                 `json:"uptime_seconds"`
	ActiveCameras int                   `json:"active_cameras"`
	Devices       []camera.DeviceStatus `json:"devices,omitempty"`
	LightPoints   []detect.LightPoint   `json:"light_points,omitempty"`
	Gateway       *gateway.ClientStats  `json:"gateway,omitempty"`
	StreamClients int                   `json:"stream_clients"`
}

// CameraView joins a camera's baseline state with its device status.
type CameraView struct {
	baseline.Status
	Device *camera.DeviceStatus `json:"device,omitempty"`
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":  "ok",
		"running": s.ctrl.Snapshot().Running,
	})
}

func (s *Server) handleStatus(c *fiber.Ctx) error {
	resp := StatusResponse{
		Snapshot:      s.ctrl.Snapshot(),
		Strategy:      s.Strategy,
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		StreamClients: s.eventHub.ClientCount(),
	}
	if s.Devices != nil {
		resp.Devices = s.Devices()
		for _, d := range resp.Devices {
			if d.Active {
				resp.ActiveCameras++
			}
		}
	}
	if s.LightPoints != nil {
		resp.LightPoints = s.LightPoints()
	}
	if s.Gateway != nil {
		stats := s.Gateway()
		resp.Gateway = &stats
	}
	return c.JSON(resp)
}

func (s *Server) devicesByID() map[int]camera.DeviceStatus {
	out := make(map[int]camera.DeviceStatus)
	if s.Devices == nil {
		return out
	}
	for _, d := range s.Devices() {
		out[d.ID] = d
	}
	return out
}

func (s *Server) handleListCameras(c *fiber.Ctx) error {
	devices := s.devicesByID()
	snap := s.ctrl.Snapshot()
	views := make([]CameraView, 0, len(snap.Cameras))
	for _, st := range snap.Cameras {
		v := CameraView{Status: st}
		if d, ok := devices[st.ID]; ok {
			v.Device = &d
		}
		views = append(views, v)
	}
	return c.JSON(views)
}

func (s *Server) handleGetCamera(c *fiber.Ctx) error {
	id, err := c.ParamsInt("id")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "camera id must be an integer",
		})
	}
	st, ok := s.ctrl.Camera(id)
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "unknown camera",
			"id":    id,
		})
	}
	v := CameraView{Status: st}
	if d, ok := s.devicesByID()[id]; ok {
		v.Device = &d
	}
	return c.JSON(v)
}

func (s *Server) handleGetEvents(c *fiber.Ctx) error {
	return c.JSON(s.RecentEvents())
}

// handleBaseline schedules baseline establishment, as an inbound update would.
func (s *Server) handleBaseline(c *fiber.Ctx) error {
	s.ctrl.RequestBaseline()
	snap := s.ctrl.Snapshot()
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"scheduled":    true,
		"establish_at": snap.EstablishAt,
	})
}

// handleInvalidate resets every baseline without scheduling a new one.
func (s *Server) handleInvalidate(c *fiber.Ctx) error {
	s.ctrl.Invalidate()
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"invalidated": true,
	})
}

// handleEventsWS replays recent events, then streams new ones until the
// client goes away.
func (s *Server) handleEventsWS(c *websocket.Conn) {
	for _, ev := range s.RecentEvents() {
		if err := c.WriteJSON(ev); err != nil {
			return
		}
	}
	hub.NewClient(s.eventHub, c).Run()
}
