package web

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/teslashibe/go-lightwatch/internal/log"
	"github.com/teslashibe/go-lightwatch/pkg/camera"
	"github.com/teslashibe/go-lightwatch/pkg/detect"
	"github.com/teslashibe/go-lightwatch/pkg/hub"
)

const localCameraID = "camera_id"

type frameStream struct {
	hub  *hub.Hub
	last time.Time // capture time of the last streamed frame, guarded by frameMu
}

// FrameHub returns the frame stream hub of one camera, creating it if needed.
func (s *Server) FrameHub(id int) *hub.Hub {
	s.frameMu.Lock()
	defer s.frameMu.Unlock()

	fs, ok := s.frameHubs[id]
	if !ok {
		fs = &frameStream{hub: hub.New("frames-"+strconv.Itoa(id), s.logger)}
		s.frameHubs[id] = fs
		if s.hubCtx != nil {
			go fs.hub.Run(s.hubCtx)
		}
	}
	return fs.hub
}

// FrameAnalyzed streams an annotated JPEG of f to the camera's watchers, at
// most once per FrameInterval of capture time.
func (s *Server) FrameAnalyzed(f *camera.Frame, det detect.Detection) {
	s.frameMu.Lock()
	fs := s.frameHubs[f.CameraID]
	if fs == nil || fs.hub.ClientCount() == 0 ||
		(!fs.last.IsZero() && f.CapturedAt.Sub(fs.last) < s.cfg.FrameInterval) {
		s.frameMu.Unlock()
		return
	}
	fs.last = f.CapturedAt
	s.frameMu.Unlock()

	data, err := detect.EncodeJPEG(f.Mat, det, s.cfg.FrameQuality)
	if err != nil {
		s.logger.Debug("frame not streamed", zap.Int(log.FieldCameraID, f.CameraID), zap.Error(err))
		return
	}
	fs.hub.BroadcastFrame(data)
}

// requireCamera rejects frame stream requests for cameras the loop does not
// track, before the websocket upgrade.
func (s *Server) requireCamera(c *fiber.Ctx) error {
	id, err := c.ParamsInt("id")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "camera id must be an integer",
		})
	}
	if _, ok := s.ctrl.Camera(id); !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "unknown camera",
			"id":    id,
		})
	}
	c.Locals(localCameraID, id)
	return c.Next()
}

// handleFramesWS streams one camera's annotated frames as binary messages
// until the client goes away.
func (s *Server) handleFramesWS(c *websocket.Conn) {
	id, _ := c.Locals(localCameraID).(int)
	hub.NewClient(s.FrameHub(id), c).Run()
}
