// Package detect finds small target-coloured light regions in camera frames.
//
// Two strategies share one output type: RegionDetector performs free-form
// detection over the whole frame, LightMap samples a fixed set of light points
// taken from a mask image.
package detect

import (
	"image"

	"github.com/cockroachdb/errors"
	"gocv.io/x/gocv"

	"github.com/teslashibe/go-lightwatch/pkg/telemetry"
)

// Box is a region bounding box in pixels.
type Box struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

// BoxFromRect converts an image rectangle into a Box.
func BoxFromRect(r image.Rectangle) Box {
	return Box{X: r.Min.X, Y: r.Min.Y, W: r.Dx(), H: r.Dy()}
}

// BoxToRect converts a Box back into an image rectangle.
func BoxToRect(b Box) image.Rectangle {
	return image.Rect(b.X, b.Y, b.X+b.W, b.Y+b.H)
}

// Area returns the area of the bounding box
func (b Box) Area() int {
	return b.W * b.H
}

// Detection is the result of running a detector on one frame.
// Box order follows detection order and carries no meaning.
type Detection struct {
	Count     int     `json:"count"`
	TotalArea float64 `json:"total_area"`
	Boxes     []Box   `json:"boxes"`
}

// Empty returns the detection reported when nothing could be detected.
func Empty() Detection {
	return Detection{Boxes: []Box{}}
}

// Detector is the interface for detection strategies.
type Detector interface {
	// Detect analyses a 3-channel BGR frame. It never mutates the frame and
	// never fails: internal errors yield Empty().
	Detect(frame gocv.Mat) Detection
}

// Detection strategies.
const (
	StrategyFree = "free"
	StrategyMask = "mask"
)

// New builds the detector selected by strategy.
func New(strategy string, cfg Config, lm LightMapConfig, tel *telemetry.Telemetry) (Detector, error) {
	switch strategy {
	case StrategyFree, "":
		return NewRegionDetector(cfg, tel)
	case StrategyMask:
		return LoadLightMap(lm, cfg.Rule(), tel)
	default:
		return nil, errors.Newf("unknown detection strategy: %q", strategy)
	}
}
