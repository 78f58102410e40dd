package detect

import (
	"image"
	"sync"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"github.com/teslashibe/go-lightwatch/pkg/telemetry"
)

// RegionDetector performs free-form detection of target-coloured regions.
// It is safe for concurrent use; SetConfig swaps thresholds between calls.
type RegionDetector struct {
	mu     sync.RWMutex
	config Config

	logger   *zap.Logger
	counters *telemetry.Counters
}

// NewRegionDetector creates a region detector with the given thresholds.
func NewRegionDetector(cfg Config, tel *telemetry.Telemetry) (*RegionDetector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	tel = tel.Named("detect")
	return &RegionDetector{
		config:   cfg,
		logger:   tel.Logger,
		counters: tel.Counters,
	}, nil
}

// Config returns the active thresholds.
func (d *RegionDetector) Config() Config {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.config
}

// SetConfig replaces the thresholds used by subsequent Detect calls.
func (d *RegionDetector) SetConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	d.mu.Lock()
	d.config = cfg
	d.mu.Unlock()
	d.logger.Info("detection thresholds updated",
		zap.Float64("min_area", cfg.MinArea),
		zap.Float64("max_area", cfg.MaxArea),
		zap.Float64("value_min", cfg.ValueMin),
	)
	return nil
}

// Detect finds target-coloured regions in a BGR frame.
func (d *RegionDetector) Detect(frame gocv.Mat) (det Detection) {
	defer func() {
		if r := recover(); r != nil {
			d.fail(errors.Newf("panic: %v", r))
			det = Empty()
		}
	}()

	if err := checkFrame(frame); err != nil {
		d.fail(err)
		return Empty()
	}

	cfg := d.Config()

	mask := buildMask(frame, cfg)
	defer mask.Close()

	det = filterContours(mask, cfg)
	d.counters.Detections.Add(1)
	return det
}

// Mask returns the binary mask the detector would extract contours from.
// The caller owns the returned Mat.
func (d *RegionDetector) Mask(frame gocv.Mat) (gocv.Mat, error) {
	if err := checkFrame(frame); err != nil {
		return gocv.NewMat(), err
	}
	return buildMask(frame, d.Config()), nil
}

func (d *RegionDetector) fail(err error) {
	d.counters.DetectionErrors.Add(1)
	d.logger.Debug("detection failed, reporting empty result", zap.Error(err))
}

func checkFrame(frame gocv.Mat) error {
	if frame.Empty() {
		return errors.New("empty frame")
	}
	if frame.Rows() < 1 || frame.Cols() < 1 {
		return errors.Newf("degenerate frame %dx%d", frame.Cols(), frame.Rows())
	}
	if frame.Type() != gocv.MatTypeCV8UC3 {
		return errors.Newf("expected 8-bit 3-channel frame, got type %v", frame.Type())
	}
	return nil
}

// buildMask runs smoothing, colour masking and morphology. The input is only read.
func buildMask(frame gocv.Mat, cfg Config) gocv.Mat {
	// 1. Smoothing
	blurred := gocv.NewMat()
	defer blurred.Close()
	if cfg.BlurKernel > 1 {
		gocv.GaussianBlur(frame, &blurred, image.Pt(cfg.BlurKernel, cfg.BlurKernel), 0, 0, gocv.BorderDefault)
	} else {
		frame.CopyTo(&blurred)
	}

	// 2. HSV
	hsv := gocv.NewMat()
	defer hsv.Close()
	gocv.CvtColor(blurred, &hsv, gocv.ColorBGRToHSV)

	// 3. Two hue ranges, each bounded below by the saturation and value floors
	low := gocv.NewMat()
	defer low.Close()
	gocv.InRangeWithScalar(hsv,
		gocv.NewScalar(cfg.LowHueMin, cfg.SaturationMin, cfg.ValueMin, 0),
		gocv.NewScalar(cfg.LowHueMax, 255, 255, 0),
		&low)

	high := gocv.NewMat()
	defer high.Close()
	gocv.InRangeWithScalar(hsv,
		gocv.NewScalar(cfg.HighHueMin, cfg.SaturationMin, cfg.ValueMin, 0),
		gocv.NewScalar(cfg.HighHueMax, 255, 255, 0),
		&high)

	mask := gocv.NewMat()
	gocv.BitwiseOr(low, high, &mask)

	// 4. Channel dominance, OR-ed in
	if cfg.DominanceEnabled {
		dom := dominanceMask(blurred, cfg)
		gocv.BitwiseOr(mask, dom, &mask)
		dom.Close()
	}

	// 5. Opening, then optional erosion
	if cfg.OpenKernel > 1 {
		kernel := gocv.GetStructuringElement(gocv.MorphEllipse, image.Pt(cfg.OpenKernel, cfg.OpenKernel))
		opened := gocv.NewMat()
		gocv.MorphologyEx(mask, &opened, gocv.MorphOpen, kernel)
		kernel.Close()
		mask.Close()
		mask = opened
	}
	if cfg.ErodeIterations > 0 {
		kernel := gocv.GetStructuringElement(gocv.MorphRect, image.Pt(cfg.ErodeKernel, cfg.ErodeKernel))
		for i := 0; i < cfg.ErodeIterations; i++ {
			eroded := gocv.NewMat()
			gocv.Erode(mask, &eroded, kernel)
			mask.Close()
			mask = eroded
		}
		kernel.Close()
	}

	return mask
}

// dominanceMask marks pixels where R exceeds G and B by the margin and the floor.
func dominanceMask(bgr gocv.Mat, cfg Config) gocv.Mat {
	channels := gocv.Split(bgr)
	defer func() {
		for _, ch := range channels {
			ch.Close()
		}
	}()
	b, g, r := channels[0], channels[1], channels[2]

	rg := gocv.NewMat()
	defer rg.Close()
	gocv.Subtract(r, g, &rg) // saturates at 0
	rgMask := gocv.NewMat()
	defer rgMask.Close()
	gocv.Threshold(rg, &rgMask, float32(cfg.DominanceMargin), 255, gocv.ThresholdBinary)

	rb := gocv.NewMat()
	defer rb.Close()
	gocv.Subtract(r, b, &rb)
	rbMask := gocv.NewMat()
	defer rbMask.Close()
	gocv.Threshold(rb, &rbMask, float32(cfg.DominanceMargin), 255, gocv.ThresholdBinary)

	floor := gocv.NewMat()
	defer floor.Close()
	gocv.Threshold(r, &floor, float32(cfg.DominanceFloor), 255, gocv.ThresholdBinary)

	both := gocv.NewMat()
	defer both.Close()
	gocv.BitwiseAnd(rgMask, rbMask, &both)

	out := gocv.NewMat()
	gocv.BitwiseAnd(both, floor, &out)
	return out
}

// filterContours extracts external contours and keeps those passing every filter.
func filterContours(mask gocv.Mat, cfg Config) Detection {
	contours := gocv.FindContours(mask, gocv.RetrievalExternal, gocv.ChainApproxSimple)
	defer contours.Close()

	det := Empty()
	for i := 0; i < contours.Size(); i++ {
		contour := contours.At(i)
		area := gocv.ContourArea(contour)
		rect := gocv.BoundingRect(contour)
		if !keepRegion(area, rect, cfg) {
			continue
		}
		det.Count++
		det.TotalArea += area
		det.Boxes = append(det.Boxes, BoxFromRect(rect))
	}
	return det
}

// keepRegion rejects a contour as soon as any filter fails.
func keepRegion(area float64, rect image.Rectangle, cfg Config) bool {
	if area < cfg.MinArea || area > cfg.MaxArea {
		return false
	}
	w, h := rect.Dx(), rect.Dy()
	if w <= 0 || h <= 0 {
		return false
	}
	aspect := float64(w) / float64(h)
	if aspect < cfg.MinAspect || aspect > cfg.MaxAspect {
		return false
	}
	if area/float64(w*h) < cfg.MinCompactness {
		return false
	}
	return true
}
