package detect

import (
	"image"
	"image/color"
	"os"
	"sync"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"github.com/teslashibe/go-lightwatch/pkg/telemetry"
)

// Connected component stat columns (CC_STAT_*).
const (
	statLeft = iota
	statTop
	statWidth
	statHeight
	statArea
)

// LightMapConfig describes where fixed light points come from.
type LightMapConfig struct {
	MaskPath        string  `mapstructure:"mask_path" yaml:"mask_path" json:"mask_path"`
	BrightnessFloor float64 `mapstructure:"brightness_floor" yaml:"brightness_floor" json:"brightness_floor"` // mask pixels above this mark a light
	MinArea         float64 `mapstructure:"min_area" yaml:"min_area" json:"min_area"`
}

// DefaultLightMapConfig returns defaults matching a hand-painted 1080p mask.
func DefaultLightMapConfig() LightMapConfig {
	return LightMapConfig{
		MaskPath:        "mask.png",
		BrightnessFloor: 200,
		MinArea:         10,
	}
}

// LightPoint is one fixed region taken from the mask.
type LightPoint struct {
	ID      int           `json:"id"`
	Polygon []image.Point `json:"polygon"`
	Area    float64       `json:"area"`
	Box     Box           `json:"box"`
}

// sampler is a light point rasterised for one frame size.
type sampler struct {
	rect image.Rectangle
	mask gocv.Mat // size of rect
	area float64
}

// LightMap samples fixed light points every frame and classifies each as lit
// when the average colour inside its polygon matches the colour rule.
type LightMap struct {
	points []LightPoint
	size   image.Point // mask cols x rows
	rule   ColorRule

	mu       sync.Mutex
	samplers map[image.Point][]sampler

	logger   *zap.Logger
	counters *telemetry.Counters
}

// LoadLightMap reads a grayscale mask and extracts its light points.
func LoadLightMap(cfg LightMapConfig, rule ColorRule, tel *telemetry.Telemetry) (*LightMap, error) {
	if cfg.MaskPath == "" {
		return nil, errors.New("light map mask path is required")
	}
	if _, err := os.Stat(cfg.MaskPath); err != nil {
		return nil, errors.Wrapf(err, "mask file not found: %s", cfg.MaskPath)
	}

	img := gocv.IMRead(cfg.MaskPath, gocv.IMReadGrayScale)
	if img.Empty() {
		img.Close()
		return nil, errors.Newf("cannot decode mask file: %s", cfg.MaskPath)
	}
	defer img.Close()

	lm, err := NewLightMap(img, cfg, rule, tel)
	if err != nil {
		return nil, errors.Wrapf(err, "mask %s", cfg.MaskPath)
	}
	return lm, nil
}

// NewLightMap extracts light points from an in-memory grayscale mask.
func NewLightMap(mask gocv.Mat, cfg LightMapConfig, rule ColorRule, tel *telemetry.Telemetry) (*LightMap, error) {
	if mask.Empty() || mask.Channels() != 1 {
		return nil, errors.New("mask must be a non-empty single-channel image")
	}

	tel = tel.Named("lightmap")
	points := extractLightPoints(mask, cfg)

	lm := &LightMap{
		points:   points,
		size:     image.Pt(mask.Cols(), mask.Rows()),
		rule:     rule,
		samplers: make(map[image.Point][]sampler),
		logger:   tel.Logger,
		counters: tel.Counters,
	}

	lm.logger.Info("light points extracted",
		zap.Int("points", len(points)),
		zap.Int("mask_width", mask.Cols()),
		zap.Int("mask_height", mask.Rows()),
	)
	return lm, nil
}

// extractLightPoints runs connected-component analysis on the thresholded mask.
func extractLightPoints(mask gocv.Mat, cfg LightMapConfig) []LightPoint {
	binary := gocv.NewMat()
	defer binary.Close()
	gocv.Threshold(mask, &binary, float32(cfg.BrightnessFloor), 255, gocv.ThresholdBinary)

	labels := gocv.NewMat()
	defer labels.Close()
	stats := gocv.NewMat()
	defer stats.Close()
	centroids := gocv.NewMat()
	defer centroids.Close()
	gocv.ConnectedComponentsWithStats(binary, &labels, &stats, &centroids)

	var points []LightPoint
	// Label 0 is the background.
	for label := 1; label < stats.Rows(); label++ {
		area := float64(stats.GetIntAt(label, statArea))
		if area < cfg.MinArea {
			continue
		}
		rect := image.Rect(
			int(stats.GetIntAt(label, statLeft)),
			int(stats.GetIntAt(label, statTop)),
			int(stats.GetIntAt(label, statLeft)+stats.GetIntAt(label, statWidth)),
			int(stats.GetIntAt(label, statTop)+stats.GetIntAt(label, statHeight)),
		)

		polygon := componentPolygon(labels, label, rect)
		if len(polygon) == 0 {
			continue
		}
		points = append(points, LightPoint{
			ID:      len(points),
			Polygon: polygon,
			Area:    area,
			Box:     BoxFromRect(rect),
		})
	}
	return points
}

// componentPolygon returns the outer contour of one labelled component in
// absolute mask coordinates.
func componentPolygon(labels gocv.Mat, label int, rect image.Rectangle) []image.Point {
	roi := labels.Region(rect)
	defer roi.Close()

	only := gocv.NewMat()
	defer only.Close()
	v := float64(label)
	gocv.InRangeWithScalar(roi, gocv.NewScalar(v, 0, 0, 0), gocv.NewScalar(v, 0, 0, 0), &only)

	contours := gocv.FindContours(only, gocv.RetrievalExternal, gocv.ChainApproxSimple)
	defer contours.Close()

	var best []image.Point
	bestArea := -1.0
	for i := 0; i < contours.Size(); i++ {
		c := contours.At(i)
		if a := gocv.ContourArea(c); a > bestArea {
			bestArea = a
			best = c.ToPoints()
		}
	}

	out := make([]image.Point, len(best))
	for i, p := range best {
		out[i] = p.Add(rect.Min)
	}
	return out
}

// Points returns the extracted light points.
func (m *LightMap) Points() []LightPoint {
	out := make([]LightPoint, len(m.points))
	copy(out, m.points)
	return out
}

// Size returns the mask resolution.
func (m *LightMap) Size() image.Point {
	return m.size
}

// Detect classifies every light point in the frame.
func (m *LightMap) Detect(frame gocv.Mat) (det Detection) {
	defer func() {
		if r := recover(); r != nil {
			m.fail(errors.Newf("panic: %v", r))
			det = Empty()
		}
	}()

	if err := checkFrame(frame); err != nil {
		m.fail(err)
		return Empty()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	det = Empty()
	for _, s := range m.samplersFor(image.Pt(frame.Cols(), frame.Rows())) {
		if m.lit(frame, s) {
			det.Count++
			det.TotalArea += s.area
			det.Boxes = append(det.Boxes, BoxFromRect(s.rect))
		}
	}
	m.counters.Detections.Add(1)
	return det
}

func (m *LightMap) lit(frame gocv.Mat, s sampler) bool {
	if s.area == 0 {
		return false
	}
	roi := frame.Region(s.rect)
	defer roi.Close()
	mean := roi.MeanWithMask(s.mask)
	return m.rule.Match(mean.Val1, mean.Val2, mean.Val3)
}

// samplersFor returns the light points rasterised at the given frame size,
// scaling polygons with nearest-neighbour rounding when it differs from the mask.
func (m *LightMap) samplersFor(size image.Point) []sampler {
	if s, ok := m.samplers[size]; ok {
		return s
	}

	sx := float64(size.X) / float64(m.size.X)
	sy := float64(size.Y) / float64(m.size.Y)
	bounds := image.Rect(0, 0, size.X, size.Y)

	out := make([]sampler, 0, len(m.points))
	for _, p := range m.points {
		poly := scalePolygon(p.Polygon, sx, sy)
		rect := polygonBounds(poly).Intersect(bounds)
		if rect.Empty() {
			continue
		}

		local := make([]image.Point, len(poly))
		for i, pt := range poly {
			local[i] = pt.Sub(rect.Min)
		}

		mask := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 0, 0, 0), rect.Dy(), rect.Dx(), gocv.MatTypeCV8UC1)
		pv := gocv.NewPointsVectorFromPoints([][]image.Point{local})
		gocv.FillPoly(&mask, pv, color.RGBA{R: 255, G: 255, B: 255, A: 255})
		pv.Close()

		out = append(out, sampler{
			rect: rect,
			mask: mask,
			area: float64(gocv.CountNonZero(mask)),
		})
	}

	if size != m.size {
		m.logger.Info("light points rescaled for frame size",
			zap.Int("frame_width", size.X),
			zap.Int("frame_height", size.Y),
			zap.Int("points", len(out)),
		)
	}
	m.samplers[size] = out
	return out
}

func (m *LightMap) fail(err error) {
	m.counters.DetectionErrors.Add(1)
	m.logger.Debug("light map detection failed, reporting empty result", zap.Error(err))
}

// Close releases the rasterised masks.
func (m *LightMap) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for size, list := range m.samplers {
		for _, s := range list {
			s.mask.Close()
		}
		delete(m.samplers, size)
	}
	return nil
}

func scalePolygon(poly []image.Point, sx, sy float64) []image.Point {
	if sx == 1 && sy == 1 {
		return poly
	}
	out := make([]image.Point, len(poly))
	for i, p := range poly {
		out[i] = image.Pt(int(float64(p.X)*sx+0.5), int(float64(p.Y)*sy+0.5))
	}
	return out
}

// polygonBounds returns the inclusive pixel bounds of a polygon as a half-open rectangle.
func polygonBounds(poly []image.Point) image.Rectangle {
	if len(poly) == 0 {
		return image.Rectangle{}
	}
	r := image.Rectangle{Min: poly[0], Max: poly[0]}
	for _, p := range poly[1:] {
		if p.X < r.Min.X {
			r.Min.X = p.X
		}
		if p.Y < r.Min.Y {
			r.Min.Y = p.Y
		}
		if p.X > r.Max.X {
			r.Max.X = p.X
		}
		if p.Y > r.Max.Y {
			r.Max.Y = p.Y
		}
	}
	r.Max = r.Max.Add(image.Pt(1, 1))
	return r
}
