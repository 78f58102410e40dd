package detect

import (
	"image"
	"image/color"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"

	"github.com/teslashibe/go-lightwatch/pkg/telemetry"
)

var white = color.RGBA{R: 255, G: 255, B: 255, A: 255}

// testMask has two 10x10 light points and one speck below the area floor.
func testMask(t *testing.T) gocv.Mat {
	t.Helper()
	mask := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 0, 0, 0), 100, 100, gocv.MatTypeCV8UC1)
	gocv.Rectangle(&mask, image.Rect(10, 10, 20, 20), white, -1)
	gocv.Rectangle(&mask, image.Rect(60, 60, 70, 70), white, -1)
	gocv.Rectangle(&mask, image.Rect(90, 5, 92, 7), white, -1)
	return mask
}

func newTestLightMap(t *testing.T) *LightMap {
	t.Helper()
	mask := testMask(t)
	defer mask.Close()

	lm, err := NewLightMap(mask, DefaultLightMapConfig(), DefaultConfig().Rule(), telemetry.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { lm.Close() })
	return lm
}

func TestLightMap_ExtractsPoints(t *testing.T) {
	lm := newTestLightMap(t)

	points := lm.Points()
	require.Len(t, points, 2)
	assert.Equal(t, 0, points[0].ID)
	assert.Equal(t, 1, points[1].ID)
	assert.Less(t, points[0].Box.X, points[1].Box.X)
	for _, p := range points {
		assert.GreaterOrEqual(t, p.Area, 10.0)
		assert.NotEmpty(t, p.Polygon)
	}
	assert.Equal(t, image.Pt(100, 100), lm.Size())
}

func TestLightMap_ClassifiesLitPoints(t *testing.T) {
	lm := newTestLightMap(t)

	frame := blankFrame(100, 100)
	defer frame.Close()
	gocv.Rectangle(&frame, image.Rect(8, 8, 22, 22), red, -1)

	det := lm.Detect(frame)
	assert.Equal(t, 1, det.Count)
	require.Len(t, det.Boxes, 1)
	assert.InDelta(t, 10, det.Boxes[0].X, 1)
	assert.Greater(t, det.TotalArea, 0.0)

	gocv.Rectangle(&frame, image.Rect(58, 58, 72, 72), deepRed, -1)
	assert.Equal(t, 2, lm.Detect(frame).Count)
}

func TestLightMap_RescalesToFrameSize(t *testing.T) {
	lm := newTestLightMap(t)

	frame := blankFrame(200, 200)
	defer frame.Close()
	gocv.Rectangle(&frame, image.Rect(116, 116, 144, 144), red, -1)

	det := lm.Detect(frame)
	require.Equal(t, 1, det.Count)
	assert.InDelta(t, 120, det.Boxes[0].X, 2)
}

func TestLightMap_DegenerateFrame(t *testing.T) {
	lm := newTestLightMap(t)

	empty := gocv.NewMat()
	defer empty.Close()
	assert.Equal(t, Empty(), lm.Detect(empty))
}

func TestLoadLightMap(t *testing.T) {
	mask := testMask(t)
	defer mask.Close()

	path := filepath.Join(t.TempDir(), "mask.png")
	require.True(t, gocv.IMWrite(path, mask))

	cfg := DefaultLightMapConfig()
	cfg.MaskPath = path
	lm, err := LoadLightMap(cfg, DefaultConfig().Rule(), telemetry.Nop())
	require.NoError(t, err)
	defer lm.Close()
	assert.Len(t, lm.Points(), 2)

	// Raising the area floor drops both points
	cfg.MinArea = 500
	lm2, err := LoadLightMap(cfg, DefaultConfig().Rule(), telemetry.Nop())
	require.NoError(t, err)
	defer lm2.Close()
	assert.Empty(t, lm2.Points())
}

func TestLoadLightMap_Errors(t *testing.T) {
	_, err := LoadLightMap(LightMapConfig{}, DefaultConfig().Rule(), telemetry.Nop())
	assert.Error(t, err)

	_, err = LoadLightMap(LightMapConfig{MaskPath: filepath.Join(t.TempDir(), "missing.png")}, DefaultConfig().Rule(), telemetry.Nop())
	assert.Error(t, err)
}
