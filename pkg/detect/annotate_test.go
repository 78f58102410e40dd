package detect

import (
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"
)

func TestAnnotate_DrawsBoxesOnACopy(t *testing.T) {
	frame := blankFrame(100, 100)
	defer frame.Close()

	det := Detection{Count: 1, TotalArea: 900, Boxes: []Box{{X: 20, Y: 30, W: 30, H: 30}}}
	out := Annotate(frame, det)
	defer out.Close()

	require.Equal(t, frame.Rows(), out.Rows())
	require.Equal(t, frame.Cols(), out.Cols())

	edge := out.GetVecbAt(30, 20)
	assert.EqualValues(t, 255, edge[1], "box outline is green")
	assert.EqualValues(t, 0, frame.GetVecbAt(30, 20)[1], "source frame untouched")
	assert.EqualValues(t, 0, out.GetVecbAt(45, 35)[1], "box interior not filled")
}

func TestEncodeJPEG(t *testing.T) {
	frame := blankFrame(64, 48)
	defer frame.Close()
	fillRect(t, &frame, image.Rect(10, 10, 20, 20), red)

	data, err := EncodeJPEG(frame, Detection{Count: 1, Boxes: []Box{{X: 10, Y: 10, W: 10, H: 10}}}, 0)
	require.NoError(t, err)
	require.Greater(t, len(data), 4)
	assert.Equal(t, []byte{0xFF, 0xD8}, data[:2], "JPEG start of image")

	decoded, err := gocv.IMDecode(data, gocv.IMReadColor)
	require.NoError(t, err)
	defer decoded.Close()
	assert.Equal(t, 64, decoded.Cols())
	assert.Equal(t, 48, decoded.Rows())
}

func TestEncodeJPEG_RejectsEmptyFrame(t *testing.T) {
	empty := gocv.NewMat()
	defer empty.Close()

	_, err := EncodeJPEG(empty, Empty(), 90)
	assert.Error(t, err)
}

func TestRegionDetector_Mask(t *testing.T) {
	frame := blankFrame(100, 100)
	defer frame.Close()
	fillRect(t, &frame, image.Rect(40, 40, 60, 60), red)

	d := newTestDetector(t, DefaultConfig())
	mask, err := d.Mask(frame)
	require.NoError(t, err)
	defer mask.Close()

	assert.Equal(t, gocv.MatTypeCV8U, mask.Type())
	assert.EqualValues(t, 255, mask.GetUCharAt(50, 50), "red pixel kept")
	assert.EqualValues(t, 0, mask.GetUCharAt(5, 5), "background dropped")

	empty := gocv.NewMat()
	defer empty.Close()
	_, err = d.Mask(empty)
	assert.Error(t, err)
}
