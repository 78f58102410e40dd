package detect

import (
	"image"
	"image/color"
	"strconv"

	"github.com/cockroachdb/errors"
	"gocv.io/x/gocv"
)

// DefaultJPEGQuality is used when EncodeJPEG gets a quality outside 1-100.
const DefaultJPEGQuality = 80

var boxColor = color.RGBA{G: 255, A: 255}

// Annotate returns a copy of frame with every detected box outlined and
// labelled with its pixel area. The caller owns the returned Mat.
func Annotate(frame gocv.Mat, det Detection) gocv.Mat {
	out := frame.Clone()
	for _, b := range det.Boxes {
		r := BoxToRect(b)
		gocv.Rectangle(&out, r, boxColor, 2)
		label := image.Pt(r.Min.X, max(r.Min.Y-4, 10))
		gocv.PutText(&out, strconv.Itoa(b.Area()), label, gocv.FontHersheySimplex, 0.4, boxColor, 1)
	}
	return out
}

// EncodeJPEG annotates frame with det and encodes the result as JPEG.
func EncodeJPEG(frame gocv.Mat, det Detection, quality int) ([]byte, error) {
	if err := checkFrame(frame); err != nil {
		return nil, err
	}
	if quality < 1 || quality > 100 {
		quality = DefaultJPEGQuality
	}

	out := Annotate(frame, det)
	defer out.Close()

	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, out, []int{gocv.IMWriteJpegQuality, quality})
	if err != nil {
		return nil, errors.Wrap(err, "encode jpeg")
	}
	defer buf.Close()

	// GetBytes aliases native memory released by Close.
	return append([]byte(nil), buf.GetBytes()...), nil
}
