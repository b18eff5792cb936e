package sink

import (
	"fmt"

	"gocv.io/x/gocv"

	"camrelay/video/source"
)

// ToBGR converts a raw frame into a new BGR Mat for OpenCV output. The caller
// closes the result.
func ToBGR(data []byte, f source.Format) (gocv.Mat, error) {
	if len(data) != f.FrameSize() {
		return gocv.NewMat(), fmt.Errorf("frame has %d bytes, %v needs %d", len(data), f, f.FrameSize())
	}

	rows := f.Height
	var code gocv.ColorConversionCode
	switch f.PixelFormat {
	case source.FormatGray8:
		code = gocv.ColorGrayToBGR
	case source.FormatI420:
		rows = f.Height * 3 / 2
		code = gocv.ColorYUVToBGRIYUV
	case source.FormatNV12:
		rows = f.Height * 3 / 2
		code = gocv.ColorYUVToBGRNV12
	default:
		return gocv.NewMat(), fmt.Errorf("%w: cannot convert %v", source.ErrInvalidFormat, f.PixelFormat)
	}

	raw, err := gocv.NewMatFromBytes(rows, f.Width, gocv.MatTypeCV8U, data)
	if err != nil {
		return gocv.NewMat(), err
	}
	defer raw.Close()

	bgr := gocv.NewMat()
	gocv.CvtColor(raw, &bgr, code)
	return bgr, nil
}
