package process

import (
	"fmt"
	"image"
	"sync"

	"gocv.io/x/gocv"
)

// lumaMat wraps a luma plane as a single channel Mat.
func lumaMat(b []byte, m Meta) (gocv.Mat, error) {
	mat, err := gocv.NewMatFromBytes(m.Format.Height, m.Format.Width, gocv.MatTypeCV8U, b)
	if err != nil {
		return mat, fmt.Errorf("failed to map luma plane: %w", err)
	}
	return mat, nil
}

// copyOut copies a processed Mat back into dst, checking the size.
func copyOut(dst []byte, mat gocv.Mat) error {
	b := mat.ToBytes()
	if len(b) != len(dst) {
		return fmt.Errorf("%w: transform produced %d bytes, want %d", ErrSizeMismatch, len(b), len(dst))
	}
	copy(dst, b)
	return nil
}

// CVEqualize runs OpenCV's equalizeHist on the luma plane.
type CVEqualize struct{}

func (CVEqualize) ApplyLuma(dst, src []byte, m Meta) error {
	in, err := lumaMat(src, m)
	if err != nil {
		return err
	}
	defer in.Close()

	out := gocv.NewMat()
	defer out.Close()
	gocv.EqualizeHist(in, &out)
	return copyOut(dst, out)
}

// CLAHE runs OpenCV's contrast limited adaptive histogram equalization on the
// luma plane. The OpenCV object keeps internal state, so a CLAHE admits one
// call at a time.
type CLAHE struct {
	c gocv.CLAHE
	l sync.Mutex
}

func NewCLAHE(clipLimit float64, tileSize int) *CLAHE {
	return &CLAHE{
		c: gocv.NewCLAHEWithParams(clipLimit, image.Point{X: tileSize, Y: tileSize}),
	}
}

func (c *CLAHE) ApplyLuma(dst, src []byte, m Meta) error {
	in, err := lumaMat(src, m)
	if err != nil {
		return err
	}
	defer in.Close()

	out := gocv.NewMat()
	defer out.Close()

	c.l.Lock()
	c.c.Apply(in, &out)
	c.l.Unlock()
	return copyOut(dst, out)
}

func (c *CLAHE) MaxConcurrency() int {
	return 1
}

func (c *CLAHE) Close() error {
	return c.c.Close()
}
