package process

import (
	"image"
	"image/color"

	"gocv.io/x/gocv"
)

var (
	// Single channel Mats take the first scalar component, so these render as
	// 255 and 0 on the luma plane.
	colorTime = color.RGBA{R: 255, G: 255, B: 255, A: 255}
	colorBG   = color.RGBA{R: 0, G: 0, B: 0, A: 255}
)

// Timestamp draws "Label - capture time" in the top left corner of the luma
// plane.
type Timestamp struct {
	Label string
}

func (t Timestamp) ApplyLuma(dst, src []byte, m Meta) error {
	copy(dst, src)
	img, err := lumaMat(dst, m)
	if err != nil {
		return err
	}
	defer img.Close()

	text := m.CaptureTime.Format("2006-01-02 15:04:05 MST")
	if t.Label != "" {
		text = t.Label + " - " + text
	}

	font := gocv.FontHersheySimplex
	scale := 0.5
	thickness := 1

	sz := gocv.GetTextSize(text, font, scale, thickness)

	pad := 2

	gocv.Rectangle(&img, image.Rectangle{Min: image.Point{X: 0, Y: 0}, Max: image.Point{X: sz.X + pad*2, Y: sz.Y + pad*2}}, colorBG, -1)

	gocv.PutText(&img, text, image.Point{X: pad, Y: sz.Y + pad}, font, scale, colorTime, thickness)

	return copyOut(dst, img)
}
