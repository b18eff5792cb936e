package process

// Equalize is a histogram equalization of the luma plane written in Go, for
// boards without OpenCV. It is safe for concurrent use.
type Equalize struct{}

func (Equalize) ApplyLuma(dst, src []byte, _ Meta) error {
	var hist [256]int
	for _, v := range src {
		hist[v]++
	}

	var cdf [256]int
	sum := 0
	for i, n := range hist {
		sum += n
		cdf[i] = sum
	}

	cdfMin := 0
	for _, c := range cdf {
		if c > 0 {
			cdfMin = c
			break
		}
	}

	total := len(src)
	if total == cdfMin {
		// Flat image; nothing to stretch.
		copy(dst, src)
		return nil
	}

	var lut [256]byte
	scale := 255.0 / float64(total-cdfMin)
	for i, c := range cdf {
		if c <= cdfMin {
			continue
		}
		lut[i] = byte(float64(c-cdfMin)*scale + 0.5)
	}
	for i, v := range src {
		dst[i] = lut[v]
	}
	return nil
}
