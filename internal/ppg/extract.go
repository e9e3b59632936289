package ppg

import "image"

// ExtractRed averages the red channel over pixels whose red exceeds both
// green and blue. It reports false, with value 0, when no pixel qualifies.
func ExtractRed(img image.Image) (float64, bool) {
	if img == nil {
		return 0, false
	}

	var sum, n uint64

	switch m := img.(type) {
	case *image.RGBA:
		sum, n = sumRed(m.Pix, m.Stride, m.Rect.Dx(), m.Rect.Dy())
	case *image.NRGBA:
		sum, n = sumRed(m.Pix, m.Stride, m.Rect.Dx(), m.Rect.Dy())
	default:
		b := img.Bounds()
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				r, g, bl, _ := img.At(x, y).RGBA()
				r, g, bl = r>>8, g>>8, bl>>8
				if r > g && r > bl {
					sum += uint64(r)
					n++
				}
			}
		}
	}

	if n == 0 {
		return 0, false
	}
	return float64(sum) / float64(n), true
}

func sumRed(pix []uint8, stride, w, h int) (sum, n uint64) {
	for y := 0; y < h; y++ {
		row := pix[y*stride : y*stride+w*4]
		for i := 0; i < len(row); i += 4 {
			r, g, b := row[i], row[i+1], row[i+2]
			if r > g && r > b {
				sum += uint64(r)
				n++
			}
		}
	}
	return sum, n
}
