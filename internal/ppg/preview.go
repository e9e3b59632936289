package ppg

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/jpeg"
)

// EncodePreview scales img to w×h with nearest-neighbour sampling and
// returns it as a base64 JPEG data URL.
func EncodePreview(img image.Image, w, h, quality int) (string, error) {
	if img == nil {
		return "", fmt.Errorf("no image")
	}

	src := img.Bounds()
	if src.Empty() {
		return "", fmt.Errorf("empty image")
	}

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		sy := src.Min.Y + y*src.Dy()/h
		for x := 0; x < w; x++ {
			sx := src.Min.X + x*src.Dx()/w
			dst.Set(x, y, img.At(sx, sy))
		}
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: quality}); err != nil {
		return "", fmt.Errorf("failed to encode preview: %w", err)
	}
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
