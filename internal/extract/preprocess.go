package extract

import (
	"bytes"
	"fmt"
	"image"
	"image/png"

	// Decoders for the corpus formats
	_ "image/gif"
	_ "image/jpeg"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// Default preprocessing parameters.
const (
	DefaultMaxDimension = 1024
	DefaultContrast     = 1.2
)

// Preprocessor normalises an image before recognition: grayscale, bounded
// size, boosted contrast, PNG encoded. The output is deterministic for a
// given input and configuration.
type Preprocessor struct {
	MaxDimension int     // longest side in pixels; 0 disables scaling
	Contrast     float64 // 1 leaves contrast unchanged
}

// DefaultPreprocessor returns the standard configuration.
func DefaultPreprocessor() Preprocessor {
	return Preprocessor{MaxDimension: DefaultMaxDimension, Contrast: DefaultContrast}
}

// Fingerprint identifies the configuration for cache keys.
func (p Preprocessor) Fingerprint() string {
	return fmt.Sprintf("gray;max=%d;contrast=%.3f", p.MaxDimension, p.Contrast)
}

// Process decodes data in any supported format and returns the normalised PNG.
func (p Preprocessor) Process(data []byte) ([]byte, error) {
	src, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	if src.Bounds().Empty() {
		return nil, fmt.Errorf("decode image: empty %s image", format)
	}

	gray := p.scale(toGray(src))
	if p.Contrast > 0 && p.Contrast != 1 {
		adjustContrast(gray, p.Contrast)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, gray); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

func toGray(src image.Image) *image.Gray {
	if g, ok := src.(*image.Gray); ok && g.Bounds().Min == (image.Point{}) {
		return g
	}
	b := src.Bounds()
	dst := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
	return dst
}

// scale shrinks img so its longest side is at most MaxDimension. Images are never enlarged.
func (p Preprocessor) scale(img *image.Gray) *image.Gray {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	longest := max(w, h)
	if p.MaxDimension <= 0 || longest <= p.MaxDimension {
		return img
	}

	ratio := float64(p.MaxDimension) / float64(longest)
	nw := max(1, int(float64(w)*ratio+0.5))
	nh := max(1, int(float64(h)*ratio+0.5))

	dst := image.NewGray(image.Rect(0, 0, nw, nh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	return dst
}

// adjustContrast applies (v-128)*factor+128 in place.
func adjustContrast(img *image.Gray, factor float64) {
	var lut [256]uint8
	for v := range 256 {
		adjusted := (float64(v)-128)*factor + 128
		lut[v] = clamp(adjusted)
	}
	for i, v := range img.Pix {
		img.Pix[i] = lut[v]
	}
}

func clamp(v float64) uint8 {
	switch {
	case v <= 0:
		return 0
	case v >= 255:
		return 255
	}
	return uint8(v + 0.5)
}
