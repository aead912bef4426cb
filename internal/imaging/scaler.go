package imaging

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"

	"golang.org/x/image/draw"

	"petwatch/internal/pipeline"
)

// Scaler downsamples JPEG frames before detection
type Scaler struct {
	quality      int
	interpolator draw.Interpolator
}

// NewScaler creates a scaler encoding at the given JPEG quality
func NewScaler(quality int) *Scaler {
	if quality <= 0 || quality > 100 {
		quality = 85
	}
	return &Scaler{quality: quality, interpolator: draw.ApproxBiLinear}
}

// Scale resizes the frame by factor (0 < factor < 1). The returned scale
// factors are exact ratios of the integer output size to the source size.
func (s *Scaler) Scale(frame *pipeline.Frame, factor float64) (*pipeline.ScaledImage, error) {
	if factor <= 0 || factor >= 1 {
		return &pipeline.ScaledImage{Data: frame.Data, ScaleX: 1, ScaleY: 1}, nil
	}

	src, err := jpeg.Decode(bytes.NewReader(frame.Data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode frame %d: %w", frame.Seq, err)
	}

	bounds := src.Bounds()
	w := max(1, int(float64(bounds.Dx())*factor+0.5))
	h := max(1, int(float64(bounds.Dy())*factor+0.5))

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	s.interpolator.Scale(dst, dst.Bounds(), src, bounds, draw.Src, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: s.quality}); err != nil {
		return nil, fmt.Errorf("failed to encode scaled frame %d: %w", frame.Seq, err)
	}

	return &pipeline.ScaledImage{
		Data:   buf.Bytes(),
		ScaleX: float64(w) / float64(bounds.Dx()),
		ScaleY: float64(h) / float64(bounds.Dy()),
	}, nil
}

// Dimensions reads the width and height from a JPEG header
func Dimensions(data []byte) (int, int, error) {
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read image header: %w", err)
	}
	return cfg.Width, cfg.Height, nil
}

// Ensure Scaler implements pipeline.FrameScaler
var _ pipeline.FrameScaler = (*Scaler)(nil)
