package capture

import (
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"

	"eventpass/internal/qr"
	"eventpass/monitoring"
)

// ImageAdapter decodes a single uploaded image at full resolution. One
// attempt only: success or "no symbol found".
type ImageAdapter struct {
	codec *qr.Codec
	r     io.Reader
}

func NewImageAdapter(codec *qr.Codec, r io.Reader) *ImageAdapter {
	return &ImageAdapter{codec: codec, r: r}
}

func (a *ImageAdapter) Scan(ctx context.Context) (string, error) {
	img, _, err := image.Decode(a.r)
	if err != nil {
		return "", fmt.Errorf("decode uploaded image: %w", err)
	}

	reference, err := a.codec.Decode(img)
	if err != nil {
		monitoring.RecordDecodeAttempt("image", "not_found")
		return "", err
	}

	monitoring.RecordDecodeAttempt("image", "found")
	return reference, nil
}
