package capture

import (
	"context"
	"fmt"
	"image"
	"log/slog"

	"github.com/gen2brain/go-fitz"

	"eventpass/internal/qr"
	"eventpass/internal/status"
	"eventpass/monitoring"
)

// DefaultScales is the render scale descent for embedded documents. Large
// first: under-rasterization loses symbol fidelity, so start high and back
// off to bound memory when the big render fails to decode.
var DefaultScales = []float64{4.0, 3.0, 2.0}

// PageRenderer rasterizes one page of a paginated document at a scale
// factor relative to its natural size.
type PageRenderer interface {
	RenderPage(page int, scale float64) (image.Image, error)
	Close() error
}

type fitzRenderer struct {
	doc *fitz.Document
}

func (r *fitzRenderer) RenderPage(page int, scale float64) (image.Image, error) {
	// go-fitz renders by DPI; a document's natural size is 72 DPI.
	return r.doc.ImageDPI(page, scale*72.0)
}

func (r *fitzRenderer) Close() error {
	return r.doc.Close()
}

// DocumentAdapter decodes a symbol embedded in a paginated document. Only
// the first page is considered; it is rasterized at each configured scale in
// strict sequence (never in parallel, to bound peak memory) and decoded
// after every render. First success wins.
type DocumentAdapter struct {
	codec    *qr.Codec
	renderer PageRenderer
	scales   []float64
}

func NewDocumentAdapter(codec *qr.Codec, document []byte, scales []float64) (*DocumentAdapter, error) {
	doc, err := fitz.NewFromMemory(document)
	if err != nil {
		return nil, fmt.Errorf("open document: %w", err)
	}

	return NewDocumentAdapterWithRenderer(codec, &fitzRenderer{doc: doc}, scales), nil
}

func NewDocumentAdapterWithRenderer(codec *qr.Codec, renderer PageRenderer, scales []float64) *DocumentAdapter {
	if len(scales) == 0 {
		scales = DefaultScales
	}

	return &DocumentAdapter{
		codec:    codec,
		renderer: renderer,
		scales:   scales,
	}
}

func (a *DocumentAdapter) Scan(ctx context.Context) (string, error) {
	defer func() {
		if err := a.renderer.Close(); err != nil {
			slog.Warn("failed to close document renderer", "error", err)
		}
	}()

	for _, scale := range a.scales {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		img, err := a.renderer.RenderPage(0, scale)
		if err != nil {
			return "", fmt.Errorf("rasterize page at %.1fx: %w", scale, err)
		}

		reference, err := a.codec.Decode(img)
		if err == nil {
			monitoring.RecordDecodeAttempt("document", "found")
			return reference, nil
		}
	}

	monitoring.RecordDecodeAttempt("document", "not_found")
	return "", status.ErrDecodeNotFound
}
