package qr

import (
	"encoding/base64"
	"fmt"
	"image"
	"regexp"
	"strings"

	"github.com/makiuchi-d/gozxing"
	zxqrcode "github.com/makiuchi-d/gozxing/qrcode"
	qrgen "github.com/skip2/go-qrcode"

	"eventpass/internal/status"
)

// ReferencePrefix is the leading marker of every ticket reference. Decoded
// payloads that are not validation URLs must carry it to be accepted as-is.
const ReferencePrefix = "TICKET-"

const validateSegment = "/validate/"

var bareReferencePattern = regexp.MustCompile(`^TICKET-[A-Z0-9]+$`)

// Codec encodes a ticket reference into a scannable symbol and decodes a
// symbol back out of raw pixels. Decoding is pure: no symbol in the input is
// reported as status.ErrDecodeNotFound, never as a hard error.
type Codec struct {
	baseURL string
	level   qrgen.RecoveryLevel
}

// NewCodec builds a codec for the given public base URL. With logoOverlay the
// symbol is rendered at high error correction so a centered logo can cover
// part of it; plain rendering uses medium correction for a denser symbol.
func NewCodec(baseURL string, logoOverlay bool) *Codec {
	level := qrgen.Medium
	if logoOverlay {
		level = qrgen.High
	}

	return &Codec{
		baseURL: strings.TrimRight(baseURL, "/"),
		level:   level,
	}
}

// ValidationURL returns the canonical payload for a reference.
func (c *Codec) ValidationURL(reference string) string {
	return c.baseURL + validateSegment + reference
}

// PNG renders the symbol as a PNG of size x size pixels.
func (c *Codec) PNG(reference string, size int) ([]byte, error) {
	png, err := qrgen.Encode(c.ValidationURL(reference), c.level, size)
	if err != nil {
		return nil, fmt.Errorf("render qr png: %w", err)
	}
	return png, nil
}

// DataURI renders the symbol as an embeddable data URI.
func (c *Codec) DataURI(reference string, size int) (string, error) {
	png, err := c.PNG(reference, size)
	if err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}

// SVG renders the symbol as standalone SVG markup, one rect per dark module,
// scaled by moduleSize. The quiet zone from the encoder is preserved.
func (c *Codec) SVG(reference string, moduleSize int) (string, error) {
	if moduleSize < 1 {
		moduleSize = 1
	}

	code, err := qrgen.New(c.ValidationURL(reference), c.level)
	if err != nil {
		return "", fmt.Errorf("render qr svg: %w", err)
	}

	bitmap := code.Bitmap()
	n := len(bitmap)
	dim := n * moduleSize

	var b strings.Builder
	fmt.Fprintf(&b, `<svg xmlns="http://www.w3.org/2000/svg" viewBox="0 0 %d %d" shape-rendering="crispEdges">`, dim, dim)
	fmt.Fprintf(&b, `<rect width="%d" height="%d" fill="#ffffff"/>`, dim, dim)
	for y, row := range bitmap {
		for x, dark := range row {
			if dark {
				fmt.Fprintf(&b, `<rect x="%d" y="%d" width="%d" height="%d" fill="#000000"/>`,
					x*moduleSize, y*moduleSize, moduleSize, moduleSize)
			}
		}
	}
	b.WriteString(`</svg>`)

	return b.String(), nil
}

// Decode attempts to detect a single symbol in the image and extract its
// ticket reference. Both polarities are tried, so a symbol rendered
// light-on-dark decodes the same as dark-on-light.
func (c *Codec) Decode(img image.Image) (string, error) {
	source := gozxing.NewLuminanceSourceFromImage(img)

	reader := zxqrcode.NewQRCodeReader()
	hints := map[gozxing.DecodeHintType]interface{}{
		gozxing.DecodeHintType_TRY_HARDER: true,
	}

	for _, src := range []gozxing.LuminanceSource{source, gozxing.NewInvertedLuminanceSource(source)} {
		bmp, err := gozxing.NewBinaryBitmap(gozxing.NewHybridBinarizer(src))
		if err != nil {
			continue
		}

		result, err := reader.Decode(bmp, hints)
		if err != nil {
			continue
		}

		return ExtractReference(result.GetText())
	}

	return "", status.ErrDecodeNotFound
}

// DecodeBuffer decodes from a raw RGBA pixel buffer. A buffer whose length
// does not match width*height*4 is the only input that raises a hard error.
func (c *Codec) DecodeBuffer(pix []byte, width, height int) (string, error) {
	if width <= 0 || height <= 0 || len(pix) != width*height*4 {
		return "", fmt.Errorf("malformed pixel buffer: %d bytes for %dx%d", len(pix), width, height)
	}

	img := &image.RGBA{
		Pix:    pix,
		Stride: 4 * width,
		Rect:   image.Rect(0, 0, width, height),
	}

	return c.Decode(img)
}

// ExtractReference applies the reference extraction rules to a decoded
// payload: everything after a "/validate/" segment, or the payload itself if
// it already looks like a bare reference. Anything else means the symbol was
// found but its reference is unrecoverable.
func ExtractReference(payload string) (string, error) {
	payload = strings.TrimSpace(payload)

	if idx := strings.Index(payload, validateSegment); idx >= 0 {
		reference := strings.Trim(payload[idx+len(validateSegment):], "/")
		if reference == "" {
			return "", status.ErrUnreadableSymbol
		}
		return reference, nil
	}

	if bareReferencePattern.MatchString(payload) {
		return payload, nil
	}

	return "", status.ErrUnreadableSymbol
}
