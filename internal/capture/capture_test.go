package capture

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"io"
	"testing"
	"time"

	qrgen "github.com/skip2/go-qrcode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eventpass/internal/qr"
	"eventpass/internal/status"
)

func testCodec(t *testing.T) *qr.Codec {
	t.Helper()
	return qr.NewCodec("https://tickets.example.com", false)
}

func symbolImage(t *testing.T, codec *qr.Codec, reference string) image.Image {
	t.Helper()

	data, err := qrgen.Encode(codec.ValidationURL(reference), qrgen.Medium, 256)
	require.NoError(t, err)

	img, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)

	return img
}

func blankFrame() image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 64, 64))
	for i := range img.Pix {
		img.Pix[i] = 0xff
	}
	return img
}

type fakeFrameSource struct {
	frames   []image.Image
	grabs    int
	released int
}

func (f *fakeFrameSource) Grab(ctx context.Context) (image.Image, error) {
	if f.grabs >= len(f.frames) {
		return nil, io.EOF
	}
	frame := f.frames[f.grabs]
	f.grabs++
	return frame, nil
}

func (f *fakeFrameSource) Release() error {
	f.released++
	return nil
}

func TestLiveSampler_StopsOnFirstDecode(t *testing.T) {
	codec := testCodec(t)

	source := &fakeFrameSource{
		frames: []image.Image{
			blankFrame(),
			blankFrame(),
			blankFrame(),
			blankFrame(),
			symbolImage(t, codec, "TICKET-ABC123"),
			symbolImage(t, codec, "TICKET-SHOULDNOTREACH"),
		},
	}

	sampler := NewLiveSampler(codec, source, time.Millisecond)

	reference, err := sampler.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "TICKET-ABC123", reference)
	assert.Equal(t, 5, source.grabs, "sampling must stop at the first decodable frame")
	assert.Equal(t, 1, source.released)
}

func TestLiveSampler_StreamEnds(t *testing.T) {
	codec := testCodec(t)

	source := &fakeFrameSource{
		frames: []image.Image{blankFrame(), blankFrame()},
	}

	sampler := NewLiveSampler(codec, source, time.Millisecond)

	_, err := sampler.Scan(context.Background())
	assert.ErrorIs(t, err, status.ErrDecodeNotFound)
	assert.Equal(t, 1, source.released)
}

func TestLiveSampler_ContextCancelled(t *testing.T) {
	codec := testCodec(t)

	source := &fakeFrameSource{}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sampler := NewLiveSampler(codec, source, time.Minute)

	_, err := sampler.Scan(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, source.released, "device must be released even when cancelled")
}

type fakePageRenderer struct {
	pages    map[float64]image.Image
	fallback image.Image
	rendered []float64
	closed   int
}

func (f *fakePageRenderer) RenderPage(page int, scale float64) (image.Image, error) {
	f.rendered = append(f.rendered, scale)
	if img, ok := f.pages[scale]; ok {
		return img, nil
	}
	return f.fallback, nil
}

func (f *fakePageRenderer) Close() error {
	f.closed++
	return nil
}

func TestDocumentAdapter_ScaleDescent(t *testing.T) {
	codec := testCodec(t)

	renderer := &fakePageRenderer{
		pages:    map[float64]image.Image{3.0: symbolImage(t, codec, "TICKET-DOC42")},
		fallback: blankFrame(),
	}

	adapter := NewDocumentAdapterWithRenderer(codec, renderer, []float64{4.0, 3.0, 2.0})

	reference, err := adapter.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "TICKET-DOC42", reference)
	assert.Equal(t, []float64{4.0, 3.0}, renderer.rendered, "descent stops at the first decodable scale")
	assert.Equal(t, 1, renderer.closed)
}

func TestDocumentAdapter_ExhaustsScales(t *testing.T) {
	codec := testCodec(t)

	renderer := &fakePageRenderer{fallback: blankFrame()}

	adapter := NewDocumentAdapterWithRenderer(codec, renderer, []float64{4.0, 3.0, 2.0})

	_, err := adapter.Scan(context.Background())
	assert.ErrorIs(t, err, status.ErrDecodeNotFound)
	assert.Equal(t, []float64{4.0, 3.0, 2.0}, renderer.rendered, "every configured scale gets exactly one attempt")
	assert.Equal(t, 1, renderer.closed)
}

func TestDocumentAdapter_DefaultScales(t *testing.T) {
	codec := testCodec(t)

	renderer := &fakePageRenderer{fallback: blankFrame()}

	adapter := NewDocumentAdapterWithRenderer(codec, renderer, nil)

	_, err := adapter.Scan(context.Background())
	assert.ErrorIs(t, err, status.ErrDecodeNotFound)
	assert.Equal(t, DefaultScales, renderer.rendered)
}

func TestImageAdapter_Decode(t *testing.T) {
	codec := testCodec(t)

	data, err := qrgen.Encode(codec.ValidationURL("TICKET-IMG1"), qrgen.Medium, 256)
	require.NoError(t, err)

	adapter := NewImageAdapter(codec, bytes.NewReader(data))

	reference, err := adapter.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "TICKET-IMG1", reference)
}

func TestImageAdapter_NoSymbol(t *testing.T) {
	codec := testCodec(t)

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, blankFrame()))

	adapter := NewImageAdapter(codec, &buf)

	_, err := adapter.Scan(context.Background())
	assert.ErrorIs(t, err, status.ErrDecodeNotFound)
}

func TestImageAdapter_NotAnImage(t *testing.T) {
	codec := testCodec(t)

	adapter := NewImageAdapter(codec, bytes.NewReader([]byte("definitely not pixels")))

	_, err := adapter.Scan(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, status.ErrDecodeNotFound)
}
