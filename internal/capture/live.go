package capture

import (
	"context"
	"errors"
	"image"
	"io"
	"log/slog"
	"time"

	"eventpass/internal/qr"
	"eventpass/internal/status"
	"eventpass/monitoring"
)

// FrameSource is a capture device yielding the current video frame on
// demand. Release must be safe to call exactly once after scanning ends.
type FrameSource interface {
	Grab(ctx context.Context) (image.Image, error)
	Release() error
}

// LiveSampler samples frames on a fixed cadence and decodes them one at a
// time. Decoding happens inline on the sampling loop, so at most one attempt
// is ever in flight; ticks that arrive while a decode is still running are
// dropped by the ticker, never queued. The loop stops on the first success
// or when the context is cancelled, and releases the device either way.
type LiveSampler struct {
	codec    *qr.Codec
	source   FrameSource
	interval time.Duration
}

func NewLiveSampler(codec *qr.Codec, source FrameSource, interval time.Duration) *LiveSampler {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}

	return &LiveSampler{
		codec:    codec,
		source:   source,
		interval: interval,
	}
}

func (s *LiveSampler) Scan(ctx context.Context) (string, error) {
	defer func() {
		if err := s.source.Release(); err != nil {
			slog.Warn("failed to release capture device", "error", err)
		}
	}()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
			img, err := s.source.Grab(ctx)
			if err != nil {
				if errors.Is(err, io.EOF) {
					monitoring.RecordDecodeAttempt("live", "not_found")
					return "", status.ErrDecodeNotFound
				}
				slog.Warn("frame grab failed", "error", err)
				continue
			}

			reference, err := s.codec.Decode(img)
			if err == nil {
				monitoring.RecordDecodeAttempt("live", "found")
				return reference, nil
			}
			// Keep sampling on ErrDecodeNotFound and ErrUnreadableSymbol:
			// the next frame may catch the symbol square-on.
		}
	}
}
