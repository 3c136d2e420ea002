// Package capture provides the pixel-buffer producers that feed the QR
// codec: a live frame sampler, a static image adapter and a multi-scale
// document rasterizer. Detection itself lives in one place (the codec);
// only the capture mechanics differ per adapter.
package capture

import (
	"context"
)

// Adapter decodes at most one validation reference from its pixel source.
// "No symbol" is reported as status.ErrDecodeNotFound after the adapter
// exhausts its own retry policy.
type Adapter interface {
	Scan(ctx context.Context) (string, error)
}

var (
	_ Adapter = (*LiveSampler)(nil)
	_ Adapter = (*ImageAdapter)(nil)
	_ Adapter = (*DocumentAdapter)(nil)
)
