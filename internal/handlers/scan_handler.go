package handlers

import (
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/pocketbase/pocketbase"
	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"
	pubnub "github.com/pubnub/go"

	"eventpass/internal/capture"
	"eventpass/internal/qr"
	"eventpass/internal/services"
	"eventpass/internal/status"
	"eventpass/monitoring"
)

// Uploads are bounded well above any realistic ticket artifact.
const maxUploadBytes = 20 << 20

type ScanHandler struct {
	app       *pocketbase.PocketBase
	lifecycle *services.LifecycleService
	codec     *qr.Codec
	pubnub    *pubnub.PubNub
	scales    []float64
}

func NewScanHandler(app *pocketbase.PocketBase, lifecycle *services.LifecycleService, codec *qr.Codec, pn *pubnub.PubNub, scales []float64) *ScanHandler {
	return &ScanHandler{
		app:       app,
		lifecycle: lifecycle,
		codec:     codec,
		pubnub:    pn,
		scales:    scales,
	}
}

// ScanImage - decode an uploaded image once and check the ticket in.
func (h *ScanHandler) ScanImage(e *core.RequestEvent) error {
	account := accountFromEvent(e)
	if account == nil {
		return apis.NewUnauthorizedError("Unauthorized", nil)
	}

	started := time.Now()
	defer func() { monitoring.ObserveScanDuration("image", time.Since(started)) }()

	file, _, err := e.Request.FormFile("image")
	if err != nil {
		return apis.NewBadRequestError("Missing image upload", err)
	}
	defer file.Close()

	adapter := capture.NewImageAdapter(h.codec, io.LimitReader(file, maxUploadBytes))

	reference, err := adapter.Scan(e.Request.Context())
	if err != nil {
		return respondDecodeError(e, err)
	}

	return respondCheckIn(e, h.lifecycle, h.pubnub, reference, account)
}

// ScanDocument - rasterize the first page of an uploaded document at
// descending scales until a symbol decodes, then check the ticket in.
func (h *ScanHandler) ScanDocument(e *core.RequestEvent) error {
	account := accountFromEvent(e)
	if account == nil {
		return apis.NewUnauthorizedError("Unauthorized", nil)
	}

	started := time.Now()
	defer func() { monitoring.ObserveScanDuration("document", time.Since(started)) }()

	file, _, err := e.Request.FormFile("document")
	if err != nil {
		return apis.NewBadRequestError("Missing document upload", err)
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxUploadBytes))
	if err != nil {
		return apis.NewBadRequestError("Could not read document", err)
	}

	adapter, err := capture.NewDocumentAdapter(h.codec, data, h.scales)
	if err != nil {
		return apis.NewBadRequestError("Could not open document", err)
	}

	reference, err := adapter.Scan(e.Request.Context())
	if err != nil {
		return respondDecodeError(e, err)
	}

	return respondCheckIn(e, h.lifecycle, h.pubnub, reference, account)
}

// ScanFrame - decode one raw RGBA frame from the live scan loop. Frames
// with no symbol are an expected polling outcome, not an error; the client
// keeps sampling until a frame decodes or the operator cancels.
func (h *ScanHandler) ScanFrame(e *core.RequestEvent) error {
	account := accountFromEvent(e)
	if account == nil {
		return apis.NewUnauthorizedError("Unauthorized", nil)
	}

	started := time.Now()
	defer func() { monitoring.ObserveScanDuration("frame", time.Since(started)) }()

	var req struct {
		Frame  string `json:"frame"`
		Width  int    `json:"width"`
		Height int    `json:"height"`
	}
	if err := e.BindBody(&req); err != nil {
		return apis.NewBadRequestError("Invalid request", err)
	}

	pix, err := base64.StdEncoding.DecodeString(req.Frame)
	if err != nil {
		return apis.NewBadRequestError("Frame is not valid base64", err)
	}

	reference, err := h.codec.DecodeBuffer(pix, req.Width, req.Height)
	if errors.Is(err, status.ErrDecodeNotFound) {
		monitoring.RecordDecodeAttempt("frame", "not_found")
		return e.JSON(http.StatusOK, map[string]any{"found": false})
	}
	if errors.Is(err, status.ErrUnreadableSymbol) {
		monitoring.RecordDecodeAttempt("frame", "unreadable")
		return e.JSON(http.StatusOK, map[string]any{"found": false})
	}
	if err != nil {
		return apis.NewBadRequestError("Malformed pixel buffer", err)
	}

	monitoring.RecordDecodeAttempt("frame", "found")
	return respondCheckIn(e, h.lifecycle, h.pubnub, reference, account)
}

// respondDecodeError distinguishes "no symbol" from "symbol found but
// unreadable" so the UI can tell the operator to retake versus give up.
func respondDecodeError(e *core.RequestEvent, err error) error {
	if errors.Is(err, status.ErrDecodeNotFound) {
		return e.JSON(http.StatusUnprocessableEntity, map[string]any{
			"error": "No QR symbol found",
		})
	}
	if errors.Is(err, status.ErrUnreadableSymbol) {
		return e.JSON(http.StatusUnprocessableEntity, map[string]any{
			"error": "A symbol was found but its reference could not be read",
		})
	}
	return apis.NewBadRequestError("Could not decode upload", err)
}
