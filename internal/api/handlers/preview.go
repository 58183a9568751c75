// preview.go — предпросмотр внешних ссылок и изображений.
// GET /api/preview?url=
// GET /api/preview/image?url=&width=&height=
package handlers

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	apierrors "github.com/nextania/cdn/internal/api/errors"
	"github.com/nextania/cdn/internal/preview"
)

// PreviewHandler — предпросмотр внешних ресурсов.
type PreviewHandler struct {
	svc    *preview.Service
	logger *slog.Logger
}

// NewPreviewHandler создаёт обработчик предпросмотра.
func NewPreviewHandler(svc *preview.Service, logger *slog.Logger) *PreviewHandler {
	return &PreviewHandler{
		svc:    svc,
		logger: logger.With(slog.String("component", "preview_handler")),
	}
}

const msgInvalidURL = "Invalid URL: only absolute http(s) URLs are allowed"

// Link — GET /api/preview?url=.
func (h *PreviewHandler) Link(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.Link(r.Context(), r.URL.Query().Get("url"))
	if err != nil {
		if errors.Is(err, preview.ErrInvalidURL) {
			apierrors.ValidationError(w, msgInvalidURL)
			return
		}
		h.logger.Warn("Предпросмотр ссылки не получен", slog.String("error", err.Error()))
		apierrors.InternalError(w, "Failed to fetch preview: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// Image — GET /api/preview/image. Ответ — PNG.
func (h *PreviewHandler) Image(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	width, ok := parseDimension(q.Get("width"))
	if !ok {
		apierrors.ValidationError(w, "Invalid width")
		return
	}
	height, ok := parseDimension(q.Get("height"))
	if !ok {
		apierrors.ValidationError(w, "Invalid height")
		return
	}

	data, err := h.svc.Image(r.Context(), q.Get("url"), width, height)
	if err != nil {
		switch {
		case errors.Is(err, preview.ErrInvalidURL):
			apierrors.ValidationError(w, msgInvalidURL)
		case errors.Is(err, preview.ErrNoDimensions):
			apierrors.ValidationError(w, apierrors.MsgNoDimensions)
		case errors.Is(err, preview.ErrInvalidDimension):
			apierrors.ValidationError(w, fmt.Sprintf("Dimensions must be between 1 and %d", preview.MaxDimension))
		default:
			h.logger.Warn("Предпросмотр изображения не получен", slog.String("error", err.Error()))
			apierrors.InternalError(w, "Failed to resize image: "+err.Error())
		}
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// parseDimension разбирает размер. Пустая строка — размер не задан.
func parseDimension(raw string) (*int, bool) {
	if raw == "" {
		return nil, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return nil, false
	}
	return &v, true
}
