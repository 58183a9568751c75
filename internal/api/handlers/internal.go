// internal.go — внутренний API для сервисов Nextania.
// Аутентификация — JWTAuth, авторизация — RequireScope на уровне роутера.
package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/nextania/cdn/internal/api/errors"
	"github.com/nextania/cdn/internal/api/middleware"
	"github.com/nextania/cdn/internal/service"
)

// InternalHandler — управление файлами от имени внутренних сервисов.
type InternalHandler struct {
	links  *service.LinkService
	logger *slog.Logger
}

// NewInternalHandler создаёт обработчик внутреннего API.
func NewInternalHandler(links *service.LinkService, logger *slog.Logger) *InternalHandler {
	return &InternalHandler{
		links:  links,
		logger: logger.With(slog.String("component", "internal_handler")),
	}
}

// Link — PUT /internal/files/{id}/link.
func (h *InternalHandler) Link(w http.ResponseWriter, r *http.Request) {
	h.setLinked(w, r, true)
}

// Unlink — DELETE /internal/files/{id}/link.
func (h *InternalHandler) Unlink(w http.ResponseWriter, r *http.Request) {
	h.setLinked(w, r, false)
}

// Hide — PUT /internal/files/{id}/hidden.
func (h *InternalHandler) Hide(w http.ResponseWriter, r *http.Request) {
	h.setHidden(w, r, true)
}

// Unhide — DELETE /internal/files/{id}/hidden.
func (h *InternalHandler) Unhide(w http.ResponseWriter, r *http.Request) {
	h.setHidden(w, r, false)
}

func (h *InternalHandler) setLinked(w http.ResponseWriter, r *http.Request, linked bool) {
	fileID := chi.URLParam(r, "id")
	if err := h.links.SetLinked(r.Context(), fileID, linked); err != nil {
		writeLinkError(w, err)
		return
	}
	h.logger.Debug("Привязка изменена",
		slog.String("file_id", fileID),
		slog.Bool("linked", linked),
		slog.String("subject", middleware.SubjectFromContext(r.Context())),
	)
	w.WriteHeader(http.StatusNoContent)
}

func (h *InternalHandler) setHidden(w http.ResponseWriter, r *http.Request, hidden bool) {
	fileID := chi.URLParam(r, "id")
	if err := h.links.SetHidden(r.Context(), fileID, hidden); err != nil {
		writeLinkError(w, err)
		return
	}
	h.logger.Info("Видимость изменена",
		slog.String("file_id", fileID),
		slog.Bool("hidden", hidden),
		slog.String("subject", middleware.SubjectFromContext(r.Context())),
	)
	w.WriteHeader(http.StatusNoContent)
}

// Sign — POST /internal/files/{id}/sign.
func (h *InternalHandler) Sign(w http.ResponseWriter, r *http.Request) {
	signed, err := h.links.Sign(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeLinkError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, signed)
}

// Get — GET /internal/files/{id}.
func (h *InternalHandler) Get(w http.ResponseWriter, r *http.Request) {
	info, err := h.links.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeLinkError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func writeLinkError(w http.ResponseWriter, err error) {
	if errors.Is(err, service.ErrFileNotFound) {
		apierrors.NotFound(w, apierrors.MsgFileNotFound)
		return
	}
	apierrors.InternalError(w, apierrors.MsgDatabaseError)
}
