// files.go — обработчик GET /files/{id}?signature=&timestamp=.
// Без аутентификации: доступ даёт подпись ссылки.
package handlers

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/nextania/cdn/internal/api/errors"
	"github.com/nextania/cdn/internal/service"
)

// FilesHandler — раздача файлов по подписанным ссылкам.
type FilesHandler struct {
	svc    *service.RetrievalService
	logger *slog.Logger
}

// NewFilesHandler создаёт обработчик раздачи файлов.
func NewFilesHandler(svc *service.RetrievalService, logger *slog.Logger) *FilesHandler {
	return &FilesHandler{
		svc:    svc,
		logger: logger.With(slog.String("component", "files_handler")),
	}
}

// Serve — GET /files/{id}. Параметр download=true отдаёт файл как вложение.
func (h *FilesHandler) Serve(w http.ResponseWriter, r *http.Request) {
	fileID := chi.URLParam(r, "id")
	q := r.URL.Query()

	dl, err := h.svc.Open(r.Context(), fileID, q.Get("signature"), q.Get("timestamp"))
	if err != nil {
		switch {
		case errors.Is(err, service.ErrFileNotFound):
			apierrors.NotFound(w, apierrors.MsgFileNotFound)
		case errors.Is(err, service.ErrInvalidSignature):
			apierrors.Forbidden(w, apierrors.MsgInvalidSignature)
		case errors.Is(err, service.ErrMetadataStore):
			apierrors.InternalError(w, apierrors.MsgDatabaseError)
		default:
			apierrors.InternalError(w, apierrors.MsgFetchFailed)
		}
		return
	}
	defer dl.Body.Close()

	disposition := "inline"
	if q.Get("download") == "true" {
		disposition = "attachment"
	}

	hdr := w.Header()
	hdr.Set("Content-Type", dl.Record.ContentType)
	hdr.Set("Content-Length", strconv.FormatInt(dl.ContentLength, 10))
	hdr.Set("Content-Disposition", contentDisposition(disposition, dl.Record.DisplayName()))
	hdr.Set("Cache-Control", fmt.Sprintf("private, max-age=%d", int64(dl.MaxAge.Seconds())))
	hdr.Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)

	if r.Method == http.MethodHead {
		return
	}
	if _, err := io.Copy(w, dl.Body); err != nil {
		// Заголовки уже отправлены, остаётся только записать в лог.
		h.logger.Warn("Передача файла прервана",
			slog.String("file_id", fileID),
			slog.String("error", err.Error()),
		)
	}
}

// contentDisposition формирует заголовок с именем файла в кавычках.
// Для не-ASCII имён добавляется filename* (RFC 6266).
func contentDisposition(disposition, name string) string {
	ascii := true
	var b strings.Builder
	for _, c := range name {
		switch {
		case c == '"' || c == '\\':
			b.WriteByte('\\')
			b.WriteRune(c)
		case c < 0x20 || c == 0x7f:
			// управляющие символы отбрасываются
		case c > 0x7e:
			ascii = false
			b.WriteByte('_')
		default:
			b.WriteRune(c)
		}
	}

	v := disposition + `; filename="` + b.String() + `"`
	if !ascii {
		v += "; filename*=UTF-8''" + url.PathEscape(name)
	}
	return v
}
