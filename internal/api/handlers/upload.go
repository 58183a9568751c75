// upload.go — обработчик POST /api/upload.
// Multipart-форма, файл в поле "file". Аутентификация — SessionAuth.
package handlers

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	apierrors "github.com/nextania/cdn/internal/api/errors"
	"github.com/nextania/cdn/internal/api/middleware"
	"github.com/nextania/cdn/internal/service"
)

const (
	// uploadField — имя поля формы с файлом.
	uploadField = "file"
	// multipartOverhead — запас на заголовки и прочие поля формы.
	multipartOverhead = 1 << 20
	// multipartMemory — часть формы, которая держится в памяти; остальное во временных файлах.
	multipartMemory = 32 << 20
)

// UploadHandler — приём файлов.
type UploadHandler struct {
	svc    *service.UploadService
	logger *slog.Logger
}

// NewUploadHandler создаёт обработчик загрузки.
func NewUploadHandler(svc *service.UploadService, logger *slog.Logger) *UploadHandler {
	return &UploadHandler{
		svc:    svc,
		logger: logger.With(slog.String("component", "upload_handler")),
	}
}

// Upload — POST /api/upload.
func (h *UploadHandler) Upload(w http.ResponseWriter, r *http.Request) {
	maxSize := h.svc.MaxSize()
	r.Body = http.MaxBytesReader(w, r.Body, maxSize+multipartOverhead)

	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			apierrors.FileTooLarge(w, tooLargeMessage(maxSize, r.ContentLength))
			return
		}
		apierrors.ValidationError(w, apierrors.MsgNoFile)
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile(uploadField)
	if err != nil {
		apierrors.ValidationError(w, apierrors.MsgNoFile)
		return
	}
	defer file.Close()

	var name *string
	if header.Filename != "" {
		name = &header.Filename
	}

	res, err := h.svc.Upload(r.Context(), service.UploadRequest{
		Body:        file,
		Size:        header.Size,
		Name:        name,
		ContentType: header.Header.Get("Content-Type"),
		UserID:      middleware.UserIDFromContext(r.Context()),
	})
	if err != nil {
		h.writeUploadError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, res)
}

func (h *UploadHandler) writeUploadError(w http.ResponseWriter, err error) {
	var tooLarge *service.FileTooLargeError
	switch {
	case errors.As(err, &tooLarge):
		apierrors.FileTooLarge(w, tooLargeMessage(tooLarge.Limit, tooLarge.Size))
	case errors.Is(err, service.ErrInfected):
		apierrors.ValidationError(w, apierrors.MsgInfected)
	case errors.Is(err, service.ErrScanFailed):
		apierrors.InternalError(w, apierrors.MsgScanFailed)
	case errors.Is(err, service.ErrMetadataStore):
		apierrors.InternalError(w, apierrors.MsgDatabaseError)
	case errors.Is(err, service.ErrObjectStore):
		apierrors.InternalError(w, "Failed to upload file")
	default:
		h.logger.Error("Ошибка загрузки файла",
			slog.String("error", err.Error()),
		)
		apierrors.InternalError(w, apierrors.MsgInternal)
	}
}

// tooLargeMessage — текст 413. Лимит выводится в MiB.
func tooLargeMessage(limit, received int64) string {
	return fmt.Sprintf("File size exceeds maximum allowed size of %dMB (received %d bytes)", limit>>20, received)
}
