// upload.go — приём файлов от клиентов.
//
// Pipeline:
//  1. Проверка размера (CDN_MAX_UPLOAD_SIZE)
//  2. Уточнение Content-Type по содержимому (mimetype)
//  3. Антивирусная проверка (ClamAV)
//  4. Запись объекта в объектное хранилище под новым ULID
//  5. Вставка FileRecord; при ошибке объект удаляется (компенсация)
//  6. Подпись ссылки для ответа
package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/nextania/cdn/internal/domain/model"
	"github.com/nextania/cdn/internal/repository"
	"github.com/nextania/cdn/internal/signature"
)

const defaultContentType = "application/octet-stream"

// Prometheus-метрики загрузки.
var (
	uploadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cdn_uploads_total",
		Help: "Общее количество загрузок (по результату).",
	}, []string{"status"})

	uploadBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cdn_upload_bytes_total",
		Help: "Общее количество принятых байт.",
	})
)

// UploadRequest — входные данные загрузки.
type UploadRequest struct {
	// Body — содержимое; читается несколько раз (детекция типа, антивирус, запись)
	Body io.ReadSeeker
	// Size — размер в байтах
	Size int64
	// Name — исходное имя файла, nil если не передано
	Name *string
	// ContentType — тип из заголовка части multipart
	ContentType string
	// UserID — владелец из сессии
	UserID string
}

// SignedURL — подписанная ссылка на файл.
type SignedURL struct {
	Signature string `json:"signature"`
	Timestamp int64  `json:"timestamp"`
	ServeURL  string `json:"serve_url"`
}

// UploadResult — ответ на успешную загрузку.
type UploadResult struct {
	ID          string `json:"id"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type"`
	SignedURL
}

// UploadService — приём и регистрация файлов.
type UploadService struct {
	files        repository.FileRepository
	objects      ObjectStore
	scanner      Scanner
	codec        *signature.Codec
	maxSize      int64
	storeTimeout time.Duration
	logger       *slog.Logger
}

// NewUploadService создаёт сервис загрузки. scanner == nil отключает
// антивирусную проверку.
func NewUploadService(
	files repository.FileRepository,
	objects ObjectStore,
	scanner Scanner,
	codec *signature.Codec,
	maxSize int64,
	storeTimeout time.Duration,
	logger *slog.Logger,
) *UploadService {
	return &UploadService{
		files:        files,
		objects:      objects,
		scanner:      scanner,
		codec:        codec,
		maxSize:      maxSize,
		storeTimeout: storeTimeout,
		logger:       logger.With(slog.String("component", "upload_service")),
	}
}

// MaxSize — действующий лимит размера файла в байтах.
func (s *UploadService) MaxSize() int64 {
	return s.maxSize
}

// Upload сохраняет файл и возвращает подписанную ссылку на него.
// Запись метаданных создаётся только после успешной записи объекта.
func (s *UploadService) Upload(ctx context.Context, req UploadRequest) (*UploadResult, error) {
	if req.Size > s.maxSize {
		uploadsTotal.WithLabelValues("too_large").Inc()
		return nil, &FileTooLargeError{Size: req.Size, Limit: s.maxSize}
	}

	contentType, err := s.detectContentType(req.Body, req.ContentType)
	if err != nil {
		uploadsTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	if err := s.scan(ctx, req.Body); err != nil {
		return nil, err
	}

	id := ulid.Make().String()

	if _, err := req.Body.Seek(0, io.SeekStart); err != nil {
		uploadsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("перемотка содержимого: %w", err)
	}
	if err := s.objects.Put(ctx, id, req.Body, req.Size, contentType); err != nil {
		uploadsTotal.WithLabelValues("object_store_error").Inc()
		return nil, fmt.Errorf("%w: %v", ErrObjectStore, err)
	}

	rec, err := model.NewFileRecord(id, req.Name, contentType, req.Size, req.UserID)
	if err != nil {
		s.discardObject(ctx, id)
		uploadsTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	insertCtx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	err = s.files.Insert(insertCtx, rec)
	cancel()
	if err != nil {
		s.logger.Error("Ошибка сохранения записи файла",
			slog.String("file_id", id),
			slog.String("error", err.Error()),
		)
		s.discardObject(ctx, id)
		uploadsTotal.WithLabelValues("metadata_store_error").Inc()
		return nil, fmt.Errorf("%w: %v", ErrMetadataStore, err)
	}

	sig, ts := s.codec.Generate(rec.ID, rec.SigningKey)

	uploadsTotal.WithLabelValues("ok").Inc()
	uploadBytesTotal.Add(float64(req.Size))

	s.logger.Info("Файл загружен",
		slog.String("file_id", rec.ID),
		slog.String("user_id", rec.UserID),
		slog.String("content_type", contentType),
		slog.Int64("size", req.Size),
	)

	return &UploadResult{
		ID:          rec.ID,
		Size:        rec.Size,
		ContentType: rec.ContentType,
		SignedURL: SignedURL{
			Signature: sig,
			Timestamp: ts,
			ServeURL:  signature.ServeURL(rec.ID, sig, ts),
		},
	}, nil
}

// detectContentType возвращает заявленный тип, а пустой или общий
// (application/octet-stream) уточняет по первым байтам содержимого.
func (s *UploadService) detectContentType(body io.ReadSeeker, declared string) (string, error) {
	declared = strings.TrimSpace(declared)
	if declared != "" && !strings.EqualFold(declared, defaultContentType) {
		return declared, nil
	}

	if _, err := body.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("перемотка содержимого: %w", err)
	}
	mt, err := mimetype.DetectReader(body)
	if err != nil {
		return "", fmt.Errorf("определение типа содержимого: %w", err)
	}
	return mt.String(), nil
}

func (s *UploadService) scan(ctx context.Context, body io.ReadSeeker) error {
	if s.scanner == nil {
		return nil
	}
	if _, err := body.Seek(0, io.SeekStart); err != nil {
		uploadsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("перемотка содержимого: %w", err)
	}

	res, err := s.scanner.Scan(ctx, body)
	if err != nil {
		s.logger.Error("Антивирусная проверка не выполнена",
			slog.String("error", err.Error()),
		)
		uploadsTotal.WithLabelValues("scan_error").Inc()
		return fmt.Errorf("%w: %v", ErrScanFailed, err)
	}
	if res.Infected {
		s.logger.Warn("Отклонён заражённый файл",
			slog.String("signature", res.Signature),
		)
		uploadsTotal.WithLabelValues("infected").Inc()
		return ErrInfected
	}
	return nil
}

// discardObject удаляет объект, для которого не удалось создать запись.
// Отмена запроса не прерывает удаление.
func (s *UploadService) discardObject(ctx context.Context, id string) {
	delCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.storeTimeout)
	defer cancel()

	if err := s.objects.Delete(delCtx, id); err != nil {
		s.logger.Error("Не удалось удалить объект без записи",
			slog.String("file_id", id),
			slog.String("error", err.Error()),
		)
	}
}
