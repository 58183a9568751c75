// retrieval.go — выдача файлов по подписанным ссылкам.
// Запрос не аутентифицируется: доступ даёт только действующая подпись,
// выпущенная ключом конкретного файла.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/nextania/cdn/internal/domain/model"
	"github.com/nextania/cdn/internal/repository"
	"github.com/nextania/cdn/internal/signature"
	"github.com/nextania/cdn/internal/storage/objectstore"
)

// Prometheus-метрики выдачи.
var (
	downloadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cdn_downloads_total",
		Help: "Общее количество запросов на скачивание (по статусу).",
	}, []string{"status"})

	downloadBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cdn_download_bytes_total",
		Help: "Общее количество переданных байт при скачивании.",
	})
)

// Download — открытый для чтения файл.
// Body обязательно закрыть.
type Download struct {
	Record        *model.FileRecord
	Body          io.ReadCloser
	ContentLength int64
	// MaxAge — сколько ещё действительна подпись
	MaxAge time.Duration
}

// RetrievalService — проверка подписанных ссылок и чтение содержимого.
type RetrievalService struct {
	files        repository.FileRepository
	objects      ObjectStore
	codec        *signature.Codec
	expiry       time.Duration
	storeTimeout time.Duration
	logger       *slog.Logger
}

// NewRetrievalService создаёт сервис выдачи файлов.
func NewRetrievalService(
	files repository.FileRepository,
	objects ObjectStore,
	codec *signature.Codec,
	expiry time.Duration,
	storeTimeout time.Duration,
	logger *slog.Logger,
) *RetrievalService {
	return &RetrievalService{
		files:        files,
		objects:      objects,
		codec:        codec,
		expiry:       expiry,
		storeTimeout: storeTimeout,
		logger:       logger.With(slog.String("component", "retrieval_service")),
	}
}

// Authorize проверяет доступ к файлу по подписи.
//
// Порядок: запись → скрытие → подпись. Скрытый файл неотличим от отсутствующего.
// Ошибки: ErrFileNotFound, ErrInvalidSignature, ErrMetadataStore.
func (s *RetrievalService) Authorize(ctx context.Context, fileID, sig string, timestamp int64) (*model.FileRecord, error) {
	return s.authorize(ctx, fileID, sig, timestamp, true)
}

func (s *RetrievalService) authorize(ctx context.Context, fileID, sig string, timestamp int64, tsValid bool) (*model.FileRecord, error) {
	getCtx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	rec, err := s.files.GetByID(getCtx, fileID)
	cancel()
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrFileNotFound
		}
		s.logger.Error("Ошибка чтения записи файла",
			slog.String("file_id", fileID),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("%w: %v", ErrMetadataStore, err)
	}

	if rec.Hidden {
		return nil, ErrFileNotFound
	}

	if !tsValid || !s.codec.Verify(rec.ID, rec.SigningKey, sig, timestamp, s.expiry) {
		return nil, ErrInvalidSignature
	}
	return rec, nil
}

// Open проверяет ссылку и открывает содержимое файла.
// rawTimestamp — параметр как пришёл в запросе; пустой или нечисловой
// даёт ErrInvalidSignature (после проверки существования файла).
func (s *RetrievalService) Open(ctx context.Context, fileID, sig, rawTimestamp string) (*Download, error) {
	ts, tsValid := signature.ParseTimestamp(rawTimestamp)

	rec, err := s.authorize(ctx, fileID, sig, ts, tsValid)
	if err != nil {
		downloadsTotal.WithLabelValues(downloadStatus(err)).Inc()
		return nil, err
	}

	obj, err := s.objects.Get(ctx, rec.ID)
	if err != nil {
		if errors.Is(err, objectstore.ErrObjectNotFound) {
			s.logger.Warn("Объект файла отсутствует в хранилище",
				slog.String("file_id", rec.ID),
			)
			downloadsTotal.WithLabelValues("not_found").Inc()
			return nil, ErrFileNotFound
		}
		s.logger.Error("Ошибка чтения объекта",
			slog.String("file_id", rec.ID),
			slog.String("error", err.Error()),
		)
		downloadsTotal.WithLabelValues("object_store_error").Inc()
		return nil, fmt.Errorf("%w: %v", ErrObjectStore, err)
	}

	downloadsTotal.WithLabelValues("ok").Inc()

	length := obj.ContentLength
	if length <= 0 {
		length = rec.Size
	}
	return &Download{
		Record:        rec,
		Body:          &countingReader{ReadCloser: obj.Body},
		ContentLength: length,
		MaxAge:        s.remaining(ts),
	}, nil
}

// remaining — остаток окна действия подписи, не меньше нуля.
func (s *RetrievalService) remaining(timestamp int64) time.Duration {
	left := time.Unix(timestamp, 0).Add(s.expiry).Sub(time.Now())
	if left < 0 {
		return 0
	}
	return left.Truncate(time.Second)
}

func downloadStatus(err error) string {
	switch {
	case errors.Is(err, ErrFileNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidSignature):
		return "forbidden"
	default:
		return "metadata_store_error"
	}
}

// countingReader учитывает отданные байты в метрике.
type countingReader struct {
	io.ReadCloser
}

func (r *countingReader) Read(p []byte) (int, error) {
	n, err := r.ReadCloser.Read(p)
	if n > 0 {
		downloadBytesTotal.Add(float64(n))
	}
	return n, err
}
