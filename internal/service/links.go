// links.go — операции внутренних сервисов над файлами:
// привязка к сущности-владельцу, модерация, выпуск подписанных ссылок.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nextania/cdn/internal/domain/model"
	"github.com/nextania/cdn/internal/repository"
	"github.com/nextania/cdn/internal/signature"
)

// FileInfo — метаданные файла для внутренних сервисов (без ключа подписи).
type FileInfo struct {
	ID          string     `json:"id"`
	Name        *string    `json:"name"`
	ContentType string     `json:"content_type"`
	Size        int64      `json:"size"`
	UploadedAt  time.Time  `json:"uploaded_at"`
	UserID      string     `json:"user_id"`
	Linked      bool       `json:"linked"`
	LinkedAt    *time.Time `json:"linked_at"`
	Hidden      bool       `json:"hidden"`
}

// LinkService — управление привязкой и видимостью файлов.
type LinkService struct {
	files        repository.FileRepository
	codec        *signature.Codec
	storeTimeout time.Duration
	logger       *slog.Logger
}

// NewLinkService создаёт сервис управления файлами.
func NewLinkService(
	files repository.FileRepository,
	codec *signature.Codec,
	storeTimeout time.Duration,
	logger *slog.Logger,
) *LinkService {
	return &LinkService{
		files:        files,
		codec:        codec,
		storeTimeout: storeTimeout,
		logger:       logger.With(slog.String("component", "link_service")),
	}
}

// SetLinked привязывает или отвязывает файл. linked_at = текущее время,
// отсчёт таймаута очистки для отвязанного файла начинается заново.
func (s *LinkService) SetLinked(ctx context.Context, fileID string, linked bool) error {
	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	if err := s.files.SetLinked(ctx, fileID, linked, time.Now().UTC()); err != nil {
		return s.storeError(fileID, err)
	}
	s.logger.Info("Привязка файла изменена",
		slog.String("file_id", fileID),
		slog.Bool("linked", linked),
	)
	return nil
}

// SetHidden скрывает файл или возвращает его в выдачу.
func (s *LinkService) SetHidden(ctx context.Context, fileID string, hidden bool) error {
	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	if err := s.files.SetHidden(ctx, fileID, hidden); err != nil {
		return s.storeError(fileID, err)
	}
	s.logger.Info("Видимость файла изменена",
		slog.String("file_id", fileID),
		slog.Bool("hidden", hidden),
	)
	return nil
}

// Sign выпускает свежую подписанную ссылку на файл.
func (s *LinkService) Sign(ctx context.Context, fileID string) (*SignedURL, error) {
	rec, err := s.get(ctx, fileID)
	if err != nil {
		return nil, err
	}
	sig, ts := s.codec.Generate(rec.ID, rec.SigningKey)
	return &SignedURL{
		Signature: sig,
		Timestamp: ts,
		ServeURL:  signature.ServeURL(rec.ID, sig, ts),
	}, nil
}

// Get возвращает метаданные файла.
func (s *LinkService) Get(ctx context.Context, fileID string) (*FileInfo, error) {
	rec, err := s.get(ctx, fileID)
	if err != nil {
		return nil, err
	}
	return &FileInfo{
		ID:          rec.ID,
		Name:        rec.Name,
		ContentType: rec.ContentType,
		Size:        rec.Size,
		UploadedAt:  rec.UploadedAt,
		UserID:      rec.UserID,
		Linked:      rec.Linked,
		LinkedAt:    rec.LinkedAt,
		Hidden:      rec.Hidden,
	}, nil
}

func (s *LinkService) get(ctx context.Context, fileID string) (*model.FileRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	rec, err := s.files.GetByID(ctx, fileID)
	if err != nil {
		return nil, s.storeError(fileID, err)
	}
	return rec, nil
}

func (s *LinkService) storeError(fileID string, err error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return ErrFileNotFound
	}
	s.logger.Error("Ошибка хранилища метаданных",
		slog.String("file_id", fileID),
		slog.String("error", err.Error()),
	)
	return fmt.Errorf("%w: %v", ErrMetadataStore, err)
}
