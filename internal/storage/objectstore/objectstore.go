// Пакет objectstore — S3-совместимое объектное хранилище файлов (MinIO, AWS S3).
// Ключ объекта — ID файла.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/nextania/cdn/internal/config"
)

// ErrObjectNotFound — объекта с таким ключом нет.
var ErrObjectNotFound = errors.New("объект не найден")

// Object — поток содержимого объекта. Вызывающий обязан закрыть Body.
type Object struct {
	Body          io.ReadCloser
	ContentType   string
	ContentLength int64
}

// Store — клиент объектного хранилища.
type Store struct {
	client *s3.Client
	bucket string
	logger *slog.Logger
}

// New создаёт клиент S3 по конфигурации. Сетевых запросов не выполняет.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Store, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.S3Region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("загрузка конфигурации AWS: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
		}
		o.UsePathStyle = cfg.S3UsePathStyle
	})

	return NewWithClient(client, cfg.S3Bucket, logger), nil
}

// NewWithClient оборачивает готовый s3.Client.
func NewWithClient(client *s3.Client, bucket string, logger *slog.Logger) *Store {
	return &Store{
		client: client,
		bucket: bucket,
		logger: logger.With(slog.String("component", "objectstore")),
	}
}

// Put загружает объект. size < 0 — длина неизвестна.
func (s *Store) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String(contentType),
	}
	if size >= 0 {
		input.ContentLength = aws.Int64(size)
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("загрузка объекта %s: %w", key, err)
	}
	return nil
}

// Get открывает поток объекта или возвращает ErrObjectNotFound.
func (s *Store) Get(ctx context.Context, key string) (*Object, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, ErrObjectNotFound
		}
		return nil, fmt.Errorf("получение объекта %s: %w", key, err)
	}

	obj := &Object{Body: out.Body, ContentLength: -1}
	if out.ContentType != nil {
		obj.ContentType = *out.ContentType
	}
	if out.ContentLength != nil {
		obj.ContentLength = *out.ContentLength
	}
	return obj, nil
}

// Delete удаляет объект. Отсутствующий объект ошибкой не считается.
func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			s.logger.Debug("Объект уже удалён", slog.String("key", key))
			return nil
		}
		return fmt.Errorf("удаление объекта %s: %w", key, err)
	}
	return nil
}

// Health проверяет доступность бакета.
func (s *Store) Health(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	return err
}

// isNotFound распознаёт «нет такого ключа» в ответах S3 и MinIO.
func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}

// ReadinessChecker — проверка готовности объектного хранилища для /health/ready.
type ReadinessChecker struct {
	store   *Store
	timeout time.Duration
}

// NewReadinessChecker создаёт проверку готовности бакета.
func NewReadinessChecker(store *Store, timeout time.Duration) *ReadinessChecker {
	return &ReadinessChecker{store: store, timeout: timeout}
}

// CheckReady выполняет HeadBucket.
func (c *ReadinessChecker) CheckReady() (status string, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	if err := c.store.Health(ctx); err != nil {
		return "fail", fmt.Sprintf("объектное хранилище недоступно: %v", err)
	}
	return "ok", "бакет доступен"
}
