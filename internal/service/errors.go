// errors.go — ошибки бизнес-логики сервисного слоя и зависимости,
// от которых сервисы получают данные.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/nextania/cdn/internal/scanner"
	"github.com/nextania/cdn/internal/storage/objectstore"
)

var (
	// ErrFileNotFound — файла нет, он скрыт или объект утерян.
	ErrFileNotFound = errors.New("файл не найден")
	// ErrInvalidSignature — подпись неверна, просрочена или отсутствует.
	ErrInvalidSignature = errors.New("подпись недействительна или просрочена")
	// ErrFileTooLarge — файл больше разрешённого размера.
	ErrFileTooLarge = errors.New("файл превышает допустимый размер")
	// ErrInfected — антивирус обнаружил угрозу.
	ErrInfected = errors.New("файл заражён")
	// ErrScanFailed — антивирусная проверка не выполнена.
	ErrScanFailed = errors.New("антивирусная проверка не выполнена")
	// ErrMetadataStore — ошибка хранилища метаданных.
	ErrMetadataStore = errors.New("ошибка хранилища метаданных")
	// ErrObjectStore — ошибка объектного хранилища.
	ErrObjectStore = errors.New("ошибка объектного хранилища")
)

// FileTooLargeError — размер файла и действующий лимит.
// errors.Is(err, ErrFileTooLarge) == true.
type FileTooLargeError struct {
	Size  int64
	Limit int64
}

func (e *FileTooLargeError) Error() string {
	return fmt.Sprintf("%s: %d байт при лимите %d", ErrFileTooLarge, e.Size, e.Limit)
}

func (e *FileTooLargeError) Unwrap() error { return ErrFileTooLarge }

// ObjectStore — объектное хранилище содержимого файлов.
// Реализуется *objectstore.Store.
type ObjectStore interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error
	Get(ctx context.Context, key string) (*objectstore.Object, error)
	Delete(ctx context.Context, key string) error
}

// Scanner — антивирусная проверка содержимого.
// Реализуется *scanner.ClamAV.
type Scanner interface {
	Scan(ctx context.Context, r io.Reader) (*scanner.Result, error)
}
