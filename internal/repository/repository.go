// Пакет repository — слой доступа к метаданным файлов и сессиям.
// Две реализации: MongoDB (основная) и PostgreSQL (чистый SQL через pgx).
// Выбор реализации — CDN_METADATA_STORE.
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/nextania/cdn/internal/domain/model"
)

// Ошибки слоя репозиториев.
var (
	// ErrNotFound — запись не найдена.
	ErrNotFound = errors.New("запись не найдена")
	// ErrMalformed — запись в хранилище не соответствует схеме.
	ErrMalformed = errors.New("некорректная запись")
)

func errMalformed(field string) error {
	return fmt.Errorf("%w: отсутствует поле %s", ErrMalformed, field)
}

// DBTX — интерфейс для выполнения SQL-запросов.
// Реализуется как *pgxpool.Pool, так и pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// FileRepository — доступ к записям файлов.
type FileRepository interface {
	// Insert сохраняет новую запись.
	Insert(ctx context.Context, rec *model.FileRecord) error
	// GetByID возвращает запись по ID или ErrNotFound.
	GetByID(ctx context.Context, id string) (*model.FileRecord, error)
	// Delete удаляет запись. Отсутствие записи ошибкой не считается.
	Delete(ctx context.Context, id string) error
	// ForEachExpired вызывает fn не более чем для limit записей (limit <= 0 — без
	// ограничения), подходящих под предикат очистки:
	// linked = false AND (uploaded_at < cutoff OR linked_at < cutoff).
	// Порядок — по uploaded_at. Записи, не прошедшие валидацию, пропускаются
	// с логированием. Ошибка fn прерывает обход.
	ForEachExpired(ctx context.Context, cutoff time.Time, limit int, fn func(*model.FileRecord) error) error
	// SetLinked меняет флаг привязки и linked_at. ErrNotFound, если записи нет.
	SetLinked(ctx context.Context, id string, linked bool, at time.Time) error
	// SetHidden меняет флаг скрытия. ErrNotFound, если записи нет.
	SetHidden(ctx context.Context, id string, hidden bool) error
}

// SessionRepository — чтение сессий, созданных службой аутентификации.
type SessionRepository interface {
	// FindByToken возвращает сессию по токену или ErrNotFound.
	FindByToken(ctx context.Context, token string) (*model.Session, error)
}
