package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/nextania/cdn/internal/domain/model"
)

// fileColumns — столбцы таблицы files для SELECT-запросов.
const fileColumns = `id, name, content_type, size, uploaded_at, user_id,
	signing_key, linked, linked_at, hidden`

// pgFileRepo — реализация FileRepository через pgx.
type pgFileRepo struct {
	db     DBTX
	logger *slog.Logger
}

// NewPgFileRepository создаёт репозиторий файлов поверх PostgreSQL.
func NewPgFileRepository(db DBTX, logger *slog.Logger) FileRepository {
	return &pgFileRepo{
		db:     db,
		logger: logger.With(slog.String("component", "file_repo_pg")),
	}
}

func (r *pgFileRepo) Insert(ctx context.Context, rec *model.FileRecord) error {
	query := fmt.Sprintf(`INSERT INTO files (%s) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`, fileColumns)
	_, err := r.db.Exec(ctx, query,
		rec.ID, rec.Name, rec.ContentType, rec.Size, rec.UploadedAt, rec.UserID,
		rec.SigningKey, rec.Linked, rec.LinkedAt, rec.Hidden,
	)
	if err != nil {
		return fmt.Errorf("ошибка вставки файла: %w", err)
	}
	return nil
}

// GetByID возвращает файл по ID или ErrNotFound.
func (r *pgFileRepo) GetByID(ctx context.Context, id string) (*model.FileRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM files WHERE id = $1`, fileColumns)

	f, err := scanFile(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения файла: %w", err)
	}
	return f, nil
}

func (r *pgFileRepo) Delete(ctx context.Context, id string) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM files WHERE id = $1`, id); err != nil {
		return fmt.Errorf("ошибка удаления файла: %w", err)
	}
	return nil
}

// ForEachExpired построчно обходит кандидатов на очистку.
// NULL в linked_at даёт NULL в сравнении, поэтому OR сводится к uploaded_at.
func (r *pgFileRepo) ForEachExpired(ctx context.Context, cutoff time.Time, limit int, fn func(*model.FileRecord) error) error {
	query := fmt.Sprintf(`SELECT %s FROM files
		WHERE linked = false AND (uploaded_at < $1 OR linked_at < $1)
		ORDER BY uploaded_at`, fileColumns)
	args := []any{cutoff}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("ошибка выборки просроченных файлов: %w", err)
	}
	return forEachFileRow(rows, r.logger, fn)
}

// forEachFileRow обходит строки курсора. Ошибка Scan в pgx закрывает
// курсор, поэтому она завершает обход; пропускаются только строки,
// не прошедшие валидацию toModel.
func forEachFileRow(rows pgx.Rows, logger *slog.Logger, fn func(*model.FileRecord) error) error {
	defer rows.Close()

	for rows.Next() {
		var fr fileRow
		if err := fr.scan(rows); err != nil {
			return fmt.Errorf("ошибка чтения строки файла: %w", err)
		}
		f, err := fr.toModel()
		if err != nil {
			logger.Warn("Пропуск некорректной записи файла",
				slog.String("error", err.Error()),
			)
			continue
		}
		if err := fn(f); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("ошибка итерации просроченных файлов: %w", err)
	}
	return nil
}

func (r *pgFileRepo) SetLinked(ctx context.Context, id string, linked bool, at time.Time) error {
	tag, err := r.db.Exec(ctx, `UPDATE files SET linked = $2, linked_at = $3 WHERE id = $1`, id, linked, at)
	if err != nil {
		return fmt.Errorf("ошибка обновления привязки: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *pgFileRepo) SetHidden(ctx context.Context, id string, hidden bool) error {
	tag, err := r.db.Exec(ctx, `UPDATE files SET hidden = $2 WHERE id = $1`, id, hidden)
	if err != nil {
		return fmt.Errorf("ошибка обновления видимости: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// fileRow — строка таблицы files до валидации. Обязательные столбцы
// читаются в указатели, чтобы NULL не ронял итерацию курсора.
type fileRow struct {
	id          *string
	name        *string
	contentType *string
	size        *int64
	uploadedAt  *time.Time
	userID      *string
	signingKey  *string
	linked      *bool
	linkedAt    *time.Time
	hidden      *bool
}

// scanFile сканирует строку в FileRecord (порядок — fileColumns).
func scanFile(row pgx.Row) (*model.FileRecord, error) {
	var fr fileRow
	if err := fr.scan(row); err != nil {
		return nil, err
	}
	return fr.toModel()
}

func (fr *fileRow) scan(row pgx.Row) error {
	return row.Scan(
		&fr.id, &fr.name, &fr.contentType, &fr.size, &fr.uploadedAt, &fr.userID,
		&fr.signingKey, &fr.linked, &fr.linkedAt, &fr.hidden,
	)
}

// toModel проверяет обязательные поля и собирает FileRecord.
func (fr *fileRow) toModel() (*model.FileRecord, error) {
	if fr.id == nil || *fr.id == "" {
		return nil, errMalformed("id")
	}
	if fr.uploadedAt == nil {
		return nil, errMalformed("uploaded_at")
	}
	if fr.signingKey == nil || *fr.signingKey == "" {
		return nil, errMalformed("signing_key")
	}

	f := &model.FileRecord{
		ID:          *fr.id,
		Name:        fr.name,
		ContentType: deref(fr.contentType, "application/octet-stream"),
		Size:        deref(fr.size, 0),
		UploadedAt:  fr.uploadedAt.UTC(),
		UserID:      deref(fr.userID, ""),
		SigningKey:  *fr.signingKey,
		Linked:      deref(fr.linked, false),
		Hidden:      deref(fr.hidden, false),
	}
	if fr.linkedAt != nil {
		t := fr.linkedAt.UTC()
		f.LinkedAt = &t
	}
	return f, nil
}

func deref[T any](p *T, def T) T {
	if p == nil {
		return def
	}
	return *p
}
