package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/nextania/cdn/internal/domain/model"
)

// pgSessionRepo — чтение таблицы sessions через pgx.
type pgSessionRepo struct {
	db DBTX
}

// NewPgSessionRepository создаёт репозиторий сессий поверх PostgreSQL.
func NewPgSessionRepository(db DBTX) SessionRepository {
	return &pgSessionRepo{db: db}
}

// FindByToken возвращает сессию по токену или ErrNotFound.
func (r *pgSessionRepo) FindByToken(ctx context.Context, token string) (*model.Session, error) {
	s := &model.Session{}
	err := r.db.QueryRow(ctx,
		`SELECT id, token, friendly_name, user_id, expires_at FROM sessions WHERE token = $1`,
		token,
	).Scan(&s.ID, &s.Token, &s.FriendlyName, &s.UserID, &s.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения сессии: %w", err)
	}
	return s, nil
}
