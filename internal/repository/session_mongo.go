package repository

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/nextania/cdn/internal/domain/model"
)

// sessionDocument — документ коллекции sessions службы аутентификации.
type sessionDocument struct {
	ID           string `bson:"id"`
	Token        string `bson:"token"`
	FriendlyName string `bson:"friendly_name"`
	UserID       string `bson:"user_id"`
	ExpiresAt    int64  `bson:"expires_at"`
}

type mongoSessionRepo struct {
	coll *mongo.Collection
}

// NewMongoSessionRepository создаёт репозиторий сессий.
// db — база службы аутентификации, а не база файлов.
func NewMongoSessionRepository(db *mongo.Database) SessionRepository {
	return &mongoSessionRepo{coll: db.Collection(SessionsCollection)}
}

// FindByToken возвращает сессию по токену или ErrNotFound.
func (r *mongoSessionRepo) FindByToken(ctx context.Context, token string) (*model.Session, error) {
	var doc sessionDocument
	err := r.coll.FindOne(ctx, bson.M{"token": token}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения сессии: %w", err)
	}
	return &model.Session{
		ID:           doc.ID,
		Token:        doc.Token,
		FriendlyName: doc.FriendlyName,
		UserID:       doc.UserID,
		ExpiresAt:    doc.ExpiresAt,
	}, nil
}
