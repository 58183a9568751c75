package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/nextania/cdn/internal/domain/model"
)

// Имена коллекций MongoDB.
const (
	FilesCollection    = "files"
	SessionsCollection = "sessions"
)

// fileDocument — документ коллекции files. Имена полей совпадают
// с документами, которые уже лежат в базе.
type fileDocument struct {
	ID          string     `bson:"id"`
	Name        *string    `bson:"name"`
	ContentType string     `bson:"content_type"`
	Size        int64      `bson:"size"`
	UploadedAt  time.Time  `bson:"uploaded_at"`
	UserID      string     `bson:"user_id"`
	SigningKey  string     `bson:"signing_key"`
	Linked      bool       `bson:"linked"`
	LinkedAt    *time.Time `bson:"linked_at"`
	Hidden      bool       `bson:"hidden"`
}

func toFileDocument(rec *model.FileRecord) *fileDocument {
	return &fileDocument{
		ID:          rec.ID,
		Name:        rec.Name,
		ContentType: rec.ContentType,
		Size:        rec.Size,
		UploadedAt:  rec.UploadedAt,
		UserID:      rec.UserID,
		SigningKey:  rec.SigningKey,
		Linked:      rec.Linked,
		LinkedAt:    rec.LinkedAt,
		Hidden:      rec.Hidden,
	}
}

func (d *fileDocument) toModel() (*model.FileRecord, error) {
	if d.ID == "" {
		return nil, errMalformed("id")
	}
	if d.UploadedAt.IsZero() {
		return nil, errMalformed("uploaded_at")
	}
	if d.SigningKey == "" {
		return nil, errMalformed("signing_key")
	}
	rec := &model.FileRecord{
		ID:          d.ID,
		Name:        d.Name,
		ContentType: d.ContentType,
		Size:        d.Size,
		UploadedAt:  d.UploadedAt.UTC(),
		UserID:      d.UserID,
		SigningKey:  d.SigningKey,
		Linked:      d.Linked,
		Hidden:      d.Hidden,
	}
	if d.LinkedAt != nil {
		t := d.LinkedAt.UTC()
		rec.LinkedAt = &t
	}
	return rec, nil
}

// mongoFileRepo — реализация FileRepository поверх коллекции files.
type mongoFileRepo struct {
	coll   *mongo.Collection
	logger *slog.Logger
}

// NewMongoFileRepository создаёт репозиторий файлов поверх MongoDB.
func NewMongoFileRepository(db *mongo.Database, logger *slog.Logger) FileRepository {
	return &mongoFileRepo{
		coll:   db.Collection(FilesCollection),
		logger: logger.With(slog.String("component", "file_repo_mongo")),
	}
}

func (r *mongoFileRepo) Insert(ctx context.Context, rec *model.FileRecord) error {
	if _, err := r.coll.InsertOne(ctx, toFileDocument(rec)); err != nil {
		return fmt.Errorf("ошибка вставки файла: %w", err)
	}
	return nil
}

func (r *mongoFileRepo) GetByID(ctx context.Context, id string) (*model.FileRecord, error) {
	var doc fileDocument
	err := r.coll.FindOne(ctx, bson.M{"id": id}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения файла: %w", err)
	}
	return doc.toModel()
}

func (r *mongoFileRepo) Delete(ctx context.Context, id string) error {
	if _, err := r.coll.DeleteOne(ctx, bson.M{"id": id}); err != nil {
		return fmt.Errorf("ошибка удаления файла: %w", err)
	}
	return nil
}

// expiredFilter — фильтр кандидатов на очистку.
func expiredFilter(cutoff time.Time) bson.M {
	return bson.M{
		"linked": false,
		"$or": bson.A{
			bson.M{"uploaded_at": bson.M{"$lt": cutoff}},
			bson.M{"linked_at": bson.M{"$lt": cutoff}},
		},
	}
}

// ForEachExpired обходит курсор по одному документу.
// Документ, который не декодируется, логируется и пропускается.
func (r *mongoFileRepo) ForEachExpired(ctx context.Context, cutoff time.Time, limit int, fn func(*model.FileRecord) error) error {
	opts := options.Find().SetSort(bson.D{{Key: "uploaded_at", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cursor, err := r.coll.Find(ctx, expiredFilter(cutoff), opts)
	if err != nil {
		return fmt.Errorf("ошибка выборки просроченных файлов: %w", err)
	}
	defer cursor.Close(context.WithoutCancel(ctx))

	for cursor.Next(ctx) {
		var doc fileDocument
		if err := cursor.Decode(&doc); err != nil {
			r.logger.Warn("Пропуск некорректного документа файла",
				slog.String("error", err.Error()),
			)
			continue
		}
		rec, err := doc.toModel()
		if err != nil {
			r.logger.Warn("Пропуск некорректного документа файла",
				slog.String("error", err.Error()),
			)
			continue
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	if err := cursor.Err(); err != nil {
		return fmt.Errorf("ошибка итерации просроченных файлов: %w", err)
	}
	return nil
}

func (r *mongoFileRepo) SetLinked(ctx context.Context, id string, linked bool, at time.Time) error {
	res, err := r.coll.UpdateOne(ctx, bson.M{"id": id},
		bson.M{"$set": bson.M{"linked": linked, "linked_at": at.UTC()}})
	if err != nil {
		return fmt.Errorf("ошибка обновления привязки: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *mongoFileRepo) SetHidden(ctx context.Context, id string, hidden bool) error {
	res, err := r.coll.UpdateOne(ctx, bson.M{"id": id}, bson.M{"$set": bson.M{"hidden": hidden}})
	if err != nil {
		return fmt.Errorf("ошибка обновления видимости: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}
