package database

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/nextania/cdn/internal/config"
)

// MongoStores — клиент MongoDB и две базы: файлов и сессий.
type MongoStores struct {
	Client   *mongo.Client
	Files    *mongo.Database
	Sessions *mongo.Database
}

// ConnectMongo подключается к MongoDB и проверяет доступность ping'ом.
func ConnectMongo(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*MongoStores, error) {
	opts := options.Client().
		ApplyURI(cfg.MongoURI).
		SetAppName("nextania-cdn").
		SetTimeout(cfg.StoreTimeout)

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания клиента MongoDB: %w", err)
	}

	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("ошибка подключения к MongoDB: %w", err)
	}

	logger.Info("Подключение к MongoDB установлено",
		slog.String("database", cfg.MongoDatabase),
		slog.String("auth_database", cfg.MongoAuthDatabase),
	)

	return &MongoStores{
		Client:   client,
		Files:    client.Database(cfg.MongoDatabase),
		Sessions: client.Database(cfg.MongoAuthDatabase),
	}, nil
}

// EnsureIndexes создаёт индексы коллекции files. Повторный вызов безопасен.
func (s *MongoStores) EnsureIndexes(ctx context.Context, logger *slog.Logger) error {
	models := []mongo.IndexModel{
		{Keys: bson.D{{Key: "id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "linked", Value: 1}, {Key: "uploaded_at", Value: 1}}},
		{Keys: bson.D{{Key: "linked", Value: 1}, {Key: "linked_at", Value: 1}}},
	}
	names, err := s.Files.Collection("files").Indexes().CreateMany(ctx, models)
	if err != nil {
		return fmt.Errorf("ошибка создания индексов files: %w", err)
	}
	logger.Info("Индексы MongoDB проверены", slog.Any("indexes", names))
	return nil
}

// Disconnect закрывает клиент.
func (s *MongoStores) Disconnect(ctx context.Context) error {
	return s.Client.Disconnect(ctx)
}

// MongoReadinessChecker — проверка готовности MongoDB.
type MongoReadinessChecker struct {
	client *mongo.Client
}

// NewMongoReadinessChecker создаёт проверку готовности MongoDB.
func NewMongoReadinessChecker(client *mongo.Client) *MongoReadinessChecker {
	return &MongoReadinessChecker{client: client}
}

// CheckReady пингует primary.
func (c *MongoReadinessChecker) CheckReady() (status string, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := c.client.Ping(ctx, readpref.Primary()); err != nil {
		return "fail", fmt.Sprintf("MongoDB недоступна: %v", err)
	}
	return "ok", "подключение активно"
}
