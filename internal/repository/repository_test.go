package repository

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/mongodb"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/nextania/cdn/internal/config"
	"github.com/nextania/cdn/internal/database"
	"github.com/nextania/cdn/internal/domain/model"
)

func silentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// --- Unit-тесты преобразования записей ---

func TestFileRow_ToModel(t *testing.T) {
	id, key := "file-1", "k"
	now := time.Now()

	if _, err := (&fileRow{signingKey: &key, uploadedAt: &now}).toModel(); !errors.Is(err, ErrMalformed) {
		t.Errorf("Без id: хотели ErrMalformed, получили %v", err)
	}
	if _, err := (&fileRow{id: &id, signingKey: &key}).toModel(); !errors.Is(err, ErrMalformed) {
		t.Errorf("Без uploaded_at: хотели ErrMalformed, получили %v", err)
	}
	if _, err := (&fileRow{id: &id, uploadedAt: &now}).toModel(); !errors.Is(err, ErrMalformed) {
		t.Errorf("Без signing_key: хотели ErrMalformed, получили %v", err)
	}

	rec, err := (&fileRow{id: &id, signingKey: &key, uploadedAt: &now}).toModel()
	if err != nil {
		t.Fatalf("Неожиданная ошибка: %v", err)
	}
	if rec.ContentType != "application/octet-stream" {
		t.Errorf("ContentType по умолчанию: получили %q", rec.ContentType)
	}
	if rec.Linked || rec.Hidden || rec.LinkedAt != nil {
		t.Error("Флаги по умолчанию должны быть false/nil")
	}
}

func TestFileDocument_ToModel(t *testing.T) {
	if _, err := (&fileDocument{}).toModel(); !errors.Is(err, ErrMalformed) {
		t.Errorf("Пустой документ: хотели ErrMalformed, получили %v", err)
	}

	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.FixedZone("MSK", 3*3600))
	doc := &fileDocument{ID: "f", SigningKey: "k", UploadedAt: at, LinkedAt: &at}
	rec, err := doc.toModel()
	if err != nil {
		t.Fatalf("Неожиданная ошибка: %v", err)
	}
	if rec.UploadedAt.Location() != time.UTC || rec.LinkedAt.Location() != time.UTC {
		t.Error("Время должно приводиться к UTC")
	}
}

// --- Общие проверки контракта FileRepository ---

func newRecord(t *testing.T, id string, uploadedAt time.Time) *model.FileRecord {
	t.Helper()
	name := id + ".bin"
	rec, err := model.NewFileRecord(id, &name, "application/octet-stream", 10, "user-1")
	if err != nil {
		t.Fatalf("Ошибка создания записи: %v", err)
	}
	rec.UploadedAt = uploadedAt.UTC().Truncate(time.Millisecond)
	return rec
}

func collectExpired(t *testing.T, repo FileRepository, cutoff time.Time) map[string]bool {
	t.Helper()
	got := make(map[string]bool)
	err := repo.ForEachExpired(context.Background(), cutoff, 0, func(rec *model.FileRecord) error {
		got[rec.ID] = true
		return nil
	})
	if err != nil {
		t.Fatalf("ForEachExpired: %v", err)
	}
	return got
}

func runFileRepositoryContract(t *testing.T, repo FileRepository) {
	ctx := context.Background()
	now := time.Now().UTC()
	old := now.Add(-4 * time.Hour)

	stale := newRecord(t, "stale", old)
	fresh := newRecord(t, "fresh", now)
	linked := newRecord(t, "linked", old)
	unlinked := newRecord(t, "unlinked", now)

	for _, rec := range []*model.FileRecord{stale, fresh, linked, unlinked} {
		if err := repo.Insert(ctx, rec); err != nil {
			t.Fatalf("Insert %s: %v", rec.ID, err)
		}
	}
	if err := repo.SetLinked(ctx, linked.ID, true, old); err != nil {
		t.Fatalf("SetLinked: %v", err)
	}
	if err := repo.SetLinked(ctx, unlinked.ID, false, old); err != nil {
		t.Fatalf("SetLinked: %v", err)
	}

	got, err := repo.GetByID(ctx, stale.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.SigningKey != stale.SigningKey || *got.Name != *stale.Name || !got.UploadedAt.Equal(stale.UploadedAt) {
		t.Errorf("GetByID вернул другую запись: %+v", got)
	}

	if _, err := repo.GetByID(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetByID(missing): хотели ErrNotFound, получили %v", err)
	}

	expired := collectExpired(t, repo, now.Add(-3*time.Hour))
	if !expired["stale"] || !expired["unlinked"] || expired["fresh"] || expired["linked"] || len(expired) != 2 {
		t.Errorf("ForEachExpired: неожиданный набор %v", expired)
	}

	var limited []string
	err = repo.ForEachExpired(ctx, now.Add(-3*time.Hour), 1, func(rec *model.FileRecord) error {
		limited = append(limited, rec.ID)
		return nil
	})
	if err != nil {
		t.Fatalf("ForEachExpired с лимитом: %v", err)
	}
	// uploaded_at у stale раньше, чем у unlinked
	if len(limited) != 1 || limited[0] != "stale" {
		t.Errorf("ForEachExpired с лимитом 1: хотели [stale], получили %v", limited)
	}

	if err := repo.SetHidden(ctx, fresh.ID, true); err != nil {
		t.Fatalf("SetHidden: %v", err)
	}
	got, _ = repo.GetByID(ctx, fresh.ID)
	if !got.Hidden {
		t.Error("SetHidden не применился")
	}

	if err := repo.SetHidden(ctx, "missing", true); !errors.Is(err, ErrNotFound) {
		t.Errorf("SetHidden(missing): хотели ErrNotFound, получили %v", err)
	}
	if err := repo.SetLinked(ctx, "missing", true, now); !errors.Is(err, ErrNotFound) {
		t.Errorf("SetLinked(missing): хотели ErrNotFound, получили %v", err)
	}

	if err := repo.Delete(ctx, stale.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := repo.Delete(ctx, stale.ID); err != nil {
		t.Errorf("Повторный Delete должен быть идемпотентным: %v", err)
	}
	if _, err := repo.GetByID(ctx, stale.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("После Delete: хотели ErrNotFound, получили %v", err)
	}

	stop := errors.New("stop")
	err = repo.ForEachExpired(ctx, now.Add(-3*time.Hour), 0, func(*model.FileRecord) error { return stop })
	if !errors.Is(err, stop) {
		t.Errorf("Ошибка колбэка должна прерывать обход: %v", err)
	}
}

// --- PostgreSQL (testcontainers) ---

// setupTestPg запускает PostgreSQL контейнер и применяет миграции.
func setupTestPg(t *testing.T) *pgxpool.Pool {
	t.Helper()

	if os.Getenv("TEST_INTEGRATION") == "" {
		t.Skip("Пропуск интеграционного теста: TEST_INTEGRATION не установлена")
	}

	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"docker.io/postgres:17-alpine",
		postgres.WithDatabase("cdn_test"),
		postgres.WithUsername("cdn"),
		postgres.WithPassword("test-password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("Не удалось запустить PostgreSQL контейнер: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Ошибка остановки контейнера: %v", err)
		}
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Не удалось получить host контейнера: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Не удалось получить port контейнера: %v", err)
	}
	portNum, _ := strconv.Atoi(port.Port())

	cfg := &config.Config{
		DBHost:     host,
		DBPort:     portNum,
		DBName:     "cdn_test",
		DBUser:     "cdn",
		DBPassword: "test-password",
		DBSSLMode:  "disable",
	}

	logger := silentLogger()
	if err := database.Migrate(cfg, logger); err != nil {
		t.Fatalf("Ошибка миграций: %v", err)
	}

	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		t.Fatalf("Ошибка подключения: %v", err)
	}
	t.Cleanup(func() { pool.Close() })

	return pool
}

func TestPgFileRepository(t *testing.T) {
	pool := setupTestPg(t)
	runFileRepositoryContract(t, NewPgFileRepository(pool, silentLogger()))
}

func TestPgSessionRepository(t *testing.T) {
	pool := setupTestPg(t)
	ctx := context.Background()

	_, err := pool.Exec(ctx,
		`INSERT INTO sessions (id, token, friendly_name, user_id, expires_at) VALUES ($1, $2, $3, $4, $5)`,
		"s-1", "tok-1", "laptop", "user-1", int64(1_900_000_000_000))
	if err != nil {
		t.Fatalf("Ошибка вставки сессии: %v", err)
	}

	repo := NewPgSessionRepository(pool)
	s, err := repo.FindByToken(ctx, "tok-1")
	if err != nil {
		t.Fatalf("FindByToken: %v", err)
	}
	if s.UserID != "user-1" || s.ExpiresAt != 1_900_000_000_000 {
		t.Errorf("Неожиданная сессия: %+v", s)
	}

	if _, err := repo.FindByToken(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("FindByToken(nope): хотели ErrNotFound, получили %v", err)
	}
}

// --- MongoDB (testcontainers) ---

// setupTestMongo запускает MongoDB контейнер и возвращает подключённый клиент.
func setupTestMongo(t *testing.T) *mongo.Client {
	t.Helper()

	if os.Getenv("TEST_INTEGRATION") == "" {
		t.Skip("Пропуск интеграционного теста: TEST_INTEGRATION не установлена")
	}

	ctx := context.Background()

	container, err := mongodb.Run(ctx, "docker.io/mongo:7")
	if err != nil {
		t.Fatalf("Не удалось запустить MongoDB контейнер: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Ошибка остановки контейнера: %v", err)
		}
	})

	uri, err := container.ConnectionString(ctx)
	if err != nil {
		t.Fatalf("Не удалось получить строку подключения: %v", err)
	}

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		t.Fatalf("Ошибка подключения к MongoDB: %v", err)
	}
	t.Cleanup(func() { _ = client.Disconnect(ctx) })

	return client
}

func TestMongoFileRepository(t *testing.T) {
	client := setupTestMongo(t)
	runFileRepositoryContract(t, NewMongoFileRepository(client.Database("cdn_test"), silentLogger()))
}

// TestMongoFileRepository_SkipsMalformed — документ с неверным типом поля
// не должен прерывать обход.
func TestMongoFileRepository_SkipsMalformed(t *testing.T) {
	client := setupTestMongo(t)
	ctx := context.Background()
	db := client.Database("cdn_malformed")

	old := time.Now().UTC().Add(-10 * time.Hour)
	_, err := db.Collection(FilesCollection).InsertMany(ctx, []any{
		bson.M{"id": "bad", "size": "не число", "uploaded_at": old, "linked": false, "signing_key": "k"},
		bson.M{"id": "", "uploaded_at": old, "linked": false, "signing_key": "k"},
		bson.M{"id": "good", "content_type": "text/plain", "size": int64(1), "uploaded_at": old,
			"user_id": "u", "signing_key": "k", "linked": false, "hidden": false},
	})
	if err != nil {
		t.Fatalf("Ошибка вставки документов: %v", err)
	}

	repo := NewMongoFileRepository(db, silentLogger())
	got := collectExpired(t, repo, time.Now().UTC())
	if len(got) != 1 || !got["good"] {
		t.Errorf("Ожидалась только запись good, получили %v", got)
	}
}

func TestMongoSessionRepository(t *testing.T) {
	client := setupTestMongo(t)
	ctx := context.Background()
	db := client.Database("auth_test")

	_, err := db.Collection(SessionsCollection).InsertOne(ctx, bson.M{
		"id": "s-1", "token": "tok-1", "friendly_name": "phone", "user_id": "user-1", "expires_at": int64(0),
	})
	if err != nil {
		t.Fatalf("Ошибка вставки сессии: %v", err)
	}

	repo := NewMongoSessionRepository(db)
	s, err := repo.FindByToken(ctx, "tok-1")
	if err != nil {
		t.Fatalf("FindByToken: %v", err)
	}
	if s.UserID != "user-1" || s.FriendlyName != "phone" {
		t.Errorf("Неожиданная сессия: %+v", s)
	}
	if _, err := repo.FindByToken(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("FindByToken(nope): хотели ErrNotFound, получили %v", err)
	}
}
