package server

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"math/big"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextania/cdn/internal/api/handlers"
	"github.com/nextania/cdn/internal/api/middleware"
	"github.com/nextania/cdn/internal/config"
	"github.com/nextania/cdn/internal/domain/model"
	"github.com/nextania/cdn/internal/preview"
	"github.com/nextania/cdn/internal/repository"
	"github.com/nextania/cdn/internal/service"
	"github.com/nextania/cdn/internal/signature"
	"github.com/nextania/cdn/internal/storage/objectstore"
)

// --- Хранилища в памяти ---

type memFiles struct {
	mu      sync.Mutex
	records map[string]*model.FileRecord
}

func (m *memFiles) Insert(_ context.Context, rec *model.FileRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.records[rec.ID] = &cp
	return nil
}

func (m *memFiles) GetByID(_ context.Context, id string) (*model.FileRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *memFiles) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, id)
	return nil
}

func (m *memFiles) ForEachExpired(_ context.Context, cutoff time.Time, limit int, fn func(*model.FileRecord) error) error {
	m.mu.Lock()
	var batch []*model.FileRecord
	for _, rec := range m.records {
		if !rec.Linked && (rec.UploadedAt.Before(cutoff) || (rec.LinkedAt != nil && rec.LinkedAt.Before(cutoff))) {
			cp := *rec
			batch = append(batch, &cp)
		}
		if limit > 0 && len(batch) >= limit {
			break
		}
	}
	m.mu.Unlock()
	for _, rec := range batch {
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

func (m *memFiles) SetLinked(_ context.Context, id string, linked bool, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return repository.ErrNotFound
	}
	rec.Linked, rec.LinkedAt = linked, &at
	return nil
}

func (m *memFiles) SetHidden(_ context.Context, id string, hidden bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return repository.ErrNotFound
	}
	rec.Hidden = hidden
	return nil
}

type memObjects struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (m *memObjects) Put(_ context.Context, key string, body io.Reader, _ int64, _ string) error {
	b, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = b
	return nil
}

func (m *memObjects) Get(_ context.Context, key string) (*objectstore.Object, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.data[key]
	if !ok {
		return nil, objectstore.ErrObjectNotFound
	}
	return &objectstore.Object{Body: io.NopCloser(bytes.NewReader(b)), ContentLength: int64(len(b))}, nil
}

func (m *memObjects) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

type memSessions map[string]*model.Session

func (m memSessions) FindByToken(_ context.Context, token string) (*model.Session, error) {
	s, ok := m[token]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return s, nil
}

type okChecker struct{}

func (okChecker) CheckReady() (string, string) { return "ok", "" }

// --- Окружение ---

const testKeyID = "test-key"

type testEnv struct {
	handler http.Handler
	files   *memFiles
	objects *memObjects
	key     *rsa.PrivateKey
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	assets := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(assets, "logo.txt"), []byte("logo"), 0o644))

	cfg := &config.Config{
		CORSAllowedOrigins: []string{"*"},
		AssetsDir:          assets,
	}

	files := &memFiles{records: map[string]*model.FileRecord{}}
	objects := &memObjects{data: map[string][]byte{}}
	sessions := memSessions{"session-token": {ID: "s1", Token: "session-token", UserID: "user-1"}}

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	kf, err := keyfunc.NewJWKSetJSON(jwksJSON(&key.PublicKey))
	require.NoError(t, err)

	codec := signature.Default
	routes := Routes{
		Health:      handlers.NewHealthHandler(okChecker{}, okChecker{}, nil),
		Upload:      handlers.NewUploadHandler(service.NewUploadService(files, objects, nil, codec, 1024, time.Second, logger), logger),
		Files:       handlers.NewFilesHandler(service.NewRetrievalService(files, objects, codec, time.Hour, time.Second, logger), logger),
		Preview:     handlers.NewPreviewHandler(preview.NewService(preview.Options{Timeout: time.Second, CacheSize: 4, CacheTTL: time.Minute}, logger), logger),
		Internal:    handlers.NewInternalHandler(service.NewLinkService(files, codec, time.Second, logger), logger),
		SessionAuth: middleware.NewSessionAuth(sessions, time.Second, logger).Middleware(),
		ServiceAuth: middleware.NewJWTAuthWithKeyfunc(kf, time.Second, logger),
	}

	return &testEnv{
		handler: NewRouter(cfg, logger, routes),
		files:   files,
		objects: objects,
		key:     key,
	}
}

func jwksJSON(pub *rsa.PublicKey) json.RawMessage {
	data, _ := json.Marshal(map[string]any{
		"keys": []map[string]any{{
			"kty": "RSA",
			"kid": testKeyID,
			"use": "sig",
			"alg": "RS256",
			"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		}},
	})
	return data
}

func (e *testEnv) serviceToken(t *testing.T, scopes ...string) string {
	t.Helper()
	claims := middleware.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "chat-service",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		ScopeArray: scopes,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = testKeyID
	s, err := token.SignedString(e.key)
	require.NoError(t, err)
	return s
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func uploadBody(t *testing.T, filename, contentType, content string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	h := textproto.MIMEHeader{}
	h.Set("Content-Disposition", `form-data; name="file"; filename="`+filename+`"`)
	h.Set("Content-Type", contentType)
	part, err := mw.CreatePart(h)
	require.NoError(t, err)
	_, err = io.WriteString(part, content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func (e *testEnv) upload(t *testing.T, content string) service.UploadResult {
	t.Helper()
	body, ct := uploadBody(t, "hello.txt", "text/plain", content)
	req := httptest.NewRequest(http.MethodPost, "/api/upload", body)
	req.Header.Set("Content-Type", ct)
	req.Header.Set("Authorization", "session-token")

	rec := e.do(req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var res service.UploadResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	return res
}

func errorMessage(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body["error"]
}

// --- Тесты ---

func TestUploadAndServe(t *testing.T) {
	env := newTestEnv(t)
	res := env.upload(t, "hello world")

	assert.Equal(t, int64(11), res.Size)
	assert.Equal(t, "text/plain", res.ContentType)

	rec := env.do(httptest.NewRequest(http.MethodGet, res.ServeURL, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hello world", rec.Body.String())
	assert.Equal(t, "text/plain", rec.Header().Get("Content-Type"))
	assert.Equal(t, `inline; filename="hello.txt"`, rec.Header().Get("Content-Disposition"))
	assert.Contains(t, rec.Header().Get("Cache-Control"), "max-age=")

	rec = env.do(httptest.NewRequest(http.MethodGet, res.ServeURL+"&download=true", nil))
	assert.Equal(t, `attachment; filename="hello.txt"`, rec.Header().Get("Content-Disposition"))
}

func TestServe_Rejections(t *testing.T) {
	env := newTestEnv(t)
	a := env.upload(t, "file a")
	b := env.upload(t, "file b")

	ts := strconv.FormatInt(a.Timestamp, 10)
	tests := []struct {
		name     string
		url      string
		wantCode int
		wantMsg  string
	}{
		{"неизвестный файл", "/files/unknown?signature=" + a.Signature + "&timestamp=" + ts, http.StatusNotFound, "File not found"},
		{"подпись другого файла", "/files/" + a.ID + "?signature=" + b.Signature + "&timestamp=" + strconv.FormatInt(b.Timestamp, 10), http.StatusForbidden, "Invalid or expired signature"},
		{"без параметров", "/files/" + a.ID, http.StatusForbidden, "Invalid or expired signature"},
		{"timestamp не число", "/files/" + a.ID + "?signature=" + a.Signature + "&timestamp=x", http.StatusForbidden, "Invalid or expired signature"},
		{"timestamp из прошлого", "/files/" + a.ID + "?signature=" + a.Signature + "&timestamp=" + strconv.FormatInt(a.Timestamp-7200, 10), http.StatusForbidden, "Invalid or expired signature"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(httptest.NewRequest(http.MethodGet, tt.url, nil))
			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, tt.wantMsg, errorMessage(t, rec))
		})
	}
}

func TestUpload_Errors(t *testing.T) {
	env := newTestEnv(t)

	// Без сессии
	body, ct := uploadBody(t, "a.txt", "text/plain", "x")
	req := httptest.NewRequest(http.MethodPost, "/api/upload", body)
	req.Header.Set("Content-Type", ct)
	rec := env.do(req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Authorization header required", errorMessage(t, rec))

	// Без файла
	req = httptest.NewRequest(http.MethodPost, "/api/upload", bytes.NewBufferString(""))
	req.Header.Set("Authorization", "session-token")
	rec = env.do(req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "No file provided", errorMessage(t, rec))

	// Больше лимита (1024 байта в тестовом окружении)
	body, ct = uploadBody(t, "big.bin", "application/octet-stream", string(bytes.Repeat([]byte("x"), 2000)))
	req = httptest.NewRequest(http.MethodPost, "/api/upload", body)
	req.Header.Set("Content-Type", ct)
	req.Header.Set("Authorization", "Bearer session-token")
	rec = env.do(req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, "File size exceeds maximum allowed size of 0MB (received 2000 bytes)", errorMessage(t, rec))
}

func TestInternalAPI(t *testing.T) {
	env := newTestEnv(t)
	res := env.upload(t, "payload")

	call := func(method, path, token string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		return env.do(req)
	}

	// Без токена и без нужного scope
	assert.Equal(t, http.StatusUnauthorized, call(http.MethodPut, "/internal/files/"+res.ID+"/link", "").Code)
	assert.Equal(t, http.StatusForbidden, call(http.MethodPut, "/internal/files/"+res.ID+"/link", env.serviceToken(t, "files:read")).Code)

	linkToken := env.serviceToken(t, "files:link")
	assert.Equal(t, http.StatusNoContent, call(http.MethodPut, "/internal/files/"+res.ID+"/link", linkToken).Code)
	assert.True(t, env.files.records[res.ID].Linked)
	assert.Equal(t, http.StatusNotFound, call(http.MethodPut, "/internal/files/missing/link", linkToken).Code)

	// Метаданные без ключа подписи
	rec := call(http.MethodGet, "/internal/files/"+res.ID, env.serviceToken(t, "files:read"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), env.files.records[res.ID].SigningKey)
	assert.Contains(t, rec.Body.String(), `"linked":true`)

	// Свежая подпись работает для раздачи
	rec = call(http.MethodPost, "/internal/files/"+res.ID+"/sign", env.serviceToken(t, "files:sign"))
	require.Equal(t, http.StatusOK, rec.Code)
	var signed service.SignedURL
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &signed))
	assert.Equal(t, http.StatusOK, env.do(httptest.NewRequest(http.MethodGet, signed.ServeURL, nil)).Code)

	// Скрытый файл неотличим от отсутствующего
	modToken := env.serviceToken(t, "files:moderate")
	assert.Equal(t, http.StatusNoContent, call(http.MethodPut, "/internal/files/"+res.ID+"/hidden", modToken).Code)
	assert.Equal(t, http.StatusNotFound, env.do(httptest.NewRequest(http.MethodGet, signed.ServeURL, nil)).Code)
	assert.Equal(t, http.StatusNoContent, call(http.MethodDelete, "/internal/files/"+res.ID+"/hidden", modToken).Code)
	assert.Equal(t, http.StatusOK, env.do(httptest.NewRequest(http.MethodGet, signed.ServeURL, nil)).Code)
}

func TestLifecycleWithRouter(t *testing.T) {
	env := newTestEnv(t)
	kept := env.upload(t, "kept")
	dropped := env.upload(t, "dropped")

	// Оба файла «старые», один привязан.
	old := time.Now().UTC().Add(-4 * time.Hour)
	for _, id := range []string{kept.ID, dropped.ID} {
		env.files.records[id].UploadedAt = old
	}
	env.files.records[kept.ID].Linked = true

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := service.NewLifecycleReconciler(env.files, env.objects, 3*time.Hour, time.Hour, 100, time.Second, logger)
	result := r.RunOnce(context.Background())
	require.NotNil(t, result)
	assert.Equal(t, 1, result.Reaped)

	assert.Equal(t, http.StatusOK, env.do(httptest.NewRequest(http.MethodGet, kept.ServeURL, nil)).Code)
	assert.Equal(t, http.StatusNotFound, env.do(httptest.NewRequest(http.MethodGet, dropped.ServeURL, nil)).Code)
	_, stillThere := env.objects.data[dropped.ID]
	assert.False(t, stillThere)
}

func TestPreviewRoutes(t *testing.T) {
	env := newTestEnv(t)

	call := func(path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.Header.Set("Authorization", "session-token")
		return env.do(req)
	}

	rec := call("/api/preview/image?url=http://example.com/a.png")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "At least one dimension (width or height) must be specified", errorMessage(t, rec))

	rec = call("/api/preview/image?url=http://example.com/a.png&width=0")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = call("/api/preview?url=ftp://example.com")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServiceRoutes(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"service":"cdn"`)
	assert.NotEmpty(t, rec.Header().Get(middleware.HeaderRequestID))

	assert.Equal(t, http.StatusOK, env.do(httptest.NewRequest(http.MethodGet, "/health/live", nil)).Code)
	assert.Equal(t, http.StatusOK, env.do(httptest.NewRequest(http.MethodGet, "/health/ready", nil)).Code)
	assert.Equal(t, http.StatusOK, env.do(httptest.NewRequest(http.MethodGet, "/metrics", nil)).Code)

	rec = env.do(httptest.NewRequest(http.MethodGet, "/assets/logo.txt", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "logo", rec.Body.String())
}
