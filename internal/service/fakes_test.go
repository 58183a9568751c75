package service

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/nextania/cdn/internal/domain/model"
	"github.com/nextania/cdn/internal/repository"
	"github.com/nextania/cdn/internal/scanner"
	"github.com/nextania/cdn/internal/storage/objectstore"
)

var errStore = errors.New("хранилище недоступно")

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// --- FileRepository в памяти ---

type memFiles struct {
	mu      sync.Mutex
	records map[string]*model.FileRecord

	insertErr  error
	getErr     error
	deleteErr  map[string]error
	forEachErr error
	deleted    []string
}

func newMemFiles(recs ...*model.FileRecord) *memFiles {
	m := &memFiles{records: map[string]*model.FileRecord{}, deleteErr: map[string]error{}}
	for _, r := range recs {
		m.records[r.ID] = r
	}
	return m
}

func (m *memFiles) Insert(_ context.Context, rec *model.FileRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertErr != nil {
		return m.insertErr
	}
	cp := *rec
	m.records[rec.ID] = &cp
	return nil
}

func (m *memFiles) GetByID(_ context.Context, id string) (*model.FileRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
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
	if err := m.deleteErr[id]; err != nil {
		return err
	}
	delete(m.records, id)
	m.deleted = append(m.deleted, id)
	return nil
}

func (m *memFiles) ForEachExpired(ctx context.Context, cutoff time.Time, limit int, fn func(*model.FileRecord) error) error {
	m.mu.Lock()
	if m.forEachErr != nil {
		m.mu.Unlock()
		return m.forEachErr
	}
	var matched []*model.FileRecord
	for _, rec := range m.records {
		if rec.Linked {
			continue
		}
		if rec.UploadedAt.Before(cutoff) || (rec.LinkedAt != nil && rec.LinkedAt.Before(cutoff)) {
			cp := *rec
			matched = append(matched, &cp)
		}
	}
	m.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].UploadedAt.Equal(matched[j].UploadedAt) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].UploadedAt.Before(matched[j].UploadedAt)
	})
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}

	for _, rec := range matched {
		if err := ctx.Err(); err != nil {
			return err
		}
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
	rec.Linked = linked
	rec.LinkedAt = &at
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

func (m *memFiles) has(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.records[id]
	return ok
}

// --- ObjectStore в памяти ---

type memObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string

	putErr    error
	getErr    error
	deleteErr map[string]error
	deletes   int
}

func newMemObjects() *memObjects {
	return &memObjects{
		objects:   map[string][]byte{},
		types:     map[string]string{},
		deleteErr: map[string]error{},
	}
}

func (m *memObjects) Put(_ context.Context, key string, body io.Reader, _ int64, contentType string) error {
	if m.putErr != nil {
		return m.putErr
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	m.types[key] = contentType
	return nil
}

func (m *memObjects) Get(_ context.Context, key string) (*objectstore.Object, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, objectstore.ErrObjectNotFound
	}
	return &objectstore.Object{
		Body:          io.NopCloser(bytes.NewReader(data)),
		ContentType:   m.types[key],
		ContentLength: int64(len(data)),
	}, nil
}

func (m *memObjects) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deletes++
	if err := m.deleteErr[key]; err != nil {
		return err
	}
	delete(m.objects, key)
	return nil
}

func (m *memObjects) has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[key]
	return ok
}

func (m *memObjects) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}

// --- Scanner ---

type fakeScanner struct {
	result  *scanner.Result
	err     error
	scanned []byte
}

func (f *fakeScanner) Scan(_ context.Context, r io.Reader) (*scanner.Result, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	f.scanned = data
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		return f.result, nil
	}
	return &scanner.Result{}, nil
}

// --- Фикстуры ---

// newRecord создаёт запись с заданным возрастом загрузки.
func newRecord(id string, age time.Duration) *model.FileRecord {
	return &model.FileRecord{
		ID:          id,
		ContentType: "text/plain",
		Size:        4,
		UploadedAt:  time.Now().UTC().Add(-age),
		UserID:      "user-1",
		SigningKey:  "abcdefghijklmnopqrstuvwxyz012345",
	}
}
