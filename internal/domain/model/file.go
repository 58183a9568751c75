// Пакет model — доменные модели CDN.
// FileRecord — метаданные загруженного файла, Session — сессия пользователя,
// выданная внешней службой аутентификации.
package model

import (
	"crypto/rand"
	"fmt"
	"time"
)

// SigningKeyLength — длина секретного ключа подписи файла.
const SigningKeyLength = 32

const signingKeyAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// FileRecord — запись о файле в хранилище метаданных.
// Объект с тем же ID лежит в объектном хранилище.
type FileRecord struct {
	// ID — ULID файла, он же ключ объекта
	ID string
	// Name — исходное имя файла (опционально)
	Name *string
	// ContentType — MIME-тип
	ContentType string
	// Size — размер в байтах
	Size int64
	// UploadedAt — время загрузки (UTC)
	UploadedAt time.Time
	// UserID — владелец (из сессии загрузившего)
	UserID string
	// SigningKey — секрет для подписи ссылок. Клиентам не отдаётся.
	SigningKey string
	// Linked — файл привязан к сущности-владельцу и не подлежит очистке
	Linked bool
	// LinkedAt — время последнего изменения привязки
	LinkedAt *time.Time
	// Hidden — файл скрыт модерацией
	Hidden bool
}

// NewFileRecord создаёт запись для только что загруженного файла:
// непривязанную, видимую, со свежим ключом подписи.
func NewFileRecord(id string, name *string, contentType string, size int64, userID string) (*FileRecord, error) {
	key, err := GenerateSigningKey()
	if err != nil {
		return nil, err
	}
	return &FileRecord{
		ID:          id,
		Name:        name,
		ContentType: contentType,
		Size:        size,
		UploadedAt:  time.Now().UTC(),
		UserID:      userID,
		SigningKey:  key,
	}, nil
}

// GenerateSigningKey возвращает 32 случайных символа [A-Za-z0-9] из crypto/rand.
func GenerateSigningKey() (string, error) {
	buf := make([]byte, SigningKeyLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("генерация ключа подписи: %w", err)
	}
	// 256 % 62 != 0, поэтому отбрасываем байты >= 248 для равномерности.
	const limit = 256 - 256%len(signingKeyAlphabet)
	out := make([]byte, 0, SigningKeyLength)
	for len(out) < SigningKeyLength {
		for _, b := range buf {
			if int(b) >= limit {
				continue
			}
			out = append(out, signingKeyAlphabet[int(b)%len(signingKeyAlphabet)])
			if len(out) == SigningKeyLength {
				break
			}
		}
		if len(out) < SigningKeyLength {
			if _, err := rand.Read(buf); err != nil {
				return "", fmt.Errorf("генерация ключа подписи: %w", err)
			}
		}
	}
	return string(out), nil
}

// ExpiryCutoff возвращает границу, раньше которой непривязанный файл считается мусором.
func ExpiryCutoff(now time.Time, timeout time.Duration) time.Time {
	return now.Add(-timeout)
}

// ExpiryEligible — предикат очистки:
// не привязан И (загружен раньше cutoff ИЛИ отвязан раньше cutoff).
func (f *FileRecord) ExpiryEligible(now time.Time, timeout time.Duration) bool {
	if f.Linked {
		return false
	}
	cutoff := ExpiryCutoff(now, timeout)
	if f.UploadedAt.Before(cutoff) {
		return true
	}
	return f.LinkedAt != nil && f.LinkedAt.Before(cutoff)
}

// DisplayName — имя для Content-Disposition: исходное имя или ID.
func (f *FileRecord) DisplayName() string {
	if f.Name != nil && *f.Name != "" {
		return *f.Name
	}
	return f.ID
}
