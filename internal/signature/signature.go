// Пакет signature — подписанные ссылки на файлы.
//
// Подпись = hex(HMAC-SHA256(key, be64(timestamp) || fileID)), где key —
// индивидуальный секрет файла. Ссылка действительна в окне
// [timestamp, timestamp+expiry] и отклоняется, если timestamp
// опережает часы сервера более чем на MaxClockSkew.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"net/url"
	"strconv"
	"time"
)

// MaxClockSkew — допустимое опережение timestamp относительно часов сервера.
const MaxClockSkew = 60 * time.Second

// Codec генерирует и проверяет подписи. Часы подменяются в тестах.
type Codec struct {
	now func() time.Time
}

// Default — кодек на системных часах.
var Default = NewCodec(time.Now)

// NewCodec создаёт кодек с заданным источником времени.
func NewCodec(now func() time.Time) *Codec {
	if now == nil {
		now = time.Now
	}
	return &Codec{now: now}
}

// Generate подписывает fileID текущим временем.
// Возвращает hex-подпись и timestamp в секундах Unix.
func (c *Codec) Generate(fileID, secretKey string) (string, int64) {
	ts := c.now().Unix()
	return hex.EncodeToString(mac(fileID, secretKey, uint64(ts))), ts
}

// Verify проверяет подпись. Любой некорректный вход даёт false.
func (c *Codec) Verify(fileID, secretKey, signature string, timestamp int64, expiry time.Duration) bool {
	if timestamp < 0 || signature == "" {
		return false
	}

	now := c.now().Unix()
	expirySeconds := int64(expiry / time.Second)
	if now-timestamp > expirySeconds {
		return false
	}
	if timestamp-now > int64(MaxClockSkew/time.Second) {
		return false
	}

	got, err := hex.DecodeString(signature)
	if err != nil || len(got) != sha256.Size {
		return false
	}

	return hmac.Equal(got, mac(fileID, secretKey, uint64(timestamp)))
}

func mac(fileID, secretKey string, ts uint64) []byte {
	h := hmac.New(sha256.New, []byte(secretKey))
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], ts)
	h.Write(buf[:])
	h.Write([]byte(fileID))
	return h.Sum(nil)
}

// Generate подписывает fileID кодеком по умолчанию.
func Generate(fileID, secretKey string) (string, int64) {
	return Default.Generate(fileID, secretKey)
}

// Verify проверяет подпись кодеком по умолчанию.
func Verify(fileID, secretKey, signature string, timestamp int64, expiry time.Duration) bool {
	return Default.Verify(fileID, secretKey, signature, timestamp, expiry)
}

// ParseTimestamp разбирает параметр timestamp (десятичные секунды без знака).
func ParseTimestamp(raw string) (int64, bool) {
	if raw == "" {
		return 0, false
	}
	ts, err := strconv.ParseUint(raw, 10, 63)
	if err != nil {
		return 0, false
	}
	return int64(ts), true
}

// ServeURL строит относительный URL отдачи файла.
func ServeURL(fileID, signature string, timestamp int64) string {
	q := url.Values{}
	q.Set("signature", signature)
	q.Set("timestamp", strconv.FormatInt(timestamp, 10))
	return "/files/" + url.PathEscape(fileID) + "?" + q.Encode()
}
