package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testFileID = "01HZY3Q4V6K8M9N0P1R2S3T4U5"
	testKey    = "abcdefghijklmnopqrstuvwxyz012345"
	expiry     = time.Hour
)

func fixedClock(sec int64) func() time.Time {
	return func() time.Time { return time.Unix(sec, 0) }
}

func TestGenerate_KnownVector(t *testing.T) {
	codec := NewCodec(fixedClock(1_700_000_000))

	sig, ts := codec.Generate(testFileID, testKey)
	require.Equal(t, int64(1_700_000_000), ts)

	h := hmac.New(sha256.New, []byte(testKey))
	h.Write([]byte{0, 0, 0, 0, 0x65, 0x53, 0xf1, 0x00})
	h.Write([]byte(testFileID))
	assert.Equal(t, hex.EncodeToString(h.Sum(nil)), sig)
	assert.Len(t, sig, 64)
	assert.Equal(t, strings.ToLower(sig), sig)
}

func TestVerify_RoundTrip(t *testing.T) {
	codec := NewCodec(fixedClock(1_700_000_000))
	sig, ts := codec.Generate(testFileID, testKey)

	assert.True(t, codec.Verify(testFileID, testKey, sig, ts, expiry))
}

func TestVerify_Window(t *testing.T) {
	const issued = int64(1_700_000_000)
	sig, ts := NewCodec(fixedClock(issued)).Generate(testFileID, testKey)

	tests := []struct {
		name string
		now  int64
		want bool
	}{
		{"сразу после выдачи", issued, true},
		{"ровно на границе окна", issued + 3600, true},
		{"через секунду после окна", issued + 3601, false},
		{"часы сервера отстают на 60с", issued - 60, true},
		{"часы сервера отстают на 61с", issued - 61, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			codec := NewCodec(fixedClock(tt.now))
			assert.Equal(t, tt.want, codec.Verify(testFileID, testKey, sig, ts, expiry))
		})
	}
}

func TestVerify_Tampering(t *testing.T) {
	codec := NewCodec(fixedClock(1_700_000_000))
	sig, ts := codec.Generate(testFileID, testKey)

	assert.False(t, codec.Verify("other-file", testKey, sig, ts, expiry), "чужой fileID")
	assert.False(t, codec.Verify(testFileID, "другой-ключ", sig, ts, expiry), "чужой ключ")
	assert.False(t, codec.Verify(testFileID, testKey, sig, ts-1, expiry), "изменённый timestamp")

	flipped := []byte(sig)
	if flipped[0] == 'a' {
		flipped[0] = 'b'
	} else {
		flipped[0] = 'a'
	}
	assert.False(t, codec.Verify(testFileID, testKey, string(flipped), ts, expiry), "изменённая подпись")
}

func TestVerify_MalformedInput(t *testing.T) {
	codec := NewCodec(fixedClock(1_700_000_000))
	sig, ts := codec.Generate(testFileID, testKey)

	cases := map[string]string{
		"пустая":            "",
		"не hex":            "zz" + sig[2:],
		"нечётная длина":    sig[:63],
		"короткая":          sig[:32],
		"длинная":           sig + "00",
		"верхний регистр ok": strings.ToUpper(sig),
	}
	for name, s := range cases {
		t.Run(name, func(t *testing.T) {
			require.NotPanics(t, func() {
				got := codec.Verify(testFileID, testKey, s, ts, expiry)
				// hex.DecodeString принимает оба регистра
				if name == "верхний регистр ok" {
					assert.True(t, got)
				} else {
					assert.False(t, got)
				}
			})
		})
	}

	assert.False(t, codec.Verify(testFileID, testKey, sig, -1, expiry), "отрицательный timestamp")
	assert.NotPanics(t, func() {
		codec.Verify(testFileID, testKey, sig, 1<<62, expiry)
	})
}

func TestParseTimestamp(t *testing.T) {
	ts, ok := ParseTimestamp("1700000000")
	assert.True(t, ok)
	assert.Equal(t, int64(1_700_000_000), ts)

	for _, raw := range []string{"", "-5", "abc", "1.5", "99999999999999999999"} {
		_, ok := ParseTimestamp(raw)
		assert.False(t, ok, "ParseTimestamp(%q)", raw)
	}
}

func TestServeURL(t *testing.T) {
	assert.Equal(t,
		"/files/abc?signature=deadbeef&timestamp=42",
		ServeURL("abc", "deadbeef", 42),
	)
}
