package model

import "time"

// secondsThreshold — граница между секундами и миллисекундами для expires_at.
// 1e11 мс — это 1973 год, 1e11 с — 5138 год, поэтому меньшие значения
// однозначно записаны в секундах.
const secondsThreshold = 100_000_000_000

// Session — сессия пользователя, созданная службой аутентификации.
// CDN только читает сессии.
type Session struct {
	ID           string
	Token        string
	FriendlyName string
	UserID       string
	// ExpiresAt — момент истечения в Unix-миллисекундах (значения в секундах
	// тоже принимаются), 0 — бессрочно.
	ExpiresAt int64
}

// ExpiresAtTime возвращает момент истечения и false для бессрочной сессии.
func (s *Session) ExpiresAtTime() (time.Time, bool) {
	switch {
	case s.ExpiresAt <= 0:
		return time.Time{}, false
	case s.ExpiresAt < secondsThreshold:
		return time.Unix(s.ExpiresAt, 0), true
	default:
		return time.UnixMilli(s.ExpiresAt), true
	}
}

// Expired сообщает, истекла ли сессия к моменту now.
func (s *Session) Expired(now time.Time) bool {
	at, ok := s.ExpiresAtTime()
	return ok && !at.After(now)
}
