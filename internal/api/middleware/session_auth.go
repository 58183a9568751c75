// session_auth.go — аутентификация клиентов по токену сессии.
// Сессии выдаёт внешняя служба аутентификации Nextania, CDN их только читает.
package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	apierrors "github.com/nextania/cdn/internal/api/errors"
	"github.com/nextania/cdn/internal/repository"
)

// ContextKeyUserID — ID пользователя из сессии.
const ContextKeyUserID contextKey = "session_user_id"

var authFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "cdn_auth_failures_total",
	Help: "Отклонённые запросы с токеном сессии (по причине).",
}, []string{"reason"})

// SessionAuth — проверка токена сессии.
type SessionAuth struct {
	sessions repository.SessionRepository
	timeout  time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// NewSessionAuth создаёт middleware аутентификации по сессии.
// timeout ограничивает обращение к хранилищу сессий.
func NewSessionAuth(sessions repository.SessionRepository, timeout time.Duration, logger *slog.Logger) *SessionAuth {
	return &SessionAuth{
		sessions: sessions,
		timeout:  timeout,
		now:      time.Now,
		logger:   logger.With(slog.String("component", "session_auth")),
	}
}

// Middleware пропускает запрос дальше, только если токен соответствует
// действующей сессии. ID пользователя помещается в контекст.
// Заголовок: "Authorization: <token>" или "Authorization: Bearer <token>".
func (a *SessionAuth) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := tokenFromHeader(r.Header.Get("Authorization"))
			if token == "" {
				authFailuresTotal.WithLabelValues("missing").Inc()
				apierrors.Unauthorized(w, apierrors.MsgAuthorizationRequired)
				return
			}

			ctx, cancel := context.WithTimeout(r.Context(), a.timeout)
			session, err := a.sessions.FindByToken(ctx, token)
			cancel()

			switch {
			case errors.Is(err, repository.ErrNotFound):
				authFailuresTotal.WithLabelValues("unknown").Inc()
				apierrors.Unauthorized(w, apierrors.MsgInvalidToken)
				return
			case err != nil:
				a.logger.Error("Ошибка чтения сессии",
					slog.String("error", err.Error()),
				)
				authFailuresTotal.WithLabelValues("store_error").Inc()
				apierrors.Unauthorized(w, apierrors.MsgInvalidToken)
				return
			case session.Expired(a.now()):
				authFailuresTotal.WithLabelValues("expired").Inc()
				apierrors.Unauthorized(w, apierrors.MsgInvalidToken)
				return
			}

			ctx = context.WithValue(r.Context(), ContextKeyUserID, session.UserID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// tokenFromHeader извлекает токен: схема Bearer необязательна.
func tokenFromHeader(header string) string {
	header = strings.TrimSpace(header)
	if scheme, rest, ok := strings.Cut(header, " "); ok && strings.EqualFold(scheme, "Bearer") {
		return strings.TrimSpace(rest)
	}
	return header
}

// UserIDFromContext извлекает ID пользователя сессии из контекста.
func UserIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ContextKeyUserID).(string)
	return id
}
