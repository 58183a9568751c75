// Пакет server — HTTP-сервер CDN с graceful shutdown.
// Без TLS — TLS termination на ingress.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/nextania/cdn/internal/api/handlers"
	"github.com/nextania/cdn/internal/api/middleware"
	"github.com/nextania/cdn/internal/config"
)

// Routes — обработчики и middleware аутентификации для роутера.
type Routes struct {
	Health  *handlers.HealthHandler
	Upload  *handlers.UploadHandler
	Files   *handlers.FilesHandler
	Preview *handlers.PreviewHandler
	// Internal — внутренний API; nil, если CDN_JWKS_URL не задан
	Internal *handlers.InternalHandler

	// SessionAuth — аутентификация клиентов (/api/*)
	SessionAuth func(http.Handler) http.Handler
	// ServiceAuth — JWT внутренних сервисов (/internal/*)
	ServiceAuth *middleware.JWTAuth
}

// NewRouter собирает маршруты CDN.
//
//	GET  /                           — информация о сервисе
//	GET  /health/live, /health/ready — probes
//	GET  /metrics                    — Prometheus
//	GET  /files/{id}                 — раздача по подписи
//	POST /api/upload                 — загрузка (сессия)
//	GET  /api/preview[/image]        — предпросмотр (сессия)
//	*    /internal/files/{id}...     — внутренний API (JWT + scope)
//	GET  /assets/*                   — статика из CDN_ASSETS_DIR
func NewRouter(cfg *config.Config, logger *slog.Logger, routes Routes) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestID())
	r.Use(middleware.RequestLogger(logger))
	r.Use(middleware.MetricsMiddleware())
	r.Use(middleware.CORS(cfg.CORSAllowedOrigins))

	r.Get("/", routes.Health.Root)
	r.Get("/health/live", routes.Health.HealthLive)
	r.Get("/health/ready", routes.Health.HealthReady)
	r.Get("/metrics", routes.Health.GetMetrics)

	r.Get("/files/{id}", routes.Files.Serve)
	r.Head("/files/{id}", routes.Files.Serve)

	r.Route("/api", func(api chi.Router) {
		api.Use(routes.SessionAuth)
		api.Post("/upload", routes.Upload.Upload)
		api.Get("/preview", routes.Preview.Link)
		api.Get("/preview/image", routes.Preview.Image)
	})

	if routes.Internal != nil && routes.ServiceAuth != nil {
		r.Route("/internal/files/{id}", func(in chi.Router) {
			in.Use(routes.ServiceAuth.Middleware())
			in.With(middleware.RequireScope(middleware.ScopeRead)).Get("/", routes.Internal.Get)
			in.With(middleware.RequireScope(middleware.ScopeLink)).Put("/link", routes.Internal.Link)
			in.With(middleware.RequireScope(middleware.ScopeLink)).Delete("/link", routes.Internal.Unlink)
			in.With(middleware.RequireScope(middleware.ScopeModerate)).Put("/hidden", routes.Internal.Hide)
			in.With(middleware.RequireScope(middleware.ScopeModerate)).Delete("/hidden", routes.Internal.Unhide)
			in.With(middleware.RequireScope(middleware.ScopeSign)).Post("/sign", routes.Internal.Sign)
		})
	} else {
		logger.Info("Внутренний API отключён: CDN_JWKS_URL не задан")
	}

	if info, err := os.Stat(cfg.AssetsDir); err == nil && info.IsDir() {
		r.Handle("/assets/*", http.StripPrefix("/assets/", http.FileServer(http.Dir(cfg.AssetsDir))))
		logger.Info("Раздача статики включена", slog.String("dir", cfg.AssetsDir))
	}

	return r
}

// Server — HTTP-сервер CDN.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	cfg        *config.Config
}

// New создаёт HTTP-сервер с готовым обработчиком.
func New(cfg *config.Config, logger *slog.Logger, handler http.Handler) *Server {
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      handler,
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
	}

	return &Server{
		httpServer: srv,
		logger:     logger,
		cfg:        cfg,
	}
}

// Run запускает сервер и ожидает сигнала завершения (SIGINT, SIGTERM).
// При получении сигнала выполняется graceful shutdown.
func (s *Server) Run() error {
	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("HTTP-сервер запущен",
			slog.String("addr", s.httpServer.Addr),
		)

		err := s.httpServer.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		s.logger.Info("Получен сигнал завершения", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("ошибка HTTP-сервера: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Выполняется graceful shutdown...")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("ошибка при graceful shutdown: %w", err)
	}

	s.logger.Info("HTTP-сервер остановлен")
	return nil
}
