// Точка входа CDN Nextania.
// Загружает конфигурацию, подключается к хранилищу метаданных (MongoDB
// или PostgreSQL) и объектному хранилищу, собирает сервисный слой,
// запускает очистку непривязанных файлов, topologymetrics и HTTP-сервер
// с graceful shutdown.
package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/stdlib"

	"github.com/nextania/cdn/internal/api/handlers"
	"github.com/nextania/cdn/internal/api/middleware"
	"github.com/nextania/cdn/internal/config"
	"github.com/nextania/cdn/internal/database"
	"github.com/nextania/cdn/internal/preview"
	"github.com/nextania/cdn/internal/repository"
	"github.com/nextania/cdn/internal/scanner"
	"github.com/nextania/cdn/internal/server"
	"github.com/nextania/cdn/internal/service"
	"github.com/nextania/cdn/internal/signature"
	"github.com/nextania/cdn/internal/storage/objectstore"
)

// metadataStores — репозитории и проверка готовности выбранного хранилища.
type metadataStores struct {
	files    repository.FileRepository
	sessions repository.SessionRepository
	checker  handlers.ReadinessChecker
	// pgDB — адаптер пула для topologymetrics; nil для MongoDB
	pgDB  *sql.DB
	close func()
}

func main() {
	// 1. Загрузка конфигурации из переменных окружения
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Ошибка загрузки конфигурации", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 2. Настройка логирования
	logger := config.SetupLogger(cfg)
	logger.Info("CDN запускается",
		slog.String("version", config.Version),
		slog.Int("port", cfg.Port),
		slog.String("metadata_store", cfg.MetadataStore),
	)

	if os.Getenv("CDN_DEPHEALTH_GROUP") == "" {
		logger.Warn("CDN_DEPHEALTH_GROUP не задана, используется значение по умолчанию",
			slog.String("default", cfg.DephealthGroup),
		)
	}

	ctx := context.Background()

	// 3. Хранилище метаданных
	stores, err := openMetadataStores(ctx, cfg, logger)
	if err != nil {
		logger.Error("Ошибка подключения к хранилищу метаданных", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer stores.close()

	// 4. Объектное хранилище
	objects, err := objectstore.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("Ошибка инициализации объектного хранилища", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 5. Антивирус (опционально). Интерфейсы остаются nil без типа,
	// иначе проверки nil внутри сервисов не сработают.
	var (
		fileScanner   service.Scanner
		scannerHealth handlers.ReadinessChecker
	)
	if cfg.ClamAVEnabled {
		clam := scanner.NewClamAV(cfg.ClamAVHost, cfg.ClamAVPort, cfg.ClamAVTimeout, logger)
		fileScanner = clam
		scannerHealth = clam
		logger.Info("Антивирусная проверка включена",
			slog.String("host", cfg.ClamAVHost),
			slog.Int("port", cfg.ClamAVPort),
		)
	} else {
		logger.Warn("Антивирусная проверка отключена (CDN_CLAMAV_ENABLED=false)")
	}

	// 6. Сервисы
	codec := signature.Default
	uploadSvc := service.NewUploadService(
		stores.files, objects, fileScanner, codec,
		cfg.MaxUploadSize, cfg.StoreTimeout,
		logger,
	)
	retrievalSvc := service.NewRetrievalService(
		stores.files, objects, codec,
		cfg.SignatureExpiry, cfg.StoreTimeout,
		logger,
	)
	linkSvc := service.NewLinkService(stores.files, codec, cfg.StoreTimeout, logger)
	previewSvc := preview.NewService(preview.Options{
		Timeout:   cfg.PreviewTimeout,
		UserAgent: cfg.PreviewUserAgent,
		CacheSize: cfg.PreviewCacheSize,
		CacheTTL:  cfg.PreviewCacheTTL,
	}, logger)

	// 7. Фоновая очистка непривязанных файлов
	lifecycle := service.NewLifecycleReconciler(
		stores.files, objects,
		cfg.FileTimeout, cfg.CleanupInterval, cfg.CleanupBatchSize, cfg.StoreTimeout,
		logger,
	)
	lifecycle.Start(ctx)
	defer lifecycle.Stop()

	// 8. topologymetrics — мониторинг зависимостей
	dephealthSvc, dephealthErr := service.NewDephealthService(service.DephealthConfig{
		ServiceID:             "cdn",
		Group:                 cfg.DephealthGroup,
		DB:                    stores.pgDB,
		PgURL:                 cfg.DatabaseDSN(),
		ObjectStoreURL:        cfg.S3Endpoint,
		ObjectStoreHealthPath: cfg.S3HealthPath,
		JWKSURL:               cfg.JWKSURL,
		CheckInterval:         cfg.DephealthCheckInterval,
	}, logger)
	switch {
	case errors.Is(dephealthErr, service.ErrNoDependencies):
		logger.Info("topologymetrics не запущен: нет зависимостей для мониторинга")
	case dephealthErr != nil:
		logger.Warn("topologymetrics недоступен, запуск без мониторинга зависимостей",
			slog.String("error", dephealthErr.Error()),
		)
	default:
		if startErr := dephealthSvc.Start(ctx); startErr != nil {
			logger.Warn("Ошибка запуска topologymetrics",
				slog.String("error", startErr.Error()),
			)
		} else {
			defer dephealthSvc.Stop()
			logger.Info("topologymetrics запущен",
				slog.String("group", cfg.DephealthGroup),
				slog.String("check_interval", cfg.DephealthCheckInterval.String()),
			)
		}
	}

	// 9. Аутентификация
	routes := server.Routes{
		Health: handlers.NewHealthHandler(
			stores.checker,
			objectstore.NewReadinessChecker(objects, cfg.StoreTimeout),
			scannerHealth,
		),
		Upload:      handlers.NewUploadHandler(uploadSvc, logger),
		Files:       handlers.NewFilesHandler(retrievalSvc, logger),
		Preview:     handlers.NewPreviewHandler(previewSvc, logger),
		SessionAuth: middleware.NewSessionAuth(stores.sessions, cfg.StoreTimeout, logger).Middleware(),
	}

	if cfg.JWKSURL != "" {
		jwtAuth, err := middleware.NewJWTAuth(middleware.JWTAuthConfig{
			JWKSURL:         cfg.JWKSURL,
			ClientTimeout:   cfg.JWKSClientTimeout,
			RefreshInterval: cfg.JWKSRefreshInterval,
			JWTLeeway:       cfg.JWTLeeway,
		}, logger)
		if err != nil {
			logger.Error("Ошибка создания JWT middleware", slog.String("error", err.Error()))
			os.Exit(1)
		}
		routes.ServiceAuth = jwtAuth
		routes.Internal = handlers.NewInternalHandler(linkSvc, logger)
		logger.Info("JWT middleware инициализирован", slog.String("jwks_url", cfg.JWKSURL))
	}

	// 10. HTTP-сервер (блокирующий вызов с graceful shutdown)
	srv := server.New(cfg, logger, server.NewRouter(cfg, logger, routes))
	if err := srv.Run(); err != nil {
		logger.Error("Ошибка сервера", slog.String("error", err.Error()))
		// defer не выполняются после os.Exit
		lifecycle.Stop()
		stores.close()
		os.Exit(1)
	}

	logger.Info("CDN остановлен")
}

// openMetadataStores подключает хранилище, выбранное CDN_METADATA_STORE.
func openMetadataStores(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*metadataStores, error) {
	if cfg.MetadataStore == config.MetadataStorePostgres {
		logger.Info("Применение миграций БД...")
		if err := database.Migrate(cfg, logger); err != nil {
			return nil, err
		}

		pool, err := database.Connect(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		// Проверка здоровья PostgreSQL в topologymetrics идёт через этот же пул.
		pgDB := stdlib.OpenDBFromPool(pool)

		return &metadataStores{
			files:    repository.NewPgFileRepository(pool, logger),
			sessions: repository.NewPgSessionRepository(pool),
			checker:  database.NewPgReadinessChecker(pool),
			pgDB:     pgDB,
			close: func() {
				_ = pgDB.Close()
				pool.Close()
			},
		}, nil
	}

	mongoStores, err := database.ConnectMongo(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	if err := mongoStores.EnsureIndexes(ctx, logger); err != nil {
		_ = mongoStores.Disconnect(ctx)
		return nil, err
	}

	return &metadataStores{
		files:    repository.NewMongoFileRepository(mongoStores.Files, logger),
		sessions: repository.NewMongoSessionRepository(mongoStores.Sessions),
		checker:  database.NewMongoReadinessChecker(mongoStores.Client),
		close: func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			defer cancel()
			if err := mongoStores.Disconnect(shutdownCtx); err != nil {
				logger.Warn("Ошибка отключения от MongoDB", slog.String("error", err.Error()))
			}
		},
	}, nil
}
