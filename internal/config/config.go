// Пакет config — загрузка и валидация конфигурации CDN
// из переменных окружения.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Поддерживаемые хранилища метаданных.
const (
	MetadataStoreMongo    = "mongo"
	MetadataStorePostgres = "postgres"
)

// Config содержит все параметры конфигурации CDN.
// Создаётся один раз при старте и далее только читается.
type Config struct {
	// --- Сервер ---

	// Порт HTTP-сервера
	Port int
	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string
	// Разрешённые CORS origins ("*" — любой)
	CORSAllowedOrigins []string
	// Каталог статических ресурсов (/assets)
	AssetsDir string

	// --- HTTP Server Timeouts ---

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	// Таймаут graceful shutdown
	ShutdownTimeout time.Duration

	// --- Хранилище метаданных ---

	// Тип хранилища: mongo или postgres
	MetadataStore string
	// Таймаут одного обращения к хранилищам (метаданные, сессии, объекты)
	StoreTimeout time.Duration

	// MongoDB
	MongoURI          string
	MongoDatabase     string
	MongoAuthDatabase string

	// PostgreSQL
	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string
	DBSSLMode  string

	// --- Объектное хранилище (S3-совместимое) ---

	S3Endpoint     string
	S3Region       string
	S3Bucket       string
	S3AccessKey    string
	S3SecretKey    string
	S3UsePathStyle bool
	// Путь health endpoint объектного хранилища для topologymetrics
	S3HealthPath string

	// --- Антивирус ---

	ClamAVEnabled bool
	ClamAVHost    string
	ClamAVPort    int
	ClamAVTimeout time.Duration

	// --- Подписи и жизненный цикл файлов ---

	// Окно действия подписанной ссылки
	SignatureExpiry time.Duration
	// Через сколько непривязанный файл считается мусором
	FileTimeout time.Duration
	// Период цикла очистки
	CleanupInterval time.Duration
	// Сколько кандидатов обрабатывается за один цикл очистки
	CleanupBatchSize int
	// Максимальный размер загружаемого файла в байтах
	MaxUploadSize int64

	// --- Предпросмотр ссылок ---

	PreviewTimeout   time.Duration
	PreviewUserAgent string
	PreviewCacheSize int
	PreviewCacheTTL  time.Duration

	// --- Внутренний API (JWT сервисов) ---

	// URL JWKS endpoint; пусто — внутренний API не монтируется
	JWKSURL             string
	JWTLeeway           time.Duration
	JWKSRefreshInterval time.Duration
	JWKSClientTimeout   time.Duration

	// --- topologymetrics ---

	DephealthCheckInterval time.Duration
	DephealthGroup         string
}

// Load загружает конфигурацию из переменных окружения.
// Возвращает ошибку, если обязательные переменные не заданы
// или значения некорректны.
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	// --- Сервер ---

	// CDN_PORT — порт HTTP-сервера (по умолчанию 8080)
	cfg.Port, err = getEnvInt("CDN_PORT", 8080)
	if err != nil {
		return nil, fmt.Errorf("CDN_PORT: %w", err)
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("CDN_PORT: значение %d вне диапазона 1-65535", cfg.Port)
	}

	cfg.LogLevel, err = parseLogLevel(getEnvDefault("CDN_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("CDN_LOG_LEVEL: %w", err)
	}

	cfg.LogFormat = getEnvDefault("CDN_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("CDN_LOG_FORMAT: недопустимый формат %q, допустимые: json, text", cfg.LogFormat)
	}

	cfg.CORSAllowedOrigins = splitList(getEnvDefault("CDN_CORS_ALLOWED_ORIGINS", "*"))
	cfg.AssetsDir = getEnvDefault("CDN_ASSETS_DIR", "./assets")

	// --- HTTP Server Timeouts ---

	if cfg.HTTPReadTimeout, err = getEnvDuration("CDN_HTTP_READ_TIMEOUT", 30*time.Second); err != nil {
		return nil, fmt.Errorf("CDN_HTTP_READ_TIMEOUT: %w", err)
	}
	if cfg.HTTPWriteTimeout, err = getEnvDuration("CDN_HTTP_WRITE_TIMEOUT", 120*time.Second); err != nil {
		return nil, fmt.Errorf("CDN_HTTP_WRITE_TIMEOUT: %w", err)
	}
	if cfg.HTTPIdleTimeout, err = getEnvDuration("CDN_HTTP_IDLE_TIMEOUT", 120*time.Second); err != nil {
		return nil, fmt.Errorf("CDN_HTTP_IDLE_TIMEOUT: %w", err)
	}
	if cfg.ShutdownTimeout, err = getEnvDuration("CDN_SHUTDOWN_TIMEOUT", 10*time.Second); err != nil {
		return nil, fmt.Errorf("CDN_SHUTDOWN_TIMEOUT: %w", err)
	}

	// --- Хранилище метаданных ---

	cfg.MetadataStore = strings.ToLower(getEnvDefault("CDN_METADATA_STORE", MetadataStoreMongo))
	if cfg.StoreTimeout, err = getEnvPositiveDuration("CDN_STORE_TIMEOUT", 10*time.Second); err != nil {
		return nil, fmt.Errorf("CDN_STORE_TIMEOUT: %w", err)
	}

	switch cfg.MetadataStore {
	case MetadataStoreMongo:
		if cfg.MongoURI, err = getEnvRequired("CDN_MONGODB_URI"); err != nil {
			return nil, err
		}
		if cfg.MongoDatabase, err = getEnvRequired("CDN_MONGODB_DATABASE"); err != nil {
			return nil, err
		}
		if cfg.MongoAuthDatabase, err = getEnvRequired("CDN_MONGODB_AUTH_DATABASE"); err != nil {
			return nil, err
		}
	case MetadataStorePostgres:
		if cfg.DBHost, err = getEnvRequired("CDN_DB_HOST"); err != nil {
			return nil, err
		}
		if cfg.DBPort, err = getEnvInt("CDN_DB_PORT", 5432); err != nil {
			return nil, fmt.Errorf("CDN_DB_PORT: %w", err)
		}
		if cfg.DBName, err = getEnvRequired("CDN_DB_NAME"); err != nil {
			return nil, err
		}
		if cfg.DBUser, err = getEnvRequired("CDN_DB_USER"); err != nil {
			return nil, err
		}
		cfg.DBPassword = os.Getenv("CDN_DB_PASSWORD")
		cfg.DBSSLMode = getEnvDefault("CDN_DB_SSL_MODE", "disable")
	default:
		return nil, fmt.Errorf("CDN_METADATA_STORE: недопустимое значение %q, допустимые: mongo, postgres", cfg.MetadataStore)
	}

	// --- Объектное хранилище ---

	cfg.S3Endpoint = getEnvDefault("CDN_S3_ENDPOINT", "")
	cfg.S3Region = getEnvDefault("CDN_S3_REGION", "us-east-1")
	if cfg.S3Bucket, err = getEnvRequired("CDN_S3_BUCKET"); err != nil {
		return nil, err
	}
	if cfg.S3AccessKey, err = getEnvRequired("CDN_S3_ACCESS_KEY"); err != nil {
		return nil, err
	}
	if cfg.S3SecretKey, err = getEnvRequired("CDN_S3_SECRET_KEY"); err != nil {
		return nil, err
	}
	if cfg.S3UsePathStyle, err = getEnvBool("CDN_S3_USE_PATH_STYLE", true); err != nil {
		return nil, fmt.Errorf("CDN_S3_USE_PATH_STYLE: %w", err)
	}
	cfg.S3HealthPath = getEnvDefault("CDN_S3_HEALTH_PATH", "/minio/health/live")
	if cfg.S3Endpoint != "" {
		if _, err := url.ParseRequestURI(cfg.S3Endpoint); err != nil {
			return nil, fmt.Errorf("CDN_S3_ENDPOINT: некорректный URL %q", cfg.S3Endpoint)
		}
	}

	// --- Антивирус ---

	if cfg.ClamAVEnabled, err = getEnvBool("CDN_CLAMAV_ENABLED", true); err != nil {
		return nil, fmt.Errorf("CDN_CLAMAV_ENABLED: %w", err)
	}
	cfg.ClamAVHost = getEnvDefault("CDN_CLAMAV_HOST", "127.0.0.1")
	if cfg.ClamAVPort, err = getEnvInt("CDN_CLAMAV_PORT", 3310); err != nil {
		return nil, fmt.Errorf("CDN_CLAMAV_PORT: %w", err)
	}
	if cfg.ClamAVTimeout, err = getEnvPositiveDuration("CDN_CLAMAV_TIMEOUT", 30*time.Second); err != nil {
		return nil, fmt.Errorf("CDN_CLAMAV_TIMEOUT: %w", err)
	}

	// --- Подписи и жизненный цикл ---

	expirySeconds, err := getEnvInt64("CDN_SIGNATURE_EXPIRY_SECONDS", 3600)
	if err != nil {
		return nil, fmt.Errorf("CDN_SIGNATURE_EXPIRY_SECONDS: %w", err)
	}
	if expirySeconds <= 0 {
		return nil, fmt.Errorf("CDN_SIGNATURE_EXPIRY_SECONDS: значение должно быть > 0")
	}
	cfg.SignatureExpiry = time.Duration(expirySeconds) * time.Second

	timeoutHours, err := getEnvInt64("CDN_FILE_TIMEOUT_HOURS", 3)
	if err != nil {
		return nil, fmt.Errorf("CDN_FILE_TIMEOUT_HOURS: %w", err)
	}
	if timeoutHours <= 0 {
		return nil, fmt.Errorf("CDN_FILE_TIMEOUT_HOURS: значение должно быть > 0")
	}
	cfg.FileTimeout = time.Duration(timeoutHours) * time.Hour

	if cfg.CleanupInterval, err = getEnvPositiveDuration("CDN_CLEANUP_INTERVAL", 30*time.Minute); err != nil {
		return nil, fmt.Errorf("CDN_CLEANUP_INTERVAL: %w", err)
	}

	if cfg.CleanupBatchSize, err = getEnvInt("CDN_CLEANUP_BATCH_SIZE", 1000); err != nil {
		return nil, fmt.Errorf("CDN_CLEANUP_BATCH_SIZE: %w", err)
	}
	if cfg.CleanupBatchSize <= 0 {
		return nil, fmt.Errorf("CDN_CLEANUP_BATCH_SIZE: значение должно быть > 0")
	}

	if cfg.MaxUploadSize, err = getEnvInt64("CDN_MAX_UPLOAD_SIZE", 25*1024*1024); err != nil {
		return nil, fmt.Errorf("CDN_MAX_UPLOAD_SIZE: %w", err)
	}
	if cfg.MaxUploadSize <= 0 {
		return nil, fmt.Errorf("CDN_MAX_UPLOAD_SIZE: значение должно быть > 0")
	}

	// --- Предпросмотр ---

	if cfg.PreviewTimeout, err = getEnvPositiveDuration("CDN_PREVIEW_TIMEOUT", 10*time.Second); err != nil {
		return nil, fmt.Errorf("CDN_PREVIEW_TIMEOUT: %w", err)
	}
	cfg.PreviewUserAgent = getEnvDefault("CDN_PREVIEW_USER_AGENT",
		"Mozilla/5.0 (X11; Linux x86_64; rv:140.0) Gecko/20100101 Firefox/140.0")
	if cfg.PreviewCacheSize, err = getEnvInt("CDN_PREVIEW_CACHE_SIZE", 512); err != nil {
		return nil, fmt.Errorf("CDN_PREVIEW_CACHE_SIZE: %w", err)
	}
	if cfg.PreviewCacheTTL, err = getEnvPositiveDuration("CDN_PREVIEW_CACHE_TTL", 10*time.Minute); err != nil {
		return nil, fmt.Errorf("CDN_PREVIEW_CACHE_TTL: %w", err)
	}

	// --- Внутренний API ---

	cfg.JWKSURL = getEnvDefault("CDN_JWKS_URL", "")
	if cfg.JWTLeeway, err = getEnvDuration("CDN_JWT_LEEWAY", 5*time.Second); err != nil {
		return nil, fmt.Errorf("CDN_JWT_LEEWAY: %w", err)
	}
	if cfg.JWKSRefreshInterval, err = getEnvPositiveDuration("CDN_JWKS_REFRESH_INTERVAL", 15*time.Minute); err != nil {
		return nil, fmt.Errorf("CDN_JWKS_REFRESH_INTERVAL: %w", err)
	}
	if cfg.JWKSClientTimeout, err = getEnvPositiveDuration("CDN_JWKS_CLIENT_TIMEOUT", 10*time.Second); err != nil {
		return nil, fmt.Errorf("CDN_JWKS_CLIENT_TIMEOUT: %w", err)
	}

	// --- topologymetrics ---

	if cfg.DephealthCheckInterval, err = getEnvPositiveDuration("CDN_DEPHEALTH_CHECK_INTERVAL", 15*time.Second); err != nil {
		return nil, fmt.Errorf("CDN_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}
	cfg.DephealthGroup = getEnvDefault("CDN_DEPHEALTH_GROUP", "nextania")

	return cfg, nil
}

// DatabaseDSN возвращает DSN для pgxpool.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf("postgres://%s@%s:%d/%s?sslmode=%s",
		c.dbUserInfo(), c.DBHost, c.DBPort, c.DBName, c.DBSSLMode)
}

// MigrateURL возвращает URL для golang-migrate (схема pgx5).
func (c *Config) MigrateURL() string {
	return fmt.Sprintf("pgx5://%s@%s:%d/%s?sslmode=%s",
		c.dbUserInfo(), c.DBHost, c.DBPort, c.DBName, c.DBSSLMode)
}

func (c *Config) dbUserInfo() string {
	if c.DBPassword == "" {
		return url.User(c.DBUser).String()
	}
	return url.UserPassword(c.DBUser, c.DBPassword).String()
}

// SetupLogger настраивает глобальный slog-логгер на основе конфигурации.
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// --- Вспомогательные функции ---

// getEnvRequired возвращает значение переменной окружения или ошибку, если она не задана.
func getEnvRequired(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("%s: обязательная переменная окружения не задана", key)
	}
	return val, nil
}

// getEnvDefault возвращает значение переменной окружения или значение по умолчанию.
func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

// getEnvInt возвращает целочисленное значение переменной окружения или значение по умолчанию.
func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvInt64 возвращает int64 из переменной окружения или значение по умолчанию.
func getEnvInt64(key string, defaultVal int64) (int64, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvDuration возвращает time.Duration из переменной окружения или значение по умолчанию.
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 1h, 15m)", val)
	}
	return d, nil
}

// getEnvPositiveDuration — как getEnvDuration, но значение обязано быть > 0.
func getEnvPositiveDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	d, err := getEnvDuration(key, defaultVal)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("значение должно быть > 0")
	}
	return d, nil
}

// getEnvBool возвращает булево значение переменной окружения или значение по умолчанию.
func getEnvBool(key string, defaultVal bool) (bool, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("некорректное булево значение: %q (допустимые: true, false, 1, 0)", val)
	}
	return b, nil
}

// splitList разбивает список через запятую, отбрасывая пустые элементы.
func splitList(val string) []string {
	var result []string
	for _, part := range strings.Split(val, ",") {
		if p := strings.TrimSpace(part); p != "" {
			result = append(result, p)
		}
	}
	return result
}

// parseLogLevel преобразует строку уровня логирования в slog.Level.
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("недопустимый уровень %q, допустимые: debug, info, warn, error", level)
	}
}
