// Пакет config — загрузка и валидация конфигурации DropSafe
// из переменных окружения.
package config

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/arturkryukov/dropsafe/internal/crypto"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Config содержит все параметры конфигурации DropSafe.
type Config struct {
	// Порт HTTP-сервера
	Port int
	// Путь к директории хранения зашифрованных артефактов
	DataDir string

	// Параметры подключения к PostgreSQL
	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string
	DBSSLMode  string

	// Ключ шифрования AES-256 (32 байта), загружается из hex-строки.
	// Процесс не стартует с ключом неверной длины.
	EncryptionKey []byte

	// Максимальный размер загружаемого файла в байтах
	MaxFileSize int64
	// Порог выбора буферной/потоковой расшифровки при отдаче
	StreamThreshold int64
	// Потолок длительности одного decrypt-and-stream ответа
	StreamTimeout time.Duration
	// Интервал фоновой сверки артефактов и метаданных
	IntegrityInterval time.Duration

	// URL JWKS endpoint провайдера идентичности
	JWKSUrl string
	// Путь к CA-сертификату для проверки TLS JWKS endpoint (опционально)
	JWKSCACert string
	// Допустимое отклонение времени при проверке JWT
	JWTLeeway time.Duration

	// Размер LRU-кэша метаданных
	CacheSize int
	// TTL записи кэша метаданных
	CacheTTL time.Duration

	// Имя экземпляра в графе зависимостей (topologymetrics)
	InstanceName string
	// Группа экземпляра в графе зависимостей
	DephealthGroup string
	// Интервал проверки зависимостей
	DephealthCheckInterval time.Duration

	// Путь к TLS сертификату (опционально)
	TLSCert string
	// Путь к TLS приватному ключу (опционально)
	TLSKey string

	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string

	// Таймаут graceful shutdown HTTP-сервера
	ShutdownTimeout time.Duration
}

// Load загружает конфигурацию из переменных окружения, валидирует
// обязательные поля и возвращает Config или ошибку.
func Load() (*Config, error) {
	cfg := &Config{}

	// DS_PORT — порт HTTP-сервера (по умолчанию 8020)
	port, err := getEnvInt("DS_PORT", 8020)
	if err != nil {
		return nil, fmt.Errorf("DS_PORT: %w", err)
	}
	if port < 1 || port > 65535 {
		return nil, fmt.Errorf("DS_PORT: значение %d вне диапазона 1-65535", port)
	}
	cfg.Port = port

	// DS_DATA_DIR — обязательный
	cfg.DataDir, err = getEnvRequired("DS_DATA_DIR")
	if err != nil {
		return nil, err
	}

	// DS_DB_* — подключение к PostgreSQL
	cfg.DBHost, err = getEnvRequired("DS_DB_HOST")
	if err != nil {
		return nil, err
	}
	cfg.DBPort, err = getEnvInt("DS_DB_PORT", 5432)
	if err != nil {
		return nil, fmt.Errorf("DS_DB_PORT: %w", err)
	}
	cfg.DBName, err = getEnvRequired("DS_DB_NAME")
	if err != nil {
		return nil, err
	}
	cfg.DBUser, err = getEnvRequired("DS_DB_USER")
	if err != nil {
		return nil, err
	}
	cfg.DBPassword, err = getEnvRequired("DS_DB_PASSWORD")
	if err != nil {
		return nil, err
	}
	cfg.DBSSLMode = getEnvDefault("DS_DB_SSL_MODE", "disable")

	// DS_ENCRYPTION_KEY — обязательный, 64 hex-символа (32 байта).
	// Fail fast: неверная длина ключа останавливает процесс на старте.
	keyHex, err := getEnvRequired("DS_ENCRYPTION_KEY")
	if err != nil {
		return nil, err
	}
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("DS_ENCRYPTION_KEY: некорректная hex-строка: %w", err)
	}
	if len(key) != crypto.KeySize {
		return nil, fmt.Errorf("DS_ENCRYPTION_KEY: требуется %d байт (64 hex-символа), получено %d байт",
			crypto.KeySize, len(key))
	}
	cfg.EncryptionKey = key

	// DS_MAX_FILE_SIZE — максимальный размер файла (по умолчанию 50 MiB)
	cfg.MaxFileSize, err = getEnvInt64("DS_MAX_FILE_SIZE", 50*1024*1024)
	if err != nil {
		return nil, fmt.Errorf("DS_MAX_FILE_SIZE: %w", err)
	}
	if cfg.MaxFileSize <= 0 {
		return nil, fmt.Errorf("DS_MAX_FILE_SIZE: значение должно быть положительным")
	}

	// DS_STREAM_THRESHOLD — порог буферной/потоковой отдачи (по умолчанию 10 MiB)
	cfg.StreamThreshold, err = getEnvInt64("DS_STREAM_THRESHOLD", 10*1024*1024)
	if err != nil {
		return nil, fmt.Errorf("DS_STREAM_THRESHOLD: %w", err)
	}
	if cfg.StreamThreshold <= 0 {
		return nil, fmt.Errorf("DS_STREAM_THRESHOLD: значение должно быть положительным")
	}

	// DS_STREAM_TIMEOUT — потолок одного decrypt-and-stream ответа (по умолчанию 30s)
	cfg.StreamTimeout, err = getEnvDuration("DS_STREAM_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("DS_STREAM_TIMEOUT: %w", err)
	}

	// DS_INTEGRITY_INTERVAL — интервал фоновой сверки (по умолчанию 1h)
	cfg.IntegrityInterval, err = getEnvDuration("DS_INTEGRITY_INTERVAL", time.Hour)
	if err != nil {
		return nil, fmt.Errorf("DS_INTEGRITY_INTERVAL: %w", err)
	}

	// DS_JWKS_URL — обязательный
	cfg.JWKSUrl, err = getEnvRequired("DS_JWKS_URL")
	if err != nil {
		return nil, err
	}

	// DS_JWKS_CA_CERT — путь к CA-сертификату для JWKS endpoint (опционально)
	cfg.JWKSCACert = getEnvDefault("DS_JWKS_CA_CERT", "")

	// DS_JWT_LEEWAY — допуск проверки exp/nbf (по умолчанию 30s)
	cfg.JWTLeeway, err = getEnvDuration("DS_JWT_LEEWAY", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("DS_JWT_LEEWAY: %w", err)
	}

	// DS_CACHE_SIZE — размер LRU-кэша метаданных (по умолчанию 1024)
	cacheSize, err := getEnvInt("DS_CACHE_SIZE", 1024)
	if err != nil {
		return nil, fmt.Errorf("DS_CACHE_SIZE: %w", err)
	}
	if cacheSize <= 0 {
		return nil, fmt.Errorf("DS_CACHE_SIZE: значение должно быть положительным")
	}
	cfg.CacheSize = cacheSize

	// DS_CACHE_TTL — TTL записи кэша (по умолчанию 5m)
	cfg.CacheTTL, err = getEnvDuration("DS_CACHE_TTL", 5*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("DS_CACHE_TTL: %w", err)
	}

	// DS_INSTANCE_NAME / DS_DEPHEALTH_GROUP — вершина графа зависимостей
	cfg.InstanceName = getEnvDefault("DS_INSTANCE_NAME", "dropsafe")
	cfg.DephealthGroup = getEnvDefault("DS_DEPHEALTH_GROUP", "dropsafe")

	// DS_DEPHEALTH_CHECK_INTERVAL — интервал проверки зависимостей (по умолчанию 30s)
	cfg.DephealthCheckInterval, err = getEnvDuration("DS_DEPHEALTH_CHECK_INTERVAL", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("DS_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}

	// DS_TLS_CERT / DS_TLS_KEY — опциональные
	cfg.TLSCert = getEnvDefault("DS_TLS_CERT", "")
	cfg.TLSKey = getEnvDefault("DS_TLS_KEY", "")

	// DS_LOG_LEVEL — уровень логирования (по умолчанию info)
	cfg.LogLevel, err = parseLogLevel(getEnvDefault("DS_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("DS_LOG_LEVEL: %w", err)
	}

	// DS_LOG_FORMAT — формат логов (по умолчанию json)
	cfg.LogFormat = getEnvDefault("DS_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("DS_LOG_FORMAT: недопустимое значение %q, допустимые: json, text", cfg.LogFormat)
	}

	// DS_SHUTDOWN_TIMEOUT — таймаут graceful shutdown (по умолчанию 5s)
	cfg.ShutdownTimeout, err = getEnvDuration("DS_SHUTDOWN_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("DS_SHUTDOWN_TIMEOUT: %w", err)
	}

	return cfg, nil
}

// DatabaseDSN формирует DSN для подключения pgx к PostgreSQL.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode)
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

// getEnvInt64 возвращает int64 значение переменной окружения или значение по умолчанию.
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
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 5m, 1h)", val)
	}
	return d, nil
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
