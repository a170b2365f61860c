// Пакет database — PostgreSQL-слой DropSafe: пул подключений pgxpool,
// embedded-миграции схемы files (golang-migrate) и проверка готовности
// для /health/ready.
package database

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/arturkryukov/dropsafe/internal/config"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// readinessPingTimeout — потолок ping-а БД в readiness-проверке.
const readinessPingTimeout = 3 * time.Second

// Connect создаёт пул подключений к базе метаданных и проверяет её
// доступность ping-ом. Пул закрывает вызывающая сторона.
func Connect(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseDSN())
	if err != nil {
		return nil, fmt.Errorf("разбор DSN базы метаданных: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("создание пула подключений: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("база метаданных недоступна: %w", err)
	}

	logger.Info("База метаданных подключена",
		slog.String("host", cfg.DBHost),
		slog.Int("port", cfg.DBPort),
		slog.String("database", cfg.DBName),
		slog.String("sslmode", cfg.DBSSLMode),
	)
	return pool, nil
}

// migrationURL строит URL подключения для golang-migrate (драйвер pgx5).
// Логин и пароль экранируются: спецсимволы в пароле не ломают URL.
func migrationURL(cfg *config.Config) string {
	u := url.URL{
		Scheme:   "pgx5",
		User:     url.UserPassword(cfg.DBUser, cfg.DBPassword),
		Host:     cfg.DBHost + ":" + strconv.Itoa(cfg.DBPort),
		Path:     "/" + cfg.DBName,
		RawQuery: "sslmode=" + url.QueryEscape(cfg.DBSSLMode),
	}
	return u.String()
}

// Migrate приводит схему files к актуальной версии, применяя
// embedded-миграции. Уже актуальная схема — не ошибка.
func Migrate(cfg *config.Config, logger *slog.Logger) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("источник миграций: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, migrationURL(cfg))
	if err != nil {
		return fmt.Errorf("инициализация миграций: %w", err)
	}
	defer m.Close()

	upErr := m.Up()
	version, dirty, _ := m.Version()

	switch {
	case errors.Is(upErr, migrate.ErrNoChange):
		logger.Info("Схема files актуальна", slog.Uint64("version", uint64(version)))
	case upErr != nil:
		return fmt.Errorf("применение миграций: %w", upErr)
	default:
		logger.Info("Миграции схемы files применены",
			slog.Uint64("version", uint64(version)),
			slog.Bool("dirty", dirty),
		)
	}
	return nil
}

// ReadinessChecker — проверка готовности базы метаданных
// для /health/ready. Реализует handlers.ReadinessChecker.
type ReadinessChecker struct {
	pool *pgxpool.Pool
}

// NewReadinessChecker создаёт проверку готовности базы метаданных.
func NewReadinessChecker(pool *pgxpool.Pool) *ReadinessChecker {
	return &ReadinessChecker{pool: pool}
}

// CheckReady выполняет ping базы метаданных с коротким таймаутом:
// зависший ping не должен блокировать readiness-ответ.
func (c *ReadinessChecker) CheckReady() (status string, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), readinessPingTimeout)
	defer cancel()

	if err := c.pool.Ping(ctx); err != nil {
		return "fail", fmt.Sprintf("база метаданных недоступна: %v", err)
	}
	return "ok", "подключение активно"
}
