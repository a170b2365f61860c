// Точка входа DropSafe — сервис зашифрованного хранения файлов.
// Загружает конфигурацию, применяет миграции, подключается к PostgreSQL,
// инициализирует шифрование, файловое хранилище и сервисный слой,
// запускает фоновые задачи (проверка целостности, topologymetrics),
// HTTP-сервер с JWT middleware и graceful shutdown.
package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/arturkryukov/dropsafe/internal/api/handlers"
	"github.com/arturkryukov/dropsafe/internal/api/middleware"
	"github.com/arturkryukov/dropsafe/internal/config"
	"github.com/arturkryukov/dropsafe/internal/crypto"
	"github.com/arturkryukov/dropsafe/internal/database"
	"github.com/arturkryukov/dropsafe/internal/repository"
	"github.com/arturkryukov/dropsafe/internal/server"
	"github.com/arturkryukov/dropsafe/internal/service"
	"github.com/arturkryukov/dropsafe/internal/storage/filestore"
)

func main() {
	// 1. Загрузка конфигурации из переменных окружения
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Ошибка загрузки конфигурации", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 2. Настройка логирования
	logger := config.SetupLogger(cfg)
	logger.Info("DropSafe запускается",
		slog.String("version", config.Version),
		slog.Int("port", cfg.Port),
		slog.String("data_dir", cfg.DataDir),
	)

	if os.Getenv("DS_DEPHEALTH_GROUP") == "" {
		logger.Warn("DS_DEPHEALTH_GROUP не задана, используется значение по умолчанию",
			slog.String("default", cfg.DephealthGroup),
		)
	}

	// 3. Применение миграций БД
	logger.Info("Применение миграций БД...")
	if err := database.Migrate(cfg, logger); err != nil {
		logger.Error("Ошибка миграций БД", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 4. Подключение к PostgreSQL (pgxpool)
	ctx := context.Background()
	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		logger.Error("Ошибка подключения к PostgreSQL", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer pool.Close()

	// 5. Шифрование: ключ уже валидирован в config.Load
	cipher, err := crypto.New(cfg.EncryptionKey)
	if err != nil {
		logger.Error("Ошибка инициализации шифрования", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 6. Файловое хранилище артефактов
	store, err := filestore.New(cfg.DataDir)
	if err != nil {
		logger.Error("Ошибка инициализации файлового хранилища",
			slog.String("data_dir", cfg.DataDir),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	// 7. Repository и кэш метаданных
	fileRepo := repository.NewFileRepository(pool)
	cache := service.NewCacheService(cfg.CacheSize, cfg.CacheTTL)

	// 8. Сервисный слой
	uploadSvc := service.NewUploadService(cfg, cipher, store, fileRepo, logger)
	downloadSvc := service.NewDownloadService(cfg, cipher, store, fileRepo, cache, logger)
	deleteSvc := service.NewDeleteService(cipher, store, fileRepo, cache, logger)
	listSvc := service.NewListService(cipher, fileRepo, logger)

	// 9. JWT middleware
	jwtAuth, err := middleware.NewJWTAuth(middleware.JWTAuthConfig{
		JWKSURL:         cfg.JWKSUrl,
		CACertPath:      cfg.JWKSCACert,
		ClientTimeout:   10 * time.Second,
		RefreshInterval: time.Hour,
		JWTLeeway:       cfg.JWTLeeway,
	}, logger)
	if err != nil {
		logger.Error("Ошибка создания JWT middleware", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("JWT middleware инициализирован", slog.String("jwks_url", cfg.JWKSUrl))

	// 10. Фоновая проверка целостности хранилища
	integritySvc := service.NewIntegrityService(store, fileRepo, cfg.IntegrityInterval, logger)
	integritySvc.Start(ctx)
	defer integritySvc.Stop()

	// 11. topologymetrics — мониторинг зависимостей (JWKS endpoint)
	dephealthSvc, dephealthErr := service.NewDephealthService(
		cfg.InstanceName,
		cfg.DephealthGroup,
		cfg.JWKSUrl,
		cfg.DephealthCheckInterval,
		logger,
	)
	if dephealthErr != nil {
		logger.Warn("topologymetrics недоступен, запуск без мониторинга зависимостей",
			slog.String("error", dephealthErr.Error()),
		)
	} else {
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

	// 12. API handlers
	filesHandler := handlers.NewFilesHandler(cfg, uploadSvc, downloadSvc, deleteSvc, listSvc)
	healthHandler := handlers.NewHealthHandler(cfg, database.NewReadinessChecker(pool))

	// 13. HTTP-сервер с graceful shutdown
	srv := server.New(cfg, logger, jwtAuth, filesHandler, healthHandler)
	if err := srv.Run(); err != nil {
		logger.Error("Ошибка HTTP-сервера", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("DropSafe остановлен")
}
