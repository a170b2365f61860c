// integrity.go — сервис фоновой проверки целостности хранилища.
//
// Сверка сравнивает:
//   - Записи таблицы files с артефактами на диске
//   - Артефакты на диске с записями в БД
//   - Контрольные суммы артефактов (SHA-256 ciphertext)
//
// Обнаруживает проблемы:
//   - missing_artifact: запись в БД, но артефакта нет на диске
//   - orphaned_artifact: артефакт на диске без записи в БД
//   - checksum_mismatch: не совпадает checksum артефакта
//
// Сверка только фиксирует проблемы (лог + метрики), ничего не удаляет:
// решение об очистке принимает оператор.
// Запускается как горутина с периодическим тикером (DS_INTEGRITY_INTERVAL).
package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/arturkryukov/dropsafe/internal/repository"
	"github.com/arturkryukov/dropsafe/internal/storage/filestore"
)

// Prometheus метрики проверки целостности
var (
	// integrityRunsTotal — количество запусков проверки.
	integrityRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ds_integrity_runs_total",
		Help: "Общее количество запусков проверки целостности",
	})

	// integrityIssuesTotal — количество обнаруженных проблем по типу.
	integrityIssuesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ds_integrity_issues_total",
		Help: "Общее количество проблем, обнаруженных проверкой целостности",
	}, []string{"type"})

	// integrityDurationSeconds — длительность выполнения проверки.
	integrityDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ds_integrity_duration_seconds",
		Help:    "Длительность выполнения проверки целостности в секундах",
		Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
	})
)

// IntegrityIssue — обнаруженная проблема целостности.
type IntegrityIssue struct {
	// Type — тип проблемы: missing_artifact, orphaned_artifact, checksum_mismatch
	Type string
	// FileID — UUID записи (пустой для orphaned_artifact)
	FileID string
	// StoredName — имя артефакта
	StoredName string
}

// IntegrityReport — итог одного цикла проверки.
type IntegrityReport struct {
	// Checked — количество проверенных записей БД
	Checked int
	// Issues — обнаруженные проблемы
	Issues []IntegrityIssue
	// Duration — длительность проверки
	Duration time.Duration
}

// IntegrityService — сервис фоновой проверки целостности хранилища.
type IntegrityService struct {
	store    *filestore.FileStore
	repo     repository.FileRepository
	interval time.Duration
	logger   *slog.Logger

	mu        sync.Mutex // защита от параллельного запуска
	inProcess bool
	cancel    context.CancelFunc
}

// NewIntegrityService создаёт сервис проверки целостности.
func NewIntegrityService(
	store *filestore.FileStore,
	repo repository.FileRepository,
	interval time.Duration,
	logger *slog.Logger,
) *IntegrityService {
	return &IntegrityService{
		store:    store,
		repo:     repo,
		interval: interval,
		logger:   logger.With(slog.String("component", "integrity")),
	}
}

// Start запускает фоновую горутину проверки с периодическим тикером.
func (is *IntegrityService) Start(ctx context.Context) {
	isCtx, cancel := context.WithCancel(ctx)
	is.cancel = cancel

	go is.run(isCtx)

	is.logger.Info("Проверка целостности запущена",
		slog.String("interval", is.interval.String()),
	)
}

// Stop останавливает фоновой процесс проверки.
func (is *IntegrityService) Stop() {
	if is.cancel != nil {
		is.cancel()
	}
	is.logger.Info("Проверка целостности остановлена")
}

// run — основной цикл фоновой горутины.
func (is *IntegrityService) run(ctx context.Context) {
	ticker := time.NewTicker(is.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			is.RunOnce(ctx)
		}
	}
}

// RunOnce выполняет один цикл проверки целостности.
// Потокобезопасен: если проверка уже выполняется, возвращает nil, true.
func (is *IntegrityService) RunOnce(ctx context.Context) (*IntegrityReport, bool) {
	is.mu.Lock()
	if is.inProcess {
		is.mu.Unlock()
		is.logger.Warn("Проверка целостности уже выполняется, пропуск")
		return nil, true
	}
	is.inProcess = true
	is.mu.Unlock()

	defer func() {
		is.mu.Lock()
		is.inProcess = false
		is.mu.Unlock()
	}()

	start := time.Now()
	is.logger.Info("Проверка целостности начата")

	report := is.sweep(ctx)
	report.Duration = time.Since(start)

	integrityRunsTotal.Inc()
	integrityDurationSeconds.Observe(report.Duration.Seconds())
	for _, issue := range report.Issues {
		integrityIssuesTotal.WithLabelValues(issue.Type).Inc()
	}

	is.logger.Info("Проверка целостности завершена",
		slog.Int("checked", report.Checked),
		slog.Int("issues", len(report.Issues)),
		slog.Duration("duration", report.Duration),
	)

	return report, false
}

// sweep выполняет сверку БД и диска в обе стороны.
func (is *IntegrityService) sweep(ctx context.Context) *IntegrityReport {
	report := &IntegrityReport{}

	records, err := is.repo.ListAll(ctx)
	if err != nil {
		is.logger.Error("Ошибка получения записей для сверки",
			slog.String("error", err.Error()),
		)
		return report
	}
	report.Checked = len(records)

	// БД → диск: каждый артефакт существует и checksum совпадает
	known := make(map[string]bool, len(records))
	for _, rec := range records {
		if ctx.Err() != nil {
			return report
		}
		known[rec.StoredName] = true

		if !is.store.Exists(rec.StoredName) {
			is.logger.Error("Артефакт отсутствует на диске",
				slog.String("file_id", rec.ID),
				slog.String("stored_name", rec.StoredName),
			)
			report.Issues = append(report.Issues, IntegrityIssue{
				Type: "missing_artifact", FileID: rec.ID, StoredName: rec.StoredName,
			})
			continue
		}

		sum, err := is.store.ComputeChecksum(rec.StoredName)
		if err != nil {
			is.logger.Error("Ошибка вычисления checksum",
				slog.String("stored_name", rec.StoredName),
				slog.String("error", err.Error()),
			)
			continue
		}
		if sum != rec.Checksum {
			is.logger.Error("Checksum артефакта не совпадает",
				slog.String("file_id", rec.ID),
				slog.String("stored_name", rec.StoredName),
				slog.String("expected", rec.Checksum),
				slog.String("actual", sum),
			)
			report.Issues = append(report.Issues, IntegrityIssue{
				Type: "checksum_mismatch", FileID: rec.ID, StoredName: rec.StoredName,
			})
		}
	}

	// Диск → БД: каждый артефакт известен базе
	names, err := is.store.List()
	if err != nil {
		is.logger.Error("Ошибка перечисления артефактов",
			slog.String("error", err.Error()),
		)
		return report
	}
	for _, name := range names {
		if !known[name] {
			is.logger.Warn("Артефакт без записи в БД",
				slog.String("stored_name", name),
			)
			report.Issues = append(report.Issues, IntegrityIssue{
				Type: "orphaned_artifact", StoredName: name,
			})
		}
	}

	return report
}
