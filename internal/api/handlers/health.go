package handlers

import (
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/arturkryukov/dropsafe/internal/config"
)

const statusFail = "fail"

// ReadinessChecker — проверка готовности зависимости (база данных).
type ReadinessChecker interface {
	CheckReady() (status, message string)
}

// HealthHandler — обработчик health endpoints.
type HealthHandler struct {
	cfg *config.Config
	db  ReadinessChecker
}

// NewHealthHandler создаёт обработчик health endpoints.
func NewHealthHandler(cfg *config.Config, db ReadinessChecker) *HealthHandler {
	return &HealthHandler{cfg: cfg, db: db}
}

// healthCheck — результат одной проверки.
type healthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthLive обрабатывает GET /health/live.
// Liveness: процесс жив и отвечает. Без проверки зависимостей.
func (h *HealthHandler) HealthLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   config.Version,
		"service":   "dropsafe",
	})
}

// HealthReady обрабатывает GET /health/ready.
// Readiness: каталог данных доступен на запись, база данных отвечает.
func (h *HealthHandler) HealthReady(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]healthCheck)
	overall := "ok"

	fsStatus, fsMessage := h.checkFilesystem()
	checks["filesystem"] = healthCheck{Status: fsStatus, Message: fsMessage}
	if fsStatus == statusFail {
		overall = statusFail
	}

	dbStatus, dbMessage := h.db.CheckReady()
	checks["database"] = healthCheck{Status: dbStatus, Message: dbMessage}
	if dbStatus == statusFail {
		overall = statusFail
	}

	statusCode := http.StatusOK
	if overall == statusFail {
		statusCode = http.StatusServiceUnavailable
	}

	writeJSON(w, statusCode, map[string]any{
		"status":    overall,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   config.Version,
		"service":   "dropsafe",
		"checks":    checks,
	})
}

// checkFilesystem проверяет запись в каталог данных пробным файлом.
func (h *HealthHandler) checkFilesystem() (status, message string) {
	probe := filepath.Join(h.cfg.DataDir, ".health_check")
	if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
		return statusFail, "каталог данных недоступен на запись: " + err.Error()
	}
	_ = os.Remove(probe)
	return "ok", ""
}
