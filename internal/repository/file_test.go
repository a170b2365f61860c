package repository

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/arturkryukov/dropsafe/internal/config"
	"github.com/arturkryukov/dropsafe/internal/database"
	"github.com/arturkryukov/dropsafe/internal/domain/model"
)

// setupTestDB запускает PostgreSQL контейнер, применяет миграции.
// Возвращает pgxpool.Pool; остановка контейнера — через t.Cleanup.
func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()

	if os.Getenv("TEST_INTEGRATION") == "" {
		t.Skip("Пропуск интеграционного теста: TEST_INTEGRATION не установлена")
	}

	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"docker.io/postgres:17-alpine",
		postgres.WithDatabase("dropsafe_test"),
		postgres.WithUsername("dropsafe"),
		postgres.WithPassword("test-password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("Не удалось запустить PostgreSQL контейнер: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Ошибка остановки контейнера: %v", err)
		}
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Не удалось получить host контейнера: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Не удалось получить port контейнера: %v", err)
	}

	// Настраиваем env для config.Load()
	t.Setenv("DS_DATA_DIR", t.TempDir())
	t.Setenv("DS_DB_HOST", host)
	t.Setenv("DS_DB_PORT", port.Port())
	t.Setenv("DS_DB_NAME", "dropsafe_test")
	t.Setenv("DS_DB_USER", "dropsafe")
	t.Setenv("DS_DB_PASSWORD", "test-password")
	t.Setenv("DS_DB_SSL_MODE", "disable")
	t.Setenv("DS_ENCRYPTION_KEY", strings.Repeat("ab", 32))
	t.Setenv("DS_JWKS_URL", "http://localhost:8080/jwks")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Ошибка загрузки конфигурации: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))

	// Применяем миграции
	if err := database.Migrate(cfg, logger); err != nil {
		t.Fatalf("Ошибка миграций: %v", err)
	}

	// Подключаемся
	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		t.Fatalf("Ошибка подключения: %v", err)
	}
	t.Cleanup(func() { pool.Close() })

	return pool
}

// newTestRecord создаёт запись о файле для тестов.
func newTestRecord(owner string) *model.FileRecord {
	id := uuid.New().String()
	return &model.FileRecord{
		ID:            id,
		OwnerIdentity: owner,
		StoredName:    "20260901120000-" + id[:8] + "-doc.pdf",
		OriginalName:  "doc.pdf",
		MimeType:      "application/pdf",
		SizeBytes:     2048,
		Checksum:      strings.Repeat("0f", 32),
		Encrypted:     true,
		UploadedAt:    time.Now().UTC().Truncate(time.Microsecond),
	}
}

func TestFileRepository_InsertAndGet(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	repo := NewFileRepository(pool)

	rec := newTestRecord("owner-key-1")
	if err := repo.Insert(ctx, rec); err != nil {
		t.Fatalf("Insert() ошибка: %v", err)
	}

	got, err := repo.GetByID(ctx, rec.ID)
	if err != nil {
		t.Fatalf("GetByID() ошибка: %v", err)
	}

	if got.OwnerIdentity != rec.OwnerIdentity {
		t.Errorf("OwnerIdentity: ожидалось %s, получено %s", rec.OwnerIdentity, got.OwnerIdentity)
	}
	if got.StoredName != rec.StoredName {
		t.Errorf("StoredName: ожидалось %s, получено %s", rec.StoredName, got.StoredName)
	}
	if got.SizeBytes != rec.SizeBytes {
		t.Errorf("SizeBytes: ожидалось %d, получено %d", rec.SizeBytes, got.SizeBytes)
	}
	if !got.Encrypted {
		t.Error("Encrypted: ожидалось true")
	}
}

func TestFileRepository_GetByID_NotFound(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	repo := NewFileRepository(pool)

	_, err := repo.GetByID(ctx, uuid.New().String())
	if err != ErrNotFound {
		t.Errorf("ожидался ErrNotFound, получено: %v", err)
	}
}

func TestFileRepository_ListByOwner(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	repo := NewFileRepository(pool)

	// Три файла одного владельца с разным временем загрузки, один — чужой
	base := time.Now().UTC().Truncate(time.Microsecond)
	var ids []string
	for i := 0; i < 3; i++ {
		rec := newTestRecord("owner-list")
		rec.UploadedAt = base.Add(time.Duration(i) * time.Minute)
		if err := repo.Insert(ctx, rec); err != nil {
			t.Fatal(err)
		}
		ids = append(ids, rec.ID)
	}
	other := newTestRecord("owner-other")
	if err := repo.Insert(ctx, other); err != nil {
		t.Fatal(err)
	}

	list, err := repo.ListByOwner(ctx, "owner-list")
	if err != nil {
		t.Fatalf("ListByOwner() ошибка: %v", err)
	}

	if len(list) != 3 {
		t.Fatalf("ожидалось 3 записи, получено %d", len(list))
	}
	// Новые первыми
	if list[0].ID != ids[2] || list[2].ID != ids[0] {
		t.Error("нарушен порядок сортировки: ожидались новые записи первыми")
	}
	for _, rec := range list {
		if rec.OwnerIdentity != "owner-list" {
			t.Errorf("в списке запись чужого владельца: %s", rec.ID)
		}
	}
}

func TestFileRepository_DeleteByID(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	repo := NewFileRepository(pool)

	rec := newTestRecord("owner-del")
	if err := repo.Insert(ctx, rec); err != nil {
		t.Fatal(err)
	}

	// Чужой владелец не может удалить запись
	deleted, err := repo.DeleteByID(ctx, rec.ID, "owner-intruder")
	if err != nil {
		t.Fatalf("DeleteByID() ошибка: %v", err)
	}
	if deleted {
		t.Error("запись удалена чужим владельцем")
	}

	// Владелец удаляет запись
	deleted, err = repo.DeleteByID(ctx, rec.ID, "owner-del")
	if err != nil {
		t.Fatalf("DeleteByID() ошибка: %v", err)
	}
	if !deleted {
		t.Error("ожидалось deleted=true")
	}

	// Повторное удаление — deleted=false
	deleted, err = repo.DeleteByID(ctx, rec.ID, "owner-del")
	if err != nil {
		t.Fatal(err)
	}
	if deleted {
		t.Error("повторное удаление вернуло deleted=true")
	}

	if _, err := repo.GetByID(ctx, rec.ID); err != ErrNotFound {
		t.Errorf("запись существует после удаления: %v", err)
	}
}
