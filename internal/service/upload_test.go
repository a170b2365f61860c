package service

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/arturkryukov/dropsafe/internal/config"
	"github.com/arturkryukov/dropsafe/internal/crypto"
	"github.com/arturkryukov/dropsafe/internal/domain/model"
	"github.com/arturkryukov/dropsafe/internal/repository"
	"github.com/arturkryukov/dropsafe/internal/storage/filestore"
)

// --- In-memory репозиторий для unit-тестов ---

// memRepo — FileRepository в памяти. Поведение отдельных методов
// можно переопределить через fn-поля (имитация ошибок БД).
type memRepo struct {
	records map[string]*model.FileRecord

	insertFn     func(ctx context.Context, rec *model.FileRecord) error
	getByIDFn    func(ctx context.Context, id string) (*model.FileRecord, error)
	deleteByIDFn func(ctx context.Context, id, owner string) (bool, error)
}

func newMemRepo() *memRepo {
	return &memRepo{records: make(map[string]*model.FileRecord)}
}

func (m *memRepo) Insert(ctx context.Context, rec *model.FileRecord) error {
	if m.insertFn != nil {
		return m.insertFn(ctx, rec)
	}
	cp := *rec
	m.records[rec.ID] = &cp
	return nil
}

func (m *memRepo) GetByID(ctx context.Context, id string) (*model.FileRecord, error) {
	if m.getByIDFn != nil {
		return m.getByIDFn(ctx, id)
	}
	rec, ok := m.records[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *memRepo) ListByOwner(_ context.Context, owner string) ([]*model.FileRecord, error) {
	var result []*model.FileRecord
	for _, rec := range m.records {
		if rec.OwnerIdentity == owner {
			cp := *rec
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].UploadedAt.After(result[j].UploadedAt)
	})
	return result, nil
}

func (m *memRepo) DeleteByID(ctx context.Context, id, owner string) (bool, error) {
	if m.deleteByIDFn != nil {
		return m.deleteByIDFn(ctx, id, owner)
	}
	rec, ok := m.records[id]
	if !ok || rec.OwnerIdentity != owner {
		return false, nil
	}
	delete(m.records, id)
	return true, nil
}

func (m *memRepo) ListAll(_ context.Context) ([]*model.FileRecord, error) {
	var result []*model.FileRecord
	for _, rec := range m.records {
		cp := *rec
		result = append(result, &cp)
	}
	return result, nil
}

// --- Общие помощники тестов сервисного слоя ---

// testEncryptionKey — фиксированный ключ AES-256 для тестов.
var testEncryptionKey = bytes.Repeat([]byte{0x5a}, crypto.KeySize)

// newTestConfig создаёт конфигурацию для тестов сервисного слоя.
func newTestConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		DataDir:         t.TempDir(),
		EncryptionKey:   testEncryptionKey,
		MaxFileSize:     50 * 1024 * 1024,
		StreamThreshold: 10 * 1024 * 1024,
		StreamTimeout:   30 * time.Second,
		CacheSize:       100,
		CacheTTL:        5 * time.Minute,
	}
}

// testEnv — собранный сервисный слой поверх общих cipher/store/repo.
type testEnv struct {
	cfg      *config.Config
	cipher   *crypto.Cipher
	store    *filestore.FileStore
	repo     *memRepo
	cache    *CacheService
	upload   *UploadService
	download *DownloadService
	delete   *DeleteService
	list     *ListService
}

// newTestEnv создаёт все сервисы с общим состоянием для сценарных тестов.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	cfg := newTestConfig(t)
	cipher, err := crypto.New(cfg.EncryptionKey)
	if err != nil {
		t.Fatalf("создание Cipher: %v", err)
	}
	store, err := filestore.New(cfg.DataDir)
	if err != nil {
		t.Fatalf("создание FileStore: %v", err)
	}
	repo := newMemRepo()
	cache := NewCacheService(cfg.CacheSize, cfg.CacheTTL)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	return &testEnv{
		cfg:      cfg,
		cipher:   cipher,
		store:    store,
		repo:     repo,
		cache:    cache,
		upload:   NewUploadService(cfg, cipher, store, repo, logger),
		download: NewDownloadService(cfg, cipher, store, repo, cache, logger),
		delete:   NewDeleteService(cipher, store, repo, cache, logger),
		list:     NewListService(cipher, repo, logger),
	}
}

// mustUpload загружает файл и возвращает запись.
func (env *testEnv) mustUpload(t *testing.T, name, mimeType, owner string, data []byte) *model.FileRecord {
	t.Helper()
	res, uerr := env.upload.Upload(context.Background(), UploadParams{
		Reader:           bytes.NewReader(data),
		OriginalName:     name,
		DeclaredMimeType: mimeType,
		DeclaredSize:     int64(len(data)),
		OwnerIdentity:    owner,
	})
	if uerr != nil {
		t.Fatalf("Upload ошибка: %v", uerr)
	}
	return res.Record
}

// artifactCount возвращает количество артефактов на диске.
func (env *testEnv) artifactCount(t *testing.T) int {
	t.Helper()
	names, err := env.store.List()
	if err != nil {
		t.Fatalf("List артефактов: %v", err)
	}
	return len(names)
}

// --- Тесты UploadService ---

// TestUploadService_Success проверяет полный цикл загрузки:
// метаданные, артефакт на диске, отсутствие plaintext в артефакте.
func TestUploadService_Success(t *testing.T) {
	env := newTestEnv(t)
	plaintext := bytes.Repeat([]byte("Секретные данные! "), 60) // ~2KB

	record := env.mustUpload(t, "secret.txt", "text/plain; charset=utf-8", "Alice@Example.com", plaintext)

	if record.ID == "" {
		t.Error("ID записи не установлен")
	}
	if record.SizeBytes != int64(len(plaintext)) {
		t.Errorf("SizeBytes = %d, ожидался plaintext-размер %d", record.SizeBytes, len(plaintext))
	}
	if record.MimeType != "text/plain" {
		t.Errorf("MimeType = %q, ожидался text/plain", record.MimeType)
	}
	if !record.Encrypted {
		t.Error("Encrypted = false")
	}
	if record.OriginalName != "secret.txt" {
		t.Errorf("OriginalName = %q", record.OriginalName)
	}

	// Идентичность владельца хранится в защищённой форме
	if record.OwnerIdentity == "Alice@Example.com" || strings.Contains(record.OwnerIdentity, "alice") {
		t.Errorf("OwnerIdentity хранится в открытом виде: %q", record.OwnerIdentity)
	}

	// Запись попала в репозиторий
	stored, err := env.repo.GetByID(context.Background(), record.ID)
	if err != nil {
		t.Fatalf("запись не найдена в репозитории: %v", err)
	}
	if stored.StoredName != record.StoredName {
		t.Errorf("StoredName не совпадает: %s != %s", stored.StoredName, record.StoredName)
	}

	// Артефакт на диске: ciphertext = IV + поток, plaintext не встречается
	f, err := env.store.Open(record.StoredName)
	if err != nil {
		t.Fatalf("артефакт не найден: %v", err)
	}
	defer f.Close()
	artifact, err := io.ReadAll(f)
	if err != nil {
		t.Fatal(err)
	}
	if len(artifact) != len(plaintext)+crypto.IVSize {
		t.Errorf("размер артефакта %d, ожидался %d (plaintext + IV)", len(artifact), len(plaintext)+crypto.IVSize)
	}
	if bytes.Contains(artifact, []byte("Секретные")) {
		t.Error("артефакт содержит plaintext")
	}

	// Расшифровка возвращает исходные байты
	decrypted, err := env.cipher.DecryptBuffer(artifact)
	if err != nil {
		t.Fatalf("расшифровка артефакта: %v", err)
	}
	if !bytes.Equal(decrypted, plaintext) {
		t.Error("расшифрованный артефакт не совпадает с исходным plaintext")
	}
}

// TestUploadService_RejectsDisallowedType проверяет отказ по allow-list
// до записи артефакта.
func TestUploadService_RejectsDisallowedType(t *testing.T) {
	env := newTestEnv(t)

	_, uerr := env.upload.Upload(context.Background(), UploadParams{
		Reader:           bytes.NewReader([]byte{0x4d, 0x5a, 0x90, 0x00}), // PE header
		OriginalName:     "malware.exe",
		DeclaredMimeType: "application/x-msdownload",
		OwnerIdentity:    "alice@example.com",
	})
	if uerr == nil {
		t.Fatal("ожидалась ошибка для запрещённого типа")
	}
	if uerr.StatusCode != 400 {
		t.Errorf("StatusCode = %d, ожидался 400", uerr.StatusCode)
	}

	// Артефакт не записан
	if n := env.artifactCount(t); n != 0 {
		t.Errorf("на диске %d артефактов, ожидалось 0", n)
	}
}

// readCounter считает байты, прочитанные из источника.
type readCounter struct {
	r io.Reader
	n int64
}

func (rc *readCounter) Read(p []byte) (int, error) {
	n, err := rc.r.Read(p)
	rc.n += int64(n)
	return n, err
}

// TestUploadService_OversizeRejectedBeforeRead проверяет, что файл
// с заявленным размером больше максимума отклоняется до какой-либо
// работы шифрования: из потока не прочитано ни байта, артефакт
// не записан.
func TestUploadService_OversizeRejectedBeforeRead(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.MaxFileSize = 1024

	src := &readCounter{r: bytes.NewReader(bytes.Repeat([]byte("x"), 4096))}
	_, uerr := env.upload.Upload(context.Background(), UploadParams{
		Reader:           src,
		OriginalName:     "big.txt",
		DeclaredMimeType: "text/plain",
		DeclaredSize:     4096,
		OwnerIdentity:    "alice@example.com",
	})
	if uerr == nil {
		t.Fatal("ожидалась ошибка превышения размера")
	}
	if uerr.StatusCode != 413 {
		t.Errorf("StatusCode = %d, ожидался 413", uerr.StatusCode)
	}

	if src.n != 0 {
		t.Errorf("из потока прочитано %d байт до отказа, ожидалось 0", src.n)
	}
	if n := env.artifactCount(t); n != 0 {
		t.Errorf("на диске %d артефактов, ожидалось 0", n)
	}
}

// TestUploadService_RejectsOversize проверяет отказ по фактическому
// размеру при неизвестном заявленном (заявленный размер мог врать):
// артефакт не остаётся на диске, запись не создаётся.
func TestUploadService_RejectsOversize(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.MaxFileSize = 1024

	_, uerr := env.upload.Upload(context.Background(), UploadParams{
		Reader:           bytes.NewReader(bytes.Repeat([]byte("x"), 2048)),
		OriginalName:     "big.txt",
		DeclaredMimeType: "text/plain",
		OwnerIdentity:    "alice@example.com",
	})
	if uerr == nil {
		t.Fatal("ожидалась ошибка превышения размера")
	}
	if uerr.StatusCode != 413 {
		t.Errorf("StatusCode = %d, ожидался 413", uerr.StatusCode)
	}

	if n := env.artifactCount(t); n != 0 {
		t.Errorf("на диске %d артефактов, ожидалось 0", n)
	}
	if all, _ := env.repo.ListAll(context.Background()); len(all) != 0 {
		t.Errorf("в репозитории %d записей, ожидалось 0", len(all))
	}
}

// TestUploadService_ExactMaxSizeAccepted проверяет загрузку файла
// ровно в максимальный размер.
func TestUploadService_ExactMaxSizeAccepted(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.MaxFileSize = 2048

	record := env.mustUpload(t, "exact.txt", "text/plain", "alice@example.com",
		bytes.Repeat([]byte("a"), 2048))
	if record.SizeBytes != 2048 {
		t.Errorf("SizeBytes = %d, ожидалось 2048", record.SizeBytes)
	}
}

// TestUploadService_InsertFailureCompensates проверяет компенсацию:
// при ошибке вставки метаданных артефакт удаляется.
func TestUploadService_InsertFailureCompensates(t *testing.T) {
	env := newTestEnv(t)
	env.repo.insertFn = func(_ context.Context, _ *model.FileRecord) error {
		return errors.New("database is down")
	}

	_, uerr := env.upload.Upload(context.Background(), UploadParams{
		Reader:           strings.NewReader("some document content"),
		OriginalName:     "doc.txt",
		DeclaredMimeType: "text/plain",
		OwnerIdentity:    "alice@example.com",
	})
	if uerr == nil {
		t.Fatal("ожидалась ошибка сохранения метаданных")
	}
	if uerr.StatusCode != 500 {
		t.Errorf("StatusCode = %d, ожидался 500", uerr.StatusCode)
	}

	// Компенсация: осиротевший ciphertext удалён
	if n := env.artifactCount(t); n != 0 {
		t.Errorf("на диске %d артефактов после компенсации, ожидалось 0", n)
	}
}

// TestUploadService_MissingIdentity проверяет отказ без идентичности владельца.
func TestUploadService_MissingIdentity(t *testing.T) {
	env := newTestEnv(t)

	_, uerr := env.upload.Upload(context.Background(), UploadParams{
		Reader:           strings.NewReader("data"),
		OriginalName:     "doc.txt",
		DeclaredMimeType: "text/plain",
		OwnerIdentity:    "",
	})
	if uerr == nil || uerr.StatusCode != 401 {
		t.Fatalf("ожидался 401, получено: %v", uerr)
	}
}

// TestUploadService_SniffsMimeType проверяет определение типа по содержимому
// при отсутствии заявленного типа.
func TestUploadService_SniffsMimeType(t *testing.T) {
	env := newTestEnv(t)

	// PNG magic bytes
	pngHeader := []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 13}

	record := env.mustUpload(t, "pic.png", "", "alice@example.com", pngHeader)
	if record.MimeType != "image/png" {
		t.Errorf("MimeType = %q, ожидался image/png", record.MimeType)
	}
}

// TestUploadService_IdentityNormalization проверяет, что регистр и пробелы
// идентичности не влияют на защищённую форму владельца.
func TestUploadService_IdentityNormalization(t *testing.T) {
	env := newTestEnv(t)

	r1 := env.mustUpload(t, "a.txt", "text/plain", "Alice@Example.com", []byte("one"))
	r2 := env.mustUpload(t, "b.txt", "text/plain", "  alice@example.com  ", []byte("two"))

	if r1.OwnerIdentity != r2.OwnerIdentity {
		t.Error("разные формы одной идентичности дали разные owner-ключи")
	}
}
