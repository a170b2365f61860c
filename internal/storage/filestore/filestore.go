// Пакет filestore — операции с зашифрованными артефактами на диске.
// Обеспечивает streaming-запись с подсчётом SHA-256 на лету,
// чтение, идемпотентное удаление и проверку наличия артефактов.
package filestore

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound возвращается при попытке открыть несуществующий артефакт.
var ErrNotFound = errors.New("артефакт не найден")

// FileStore — управление зашифрованными артефактами на диске.
type FileStore struct {
	// dataDir — корневая директория хранения артефактов (DS_DATA_DIR)
	dataDir string
}

// SaveResult — результат сохранения артефакта на диск.
type SaveResult struct {
	// StoredName — имя артефакта в dataDir (уникальное)
	StoredName string
	// FullPath — абсолютный путь артефакта на диске
	FullPath string
	// Size — размер записанных данных в байтах (ciphertext, включая IV)
	Size int64
	// Checksum — SHA-256 хэш содержимого артефакта
	Checksum string
}

// New создаёт новый FileStore. Проверяет и создаёт директорию
// если она не существует.
func New(dataDir string) (*FileStore, error) {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("не удалось создать директорию данных %s: %w", dataDir, err)
	}

	return &FileStore{dataDir: dataDir}, nil
}

// Save записывает данные из reader на диск с подсчётом SHA-256 на лету.
// Формат имени артефакта: {timestamp}-{uuid8}-{sanitized name}{ext}
// Возвращает имя, размер и checksum записанного артефакта.
//
// Паттерн: temp файл → запись + SHA-256 → fsync → atomic rename.
// При ошибке temp файл удаляется.
func (fs *FileStore) Save(reader io.Reader, originalName string) (*SaveResult, error) {
	storedName := generateStoredName(originalName)
	fullPath := filepath.Join(fs.dataDir, storedName)
	tmpPath := fullPath + ".tmp"

	// Создаём temp файл
	f, err := os.Create(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания временного файла: %w", err)
	}

	// Streaming запись с одновременным подсчётом SHA-256
	hasher := sha256.New()
	tee := io.TeeReader(reader, hasher)

	size, err := io.Copy(f, tee)
	if err != nil {
		f.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("ошибка записи данных: %w", err)
	}

	// fsync для гарантии записи на диск
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("ошибка fsync: %w", err)
	}

	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("ошибка закрытия файла: %w", err)
	}

	// Атомарный rename
	if err := os.Rename(tmpPath, fullPath); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("ошибка атомарного переименования: %w", err)
	}

	return &SaveResult{
		StoredName: storedName,
		FullPath:   fullPath,
		Size:       size,
		Checksum:   hex.EncodeToString(hasher.Sum(nil)),
	}, nil
}

// Open открывает артефакт для чтения и возвращает *os.File.
// Возвращает ErrNotFound, если артефакт отсутствует на диске.
// Вызывающий код обязан закрыть файл.
func (fs *FileStore) Open(storedName string) (*os.File, error) {
	fullPath := filepath.Join(fs.dataDir, storedName)

	f, err := os.Open(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, storedName)
		}
		return nil, fmt.Errorf("ошибка открытия артефакта %s: %w", storedName, err)
	}

	return f, nil
}

// FullPath возвращает абсолютный путь к артефакту на диске.
func (fs *FileStore) FullPath(storedName string) string {
	return filepath.Join(fs.dataDir, storedName)
}

// Delete удаляет артефакт с диска. Идемпотентна: отсутствие артефакта
// не считается ошибкой. Возвращает true, если артефакт был удалён.
func (fs *FileStore) Delete(storedName string) (bool, error) {
	fullPath := filepath.Join(fs.dataDir, storedName)

	err := os.Remove(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("ошибка удаления артефакта %s: %w", storedName, err)
	}
	return true, nil
}

// Exists проверяет существование артефакта на диске.
func (fs *FileStore) Exists(storedName string) bool {
	fullPath := filepath.Join(fs.dataDir, storedName)
	_, err := os.Stat(fullPath)
	return err == nil
}

// Size возвращает размер артефакта на диске.
func (fs *FileStore) Size(storedName string) (int64, error) {
	fullPath := filepath.Join(fs.dataDir, storedName)
	info, err := os.Stat(fullPath)
	if err != nil {
		return 0, fmt.Errorf("ошибка получения информации об артефакте %s: %w", storedName, err)
	}
	return info.Size(), nil
}

// ComputeChecksum вычисляет SHA-256 хэш существующего артефакта.
// Используется при периодической проверке целостности хранилища.
func (fs *FileStore) ComputeChecksum(storedName string) (string, error) {
	fullPath := filepath.Join(fs.dataDir, storedName)

	f, err := os.Open(fullPath)
	if err != nil {
		return "", fmt.Errorf("ошибка открытия артефакта %s: %w", storedName, err)
	}
	defer f.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return "", fmt.Errorf("ошибка вычисления checksum %s: %w", storedName, err)
	}

	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// List возвращает имена всех артефактов в dataDir
// (без temp-файлов незавершённых записей).
func (fs *FileStore) List() ([]string, error) {
	entries, err := os.ReadDir(fs.dataDir)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения директории данных: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasSuffix(e.Name(), ".tmp") {
			continue
		}
		names = append(names, e.Name())
	}
	return names, nil
}

// DataDir возвращает путь к директории данных.
func (fs *FileStore) DataDir() string {
	return fs.dataDir
}

// generateStoredName генерирует уникальное имя артефакта на диске.
// Формат: {timestamp}-{uuid8}-{sanitized name}{ext}
// Пример: 20260901150405-a1b2c3d4-report.pdf
func generateStoredName(originalName string) string {
	ext := filepath.Ext(originalName)
	name := strings.TrimSuffix(filepath.Base(originalName), ext)

	// Убираем небезопасные символы из имени
	name = sanitize(name)

	// Ограничиваем длину имени для предотвращения проблем с FS
	if len(name) > 50 {
		name = name[:50]
	}

	ts := time.Now().UTC().Format("20060102150405")
	uid := uuid.New().String()[:8] // Короткий UUID для уникальности

	if ext != "" {
		return fmt.Sprintf("%s-%s-%s%s", ts, uid, name, ext)
	}
	return fmt.Sprintf("%s-%s-%s", ts, uid, name)
}

// sanitize убирает небезопасные символы из строки для использования в имени файла.
// Оставляет только буквы, цифры, дефис и подчёркивание.
func sanitize(s string) string {
	var result strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') || r == '-' || r == '_' ||
			(r >= 0x0400 && r <= 0x04FF) { // Кириллица
			result.WriteRune(r)
		}
	}
	if result.Len() == 0 {
		return "file"
	}
	return result.String()
}
