// upload.go — сервис загрузки файлов: валидация → шифрование → запись
// артефакта → сохранение метаданных, с компенсацией при ошибках.
package service

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	apierrors "github.com/arturkryukov/dropsafe/internal/api/errors"
	"github.com/arturkryukov/dropsafe/internal/api/middleware"
	"github.com/arturkryukov/dropsafe/internal/config"
	"github.com/arturkryukov/dropsafe/internal/crypto"
	"github.com/arturkryukov/dropsafe/internal/domain/model"
	"github.com/arturkryukov/dropsafe/internal/repository"
	"github.com/arturkryukov/dropsafe/internal/storage/filestore"
)

// sniffLen — количество байт для определения типа содержимого.
const sniffLen = 512

// allowedMimeTypes — допустимые типы файлов: документы, изображения, архивы.
// Ключ — точный MIME-тип без параметров.
var allowedMimeTypes = map[string]bool{
	"application/pdf":    true,
	"application/msword": true,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": true,
	"application/vnd.ms-excel": true,
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet": true,
	"application/vnd.ms-powerpoint":                                     true,
	"application/vnd.openxmlformats-officedocument.presentationml.presentation": true,
	"application/rtf":              true,
	"application/zip":              true,
	"application/x-zip-compressed": true,
	"application/gzip":             true,
	"application/x-tar":            true,
	"application/x-7z-compressed":  true,
	"application/x-rar-compressed": true,
	"text/plain":                   true,
	"text/csv":                     true,
	"text/markdown":                true,
}

// mimeAllowed проверяет MIME-тип по allow-list.
// Изображения разрешены все (image/*).
func mimeAllowed(mimeType string) bool {
	if strings.HasPrefix(mimeType, "image/") {
		return true
	}
	return allowedMimeTypes[mimeType]
}

// normalizeMimeType убирает параметры MIME-типа (charset и т.д.).
func normalizeMimeType(mimeType string) string {
	if idx := strings.Index(mimeType, ";"); idx != -1 {
		mimeType = mimeType[:idx]
	}
	return strings.ToLower(strings.TrimSpace(mimeType))
}

// countingReader считает прочитанные байты (plaintext-размер файла).
type countingReader struct {
	r io.Reader
	n int64
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	cr.n += int64(n)
	return n, err
}

// UploadParams — параметры загрузки файла.
type UploadParams struct {
	// Reader — поток plaintext-данных файла
	Reader io.Reader
	// OriginalName — оригинальное имя файла
	OriginalName string
	// DeclaredMimeType — MIME-тип из multipart part (может отсутствовать)
	DeclaredMimeType string
	// DeclaredSize — размер файла из multipart-заголовка; 0 — неизвестен.
	// Превышение максимума отклоняется до чтения потока и шифрования.
	DeclaredSize int64
	// OwnerIdentity — идентичность владельца из JWT (plaintext)
	OwnerIdentity string
}

// UploadResult — результат загрузки файла.
type UploadResult struct {
	Record *model.FileRecord
}

// UploadError — ошибка загрузки с HTTP-кодом.
type UploadError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// UploadService — сервис загрузки файлов.
type UploadService struct {
	cfg    *config.Config
	cipher *crypto.Cipher
	store  *filestore.FileStore
	repo   repository.FileRepository
	logger *slog.Logger
}

// NewUploadService создаёт сервис загрузки файлов.
func NewUploadService(
	cfg *config.Config,
	cipher *crypto.Cipher,
	store *filestore.FileStore,
	repo repository.FileRepository,
	logger *slog.Logger,
) *UploadService {
	return &UploadService{
		cfg:    cfg,
		cipher: cipher,
		store:  store,
		repo:   repo,
		logger: logger.With(slog.String("component", "upload_service")),
	}
}

// Upload загружает файл: шифрует поток и сохраняет артефакт + метаданные.
//
// Поток:
//  1. Валидация параметров + отказ по заявленному размеру (до чтения потока)
//  2. Sniffing MIME-типа + проверка allow-list (до какой-либо записи)
//  3. Шифрование потока (IV + AES-256-CTR) с подсчётом plaintext-размера
//  4. Запись артефакта на диск (streaming + SHA-256 ciphertext)
//  5. Проверка фактического размера (превышение → компенсация)
//  6. Защита идентичности владельца
//  7. Вставка записи метаданных в PostgreSQL
//
// При ошибке после записи артефакта — компенсация (удаление артефакта).
// Plaintext на диск не попадает: шифрование выполняется в потоке.
func (s *UploadService) Upload(ctx context.Context, params UploadParams) (*UploadResult, *UploadError) {
	// 1. Валидация параметров
	if params.OriginalName == "" {
		return nil, &UploadError{
			StatusCode: 400,
			Code:       apierrors.CodeBadRequest,
			Message:    "Имя файла не указано",
		}
	}
	if params.OwnerIdentity == "" {
		return nil, &UploadError{
			StatusCode: 401,
			Code:       apierrors.CodeUnauthorized,
			Message:    "Идентичность владельца не установлена",
		}
	}

	// Заявленный размер проверяется до первого чтения потока:
	// oversize-файл отклоняется без какой-либо работы шифрования
	if params.DeclaredSize > s.cfg.MaxFileSize {
		middleware.UploadsTotal.WithLabelValues("rejected").Inc()
		return nil, &UploadError{
			StatusCode: 413,
			Code:       apierrors.CodeFileTooLarge,
			Message: fmt.Sprintf("Размер файла превышает максимум %d байт",
				s.cfg.MaxFileSize),
		}
	}

	// 2. Sniffing: читаем первые байты для определения типа содержимого.
	// Счётчик включает sniffed байты — он считает полный plaintext-размер.
	// LimitReader на один байт больше максимума: позволяет отличить
	// файл ровно в max байт от файла большего размера.
	counter := &countingReader{r: io.LimitReader(params.Reader, s.cfg.MaxFileSize+1)}
	head := make([]byte, sniffLen)
	n, err := io.ReadFull(counter, head)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		s.logger.Error("Ошибка чтения потока загрузки", slog.String("error", err.Error()))
		return nil, &UploadError{
			StatusCode: 500,
			Code:       apierrors.CodeInternalError,
			Message:    "Ошибка чтения данных файла",
		}
	}
	head = head[:n]

	mimeType := normalizeMimeType(params.DeclaredMimeType)
	sniffed := normalizeMimeType(http.DetectContentType(head))
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = sniffed
	}
	if !mimeAllowed(mimeType) {
		middleware.UploadsTotal.WithLabelValues("rejected").Inc()
		return nil, &UploadError{
			StatusCode: 400,
			Code:       apierrors.CodeRejected,
			Message:    fmt.Sprintf("Тип файла %s не разрешён", mimeType),
		}
	}

	// 3. Шифруем поток: IV + AES-256-CTR поверх plaintext-источника
	plaintext := io.MultiReader(bytes.NewReader(head), counter)
	encrypted, err := s.cipher.EncryptReader(plaintext)
	if err != nil {
		s.logger.Error("Ошибка инициализации шифрования", slog.String("error", err.Error()))
		return nil, &UploadError{
			StatusCode: 500,
			Code:       apierrors.CodeCryptoError,
			Message:    "Ошибка шифрования файла",
		}
	}

	// 4. Записываем зашифрованный артефакт на диск
	saved, err := s.store.Save(encrypted, params.OriginalName)
	if err != nil {
		s.logger.Error("Ошибка сохранения артефакта",
			slog.String("filename", params.OriginalName),
			slog.String("error", err.Error()),
		)
		return nil, &UploadError{
			StatusCode: 500,
			Code:       apierrors.CodePersistenceError,
			Message:    "Ошибка сохранения файла на диск",
		}
	}

	// Компенсация: удаляем артефакт при любой последующей ошибке
	rollback := func() {
		if _, rbErr := s.store.Delete(saved.StoredName); rbErr != nil {
			s.logger.Error("Ошибка компенсации: артефакт не удалён",
				slog.String("stored_name", saved.StoredName),
				slog.String("error", rbErr.Error()),
			)
		}
	}

	// 5. Проверяем фактический размер: заявленный размер мог врать в
	// меньшую сторону (LimitReader отдал max+1 байт → файл больше max)
	if counter.n > s.cfg.MaxFileSize {
		rollback()
		middleware.UploadsTotal.WithLabelValues("rejected").Inc()
		return nil, &UploadError{
			StatusCode: 413,
			Code:       apierrors.CodeFileTooLarge,
			Message: fmt.Sprintf("Размер файла превышает максимум %d байт",
				s.cfg.MaxFileSize),
		}
	}

	// 6. Защищаем идентичность владельца
	ownerKey, err := s.cipher.ProtectIdentity(params.OwnerIdentity)
	if err != nil {
		rollback()
		s.logger.Error("Ошибка защиты идентичности", slog.String("error", err.Error()))
		return nil, &UploadError{
			StatusCode: 500,
			Code:       apierrors.CodeCryptoError,
			Message:    "Ошибка обработки идентичности владельца",
		}
	}

	// 7. Сохраняем метаданные
	record := &model.FileRecord{
		ID:            uuid.New().String(),
		OwnerIdentity: ownerKey,
		StoredName:    saved.StoredName,
		OriginalName:  params.OriginalName,
		MimeType:      mimeType,
		SizeBytes:     counter.n,
		Checksum:      saved.Checksum,
		Encrypted:     true,
		UploadedAt:    time.Now().UTC(),
	}

	if err := s.repo.Insert(ctx, record); err != nil {
		rollback()
		s.logger.Error("Ошибка сохранения метаданных",
			slog.String("file_id", record.ID),
			slog.String("error", err.Error()),
		)
		middleware.UploadsTotal.WithLabelValues("error").Inc()
		return nil, &UploadError{
			StatusCode: 500,
			Code:       apierrors.CodePersistenceError,
			Message:    "Ошибка сохранения метаданных файла",
		}
	}

	// 8. Обновляем метрики
	middleware.UploadsTotal.WithLabelValues("success").Inc()
	middleware.UploadBytesTotal.Add(float64(counter.n))
	middleware.OperationsTotal.WithLabelValues("upload", "success").Inc()

	s.logger.Info("Файл загружен",
		slog.String("file_id", record.ID),
		slog.String("filename", params.OriginalName),
		slog.Int64("size", counter.n),
		slog.Int64("artifact_size", saved.Size),
		slog.String("mime_type", mimeType),
		slog.String("checksum", saved.Checksum),
	)

	return &UploadResult{Record: record}, nil
}
