// download.go — сервис выдачи файлов: метаданные (кэш/БД) → проверка
// владения → расшифровка артефакта → отдача клиенту.
// Малые файлы отдаются из буфера, крупные — в потоке.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	apierrors "github.com/arturkryukov/dropsafe/internal/api/errors"
	"github.com/arturkryukov/dropsafe/internal/api/middleware"
	"github.com/arturkryukov/dropsafe/internal/config"
	"github.com/arturkryukov/dropsafe/internal/crypto"
	"github.com/arturkryukov/dropsafe/internal/domain/model"
	"github.com/arturkryukov/dropsafe/internal/repository"
	"github.com/arturkryukov/dropsafe/internal/storage/filestore"
)

// DownloadError — ошибка выдачи файла с HTTP-кодом.
// Возвращается только до начала записи тела ответа.
type DownloadError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// DownloadService — сервис выдачи файлов.
type DownloadService struct {
	cfg    *config.Config
	cipher *crypto.Cipher
	store  *filestore.FileStore
	repo   repository.FileRepository
	cache  *CacheService
	logger *slog.Logger
}

// NewDownloadService создаёт сервис выдачи файлов.
func NewDownloadService(
	cfg *config.Config,
	cipher *crypto.Cipher,
	store *filestore.FileStore,
	repo repository.FileRepository,
	cache *CacheService,
	logger *slog.Logger,
) *DownloadService {
	return &DownloadService{
		cfg:    cfg,
		cipher: cipher,
		store:  store,
		repo:   repo,
		cache:  cache,
		logger: logger.With(slog.String("component", "download_service")),
	}
}

// Download выполняет полный pipeline выдачи файла владельцу.
//
// Поток:
//  1. Защита идентичности владельца (та же трансформация, что при загрузке)
//  2. Получение FileRecord (кэш или БД)
//  3. Проверка владения: чужой файл неотличим от несуществующего (404)
//  4. Открытие артефакта; отсутствие при живой записи — повторная проверка
//     БД (гонка с удалением) и только затем CORRUPT
//  5. Расшифровка: буфером (малые файлы) или потоком (крупные)
//
// Обрыв соединения клиентом после начала отдачи — не ошибка сервера:
// логируется на уровне debug, 5xx не возвращается.
func (s *DownloadService) Download(ctx context.Context, w http.ResponseWriter, fileID, ownerIdentity string) *DownloadError {
	middleware.ActiveDownloads.Inc()
	defer middleware.ActiveDownloads.Dec()

	// 1. Защищаем идентичность владельца
	ownerKey, err := s.cipher.ProtectIdentity(ownerIdentity)
	if err != nil {
		s.logger.Error("Ошибка защиты идентичности", slog.String("error", err.Error()))
		return &DownloadError{
			StatusCode: 500,
			Code:       apierrors.CodeCryptoError,
			Message:    "Ошибка обработки идентичности владельца",
		}
	}

	// 2. Получаем FileRecord (кэш или БД)
	record, derr := s.getRecord(ctx, fileID)
	if derr != nil {
		return derr
	}

	// 3. Проверка владения: отказ неотличим от отсутствия файла
	if record.OwnerIdentity != ownerKey {
		middleware.DownloadsTotal.WithLabelValues("none", "not_found").Inc()
		return &DownloadError{
			StatusCode: 404,
			Code:       apierrors.CodeNotFound,
			Message:    "Файл не найден",
		}
	}

	// 4. Открываем артефакт
	f, err := s.store.Open(record.StoredName)
	if err != nil {
		if errors.Is(err, filestore.ErrNotFound) {
			return s.handleMissingArtifact(ctx, record)
		}
		s.logger.Error("Ошибка открытия артефакта",
			slog.String("file_id", fileID),
			slog.String("stored_name", record.StoredName),
			slog.String("error", err.Error()),
		)
		return &DownloadError{
			StatusCode: 500,
			Code:       apierrors.CodeInternalError,
			Message:    "Ошибка чтения файла",
		}
	}
	defer f.Close()

	// 5. Расшифровываем и отдаём: ниже порога — буфером,
	// на пороге и выше — потоком
	if record.SizeBytes < s.cfg.StreamThreshold {
		return s.serveBuffered(w, record, f)
	}
	return s.serveStreamed(ctx, w, record, f)
}

// getRecord получает FileRecord из кэша или БД.
func (s *DownloadService) getRecord(ctx context.Context, fileID string) (*model.FileRecord, *DownloadError) {
	if record, ok := s.cache.Get(fileID); ok {
		return record, nil
	}

	record, err := s.repo.GetByID(ctx, fileID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			middleware.DownloadsTotal.WithLabelValues("none", "not_found").Inc()
			return nil, &DownloadError{
				StatusCode: 404,
				Code:       apierrors.CodeNotFound,
				Message:    "Файл не найден",
			}
		}
		s.logger.Error("Ошибка получения записи о файле",
			slog.String("file_id", fileID),
			slog.String("error", err.Error()),
		)
		return nil, &DownloadError{
			StatusCode: 500,
			Code:       apierrors.CodePersistenceError,
			Message:    "Ошибка получения метаданных файла",
		}
	}

	s.cache.Set(fileID, record)
	return record, nil
}

// handleMissingArtifact обрабатывает отсутствие артефакта при живой записи.
// Сначала повторно проверяем БД: запись могла быть удалена параллельным
// запросом после попадания в кэш (гонка чтения с удалением) — тогда это
// обычный 404. Если запись жива, а артефакт отсутствует — хранилище
// повреждено.
func (s *DownloadService) handleMissingArtifact(ctx context.Context, record *model.FileRecord) *DownloadError {
	if _, err := s.repo.GetByID(ctx, record.ID); errors.Is(err, repository.ErrNotFound) {
		s.cache.Delete(record.ID)
		middleware.DownloadsTotal.WithLabelValues("none", "not_found").Inc()
		return &DownloadError{
			StatusCode: 404,
			Code:       apierrors.CodeNotFound,
			Message:    "Файл не найден",
		}
	}

	s.logger.Error("Артефакт отсутствует при живой записи метаданных",
		slog.String("file_id", record.ID),
		slog.String("stored_name", record.StoredName),
	)
	middleware.DownloadsTotal.WithLabelValues("none", "corrupt").Inc()
	return &DownloadError{
		StatusCode: 500,
		Code:       apierrors.CodeCorrupt,
		Message:    "Хранилище повреждено: данные файла отсутствуют",
	}
}

// serveBuffered отдаёт малый файл из буфера: артефакт читается целиком,
// расшифровывается в память, Content-Length известен заранее.
func (s *DownloadService) serveBuffered(w http.ResponseWriter, record *model.FileRecord, f io.Reader) *DownloadError {
	ciphertext, err := io.ReadAll(f)
	if err != nil {
		s.logger.Error("Ошибка чтения артефакта",
			slog.String("file_id", record.ID),
			slog.String("error", err.Error()),
		)
		middleware.DownloadsTotal.WithLabelValues("buffered", "error").Inc()
		return &DownloadError{
			StatusCode: 500,
			Code:       apierrors.CodeInternalError,
			Message:    "Ошибка чтения файла",
		}
	}

	plaintext, err := s.cipher.DecryptBuffer(ciphertext)
	if err != nil {
		s.logger.Error("Ошибка расшифровки артефакта",
			slog.String("file_id", record.ID),
			slog.String("error", err.Error()),
		)
		middleware.DownloadsTotal.WithLabelValues("buffered", "corrupt").Inc()
		return &DownloadError{
			StatusCode: 500,
			Code:       apierrors.CodeCorrupt,
			Message:    "Хранилище повреждено: данные файла не расшифрованы",
		}
	}

	setContentHeaders(w, record)
	w.Header().Set("Content-Length", strconv.Itoa(len(plaintext)))
	w.WriteHeader(http.StatusOK)

	if _, err := w.Write(plaintext); err != nil {
		// Клиент оборвал соединение — не ошибка сервера
		s.logger.Debug("Соединение оборвано при отдаче файла",
			slog.String("file_id", record.ID),
			slog.String("error", err.Error()),
		)
		middleware.DownloadsTotal.WithLabelValues("buffered", "aborted").Inc()
		return nil
	}

	middleware.DownloadsTotal.WithLabelValues("buffered", "success").Inc()
	middleware.DownloadBytesTotal.Add(float64(len(plaintext)))
	middleware.OperationsTotal.WithLabelValues("download", "success").Inc()
	return nil
}

// serveStreamed отдаёт крупный файл в потоке: расшифровка на лету,
// без буферизации всего файла в памяти. Копирование ограничено
// таймаутом DS_STREAM_TIMEOUT.
func (s *DownloadService) serveStreamed(ctx context.Context, w http.ResponseWriter, record *model.FileRecord, f io.Reader) *DownloadError {
	plainReader, err := s.cipher.DecryptReader(f)
	if err != nil {
		s.logger.Error("Ошибка инициализации расшифровки",
			slog.String("file_id", record.ID),
			slog.String("error", err.Error()),
		)
		middleware.DownloadsTotal.WithLabelValues("streamed", "corrupt").Inc()
		return &DownloadError{
			StatusCode: 500,
			Code:       apierrors.CodeCorrupt,
			Message:    "Хранилище повреждено: данные файла не расшифрованы",
		}
	}

	setContentHeaders(w, record)
	w.Header().Set("Content-Length", strconv.FormatInt(record.SizeBytes, 10))
	w.WriteHeader(http.StatusOK)

	streamCtx, cancel := context.WithTimeout(ctx, s.cfg.StreamTimeout)
	defer cancel()

	start := time.Now()
	written, err := io.Copy(w, &contextReader{ctx: streamCtx, r: plainReader})
	if err != nil {
		// Заголовки уже отправлены: обрыв клиента или таймаут,
		// вернуть ошибку клиенту уже нельзя
		s.logger.Debug("Поток отдачи файла прерван",
			slog.String("file_id", record.ID),
			slog.Int64("bytes_written", written),
			slog.Duration("elapsed", time.Since(start)),
			slog.String("error", err.Error()),
		)
		middleware.DownloadsTotal.WithLabelValues("streamed", "aborted").Inc()
		return nil
	}

	middleware.DownloadsTotal.WithLabelValues("streamed", "success").Inc()
	middleware.DownloadBytesTotal.Add(float64(written))
	middleware.OperationsTotal.WithLabelValues("download", "success").Inc()

	s.logger.Debug("Отдача файла завершена",
		slog.String("file_id", record.ID),
		slog.Int64("bytes", written),
		slog.Duration("duration", time.Since(start)),
	)
	return nil
}

// contextReader — reader с проверкой контекста перед каждым чтением.
// Прерывает долгие отдачи по таймауту или отмене запроса.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr *contextReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}
	return cr.r.Read(p)
}

// setContentHeaders устанавливает Content-Type и Content-Disposition.
// Изображения и PDF отдаются inline (предпросмотр в браузере),
// остальные типы — attachment с оригинальным именем.
func setContentHeaders(w http.ResponseWriter, record *model.FileRecord) {
	contentType := record.MimeType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)

	disposition := "attachment"
	if strings.HasPrefix(contentType, "image/") || contentType == "application/pdf" {
		disposition = "inline"
	}
	w.Header().Set("Content-Disposition",
		mime.FormatMediaType(disposition, map[string]string{"filename": record.OriginalName}))
}
