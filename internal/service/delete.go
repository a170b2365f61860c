// delete.go — сервис удаления файлов: артефакт + запись метаданных.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	apierrors "github.com/arturkryukov/dropsafe/internal/api/errors"
	"github.com/arturkryukov/dropsafe/internal/api/middleware"
	"github.com/arturkryukov/dropsafe/internal/crypto"
	"github.com/arturkryukov/dropsafe/internal/repository"
	"github.com/arturkryukov/dropsafe/internal/storage/filestore"
)

// DeleteError — ошибка удаления с HTTP-кодом.
type DeleteError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *DeleteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// DeleteService — сервис удаления файлов.
type DeleteService struct {
	cipher *crypto.Cipher
	store  *filestore.FileStore
	repo   repository.FileRepository
	cache  *CacheService
	logger *slog.Logger
}

// NewDeleteService создаёт сервис удаления файлов.
func NewDeleteService(
	cipher *crypto.Cipher,
	store *filestore.FileStore,
	repo repository.FileRepository,
	cache *CacheService,
	logger *slog.Logger,
) *DeleteService {
	return &DeleteService{
		cipher: cipher,
		store:  store,
		repo:   repo,
		cache:  cache,
		logger: logger.With(slog.String("component", "delete_service")),
	}
}

// Delete удаляет файл владельца: артефакт с диска и запись метаданных.
//
// Поток:
//  1. Защита идентичности владельца
//  2. Поиск записи; чужой файл неотличим от несуществующего (404)
//  3. Удаление артефакта (идемпотентно: отсутствие — не ошибка)
//  4. Удаление записи метаданных (owner-scoped)
//  5. Инвалидация кэша
func (s *DeleteService) Delete(ctx context.Context, fileID, ownerIdentity string) *DeleteError {
	// 1. Защищаем идентичность владельца
	ownerKey, err := s.cipher.ProtectIdentity(ownerIdentity)
	if err != nil {
		s.logger.Error("Ошибка защиты идентичности", slog.String("error", err.Error()))
		return &DeleteError{
			StatusCode: 500,
			Code:       apierrors.CodeCryptoError,
			Message:    "Ошибка обработки идентичности владельца",
		}
	}

	// 2. Ищем запись
	record, err := s.repo.GetByID(ctx, fileID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return &DeleteError{
				StatusCode: 404,
				Code:       apierrors.CodeNotFound,
				Message:    "Файл не найден",
			}
		}
		s.logger.Error("Ошибка получения записи о файле",
			slog.String("file_id", fileID),
			slog.String("error", err.Error()),
		)
		return &DeleteError{
			StatusCode: 500,
			Code:       apierrors.CodePersistenceError,
			Message:    "Ошибка получения метаданных файла",
		}
	}

	// Чужой файл неотличим от несуществующего
	if record.OwnerIdentity != ownerKey {
		return &DeleteError{
			StatusCode: 404,
			Code:       apierrors.CodeNotFound,
			Message:    "Файл не найден",
		}
	}

	// 3. Удаляем артефакт (идемпотентно)
	removed, err := s.store.Delete(record.StoredName)
	if err != nil {
		s.logger.Error("Ошибка удаления артефакта",
			slog.String("file_id", fileID),
			slog.String("stored_name", record.StoredName),
			slog.String("error", err.Error()),
		)
		middleware.OperationsTotal.WithLabelValues("delete", "error").Inc()
		return &DeleteError{
			StatusCode: 500,
			Code:       apierrors.CodeInternalError,
			Message:    "Ошибка удаления данных файла",
		}
	}
	if !removed {
		// Запись пережила артефакт: удаляем метаданные, фиксируем факт
		s.logger.Warn("Артефакт отсутствовал при удалении",
			slog.String("file_id", fileID),
			slog.String("stored_name", record.StoredName),
		)
	}

	// 4. Удаляем запись метаданных (owner-scoped)
	deleted, err := s.repo.DeleteByID(ctx, fileID, ownerKey)
	if err != nil {
		s.logger.Error("Ошибка удаления метаданных",
			slog.String("file_id", fileID),
			slog.String("error", err.Error()),
		)
		middleware.OperationsTotal.WithLabelValues("delete", "error").Inc()
		return &DeleteError{
			StatusCode: 500,
			Code:       apierrors.CodePersistenceError,
			Message:    "Ошибка удаления метаданных файла",
		}
	}
	if !deleted {
		// Параллельный запрос удалил запись первым
		return &DeleteError{
			StatusCode: 404,
			Code:       apierrors.CodeNotFound,
			Message:    "Файл не найден",
		}
	}

	// 5. Инвалидируем кэш
	s.cache.Delete(fileID)

	middleware.OperationsTotal.WithLabelValues("delete", "success").Inc()

	s.logger.Info("Файл удалён",
		slog.String("file_id", fileID),
		slog.String("stored_name", record.StoredName),
		slog.Bool("artifact_removed", removed),
	)
	return nil
}
