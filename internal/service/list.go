// list.go — сервис листинга файлов владельца.
package service

import (
	"context"
	"fmt"
	"log/slog"

	apierrors "github.com/arturkryukov/dropsafe/internal/api/errors"
	"github.com/arturkryukov/dropsafe/internal/crypto"
	"github.com/arturkryukov/dropsafe/internal/domain/model"
	"github.com/arturkryukov/dropsafe/internal/repository"
)

// ListError — ошибка листинга с HTTP-кодом.
type ListError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *ListError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ListService — сервис листинга файлов владельца.
type ListService struct {
	cipher *crypto.Cipher
	repo   repository.FileRepository
	logger *slog.Logger
}

// NewListService создаёт сервис листинга.
func NewListService(cipher *crypto.Cipher, repo repository.FileRepository, logger *slog.Logger) *ListService {
	return &ListService{
		cipher: cipher,
		repo:   repo,
		logger: logger.With(slog.String("component", "list_service")),
	}
}

// List возвращает файлы владельца, новые первыми.
// Владелец без файлов получает пустой список, не ошибку.
func (s *ListService) List(ctx context.Context, ownerIdentity string) ([]*model.FileRecord, *ListError) {
	ownerKey, err := s.cipher.ProtectIdentity(ownerIdentity)
	if err != nil {
		s.logger.Error("Ошибка защиты идентичности", slog.String("error", err.Error()))
		return nil, &ListError{
			StatusCode: 500,
			Code:       apierrors.CodeCryptoError,
			Message:    "Ошибка обработки идентичности владельца",
		}
	}

	records, err := s.repo.ListByOwner(ctx, ownerKey)
	if err != nil {
		s.logger.Error("Ошибка листинга файлов", slog.String("error", err.Error()))
		return nil, &ListError{
			StatusCode: 500,
			Code:       apierrors.CodePersistenceError,
			Message:    "Ошибка получения списка файлов",
		}
	}

	if records == nil {
		records = []*model.FileRecord{}
	}
	return records, nil
}
