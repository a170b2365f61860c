package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/arturkryukov/dropsafe/internal/domain/model"
)

// fileColumns — список столбцов таблицы files для SELECT-запросов.
// DRY: одно место для всех SELECT'ов.
const fileColumns = `id, owner_identity, stored_name, original_name,
	mime_type, size_bytes, checksum, encrypted, uploaded_at`

// FileRepository — интерфейс доступа к метаданным файлов.
// Все операции принимают owner_identity в защищённой форме:
// проверка владения выполняется на уровне SQL, а не в коде сервиса.
type FileRepository interface {
	// Insert сохраняет запись о загруженном файле.
	Insert(ctx context.Context, rec *model.FileRecord) error
	// GetByID возвращает запись по UUID.
	GetByID(ctx context.Context, id string) (*model.FileRecord, error)
	// ListByOwner возвращает записи владельца, новые первыми.
	ListByOwner(ctx context.Context, ownerIdentity string) ([]*model.FileRecord, error)
	// DeleteByID удаляет запись владельца.
	// Возвращает true, если запись существовала и была удалена.
	DeleteByID(ctx context.Context, id, ownerIdentity string) (bool, error)
	// ListAll возвращает все записи (для проверки целостности хранилища).
	ListAll(ctx context.Context) ([]*model.FileRecord, error)
}

// fileRepo — реализация FileRepository через pgx.
type fileRepo struct {
	db DBTX
}

// NewFileRepository создаёт репозиторий файлов.
func NewFileRepository(db DBTX) FileRepository {
	return &fileRepo{db: db}
}

// Insert сохраняет запись о загруженном файле.
func (r *fileRepo) Insert(ctx context.Context, rec *model.FileRecord) error {
	query := `INSERT INTO files (id, owner_identity, stored_name, original_name,
		mime_type, size_bytes, checksum, encrypted, uploaded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := r.db.Exec(ctx, query,
		rec.ID, rec.OwnerIdentity, rec.StoredName, rec.OriginalName,
		rec.MimeType, rec.SizeBytes, rec.Checksum, rec.Encrypted, rec.UploadedAt,
	)
	if err != nil {
		return fmt.Errorf("ошибка вставки записи о файле: %w", err)
	}
	return nil
}

// GetByID возвращает запись по UUID или ErrNotFound.
func (r *fileRepo) GetByID(ctx context.Context, id string) (*model.FileRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM files WHERE id = $1`, fileColumns)

	rec := &model.FileRecord{}
	err := r.db.QueryRow(ctx, query, id).Scan(
		&rec.ID, &rec.OwnerIdentity, &rec.StoredName, &rec.OriginalName,
		&rec.MimeType, &rec.SizeBytes, &rec.Checksum, &rec.Encrypted, &rec.UploadedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения записи о файле: %w", err)
	}
	return rec, nil
}

// ListByOwner возвращает записи владельца, отсортированные по дате загрузки
// (новые первыми).
func (r *fileRepo) ListByOwner(ctx context.Context, ownerIdentity string) ([]*model.FileRecord, error) {
	query := fmt.Sprintf(
		`SELECT %s FROM files WHERE owner_identity = $1 ORDER BY uploaded_at DESC, id`,
		fileColumns,
	)

	rows, err := r.db.Query(ctx, query, ownerIdentity)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения списка файлов: %w", err)
	}
	defer rows.Close()

	return scanFileRows(rows)
}

// DeleteByID удаляет запись владельца.
// Запись другого владельца не удаляется (условие по owner_identity в SQL):
// для вызывающего кода это неотличимо от отсутствия записи.
func (r *fileRepo) DeleteByID(ctx context.Context, id, ownerIdentity string) (bool, error) {
	query := `DELETE FROM files WHERE id = $1 AND owner_identity = $2`

	tag, err := r.db.Exec(ctx, query, id, ownerIdentity)
	if err != nil {
		return false, fmt.Errorf("ошибка удаления записи о файле: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListAll возвращает все записи таблицы files.
// Используется периодической проверкой целостности хранилища.
func (r *fileRepo) ListAll(ctx context.Context) ([]*model.FileRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM files ORDER BY uploaded_at`, fileColumns)

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения всех записей: %w", err)
	}
	defer rows.Close()

	return scanFileRows(rows)
}

// scanFileRows сканирует строки результата в список FileRecord.
func scanFileRows(rows pgx.Rows) ([]*model.FileRecord, error) {
	var result []*model.FileRecord
	for rows.Next() {
		rec := &model.FileRecord{}
		if err := rows.Scan(
			&rec.ID, &rec.OwnerIdentity, &rec.StoredName, &rec.OriginalName,
			&rec.MimeType, &rec.SizeBytes, &rec.Checksum, &rec.Encrypted, &rec.UploadedAt,
		); err != nil {
			return nil, fmt.Errorf("ошибка сканирования записи: %w", err)
		}
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка итерации результатов: %w", err)
	}
	return result, nil
}
