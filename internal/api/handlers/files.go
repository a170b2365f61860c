// files.go — HTTP handlers файловых операций DropSafe.
// Upload, List, View (скачивание), Delete.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/arturkryukov/dropsafe/internal/api/errors"
	"github.com/arturkryukov/dropsafe/internal/api/middleware"
	"github.com/arturkryukov/dropsafe/internal/config"
	"github.com/arturkryukov/dropsafe/internal/domain/model"
	"github.com/arturkryukov/dropsafe/internal/service"
)

// multipartFormOverhead — запас на заголовки и границы multipart-формы
// сверх максимального размера файла.
const multipartFormOverhead = 1 << 20

// multipartMemoryLimit — объём части формы, удерживаемой в памяти;
// остальное multipart-парсер пишет во временные файлы.
const multipartMemoryLimit = 32 << 20

// FilesHandler — обработчик файловых endpoints.
type FilesHandler struct {
	cfg         *config.Config
	uploadSvc   *service.UploadService
	downloadSvc *service.DownloadService
	deleteSvc   *service.DeleteService
	listSvc     *service.ListService
}

// NewFilesHandler создаёт обработчик файловых endpoints.
func NewFilesHandler(
	cfg *config.Config,
	uploadSvc *service.UploadService,
	downloadSvc *service.DownloadService,
	deleteSvc *service.DeleteService,
	listSvc *service.ListService,
) *FilesHandler {
	return &FilesHandler{
		cfg:         cfg,
		uploadSvc:   uploadSvc,
		downloadSvc: downloadSvc,
		deleteSvc:   deleteSvc,
		listSvc:     listSvc,
	}
}

// uploadResponse — тело ответа успешной загрузки.
type uploadResponse struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	MimeType string `json:"mimeType"`
}

// listItem — элемент ответа листинга.
type listItem struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	MimeType   string    `json:"mimeType"`
	Size       int64     `json:"size"`
	UploadedAt time.Time `json:"uploadedAt"`
}

// Upload обрабатывает POST /api/upload.
// Multipart form: file (обязательно). Идентичность владельца — только
// из JWT (никогда из тела запроса).
func (h *FilesHandler) Upload(w http.ResponseWriter, r *http.Request) {
	identity := middleware.IdentityFromContext(r.Context())
	if identity == "" {
		apierrors.Unauthorized(w, "Идентичность владельца не установлена")
		return
	}

	// Жёсткий потолок на размер тела запроса: оверсайз отклоняется
	// до какой-либо работы шифрования
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxFileSize+multipartFormOverhead)

	if err := r.ParseMultipartForm(multipartMemoryLimit); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			apierrors.FileTooLarge(w, "Размер запроса превышает допустимый максимум")
			return
		}
		apierrors.BadRequest(w, "Ошибка разбора multipart-формы: "+err.Error())
		return
	}
	// Временные файлы multipart-парсера (plaintext!) удаляются безусловно
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	file, header, err := r.FormFile("file")
	if err != nil {
		apierrors.BadRequest(w, "Поле 'file' обязательно")
		return
	}
	defer file.Close()

	// Размер известен из multipart-заголовка: oversize отклоняется здесь,
	// до передачи потока в pipeline шифрования
	if header.Size > h.cfg.MaxFileSize {
		apierrors.FileTooLarge(w, "Размер файла превышает допустимый максимум")
		return
	}

	result, uploadErr := h.uploadSvc.Upload(r.Context(), service.UploadParams{
		Reader:           file,
		OriginalName:     header.Filename,
		DeclaredMimeType: header.Header.Get("Content-Type"),
		DeclaredSize:     header.Size,
		OwnerIdentity:    identity,
	})
	if uploadErr != nil {
		apierrors.WriteError(w, uploadErr.StatusCode, uploadErr.Code, uploadErr.Message)
		return
	}

	writeJSON(w, http.StatusOK, uploadResponse{
		ID:       result.Record.ID,
		Name:     result.Record.OriginalName,
		Size:     result.Record.SizeBytes,
		MimeType: result.Record.MimeType,
	})
}

// List обрабатывает GET /api/files.
// Возвращает файлы владельца, новые первыми. Пустой список — не ошибка.
func (h *FilesHandler) List(w http.ResponseWriter, r *http.Request) {
	identity := middleware.IdentityFromContext(r.Context())
	if identity == "" {
		apierrors.Unauthorized(w, "Идентичность владельца не установлена")
		return
	}

	records, listErr := h.listSvc.List(r.Context(), identity)
	if listErr != nil {
		apierrors.WriteError(w, listErr.StatusCode, listErr.Code, listErr.Message)
		return
	}

	items := make([]listItem, 0, len(records))
	for _, rec := range records {
		items = append(items, recordToListItem(rec))
	}
	writeJSON(w, http.StatusOK, items)
}

// View обрабатывает GET /api/files/view/{file_id}.
// Отдаёт расшифрованное содержимое файла владельцу.
func (h *FilesHandler) View(w http.ResponseWriter, r *http.Request) {
	identity := middleware.IdentityFromContext(r.Context())
	if identity == "" {
		apierrors.Unauthorized(w, "Идентичность владельца не установлена")
		return
	}

	fileID := chi.URLParam(r, "file_id")
	if fileID == "" {
		apierrors.BadRequest(w, "Идентификатор файла не указан")
		return
	}

	if downloadErr := h.downloadSvc.Download(r.Context(), w, fileID, identity); downloadErr != nil {
		apierrors.WriteError(w, downloadErr.StatusCode, downloadErr.Code, downloadErr.Message)
	}
}

// Delete обрабатывает DELETE /api/files/{file_id}.
func (h *FilesHandler) Delete(w http.ResponseWriter, r *http.Request) {
	identity := middleware.IdentityFromContext(r.Context())
	if identity == "" {
		apierrors.Unauthorized(w, "Идентичность владельца не установлена")
		return
	}

	fileID := chi.URLParam(r, "file_id")
	if fileID == "" {
		apierrors.BadRequest(w, "Идентификатор файла не указан")
		return
	}

	if deleteErr := h.deleteSvc.Delete(r.Context(), fileID, identity); deleteErr != nil {
		apierrors.WriteError(w, deleteErr.StatusCode, deleteErr.Code, deleteErr.Message)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// recordToListItem преобразует FileRecord в элемент ответа листинга.
func recordToListItem(rec *model.FileRecord) listItem {
	return listItem{
		ID:         rec.ID,
		Name:       rec.OriginalName,
		MimeType:   rec.MimeType,
		Size:       rec.SizeBytes,
		UploadedAt: rec.UploadedAt,
	}
}

// writeJSON записывает JSON-ответ с указанным статусом.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
