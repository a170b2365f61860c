// Пакет model — доменные модели DropSafe.
package model

import "time"

// FileRecord — метаданные загруженного файла (строка таблицы files).
type FileRecord struct {
	// ID — uuid записи, назначается при вставке, неизменяемый
	ID string
	// OwnerIdentity — владелец в защищённой форме (crypto.ProtectIdentity)
	OwnerIdentity string
	// StoredName — имя зашифрованного артефакта в filestore, уникальное
	StoredName string
	// OriginalName — пользовательское имя файла, не уникальное
	OriginalName string
	// MimeType — MIME-тип исходного содержимого
	MimeType string
	// SizeBytes — размер plaintext (размер шифротекста больше на длину IV)
	SizeBytes int64
	// Checksum — SHA-256 зашифрованного артефакта
	Checksum string
	// Encrypted — всегда true для записей, созданных pipeline загрузки
	Encrypted bool
	// UploadedAt — момент создания записи, неизменяемый
	UploadedAt time.Time
}
