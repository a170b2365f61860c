// Пакет crypto — шифрование файлов и коротких полей.
// AES-256-CTR с фиксированным процесс-wide ключом; IV генерируется
// заново для каждого артефакта и хранится префиксом шифротекста.
// CTR не аутентифицирует данные: повреждённый шифротекст расшифруется
// в мусор без ошибки, успешная расшифровка не гарантирует целостность.
package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

// KeySize — требуемая длина ключа в байтах (AES-256).
const KeySize = 32

// IVSize — длина IV-префикса артефакта.
const IVSize = aes.BlockSize

// Ошибки пакета crypto.
var (
	// ErrInvalidKey — ключ не равен 32 байтам.
	ErrInvalidKey = errors.New("ключ должен быть ровно 32 байта (AES-256)")
	// ErrCiphertextTooShort — шифротекст короче IV-префикса.
	ErrCiphertextTooShort = errors.New("шифротекст короче IV-префикса")
)

// identitySalt — доменный префикс для синтетического IV владельца.
const identitySalt = "dropsafe-owner:"

// Cipher — сервис шифрования с фиксированным ключом.
// Ключ загружается один раз при старте процесса и передаётся явно,
// глобального состояния пакет не хранит.
type Cipher struct {
	key []byte
}

// New создаёт Cipher. Возвращает ErrInvalidKey, если ключ не 32 байта.
func New(key []byte) (*Cipher, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: получено %d байт", ErrInvalidKey, len(key))
	}
	c := &Cipher{key: make([]byte, KeySize)}
	copy(c.key, key)
	return c, nil
}

// encryptTo шифрует src в dst под заданным IV: сначала пишется IV,
// затем CTR-поток. Общая основа буферного и потокового вариантов,
// поэтому их вывод побайтно идентичен для одного входа и IV.
func (c *Cipher) encryptTo(dst io.Writer, src io.Reader, iv []byte) (int64, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return 0, fmt.Errorf("инициализация AES: %w", err)
	}

	if _, err := dst.Write(iv); err != nil {
		return 0, fmt.Errorf("запись IV: %w", err)
	}

	sw := &cipher.StreamWriter{S: cipher.NewCTR(block, iv), W: dst}
	n, err := io.Copy(sw, src)
	if err != nil {
		return IVSize + n, fmt.Errorf("шифрование потока: %w", err)
	}
	return IVSize + n, nil
}

// newIV генерирует случайный IV для нового артефакта.
func newIV() ([]byte, error) {
	iv := make([]byte, IVSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("генерация IV: %w", err)
	}
	return iv, nil
}

// EncryptStream шифрует поток src в dst со свежим случайным IV.
// Возвращает количество записанных байт шифротекста (включая IV).
func (c *Cipher) EncryptStream(dst io.Writer, src io.Reader) (int64, error) {
	iv, err := newIV()
	if err != nil {
		return 0, err
	}
	return c.encryptTo(dst, src, iv)
}

// EncryptReader возвращает reader, отдающий шифротекст src:
// IV-префикс, затем CTR-поток. Используется pipeline загрузки,
// чтобы не буферизовать большие файлы.
func (c *Cipher) EncryptReader(src io.Reader) (io.Reader, error) {
	iv, err := newIV()
	if err != nil {
		return nil, err
	}
	return c.encryptReaderWithIV(src, iv)
}

// encryptReaderWithIV — основа EncryptReader с явным IV.
func (c *Cipher) encryptReaderWithIV(src io.Reader, iv []byte) (io.Reader, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, fmt.Errorf("инициализация AES: %w", err)
	}
	return io.MultiReader(
		bytes.NewReader(iv),
		&cipher.StreamReader{S: cipher.NewCTR(block, iv), R: src},
	), nil
}

// DecryptReader читает IV-префикс из src и возвращает reader
// расшифрованного потока. Возвращает ErrCiphertextTooShort, если
// src закончился раньше IV.
func (c *Cipher) DecryptReader(src io.Reader) (io.Reader, error) {
	iv := make([]byte, IVSize)
	if _, err := io.ReadFull(src, iv); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrCiphertextTooShort
		}
		return nil, fmt.Errorf("чтение IV: %w", err)
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, fmt.Errorf("инициализация AES: %w", err)
	}
	return &cipher.StreamReader{S: cipher.NewCTR(block, iv), R: src}, nil
}

// DecryptStream расшифровывает поток src в dst.
// Возвращает количество записанных байт plaintext.
func (c *Cipher) DecryptStream(dst io.Writer, src io.Reader) (int64, error) {
	r, err := c.DecryptReader(src)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(dst, r)
	if err != nil {
		return n, fmt.Errorf("расшифровка потока: %w", err)
	}
	return n, nil
}

// EncryptBuffer шифрует буфер со свежим случайным IV.
// Вывод идентичен потоковому варианту для того же входа и IV.
func (c *Cipher) EncryptBuffer(plaintext []byte) ([]byte, error) {
	iv, err := newIV()
	if err != nil {
		return nil, err
	}
	return c.encryptBufferWithIV(plaintext, iv)
}

// encryptBufferWithIV — основа EncryptBuffer с явным IV.
func (c *Cipher) encryptBufferWithIV(plaintext, iv []byte) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(IVSize + len(plaintext))
	if _, err := c.encryptTo(&buf, bytes.NewReader(plaintext), iv); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecryptBuffer расшифровывает буфер с IV-префиксом.
// Возвращает ErrCiphertextTooShort для усечённого входа.
func (c *Cipher) DecryptBuffer(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < IVSize {
		return nil, ErrCiphertextTooShort
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, fmt.Errorf("инициализация AES: %w", err)
	}

	plaintext := make([]byte, len(ciphertext)-IVSize)
	cipher.NewCTR(block, ciphertext[:IVSize]).XORKeyStream(plaintext, ciphertext[IVSize:])
	return plaintext, nil
}

// NormalizeIdentity — каноническая нормализация владельца: trim + lowercase.
// Применяется перед любым сравнением или шифрованием identity.
func NormalizeIdentity(identity string) string {
	return strings.ToLower(strings.TrimSpace(identity))
}

// ProtectIdentity — каноническое преобразование владельца для колонки
// owner_identity: нормализация, затем детерминированное шифрование
// с синтетическим IV из SHA-256 нормализованной строки.
// Одинаковый вход всегда даёт одинаковый выход, поэтому значение
// пригодно для точного поиска по колонке. Преобразование применяется
// одинаково при записи и при каждом запросе.
func (c *Cipher) ProtectIdentity(identity string) (string, error) {
	norm := NormalizeIdentity(identity)
	sum := sha256.Sum256([]byte(identitySalt + norm))

	ct, err := c.encryptBufferWithIV([]byte(norm), sum[:IVSize])
	if err != nil {
		return "", fmt.Errorf("шифрование identity: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(ct), nil
}
