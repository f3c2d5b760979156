package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"io"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// Секреты движка:
//   - API secret брокера может лежать в окружении зашифрованным (AES-256-GCM)
//     с префиксом "enc:", расшифровывается ключом ENCRYPTION_KEY;
//   - токен оператора для control API хранится только bcrypt-хешем.

const sealedPrefix = "enc:"

var (
	ErrInvalidKeyLength  = errors.New("encryption key must be exactly 32 bytes for AES-256")
	ErrInvalidCiphertext = errors.New("invalid ciphertext")
	ErrDecryptionFailed  = errors.New("decryption failed: authentication error")
	ErrEmptyToken        = errors.New("token cannot be empty")
	ErrTokenMismatch     = errors.New("token does not match hash")
	ErrInvalidHash       = errors.New("invalid token hash format")
)

// IsSealed - значение зашифровано SealSecret
func IsSealed(value string) bool {
	return strings.HasPrefix(value, sealedPrefix)
}

// SealSecret шифрует значение: "enc:" + base64(nonce || ciphertext)
func SealSecret(plaintext string, key []byte) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return sealedPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// OpenSecret возвращает открытое значение
//
// Значения без префикса "enc:" считаются открытыми и возвращаются как есть,
// ключ для них не требуется.
func OpenSecret(value string, key []byte) (string, error) {
	if !IsSealed(value) {
		return value, nil
	}

	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, sealedPrefix))
	if err != nil || len(raw) < gcm.NonceSize() {
		return "", ErrInvalidCiphertext
	}

	nonce, data := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, data, nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plain), nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != 32 {
		return nil, ErrInvalidKeyLength
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// ============================================================
// Токен оператора
// ============================================================

// HashToken - bcrypt-хеш токена для OPERATOR_TOKEN_HASH
func HashToken(token string, cost int) (string, error) {
	if token == "" {
		return "", ErrEmptyToken
	}
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	h, err := bcrypt.GenerateFromPassword([]byte(token), cost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// VerifyToken сверяет токен с bcrypt-хешем
func VerifyToken(token, hash string) error {
	if token == "" {
		return ErrEmptyToken
	}
	if hash == "" {
		return ErrInvalidHash
	}
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(token))
	if err == nil {
		return nil
	}
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return ErrTokenMismatch
	}
	return ErrInvalidHash
}
