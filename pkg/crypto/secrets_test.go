package crypto

import (
	"errors"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

func TestSealOpenSecret(t *testing.T) {
	sealed, err := SealSecret("bybit-api-secret", testKey)
	if err != nil {
		t.Fatalf("SealSecret: %v", err)
	}
	if !strings.HasPrefix(sealed, "enc:") {
		t.Fatalf("ожидали префикс enc:, получили %q", sealed)
	}

	plain, err := OpenSecret(sealed, testKey)
	if err != nil {
		t.Fatalf("OpenSecret: %v", err)
	}
	if plain != "bybit-api-secret" {
		t.Errorf("OpenSecret = %q", plain)
	}
}

func TestOpenSecret_PlainPassthrough(t *testing.T) {
	plain, err := OpenSecret("not-sealed", nil)
	if err != nil || plain != "not-sealed" {
		t.Fatalf("OpenSecret(plain) = %q, %v", plain, err)
	}
}

func TestOpenSecret_Errors(t *testing.T) {
	sealed, _ := SealSecret("x", testKey)
	wrongKey := []byte("ffffffffffffffffffffffffffffffff")

	tests := []struct {
		name  string
		value string
		key   []byte
		want  error
	}{
		{"short key", sealed, []byte("short"), ErrInvalidKeyLength},
		{"wrong key", sealed, wrongKey, ErrDecryptionFailed},
		{"bad base64", "enc:!!!", testKey, ErrInvalidCiphertext},
		{"too short", "enc:AAAA", testKey, ErrInvalidCiphertext},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := OpenSecret(tt.value, tt.key)
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestSealSecret_NonceDiffers(t *testing.T) {
	a, _ := SealSecret("same", testKey)
	b, _ := SealSecret("same", testKey)
	if a == b {
		t.Error("одинаковый открытый текст должен давать разный шифротекст")
	}
}

func TestHashVerifyToken(t *testing.T) {
	hash, err := HashToken("operator-token", bcrypt.MinCost)
	if err != nil {
		t.Fatalf("HashToken: %v", err)
	}

	if err := VerifyToken("operator-token", hash); err != nil {
		t.Errorf("VerifyToken(верный) = %v", err)
	}
	if err := VerifyToken("wrong", hash); !errors.Is(err, ErrTokenMismatch) {
		t.Errorf("VerifyToken(неверный) = %v, want ErrTokenMismatch", err)
	}
	if err := VerifyToken("", hash); !errors.Is(err, ErrEmptyToken) {
		t.Errorf("VerifyToken(пустой) = %v", err)
	}
	if err := VerifyToken("x", "garbage"); !errors.Is(err, ErrInvalidHash) {
		t.Errorf("VerifyToken(мусорный хеш) = %v", err)
	}
	if _, err := HashToken("", bcrypt.MinCost); !errors.Is(err, ErrEmptyToken) {
		t.Errorf("HashToken(\"\") = %v", err)
	}
}
