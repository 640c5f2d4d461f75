// Package encryption provides the authenticated encryption providers applied
// to message bodies after compression on publish and before decompression on
// consume.
package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

var (
	// ErrEmptyInput is returned when there is nothing to encrypt or decrypt.
	ErrEmptyInput = errors.New("encryption: empty input")
	// ErrInvalidKey is returned for keys of the wrong length.
	ErrInvalidKey = errors.New("encryption: invalid key")
	// ErrCiphertextTooShort is returned when the input cannot hold a nonce.
	ErrCiphertextTooShort = errors.New("encryption: ciphertext too short")
)

// Provider encrypts and decrypts byte slices. Type is recorded in the
// message metadata and headers.
type Provider interface {
	Encrypt(data []byte) ([]byte, error)
	Decrypt(data []byte) ([]byte, error)
	Type() string
}

// KeySize is the key length, in bytes, accepted by every provider here.
const KeySize = 32

// DeriveKey stretches a passphrase into a KeySize key with argon2id.
func DeriveKey(passphrase, salt []byte) []byte {
	return argon2.IDKey(passphrase, salt, 1, 64*1024, 4, KeySize)
}

// aead seals with a random nonce prepended to the ciphertext.
type aead struct {
	cipher cipher.AEAD
	typ    string
}

// NewAESGCM returns an AES-256-GCM provider.
func NewAESGCM(key []byte) (Provider, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: AES-256 needs %d bytes, got %d", ErrInvalidKey, KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("encryption: aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("encryption: gcm: %w", err)
	}
	return &aead{cipher: gcm, typ: "AESGCM-256"}, nil
}

// NewXChaCha20Poly1305 returns an XChaCha20-Poly1305 provider.
func NewXChaCha20Poly1305(key []byte) (Provider, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("%w: XChaCha20-Poly1305 needs %d bytes, got %d", ErrInvalidKey, chacha20poly1305.KeySize, len(key))
	}
	c, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("encryption: xchacha20poly1305: %w", err)
	}
	return &aead{cipher: c, typ: "XCHACHA20-POLY1305"}, nil
}

func (a *aead) Type() string { return a.typ }

func (a *aead) Encrypt(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, ErrEmptyInput
	}
	nonce := make([]byte, a.cipher.NonceSize(), a.cipher.NonceSize()+len(data)+a.cipher.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("encryption: nonce: %w", err)
	}
	return a.cipher.Seal(nonce, nonce, data, nil), nil
}

func (a *aead) Decrypt(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, ErrEmptyInput
	}
	ns := a.cipher.NonceSize()
	if len(data) < ns+a.cipher.Overhead() {
		return nil, ErrCiphertextTooShort
	}
	out, err := a.cipher.Open(nil, data[:ns], data[ns:], nil)
	if err != nil {
		return nil, fmt.Errorf("encryption: open: %w", err)
	}
	return out, nil
}
