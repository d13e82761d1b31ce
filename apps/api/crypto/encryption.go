// Package crypto seals connection secrets (passwords and key passphrases)
// before they are written to a profile store.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
)

// sealedPrefix marks a value produced by Seal so stores can hold a mix of
// sealed and legacy plaintext values.
const sealedPrefix = "enc:v1:"

var (
	ErrMasterKeyNotSet    = errors.New("ENCRYPTION_MASTER_KEY not set")
	ErrMasterKeyInvalid   = errors.New("ENCRYPTION_MASTER_KEY must be 32 bytes (64 hex characters)")
	ErrCiphertextTooShort = errors.New("ciphertext too short")
	ErrDecryptionFailed   = errors.New("decryption failed")
)

// Encryptor handles AES-256-GCM encryption/decryption
type Encryptor struct {
	masterKey []byte
}

// NewEncryptor parses a hex-encoded 32-byte master key.
func NewEncryptor(keyHex string) (*Encryptor, error) {
	if keyHex == "" {
		return nil, ErrMasterKeyNotSet
	}

	masterKey, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, ErrMasterKeyInvalid
	}
	return NewEncryptorWithKey(masterKey)
}

// NewEncryptorWithKey creates an Encryptor with a specific key (useful for testing)
func NewEncryptorWithKey(key []byte) (*Encryptor, error) {
	if len(key) != 32 {
		return nil, ErrMasterKeyInvalid
	}
	return &Encryptor{masterKey: key}, nil
}

// deriveKey binds ciphertexts to the connection they belong to, so a sealed
// password copied onto another profile fails to open.
func (e *Encryptor) deriveKey(connectionID string) []byte {
	h := sha256.New()
	h.Write(e.masterKey)
	h.Write([]byte(connectionID))
	return h.Sum(nil)
}

func (e *Encryptor) aead(connectionID string) (cipher.AEAD, error) {
	block, err := aes.NewCipher(e.deriveKey(connectionID))
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Encrypt encrypts plaintext with a key derived for connectionID.
// Returns base64-encoded ciphertext (nonce prepended)
func (e *Encryptor) Encrypt(plaintext string, connectionID string) (string, error) {
	gcm, err := e.aead(connectionID)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt decrypts base64-encoded ciphertext using AES-256-GCM
func (e *Encryptor) Decrypt(ciphertextB64 string, connectionID string) (string, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(ciphertextB64)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	gcm, err := e.aead(connectionID)
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return "", ErrCiphertextTooShort
	}

	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}

	return string(plaintext), nil
}

// Seal encrypts a non-empty secret and tags it. Empty values stay empty.
func (e *Encryptor) Seal(secret, connectionID string) (string, error) {
	if secret == "" || IsSealed(secret) {
		return secret, nil
	}
	ct, err := e.Encrypt(secret, connectionID)
	if err != nil {
		return "", err
	}
	return sealedPrefix + ct, nil
}

// Open reverses Seal. Untagged values are returned unchanged.
func (e *Encryptor) Open(value, connectionID string) (string, error) {
	if !IsSealed(value) {
		return value, nil
	}
	return e.Decrypt(strings.TrimPrefix(value, sealedPrefix), connectionID)
}

// IsSealed reports whether value was produced by Seal.
func IsSealed(value string) bool {
	return strings.HasPrefix(value, sealedPrefix)
}
