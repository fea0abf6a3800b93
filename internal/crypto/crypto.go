// Package crypto implements the envelope cipher used for credential secret
// material. Each record is encrypted under a key derived from the process
// master key and the record's own identifier, so ciphertext copied between
// rows fails authentication instead of decrypting in the wrong context.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// masterKeyHexLen is the required length of the hex-encoded master key
	// (32 bytes).
	masterKeyHexLen = 64

	nonceSize = 12
	tagSize   = 16
)

// hkdfSalt is a fixed application salt for per-record key derivation.
// Changing it invalidates every stored ciphertext.
var hkdfSalt = []byte("anchorage/credential-envelope/v1")

// ErrCiphertextTooShort is returned when a blob is shorter than the
// nonce+tag framing and cannot possibly be a valid ciphertext.
var ErrCiphertextTooShort = errors.New("ciphertext too short")

// ErrDecrypt is returned when authentication fails during decryption:
// wrong master key, wrong record id, or tampered ciphertext.
var ErrDecrypt = errors.New("decryption failed: message authentication error")

// ParseMasterKey validates and decodes the hex-encoded master key.
func ParseMasterKey(s string) ([]byte, error) {
	if len(s) != masterKeyHexLen {
		return nil, fmt.Errorf("master key: expected a 64-character hex string, got %d characters", len(s))
	}
	key, err := hex.DecodeString(s)
	if err != nil {
		return nil, errors.New("master key: must contain only hexadecimal characters")
	}
	return key, nil
}

// deriveRecordKey derives the per-record AES key from the master key and
// record id via HKDF-SHA256.
func deriveRecordKey(masterKey []byte, recordID string) ([]byte, error) {
	r := hkdf.New(sha256.New, masterKey, hkdfSalt, []byte(recordID))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive record key: %w", err)
	}
	return key, nil
}

func recordAEAD(masterKey []byte, recordID string) (cipher.AEAD, error) {
	key, err := deriveRecordKey(masterKey, recordID)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return gcm, nil
}

// Encrypt encrypts plaintext under the key derived from (masterKey, recordID)
// with AES-256-GCM and a fresh random nonce. The returned blob is laid out
// as nonce || tag || ciphertext.
func Encrypt(plaintext string, masterKey []byte, recordID string) ([]byte, error) {
	gcm, err := recordAEAD(masterKey, recordID)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	// Seal returns ciphertext || tag; reorder into nonce || tag || ciphertext.
	sealed := gcm.Seal(nil, nonce, []byte(plaintext), nil)
	ct := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]

	blob := make([]byte, 0, nonceSize+len(sealed))
	blob = append(blob, nonce...)
	blob = append(blob, tag...)
	blob = append(blob, ct...)
	return blob, nil
}

// Decrypt reverses Encrypt. It verifies the authentication tag before
// returning plaintext; a wrong master key, wrong record id, or any modified
// byte yields ErrDecrypt.
func Decrypt(blob []byte, masterKey []byte, recordID string) (string, error) {
	if len(blob) < nonceSize+tagSize {
		return "", fmt.Errorf("%w: %d bytes, need at least %d", ErrCiphertextTooShort, len(blob), nonceSize+tagSize)
	}

	gcm, err := recordAEAD(masterKey, recordID)
	if err != nil {
		return "", err
	}

	nonce := blob[:nonceSize]
	tag := blob[nonceSize : nonceSize+tagSize]
	ct := blob[nonceSize+tagSize:]

	sealed := make([]byte, 0, len(ct)+tagSize)
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)

	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", ErrDecrypt
	}
	return string(plaintext), nil
}

// Mask returns a redacted form of a secret for logs and API responses.
func Mask(value string) string {
	if value == "" {
		return ""
	}
	if len(value) > 4 {
		return "****" + value[len(value)-4:]
	}
	return "****"
}
