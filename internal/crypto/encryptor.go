// Package crypto provides AES-256-GCM encryption for credential payloads,
// refresh tokens, and OAuth client secrets. It is the only component allowed
// to see plaintext token material; everything else handles ciphertext.
//
// Each encryption uses a fresh random nonce, so encrypting the same plaintext
// twice yields different ciphertexts. Decryption authenticates the ciphertext,
// so tampered or foreign data fails rather than producing garbage.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"

	"golang.org/x/crypto/pbkdf2"

	"credential-coordinator/internal/common/errors"
)

// Encryptor handles encryption and decryption of credential material using
// AES-256-GCM. Safe for concurrent use.
type Encryptor struct {
	key []byte // derived 32-byte AES-256 key
}

// NewEncryptor derives a 32-byte AES-256 key from the provided passphrase via
// PBKDF2 and returns an Encryptor. The passphrase must not be empty; it should
// come from the environment, never source code.
func NewEncryptor(key string) (*Encryptor, error) {
	if key == "" {
		return nil, errors.ValidationError("encryption key cannot be empty")
	}

	// Static salt keeps key derivation deterministic across restarts; the
	// per-message nonce supplies the randomness.
	salt := []byte("credential-coordinator-salt")
	derivedKey := pbkdf2.Key([]byte(key), salt, 10000, 32, sha256.New)

	return &Encryptor{key: derivedKey}, nil
}

// Encrypt encrypts plaintext and returns base64(nonce || ciphertext).
// Empty input passes through as empty output.
func (e *Encryptor) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	block, err := aes.NewCipher(e.key)
	if err != nil {
		return "", errors.InternalError("failed to create cipher", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", errors.InternalError("failed to create GCM", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", errors.InternalError("failed to create nonce", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)

	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt reverses Encrypt. Any failure (bad base64, wrong key, tampering)
// is a decryption-typed error; callers must treat it as terminal and never
// retry the operation that needed the plaintext.
func (e *Encryptor) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}

	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", errors.DecryptionError("failed to decode ciphertext", err)
	}

	block, err := aes.NewCipher(e.key)
	if err != nil {
		return "", errors.InternalError("failed to create cipher", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", errors.InternalError("failed to create GCM", err)
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", errors.DecryptionError("ciphertext too short", nil)
	}

	nonce, ciphertextBytes := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertextBytes, nil)
	if err != nil {
		return "", errors.DecryptionError("failed to decrypt", err)
	}

	return string(plaintext), nil
}

// EncryptJSON marshals v to JSON and encrypts the result. Used for the
// credential payload bundle (access token plus metadata).
func (e *Encryptor) EncryptJSON(v interface{}) (string, error) {
	jsonBytes, err := json.Marshal(v)
	if err != nil {
		return "", errors.InternalError("failed to marshal JSON", err)
	}

	return e.Encrypt(string(jsonBytes))
}

// DecryptJSON decrypts ciphertext produced by EncryptJSON and unmarshals it
// into dest.
func (e *Encryptor) DecryptJSON(ciphertext string, dest interface{}) error {
	plaintext, err := e.Decrypt(ciphertext)
	if err != nil {
		return err
	}
	if plaintext == "" {
		return errors.DecryptionError("empty payload", nil)
	}
	if err := json.Unmarshal([]byte(plaintext), dest); err != nil {
		return errors.DecryptionError("failed to unmarshal payload", err)
	}
	return nil
}
