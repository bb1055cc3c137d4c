// Package secrets seals and opens tenant secret values with AES-256-GCM
// envelope encryption. Plaintext is write-only at the API surface: it is
// sealed on create and opened only inside the agent loop and the connector
// executor paths. Each ciphertext records the id of the key that sealed it
// so KEK rotation can proceed key by key.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
)

// ErrUnknownKEK is returned when a ciphertext references a key id the
// keyring does not hold.
var ErrUnknownKEK = errors.New("unknown kek id")

// Keyring holds the key-encryption keys by id. The active id seals new
// secrets; every listed id can still open.
type Keyring struct {
	active string
	keys   map[string][]byte
}

// NewKeyring builds a keyring. Every key must be exactly 32 bytes
// (AES-256); activeID must be present in keys.
func NewKeyring(activeID string, keys map[string][]byte) (*Keyring, error) {
	if _, ok := keys[activeID]; !ok {
		return nil, fmt.Errorf("active kek %q not present in keyring", activeID)
	}
	for id, key := range keys {
		if len(key) != 32 {
			return nil, fmt.Errorf("kek %q has %d bytes, want 32", id, len(key))
		}
	}
	return &Keyring{active: activeID, keys: keys}, nil
}

// KeyringFromEnv builds the keyring from SECRETS_KEK_ID and SECRETS_KEK
// (base64-encoded, 32 bytes decoded). Both unset returns (nil, nil), which
// disables sealed secrets for the deployment.
func KeyringFromEnv() (*Keyring, error) {
	id := os.Getenv("SECRETS_KEK_ID")
	raw := os.Getenv("SECRETS_KEK")
	if id == "" && raw == "" {
		return nil, nil
	}
	if id == "" || raw == "" {
		return nil, errors.New("SECRETS_KEK_ID and SECRETS_KEK must be set together")
	}
	key, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("SECRETS_KEK is not valid base64: %w", err)
	}
	return NewKeyring(id, map[string][]byte{id: key})
}

// ActiveKEK returns the id new secrets are sealed under.
func (k *Keyring) ActiveKEK() string {
	return k.active
}

// Seal encrypts plaintext under the active KEK. The returned ciphertext is
// nonce||sealed; the KEK id is returned separately for persistence next to
// the ciphertext.
func (k *Keyring) Seal(plaintext []byte) (ciphertext []byte, kekID string, err error) {
	gcm, err := k.aead(k.active)
	if err != nil {
		return nil, "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), k.active, nil
}

// Open decrypts a ciphertext sealed by Seal under the given KEK id.
func (k *Keyring) Open(ciphertext []byte, kekID string) ([]byte, error) {
	gcm, err := k.aead(kekID)
	if err != nil {
		return nil, err
	}

	if len(ciphertext) < gcm.NonceSize() {
		return nil, errors.New("ciphertext shorter than nonce")
	}
	nonce, sealed := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]

	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open secret: %w", err)
	}
	return plaintext, nil
}

func (k *Keyring) aead(kekID string) (cipher.AEAD, error) {
	key, ok := k.keys[kekID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKEK, kekID)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to init gcm: %w", err)
	}
	return gcm, nil
}
