package commerce

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"

	"golang.org/x/crypto/argon2"
)

var (
	errMissingPassphrase = errors.New("commerce: passphrase is required")
	errMissingSalt       = errors.New("commerce: salt is required")
	errMissingCiphertext = errors.New("commerce: sealed secret is empty")
)

// CredentialCipher seals and opens stock-unit secrets with AES-256-GCM.
// The key is derived once from the configured passphrase with argon2id,
// so secrets are never stored or transported in a reversible encoding.
type CredentialCipher struct {
	aead cipher.AEAD
}

// NewCredentialCipher derives the AES key from passphrase and salt and
// returns a ready cipher.
func NewCredentialCipher(passphrase, salt string) (*CredentialCipher, error) {
	if passphrase == "" {
		return nil, errMissingPassphrase
	}
	if salt == "" {
		return nil, errMissingSalt
	}

	key := argon2.IDKey([]byte(passphrase), []byte(salt), 1, 64*1024, 4, 32)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &CredentialCipher{aead: aead}, nil
}

// Seal encrypts a plaintext secret, returning ciphertext and the random nonce.
func (c *CredentialCipher) Seal(plaintext string) (ciphertext, nonce []byte, err error) {
	nonce = make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, err
	}
	ciphertext = c.aead.Seal(nil, nonce, []byte(plaintext), nil)
	return ciphertext, nonce, nil
}

// Open decrypts a sealed secret.
func (c *CredentialCipher) Open(ciphertext, nonce []byte) (string, error) {
	if len(ciphertext) == 0 {
		return "", errMissingCiphertext
	}
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
