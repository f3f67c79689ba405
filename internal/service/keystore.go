package service

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters for the sealing key derivation.
const (
	argon2Time    = 1
	argon2Memory  = 64 * 1024 // 64MB
	argon2Threads = 4
	argon2KeyLen  = 32
	argon2SaltLen = 16
)

// Keystore implements ports.Sealer with AES-256-GCM under a key derived from
// a passphrase via Argon2id. Each Seal uses a fresh salt, so the same
// plaintext never produces the same blob twice.
//
// Blob layout: salt(16) | nonce(12) | ciphertext.
type Keystore struct {
	passphrase []byte
}

// NewKeystore creates a sealer bound to the given passphrase.
func NewKeystore(passphrase string) (*Keystore, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("keystore passphrase must not be empty")
	}
	return &Keystore{passphrase: []byte(passphrase)}, nil
}

// Seal encrypts plaintext for storage at rest.
func (k *Keystore) Seal(plaintext []byte) ([]byte, error) {
	salt := make([]byte, argon2SaltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}

	aesGCM, err := k.cipherFor(salt)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aesGCM.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	blob := make([]byte, 0, len(salt)+len(nonce)+len(plaintext)+aesGCM.Overhead())
	blob = append(blob, salt...)
	blob = append(blob, nonce...)
	return aesGCM.Seal(blob, nonce, plaintext, nil), nil
}

// Open decrypts a blob produced by Seal.
func (k *Keystore) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < argon2SaltLen {
		return nil, fmt.Errorf("sealed blob too short")
	}
	salt, rest := sealed[:argon2SaltLen], sealed[argon2SaltLen:]

	aesGCM, err := k.cipherFor(salt)
	if err != nil {
		return nil, err
	}

	nonceSize := aesGCM.NonceSize()
	if len(rest) < nonceSize {
		return nil, fmt.Errorf("sealed blob too short")
	}
	nonce, ciphertext := rest[:nonceSize], rest[nonceSize:]

	plaintext, err := aesGCM.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("opening sealed blob: %w", err)
	}
	return plaintext, nil
}

func (k *Keystore) cipherFor(salt []byte) (cipher.AEAD, error) {
	key := argon2.IDKey(k.passphrase, salt, argon2Time, argon2Memory, argon2Threads, argon2KeyLen)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	aesGCM, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return aesGCM, nil
}
