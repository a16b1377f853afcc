package backup

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
)

// Sealed snapshot layout:
//
//	magic(4) | salt(16) | nonce(12) | AES-256-GCM ciphertext
//
// The magic is also passed as additional data so a header swap fails to open.
var snapshotMagic = []byte("QPB1")

const (
	saltSize  = 16
	nonceSize = 12
	keySize   = 32

	argonTime    = 3
	argonMemory  = 64 * 1024
	argonThreads = 4
)

var (
	ErrNotSnapshot     = errors.New("not a quizpass snapshot")
	ErrWrongPassphrase = errors.New("snapshot cannot be opened with this passphrase")
)

func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory, argonThreads, keySize)
}

func newGCM(passphrase string, salt []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(deriveKey(passphrase, salt))
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// seal encrypts plaintext under a fresh salt and nonce.
func seal(plaintext []byte, passphrase string) ([]byte, error) {
	header := make([]byte, len(snapshotMagic)+saltSize+nonceSize)
	copy(header, snapshotMagic)
	if _, err := io.ReadFull(rand.Reader, header[len(snapshotMagic):]); err != nil {
		return nil, fmt.Errorf("read random: %w", err)
	}
	salt := header[len(snapshotMagic) : len(snapshotMagic)+saltSize]
	nonce := header[len(snapshotMagic)+saltSize:]

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return nil, err
	}
	return gcm.Seal(header, nonce, plaintext, snapshotMagic), nil
}

// open reverses seal.
func open(sealed []byte, passphrase string) ([]byte, error) {
	headerLen := len(snapshotMagic) + saltSize + nonceSize
	if len(sealed) < headerLen || !bytes.Equal(sealed[:len(snapshotMagic)], snapshotMagic) {
		return nil, ErrNotSnapshot
	}
	salt := sealed[len(snapshotMagic) : len(snapshotMagic)+saltSize]
	nonce := sealed[len(snapshotMagic)+saltSize : headerLen]

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, nonce, sealed[headerLen:], snapshotMagic)
	if err != nil {
		return nil, ErrWrongPassphrase
	}
	return plaintext, nil
}
