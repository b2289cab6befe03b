package sealing

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
)

var ErrDecrypt = errors.New("sealing: cannot open blob")

// Box seals message content before it crosses a process boundary that has
// no business seeing plaintext (storage, alert payloads). The coordination
// engine itself works on plaintext; sealing happens at the persistence edge.
type Box struct {
	key [32]byte
}

func New(key [32]byte) *Box {
	return &Box{key: key}
}

// Seal encrypts plaintext into a self-contained blob (nonce prefix +
// ciphertext).
func (b *Box) Seal(plaintext []byte) ([]byte, error) {
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("sealing: nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], plaintext, &nonce, &b.key), nil
}

// Open decrypts a blob produced by Seal.
func (b *Box) Open(blob []byte) ([]byte, error) {
	if len(blob) < 24 {
		return nil, ErrDecrypt
	}
	var nonce [24]byte
	copy(nonce[:], blob[:24])
	plaintext, ok := secretbox.Open(nil, blob[24:], &nonce, &b.key)
	if !ok {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}
