package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
)

// secretBox encrypts enrollment secrets at rest with NaCl secretbox under a
// key derived from the admin secret. The wire form is hex(nonce || box).
type secretBox struct {
	key [32]byte
}

func newSecretBox(key [32]byte) *secretBox {
	return &secretBox{key: key}
}

func (b *secretBox) seal(plaintext []byte) (string, error) {
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := secretbox.Seal(nonce[:], plaintext, &nonce, &b.key)
	return hex.EncodeToString(sealed), nil
}

func (b *secretBox) open(encoded string) ([]byte, error) {
	raw, err := hex.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}
	if len(raw) < 24 {
		return nil, errors.New("ciphertext too short")
	}
	var nonce [24]byte
	copy(nonce[:], raw[:24])
	plaintext, ok := secretbox.Open(nil, raw[24:], &nonce, &b.key)
	if !ok {
		return nil, errors.New("decryption failed")
	}
	return plaintext, nil
}
