// Package payload seals message bodies at the storage boundary. The routing
// layer only ever sees plaintext; a Cipher is constructed once at startup
// from the configured secret and scheme.
package payload

import (
	"errors"
	"fmt"
	"strings"
)

// KeySize is the normalized secret length every scheme derives from.
const KeySize = 32

// Cipher encrypts and decrypts message bodies.
type Cipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(sealed string) (string, error)
}

// ErrMalformedPayload marks any undecryptable input: wrong segment count,
// bad encoding, truncated ciphertext, or a key mismatch. Callers match the
// whole class with errors.Is.
var ErrMalformedPayload = errors.New("malformed encrypted payload")

// Supported scheme names.
const (
	SchemeAESCBC   = "aes-cbc"
	SchemeChaCha20 = "chacha20poly1305"
)

// New builds a Cipher for the named scheme. The secret is normalized to
// KeySize bytes once here, never per call.
func New(scheme, secret string) (Cipher, error) {
	key := normalizeKey(secret)
	switch strings.ToLower(strings.TrimSpace(scheme)) {
	case SchemeAESCBC, "":
		return newAESCBC(key)
	case SchemeChaCha20:
		return newChaCha(key)
	default:
		return nil, fmt.Errorf("unsupported encryption scheme %q", scheme)
	}
}

// normalizeKey pads short secrets with '0' and truncates long ones so any
// configured secret yields a usable 32-byte key.
func normalizeKey(secret string) []byte {
	key := []byte(secret)
	if len(key) >= KeySize {
		return key[:KeySize]
	}
	padded := make([]byte, KeySize)
	copy(padded, key)
	for i := len(key); i < KeySize; i++ {
		padded[i] = '0'
	}
	return padded
}
