package payload

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// chaCha seals payloads as base64(nonce || ciphertext) with
// XChaCha20-Poly1305. Unlike aes-cbc the ciphertext is authenticated, so a
// tampered row fails decryption instead of decoding to garbage.
type chaCha struct {
	key []byte
}

func newChaCha(key []byte) (*chaCha, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("chacha key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	return &chaCha{key: append([]byte(nil), key...)}, nil
}

func (c *chaCha) Encrypt(plaintext string) (string, error) {
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return "", fmt.Errorf("init aead: %w", err)
	}

	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (c *chaCha) Decrypt(sealed string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("decode payload: %v: %w", err, ErrMalformedPayload)
	}
	if len(raw) < chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead {
		return "", fmt.Errorf("payload too short (%d bytes): %w", len(raw), ErrMalformedPayload)
	}

	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return "", fmt.Errorf("init aead: %w", err)
	}

	nonce, ct := raw[:chacha20poly1305.NonceSizeX], raw[chacha20poly1305.NonceSizeX:]
	plain, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", fmt.Errorf("open payload: %w", ErrMalformedPayload)
	}
	return string(plain), nil
}
