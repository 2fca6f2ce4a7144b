// Package credential encrypts account secrets and exposes accounts with their
// secrets decrypted for the duration of a single request.
package credential

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/tinywideclouds/go-dispatch-service/pkg/dispatch"
)

// KeySize is the required key length (AES-256).
const KeySize = 32

const formatPrefix = "v1:"

// Codec seals secrets with AES-256-GCM. Output is
// "v1:" + base64(nonce || ciphertext || tag).
type Codec struct {
	aead cipher.AEAD
}

func NewCodec(key []byte) (*Codec, error) {
	if len(key) != KeySize {
		return nil, &dispatch.CodecError{Op: "init", Err: fmt.Errorf("key must be %d bytes, got %d", KeySize, len(key))}
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, &dispatch.CodecError{Op: "init", Err: err}
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, &dispatch.CodecError{Op: "init", Err: err}
	}
	return &Codec{aead: aead}, nil
}

// NewCodecFromBase64 builds a codec from a standard base64 encoded key.
func NewCodecFromBase64(encoded string) (*Codec, error) {
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, &dispatch.CodecError{Op: "init", Err: fmt.Errorf("key is not valid base64: %w", err)}
	}
	return NewCodec(key)
}

// GenerateKey returns a fresh random key, base64 encoded.
func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

func (c *Codec) Encrypt(plain []byte) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", &dispatch.CodecError{Op: "encrypt", Err: err}
	}
	sealed := c.aead.Seal(nonce, nonce, plain, nil)
	return formatPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

func (c *Codec) Decrypt(opaque string) ([]byte, error) {
	encoded, ok := strings.CutPrefix(opaque, formatPrefix)
	if !ok {
		return nil, &dispatch.CodecError{Op: "decrypt", Err: errors.New("unrecognized secret format")}
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, &dispatch.CodecError{Op: "decrypt", Err: fmt.Errorf("malformed secret: %w", err)}
	}
	ns := c.aead.NonceSize()
	if len(raw) < ns+c.aead.Overhead() {
		return nil, &dispatch.CodecError{Op: "decrypt", Err: errors.New("secret too short")}
	}
	plain, err := c.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		// GCM authentication failure: wrong key or tampered blob.
		return nil, &dispatch.CodecError{Op: "decrypt", Err: errors.New("authentication failed")}
	}
	return plain, nil
}
