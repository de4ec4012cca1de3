package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// ErrDecryption is returned for any blob that cannot be opened: malformed, wrong nonce
// length or failed authentication. Callers treat it as "no usable key".
var ErrDecryption = errors.New("vault: decryption failed")

const nonceSize = 12

// Cipher seals secrets with AES-256-GCM and a fresh random nonce per record.
// Rotating the key makes every stored record undecryptable; users re-enter their keys.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher builds a cipher from a 32-byte key.
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("vault: key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Cipher{aead: aead}, nil
}

func (c *Cipher) seal(plaintext string) (nonce, ciphertext []byte, err error) {
	nonce = make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("vault: nonce: %w", err)
	}
	return nonce, c.aead.Seal(nil, nonce, []byte(plaintext), nil), nil
}

func (c *Cipher) open(nonce, ciphertext []byte) (string, error) {
	if len(nonce) != nonceSize {
		return "", fmt.Errorf("%w: nonce is %d bytes", ErrDecryption, len(nonce))
	}
	pt, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", ErrDecryption
	}
	return string(pt), nil
}

// Encrypt returns the blob "base64(nonce):base64(ciphertext)".
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	nonce, ct, err := c.seal(plaintext)
	if err != nil {
		return "", err
	}
	return joinBlob(nonce, ct), nil
}

// Decrypt authenticates and opens a blob produced by Encrypt.
func (c *Cipher) Decrypt(blob string) (string, error) {
	nonce, ct, err := splitBlob(blob)
	if err != nil {
		return "", err
	}
	return c.open(nonce, ct)
}

func joinBlob(nonce, ciphertext []byte) string {
	return base64.StdEncoding.EncodeToString(nonce) + ":" + base64.StdEncoding.EncodeToString(ciphertext)
}

func splitBlob(blob string) (nonce, ciphertext []byte, err error) {
	n, ct, ok := strings.Cut(blob, ":")
	if !ok {
		return nil, nil, fmt.Errorf("%w: missing delimiter", ErrDecryption)
	}
	nonce, err = base64.StdEncoding.DecodeString(n)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: bad nonce encoding", ErrDecryption)
	}
	ciphertext, err = base64.StdEncoding.DecodeString(ct)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: bad ciphertext encoding", ErrDecryption)
	}
	if len(nonce) != nonceSize {
		return nil, nil, fmt.Errorf("%w: nonce is %d bytes", ErrDecryption, len(nonce))
	}
	return nonce, ciphertext, nil
}
