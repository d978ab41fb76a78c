package key

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrDecrypt is returned for any failure to decrypt a segment. Callers treat
// it like a transport failure and retry.
var ErrDecrypt = errors.New("segment decryption failed")

// Context decrypts AES-128-CBC segments with a single session key.
// It is immutable after construction and safe for concurrent use.
type Context struct {
	block cipher.Block
	iv    []byte
}

// NewContext creates a decryption context. iv may be nil, in which case the
// IV of each segment is derived from its index.
func NewContext(key, iv []byte) (*Context, error) {
	if len(key) != aes.BlockSize {
		return nil, fmt.Errorf("invalid AES-128 key length %d", len(key))
	}
	if iv != nil && len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("invalid IV length %d", len(iv))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	var ivCopy []byte
	if iv != nil {
		ivCopy = append([]byte(nil), iv...)
	}

	return &Context{block: block, iv: ivCopy}, nil
}

// IV returns the initialization vector used for the segment at index.
// An explicit playlist IV always wins. Otherwise the IV is the index encoded
// as a 16-byte big-endian integer, so index 7 yields fifteen zero bytes
// followed by 0x07.
func (c *Context) IV(index int) []byte {
	iv := make([]byte, aes.BlockSize)
	if c.iv != nil {
		copy(iv, c.iv)
		return iv
	}
	binary.BigEndian.PutUint64(iv[8:], uint64(index))
	return iv
}

// Decrypt decrypts one segment body and strips its PKCS#7 padding.
func (c *Context) Decrypt(ciphertext []byte, index int) ([]byte, error) {
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: segment %d: ciphertext length %d is not a positive multiple of %d",
			ErrDecrypt, index, len(ciphertext), aes.BlockSize)
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(c.block, c.IV(index)).CryptBlocks(plaintext, ciphertext)

	unpadded, err := unpad(plaintext)
	if err != nil {
		return nil, fmt.Errorf("%w: segment %d: %v", ErrDecrypt, index, err)
	}
	return unpadded, nil
}

func unpad(data []byte) ([]byte, error) {
	n := int(data[len(data)-1])
	if n == 0 || n > aes.BlockSize || n > len(data) {
		return nil, fmt.Errorf("invalid padding length %d", n)
	}
	if !bytes.Equal(data[len(data)-n:], bytes.Repeat([]byte{byte(n)}, n)) {
		return nil, errors.New("invalid padding bytes")
	}
	return data[:len(data)-n], nil
}
