package key

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testKey, _ = hex.DecodeString("15f515458cdb5107452f943a111cbe89")

func encrypt(t *testing.T, key, iv, plaintext []byte) []byte {
	t.Helper()
	block, err := aes.NewCipher(key)
	require.NoError(t, err)

	n := aes.BlockSize - len(plaintext)%aes.BlockSize
	padded := append(append([]byte(nil), plaintext...), bytes.Repeat([]byte{byte(n)}, n)...)

	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return out
}

func TestNewContext_RejectsBadLengths(t *testing.T) {
	_, err := NewContext([]byte("short"), nil)
	assert.Error(t, err)

	_, err = NewContext(testKey, []byte{1, 2, 3})
	assert.Error(t, err)
}

func TestContext_IVDerivedFromIndex(t *testing.T) {
	ctx, err := NewContext(testKey, nil)
	require.NoError(t, err)

	expected := make([]byte, 16)
	expected[15] = 7
	assert.Equal(t, expected, ctx.IV(7))

	expected = make([]byte, 16)
	expected[14], expected[15] = 0x01, 0x02
	assert.Equal(t, expected, ctx.IV(258))
}

func TestContext_ExplicitIVWins(t *testing.T) {
	iv, _ := hex.DecodeString("000102030405060708090a0b0c0d0e0f")
	ctx, err := NewContext(testKey, iv)
	require.NoError(t, err)

	assert.Equal(t, iv, ctx.IV(0))
	assert.Equal(t, iv, ctx.IV(42))

	plaintext := []byte("explicit iv segment payload")
	got, err := ctx.Decrypt(encrypt(t, testKey, iv, plaintext), 42)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestContext_DecryptIsDeterministic(t *testing.T) {
	ctx, err := NewContext(testKey, nil)
	require.NoError(t, err)

	plaintext := bytes.Repeat([]byte{0x47}, 188*3)
	ciphertext := encrypt(t, testKey, ctx.IV(7), plaintext)

	first, err := ctx.Decrypt(ciphertext, 7)
	require.NoError(t, err)
	second, err := ctx.Decrypt(ciphertext, 7)
	require.NoError(t, err)

	assert.Equal(t, plaintext, first)
	assert.Equal(t, first, second)
}

func TestContext_DecryptMalformedLength(t *testing.T) {
	ctx, err := NewContext(testKey, nil)
	require.NoError(t, err)

	_, err = ctx.Decrypt([]byte("not a block multiple"), 1)
	assert.True(t, errors.Is(err, ErrDecrypt))

	_, err = ctx.Decrypt(nil, 1)
	assert.True(t, errors.Is(err, ErrDecrypt))
}

func TestContext_DecryptWithWrongIndexFailsPadding(t *testing.T) {
	ctx, err := NewContext(testKey, nil)
	require.NoError(t, err)

	// An empty payload encrypts to one block of 0x10 padding. Decrypting it
	// with the IV of index 1 xors 0x01 into the last byte, giving 0x11,
	// which is not a valid padding length.
	ciphertext := encrypt(t, testKey, ctx.IV(0), []byte{})
	_, err = ctx.Decrypt(ciphertext, 1)
	assert.True(t, errors.Is(err, ErrDecrypt))
}

func TestContext_ConcurrentDecrypt(t *testing.T) {
	ctx, err := NewContext(testKey, nil)
	require.NoError(t, err)

	payloads := make([][]byte, 16)
	ciphertexts := make([][]byte, 16)
	for i := range payloads {
		payloads[i] = bytes.Repeat([]byte{byte(i)}, 100+i)
		ciphertexts[i] = encrypt(t, testKey, ctx.IV(i), payloads[i])
	}

	done := make(chan error, 16)
	for i := 0; i < 16; i++ {
		go func(i int) {
			payload := payloads[i]
			got, err := ctx.Decrypt(ciphertexts[i], i)
			if err == nil && !bytes.Equal(got, payload) {
				err = errors.New("payload mismatch")
			}
			done <- err
		}(i)
	}
	for i := 0; i < 16; i++ {
		assert.NoError(t, <-done)
	}
}
