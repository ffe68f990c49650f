package net

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/hex"
	"unicode/utf8"

	"github.com/pkg/errors"
)

// DecodeError is returned when a received block cannot be turned back into
// text. It only concerns the block it was returned for; the stream it was read
// from is still positioned at the next frame.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return "decode error: " + e.Err.Error()
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Cryptor encrypts and decrypts frame contents with the pre-shared key.
//
// The key is NUL-padded to the AES block size and hashed with SHA-256 into a
// 32 byte AES-256 key. The first 16 bytes of that hash are used as the CBC IV,
// so the same text always encrypts to the same block.
//
// An empty key selects pass-through mode: Encrypt and Decrypt copy the bytes
// unchanged. This is meant for tests and trusted loopback deployments only.
type Cryptor struct {
	block cipher.Block
	iv    []byte
}

// NewCryptor creates a Cryptor for the passed key.
func NewCryptor(key string) *Cryptor {
	if key == "" {
		return &Cryptor{}
	}
	hashed := sha256.Sum256(padNUL([]byte(key)))
	block, err := aes.NewCipher(hashed[:])
	if err != nil {
		// A 32 byte key is always valid for AES.
		panic(err)
	}
	return &Cryptor{
		block: block,
		iv:    append([]byte(nil), hashed[:aes.BlockSize]...),
	}
}

// Passthrough reports whether the cryptor was created with an empty key.
func (c *Cryptor) Passthrough() bool {
	return c.block == nil
}

// Encrypt pads the UTF-8 text with NUL bytes, encrypts it and returns the
// hex encoded ciphertext.
func (c *Cryptor) Encrypt(text string) []byte {
	if c.Passthrough() {
		return []byte(text)
	}
	plain := padNUL([]byte(text))
	sealed := make([]byte, len(plain))
	cipher.NewCBCEncrypter(c.block, c.iv).CryptBlocks(sealed, plain)

	out := make([]byte, hex.EncodedLen(len(sealed)))
	hex.Encode(out, sealed)
	return out
}

// Decrypt reverses Encrypt. Malformed input results in a *DecodeError.
func (c *Cryptor) Decrypt(data []byte) (string, error) {
	if c.Passthrough() {
		if !utf8.Valid(data) {
			return "", &DecodeError{Err: errors.New("invalid utf-8")}
		}
		return string(data), nil
	}

	sealed := make([]byte, hex.DecodedLen(len(data)))
	if _, err := hex.Decode(sealed, data); err != nil {
		return "", &DecodeError{Err: errors.Wrap(err, "hex")}
	}
	if len(sealed)%aes.BlockSize != 0 {
		return "", &DecodeError{Err: errors.Errorf("ciphertext size %d is not a multiple of %d", len(sealed), aes.BlockSize)}
	}

	plain := make([]byte, len(sealed))
	cipher.NewCBCDecrypter(c.block, c.iv).CryptBlocks(plain, sealed)
	plain = bytes.TrimRight(plain, "\x00")
	if !utf8.Valid(plain) {
		return "", &DecodeError{Err: errors.New("invalid utf-8 after decryption (wrong key?)")}
	}
	return string(plain), nil
}

func padNUL(b []byte) []byte {
	rem := len(b) % aes.BlockSize
	if rem == 0 {
		return b
	}
	return append(b, make([]byte, aes.BlockSize-rem)...)
}
