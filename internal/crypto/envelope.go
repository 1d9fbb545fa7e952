// Package crypto implements PeerCrypt's authenticated-encryption envelope:
// AES-256-CBC for confidentiality, encrypt-then-MAC with HMAC-SHA-256 for
// integrity, and PBKDF2 for session-key derivation.
package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"

	"peercrypt/internal/perr"
)

const (
	ivSize  = 16 // 128-bit IV
	macSize = 32 // 256-bit HMAC-SHA-256
	keySize = 32 // AES-256

	// SaltSize is the per-session salt exchanged in INIT.
	SaltSize = 16
)

// SessionKeys holds the two subkeys derived from the shared secret: one for
// AES-256-CBC, one for HMAC-SHA-256. Deriving separate keys per primitive
// avoids the classic pitfall of reusing one key across encryption and
// authentication.
type SessionKeys struct {
	EncKey [keySize]byte
	MACKey [keySize]byte
}

// DeriveSessionKeys runs PBKDF2-HMAC-SHA256 over the shared secret with the
// given per-session salt and iteration count, producing 64 bytes split into the encryption and MAC keys.
func DeriveSessionKeys(secret, salt []byte, iterations int) (SessionKeys, error) {
	if iterations < 100_000 {
		return SessionKeys{}, fmt.Errorf("crypto: pbkdf2 iterations %d below minimum 100000", iterations)
	}
	if len(salt) != SaltSize {
		return SessionKeys{}, fmt.Errorf("crypto: salt must be %d bytes, got %d", SaltSize, len(salt))
	}
	derived := pbkdf2.Key(secret, salt, iterations, 2*keySize, sha256.New)
	var keys SessionKeys
	copy(keys.EncKey[:], derived[:keySize])
	copy(keys.MACKey[:], derived[keySize:])
	return keys, nil
}

// BootstrapKey derives a fixed key from the shared secret alone. It
// authenticates every frame header of a session, INIT included, because the
// per-session salt travels inside INIT's payload and is not known to the
// receiver before INIT arrives. Only DATA payloads are sealed under the keys
// from DeriveSessionKeys.
func BootstrapKey(secret []byte) []byte {
	sum := sha256.Sum256(secret)
	return sum[:]
}

// NewSalt generates a fresh random per-session salt for the INIT handshake.
func NewSalt() ([SaltSize]byte, error) {
	var salt [SaltSize]byte
	_, err := io.ReadFull(rand.Reader, salt[:])
	return salt, err
}

// Envelope seals and opens payloads under one session's derived keys.
type Envelope struct {
	keys SessionKeys
}

// New builds an Envelope bound to the given session keys.
func New(keys SessionKeys) *Envelope {
	return &Envelope{keys: keys}
}

// Seal encrypts plaintext with AES-256-CBC under a fresh random IV, then
// computes an HMAC-SHA-256 over IV||ciphertext||header (header is
// associated data, authenticated but not encrypted). Returns
// IV || ciphertext || HMAC.
func (e *Envelope) Seal(plaintext, header []byte) ([]byte, error) {
	block, err := aes.NewCipher(e.keys.EncKey[:])
	if err != nil {
		return nil, fmt.Errorf("crypto: new cipher: %w", err)
	}

	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("crypto: generate iv: %w", err)
	}

	padded := pkcs7Pad(plaintext, block.BlockSize())
	ciphertext := make([]byte, len(padded))
	cbc := cipher.NewCBCEncrypter(block, iv)
	cbc.CryptBlocks(ciphertext, padded)

	mac := hmac.New(sha256.New, e.keys.MACKey[:])
	mac.Write(iv)
	mac.Write(ciphertext)
	mac.Write(header)
	tag := mac.Sum(nil)

	out := make([]byte, 0, ivSize+len(ciphertext)+macSize)
	out = append(out, iv...)
	out = append(out, ciphertext...)
	out = append(out, tag...)
	return out, nil
}

// Open verifies the HMAC over IV||ciphertext||header in constant time, then
// decrypts and strips PKCS#7 padding. Returns perr.ErrAuthFailed on any
// MAC mismatch; callers must drop the frame and bump a failure
// counter without attempting to decrypt.
func (e *Envelope) Open(sealed, header []byte) ([]byte, error) {
	if len(sealed) < ivSize+macSize {
		return nil, perr.ErrCiphertext
	}
	iv := sealed[:ivSize]
	ciphertext := sealed[ivSize : len(sealed)-macSize]
	gotTag := sealed[len(sealed)-macSize:]

	mac := hmac.New(sha256.New, e.keys.MACKey[:])
	mac.Write(iv)
	mac.Write(ciphertext)
	mac.Write(header)
	wantTag := mac.Sum(nil)
	if !hmac.Equal(gotTag, wantTag) {
		return nil, perr.ErrAuthFailed
	}

	block, err := aes.NewCipher(e.keys.EncKey[:])
	if err != nil {
		return nil, fmt.Errorf("crypto: new cipher: %w", err)
	}
	if len(ciphertext) == 0 || len(ciphertext)%block.BlockSize() != 0 {
		return nil, perr.ErrCiphertext
	}

	plaintextPadded := make([]byte, len(ciphertext))
	cbc := cipher.NewCBCDecrypter(block, iv)
	cbc.CryptBlocks(plaintextPadded, ciphertext)

	return pkcs7Unpad(plaintextPadded)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padding := bytes.Repeat([]byte{byte(padLen)}, padLen)
	return append(append([]byte{}, data...), padding...)
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, perr.ErrCiphertext
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > len(data) || padLen > aes.BlockSize {
		return nil, perr.ErrCiphertext
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, perr.ErrCiphertext
		}
	}
	return data[:len(data)-padLen], nil
}
