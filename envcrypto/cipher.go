// Package envcrypto implements the dispatch core's envelope encryption:
// AES-256-CBC under an empty IV, MACed with HMAC-SHA256 (spec.md §4.3.4).
//
// The empty IV is interoperability-critical for existing clients and must
// be preserved bit-exactly; it is not a recommendation for new protocols
// (spec.md §9).
package envcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

// MinSignalingKeyBytes is the minimum decoded length of a signalingKey:
// 32 bytes of AES-256 cipher key || 20 bytes of HMAC key.
const MinSignalingKeyBytes = 52

const (
	cipherKeyLen = 32
	macKeyLen    = 20
	macTagLen    = 10
	frameVersion = 0x01
)

var (
	// ErrSignalingKeyTooShort is returned when the decoded signalingKey is
	// shorter than MinSignalingKeyBytes.
	ErrSignalingKeyTooShort = errors.New("envcrypto: signaling key too short")
	// ErrCiphertextTooShort is returned by Decrypt when the input cannot
	// possibly contain a version byte, IV, ciphertext and MAC tag.
	ErrCiphertextTooShort = errors.New("envcrypto: ciphertext too short")
	// ErrMACMismatch is returned by Decrypt when the MAC tag does not
	// verify.
	ErrMACMismatch = errors.New("envcrypto: mac mismatch")
)

// Keys is a decoded signalingKey split into its AES and HMAC halves.
type Keys struct {
	CipherKey [cipherKeyLen]byte
	MacKey    []byte
}

// DecodeSignalingKey base64-decodes a signalingKey and splits it into its
// AES-256 cipher key and HMAC-SHA256 mac key. Fails if the decoded key is
// shorter than MinSignalingKeyBytes.
func DecodeSignalingKey(b64 string) (Keys, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return Keys{}, fmt.Errorf("envcrypto: decode signaling key: %w", err)
	}
	if len(raw) < MinSignalingKeyBytes {
		return Keys{}, ErrSignalingKeyTooShort
	}
	var k Keys
	copy(k.CipherKey[:], raw[:cipherKeyLen])
	k.MacKey = append([]byte(nil), raw[cipherKeyLen:cipherKeyLen+macKeyLen]...)
	return k, nil
}

// Encrypt implements spec.md §4.3.4: an empty IV, AES-256-CBC over
// plaintext, a 1-byte version prefix, and a truncated HMAC-SHA256 tag.
//
// Output layout: version(1) || iv(16) || ciphertext(len(plaintext) padded)
// || mac[0:10].
func Encrypt(keys Keys, plaintext []byte) ([]byte, error) {
	logrus.WithFields(logrus.Fields{
		"function":      "Encrypt",
		"plaintext_len": len(plaintext),
	}).Debug("encrypting envelope")

	block, err := aes.NewCipher(keys.CipherKey[:])
	if err != nil {
		return nil, fmt.Errorf("envcrypto: new cipher: %w", err)
	}

	iv := make([]byte, aes.BlockSize) // empty IV by construction, see package doc.
	padded := pkcs7Pad(plaintext, aes.BlockSize)

	ciphertext := make([]byte, len(padded))
	cbc := cipher.NewCBCEncrypter(block, iv)
	cbc.CryptBlocks(ciphertext, padded)

	field := make([]byte, 0, 1+len(iv)+len(ciphertext))
	field = append(field, frameVersion)
	field = append(field, iv...)
	field = append(field, ciphertext...)

	mac := hmac.New(sha256.New, keys.MacKey)
	mac.Write(field)
	tag := mac.Sum(nil)[:macTagLen]

	return append(field, tag...), nil
}

// Decrypt is the inverse of Encrypt; it verifies the MAC before decrypting.
func Decrypt(keys Keys, framed []byte) ([]byte, error) {
	minLen := 1 + aes.BlockSize + aes.BlockSize + macTagLen
	if len(framed) < minLen {
		return nil, ErrCiphertextTooShort
	}

	tag := framed[len(framed)-macTagLen:]
	field := framed[:len(framed)-macTagLen]

	mac := hmac.New(sha256.New, keys.MacKey)
	mac.Write(field)
	expected := mac.Sum(nil)[:macTagLen]
	if !hmac.Equal(expected, tag) {
		return nil, ErrMACMismatch
	}

	iv := field[1 : 1+aes.BlockSize]
	ciphertext := field[1+aes.BlockSize:]
	if len(ciphertext)%aes.BlockSize != 0 {
		return nil, ErrCiphertextTooShort
	}

	block, err := aes.NewCipher(keys.CipherKey[:])
	if err != nil {
		return nil, fmt.Errorf("envcrypto: new cipher: %w", err)
	}
	plaintextPadded := make([]byte, len(ciphertext))
	cbc := cipher.NewCBCDecrypter(block, iv)
	cbc.CryptBlocks(plaintextPadded, ciphertext)

	return pkcs7Unpad(plaintextPadded)
}

func pkcs7Pad(b []byte, blockSize int) []byte {
	padLen := blockSize - len(b)%blockSize
	padded := make([]byte, len(b)+padLen)
	copy(padded, b)
	for i := len(b); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}
	return padded
}

func pkcs7Unpad(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, errors.New("envcrypto: empty plaintext")
	}
	padLen := int(b[len(b)-1])
	if padLen == 0 || padLen > len(b) {
		return nil, errors.New("envcrypto: invalid padding")
	}
	return b[:len(b)-padLen], nil
}
