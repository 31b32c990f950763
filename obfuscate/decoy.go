// Package obfuscate builds decoy group-message payloads for the
// noise-injection traffic-obfuscation feature (spec.md §4.5 step 4): a
// parallel batch of TYPE_NOISE envelopes sent to non-member recipients so
// that an observer of ciphertext sizes and timing cannot distinguish real
// group traffic from filler.
//
// Decoy content is produced with flynn/noise's AEAD cipher, keyed by a
// fresh random key discarded immediately after use, rather than plain
// crypto/rand bytes: running it through an authenticated cipher gives
// decoy payloads the same ciphertext shape (and the same trailing
// authentication tag) as a real encrypted envelope, rather than
// obviously-random filler.
package obfuscate

import (
	"crypto/rand"
	"fmt"

	"github.com/flynn/noise"

	"github.com/bcmapp/groupdispatch/wire"
)

var cipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)

// DecoyContent returns size random bytes sealed by the authenticated
// cipher (size+16 bytes including the authentication tag), suitable as the
// Content of a TYPE_NOISE envelope or GroupNotification.
func DecoyContent(size int) ([]byte, error) {
	if size < 0 {
		return nil, fmt.Errorf("obfuscate: negative size %d", size)
	}
	var key [32]byte
	if _, err := rand.Read(key[:]); err != nil {
		return nil, fmt.Errorf("obfuscate: generate decoy key: %w", err)
	}
	plaintext := make([]byte, size)
	if _, err := rand.Read(plaintext); err != nil {
		return nil, fmt.Errorf("obfuscate: generate decoy plaintext: %w", err)
	}

	cipher := cipherSuite.Cipher(key)
	return cipher.Encrypt(nil, nil, plaintext), nil // no associated data for a discarded-key decoy cipher
}

// GroupNotification builds a TYPE_NOISE GroupNotification shaped like a
// real one of payloadSize bytes, for a decoy recipient set (spec.md §4.5
// step 4: "a parallel noise payload (same shape but wrapped as
// TYPE_NOISE)").
func GroupNotification(gid string, mid uint64, payloadSize int) (wire.GroupNotification, error) {
	content, err := DecoyContent(payloadSize)
	if err != nil {
		return wire.GroupNotification{}, err
	}
	return wire.GroupNotification{
		Type:    wire.GroupNoise,
		GID:     gid,
		MID:     mid,
		Payload: content,
	}, nil
}
