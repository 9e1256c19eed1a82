package protocol

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrDecrypt marks a failed open of an encrypted frame: bad key, tampered
// ciphertext, or an out-of-sequence nonce. Always fatal for the connection.
var ErrDecrypt = errors.New("decryption failed")

// SessionKeySize is the AES-256 key length negotiated during the handshake.
const SessionKeySize = 32

const gcmNonceSize = 12

// sessionCipher seals or opens frame payloads for one direction of a keyed
// connection. The nonce is a monotonically increasing counter, so each side
// holds two independent ciphers (one per direction) that advance in lockstep
// with the peer's.
type sessionCipher struct {
	aead    cipher.AEAD
	counter uint64
}

func newSessionCipher(key []byte) (*sessionCipher, error) {
	if len(key) != SessionKeySize {
		return nil, fmt.Errorf("session key must be %d bytes, got %d", SessionKeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &sessionCipher{aead: aead}, nil
}

// nonce renders the current counter as a 96-bit GCM nonce.
func (c *sessionCipher) nonce() []byte {
	n := make([]byte, gcmNonceSize)
	binary.BigEndian.PutUint64(n[4:], c.counter)
	return n
}

// seal encrypts payload and returns nonce||ciphertext, advancing the counter.
func (c *sessionCipher) seal(payload []byte) []byte {
	n := c.nonce()
	c.counter++
	return c.aead.Seal(n, n, payload, nil)
}

// open decrypts a nonce||ciphertext blob. The embedded nonce must equal the
// expected counter value; anything else is treated as tampering.
func (c *sessionCipher) open(blob []byte) ([]byte, error) {
	if len(blob) < gcmNonceSize+c.aead.Overhead() {
		return nil, fmt.Errorf("%w: frame too short", ErrDecrypt)
	}
	nonce, ct := blob[:gcmNonceSize], blob[gcmNonceSize:]

	want := c.nonce()
	for i := range nonce {
		if nonce[i] != want[i] {
			return nil, fmt.Errorf("%w: out-of-sequence nonce", ErrDecrypt)
		}
	}

	payload, err := c.aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	c.counter++
	return payload, nil
}
