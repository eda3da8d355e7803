// Package aead provides a uniform AEAD cipher surface over AES-256-GCM and
// ChaCha20-Poly1305, used by the tunnel wire protocol for both the connect
// header and the framed data stream.
package aead

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

// Sizes that are fixed by the wire protocol. No other sizes are valid.
const (
	KeySize   = 32
	NonceSize = 12
	TagSize   = 16
)

// Kind selects the underlying AEAD algorithm.
type Kind uint8

const (
	KindAES256GCM Kind = iota
	KindChaCha20Poly1305
)

// String returns a human-readable cipher name.
func (k Kind) String() string {
	switch k {
	case KindAES256GCM:
		return "aes-256-gcm"
	case KindChaCha20Poly1305:
		return "chacha20-poly1305"
	default:
		return "unknown"
	}
}

var (
	// ErrInvalidKeySize is returned when a key is not exactly KeySize bytes.
	ErrInvalidKeySize = errors.New("aead: key must be 32 bytes")
	// ErrInvalidNonceSize is returned when a nonce is not exactly NonceSize bytes.
	ErrInvalidNonceSize = errors.New("aead: nonce must be 12 bytes")
	// ErrUnknownKind is returned for an unrecognized cipher kind.
	ErrUnknownKind = errors.New("aead: unknown cipher kind")
)

// Cipher wraps one AEAD algorithm plus its current nonce. A Cipher is bound
// to a single direction of a single session: the caller is responsible for
// never reusing a (key, nonce) pair by calling IncrementNonce between
// Encrypt/Decrypt calls; the Cipher never advances its own nonce.
type Cipher struct {
	kind  Kind
	aead  cipher.AEAD
	nonce [NonceSize]byte
}

func newAEAD(kind Kind, key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeySize
	}

	switch kind {
	case KindAES256GCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		return cipher.NewGCM(block)
	case KindChaCha20Poly1305:
		return chacha20poly1305.New(key)
	default:
		return nil, ErrUnknownKind
	}
}

// New creates a Cipher with a fresh random nonce drawn from rng.
func New(kind Kind, key []byte, rng io.Reader) (*Cipher, error) {
	a, err := newAEAD(kind, key)
	if err != nil {
		return nil, err
	}

	c := &Cipher{kind: kind, aead: a}
	if _, err := io.ReadFull(rng, c.nonce[:]); err != nil {
		return nil, err
	}
	return c, nil
}

// NewWithNonce creates a Cipher with an explicit initial nonce.
func NewWithNonce(kind Kind, key []byte, nonce []byte) (*Cipher, error) {
	if len(nonce) != NonceSize {
		return nil, ErrInvalidNonceSize
	}

	a, err := newAEAD(kind, key)
	if err != nil {
		return nil, err
	}

	c := &Cipher{kind: kind}
	c.aead = a
	copy(c.nonce[:], nonce)
	return c, nil
}

// Kind returns the cipher's algorithm.
func (c *Cipher) Kind() Kind { return c.kind }

// Nonce returns the current 12-byte nonce.
func (c *Cipher) Nonce() []byte { return c.nonce[:] }

// EncryptInPlace seals buf[start:] in place and appends a 16-byte tag,
// growing buf in the process. It returns the new slice (same backing array
// when capacity allows).
func (c *Cipher) EncryptInPlace(buf []byte, start int) []byte {
	if need := len(buf) + TagSize; cap(buf) < need {
		grown := make([]byte, len(buf), need)
		copy(grown, buf)
		buf = grown
	}
	plaintext := buf[start:]
	sealed := c.aead.Seal(plaintext[:0], c.nonce[:], plaintext, nil)
	return buf[:start+len(sealed)]
}

// DecryptInPlace verifies and strips the trailing tag from buf, returning
// the plaintext and true on success. On failure it returns false and the
// caller must not trust the contents of buf.
func (c *Cipher) DecryptInPlace(buf []byte) ([]byte, bool) {
	if len(buf) < TagSize {
		return nil, false
	}
	plaintext, err := c.aead.Open(buf[:0], c.nonce[:], buf, nil)
	if err != nil {
		return nil, false
	}
	return plaintext, true
}

// IncrementNonce treats the 12-byte nonce as a little-endian unsigned
// integer and adds delta, wrapping at 2^96. Matches the reference's
// 16-bit word-wise add-with-carry: an increment of 0 is a documented
// no-op and never emitted by the stream layer.
func (c *Cipher) IncrementNonce(delta uint16) {
	add := uint32(delta)
	for i := 0; i < NonceSize && add > 0; i += 2 {
		word := binary.LittleEndian.Uint16(c.nonce[i : i+2])
		sum := uint32(word) + add
		binary.LittleEndian.PutUint16(c.nonce[i:i+2], uint16(sum))
		add = sum >> 16
	}
}

// KeySize returns the key size in bytes for kind (always 32).
func (k Kind) KeySize() int { return KeySize }

// NonceSize returns the nonce size in bytes for kind (always 12).
func (k Kind) NonceSize() int { return NonceSize }

// TagSize returns the tag size in bytes for kind (always 16).
func (k Kind) TagSize() int { return TagSize }

// RandomBytes fills b with CSPRNG output from rand.Reader.
func RandomBytes(b []byte) error {
	_, err := io.ReadFull(rand.Reader, b)
	return err
}
