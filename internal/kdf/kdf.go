// Package kdf derives the symmetric keys used by the tunnel protocol from a
// single shared secret. Every derivation is domain-separated by one of a
// small set of fixed salts so that a key used in one context can never be
// replayed in another.
package kdf

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/blake2b"
)

// Kind selects the key-stretching function used by DeriveKey.
type Kind uint8

const (
	KindArgon2 Kind = iota
	KindBlake3
)

func (k Kind) String() string {
	switch k {
	case KindArgon2:
		return "argon2"
	case KindBlake3:
		return "blake3"
	default:
		return "unknown"
	}
}

// Argon2id parameters. Changing these would silently break interoperability
// with any peer still using the prior values, since both sides must derive
// identical keys from the same master key and salt.
const (
	argon2Time    = 1
	argon2Memory  = 64 * 1024
	argon2Threads = 4
	argon2KeyLen  = 32
)

// Fixed 32-byte domain-separation salts. Each mixes the shared secret into a
// distinct derivation chain so a key never crosses purposes.
var (
	TimeSalt             = mustHexSalt("5c980be021981e1f3c17af9b8230c09df4a8315d2879ca0aae50c0b97a113567")
	ServerSalt           = mustHexSalt("b67c9161f48f1aa8cea536ee2a733ad7b72d2465fe109af8ffe1f883f7576df6")
	ClientSalt           = mustHexSalt("d182a1c62e0008bacb12d22ea14738b7eb997faa56f0f08a4270f1d19fcf87e3")
	HTTPSPathSalt        = mustHexSalt("c08d712e6ba79cdeb83769f3bc9cd7ee6a2777e11beb3b96691fad255dad12b8")
	ProtocolResponseSalt = mustHexSalt("3368714db61844018dbb0cd7214425800c1d87ea9ae6edeb97e5bd5d462c3808")
)

func mustHexSalt(s string) [32]byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		panic("kdf: invalid fixed salt literal: " + err.Error())
	}
	if len(b) != 32 {
		panic("kdf: fixed salt literal is not 32 bytes")
	}
	var out [32]byte
	copy(out[:], b)
	return out
}

// DeriveKey stretches key using salt and the given Kind, producing a fresh
// 32-byte key.
func DeriveKey(kind Kind, key, salt []byte) []byte {
	switch kind {
	case KindBlake3:
		h := blake3.New()
		h.Write(key)
		h.Write(salt)
		out := make([]byte, 32)
		h.Sum(out[:0])
		return out
	default:
		return argon2.IDKey(key, salt, argon2Time, argon2Memory, argon2Threads, argon2KeyLen)
	}
}

// derive2 implements the reference's nested derivation pattern:
// salt' = derive(salt1, salt2); out = derive(key, salt').
func derive2(kind Kind, key, salt1, salt2 []byte) []byte {
	nested := DeriveKey(kind, salt1, salt2)
	return DeriveKey(kind, key, nested)
}

// DeriveFromTimestamp folds a time bucket into key, producing the
// time-bucketed key used for replay protection. bucket is the millisecond
// Unix timestamp already divided by the connect-delay window; the caller
// does that division. The bucket is mixed via Blake2b-512 before being used
// as a salt so adjacent buckets produce unrelated keys.
func DeriveFromTimestamp(kind Kind, key []byte, bucket int64) []byte {
	var tsBuf [8]byte
	binary.LittleEndian.PutUint64(tsBuf[:], uint64(bucket))

	h, err := blake2b.New512(nil)
	if err != nil {
		panic("kdf: blake2b-512 init failed: " + err.Error())
	}
	h.Write(tsBuf[:])
	h.Write(TimeSalt[:])
	bucketSalt := h.Sum(nil)

	return DeriveKey(kind, key, bucketSalt)
}

// DeriveClientKey derives the key the client uses to encrypt its half of a
// connection directly from the shared master key and the random
// per-connection salt carried in the connect header. There is no timestamp
// bucketing here — that only protects the header cipher (see
// DeriveFromTimestamp); the content stream is keyed off the salt alone,
// since replay of the salt itself would require breaking the header.
func DeriveClientKey(kind Kind, masterKey, connSalt []byte) []byte {
	return derive2(kind, masterKey, connSalt, ServerSalt[:])
}

// DeriveServerKey derives the key the server uses to encrypt its half of a
// connection, from the same master key and connection salt as
// DeriveClientKey.
func DeriveServerKey(kind Kind, masterKey, connSalt []byte) []byte {
	return derive2(kind, masterKey, connSalt, ClientSalt[:])
}

// DeriveProtocolResponseKey derives the key used to seal the
// protocol-discovery response from the master key and the salt carried in
// the discovery probe.
func DeriveProtocolResponseKey(kind Kind, masterKey, salt []byte) []byte {
	return derive2(kind, masterKey, salt, ProtocolResponseSalt[:])
}

// DeriveURLPath derives the HTTP path segment a WebSocket-disguised client
// must request, so that only a holder of the shared secret can construct a
// valid upgrade request.
func DeriveURLPath(key []byte) string {
	derived := argon2.IDKey(key, HTTPSPathSalt[:], argon2Time, argon2Memory, argon2Threads, argon2KeyLen)
	return base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(derived)
}

// GenerateNewKey returns random bytes suitable for use as a fresh shared
// secret. Callers needing a specific source should fill their own buffer via
// aead.RandomBytes; this helper exists for CLI key-generation convenience.
func GenerateNewKey(rng func([]byte) error) ([]byte, error) {
	out := make([]byte, 32)
	if err := rng(out); err != nil {
		return nil, err
	}
	return out, nil
}
