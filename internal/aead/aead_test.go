package aead

import (
	"bytes"
	"crypto/rand"
	"testing"
)

func mustKey(t *testing.T) []byte {
	t.Helper()
	k := make([]byte, KeySize)
	if _, err := rand.Read(k); err != nil {
		t.Fatal(err)
	}
	return k
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	for _, kind := range []Kind{KindAES256GCM, KindChaCha20Poly1305} {
		key := mustKey(t)
		nonce := make([]byte, NonceSize)

		enc, err := NewWithNonce(kind, key, nonce)
		if err != nil {
			t.Fatalf("%s: NewWithNonce: %v", kind, err)
		}
		dec, err := NewWithNonce(kind, key, nonce)
		if err != nil {
			t.Fatalf("%s: NewWithNonce: %v", kind, err)
		}

		plaintext := []byte("hello tunnel world")
		buf := append([]byte(nil), plaintext...)
		buf = enc.EncryptInPlace(buf, 0)
		if len(buf) != len(plaintext)+TagSize {
			t.Fatalf("%s: unexpected sealed length %d", kind, len(buf))
		}

		got, ok := dec.DecryptInPlace(buf)
		if !ok {
			t.Fatalf("%s: decrypt failed", kind)
		}
		if !bytes.Equal(got, plaintext) {
			t.Fatalf("%s: round trip mismatch: got %q want %q", kind, got, plaintext)
		}
	}
}

func TestDecryptRejectsTamperedCiphertext(t *testing.T) {
	key := mustKey(t)
	nonce := make([]byte, NonceSize)
	enc, _ := NewWithNonce(KindAES256GCM, key, nonce)
	dec, _ := NewWithNonce(KindAES256GCM, key, nonce)

	buf := enc.EncryptInPlace([]byte("payload"), 0)
	buf[0] ^= 0xFF

	if _, ok := dec.DecryptInPlace(buf); ok {
		t.Fatal("expected decrypt to fail on tampered ciphertext")
	}
}

func TestEncryptWithStart(t *testing.T) {
	key := mustKey(t)
	nonce := make([]byte, NonceSize)
	enc, _ := NewWithNonce(KindAES256GCM, key, nonce)
	dec, _ := NewWithNonce(KindAES256GCM, key, nonce)

	header := []byte{0xAA, 0xBB}
	plaintext := []byte("after header")
	buf := append(append([]byte(nil), header...), plaintext...)

	buf = enc.EncryptInPlace(buf, len(header))
	if !bytes.Equal(buf[:len(header)], header) {
		t.Fatal("bytes before start must be untouched")
	}

	got, ok := dec.DecryptInPlace(buf[len(header):])
	if !ok {
		t.Fatal("decrypt failed")
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("got %q want %q", got, plaintext)
	}
}

// checkNonce mirrors the reference test helper: increment from `start` by
// `delta` and assert the resulting 12-byte little-endian value.
func checkNonce(t *testing.T, start []byte, delta uint16, want []byte) {
	t.Helper()
	c := &Cipher{}
	copy(c.nonce[:], start)
	c.IncrementNonce(delta)
	if !bytes.Equal(c.nonce[:], want) {
		t.Fatalf("IncrementNonce(%d) from %x = %x, want %x", delta, start, c.nonce[:], want)
	}
}

func TestIncrementNonceBasic(t *testing.T) {
	zero := make([]byte, NonceSize)
	checkNonce(t, zero, 0, zero)

	one := make([]byte, NonceSize)
	one[0] = 1
	checkNonce(t, zero, 1, one)

	start := make([]byte, NonceSize)
	start[0] = 0xFF
	want := make([]byte, NonceSize)
	want[0] = 0x00
	want[1] = 0x01
	checkNonce(t, start, 1, want)
}

func TestIncrementNonceCarryChain(t *testing.T) {
	start := make([]byte, NonceSize)
	for i := range start {
		start[i] = 0xFF
	}
	want := make([]byte, NonceSize)
	checkNonce(t, start, 1, want) // wraps all the way around to zero
}

func TestIncrementNonceWordBoundary(t *testing.T) {
	start := make([]byte, NonceSize)
	start[0], start[1] = 0xFF, 0xFF
	delta := uint16(1)
	want := make([]byte, NonceSize)
	want[2] = 1 // carry propagates into the third byte (second 16-bit word)
	checkNonce(t, start, delta, want)
}

func TestIncrementNonceZeroIsNoop(t *testing.T) {
	key := mustKey(t)
	nonce := make([]byte, NonceSize)
	for i := range nonce {
		nonce[i] = byte(i + 1)
	}
	c, err := NewWithNonce(KindAES256GCM, key, nonce)
	if err != nil {
		t.Fatal(err)
	}
	before := append([]byte(nil), c.Nonce()...)
	c.IncrementNonce(0)
	if !bytes.Equal(before, c.Nonce()) {
		t.Fatal("IncrementNonce(0) must not change the nonce")
	}
}

func TestInvalidSizes(t *testing.T) {
	if _, err := NewWithNonce(KindAES256GCM, make([]byte, 16), make([]byte, NonceSize)); err != ErrInvalidKeySize {
		t.Fatalf("expected ErrInvalidKeySize, got %v", err)
	}
	if _, err := NewWithNonce(KindAES256GCM, make([]byte, KeySize), make([]byte, 4)); err != ErrInvalidNonceSize {
		t.Fatalf("expected ErrInvalidNonceSize, got %v", err)
	}
}
