package kdf

import (
	"bytes"
	"testing"
)

func TestDeriveKeyDeterministic(t *testing.T) {
	key := []byte("shared-secret-material")
	for _, kind := range []Kind{KindArgon2, KindBlake3} {
		a := DeriveKey(kind, key, ClientSalt[:])
		b := DeriveKey(kind, key, ClientSalt[:])
		if !bytes.Equal(a, b) {
			t.Fatalf("%s: DeriveKey not deterministic", kind)
		}
		if len(a) != 32 {
			t.Fatalf("%s: expected 32-byte key, got %d", kind, len(a))
		}
	}
}

func TestDeriveKeySaltSeparation(t *testing.T) {
	key := []byte("shared-secret-material")
	a := DeriveKey(KindArgon2, key, ClientSalt[:])
	b := DeriveKey(KindArgon2, key, ServerSalt[:])
	if bytes.Equal(a, b) {
		t.Fatal("different salts must not produce the same key")
	}
}

func TestClientServerKeysDiffer(t *testing.T) {
	key := []byte("shared-secret-material")
	connSalt := bytes.Repeat([]byte{0x42}, 32)
	for _, kind := range []Kind{KindArgon2, KindBlake3} {
		c := DeriveClientKey(kind, key, connSalt)
		s := DeriveServerKey(kind, key, connSalt)
		if bytes.Equal(c, s) {
			t.Fatalf("%s: client and server keys must differ", kind)
		}
	}
}

func TestTimeBucketingChangesHeaderKey(t *testing.T) {
	key := []byte("shared-secret-material")
	k1 := DeriveFromTimestamp(KindArgon2, key, 1700000000000)
	k2 := DeriveFromTimestamp(KindArgon2, key, 1700000060000)
	if bytes.Equal(k1, k2) {
		t.Fatal("header keys from different timestamp buckets must differ")
	}
}

func TestConnSaltChangesKey(t *testing.T) {
	key := []byte("shared-secret-material")
	k1 := DeriveClientKey(KindArgon2, key, bytes.Repeat([]byte{0x01}, 32))
	k2 := DeriveClientKey(KindArgon2, key, bytes.Repeat([]byte{0x02}, 32))
	if bytes.Equal(k1, k2) {
		t.Fatal("different connection salts must produce different keys")
	}
}

func TestDeriveURLPathDeterministicAndURLSafe(t *testing.T) {
	key := []byte("shared-secret-material")
	p1 := DeriveURLPath(key)
	p2 := DeriveURLPath(key)
	if p1 != p2 {
		t.Fatal("DeriveURLPath must be deterministic")
	}
	if bytes.ContainsAny([]byte(p1), "+/=") {
		t.Fatalf("DeriveURLPath must be URL-safe and unpadded, got %q", p1)
	}
}

func TestProtocolResponseKeyDeterministic(t *testing.T) {
	key := []byte("shared-secret-material")
	salt := bytes.Repeat([]byte{0x07}, 32)
	a := DeriveProtocolResponseKey(KindArgon2, key, salt)
	b := DeriveProtocolResponseKey(KindArgon2, key, salt)
	if !bytes.Equal(a, b) {
		t.Fatal("DeriveProtocolResponseKey must be deterministic given the same key and salt")
	}
}

func TestFixedSaltsAre32Bytes(t *testing.T) {
	salts := [][32]byte{TimeSalt, ServerSalt, ClientSalt, HTTPSPathSalt, ProtocolResponseSalt}
	for i, s := range salts {
		if len(s) != 32 {
			t.Fatalf("salt %d is not 32 bytes", i)
		}
	}
}

func TestFixedSaltsAreDistinct(t *testing.T) {
	salts := [][32]byte{TimeSalt, ServerSalt, ClientSalt, HTTPSPathSalt, ProtocolResponseSalt}
	for i := range salts {
		for j := i + 1; j < len(salts); j++ {
			if salts[i] == salts[j] {
				t.Fatalf("salts %d and %d must be distinct", i, j)
			}
		}
	}
}
