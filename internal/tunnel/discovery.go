package tunnel

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"math/big"

	"github.com/postalsys/muti-metroo/internal/aead"
	"github.com/postalsys/muti-metroo/internal/kdf"
	"github.com/postalsys/muti-metroo/internal/wire"
)

// Protocol discovery lets a client that does not yet know a server's
// negotiated ProtocolConfig fetch it before attempting a real tunnel. It
// always runs Argon2 + AES-256-GCM/ChaCha20-Poly1305 regardless of what
// ProtocolConfig it ends up describing, so a probe is decodable without
// first knowing the answer.
//
// Wire layout, request (client -> server), mirroring the connect header
// with host+tag2 replaced by a second AEAD seal over the already-sealed
// header body:
//
//	nonce(12) | header_ct(34+16+16)   -- AES-256-GCM(inner), then ChaCha20(outer), both keyed by the
//	                                      time-bucketed header key and both at the SAME nonce;
//	                                      plaintext = salt(32) | padlen(u16)
//	padlen random bytes, never encrypted, never authenticated
//
// Wire layout, response (server -> client), written in a single flush:
//
//	header_ct(4+16+16)                -- AES-256-GCM(inner), then ChaCha20(outer), plaintext = padBegin(u16) | padEnd(u16)
//	body_ct(N+16+16)                  -- same two ciphers, nonce advanced by 1, sealing
//	                                      padBegin noise | config(19) | padEnd noise as one blob
//
// Both header ciphers for the response are re-used for the body after one
// IncrementNonce(1), so the same (key, nonce) pair never seals two
// messages. Neither side transmits a nonce for the response: both ends
// derive it from distinct slices of salt (see discoveryResponseCiphers).
const (
	requestHeaderPlainSize  = aead.KeySize + 2
	requestHeaderCipherSize = requestHeaderPlainSize + 2*aead.TagSize

	responseHeaderPlainSize  = 2 + 2
	responseHeaderCipherSize = responseHeaderPlainSize + 2*aead.TagSize
	responseBodyPlainSize    = 19
)

// requestPaddingRange and responsePaddingRange are fixed regardless of the
// negotiated ProtocolConfig's header_padding, since discovery exists
// precisely to let a client reach a server before it knows that config.
var (
	requestPaddingRange  = wire.HeaderPaddingRange{Min: 177, Max: 4096}
	responsePaddingRange = wire.HeaderPaddingRange{Min: 77, Max: 777}
)

const discoveryKdf = kdf.KindArgon2

func randInRange(r wire.HeaderPaddingRange) (uint16, error) {
	span := int64(r.Max) - int64(r.Min)
	n, err := rand.Int(rand.Reader, big.NewInt(span))
	if err != nil {
		return 0, err
	}
	return uint16(n.Int64()) + r.Min, nil
}

func randBytes(n uint16) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, err
	}
	return b, nil
}

// withTagRoom copies data into a buffer with spare capacity for tags, so a
// subsequent EncryptInPlace (which grows its argument in place) never needs
// to reallocate past what the caller already holds a reference to —
// required whenever a sealed value is itself sealed again.
func withTagRoom(data []byte, tags int) []byte {
	buf := make([]byte, len(data), len(data)+tags*aead.TagSize)
	copy(buf, data)
	return buf
}

func discoveryHeaderKey(masterKey []byte, bucket int64) []byte {
	return kdf.DeriveFromTimestamp(discoveryKdf, masterKey, bucket)
}

// requestHeaderCiphers derives the pair of ciphers that seal the discovery
// request header: one time-bucketed key, used by both algorithms at the
// same nonce, so a prober must forge both AEADs to get past it.
func requestHeaderCiphers(headerKey, nonce []byte) (aesCipher, chachaCipher *aead.Cipher, err error) {
	aesCipher, err = aead.NewWithNonce(aead.KindAES256GCM, headerKey, nonce)
	if err != nil {
		return nil, nil, err
	}
	chachaCipher, err = aead.NewWithNonce(aead.KindChaCha20Poly1305, headerKey, nonce)
	if err != nil {
		return nil, nil, err
	}
	return aesCipher, chachaCipher, nil
}

// sealDiscoveryRequestHeader seals salt|padlen, AES first then ChaCha over
// the result, producing the 66-byte ciphertext carried after the nonce.
func sealDiscoveryRequestHeader(headerKey, nonce, salt []byte, padlen uint16) ([]byte, error) {
	aesCipher, chachaCipher, err := requestHeaderCiphers(headerKey, nonce)
	if err != nil {
		return nil, err
	}

	plain := make([]byte, requestHeaderPlainSize)
	copy(plain, salt)
	binary.BigEndian.PutUint16(plain[aead.KeySize:], padlen)

	innerSealed := aesCipher.EncryptInPlace(withTagRoom(plain, 2), 0)
	outerSealed := chachaCipher.EncryptInPlace(innerSealed, 0)
	return outerSealed, nil
}

// openDiscoveryRequestHeader reverses sealDiscoveryRequestHeader: undo the
// outer ChaCha seal first, then the inner AES seal.
func openDiscoveryRequestHeader(headerKey, nonce, ciphertext []byte) (salt []byte, padlen uint16, ok bool) {
	aesCipher, chachaCipher, err := requestHeaderCiphers(headerKey, nonce)
	if err != nil {
		return nil, 0, false
	}

	innerCiphertext, ok := chachaCipher.DecryptInPlace(append([]byte(nil), ciphertext...))
	if !ok {
		return nil, 0, false
	}
	plain, ok := aesCipher.DecryptInPlace(innerCiphertext)
	if !ok || len(plain) != requestHeaderPlainSize {
		return nil, 0, false
	}

	salt = append([]byte(nil), plain[:aead.KeySize]...)
	padlen = binary.BigEndian.Uint16(plain[aead.KeySize:])
	return salt, padlen, true
}

// openDiscoveryRequestHeaderWithRetry tolerates a client whose clock sits
// one discovery window behind the server's, exactly like the main connect
// header's retry.
func openDiscoveryRequestHeaderWithRetry(masterKey, nonce, ciphertext []byte, bucket int64) (salt []byte, padlen uint16, ok bool) {
	for _, b := range [2]int64{bucket, bucket - 1} {
		headerKey := discoveryHeaderKey(masterKey, b)
		if salt, padlen, ok := openDiscoveryRequestHeader(headerKey, nonce, ciphertext); ok {
			return salt, padlen, true
		}
	}
	return nil, 0, false
}

// discoveryResponseCiphers derives the pair of ciphers used for both the
// discovery response header and, after one IncrementNonce(1), its body.
// Nonces are taken from distinct slices of salt: no nonce is ever
// transmitted for the response.
func discoveryResponseCiphers(masterKey, salt []byte) (aesCipher, chachaCipher *aead.Cipher, err error) {
	key := kdf.DeriveProtocolResponseKey(discoveryKdf, masterKey, salt)
	aesCipher, err = aead.NewWithNonce(aead.KindAES256GCM, key, salt[:aead.NonceSize])
	if err != nil {
		return nil, nil, err
	}
	chachaCipher, err = aead.NewWithNonce(aead.KindChaCha20Poly1305, key, salt[len(salt)-aead.NonceSize:])
	if err != nil {
		return nil, nil, err
	}
	return aesCipher, chachaCipher, nil
}

// sealDiscoveryResponseHeader seals padBegin|padEnd, AES first then ChaCha.
func sealDiscoveryResponseHeader(aesCipher, chachaCipher *aead.Cipher, padBegin, padEnd uint16) []byte {
	plain := make([]byte, responseHeaderPlainSize)
	binary.BigEndian.PutUint16(plain[0:2], padBegin)
	binary.BigEndian.PutUint16(plain[2:4], padEnd)

	innerSealed := aesCipher.EncryptInPlace(withTagRoom(plain, 2), 0)
	return chachaCipher.EncryptInPlace(innerSealed, 0)
}

// openDiscoveryResponseHeader reverses sealDiscoveryResponseHeader: undo
// the outer ChaCha seal first, then the inner AES seal.
func openDiscoveryResponseHeader(aesCipher, chachaCipher *aead.Cipher, ciphertext []byte) (padBegin, padEnd uint16, ok bool) {
	innerCiphertext, ok := chachaCipher.DecryptInPlace(append([]byte(nil), ciphertext...))
	if !ok {
		return 0, 0, false
	}
	plain, ok := aesCipher.DecryptInPlace(innerCiphertext)
	if !ok || len(plain) != responseHeaderPlainSize {
		return 0, 0, false
	}
	return binary.BigEndian.Uint16(plain[0:2]), binary.BigEndian.Uint16(plain[2:4]), true
}

// sealDiscoveryResponseBody seals padBeginNoise|config|padEndNoise as one
// blob, AES first then ChaCha. The noise bytes are sealed along with the
// config even though they carry no information, since the reference
// encrypts the whole region in one pass rather than splitting it out.
func sealDiscoveryResponseBody(aesCipher, chachaCipher *aead.Cipher, padBeginNoise, configPlain, padEndNoise []byte) []byte {
	plain := make([]byte, 0, len(padBeginNoise)+len(configPlain)+len(padEndNoise))
	plain = append(plain, padBeginNoise...)
	plain = append(plain, configPlain...)
	plain = append(plain, padEndNoise...)

	innerSealed := aesCipher.EncryptInPlace(withTagRoom(plain, 2), 0)
	return chachaCipher.EncryptInPlace(innerSealed, 0)
}

// openDiscoveryResponseBody reverses sealDiscoveryResponseBody and slices
// the 19-byte config out of the middle of the recovered plaintext.
func openDiscoveryResponseBody(aesCipher, chachaCipher *aead.Cipher, ciphertext []byte, padBegin, padEnd uint16) (wire.ProtocolConfig, bool) {
	innerCiphertext, ok := chachaCipher.DecryptInPlace(append([]byte(nil), ciphertext...))
	if !ok {
		return wire.ProtocolConfig{}, false
	}
	plain, ok := aesCipher.DecryptInPlace(innerCiphertext)
	if !ok || len(plain) != int(padBegin)+responseBodyPlainSize+int(padEnd) {
		return wire.ProtocolConfig{}, false
	}
	configPlain := plain[padBegin : int(padBegin)+responseBodyPlainSize]
	return decodeProtocolConfig(configPlain), true
}

func encodeProtocolConfig(p wire.ProtocolConfig) []byte {
	buf := make([]byte, responseBodyPlainSize)
	buf[0] = byte(p.Kdf)
	buf[1] = byte(p.Cipher)
	binary.BigEndian.PutUint16(buf[2:4], p.MaxConnectDelay)
	binary.BigEndian.PutUint16(buf[4:6], p.HeaderPadding.Min)
	binary.BigEndian.PutUint16(buf[6:8], p.HeaderPadding.Max)
	binary.BigEndian.PutUint16(buf[8:10], p.DataPadding.Max)
	buf[10] = p.DataPadding.Rate
	binary.BigEndian.PutUint64(buf[11:19], p.EncryptionLimit)
	return buf
}

func decodeProtocolConfig(buf []byte) wire.ProtocolConfig {
	return wire.ProtocolConfig{
		Kdf:             kdf.Kind(buf[0]),
		Cipher:          aead.Kind(buf[1]),
		MaxConnectDelay: binary.BigEndian.Uint16(buf[2:4]),
		HeaderPadding: wire.HeaderPaddingRange{
			Min: binary.BigEndian.Uint16(buf[4:6]),
			Max: binary.BigEndian.Uint16(buf[6:8]),
		},
		DataPadding: wire.DataPadding{
			Max:  binary.BigEndian.Uint16(buf[8:10]),
			Rate: buf[10],
		},
		EncryptionLimit: binary.BigEndian.Uint64(buf[11:19]),
	}
}

// tryProtocolDiscovery interprets already (bytes already consumed from conn
// by the caller's failed connect-header attempt) plus whatever remains on
// conn as a discovery probe. A nil error means the probe was answered and
// the connection is finished; any other outcome means the caller should
// fall through to terminateSlowly.
func tryProtocolDiscovery(conn io.ReadWriter, already []byte, connectTime int64, cfg ServerConfig) error {
	headerTotal := aead.NonceSize + requestHeaderCipherSize

	header := make([]byte, headerTotal)
	n := copy(header, already)
	if n < headerTotal {
		got, _ := conn.Read(header[n:])
		n += got
	}
	if n < headerTotal {
		return fmt.Errorf("tunnel: discovery header too short")
	}
	var leftoverPadding []byte
	if len(already) > headerTotal {
		leftoverPadding = already[headerTotal:]
	}

	nonce := header[:aead.NonceSize]
	ciphertext := header[aead.NonceSize:]

	bucket := connectTime / wire.GetProtocolMaxConnectDelay
	salt, padlen, ok := openDiscoveryRequestHeaderWithRetry(cfg.Key, nonce, ciphertext, bucket)
	if !ok {
		return fmt.Errorf("tunnel: discovery header decrypt failed")
	}

	if remaining := int(padlen) - len(leftoverPadding); remaining > 0 {
		discard := make([]byte, remaining)
		got, _ := conn.Read(discard)
		if got < remaining {
			return fmt.Errorf("tunnel: discovery padding too short")
		}
	}

	aesCipher, chachaCipher, err := discoveryResponseCiphers(cfg.Key, salt)
	if err != nil {
		return err
	}

	padBegin, err := randInRange(responsePaddingRange)
	if err != nil {
		return err
	}
	padEnd, err := randInRange(responsePaddingRange)
	if err != nil {
		return err
	}
	respHeader := sealDiscoveryResponseHeader(aesCipher, chachaCipher, padBegin, padEnd)

	aesCipher.IncrementNonce(1)
	chachaCipher.IncrementNonce(1)

	padBeginNoise, err := randBytes(padBegin)
	if err != nil {
		return err
	}
	padEndNoise, err := randBytes(padEnd)
	if err != nil {
		return err
	}
	respBody := sealDiscoveryResponseBody(aesCipher, chachaCipher, padBeginNoise, encodeProtocolConfig(cfg.Protocol), padEndNoise)

	response := make([]byte, 0, len(respHeader)+len(respBody))
	response = append(response, respHeader...)
	response = append(response, respBody...)

	_, err = conn.Write(response)
	return err
}
