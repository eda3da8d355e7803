package tunnel

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/postalsys/muti-metroo/internal/aead"
	"github.com/postalsys/muti-metroo/internal/framedstream"
	"github.com/postalsys/muti-metroo/internal/kdf"
	"github.com/postalsys/muti-metroo/internal/wire"
)

// GetServerProtocol dials addr and runs the discovery exchange to learn the
// ProtocolConfig a server expects for masterKey, without assuming anything
// about it beforehand. The connection is closed before returning.
func GetServerProtocol(ctx context.Context, addr string, masterKey []byte) (wire.ProtocolConfig, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return wire.ProtocolConfig{}, fmt.Errorf("tunnel: dial %s: %w", addr, err)
	}
	defer conn.Close()

	if dl, ok := ctx.Deadline(); ok {
		conn.SetDeadline(dl)
	}

	salt := make([]byte, aead.KeySize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return wire.ProtocolConfig{}, err
	}

	padlen, err := randInRange(requestPaddingRange)
	if err != nil {
		return wire.ProtocolConfig{}, err
	}

	connectTime := time.Now().UnixMilli()
	bucket := connectTime / wire.GetProtocolMaxConnectDelay
	headerKey := discoveryHeaderKey(masterKey, bucket)

	nonce := make([]byte, aead.NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return wire.ProtocolConfig{}, err
	}
	headerSealed, err := sealDiscoveryRequestHeader(headerKey, nonce, salt, padlen)
	if err != nil {
		return wire.ProtocolConfig{}, err
	}

	padNoise, err := randBytes(padlen)
	if err != nil {
		return wire.ProtocolConfig{}, err
	}

	request := make([]byte, 0, aead.NonceSize+len(headerSealed)+len(padNoise))
	request = append(request, nonce...)
	request = append(request, headerSealed...)
	request = append(request, padNoise...)

	if _, err := conn.Write(request); err != nil {
		return wire.ProtocolConfig{}, err
	}

	respHeaderCipherText := make([]byte, responseHeaderCipherSize)
	if _, err := io.ReadFull(conn, respHeaderCipherText); err != nil {
		return wire.ProtocolConfig{}, fmt.Errorf("tunnel: read discovery response header: %w", err)
	}

	aesCipher, chachaCipher, err := discoveryResponseCiphers(masterKey, salt)
	if err != nil {
		return wire.ProtocolConfig{}, err
	}
	respPadBegin, respPadEnd, ok := openDiscoveryResponseHeader(aesCipher, chachaCipher, respHeaderCipherText)
	if !ok {
		return wire.ProtocolConfig{}, fmt.Errorf("tunnel: discovery response header decrypt failed")
	}

	aesCipher.IncrementNonce(1)
	chachaCipher.IncrementNonce(1)

	bodyCipherText := make([]byte, int(respPadBegin)+responseBodyPlainSize+int(respPadEnd)+2*aead.TagSize)
	if _, err := io.ReadFull(conn, bodyCipherText); err != nil {
		return wire.ProtocolConfig{}, fmt.Errorf("tunnel: read discovery response body: %w", err)
	}

	proto, ok := openDiscoveryResponseBody(aesCipher, chachaCipher, bodyCipherText, respPadBegin, respPadEnd)
	if !ok {
		return wire.ProtocolConfig{}, fmt.Errorf("tunnel: discovery response body decrypt failed")
	}
	return proto, nil
}

// EstablishTunnel dials cfg.ServerAddress, authenticates with a connect
// header naming targetHost, and relays clientConn against the resulting
// encrypted stream until either side closes.
func EstablishTunnel(ctx context.Context, cfg ClientConfig, targetHost string, clientConn io.ReadWriteCloser) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if len(targetHost) < wire.MinHostLen || len(targetHost) > wire.MinHostLen+255 {
		return fmt.Errorf("tunnel: host %q out of encodable length range", targetHost)
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", cfg.ServerAddress)
	if err != nil {
		return fmt.Errorf("tunnel: dial %s: %w", cfg.ServerAddress, err)
	}
	defer conn.Close()

	if cfg.URLPath != "" {
		if err := sendHTTPUpgrade(conn, cfg.ServerAddress, cfg.URLPath); err != nil {
			return err
		}
	}

	salt := make([]byte, aead.KeySize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return err
	}

	padding, err := randHeaderPadding(cfg.Protocol.HeaderPadding)
	if err != nil {
		return err
	}

	plain := make([]byte, aead.KeySize+wire.PadLenFieldSize+wire.HostLenFieldSize)
	copy(plain, salt)
	binary.BigEndian.PutUint16(plain[aead.KeySize:aead.KeySize+2], padding)
	plain[aead.KeySize+2] = byte(len(targetHost) - wire.MinHostLen)

	connectTime := time.Now().UnixMilli()
	bucket := connectTime / int64(cfg.Protocol.MaxConnectDelay)
	headerKey := kdf.DeriveFromTimestamp(cfg.Protocol.Kdf, cfg.Key, bucket)

	nonce := make([]byte, aead.NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return err
	}
	headerCipher, err := aead.NewWithNonce(cfg.Protocol.Cipher, headerKey, nonce)
	if err != nil {
		return err
	}
	mainHeader := headerCipher.EncryptInPlace(withTagRoom(plain, 1), 0)

	headerCipher.IncrementNonce(padding)
	hostSealed := headerCipher.EncryptInPlace(withTagRoom([]byte(targetHost), 1), 0)

	paddingBytes, err := randBytes(padding)
	if err != nil {
		return err
	}

	packet := make([]byte, 0, aead.NonceSize+len(mainHeader)+len(hostSealed)+len(paddingBytes))
	packet = append(packet, nonce...)
	packet = append(packet, mainHeader...)
	packet = append(packet, hostSealed...)
	packet = append(packet, paddingBytes...)

	if _, err := conn.Write(packet); err != nil {
		return err
	}

	clientCipher, serverCipher, err := sessionCiphers(cfg.Protocol.Kdf, cfg.Protocol.Cipher, cfg.Key, salt)
	if err != nil {
		return err
	}

	// Mirror image of the server side: the client reads server->client
	// bytes with serverCipher and writes client->server bytes with
	// clientCipher.
	serverStream := framedstream.New(conn, serverCipher, clientCipher, cfg.Protocol.DataPadding, cfg.Protocol.EncryptionLimit, rand.Reader)

	return relay(clientConn, serverStream, nil)
}

func randHeaderPadding(r wire.HeaderPaddingRange) (uint16, error) {
	span := int64(r.Max) - int64(r.Min)
	if span <= 0 {
		return r.Min, nil
	}
	var buf [2]byte
	if _, err := io.ReadFull(rand.Reader, buf[:]); err != nil {
		return 0, err
	}
	return r.Min + uint16(int64(binary.BigEndian.Uint16(buf[:]))%span), nil
}

// sendHTTPUpgrade sends a minimal HTTP upgrade request for urlPath so a
// fronting reverse proxy forwards the raw connection through to the tunnel
// listener behind it.
func sendHTTPUpgrade(conn net.Conn, host, urlPath string) error {
	req := "GET /" + urlPath + " HTTP/1.1\r\nHost: " + host + "\r\nUpgrade: websocket\r\nConnection: Upgrade\r\n\r\n"
	if _, err := conn.Write([]byte(req)); err != nil {
		return err
	}

	var respBytes [255]byte
	read := 0
	lfInRow := 0
	single := make([]byte, 1)
	for lfInRow < 2 {
		if _, err := io.ReadFull(conn, single); err != nil {
			return err
		}
		b := single[0]
		if b == '\n' {
			lfInRow++
		} else if b != '\r' {
			lfInRow = 0
		}
		if read >= len(respBytes) {
			return fmt.Errorf("tunnel: upgrade response too large")
		}
		respBytes[read] = b
		read++
	}
	return nil
}
