package tunnel

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	mrand "math/rand"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/postalsys/muti-metroo/internal/aead"
	"github.com/postalsys/muti-metroo/internal/framedstream"
	"github.com/postalsys/muti-metroo/internal/kdf"
	"github.com/postalsys/muti-metroo/internal/logging"
	"github.com/postalsys/muti-metroo/internal/metrics"
	"github.com/postalsys/muti-metroo/internal/wire"
	"golang.org/x/sync/errgroup"
)

var errAuthFailed = errors.New("tunnel: connect header authentication failed")

// mainHeaderReadTimeout bounds the single read attempt for the connect
// header so a prober that opens a connection and never writes cannot hold a
// goroutine open indefinitely; it must still fall through to
// tryProtocolDiscovery and terminateSlowly on expiry, the same as any other
// short read.
const mainHeaderReadTimeout = 5 * time.Second

// Serve listens on cfg.Address and services tunnel connections until ctx is
// canceled. Each accepted connection is authenticated, relayed to its
// requested host, and logged independently; a single connection's failure
// never brings down the listener.
func Serve(ctx context.Context, cfg ServerConfig, logger *slog.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if logger == nil {
		logger = logging.NopLogger()
	}

	urlPath := cfg.URLPath
	if urlPath == "" {
		urlPath = kdf.DeriveURLPath(cfg.Key)
	}

	lc := net.ListenConfig{}
	listener, err := lc.Listen(ctx, "tcp", cfg.Address)
	if err != nil {
		return fmt.Errorf("tunnel: listen %s: %w", cfg.Address, err)
	}
	defer listener.Close()

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	logger.Info("tunnel server started", logging.KeyAddress, cfg.Address)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Error("accept failed", logging.KeyError, err)
			continue
		}

		connectTime := time.Now().UnixMilli()
		go func() {
			defer conn.Close()
			if err := startTunnel(conn, connectTime, cfg, urlPath, logger); err != nil {
				logger.Debug("tunnel rejected", logging.KeyRemoteAddr, conn.RemoteAddr(), logging.KeyError, err)
			}
		}()
	}
}

// startTunnel authenticates one accepted connection and, on success, relays
// it to the host its connect header names. There are three outcomes: a
// relayed tunnel, an answered protocol-discovery probe, and a rejected
// peer. A peer that fails authentication ends in terminateSlowly, which
// sends nothing back, so the reason for the rejection is not visible on
// the wire.
func startTunnel(conn net.Conn, connectTime int64, cfg ServerConfig, urlPath string, logger *slog.Logger) error {
	start := time.Now()
	latencyObserved := false
	observeLatency := func() {
		if cfg.Metrics != nil && !latencyObserved {
			latencyObserved = true
			cfg.Metrics.HandshakeLatency.Observe(time.Since(start).Seconds())
		}
	}
	defer observeLatency()

	if cfg.UpgradeSupport && isLoopback(conn.RemoteAddr()) {
		if err := processHTTPUpgrade(conn, urlPath); err != nil {
			terminateSlowly(conn, cfg.UnauthCooldown)
			return err
		}
	}

	cipherKind := cfg.Protocol.Cipher
	kdfKind := cfg.Protocol.Kdf

	mainHeader := make([]byte, wire.MainHeaderSize)
	conn.SetReadDeadline(time.Now().Add(mainHeaderReadTimeout))
	n, _ := conn.Read(mainHeader)
	if n < len(mainHeader) {
		if discErr := tryProtocolDiscovery(conn, mainHeader[:n], connectTime, cfg); discErr == nil {
			return nil
		}
		rejectConnection(cfg, "short_header")
		terminateSlowly(conn, cfg.UnauthCooldown)
		return fmt.Errorf("tunnel: short main header read")
	}
	conn.SetReadDeadline(time.Time{})

	nonce := mainHeader[:aead.NonceSize]
	encrypted := append([]byte(nil), mainHeader[aead.NonceSize:]...)

	timestampBucket := connectTime / int64(cfg.Protocol.MaxConnectDelay)
	headerCipher, plain, ok := decryptHeaderWithRetry(kdfKind, cipherKind, cfg.Key, nonce, encrypted, timestampBucket)
	if !ok {
		if discErr := tryProtocolDiscovery(conn, mainHeader, connectTime, cfg); discErr == nil {
			return nil
		}
		rejectConnection(cfg, "auth_failed")
		terminateSlowly(conn, cfg.UnauthCooldown)
		return errAuthFailed
	}

	salt := append([]byte(nil), plain[:aead.KeySize]...)
	padding := binary.BigEndian.Uint16(plain[aead.KeySize : aead.KeySize+wire.PadLenFieldSize])
	hostLen := int(plain[aead.KeySize+wire.PadLenFieldSize]) + wire.MinHostLen

	restSize := hostLen + aead.TagSize + int(padding)
	rest := make([]byte, restSize)
	got, _ := conn.Read(rest)
	if got < restSize {
		rejectConnection(cfg, "short_host_region")
		terminateSlowly(conn, cfg.UnauthCooldown)
		return fmt.Errorf("tunnel: short host region read")
	}

	headerCipher.IncrementNonce(padding)
	hostPlain, ok := headerCipher.DecryptInPlace(rest[:hostLen+aead.TagSize])
	if !ok {
		rejectConnection(cfg, "host_decrypt_failed")
		terminateSlowly(conn, cfg.UnauthCooldown)
		return fmt.Errorf("tunnel: decrypt host failed")
	}

	host := string(hostPlain[:hostLen])
	if !strings.Contains(host, ":") {
		rejectConnection(cfg, "malformed_host")
		terminateSlowly(conn, cfg.UnauthCooldown)
		return fmt.Errorf("tunnel: malformed host %q", host)
	}

	if cfg.Metrics != nil {
		cfg.Metrics.ConnectionsAccepted.Inc()
	}

	addr, err := resolvePreferIPv4(host)
	if err != nil {
		return err
	}

	clientCipher, serverCipher, err := sessionCiphers(kdfKind, cipherKind, cfg.Key, salt)
	if err != nil {
		return err
	}

	// conn carries client->server bytes sealed with clientCipher and
	// server->client bytes sealed with serverCipher, so the server reads
	// with clientCipher and writes with serverCipher.
	clientStream := framedstream.New(conn, clientCipher, serverCipher, cfg.Protocol.DataPadding, cfg.Protocol.EncryptionLimit, rand.Reader)

	var outConn net.Conn
	if cfg.OutAddress != nil && sameIPVersion(cfg.OutAddress, addr.IP) {
		dialer := net.Dialer{LocalAddr: &net.TCPAddr{IP: cfg.OutAddress}}
		outConn, err = dialer.Dial("tcp", addr.String())
	} else {
		outConn, err = net.Dial("tcp", addr.String())
	}
	if err != nil {
		return fmt.Errorf("tunnel: dial %s: %w", addr, err)
	}
	defer outConn.Close()

	logger.Info("tunnel connected", logging.KeyRemoteAddr, conn.RemoteAddr(), logging.KeyHost, host)

	if cfg.Metrics != nil {
		cfg.Metrics.ConnectionsRelayed.Inc()
		cfg.Metrics.ConnectionsActive.Inc()
		defer cfg.Metrics.ConnectionsActive.Dec()
	}

	observeLatency()
	return relay(clientStream, outConn, cfg.Metrics)
}

func rejectConnection(cfg ServerConfig, reason string) {
	if cfg.Metrics != nil {
		cfg.Metrics.ConnectionsRejected.WithLabelValues(reason).Inc()
	}
}

// decryptHeaderWithRetry tries the current timestamp bucket, then the
// previous one, tolerating clock skew or a connection that sat in flight
// across a bucket boundary.
func decryptHeaderWithRetry(kdfKind kdf.Kind, cipherKind aead.Kind, key, nonce, encrypted []byte, bucket int64) (*aead.Cipher, []byte, bool) {
	for _, b := range [2]int64{bucket, bucket - 1} {
		headerKey := kdf.DeriveFromTimestamp(kdfKind, key, b)
		cipher, err := aead.NewWithNonce(cipherKind, headerKey, nonce)
		if err != nil {
			continue
		}
		if plain, ok := cipher.DecryptInPlace(append([]byte(nil), encrypted...)); ok {
			return cipher, plain, true
		}
	}
	return nil, nil, false
}

// relay copies bytes in both directions until either side finishes. The
// first direction to finish closes both a and b, which unblocks the other
// direction; relay returns that first direction's error.
func relay(a io.ReadWriteCloser, b io.ReadWriteCloser, m *metrics.Metrics) error {
	var (
		once     sync.Once
		firstErr error
	)
	finish := func(err error) {
		once.Do(func() {
			firstErr = err
			a.Close()
			b.Close()
		})
	}
	g := new(errgroup.Group)
	g.Go(func() error {
		n, err := io.Copy(b, a)
		if m != nil {
			m.BytesTotal.WithLabelValues("out").Add(float64(n))
		}
		finish(err)
		return nil
	})
	g.Go(func() error {
		n, err := io.Copy(a, b)
		if m != nil {
			m.BytesTotal.WithLabelValues("in").Add(float64(n))
		}
		finish(err)
		return nil
	})
	g.Wait()
	return firstErr
}

func isLoopback(addr net.Addr) bool {
	tcpAddr, ok := addr.(*net.TCPAddr)
	if !ok {
		return false
	}
	return tcpAddr.IP.IsLoopback()
}

func sameIPVersion(a, b net.IP) bool {
	return (a.To4() != nil) == (b.To4() != nil)
}

func resolvePreferIPv4(host string) (*net.TCPAddr, error) {
	hostname, port, err := net.SplitHostPort(host)
	if err != nil {
		return nil, fmt.Errorf("tunnel: invalid host %q: %w", host, err)
	}
	ips, err := net.DefaultResolver.LookupIPAddr(context.Background(), hostname)
	if err != nil {
		return nil, fmt.Errorf("tunnel: lookup %q: %w", hostname, err)
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("tunnel: host %q not found", hostname)
	}

	chosen := ips[0].IP
	for _, ip := range ips[1:] {
		if chosen.To4() == nil && ip.IP.To4() != nil {
			chosen = ip.IP
		}
	}

	addr, err := net.ResolveTCPAddr("tcp", net.JoinHostPort(chosen.String(), port))
	if err != nil {
		return nil, err
	}
	return addr, nil
}

// terminateSlowly discards an unauthenticated connection after a uniformly
// random delay with a uniformly random read size, so a failed auth attempt
// looks identical on the wire to a slow legitimate client.
func terminateSlowly(conn net.Conn, cooldown wire.HeaderPaddingRange) {
	maxRead, _ := rand.Int(rand.Reader, big.NewInt(1<<16))
	span := int64(cooldown.Max) - int64(cooldown.Min)
	if span <= 0 {
		span = 1
	}
	waitMs := int64(cooldown.Min) + mrand.Int63n(span)

	conn.SetReadDeadline(time.Now().Add(time.Duration(waitMs) * time.Millisecond))
	discard := make([]byte, maxRead.Int64())
	_, _ = io.ReadFull(conn, discard)
}

// processHTTPUpgrade reads a loopback-only HTTP upgrade request byte by
// byte until a blank line, verifies it requests urlPath, and replies with a
// 101 Switching Protocols so a fronting reverse proxy completes its own
// upgrade handshake before raw framed bytes begin.
func processHTTPUpgrade(conn net.Conn, urlPath string) error {
	var reqBytes [255]byte
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

		if read >= len(reqBytes) {
			return fmt.Errorf("tunnel: upgrade request too large")
		}
		reqBytes[read] = b
		read++
	}

	req := string(reqBytes[:read])
	if !strings.Contains(req, urlPath) || !strings.HasSuffix(req, "\n") {
		return fmt.Errorf("tunnel: unexpected upgrade request")
	}

	_, err := conn.Write([]byte("HTTP/1.1 101 Switching Protocols\r\nUpgrade: cconnect\r\nConnection: Upgrade\r\n\r\n"))
	return err
}
