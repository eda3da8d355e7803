// Package tunnel implements the covert TCP tunnel's connection handshake
// and dispatch: accepting and authenticating incoming connect headers,
// relaying bytes to the requested host, and the client-side counterpart
// that builds a connect header and establishes the encrypted stream.
package tunnel

import (
	"fmt"
	"net"

	"github.com/postalsys/muti-metroo/internal/metrics"
	"github.com/postalsys/muti-metroo/internal/wire"
)

// ServerConfig configures a listening tunnel server.
type ServerConfig struct {
	// Address is the TCP address to listen on.
	Address string

	// OutAddress, if set, binds outbound dial sockets to this local IP.
	// Its IP version must match the resolved target for it to be used.
	OutAddress net.IP

	// Key is the shared master secret, in raw bytes.
	Key []byte

	Protocol wire.ProtocolConfig

	// UnauthCooldown bounds the random delay before closing a connection
	// that failed to authenticate, so failures are indistinguishable from
	// slow legitimate clients.
	UnauthCooldown wire.HeaderPaddingRange

	// UpgradeSupport enables the loopback-only HTTP upgrade preamble used
	// when this listener sits behind a reverse proxy terminating
	// WebSocket upgrades.
	UpgradeSupport bool

	// URLPath is the HTTP path a fronting proxy must forward; derived
	// from Key via kdf.DeriveURLPath when empty.
	URLPath string

	// Metrics receives connection accept/reject/relay counters. Nil
	// disables metrics collection entirely.
	Metrics *metrics.Metrics
}

// Validate requires Key. When OutAddress is set, Address must parse as
// host:port, and if its host is an IP literal that IP must not be a
// wildcard address and must differ from OutAddress. The IP versions of
// Address and OutAddress are not compared here.
func (c ServerConfig) Validate() error {
	if len(c.Key) == 0 {
		return fmt.Errorf("tunnel: server config: key is required")
	}
	if c.OutAddress == nil {
		return nil
	}
	host, _, err := net.SplitHostPort(c.Address)
	if err != nil {
		return fmt.Errorf("tunnel: server config: invalid address %q: %w", c.Address, err)
	}
	listenIP := net.ParseIP(host)
	if listenIP != nil && listenIP.IsUnspecified() {
		return fmt.Errorf("tunnel: server config: out_address requires a specific listen address, not a wildcard")
	}
	if listenIP != nil && listenIP.Equal(c.OutAddress) {
		return fmt.Errorf("tunnel: server config: out_address must differ from the listen address")
	}
	return nil
}

// DefaultUnauthCooldown matches the reference's default cooldown range.
func DefaultUnauthCooldown() wire.HeaderPaddingRange {
	return wire.HeaderPaddingRange{Min: 50, Max: 777}
}

// ClientConfig configures a dial to a tunnel server.
type ClientConfig struct {
	// ServerAddress is the tunnel server's TCP address.
	ServerAddress string

	// Key is the shared master secret, in raw bytes.
	Key []byte

	// Protocol describes the negotiated parameters, typically obtained
	// via GetServerProtocol.
	Protocol wire.ProtocolConfig

	// URLPath, when set, causes EstablishTunnel to send an HTTP upgrade
	// preamble first, for WebSocket-disguised/reverse-proxy-fronted
	// deployments.
	URLPath string
}

// Validate requires Key and refuses a zero EncryptionLimit without URLPath.
// With a limit of zero only the first frame in each direction is sealed and
// every later frame travels unencrypted, so that setting is accepted only
// for an HTTP-upgrade-fronted connection (URLPath set) and is refused at
// init for a plain TCP session.
func (c ClientConfig) Validate() error {
	if len(c.Key) == 0 {
		return fmt.Errorf("tunnel: client config: key is required")
	}
	if c.Protocol.EncryptionLimit == 0 && c.URLPath == "" {
		return fmt.Errorf("tunnel: client config: encryption_limit 0 is not allowed without an https/upgrade-fronted tunnel")
	}
	return nil
}
