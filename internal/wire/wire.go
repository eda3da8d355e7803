// Package wire holds the shared wire-format constants and negotiable
// protocol parameters for the tunnel: connect-header field sizes, data
// padding configuration, and the per-connection ProtocolConfig both ends of
// a tunnel must agree on.
package wire

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/postalsys/muti-metroo/internal/aead"
	"github.com/postalsys/muti-metroo/internal/kdf"
)

// MinHostLen is the smallest encodable "host:port" string. hostlen on the
// wire is stored as len(host)-MinHostLen in a single byte, so len(host)
// ranges over [MinHostLen, MinHostLen+255].
const MinHostLen = 4

// GetProtocolMaxConnectDelay bounds how stale a protocol-discovery probe's
// timestamp may be, in milliseconds.
const GetProtocolMaxConnectDelay = 30000

// Connect-header field sizes (all fixed regardless of negotiated cipher,
// since nonce/salt/tag sizes are uniform across both AEAD kinds).
const (
	NonceFieldSize   = aead.NonceSize
	SaltFieldSize    = 32
	PadLenFieldSize  = 2
	HostLenFieldSize = 1
	TagFieldSize     = aead.TagSize

	// MainHeaderSize is the fixed portion read in the server's first,
	// one-shot blocking read: nonce + salt + padlen + hostlen + tag1.
	MainHeaderSize = NonceFieldSize + SaltFieldSize + PadLenFieldSize + HostLenFieldSize + TagFieldSize
)

// DataPadding controls per-frame random padding in the framed encrypted
// stream: padding length is uniform in [0, min(max, rate%*len(payload))).
type DataPadding struct {
	Max  uint16
	Rate uint8
}

// DefaultDataPadding returns the standard padding parameters.
func DefaultDataPadding() DataPadding {
	return DataPadding{Max: 255, Rate: 20}
}

// Needed reports whether padding is configured at all.
func (d DataPadding) Needed() bool {
	return d.Max > 0 && d.Rate > 0
}

// Validate rejects a padding rate above 100%.
func (d DataPadding) Validate() error {
	if d.Rate > 100 {
		return fmt.Errorf("wire: data padding rate too high (%d), max is 100", d.Rate)
	}
	return nil
}

// HeaderPaddingRange is an inclusive-exclusive [Min, Max) byte-count range
// for the connect header's random padding.
type HeaderPaddingRange struct {
	Min uint16
	Max uint16
}

// String renders the range in config-file form, e.g. "50..777".
func (r HeaderPaddingRange) String() string {
	return strconv.Itoa(int(r.Min)) + ".." + strconv.Itoa(int(r.Max))
}

// ParseHeaderPaddingRange parses the "min..max" textual form used in config
// files.
func ParseHeaderPaddingRange(s string) (HeaderPaddingRange, error) {
	parts := strings.SplitN(s, "..", 3)
	if len(parts) != 2 {
		return HeaderPaddingRange{}, fmt.Errorf("wire: invalid range %q, want \"min..max\"", s)
	}
	lo, err := strconv.ParseUint(parts[0], 10, 16)
	if err != nil {
		return HeaderPaddingRange{}, fmt.Errorf("wire: invalid range start %q: %w", s, err)
	}
	hi, err := strconv.ParseUint(parts[1], 10, 16)
	if err != nil {
		return HeaderPaddingRange{}, fmt.Errorf("wire: invalid range end %q: %w", s, err)
	}
	return HeaderPaddingRange{Min: uint16(lo), Max: uint16(hi)}, nil
}

// DefaultHeaderPaddingRange returns the standard connect-header padding range.
func DefaultHeaderPaddingRange() HeaderPaddingRange {
	return HeaderPaddingRange{Min: 50, Max: 777}
}

// ProtocolConfig is the set of parameters both tunnel ends must agree on for
// a given master key. A client that does not already know these values
// fetches them via the protocol-discovery exchange (see tunnel.GetServerProtocol).
type ProtocolConfig struct {
	Kdf               kdf.Kind
	Cipher            aead.Kind
	MaxConnectDelay   uint16
	HeaderPadding     HeaderPaddingRange
	DataPadding       DataPadding
	EncryptionLimit   uint64
}

// DefaultProtocolConfig returns the standard protocol parameters, used when
// a config omits a value.
func DefaultProtocolConfig() ProtocolConfig {
	return ProtocolConfig{
		Kdf:             kdf.KindArgon2,
		Cipher:          aead.KindAES256GCM,
		MaxConnectDelay: 10000,
		HeaderPadding:   DefaultHeaderPaddingRange(),
		DataPadding:     DefaultDataPadding(),
		EncryptionLimit: ^uint64(0),
	}
}
