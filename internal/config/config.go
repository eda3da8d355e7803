// Package config provides configuration parsing and validation for the
// tunnel server and client CLIs.
package config

import (
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"regexp"
	"strings"

	"github.com/postalsys/muti-metroo/internal/aead"
	"github.com/postalsys/muti-metroo/internal/kdf"
	"github.com/postalsys/muti-metroo/internal/tunnel"
	"github.com/postalsys/muti-metroo/internal/wire"
	"gopkg.in/yaml.v3"
)

// Config is the top-level YAML document read from a server or client config
// file. Role selects which of Server/Client is meaningful.
type Config struct {
	Role     string         `yaml:"role"`
	Log      LogConfig      `yaml:"log"`
	Server   ServerConfig   `yaml:"server"`
	Client   ClientConfig   `yaml:"client"`
	Protocol ProtocolConfig `yaml:"protocol"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// LogConfig configures internal/logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig configures the optional Prometheus HTTP listener.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// ServerConfig is the YAML shape of tunnel.ServerConfig.
type ServerConfig struct {
	Address        string `yaml:"address"`
	OutAddress     string `yaml:"out_address"`
	Key            string `yaml:"key"`
	UnauthCooldown string `yaml:"unauth_cooldown"`
	UpgradeSupport bool   `yaml:"upgrade_support"`
	URLPath        string `yaml:"url_path"`
}

// ClientConfig is the YAML shape of tunnel.ClientConfig.
type ClientConfig struct {
	ServerAddress string `yaml:"server_address"`
	Key           string `yaml:"key"`
	URLPath       string `yaml:"url_path"`
}

// ProtocolConfig is the YAML shape of wire.ProtocolConfig.
type ProtocolConfig struct {
	Kdf             string `yaml:"kdf"`
	Cipher          string `yaml:"cipher"`
	MaxConnectDelay uint16 `yaml:"max_connect_delay"`
	HeaderPadding   string `yaml:"header_padding"`
	DataPaddingMax  uint16 `yaml:"data_padding_max"`
	DataPaddingRate uint8  `yaml:"data_padding_rate"`
	EncryptionLimit uint64 `yaml:"encryption_limit"`
}

// Default returns a Config seeded with the standard protocol parameters, so
// a config file only needs to override what it cares about.
func Default() *Config {
	proto := wire.DefaultProtocolConfig()
	return &Config{
		Log: LogConfig{Level: "info", Format: "text"},
		Protocol: ProtocolConfig{
			Kdf:             proto.Kdf.String(),
			Cipher:          proto.Cipher.String(),
			MaxConnectDelay: proto.MaxConnectDelay,
			HeaderPadding:   proto.HeaderPadding.String(),
			DataPaddingMax:  proto.DataPadding.Max,
			DataPaddingRate: proto.DataPadding.Rate,
			EncryptionLimit: proto.EncryptionLimit,
		},
		Server: ServerConfig{
			UnauthCooldown: tunnel.DefaultUnauthCooldown().String(),
		},
		Metrics: MetricsConfig{Address: "127.0.0.1:9090"},
	}
}

// Load reads and parses a YAML config file from path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses configuration from YAML bytes, after expanding
// ${VAR}/${VAR:-default}/$VAR environment variable references, then
// validates the result.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		if idx := strings.Index(name, ":-"); idx != -1 {
			varName := name[:idx]
			defaultVal := name[idx+2:]
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return defaultVal
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// Validate checks the configuration for errors appropriate to its Role.
func (c *Config) Validate() error {
	switch c.Role {
	case "server":
		if c.Server.Address == "" {
			return fmt.Errorf("config: server.address is required")
		}
		if c.Server.Key == "" {
			return fmt.Errorf("config: server.key is required")
		}
	case "client":
		if c.Client.ServerAddress == "" {
			return fmt.Errorf("config: client.server_address is required")
		}
		if c.Client.Key == "" {
			return fmt.Errorf("config: client.key is required")
		}
	default:
		return fmt.Errorf("config: role must be \"server\" or \"client\", got %q", c.Role)
	}

	if !isValidLogLevel(c.Log.Level) {
		return fmt.Errorf("config: invalid log level %q", c.Log.Level)
	}
	if !isValidLogFormat(c.Log.Format) {
		return fmt.Errorf("config: invalid log format %q", c.Log.Format)
	}

	return nil
}

func isValidLogLevel(level string) bool {
	switch strings.ToLower(level) {
	case "debug", "info", "warn", "warning", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch strings.ToLower(format) {
	case "text", "json":
		return true
	default:
		return false
	}
}

// ToProtocolConfig converts the YAML protocol block into wire.ProtocolConfig.
func (p ProtocolConfig) ToProtocolConfig() (wire.ProtocolConfig, error) {
	kdfKind, err := parseKdfKind(p.Kdf)
	if err != nil {
		return wire.ProtocolConfig{}, err
	}
	cipherKind, err := parseCipherKind(p.Cipher)
	if err != nil {
		return wire.ProtocolConfig{}, err
	}
	headerPadding, err := wire.ParseHeaderPaddingRange(p.HeaderPadding)
	if err != nil {
		return wire.ProtocolConfig{}, err
	}

	proto := wire.ProtocolConfig{
		Kdf:             kdfKind,
		Cipher:          cipherKind,
		MaxConnectDelay: p.MaxConnectDelay,
		HeaderPadding:   headerPadding,
		DataPadding:     wire.DataPadding{Max: p.DataPaddingMax, Rate: p.DataPaddingRate},
		EncryptionLimit: p.EncryptionLimit,
	}
	if err := proto.DataPadding.Validate(); err != nil {
		return wire.ProtocolConfig{}, err
	}
	return proto, nil
}

func parseKdfKind(s string) (kdf.Kind, error) {
	switch strings.ToLower(s) {
	case "", "argon2", "argon2id":
		return kdf.KindArgon2, nil
	case "blake3":
		return kdf.KindBlake3, nil
	default:
		return 0, fmt.Errorf("config: unknown kdf %q", s)
	}
}

func parseCipherKind(s string) (aead.Kind, error) {
	switch strings.ToLower(s) {
	case "", "aes256gcm", "aes-256-gcm":
		return aead.KindAES256GCM, nil
	case "chacha20poly1305", "chacha20-poly1305":
		return aead.KindChaCha20Poly1305, nil
	default:
		return 0, fmt.Errorf("config: unknown cipher %q", s)
	}
}

// ToTunnelServerConfig builds a tunnel.ServerConfig from the parsed YAML,
// decoding the hex key and resolving the optional out_address.
func (c *Config) ToTunnelServerConfig() (tunnel.ServerConfig, error) {
	key, err := decodeKey(c.Server.Key)
	if err != nil {
		return tunnel.ServerConfig{}, err
	}
	proto, err := c.Protocol.ToProtocolConfig()
	if err != nil {
		return tunnel.ServerConfig{}, err
	}

	cooldownStr := c.Server.UnauthCooldown
	if cooldownStr == "" {
		cooldownStr = tunnel.DefaultUnauthCooldown().String()
	}
	cooldown, err := wire.ParseHeaderPaddingRange(cooldownStr)
	if err != nil {
		return tunnel.ServerConfig{}, err
	}

	var outAddr net.IP
	if c.Server.OutAddress != "" {
		outAddr = net.ParseIP(c.Server.OutAddress)
		if outAddr == nil {
			return tunnel.ServerConfig{}, fmt.Errorf("config: invalid server.out_address %q", c.Server.OutAddress)
		}
	}

	return tunnel.ServerConfig{
		Address:        c.Server.Address,
		OutAddress:     outAddr,
		Key:            key,
		Protocol:       proto,
		UnauthCooldown: cooldown,
		UpgradeSupport: c.Server.UpgradeSupport,
		URLPath:        c.Server.URLPath,
	}, nil
}

// ToTunnelClientConfig builds a tunnel.ClientConfig from the parsed YAML.
func (c *Config) ToTunnelClientConfig() (tunnel.ClientConfig, error) {
	key, err := decodeKey(c.Client.Key)
	if err != nil {
		return tunnel.ClientConfig{}, err
	}
	proto, err := c.Protocol.ToProtocolConfig()
	if err != nil {
		return tunnel.ClientConfig{}, err
	}

	return tunnel.ClientConfig{
		ServerAddress: c.Client.ServerAddress,
		Key:           key,
		Protocol:      proto,
		URLPath:       c.Client.URLPath,
	}, nil
}

func decodeKey(s string) ([]byte, error) {
	key, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("config: key must be hex-encoded: %w", err)
	}
	if len(key) == 0 {
		return nil, fmt.Errorf("config: key is required")
	}
	return key, nil
}
