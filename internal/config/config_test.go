package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q, want \"info\"", cfg.Log.Level)
	}
	if cfg.Protocol.Kdf != "argon2" {
		t.Errorf("Protocol.Kdf = %q, want \"argon2\"", cfg.Protocol.Kdf)
	}
	if cfg.Protocol.HeaderPadding == "" {
		t.Error("Protocol.HeaderPadding should not be empty")
	}
}

func TestParse_ServerConfig(t *testing.T) {
	data := []byte(`
role: server
server:
  address: 127.0.0.1:9443
  key: 5a5a5a5a5a5a5a5a5a5a5a5a5a5a5a5a5a5a5a5a5a5a5a5a5a5a5a5a5a5a5a5a
`)
	cfg, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Server.Address != "127.0.0.1:9443" {
		t.Errorf("Server.Address = %q", cfg.Server.Address)
	}

	serverCfg, err := cfg.ToTunnelServerConfig()
	if err != nil {
		t.Fatalf("ToTunnelServerConfig: %v", err)
	}
	if len(serverCfg.Key) != 32 {
		t.Errorf("decoded key length = %d, want 32", len(serverCfg.Key))
	}
	if serverCfg.Protocol.Kdf.String() != "argon2" {
		t.Errorf("protocol kdf = %s", serverCfg.Protocol.Kdf)
	}
}

func TestParse_ClientConfig(t *testing.T) {
	data := []byte(`
role: client
client:
  server_address: tunnel.example.com:443
  key: 5a5a5a5a5a5a5a5a5a5a5a5a5a5a5a5a5a5a5a5a5a5a5a5a5a5a5a5a5a5a5a5a
protocol:
  cipher: chacha20-poly1305
`)
	cfg, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	clientCfg, err := cfg.ToTunnelClientConfig()
	if err != nil {
		t.Fatalf("ToTunnelClientConfig: %v", err)
	}
	if clientCfg.Protocol.Cipher.String() != "chacha20-poly1305" {
		t.Errorf("protocol cipher = %s", clientCfg.Protocol.Cipher)
	}
}

func TestParse_InvalidYAML(t *testing.T) {
	_, err := Parse([]byte("role: [this is not valid"))
	if err == nil {
		t.Fatal("expected a parse error")
	}
}

func TestParse_MissingRole(t *testing.T) {
	_, err := Parse([]byte("server:\n  address: 127.0.0.1:9443\n"))
	if err == nil {
		t.Fatal("expected a validation error for a missing role")
	}
}

func TestParse_MissingKey(t *testing.T) {
	_, err := Parse([]byte("role: server\nserver:\n  address: 127.0.0.1:9443\n"))
	if err == nil {
		t.Fatal("expected a validation error for a missing key")
	}
}

func TestParse_EnvVarSubstitution(t *testing.T) {
	os.Setenv("TEST_TUNNEL_KEY", "5a5a5a5a5a5a5a5a5a5a5a5a5a5a5a5a5a5a5a5a5a5a5a5a5a5a5a5a5a5a5a5a")
	defer os.Unsetenv("TEST_TUNNEL_KEY")

	data := []byte("role: server\nserver:\n  address: 127.0.0.1:9443\n  key: ${TEST_TUNNEL_KEY}\n")
	cfg, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Server.Key == "${TEST_TUNNEL_KEY}" {
		t.Error("env var was not substituted")
	}
}

func TestParse_EnvVarDefaultValue(t *testing.T) {
	os.Unsetenv("TEST_TUNNEL_MISSING")
	data := []byte("role: server\nserver:\n  address: ${TEST_TUNNEL_MISSING:-127.0.0.1:9443}\n  key: 5a5a5a5a5a5a5a5a5a5a5a5a5a5a5a5a5a5a5a5a5a5a5a5a5a5a5a5a5a5a5a5a\n")
	cfg, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Server.Address != "127.0.0.1:9443" {
		t.Errorf("Server.Address = %q, want default value substituted", cfg.Server.Address)
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Fatal("expected an error for a missing file")
	}
}

func TestLoad_ValidFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := "role: server\nserver:\n  address: 127.0.0.1:9443\n  key: 5a5a5a5a5a5a5a5a5a5a5a5a5a5a5a5a5a5a5a5a5a5a5a5a5a5a5a5a5a5a5a5a\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Address != "127.0.0.1:9443" {
		t.Errorf("Server.Address = %q", cfg.Server.Address)
	}
}

func TestToProtocolConfig_UnknownCipher(t *testing.T) {
	p := ProtocolConfig{Cipher: "rot13", HeaderPadding: "50..777"}
	if _, err := p.ToProtocolConfig(); err == nil {
		t.Fatal("expected an error for an unknown cipher")
	}
}

func TestDecodeKey_InvalidHex(t *testing.T) {
	if _, err := decodeKey("not-hex"); err == nil {
		t.Fatal("expected an error for non-hex key")
	}
}
