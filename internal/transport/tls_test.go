package transport

import (
	"crypto/tls"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestGenerateSelfSignedCert(t *testing.T) {
	certPEM, keyPEM, err := GenerateSelfSignedCert("example.test", time.Hour)
	if err != nil {
		t.Fatalf("GenerateSelfSignedCert: %v", err)
	}
	if len(certPEM) == 0 || len(keyPEM) == 0 {
		t.Fatal("expected non-empty cert and key PEM")
	}

	cfg, err := TLSConfigFromBytes(certPEM, keyPEM)
	if err != nil {
		t.Fatalf("TLSConfigFromBytes: %v", err)
	}
	if cfg.MinVersion != tls.VersionTLS13 {
		t.Errorf("MinVersion = %v, want TLS 1.3", cfg.MinVersion)
	}
	if len(cfg.NextProtos) != 1 || cfg.NextProtos[0] != ALPNProtocol {
		t.Errorf("NextProtos = %v, want [%s]", cfg.NextProtos, ALPNProtocol)
	}
}

func TestGenerateAndSaveCert_LoadTLSConfig(t *testing.T) {
	dir := t.TempDir()
	certFile := filepath.Join(dir, "cert.pem")
	keyFile := filepath.Join(dir, "key.pem")

	if err := GenerateAndSaveCert(certFile, keyFile, "example.test", time.Hour); err != nil {
		t.Fatalf("GenerateAndSaveCert: %v", err)
	}

	if _, err := os.Stat(certFile); err != nil {
		t.Fatalf("cert file missing: %v", err)
	}
	if _, err := os.Stat(keyFile); err != nil {
		t.Fatalf("key file missing: %v", err)
	}

	cfg, err := LoadTLSConfig(certFile, keyFile)
	if err != nil {
		t.Fatalf("LoadTLSConfig: %v", err)
	}
	if len(cfg.Certificates) != 1 {
		t.Errorf("Certificates = %d, want 1", len(cfg.Certificates))
	}
}

func TestLoadClientTLSConfig_DefaultsSkipVerify(t *testing.T) {
	cfg, err := LoadClientTLSConfig("", false)
	if err != nil {
		t.Fatalf("LoadClientTLSConfig: %v", err)
	}
	if !cfg.InsecureSkipVerify {
		t.Error("expected InsecureSkipVerify = true when strictVerify is false")
	}
}

func TestLoadClientTLSConfig_StrictRequiresVerify(t *testing.T) {
	cfg, err := LoadClientTLSConfig("", true)
	if err != nil {
		t.Fatalf("LoadClientTLSConfig: %v", err)
	}
	if cfg.InsecureSkipVerify {
		t.Error("expected InsecureSkipVerify = false when strictVerify is true")
	}
}

func TestLoadCAPool_InvalidFile(t *testing.T) {
	if _, err := LoadCAPool("/nonexistent/ca.pem"); err == nil {
		t.Fatal("expected an error for a missing CA file")
	}
}

func TestLoadCAPool_ValidCert(t *testing.T) {
	certPEM, _, err := GenerateSelfSignedCert("example.test", time.Hour)
	if err != nil {
		t.Fatalf("GenerateSelfSignedCert: %v", err)
	}

	dir := t.TempDir()
	caFile := filepath.Join(dir, "ca.pem")
	if err := os.WriteFile(caFile, certPEM, 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	pool, err := LoadCAPool(caFile)
	if err != nil {
		t.Fatalf("LoadCAPool: %v", err)
	}
	if pool == nil {
		t.Fatal("LoadCAPool returned nil pool")
	}
}

func TestLoadMutualTLSConfig_RequiresClientCert(t *testing.T) {
	dir := t.TempDir()
	certFile := filepath.Join(dir, "cert.pem")
	keyFile := filepath.Join(dir, "key.pem")
	caFile := filepath.Join(dir, "ca.pem")

	if err := GenerateAndSaveCert(certFile, keyFile, "example.test", time.Hour); err != nil {
		t.Fatalf("GenerateAndSaveCert: %v", err)
	}
	certPEM, err := os.ReadFile(certFile)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if err := os.WriteFile(caFile, certPEM, 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := LoadMutualTLSConfig(certFile, keyFile, caFile)
	if err != nil {
		t.Fatalf("LoadMutualTLSConfig: %v", err)
	}
	if cfg.ClientAuth != tls.RequireAndVerifyClientCert {
		t.Errorf("ClientAuth = %v, want RequireAndVerifyClientCert", cfg.ClientAuth)
	}
	if cfg.ClientCAs == nil {
		t.Error("expected ClientCAs to be set")
	}
}

func TestCloneTLSConfig(t *testing.T) {
	if CloneTLSConfig(nil) != nil {
		t.Error("CloneTLSConfig(nil) should return nil")
	}

	original := &tls.Config{MinVersion: tls.VersionTLS13, NextProtos: []string{ALPNProtocol}}
	clone := CloneTLSConfig(original)
	if clone == original {
		t.Error("expected a distinct clone, got the same pointer")
	}
	if clone.MinVersion != original.MinVersion {
		t.Error("clone did not preserve MinVersion")
	}
}
