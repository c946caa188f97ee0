package tls

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/loykin/statusd/internal/config"
)

func TestServerDisabled(t *testing.T) {
	cfg, err := Server(config.ServerConfig{})
	if err != nil || cfg != nil {
		t.Fatalf("expected nil config when disabled, got %v %v", cfg, err)
	}
	cfg, err = Server(config.ServerConfig{TLS: &config.TLSConfig{Enabled: false, Dir: "x"}})
	if err != nil || cfg != nil {
		t.Fatalf("expected nil config when disabled, got %v %v", cfg, err)
	}
}

func TestServerAutoGenerate(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "certs")
	sc := config.ServerConfig{TLS: &config.TLSConfig{
		Enabled:      true,
		Dir:          dir,
		AutoGenerate: true,
		AutoGen:      &config.AutoGenTLS{CommonName: "statusd.local", DNSNames: []string{"statusd.local"}, ValidDays: 2},
	}}
	cfg, err := Server(sc)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if cfg.MinVersion != tls.VersionTLS12 || cfg.MaxVersion != tls.VersionTLS13 {
		t.Fatalf("unexpected versions: %x %x", cfg.MinVersion, cfg.MaxVersion)
	}
	for _, f := range []string{tlsCrt, tlsKey, tlsCaCrt} {
		if _, err := os.Stat(filepath.Join(dir, f)); err != nil {
			t.Fatalf("missing %s: %v", f, err)
		}
	}
	st, err := os.Stat(filepath.Join(dir, tlsKey))
	if err != nil {
		t.Fatal(err)
	}
	if st.Mode().Perm()&0o077 != 0 {
		t.Fatalf("private key is group/world readable: %v", st.Mode())
	}

	cert, err := cfg.GetCertificate(&tls.ClientHelloInfo{})
	if err != nil {
		t.Fatalf("load cert: %v", err)
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		t.Fatal(err)
	}
	if leaf.Subject.CommonName != "statusd.local" {
		t.Fatalf("common name: %q", leaf.Subject.CommonName)
	}
	if leaf.NotAfter.After(time.Now().AddDate(0, 0, 3)) {
		t.Fatalf("validity not honored: %v", leaf.NotAfter)
	}

	// a second setup reuses the existing pair
	before, _ := os.ReadFile(filepath.Join(dir, tlsCrt))
	if _, err := Server(sc); err != nil {
		t.Fatal(err)
	}
	after, _ := os.ReadFile(filepath.Join(dir, tlsCrt))
	if string(before) != string(after) {
		t.Fatalf("certificate regenerated")
	}
}

func TestServerCertFiles(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := filepath.Join(dir, "c.pem"), filepath.Join(dir, "k.pem")
	if err := GenerateSelfSignedCert(CertConfig{CommonName: "x", Organization: "o", NotAfter: time.Now().Add(time.Hour), CertPath: certPath, KeyPath: keyPath}); err != nil {
		t.Fatal(err)
	}
	b, _ := os.ReadFile(certPath)
	if blk, _ := pem.Decode(b); blk == nil || blk.Type != "CERTIFICATE" {
		t.Fatalf("not a PEM certificate")
	}
	cfg, err := Server(config.ServerConfig{
		TLS:           &config.TLSConfig{Enabled: true, CertFile: certPath, KeyFile: keyPath},
		TLSMinVersion: "1.3",
	})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if cfg.MinVersion != tls.VersionTLS13 {
		t.Fatalf("min version not applied")
	}
}

func TestServerErrors(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]config.ServerConfig{
		"no source":   {TLS: &config.TLSConfig{Enabled: true}},
		"no autogen":  {TLS: &config.TLSConfig{Enabled: true, Dir: dir}},
		"bad files":   {TLS: &config.TLSConfig{Enabled: true, CertFile: filepath.Join(dir, "nope.crt"), KeyFile: filepath.Join(dir, "nope.key")}},
		"bad version": {TLS: &config.TLSConfig{Enabled: true, Dir: dir, AutoGenerate: true}, TLSMinVersion: "1.1"},
		"inverted":    {TLS: &config.TLSConfig{Enabled: true, Dir: dir, AutoGenerate: true}, TLSMinVersion: "1.3", TLSMaxVersion: "1.2"},
	}
	for name, sc := range cases {
		if _, err := Server(sc); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestSafeReadFile(t *testing.T) {
	dir := t.TempDir()
	if _, err := safeReadFile(dir, filepath.Join(dir, "..", "escape")); err == nil {
		t.Fatalf("expected traversal to be rejected")
	}
}
