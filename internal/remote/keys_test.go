package remote

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"net"
	"os"
	"path/filepath"
	"testing"

	xssh "golang.org/x/crypto/ssh"
)

func writeTestKey(t *testing.T) (string, xssh.PublicKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	block, err := xssh.MarshalPrivateKey(priv, "")
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "id_ed25519")
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0600); err != nil {
		t.Fatal(err)
	}
	sshPub, err := xssh.NewPublicKey(pub)
	if err != nil {
		t.Fatal(err)
	}
	return path, sshPub
}

func TestLoadPrivateKeySigner(t *testing.T) {
	path, pub := writeTestKey(t)
	signer, err := LoadPrivateKeySigner(path)
	if err != nil {
		t.Fatalf("LoadPrivateKeySigner failed: %v", err)
	}
	if signer.PublicKey().Type() != pub.Type() {
		t.Errorf("unexpected key type %s", signer.PublicKey().Type())
	}
	if _, err := LoadPrivateKeySigner(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Fatalf("expected error for missing key file")
	}
}

func TestEnsureKnownHostsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "known_hosts")
	if err := EnsureKnownHostsFile(path); err != nil {
		t.Fatalf("EnsureKnownHostsFile failed: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("known_hosts not created: %v", err)
	}
	if info.Size() != 0 {
		t.Errorf("new known_hosts must be empty")
	}
	// Second call leaves an existing file alone.
	if err := os.WriteFile(path, []byte("line\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := EnsureKnownHostsFile(path); err != nil {
		t.Fatal(err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "line\n" {
		t.Errorf("existing known_hosts truncated")
	}
}

func TestAppendKnownHostAndCallback(t *testing.T) {
	_, pub := writeTestKey(t)
	path := filepath.Join(t.TempDir(), "known_hosts")
	authorized := string(xssh.MarshalAuthorizedKey(pub))
	if err := AppendKnownHost(path, "[ssh4.vast.ai]:2200", authorized); err != nil {
		t.Fatalf("AppendKnownHost failed: %v", err)
	}
	cb, err := LoadKnownHostsCallback(path)
	if err != nil {
		t.Fatalf("LoadKnownHostsCallback failed: %v", err)
	}
	if cb == nil {
		t.Fatalf("nil callback")
	}
	data, _ := os.ReadFile(path)
	if len(data) == 0 {
		t.Fatalf("known_hosts still empty after append")
	}
}

func TestAppendKnownHostRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "known_hosts")
	if err := AppendKnownHost(path, "host", "not a key"); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestMakeConfigRequiresKeyMaterial(t *testing.T) {
	c := &Client{Addr: "h:22", User: "root"}
	if _, err := c.makeConfig(); err == nil {
		t.Fatalf("expected error without signer")
	}
	keyPath, _ := writeTestKey(t)
	signer, err := LoadPrivateKeySigner(keyPath)
	if err != nil {
		t.Fatal(err)
	}
	c.Signer = signer
	if _, err := c.makeConfig(); err == nil {
		t.Fatalf("expected error without known-hosts callback")
	}
	c.KnownHosts = func(hostname string, remote net.Addr, key xssh.PublicKey) error { return nil }
	cfg, err := c.makeConfig()
	if err != nil {
		t.Fatalf("makeConfig failed with full key material: %v", err)
	}
	if cfg.User != "root" || len(cfg.Auth) != 1 {
		t.Errorf("unexpected client config: %+v", cfg)
	}
}
