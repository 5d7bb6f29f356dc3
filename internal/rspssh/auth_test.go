package rspssh

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/crypto/ssh"
)

// generateEd25519PEM returns a freshly generated ed25519 key pair, PEM
// encoded in OpenSSH private key format, for tests that need a real
// parseable identity file.
func generateEd25519PEM() (ssh.PublicKey, []byte, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	block, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		return nil, nil, err
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, nil, err
	}
	return sshPub, pem.EncodeToMemory(block), nil
}

func TestMatchSinglePattern(t *testing.T) {
	tests := []struct {
		host, pattern string
		want          bool
	}{
		{"example.com", "*", true},
		{"example.com", "example.com", true},
		{"example.com", "*.com", true},
		{"example.com", "example.*", true},
		{"example.com", "ex?mple.com", true},
		{"example.com", "other.com", false},
		{"host1", "host?", true},
		{"host10", "host?", false},
	}
	for _, tt := range tests {
		if got := matchSinglePattern(tt.host, tt.pattern); got != tt.want {
			t.Errorf("matchSinglePattern(%q, %q) = %v, want %v", tt.host, tt.pattern, got, tt.want)
		}
	}
}

func TestMatchHostPattern(t *testing.T) {
	if !matchHostPattern("example.com", "other.com *.com") {
		t.Error("matchHostPattern should match against any space-separated pattern")
	}
	if matchHostPattern("example.com", "other.com another.com") {
		t.Error("matchHostPattern should not match when no pattern fits")
	}
}

func TestExpandPath(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	got := expandPath("~/.ssh/id_ed25519")
	want := filepath.Join(home, ".ssh", "id_ed25519")
	if got != want {
		t.Errorf("expandPath() = %q, want %q", got, want)
	}

	if got := expandPath("/abs/path"); got != "/abs/path" {
		t.Errorf("expandPath(abs) = %q, want unchanged", got)
	}
}

func writeTestKey(t *testing.T, dir, name string) string {
	t.Helper()
	_, priv, err := generateEd25519PEM()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, priv, 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestPrivateKeyAuth(t *testing.T) {
	dir := t.TempDir()
	path := writeTestKey(t, dir, "id_ed25519")

	method, err := privateKeyAuth(path)
	if err != nil {
		t.Fatalf("privateKeyAuth() error: %v", err)
	}
	if method == nil {
		t.Fatal("privateKeyAuth() returned nil method")
	}
}

func TestPrivateKeyAuthMissingFile(t *testing.T) {
	if _, err := privateKeyAuth("/nonexistent/key"); err == nil {
		t.Fatal("privateKeyAuth(missing) expected error, got nil")
	}
}

func TestBuildAuthMethodsWithIdentity(t *testing.T) {
	dir := t.TempDir()
	path := writeTestKey(t, dir, "id_ed25519")

	methods, err := BuildAuthMethods(SSHOptions{Login: "tester", Identities: []string{path}})
	if err != nil {
		t.Fatalf("BuildAuthMethods() error: %v", err)
	}
	if len(methods) != 1 {
		t.Fatalf("len(methods) = %d, want 1", len(methods))
	}
}

func TestBuildAuthMethodsWithPassword(t *testing.T) {
	methods, err := BuildAuthMethods(SSHOptions{Login: "tester", Password: "hunter2"})
	if err != nil {
		t.Fatalf("BuildAuthMethods() error: %v", err)
	}
	if len(methods) != 2 {
		t.Fatalf("len(methods) = %d, want 2 (password + keyboard-interactive)", len(methods))
	}
}

func TestBuildAuthMethodsNoneAvailable(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("SSH_AUTH_SOCK", "")
	os.Unsetenv("SSH_AUTH_SOCK")

	_, err := BuildAuthMethods(SSHOptions{Login: "tester"})
	if err == nil {
		t.Fatal("BuildAuthMethods() expected error when no auth method is available")
	}
}

func TestClientConfigRequiresHostKeyCallback(t *testing.T) {
	o := SSHOptions{Login: "tester", Password: "hunter2"}
	if _, err := o.ClientConfig(); err == nil {
		t.Fatal("ClientConfig() expected error without a HostKeyCallback")
	}

	o.HostKeyCallback = ssh.InsecureIgnoreHostKey()
	cfg, err := o.ClientConfig()
	if err != nil {
		t.Fatalf("ClientConfig() error: %v", err)
	}
	if cfg.User != "tester" {
		t.Errorf("cfg.User = %q, want %q", cfg.User, "tester")
	}
}

func TestTargetAddr(t *testing.T) {
	target := Target{Host: "example.com", Port: 2222}
	if got := target.Addr(); got != "example.com:2222" {
		t.Errorf("Addr() = %q, want %q", got, "example.com:2222")
	}
}
