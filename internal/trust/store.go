// Package trust wraps an OpenSSH known_hosts file as the proxy's one and
// only source of host-key trust decisions. The store is consulted once at
// startup; there is no interactive prompt in the running proxy itself —
// that lives in cmd/rsp-trust.
package trust

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// DefaultHostsFile returns "~/.rsp/known_hosts", matching the upstream
// edition's default --hosts-file location.
func DefaultHostsFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".rsp", "known_hosts")
}

// Store loads a known_hosts file and produces an ssh.HostKeyCallback from
// it. It never writes to the file; appending trusted keys is the job of
// cmd/rsp-trust.
type Store struct {
	path string
}

// Load records the known_hosts file at path. A missing file is not an error
// here; HostKeyCallback reports it instead, so the caller still refuses to
// start.
func Load(path string) (*Store, error) {
	if _, err := os.Stat(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("trust: stat %s: %w", path, err)
	}
	return &Store{path: path}, nil
}

// HostKeyCallback builds the ssh.HostKeyCallback to pass into an
// *ssh.ClientConfig. It returns an error if the file is missing or
// unreadable. Call CheckOnce once at startup before using it in earnest;
// this method never prompts or mutates the store.
func (s *Store) HostKeyCallback() (ssh.HostKeyCallback, error) {
	cb, err := knownhosts.New(s.path)
	if err != nil {
		return nil, fmt.Errorf("trust: load known_hosts %s: %w", s.path, err)
	}
	return cb, nil
}

// CheckOnce validates that addr has a host key recorded in cb's backing
// known_hosts store, without ever dialing the upstream. It probes cb with
// a throwaway key that cannot possibly match a real entry, which lets it
// distinguish the two outcomes knownhosts.New's callback can report for an
// unknown key: the host has no record at all (*knownhosts.KeyError with an
// empty Want, meaning "refuse to start"), versus the host is recorded but
// under a different key than our throwaway one (*knownhosts.KeyError with
// a non-empty Want — exactly what every probe produces for a known host,
// since the real upstream key is never what we hand it). Whether the real
// key presented at connect time still matches is left to the pool's own
// handshake, which reuses the same callback; a mismatch or an unreachable
// upstream there is a builder-retry condition, not a startup failure.
func CheckOnce(addr string, cb ssh.HostKeyCallback) error {
	probeKey, err := throwawayPublicKey()
	if err != nil {
		return fmt.Errorf("trust: generate probe key: %w", err)
	}

	// knownhosts callbacks read the remote address, so pass a placeholder;
	// the lookup itself is keyed by addr.
	err = cb(addr, &net.TCPAddr{IP: net.IPv4zero}, probeKey)
	if err == nil {
		// The throwaway key matched a recorded entry verbatim — astronomically
		// unlikely, but it does mean the host is trusted.
		return nil
	}
	keyErr, ok := err.(*knownhosts.KeyError)
	if !ok {
		return fmt.Errorf("trust: checking known_hosts for %s: %w", addr, err)
	}
	if len(keyErr.Want) == 0 {
		return fmt.Errorf("trust: no host key recorded for %s; run rsp-trust first", addr)
	}
	return nil
}

// throwawayPublicKey returns a freshly generated ed25519 public key, used
// only as a probe value that cannot coincide with any real recorded key.
func throwawayPublicKey() (ssh.PublicKey, error) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return ssh.NewPublicKey(pub)
}
