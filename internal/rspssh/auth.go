package rspssh

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/zalando/go-keyring"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

// keyringService is the OS keyring service name this proxy stores optional
// passwords under, keyed by login name.
const keyringService = "rsp-go"

// BuildAuthMethods assembles SSH auth methods from an SSHOptions bundle,
// mirroring the upstream Python edition's ssh_options_from_args: identity
// files first (one PublicKeys method per file that parses), then an agent
// method if requested, then password/keyboard-interactive if a password is
// available either on the command line or in the OS keyring.
func BuildAuthMethods(o SSHOptions) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	for _, path := range o.Identities {
		method, err := privateKeyAuth(path)
		if err != nil {
			return nil, fmt.Errorf("identity %s: %w", path, err)
		}
		methods = append(methods, method)
	}

	if o.UseAgent {
		if agentAuth, err := sshAgentAuth(); err == nil {
			methods = append(methods, agentAuth)
		}
	}

	// No explicit identity: fall back to ~/.ssh/config IdentityFile, then
	// the usual default key locations.
	if len(o.Identities) == 0 && !o.UseAgent {
		if configKey := sshConfigIdentityFile(o.Login); configKey != "" {
			if method, err := privateKeyAuth(configKey); err == nil {
				methods = append(methods, method)
			}
		}
		if len(methods) == 0 {
			for _, candidate := range defaultIdentityFiles {
				expanded := expandPath(candidate)
				if _, err := os.Stat(expanded); err != nil {
					continue
				}
				if method, err := privateKeyAuth(expanded); err == nil {
					methods = append(methods, method)
					break
				}
			}
		}
	}

	password := o.Password
	if password == "" {
		if stored, err := keyring.Get(keyringService, o.Login); err == nil {
			password = stored
		}
	}
	if password != "" {
		methods = append(methods, ssh.Password(password))
		methods = append(methods, ssh.KeyboardInteractive(keyboardInteractive(password)))
	}

	if len(methods) == 0 {
		return nil, fmt.Errorf("no authentication methods available")
	}
	return methods, nil
}

var defaultIdentityFiles = []string{
	"~/.ssh/id_ed25519",
	"~/.ssh/id_rsa",
	"~/.ssh/id_ecdsa",
}

func sshAgentAuth() (ssh.AuthMethod, error) {
	socket := os.Getenv("SSH_AUTH_SOCK")
	if socket == "" {
		return nil, fmt.Errorf("SSH_AUTH_SOCK not set")
	}
	conn, err := net.Dial("unix", socket)
	if err != nil {
		return nil, fmt.Errorf("dial agent: %w", err)
	}
	client := agent.NewClient(conn)
	return ssh.PublicKeysCallback(client.Signers), nil
}

func privateKeyAuth(path string) (ssh.AuthMethod, error) {
	expanded := expandPath(path)
	data, err := os.ReadFile(expanded)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return ssh.PublicKeys(signer), nil
}

func keyboardInteractive(password string) ssh.KeyboardInteractiveChallenge {
	return func(user, instruction string, questions []string, echos []bool) ([]string, error) {
		answers := make([]string, len(questions))
		for i := range questions {
			answers[i] = password
		}
		return answers, nil
	}
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

// sshConfigIdentityFile parses ~/.ssh/config and returns the IdentityFile
// for the first Host stanza whose pattern matches host.
func sshConfigIdentityFile(host string) string {
	file, err := os.Open(expandPath("~/.ssh/config"))
	if err != nil {
		return ""
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	var matches bool
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) < 2 {
			continue
		}
		switch strings.ToLower(parts[0]) {
		case "host":
			matches = matchHostPattern(host, strings.Join(parts[1:], " "))
		case "identityfile":
			if matches {
				return expandPath(strings.Join(parts[1:], " "))
			}
		}
	}
	return ""
}

// matchHostPattern reports whether host matches any of the space-separated
// SSH config Host patterns, supporting '*' and '?' wildcards.
func matchHostPattern(host, patterns string) bool {
	for _, p := range strings.Fields(patterns) {
		if matchSinglePattern(host, p) {
			return true
		}
	}
	return false
}

func matchSinglePattern(host, pattern string) bool {
	if pattern == "*" || pattern == host {
		return true
	}
	i, j := 0, 0
	for i < len(pattern) && j < len(host) {
		switch {
		case pattern[i] == '*':
			for i < len(pattern) && pattern[i] == '*' {
				i++
			}
			if i == len(pattern) {
				return true
			}
			for ; j < len(host); j++ {
				if matchSinglePattern(host[j:], pattern[i:]) {
					return true
				}
			}
			return false
		case pattern[i] == '?' || pattern[i] == host[j]:
			i++
			j++
		default:
			return false
		}
	}
	for i < len(pattern) && pattern[i] == '*' {
		i++
	}
	return i == len(pattern) && j == len(host)
}
