// rsp-trust performs an interactive trust-on-first-use handshake against an
// SSH server and records its host key in rsp's known_hosts file.
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"

	"github.com/charmbracelet/huh"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/snawoot/rsp-go/internal/trust"
)

func main() {
	var hostsFile string
	flag.StringVar(&hostsFile, "H", trust.DefaultHostsFile(), "known_hosts file location")
	flag.StringVar(&hostsFile, "hosts-file", trust.DefaultHostsFile(), "known_hosts file location")
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: rsp-trust [-H hosts-file] host [port]")
		os.Exit(2)
	}
	host := args[0]
	port := 22
	if len(args) >= 2 {
		p, err := strconv.Atoi(args[1])
		if err != nil || p <= 0 || p > 65535 {
			fmt.Fprintf(os.Stderr, "invalid port: %s\n", args[1])
			os.Exit(2)
		}
		port = p
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	key, err := fetchHostKey(addr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	fmt.Printf("Host:        %s\n", addr)
	fmt.Printf("Key type:    %s\n", key.Type())
	fmt.Printf("Fingerprint: %s\n", ssh.FingerprintSHA256(key))

	accept := false
	confirm := huh.NewConfirm().
		Title(fmt.Sprintf("Trust this host key for %s?", addr)).
		Affirmative("Yes").
		Negative("No").
		Value(&accept)
	if err := huh.NewForm(huh.NewGroup(confirm)).Run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if !accept {
		fmt.Println("Not trusted; known_hosts left unchanged.")
		os.Exit(1)
	}

	if err := appendKnownHost(hostsFile, addr, key); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Printf("Host key for %s added to %s.\n", addr, hostsFile)
}

// fetchHostKey dials addr and captures the host key offered during the SSH
// handshake, accepting any key so the handshake can proceed far enough to
// observe it.
func fetchHostKey(addr string) (ssh.PublicKey, error) {
	var captured ssh.PublicKey
	config := &ssh.ClientConfig{
		User: "rsp-trust",
		Auth: nil,
		HostKeyCallback: func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			captured = key
			return nil
		},
	}

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	_, _, _, err = ssh.NewClientConn(conn, addr, config)
	if captured != nil {
		return captured, nil
	}
	return nil, fmt.Errorf("handshake with %s failed before a host key was offered: %w", addr, err)
}

// appendKnownHost appends a normalized known_hosts line for addr
// ("host:port"; port 22 is recorded as the bare host, any other port as
// "[host]:port"), creating the parent directory and file if necessary.
func appendKnownHost(path, addr string, key ssh.PublicKey) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create known_hosts directory: %w", err)
		}
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("open known_hosts: %w", err)
	}
	defer f.Close()

	line := knownhosts.Line([]string{addr}, key) + "\n"
	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("write known_hosts: %w", err)
	}
	return nil
}
