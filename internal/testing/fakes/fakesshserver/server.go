// Package fakesshserver provides a minimal in-process SSH server that
// accepts direct-tcpip channels, for exercising the connection pool and
// proxy listeners without a real upstream host.
package fakesshserver

import (
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"golang.org/x/crypto/ssh"
)

// Server is a fake SSH server that forwards direct-tcpip channels to real
// TCP destinations, so a test can dial it with a genuine *ssh.Client and
// open tunnels the same way the pool's handlers do.
type Server struct {
	listener net.Listener
	config   *ssh.ServerConfig
	addr     string
	hostKey  ssh.PublicKey

	user     string
	password string

	done chan struct{}
	wg   sync.WaitGroup

	mu       sync.Mutex
	connects []string // "host:port" seen in direct-tcpip open requests
}

// Option configures the fake server.
type Option func(*Server)

// WithAuth restricts accepted connections to one username/password pair.
// Without this option, any username/password is accepted.
func WithAuth(user, password string) Option {
	return func(s *Server) {
		s.user = user
		s.password = password
	}
}

// New starts a fake SSH server listening on 127.0.0.1 with a fresh
// generated host key.
func New(opts ...Option) (*Server, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("generate host key: %w", err)
	}
	signer, err := ssh.NewSignerFromKey(key)
	if err != nil {
		return nil, fmt.Errorf("create signer: %w", err)
	}

	s := &Server{done: make(chan struct{}), hostKey: signer.PublicKey()}
	for _, opt := range opts {
		opt(s)
	}

	config := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if s.user != "" && (c.User() != s.user || string(password) != s.password) {
				return nil, fmt.Errorf("password rejected for %q", c.User())
			}
			return nil, nil
		},
		NoClientAuth: s.user == "",
	}
	config.AddHostKey(signer)
	s.config = config

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}
	s.listener = listener
	s.addr = listener.Addr().String()

	s.wg.Add(1)
	go s.acceptLoop()
	return s, nil
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.addr
}

// HostKeyCallback returns a callback that accepts this server's exact host
// key, for tests that want a working TOFU-equivalent verifier without
// touching a known_hosts file.
func (s *Server) HostKeyCallback() ssh.HostKeyCallback {
	return ssh.FixedHostKey(s.hostKey)
}

// Connects returns the "host:port" targets seen in direct-tcpip open
// requests so far, in arrival order.
func (s *Server) Connects() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.connects))
	copy(out, s.connects)
	return out
}

// Close shuts down the server and waits for in-flight connections to
// finish.
func (s *Server) Close() error {
	close(s.done)
	err := s.listener.Close()
	s.wg.Wait()
	return err
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				continue
			}
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(netConn net.Conn) {
	defer s.wg.Done()
	defer netConn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, s.config)
	if err != nil {
		slog.Debug("fakesshserver: handshake failed", slog.String("error", err.Error()))
		return
	}
	defer sshConn.Close()

	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "direct-tcpip" {
			newChannel.Reject(ssh.UnknownChannelType, "only direct-tcpip is supported")
			continue
		}
		target, err := parseDirectTCPIP(newChannel.ExtraData())
		if err != nil {
			newChannel.Reject(ssh.ConnectionFailed, err.Error())
			continue
		}

		channel, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}
		go ssh.DiscardRequests(requests)

		s.mu.Lock()
		s.connects = append(s.connects, target)
		s.mu.Unlock()

		s.wg.Add(1)
		go s.forward(channel, target)
	}
}

// forward dials target and pumps bytes between it and channel, the fake
// equivalent of an upstream sshd servicing a direct-tcpip request.
func (s *Server) forward(channel ssh.Channel, target string) {
	defer s.wg.Done()
	defer channel.Close()

	conn, err := net.Dial("tcp", target)
	if err != nil {
		slog.Debug("fakesshserver: dial target failed", slog.String("target", target), slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		io.Copy(conn, channel)
		if tcp, ok := conn.(*net.TCPConn); ok {
			tcp.CloseWrite()
		}
	}()
	go func() {
		defer wg.Done()
		io.Copy(channel, conn)
		channel.CloseWrite()
	}()
	wg.Wait()
}

// directTCPIPPayload mirrors the RFC 4254 §7.2 "direct-tcpip" open
// request body: host/port of the connection's destination followed by
// host/port of its originator.
type directTCPIPPayload struct {
	DestAddr   string
	DestPort   uint32
	OriginAddr string
	OriginPort uint32
}

func parseDirectTCPIP(extra []byte) (string, error) {
	var payload directTCPIPPayload
	if err := ssh.Unmarshal(extra, &payload); err != nil {
		return "", fmt.Errorf("parse direct-tcpip payload: %w", err)
	}
	return net.JoinHostPort(payload.DestAddr, fmt.Sprintf("%d", payload.DestPort)), nil
}
