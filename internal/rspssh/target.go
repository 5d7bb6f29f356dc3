// Package rspssh holds the upstream SSH target and the options used to
// authenticate against it: one Target per process, shared by the pool's
// builder goroutines.
package rspssh

import (
	"fmt"

	"golang.org/x/crypto/ssh"
)

// Target is the immutable (host, port) of the upstream SSH server plus the
// options used to authenticate against it.
type Target struct {
	Host    string
	Port    int
	Options SSHOptions
}

// Addr returns the "host:port" dial address for the target.
func (t Target) Addr() string {
	return fmt.Sprintf("%s:%d", t.Host, t.Port)
}

// SSHOptions bundles everything needed to build an *ssh.ClientConfig for a
// single connect attempt. HostKeyCallback is mandatory; it is sourced from
// the trust store at startup, never from the target itself.
type SSHOptions struct {
	Login           string
	Identities      []string
	Password        string
	UseAgent        bool
	ClientVersion   string
	HostKeyCallback ssh.HostKeyCallback
}

// ClientConfig builds a fresh *ssh.ClientConfig for one connect attempt.
// A fresh config is built per attempt (rather than cached) because
// BuildAuthMethods re-reads identity files and re-queries the agent socket,
// matching the upstream Python edition rebuilding SSHClientConnectionOptions
// per connect.
func (o SSHOptions) ClientConfig() (*ssh.ClientConfig, error) {
	methods, err := BuildAuthMethods(o)
	if err != nil {
		return nil, err
	}
	if o.HostKeyCallback == nil {
		return nil, fmt.Errorf("rspssh: host key callback is required")
	}
	return &ssh.ClientConfig{
		User:            o.Login,
		Auth:            methods,
		HostKeyCallback: o.HostKeyCallback,
		ClientVersion:   o.ClientVersion,
	}, nil
}
