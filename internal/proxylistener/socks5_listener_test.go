package proxylistener

import (
	"encoding/binary"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/snawoot/rsp-go/internal/ratelimit"
	"github.com/snawoot/rsp-go/internal/rspssh"
	"github.com/snawoot/rsp-go/internal/sshpool"
	"github.com/snawoot/rsp-go/internal/testing/fakes/fakesshserver"
	"golang.org/x/crypto/ssh"
)

// echoServer accepts one connection at a time and reflects whatever it reads.
func echoServer(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				io.Copy(conn, conn)
			}()
		}
	}()
	return ln
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func newTestSSHPool(t *testing.T) (*sshpool.Pool, *fakesshserver.Server) {
	t.Helper()
	srv, err := fakesshserver.New(fakesshserver.WithAuth("tester", "secret"))
	if err != nil {
		t.Fatalf("fakesshserver.New: %v", err)
	}
	t.Cleanup(func() { srv.Close() })

	host, port, err := net.SplitHostPort(srv.Addr())
	if err != nil {
		t.Fatalf("split host port: %v", err)
	}
	portNum, err := strconv.Atoi(port)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}

	target := rspssh.Target{
		Host: host,
		Port: portNum,
		Options: rspssh.SSHOptions{
			Login:           "tester",
			Password:        "secret",
			HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		},
	}
	limiter := ratelimit.New(1000, nil)
	pool := sshpool.New(target, limiter, sshpool.Config{
		Size:    2,
		Timeout: 2 * time.Second,
		Backoff: 10 * time.Millisecond,
	})
	pool.Start()
	t.Cleanup(pool.Stop)
	return pool, srv
}

func TestSocks5EndToEndConnectAndPump(t *testing.T) {
	pool, _ := newTestSSHPool(t)
	echoLn := echoServer(t)
	defer echoLn.Close()

	listenAddr := freeAddr(t)
	l := NewSocks5Listener(listenAddr, pool, 2*time.Second)
	if err := l.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer l.Stop()

	conn, err := net.DialTimeout("tcp", listenAddr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial socks5 listener: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte{0x05, 0x01, 0x00}); err != nil {
		t.Fatalf("write method negotiation: %v", err)
	}
	methodReply := make([]byte, 2)
	if _, err := io.ReadFull(conn, methodReply); err != nil {
		t.Fatalf("read method reply: %v", err)
	}
	if methodReply[0] != 0x05 || methodReply[1] != 0x00 {
		t.Fatalf("method reply = % x, want 05 00", methodReply)
	}

	echoHost, echoPortStr, err := net.SplitHostPort(echoLn.Addr().String())
	if err != nil {
		t.Fatalf("split echo addr: %v", err)
	}
	echoPort, err := strconv.Atoi(echoPortStr)
	if err != nil {
		t.Fatalf("parse echo port: %v", err)
	}

	req := []byte{0x05, 0x01, 0x00, atypIPv4}
	req = append(req, net.ParseIP(echoHost).To4()...)
	var portBuf [2]byte
	binary.BigEndian.PutUint16(portBuf[:], uint16(echoPort))
	req = append(req, portBuf[:]...)
	if _, err := conn.Write(req); err != nil {
		t.Fatalf("write connect request: %v", err)
	}

	reply := make([]byte, 10)
	if _, err := io.ReadFull(conn, reply); err != nil {
		t.Fatalf("read connect reply: %v", err)
	}
	if reply[1] != repSucceeded {
		t.Fatalf("reply code = %d, want %d", reply[1], repSucceeded)
	}

	payload := []byte("hello through the tunnel")
	if _, err := conn.Write(payload); err != nil {
		t.Fatalf("write payload: %v", err)
	}
	echoed := make([]byte, len(payload))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(conn, echoed); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if string(echoed) != string(payload) {
		t.Fatalf("echoed = %q, want %q", echoed, payload)
	}
}

// TestSocks5UnreachableTargetClosesCleanly exercises a CONNECT to a target
// nothing listens on: the fake SSH server still opens the channel (direct-tcpip
// failures surface after the channel is open, not as a channel rejection), so
// the client sees a success reply, and the pump must end promptly once the
// upstream side closes instead of hanging.
func TestSocks5UnreachableTargetClosesCleanly(t *testing.T) {
	pool, _ := newTestSSHPool(t)

	listenAddr := freeAddr(t)
	l := NewSocks5Listener(listenAddr, pool, 2*time.Second)
	if err := l.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer l.Stop()

	conn, err := net.DialTimeout("tcp", listenAddr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial socks5 listener: %v", err)
	}
	defer conn.Close()

	conn.Write([]byte{0x05, 0x01, 0x00})
	methodReply := make([]byte, 2)
	io.ReadFull(conn, methodReply)

	req := []byte{0x05, 0x01, 0x00, atypIPv4, 127, 0, 0, 1, 0, 1}
	conn.Write(req)

	reply := make([]byte, 10)
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, err := io.ReadFull(conn, reply); err != nil {
		t.Fatalf("read connect reply: %v", err)
	}
	if reply[1] != repSucceeded {
		t.Fatalf("reply code = %d, want %d", reply[1], repSucceeded)
	}

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	buf := make([]byte, 1)
	if _, err := conn.Read(buf); err != io.EOF {
		t.Fatalf("Read() = %v, want io.EOF once the unreachable upstream tears down", err)
	}
}
