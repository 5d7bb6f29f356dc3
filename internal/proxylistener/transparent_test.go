package proxylistener

import (
	"io"
	"net"
	"testing"
	"time"
)

// TestTransparentListenerClosesNonRedirectedConnection exercises the path
// where a client dials the transparent listener directly, without having
// gone through an iptables REDIRECT/TPROXY rule: SO_ORIGINAL_DST lookup
// fails, and the handler must close the connection rather than hang.
func TestTransparentListenerClosesNonRedirectedConnection(t *testing.T) {
	pool, _ := newTestSSHPool(t)

	listenAddr := freeAddr(t)
	l := NewTransparentListener(listenAddr, pool, 2*time.Second)
	if err := l.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer l.Stop()

	conn, err := net.DialTimeout("tcp", listenAddr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial transparent listener: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	buf := make([]byte, 1)
	if _, err := conn.Read(buf); err != io.EOF {
		t.Fatalf("Read() = %v, want io.EOF (handler should give up without SO_ORIGINAL_DST)", err)
	}
}
