package sshpool

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/snawoot/rsp-go/internal/ratelimit"
	"github.com/snawoot/rsp-go/internal/rspssh"
	"github.com/snawoot/rsp-go/internal/testing/fakes/fakesshserver"
	"golang.org/x/crypto/ssh"
)

func testTarget(t *testing.T, addr string) rspssh.Target {
	t.Helper()
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split host port: %v", err)
	}
	portNum, err := strconv.Atoi(port)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}
	return rspssh.Target{
		Host: host,
		Port: portNum,
		Options: rspssh.SSHOptions{
			Login:           "tester",
			Password:        "secret",
			HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		},
	}
}

func newTestPool(t *testing.T, size int) (*Pool, *fakesshserver.Server) {
	t.Helper()
	srv, err := fakesshserver.New(fakesshserver.WithAuth("tester", "secret"))
	if err != nil {
		t.Fatalf("start fake ssh server: %v", err)
	}
	t.Cleanup(func() { srv.Close() })

	limiter := ratelimit.New(1000, nil)
	pool := New(testTarget(t, srv.Addr()), limiter, Config{
		Size:    size,
		Timeout: 2 * time.Second,
		Backoff: 10 * time.Millisecond,
	})
	return pool, srv
}

func TestPoolFillsReserveOnStart(t *testing.T) {
	pool, _ := newTestPool(t, 3)
	pool.Start()
	t.Cleanup(pool.Stop)

	deadline := time.After(2 * time.Second)
	for {
		if pool.Stats().Reserve == 3 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("reserve did not fill: %+v", pool.Stats())
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestPoolBorrowFromReserveRebalances(t *testing.T) {
	pool, _ := newTestPool(t, 2)
	pool.Start()
	t.Cleanup(pool.Stop)

	waitReserve(t, pool, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	entry, err := pool.Borrow(ctx)
	if err != nil {
		t.Fatalf("Borrow: %v", err)
	}
	defer entry.Close()

	waitReserve(t, pool, 2)
}

func TestPoolBorrowNeverReturnsSameEntryTwice(t *testing.T) {
	pool, _ := newTestPool(t, 1)
	pool.Start()
	t.Cleanup(pool.Stop)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	e1, err := pool.Borrow(ctx)
	if err != nil {
		t.Fatalf("Borrow 1: %v", err)
	}
	e2, err := pool.Borrow(ctx)
	if err != nil {
		t.Fatalf("Borrow 2: %v", err)
	}
	if e1.Client == e2.Client {
		t.Fatal("Borrow returned the same underlying client twice")
	}
	e1.Close()
	e2.Close()
}

func TestPoolBorrowWaitsWhenExhausted(t *testing.T) {
	pool, _ := newTestPool(t, 0)
	pool.Start()
	t.Cleanup(pool.Stop)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	entry, err := pool.Borrow(ctx)
	if err != nil {
		t.Fatalf("Borrow should eventually be served by a builder: %v", err)
	}
	entry.Close()
}

func TestPoolBorrowCancelDoesNotLeakEntry(t *testing.T) {
	pool, _ := newTestPool(t, 0)
	pool.Start()
	t.Cleanup(pool.Stop)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := pool.Borrow(ctx)
	if err == nil {
		t.Fatal("expected context cancellation error")
	}

	// The connection built for the abandoned waiter lands in the reserve,
	// where Stop closes it, instead of being lost.
	waitReserve(t, pool, 1)
}

func TestPoolStopAbortsReserve(t *testing.T) {
	pool, _ := newTestPool(t, 2)
	pool.Start()
	waitReserve(t, pool, 2)
	pool.Stop()
	if s := pool.Stats(); s.Reserve != 0 {
		t.Fatalf("expected Stop to drain reserve, got %+v", s)
	}
}

func waitReserve(t *testing.T, pool *Pool, n int) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if pool.Stats().Reserve >= n {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("reserve did not reach %d: %+v", n, pool.Stats())
		case <-time.After(5 * time.Millisecond):
		}
	}
}
