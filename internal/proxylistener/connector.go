package proxylistener

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/snawoot/rsp-go/internal/sshpool"
)

// connector borrows one pool entry per client connection and opens a
// direct-tcpip channel through it to the requested destination. It never
// reuses an entry across clients, matching the pool's own discipline.
type connector struct {
	pool    *sshpool.Pool
	timeout time.Duration
}

func newConnector(pool *sshpool.Pool, timeout time.Duration) *connector {
	return &connector{pool: pool, timeout: timeout}
}

// connect borrows a pool entry and dials host:port over it. On any error
// the borrowed entry is closed before returning, since the caller never
// gets a handle to close it itself. On success the caller owns both the
// returned net.Conn (the direct-tcpip channel) and the entry, and must
// close the entry once the channel is done with.
func (c *connector) connect(ctx context.Context, host string, port int) (net.Conn, *sshpool.Entry, error) {
	entry, err := c.pool.Borrow(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("borrow upstream connection: %w", err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	type result struct {
		conn net.Conn
		err  error
	}
	done := make(chan result, 1)
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	go func() {
		conn, err := entry.Client.Dial("tcp", addr)
		done <- result{conn, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			entry.Close()
			return nil, nil, fmt.Errorf("open channel to %s: %w", addr, r.err)
		}
		return r.conn, entry, nil
	case <-dialCtx.Done():
		entry.Close()
		return nil, nil, fmt.Errorf("open channel to %s: %w", addr, dialCtx.Err())
	}
}
