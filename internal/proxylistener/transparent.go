package proxylistener

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/snawoot/rsp-go/internal/sshpool"
)

// TransparentListener accepts transparently redirected TCP connections
// (iptables REDIRECT/TPROXY) and recovers the original destination from
// the socket's SO_ORIGINAL_DST option before tunneling through the pool.
type TransparentListener struct {
	base      *baseListener
	connector *connector
}

// NewTransparentListener builds a transparent-redirect listener bound to
// listenAddr.
func NewTransparentListener(listenAddr string, pool *sshpool.Pool, timeout time.Duration) *TransparentListener {
	l := &TransparentListener{connector: newConnector(pool, timeout)}
	l.base = newBaseListener(listenAddr, l.handle)
	return l
}

// Start opens the listen socket and begins accepting clients.
func (l *TransparentListener) Start() error {
	return l.base.start("transparent proxy server")
}

// Stop gracefully shuts the listener down.
func (l *TransparentListener) Stop() {
	l.base.stop()
}

func (l *TransparentListener) handle(ctx context.Context, conn net.Conn) {
	peer := conn.RemoteAddr()
	slog.Info("transparent client connected", slog.String("peer", peer.String()))
	defer slog.Info("transparent client disconnected", slog.String("peer", peer.String()))

	host, port, err := originalDestination(conn)
	if err != nil {
		slog.Warn("failed to recover original destination", slog.String("peer", peer.String()), slog.String("error", err.Error()))
		return
	}

	slog.Info("transparent client requested connection", slog.String("peer", peer.String()), slog.String("dst", net.JoinHostPort(host, strconv.Itoa(port))))

	upstream, entry, err := l.connector.connect(ctx, host, port)
	if err != nil {
		slog.Warn("transparent upstream connect failed", slog.String("peer", peer.String()), slog.String("error", err.Error()))
		return
	}

	pumpAndClose(ctx, conn, upstream, entry)
}
