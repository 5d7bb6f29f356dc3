// Package proxylistener accepts client connections — either SOCKS5 or
// transparently redirected — and pumps bytes between each client and a
// direct-tcpip channel opened through the SSH pool.
package proxylistener

import (
	"context"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/snawoot/rsp-go/internal/sshpool"
	"golang.org/x/sync/errgroup"
)

// bufSize matches the upstream edition's BUFSIZE for the copy loop.
const bufSize = 16 * 1024

// postCloseGrace is how long Stop waits after the listener reports closed,
// working around net.Listener sometimes still delivering one more Accept
// shortly after Close returns.
const postCloseGrace = 500 * time.Millisecond

// Listener is the common interface implemented by the SOCKS5 and
// transparent listeners.
type Listener interface {
	Start() error
	Stop()
}

// handlerFunc services one accepted client connection. Implementations
// (socks5Handler, transparentHandler) read the destination out of the
// connection itself (via a protocol prologue or a socket option) and then
// hand off to pumpAndClose.
type handlerFunc func(ctx context.Context, conn net.Conn)

// baseListener implements the accept loop, per-connection goroutine
// bookkeeping, and graceful shutdown shared by every listener kind.
type baseListener struct {
	listenAddr string
	listener   net.Listener
	handle     handlerFunc

	mu       sync.Mutex
	cancels  map[context.CancelFunc]struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func newBaseListener(listenAddr string, handle handlerFunc) *baseListener {
	return &baseListener{
		listenAddr: listenAddr,
		handle:     handle,
		cancels:    make(map[context.CancelFunc]struct{}),
	}
}

// start opens the listen socket and begins accepting connections in the
// background.
func (b *baseListener) start(logName string) error {
	ln, err := net.Listen("tcp", b.listenAddr)
	if err != nil {
		return err
	}
	b.listener = ln

	b.wg.Add(1)
	go b.acceptLoop()

	slog.Info(logName+" listening", slog.String("addr", ln.Addr().String()))
	return nil
}

func (b *baseListener) acceptLoop() {
	defer b.wg.Done()
	for {
		conn, err := b.listener.Accept()
		if err != nil {
			return
		}
		b.spawn(conn)
	}
}

func (b *baseListener) spawn(conn net.Conn) {
	ctx, cancel := context.WithCancel(context.Background())

	b.mu.Lock()
	b.cancels[cancel] = struct{}{}
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer conn.Close()
		defer func() {
			b.mu.Lock()
			delete(b.cancels, cancel)
			b.mu.Unlock()
			cancel()
		}()
		defer func() {
			if r := recover(); r != nil {
				slog.Error("proxylistener: client handler panicked", slog.Any("panic", r))
			}
		}()
		b.handle(ctx, conn)
	}()
}

// stop closes the listen socket, cancels every in-flight handler, waits
// for them to exit, then sleeps postCloseGrace to absorb any handler the
// net package still spawns right after Close returns.
func (b *baseListener) stop() {
	b.stopOnce.Do(func() {
		if b.listener != nil {
			b.listener.Close()
		}

		b.mu.Lock()
		cancels := make([]context.CancelFunc, 0, len(b.cancels))
		for c := range b.cancels {
			cancels = append(cancels, c)
		}
		b.mu.Unlock()

		slog.Debug("cancelling client handlers", slog.Int("count", len(cancels)))
		for _, c := range cancels {
			c()
		}
		b.wg.Wait()
		time.Sleep(postCloseGrace)
	})
}

// pumpAndClose copies bytes bidirectionally between client and upstream
// until either side closes or ctx is cancelled, then closes both sides
// along with the pool entry backing upstream.
func pumpAndClose(ctx context.Context, client net.Conn, upstream net.Conn, entry *sshpool.Entry) {
	defer client.Close()
	defer upstream.Close()
	defer entry.Close()

	var sent, recvd int64

	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		buf := make([]byte, bufSize)
		n, err := io.CopyBuffer(upstream, client, buf)
		sent = n
		closeWrite(upstream)
		return err
	})
	g.Go(func() error {
		buf := make([]byte, bufSize)
		n, err := io.CopyBuffer(client, upstream, buf)
		recvd = n
		closeWrite(client)
		return err
	})

	done := make(chan struct{})
	go func() {
		g.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		client.Close()
		upstream.Close()
		<-done
	}

	slog.Debug("proxylistener: connection closed",
		slog.String("entry", entry.ID.String()),
		slog.String("sent", humanize.Bytes(uint64(sent))),
		slog.String("received", humanize.Bytes(uint64(recvd))),
	)
}

type closeWriter interface {
	CloseWrite() error
}

func closeWrite(conn net.Conn) {
	if cw, ok := conn.(closeWriter); ok {
		cw.CloseWrite()
	}
}
