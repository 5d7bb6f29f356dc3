package proxylistener

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/snawoot/rsp-go/internal/sshpool"
)

// SOCKS5 reply codes (RFC 1928 §6).
const (
	repSucceeded           = 0x00
	repGeneralFailure      = 0x01
	repCommandNotSupported = 0x07
	repAddressNotSupported = 0x08
	noAcceptableMethods    = 0xff
)

// Address type octets.
const (
	atypIPv4   = 0x01
	atypDomain = 0x03
	atypIPv6   = 0x04
)

var (
	errBadVersion         = errors.New("socks5: bad protocol version")
	errNoAuthMethod       = errors.New("socks5: client offered no usable auth method")
	errUnsupportedCommand = errors.New("socks5: unsupported command")
	errUnsupportedAddress = errors.New("socks5: unsupported address type")
	errEmptyDomain        = errors.New("socks5: zero-length domain name")
)

// Socks5Listener accepts SOCKS5 clients and tunnels CONNECT requests
// through the SSH pool.
type Socks5Listener struct {
	base      *baseListener
	connector *connector
}

// NewSocks5Listener builds a SOCKS5 listener bound to listenAddr, borrowing
// pool entries from pool with the given per-connect timeout.
func NewSocks5Listener(listenAddr string, pool *sshpool.Pool, timeout time.Duration) *Socks5Listener {
	l := &Socks5Listener{connector: newConnector(pool, timeout)}
	l.base = newBaseListener(listenAddr, l.handle)
	return l
}

// Start opens the listen socket and begins accepting clients.
func (l *Socks5Listener) Start() error {
	return l.base.start("SOCKS5 server")
}

// Stop gracefully shuts the listener down, per baseListener.stop.
func (l *Socks5Listener) Stop() {
	l.base.stop()
}

func (l *Socks5Listener) handle(ctx context.Context, conn net.Conn) {
	peer := conn.RemoteAddr()
	slog.Info("socks5 client connected", slog.String("peer", peer.String()))
	defer slog.Info("socks5 client disconnected", slog.String("peer", peer.String()))

	r := bufio.NewReader(conn)
	host, port, err := socksPrologue(r, conn)
	if err != nil {
		slog.Debug("socks5 prologue failed", slog.String("peer", peer.String()), slog.String("error", err.Error()))
		return
	}

	slog.Info("socks5 client requested connection", slog.String("peer", peer.String()), slog.String("dst", net.JoinHostPort(host, strconv.Itoa(port))))

	upstream, entry, err := l.connector.connect(ctx, host, port)
	if err != nil {
		slog.Warn("socks5 upstream connect failed", slog.String("peer", peer.String()), slog.String("error", err.Error()))
		writeSocksReply(conn, repGeneralFailure, nil, 0)
		return
	}

	if err := writeSocksSuccess(conn, conn.LocalAddr()); err != nil {
		upstream.Close()
		entry.Close()
		return
	}

	pumpAndClose(ctx, &bufferedConn{Conn: conn, r: r}, upstream, entry)
}

// bufferedConn lets the already-buffered reader used for the prologue
// keep serving reads for the rest of the connection's lifetime, so no
// client bytes read during negotiation are lost.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (b *bufferedConn) Read(p []byte) (int, error) {
	return b.r.Read(p)
}

// CloseWrite passes a half-close through to the wrapped connection, so an
// upstream EOF still reaches the SOCKS5 client.
func (b *bufferedConn) CloseWrite() error {
	if cw, ok := b.Conn.(closeWriter); ok {
		return cw.CloseWrite()
	}
	return nil
}

// socksPrologue performs the version/method negotiation and reads the
// CONNECT request, returning the requested destination. It writes SOCKS5
// error replies itself before returning an error, matching the upstream
// edition's behavior of responding before raising.
func socksPrologue(r *bufio.Reader, w net.Conn) (string, int, error) {
	verBuf, err := readExact(r, 1)
	if err != nil {
		return "", 0, err
	}
	if verBuf[0] != 0x05 {
		return "", 0, errBadVersion
	}

	nMethodsBuf, err := readExact(r, 1)
	if err != nil {
		return "", 0, err
	}
	nMethods := int(nMethodsBuf[0])
	if nMethods == 0 {
		w.Write([]byte{0x05, noAcceptableMethods})
		return "", 0, errNoAuthMethod
	}

	methods, err := readExact(r, nMethods)
	if err != nil {
		return "", 0, err
	}
	hasNoAuth := false
	for _, m := range methods {
		if m == 0x00 {
			hasNoAuth = true
			break
		}
	}
	if !hasNoAuth {
		w.Write([]byte{0x05, noAcceptableMethods})
		return "", 0, errNoAuthMethod
	}
	if _, err := w.Write([]byte{0x05, 0x00}); err != nil {
		return "", 0, err
	}

	reqHeader, err := readExact(r, 4)
	if err != nil {
		return "", 0, err
	}
	ver, cmd, _, atyp := reqHeader[0], reqHeader[1], reqHeader[2], reqHeader[3]
	if ver != 0x05 {
		return "", 0, errBadVersion
	}
	if cmd < 1 || cmd > 3 {
		w.Write([]byte{0x05, repCommandNotSupported})
		return "", 0, errUnsupportedCommand
	}
	if atyp != atypIPv4 && atyp != atypDomain && atyp != atypIPv6 {
		w.Write([]byte{0x05, repAddressNotSupported})
		return "", 0, errUnsupportedAddress
	}

	var host string
	switch atyp {
	case atypDomain:
		lenBuf, err := readExact(r, 1)
		if err != nil {
			return "", 0, err
		}
		fqdnLen := int(lenBuf[0])
		if fqdnLen == 0 {
			// A well-formed but empty domain name: reply as a malformed
			// request (0x01) rather than treating it as an address-type
			// mismatch, matching the upstream edition's BadAddress path.
			w.Write([]byte{0x05, repGeneralFailure})
			return "", 0, errEmptyDomain
		}
		domain, err := readExact(r, fqdnLen)
		if err != nil {
			return "", 0, err
		}
		host = string(domain)
	case atypIPv4:
		addr, err := readExact(r, 4)
		if err != nil {
			return "", 0, err
		}
		host = net.IP(addr).String()
	case atypIPv6:
		addr, err := readExact(r, 16)
		if err != nil {
			return "", 0, err
		}
		host = net.IP(addr).String()
	}

	portBuf, err := readExact(r, 2)
	if err != nil {
		return "", 0, err
	}
	port := int(binary.BigEndian.Uint16(portBuf))

	if cmd != 1 {
		w.Write([]byte{0x05, repCommandNotSupported})
		return "", 0, errUnsupportedCommand
	}

	return host, port, nil
}

func readExact(r *bufio.Reader, n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := readFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// writeSocksSuccess sends the SOCKS5 CONNECT success reply, echoing back
// the listener's own local address (the "sockname" of the accepted
// connection) as BND.ADDR/BND.PORT. Falls back to the well-formed
// empty-domain form if the local address isn't a *net.TCPAddr.
func writeSocksSuccess(w net.Conn, local net.Addr) error {
	tcpAddr, ok := local.(*net.TCPAddr)
	if !ok || tcpAddr.IP == nil {
		return writeSocksReply(w, repSucceeded, nil, 0)
	}
	return writeSocksReply(w, repSucceeded, tcpAddr.IP, tcpAddr.Port)
}

func writeSocksReply(w net.Conn, rep byte, addr net.IP, port int) error {
	var buf []byte
	switch {
	case addr == nil:
		buf = []byte{0x05, rep, 0x00, atypDomain, 0x00, 0x00, 0x00}
	case addr.To4() != nil:
		buf = make([]byte, 0, 10)
		buf = append(buf, 0x05, rep, 0x00, atypIPv4)
		buf = append(buf, addr.To4()...)
		buf = appendPort(buf, port)
	default:
		buf = make([]byte, 0, 22)
		buf = append(buf, 0x05, rep, 0x00, atypIPv6)
		buf = append(buf, addr.To16()...)
		buf = appendPort(buf, port)
	}
	_, err := w.Write(buf)
	return err
}

func appendPort(buf []byte, port int) []byte {
	var p [2]byte
	binary.BigEndian.PutUint16(p[:], uint16(port))
	return append(buf, p[:]...)
}
