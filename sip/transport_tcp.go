package sip

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"braces.dev/errtrace"
	"golang.org/x/sync/errgroup"

	"github.com/ghettovoice/sipcore/internal/errorutil"
	"github.com/ghettovoice/sipcore/internal/syncutil"
	"github.com/ghettovoice/sipcore/log"
)

// TCPTransportOptions configures a [TCPTransport].
type TCPTransportOptions struct {
	// DialTimeout limits connection setup in Send. Default is 32 seconds (64*T1/2, Timer B/2).
	DialTimeout time.Duration
	// IdleTimeout closes connections that stay silent longer than this. Zero disables it.
	IdleTimeout time.Duration
	Log         *slog.Logger
}

const defTCPDialTimeout = 32 * time.Second

func (o *TCPTransportOptions) dialTimeout() time.Duration {
	if o == nil || o.DialTimeout <= 0 {
		return defTCPDialTimeout
	}
	return o.DialTimeout
}

func (o *TCPTransportOptions) idleTimeout() time.Duration {
	if o == nil || o.IdleTimeout < 0 {
		return 0
	}
	return o.IdleTimeout
}

func (o *TCPTransportOptions) log() *slog.Logger {
	if o == nil || o.Log == nil {
		return log.Default()
	}
	return o.Log
}

// TCPTransport is a stream transport. Connections are reused for both directions:
// messages to an address with an open connection, inbound or outbound, are written to it.
type TCPTransport struct {
	ln     *net.TCPListener
	dialer net.Dialer
	idle   time.Duration
	log    *slog.Logger

	conns   *syncutil.ShardMap[netip.AddrPort, *tcpConn]
	dialMu  syncutil.KeyMutex[netip.AddrPort]
	handler atomic.Pointer[handlerBox]
	wg      sync.WaitGroup
	closed  atomic.Bool
}

type handlerBox struct {
	ctx context.Context //nolint:containedctx
	h   MessageHandler
}

type tcpConn struct {
	net.Conn
	wmu sync.Mutex
}

// idleReader arms the read deadline of the connection before each read.
type idleReader struct {
	conn net.Conn
	idle time.Duration
}

func (r idleReader) Read(b []byte) (int, error) {
	if r.idle > 0 {
		if err := r.conn.SetReadDeadline(time.Now().Add(r.idle)); err != nil {
			return 0, errtrace.Wrap(err)
		}
	}
	return r.conn.Read(b) //nolint:wrapcheck
}

func (c *tcpConn) write(data []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err := c.Write(data)
	return errtrace.Wrap(err)
}

// ListenTCP binds a TCP listener on addr, for example "0.0.0.0:5060".
func ListenTCP(ctx context.Context, addr string, opts *TCPTransportOptions) (*TCPTransport, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	return NewTCPTransport(ln.(*net.TCPListener), opts), nil //nolint:forcetypeassert
}

// NewTCPTransport wraps a bound TCP listener.
func NewTCPTransport(ln *net.TCPListener, opts *TCPTransportOptions) *TCPTransport {
	return &TCPTransport{
		ln:     ln,
		dialer: net.Dialer{Timeout: opts.dialTimeout()},
		idle:   opts.idleTimeout(),
		log:    opts.log(),
		conns:  syncutil.NewShardMap[netip.AddrPort, *tcpConn](),
	}
}

func (*TCPTransport) Proto() TransportProto { return TransportProtoTCP }

func (*TCPTransport) Reliable() bool { return true }

func (t *TCPTransport) LocalAddr() netip.AddrPort {
	addr, _ := t.ln.Addr().(*net.TCPAddr)
	if addr == nil {
		return netip.AddrPort{}
	}
	return addr.AddrPort()
}

// Send writes data to the connection with addr, dialing a new one if needed.
func (t *TCPTransport) Send(ctx context.Context, addr netip.AddrPort, data []byte) error {
	if t.closed.Load() {
		return errtrace.Wrap(net.ErrClosed)
	}

	conn, err := t.connect(ctx, addr)
	if err != nil {
		return errtrace.Wrap(err)
	}
	if err := conn.write(data); err != nil {
		t.drop(addr, conn)
		return errtrace.Wrap(err)
	}
	return nil
}

func (t *TCPTransport) connect(ctx context.Context, addr netip.AddrPort) (*tcpConn, error) {
	if conn, ok := t.conns.Get(addr); ok {
		return conn, nil
	}

	unlock := t.dialMu.Lock(addr)
	defer unlock()

	if conn, ok := t.conns.Get(addr); ok {
		return conn, nil
	}

	nc, err := t.dialer.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	t.log.LogAttrs(ctx, slog.LevelDebug, "TCP connection established", slog.Any("connection", nc))

	conn := &tcpConn{Conn: nc}
	t.track(addr, conn)
	return conn, nil
}

func (t *TCPTransport) track(addr netip.AddrPort, conn *tcpConn) {
	t.conns.Set(addr, conn)
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.serveConn(addr, conn)
	}()
}

func (t *TCPTransport) drop(addr netip.AddrPort, conn *tcpConn) {
	t.conns.DelFunc(addr, func(cur *tcpConn) bool { return cur == conn })
	conn.Close() //nolint:errcheck
}

// Serve accepts connections and passes parsed messages to h until the context is done
// or the transport is closed.
func (t *TCPTransport) Serve(ctx context.Context, h MessageHandler) error {
	t.handler.Store(&handlerBox{ctx: ctx, h: h})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	grp, ctx := errgroup.WithContext(ctx)
	grp.Go(func() error {
		<-ctx.Done()
		t.Close() //nolint:errcheck
		return nil
	})
	grp.Go(func() error {
		defer cancel()
		for {
			nc, err := t.ln.Accept()
			if err != nil {
				if t.closed.Load() || errorutil.IsClosedErr(err) {
					return nil
				}
				if errorutil.IsTemporaryErr(err) {
					continue
				}
				return errtrace.Wrap(err)
			}

			t.log.LogAttrs(ctx, slog.LevelDebug, "TCP connection accepted", slog.Any("connection", nc))

			raddr, _ := nc.RemoteAddr().(*net.TCPAddr)
			if raddr == nil {
				nc.Close() //nolint:errcheck
				continue
			}
			t.track(netip.AddrPortFrom(raddr.AddrPort().Addr().Unmap(), raddr.AddrPort().Port()), &tcpConn{Conn: nc})
		}
	})
	return errtrace.Wrap(grp.Wait())
}

func (t *TCPTransport) serveConn(addr netip.AddrPort, conn *tcpConn) {
	defer t.drop(addr, conn)

	local := t.LocalAddr()
	if la, ok := conn.LocalAddr().(*net.TCPAddr); ok {
		local = la.AddrPort()
	}

	p := NewStreamParser(idleReader{conn: conn.Conn, idle: t.idle})
	for {
		msg, err := p.Next()
		if err != nil {
			t.logReadErr(conn, err)
			return
		}

		box := t.handler.Load()
		if box == nil {
			t.log.LogAttrs(context.Background(), slog.LevelWarn, "transport is not served, discard message",
				slog.Any("message", msg),
			)
			continue
		}

		mb := msg.base()
		mb.Transport = TransportProtoTCP
		mb.LocalAddr = local
		mb.RemoteAddr = addr
		box.h.HandleMessage(box.ctx, msg)
	}
}

func (t *TCPTransport) logReadErr(conn *tcpConn, err error) {
	var (
		lvl = slog.LevelDebug
		msg string
	)
	switch {
	case errors.Is(err, io.EOF), t.closed.Load(), errorutil.IsClosedErr(err):
		return
	case errors.Is(err, ErrInvalidMessage):
		// stream framing is lost after a malformed message
		lvl, msg = slog.LevelWarn, "malformed message, close connection"
	case errors.Is(err, io.ErrUnexpectedEOF):
		lvl, msg = slog.LevelWarn, "TCP connection closed in the middle of a message"
	case errorutil.IsTimeoutErr(err):
		msg = "TCP connection idle timeout"
	case errorutil.IsNetError(err):
		msg = "TCP connection read failed"
	default:
		lvl, msg = slog.LevelError, "TCP stream read failed"
	}
	t.log.LogAttrs(context.Background(), lvl, msg,
		slog.Any("connection", conn.Conn),
		slog.Any("error", err),
	)
}

// Close closes the listener and all connections and waits for connection readers to exit.
func (t *TCPTransport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}

	err := t.ln.Close()
	for addr, conn := range t.conns.All() {
		t.drop(addr, conn)
	}
	t.wg.Wait()
	return errtrace.Wrap(err)
}

func (t *TCPTransport) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("proto", string(TransportProtoTCP)),
		slog.Any("local_addr", t.LocalAddr()),
	)
}
