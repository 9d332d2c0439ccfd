package sip

import (
	"context"
	"log/slog"
	"net"
	"net/netip"
	"sync/atomic"

	"braces.dev/errtrace"
	"golang.org/x/sync/errgroup"

	"github.com/ghettovoice/sipcore/internal/errorutil"
	"github.com/ghettovoice/sipcore/log"
)

// UDPTransportOptions configures a [UDPTransport].
type UDPTransportOptions struct {
	// Readers is the number of goroutines reading the socket. Default is 1.
	Readers int
	Log     *slog.Logger
}

func (o *UDPTransportOptions) readers() int {
	if o == nil || o.Readers <= 0 {
		return 1
	}
	return o.Readers
}

func (o *UDPTransportOptions) log() *slog.Logger {
	if o == nil || o.Log == nil {
		return log.Default()
	}
	return o.Log
}

// UDPTransport is a datagram transport. Each datagram carries exactly one message.
type UDPTransport struct {
	conn    *net.UDPConn
	readers int
	log     *slog.Logger
	closed  atomic.Bool
}

// ListenUDP binds a UDP socket on addr, for example "0.0.0.0:5060".
func ListenUDP(ctx context.Context, addr string, opts *UDPTransportOptions) (*UDPTransport, error) {
	var lc net.ListenConfig
	pc, err := lc.ListenPacket(ctx, "udp", addr)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	return NewUDPTransport(pc.(*net.UDPConn), opts), nil //nolint:forcetypeassert
}

// NewUDPTransport wraps a bound UDP socket.
func NewUDPTransport(conn *net.UDPConn, opts *UDPTransportOptions) *UDPTransport {
	return &UDPTransport{
		conn:    conn,
		readers: opts.readers(),
		log:     opts.log(),
	}
}

func (*UDPTransport) Proto() TransportProto { return TransportProtoUDP }

func (*UDPTransport) Reliable() bool { return false }

func (t *UDPTransport) LocalAddr() netip.AddrPort {
	addr, _ := t.conn.LocalAddr().(*net.UDPAddr)
	if addr == nil {
		return netip.AddrPort{}
	}
	return addr.AddrPort()
}

// Send writes one datagram to addr.
func (t *UDPTransport) Send(_ context.Context, addr netip.AddrPort, data []byte) error {
	if t.closed.Load() {
		return errtrace.Wrap(net.ErrClosed)
	}
	_, err := t.conn.WriteToUDPAddrPort(data, addr)
	return errtrace.Wrap(err)
}

// Serve reads datagrams and passes parsed messages to h until the context is done
// or the transport is closed. Malformed datagrams are logged and skipped.
func (t *UDPTransport) Serve(ctx context.Context, h MessageHandler) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	grp, ctx := errgroup.WithContext(ctx)
	grp.Go(func() error {
		<-ctx.Done()
		t.Close() //nolint:errcheck
		return nil
	})
	for range t.readers {
		grp.Go(func() error {
			defer cancel()
			return t.read(ctx, h)
		})
	}
	return errtrace.Wrap(grp.Wait())
}

func (t *UDPTransport) read(ctx context.Context, h MessageHandler) error {
	local := t.LocalAddr()
	buf := make([]byte, MaxMessageSize)
	for {
		n, raddr, err := t.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			switch {
			case t.closed.Load(), errorutil.IsClosedErr(err):
				return nil
			case errorutil.IsTimeoutErr(err), errorutil.IsTemporaryErr(err):
				continue
			case errorutil.IsNetError(err):
				t.log.LogAttrs(ctx, slog.LevelError, "UDP socket read failed",
					slog.Any("transport", t),
					slog.Any("error", err),
				)
			}
			return errtrace.Wrap(err)
		}

		msg, err := ParseMessage(buf[:n])
		if err != nil {
			t.log.LogAttrs(ctx, slog.LevelWarn, "discard malformed datagram",
				slog.Any("remote_addr", raddr),
				slog.Any("error", err),
			)
			continue
		}

		mb := msg.base()
		mb.Transport = TransportProtoUDP
		mb.LocalAddr = local
		mb.RemoteAddr = netip.AddrPortFrom(raddr.Addr().Unmap(), raddr.Port())
		h.HandleMessage(ctx, msg)
	}
}

// Close closes the socket.
func (t *UDPTransport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	return errtrace.Wrap(t.conn.Close())
}

func (t *UDPTransport) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("proto", string(TransportProtoUDP)),
		slog.Any("local_addr", t.LocalAddr()),
	)
}
