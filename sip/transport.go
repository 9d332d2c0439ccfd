package sip

import (
	"context"
	"log/slog"
	"net/netip"
	"strconv"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipcore/header"
	"github.com/ghettovoice/sipcore/internal/util"
)

// Transport sends rendered messages to a network address.
//
//go:generate go tool mockgen -destination=../internal/mocks/transport.go -package=mocks . Transport
type Transport interface {
	Proto() TransportProto
	Reliable() bool
	LocalAddr() netip.AddrPort
	// Send writes data to addr. Stream transports reuse or dial a connection.
	Send(ctx context.Context, addr netip.AddrPort, data []byte) error
}

// MessageHandler consumes inbound messages produced by transports.
type MessageHandler interface {
	HandleMessage(ctx context.Context, msg Message)
}

// MessageHandlerFunc is an adapter to use ordinary functions as [MessageHandler].
type MessageHandlerFunc func(ctx context.Context, msg Message)

func (f MessageHandlerFunc) HandleMessage(ctx context.Context, msg Message) { f(ctx, msg) }

// ClientTransport is the transport view of a client transaction.
type ClientTransport interface {
	SendRequest(ctx context.Context, req *Request) error
	Reliable() bool
}

// ServerTransport is the transport view of a server transaction.
type ServerTransport interface {
	SendResponse(ctx context.Context, res *Response) error
	Reliable() bool
}

// boundTransport binds a transport to the destination of a transaction.
type boundTransport struct {
	tp   Transport
	addr netip.AddrPort
	log  *slog.Logger
	mtr  *Metrics
}

func (b *boundTransport) Reliable() bool { return b.tp.Reliable() }

func (b *boundTransport) SendRequest(ctx context.Context, req *Request) error {
	return errtrace.Wrap(b.send(ctx, req))
}

func (b *boundTransport) SendResponse(ctx context.Context, res *Response) error {
	return errtrace.Wrap(b.send(ctx, res))
}

func (b *boundTransport) send(ctx context.Context, msg Message) error {
	msg.base().Transport = b.tp.Proto()
	data := msg.Render()
	if err := b.tp.Send(ctx, b.addr, data); err != nil {
		b.log.LogAttrs(ctx, slog.LevelError, "failed to send message",
			slog.Any("message", msg),
			slog.Any("remote_addr", b.addr),
			slog.Any("error", err),
		)
		return errtrace.Wrap(err)
	}
	b.mtr.messageSent(msg)
	b.log.LogAttrs(ctx, slog.LevelDebug, "message sent",
		slog.Any("message", msg),
		slog.String("proto", string(b.tp.Proto())),
		slog.Any("remote_addr", b.addr),
	)
	return nil
}

func (b *boundTransport) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("proto", string(b.tp.Proto())),
		slog.Any("remote_addr", b.addr),
	)
}

// responseAddr resolves the destination of a response following RFC 3261 Section 18.2.2
// and RFC 3581. Responses to reliable transports go back to the source address.
func responseAddr(res *Response) (netip.AddrPort, bool) {
	if res.RemoteAddr.IsValid() && res.Transport.IsReliable() {
		return res.RemoteAddr, true
	}

	via, ok := res.Headers.FirstVia()
	if !ok {
		return netip.AddrPort{}, false
	}

	host := via.Host
	if rcvd, ok := via.Received(); ok && rcvd != "" {
		host = rcvd
	}
	port := via.Port
	if rport, ok := via.RPort(); ok {
		port = rport
	}
	if port == 0 {
		port = via.Transport.DefaultPort()
	}

	ip, err := netip.ParseAddr(trimBrackets(host))
	if err != nil {
		if res.RemoteAddr.IsValid() {
			return res.RemoteAddr, true
		}
		return netip.AddrPort{}, false
	}
	return netip.AddrPortFrom(ip.Unmap(), port), true
}

// stampReceived adds received and rport Via parameters as described in RFC 3261 Section 18.2.1 and RFC 3581.
func stampReceived(req *Request) {
	if !req.RemoteAddr.IsValid() {
		return
	}
	via, ok := req.Headers.FirstVia()
	if !ok {
		return
	}

	if via.Params == nil {
		via.Params = make(header.Values)
	}
	srcIP := req.RemoteAddr.Addr().Unmap()
	if ip, err := netip.ParseAddr(trimBrackets(via.Host)); err != nil || ip.Unmap() != srcIP {
		via.Params.Set("received", srcIP.String())
	}
	if v, ok := via.Params.Last("rport"); ok && v == "" {
		via.Params.Set("rport", strconv.Itoa(int(req.RemoteAddr.Port())))
	}
}

func trimBrackets(host string) string {
	if len(host) > 1 && host[0] == '[' && host[len(host)-1] == ']' {
		return host[1 : len(host)-1]
	}
	return util.TrimSP(host)
}
