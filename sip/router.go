package sip

import (
	"context"
	"iter"
	"log/slog"
	"net/netip"
	"strings"

	"github.com/ghettovoice/sipcore/dns"
	"github.com/ghettovoice/sipcore/internal/util"
	"github.com/ghettovoice/sipcore/log"
	"github.com/ghettovoice/sipcore/uri"
)

// DNSResolver is used to locate the next hop of a request.
// [*dns.Resolver] implements it.
type DNSResolver interface {
	LookupAddr(ctx context.Context, host string) ([]netip.Addr, error)
	LookupSRV(ctx context.Context, service, proto, host string) ([]*dns.SRV, error)
	LookupNAPTR(ctx context.Context, host string) ([]*dns.NAPTR, error)
}

// Router resolves the candidate destinations of an outbound request in preference order.
type Router interface {
	Route(ctx context.Context, req *Request) iter.Seq2[TransportProto, netip.AddrPort]
}

// RouterFunc is an adapter to use ordinary functions as [Router].
type RouterFunc func(ctx context.Context, req *Request) iter.Seq2[TransportProto, netip.AddrPort]

func (f RouterFunc) Route(ctx context.Context, req *Request) iter.Seq2[TransportProto, netip.AddrPort] {
	return f(ctx, req)
}

// DefaultRouter sends requests to the first Route URI or to the Request-URI
// and locates hosts as described in RFC 3263 Section 4.
type DefaultRouter struct {
	// Resolver is used for host name lookups. If nil, [dns.DefaultResolver] is used.
	Resolver DNSResolver
	// DefaultProto is the transport used when neither URI nor DNS selects one. Default is UDP.
	DefaultProto TransportProto
	Log          *slog.Logger
}

func (r *DefaultRouter) resolver() DNSResolver {
	if r == nil || r.Resolver == nil {
		return dns.DefaultResolver()
	}
	return r.Resolver
}

func (r *DefaultRouter) defaultProto() TransportProto {
	if r == nil || r.DefaultProto == "" {
		return TransportProtoUDP
	}
	return r.DefaultProto
}

func (r *DefaultRouter) log() *slog.Logger {
	if r == nil || r.Log == nil {
		return log.Default()
	}
	return r.Log
}

// nextHop returns the URI the request must be sent to (RFC 3261 Section 8.1.2).
func nextHop(req *Request) *uri.SIP {
	if routes := req.Headers.Routes(); len(routes) > 0 && routes[0].URI != nil {
		return routes[0].URI
	}
	return req.URI
}

// Route implements [Router].
func (r *DefaultRouter) Route(ctx context.Context, req *Request) iter.Seq2[TransportProto, netip.AddrPort] {
	return r.Locate(ctx, nextHop(req))
}

// Locate yields the transport and address candidates of the URI.
//
//nolint:gocognit
func (r *DefaultRouter) Locate(ctx context.Context, u *uri.SIP) iter.Seq2[TransportProto, netip.AddrPort] {
	return func(yield func(TransportProto, netip.AddrPort) bool) {
		if u == nil {
			return
		}

		proto, explicit := u.Transport()
		if !explicit {
			proto = r.defaultProto()
			if u.Secured {
				proto = TransportProtoTLS
			}
		}

		if maddr, ok := u.Params.Last("maddr"); ok && maddr != "" {
			u = u.Clone()
			u.Host = maddr
		}

		if addr, ok := u.Addr(proto.DefaultPort()); ok {
			yield(proto, addr)
			return
		}

		rslvr := r.resolver()

		if u.Port != 0 {
			r.yieldHost(ctx, rslvr, u.Host, u.Port, proto, yield)
			return
		}

		if !explicit {
			naptrs, err := rslvr.LookupNAPTR(ctx, u.Host)
			if err != nil {
				r.log().LogAttrs(ctx, slog.LevelDebug, "NAPTR lookup failed", slog.String("host", u.Host), slog.Any("error", err))
			}
			found := false
			for _, rec := range naptrs {
				tp := TransportProto(rec.Transport())
				if tp == "" || !util.EqFold(rec.Flags, "s") || (u.Secured && tp != TransportProtoTLS) {
					continue
				}
				found = true
				if !r.yieldSRV(ctx, rslvr, "", "", rec.Replacement, tp, yield) {
					return
				}
			}
			if found {
				return
			}
		}

		service := "sip"
		if u.Secured {
			service = "sips"
		}
		network := "udp"
		if proto.IsReliable() {
			network = "tcp"
		}
		if !r.yieldSRV(ctx, rslvr, service, network, u.Host, proto, yield) {
			return
		}
		r.yieldHost(ctx, rslvr, u.Host, proto.DefaultPort(), proto, yield)
	}
}

func (r *DefaultRouter) yieldSRV(
	ctx context.Context,
	rslvr DNSResolver,
	service, network, host string,
	proto TransportProto,
	yield func(TransportProto, netip.AddrPort) bool,
) bool {
	srvs, err := rslvr.LookupSRV(ctx, service, network, host)
	if err != nil {
		r.log().LogAttrs(ctx, slog.LevelDebug, "SRV lookup failed", slog.String("host", host), slog.Any("error", err))
		return true
	}
	for _, srv := range srvs {
		if !r.yieldHost(ctx, rslvr, strings.TrimSuffix(srv.Target, "."), srv.Port, proto, yield) {
			return false
		}
	}
	return true
}

func (r *DefaultRouter) yieldHost(
	ctx context.Context,
	rslvr DNSResolver,
	host string,
	port uint16,
	proto TransportProto,
	yield func(TransportProto, netip.AddrPort) bool,
) bool {
	addrs, err := rslvr.LookupAddr(ctx, host)
	if err != nil {
		r.log().LogAttrs(ctx, slog.LevelDebug, "address lookup failed", slog.String("host", host), slog.Any("error", err))
		return true
	}
	for _, addr := range addrs {
		if !yield(proto, netip.AddrPortFrom(addr, port)) {
			return false
		}
	}
	return true
}
