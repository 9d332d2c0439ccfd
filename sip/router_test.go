package sip_test

import (
	"context"
	"errors"
	"iter"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ghettovoice/sipcore/dns"
	"github.com/ghettovoice/sipcore/sip"
)

type fakeResolver struct {
	addrs  map[string][]netip.Addr
	srvs   map[string][]*dns.SRV
	naptrs map[string][]*dns.NAPTR

	mu      sync.Mutex
	lookups []string
}

var errNoRecords = errors.New("no records")

func (r *fakeResolver) record(q string) {
	r.mu.Lock()
	r.lookups = append(r.lookups, q)
	r.mu.Unlock()
}

func (r *fakeResolver) LookupAddr(_ context.Context, host string) ([]netip.Addr, error) {
	r.record("A " + host)
	if addrs, ok := r.addrs[host]; ok {
		return addrs, nil
	}
	return nil, errNoRecords
}

func (r *fakeResolver) LookupSRV(_ context.Context, service, proto, host string) ([]*dns.SRV, error) {
	name := host
	if service != "" || proto != "" {
		name = "_" + service + "._" + proto + "." + host
	}
	r.record("SRV " + name)
	if srvs, ok := r.srvs[name]; ok {
		return srvs, nil
	}
	return nil, errNoRecords
}

func (r *fakeResolver) LookupNAPTR(_ context.Context, host string) ([]*dns.NAPTR, error) {
	r.record("NAPTR " + host)
	if recs, ok := r.naptrs[host]; ok {
		return recs, nil
	}
	return nil, errNoRecords
}

type hop struct {
	Proto sip.TransportProto
	Addr  netip.AddrPort
}

func routeAll(tb testing.TB, r sip.Router, req *sip.Request) []hop {
	tb.Helper()

	var hops []hop
	for proto, addr := range r.Route(tb.Context(), req) {
		hops = append(hops, hop{proto, addr})
	}
	return hops
}

func newRouterRequest(tb testing.TB, ruri, route string) *sip.Request {
	tb.Helper()

	var routeHdr string
	if route != "" {
		routeHdr = "Route: " + route + "\n"
	}
	return parseReq(tb, `
OPTIONS %s SIP/2.0
Via: SIP/2.0/UDP 127.0.0.1:5060;branch=z9hG4bK.route
%sFrom: <sip:alice@127.0.0.1>;tag=a1
To: <sip:bob@example.com>
Call-ID: call-route
CSeq: 1 OPTIONS
Content-Length: 0
`, ruri, routeHdr)
}

func TestDefaultRouter_Route(t *testing.T) {
	t.Parallel()

	rslvr := &fakeResolver{
		addrs: map[string][]netip.Addr{
			"example.com":       {netip.MustParseAddr("10.0.0.1")},
			"pbx.example.com":   {netip.MustParseAddr("10.0.0.2"), netip.MustParseAddr("10.0.0.3")},
			"edge.example.net":  {netip.MustParseAddr("10.0.1.1")},
			"plain.example.org": {netip.MustParseAddr("10.0.2.1")},
		},
		srvs: map[string][]*dns.SRV{
			"_sip._tcp.example.com": {{Target: "pbx.example.com.", Port: 5080}},
			"_sip._udp.example.net": {{Target: "edge.example.net.", Port: 5090}},
		},
		naptrs: map[string][]*dns.NAPTR{
			"example.com": {
				{Order: 10, Flags: "s", Service: "SIP+D2T", Replacement: "_sip._tcp.example.com"},
				{Order: 20, Flags: "s", Service: "X-UNKNOWN", Replacement: "_x._udp.example.com"},
			},
		},
	}
	router := &sip.DefaultRouter{Resolver: rslvr}

	cases := []struct {
		name  string
		ruri  string
		route string
		want  []hop
	}{
		{
			name: "IP literal",
			ruri: "sip:bob@127.0.0.2:5070",
			want: []hop{{sip.TransportProtoUDP, netip.MustParseAddrPort("127.0.0.2:5070")}},
		},
		{
			name: "IP literal with default port",
			ruri: "sip:bob@127.0.0.2;transport=tcp",
			want: []hop{{sip.TransportProtoTCP, netip.MustParseAddrPort("127.0.0.2:5060")}},
		},
		{
			name: "host with port",
			ruri: "sip:bob@example.com:5070;transport=tcp",
			want: []hop{{sip.TransportProtoTCP, netip.MustParseAddrPort("10.0.0.1:5070")}},
		},
		{
			name: "NAPTR and SRV",
			ruri: "sip:bob@example.com",
			want: []hop{
				{sip.TransportProtoTCP, netip.MustParseAddrPort("10.0.0.2:5080")},
				{sip.TransportProtoTCP, netip.MustParseAddrPort("10.0.0.3:5080")},
			},
		},
		{
			name: "SRV without NAPTR",
			ruri: "sip:bob@example.net",
			want: []hop{{sip.TransportProtoUDP, netip.MustParseAddrPort("10.0.1.1:5090")}},
		},
		{
			name: "A record fallback",
			ruri: "sip:bob@plain.example.org",
			want: []hop{{sip.TransportProtoUDP, netip.MustParseAddrPort("10.0.2.1:5060")}},
		},
		{
			name:  "loose route",
			ruri:  "sip:bob@example.com",
			route: "<sip:127.0.0.9:5080;lr>",
			want:  []hop{{sip.TransportProtoUDP, netip.MustParseAddrPort("127.0.0.9:5080")}},
		},
		{
			name: "unresolvable",
			ruri: "sip:bob@nowhere.invalid",
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()

			got := routeAll(t, router, newRouterRequest(t, c.ruri, c.route))
			if diff := cmp.Diff(c.want, got, cmp.Comparer(func(a, b netip.AddrPort) bool { return a == b })); diff != "" {
				t.Errorf("routes mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDefaultRouter_StopsEarly(t *testing.T) {
	t.Parallel()

	rslvr := &fakeResolver{
		addrs: map[string][]netip.Addr{
			"pbx.example.com": {netip.MustParseAddr("10.0.0.2"), netip.MustParseAddr("10.0.0.3")},
		},
		srvs: map[string][]*dns.SRV{
			"_sip._udp.example.com": {
				{Target: "pbx.example.com.", Port: 5060},
				{Target: "backup.example.com.", Port: 5060},
			},
		},
	}
	router := &sip.DefaultRouter{Resolver: rslvr}

	for proto, addr := range router.Route(t.Context(), newRouterRequest(t, "sip:bob@example.com", "")) {
		if proto != sip.TransportProtoUDP || addr != netip.MustParseAddrPort("10.0.0.2:5060") {
			t.Fatalf("first route = %s %v, want UDP 10.0.0.2:5060", proto, addr)
		}
		break
	}

	want := []string{"NAPTR example.com", "SRV _sip._udp.example.com", "A pbx.example.com"}
	if diff := cmp.Diff(want, rslvr.lookups); diff != "" {
		t.Fatalf("lookups mismatch (-want +got):\n%s", diff)
	}
}

func TestStack_SendRequestNoTransport(t *testing.T) {
	t.Parallel()

	ts := newTestStack(t, &sip.StackOptions{
		Router: sip.RouterFunc(func(context.Context, *sip.Request) iter.Seq2[sip.TransportProto, netip.AddrPort] {
			return func(yield func(sip.TransportProto, netip.AddrPort) bool) {
				yield(sip.TransportProtoTLS, netip.MustParseAddrPort("127.0.0.2:5061"))
			}
		}),
	})

	req := newNonInvite(t, sip.RequestMethodOptions, "z9hG4bK.no-tp", "call-no-tp", "", 1)
	if _, err := ts.SendRequest(t.Context(), req); !errors.Is(err, sip.ErrNoTransport) {
		t.Fatalf("ts.SendRequest() error = %v, want %v", err, sip.ErrNoTransport)
	}
	if got := ts.tp.count(); got != 0 {
		t.Fatalf("sent messages = %d, want 0", got)
	}
}

func TestStack_SendCancelSameDestination(t *testing.T) {
	t.Parallel()

	moved := netip.MustParseAddrPort("127.0.0.3:5070")
	var routes atomic.Int32
	ts := newTestStack(t, &sip.StackOptions{
		Router: sip.RouterFunc(func(context.Context, *sip.Request) iter.Seq2[sip.TransportProto, netip.AddrPort] {
			addr := remoteAddr
			if routes.Add(1) > 1 {
				addr = moved
			}
			return func(yield func(sip.TransportProto, netip.AddrPort) bool) {
				yield(sip.TransportProtoUDP, addr)
			}
		}),
	})
	ctx := t.Context()

	inv := parseReq(t, `
INVITE sip:bob@example.com SIP/2.0
From: <sip:alice@127.0.0.1>;tag=a1
To: <sip:bob@example.com>
Call-ID: call-cancel-dest
CSeq: 1 INVITE
Content-Length: 0
`)
	tx, err := ts.SendRequest(ctx, inv)
	if err != nil {
		t.Fatalf("ts.SendRequest() error = %v, want nil", err)
	}
	if got, want := ts.tp.last().addr, remoteAddr; got != want {
		t.Fatalf("INVITE sent to %v, want %v", got, want)
	}

	cancelTx, err := ts.SendCancel(ctx, tx)
	if err != nil {
		t.Fatalf("ts.SendCancel() error = %v, want nil", err)
	}
	last := ts.tp.last()
	cancel, ok := last.msg.(*sip.Request)
	if !ok || cancel.Method != sip.RequestMethodCancel {
		t.Fatalf("last sent message = %v, want CANCEL", last.msg)
	}
	if got, want := last.addr, remoteAddr; got != want {
		t.Fatalf("CANCEL sent to %v, want %v", got, want)
	}
	invVia, _ := ts.tp.requests(sip.RequestMethodInvite)[0].Headers.FirstVia()
	cancelVia, _ := cancel.Headers.FirstVia()
	if got, want := cancelVia.Branch(), invVia.Branch(); got != want {
		t.Fatalf("CANCEL branch = %q, want %q", got, want)
	}
	if got, want := cancelTx.Request().Method, sip.RequestMethodCancel; got != want {
		t.Fatalf("cancelTx.Request().Method = %q, want %q", got, want)
	}
	if got, want := routes.Load(), int32(1); got != want {
		t.Fatalf("router calls = %d, want %d", got, want)
	}
}
