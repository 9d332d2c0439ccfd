package dns_test

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	mdns "github.com/miekg/dns"

	"github.com/ghettovoice/sipcore/dns"
)

type stubExchanger struct {
	resp  *mdns.Msg
	query *mdns.Msg
	addr  string
}

func (s *stubExchanger) ExchangeContext(_ context.Context, m *mdns.Msg, addr string) (*mdns.Msg, time.Duration, error) {
	s.query = m
	s.addr = addr
	return s.resp, 0, nil
}

func naptr(order, pref uint16, service, repl string) *mdns.NAPTR {
	return &mdns.NAPTR{
		Hdr:         mdns.RR_Header{Name: "example.com.", Rrtype: mdns.TypeNAPTR, Class: mdns.ClassINET},
		Order:       order,
		Preference:  pref,
		Flags:       "s",
		Service:     service,
		Replacement: repl,
	}
}

func TestResolver_LookupNAPTR(t *testing.T) {
	t.Parallel()

	resp := new(mdns.Msg)
	resp.Answer = []mdns.RR{
		naptr(20, 10, "SIP+D2U", "_sip._udp.example.com."),
		naptr(10, 20, "SIP+D2T", "_sip._tcp.example.com."),
		naptr(10, 10, "SIPS+D2T", "_sips._tcp.example.com."),
	}
	ex := &stubExchanger{resp: resp}
	r := &dns.Resolver{NameServer: "127.0.0.1", Client: ex}

	recs, err := r.LookupNAPTR(t.Context(), "example.com")
	if err != nil {
		t.Fatalf("r.LookupNAPTR() error = %v, want nil", err)
	}
	if ex.addr != "127.0.0.1:53" {
		t.Errorf("name server = %q, want %q", ex.addr, "127.0.0.1:53")
	}
	if q := ex.query.Question[0]; q.Name != "example.com." || q.Qtype != mdns.TypeNAPTR {
		t.Errorf("question = %v, want NAPTR example.com.", q)
	}

	var got []string
	for _, rec := range recs {
		got = append(got, rec.Transport()+" "+rec.Replacement)
	}
	want := []string{
		"TLS _sips._tcp.example.com.",
		"TCP _sip._tcp.example.com.",
		"UDP _sip._udp.example.com.",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("records mismatch (-want +got):\n%s", diff)
	}
}

func TestParseNAPTR_NameError(t *testing.T) {
	t.Parallel()

	resp := new(mdns.Msg)
	resp.Rcode = mdns.RcodeNameError

	_, err := dns.ParseNAPTR("nowhere.example", resp)
	var dnsErr *net.DNSError
	if !errors.As(err, &dnsErr) || !dnsErr.IsNotFound {
		t.Fatalf("ParseNAPTR() error = %v, want not found DNS error", err)
	}
}
