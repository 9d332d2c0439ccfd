// Package dns implements the DNS lookups required to locate SIP servers (RFC 3263).
package dns

//go:generate errtrace -w .

import (
	"cmp"
	"context"
	"net"
	"net/netip"
	"slices"
	"strings"
	"time"

	"braces.dev/errtrace"
	"github.com/miekg/dns"
)

// Exchanger sends a DNS query to a name server.
// [*dns.Client] implements it.
type Exchanger interface {
	ExchangeContext(ctx context.Context, m *dns.Msg, addr string) (*dns.Msg, time.Duration, error)
}

// Resolver wraps net.Resolver with NAPTR support.
type Resolver struct {
	net.Resolver

	// NameServer specifies the DNS server address used for NAPTR queries (e.g., "8.8.8.8:53").
	// If empty, the first server from /etc/resolv.conf is used.
	NameServer string
	// Timeout specifies the timeout for NAPTR queries. Default is 5 seconds.
	Timeout time.Duration
	// Client overrides the DNS client used for NAPTR queries.
	Client Exchanger
}

// LookupAddr resolves the host to IP addresses. IPv4 mapped addresses are unmapped.
func (r *Resolver) LookupAddr(ctx context.Context, host string) ([]netip.Addr, error) {
	addrs, err := r.Resolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	for i := range addrs {
		addrs[i] = addrs[i].Unmap()
	}
	return addrs, nil
}

type SRV = net.SRV

// LookupSRV queries SRV records ordered by priority and randomized by weight.
func (r *Resolver) LookupSRV(ctx context.Context, service, proto, host string) ([]*SRV, error) {
	_, srvs, err := r.Resolver.LookupSRV(ctx, service, proto, host)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	return srvs, nil
}

// NAPTR represents a NAPTR DNS record as defined in RFC 3403.
type NAPTR struct {
	Order      uint16
	Preference uint16
	// Flags: "s" (SRV lookup), "a" (A/AAAA lookup), "u" (terminal URI).
	Flags string
	// Service, for SIP: "SIP+D2U" (UDP), "SIP+D2T" (TCP), "SIPS+D2T" (TLS).
	Service     string
	Regexp      string
	Replacement string
}

// Transport returns the SIP transport of the record service field or empty string.
func (rec *NAPTR) Transport() string {
	switch strings.ToUpper(rec.Service) {
	case "SIP+D2U":
		return "UDP"
	case "SIP+D2T":
		return "TCP"
	case "SIPS+D2T":
		return "TLS"
	default:
		return ""
	}
}

// LookupNAPTR queries NAPTR records for the given host.
// Returns records sorted by Order, then by Preference.
func (r *Resolver) LookupNAPTR(ctx context.Context, host string) ([]*NAPTR, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), dns.TypeNAPTR)
	m.RecursionDesired = true

	nameserver, err := r.nameserver()
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	resp, _, err := r.client().ExchangeContext(ctx, m, nameserver)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	return errtrace.Wrap2(ParseNAPTR(host, resp))
}

// ParseNAPTR extracts sorted NAPTR records from a DNS response.
func ParseNAPTR(host string, resp *dns.Msg) ([]*NAPTR, error) {
	if resp.Rcode != dns.RcodeSuccess {
		return nil, errtrace.Wrap(&net.DNSError{
			Err:        dns.RcodeToString[resp.Rcode],
			Name:       host,
			IsNotFound: resp.Rcode == dns.RcodeNameError,
		})
	}

	recs := make([]*NAPTR, 0, len(resp.Answer))
	for _, ans := range resp.Answer {
		if rr, ok := ans.(*dns.NAPTR); ok {
			recs = append(recs, &NAPTR{
				Order:       rr.Order,
				Preference:  rr.Preference,
				Flags:       rr.Flags,
				Service:     rr.Service,
				Regexp:      rr.Regexp,
				Replacement: rr.Replacement,
			})
		}
	}
	slices.SortStableFunc(recs, func(a, b *NAPTR) int {
		if c := cmp.Compare(a.Order, b.Order); c != 0 {
			return c
		}
		return cmp.Compare(a.Preference, b.Preference)
	})
	return recs, nil
}

func (r *Resolver) client() Exchanger {
	if r.Client != nil {
		return r.Client
	}
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &dns.Client{Timeout: timeout}
}

func (r *Resolver) nameserver() (string, error) {
	if r.NameServer != "" {
		if _, _, err := net.SplitHostPort(r.NameServer); err != nil {
			return net.JoinHostPort(r.NameServer, "53"), nil //nolint:nilerr
		}
		return r.NameServer, nil
	}

	conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil {
		return "", errtrace.Wrap(err)
	}
	if len(conf.Servers) == 0 {
		return "", errtrace.Wrap(&net.DNSError{Err: "no DNS servers configured", Name: "resolv.conf"})
	}
	return net.JoinHostPort(conf.Servers[0], conf.Port), nil
}

var defResolver = &Resolver{}

// DefaultResolver returns the resolver using the system configuration.
func DefaultResolver() *Resolver { return defResolver }
