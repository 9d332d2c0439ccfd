// Package uri implements SIP and SIPS URIs (RFC 3261 Section 19.1).
package uri

//go:generate errtrace -w .

import (
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipcore/internal/errorutil"
	"github.com/ghettovoice/sipcore/internal/types"
	"github.com/ghettovoice/sipcore/internal/util"
)

// Values represents URI parameters or headers as a multi-value map.
type Values = types.Values

type TransportProto = types.TransportProto

// ErrInvalidURI is returned when the URI can not be parsed.
const ErrInvalidURI errorutil.Error = "invalid URI"

// SIP is a sip: or sips: URI.
type SIP struct {
	Secured  bool
	User     string
	Password string
	Host     string
	Port     uint16
	Params   Values
	Headers  Values
}

// Parse parses a SIP or SIPS URI.
func Parse(s string) (*SIP, error) {
	s = strings.TrimSpace(s)
	var u SIP
	switch {
	case util.HasPrefixFold(s, "sips:"):
		u.Secured = true
		s = s[5:]
	case util.HasPrefixFold(s, "sip:"):
		s = s[4:]
	default:
		return nil, errtrace.Wrap(errorutil.NewWrapperError(ErrInvalidURI, "unsupported scheme in %q", s))
	}

	if i := strings.IndexByte(s, '?'); i >= 0 {
		u.Headers = types.ParseValues(s[i+1:], '&')
		s = s[:i]
	}
	if i := strings.IndexByte(s, ';'); i >= 0 {
		u.Params = types.ParseValues(s[i+1:], ';')
		s = s[:i]
	}
	if i := strings.LastIndexByte(s, '@'); i >= 0 {
		u.User, u.Password, _ = strings.Cut(s[:i], ":")
		s = s[i+1:]
	}

	host, port, err := splitHostPort(s)
	if err != nil {
		return nil, errtrace.Wrap(errorutil.NewWrapperError(ErrInvalidURI, err))
	}
	if host == "" {
		return nil, errtrace.Wrap(errorutil.NewWrapperError(ErrInvalidURI, "empty host"))
	}
	u.Host, u.Port = host, port
	return &u, nil
}

// MustParse is like [Parse] but panics on error.
func MustParse(s string) *SIP { return util.Must2(Parse(s)) }

func splitHostPort(s string) (string, uint16, error) {
	if strings.HasPrefix(s, "[") {
		end := strings.IndexByte(s, ']')
		if end < 0 {
			return "", 0, errtrace.Wrap(fmt.Errorf("unterminated IPv6 reference %q", s))
		}
		host, rest := s[:end+1], s[end+1:]
		if rest == "" {
			return host, 0, nil
		}
		if rest[0] != ':' {
			return "", 0, errtrace.Wrap(fmt.Errorf("unexpected %q after host", rest))
		}
		port, err := parsePort(rest[1:])
		return host, port, errtrace.Wrap(err)
	}

	host, portStr, ok := strings.Cut(s, ":")
	if !ok {
		return host, 0, nil
	}
	port, err := parsePort(portStr)
	return host, port, errtrace.Wrap(err)
}

func parsePort(s string) (uint16, error) {
	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, errtrace.Wrap(fmt.Errorf("invalid port %q", s))
	}
	return uint16(n), nil
}

func (u *SIP) Scheme() string {
	if u.Secured {
		return "sips"
	}
	return "sip"
}

// String renders the URI.
func (u *SIP) String() string {
	if u == nil {
		return ""
	}

	sb := util.GetStringBuilder()
	defer util.FreeStringBuilder(sb)

	sb.WriteString(u.Scheme())
	sb.WriteByte(':')
	if u.User != "" {
		sb.WriteString(u.User)
		if u.Password != "" {
			sb.WriteByte(':')
			sb.WriteString(u.Password)
		}
		sb.WriteByte('@')
	}
	sb.WriteString(u.HostPort())
	sb.WriteString(u.Params.Render(';'))
	if len(u.Headers) > 0 {
		sb.WriteByte('?')
		sb.WriteString(u.Headers.Render('&'))
	}
	return sb.String()
}

// HostPort returns "host[:port]".
func (u *SIP) HostPort() string {
	if u.Port == 0 {
		return u.Host
	}
	return net.JoinHostPort(strings.Trim(u.Host, "[]"), strconv.Itoa(int(u.Port)))
}

// Addr returns the IP address and port if the host is an IP literal.
// A zero port is replaced with defPort.
func (u *SIP) Addr(defPort uint16) (netip.AddrPort, bool) {
	ip, err := netip.ParseAddr(strings.Trim(u.Host, "[]"))
	if err != nil {
		return netip.AddrPort{}, false
	}
	port := u.Port
	if port == 0 {
		port = defPort
	}
	return netip.AddrPortFrom(ip.Unmap(), port), true
}

// Clone returns a deep copy of the URI.
func (u *SIP) Clone() *SIP {
	if u == nil {
		return nil
	}
	u2 := *u
	u2.Params = u.Params.Clone()
	u2.Headers = u.Headers.Clone()
	return &u2
}

// Transport returns the value of the transport parameter.
func (u *SIP) Transport() (TransportProto, bool) {
	v, ok := u.Params.Last("transport")
	return TransportProto(util.UCase(v)), ok
}

// LR reports whether the URI has the lr parameter.
func (u *SIP) LR() bool { return u.Params.Has("lr") }

// matchParams must match when present in either URI (RFC 3261 Section 19.1.4).
var matchParams = []string{"transport", "user", "ttl", "method", "maddr"}

// Equal compares URIs following RFC 3261 Section 19.1.4.
func (u *SIP) Equal(other *SIP) bool {
	if u == nil || other == nil {
		return u == other
	}
	if u.Secured != other.Secured ||
		u.User != other.User ||
		u.Password != other.Password ||
		!util.EqFold(u.Host, other.Host) ||
		u.Port != other.Port {
		return false
	}

	for _, p := range matchParams {
		if u.Params.Has(p) != other.Params.Has(p) {
			return false
		}
	}
	for k := range u.Params {
		if !other.Params.Has(k) {
			continue
		}
		v1, _ := u.Params.Last(k)
		v2, _ := other.Params.Last(k)
		if !util.EqFold(v1, v2) {
			return false
		}
	}

	if len(u.Headers) != len(other.Headers) {
		return false
	}
	for k := range u.Headers {
		v1, _ := u.Headers.Last(k)
		v2, ok := other.Headers.Last(k)
		if !ok || v1 != v2 {
			return false
		}
	}
	return true
}
