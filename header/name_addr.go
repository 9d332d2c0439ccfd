package header

import (
	"strings"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipcore/internal/errorutil"
	"github.com/ghettovoice/sipcore/internal/types"
	"github.com/ghettovoice/sipcore/internal/util"
	"github.com/ghettovoice/sipcore/uri"
)

// NameAddr is an address with an optional display name and header parameters.
type NameAddr struct {
	DisplayName string
	URI         *uri.SIP
	Params      Values
}

func (addr NameAddr) String() string {
	sb := util.GetStringBuilder()
	defer util.FreeStringBuilder(sb)

	if addr.DisplayName != "" {
		sb.WriteByte('"')
		sb.WriteString(strings.ReplaceAll(addr.DisplayName, `"`, `\"`))
		sb.WriteString(`" `)
	}
	sb.WriteByte('<')
	sb.WriteString(addr.URI.String())
	sb.WriteByte('>')
	sb.WriteString(addr.Params.Render(';'))
	return sb.String()
}

func (addr NameAddr) Clone() NameAddr {
	addr.URI = addr.URI.Clone()
	addr.Params = addr.Params.Clone()
	return addr
}

// Tag returns the tag parameter.
func (addr NameAddr) Tag() string {
	v, _ := addr.Params.Last("tag")
	return v
}

func (addr *NameAddr) setTag(tag string) {
	if addr.Params == nil {
		addr.Params = make(Values)
	}
	addr.Params.Set("tag", tag)
}

func parseNameAddr(s string) (NameAddr, error) {
	s = strings.TrimSpace(s)
	var addr NameAddr

	if lt := strings.IndexByte(s, '<'); lt >= 0 {
		gt := strings.IndexByte(s[lt:], '>')
		if gt < 0 {
			return addr, errtrace.Wrap(errorutil.NewWrapperError(ErrInvalidHeader, "unterminated address %q", s))
		}
		gt += lt
		addr.DisplayName = strings.TrimSpace(s[:lt])
		if unq, ok := strings.CutPrefix(addr.DisplayName, `"`); ok {
			addr.DisplayName = strings.ReplaceAll(strings.TrimSuffix(unq, `"`), `\"`, `"`)
		}
		u, err := uri.Parse(s[lt+1 : gt])
		if err != nil {
			return addr, errtrace.Wrap(errorutil.NewWrapperError(ErrInvalidHeader, err))
		}
		addr.URI = u
		s = s[gt+1:]
	} else {
		// addr-spec form: parameters after the URI belong to the header.
		spec, rest, _ := strings.Cut(s, ";")
		u, err := uri.Parse(spec)
		if err != nil {
			return addr, errtrace.Wrap(errorutil.NewWrapperError(ErrInvalidHeader, err))
		}
		addr.URI = u
		s = ";" + rest
		if rest == "" {
			s = ""
		}
	}

	if s = strings.TrimSpace(s); s != "" {
		if s[0] != ';' {
			return addr, errtrace.Wrap(errorutil.NewWrapperError(ErrInvalidHeader, "unexpected %q after address", s))
		}
		addr.Params = types.ParseValues(s[1:], ';')
	}
	return addr, nil
}

// From represents the From header field.
type From NameAddr

func (*From) CanonicName() Name { return "From" }

func (hdr *From) RenderValue() string { return NameAddr(*hdr).String() }

func (hdr *From) Clone() Header {
	c := From(NameAddr(*hdr).Clone())
	return &c
}

func (hdr *From) Tag() string { return NameAddr(*hdr).Tag() }

func (hdr *From) SetTag(tag string) { (*NameAddr)(hdr).setTag(tag) }

// To represents the To header field.
type To NameAddr

func (*To) CanonicName() Name { return "To" }

func (hdr *To) RenderValue() string { return NameAddr(*hdr).String() }

func (hdr *To) Clone() Header {
	c := To(NameAddr(*hdr).Clone())
	return &c
}

func (hdr *To) Tag() string { return NameAddr(*hdr).Tag() }

func (hdr *To) SetTag(tag string) { (*NameAddr)(hdr).setTag(tag) }

func renderAddrs(addrs []NameAddr) string {
	parts := make([]string, len(addrs))
	for i := range addrs {
		parts[i] = addrs[i].String()
	}
	return strings.Join(parts, ", ")
}

func cloneAddrs(addrs []NameAddr) []NameAddr {
	if addrs == nil {
		return nil
	}
	out := make([]NameAddr, len(addrs))
	for i := range addrs {
		out[i] = addrs[i].Clone()
	}
	return out
}

// Contact represents the Contact header field.
type Contact []NameAddr

func (Contact) CanonicName() Name { return "Contact" }

func (hdr Contact) RenderValue() string { return renderAddrs(hdr) }

func (hdr Contact) Clone() Header { return Contact(cloneAddrs(hdr)) }

// Route represents the Route header field.
type Route []NameAddr

func (Route) CanonicName() Name { return "Route" }

func (hdr Route) RenderValue() string { return renderAddrs(hdr) }

func (hdr Route) Clone() Header { return Route(cloneAddrs(hdr)) }

// RecordRoute represents the Record-Route header field.
type RecordRoute []NameAddr

func (RecordRoute) CanonicName() Name { return "Record-Route" }

func (hdr RecordRoute) RenderValue() string { return renderAddrs(hdr) }

func (hdr RecordRoute) Clone() Header { return RecordRoute(cloneAddrs(hdr)) }
