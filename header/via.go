package header

import (
	"net"
	"strconv"
	"strings"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipcore/internal/errorutil"
	"github.com/ghettovoice/sipcore/internal/types"
	"github.com/ghettovoice/sipcore/internal/util"
)

// Via represents the Via header field.
// It indicates the transport used for the transaction and identifies the location where the response is to be sent.
type Via []ViaHop

func (Via) CanonicName() Name { return "Via" }

func (hdr Via) RenderValue() string {
	parts := make([]string, len(hdr))
	for i := range hdr {
		parts[i] = hdr[i].String()
	}
	return strings.Join(parts, ", ")
}

func (hdr Via) Clone() Header {
	if hdr == nil {
		return Via(nil)
	}
	out := make(Via, len(hdr))
	for i := range hdr {
		out[i] = hdr[i].Clone()
	}
	return out
}

// ViaHop is a single Via entry.
type ViaHop struct {
	Transport TransportProto
	Host      string
	Port      uint16
	Params    Values
}

// MagicCookie prefixes RFC 3261 compliant branch identifiers.
const MagicCookie = "z9hG4bK"

func (hop ViaHop) String() string {
	sb := util.GetStringBuilder()
	defer util.FreeStringBuilder(sb)

	sb.WriteString("SIP/2.0/")
	sb.WriteString(string(hop.Transport.ToUpper()))
	sb.WriteByte(' ')
	sb.WriteString(hop.SentBy())
	sb.WriteString(hop.Params.Render(';'))
	return sb.String()
}

func (hop ViaHop) Clone() ViaHop {
	hop.Params = hop.Params.Clone()
	return hop
}

// SentBy returns "host[:port]".
func (hop ViaHop) SentBy() string {
	if hop.Port == 0 {
		return hop.Host
	}
	return net.JoinHostPort(strings.Trim(hop.Host, "[]"), strconv.Itoa(int(hop.Port)))
}

// Branch returns the branch parameter.
func (hop ViaHop) Branch() string {
	v, _ := hop.Params.Last("branch")
	return v
}

// SetBranch sets the branch parameter.
func (hop *ViaHop) SetBranch(branch string) {
	if hop.Params == nil {
		hop.Params = make(Values)
	}
	hop.Params.Set("branch", branch)
}

// Received returns the received parameter.
func (hop ViaHop) Received() (string, bool) { return hop.Params.Last("received") }

// RPort returns the value of the rport parameter. It returns false if the parameter
// is absent or has no value.
func (hop ViaHop) RPort() (uint16, bool) {
	v, ok := hop.Params.Last("rport")
	if !ok || v == "" {
		return 0, false
	}
	n, err := strconv.ParseUint(v, 10, 16)
	return uint16(n), err == nil
}

// IsRFC3261 reports whether the branch carries the RFC 3261 magic cookie.
func (hop ViaHop) IsRFC3261() bool { return util.HasPrefixFold(hop.Branch(), MagicCookie) }

func parseViaHop(s string) (ViaHop, error) {
	proto, rest, ok := strings.Cut(strings.TrimSpace(s), " ")
	if !ok {
		return ViaHop{}, errtrace.Wrap(errorutil.NewWrapperError(ErrInvalidHeader, "malformed Via %q", s))
	}
	protoParts := strings.Split(proto, "/")
	if len(protoParts) != 3 || !util.EqFold(protoParts[0], "SIP") {
		return ViaHop{}, errtrace.Wrap(errorutil.NewWrapperError(ErrInvalidHeader, "malformed Via protocol %q", proto))
	}

	hop := ViaHop{Transport: TransportProto(strings.ToUpper(strings.TrimSpace(protoParts[2])))}
	rest = strings.TrimSpace(rest)
	sentBy, params, _ := strings.Cut(rest, ";")
	if params != "" {
		hop.Params = types.ParseValues(params, ';')
	}

	sentBy = strings.TrimSpace(sentBy)
	if strings.HasPrefix(sentBy, "[") {
		end := strings.IndexByte(sentBy, ']')
		if end < 0 {
			return ViaHop{}, errtrace.Wrap(errorutil.NewWrapperError(ErrInvalidHeader, "malformed Via host %q", sentBy))
		}
		hop.Host, sentBy = sentBy[:end+1], sentBy[end+1:]
		sentBy = strings.TrimPrefix(sentBy, ":")
	} else {
		hop.Host, sentBy, _ = strings.Cut(sentBy, ":")
	}
	if hop.Host == "" {
		return ViaHop{}, errtrace.Wrap(errorutil.NewWrapperError(ErrInvalidHeader, "empty Via host"))
	}
	if sentBy != "" {
		port, err := strconv.ParseUint(strings.TrimSpace(sentBy), 10, 16)
		if err != nil {
			return ViaHop{}, errtrace.Wrap(errorutil.NewWrapperError(ErrInvalidHeader, "invalid Via port %q", sentBy))
		}
		hop.Port = uint16(port)
	}
	return hop, nil
}
