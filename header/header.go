// Package header implements the SIP header fields used by the transaction and dialog layers.
package header

//go:generate errtrace -w .

import (
	"net/textproto"

	"github.com/ghettovoice/sipcore/internal/errorutil"
	"github.com/ghettovoice/sipcore/internal/types"
	"github.com/ghettovoice/sipcore/internal/util"
)

// Values represents header parameters as a multi-value map.
type Values = types.Values

// TransportProto represents a transport protocol (UDP, TCP, TLS).
type TransportProto = types.TransportProto

// RequestMethod represents a SIP request method (INVITE, ACK, BYE, etc.).
type RequestMethod = types.RequestMethod

// ErrInvalidHeader is returned when a header value can not be parsed.
const ErrInvalidHeader errorutil.Error = "invalid header"

// Header represents a generic SIP header.
type Header interface {
	CanonicName() Name
	RenderValue() string
	Clone() Header
}

// Name represents a SIP header name.
type Name string

// Equal compares names case-insensitively, compact forms included.
func (n Name) Equal(other Name) bool { return CanonicName(n) == CanonicName(other) }

var hdrNames = map[string]Name{
	"c":       "Content-Type",
	"e":       "Content-Encoding",
	"f":       "From",
	"i":       "Call-ID",
	"k":       "Supported",
	"l":       "Content-Length",
	"m":       "Contact",
	"o":       "Event",
	"s":       "Subject",
	"t":       "To",
	"v":       "Via",
	"Call-Id": "Call-ID",
	"Cseq":    "CSeq",
	"Rseq":    "RSeq",
	"Rack":    "RAck",
}

// CanonicName converts name to the canonical form.
// Compact names are expanded, for example "i" converts to "Call-ID".
func CanonicName[T ~string](name T) Name {
	s := util.TrimSP(string(name))
	if n, ok := hdrNames[s]; ok {
		return n
	}
	s = textproto.CanonicalMIMEHeaderKey(s)
	if n, ok := hdrNames[s]; ok {
		return n
	}
	return Name(s)
}

// Render renders the full header line without the trailing CRLF.
func Render(hdr Header) string {
	return string(hdr.CanonicName()) + ": " + hdr.RenderValue()
}

func newInvalid(name, value string) error {
	return errorutil.NewWrapperError(ErrInvalidHeader, "invalid %s value %q", name, value) //errtrace:skip
}
