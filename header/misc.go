package header

import (
	"strconv"
	"strings"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipcore/internal/errorutil"
	"github.com/ghettovoice/sipcore/internal/types"
	"github.com/ghettovoice/sipcore/internal/util"
)

// CallID represents the Call-ID header field.
type CallID string

func (CallID) CanonicName() Name { return "Call-ID" }

func (hdr CallID) RenderValue() string { return string(hdr) }

func (hdr CallID) Clone() Header { return hdr }

// CSeq represents the CSeq header field.
type CSeq struct {
	SeqNum uint32
	Method RequestMethod
}

func (*CSeq) CanonicName() Name { return "CSeq" }

func (hdr *CSeq) RenderValue() string {
	return strconv.FormatUint(uint64(hdr.SeqNum), 10) + " " + string(hdr.Method)
}

func (hdr *CSeq) Clone() Header {
	c := *hdr
	return &c
}

// MaxForwards represents the Max-Forwards header field.
type MaxForwards uint

func (MaxForwards) CanonicName() Name { return "Max-Forwards" }

func (hdr MaxForwards) RenderValue() string { return strconv.FormatUint(uint64(hdr), 10) }

func (hdr MaxForwards) Clone() Header { return hdr }

// ContentLength represents the Content-Length header field.
type ContentLength uint

func (ContentLength) CanonicName() Name { return "Content-Length" }

func (hdr ContentLength) RenderValue() string { return strconv.FormatUint(uint64(hdr), 10) }

func (hdr ContentLength) Clone() Header { return hdr }

// Expires represents the Expires header field.
type Expires uint

func (Expires) CanonicName() Name { return "Expires" }

func (hdr Expires) RenderValue() string { return strconv.FormatUint(uint64(hdr), 10) }

func (hdr Expires) Clone() Header { return hdr }

// RetryAfter represents the Retry-After header field.
type RetryAfter struct {
	Delay   uint
	Comment string
	Params  Values
}

func (*RetryAfter) CanonicName() Name { return "Retry-After" }

func (hdr *RetryAfter) RenderValue() string {
	s := strconv.FormatUint(uint64(hdr.Delay), 10)
	if hdr.Comment != "" {
		s += " (" + hdr.Comment + ")"
	}
	return s + hdr.Params.Render(';')
}

func (hdr *RetryAfter) Clone() Header {
	c := *hdr
	c.Params = hdr.Params.Clone()
	return &c
}

// RSeq represents the RSeq header field (RFC 3262).
type RSeq uint32

func (RSeq) CanonicName() Name { return "RSeq" }

func (hdr RSeq) RenderValue() string { return strconv.FormatUint(uint64(hdr), 10) }

func (hdr RSeq) Clone() Header { return hdr }

// RAck represents the RAck header field (RFC 3262).
type RAck struct {
	RSeq    uint32
	CSeqNum uint32
	Method  RequestMethod
}

func (*RAck) CanonicName() Name { return "RAck" }

func (hdr *RAck) RenderValue() string {
	return strconv.FormatUint(uint64(hdr.RSeq), 10) + " " +
		strconv.FormatUint(uint64(hdr.CSeqNum), 10) + " " + string(hdr.Method)
}

func (hdr *RAck) Clone() Header {
	c := *hdr
	return &c
}

// Option is an option tag used in Require and Supported headers.
type Option = string

// Option100rel is the option tag of reliable provisional responses (RFC 3262).
const Option100rel Option = "100rel"

// Require represents the Require header field.
type Require []Option

func (Require) CanonicName() Name { return "Require" }

func (hdr Require) RenderValue() string { return strings.Join(hdr, ", ") }

func (hdr Require) Clone() Header { return append(Require(nil), hdr...) }

// Supported represents the Supported header field.
type Supported []Option

func (Supported) CanonicName() Name { return "Supported" }

func (hdr Supported) RenderValue() string { return strings.Join(hdr, ", ") }

func (hdr Supported) Clone() Header { return append(Supported(nil), hdr...) }

// Event represents the Event header field (RFC 6665).
type Event struct {
	Type   string
	Params Values
}

func (*Event) CanonicName() Name { return "Event" }

func (hdr *Event) RenderValue() string { return hdr.Type + hdr.Params.Render(';') }

func (hdr *Event) Clone() Header {
	c := *hdr
	c.Params = hdr.Params.Clone()
	return &c
}

// ID returns the id parameter.
func (hdr *Event) ID() string {
	v, _ := hdr.Params.Last("id")
	return v
}

// Any is a generic header with an unparsed value.
type Any struct {
	Name  Name
	Value string
}

func (hdr *Any) CanonicName() Name { return CanonicName(hdr.Name) }

func (hdr *Any) RenderValue() string { return hdr.Value }

func (hdr *Any) Clone() Header {
	c := *hdr
	return &c
}

func parseUint(name, s string, bits int) (uint64, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(s), 10, bits)
	if err != nil {
		return 0, errtrace.Wrap(errorutil.NewWrapperError(ErrInvalidHeader, "invalid %s value %q", name, s))
	}
	return n, nil
}

func parseCSeq(s string) (*CSeq, error) {
	num, method, ok := strings.Cut(strings.TrimSpace(s), " ")
	if !ok {
		return nil, errtrace.Wrap(errorutil.NewWrapperError(ErrInvalidHeader, "malformed CSeq %q", s))
	}
	n, err := parseUint("CSeq", num, 32)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	m := RequestMethod(strings.TrimSpace(method))
	if !m.IsValid() || n >= 1<<31 {
		return nil, errtrace.Wrap(errorutil.NewWrapperError(ErrInvalidHeader, "malformed CSeq %q", s))
	}
	return &CSeq{SeqNum: uint32(n), Method: m}, nil
}

func parseRAck(s string) (*RAck, error) {
	fields := strings.Fields(s)
	if len(fields) != 3 {
		return nil, errtrace.Wrap(errorutil.NewWrapperError(ErrInvalidHeader, "malformed RAck %q", s))
	}
	rseq, err := parseUint("RAck", fields[0], 32)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	cseq, err := parseUint("RAck", fields[1], 32)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	return &RAck{RSeq: uint32(rseq), CSeqNum: uint32(cseq), Method: RequestMethod(fields[2])}, nil
}

func parseRetryAfter(s string) (*RetryAfter, error) {
	s = strings.TrimSpace(s)
	var hdr RetryAfter
	if i := strings.IndexByte(s, '('); i >= 0 {
		end := strings.LastIndexByte(s, ')')
		if end < i {
			return nil, errtrace.Wrap(errorutil.NewWrapperError(ErrInvalidHeader, "malformed Retry-After %q", s))
		}
		hdr.Comment = s[i+1 : end]
		s = s[:i] + s[end+1:]
	}
	delay, params, _ := strings.Cut(s, ";")
	n, err := parseUint("Retry-After", delay, 32)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	hdr.Delay = uint(n)
	if params != "" {
		hdr.Params = types.ParseValues(params, ';')
	}
	return &hdr, nil
}

func parseOptions(s string) []Option {
	var opts []Option
	for _, p := range util.SplitList(s) {
		opts = append(opts, strings.TrimSpace(p))
	}
	return opts
}
