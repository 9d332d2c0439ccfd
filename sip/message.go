package sip

import (
	"bytes"
	"fmt"
	"log/slog"
	"net/netip"
	"strconv"

	"braces.dev/errtrace"
	"github.com/google/uuid"

	"github.com/ghettovoice/sipcore/header"
	"github.com/ghettovoice/sipcore/internal/errorutil"
	"github.com/ghettovoice/sipcore/internal/util"
	"github.com/ghettovoice/sipcore/uri"
)

// Message is a SIP request or response.
type Message interface {
	slog.LogValuer
	fmt.Stringer
	// Render renders the message in the wire format.
	Render() []byte
	// Validate checks that mandatory headers are present and consistent.
	Validate() error

	base() *MessageBase
	cloneMsg() Message
}

// MessageBase holds the parts shared by requests and responses.
type MessageBase struct {
	Headers Headers
	Body    []byte

	// Transport is the protocol the message was received over or should be sent with.
	Transport TransportProto
	// LocalAddr and RemoteAddr are filled by transports for inbound messages.
	LocalAddr  netip.AddrPort
	RemoteAddr netip.AddrPort
}

func (m *MessageBase) base() *MessageBase { return m }

func (m *MessageBase) clone() MessageBase {
	c := *m
	c.Headers = m.Headers.Clone()
	c.Body = bytes.Clone(m.Body)
	return c
}

func (m *MessageBase) renderTo(buf *bytes.Buffer) {
	for _, h := range m.Headers {
		if h.CanonicName() == "Content-Length" {
			continue
		}
		buf.WriteString(header.Render(h))
		buf.WriteString("\r\n")
	}
	buf.WriteString("Content-Length: ")
	buf.WriteString(strconv.Itoa(len(m.Body)))
	buf.WriteString("\r\n\r\n")
	buf.Write(m.Body)
}

func (m *MessageBase) validate() error {
	var errs []error
	if _, ok := m.Headers.FirstVia(); !ok {
		errs = append(errs, errorutil.NewWrapperError(errMissingHeader, "Via"))
	}
	from, ok := m.Headers.From()
	if !ok || from.URI == nil {
		errs = append(errs, errorutil.NewWrapperError(errMissingHeader, "From"))
	}
	to, ok := m.Headers.To()
	if !ok || to.URI == nil {
		errs = append(errs, errorutil.NewWrapperError(errMissingHeader, "To"))
	}
	if callID, ok := m.Headers.CallID(); !ok || callID == "" {
		errs = append(errs, errorutil.NewWrapperError(errMissingHeader, "Call-ID"))
	}
	if _, ok := m.Headers.CSeq(); !ok {
		errs = append(errs, errorutil.NewWrapperError(errMissingHeader, "CSeq"))
	}
	return errtrace.Wrap(errorutil.Join(errs...))
}

// GetMessageHeaders returns the headers of the message.
func GetMessageHeaders(msg Message) *Headers { return &msg.base().Headers }

// CallIDOf returns the Call-ID of the message or empty string.
func CallIDOf(msg Message) string {
	callID, _ := msg.base().Headers.CallID()
	return string(callID)
}

// Request represents a SIP request.
type Request struct {
	Method RequestMethod
	URI    *uri.SIP
	MessageBase
}

// Render renders the request in the wire format.
func (r *Request) Render() []byte {
	var buf bytes.Buffer
	buf.WriteString(string(r.Method))
	buf.WriteByte(' ')
	buf.WriteString(r.URI.String())
	buf.WriteString(" SIP/2.0\r\n")
	r.renderTo(&buf)
	return buf.Bytes()
}

func (r *Request) String() string {
	if r == nil {
		return "<nil>"
	}
	return string(r.Method) + " " + r.URI.String() + " SIP/2.0"
}

// Validate checks that the request has all mandatory headers.
func (r *Request) Validate() error {
	if r == nil {
		return errtrace.Wrap(newInvalidMessageError("nil request"))
	}
	var errs []error
	if !r.Method.IsValid() {
		errs = append(errs, fmt.Errorf("invalid method %q", r.Method))
	}
	if r.URI == nil {
		errs = append(errs, errorutil.Errorf("missing Request-URI"))
	}
	if err := r.validate(); err != nil {
		errs = append(errs, err)
	} else if cseq, _ := r.Headers.CSeq(); cseq.Method != r.Method {
		errs = append(errs, fmt.Errorf("CSeq method %q does not match request method %q", cseq.Method, r.Method))
	}
	if len(errs) > 0 {
		return errtrace.Wrap(newInvalidMessageError(errorutil.Join(errs...)))
	}
	return nil
}

// Clone returns a deep copy of the request.
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	return &Request{Method: r.Method, URI: r.URI.Clone(), MessageBase: r.clone()}
}

func (r *Request) cloneMsg() Message { return r.Clone() }

// LogValue implements [slog.LogValuer].
func (r *Request) LogValue() slog.Value {
	if r == nil {
		return slog.Value{}
	}
	attrs := []slog.Attr{
		slog.String("method", string(r.Method)),
		slog.String("uri", r.URI.String()),
	}
	if via, ok := r.Headers.FirstVia(); ok {
		attrs = append(attrs, slog.String("branch", via.Branch()))
	}
	if cseq, ok := r.Headers.CSeq(); ok {
		attrs = append(attrs, slog.String("cseq", cseq.RenderValue()))
	}
	attrs = append(attrs, slog.String("call_id", CallIDOf(r)))
	if r.RemoteAddr.IsValid() {
		attrs = append(attrs, slog.Any("remote_addr", r.RemoteAddr))
	}
	return slog.GroupValue(attrs...)
}

// IsInvite reports whether the request is INVITE.
func (r *Request) IsInvite() bool { return r.Method == RequestMethodInvite }

// IsAck reports whether the request is ACK.
func (r *Request) IsAck() bool { return r.Method == RequestMethodAck }

// Response represents a SIP response.
type Response struct {
	Status ResponseStatus
	Reason string
	MessageBase
}

// Render renders the response in the wire format.
func (r *Response) Render() []byte {
	var buf bytes.Buffer
	buf.WriteString("SIP/2.0 ")
	buf.WriteString(strconv.Itoa(int(r.Status)))
	buf.WriteByte(' ')
	buf.WriteString(r.Reason)
	buf.WriteString("\r\n")
	r.renderTo(&buf)
	return buf.Bytes()
}

func (r *Response) String() string {
	if r == nil {
		return "<nil>"
	}
	return "SIP/2.0 " + strconv.Itoa(int(r.Status)) + " " + r.Reason
}

// Validate checks that the response has all mandatory headers.
func (r *Response) Validate() error {
	if r == nil {
		return errtrace.Wrap(newInvalidMessageError("nil response"))
	}
	var errs []error
	if !r.Status.IsValid() {
		errs = append(errs, fmt.Errorf("invalid status %d", r.Status))
	}
	if err := r.validate(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return errtrace.Wrap(newInvalidMessageError(errorutil.Join(errs...)))
	}
	return nil
}

// Clone returns a deep copy of the response.
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	return &Response{Status: r.Status, Reason: r.Reason, MessageBase: r.clone()}
}

func (r *Response) cloneMsg() Message { return r.Clone() }

// LogValue implements [slog.LogValuer].
func (r *Response) LogValue() slog.Value {
	if r == nil {
		return slog.Value{}
	}
	attrs := []slog.Attr{
		slog.Int("status", int(r.Status)),
		slog.String("reason", r.Reason),
	}
	if via, ok := r.Headers.FirstVia(); ok {
		attrs = append(attrs, slog.String("branch", via.Branch()))
	}
	if cseq, ok := r.Headers.CSeq(); ok {
		attrs = append(attrs, slog.String("cseq", cseq.RenderValue()))
	}
	attrs = append(attrs, slog.String("call_id", CallIDOf(r)))
	return slog.GroupValue(attrs...)
}

// ToTag returns the tag of the To header.
func ToTag(msg Message) string {
	to, ok := msg.base().Headers.To()
	if !ok {
		return ""
	}
	return to.Tag()
}

// FromTag returns the tag of the From header.
func FromTag(msg Message) string {
	from, ok := msg.base().Headers.From()
	if !ok {
		return ""
	}
	return from.Tag()
}

// NewResponseFromRequest builds a response as described in RFC 3261 Section 8.2.6.
// Via, From, To, Call-ID and CSeq are copied from the request.
// An empty reason is replaced with the default reason phrase of the status.
func NewResponseFromRequest(req *Request, status ResponseStatus, reason string) *Response {
	if reason == "" {
		reason = status.Reason()
	}
	res := &Response{
		Status: status,
		Reason: reason,
		MessageBase: MessageBase{
			Transport:  req.Transport,
			LocalAddr:  req.LocalAddr,
			RemoteAddr: req.RemoteAddr,
		},
	}
	for _, h := range req.Headers {
		switch h.(type) {
		case header.Via, *header.From, *header.To, header.CallID, *header.CSeq:
			res.Headers.Append(h.Clone())
		}
	}
	return res
}

// NewCallID generates a new globally unique Call-ID.
func NewCallID() header.CallID { return header.CallID(uuid.NewString()) }

// GenerateTag generates a random From/To tag.
func GenerateTag() string { return util.RandStringLC(12) }

// GenerateBranch generates a random RFC 3261 branch.
func GenerateBranch() string { return header.MagicCookie + "." + util.RandString(20) }

// IsRFC3261Branch reports whether the branch has the RFC 3261 magic cookie.
func IsRFC3261Branch(branch string) bool { return util.HasPrefixFold(branch, header.MagicCookie) }
