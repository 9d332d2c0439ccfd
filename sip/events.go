package sip

import (
	"log/slog"
	"net/netip"
)

// RequestEvent delivers an inbound request to the listener.
// ServerTransaction is nil for ACK unless ACK pseudo transactions are enabled.
type RequestEvent struct {
	Request           *Request
	ServerTransaction ServerTransaction
	Dialog            *Dialog
}

func (ev *RequestEvent) RemoteAddr() netip.AddrPort { return ev.Request.RemoteAddr }

func (ev *RequestEvent) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Any("request", ev.Request),
		slog.Any("transaction", ev.ServerTransaction),
		slog.Any("dialog", ev.Dialog),
	)
}

// ResponseEvent delivers a response passed up by a client transaction
// or a 2xx retransmission matched to a dialog after its transaction ended.
type ResponseEvent struct {
	Response          *Response
	ClientTransaction ClientTransaction
	Dialog            *Dialog
	// Retransmission is set for a 2xx response to INVITE the dialog has already seen.
	Retransmission bool
	// ForkedResponse is set when the response created or belongs to a dialog
	// other than the one of the original transaction.
	ForkedResponse bool
	// OriginalTransaction is the client transaction of a forked response.
	OriginalTransaction ClientTransaction
}

func (ev *ResponseEvent) RemoteAddr() netip.AddrPort { return ev.Response.RemoteAddr }

func (ev *ResponseEvent) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Any("response", ev.Response),
		slog.Any("transaction", ev.ClientTransaction),
		slog.Any("dialog", ev.Dialog),
		slog.Bool("retransmission", ev.Retransmission),
		slog.Bool("forked", ev.ForkedResponse),
	)
}

// TimeoutEvent reports a transaction timeout or a 2xx retransmission alert.
type TimeoutEvent struct {
	Transaction Transaction
	Timeout     Timeout
}

// IsServerTransaction reports whether the timeout belongs to a server transaction.
func (ev *TimeoutEvent) IsServerTransaction() bool { return !ev.Transaction.Type().IsClient() }

func (ev *TimeoutEvent) LogValue() slog.Value {
	return slog.GroupValue(slog.Any("transaction", ev.Transaction), slog.String("timeout", string(ev.Timeout)))
}

// TransactionTerminatedEvent reports that a transaction reached the terminated state.
type TransactionTerminatedEvent struct {
	Transaction Transaction
}

func (ev *TransactionTerminatedEvent) LogValue() slog.Value {
	return slog.GroupValue(slog.Any("transaction", ev.Transaction))
}

// DialogTerminatedEvent reports that an established dialog was terminated.
type DialogTerminatedEvent struct {
	Dialog *Dialog
}

func (ev *DialogTerminatedEvent) LogValue() slog.Value {
	return slog.GroupValue(slog.Any("dialog", ev.Dialog))
}

// IOExceptionEvent reports an asynchronous transport failure.
type IOExceptionEvent struct {
	Transaction Transaction
	Dialog      *Dialog
	Transport   TransportProto
	RemoteAddr  netip.AddrPort
	Err         error
}

func (ev *IOExceptionEvent) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Any("transaction", ev.Transaction),
		slog.String("transport", string(ev.Transport)),
		slog.Any("remote_addr", ev.RemoteAddr),
		slog.Any("error", ev.Err),
	)
}

// DialogTimeoutReason describes why a [DialogTimeoutEvent] was raised.
type DialogTimeoutReason string

// DialogTimeoutAckNotReceived means the ACK for a 2xx response did not arrive in 64*T1.
const DialogTimeoutAckNotReceived DialogTimeoutReason = "ack_not_received"

// DialogTimeoutEvent is delivered to listeners implementing [DialogTimeoutListener].
// Without such a listener the stack sends BYE and terminates the dialog itself.
type DialogTimeoutEvent struct {
	Dialog *Dialog
	Reason DialogTimeoutReason
}

func (ev *DialogTimeoutEvent) LogValue() slog.Value {
	return slog.GroupValue(slog.Any("dialog", ev.Dialog), slog.String("reason", string(ev.Reason)))
}
