package sip

import "context"

// Listener receives events from the [Stack].
// Events of one Call-ID are delivered in order and never concurrently.
type Listener interface {
	ProcessRequest(ctx context.Context, ev *RequestEvent)
	ProcessResponse(ctx context.Context, ev *ResponseEvent)
	ProcessTimeout(ctx context.Context, ev *TimeoutEvent)
	ProcessTransactionTerminated(ctx context.Context, ev *TransactionTerminatedEvent)
	ProcessDialogTerminated(ctx context.Context, ev *DialogTerminatedEvent)
	ProcessIOException(ctx context.Context, ev *IOExceptionEvent)
}

// DialogTimeoutListener is implemented by listeners that handle ACK timeouts of dialogs themselves.
type DialogTimeoutListener interface {
	ProcessDialogTimeout(ctx context.Context, ev *DialogTimeoutEvent)
}

// ListenerFuncs adapts a set of functions to [Listener]. Nil functions ignore their events.
// A nil OnDialogTimeout lets the stack handle ACK timeouts.
type ListenerFuncs struct {
	OnRequest               func(ctx context.Context, ev *RequestEvent)
	OnResponse              func(ctx context.Context, ev *ResponseEvent)
	OnTimeout               func(ctx context.Context, ev *TimeoutEvent)
	OnTransactionTerminated func(ctx context.Context, ev *TransactionTerminatedEvent)
	OnDialogTerminated      func(ctx context.Context, ev *DialogTerminatedEvent)
	OnIOException           func(ctx context.Context, ev *IOExceptionEvent)
	OnDialogTimeout         func(ctx context.Context, ev *DialogTimeoutEvent)
}

func (l *ListenerFuncs) ProcessRequest(ctx context.Context, ev *RequestEvent) {
	if l.OnRequest != nil {
		l.OnRequest(ctx, ev)
	}
}

func (l *ListenerFuncs) ProcessResponse(ctx context.Context, ev *ResponseEvent) {
	if l.OnResponse != nil {
		l.OnResponse(ctx, ev)
	}
}

func (l *ListenerFuncs) ProcessTimeout(ctx context.Context, ev *TimeoutEvent) {
	if l.OnTimeout != nil {
		l.OnTimeout(ctx, ev)
	}
}

func (l *ListenerFuncs) ProcessTransactionTerminated(ctx context.Context, ev *TransactionTerminatedEvent) {
	if l.OnTransactionTerminated != nil {
		l.OnTransactionTerminated(ctx, ev)
	}
}

func (l *ListenerFuncs) ProcessDialogTerminated(ctx context.Context, ev *DialogTerminatedEvent) {
	if l.OnDialogTerminated != nil {
		l.OnDialogTerminated(ctx, ev)
	}
}

func (l *ListenerFuncs) ProcessIOException(ctx context.Context, ev *IOExceptionEvent) {
	if l.OnIOException != nil {
		l.OnIOException(ctx, ev)
	}
}

// dialogTimeoutHandler returns the ACK timeout handler of the listener if it has one.
func dialogTimeoutHandler(l Listener) (func(context.Context, *DialogTimeoutEvent), bool) {
	switch l := l.(type) {
	case *ListenerFuncs:
		return l.OnDialogTimeout, l.OnDialogTimeout != nil
	case DialogTimeoutListener:
		return l.ProcessDialogTimeout, true
	default:
		return nil, false
	}
}
