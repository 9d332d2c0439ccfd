package main

import (
	"context"
	"log/slog"
	"strings"

	"github.com/ghettovoice/sipcore/header"
	"github.com/ghettovoice/sipcore/sip"
	"github.com/ghettovoice/sipcore/uri"
)

// userAgent is a demo UAS. It accepts every INVITE after ringing,
// answers OPTIONS and MESSAGE with 200 and lets BYE tear dialogs down.
type userAgent struct {
	stack *sip.Stack
	log   *slog.Logger
}

func newUserAgent(stack *sip.Stack, logger *slog.Logger) *userAgent {
	return &userAgent{stack: stack, log: logger}
}

func (ua *userAgent) contact(req *sip.Request) header.Contact {
	u := &uri.SIP{Host: req.LocalAddr.Addr().String(), Port: req.LocalAddr.Port()}
	if req.Transport != sip.TransportProtoUDP {
		u.Params = uri.Values{}
		u.Params.Set("transport", strings.ToLower(string(req.Transport)))
	}
	return header.Contact{{URI: u}}
}

func (ua *userAgent) respond(ctx context.Context, tx sip.ServerTransaction, status sip.ResponseStatus, hdrs ...header.Header) {
	res := tx.NewResponse(status, "")
	res.Headers.Append(hdrs...)
	if err := tx.Respond(ctx, res); err != nil {
		ua.log.LogAttrs(ctx, slog.LevelWarn, "failed to respond",
			slog.Any("transaction", tx),
			slog.Any("error", err),
		)
	}
}

func (ua *userAgent) ProcessRequest(ctx context.Context, ev *sip.RequestEvent) {
	req, tx := ev.Request, ev.ServerTransaction
	ua.log.LogAttrs(ctx, slog.LevelInfo, "request received",
		slog.String("method", string(req.Method)),
		slog.String("call_id", sip.CallIDOf(req)),
		slog.Any("remote_addr", ev.RemoteAddr()),
	)

	if tx == nil {
		return
	}

	switch req.Method {
	case sip.RequestMethodInvite:
		if ev.Dialog == nil || ev.Dialog.State() == sip.DialogStateNull {
			ua.respond(ctx, tx, sip.ResponseStatusRinging, ua.contact(req))
		}
		ua.respond(ctx, tx, sip.ResponseStatusOK, ua.contact(req))
	case sip.RequestMethodCancel:
		ua.respond(ctx, tx, sip.ResponseStatusOK)
	case sip.RequestMethodAck:
	case sip.RequestMethodOptions, sip.RequestMethodMessage, sip.RequestMethodBye,
		sip.RequestMethodInfo, sip.RequestMethodUpdate, sip.RequestMethodPrack:
		ua.respond(ctx, tx, sip.ResponseStatusOK)
	default:
		ua.respond(ctx, tx, sip.ResponseStatusMethodNotAllowed)
	}
}

func (ua *userAgent) ProcessResponse(ctx context.Context, ev *sip.ResponseEvent) {
	ua.log.LogAttrs(ctx, slog.LevelInfo, "response received", slog.Any("event", ev))
}

func (ua *userAgent) ProcessTimeout(ctx context.Context, ev *sip.TimeoutEvent) {
	ua.log.LogAttrs(ctx, slog.LevelWarn, "transaction timed out", slog.Any("event", ev))
}

func (ua *userAgent) ProcessTransactionTerminated(ctx context.Context, ev *sip.TransactionTerminatedEvent) {
	ua.log.LogAttrs(ctx, slog.LevelDebug, "transaction terminated", slog.Any("event", ev))
}

func (ua *userAgent) ProcessDialogTerminated(ctx context.Context, ev *sip.DialogTerminatedEvent) {
	ua.log.LogAttrs(ctx, slog.LevelInfo, "dialog terminated",
		slog.Any("dialog", ev.Dialog),
		slog.Duration("duration", ev.Dialog.Age()),
		slog.Any("stack", ua.stack),
	)
}

func (ua *userAgent) ProcessIOException(ctx context.Context, ev *sip.IOExceptionEvent) {
	ua.log.LogAttrs(ctx, slog.LevelError, "transport failure", slog.Any("event", ev))
}
