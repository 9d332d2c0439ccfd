package sip

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync/atomic"
	"time"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipcore/internal/timeutil"
)

// ServerTransaction represents a SIP server transaction.
type ServerTransaction interface {
	Transaction
	// RecvRequest is called on each inbound request matched to the transaction,
	// that is retransmissions of the original request and ACK for non-2xx responses.
	RecvRequest(ctx context.Context, req *Request) error
	// NewResponse builds a response to the transaction request.
	NewResponse(status ResponseStatus, reason string) *Response
	// Respond sends the response through the transaction state machine.
	Respond(ctx context.Context, res *Response) error
	// SendReliableProvisional sends a provisional response reliably as described in RFC 3262.
	// Only INVITE server transactions support it.
	SendReliableProvisional(ctx context.Context, res *Response) error
	// EnableRetransmissionAlerts makes an INVITE server transaction without a dialog
	// raise [TimeoutRetransmit] notifications until the ACK arrives,
	// so that the application can retransmit the 2xx response itself.
	EnableRetransmissionAlerts() error
	// PassedToListener reports whether the request was delivered to the listener.
	PassedToListener() bool
}

// NewServerTransaction creates a server transaction of the kind matching the request method.
func NewServerTransaction(req *Request, tp ServerTransport, opts *TransactionOptions) (ServerTransaction, error) {
	switch req.Method {
	case RequestMethodInvite:
		return errtrace.Wrap2(NewInviteServerTransaction(req, tp, opts))
	case RequestMethodAck:
		return nil, errtrace.Wrap(NewInvalidArgumentError(ErrMethodNotAllowed))
	default:
		return errtrace.Wrap2(NewNonInviteServerTransaction(req, tp, opts))
	}
}

// responseHook runs around each response sent by Respond.
// The stack uses it to keep dialogs and the pending ACK table in sync with sent responses.
type responseHook interface {
	beforeResponse(ctx context.Context, tx ServerTransaction, res *Response) error
	afterResponse(ctx context.Context, tx ServerTransaction, res *Response)
}

const (
	txEvtRecvReq    = "recv_req"
	txEvtSend1xx    = "send_1xx"
	txEvtSend2xx    = "send_2xx"
	txEvtSend300699 = "send_300-699"
)

type serverTransact struct {
	*baseTransact
	tp      ServerTransport
	hook    atomic.Pointer[responseHookBox]
	tmrResp atomic.Pointer[timeutil.Timer]
}

type responseHookBox struct{ h responseHook }

func newServerTransact(
	typ TransactionType,
	impl ServerTransaction,
	req *Request,
	tp ServerTransport,
	opts *TransactionOptions,
) (*serverTransact, error) {
	if err := req.Validate(); err != nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError(err))
	}
	if tp == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid transport"))
	}

	key := opts.key()
	if !key.IsValid() {
		var err error
		if key, err = ServerTransactionKeyOf(req); err != nil {
			return nil, errtrace.Wrap(NewInvalidArgumentError(err))
		}
	}

	return &serverTransact{
		baseTransact: newBaseTransact(typ, impl, req, key, opts),
		tp:           tp,
	}, nil
}

func (tx *serverTransact) srvTx() ServerTransaction {
	return tx.impl.(ServerTransaction) //nolint:forcetypeassert
}

func (tx *serverTransact) initFSM(start TransactionState) {
	tx.baseTransact.initFSM(start)

	tx.fsm.SetTriggerParameters(txEvtRecvReq, reflect.TypeOf((*Request)(nil)))
	tx.fsm.SetTriggerParameters(txEvtSend1xx, reflect.TypeOf((*Response)(nil)))
	tx.fsm.SetTriggerParameters(txEvtSend2xx, reflect.TypeOf((*Response)(nil)))
	tx.fsm.SetTriggerParameters(txEvtSend300699, reflect.TypeOf((*Response)(nil)))
}

func (tx *serverTransact) transport() ServerTransport { return tx.tp }

func (tx *serverTransact) setResponseHook(h responseHook) {
	tx.hook.Store(&responseHookBox{h})
}

func (tx *serverTransact) responseHook() responseHook {
	if box := tx.hook.Load(); box != nil {
		return box.h
	}
	return nil
}

// startResponseGuard arms the timer that answers 500 when the application
// does not respond in time.
func (tx *serverTransact) startResponseGuard(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	tx.startTimer(ctx, &tx.tmrResp, "response", d, tx.onResponseGuard)
}

func (tx *serverTransact) onResponseGuard() {
	tx.tmrResp.Store(nil)

	if res := tx.LastResponse(); res != nil && res.Status.IsFinal() {
		return
	}
	if st := tx.State(); st != TransactionStateTrying && st != TransactionStateProceeding {
		return
	}

	tx.log.LogAttrs(tx.ctx, slog.LevelWarn, "no final response from application, answer 500",
		slog.Any("transaction", tx.impl),
	)

	res := tx.NewResponse(ResponseStatusServerInternalError, "")
	if err := tx.Respond(tx.ctx, res); err != nil {
		tx.log.LogAttrs(tx.ctx, slog.LevelWarn, "failed to send response",
			slog.Any("transaction", tx.impl),
			slog.Any("error", err),
		)
	}
}

// MatchRequest checks whether the request matches the server transaction.
// It implements the matching rules defined in RFC 3261 Section 17.2.3.
func (tx *serverTransact) MatchRequest(req *Request) error {
	key, err := ServerTransactionKeyOf(req)
	if err != nil {
		return errtrace.Wrap(err)
	}
	if key != tx.key {
		return errtrace.Wrap(ErrMessageNotMatched)
	}
	return nil
}

// RecvRequest is called on each inbound request matched to the transaction.
func (tx *serverTransact) RecvRequest(ctx context.Context, req *Request) error {
	if err := tx.MatchRequest(req); err != nil {
		return errtrace.Wrap(err)
	}

	switch {
	case req.Method == RequestMethodAck && tx.typ == TransactionTypeServerInvite:
		return errtrace.Wrap(tx.fire(ctx, txEvtRecvAck, req))
	case req.Method == tx.req.Method:
		return errtrace.Wrap(tx.fire(ctx, txEvtRecvReq, req))
	default:
		return errtrace.Wrap(NewInvalidArgumentError(ErrMethodNotAllowed))
	}
}

// NewResponse builds a response to the transaction request.
func (tx *serverTransact) NewResponse(status ResponseStatus, reason string) *Response {
	return NewResponseFromRequest(tx.req, status, reason)
}

// Respond sends the response through the transaction state machine.
// The response must belong to the transaction request.
func (tx *serverTransact) Respond(ctx context.Context, res *Response) error {
	if err := res.Validate(); err != nil {
		return errtrace.Wrap(NewInvalidArgumentError(err))
	}
	if err := tx.matchResponse(res); err != nil {
		return errtrace.Wrap(err)
	}

	hook := tx.responseHook()
	if hook != nil {
		if err := hook.beforeResponse(ctx, tx.srvTx(), res); err != nil {
			return errtrace.Wrap(err)
		}
	}

	var err error
	switch {
	case res.Status.IsProvisional():
		err = tx.fire(ctx, txEvtSend1xx, res)
	case res.Status.IsSuccessful():
		err = tx.fire(ctx, txEvtSend2xx, res)
	default:
		err = tx.fire(ctx, txEvtSend300699, res)
	}
	if err != nil {
		return errtrace.Wrap(err)
	}

	if hook != nil {
		hook.afterResponse(ctx, tx.srvTx(), res)
	}
	return nil
}

func (tx *serverTransact) matchResponse(res *Response) error {
	reqKey, err := ClientTransactionKeyOf(tx.req)
	if err != nil {
		return errtrace.Wrap(err)
	}
	resKey, err := ClientTransactionKeyOf(res)
	if err != nil {
		return errtrace.Wrap(NewInvalidArgumentError(err))
	}
	if reqKey != resKey {
		return errtrace.Wrap(NewInvalidArgumentError(ErrMessageNotMatched))
	}
	return nil
}

// SendReliableProvisional is supported only by INVITE server transactions.
func (tx *serverTransact) SendReliableProvisional(context.Context, *Response) error {
	return errtrace.Wrap(NewInvalidArgumentError(ErrMethodNotAllowed))
}

// EnableRetransmissionAlerts is supported only by INVITE server transactions.
func (tx *serverTransact) EnableRetransmissionAlerts() error {
	return errtrace.Wrap(NewInvalidArgumentError(ErrMethodNotAllowed))
}

// sendRes must be called from a state machine action.
// Transport errors terminate the transaction asynchronously.
func (tx *serverTransact) sendRes(ctx context.Context, res *Response) error {
	if err := tx.tp.SendResponse(ctx, res); err != nil {
		err = fmt.Errorf("send %d response: %w", res.Status, err)
		if err := tx.fsm.FireCtx(ctx, txEvtTranspErr, errtrace.Wrap(err)); err != nil {
			panic(fmt.Errorf("fire %q in state %q: %w", txEvtTranspErr, tx.State(), err))
		}
		return errtrace.Wrap(err)
	}
	return nil
}

func (tx *serverTransact) actSendRes(ctx context.Context, args ...any) error {
	res := args[0].(*Response) //nolint:forcetypeassert
	tx.lastRes.Store(res)
	if res.Status.IsFinal() {
		tx.stopTimer(ctx, &tx.tmrResp, "response")
	}

	tx.log.LogAttrs(ctx, slog.LevelDebug, "send response", slog.Any("transaction", tx.impl), slog.Any("response", res))

	tx.sendRes(ctx, res) //nolint:errcheck
	return nil
}

func (tx *serverTransact) actResendRes(ctx context.Context, _ ...any) error {
	res := tx.LastResponse()
	if res == nil {
		return nil
	}

	tx.log.LogAttrs(ctx, slog.LevelDebug, "re-send response", slog.Any("transaction", tx.impl), slog.Any("response", res))

	tx.sendRes(ctx, res) //nolint:errcheck
	return nil
}

func (tx *serverTransact) actTerminated(ctx context.Context, args ...any) error {
	tx.stopTimer(ctx, &tx.tmrResp, "response")

	return errtrace.Wrap(tx.baseTransact.actTerminated(ctx, args...))
}
