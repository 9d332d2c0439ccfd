package sip

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync/atomic"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipcore/header"
	"github.com/ghettovoice/sipcore/internal/types"
)

// ClientTransaction represents a SIP client transaction.
type ClientTransaction interface {
	Transaction
	// Start sends the request and arms the transaction timers.
	Start(ctx context.Context) error
	// RecvResponse is called on each inbound response matched to the transaction.
	RecvResponse(ctx context.Context, res *Response) error
	// OnResponse registers a callback to be called when the transaction passes a response to the TU.
	// Responses passed before any callback was registered are delivered to the first registered one.
	OnResponse(fn TransactionResponseHandler) (cancel func())
	// CreateCancel builds a CANCEL request for the INVITE transaction (RFC 3261 Section 9.1).
	CreateCancel() (*Request, error)
}

type TransactionResponseHandler = func(ctx context.Context, tx ClientTransaction, res *Response)

// NewClientTransaction creates a client transaction of the kind matching the request method.
// ACK requests never create transactions.
func NewClientTransaction(req *Request, tp ClientTransport, opts *TransactionOptions) (ClientTransaction, error) {
	switch req.Method {
	case RequestMethodInvite:
		return errtrace.Wrap2(NewInviteClientTransaction(req, tp, opts))
	case RequestMethodAck:
		return nil, errtrace.Wrap(NewInvalidArgumentError(ErrMethodNotAllowed))
	default:
		return errtrace.Wrap2(NewNonInviteClientTransaction(req, tp, opts))
	}
}

const (
	txEvtStart      = "start"
	txEvtRecv1xx    = "recv_1xx"
	txEvtRecv2xx    = "recv_2xx"
	txEvtRecv300699 = "recv_300-699"
)

type clientTransact struct {
	*baseTransact
	tp      ClientTransport
	started atomic.Bool

	onRes       types.CallbackManager[TransactionResponseHandler]
	pendingRess types.Deque[*Response]
}

func newClientTransact(
	typ TransactionType,
	impl ClientTransaction,
	req *Request,
	tp ClientTransport,
	opts *TransactionOptions,
) (*clientTransact, error) {
	if err := req.Validate(); err != nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError(err))
	}
	if tp == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid transport"))
	}

	key := opts.key()
	if !key.IsValid() {
		var err error
		if key, err = ClientTransactionKeyOf(req); err != nil {
			return nil, errtrace.Wrap(NewInvalidArgumentError(err))
		}
	}

	return &clientTransact{
		baseTransact: newBaseTransact(typ, impl, req, key, opts),
		tp:           tp,
	}, nil
}

func (tx *clientTransact) initFSM(start TransactionState) {
	tx.baseTransact.initFSM(start)

	tx.fsm.SetTriggerParameters(txEvtRecv1xx, reflect.TypeOf((*Response)(nil)))
	tx.fsm.SetTriggerParameters(txEvtRecv2xx, reflect.TypeOf((*Response)(nil)))
	tx.fsm.SetTriggerParameters(txEvtRecv300699, reflect.TypeOf((*Response)(nil)))
}

func (tx *clientTransact) transport() ClientTransport { return tx.tp }

func (tx *clientTransact) start(ctx context.Context) error {
	if !tx.started.CompareAndSwap(false, true) {
		return errtrace.Wrap(fmt.Errorf("%w: transaction already started", ErrInvalidTransactionState))
	}
	return errtrace.Wrap(tx.fire(ctx, txEvtStart))
}

// MatchResponse checks whether the response matches the client transaction.
// It implements the matching rules defined in RFC 3261 Section 17.1.3.
func (tx *clientTransact) MatchResponse(res *Response) error {
	key, err := ClientTransactionKeyOf(res)
	if err != nil {
		return errtrace.Wrap(err)
	}
	if key != tx.key {
		return errtrace.Wrap(ErrMessageNotMatched)
	}
	return nil
}

// RecvResponse is called on each inbound response matched to the transaction.
func (tx *clientTransact) RecvResponse(ctx context.Context, res *Response) error {
	if err := tx.MatchResponse(res); err != nil {
		return errtrace.Wrap(err)
	}

	switch {
	case res.Status.IsProvisional():
		return errtrace.Wrap(tx.fire(ctx, txEvtRecv1xx, res))
	case res.Status.IsSuccessful():
		return errtrace.Wrap(tx.fire(ctx, txEvtRecv2xx, res))
	default:
		return errtrace.Wrap(tx.fire(ctx, txEvtRecv300699, res))
	}
}

// sendReq must be called from a state machine action.
// Transport errors terminate the transaction asynchronously.
func (tx *clientTransact) sendReq(ctx context.Context, req *Request) error {
	if err := tx.tp.SendRequest(ctx, req); err != nil {
		err = fmt.Errorf("send %q request: %w", req.Method, err)
		if err := tx.fsm.FireCtx(ctx, txEvtTranspErr, errtrace.Wrap(err)); err != nil {
			panic(fmt.Errorf("fire %q in state %q: %w", txEvtTranspErr, tx.State(), err))
		}
		return errtrace.Wrap(err)
	}
	return nil
}

func (tx *clientTransact) actSendReq(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "send request", slog.Any("transaction", tx.impl), slog.Any("request", tx.req))

	tx.sendReq(ctx, tx.req) //nolint:errcheck
	return nil
}

func (tx *clientTransact) actPassRes(ctx context.Context, args ...any) error {
	res := args[0].(*Response) //nolint:forcetypeassert
	tx.lastRes.Store(res)

	tx.log.LogAttrs(ctx, slog.LevelDebug, "pass response", slog.Any("transaction", tx.impl), slog.Any("response", res))

	tx.pendingRess.Append(res)
	tx.notify(tx.deliverPendingRess)
	return nil
}

func (tx *clientTransact) deliverPendingRess() {
	if tx.onRes.Len() == 0 {
		return
	}
	for _, res := range tx.pendingRess.Drain() {
		for fn := range tx.onRes.All() {
			fn(tx.ctx, tx.impl.(ClientTransaction), res) //nolint:forcetypeassert
		}
	}
}

// OnResponse registers a callback to be called when the transaction passes a response to the TU.
func (tx *clientTransact) OnResponse(fn TransactionResponseHandler) (cancel func()) {
	cancel = tx.onRes.Add(fn)
	tx.notify(tx.deliverPendingRess)
	tx.flushNotes()
	return cancel
}

// CreateCancel builds a CANCEL request for the INVITE transaction (RFC 3261 Section 9.1).
func (tx *clientTransact) CreateCancel() (*Request, error) {
	if tx.typ != TransactionTypeClientInvite {
		return nil, errtrace.Wrap(fmt.Errorf("%w: only INVITE transactions can be cancelled", ErrInvalidTransactionState))
	}
	if st := tx.State(); st != TransactionStateCalling && st != TransactionStateProceeding {
		return nil, errtrace.Wrap(fmt.Errorf("%w: can not cancel transaction in state %q", ErrInvalidTransactionState, st))
	}

	cancel := &Request{
		Method:      RequestMethodCancel,
		URI:         tx.req.URI.Clone(),
		MessageBase: MessageBase{Transport: tx.req.Transport},
	}
	via, _ := tx.req.Headers.FirstVia()
	cancel.Headers.Append(header.Via{via.Clone()})
	cancel.Headers.Append(header.MaxForwards(70))
	for _, h := range tx.req.Headers {
		switch hdr := h.(type) {
		case *header.From, *header.To, header.CallID, header.Route:
			cancel.Headers.Append(hdr.Clone())
		case *header.CSeq:
			cancel.Headers.Append(&header.CSeq{SeqNum: hdr.SeqNum, Method: RequestMethodCancel})
		}
	}
	return cancel, nil
}

// buildNon2xxAck builds the ACK for a non-2xx final response (RFC 3261 Section 17.1.1.3).
func buildNon2xxAck(req *Request, res *Response) *Request {
	ack := &Request{
		Method:      RequestMethodAck,
		URI:         req.URI.Clone(),
		MessageBase: MessageBase{Transport: req.Transport},
	}
	via, _ := req.Headers.FirstVia()
	ack.Headers.Append(header.Via{via.Clone()})
	ack.Headers.Append(header.MaxForwards(70))
	for _, h := range req.Headers {
		switch hdr := h.(type) {
		case *header.From, header.CallID, header.Route:
			ack.Headers.Append(hdr.Clone())
		case *header.CSeq:
			ack.Headers.Append(&header.CSeq{SeqNum: hdr.SeqNum, Method: RequestMethodAck})
		}
	}
	if to, ok := res.Headers.To(); ok {
		ack.Headers.Append(to.Clone())
	}
	return ack
}
