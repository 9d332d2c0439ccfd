package sip

import (
	"context"
	"log/slog"
	"sync/atomic"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipcore/internal/timeutil"
)

// NonInviteClientTransaction implements the non-INVITE client transaction of RFC 3261 Section 17.1.2.
type NonInviteClientTransaction struct {
	*clientTransact

	tmrE atomic.Pointer[timeutil.Timer]
	tmrF atomic.Pointer[timeutil.Timer]
	tmrK atomic.Pointer[timeutil.Timer]
}

// NewNonInviteClientTransaction creates a non-INVITE client transaction in the trying state.
// The request is sent by [NonInviteClientTransaction.Start].
func NewNonInviteClientTransaction(req *Request, tp ClientTransport, opts *TransactionOptions) (*NonInviteClientTransaction, error) {
	if req == nil || req.Method == RequestMethodInvite || req.Method == RequestMethodAck {
		return nil, errtrace.Wrap(NewInvalidArgumentError(ErrMethodNotAllowed))
	}

	tx := new(NonInviteClientTransaction)
	clnTx, err := newClientTransact(TransactionTypeClientNonInvite, tx, req, tp, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	tx.clientTransact = clnTx
	tx.initFSM(TransactionStateTrying)
	return tx, nil
}

const (
	txEvtTimerE = "timer_e"
	txEvtTimerF = "timer_f"
	txEvtTimerK = "timer_k"
)

func (tx *NonInviteClientTransaction) initFSM(start TransactionState) {
	tx.clientTransact.initFSM(start)

	tx.fsm.Configure(TransactionStateTrying).
		InternalTransition(txEvtStart, tx.actTrying).
		InternalTransition(txEvtTimerE, tx.actSendReq).
		Permit(txEvtRecv1xx, TransactionStateProceeding).
		Permit(txEvtRecv2xx, TransactionStateCompleted).
		Permit(txEvtRecv300699, TransactionStateCompleted).
		Permit(txEvtTimerF, TransactionStateTerminated).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateProceeding).
		OnEntry(tx.actProceeding).
		OnEntryFrom(txEvtRecv1xx, tx.actPassRes).
		InternalTransition(txEvtRecv1xx, tx.actPassRes).
		InternalTransition(txEvtTimerE, tx.actSendReq).
		Permit(txEvtRecv2xx, TransactionStateCompleted).
		Permit(txEvtRecv300699, TransactionStateCompleted).
		Permit(txEvtTimerF, TransactionStateTerminated).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateCompleted).
		OnEntry(tx.actCompleted).
		OnEntryFrom(txEvtRecv2xx, tx.actPassRes).
		OnEntryFrom(txEvtRecv300699, tx.actPassRes).
		Ignore(txEvtRecv1xx).
		Ignore(txEvtRecv2xx).
		Ignore(txEvtRecv300699).
		Permit(txEvtTimerK, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateTerminated).
		OnEntry(tx.actTerminated).
		OnEntryFrom(txEvtTimerF, tx.actTimedOut).
		OnEntryFrom(txEvtTranspErr, tx.actTranspErr).
		Ignore(txEvtRecv1xx).
		Ignore(txEvtRecv2xx).
		Ignore(txEvtRecv300699).
		Ignore(txEvtTranspErr).
		Ignore(txEvtTerminate)
}

// Start sends the request and arms timers E and F.
func (tx *NonInviteClientTransaction) Start(ctx context.Context) error {
	return errtrace.Wrap(tx.start(ctx))
}

func (tx *NonInviteClientTransaction) actTrying(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction trying", slog.Any("transaction", tx))

	if err := tx.sendReq(ctx, tx.req); err != nil {
		return nil //nolint:nilerr
	}

	if !tx.tp.Reliable() {
		tx.startBackoff(ctx, &tx.tmrE, "E", tx.timings.TimeE(), tx.timings.T2(), tx.onTimerE)
	}
	tx.startTimer(ctx, &tx.tmrF, "F", tx.timings.TimeF(), tx.onTimerF)
	return nil
}

func (tx *NonInviteClientTransaction) onTimerE() {
	tx.log.LogAttrs(tx.ctx, slog.LevelDebug, "timer E expired", slog.Any("transaction", tx))

	tx.fireTimer(txEvtTimerE, TransactionStateTrying, TransactionStateProceeding)
}

func (tx *NonInviteClientTransaction) onTimerF() {
	tx.log.LogAttrs(tx.ctx, slog.LevelDebug, "timer F expired", slog.Any("transaction", tx))

	tx.tmrF.Store(nil)
	tx.fireTimer(txEvtTimerF, TransactionStateTrying, TransactionStateProceeding)
}

func (tx *NonInviteClientTransaction) actProceeding(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction proceeding", slog.Any("transaction", tx))

	// in proceeding the request is retransmitted every T2
	if tx.tmrE.Load() != nil {
		tx.startBackoff(ctx, &tx.tmrE, "E", tx.timings.T2(), tx.timings.T2(), tx.onTimerE)
	}
	return nil
}

func (tx *NonInviteClientTransaction) actCompleted(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction completed", slog.Any("transaction", tx))

	tx.stopTimer(ctx, &tx.tmrE, "E")
	tx.stopTimer(ctx, &tx.tmrF, "F")

	if tx.tp.Reliable() {
		// timer K is zero for reliable transports
		tx.fsm.FireCtx(ctx, txEvtTimerK) //nolint:errcheck
		return nil
	}
	tx.startTimer(ctx, &tx.tmrK, "K", tx.timings.TimeK(), tx.onTimerK)
	return nil
}

func (tx *NonInviteClientTransaction) onTimerK() {
	tx.log.LogAttrs(tx.ctx, slog.LevelDebug, "timer K expired", slog.Any("transaction", tx))

	tx.tmrK.Store(nil)
	tx.fireTimer(txEvtTimerK, TransactionStateCompleted)
}

func (tx *NonInviteClientTransaction) actTerminated(ctx context.Context, args ...any) error {
	tx.stopTimer(ctx, &tx.tmrE, "E")
	tx.stopTimer(ctx, &tx.tmrF, "F")
	tx.stopTimer(ctx, &tx.tmrK, "K")

	return errtrace.Wrap(tx.clientTransact.actTerminated(ctx, args...))
}
