package sip

import (
	"context"
	"log/slog"
	"sync/atomic"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipcore/internal/timeutil"
)

// NonInviteServerTransaction implements the non-INVITE server transaction of RFC 3261 Section 17.2.2.
type NonInviteServerTransaction struct {
	*serverTransact

	tmrJ atomic.Pointer[timeutil.Timer]
}

// NewNonInviteServerTransaction creates a non-INVITE server transaction in the trying state.
func NewNonInviteServerTransaction(req *Request, tp ServerTransport, opts *TransactionOptions) (*NonInviteServerTransaction, error) {
	if req == nil || req.Method == RequestMethodInvite || req.Method == RequestMethodAck {
		return nil, errtrace.Wrap(NewInvalidArgumentError(ErrMethodNotAllowed))
	}

	tx := new(NonInviteServerTransaction)
	srvTx, err := newServerTransact(TransactionTypeServerNonInvite, tx, req, tp, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	tx.serverTransact = srvTx

	tx.initFSM(TransactionStateTrying)
	tx.log.LogAttrs(tx.ctx, slog.LevelDebug, "transaction trying", slog.Any("transaction", tx))
	tx.startResponseGuard(tx.ctx, opts.responseTimeout())
	return tx, nil
}

const txEvtTimerJ = "timer_j"

func (tx *NonInviteServerTransaction) initFSM(start TransactionState) {
	tx.serverTransact.initFSM(start)

	tx.fsm.Configure(TransactionStateTrying).
		Ignore(txEvtRecvReq).
		Permit(txEvtSend1xx, TransactionStateProceeding).
		Permit(txEvtSend2xx, TransactionStateCompleted).
		Permit(txEvtSend300699, TransactionStateCompleted).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateProceeding).
		OnEntry(tx.actProceeding).
		OnEntryFrom(txEvtSend1xx, tx.actSendRes).
		InternalTransition(txEvtRecvReq, tx.actResendRes).
		InternalTransition(txEvtSend1xx, tx.actSendRes).
		Permit(txEvtSend2xx, TransactionStateCompleted).
		Permit(txEvtSend300699, TransactionStateCompleted).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateCompleted).
		OnEntry(tx.actCompleted).
		OnEntryFrom(txEvtSend2xx, tx.actSendRes).
		OnEntryFrom(txEvtSend300699, tx.actSendRes).
		InternalTransition(txEvtRecvReq, tx.actResendRes).
		Permit(txEvtTimerJ, TransactionStateTerminated).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateTerminated).
		OnEntry(tx.actTerminated).
		OnEntryFrom(txEvtTranspErr, tx.actTranspErr).
		Ignore(txEvtRecvReq).
		Ignore(txEvtTranspErr).
		Ignore(txEvtTerminate)
}

func (tx *NonInviteServerTransaction) actProceeding(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction proceeding", slog.Any("transaction", tx))
	return nil
}

func (tx *NonInviteServerTransaction) actCompleted(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction completed", slog.Any("transaction", tx))

	if tx.tp.Reliable() {
		// timer J is zero for reliable transports
		tx.fsm.FireCtx(ctx, txEvtTimerJ) //nolint:errcheck
		return nil
	}
	tx.startTimer(ctx, &tx.tmrJ, "J", tx.timings.TimeJ(), tx.onTimerJ)
	return nil
}

func (tx *NonInviteServerTransaction) onTimerJ() {
	tx.log.LogAttrs(tx.ctx, slog.LevelDebug, "timer J expired", slog.Any("transaction", tx))

	tx.tmrJ.Store(nil)
	tx.fireTimer(txEvtTimerJ, TransactionStateCompleted)
}

func (tx *NonInviteServerTransaction) actTerminated(ctx context.Context, args ...any) error {
	tx.stopTimer(ctx, &tx.tmrJ, "J")

	return errtrace.Wrap(tx.serverTransact.actTerminated(ctx, args...))
}
