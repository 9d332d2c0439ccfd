package sip

import (
	"context"
	"log/slog"
	"sync/atomic"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipcore/internal/timeutil"
)

// InviteClientTransaction implements the INVITE client transaction of RFC 3261 Section 17.1.1
// with the Accepted state of RFC 6026.
type InviteClientTransaction struct {
	*clientTransact

	tmrA atomic.Pointer[timeutil.Timer]
	tmrB atomic.Pointer[timeutil.Timer]
	tmrC atomic.Pointer[timeutil.Timer]
	tmrD atomic.Pointer[timeutil.Timer]
	tmrM atomic.Pointer[timeutil.Timer]

	ack atomic.Pointer[Request]
}

// NewInviteClientTransaction creates an INVITE client transaction in the calling state.
// The request is sent by [InviteClientTransaction.Start].
func NewInviteClientTransaction(req *Request, tp ClientTransport, opts *TransactionOptions) (*InviteClientTransaction, error) {
	if req == nil || req.Method != RequestMethodInvite {
		return nil, errtrace.Wrap(NewInvalidArgumentError(ErrMethodNotAllowed))
	}

	tx := new(InviteClientTransaction)
	clnTx, err := newClientTransact(TransactionTypeClientInvite, tx, req, tp, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	tx.clientTransact = clnTx
	tx.initFSM(TransactionStateCalling)
	return tx, nil
}

const (
	txEvtTimerA = "timer_a"
	txEvtTimerB = "timer_b"
	txEvtTimerC = "timer_c"
	txEvtTimerD = "timer_d"
	txEvtTimerM = "timer_m"
)

func (tx *InviteClientTransaction) initFSM(start TransactionState) {
	tx.clientTransact.initFSM(start)

	tx.fsm.Configure(TransactionStateCalling).
		InternalTransition(txEvtStart, tx.actCalling).
		InternalTransition(txEvtTimerA, tx.actSendReq).
		Permit(txEvtRecv1xx, TransactionStateProceeding).
		Permit(txEvtRecv2xx, TransactionStateAccepted).
		Permit(txEvtRecv300699, TransactionStateCompleted).
		Permit(txEvtTimerB, TransactionStateTerminated).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateProceeding).
		OnEntry(tx.actProceeding).
		OnEntryFrom(txEvtRecv1xx, tx.actPassRes).
		InternalTransition(txEvtRecv1xx, tx.actPassResResetC).
		Permit(txEvtRecv2xx, TransactionStateAccepted).
		Permit(txEvtRecv300699, TransactionStateCompleted).
		Permit(txEvtTimerC, TransactionStateTerminated).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateCompleted).
		OnEntry(tx.actCompleted).
		OnEntryFrom(txEvtRecv300699, tx.actPassResSendAck).
		InternalTransition(txEvtRecv300699, tx.actSendAck).
		Ignore(txEvtRecv1xx).
		Ignore(txEvtRecv2xx).
		Permit(txEvtTimerD, TransactionStateTerminated).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateAccepted).
		OnEntry(tx.actAccepted).
		OnEntryFrom(txEvtRecv2xx, tx.actPassRes).
		InternalTransition(txEvtRecv2xx, tx.actPassRes).
		Ignore(txEvtRecv1xx).
		Ignore(txEvtRecv300699).
		Permit(txEvtTimerM, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateTerminated).
		OnEntry(tx.actTerminated).
		OnEntryFrom(txEvtTimerB, tx.actTimedOut).
		OnEntryFrom(txEvtTimerC, tx.actTimedOut).
		OnEntryFrom(txEvtTranspErr, tx.actTranspErr).
		Ignore(txEvtRecv1xx).
		Ignore(txEvtRecv2xx).
		Ignore(txEvtRecv300699).
		Ignore(txEvtTranspErr).
		Ignore(txEvtTerminate)
}

// Start sends the INVITE and arms timers A and B.
func (tx *InviteClientTransaction) Start(ctx context.Context) error {
	return errtrace.Wrap(tx.start(ctx))
}

func (tx *InviteClientTransaction) actCalling(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction calling", slog.Any("transaction", tx))

	if err := tx.sendReq(ctx, tx.req); err != nil {
		return nil //nolint:nilerr
	}

	if !tx.tp.Reliable() {
		tx.startBackoff(ctx, &tx.tmrA, "A", tx.timings.TimeA(), tx.timings.T2(), tx.onTimerA)
	}
	tx.startTimer(ctx, &tx.tmrB, "B", tx.timings.TimeB(), tx.onTimerB)
	return nil
}

func (tx *InviteClientTransaction) onTimerA() {
	tx.log.LogAttrs(tx.ctx, slog.LevelDebug, "timer A expired", slog.Any("transaction", tx))

	tx.fireTimer(txEvtTimerA, TransactionStateCalling)
}

func (tx *InviteClientTransaction) onTimerB() {
	tx.log.LogAttrs(tx.ctx, slog.LevelDebug, "timer B expired", slog.Any("transaction", tx))

	tx.tmrB.Store(nil)
	tx.fireTimer(txEvtTimerB, TransactionStateCalling)
}

func (tx *InviteClientTransaction) actProceeding(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction proceeding", slog.Any("transaction", tx))

	tx.stopTimer(ctx, &tx.tmrA, "A")
	tx.stopTimer(ctx, &tx.tmrB, "B")
	tx.startTimer(ctx, &tx.tmrC, "C", tx.timings.TimeC(), tx.onTimerC)
	return nil
}

func (tx *InviteClientTransaction) actPassResResetC(ctx context.Context, args ...any) error {
	if tmr := tx.tmrC.Load(); tmr != nil {
		tmr.Reset(tx.timings.TimeC())
	}
	return errtrace.Wrap(tx.actPassRes(ctx, args...))
}

func (tx *InviteClientTransaction) onTimerC() {
	tx.log.LogAttrs(tx.ctx, slog.LevelDebug, "timer C expired", slog.Any("transaction", tx))

	tx.tmrC.Store(nil)
	tx.fireTimer(txEvtTimerC, TransactionStateProceeding)
}

func (tx *InviteClientTransaction) actPassResSendAck(ctx context.Context, args ...any) error {
	tx.actPassRes(ctx, args...) //nolint:errcheck
	tx.actSendAck(ctx, args...) //nolint:errcheck
	return nil
}

func (tx *InviteClientTransaction) actSendAck(ctx context.Context, _ ...any) error {
	ack := tx.ack.Load()
	if ack == nil {
		ack = buildNon2xxAck(tx.req, tx.LastResponse())
		tx.ack.Store(ack)
	}

	tx.log.LogAttrs(ctx, slog.LevelDebug, "send request", slog.Any("transaction", tx), slog.Any("request", ack))

	tx.sendReq(ctx, ack) //nolint:errcheck
	return nil
}

func (tx *InviteClientTransaction) stopCallingTimers(ctx context.Context) {
	tx.stopTimer(ctx, &tx.tmrA, "A")
	tx.stopTimer(ctx, &tx.tmrB, "B")
	tx.stopTimer(ctx, &tx.tmrC, "C")
}

func (tx *InviteClientTransaction) actCompleted(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction completed", slog.Any("transaction", tx))

	tx.stopCallingTimers(ctx)

	if tx.tp.Reliable() {
		// timer D is zero for reliable transports
		tx.fsm.FireCtx(ctx, txEvtTimerD) //nolint:errcheck
		return nil
	}
	tx.startTimer(ctx, &tx.tmrD, "D", tx.timings.TimeD(), tx.onTimerD)
	return nil
}

func (tx *InviteClientTransaction) onTimerD() {
	tx.log.LogAttrs(tx.ctx, slog.LevelDebug, "timer D expired", slog.Any("transaction", tx))

	tx.tmrD.Store(nil)
	tx.fireTimer(txEvtTimerD, TransactionStateCompleted)
}

func (tx *InviteClientTransaction) actAccepted(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction accepted", slog.Any("transaction", tx))

	tx.stopCallingTimers(ctx)
	tx.startTimer(ctx, &tx.tmrM, "M", tx.timings.TimeM(), tx.onTimerM)
	return nil
}

func (tx *InviteClientTransaction) onTimerM() {
	tx.log.LogAttrs(tx.ctx, slog.LevelDebug, "timer M expired", slog.Any("transaction", tx))

	tx.tmrM.Store(nil)
	tx.fireTimer(txEvtTimerM, TransactionStateAccepted)
}

func (tx *InviteClientTransaction) actTerminated(ctx context.Context, args ...any) error {
	tx.stopCallingTimers(ctx)
	tx.stopTimer(ctx, &tx.tmrD, "D")
	tx.stopTimer(ctx, &tx.tmrM, "M")

	return errtrace.Wrap(tx.clientTransact.actTerminated(ctx, args...))
}
