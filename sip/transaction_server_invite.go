package sip

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"sync/atomic"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipcore/header"
	"github.com/ghettovoice/sipcore/internal/timeutil"
	"github.com/ghettovoice/sipcore/internal/util"
)

// InviteServerTransaction implements the INVITE server transaction of RFC 3261 Section 17.2.1
// with the Accepted state of RFC 6026 and reliable provisional responses of RFC 3262.
type InviteServerTransaction struct {
	*serverTransact

	tmr1xx      atomic.Pointer[timeutil.Timer]
	tmrG        atomic.Pointer[timeutil.Timer]
	tmrH        atomic.Pointer[timeutil.Timer]
	tmrI        atomic.Pointer[timeutil.Timer]
	tmrL        atomic.Pointer[timeutil.Timer]
	tmrAlert    atomic.Pointer[timeutil.Timer]
	tmrRel      atomic.Pointer[timeutil.Timer]
	tmrRelAbort atomic.Pointer[timeutil.Timer]

	alerts  atomic.Bool
	ackSeen atomic.Bool
	// rseq is the RSeq of the next reliable provisional response.
	rseq  atomic.Uint32
	rel   atomic.Pointer[reliableProvisional]
	relMu sync.Mutex
}

type reliableProvisional struct {
	res  *Response
	rseq uint32
}

// NewInviteServerTransaction creates an INVITE server transaction in the proceeding state.
// A 100 Trying response is sent automatically if the application does not respond within Time100.
func NewInviteServerTransaction(req *Request, tp ServerTransport, opts *TransactionOptions) (*InviteServerTransaction, error) {
	if req == nil || req.Method != RequestMethodInvite {
		return nil, errtrace.Wrap(NewInvalidArgumentError(ErrMethodNotAllowed))
	}

	tx := new(InviteServerTransaction)
	srvTx, err := newServerTransact(TransactionTypeServerInvite, tx, req, tp, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	tx.serverTransact = srvTx
	// RFC 3262 Section 3: the initial RSeq is below 2**31
	tx.rseq.Store(util.RandUint32()&0x7fffffff | 1)

	tx.initFSM(TransactionStateProceeding)
	tx.actProceeding(tx.ctx) //nolint:errcheck
	tx.startResponseGuard(tx.ctx, opts.responseTimeout())
	return tx, nil
}

const (
	txEvtRecvAck    = "recv_ack"
	txEvtTimer1xx   = "timer_1xx"
	txEvtTimerG     = "timer_g"
	txEvtTimerH     = "timer_h"
	txEvtTimerI     = "timer_i"
	txEvtTimerL     = "timer_l"
	txEvtTimerAlert = "timer_alert"
	txEvtTimerRel   = "timer_rel"
)

func (tx *InviteServerTransaction) initFSM(start TransactionState) {
	tx.serverTransact.initFSM(start)

	tx.fsm.SetTriggerParameters(txEvtRecvAck, reflect.TypeOf((*Request)(nil)))

	tx.fsm.Configure(TransactionStateProceeding).
		InternalTransition(txEvtRecvReq, tx.actResendRes).
		InternalTransition(txEvtSend1xx, tx.actSendRes).
		InternalTransition(txEvtTimer1xx, tx.actSend100).
		InternalTransition(txEvtTimerRel, tx.actResendRel).
		Ignore(txEvtRecvAck).
		Permit(txEvtSend2xx, TransactionStateAccepted).
		Permit(txEvtSend300699, TransactionStateCompleted).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateAccepted).
		OnEntry(tx.actAccepted).
		OnEntryFrom(txEvtSend2xx, tx.actSendRes).
		InternalTransition(txEvtSend2xx, tx.actSendRes).
		InternalTransition(txEvtRecvAck, tx.actPassAck).
		InternalTransition(txEvtTimerAlert, tx.actAlert).
		InternalTransition(txEvtTranspErr, tx.actTranspErr).
		Ignore(txEvtRecvReq).
		Ignore(txEvtTimerRel).
		Permit(txEvtTimerL, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateCompleted).
		OnEntry(tx.actCompleted).
		OnEntryFrom(txEvtSend300699, tx.actSendRes).
		InternalTransition(txEvtRecvReq, tx.actResendRes).
		InternalTransition(txEvtTimerG, tx.actResendRes).
		Ignore(txEvtTimerRel).
		Permit(txEvtRecvAck, TransactionStateConfirmed).
		Permit(txEvtTimerH, TransactionStateTerminated).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateConfirmed).
		OnEntry(tx.actConfirmed).
		Ignore(txEvtRecvReq).
		Ignore(txEvtRecvAck).
		Permit(txEvtTimerI, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateTerminated).
		OnEntry(tx.actTerminated).
		OnEntryFrom(txEvtTimerH, tx.actTimedOut).
		OnEntryFrom(txEvtTranspErr, tx.actTranspErr).
		Ignore(txEvtRecvReq).
		Ignore(txEvtRecvAck).
		Ignore(txEvtTranspErr).
		Ignore(txEvtTerminate)
}

func (tx *InviteServerTransaction) actProceeding(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction proceeding", slog.Any("transaction", tx))

	tx.startTimer(ctx, &tx.tmr1xx, "1xx", tx.timings.Time100(), tx.onTimer1xx)
	return nil
}

func (tx *InviteServerTransaction) onTimer1xx() {
	tx.log.LogAttrs(tx.ctx, slog.LevelDebug, "1xx timer expired", slog.Any("transaction", tx))

	tx.tmr1xx.Store(nil)
	tx.fireTimer(txEvtTimer1xx, TransactionStateProceeding)
}

func (tx *InviteServerTransaction) actSend100(ctx context.Context, _ ...any) error {
	if tx.LastResponse() != nil {
		return nil
	}

	res := tx.NewResponse(ResponseStatusTrying, "")

	tx.log.LogAttrs(ctx, slog.LevelDebug, "send response", slog.Any("transaction", tx), slog.Any("response", res))

	tx.lastRes.Store(res)
	tx.sendRes(ctx, res) //nolint:errcheck
	return nil
}

func (tx *InviteServerTransaction) actSendRes(ctx context.Context, args ...any) error {
	tx.stopTimer(ctx, &tx.tmr1xx, "1xx")

	return errtrace.Wrap(tx.serverTransact.actSendRes(ctx, args...))
}

// SendReliableProvisional sends a provisional response reliably as described in RFC 3262.
// The response gets the RSeq and Require: 100rel header fields and is retransmitted
// until a matching PRACK arrives. If no PRACK arrives within 64*T1 the transaction answers 500.
// Only one reliable provisional response can be outstanding at a time.
func (tx *InviteServerTransaction) SendReliableProvisional(ctx context.Context, res *Response) error {
	if res == nil || !res.Status.IsProvisional() || res.Status == ResponseStatusTrying {
		return errtrace.Wrap(NewInvalidArgumentError("reliable response must be 101-199"))
	}
	if st := tx.State(); st != TransactionStateProceeding {
		return errtrace.Wrap(fmt.Errorf("%w: can not send reliable response in state %q", ErrInvalidTransactionState, st))
	}

	tx.relMu.Lock()
	if tx.rel.Load() != nil {
		tx.relMu.Unlock()
		return errtrace.Wrap(ErrConcurrentReliableResponse)
	}
	rp := &reliableProvisional{res: res, rseq: tx.rseq.Add(1) - 1}
	tx.rel.Store(rp)
	tx.relMu.Unlock()

	res.Headers.Set(header.RSeq(rp.rseq))
	if !res.Headers.HasOption("Require", header.Option100rel) {
		res.Headers.Append(header.Require{header.Option100rel})
	}

	if err := tx.Respond(ctx, res); err != nil {
		// RSeq values of sent responses must stay contiguous (RFC 3262 Section 3)
		tx.relMu.Lock()
		tx.rseq.CompareAndSwap(rp.rseq+1, rp.rseq)
		tx.rel.CompareAndSwap(rp, nil)
		tx.relMu.Unlock()
		res.Headers.Del("RSeq")
		return errtrace.Wrap(err)
	}

	tx.startBackoff(ctx, &tx.tmrRel, "reliable 1xx", tx.timings.T1(), 0, tx.onTimerRel)
	tx.startTimer(ctx, &tx.tmrRelAbort, "reliable 1xx abort", tx.timings.PrackWait(), tx.onTimerRelAbort)
	return nil
}

func (tx *InviteServerTransaction) onTimerRel() {
	tx.fireTimer(txEvtTimerRel, TransactionStateProceeding)
}

func (tx *InviteServerTransaction) actResendRel(ctx context.Context, _ ...any) error {
	rp := tx.rel.Load()
	if rp == nil {
		return nil
	}

	tx.log.LogAttrs(ctx, slog.LevelDebug, "re-send reliable response", slog.Any("transaction", tx), slog.Any("response", rp.res))

	tx.sendRes(ctx, rp.res) //nolint:errcheck
	return nil
}

func (tx *InviteServerTransaction) onTimerRelAbort() {
	tx.tmrRelAbort.Store(nil)

	rp := tx.rel.Load()
	if rp == nil || !tx.rel.CompareAndSwap(rp, nil) {
		return
	}
	tx.stopTimer(tx.ctx, &tx.tmrRel, "reliable 1xx")

	if tx.State() != TransactionStateProceeding {
		return
	}

	tx.log.LogAttrs(tx.ctx, slog.LevelWarn, "reliable response was not acknowledged, answer 500",
		slog.Any("transaction", tx),
		slog.Uint64("rseq", uint64(rp.rseq)),
	)

	if err := tx.Respond(tx.ctx, tx.NewResponse(ResponseStatusServerInternalError, "")); err != nil {
		tx.log.LogAttrs(tx.ctx, slog.LevelWarn, "failed to send response",
			slog.Any("transaction", tx),
			slog.Any("error", err),
		)
	}
}

// matchPrack acknowledges the outstanding reliable provisional response
// if the RAck of the PRACK matches it (RFC 3262 Section 7.2).
func (tx *InviteServerTransaction) matchPrack(prack *Request) bool {
	rack, ok := prack.Headers.RAck()
	if !ok {
		return false
	}
	cseq, _ := tx.req.Headers.CSeq()
	rp := tx.rel.Load()
	if rp == nil ||
		rack.RSeq != rp.rseq ||
		rack.CSeqNum != cseq.SeqNum ||
		rack.Method.ToUpper() != RequestMethodInvite {
		return false
	}
	if !tx.rel.CompareAndSwap(rp, nil) {
		return false
	}

	tx.stopReliableTimers(tx.ctx)
	return true
}

// HasPendingReliableResponse reports whether a reliable provisional response waits for PRACK.
func (tx *InviteServerTransaction) HasPendingReliableResponse() bool { return tx.rel.Load() != nil }

func (tx *InviteServerTransaction) stopReliableTimers(ctx context.Context) {
	tx.stopTimer(ctx, &tx.tmrRel, "reliable 1xx")
	tx.stopTimer(ctx, &tx.tmrRelAbort, "reliable 1xx abort")
}

// EnableRetransmissionAlerts makes the transaction raise [TimeoutRetransmit] notifications
// after a 2xx response until the ACK arrives. Alerts are raised only while no dialog
// owns the transaction, since a dialog retransmits 2xx responses itself.
func (tx *InviteServerTransaction) EnableRetransmissionAlerts() error {
	if st := tx.State(); st == TransactionStateTerminated {
		return errtrace.Wrap(fmt.Errorf("%w: transaction terminated", ErrInvalidTransactionState))
	}
	tx.alerts.Store(true)
	return nil
}

func (tx *InviteServerTransaction) actAccepted(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction accepted", slog.Any("transaction", tx))

	tx.stopTimer(ctx, &tx.tmr1xx, "1xx")
	tx.rel.Store(nil)
	tx.stopReliableTimers(ctx)

	tx.startTimer(ctx, &tx.tmrL, "L", tx.timings.TimeL(), tx.onTimerL)
	if tx.alerts.Load() && tx.Dialog() == nil {
		tx.startBackoff(ctx, &tx.tmrAlert, "retransmit alert", tx.timings.T1(), tx.timings.T2(), tx.onTimerAlert)
	}
	return nil
}

func (tx *InviteServerTransaction) onTimerAlert() {
	tx.fireTimer(txEvtTimerAlert, TransactionStateAccepted)
}

func (tx *InviteServerTransaction) actAlert(ctx context.Context, _ ...any) error {
	if tx.ackSeen.Load() || tx.Dialog() != nil {
		tx.stopTimer(ctx, &tx.tmrAlert, "retransmit alert")
		return nil
	}

	tx.log.LogAttrs(ctx, slog.LevelDebug, "retransmit alert", slog.Any("transaction", tx))

	tx.notifyTimeout(TimeoutRetransmit)
	return nil
}

func (tx *InviteServerTransaction) actPassAck(ctx context.Context, args ...any) error {
	ack := args[0].(*Request) //nolint:forcetypeassert

	tx.log.LogAttrs(ctx, slog.LevelDebug, "2xx ACK received", slog.Any("transaction", tx), slog.Any("ack", ack))

	tx.ackSeen.Store(true)
	tx.stopTimer(ctx, &tx.tmrAlert, "retransmit alert")
	return nil
}

// ackReceived tells the transaction that the ACK for its 2xx response arrived.
func (tx *InviteServerTransaction) ackReceived(ctx context.Context, ack *Request) {
	if tx.State() != TransactionStateAccepted {
		return
	}
	tx.fire(ctx, txEvtRecvAck, ack) //nolint:errcheck
}

func (tx *InviteServerTransaction) onTimerL() {
	tx.log.LogAttrs(tx.ctx, slog.LevelDebug, "timer L expired", slog.Any("transaction", tx))

	tx.tmrL.Store(nil)
	tx.fireTimer(txEvtTimerL, TransactionStateAccepted)
}

func (tx *InviteServerTransaction) actCompleted(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction completed", slog.Any("transaction", tx))

	tx.stopTimer(ctx, &tx.tmr1xx, "1xx")
	tx.rel.Store(nil)
	tx.stopReliableTimers(ctx)

	if !tx.tp.Reliable() {
		tx.startBackoff(ctx, &tx.tmrG, "G", tx.timings.TimeG(), tx.timings.T2(), tx.onTimerG)
	}
	tx.startTimer(ctx, &tx.tmrH, "H", tx.timings.TimeH(), tx.onTimerH)
	return nil
}

func (tx *InviteServerTransaction) onTimerG() {
	tx.log.LogAttrs(tx.ctx, slog.LevelDebug, "timer G expired", slog.Any("transaction", tx))

	tx.fireTimer(txEvtTimerG, TransactionStateCompleted)
}

func (tx *InviteServerTransaction) onTimerH() {
	tx.log.LogAttrs(tx.ctx, slog.LevelDebug, "timer H expired", slog.Any("transaction", tx))

	tx.tmrH.Store(nil)
	tx.fireTimer(txEvtTimerH, TransactionStateCompleted)
}

func (tx *InviteServerTransaction) actConfirmed(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction confirmed", slog.Any("transaction", tx))

	tx.stopTimer(ctx, &tx.tmrG, "G")
	tx.stopTimer(ctx, &tx.tmrH, "H")

	if tx.tp.Reliable() {
		// timer I is zero for reliable transports
		tx.fsm.FireCtx(ctx, txEvtTimerI) //nolint:errcheck
		return nil
	}
	tx.startTimer(ctx, &tx.tmrI, "I", tx.timings.TimeI(), tx.onTimerI)
	return nil
}

func (tx *InviteServerTransaction) onTimerI() {
	tx.log.LogAttrs(tx.ctx, slog.LevelDebug, "timer I expired", slog.Any("transaction", tx))

	tx.tmrI.Store(nil)
	tx.fireTimer(txEvtTimerI, TransactionStateConfirmed)
}

func (tx *InviteServerTransaction) actTerminated(ctx context.Context, args ...any) error {
	tx.stopTimer(ctx, &tx.tmr1xx, "1xx")
	tx.stopTimer(ctx, &tx.tmrG, "G")
	tx.stopTimer(ctx, &tx.tmrH, "H")
	tx.stopTimer(ctx, &tx.tmrI, "I")
	tx.stopTimer(ctx, &tx.tmrL, "L")
	tx.stopTimer(ctx, &tx.tmrAlert, "retransmit alert")
	tx.rel.Store(nil)
	tx.stopReliableTimers(ctx)

	return errtrace.Wrap(tx.serverTransact.actTerminated(ctx, args...))
}
