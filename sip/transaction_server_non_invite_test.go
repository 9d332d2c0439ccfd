package sip_test

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/ghettovoice/sipcore/sip"
)

func newNonInviteServerTx(
	tb testing.TB,
	tp *txTransport,
	opts *sip.TransactionOptions,
	method sip.RequestMethod,
	branch string,
) *sip.NonInviteServerTransaction {
	tb.Helper()

	req := inbound(newNonInvite(tb, method, branch, "call-"+branch, "", 1))
	tx, err := sip.NewNonInviteServerTransaction(req, tp, opts)
	if err != nil {
		tb.Fatalf("sip.NewNonInviteServerTransaction() error = %v, want nil", err)
	}
	return tx
}

func TestNonInviteServerTransaction_TimerJ(t *testing.T) {
	t.Parallel()

	clock, sched := newFakeScheduler()
	tp := &txTransport{}
	tx := newNonInviteServerTx(t, tp, &sip.TransactionOptions{Scheduler: sched}, sip.RequestMethodOptions, "z9hG4bK.srv-opt-j")
	rec := recordTx(tx)
	ctx := t.Context()

	if got, want := tx.State(), sip.TransactionStateTrying; got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}
	// nothing to resend yet
	if err := tx.RecvRequest(ctx, inbound(tx.Request().Clone())); err != nil {
		t.Fatalf("tx.RecvRequest() error = %v, want nil", err)
	}
	if got := len(tp.sentResponses()); got != 0 {
		t.Fatalf("sent responses = %d, want 0", got)
	}

	if err := tx.Respond(ctx, tx.NewResponse(sip.ResponseStatusOK, "")); err != nil {
		t.Fatalf("tx.Respond(200) error = %v, want nil", err)
	}
	if got, want := tx.State(), sip.TransactionStateCompleted; got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}
	if err := tx.RecvRequest(ctx, inbound(tx.Request().Clone())); err != nil {
		t.Fatalf("tx.RecvRequest() error = %v, want nil", err)
	}
	wantRess := []sip.ResponseStatus{sip.ResponseStatusOK, sip.ResponseStatusOK}
	if diff := cmp.Diff(wantRess, statusesOf(tp.sentResponses())); diff != "" {
		t.Fatalf("sent responses mismatch (-want +got):\n%s", diff)
	}

	if err := tx.Respond(ctx, tx.NewResponse(sip.ResponseStatusNotFound, "")); !errors.Is(err, sip.ErrInvalidTransactionState) {
		t.Fatalf("tx.Respond(404) error = %v, want %v", err, sip.ErrInvalidTransactionState)
	}

	clock.Advance(32*time.Second - time.Millisecond)
	if got, want := tx.State(), sip.TransactionStateCompleted; got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}
	clock.Advance(time.Millisecond)
	if got, want := tx.State(), sip.TransactionStateTerminated; got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}

	wantStates := []sip.TransactionState{sip.TransactionStateCompleted, sip.TransactionStateTerminated}
	if diff := cmp.Diff(wantStates, rec.states); diff != "" {
		t.Fatalf("states mismatch (-want +got):\n%s", diff)
	}
	if len(rec.timeouts) != 0 {
		t.Fatalf("timeouts = %v, want none", rec.timeouts)
	}
}

func TestNonInviteServerTransaction_Proceeding(t *testing.T) {
	t.Parallel()

	_, sched := newFakeScheduler()
	tp := &txTransport{}
	tx := newNonInviteServerTx(t, tp, &sip.TransactionOptions{Scheduler: sched}, sip.RequestMethodMessage, "z9hG4bK.srv-msg-1xx")
	ctx := t.Context()

	if err := tx.Respond(ctx, tx.NewResponse(sip.ResponseStatusTrying, "")); err != nil {
		t.Fatalf("tx.Respond(100) error = %v, want nil", err)
	}
	if got, want := tx.State(), sip.TransactionStateProceeding; got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}
	if err := tx.RecvRequest(ctx, inbound(tx.Request().Clone())); err != nil {
		t.Fatalf("tx.RecvRequest() error = %v, want nil", err)
	}
	if err := tx.Respond(ctx, tx.NewResponse(sip.ResponseStatusAccepted, "")); err != nil {
		t.Fatalf("tx.Respond(202) error = %v, want nil", err)
	}

	want := []sip.ResponseStatus{sip.ResponseStatusTrying, sip.ResponseStatusTrying, sip.ResponseStatusAccepted}
	if diff := cmp.Diff(want, statusesOf(tp.sentResponses())); diff != "" {
		t.Fatalf("sent responses mismatch (-want +got):\n%s", diff)
	}
	if got, want := tx.LastResponse().Status, sip.ResponseStatusAccepted; got != want {
		t.Fatalf("tx.LastResponse().Status = %d, want %d", got, want)
	}
}

func TestNonInviteServerTransaction_Reliable(t *testing.T) {
	t.Parallel()

	_, sched := newFakeScheduler()
	tp := &txTransport{reliable: true}
	tx := newNonInviteServerTx(t, tp, &sip.TransactionOptions{Scheduler: sched}, sip.RequestMethodBye, "z9hG4bK.srv-bye-tcp")

	if err := tx.Respond(t.Context(), tx.NewResponse(sip.ResponseStatusOK, "")); err != nil {
		t.Fatalf("tx.Respond(200) error = %v, want nil", err)
	}
	// timer J is zero on reliable transports
	if got, want := tx.State(), sip.TransactionStateTerminated; got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}
	if !isDone(tx) {
		t.Fatal("tx.Done() is not closed")
	}
}

func TestNonInviteServerTransaction_ResponseGuard(t *testing.T) {
	t.Parallel()

	clock, sched := newFakeScheduler()
	tp := &txTransport{}
	opts := &sip.TransactionOptions{Scheduler: sched, ResponseTimeout: 5 * time.Second}
	tx := newNonInviteServerTx(t, tp, opts, sip.RequestMethodInfo, "z9hG4bK.srv-info-guard")

	clock.Advance(5*time.Second - time.Millisecond)
	if got := len(tp.sentResponses()); got != 0 {
		t.Fatalf("sent responses = %d, want 0", got)
	}
	clock.Advance(time.Millisecond)
	if diff := cmp.Diff([]sip.ResponseStatus{sip.ResponseStatusServerInternalError}, statusesOf(tp.sentResponses())); diff != "" {
		t.Fatalf("sent responses mismatch (-want +got):\n%s", diff)
	}
	if got, want := tx.State(), sip.TransactionStateCompleted; got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}
}

func TestNonInviteServerTransaction_ResponseGuardStoppedByFinal(t *testing.T) {
	t.Parallel()

	clock, sched := newFakeScheduler()
	tp := &txTransport{}
	opts := &sip.TransactionOptions{Scheduler: sched, ResponseTimeout: 5 * time.Second}
	tx := newNonInviteServerTx(t, tp, opts, sip.RequestMethodInfo, "z9hG4bK.srv-info-guard-ok")

	clock.Advance(time.Second)
	if err := tx.Respond(t.Context(), tx.NewResponse(sip.ResponseStatusOK, "")); err != nil {
		t.Fatalf("tx.Respond(200) error = %v, want nil", err)
	}
	clock.Advance(10 * time.Second)
	if diff := cmp.Diff([]sip.ResponseStatus{sip.ResponseStatusOK}, statusesOf(tp.sentResponses())); diff != "" {
		t.Fatalf("sent responses mismatch (-want +got):\n%s", diff)
	}
}

func TestNewServerTransaction(t *testing.T) {
	t.Parallel()

	_, sched := newFakeScheduler()
	opts := &sip.TransactionOptions{Scheduler: sched}

	inv, err := sip.NewServerTransaction(inbound(newInvite(t, "z9hG4bK.srv-new-inv", "call-srv-new", 1)), &txTransport{}, opts)
	if err != nil {
		t.Fatalf("sip.NewServerTransaction(INVITE) error = %v, want nil", err)
	}
	if got, want := inv.Type(), sip.TransactionTypeServerInvite; got != want {
		t.Fatalf("tx.Type() = %q, want %q", got, want)
	}
	wantKey := sip.TransactionKey{Branch: "z9hG4bK.srv-new-inv", SentBy: "127.0.0.2:5070", Method: sip.RequestMethodInvite}
	if diff := cmp.Diff(wantKey, inv.Key()); diff != "" {
		t.Fatalf("tx.Key() mismatch (-want +got):\n%s", diff)
	}
	inv.Terminate(t.Context()) //nolint:errcheck

	bye, err := sip.NewServerTransaction(inbound(newNonInvite(t, sip.RequestMethodBye, "z9hG4bK.srv-new-bye", "call-srv-new", "b1", 2)), &txTransport{}, opts)
	if err != nil {
		t.Fatalf("sip.NewServerTransaction(BYE) error = %v, want nil", err)
	}
	if got, want := bye.Type(), sip.TransactionTypeServerNonInvite; got != want {
		t.Fatalf("tx.Type() = %q, want %q", got, want)
	}
	if err := bye.SendReliableProvisional(t.Context(), bye.NewResponse(sip.ResponseStatusRinging, "")); !errors.Is(err, sip.ErrInvalidArgument) {
		t.Fatalf("tx.SendReliableProvisional() error = %v, want %v", err, sip.ErrInvalidArgument)
	}
	if err := bye.EnableRetransmissionAlerts(); !errors.Is(err, sip.ErrInvalidArgument) {
		t.Fatalf("tx.EnableRetransmissionAlerts() error = %v, want %v", err, sip.ErrInvalidArgument)
	}

	ack := inbound(newNonInvite(t, sip.RequestMethodAck, "z9hG4bK.srv-new-ack", "call-srv-new", "b1", 1))
	if _, err := sip.NewServerTransaction(ack, &txTransport{}, opts); !errors.Is(err, sip.ErrInvalidArgument) {
		t.Fatalf("sip.NewServerTransaction(ACK) error = %v, want %v", err, sip.ErrInvalidArgument)
	}
}
