package sip_test

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/ghettovoice/sipcore/header"
	"github.com/ghettovoice/sipcore/sip"
)

func newInviteServerTx(tb testing.TB, tp *txTransport, opts *sip.TransactionOptions, branch string) *sip.InviteServerTransaction {
	tb.Helper()

	tx, err := sip.NewInviteServerTransaction(inbound(newInvite(tb, branch, "call-"+branch, 1)), tp, opts)
	if err != nil {
		tb.Fatalf("sip.NewInviteServerTransaction() error = %v, want nil", err)
	}
	return tx
}

func statusesOf(ress []*sip.Response) []sip.ResponseStatus {
	out := make([]sip.ResponseStatus, len(ress))
	for i, res := range ress {
		out[i] = res.Status
	}
	return out
}

func TestInviteServerTransaction_Auto100(t *testing.T) {
	t.Parallel()

	clock, sched := newFakeScheduler()
	tp := &txTransport{}
	tx := newInviteServerTx(t, tp, &sip.TransactionOptions{Scheduler: sched}, "z9hG4bK.srv-inv-100")

	if got, want := tx.State(), sip.TransactionStateProceeding; got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}

	clock.Advance(199 * time.Millisecond)
	if got := len(tp.sentResponses()); got != 0 {
		t.Fatalf("sent responses = %d, want 0", got)
	}
	clock.Advance(time.Millisecond)
	if diff := cmp.Diff([]sip.ResponseStatus{sip.ResponseStatusTrying}, statusesOf(tp.sentResponses())); diff != "" {
		t.Fatalf("sent responses mismatch (-want +got):\n%s", diff)
	}

	// a retransmitted INVITE gets the last provisional response again
	if err := tx.RecvRequest(t.Context(), inbound(tx.Request().Clone())); err != nil {
		t.Fatalf("tx.RecvRequest() error = %v, want nil", err)
	}
	if got, want := len(tp.sentResponses()), 2; got != want {
		t.Fatalf("sent responses = %d, want %d", got, want)
	}
}

func TestInviteServerTransaction_NoAuto100AfterProvisional(t *testing.T) {
	t.Parallel()

	clock, sched := newFakeScheduler()
	tp := &txTransport{}
	tx := newInviteServerTx(t, tp, &sip.TransactionOptions{Scheduler: sched}, "z9hG4bK.srv-inv-180")

	if err := tx.Respond(t.Context(), newResponse(t, tx.Request(), sip.ResponseStatusRinging, "b1")); err != nil {
		t.Fatalf("tx.Respond(180) error = %v, want nil", err)
	}
	clock.Advance(time.Second)

	if diff := cmp.Diff([]sip.ResponseStatus{sip.ResponseStatusRinging}, statusesOf(tp.sentResponses())); diff != "" {
		t.Fatalf("sent responses mismatch (-want +got):\n%s", diff)
	}
	if got, want := tx.State(), sip.TransactionStateProceeding; got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}
}

func TestInviteServerTransaction_Non2xxAckConfirmed(t *testing.T) {
	t.Parallel()

	clock, sched := newFakeScheduler()
	tp := &txTransport{}
	const branch = "z9hG4bK.srv-inv-486"
	tx := newInviteServerTx(t, tp, &sip.TransactionOptions{Scheduler: sched}, branch)
	rec := recordTx(tx)
	ctx := t.Context()

	if err := tx.Respond(ctx, newResponse(t, tx.Request(), sip.ResponseStatusBusyHere, "b1")); err != nil {
		t.Fatalf("tx.Respond(486) error = %v, want nil", err)
	}
	if got, want := tx.State(), sip.TransactionStateCompleted; got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}

	// timer G: 0.5, 1.5
	clock.Advance(1500 * time.Millisecond)
	if got, want := len(tp.sentResponses()), 3; got != want {
		t.Fatalf("sent responses = %d, want %d", got, want)
	}

	if err := tx.RecvRequest(ctx, inbound(tx.Request().Clone())); err != nil {
		t.Fatalf("tx.RecvRequest(INVITE) error = %v, want nil", err)
	}
	if got, want := len(tp.sentResponses()), 4; got != want {
		t.Fatalf("sent responses = %d, want %d", got, want)
	}

	ack := inbound(newNonInvite(t, sip.RequestMethodAck, branch, "call-"+branch, "b1", 1))
	if err := tx.RecvRequest(ctx, ack); err != nil {
		t.Fatalf("tx.RecvRequest(ACK) error = %v, want nil", err)
	}
	if got, want := tx.State(), sip.TransactionStateConfirmed; got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}

	// absorbed in confirmed
	if err := tx.RecvRequest(ctx, ack); err != nil {
		t.Fatalf("tx.RecvRequest(ACK) error = %v, want nil", err)
	}

	clock.Advance(5*time.Second - time.Millisecond)
	if got, want := tx.State(), sip.TransactionStateConfirmed; got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}
	if got, want := len(tp.sentResponses()), 4; got != want {
		t.Fatalf("sent responses = %d, want %d", got, want)
	}
	clock.Advance(time.Millisecond)
	if got, want := tx.State(), sip.TransactionStateTerminated; got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}

	wantStates := []sip.TransactionState{
		sip.TransactionStateCompleted,
		sip.TransactionStateConfirmed,
		sip.TransactionStateTerminated,
	}
	if diff := cmp.Diff(wantStates, rec.states); diff != "" {
		t.Fatalf("states mismatch (-want +got):\n%s", diff)
	}
	if len(rec.timeouts) != 0 {
		t.Fatalf("timeouts = %v, want none", rec.timeouts)
	}
	if got := clock.Pending(); got != 0 {
		t.Fatalf("clock.Pending() = %d, want 0", got)
	}
}

func TestInviteServerTransaction_TimerH(t *testing.T) {
	t.Parallel()

	clock, sched := newFakeScheduler()
	tp := &txTransport{}
	tx := newInviteServerTx(t, tp, &sip.TransactionOptions{Scheduler: sched}, "z9hG4bK.srv-inv-timer-h")
	rec := recordTx(tx)

	if err := tx.Respond(t.Context(), newResponse(t, tx.Request(), sip.ResponseStatusServerInternalError, "b1")); err != nil {
		t.Fatalf("tx.Respond(500) error = %v, want nil", err)
	}

	clock.Advance(32*time.Second - time.Millisecond)
	// initial response plus timer G at 0.5, 1.5, 3.5, 7.5, 11.5, ..., 31.5
	if got, want := len(tp.sentResponses()), 11; got != want {
		t.Fatalf("sent responses = %d, want %d", got, want)
	}
	if got, want := tx.State(), sip.TransactionStateCompleted; got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}

	clock.Advance(time.Millisecond)
	if got, want := tx.State(), sip.TransactionStateTerminated; got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}
	if diff := cmp.Diff([]sip.Timeout{sip.TimeoutTransaction}, rec.timeouts); diff != "" {
		t.Fatalf("timeouts mismatch (-want +got):\n%s", diff)
	}
	if !isDone(tx) {
		t.Fatal("tx.Done() is not closed")
	}
}

func TestInviteServerTransaction_Non2xxReliable(t *testing.T) {
	t.Parallel()

	clock, sched := newFakeScheduler()
	tp := &txTransport{reliable: true}
	const branch = "z9hG4bK.srv-inv-tcp"
	tx := newInviteServerTx(t, tp, &sip.TransactionOptions{Scheduler: sched}, branch)
	ctx := t.Context()

	if err := tx.Respond(ctx, newResponse(t, tx.Request(), sip.ResponseStatusDecline, "b1")); err != nil {
		t.Fatalf("tx.Respond(603) error = %v, want nil", err)
	}
	clock.Advance(10 * time.Second)
	if got, want := len(tp.sentResponses()), 1; got != want {
		t.Fatalf("sent responses = %d, want %d", got, want)
	}

	ack := inbound(newNonInvite(t, sip.RequestMethodAck, branch, "call-"+branch, "b1", 1))
	if err := tx.RecvRequest(ctx, ack); err != nil {
		t.Fatalf("tx.RecvRequest(ACK) error = %v, want nil", err)
	}
	// timer I is zero on reliable transports
	if got, want := tx.State(), sip.TransactionStateTerminated; got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}
}

func TestInviteServerTransaction_Accepted(t *testing.T) {
	t.Parallel()

	clock, sched := newFakeScheduler()
	tp := &txTransport{}
	tx := newInviteServerTx(t, tp, &sip.TransactionOptions{Scheduler: sched}, "z9hG4bK.srv-inv-200")
	rec := recordTx(tx)
	ctx := t.Context()

	if err := tx.Respond(ctx, newResponse(t, tx.Request(), sip.ResponseStatusOK, "b1")); err != nil {
		t.Fatalf("tx.Respond(200) error = %v, want nil", err)
	}
	if got, want := tx.State(), sip.TransactionStateAccepted; got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}

	// retransmitted INVITE is absorbed, the TU retransmits 2xx on its own
	if err := tx.RecvRequest(ctx, inbound(tx.Request().Clone())); err != nil {
		t.Fatalf("tx.RecvRequest(INVITE) error = %v, want nil", err)
	}
	clock.Advance(2 * time.Second)
	if got, want := len(tp.sentResponses()), 1; got != want {
		t.Fatalf("sent responses = %d, want %d", got, want)
	}

	if err := tx.Respond(ctx, newResponse(t, tx.Request(), sip.ResponseStatusOK, "b1")); err != nil {
		t.Fatalf("tx.Respond(200) error = %v, want nil", err)
	}
	if got, want := len(tp.sentResponses()), 2; got != want {
		t.Fatalf("sent responses = %d, want %d", got, want)
	}

	clock.Advance(30*time.Second - time.Millisecond)
	if got, want := tx.State(), sip.TransactionStateAccepted; got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}
	clock.Advance(time.Millisecond)
	if got, want := tx.State(), sip.TransactionStateTerminated; got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}
	if len(rec.timeouts) != 0 {
		t.Fatalf("timeouts = %v, want none", rec.timeouts)
	}

	if err := tx.Respond(ctx, newResponse(t, tx.Request(), sip.ResponseStatusOK, "b1")); !errors.Is(err, sip.ErrInvalidTransactionState) {
		t.Fatalf("tx.Respond(200) error = %v, want %v", err, sip.ErrInvalidTransactionState)
	}
}

func TestInviteServerTransaction_RetransmissionAlerts(t *testing.T) {
	t.Parallel()

	clock, sched := newFakeScheduler()
	tp := &txTransport{}
	const branch = "z9hG4bK.srv-inv-alerts"
	tx := newInviteServerTx(t, tp, &sip.TransactionOptions{Scheduler: sched}, branch)
	rec := recordTx(tx)
	ctx := t.Context()

	if err := tx.EnableRetransmissionAlerts(); err != nil {
		t.Fatalf("tx.EnableRetransmissionAlerts() error = %v, want nil", err)
	}
	if err := tx.Respond(ctx, newResponse(t, tx.Request(), sip.ResponseStatusOK, "b1")); err != nil {
		t.Fatalf("tx.Respond(200) error = %v, want nil", err)
	}

	// alerts back off like timer G: 0.5, 1.5, 3.5, 7.5
	clock.Advance(8 * time.Second)
	want := []sip.Timeout{
		sip.TimeoutRetransmit,
		sip.TimeoutRetransmit,
		sip.TimeoutRetransmit,
		sip.TimeoutRetransmit,
	}
	if diff := cmp.Diff(want, rec.timeouts); diff != "" {
		t.Fatalf("timeouts mismatch (-want +got):\n%s", diff)
	}

	ack := inbound(newNonInvite(t, sip.RequestMethodAck, branch, "call-"+branch, "b1", 1))
	if err := tx.RecvRequest(ctx, ack); err != nil {
		t.Fatalf("tx.RecvRequest(ACK) error = %v, want nil", err)
	}
	clock.Advance(10 * time.Second)
	if diff := cmp.Diff(want, rec.timeouts); diff != "" {
		t.Fatalf("timeouts mismatch (-want +got):\n%s", diff)
	}
	if got, want := tx.State(), sip.TransactionStateAccepted; got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}
}

func TestInviteServerTransaction_ReliableProvisional(t *testing.T) {
	t.Parallel()

	clock, sched := newFakeScheduler()
	tp := &txTransport{}
	tx := newInviteServerTx(t, tp, &sip.TransactionOptions{Scheduler: sched}, "z9hG4bK.srv-inv-100rel")
	ctx := t.Context()

	if err := tx.SendReliableProvisional(ctx, newResponse(t, tx.Request(), sip.ResponseStatusTrying, "")); !errors.Is(err, sip.ErrInvalidArgument) {
		t.Fatalf("tx.SendReliableProvisional(100) error = %v, want %v", err, sip.ErrInvalidArgument)
	}

	if err := tx.SendReliableProvisional(ctx, newResponse(t, tx.Request(), sip.ResponseStatusSessionProgress, "b1")); err != nil {
		t.Fatalf("tx.SendReliableProvisional(183) error = %v, want nil", err)
	}
	if !tx.HasPendingReliableResponse() {
		t.Fatal("tx.HasPendingReliableResponse() = false, want true")
	}
	err := tx.SendReliableProvisional(ctx, newResponse(t, tx.Request(), sip.ResponseStatusRinging, "b1"))
	if !errors.Is(err, sip.ErrConcurrentReliableResponse) {
		t.Fatalf("tx.SendReliableProvisional(180) error = %v, want %v", err, sip.ErrConcurrentReliableResponse)
	}

	ress := tp.sentResponses()
	if got, want := len(ress), 1; got != want {
		t.Fatalf("sent responses = %d, want %d", got, want)
	}
	rseq, ok := ress[0].Headers.RSeq()
	if !ok || rseq == 0 {
		t.Fatalf("RSeq = %d, %v, want non-zero", rseq, ok)
	}
	if !ress[0].Headers.HasOption("Require", header.Option100rel) {
		t.Fatal("Require: 100rel is missing")
	}

	// retransmitted at 0.5, 1.5, 3.5, 7.5, 15.5, 31.5 without a ceiling,
	// then abandoned with 500 at 64*T1
	clock.Advance(32 * time.Second)
	want := []sip.ResponseStatus{
		sip.ResponseStatusSessionProgress,
		sip.ResponseStatusSessionProgress,
		sip.ResponseStatusSessionProgress,
		sip.ResponseStatusSessionProgress,
		sip.ResponseStatusSessionProgress,
		sip.ResponseStatusSessionProgress,
		sip.ResponseStatusSessionProgress,
		sip.ResponseStatusServerInternalError,
	}
	ress = tp.sentResponses()
	if diff := cmp.Diff(want, statusesOf(ress)); diff != "" {
		t.Fatalf("sent responses mismatch (-want +got):\n%s", diff)
	}
	for _, res := range ress[:len(ress)-1] {
		if got, _ := res.Headers.RSeq(); got != rseq {
			t.Fatalf("retransmitted RSeq = %d, want %d", got, rseq)
		}
	}
	if got, want := tx.State(), sip.TransactionStateCompleted; got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}
	if tx.HasPendingReliableResponse() {
		t.Fatal("tx.HasPendingReliableResponse() = true, want false")
	}
}

func TestInviteServerTransaction_TransportError(t *testing.T) {
	t.Parallel()

	_, sched := newFakeScheduler()
	tp := &txTransport{}
	tx := newInviteServerTx(t, tp, &sip.TransactionOptions{Scheduler: sched}, "z9hG4bK.srv-inv-tp-err")
	rec := recordTx(tx)

	tp.failWith(errSendFailed)
	tx.Respond(t.Context(), newResponse(t, tx.Request(), sip.ResponseStatusNotFound, "b1")) //nolint:errcheck

	if got, want := tx.State(), sip.TransactionStateTerminated; got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}
	if got, want := len(rec.errs), 1; got != want {
		t.Fatalf("errors = %d, want %d", got, want)
	}
	if !errors.Is(rec.errs[0], errSendFailed) {
		t.Fatalf("error = %v, want %v", rec.errs[0], errSendFailed)
	}
}

func TestInviteServerTransaction_RespondForeignResponse(t *testing.T) {
	t.Parallel()

	_, sched := newFakeScheduler()
	tp := &txTransport{}
	tx := newInviteServerTx(t, tp, &sip.TransactionOptions{Scheduler: sched}, "z9hG4bK.srv-inv-foreign")

	other := newInvite(t, "z9hG4bK.other", "call-other", 1)
	err := tx.Respond(t.Context(), newResponse(t, other, sip.ResponseStatusOK, "b1"))
	if !errors.Is(err, sip.ErrInvalidArgument) {
		t.Fatalf("tx.Respond() error = %v, want %v", err, sip.ErrInvalidArgument)
	}
	if got := len(tp.sentResponses()); got != 0 {
		t.Fatalf("sent responses = %d, want 0", got)
	}

	if _, err := sip.NewInviteServerTransaction(newNonInvite(t, sip.RequestMethodBye, "z9hG4bK.bye", "call-other", "b1", 2), tp, nil); !errors.Is(err, sip.ErrInvalidArgument) {
		t.Fatalf("sip.NewInviteServerTransaction(BYE) error = %v, want %v", err, sip.ErrInvalidArgument)
	}
}
