package sip_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ghettovoice/sipcore/sip"
)

func newTableTxs(tb testing.TB, n int) []*sip.NonInviteServerTransaction {
	tb.Helper()

	_, sched := newFakeScheduler()
	txs := make([]*sip.NonInviteServerTransaction, n)
	for i := range txs {
		txs[i] = newNonInviteServerTx(tb, &txTransport{}, &sip.TransactionOptions{Scheduler: sched},
			sip.RequestMethodOptions, fmt.Sprintf("z9hG4bK.table-%d", i))
	}
	return txs
}

func TestTransactionTable_InsertGetRemove(t *testing.T) {
	t.Parallel()

	tbl := sip.NewTransactionTable[sip.ServerTransaction](0, 0, nil)
	txs := newTableTxs(t, 2)

	for _, tx := range txs {
		if _, err := tbl.Insert(tx); err != nil {
			t.Fatalf("tbl.Insert() error = %v, want nil", err)
		}
	}
	if got, want := tbl.Len(), 2; got != want {
		t.Fatalf("tbl.Len() = %d, want %d", got, want)
	}

	dup, err := sip.NewNonInviteServerTransaction(txs[0].Request().Clone(), &txTransport{}, nil)
	if err != nil {
		t.Fatalf("sip.NewNonInviteServerTransaction() error = %v, want nil", err)
	}
	cur, err := tbl.Insert(dup)
	if !errors.Is(err, sip.ErrTransactionExists) {
		t.Fatalf("tbl.Insert(dup) error = %v, want %v", err, sip.ErrTransactionExists)
	}
	if cur != sip.ServerTransaction(txs[0]) {
		t.Fatalf("tbl.Insert(dup) = %v, want the stored transaction", cur)
	}

	got, ok := tbl.Get(txs[1].Key())
	if !ok || got != sip.ServerTransaction(txs[1]) {
		t.Fatalf("tbl.Get() = %v, %v, want %v, true", got, ok, txs[1])
	}

	// a different transaction with the same key does not evict the stored one
	if tbl.Remove(dup) {
		t.Fatal("tbl.Remove(dup) = true, want false")
	}
	if !tbl.Remove(txs[0]) {
		t.Fatal("tbl.Remove() = false, want true")
	}
	if tbl.Remove(txs[0]) {
		t.Fatal("second tbl.Remove() = true, want false")
	}

	var n int
	for range tbl.All() {
		n++
	}
	if n != 1 {
		t.Fatalf("tbl.All() yielded %d transactions, want 1", n)
	}
}

func TestTransactionTable_Admit(t *testing.T) {
	t.Parallel()

	tbl := sip.NewTransactionTable[sip.ServerTransaction](2, 4, nil)
	txs := newTableTxs(t, 4)

	for i, tx := range txs[:2] {
		if err := tbl.Admit(); err != nil {
			t.Fatalf("tbl.Admit() with %d entries error = %v, want nil", i, err)
		}
		tbl.Insert(tx) //nolint:errcheck
	}
	for _, tx := range txs[2:] {
		// between the marks admission is random
		if err := tbl.Admit(); err != nil && !errors.Is(err, sip.ErrTableFull) {
			t.Fatalf("tbl.Admit() error = %v, want nil or %v", err, sip.ErrTableFull)
		}
		tbl.Insert(tx) //nolint:errcheck
	}
	for range 10 {
		if err := tbl.Admit(); !errors.Is(err, sip.ErrTableFull) {
			t.Fatalf("tbl.Admit() at high water mark error = %v, want %v", err, sip.ErrTableFull)
		}
	}

	unlimited := sip.NewTransactionTable[sip.ServerTransaction](0, 0, nil)
	for _, tx := range txs {
		unlimited.Insert(tx) //nolint:errcheck
	}
	if err := unlimited.Admit(); err != nil {
		t.Fatalf("unlimited.Admit() error = %v, want nil", err)
	}
}

func TestTransactionTable_Wait(t *testing.T) {
	t.Parallel()

	tbl := sip.NewTransactionTable[sip.ServerTransaction](1, 2, nil)
	txs := newTableTxs(t, 2)

	if err := tbl.Wait(t.Context()); err != nil {
		t.Fatalf("tbl.Wait() on empty table error = %v, want nil", err)
	}
	for _, tx := range txs {
		tbl.Insert(tx) //nolint:errcheck
	}

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()
	if err := tbl.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("tbl.Wait() on full table error = %v, want %v", err, context.DeadlineExceeded)
	}

	done := make(chan error, 1)
	go func() { done <- tbl.Wait(t.Context()) }()

	// one free slot is not enough, the size must drop below the low water mark
	tbl.Remove(txs[0])
	late, cancelLate := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancelLate()
	if err := tbl.Wait(late); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("tbl.Wait() between the marks error = %v, want %v", err, context.DeadlineExceeded)
	}
	select {
	case err := <-done:
		t.Fatalf("tbl.Wait() returned %v before the size dropped below the low water mark", err)
	case <-time.After(50 * time.Millisecond):
	}

	tbl.Remove(txs[1])
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("tbl.Wait() error = %v, want nil", err)
		}
	case <-time.After(eventWait):
		t.Fatal("tbl.Wait() did not return after the table drained")
	}
}
