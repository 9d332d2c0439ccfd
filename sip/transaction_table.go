package sip

import (
	"context"
	"iter"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipcore/internal/syncutil"
	"github.com/ghettovoice/sipcore/internal/timeutil"
	"github.com/ghettovoice/sipcore/log"
)

// TransactionTable is a concurrent registry of transactions with at most one entry per key.
//
// The table applies admission control driven by low and high water marks.
// Server tables reject new entries randomly between the marks and always at or above the high mark,
// client tables make callers wait for a free slot.
type TransactionTable[T Transaction] struct {
	items     *syncutil.ShardMap[TransactionKey, T]
	low, high int
	log       *slog.Logger

	mu    sync.Mutex
	freed chan struct{}
	// full is set when the size reaches the high water mark
	// and cleared once it drops below the low one.
	full bool
}

// NewTransactionTable creates a table. Non-positive high disables admission control.
func NewTransactionTable[T Transaction](low, high int, logger *slog.Logger) *TransactionTable[T] {
	if low > high {
		low = high
	}
	if logger == nil {
		logger = log.Default()
	}
	return &TransactionTable[T]{
		items: syncutil.NewShardMap[TransactionKey, T](),
		low:   low,
		high:  high,
		log:   logger,
		freed: make(chan struct{}),
	}
}

// Admit checks whether a new server transaction can be accepted.
// Below the low water mark new entries are always admitted, between the marks they are admitted
// with probability (high-size)/(high-low) and at or above the high mark they are rejected.
func (t *TransactionTable[T]) Admit() error {
	if t.high <= 0 {
		return nil
	}

	size := t.items.Len()
	switch {
	case size < t.low:
		return nil
	case size >= t.high:
		return errtrace.Wrap(ErrTableFull)
	}
	if rand.Float64() < float64(t.high-size)/float64(t.high-t.low) { //nolint:gosec
		return nil
	}
	return errtrace.Wrap(ErrTableFull)
}

// Wait blocks while the table is full or the context is done.
// Once the high water mark is reached it waits until the size drops below the low water mark.
func (t *TransactionTable[T]) Wait(ctx context.Context) error {
	if t.high <= 0 {
		return nil
	}

	t.mu.Lock()
	full := t.full
	t.mu.Unlock()
	if !full {
		return nil
	}

	t.log.LogAttrs(ctx, slog.LevelDebug, "transaction table is full, wait for a free slot",
		slog.Int("size", t.items.Len()),
		slog.Int("high_water_mark", t.high),
		slog.Int("low_water_mark", t.low),
	)

	for {
		t.mu.Lock()
		ch, full := t.freed, t.full
		t.mu.Unlock()

		if !full {
			return nil
		}

		select {
		case <-ch:
		case <-ctx.Done():
			return errtrace.Wrap(ctx.Err())
		}
	}
}

// Insert stores the transaction unless another one with the same key exists.
// On conflict it returns the stored transaction and [ErrTransactionExists].
func (t *TransactionTable[T]) Insert(tx T) (T, error) {
	cur, loaded := t.items.GetOrSet(tx.Key(), tx)
	if loaded {
		return cur, errtrace.Wrap(ErrTransactionExists)
	}
	if t.high > 0 {
		t.mu.Lock()
		if t.items.Len() >= t.high {
			t.full = true
		}
		t.mu.Unlock()
	}
	return tx, nil
}

// Get returns the transaction stored under the key.
func (t *TransactionTable[T]) Get(key TransactionKey) (T, bool) {
	return t.items.Get(key)
}

// Remove deletes the transaction if it is still the one stored under its key.
// It returns false if the transaction was already removed.
func (t *TransactionTable[T]) Remove(tx T) bool {
	ok := t.items.DelFunc(tx.Key(), func(cur T) bool { return any(cur) == any(tx) })
	if ok {
		t.mu.Lock()
		if t.full && t.items.Len() < t.release() {
			t.full = false
		}
		close(t.freed)
		t.freed = make(chan struct{})
		t.mu.Unlock()
	}
	return ok
}

// release returns the size below which a full table accepts new entries again.
func (t *TransactionTable[T]) release() int {
	if t.low > 0 && t.low < t.high {
		return t.low
	}
	return t.high
}

// All iterates over a snapshot of the table.
func (t *TransactionTable[T]) All() iter.Seq[T] {
	return func(yield func(T) bool) {
		for _, tx := range t.items.All() {
			if !yield(tx) {
				return
			}
		}
	}
}

// Len returns the number of stored transactions.
func (t *TransactionTable[T]) Len() int { return t.items.Len() }

// mergeKey identifies requests that are the same request arriving over different paths
// (RFC 3261 Section 8.2.2.2).
type mergeKey struct {
	CallID  string
	FromTag string
	CSeqNum uint32
	Method  RequestMethod
}

func mergeKeyOf(req *Request) (mergeKey, bool) {
	cseq, ok := req.Headers.CSeq()
	if !ok {
		return mergeKey{}, false
	}
	fromTag := FromTag(req)
	if fromTag == "" {
		return mergeKey{}, false
	}
	return mergeKey{
		CallID:  CallIDOf(req),
		FromTag: fromTag,
		CSeqNum: cseq.SeqNum,
		Method:  req.Method,
	}, true
}

// mergeIndex tracks server transactions of out-of-dialog requests for loop detection.
type mergeIndex struct {
	items *syncutil.ShardMap[mergeKey, ServerTransaction]
}

func newMergeIndex() *mergeIndex {
	return &mergeIndex{items: syncutil.NewShardMap[mergeKey, ServerTransaction]()}
}

// add remembers the transaction. It returns the transaction already stored for the same request.
func (idx *mergeIndex) add(tx ServerTransaction) (ServerTransaction, bool) {
	key, ok := mergeKeyOf(tx.Request())
	if !ok {
		return nil, false
	}
	cur, loaded := idx.items.GetOrSet(key, tx)
	return cur, loaded && cur != tx
}

// merged reports whether the request is a copy of a known request that arrived via another branch.
func (idx *mergeIndex) merged(req *Request, key TransactionKey) bool {
	mk, ok := mergeKeyOf(req)
	if !ok {
		return false
	}
	tx, ok := idx.items.Get(mk)
	return ok && tx.Key() != key && tx.State() != TransactionStateTerminated
}

func (idx *mergeIndex) remove(tx ServerTransaction) {
	key, ok := mergeKeyOf(tx.Request())
	if !ok {
		return
	}
	idx.items.DelFunc(key, func(cur ServerTransaction) bool { return cur == tx })
}

// tombstones remember keys of INVITE server transactions that have already terminated,
// so that a late CANCEL is answered with 200 instead of 481.
type tombstones struct {
	items *syncutil.ShardMap[TransactionKey, *timeutil.Timer]
	sched *timeutil.Scheduler
	ttl   time.Duration
}

func newTombstones(sched *timeutil.Scheduler, ttl time.Duration) *tombstones {
	return &tombstones{
		items: syncutil.NewShardMap[TransactionKey, *timeutil.Timer](),
		sched: sched,
		ttl:   ttl,
	}
}

func (ts *tombstones) add(key TransactionKey) {
	var tmr *timeutil.Timer
	tmr = ts.sched.AfterFunc(ts.ttl, func() {
		ts.items.DelFunc(key, func(cur *timeutil.Timer) bool { return cur == tmr })
	})
	if old, loaded := ts.items.GetOrSet(key, tmr); loaded {
		tmr.Stop()
		old.Reset(ts.ttl)
	}
}

func (ts *tombstones) has(key TransactionKey) bool { return ts.items.Has(key) }

func (ts *tombstones) clear() {
	for _, tmr := range ts.items.All() {
		tmr.Stop()
	}
	ts.items.Clear()
}
