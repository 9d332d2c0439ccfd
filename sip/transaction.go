package sip

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"braces.dev/errtrace"
	"github.com/qmuntal/stateless"

	"github.com/ghettovoice/sipcore/internal/errorutil"
	"github.com/ghettovoice/sipcore/internal/timeutil"
	"github.com/ghettovoice/sipcore/internal/types"
	"github.com/ghettovoice/sipcore/log"
)

// TransactionState represents the state of a transaction.
type TransactionState string

const (
	TransactionStateCalling    TransactionState = "calling"
	TransactionStateTrying     TransactionState = "trying"
	TransactionStateProceeding TransactionState = "proceeding"
	TransactionStateAccepted   TransactionState = "accepted"
	TransactionStateCompleted  TransactionState = "completed"
	TransactionStateConfirmed  TransactionState = "confirmed"
	TransactionStateTerminated TransactionState = "terminated"
)

// TransactionType represents the kind of a transaction.
type TransactionType string

const (
	TransactionTypeClientInvite    TransactionType = "client_invite"
	TransactionTypeClientNonInvite TransactionType = "client_non_invite"
	TransactionTypeServerInvite    TransactionType = "server_invite"
	TransactionTypeServerNonInvite TransactionType = "server_non_invite"
	// TransactionTypeServerAck is the pseudo transaction wrapping an inbound 2xx ACK.
	TransactionTypeServerAck TransactionType = "server_ack"
)

func (t TransactionType) IsClient() bool {
	return t == TransactionTypeClientInvite || t == TransactionTypeClientNonInvite
}

func (t TransactionType) IsInvite() bool {
	return t == TransactionTypeClientInvite || t == TransactionTypeServerInvite
}

// Timeout describes why a timeout notification was raised.
type Timeout string

const (
	// TimeoutTransaction means the transaction timed out waiting for a response or an ACK.
	TimeoutTransaction Timeout = "transaction"
	// TimeoutRetransmit asks the application to retransmit the 2xx response itself.
	// It is raised only for INVITE server transactions with retransmission alerts enabled
	// and no dialog.
	TimeoutRetransmit Timeout = "retransmit"
)

type (
	TransactionStateHandler   = func(ctx context.Context, tx Transaction, from, to TransactionState)
	TransactionTimeoutHandler = func(ctx context.Context, tx Transaction, timeout Timeout)
	TransactionErrorHandler   = func(ctx context.Context, tx Transaction, err error)
)

// Transaction is the common interface of client and server transactions.
type Transaction interface {
	slog.LogValuer
	Key() TransactionKey
	Type() TransactionType
	State() TransactionState
	// Request returns the request that created the transaction.
	Request() *Request
	// LastResponse returns the last response sent or received by the transaction.
	LastResponse() *Response
	// Dialog returns the dialog the transaction belongs to or nil.
	Dialog() *Dialog
	ApplicationData() any
	SetApplicationData(v any)
	// Terminate moves the transaction to the terminated state.
	Terminate(ctx context.Context) error
	// Done is closed when the transaction terminates.
	Done() <-chan struct{}
	OnStateChanged(fn TransactionStateHandler) (cancel func())
	OnTimeout(fn TransactionTimeoutHandler) (cancel func())
	// OnError registers a callback for asynchronous transport errors.
	OnError(fn TransactionErrorHandler) (cancel func())

	base() *baseTransact
}

const (
	txEvtTranspErr = "transp_err"
	txEvtTerminate = "terminate"
)

// TransactionOptions contains options shared by all transaction kinds.
type TransactionOptions struct {
	// Key is the transaction key. If zero, the key is built from the request.
	Key TransactionKey
	// Timings is the SIP timing config. Zero value means defaults.
	Timings TimingConfig
	// Scheduler runs transaction timers. If nil, [timeutil.DefaultScheduler] is used.
	Scheduler *timeutil.Scheduler
	// Log is the logger. If nil, [log.Default] is used.
	Log *slog.Logger
	// ResponseTimeout is the time a server transaction waits for the application
	// to send a final response before it answers 500 on its own. Zero disables the guard.
	ResponseTimeout time.Duration
}

func (o *TransactionOptions) key() TransactionKey {
	if o == nil {
		return TransactionKey{}
	}
	return o.Key
}

func (o *TransactionOptions) timings() TimingConfig {
	if o == nil {
		return defTimingCfg
	}
	return o.Timings
}

func (o *TransactionOptions) scheduler() *timeutil.Scheduler {
	if o == nil || o.Scheduler == nil {
		return timeutil.DefaultScheduler()
	}
	return o.Scheduler
}

func (o *TransactionOptions) log() *slog.Logger {
	if o == nil || o.Log == nil {
		return log.Default()
	}
	return o.Log
}

func (o *TransactionOptions) responseTimeout() time.Duration {
	if o == nil {
		return 0
	}
	return o.ResponseTimeout
}

type appDataBox struct{ v any }

type baseTransact struct {
	typ     TransactionType
	key     TransactionKey
	impl    Transaction
	req     *Request
	timings TimingConfig
	sched   *timeutil.Scheduler
	log     *slog.Logger
	ctx     context.Context
	created time.Time

	// mu serializes state machine firing, for example an ACK racing with a CANCEL.
	mu    sync.Mutex
	fsm   *stateless.StateMachine
	state atomic.Value

	// notes are collected under mu and run after it is released.
	notes    types.Deque[func()]
	notifyMu sync.Mutex

	lastRes  atomic.Pointer[Response]
	dialog   atomic.Pointer[Dialog]
	appData  atomic.Pointer[appDataBox]
	passed   atomic.Bool
	done     chan struct{}
	doneOnce sync.Once

	onState   types.CallbackManager[TransactionStateHandler]
	onTimeout types.CallbackManager[TransactionTimeoutHandler]
	onErr     types.CallbackManager[TransactionErrorHandler]
}

type txCtxKey struct{}

// TransactionFromContext returns the transaction stored in the callback context.
func TransactionFromContext(ctx context.Context) (Transaction, bool) {
	tx, ok := ctx.Value(txCtxKey{}).(Transaction)
	return tx, ok
}

func newBaseTransact(typ TransactionType, impl Transaction, req *Request, key TransactionKey, opts *TransactionOptions) *baseTransact {
	sched := opts.scheduler()
	return &baseTransact{
		typ:     typ,
		key:     key,
		impl:    impl,
		req:     req,
		timings: opts.timings(),
		sched:   sched,
		log:     opts.log(),
		ctx:     context.WithValue(context.Background(), txCtxKey{}, impl),
		created: sched.Now(),
		done:    make(chan struct{}),
	}
}

func (tx *baseTransact) base() *baseTransact { return tx }

func (tx *baseTransact) initFSM(start TransactionState) {
	tx.state.Store(start)
	tx.fsm = stateless.NewStateMachineWithExternalStorage(
		func(context.Context) (stateless.State, error) {
			return tx.State(), nil
		},
		func(ctx context.Context, s stateless.State) error {
			from, to := tx.State(), s.(TransactionState) //nolint:forcetypeassert
			tx.state.Store(to)
			if from != to {
				tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction state changed",
					slog.Any("transaction", tx.impl),
					slog.String("from", string(from)),
					slog.String("to", string(to)),
				)
			}
			return nil
		},
		stateless.FiringQueued,
	)
}

// fire fires the trigger under the transaction lock and runs collected notifications after unlock.
// State change callbacks observe the state before and after the whole firing round
// and run after notifications queued by the actions.
func (tx *baseTransact) fire(ctx context.Context, trigger string, args ...any) error {
	tx.mu.Lock()
	from := tx.State()
	err := tx.fsm.FireCtx(ctx, trigger, args...)
	tx.queueStateChange(from)
	tx.mu.Unlock()

	tx.flushNotes()

	if err != nil {
		return errtrace.Wrap(errorutil.NewWrapperError(ErrInvalidTransactionState,
			"fire %q in state %q: %v", trigger, tx.State(), err))
	}
	return nil
}

func (tx *baseTransact) queueStateChange(from TransactionState) {
	to := tx.State()
	if from == to {
		return
	}
	tx.notify(func() {
		for fn := range tx.onState.All() {
			fn(tx.ctx, tx.impl, from, to)
		}
	})
}

// fireTimer fires a timer trigger if the transaction is still in one of the given states.
func (tx *baseTransact) fireTimer(trigger string, states ...TransactionState) {
	tx.mu.Lock()
	st := tx.State()
	ok := false
	for _, s := range states {
		if s == st {
			ok = true
			break
		}
	}
	if !ok {
		tx.mu.Unlock()
		return
	}
	err := tx.fsm.FireCtx(tx.ctx, trigger)
	tx.queueStateChange(st)
	tx.mu.Unlock()

	tx.flushNotes()

	if err != nil {
		panic(fmt.Errorf("fire %q in state %q: %w", trigger, st, err))
	}
}

func (tx *baseTransact) notify(fn func()) { tx.notes.Append(fn) }

func (tx *baseTransact) flushNotes() {
	for {
		if !tx.notifyMu.TryLock() {
			// another goroutine or an outer frame is draining
			return
		}
		for {
			fn, ok := tx.notes.PopFirst()
			if !ok {
				break
			}
			fn()
		}
		tx.notifyMu.Unlock()

		if tx.notes.IsEmpty() {
			return
		}
	}
}

func (tx *baseTransact) startTimer(
	ctx context.Context,
	slot *atomic.Pointer[timeutil.Timer],
	name string,
	d time.Duration,
	fn func(),
) {
	tmr := tx.sched.AfterFunc(d, fn)
	if old := slot.Swap(tmr); old != nil {
		old.Stop()
	}

	tx.log.LogAttrs(ctx, slog.LevelDebug,
		"timer "+name+" started",
		slog.Any("transaction", tx.impl),
		slog.Time("expires_at", tx.sched.Now().Add(tmr.Left())),
	)
}

func (tx *baseTransact) startBackoff(
	ctx context.Context,
	slot *atomic.Pointer[timeutil.Timer],
	name string,
	initial, ceiling time.Duration,
	fn func(),
) {
	tmr := tx.sched.Backoff(initial, ceiling, fn)
	if old := slot.Swap(tmr); old != nil {
		old.Stop()
	}

	tx.log.LogAttrs(ctx, slog.LevelDebug,
		"timer "+name+" started",
		slog.Any("transaction", tx.impl),
		slog.Time("expires_at", tx.sched.Now().Add(tmr.Left())),
	)
}

func (tx *baseTransact) stopTimer(ctx context.Context, slot *atomic.Pointer[timeutil.Timer], name string) {
	if tmr := slot.Swap(nil); tmr != nil && tmr.Stop() {
		tx.log.LogAttrs(ctx, slog.LevelDebug, "timer "+name+" stopped", slog.Any("transaction", tx.impl))
	}
}

func (tx *baseTransact) actTerminated(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction terminated", slog.Any("transaction", tx.impl))

	tx.doneOnce.Do(func() { close(tx.done) })
	return nil
}

func (tx *baseTransact) actTimedOut(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction timed out", slog.Any("transaction", tx.impl))

	tx.notifyTimeout(TimeoutTransaction)
	return nil
}

func (tx *baseTransact) notifyTimeout(timeout Timeout) {
	tx.notify(func() {
		for fn := range tx.onTimeout.All() {
			fn(tx.ctx, tx.impl, timeout)
		}
	})
}

func (tx *baseTransact) actTranspErr(ctx context.Context, args ...any) error {
	err, _ := args[0].(error)

	tx.log.LogAttrs(ctx, slog.LevelWarn, "transaction transport failed",
		slog.Any("transaction", tx.impl),
		slog.Any("error", err),
	)

	tx.notify(func() {
		for fn := range tx.onErr.All() {
			fn(tx.ctx, tx.impl, err)
		}
	})
	return nil
}

func (tx *baseTransact) Key() TransactionKey { return tx.key }

func (tx *baseTransact) Type() TransactionType { return tx.typ }

func (tx *baseTransact) State() TransactionState {
	st, _ := tx.state.Load().(TransactionState)
	return st
}

func (tx *baseTransact) Request() *Request { return tx.req }

// Age returns the time passed since the transaction was created.
func (tx *baseTransact) Age() time.Duration { return tx.sched.Now().Sub(tx.created) }

func (tx *baseTransact) LastResponse() *Response { return tx.lastRes.Load() }

func (tx *baseTransact) Dialog() *Dialog { return tx.dialog.Load() }

func (tx *baseTransact) setDialog(d *Dialog) { tx.dialog.Store(d) }

func (tx *baseTransact) ApplicationData() any {
	if box := tx.appData.Load(); box != nil {
		return box.v
	}
	return nil
}

func (tx *baseTransact) SetApplicationData(v any) { tx.appData.Store(&appDataBox{v}) }

func (tx *baseTransact) Done() <-chan struct{} { return tx.done }

// Terminate moves the transaction to the terminated state.
// Calling it on a terminated transaction is a no-op.
func (tx *baseTransact) Terminate(ctx context.Context) error {
	if tx.State() == TransactionStateTerminated {
		return nil
	}
	return errtrace.Wrap(tx.fire(ctx, txEvtTerminate))
}

func (tx *baseTransact) OnStateChanged(fn TransactionStateHandler) (cancel func()) {
	return tx.onState.Add(fn)
}

func (tx *baseTransact) OnTimeout(fn TransactionTimeoutHandler) (cancel func()) {
	return tx.onTimeout.Add(fn)
}

func (tx *baseTransact) OnError(fn TransactionErrorHandler) (cancel func()) {
	return tx.onErr.Add(fn)
}

// markPassed marks the transaction as delivered to the listener.
// It returns false if it was already marked.
func (tx *baseTransact) markPassed() bool { return tx.passed.CompareAndSwap(false, true) }

// PassedToListener reports whether the request of the transaction was delivered to the listener.
func (tx *baseTransact) PassedToListener() bool { return tx.passed.Load() }

// LogValue implements [slog.LogValuer].
func (tx *baseTransact) LogValue() slog.Value {
	if tx == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.Any("key", tx.key),
		slog.String("type", string(tx.typ)),
		slog.String("state", string(tx.State())),
	)
}
