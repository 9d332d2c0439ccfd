package sip

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/ghettovoice/sipcore/internal/syncutil"
	"github.com/ghettovoice/sipcore/internal/types"
)

// DeliveryMode selects how the stack dispatches events to the listener.
type DeliveryMode int

const (
	// DeliverySerialized delivers all events from one goroutine in arrival order.
	DeliverySerialized DeliveryMode = iota
	// DeliveryConcurrent delivers events from a worker pool.
	// Events of one Call-ID are still delivered in order and never concurrently.
	DeliveryConcurrent
)

func (m DeliveryMode) String() string {
	switch m {
	case DeliverySerialized:
		return "serialized"
	case DeliveryConcurrent:
		return "concurrent"
	default:
		return fmt.Sprintf("DeliveryMode(%d)", int(m))
	}
}

type eventKind string

const (
	eventRequest          eventKind = "request"
	eventResponse         eventKind = "response"
	eventTimeout          eventKind = "timeout"
	eventTxTerminated     eventKind = "transaction_terminated"
	eventDialogTerminated eventKind = "dialog_terminated"
	eventIOException      eventKind = "io_exception"
	eventDialogTimeout    eventKind = "dialog_timeout"
)

// stackEvent is a queued listener event.
type stackEvent struct {
	kind   eventKind
	callID string
	ev     slog.LogValuer
	// after runs once the event was processed by the listener.
	after func()
}

// callQueue is a FIFO of events sharing a Call-ID.
type callQueue struct {
	key string

	mu        sync.Mutex
	events    types.Deque[*stackEvent]
	scheduled bool
	dead      bool
}

// eventScanner dispatches stack events to the listener.
type eventScanner struct {
	stack   *Stack
	log     *slog.Logger
	mtr     *Metrics
	mode    DeliveryMode
	workers int

	listener atomic.Pointer[listenerBox]
	queues   *syncutil.ShardMap[string, *callQueue]

	mu     sync.Mutex
	cond   *sync.Cond
	ready  types.Deque[*callQueue]
	closed bool
	wg     sync.WaitGroup
}

type listenerBox struct{ l Listener }

func newEventScanner(s *Stack, mode DeliveryMode, workers int) *eventScanner {
	if mode == DeliverySerialized || workers <= 0 {
		workers = 1
	}
	sc := &eventScanner{
		stack:   s,
		log:     s.log,
		mtr:     s.mtr,
		mode:    mode,
		workers: workers,
		queues:  syncutil.NewShardMap[string, *callQueue](),
	}
	sc.cond = sync.NewCond(&sc.mu)
	return sc
}

func (sc *eventScanner) start() {
	for range sc.workers {
		sc.wg.Add(1)
		go sc.run()
	}
}

func (sc *eventScanner) setListener(l Listener) {
	if l == nil {
		sc.listener.Store(nil)
		return
	}
	sc.listener.Store(&listenerBox{l})
}

func (sc *eventScanner) getListener() Listener {
	if box := sc.listener.Load(); box != nil {
		return box.l
	}
	return nil
}

func (sc *eventScanner) queueKey(ev *stackEvent) string {
	if sc.mode == DeliverySerialized {
		return ""
	}
	return ev.callID
}

// enqueue adds the event to the queue of its Call-ID. It reports false after close.
func (sc *eventScanner) enqueue(ev *stackEvent) bool {
	key := sc.queueKey(ev)
	for {
		sc.mu.Lock()
		closed := sc.closed
		sc.mu.Unlock()
		if closed {
			sc.log.LogAttrs(context.Background(), slog.LevelDebug, "event scanner closed, drop event",
				slog.String("event", string(ev.kind)),
			)
			return false
		}

		q, _ := sc.queues.GetOrSet(key, &callQueue{key: key})

		q.mu.Lock()
		if q.dead {
			// the queue was retired by a worker, a fresh one will be created
			q.mu.Unlock()
			continue
		}
		q.events.Append(ev)
		schedule := !q.scheduled
		q.scheduled = true
		q.mu.Unlock()

		if schedule {
			sc.mu.Lock()
			sc.ready.Append(q)
			sc.cond.Signal()
			sc.mu.Unlock()
		}
		return true
	}
}

func (sc *eventScanner) run() {
	defer sc.wg.Done()

	for {
		sc.mu.Lock()
		for sc.ready.IsEmpty() && !sc.closed {
			sc.cond.Wait()
		}
		q, ok := sc.ready.PopFirst()
		sc.mu.Unlock()
		if !ok {
			return
		}
		sc.drain(q)
	}
}

// drain delivers the events of the queue until it is empty, then retires it.
func (sc *eventScanner) drain(q *callQueue) {
	for {
		q.mu.Lock()
		ev, ok := q.events.PopFirst()
		if !ok {
			q.scheduled = false
			q.dead = true
			sc.queues.DelFunc(q.key, func(cur *callQueue) bool { return cur == q })
			q.mu.Unlock()
			return
		}
		q.mu.Unlock()

		sc.deliver(ev)
	}
}

func (sc *eventScanner) deliver(ev *stackEvent) {
	ctx := context.Background()

	defer func() {
		if r := recover(); r != nil {
			sc.mtr.listenerPanic()
			sc.log.LogAttrs(ctx, slog.LevelError, "listener panicked",
				slog.String("event", string(ev.kind)),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
		}
		if ev.after != nil {
			ev.after()
		}
	}()

	l := sc.getListener()
	if l == nil {
		sc.log.LogAttrs(ctx, slog.LevelWarn, "no listener, drop event", slog.String("event", string(ev.kind)))
		sc.mtr.messageDropped("no_listener")
		return
	}

	sc.log.LogAttrs(ctx, slog.LevelDebug, "deliver event",
		slog.String("event", string(ev.kind)),
		slog.Any(string(ev.kind), ev.ev),
	)

	switch e := ev.ev.(type) {
	case *RequestEvent:
		if tx := e.ServerTransaction; tx != nil && !tx.base().markPassed() {
			sc.log.LogAttrs(ctx, slog.LevelDebug, "request already delivered", slog.Any("transaction", tx))
			return
		}
		if e.ServerTransaction != nil {
			ctx = context.WithValue(ctx, txCtxKey{}, e.ServerTransaction)
		}
		l.ProcessRequest(ctx, e)
		if e.Dialog != nil {
			e.Dialog.requestConsumed(e.Request)
		}
	case *ResponseEvent:
		if e.ClientTransaction != nil {
			ctx = context.WithValue(ctx, txCtxKey{}, e.ClientTransaction)
		}
		l.ProcessResponse(ctx, e)
	case *TimeoutEvent:
		l.ProcessTimeout(ctx, e)
	case *TransactionTerminatedEvent:
		l.ProcessTransactionTerminated(ctx, e)
	case *DialogTerminatedEvent:
		l.ProcessDialogTerminated(ctx, e)
	case *IOExceptionEvent:
		l.ProcessIOException(ctx, e)
	case *DialogTimeoutEvent:
		if fn, ok := dialogTimeoutHandler(l); ok {
			fn(ctx, e)
		}
	}
	sc.mtr.eventDelivered(ev.kind)
}

// close stops accepting events, lets workers drain queued ones and waits for them.
func (sc *eventScanner) close() {
	sc.mu.Lock()
	if sc.closed {
		sc.mu.Unlock()
		return
	}
	sc.closed = true
	sc.cond.Broadcast()
	sc.mu.Unlock()

	sc.wg.Wait()
}
