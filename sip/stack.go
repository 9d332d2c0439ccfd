package sip

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"net/netip"
	"sync"
	"sync/atomic"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipcore/header"
	"github.com/ghettovoice/sipcore/internal/errorutil"
	"github.com/ghettovoice/sipcore/internal/syncutil"
	"github.com/ghettovoice/sipcore/internal/timeutil"
)

// Stack is the SIP transaction and dialog engine.
//
// Transports pass inbound messages to [Stack.HandleMessage]. The stack matches them
// to transactions and dialogs, answers protocol errors on its own and delivers
// the rest to the [Listener]. The application sends requests through the stack
// and responses through server transactions.
type Stack struct {
	opts    StackOptions
	log     *slog.Logger
	sched   *timeutil.Scheduler
	timings TimingConfig
	mtr     *Metrics
	router  Router

	tpsMu sync.RWMutex
	tps   map[TransportProto]Transport

	scanner *eventScanner

	clnTxs  *TransactionTable[ClientTransaction]
	srvTxs  *TransactionTable[ServerTransaction]
	dialogs *DialogTable
	merged  *mergeIndex
	tombs   *tombstones
	acks    *pendingAckTable
	subs    *subscriptionIndex

	callLocks syncutil.KeyMutex[string]
	closed    atomic.Bool
}

// NewStack creates a stack and starts its event delivery workers.
func NewStack(opts *StackOptions) *Stack {
	s := &Stack{
		log:     opts.log(),
		sched:   opts.scheduler(),
		timings: opts.timings(),
		mtr:     opts.metrics(),
		tps:     make(map[TransportProto]Transport),
		dialogs: NewDialogTable(),
		merged:  newMergeIndex(),
		acks:    newPendingAckTable(),
		subs:    newSubscriptionIndex(),
	}
	if opts != nil {
		s.opts = *opts
	}
	s.router = opts.router(s.log)

	srvLow, srvHigh := opts.srvWaterMarks()
	cltLow, cltHigh := opts.cltWaterMarks()
	s.srvTxs = NewTransactionTable[ServerTransaction](srvLow, srvHigh, s.log)
	s.clnTxs = NewTransactionTable[ClientTransaction](cltLow, cltHigh, s.log)
	s.tombs = newTombstones(s.sched, s.timings.CancelWindow())

	s.scanner = newEventScanner(s, opts.deliveryMode(), opts.threadPoolSize())
	s.scanner.start()
	return s
}

// Metrics returns the stack metrics.
func (s *Stack) Metrics() *Metrics { return s.mtr }

// AddTransport registers a transport. Only one transport per protocol is allowed.
func (s *Stack) AddTransport(tp Transport) error {
	if tp == nil {
		return errtrace.Wrap(NewInvalidArgumentError("invalid transport"))
	}

	s.tpsMu.Lock()
	defer s.tpsMu.Unlock()

	proto := tp.Proto().ToUpper()
	if _, ok := s.tps[proto]; ok {
		return errtrace.Wrap(NewInvalidArgumentError(fmt.Sprintf("transport %s already registered", proto)))
	}
	s.tps[proto] = tp
	return nil
}

func (s *Stack) transport(proto TransportProto) (Transport, bool) {
	s.tpsMu.RLock()
	defer s.tpsMu.RUnlock()
	tp, ok := s.tps[proto.ToUpper()]
	return tp, ok
}

// SetListener sets the listener. Events raised while no listener is set are dropped.
func (s *Stack) SetListener(l Listener) { s.scanner.setListener(l) }

// Dialog returns the established dialog with the key.
func (s *Stack) Dialog(key DialogKey) (*Dialog, bool) { return s.dialogs.Get(key) }

// Dialogs iterates over established dialogs.
func (s *Stack) Dialogs() iter.Seq[*Dialog] { return s.dialogs.All() }

func (s *Stack) ClientTransaction(key TransactionKey) (ClientTransaction, bool) {
	return s.clnTxs.Get(key)
}

func (s *Stack) ServerTransaction(key TransactionKey) (ServerTransaction, bool) {
	return s.srvTxs.Get(key)
}

func (s *Stack) txOpts() *TransactionOptions {
	return &TransactionOptions{
		Timings:         s.timings,
		Scheduler:       s.sched,
		Log:             s.log,
		ResponseTimeout: s.opts.responseTimeout(),
	}
}

// HandleMessage is the entry point for inbound messages.
// Messages of one Call-ID are processed one at a time.
func (s *Stack) HandleMessage(ctx context.Context, msg Message) {
	if s.closed.Load() {
		return
	}

	s.mtr.messageReceived(msg)

	unlock := s.callLocks.Lock(CallIDOf(msg))
	defer unlock()

	switch m := msg.(type) {
	case *Request:
		stampReceived(m)
		s.filterRequest(ctx, m)
	case *Response:
		s.filterResponse(ctx, m)
	}
}

// resolve picks the first destination of the request served by a registered transport.
func (s *Stack) resolve(ctx context.Context, req *Request) (Transport, netip.AddrPort, error) {
	var seen bool
	for proto, addr := range s.router.Route(ctx, req) {
		seen = true
		if tp, ok := s.transport(proto); ok {
			return tp, addr, nil
		}
	}
	if seen {
		return nil, netip.AddrPort{}, errtrace.Wrap(ErrNoTransport)
	}
	return nil, netip.AddrPort{}, errtrace.Wrap(ErrNoTarget)
}

// prepareRequest fills the top Via and the header fields the transaction layer needs.
func (s *Stack) prepareRequest(req *Request, tp Transport) {
	local := tp.LocalAddr()
	via, ok := req.Headers.FirstVia()
	if !ok {
		hop := header.ViaHop{
			Transport: tp.Proto(),
			Host:      local.Addr().String(),
			Port:      local.Port(),
			Params:    header.Values{},
		}
		hop.Params.Set("rport", "")
		hop.SetBranch(GenerateBranch())
		req.Headers.Prepend(header.Via{hop})
	} else {
		via.Transport = tp.Proto()
		if via.Host == "" {
			via.Host = local.Addr().String()
			via.Port = local.Port()
		}
		if !via.IsRFC3261() {
			via.SetBranch(GenerateBranch())
		}
	}

	if _, ok := req.Headers.MaxForwards(); !ok {
		req.Headers.Append(header.MaxForwards(70))
	}
	if from, ok := req.Headers.From(); ok && from.Tag() == "" {
		from.SetTag(GenerateTag())
	}
	if _, ok := req.Headers.CallID(); !ok {
		req.Headers.Append(NewCallID())
	}
	req.Transport = tp.Proto()
}

// SendRequest sends an out-of-dialog request through a new client transaction.
// Dialog-creating requests get a dialog unless automatic dialog support is disabled.
// Transport failures after the transaction started are reported by [IOExceptionEvent].
func (s *Stack) SendRequest(ctx context.Context, req *Request) (ClientTransaction, error) {
	return errtrace.Wrap2(s.sendRequest(ctx, req, nil))
}

func (s *Stack) sendRequest(ctx context.Context, req *Request, d *Dialog) (ClientTransaction, error) {
	if s.closed.Load() {
		return nil, errtrace.Wrap(ErrStackClosed)
	}
	if req == nil || req.Method == RequestMethodAck {
		return nil, errtrace.Wrap(NewInvalidArgumentError("ACK is sent statelessly"))
	}

	tp, addr, err := s.resolve(ctx, req)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	return errtrace.Wrap2(s.startClientTx(ctx, req, d, tp, addr))
}

// startClientTx sends the request through a new client transaction bound to tp and addr.
func (s *Stack) startClientTx(
	ctx context.Context,
	req *Request,
	d *Dialog,
	tp Transport,
	addr netip.AddrPort,
) (ClientTransaction, error) {
	s.prepareRequest(req, tp)

	if err := s.clnTxs.Wait(ctx); err != nil {
		s.mtr.admissionRejected("client")
		return nil, errtrace.Wrap(err)
	}

	tx, err := NewClientTransaction(req, &boundTransport{tp: tp, addr: addr, log: s.log, mtr: s.mtr}, s.txOpts())
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	if _, err := s.clnTxs.Insert(tx); err != nil {
		return nil, errtrace.Wrap(err)
	}

	if d == nil && s.opts.autoDialog() && req.Method.CreatesDialog() && ToTag(req) == "" {
		d = newClientDialog(s, tx)
		s.subs.add(d)
	}
	if d != nil {
		tx.base().setDialog(d)
		d.bindClientTx(tx)
	}
	s.initClientTx(tx)

	if err := tx.Start(ctx); err != nil {
		s.clnTxs.Remove(tx)
		return nil, errtrace.Wrap(err)
	}
	return tx, nil
}

// SendCancel sends CANCEL for a pending INVITE client transaction.
// The CANCEL goes to the same destination over the same transport as the INVITE (RFC 3261 Section 9.1).
func (s *Stack) SendCancel(ctx context.Context, tx ClientTransaction) (ClientTransaction, error) {
	if s.closed.Load() {
		return nil, errtrace.Wrap(ErrStackClosed)
	}
	cancel, err := tx.CreateCancel()
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	bt := boundTransportOf(tx)
	if bt == nil {
		return errtrace.Wrap2(s.sendRequest(ctx, cancel, nil))
	}
	return errtrace.Wrap2(s.startClientTx(ctx, cancel, nil, bt.tp, bt.addr))
}

// SendStatelessRequest sends a request without a transaction, for example ACK for 2xx.
func (s *Stack) SendStatelessRequest(ctx context.Context, req *Request) error {
	if s.closed.Load() {
		return errtrace.Wrap(ErrStackClosed)
	}
	if req == nil {
		return errtrace.Wrap(NewInvalidArgumentError("nil request"))
	}

	tp, addr, err := s.resolve(ctx, req)
	if err != nil {
		return errtrace.Wrap(err)
	}
	s.prepareRequest(req, tp)

	bt := &boundTransport{tp: tp, addr: addr, log: s.log, mtr: s.mtr}
	return errtrace.Wrap(bt.SendRequest(ctx, req))
}

// SendStatelessResponse sends a response without a transaction to the address
// resolved from the top Via (RFC 3261 Section 18.2.2).
func (s *Stack) SendStatelessResponse(ctx context.Context, res *Response) error {
	if res == nil {
		return errtrace.Wrap(NewInvalidArgumentError("nil response"))
	}

	proto := res.Transport
	if proto == "" {
		if via, ok := res.Headers.FirstVia(); ok {
			proto = via.Transport
		}
	}
	tp, ok := s.transport(proto)
	if !ok {
		return errtrace.Wrap(ErrNoTransport)
	}
	addr, ok := responseAddr(res)
	if !ok {
		return errtrace.Wrap(ErrNoTarget)
	}

	bt := &boundTransport{tp: tp, addr: addr, log: s.log, mtr: s.mtr}
	return errtrace.Wrap(bt.SendResponse(ctx, res))
}

// serverTransport binds the transport the request arrived on to the response destination.
func (s *Stack) serverTransport(req *Request) (ServerTransport, bool) {
	tp, ok := s.transport(req.Transport)
	if !ok {
		return nil, false
	}
	addr, ok := responseAddr(&Response{MessageBase: MessageBase{
		Headers:    req.Headers,
		Transport:  req.Transport,
		RemoteAddr: req.RemoteAddr,
	}})
	if !ok {
		return nil, false
	}
	return &boundTransport{tp: tp, addr: addr, log: s.log, mtr: s.mtr}, true
}

func (s *Stack) initClientTx(tx ClientTransaction) {
	s.mtr.transactionCreated(tx.Type())

	tx.OnResponse(s.clientResponse)
	tx.OnTimeout(s.transactionTimeout)
	tx.OnError(s.transactionError)
	tx.OnStateChanged(func(ctx context.Context, _ Transaction, _, to TransactionState) {
		if to == TransactionStateTerminated {
			s.clientTxTerminated(ctx, tx)
		}
	})
}

func (s *Stack) initServerTx(tx ServerTransaction) {
	s.mtr.transactionCreated(tx.Type())

	if h, ok := tx.(interface{ setResponseHook(responseHook) }); ok {
		h.setResponseHook(s)
	}
	tx.OnTimeout(s.transactionTimeout)
	tx.OnError(s.transactionError)
	tx.OnStateChanged(func(ctx context.Context, _ Transaction, _, to TransactionState) {
		if to == TransactionStateTerminated {
			s.serverTxTerminated(ctx, tx)
		}
	})
}

func (s *Stack) clientResponse(ctx context.Context, tx ClientTransaction, res *Response) {
	ev := &ResponseEvent{Response: res, ClientTransaction: tx, Dialog: tx.Dialog()}
	if d := ev.Dialog; d != nil {
		out := d.clientResponse(ctx, tx, res)
		if out.absorbed {
			return
		}
		ev.Dialog = out.dialog
		ev.Retransmission = out.retransmission
		if out.forked {
			ev.ForkedResponse = true
			ev.OriginalTransaction = tx
		}
	}
	s.enqueue(CallIDOf(res), eventResponse, ev, nil)
}

func (s *Stack) transactionTimeout(_ context.Context, tx Transaction, timeout Timeout) {
	s.mtr.transactionTimeout(tx.Type(), timeout)
	s.enqueue(CallIDOf(tx.Request()), eventTimeout, &TimeoutEvent{Transaction: tx, Timeout: timeout}, nil)
}

func (s *Stack) transactionError(_ context.Context, tx Transaction, err error) {
	ev := &IOExceptionEvent{Transaction: tx, Dialog: tx.Dialog(), Err: err}
	if bt := boundTransportOf(tx); bt != nil {
		ev.Transport = bt.tp.Proto()
		ev.RemoteAddr = bt.addr
	}
	s.enqueue(CallIDOf(tx.Request()), eventIOException, ev, nil)
}

func boundTransportOf(tx Transaction) *boundTransport {
	var tp any
	switch t := tx.(type) {
	case interface{ transport() ClientTransport }:
		tp = t.transport()
	case interface{ transport() ServerTransport }:
		tp = t.transport()
	}
	bt, _ := tp.(*boundTransport)
	return bt
}

func (s *Stack) clientTxTerminated(ctx context.Context, tx ClientTransaction) {
	if !s.clnTxs.Remove(tx) {
		return
	}
	s.mtr.transactionTerminated(tx.Type(), tx.base().Age())

	if d := tx.Dialog(); d != nil {
		d.clientTxTerminated(ctx, tx)
	}
	s.enqueue(CallIDOf(tx.Request()), eventTxTerminated, &TransactionTerminatedEvent{Transaction: tx}, nil)
}

func (s *Stack) serverTxTerminated(ctx context.Context, tx ServerTransaction) {
	s.srvTxs.Remove(tx)
	s.merged.remove(tx)
	s.mtr.transactionTerminated(tx.Type(), tx.base().Age())

	if inv, ok := tx.(*InviteServerTransaction); ok {
		s.tombs.add(tx.Key())
		if res := tx.LastResponse(); res != nil && res.Status.IsSuccessful() {
			s.acks.removeTx(DialogKey{CallID: CallIDOf(res), LocalTag: ToTag(res), RemoteTag: FromTag(res)}, inv)
		}
	}
	if d := tx.Dialog(); d != nil {
		d.serverTxTerminated(tx)
	}

	if tx.PassedToListener() {
		s.enqueue(CallIDOf(tx.Request()), eventTxTerminated, &TransactionTerminatedEvent{Transaction: tx}, nil)
	}
	s.log.LogAttrs(ctx, slog.LevelDebug, "server transaction removed", slog.Any("transaction", tx))
}

// beforeResponse implements responseHook.
func (s *Stack) beforeResponse(ctx context.Context, tx ServerTransaction, res *Response) error {
	if d := tx.Dialog(); d != nil {
		return errtrace.Wrap(d.beforeResponse(ctx, tx, res))
	}
	return nil
}

// afterResponse implements responseHook.
func (s *Stack) afterResponse(ctx context.Context, tx ServerTransaction, res *Response) {
	d := tx.Dialog()
	if d != nil {
		d.afterResponse(ctx, tx, res)
	}

	inv, ok := tx.(*InviteServerTransaction)
	if !ok || !res.Status.IsSuccessful() {
		return
	}
	cseq, _ := res.Headers.CSeq()
	key := DialogKey{CallID: CallIDOf(res), LocalTag: ToTag(res), RemoteTag: FromTag(res)}
	s.acks.add(key, &pendingAck{tx: inv, dialog: d, seq: cseq.SeqNum})
}

func (s *Stack) dialogTerminated(ctx context.Context, d *Dialog, registered bool) {
	s.dialogs.Remove(d)
	s.subs.remove(d)

	s.log.LogAttrs(ctx, slog.LevelDebug, "dialog terminated", slog.Any("dialog", d))

	if !registered {
		return
	}
	s.mtr.dialogTerminated(d.Age())
	s.enqueue(d.callID, eventDialogTerminated, &DialogTerminatedEvent{Dialog: d}, nil)
}

func (s *Stack) dialogAckTimeout(ctx context.Context, d *Dialog) {
	if _, ok := dialogTimeoutHandler(s.scanner.getListener()); ok {
		s.enqueue(d.callID, eventDialogTimeout, &DialogTimeoutEvent{Dialog: d, Reason: DialogTimeoutAckNotReceived}, nil)
		return
	}
	d.terminateWithBye(ctx)
}

func (s *Stack) enqueue(callID string, kind eventKind, ev slog.LogValuer, after func()) {
	if !s.scanner.enqueue(&stackEvent{kind: kind, callID: callID, ev: ev, after: after}) && after != nil {
		after()
	}
}

// Close stops the stack. Active transactions and dialogs are terminated,
// queued events are delivered and the delivery workers are stopped.
// Transports are not closed.
func (s *Stack) Close(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	var errs []error
	for tx := range s.clnTxs.All() {
		if err := tx.Terminate(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	for tx := range s.srvTxs.All() {
		if err := tx.Terminate(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	for d := range s.dialogs.All() {
		d.terminate(ctx)
	}
	s.tombs.clear()

	done := make(chan struct{})
	go func() {
		s.scanner.close()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}

	s.log.LogAttrs(ctx, slog.LevelDebug, "stack closed")
	return errtrace.Wrap(errorutil.Join(errs...))
}

// LogValue implements [slog.LogValuer].
func (s *Stack) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("client_transactions", s.clnTxs.Len()),
		slog.Int("server_transactions", s.srvTxs.Len()),
		slog.Int("dialogs", s.dialogs.Len()),
	)
}

var _ responseHook = (*Stack)(nil)
