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
	"github.com/samber/lo"

	"github.com/ghettovoice/sipcore/header"
	"github.com/ghettovoice/sipcore/internal/timeutil"
	"github.com/ghettovoice/sipcore/internal/util"
	"github.com/ghettovoice/sipcore/uri"
)

// DialogState represents the state of a dialog.
type DialogState string

const (
	DialogStateNull       DialogState = "null"
	DialogStateEarly      DialogState = "early"
	DialogStateConfirmed  DialogState = "confirmed"
	DialogStateTerminated DialogState = "terminated"
)

// DialogKey identifies a dialog from the local point of view (RFC 3261 Section 12).
type DialogKey struct {
	CallID    string
	LocalTag  string
	RemoteTag string
}

// IsValid reports whether all parts of the key are set.
func (k DialogKey) IsValid() bool {
	return k.CallID != "" && k.LocalTag != "" && k.RemoteTag != ""
}

func (k DialogKey) String() string {
	return k.CallID + "|" + k.LocalTag + "|" + k.RemoteTag
}

// LogValue implements [slog.LogValuer].
func (k DialogKey) LogValue() slog.Value { return slog.StringValue(k.String()) }

// inboundDialogKey returns the key of the dialog an inbound message belongs to.
// Requests carry the local tag in To, responses carry it in From.
func inboundDialogKey(msg Message) DialogKey {
	switch msg.(type) {
	case *Response:
		return DialogKey{CallID: CallIDOf(msg), LocalTag: FromTag(msg), RemoteTag: ToTag(msg)}
	default:
		return DialogKey{CallID: CallIDOf(msg), LocalTag: ToTag(msg), RemoteTag: FromTag(msg)}
	}
}

const (
	dlgEvtEarly     = "early"
	dlgEvtConfirm   = "confirm"
	dlgEvtTerminate = "terminate"
)

// Dialog is a peer-to-peer SIP relationship created by INVITE, SUBSCRIBE or REFER.
//
// The dialog keeps the route set, remote target and CSeq counters,
// retransmits 2xx responses to INVITE on the UAS side until the ACK arrives
// and caches the last ACK on the UAC side to answer 2xx retransmissions.
type Dialog struct {
	stack  *Stack
	log    *slog.Logger
	method RequestMethod
	server bool
	callID string
	secure bool
	done   chan struct{}

	mu    sync.Mutex
	fsm   *stateless.StateMachine
	state atomic.Value

	localTag     string
	remoteTag    string
	localAddr    header.NameAddr
	remoteAddr   header.NameAddr
	remoteTarget *uri.SIP
	routeSet     []header.NameAddr
	localSeq     uint32
	remoteSeq    uint32
	remoteSeqSet bool
	event        string

	firstTx      Transaction
	txs          map[Transaction]struct{}
	forks        []*Dialog
	registered   bool
	establishAt  time.Time
	terminateBye bool

	lastRes *Response
	ackCSeq uint32
	ackSeen bool
	srvTp   ServerTransport
	lastAck *Request

	pendingCltInv ClientTransaction
	pendingSrvInv *InviteServerTransaction

	tmr2xx  atomic.Pointer[timeutil.Timer]
	tmrAck  atomic.Pointer[timeutil.Timer]
	appData atomic.Pointer[appDataBox]
}

// newClientDialog creates the UAC side dialog of an outgoing dialog-creating request.
// The dialog stays in the null state until a response with a To tag arrives.
func newClientDialog(s *Stack, tx ClientTransaction) *Dialog {
	req := tx.Request()
	from, _ := req.Headers.From()
	to, _ := req.Headers.To()
	cseq, _ := req.Headers.CSeq()

	d := &Dialog{
		stack:        s,
		log:          s.log,
		method:       req.Method,
		callID:       CallIDOf(req),
		secure:       req.URI.Secured,
		done:         make(chan struct{}),
		localTag:     from.Tag(),
		localAddr:    header.NameAddr(*from).Clone(),
		remoteAddr:   header.NameAddr(*to).Clone(),
		remoteTarget: req.URI.Clone(),
		localSeq:     cseq.SeqNum,
		firstTx:      tx,
		txs:          map[Transaction]struct{}{tx: {}},
		terminateBye: true,
		event:        subscriptionEvent(req),
	}
	d.remoteAddr.Params.Del("tag")
	d.initFSM()
	return d
}

// newServerDialog creates the UAS side dialog of an inbound dialog-creating request.
// The local tag is generated now and stamped into every response of the first transaction.
func newServerDialog(s *Stack, tx ServerTransaction) *Dialog {
	req := tx.Request()
	from, _ := req.Headers.From()
	to, _ := req.Headers.To()
	cseq, _ := req.Headers.CSeq()

	d := &Dialog{
		stack:        s,
		log:          s.log,
		method:       req.Method,
		server:       true,
		callID:       CallIDOf(req),
		secure:       req.URI.Secured,
		done:         make(chan struct{}),
		localTag:     GenerateTag(),
		remoteTag:    from.Tag(),
		localAddr:    header.NameAddr(*to).Clone(),
		remoteAddr:   header.NameAddr(*from).Clone(),
		routeSet:     cloneRoutes(req.Headers.RecordRoutes()),
		remoteSeq:    cseq.SeqNum,
		remoteSeqSet: true,
		firstTx:      tx,
		txs:          map[Transaction]struct{}{tx: {}},
		terminateBye: true,
		event:        subscriptionEvent(req),
	}
	d.localAddr.Params.Del("tag")
	d.remoteAddr.Params.Del("tag")
	if contacts := req.Headers.Contacts(); len(contacts) > 0 {
		d.remoteTarget = contacts[0].URI.Clone()
	}
	d.initFSM()
	return d
}

func subscriptionEvent(req *Request) string {
	switch req.Method {
	case RequestMethodRefer:
		return "refer"
	case RequestMethodSubscribe:
		if ev, ok := req.Headers.Event(); ok {
			return util.LCase(ev.Type)
		}
	}
	return ""
}

func cloneRoutes(addrs []header.NameAddr) []header.NameAddr {
	return lo.Map(addrs, func(addr header.NameAddr, _ int) header.NameAddr { return addr.Clone() })
}

func (d *Dialog) initFSM() {
	d.state.Store(DialogStateNull)
	d.fsm = stateless.NewStateMachineWithExternalStorage(
		func(context.Context) (stateless.State, error) {
			return d.State(), nil
		},
		func(ctx context.Context, s stateless.State) error {
			from, to := d.State(), s.(DialogState) //nolint:forcetypeassert
			d.state.Store(to)
			if from != to {
				d.log.LogAttrs(ctx, slog.LevelDebug, "dialog state changed",
					slog.Any("dialog", d),
					slog.String("from", string(from)),
					slog.String("to", string(to)),
				)
			}
			return nil
		},
		stateless.FiringImmediate,
	)

	d.fsm.Configure(DialogStateNull).
		Permit(dlgEvtEarly, DialogStateEarly).
		Permit(dlgEvtConfirm, DialogStateConfirmed).
		Permit(dlgEvtTerminate, DialogStateTerminated)

	d.fsm.Configure(DialogStateEarly).
		Ignore(dlgEvtEarly).
		Permit(dlgEvtConfirm, DialogStateConfirmed).
		Permit(dlgEvtTerminate, DialogStateTerminated)

	d.fsm.Configure(DialogStateConfirmed).
		Ignore(dlgEvtEarly).
		Ignore(dlgEvtConfirm).
		Permit(dlgEvtTerminate, DialogStateTerminated)

	d.fsm.Configure(DialogStateTerminated).
		OnEntry(d.actTerminated).
		Ignore(dlgEvtEarly).
		Ignore(dlgEvtConfirm).
		Ignore(dlgEvtTerminate)
}

// fireLocked must be called with d.mu held.
func (d *Dialog) fireLocked(ctx context.Context, trigger string) {
	if err := d.fsm.FireCtx(ctx, trigger); err != nil {
		panic(fmt.Errorf("fire %q in dialog state %q: %w", trigger, d.State(), err))
	}
}

func (d *Dialog) actTerminated(ctx context.Context, _ ...any) error {
	d.stopTimer(ctx, &d.tmr2xx, "2xx retransmit")
	d.stopTimer(ctx, &d.tmrAck, "ACK wait")
	close(d.done)
	return nil
}

func (d *Dialog) stopTimer(ctx context.Context, slot *atomic.Pointer[timeutil.Timer], name string) {
	if tmr := slot.Swap(nil); tmr != nil && tmr.Stop() {
		d.log.LogAttrs(ctx, slog.LevelDebug, "dialog timer "+name+" stopped", slog.Any("dialog", d))
	}
}

// registerLocked adds a dialog with a complete key to the dialog table.
func (d *Dialog) registerLocked(ctx context.Context) {
	if d.registered || d.remoteTag == "" {
		return
	}
	key := DialogKey{CallID: d.callID, LocalTag: d.localTag, RemoteTag: d.remoteTag}
	if _, err := d.stack.dialogs.insert(key, d); err != nil {
		d.log.LogAttrs(ctx, slog.LevelWarn, "failed to register dialog", slog.Any("dialog", d), slog.Any("error", err))
		return
	}
	d.registered = true
	d.establishAt = d.stack.sched.Now()
	d.stack.mtr.dialogEstablished()
	d.log.LogAttrs(ctx, slog.LevelDebug, "dialog registered", slog.Any("dialog", d))
}

// terminate moves the dialog to the terminated state and unregisters it.
func (d *Dialog) terminate(ctx context.Context) {
	d.mu.Lock()
	if d.State() == DialogStateTerminated {
		d.mu.Unlock()
		return
	}
	d.fireLocked(ctx, dlgEvtTerminate)
	registered := d.registered
	d.mu.Unlock()

	d.stack.dialogTerminated(ctx, d, registered)
}

// Key returns the dialog key. The remote tag of a client dialog is empty until a response establishes it.
func (d *Dialog) Key() DialogKey {
	d.mu.Lock()
	defer d.mu.Unlock()
	return DialogKey{CallID: d.callID, LocalTag: d.localTag, RemoteTag: d.remoteTag}
}

func (d *Dialog) State() DialogState {
	st, _ := d.state.Load().(DialogState)
	return st
}

func (d *Dialog) CallID() string { return d.callID }

// IsServer reports whether the dialog was created by an inbound request.
func (d *Dialog) IsServer() bool { return d.server }

// IsSecure reports whether the dialog was created with a SIPS URI.
func (d *Dialog) IsSecure() bool { return d.secure }

// Method returns the method of the request that created the dialog.
func (d *Dialog) Method() RequestMethod { return d.method }

func (d *Dialog) LocalTag() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.localTag
}

func (d *Dialog) RemoteTag() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.remoteTag
}

func (d *Dialog) LocalSeq() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.localSeq
}

// RemoteSeq returns the remote CSeq number. The second result is false until the remote side sends a request.
func (d *Dialog) RemoteSeq() (uint32, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.remoteSeq, d.remoteSeqSet
}

func (d *Dialog) RemoteTarget() *uri.SIP {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.remoteTarget.Clone()
}

func (d *Dialog) RouteSet() []header.NameAddr {
	d.mu.Lock()
	defer d.mu.Unlock()
	return cloneRoutes(d.routeSet)
}

// FirstTransaction returns the transaction that created the dialog.
func (d *Dialog) FirstTransaction() Transaction { return d.firstTx }

// LastResponse returns the last 2xx response to INVITE sent or received in the dialog.
func (d *Dialog) LastResponse() *Response {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastRes
}

// LastAck returns the last ACK sent by the UAC side of the dialog.
func (d *Dialog) LastAck() *Request {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastAck
}

// SetTerminateOnBye controls whether a BYE transaction terminates the dialog. Enabled by default.
func (d *Dialog) SetTerminateOnBye(v bool) {
	d.mu.Lock()
	d.terminateBye = v
	d.mu.Unlock()
}

func (d *Dialog) ApplicationData() any {
	if box := d.appData.Load(); box != nil {
		return box.v
	}
	return nil
}

func (d *Dialog) SetApplicationData(v any) { d.appData.Store(&appDataBox{v}) }

// Done is closed when the dialog terminates.
func (d *Dialog) Done() <-chan struct{} { return d.done }

// LogValue implements [slog.LogValuer].
func (d *Dialog) LogValue() slog.Value {
	if d == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.String("call_id", d.callID),
		slog.String("state", string(d.State())),
		slog.Bool("server", d.server),
	)
}

// Age returns the time passed since the dialog was established or zero if it was not.
func (d *Dialog) Age() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.establishAt.IsZero() {
		return 0
	}
	return d.stack.sched.Now().Sub(d.establishAt)
}

// Delete terminates the dialog without sending BYE.
func (d *Dialog) Delete(ctx context.Context) { d.terminate(ctx) }

func (d *Dialog) addTx(tx Transaction) {
	d.mu.Lock()
	d.txs[tx] = struct{}{}
	if srvTx, ok := tx.(*InviteServerTransaction); ok {
		d.pendingSrvInv = srvTx
	}
	d.mu.Unlock()
}

func (d *Dialog) bindClientTx(tx ClientTransaction) {
	d.mu.Lock()
	d.txs[tx] = struct{}{}
	if tx.Type() == TransactionTypeClientInvite && tx != d.firstTx {
		d.pendingCltInv = tx
	}
	d.mu.Unlock()
}

// Transactions returns the transactions currently associated with the dialog.
func (d *Dialog) Transactions() []Transaction {
	d.mu.Lock()
	defer d.mu.Unlock()
	return lo.Keys(d.txs)
}

// IsRequestConsumable reports whether an inbound in-dialog request passes the CSeq check
// of RFC 3261 Section 12.2.2. ACK, CANCEL and PRACK are exempt.
func (d *Dialog) IsRequestConsumable(req *Request) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.isConsumableLocked(req)
}

func (d *Dialog) isConsumableLocked(req *Request) bool {
	switch req.Method {
	case RequestMethodAck, RequestMethodCancel, RequestMethodPrack:
		return true
	}
	cseq, ok := req.Headers.CSeq()
	if !ok {
		return false
	}
	return !d.remoteSeqSet || cseq.SeqNum > d.remoteSeq
}

// consumeRequest checks the CSeq of an inbound request and advances the remote sequence.
func (d *Dialog) consumeRequest(req *Request) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.isConsumableLocked(req) {
		return false
	}
	if cseq, ok := req.Headers.CSeq(); ok && (!d.remoteSeqSet || cseq.SeqNum > d.remoteSeq) {
		d.remoteSeq = cseq.SeqNum
		d.remoteSeqSet = true
	}
	return true
}

// requestConsumed applies target refresh after the request was delivered to the listener.
func (d *Dialog) requestConsumed(req *Request) {
	if !req.Method.RefreshesTarget() {
		return
	}
	contacts := req.Headers.Contacts()
	if len(contacts) == 0 {
		return
	}

	d.mu.Lock()
	if d.State() != DialogStateTerminated {
		d.remoteTarget = contacts[0].URI.Clone()
	}
	d.mu.Unlock()
}

// pendingInvites reports whether INVITE transactions of the dialog still wait for a final response.
func (d *Dialog) pendingInvites() (client, server bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if tx := d.pendingCltInv; tx != nil {
		res := tx.LastResponse()
		client = tx.State() != TransactionStateTerminated && (res == nil || !res.Status.IsFinal())
	}
	if tx := d.pendingSrvInv; tx != nil {
		res := tx.LastResponse()
		server = tx.State() != TransactionStateTerminated && (res == nil || !res.Status.IsFinal())
	}
	return client, server
}

func (d *Dialog) pendingServerInvite() *InviteServerTransaction {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pendingSrvInv
}

// beforeResponse stamps the local tag into responses of the UAS.
func (d *Dialog) beforeResponse(ctx context.Context, tx ServerTransaction, res *Response) error {
	if res.Status == ResponseStatusTrying {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.State() == DialogStateTerminated {
		return nil
	}

	to, ok := res.Headers.To()
	if !ok {
		return errtrace.Wrap(NewInvalidArgumentError("missing To header"))
	}
	switch tag := to.Tag(); {
	case tag == "":
		to.SetTag(d.localTag)
	case tag != d.localTag:
		if d.registered || tx != d.firstTx {
			return errtrace.Wrap(NewInvalidArgumentError(fmt.Sprintf("To tag %q does not match dialog", tag)))
		}
		d.localTag = tag
	}

	if tx == d.firstTx && res.Status < 300 && d.server {
		d.registerLocked(ctx)
	}
	return nil
}

// afterResponse moves the UAS dialog along the responses sent by its transactions.
func (d *Dialog) afterResponse(ctx context.Context, tx ServerTransaction, res *Response) {
	if res.Status == ResponseStatusTrying {
		return
	}

	method := tx.Request().Method
	var terminate, retransmit bool

	d.mu.Lock()
	if d.State() == DialogStateTerminated {
		d.mu.Unlock()
		return
	}

	if tx == d.firstTx {
		switch {
		case res.Status.IsProvisional():
			if d.method == RequestMethodInvite {
				d.fireLocked(ctx, dlgEvtEarly)
			}
		case res.Status.IsSuccessful():
			d.fireLocked(ctx, dlgEvtConfirm)
		default:
			terminate = d.State() != DialogStateConfirmed
		}
	}

	if method == RequestMethodInvite && res.Status.IsFinal() {
		if res.Status.IsSuccessful() {
			cseq, _ := res.Headers.CSeq()
			d.lastRes = res
			d.ackCSeq = cseq.SeqNum
			d.ackSeen = false
			if tp, ok := tx.(interface{ transport() ServerTransport }); ok {
				d.srvTp = tp.transport()
			}
			retransmit = true
		}
		if d.pendingSrvInv == tx {
			d.pendingSrvInv = nil
		}
	}
	if method == RequestMethodBye && res.Status.IsSuccessful() && d.terminateBye {
		terminate = true
	}
	d.mu.Unlock()

	if terminate {
		d.terminate(ctx)
		return
	}
	if retransmit {
		d.start2xxRetransmit(ctx)
	}
}

func (d *Dialog) start2xxRetransmit(ctx context.Context) {
	sched, timings := d.stack.sched, d.stack.timings

	tmr := sched.Backoff(timings.T1(), timings.T2(), d.on2xxTimer)
	if old := d.tmr2xx.Swap(tmr); old != nil {
		old.Stop()
	}
	tmr = sched.AfterFunc(timings.AckWait(), d.onAckTimeout)
	if old := d.tmrAck.Swap(tmr); old != nil {
		old.Stop()
	}

	d.log.LogAttrs(ctx, slog.LevelDebug, "2xx retransmission started", slog.Any("dialog", d))
}

func (d *Dialog) on2xxTimer() {
	ctx := context.Background()

	d.mu.Lock()
	res, tp := d.lastRes, d.srvTp
	stop := d.ackSeen || res == nil || tp == nil || d.State() == DialogStateTerminated
	d.mu.Unlock()

	if stop {
		d.stopTimer(ctx, &d.tmr2xx, "2xx retransmit")
		return
	}

	d.log.LogAttrs(ctx, slog.LevelDebug, "re-send 2xx response", slog.Any("dialog", d), slog.Any("response", res))

	if err := tp.SendResponse(ctx, res); err != nil {
		d.log.LogAttrs(ctx, slog.LevelWarn, "failed to re-send 2xx response", slog.Any("dialog", d), slog.Any("error", err))
	}
}

func (d *Dialog) onAckTimeout() {
	ctx := context.Background()
	d.tmrAck.Store(nil)

	d.mu.Lock()
	expired := !d.ackSeen && d.lastRes != nil && d.State() != DialogStateTerminated
	d.mu.Unlock()

	if !expired {
		return
	}
	d.stopTimer(ctx, &d.tmr2xx, "2xx retransmit")

	d.log.LogAttrs(ctx, slog.LevelWarn, "ACK for 2xx response was not received", slog.Any("dialog", d))

	d.stack.dialogAckTimeout(ctx, d)
}

// terminateWithBye sends BYE and terminates the dialog.
// The dialog is terminated immediately if BYE can not be sent.
func (d *Dialog) terminateWithBye(ctx context.Context) {
	bye, err := d.CreateRequest(RequestMethodBye)
	if err == nil {
		_, err = d.SendRequest(ctx, bye)
	}
	if err != nil {
		d.log.LogAttrs(ctx, slog.LevelWarn, "failed to send BYE", slog.Any("dialog", d), slog.Any("error", err))
	}
	d.terminate(ctx)
}

// HandleAck checks an inbound ACK against the last 2xx response sent by the dialog
// and stops 2xx retransmissions. It returns false if the ACK does not match.
func (d *Dialog) HandleAck(ack *Request) bool {
	ok, _ := d.handleAck(context.Background(), ack)
	return ok
}

// handleAck reports whether the ACK matches and whether it is a retransmission.
func (d *Dialog) handleAck(ctx context.Context, ack *Request) (ok, dup bool) {
	cseq, hasCSeq := ack.Headers.CSeq()

	d.mu.Lock()
	if !hasCSeq || d.lastRes == nil || cseq.SeqNum != d.ackCSeq {
		d.mu.Unlock()
		return false, false
	}
	if d.ackSeen {
		d.mu.Unlock()
		return true, true
	}
	d.ackSeen = true
	d.mu.Unlock()

	d.stopTimer(ctx, &d.tmr2xx, "2xx retransmit")
	d.stopTimer(ctx, &d.tmrAck, "ACK wait")
	return true, false
}

// dialogResponse is the outcome of applying an inbound response to a client dialog.
type dialogResponse struct {
	dialog *Dialog
	forked bool
	// retransmission marks a 2xx already seen by the dialog.
	retransmission bool
	// absorbed marks a 2xx retransmission answered with the cached ACK.
	absorbed bool
}

// clientResponse applies a response received by a client transaction of the dialog.
func (d *Dialog) clientResponse(ctx context.Context, tx ClientTransaction, res *Response) dialogResponse {
	out := dialogResponse{dialog: d}
	if res.Status == ResponseStatusTrying {
		return out
	}

	cseq, _ := res.Headers.CSeq()
	toTag := ToTag(res)

	d.mu.Lock()
	if d.State() == DialogStateTerminated {
		d.mu.Unlock()
		return out
	}

	if tx == d.firstTx {
		if toTag == "" {
			d.mu.Unlock()
			if res.Status.IsFinal() && !res.Status.IsSuccessful() {
				d.terminate(ctx)
			}
			return out
		}

		switch {
		case d.remoteTag == "":
			if !res.Status.IsSuccessful() && res.Status.IsFinal() {
				d.mu.Unlock()
				d.terminate(ctx)
				return out
			}
			d.establishLocked(ctx, res)
		case d.remoteTag != toTag:
			d.mu.Unlock()
			if res.Status.IsFinal() && !res.Status.IsSuccessful() {
				return out
			}
			fork := d.forkFor(ctx, res)
			out = fork.clientResponse(ctx, tx, res)
			out.forked = true
			return out
		}

		switch {
		case res.Status.IsProvisional():
			if d.method == RequestMethodInvite {
				d.fireLocked(ctx, dlgEvtEarly)
			}
		case res.Status.IsSuccessful():
			if d.State() != DialogStateConfirmed {
				d.routeSet = lo.Reverse(cloneRoutes(res.Headers.RecordRoutes()))
			}
			d.fireLocked(ctx, dlgEvtConfirm)
		default:
			if d.State() != DialogStateConfirmed {
				d.mu.Unlock()
				d.terminate(ctx)
				return out
			}
		}
	}

	var terminate bool
	switch cseq.Method {
	case RequestMethodInvite:
		if res.Status.IsSuccessful() {
			out.retransmission, out.absorbed = d.invite2xxLocked(res, cseq.SeqNum)
		}
		if res.Status.IsFinal() && d.pendingCltInv == tx {
			d.pendingCltInv = nil
		}
	case RequestMethodBye:
		terminate = res.Status.IsFinal() && d.terminateBye
	}
	ack := d.lastAck
	d.mu.Unlock()

	if out.absorbed {
		d.log.LogAttrs(ctx, slog.LevelDebug, "2xx retransmission received, re-send ACK", slog.Any("dialog", d))
		if err := d.stack.SendStatelessRequest(ctx, ack); err != nil {
			d.log.LogAttrs(ctx, slog.LevelWarn, "failed to re-send ACK", slog.Any("dialog", d), slog.Any("error", err))
		}
	}
	if terminate {
		d.terminate(ctx)
	}
	return out
}

// invite2xxLocked remembers a 2xx response to INVITE and refreshes the remote target.
func (d *Dialog) invite2xxLocked(res *Response, seq uint32) (retransmission, absorbed bool) {
	if d.lastRes != nil {
		if prev, _ := d.lastRes.Headers.CSeq(); prev.SeqNum == seq {
			retransmission = true
		}
	}
	d.lastRes = res
	if contacts := res.Headers.Contacts(); len(contacts) > 0 {
		d.remoteTarget = contacts[0].URI.Clone()
	}
	if retransmission && d.lastAck != nil {
		if cseq, _ := d.lastAck.Headers.CSeq(); cseq.SeqNum == seq {
			absorbed = true
		}
	}
	return retransmission, absorbed
}

// establishLocked fills the remote side of a client dialog from the first response with a To tag.
func (d *Dialog) establishLocked(ctx context.Context, res *Response) {
	to, _ := res.Headers.To()
	d.remoteTag = to.Tag()
	d.remoteAddr = header.NameAddr(*to).Clone()
	d.remoteAddr.Params.Del("tag")
	d.routeSet = lo.Reverse(cloneRoutes(res.Headers.RecordRoutes()))
	if contacts := res.Headers.Contacts(); len(contacts) > 0 {
		d.remoteTarget = contacts[0].URI.Clone()
	}
	d.registerLocked(ctx)
}

// forkFor returns the dialog created by a forked response with another To tag.
func (d *Dialog) forkFor(ctx context.Context, res *Response) *Dialog {
	key := inboundDialogKey(res)
	if fd, ok := d.stack.dialogs.Get(key); ok {
		return fd
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	fd := &Dialog{
		stack:        d.stack,
		log:          d.log,
		method:       d.method,
		callID:       d.callID,
		secure:       d.secure,
		done:         make(chan struct{}),
		localTag:     d.localTag,
		localAddr:    d.localAddr.Clone(),
		remoteTarget: d.firstTx.Request().URI.Clone(),
		localSeq:     d.localSeq,
		firstTx:      d.firstTx,
		txs:          map[Transaction]struct{}{d.firstTx: {}},
		terminateBye: d.terminateBye,
		event:        d.event,
	}
	fd.initFSM()
	fd.establishLocked(ctx, res)
	d.forks = append(d.forks, fd)

	d.log.LogAttrs(ctx, slog.LevelDebug, "forked dialog created", slog.Any("dialog", fd), slog.Any("original", d))
	return fd
}

// establishSubscription confirms a SUBSCRIBE or REFER dialog by the first NOTIFY (RFC 6665 Section 4.1.2.4).
// A NOTIFY from another notifier creates a forked subscription dialog.
func (d *Dialog) establishSubscription(ctx context.Context, notify *Request) *Dialog {
	d.mu.Lock()
	if d.remoteTag != "" && d.remoteTag != FromTag(notify) {
		d.mu.Unlock()
		key := inboundDialogKey(notify)
		if fd, ok := d.stack.dialogs.Get(key); ok {
			return fd
		}

		d.mu.Lock()
		fd := &Dialog{
			stack:        d.stack,
			log:          d.log,
			method:       d.method,
			callID:       d.callID,
			secure:       d.secure,
			done:         make(chan struct{}),
			localTag:     d.localTag,
			localAddr:    d.localAddr.Clone(),
			remoteAddr:   d.remoteAddr.Clone(),
			localSeq:     d.localSeq,
			firstTx:      d.firstTx,
			txs:          map[Transaction]struct{}{},
			terminateBye: d.terminateBye,
			event:        d.event,
		}
		d.forks = append(d.forks, fd)
		d.mu.Unlock()

		fd.initFSM()
		return fd.establishSubscription(ctx, notify)
	}

	if d.remoteTag == "" {
		d.remoteTag = FromTag(notify)
		d.routeSet = cloneRoutes(notify.Headers.RecordRoutes())
		if contacts := notify.Headers.Contacts(); len(contacts) > 0 {
			d.remoteTarget = contacts[0].URI.Clone()
		}
		d.registerLocked(ctx)
	}
	d.fireLocked(ctx, dlgEvtConfirm)
	d.mu.Unlock()
	return d
}

// clientTxTerminated drops a terminated client transaction from the dialog.
// When the creating transaction ends, dialogs it left in the null or early state are terminated.
func (d *Dialog) clientTxTerminated(ctx context.Context, tx ClientTransaction) {
	d.mu.Lock()
	delete(d.txs, tx)
	if d.pendingCltInv == tx {
		d.pendingCltInv = nil
	}
	var stale []*Dialog
	if tx == d.firstTx {
		for _, dd := range append([]*Dialog{d}, d.forks...) {
			if st := dd.State(); st == DialogStateNull || st == DialogStateEarly {
				stale = append(stale, dd)
			}
		}
	}
	var byeDone bool
	if tx.Request().Method == RequestMethodBye && d.terminateBye {
		res := tx.LastResponse()
		byeDone = res == nil || !res.Status.IsFinal()
	}
	d.mu.Unlock()

	for _, dd := range stale {
		dd.terminate(ctx)
	}
	if byeDone {
		d.terminate(ctx)
	}
}

func (d *Dialog) serverTxTerminated(tx ServerTransaction) {
	d.mu.Lock()
	delete(d.txs, tx)
	if d.pendingSrvInv == tx {
		d.pendingSrvInv = nil
	}
	d.mu.Unlock()
}

// CreateRequest builds an in-dialog request (RFC 3261 Section 12.2.1.1).
// The local CSeq is incremented. ACK and CANCEL can not be created here.
func (d *Dialog) CreateRequest(method RequestMethod) (*Request, error) {
	method = method.ToUpper()
	if method == RequestMethodAck || method == RequestMethodCancel {
		return nil, errtrace.Wrap(NewInvalidArgumentError(ErrMethodNotAllowed))
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.checkStateLocked(method); err != nil {
		return nil, errtrace.Wrap(err)
	}

	d.nextSeqLocked()
	return d.buildRequestLocked(method, d.localSeq), nil
}

func (d *Dialog) checkStateLocked(method RequestMethod) error {
	st := d.State()
	switch {
	case st == DialogStateTerminated || d.remoteTag == "" || d.remoteTarget == nil:
		return errtrace.Wrap(fmt.Errorf("%w: can not create %s in state %q", ErrInvalidDialogState, method, st))
	case st == DialogStateEarly:
		switch method {
		case RequestMethodPrack, RequestMethodUpdate, RequestMethodInfo, RequestMethodBye:
		default:
			return errtrace.Wrap(fmt.Errorf("%w: can not create %s in early dialog", ErrInvalidDialogState, method))
		}
	}
	return nil
}

func (d *Dialog) nextSeqLocked() {
	if d.localSeq == 0 {
		d.localSeq = util.RandUint32() & 0x7fffffff
	}
	d.localSeq++
}

func (d *Dialog) buildRequestLocked(method RequestMethod, seq uint32) *Request {
	target := d.remoteTarget.Clone()
	routes := cloneRoutes(d.routeSet)
	ruri := target

	if len(routes) > 0 && !routes[0].URI.LR() {
		// strict routing, RFC 3261 Section 12.2.1.1
		ruri = routes[0].URI.Clone()
		ruri.Params.Del("method")
		routes = append(routes[1:], header.NameAddr{URI: target})
	}

	from := header.From(d.localAddr.Clone())
	from.SetTag(d.localTag)
	to := header.To(d.remoteAddr.Clone())
	to.SetTag(d.remoteTag)

	req := &Request{Method: method, URI: ruri}
	req.Headers.Append(
		header.MaxForwards(70),
		&from,
		&to,
		header.CallID(d.callID),
		&header.CSeq{SeqNum: seq, Method: method},
	)
	if len(routes) > 0 {
		req.Headers.Append(header.Route(routes))
	}
	return req
}

// SendRequest sends an in-dialog request through a new client transaction.
// Only one INVITE can be outstanding in the dialog at a time.
func (d *Dialog) SendRequest(ctx context.Context, req *Request) (ClientTransaction, error) {
	if req == nil || req.Method == RequestMethodAck {
		return nil, errtrace.Wrap(NewInvalidArgumentError("use SendAck to send ACK"))
	}
	if st := d.State(); st == DialogStateTerminated {
		return nil, errtrace.Wrap(fmt.Errorf("%w: dialog terminated", ErrInvalidDialogState))
	}
	if req.Method == RequestMethodInvite {
		if client, _ := d.pendingInvites(); client {
			return nil, errtrace.Wrap(fmt.Errorf("%w: INVITE is pending", ErrInvalidDialogState))
		}
	}
	return errtrace.Wrap2(d.stack.sendRequest(ctx, req, d))
}

// CreateAck builds the ACK for a 2xx response to the INVITE with the given CSeq number.
func (d *Dialog) CreateAck(seq uint32) (*Request, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.server {
		return nil, errtrace.Wrap(fmt.Errorf("%w: UAS does not send ACK", ErrInvalidDialogState))
	}
	if st := d.State(); st != DialogStateConfirmed {
		return nil, errtrace.Wrap(fmt.Errorf("%w: can not create ACK in state %q", ErrInvalidDialogState, st))
	}
	return d.buildRequestLocked(RequestMethodAck, seq), nil
}

// SendAck sends the ACK statelessly and caches it to answer 2xx retransmissions.
func (d *Dialog) SendAck(ctx context.Context, ack *Request) error {
	if ack == nil || ack.Method != RequestMethodAck {
		return errtrace.Wrap(NewInvalidArgumentError("ACK request expected"))
	}
	if st := d.State(); st != DialogStateConfirmed {
		return errtrace.Wrap(fmt.Errorf("%w: can not send ACK in state %q", ErrInvalidDialogState, st))
	}
	if err := d.stack.SendStatelessRequest(ctx, ack); err != nil {
		return errtrace.Wrap(err)
	}

	d.mu.Lock()
	d.lastAck = ack
	d.mu.Unlock()
	return nil
}

// CreatePrack builds PRACK for a reliable provisional response (RFC 3262 Section 7.2).
func (d *Dialog) CreatePrack(res *Response) (*Request, error) {
	rseq, ok := res.Headers.RSeq()
	if !ok || !res.Headers.HasOption("Require", header.Option100rel) {
		return nil, errtrace.Wrap(NewInvalidArgumentError("response is not reliable"))
	}
	cseq, ok := res.Headers.CSeq()
	if !ok {
		return nil, errtrace.Wrap(NewInvalidArgumentError("missing CSeq header"))
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.checkStateLocked(RequestMethodPrack); err != nil {
		return nil, errtrace.Wrap(err)
	}

	d.nextSeqLocked()
	req := d.buildRequestLocked(RequestMethodPrack, d.localSeq)
	req.Headers.Append(&header.RAck{RSeq: uint32(rseq), CSeqNum: cseq.SeqNum, Method: cseq.Method})
	return req, nil
}

// SendReliableProvisionalResponse sends a reliable provisional response
// through the pending INVITE server transaction of the dialog.
func (d *Dialog) SendReliableProvisionalResponse(ctx context.Context, res *Response) error {
	tx := d.pendingServerInvite()
	if tx == nil {
		return errtrace.Wrap(fmt.Errorf("%w: no pending INVITE", ErrInvalidDialogState))
	}
	return errtrace.Wrap(tx.SendReliableProvisional(ctx, res))
}

// matchSubscription reports whether the NOTIFY belongs to the subscription of the dialog.
func (d *Dialog) matchSubscription(notify *Request) bool {
	if d.event == "" {
		return false
	}
	ev, ok := notify.Headers.Event()
	return ok && util.LCase(ev.Type) == d.event
}
