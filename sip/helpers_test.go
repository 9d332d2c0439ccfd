package sip_test

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ghettovoice/sipcore/internal/timeutil"
	"github.com/ghettovoice/sipcore/sip"
)

var (
	localAddr  = netip.MustParseAddrPort("127.0.0.1:5060")
	remoteAddr = netip.MustParseAddrPort("127.0.0.2:5070")
)

func newFakeScheduler() (*timeutil.FakeClock, *timeutil.Scheduler) {
	clock := timeutil.NewFakeClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	return clock, timeutil.NewScheduler(clock)
}

func parseMsg(tb testing.TB, raw string) sip.Message {
	tb.Helper()

	raw = strings.TrimLeft(raw, "\n")
	if !strings.HasSuffix(raw, "\n\n") {
		raw += "\n"
	}
	msg, err := sip.ParseMessage([]byte(raw))
	if err != nil {
		tb.Fatalf("sip.ParseMessage() error = %v, want nil", err)
	}
	return msg
}

func parseReq(tb testing.TB, format string, args ...any) *sip.Request {
	tb.Helper()

	req, ok := parseMsg(tb, fmt.Sprintf(format, args...)).(*sip.Request)
	if !ok {
		tb.Fatal("parsed message is not a request")
	}
	return req
}

func parseRes(tb testing.TB, format string, args ...any) *sip.Response {
	tb.Helper()

	res, ok := parseMsg(tb, fmt.Sprintf(format, args...)).(*sip.Response)
	if !ok {
		tb.Fatal("parsed message is not a response")
	}
	return res
}

// inbound stamps the message as if a UDP transport received it from remoteAddr.
func inbound[T sip.Message](msg T) T {
	switch m := any(msg).(type) {
	case *sip.Request:
		m.Transport, m.LocalAddr, m.RemoteAddr = sip.TransportProtoUDP, localAddr, remoteAddr
	case *sip.Response:
		m.Transport, m.LocalAddr, m.RemoteAddr = sip.TransportProtoUDP, localAddr, remoteAddr
	}
	return msg
}

func newInvite(tb testing.TB, branch, callID string, seq uint32) *sip.Request {
	tb.Helper()

	return parseReq(tb, `
INVITE sip:bob@127.0.0.1:5060 SIP/2.0
Via: SIP/2.0/UDP 127.0.0.2:5070;branch=%s;rport
Max-Forwards: 70
From: "Alice" <sip:alice@127.0.0.2>;tag=a1
To: <sip:bob@127.0.0.1>
Call-ID: %s
CSeq: %d INVITE
Contact: <sip:alice@127.0.0.2:5070>
Content-Length: 0
`, branch, callID, seq)
}

func newNonInvite(tb testing.TB, method sip.RequestMethod, branch, callID, toTag string, seq uint32) *sip.Request {
	tb.Helper()

	to := "<sip:bob@127.0.0.1>"
	if toTag != "" {
		to += ";tag=" + toTag
	}
	return parseReq(tb, `
%s sip:bob@127.0.0.1:5060 SIP/2.0
Via: SIP/2.0/UDP 127.0.0.2:5070;branch=%s;rport
Max-Forwards: 70
From: "Alice" <sip:alice@127.0.0.2>;tag=a1
To: %s
Call-ID: %s
CSeq: %d %s
Contact: <sip:alice@127.0.0.2:5070>
Content-Length: 0
`, method, branch, to, callID, seq, method)
}

func newResponse(tb testing.TB, req *sip.Request, status sip.ResponseStatus, toTag string) *sip.Response {
	tb.Helper()

	res := sip.NewResponseFromRequest(req, status, "")
	if toTag != "" {
		to, _ := res.Headers.To()
		to.SetTag(toTag)
	}
	return res
}

// txTransport records messages sent by a transaction.
type txTransport struct {
	reliable bool

	mu   sync.Mutex
	reqs []*sip.Request
	ress []*sip.Response
	err  error
}

func (tp *txTransport) Reliable() bool { return tp.reliable }

func (tp *txTransport) SendRequest(_ context.Context, req *sip.Request) error {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	if tp.err != nil {
		return tp.err
	}
	tp.reqs = append(tp.reqs, req.Clone())
	return nil
}

func (tp *txTransport) SendResponse(_ context.Context, res *sip.Response) error {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	if tp.err != nil {
		return tp.err
	}
	tp.ress = append(tp.ress, res.Clone())
	return nil
}

func (tp *txTransport) failWith(err error) {
	tp.mu.Lock()
	tp.err = err
	tp.mu.Unlock()
}

func (tp *txTransport) sentRequests() []*sip.Request {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	return append([]*sip.Request(nil), tp.reqs...)
}

func (tp *txTransport) sentResponses() []*sip.Response {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	return append([]*sip.Response(nil), tp.ress...)
}

var errSendFailed = errors.New("send failed")

// netTransport is a [sip.Transport] that parses and records every sent message.
type netTransport struct {
	proto    sip.TransportProto
	reliable bool

	mu   sync.Mutex
	sent []sentMsg
}

type sentMsg struct {
	addr netip.AddrPort
	msg  sip.Message
}

func newNetTransport() *netTransport {
	return &netTransport{proto: sip.TransportProtoUDP}
}

func (tp *netTransport) Proto() sip.TransportProto { return tp.proto }

func (tp *netTransport) Reliable() bool { return tp.reliable }

func (tp *netTransport) LocalAddr() netip.AddrPort { return localAddr }

func (tp *netTransport) Send(_ context.Context, addr netip.AddrPort, data []byte) error {
	msg, err := sip.ParseMessage(data)
	if err != nil {
		return err
	}
	tp.mu.Lock()
	tp.sent = append(tp.sent, sentMsg{addr: addr, msg: msg})
	tp.mu.Unlock()
	return nil
}

func (tp *netTransport) responses(status sip.ResponseStatus) []*sip.Response {
	tp.mu.Lock()
	defer tp.mu.Unlock()

	var out []*sip.Response
	for _, s := range tp.sent {
		if res, ok := s.msg.(*sip.Response); ok && res.Status == status {
			out = append(out, res)
		}
	}
	return out
}

func (tp *netTransport) requests(method sip.RequestMethod) []*sip.Request {
	tp.mu.Lock()
	defer tp.mu.Unlock()

	var out []*sip.Request
	for _, s := range tp.sent {
		if req, ok := s.msg.(*sip.Request); ok && req.Method == method {
			out = append(out, req)
		}
	}
	return out
}

func (tp *netTransport) count() int {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	return len(tp.sent)
}

func (tp *netTransport) last() sentMsg {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	if len(tp.sent) == 0 {
		return sentMsg{}
	}
	return tp.sent[len(tp.sent)-1]
}

// recListener forwards stack events to buffered channels.
type recListener struct {
	reqs    chan *sip.RequestEvent
	ress    chan *sip.ResponseEvent
	tmos    chan *sip.TimeoutEvent
	txTerm  chan *sip.TransactionTerminatedEvent
	dlgTerm chan *sip.DialogTerminatedEvent
	ioErrs  chan *sip.IOExceptionEvent
}

func newRecListener() *recListener {
	return &recListener{
		reqs:    make(chan *sip.RequestEvent, 64),
		ress:    make(chan *sip.ResponseEvent, 64),
		tmos:    make(chan *sip.TimeoutEvent, 64),
		txTerm:  make(chan *sip.TransactionTerminatedEvent, 64),
		dlgTerm: make(chan *sip.DialogTerminatedEvent, 64),
		ioErrs:  make(chan *sip.IOExceptionEvent, 64),
	}
}

func (l *recListener) ProcessRequest(_ context.Context, ev *sip.RequestEvent) { l.reqs <- ev }

func (l *recListener) ProcessResponse(_ context.Context, ev *sip.ResponseEvent) { l.ress <- ev }

func (l *recListener) ProcessTimeout(_ context.Context, ev *sip.TimeoutEvent) { l.tmos <- ev }

func (l *recListener) ProcessTransactionTerminated(_ context.Context, ev *sip.TransactionTerminatedEvent) {
	l.txTerm <- ev
}

func (l *recListener) ProcessDialogTerminated(_ context.Context, ev *sip.DialogTerminatedEvent) {
	l.dlgTerm <- ev
}

func (l *recListener) ProcessIOException(_ context.Context, ev *sip.IOExceptionEvent) { l.ioErrs <- ev }

const eventWait = 2 * time.Second

func recv[T any](tb testing.TB, ch chan T) T {
	tb.Helper()

	select {
	case v := <-ch:
		return v
	case <-time.After(eventWait):
		var zero T
		tb.Fatalf("no %T received in %v", zero, eventWait)
		return zero
	}
}

func noRecv[T any](tb testing.TB, ch chan T) {
	tb.Helper()

	select {
	case v := <-ch:
		tb.Fatalf("unexpected %T received: %+v", v, v)
	case <-time.After(50 * time.Millisecond):
	}
}

type testStack struct {
	*sip.Stack
	clock *timeutil.FakeClock
	tp    *netTransport
	lis   *recListener
}

func newTestStack(tb testing.TB, opts *sip.StackOptions) *testStack {
	tb.Helper()

	if opts == nil {
		opts = &sip.StackOptions{}
	}
	clock, sched := newFakeScheduler()
	opts.Scheduler = sched

	ts := &testStack{
		Stack: sip.NewStack(opts),
		clock: clock,
		tp:    newNetTransport(),
		lis:   newRecListener(),
	}
	if err := ts.AddTransport(ts.tp); err != nil {
		tb.Fatalf("stack.AddTransport() error = %v, want nil", err)
	}
	ts.SetListener(ts.lis)
	tb.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), eventWait)
		defer cancel()
		ts.Close(ctx) //nolint:errcheck
	})
	return ts
}
