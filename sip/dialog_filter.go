package sip

import (
	"context"
	"log/slog"

	"github.com/ghettovoice/sipcore/header"
)

// retryAfterDelay is the Retry-After value of 500 responses to interleaved
// and out-of-order requests (RFC 3261 Section 14.2).
const retryAfterDelay = 10

const (
	dropInvalid       = "invalid_message"
	dropNoTransport   = "no_transport"
	dropAdmission     = "admission"
	dropStrayAck      = "stray_ack"
	dropAckMismatch   = "ack_cseq_mismatch"
	dropAckRetransmit = "ack_retransmission"
	dropStrayResponse = "stray_response"
)

func (s *Stack) drop(ctx context.Context, msg Message, reason string) {
	s.mtr.messageDropped(reason)
	s.log.LogAttrs(ctx, slog.LevelDebug, "message dropped",
		slog.String("reason", reason),
		slog.Any("message", msg),
	)
}

// autoRespond answers the request statelessly on behalf of the application.
func (s *Stack) autoRespond(ctx context.Context, req *Request, status ResponseStatus, reason string, hdrs ...header.Header) {
	res := NewResponseFromRequest(req, status, reason)
	if to, ok := res.Headers.To(); ok && to.Tag() == "" {
		to.SetTag(GenerateTag())
	}
	res.Headers.Append(hdrs...)

	s.mtr.autoResponse(status)
	if err := s.SendStatelessResponse(ctx, res); err != nil {
		s.log.LogAttrs(ctx, slog.LevelWarn, "failed to send automatic response",
			slog.Any("response", res),
			slog.Any("error", err),
		)
		return
	}
	s.log.LogAttrs(ctx, slog.LevelDebug, "automatic response sent", slog.Any("response", res))
}

func (s *Stack) respondRetryLater(ctx context.Context, req *Request) {
	s.autoRespond(ctx, req, ResponseStatusServerInternalError, "", &header.RetryAfter{Delay: retryAfterDelay})
}

// filterRequest routes an inbound request to a server transaction, a dialog and the listener,
// or answers it with the error response RFC 3261 mandates.
//
//nolint:gocognit,gocyclo
func (s *Stack) filterRequest(ctx context.Context, req *Request) {
	if err := req.Validate(); err != nil {
		s.log.LogAttrs(ctx, slog.LevelDebug, "invalid request", slog.Any("request", req), slog.Any("error", err))
		if req.Method != RequestMethodAck {
			s.autoRespond(ctx, req, ResponseStatusBadRequest, "")
		}
		s.drop(ctx, req, dropInvalid)
		return
	}

	key, err := ServerTransactionKeyOf(req)
	if err != nil {
		if req.Method != RequestMethodAck {
			s.autoRespond(ctx, req, ResponseStatusBadRequest, "")
		}
		s.drop(ctx, req, dropInvalid)
		return
	}

	if req.Method == RequestMethodAck {
		s.filterAck(ctx, req, key)
		return
	}

	if tx, ok := s.srvTxs.Get(key); ok {
		s.mtr.requestRetransmitted(req.Method)
		if err := tx.RecvRequest(ctx, req); err != nil {
			s.log.LogAttrs(ctx, slog.LevelDebug, "failed to pass request to transaction",
				slog.Any("transaction", tx),
				slog.Any("error", err),
			)
		}
		return
	}

	if req.Method == RequestMethodCancel {
		s.filterCancel(ctx, req, key)
		return
	}

	var d *Dialog
	if ToTag(req) == "" {
		if s.merged.merged(req, key) {
			s.autoRespond(ctx, req, ResponseStatusLoopDetected, "")
			return
		}
	} else {
		d, _ = s.dialogs.Get(inboundDialogKey(req))
		if d == nil && req.Method == RequestMethodNotify {
			if sub, ok := s.subs.match(req); ok {
				d = sub.establishSubscription(ctx, req)
			}
		}

		switch {
		case d == nil && req.Method == RequestMethodNotify:
			if s.opts.autoDialogErrors() && !s.opts.deliverUnsolicitedNotify() {
				s.autoRespond(ctx, req, ResponseStatusCallTransactionDoesNotExist, "Subscription does not exist")
				return
			}
		case d == nil:
			if s.opts.autoDialog() && s.opts.autoDialogErrors() {
				s.autoRespond(ctx, req, ResponseStatusCallTransactionDoesNotExist, "")
				return
			}
		default:
			if !s.checkDialogRequest(ctx, req, d) {
				return
			}
		}
	}

	if err := s.srvTxs.Admit(); err != nil {
		s.mtr.admissionRejected("server")
		s.drop(ctx, req, dropAdmission)
		return
	}

	tx, ok := s.newServerTx(ctx, req)
	if !ok {
		return
	}

	if d != nil && req.Method != RequestMethodPrack {
		// the remote CSeq advances only for requests that own a transaction
		d.consumeRequest(req)
	}
	if d == nil && ToTag(req) == "" && s.opts.autoDialog() && req.Method.CreatesDialog() {
		d = newServerDialog(s, tx)
	}
	if d != nil {
		tx.base().setDialog(d)
		d.addTx(tx)
	}

	s.enqueue(CallIDOf(req), eventRequest, &RequestEvent{Request: req, ServerTransaction: tx, Dialog: d}, nil)
}

// checkDialogRequest applies the in-dialog checks of RFC 3261 Sections 12.2.2 and 14.2
// and RFC 3262 Section 7.2. It reports whether the request may proceed.
// The remote CSeq is not advanced here, see filterRequest.
func (s *Stack) checkDialogRequest(ctx context.Context, req *Request, d *Dialog) bool {
	if req.Method == RequestMethodPrack {
		if inv := d.pendingServerInvite(); inv != nil && inv.matchPrack(req) {
			return true
		}
		if s.opts.autoDialogErrors() {
			s.autoRespond(ctx, req, ResponseStatusCallTransactionDoesNotExist, "")
			return false
		}
		return true
	}

	if !d.IsRequestConsumable(req) && !s.opts.looseDialogValidation() {
		if s.opts.autoDialogErrors() {
			s.log.LogAttrs(ctx, slog.LevelDebug, "out of order request", slog.Any("request", req), slog.Any("dialog", d))
			s.respondRetryLater(ctx, req)
			return false
		}
		return true
	}

	if req.Method == RequestMethodInvite {
		client, server := d.pendingInvites()
		switch {
		case server:
			s.respondRetryLater(ctx, req)
			return false
		case client:
			s.autoRespond(ctx, req, ResponseStatusRequestPending, "")
			return false
		}
	}

	return true
}

// newServerTx creates, stores and wires a server transaction for the request.
func (s *Stack) newServerTx(ctx context.Context, req *Request) (ServerTransaction, bool) {
	tp, ok := s.serverTransport(req)
	if !ok {
		s.drop(ctx, req, dropNoTransport)
		return nil, false
	}

	tx, err := NewServerTransaction(req, tp, s.txOpts())
	if err != nil {
		s.log.LogAttrs(ctx, slog.LevelWarn, "failed to create server transaction",
			slog.Any("request", req),
			slog.Any("error", err),
		)
		s.drop(ctx, req, dropInvalid)
		return nil, false
	}
	if cur, err := s.srvTxs.Insert(tx); err != nil {
		tx.Terminate(ctx) //nolint:errcheck
		cur.RecvRequest(ctx, req) //nolint:errcheck
		return nil, false
	}
	if ToTag(req) == "" {
		s.merged.add(tx)
	}
	s.initServerTx(tx)
	return tx, true
}

// filterCancel handles a CANCEL that matched no server transaction (RFC 3261 Section 9.2).
// A CANCEL for a pending INVITE is delivered to the listener. A CANCEL that comes after
// the final response of the INVITE is answered with 200 by the stack.
func (s *Stack) filterCancel(ctx context.Context, req *Request, key TransactionKey) {
	invKey, err := cancelTargetKey(req)
	if err != nil {
		s.drop(ctx, req, dropInvalid)
		return
	}

	inv, ok := s.srvTxs.Get(invKey)
	var late bool
	switch {
	case ok:
		res := inv.LastResponse()
		late = res != nil && res.Status.IsFinal()
	case s.tombs.has(invKey):
		late = true
	default:
		s.autoRespond(ctx, req, ResponseStatusCallTransactionDoesNotExist, "")
		return
	}

	tx, ok := s.newServerTx(ctx, req)
	if !ok {
		return
	}

	if late {
		s.log.LogAttrs(ctx, slog.LevelDebug, "late CANCEL", slog.Any("transaction", tx), slog.Any("invite", invKey))
		s.mtr.autoResponse(ResponseStatusOK)
		if err := tx.Respond(ctx, tx.NewResponse(ResponseStatusOK, "")); err != nil {
			s.log.LogAttrs(ctx, slog.LevelWarn, "failed to answer late CANCEL",
				slog.Any("transaction", tx),
				slog.Any("error", err),
			)
		}
		return
	}

	d := inv.Dialog()
	if d != nil {
		tx.base().setDialog(d)
		d.addTx(tx)
	}
	s.enqueue(CallIDOf(req), eventRequest, &RequestEvent{Request: req, ServerTransaction: tx, Dialog: d}, nil)
}

// filterAck passes non-2xx ACKs to their INVITE server transaction and matches 2xx ACKs
// to the pending ACK table and dialogs (RFC 3261 Sections 13.3.1.4 and 17.2.3, RFC 6026).
func (s *Stack) filterAck(ctx context.Context, ack *Request, key TransactionKey) {
	if tx, ok := s.srvTxs.Get(key); ok {
		if res := tx.LastResponse(); res == nil || !res.Status.IsSuccessful() {
			if err := tx.RecvRequest(ctx, ack); err != nil {
				s.log.LogAttrs(ctx, slog.LevelDebug, "failed to pass ACK to transaction",
					slog.Any("transaction", tx),
					slog.Any("error", err),
				)
			}
			return
		}
	}

	cseq, _ := ack.Headers.CSeq()
	dk := inboundDialogKey(ack)

	var d *Dialog
	rec, pending := s.acks.take(dk, cseq.SeqNum)
	if pending {
		rec.tx.ackReceived(ctx, ack)
		d = rec.dialog
	}
	if d == nil {
		d, _ = s.dialogs.Get(dk)
	}

	switch {
	case d != nil:
		matched, dup := d.handleAck(ctx, ack)
		if dup {
			s.drop(ctx, ack, dropAckRetransmit)
			return
		}
		if !matched && !pending && !s.opts.looseDialogValidation() {
			s.drop(ctx, ack, dropAckMismatch)
			return
		}
	case !pending && s.opts.autoDialog():
		s.drop(ctx, ack, dropStrayAck)
		return
	}

	ev := &RequestEvent{Request: ack, Dialog: d}
	var after func()
	if s.opts.ackTransactions() {
		if tp, ok := s.serverTransport(ack); ok {
			if tx, err := newAckServerTransaction(ack, tp, s.txOpts()); err == nil {
				s.initServerTx(tx)
				ev.ServerTransaction = tx
				after = func() { tx.Terminate(context.Background()) } //nolint:errcheck
			}
		}
	}
	s.enqueue(CallIDOf(ack), eventRequest, ev, after)
}

// filterResponse passes an inbound response to its client transaction.
// A 2xx retransmission that outlived its transaction is handled by the dialog.
func (s *Stack) filterResponse(ctx context.Context, res *Response) {
	if err := res.Validate(); err != nil {
		s.drop(ctx, res, dropInvalid)
		return
	}
	via, _ := res.Headers.FirstVia()
	if !via.IsRFC3261() {
		s.drop(ctx, res, dropStrayResponse)
		return
	}

	key, err := ClientTransactionKeyOf(res)
	if err != nil {
		s.drop(ctx, res, dropInvalid)
		return
	}
	if tx, ok := s.clnTxs.Get(key); ok {
		if err := tx.RecvResponse(ctx, res); err != nil {
			s.log.LogAttrs(ctx, slog.LevelDebug, "failed to pass response to transaction",
				slog.Any("transaction", tx),
				slog.Any("error", err),
			)
		}
		return
	}

	cseq, _ := res.Headers.CSeq()
	if res.Status.IsSuccessful() && cseq.Method.ToUpper() == RequestMethodInvite {
		if d, ok := s.dialogs.Get(inboundDialogKey(res)); ok && !d.IsServer() {
			s.dialog2xxRetransmit(ctx, d, res, cseq.SeqNum)
			return
		}
	}
	s.drop(ctx, res, dropStrayResponse)
}

// dialog2xxRetransmit answers a 2xx retransmission with the ACK already sent by the dialog,
// or delivers it to the listener when the dialog has not been acknowledged yet.
func (s *Stack) dialog2xxRetransmit(ctx context.Context, d *Dialog, res *Response, seq uint32) {
	if ack := d.LastAck(); ack != nil {
		if ackSeq, ok := ack.Headers.CSeq(); ok && ackSeq.SeqNum == seq {
			if err := s.SendStatelessRequest(ctx, ack.Clone()); err != nil {
				s.log.LogAttrs(ctx, slog.LevelWarn, "failed to resend ACK",
					slog.Any("dialog", d),
					slog.Any("error", err),
				)
			}
			return
		}
	}
	s.enqueue(CallIDOf(res), eventResponse, &ResponseEvent{Response: res, Dialog: d, Retransmission: true}, nil)
}
