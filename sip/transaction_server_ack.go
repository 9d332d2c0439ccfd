package sip

import (
	"braces.dev/errtrace"
)

// AckServerTransaction is a pseudo transaction for an ACK to a 2xx response.
// ACK never creates a real transaction. The stack wraps it only when the application asks for
// [TransactionTerminatedEvent] on ACK, and terminates it right after the request is delivered.
// Responding to it fails with [ErrInvalidTransactionState].
type AckServerTransaction struct {
	*serverTransact
}

func newAckServerTransaction(ack *Request, tp ServerTransport, opts *TransactionOptions) (*AckServerTransaction, error) {
	if ack == nil || ack.Method != RequestMethodAck {
		return nil, errtrace.Wrap(NewInvalidArgumentError(ErrMethodNotAllowed))
	}

	tx := new(AckServerTransaction)
	srvTx, err := newServerTransact(TransactionTypeServerAck, tx, ack, tp, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	tx.serverTransact = srvTx

	tx.initFSM(TransactionStateTrying)
	tx.fsm.Configure(TransactionStateTrying).
		Ignore(txEvtRecvReq).
		Permit(txEvtTerminate, TransactionStateTerminated)
	tx.fsm.Configure(TransactionStateTerminated).
		OnEntry(tx.actTerminated).
		Ignore(txEvtRecvReq).
		Ignore(txEvtTerminate)
	return tx, nil
}
