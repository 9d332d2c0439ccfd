package sip

import "github.com/ghettovoice/sipcore/internal/errorutil"

type Error = errorutil.Error

const (
	ErrInvalidArgument = errorutil.ErrInvalidArgument

	ErrInvalidMessage    Error = "invalid message"
	ErrMessageNotMatched Error = "message not matched"
	ErrMethodNotAllowed  Error = "request method not allowed"

	ErrInvalidTransactionState Error = "invalid transaction state"
	ErrTransactionExists       Error = "transaction already exists"
	ErrTransactionTimedOut     Error = "transaction timed out"
	ErrTableFull               Error = "table is full"

	ErrInvalidDialogState         Error = "invalid dialog state"
	ErrConcurrentReliableResponse Error = "reliable provisional response is pending"

	ErrNoTransport   Error = "no transport resolved"
	ErrNoTarget      Error = "no target resolved"
	ErrStackClosed   Error = "stack closed"
	errMissingHeader Error = "missing mandatory header"
)

func NewInvalidArgumentError(args ...any) error {
	return errorutil.NewInvalidArgumentError(args...) //errtrace:skip
}

func newInvalidMessageError(args ...any) error {
	return errorutil.NewWrapperError(ErrInvalidMessage, args...) //errtrace:skip
}
