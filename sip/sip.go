// Package sip implements the RFC 3261 transaction and dialog layers.
//
// The [Stack] receives parsed messages from transports, routes them through the dialog filter
// into client/server transactions and dialogs, and delivers the resulting events
// to a [Listener] through the event scanner.
package sip

//go:generate errtrace -w .

import "github.com/ghettovoice/sipcore/internal/types"

// RequestMethod represents a SIP request method.
type RequestMethod = types.RequestMethod

const (
	RequestMethodAck       = types.RequestMethodAck
	RequestMethodBye       = types.RequestMethodBye
	RequestMethodCancel    = types.RequestMethodCancel
	RequestMethodInfo      = types.RequestMethodInfo
	RequestMethodInvite    = types.RequestMethodInvite
	RequestMethodMessage   = types.RequestMethodMessage
	RequestMethodNotify    = types.RequestMethodNotify
	RequestMethodOptions   = types.RequestMethodOptions
	RequestMethodPrack     = types.RequestMethodPrack
	RequestMethodPublish   = types.RequestMethodPublish
	RequestMethodRefer     = types.RequestMethodRefer
	RequestMethodRegister  = types.RequestMethodRegister
	RequestMethodSubscribe = types.RequestMethodSubscribe
	RequestMethodUpdate    = types.RequestMethodUpdate
)

// ResponseStatus represents a SIP response status code.
type ResponseStatus = types.ResponseStatus

const (
	ResponseStatusTrying          = types.ResponseStatusTrying
	ResponseStatusRinging         = types.ResponseStatusRinging
	ResponseStatusSessionProgress = types.ResponseStatusSessionProgress

	ResponseStatusOK       = types.ResponseStatusOK
	ResponseStatusAccepted = types.ResponseStatusAccepted

	ResponseStatusBadRequest                  = types.ResponseStatusBadRequest
	ResponseStatusNotFound                    = types.ResponseStatusNotFound
	ResponseStatusMethodNotAllowed            = types.ResponseStatusMethodNotAllowed
	ResponseStatusRequestTimeout              = types.ResponseStatusRequestTimeout
	ResponseStatusBusyHere                    = types.ResponseStatusBusyHere
	ResponseStatusCallTransactionDoesNotExist = types.ResponseStatusCallTransactionDoesNotExist
	ResponseStatusLoopDetected                = types.ResponseStatusLoopDetected
	ResponseStatusRequestTerminated           = types.ResponseStatusRequestTerminated
	ResponseStatusRequestPending              = types.ResponseStatusRequestPending

	ResponseStatusServerInternalError = types.ResponseStatusServerInternalError
	ResponseStatusServiceUnavailable  = types.ResponseStatusServiceUnavailable
	ResponseStatusDecline             = types.ResponseStatusDecline
)

// TransportProto represents a transport protocol name.
type TransportProto = types.TransportProto

const (
	TransportProtoUDP = types.TransportProtoUDP
	TransportProtoTCP = types.TransportProtoTCP
	TransportProtoTLS = types.TransportProtoTLS
)
