package sip

import (
	"log/slog"
	"strconv"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipcore/internal/util"
)

// TransactionKey identifies a transaction.
//
// RFC 3261 keys consist of the branch, the method and, for server transactions, the sent-by value
// of the topmost Via. Keys of RFC 2543 requests (branch without the magic cookie) fall back
// to the tuple of Call-ID, From tag, CSeq number, sent-by and method.
// ACK is folded into the INVITE method on the server side so that ACK for non-2xx responses
// matches the INVITE transaction.
type TransactionKey struct {
	Branch string
	SentBy string
	Method RequestMethod

	// RFC 2543 fallback fields.
	CallID  string
	FromTag string
	CSeqNum uint32
}

// IsValid reports whether the key has enough data to identify a transaction.
func (k TransactionKey) IsValid() bool {
	if k.Method == "" {
		return false
	}
	return k.Branch != "" || (k.CallID != "" && k.CSeqNum != 0)
}

// IsRFC3261 reports whether the key is based on an RFC 3261 branch.
func (k TransactionKey) IsRFC3261() bool { return IsRFC3261Branch(k.Branch) }

func (k TransactionKey) String() string {
	if k.IsRFC3261() {
		if k.SentBy == "" {
			return k.Branch + "|" + string(k.Method)
		}
		return k.Branch + "|" + k.SentBy + "|" + string(k.Method)
	}
	return k.CallID + "|" + k.FromTag + "|" + strconv.FormatUint(uint64(k.CSeqNum), 10) + "|" + k.SentBy + "|" + string(k.Method)
}

// LogValue implements [slog.LogValuer].
func (k TransactionKey) LogValue() slog.Value { return slog.StringValue(k.String()) }

// ClientTransactionKeyOf builds a client transaction key from a request or a response
// as described in RFC 3261 Section 17.1.3.
func ClientTransactionKeyOf(msg Message) (TransactionKey, error) {
	hdrs := msg.base().Headers
	via, ok := hdrs.FirstVia()
	if !ok {
		return TransactionKey{}, errtrace.Wrap(NewInvalidArgumentError("missing Via"))
	}
	cseq, ok := hdrs.CSeq()
	if !ok {
		return TransactionKey{}, errtrace.Wrap(NewInvalidArgumentError("missing CSeq"))
	}
	branch := via.Branch()
	if branch == "" {
		return TransactionKey{}, errtrace.Wrap(NewInvalidArgumentError("missing Via branch"))
	}
	return TransactionKey{Branch: branch, Method: cseq.Method.ToUpper()}, nil
}

// ServerTransactionKeyOf builds a server transaction key from a request
// as described in RFC 3261 Section 17.2.3.
func ServerTransactionKeyOf(req *Request) (TransactionKey, error) {
	via, ok := req.Headers.FirstVia()
	if !ok {
		return TransactionKey{}, errtrace.Wrap(NewInvalidArgumentError("missing Via"))
	}

	method := req.Method.ToUpper()
	if method == RequestMethodAck {
		method = RequestMethodInvite
	}

	key := TransactionKey{SentBy: util.LCase(via.SentBy()), Method: method}
	if branch := via.Branch(); IsRFC3261Branch(branch) {
		key.Branch = branch
		return key, nil
	}

	cseq, ok := req.Headers.CSeq()
	if !ok {
		return TransactionKey{}, errtrace.Wrap(NewInvalidArgumentError("missing CSeq"))
	}
	key.CallID = CallIDOf(req)
	key.FromTag = FromTag(req)
	key.CSeqNum = cseq.SeqNum
	return key, nil
}

// cancelTargetKey returns the key of the INVITE server transaction a CANCEL refers to.
func cancelTargetKey(cancel *Request) (TransactionKey, error) {
	key, err := ServerTransactionKeyOf(cancel)
	if err != nil {
		return key, errtrace.Wrap(err)
	}
	key.Method = RequestMethodInvite
	return key, nil
}
