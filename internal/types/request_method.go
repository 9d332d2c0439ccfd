package types

import "github.com/ghettovoice/sipcore/internal/util"

const (
	RequestMethodAck       RequestMethod = "ACK"
	RequestMethodBye       RequestMethod = "BYE"
	RequestMethodCancel    RequestMethod = "CANCEL"
	RequestMethodInfo      RequestMethod = "INFO"
	RequestMethodInvite    RequestMethod = "INVITE"
	RequestMethodMessage   RequestMethod = "MESSAGE"
	RequestMethodNotify    RequestMethod = "NOTIFY"
	RequestMethodOptions   RequestMethod = "OPTIONS"
	RequestMethodPrack     RequestMethod = "PRACK"
	RequestMethodPublish   RequestMethod = "PUBLISH"
	RequestMethodRefer     RequestMethod = "REFER"
	RequestMethodRegister  RequestMethod = "REGISTER"
	RequestMethodSubscribe RequestMethod = "SUBSCRIBE"
	RequestMethodUpdate    RequestMethod = "UPDATE"
)

// RequestMethod is a SIP request method. Methods are case-sensitive on the wire.
type RequestMethod string

func (m RequestMethod) ToUpper() RequestMethod { return util.UCase(m) }

// IsValid reports whether the method is a non-empty token.
func (m RequestMethod) IsValid() bool {
	if m == "" {
		return false
	}
	for i := 0; i < len(m); i++ {
		c := m[i]
		if c <= ' ' || c >= 0x7f || c == ':' || c == '/' || c == ',' || c == ';' {
			return false
		}
	}
	return true
}

// CreatesDialog reports whether the method can establish a dialog.
func (m RequestMethod) CreatesDialog() bool {
	return m == RequestMethodInvite || m == RequestMethodSubscribe || m == RequestMethodRefer
}

// RefreshesTarget reports whether the method is a target refresh request (RFC 3261 12.2, RFC 6665).
func (m RequestMethod) RefreshesTarget() bool {
	switch m {
	case RequestMethodInvite, RequestMethodUpdate, RequestMethodSubscribe, RequestMethodNotify, RequestMethodRefer:
		return true
	default:
		return false
	}
}
