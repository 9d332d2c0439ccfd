package types

import "github.com/ghettovoice/sipcore/internal/util"

const (
	TransportProtoUDP TransportProto = "UDP"
	TransportProtoTCP TransportProto = "TCP"
	TransportProtoTLS TransportProto = "TLS"
)

// TransportProto is a transport protocol name as it appears in the Via header.
type TransportProto string

func (p TransportProto) ToUpper() TransportProto { return util.UCase(p) }

// IsReliable reports whether the protocol is stream based.
func (p TransportProto) IsReliable() bool {
	switch p.ToUpper() {
	case TransportProtoUDP:
		return false
	default:
		return true
	}
}

// DefaultPort returns the default port of the protocol.
func (p TransportProto) DefaultPort() uint16 {
	if p.ToUpper() == TransportProtoTLS {
		return 5061
	}
	return 5060
}
