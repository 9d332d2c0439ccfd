// Package types contains basic SIP value types shared by the uri, header and sip packages.
package types
