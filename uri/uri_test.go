package uri_test

import (
	"errors"
	"net/netip"
	"testing"

	"github.com/ghettovoice/sipcore/uri"
)

func TestParse(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in, want string
		host     string
		port     uint16
	}{
		{"sip:alice@atlanta.com", "sip:alice@atlanta.com", "atlanta.com", 0},
		{"SIPS:bob:secret@biloxi.com:5061", "sips:bob:secret@biloxi.com:5061", "biloxi.com", 5061},
		{"sip:10.0.0.1:5070;transport=tcp;lr", "sip:10.0.0.1:5070;lr;transport=tcp", "10.0.0.1", 5070},
		{"sip:[::1]:5060", "sip:[::1]:5060", "[::1]", 5060},
		{"sip:carol@chicago.com?Subject=hi&priority=urgent", "sip:carol@chicago.com?priority=urgent&subject=hi", "chicago.com", 0},
	}
	for _, c := range cases {
		u, err := uri.Parse(c.in)
		if err != nil {
			t.Errorf("uri.Parse(%q) error = %v, want nil", c.in, err)
			continue
		}
		if got := u.String(); got != c.want {
			t.Errorf("uri.Parse(%q).String() = %q, want %q", c.in, got, c.want)
		}
		if u.Host != c.host || u.Port != c.port {
			t.Errorf("uri.Parse(%q) host:port = %s:%d, want %s:%d", c.in, u.Host, u.Port, c.host, c.port)
		}
	}
}

func TestParse_Invalid(t *testing.T) {
	t.Parallel()

	for _, in := range []string{"", "tel:+123", "sip:", "sip:alice@host:port", "sip:[::1"} {
		if _, err := uri.Parse(in); !errors.Is(err, uri.ErrInvalidURI) {
			t.Errorf("uri.Parse(%q) error = %v, want %v", in, err, uri.ErrInvalidURI)
		}
	}
}

func TestSIP_Equal(t *testing.T) {
	t.Parallel()

	cases := []struct {
		a, b string
		want bool
	}{
		{"sip:alice@AtLanTa.CoM;Transport=UDP", "sip:alice@atlanta.com;transport=udp", true},
		{"sip:alice@atlanta.com", "sip:ALICE@atlanta.com", false},
		{"sip:bob@biloxi.com", "sip:bob@biloxi.com:5060", false},
		{"sip:carol@chicago.com;newparam=5", "sip:carol@chicago.com;security=on", true},
		{"sip:carol@chicago.com", "sip:carol@chicago.com;transport=tcp", false},
		{"sip:alice@atlanta.com", "sips:alice@atlanta.com", false},
	}
	for _, c := range cases {
		if got := uri.MustParse(c.a).Equal(uri.MustParse(c.b)); got != c.want {
			t.Errorf("(%q).Equal(%q) = %v, want %v", c.a, c.b, got, c.want)
		}
	}
}

func TestSIP_Addr(t *testing.T) {
	t.Parallel()

	addr, ok := uri.MustParse("sip:127.0.0.1").Addr(5060)
	if !ok || addr != netip.MustParseAddrPort("127.0.0.1:5060") {
		t.Errorf("Addr() = (%v, %v), want (127.0.0.1:5060, true)", addr, ok)
	}
	if _, ok := uri.MustParse("sip:example.com").Addr(5060); ok {
		t.Error("Addr() of host name returned ok")
	}

	u := uri.MustParse("sip:a@b;lr")
	c := u.Clone()
	c.Params.Del("lr")
	if !u.LR() {
		t.Error("Clone() shares parameters with the original")
	}
}
