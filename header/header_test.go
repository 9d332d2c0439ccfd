package header_test

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ghettovoice/sipcore/header"
	"github.com/ghettovoice/sipcore/uri"
)

func TestCanonicName(t *testing.T) {
	t.Parallel()

	cases := map[string]header.Name{
		"v":              "Via",
		"call-id":        "Call-ID",
		"i":              "Call-ID",
		"CSEQ":           "CSeq",
		" record-route ": "Record-Route",
		"x-custom":       "X-Custom",
		"rack":           "RAck",
	}
	for in, want := range cases {
		if got := header.CanonicName(in); got != want {
			t.Errorf("CanonicName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestParse(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name, value string
		want        string
	}{
		{"v", "SIP/2.0/udp pc33.atlanta.com:5060 ;branch=z9hG4bK776asdhds, SIP/2.0/TCP [::1];rport",
			"Via: SIP/2.0/UDP pc33.atlanta.com:5060;branch=z9hG4bK776asdhds, SIP/2.0/TCP [::1];rport"},
		{"From", `"Alice, A." <sip:alice@atlanta.com>;tag=1928301774`, `From: "Alice, A." <sip:alice@atlanta.com>;tag=1928301774`},
		{"t", "sip:bob@biloxi.com;tag=a6c85cf", "To: <sip:bob@biloxi.com>;tag=a6c85cf"},
		{"m", "<sip:alice@pc33.atlanta.com>, Bob <sip:bob@192.0.2.4;transport=tcp>;expires=60",
			`Contact: <sip:alice@pc33.atlanta.com>, "Bob" <sip:bob@192.0.2.4;transport=tcp>;expires=60`},
		{"Record-Route", "<sip:p1.example.com;lr>,<sip:p2.example.com;lr>", "Record-Route: <sip:p1.example.com;lr>, <sip:p2.example.com;lr>"},
		{"cseq", "314159  INVITE", "CSeq: 314159 INVITE"},
		{"i", "a84b4c76e66710@pc33.atlanta.com", "Call-ID: a84b4c76e66710@pc33.atlanta.com"},
		{"Max-Forwards", "70", "Max-Forwards: 70"},
		{"Retry-After", "10 (out of sequence);duration=60", "Retry-After: 10 (out of sequence);duration=60"},
		{"RSeq", "988789", "RSeq: 988789"},
		{"RAck", "776656 1 INVITE", "RAck: 776656 1 INVITE"},
		{"k", "100rel, timer", "Supported: 100rel, timer"},
		{"o", "presence;id=1", "Event: presence;id=1"},
		{"Subject", "lunch", "Subject: lunch"},
	}
	for _, c := range cases {
		hdr, err := header.Parse(c.name, c.value)
		if err != nil {
			t.Errorf("header.Parse(%q, %q) error = %v, want nil", c.name, c.value, err)
			continue
		}
		if got := header.Render(hdr); got != c.want {
			t.Errorf("header.Parse(%q, %q) rendered = %q, want %q", c.name, c.value, got, c.want)
		}
	}
}

func TestParse_Invalid(t *testing.T) {
	t.Parallel()

	cases := [][2]string{
		{"Via", "SIP/2.0 host"},
		{"CSeq", "abc INVITE"},
		{"CSeq", "1"},
		{"From", "<sip:alice@atlanta.com"},
		{"To", "tel:123"},
		{"Max-Forwards", "-1"},
		{"Call-ID", ""},
		{"RAck", "1 INVITE"},
	}
	for _, c := range cases {
		if _, err := header.Parse(c[0], c[1]); !errors.Is(err, header.ErrInvalidHeader) {
			t.Errorf("header.Parse(%q, %q) error = %v, want %v", c[0], c[1], err, header.ErrInvalidHeader)
		}
	}
}

func TestViaHop(t *testing.T) {
	t.Parallel()

	hdr, err := header.Parse("Via", "SIP/2.0/UDP 10.0.0.1:5070;branch=z9hG4bKabc;received=1.2.3.4;rport=5071")
	if err != nil {
		t.Fatalf("header.Parse() error = %v, want nil", err)
	}
	hop := hdr.(header.Via)[0]
	if !hop.IsRFC3261() || hop.Branch() != "z9hG4bKabc" {
		t.Errorf("hop.Branch() = %q, want RFC 3261 branch z9hG4bKabc", hop.Branch())
	}
	if got := hop.SentBy(); got != "10.0.0.1:5070" {
		t.Errorf("hop.SentBy() = %q, want %q", got, "10.0.0.1:5070")
	}
	if port, ok := hop.RPort(); !ok || port != 5071 {
		t.Errorf("hop.RPort() = (%d, %v), want (5071, true)", port, ok)
	}
	if rcv, _ := hop.Received(); rcv != "1.2.3.4" {
		t.Errorf("hop.Received() = %q, want %q", rcv, "1.2.3.4")
	}
}

func TestClone(t *testing.T) {
	t.Parallel()

	to := &header.To{URI: uri.MustParse("sip:bob@biloxi.com")}
	clone := to.Clone().(*header.To)
	clone.SetTag("x")
	if to.Tag() != "" {
		t.Errorf("to.Tag() = %q after modifying the clone, want empty", to.Tag())
	}

	rr := header.RecordRoute{{URI: uri.MustParse("sip:p1;lr")}}
	rrClone := rr.Clone().(header.RecordRoute)
	rrClone[0].URI.Host = "p2"
	if diff := cmp.Diff("sip:p1;lr", rr[0].URI.String()); diff != "" {
		t.Errorf("Record-Route modified through the clone (-want +got):\n%s", diff)
	}
}
