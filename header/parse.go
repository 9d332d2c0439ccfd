package header

import (
	"strings"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipcore/internal/types"
	"github.com/ghettovoice/sipcore/internal/util"
)

type parseFunc func(value string) (Header, error)

var parsers map[Name]parseFunc

func init() {
	parsers = map[Name]parseFunc{
		"Via":            parseVia,
		"From":           parseFrom,
		"To":             parseTo,
		"Contact":        parseContact,
		"Route":          parseRoute,
		"Record-Route":   parseRecordRoute,
		"Call-ID":        parseCallID,
		"CSeq":           func(v string) (Header, error) { return errtrace.Wrap2(parseCSeq(v)) },
		"RAck":           func(v string) (Header, error) { return errtrace.Wrap2(parseRAck(v)) },
		"Retry-After":    func(v string) (Header, error) { return errtrace.Wrap2(parseRetryAfter(v)) },
		"Max-Forwards":   parseMaxForwards,
		"Content-Length": parseContentLength,
		"Expires":        parseExpires,
		"RSeq":           parseRSeq,
		"Require":        func(v string) (Header, error) { return Require(parseOptions(v)), nil },
		"Supported":      func(v string) (Header, error) { return Supported(parseOptions(v)), nil },
		"Event":          parseEvent,
	}
}

// Parse parses a header value. Unknown headers are returned as [*Any].
// List headers (Via, Contact, Route, Record-Route, Require, Supported) keep all comma separated entries.
func Parse(name, value string) (Header, error) {
	cname := CanonicName(name)
	value = strings.TrimSpace(value)
	if parse, ok := parsers[cname]; ok {
		return errtrace.Wrap2(parse(value))
	}
	return &Any{Name: cname, Value: value}, nil
}

func parseVia(v string) (Header, error) {
	var hdr Via
	for _, part := range util.SplitList(v) {
		hop, err := parseViaHop(part)
		if err != nil {
			return nil, errtrace.Wrap(err)
		}
		hdr = append(hdr, hop)
	}
	return hdr, nil
}

func parseAddrList(v string) ([]NameAddr, error) {
	var addrs []NameAddr
	for _, part := range util.SplitList(v) {
		addr, err := parseNameAddr(part)
		if err != nil {
			return nil, errtrace.Wrap(err)
		}
		addrs = append(addrs, addr)
	}
	return addrs, nil
}

func parseFrom(v string) (Header, error) {
	addr, err := parseNameAddr(v)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	hdr := From(addr)
	return &hdr, nil
}

func parseTo(v string) (Header, error) {
	addr, err := parseNameAddr(v)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	hdr := To(addr)
	return &hdr, nil
}

func parseContact(v string) (Header, error) {
	if v == "*" {
		return &Any{Name: "Contact", Value: v}, nil
	}
	addrs, err := parseAddrList(v)
	return Contact(addrs), errtrace.Wrap(err)
}

func parseRoute(v string) (Header, error) {
	addrs, err := parseAddrList(v)
	return Route(addrs), errtrace.Wrap(err)
}

func parseRecordRoute(v string) (Header, error) {
	addrs, err := parseAddrList(v)
	return RecordRoute(addrs), errtrace.Wrap(err)
}

func parseCallID(v string) (Header, error) {
	if v == "" || strings.ContainsAny(v, " \t") {
		return nil, errtrace.Wrap(newInvalid("Call-ID", v))
	}
	return CallID(v), nil
}

func parseMaxForwards(v string) (Header, error) {
	n, err := parseUint("Max-Forwards", v, 8)
	return MaxForwards(n), errtrace.Wrap(err)
}

func parseContentLength(v string) (Header, error) {
	n, err := parseUint("Content-Length", v, 32)
	return ContentLength(n), errtrace.Wrap(err)
}

func parseExpires(v string) (Header, error) {
	n, err := parseUint("Expires", v, 32)
	return Expires(n), errtrace.Wrap(err)
}

func parseRSeq(v string) (Header, error) {
	n, err := parseUint("RSeq", v, 32)
	return RSeq(n), errtrace.Wrap(err)
}

func parseEvent(v string) (Header, error) {
	typ, params, _ := strings.Cut(v, ";")
	typ = strings.TrimSpace(typ)
	if typ == "" {
		return nil, errtrace.Wrap(newInvalid("Event", v))
	}
	hdr := &Event{Type: typ}
	if params != "" {
		hdr.Params = types.ParseValues(params, ';')
	}
	return hdr, nil
}
