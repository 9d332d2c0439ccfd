package sip

import (
	"iter"
	"slices"

	"github.com/ghettovoice/sipcore/header"
	"github.com/ghettovoice/sipcore/internal/util"
)

// Headers is an ordered list of message header fields.
// Several entries of the same name are kept in the wire order.
type Headers []header.Header

// Append adds headers to the end of the list.
func (hs *Headers) Append(hdrs ...header.Header) *Headers {
	*hs = append(*hs, hdrs...)
	return hs
}

// Prepend inserts the header before all other headers of the same name,
// or at the beginning of the list if there are none.
func (hs *Headers) Prepend(hdr header.Header) *Headers {
	name := hdr.CanonicName()
	i := slices.IndexFunc(*hs, func(h header.Header) bool { return h.CanonicName() == name })
	if i < 0 {
		i = 0
	}
	*hs = slices.Insert(*hs, i, hdr)
	return hs
}

// Set replaces all headers of the same name with the given header.
// The header takes the position of the first replaced entry.
func (hs *Headers) Set(hdr header.Header) *Headers {
	name := hdr.CanonicName()
	i := slices.IndexFunc(*hs, func(h header.Header) bool { return h.CanonicName() == name })
	if i < 0 {
		return hs.Append(hdr)
	}
	(*hs)[i] = hdr
	*hs = append((*hs)[:i+1], slices.DeleteFunc((*hs)[i+1:], func(h header.Header) bool {
		return h.CanonicName() == name
	})...)
	return hs
}

// Del removes all headers with the given name.
func (hs *Headers) Del(name header.Name) *Headers {
	name = header.CanonicName(name)
	*hs = slices.DeleteFunc(*hs, func(h header.Header) bool { return h.CanonicName() == name })
	return hs
}

// Has reports whether at least one header with the given name exists.
func (hs Headers) Has(name header.Name) bool {
	name = header.CanonicName(name)
	return slices.ContainsFunc(hs, func(h header.Header) bool { return h.CanonicName() == name })
}

// Get returns headers with the given name.
func (hs Headers) Get(name header.Name) []header.Header {
	name = header.CanonicName(name)
	var out []header.Header
	for _, h := range hs {
		if h.CanonicName() == name {
			out = append(out, h)
		}
	}
	return out
}

// All iterates over headers in the wire order.
func (hs Headers) All() iter.Seq[header.Header] { return slices.Values(hs) }

func (hs Headers) Clone() Headers {
	if hs == nil {
		return nil
	}
	out := make(Headers, len(hs))
	for i, h := range hs {
		out[i] = h.Clone()
	}
	return out
}

func first[T header.Header](hs Headers) (T, bool) {
	for _, h := range hs {
		if v, ok := h.(T); ok {
			return v, true
		}
	}
	var zero T
	return zero, false
}

// FirstVia returns a pointer to the topmost Via hop.
// Changes made through the pointer are visible in the headers.
func (hs Headers) FirstVia() (*header.ViaHop, bool) {
	for _, h := range hs {
		if via, ok := h.(header.Via); ok && len(via) > 0 {
			return &via[0], true
		}
	}
	return nil, false
}

// Vias returns all Via hops in order.
func (hs Headers) Vias() []header.ViaHop {
	var hops []header.ViaHop
	for _, h := range hs {
		if via, ok := h.(header.Via); ok {
			hops = append(hops, via...)
		}
	}
	return hops
}

// PopVia removes the topmost Via hop.
func (hs *Headers) PopVia() {
	for i, h := range *hs {
		via, ok := h.(header.Via)
		if !ok {
			continue
		}
		if len(via) <= 1 {
			*hs = slices.Delete(*hs, i, i+1)
		} else {
			(*hs)[i] = via[1:]
		}
		return
	}
}

func (hs Headers) From() (*header.From, bool) { return first[*header.From](hs) }

func (hs Headers) To() (*header.To, bool) { return first[*header.To](hs) }

func (hs Headers) CallID() (header.CallID, bool) { return first[header.CallID](hs) }

func (hs Headers) CSeq() (*header.CSeq, bool) { return first[*header.CSeq](hs) }

func (hs Headers) MaxForwards() (header.MaxForwards, bool) { return first[header.MaxForwards](hs) }

func (hs Headers) Expires() (header.Expires, bool) { return first[header.Expires](hs) }

func (hs Headers) RetryAfter() (*header.RetryAfter, bool) { return first[*header.RetryAfter](hs) }

func (hs Headers) RSeq() (header.RSeq, bool) { return first[header.RSeq](hs) }

func (hs Headers) RAck() (*header.RAck, bool) { return first[*header.RAck](hs) }

func (hs Headers) Event() (*header.Event, bool) { return first[*header.Event](hs) }

// Contacts returns all Contact addresses in order.
func (hs Headers) Contacts() []header.NameAddr {
	var out []header.NameAddr
	for _, h := range hs {
		if v, ok := h.(header.Contact); ok {
			out = append(out, v...)
		}
	}
	return out
}

// Routes returns all Route addresses in order.
func (hs Headers) Routes() []header.NameAddr {
	var out []header.NameAddr
	for _, h := range hs {
		if v, ok := h.(header.Route); ok {
			out = append(out, v...)
		}
	}
	return out
}

// RecordRoutes returns all Record-Route addresses in order.
func (hs Headers) RecordRoutes() []header.NameAddr {
	var out []header.NameAddr
	for _, h := range hs {
		if v, ok := h.(header.RecordRoute); ok {
			out = append(out, v...)
		}
	}
	return out
}

// HasOption reports whether the option tag is listed in a Require or Supported header.
// The name selects which header to inspect.
func (hs Headers) HasOption(name header.Name, opt header.Option) bool {
	name = header.CanonicName(name)
	for _, h := range hs {
		if h.CanonicName() != name {
			continue
		}
		var opts []header.Option
		switch v := h.(type) {
		case header.Require:
			opts = v
		case header.Supported:
			opts = v
		}
		if slices.ContainsFunc(opts, func(o header.Option) bool { return util.EqFold(o, opt) }) {
			return true
		}
	}
	return false
}
