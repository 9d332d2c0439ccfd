package sip

import (
	"iter"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipcore/internal/syncutil"
	"github.com/ghettovoice/sipcore/internal/util"
)

// ErrDialogExists is returned by [DialogTable.Insert] when the key is already taken.
const ErrDialogExists Error = "dialog already exists"

// DialogTable is a concurrent registry of established dialogs with at most one entry per key.
type DialogTable struct {
	items *syncutil.ShardMap[DialogKey, *Dialog]
}

func NewDialogTable() *DialogTable {
	return &DialogTable{items: syncutil.NewShardMap[DialogKey, *Dialog]()}
}

// Insert stores the dialog unless another one with the same key exists.
// On conflict it returns the stored dialog and [ErrDialogExists].
func (t *DialogTable) Insert(d *Dialog) (*Dialog, error) {
	return errtrace.Wrap2(t.insert(d.Key(), d))
}

func (t *DialogTable) insert(key DialogKey, d *Dialog) (*Dialog, error) {
	if !key.IsValid() {
		return nil, errtrace.Wrap(NewInvalidArgumentError("incomplete dialog key"))
	}
	cur, loaded := t.items.GetOrSet(key, d)
	if loaded && cur != d {
		return cur, errtrace.Wrap(ErrDialogExists)
	}
	return d, nil
}

func (t *DialogTable) Get(key DialogKey) (*Dialog, bool) { return t.items.Get(key) }

// Remove deletes the dialog if it is still the one stored under its key.
func (t *DialogTable) Remove(d *Dialog) bool {
	return t.items.DelFunc(d.Key(), func(cur *Dialog) bool { return cur == d })
}

// All iterates over a snapshot of the table.
func (t *DialogTable) All() iter.Seq[*Dialog] {
	return func(yield func(*Dialog) bool) {
		for _, d := range t.items.All() {
			if !yield(d) {
				return
			}
		}
	}
}

func (t *DialogTable) Len() int { return t.items.Len() }

// subscriptionKey identifies a subscription a NOTIFY can establish a dialog for (RFC 6665 Section 4.1.2.4).
type subscriptionKey struct {
	CallID   string
	LocalTag string
	Event    string
}

// subscriptionIndex maps outstanding SUBSCRIBE and REFER requests to their client dialogs.
type subscriptionIndex struct {
	items *syncutil.ShardMap[subscriptionKey, *Dialog]
}

func newSubscriptionIndex() *subscriptionIndex {
	return &subscriptionIndex{items: syncutil.NewShardMap[subscriptionKey, *Dialog]()}
}

func (idx *subscriptionIndex) add(d *Dialog) {
	if d.event == "" || d.server {
		return
	}
	idx.items.Set(subscriptionKey{CallID: d.callID, LocalTag: d.LocalTag(), Event: d.event}, d)
}

// match finds the subscription dialog for a NOTIFY.
func (idx *subscriptionIndex) match(notify *Request) (*Dialog, bool) {
	ev, ok := notify.Headers.Event()
	if !ok {
		return nil, false
	}
	d, ok := idx.items.Get(subscriptionKey{
		CallID:   CallIDOf(notify),
		LocalTag: ToTag(notify),
		Event:    util.LCase(ev.Type),
	})
	if !ok || !d.matchSubscription(notify) || d.State() == DialogStateTerminated {
		return nil, false
	}
	return d, true
}

func (idx *subscriptionIndex) remove(d *Dialog) {
	if d.event == "" || d.server {
		return
	}
	key := subscriptionKey{CallID: d.callID, LocalTag: d.LocalTag(), Event: d.event}
	idx.items.DelFunc(key, func(cur *Dialog) bool { return cur == d })
}
