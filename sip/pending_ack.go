package sip

import (
	"github.com/ghettovoice/sipcore/internal/syncutil"
)

// pendingAck is an INVITE server transaction in the accepted state waiting for the ACK of its 2xx.
type pendingAck struct {
	tx     *InviteServerTransaction
	dialog *Dialog
	seq    uint32
}

// pendingAckTable matches 2xx ACKs, which carry a new branch, to INVITE server transactions.
type pendingAckTable struct {
	items *syncutil.ShardMap[DialogKey, *pendingAck]
}

func newPendingAckTable() *pendingAckTable {
	return &pendingAckTable{items: syncutil.NewShardMap[DialogKey, *pendingAck]()}
}

func (t *pendingAckTable) add(key DialogKey, rec *pendingAck) { t.items.Set(key, rec) }

// take removes and returns the record matching the ACK dialog key and CSeq number.
func (t *pendingAckTable) take(key DialogKey, seq uint32) (*pendingAck, bool) {
	rec, ok := t.items.Get(key)
	if !ok || rec.seq != seq {
		return nil, false
	}
	if !t.items.DelFunc(key, func(cur *pendingAck) bool { return cur == rec }) {
		return nil, false
	}
	return rec, true
}

// removeTx drops the record of a terminated transaction.
func (t *pendingAckTable) removeTx(key DialogKey, tx *InviteServerTransaction) {
	t.items.DelFunc(key, func(cur *pendingAck) bool { return cur.tx == tx })
}

func (t *pendingAckTable) Len() int { return t.items.Len() }
