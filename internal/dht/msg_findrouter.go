package dht

import (
	"mixnet-dht/internal/bencode"
	"mixnet-dht/internal/proto"
)

// FindRouter asks the receiver to resolve a router identity key to its
// signed contact.
type FindRouter struct {
	From      Key
	Target    Key // K
	TXID      uint64
	Iterative bool
	Version   uint64
}

func (m *FindRouter) BEncode(w *bencode.Writer) bool {
	iter := uint64(0)
	if m.Iterative {
		iter = 1
	}
	return w.BeginDict() &&
		w.WriteKeyString("A", []byte{msgFindRouter}) &&
		w.WriteKeyInt("I", iter) &&
		w.WriteKeyString("K", m.Target[:]) &&
		w.WriteKeyInt("T", m.TXID) &&
		w.WriteKeyInt("V", proto.Version) &&
		w.End()
}

func (m *FindRouter) DecodeKey(key []byte, b *bencode.Buffer) bool {
	switch string(key) {
	case "I":
		v, ok := b.ReadInteger()
		m.Iterative = v != 0
		return ok
	case "K":
		s, ok := b.ReadString()
		if !ok || len(s) != KeyBytes {
			return false
		}
		copy(m.Target[:], s)
		return true
	case "T":
		v, ok := b.ReadInteger()
		m.TXID = v
		return ok
	case "V":
		v, ok := b.ReadInteger()
		if !ok {
			return false
		}
		m.Version = v
		return v == proto.Version
	}
	return false
}

func (m *FindRouter) Handle(ctx *Context, replies *[]Message) bool {
	if !ctx.allowTransit {
		ctx.router.Logf("dht: dropping lookup from %s, transit disabled", m.From.Hex())
		return false
	}
	if ctx.findPendingTX(m.From, m.TXID) != nil {
		ctx.router.Logf("dht: duplicate lookup from %s txid=%d", m.From.Hex(), m.TXID)
		return false
	}
	ctx.lookupRouterRelayed(m.From, m.TXID, m.Target, !m.Iterative, replies)
	return true
}
