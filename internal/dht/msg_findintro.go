package dht

import (
	"mixnet-dht/internal/bencode"
	"mixnet-dht/internal/proto"
)

// FindIntro looks up the introsets of a hidden service, either by its DHT
// address ("S") or by a topic tag ("N"). R is the remaining recursion
// depth: each forwarding hop decrements it and at zero the query proceeds
// iteratively.
type FindIntro struct {
	From    Key
	Addr    proto.Address // S; zero for tag lookups
	Topic   proto.Tag     // N; zero for address lookups
	TXID    uint64
	R       uint64
	Version uint64
}

func (m *FindIntro) BEncode(w *bencode.Writer) bool {
	if !w.BeginDict() {
		return false
	}
	if !w.WriteKeyString("A", []byte{msgFindIntro}) {
		return false
	}
	if !m.Topic.IsZero() {
		if !w.WriteKeyString("N", m.Topic[:]) {
			return false
		}
	}
	if !w.WriteKeyInt("R", m.R) {
		return false
	}
	if m.Topic.IsZero() {
		if !w.WriteKeyString("S", m.Addr[:]) {
			return false
		}
	}
	return w.WriteKeyInt("T", m.TXID) &&
		w.WriteKeyInt("V", proto.Version) &&
		w.End()
}

func (m *FindIntro) DecodeKey(key []byte, b *bencode.Buffer) bool {
	switch string(key) {
	case "N":
		s, ok := b.ReadString()
		if !ok || len(s) != len(m.Topic) {
			return false
		}
		copy(m.Topic[:], s)
		return true
	case "R":
		v, ok := b.ReadInteger()
		m.R = v
		return ok
	case "S":
		s, ok := b.ReadString()
		if !ok || len(s) != len(m.Addr) {
			return false
		}
		copy(m.Addr[:], s)
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

func (m *FindIntro) Handle(ctx *Context, replies *[]Message) bool {
	if !ctx.allowTransit {
		ctx.router.Logf("dht: dropping introset lookup from %s, transit disabled", m.From.Hex())
		return false
	}
	if ctx.findPendingTX(m.From, m.TXID) != nil {
		ctx.router.Logf("dht: duplicate introset lookup from %s txid=%d", m.From.Hex(), m.TXID)
		return false
	}
	if m.Topic.IsZero() == m.Addr.IsZero() {
		ctx.router.Logf("dht: introset lookup from %s names neither address nor tag", m.From.Hex())
		return false
	}
	if m.Topic.IsZero() {
		ctx.lookupIntroAddrRelayed(m.From, m.TXID, m.Addr, m.R, replies)
	} else {
		ctx.lookupIntroTagRelayed(m.From, m.TXID, m.Topic, m.R, replies)
	}
	return true
}
