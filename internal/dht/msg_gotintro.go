package dht

import (
	"mixnet-dht/internal/bencode"
	"mixnet-dht/internal/proto"
)

// GotIntro answers a FindIntro with zero or more signed introsets.
type GotIntro struct {
	From    Key
	Intros  []*proto.IntroSet // I
	TXID    uint64
	Version uint64
}

func gotIntroReply(txid uint64, values []*proto.IntroSet) *GotIntro {
	return &GotIntro{TXID: txid, Intros: values, Version: proto.Version}
}

func (m *GotIntro) BEncode(w *bencode.Writer) bool {
	if !w.BeginDict() {
		return false
	}
	if !w.WriteKeyString("A", []byte{msgGotIntro}) {
		return false
	}
	if !w.WriteBytestring([]byte("I")) || !w.BeginList() {
		return false
	}
	for _, is := range m.Intros {
		if !is.BEncode(w) {
			return false
		}
	}
	if !w.End() {
		return false
	}
	return w.WriteKeyInt("T", m.TXID) &&
		w.WriteKeyInt("V", proto.Version) &&
		w.End()
}

func (m *GotIntro) DecodeKey(key []byte, b *bencode.Buffer) bool {
	switch string(key) {
	case "I":
		return bencode.ReadList(b, func(has bool) bool {
			if !has {
				return true
			}
			var is proto.IntroSet
			if !is.DecodeDict(b) {
				return false
			}
			m.Intros = append(m.Intros, &is)
			return true
		})
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

func (m *GotIntro) Handle(ctx *Context, replies *[]Message) bool {
	pending := ctx.findPendingTX(m.From, m.TXID)
	if pending == nil || pending.Kind == txRouter {
		ctx.router.Logf("dht: introset reply for transaction we are not tracking, txid=%d from %s",
			m.TXID, m.From.Hex())
		return false
	}

	now := ctx.router.Now()
	for _, is := range m.Intros {
		if !pending.validateIntro(is, now) {
			ctx.router.Logf("dht: dropping invalid introset from %s", m.From.Hex())
			continue
		}
		pending.ValuesFound = append(pending.ValuesFound, is.Clone())
	}

	if len(pending.ValuesFound) > 0 {
		ctx.removePendingTX(m.From, m.TXID)
		ctx.sendIntroReply(pending)
		return true
	}

	// Nothing valid yet: step to the next closest peer, or give up.
	pending.Exclude[m.From] = struct{}{}
	if len(pending.PeersAsked) < ctx.introHops {
		if next, ok := ctx.nodes.FindCloseExcluding(pending.Target, pending.Exclude); ok {
			ctx.removePendingTX(m.From, m.TXID)
			r := pending.R
			if r > 0 {
				r--
			}
			ctx.lookupIntro(pending.Kind, pending.Addr, pending.Topic, pending.Requester,
				pending.RequesterTX, next, r, pending.PeersAsked, pending.introHook)
			return true
		}
	}
	ctx.removePendingTX(m.From, m.TXID)
	ctx.sendIntroReply(pending)
	return true
}
