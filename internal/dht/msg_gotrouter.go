package dht

import (
	"mixnet-dht/internal/bencode"
	"mixnet-dht/internal/proto"
)

// GotRouter answers a FindRouter. An empty contact list means "not found";
// for in-flight transactions it triggers the next iteration step.
type GotRouter struct {
	From     Key
	Contacts []*proto.RouterContact // R
	TXID     uint64
	Version  uint64
}

// gotRouterReply builds the reply for txid, carrying rc when we have one.
func gotRouterReply(txid uint64, rc *proto.RouterContact) *GotRouter {
	m := &GotRouter{TXID: txid, Version: proto.Version}
	if rc != nil {
		m.Contacts = []*proto.RouterContact{rc}
	}
	return m
}

func (m *GotRouter) BEncode(w *bencode.Writer) bool {
	if !w.BeginDict() {
		return false
	}
	if !w.WriteKeyString("A", []byte{msgGotRouter}) {
		return false
	}
	if !w.WriteBytestring([]byte("R")) || !w.BeginList() {
		return false
	}
	for _, rc := range m.Contacts {
		if !rc.BEncode(w) {
			return false
		}
	}
	if !w.End() {
		return false
	}
	if !w.WriteKeyInt("T", m.TXID) {
		return false
	}
	if !w.WriteKeyInt("V", proto.Version) {
		return false
	}
	return w.End()
}

func (m *GotRouter) DecodeKey(key []byte, b *bencode.Buffer) bool {
	switch string(key) {
	case "R":
		return bencode.ReadList(b, func(has bool) bool {
			if !has {
				return true
			}
			var rc proto.RouterContact
			if !rc.DecodeDict(b) {
				return false
			}
			m.Contacts = append(m.Contacts, &rc)
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

func (m *GotRouter) Handle(ctx *Context, replies *[]Message) bool {
	pending := ctx.findPendingTX(m.From, m.TXID)
	if pending == nil || pending.Kind != txRouter {
		ctx.router.Logf("dht: reply for transaction we are not tracking, txid=%d from %s",
			m.TXID, m.From.Hex())
		return false
	}
	// Remove before completing so the hook can never fire twice.
	ctx.removePendingTX(m.From, m.TXID)

	if len(m.Contacts) > 0 {
		rc := m.Contacts[0]
		pending.Completed(rc, false)
		if pending.Requester != ctx.ourKey {
			ctx.dhtSendTo(pending.Requester, gotRouterReply(pending.RequesterTX, rc))
		}
		return true
	}

	// Empty reply: step to the next closest peer, or give up.
	pending.Exclude[m.From] = struct{}{}
	if len(pending.PeersAsked) < ctx.iterationHops {
		if next, ok := ctx.nodes.FindCloseExcluding(pending.Target, pending.Exclude); ok {
			ctx.router.Logf("dht: %s not found via %s, iterating to %s (asked %d peers)",
				pending.Target.Hex(), m.From.Hex(), next.Hex(), len(pending.PeersAsked))
			ctx.lookupRouter(pending.Target, pending.Requester, pending.RequesterTX,
				next, pending.job, true, pending.PeersAsked)
			return true
		}
	}
	ctx.router.Logf("dht: %s not found via %s, giving up", pending.Target.Hex(), m.From.Hex())
	pending.Completed(nil, false)
	if pending.Requester != ctx.ourKey {
		ctx.dhtSendTo(pending.Requester, gotRouterReply(pending.RequesterTX, nil))
	}
	return true
}
