package dht

import (
	"mixnet-dht/internal/bencode"
	"mixnet-dht/internal/proto"
)

// ImmediateMessage is the link-layer envelope: exactly one per delivery,
// holding an ordered list of DHT sub-messages and the protocol version.
type ImmediateMessage struct {
	Remote  Key
	Msgs    []Message
	Version uint64
}

func NewImmediate(remote Key) *ImmediateMessage {
	return &ImmediateMessage{Remote: remote, Version: proto.Version}
}

func (m *ImmediateMessage) BEncode(w *bencode.Writer) bool {
	if !w.BeginDict() {
		return false
	}
	if !w.WriteKeyString("a", []byte("m")) {
		return false
	}
	if !w.WriteBytestring([]byte("m")) || !w.BeginList() {
		return false
	}
	for _, msg := range m.Msgs {
		if !msg.BEncode(w) {
			return false
		}
	}
	if !w.End() {
		return false
	}
	if !w.WriteKeyInt("V", proto.Version) {
		return false
	}
	return w.End()
}

// DecodeImmediate parses an envelope received from remote. A malformed
// item, unknown sub-message tag, or version mismatch fails the whole
// envelope; partially decoded messages are discarded.
func DecodeImmediate(remote Key, body []byte) (*ImmediateMessage, bool) {
	m := &ImmediateMessage{Remote: remote, Version: proto.Version}
	b := bencode.NewBuffer(body)
	firstKey := true
	ok := bencode.ReadDict(b, func(key []byte) bool {
		if key == nil {
			return !firstKey
		}
		if firstKey {
			if string(key) != "a" {
				return false
			}
			s, ok := b.ReadString()
			if !ok || len(s) != 1 || s[0] != 'm' {
				return false
			}
			firstKey = false
			return true
		}
		switch string(key) {
		case "m":
			msgs, ok := DecodeMessageList(remote, b)
			if !ok {
				return false
			}
			m.Msgs = msgs
			return true
		case "V":
			v, ok := b.ReadInteger()
			if !ok {
				return false
			}
			m.Version = v
			return v == proto.Version
		}
		return false
	})
	if !ok {
		return nil, false
	}
	return m, true
}
