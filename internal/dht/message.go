package dht

import (
	"mixnet-dht/internal/bencode"
)

// Message is one DHT sub-message carried inside an immediate envelope.
// Implementations decode themselves field-by-field and handle against the
// local Context; replies they append travel back in a single envelope.
type Message interface {
	BEncode(w *bencode.Writer) bool
	DecodeKey(key []byte, b *bencode.Buffer) bool
	Handle(ctx *Context, replies *[]Message) bool
}

// Single-letter wire tags, carried under the "A" key.
const (
	msgFindRouter = 'R'
	msgGotRouter  = 'S'
	msgFindIntro  = 'F'
	msgGotIntro   = 'G'
)

// DecodeMessage decodes one tagged sub-message. The first key must be "A"
// with a one-byte type tag; every later key is delegated to the chosen
// message. Unknown tags and empty dictionaries fail the decode.
func DecodeMessage(from Key, b *bencode.Buffer) (Message, bool) {
	var msg Message
	firstKey := true
	ok := bencode.ReadDict(b, func(key []byte) bool {
		if key == nil {
			return !firstKey
		}
		if firstKey {
			if string(key) != "A" {
				return false
			}
			s, ok := b.ReadString()
			if !ok || len(s) != 1 {
				return false
			}
			switch s[0] {
			case msgFindRouter:
				msg = &FindRouter{From: from}
			case msgGotRouter:
				msg = &GotRouter{From: from}
			case msgFindIntro:
				msg = &FindIntro{From: from}
			case msgGotIntro:
				msg = &GotIntro{From: from}
			default:
				return false
			}
			firstKey = false
			return true
		}
		return msg.DecodeKey(key, b)
	})
	if !ok {
		return nil, false
	}
	return msg, true
}

// DecodeMessageList decodes the envelope's ordered sub-message list.
func DecodeMessageList(from Key, b *bencode.Buffer) ([]Message, bool) {
	var out []Message
	ok := bencode.ReadList(b, func(has bool) bool {
		if !has {
			return true
		}
		msg, ok := DecodeMessage(from, b)
		if !ok {
			return false
		}
		out = append(out, msg)
		return true
	})
	if !ok {
		return nil, false
	}
	return out, true
}
