package dht

import (
	"testing"

	"mixnet-dht/internal/bencode"
	"mixnet-dht/internal/proto"
)

func BenchmarkBucket_FindClosest(b *testing.B) {
	bk := NewBucket(RandomKey())
	for i := 0; i < 2000; i++ {
		bk.Put(nodeWithKey(RandomKey()))
	}
	target := RandomKey()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = bk.FindClosest(target)
	}
}

func BenchmarkBucket_FindCloseExcluding(b *testing.B) {
	bk := NewBucket(RandomKey())
	keys := make([]Key, 2000)
	for i := range keys {
		keys[i] = RandomKey()
		bk.Put(nodeWithKey(keys[i]))
	}
	exclude := map[Key]struct{}{keys[0]: {}, keys[1]: {}, keys[2]: {}}
	target := RandomKey()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = bk.FindCloseExcluding(target, exclude)
	}
}

func BenchmarkEnvelope_Decode(b *testing.B) {
	env := NewImmediate(RandomKey())
	env.Msgs = []Message{
		&FindRouter{Target: RandomKey(), TXID: 1},
		&FindRouter{Target: RandomKey(), TXID: 2, Iterative: true},
	}
	buf := make([]byte, proto.MaxEnvelopeSize)
	w := bencode.NewWriter(buf)
	if !env.BEncode(w) {
		b.Fatalf("encode failed")
	}
	body := w.Bytes()
	from := RandomKey()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, ok := DecodeImmediate(from, body); !ok {
			b.Fatalf("decode failed")
		}
	}
}
