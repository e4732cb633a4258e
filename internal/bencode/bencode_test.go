package bencode

import (
	"bytes"
	"testing"
)

func TestWriter_DictRoundTrip(t *testing.T) {
	buf := make([]byte, 128)
	w := NewWriter(buf)

	if !w.BeginDict() ||
		!w.WriteKeyString("a", []byte("m")) ||
		!w.WriteKeyInt("T", 42) ||
		!w.End() {
		t.Fatalf("encode failed")
	}

	want := "d1:a1:m1:Ti42ee"
	if got := string(w.Bytes()); got != want {
		t.Fatalf("got %q want %q", got, want)
	}

	b := NewBuffer(w.Bytes())
	var gotA []byte
	var gotT uint64
	ok := ReadDict(b, func(key []byte) bool {
		if key == nil {
			return true
		}
		switch string(key) {
		case "a":
			s, ok := b.ReadString()
			gotA = s
			return ok
		case "T":
			v, ok := b.ReadInteger()
			gotT = v
			return ok
		}
		return false
	})
	if !ok {
		t.Fatalf("decode failed")
	}
	if !bytes.Equal(gotA, []byte("m")) || gotT != 42 {
		t.Fatalf("decoded a=%q T=%d", gotA, gotT)
	}
}

func TestWriter_FailsWhenFull(t *testing.T) {
	w := NewWriter(make([]byte, 4))
	if !w.BeginDict() {
		t.Fatalf("dict start should fit")
	}
	if w.WriteKeyString("K", []byte("0123456789")) {
		t.Fatalf("expected write to fail in a full buffer")
	}
}

func TestReadList(t *testing.T) {
	b := NewBuffer([]byte("li1ei2ei3ee"))
	var got []uint64
	ok := ReadList(b, func(has bool) bool {
		if !has {
			return true
		}
		v, ok := b.ReadInteger()
		got = append(got, v)
		return ok
	})
	if !ok {
		t.Fatalf("list decode failed")
	}
	if len(got) != 3 || got[0] != 1 || got[2] != 3 {
		t.Fatalf("got %v", got)
	}
}

func TestReadInteger_Malformed(t *testing.T) {
	for _, in := range []string{"ie", "i-1e", "i12", "x3e", "i1x2e"} {
		if _, ok := NewBuffer([]byte(in)).ReadInteger(); ok {
			t.Fatalf("expected %q to fail", in)
		}
	}
}

func TestReadString_Malformed(t *testing.T) {
	for _, in := range []string{":abc", "99:a", "abc", "4:abc"} {
		if _, ok := NewBuffer([]byte(in)).ReadString(); ok {
			t.Fatalf("expected %q to fail", in)
		}
	}
}

func TestReadDict_EmptyDictRejectedWhenCallbackSaysSo(t *testing.T) {
	// A decoder that requires at least one key reports failure on the
	// immediate terminator.
	ok := ReadDict(NewBuffer([]byte("de")), func(key []byte) bool {
		return key != nil
	})
	if ok {
		t.Fatalf("expected empty dict to be rejected")
	}
}
