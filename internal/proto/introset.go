package proto

import (
	"bytes"
	"crypto/ed25519"
	"encoding/hex"
	"time"

	"golang.org/x/crypto/blake2b"

	"mixnet-dht/internal/bencode"
)

const maxIntros = 8

// Address is a hidden service's DHT address, derived from its identity key.
type Address [32]byte

func (a Address) Hex() string   { return hex.EncodeToString(a[:]) }
func (a Address) IsZero() bool  { return a == Address{} }
func (a Address) Bytes() []byte { return a[:] }

// AddressFromKey derives the DHT address of a service identity key.
func AddressFromKey(pub [32]byte) Address {
	return Address(blake2b.Sum256(pub[:]))
}

// Tag is a fixed-size topic label services can advertise under. Shorter
// names are zero-padded.
type Tag [16]byte

func TagFromString(s string) Tag {
	var t Tag
	copy(t[:], s)
	return t
}

func (t Tag) String() string {
	return string(bytes.TrimRight(t[:], "\x00"))
}

func (t Tag) IsZero() bool { return t == Tag{} }

// DeriveKey maps the tag into the DHT keyspace so tag lookups can walk
// toward a deterministic home region.
func (t Tag) DeriveKey() [32]byte {
	return blake2b.Sum256(t[:])
}

// Intro is a single introduction point: the pivot router and the path on it
// where the service listens.
type Intro struct {
	Router  [32]byte
	PathID  [32]byte
	Expires uint64 // ms since epoch
}

func (in *Intro) bencode(w *bencode.Writer) bool {
	return w.BeginDict() &&
		w.WriteKeyString("k", in.Router[:]) &&
		w.WriteKeyString("p", in.PathID[:]) &&
		w.WriteKeyInt("x", in.Expires) &&
		w.End()
}

func (in *Intro) decodeDict(b *bencode.Buffer) bool {
	return bencode.ReadDict(b, func(key []byte) bool {
		if key == nil {
			return true
		}
		switch string(key) {
		case "k":
			s, ok := b.ReadString()
			if !ok || len(s) != len(in.Router) {
				return false
			}
			copy(in.Router[:], s)
			return true
		case "p":
			s, ok := b.ReadString()
			if !ok || len(s) != len(in.PathID) {
				return false
			}
			copy(in.PathID[:], s)
			return true
		case "x":
			v, ok := b.ReadInteger()
			in.Expires = v
			return ok
		}
		return false
	})
}

// IntroSet is a signed set of introduction points a hidden service publishes
// so others can initiate contact.
type IntroSet struct {
	Service [32]byte // service identity key; the DHT address derives from it
	Intros  []Intro
	Topic   Tag
	T       uint64 // publish stamp, ms since epoch; newest wins
	Sig     [64]byte
}

// Addr returns the DHT address the set lives at.
func (i *IntroSet) Addr() Address { return AddressFromKey(i.Service) }

func (i *IntroSet) BEncode(w *bencode.Writer) bool {
	if !w.BeginDict() {
		return false
	}
	if !w.WriteKeyString("a", i.Service[:]) {
		return false
	}
	if !w.WriteBytestring([]byte("i")) || !w.BeginList() {
		return false
	}
	for idx := range i.Intros {
		if !i.Intros[idx].bencode(w) {
			return false
		}
	}
	if !w.End() {
		return false
	}
	if !w.WriteKeyString("n", i.Topic[:]) {
		return false
	}
	if !w.WriteKeyInt("t", i.T) {
		return false
	}
	if !w.WriteKeyString("z", i.Sig[:]) {
		return false
	}
	return w.End()
}

func (i *IntroSet) DecodeDict(b *bencode.Buffer) bool {
	gotService := false
	gotSig := false
	return bencode.ReadDict(b, func(key []byte) bool {
		if key == nil {
			return gotService && gotSig
		}
		switch string(key) {
		case "a":
			s, ok := b.ReadString()
			if !ok || len(s) != len(i.Service) {
				return false
			}
			copy(i.Service[:], s)
			gotService = true
			return true
		case "i":
			return bencode.ReadList(b, func(has bool) bool {
				if !has {
					return true
				}
				if len(i.Intros) >= maxIntros {
					return false
				}
				var in Intro
				if !in.decodeDict(b) {
					return false
				}
				i.Intros = append(i.Intros, in)
				return true
			})
		case "n":
			s, ok := b.ReadString()
			if !ok || len(s) != len(i.Topic) {
				return false
			}
			copy(i.Topic[:], s)
			return true
		case "t":
			v, ok := b.ReadInteger()
			i.T = v
			return ok
		case "z":
			s, ok := b.ReadString()
			if !ok || len(s) != len(i.Sig) {
				return false
			}
			copy(i.Sig[:], s)
			gotSig = true
			return true
		}
		return false
	})
}

func (i *IntroSet) signable() ([]byte, bool) {
	tmp := *i
	tmp.Sig = [64]byte{}
	buf := make([]byte, MaxEnvelopeSize)
	w := bencode.NewWriter(buf)
	if !tmp.BEncode(w) {
		return nil, false
	}
	return w.Bytes(), true
}

func (i *IntroSet) Sign(priv ed25519.PrivateKey, now time.Time) error {
	pub, ok := priv.Public().(ed25519.PublicKey)
	if !ok || len(pub) != len(i.Service) {
		return ErrBadContact
	}
	copy(i.Service[:], pub)
	i.T = uint64(now.UnixMilli())
	msg, ok := i.signable()
	if !ok {
		return ErrBadContact
	}
	copy(i.Sig[:], ed25519.Sign(priv, msg))
	return nil
}

// Verify checks the signature and, when now is non-zero, that at least one
// intro is still live.
func (i *IntroSet) Verify(now time.Time) bool {
	msg, ok := i.signable()
	if !ok {
		return false
	}
	if !ed25519.Verify(i.Service[:], msg, i.Sig[:]) {
		return false
	}
	if now.IsZero() {
		return true
	}
	if len(i.Intros) == 0 {
		return false
	}
	ms := uint64(now.UnixMilli())
	for idx := range i.Intros {
		if i.Intros[idx].Expires == 0 || i.Intros[idx].Expires > ms {
			return true
		}
	}
	return false
}

// OtherIsNewer reports whether o supersedes this set.
func (i *IntroSet) OtherIsNewer(o *IntroSet) bool {
	return o != nil && o.T > i.T
}

func (i *IntroSet) Clone() *IntroSet {
	out := *i
	out.Intros = append([]Intro(nil), i.Intros...)
	return &out
}
