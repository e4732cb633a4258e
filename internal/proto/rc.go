package proto

import (
	"crypto/ed25519"
	"errors"
	"time"

	"mixnet-dht/internal/bencode"
)

const (
	// RouterContactLifetime is how long a signed contact stays usable
	// after its LastUpdated stamp.
	RouterContactLifetime = 6 * time.Hour

	maxRCAddrs = 5
)

var (
	ErrBadContact   = errors.New("proto: bad router contact")
	ErrBadSignature = errors.New("proto: bad signature")
)

// RouterContact is a signed descriptor of a network participant: identity
// key, dialable addresses, and a freshness stamp. It travels inside
// GotRouter replies and is the unit the routing table stores.
type RouterContact struct {
	Addrs       []string
	PubKey      [32]byte
	LastUpdated uint64 // ms since epoch
	Sig         [64]byte
}

func (rc *RouterContact) BEncode(w *bencode.Writer) bool {
	if !w.BeginDict() {
		return false
	}
	if !w.WriteBytestring([]byte("a")) || !w.BeginList() {
		return false
	}
	for _, a := range rc.Addrs {
		if !w.WriteBytestring([]byte(a)) {
			return false
		}
	}
	if !w.End() {
		return false
	}
	if !w.WriteKeyString("k", rc.PubKey[:]) {
		return false
	}
	if !w.WriteKeyInt("u", rc.LastUpdated) {
		return false
	}
	if !w.WriteKeyString("z", rc.Sig[:]) {
		return false
	}
	return w.End()
}

// DecodeDict consumes one bencoded contact from b.
func (rc *RouterContact) DecodeDict(b *bencode.Buffer) bool {
	gotKey := false
	gotSig := false
	return bencode.ReadDict(b, func(key []byte) bool {
		if key == nil {
			return gotKey && gotSig
		}
		switch string(key) {
		case "a":
			return bencode.ReadList(b, func(has bool) bool {
				if !has {
					return true
				}
				s, ok := b.ReadString()
				if !ok || len(rc.Addrs) >= maxRCAddrs {
					return false
				}
				rc.Addrs = append(rc.Addrs, string(s))
				return true
			})
		case "k":
			s, ok := b.ReadString()
			if !ok || len(s) != len(rc.PubKey) {
				return false
			}
			copy(rc.PubKey[:], s)
			gotKey = true
			return true
		case "u":
			v, ok := b.ReadInteger()
			rc.LastUpdated = v
			return ok
		case "z":
			s, ok := b.ReadString()
			if !ok || len(s) != len(rc.Sig) {
				return false
			}
			copy(rc.Sig[:], s)
			gotSig = true
			return true
		}
		return false
	})
}

// signable returns the canonical encoding with the signature zeroed.
func (rc *RouterContact) signable() ([]byte, error) {
	tmp := *rc
	tmp.Sig = [64]byte{}
	buf := make([]byte, MaxEnvelopeSize)
	w := bencode.NewWriter(buf)
	if !tmp.BEncode(w) {
		return nil, ErrBadContact
	}
	return w.Bytes(), nil
}

// Sign stamps and signs the contact with the matching identity key.
func (rc *RouterContact) Sign(priv ed25519.PrivateKey, now time.Time) error {
	pub, ok := priv.Public().(ed25519.PublicKey)
	if !ok || len(pub) != len(rc.PubKey) {
		return ErrBadContact
	}
	copy(rc.PubKey[:], pub)
	rc.LastUpdated = uint64(now.UnixMilli())
	msg, err := rc.signable()
	if err != nil {
		return err
	}
	copy(rc.Sig[:], ed25519.Sign(priv, msg))
	return nil
}

// Verify checks the signature and, when now is non-zero, freshness.
func (rc *RouterContact) Verify(now time.Time) bool {
	msg, err := rc.signable()
	if err != nil {
		return false
	}
	if !ed25519.Verify(rc.PubKey[:], msg, rc.Sig[:]) {
		return false
	}
	if !now.IsZero() && rc.LastUpdated != 0 {
		age := now.UnixMilli() - int64(rc.LastUpdated)
		if age > RouterContactLifetime.Milliseconds() {
			return false
		}
	}
	return true
}

// Clone deep-copies the contact so stored entries never alias wire buffers.
func (rc *RouterContact) Clone() *RouterContact {
	out := *rc
	out.Addrs = append([]string(nil), rc.Addrs...)
	return &out
}
