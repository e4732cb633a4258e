package dht

import (
	"bytes"
	"sort"
	"time"

	"mixnet-dht/internal/proto"
)

// IntroStore holds the introsets this node currently serves, one per
// service address, newest wins. Like the Bucket it is owned by the Context
// and relies on the Context for serialization.
type IntroStore struct {
	sets map[proto.Address]*proto.IntroSet
}

func NewIntroStore() *IntroStore {
	return &IntroStore{sets: make(map[proto.Address]*proto.IntroSet)}
}

func (s *IntroStore) Len() int { return len(s.sets) }

// Put stores is unless a set for the same address with the same or a newer
// stamp is already held.
func (s *IntroStore) Put(is *proto.IntroSet) bool {
	addr := is.Addr()
	if old, ok := s.sets[addr]; ok && !old.OtherIsNewer(is) {
		return false
	}
	s.sets[addr] = is.Clone()
	return true
}

func (s *IntroStore) GetByAddr(addr proto.Address) (*proto.IntroSet, bool) {
	is, ok := s.sets[addr]
	if !ok {
		return nil, false
	}
	return is.Clone(), true
}

func (s *IntroStore) Remove(addr proto.Address) {
	delete(s.sets, addr)
}

// FindByTag returns up to limit stored introsets advertising tag, skipping
// services named in exclude. Iteration is address-ordered so results are
// deterministic.
func (s *IntroStore) FindByTag(tag proto.Tag, exclude map[proto.Address]struct{}, limit int) []*proto.IntroSet {
	if limit <= 0 {
		return nil
	}
	addrs := make([]proto.Address, 0, len(s.sets))
	for a := range s.sets {
		addrs = append(addrs, a)
	}
	sort.Slice(addrs, func(i, j int) bool {
		return bytes.Compare(addrs[i][:], addrs[j][:]) < 0
	})

	var out []*proto.IntroSet
	for _, a := range addrs {
		if _, skip := exclude[a]; skip {
			continue
		}
		is := s.sets[a]
		if is.Topic != tag {
			continue
		}
		out = append(out, is.Clone())
		if len(out) == limit {
			break
		}
	}
	return out
}

// SweepExpired drops introsets with no live intros left.
func (s *IntroStore) SweepExpired(now time.Time) int {
	n := 0
	for a, is := range s.sets {
		if !anyIntroLive(is, now) {
			delete(s.sets, a)
			n++
		}
	}
	return n
}

func anyIntroLive(is *proto.IntroSet, now time.Time) bool {
	ms := uint64(now.UnixMilli())
	for i := range is.Intros {
		if is.Intros[i].Expires == 0 || is.Intros[i].Expires > ms {
			return true
		}
	}
	return false
}
