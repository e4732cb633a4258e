package dht

import (
	"time"

	"mixnet-dht/internal/proto"
)

// TXOwner identifies an outstanding transaction from the perspective of the
// peer we asked: a peer may host many concurrent TXIDs we initiated.
type TXOwner struct {
	Node Key
	TXID uint64
}

// RouterLookupJob is the external completion hook for a locally originated
// router lookup. Hook is invoked exactly once; Result is populated iff Found.
type RouterLookupJob struct {
	Target Key
	Found  bool
	Result *proto.RouterContact
	Hook   func(*RouterLookupJob)
}

// IntroSetLookupHandler receives the validated introsets a local introset
// lookup produced. Called exactly once; an empty slice means not found.
type IntroSetLookupHandler func([]*proto.IntroSet)

type txKind uint8

const (
	txRouter txKind = iota
	txIntroAddr
	txIntroTag
)

// SearchJob is the in-flight state of one transaction: who asked, what they
// are looking for, which peers have been ruled out, and where results
// accumulate for multi-value (introset) lookups.
type SearchJob struct {
	Kind        txKind
	Requester   Key
	RequesterTX uint64
	Target      Key
	Started     time.Time

	// Exclude holds our own key plus every peer asked on this chain;
	// FindCloseExcluding consults it when stepping to the next peer.
	Exclude map[Key]struct{}
	// PeersAsked counts the distinct peers actually queried.
	PeersAsked map[Key]struct{}

	job *RouterLookupJob

	// Introset lookup state.
	Addr        proto.Address
	Topic       proto.Tag
	R           uint64
	ValuesFound []*proto.IntroSet
	introHook   IntroSetLookupHandler
}

func (s *SearchJob) IsExpired(now time.Time) bool {
	return now.Sub(s.Started) >= JobTimeout
}

// Completed fires the router lookup hook, if any. The Context removes the
// pending entry before calling this so the hook can never run twice.
func (s *SearchJob) Completed(rc *proto.RouterContact, timeout bool) {
	if s.job == nil || s.job.Hook == nil {
		return
	}
	if rc != nil {
		s.job.Found = true
		s.job.Result = rc.Clone()
	}
	s.job.Hook(s.job)
}

// validateIntro applies the per-value checks: signature, then target match.
func (s *SearchJob) validateIntro(is *proto.IntroSet, now time.Time) bool {
	if !is.Verify(now) {
		return false
	}
	switch s.Kind {
	case txIntroAddr:
		return is.Addr() == s.Addr
	case txIntroTag:
		return is.Topic == s.Topic
	}
	return false
}
