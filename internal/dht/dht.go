package dht

import (
	"time"

	"mixnet-dht/internal/proto"
)

// Timing and iteration defaults for the transaction manager.
const (
	// JobTimeout is how long a pending transaction may wait for a reply.
	JobTimeout = 5 * time.Second
	// CleanupInterval is the period of the expiry sweep.
	CleanupInterval = 1 * time.Second
	// DefaultIterationHops bounds how many distinct peers a router lookup
	// asks before giving up.
	DefaultIterationHops = 3
	// DefaultIntroRecursion is the starting recursion depth for introset
	// lookups; each forwarding hop decrements it and at zero the query
	// proceeds iteratively.
	DefaultIntroRecursion = 4
	// localTagQuota is how many introsets a tag reply may hold in total
	// after merging local matches.
	localTagQuota = 2
)

// Router is the narrow capability surface the DHT needs from its owning
// node: its signed contact, a non-blocking send, timers, an executor, a
// clock, and a logger. Keeping it this small keeps the core testable with
// a fake transport.
type Router interface {
	OurRC() *proto.RouterContact

	// SendToOrQueue hands an encoded envelope to the link layer. It must
	// not block; it returns false only when no route to the peer exists
	// at all.
	SendToOrQueue(to Key, body []byte) bool

	// CallLater arranges a one-shot callback on the DHT's executor.
	CallLater(d time.Duration, fn func())

	// QueueJob enqueues a callback onto the DHT's executor. Safe to call
	// from any goroutine.
	QueueJob(fn func())

	Now() time.Time

	Logf(format string, args ...any)
}
