package dht

import (
	"crypto/rand"
	"encoding/binary"
	"sync"

	"mixnet-dht/internal/bencode"
	"mixnet-dht/internal/proto"
)

// Context is the process-wide DHT state: the routing table, the pending
// transaction map, the TXID counter, and the introset store. A single mutex
// covers every entry point; handlers run to completion and either enqueue a
// send or return.
type Context struct {
	mu sync.Mutex

	ourKey       Key
	nodes        *Bucket
	services     *IntroStore
	pendingTX    map[TXOwner]*SearchJob
	ids          uint64
	allowTransit bool
	router       Router

	iterationHops int
	introHops     int
}

type Option func(*Context)

// WithIterationHops tunes how many distinct peers a router lookup asks
// before giving up.
func WithIterationHops(n int) Option {
	return func(c *Context) {
		if n > 0 {
			c.iterationHops = n
		}
	}
}

// WithIntroHops tunes the same bound for introset lookups.
func WithIntroHops(n int) Option {
	return func(c *Context) {
		if n > 0 {
			c.introHops = n
		}
	}
}

// NewContext builds an idle Context. The TXID counter seeds from the
// CSPRNG; colliding TXIDs across peers would corrupt the transaction map.
func NewContext(opts ...Option) *Context {
	var seed [8]byte
	_, _ = rand.Read(seed[:])
	c := &Context{
		pendingTX:     make(map[TXOwner]*SearchJob),
		ids:           binary.BigEndian.Uint64(seed[:]),
		iterationHops: DefaultIterationHops,
		introHops:     DefaultIntroRecursion,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start initializes the routing table and schedules the cleanup timer.
func (c *Context) Start(ourKey Key, r Router) {
	c.mu.Lock()
	c.ourKey = ourKey
	c.router = r
	c.nodes = NewBucket(ourKey)
	c.services = NewIntroStore()
	c.mu.Unlock()
	r.Logf("dht: initialized with key %s", ourKey.Hex())
	c.scheduleCleanup()
}

func (c *Context) OurKey() Key {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ourKey
}

// AllowTransit switches whether we serve queries for others.
func (c *Context) AllowTransit(ok bool) {
	c.mu.Lock()
	c.allowTransit = ok
	c.mu.Unlock()
}

// PutPeer inserts or overwrites a routing table entry.
func (c *Context) PutPeer(rc *proto.RouterContact) {
	c.mu.Lock()
	if c.nodes != nil {
		c.nodes.Put(Node{ID: Key(rc.PubKey), RC: rc.Clone()})
	}
	c.mu.Unlock()
}

func (c *Context) RemovePeer(id Key) {
	c.mu.Lock()
	if c.nodes != nil {
		c.nodes.Del(id)
	}
	c.mu.Unlock()
}

func (c *Context) NumPeers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.nodes == nil {
		return 0
	}
	return c.nodes.Len()
}

func (c *Context) NumPending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pendingTX)
}

// PublishIntroSet stores an introset into the local served set. Used both
// by locally hosted hidden services and by the serve path.
func (c *Context) PublishIntroSet(is *proto.IntroSet) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.services.Put(is)
}

// LookupRouterJob enqueues a local router lookup; job.Hook runs exactly
// once on completion.
func (c *Context) LookupRouterJob(job *RouterLookupJob) {
	job.Found = false
	c.router.QueueJob(func() {
		c.mu.Lock()
		peer, ok := c.nodes.FindClosest(job.Target)
		if ok {
			c.lookupRouter(job.Target, c.ourKey, 0, peer, job, false, nil)
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()
		if job.Hook != nil {
			job.Hook(job)
		}
	})
}

// nextID allocates a strictly monotonically increasing transaction id.
func (c *Context) nextID() uint64 {
	c.ids++
	return c.ids
}

func (c *Context) findPendingTX(owner Key, txid uint64) *SearchJob {
	return c.pendingTX[TXOwner{Node: owner, TXID: txid}]
}

func (c *Context) removePendingTX(owner Key, txid uint64) {
	delete(c.pendingTX, TXOwner{Node: owner, TXID: txid})
}

// lookupRouter starts a transaction asking askpeer for target. asked lists
// peers already queried on this chain; the new exclusion set always holds
// our own key and askpeer. A zero txid means this lookup originated here
// and the allocated id doubles as the echoed TXID.
func (c *Context) lookupRouter(target, whoasked Key, txid uint64, askpeer Key,
	job *RouterLookupJob, iterative bool, asked map[Key]struct{}) {
	if target.IsZero() || whoasked.IsZero() || askpeer.IsZero() {
		return
	}
	id := c.nextID()
	if txid == 0 {
		txid = id
	}
	exclude, peersAsked := chainSets(c.ourKey, askpeer, asked)
	c.pendingTX[TXOwner{Node: askpeer, TXID: id}] = &SearchJob{
		Kind:        txRouter,
		Requester:   whoasked,
		RequesterTX: txid,
		Target:      target,
		Started:     c.router.Now(),
		Exclude:     exclude,
		PeersAsked:  peersAsked,
		job:         job,
	}
	c.router.Logf("dht: asking %s for router %s on behalf of %s",
		askpeer.Hex(), target.Hex(), whoasked.Hex())
	c.dhtSendTo(askpeer, &FindRouter{Target: target, TXID: id, Iterative: iterative})
}

// chainSets builds the exclusion and asked-peer sets for the next hop.
func chainSets(ourKey, askpeer Key, asked map[Key]struct{}) (exclude, peersAsked map[Key]struct{}) {
	exclude = make(map[Key]struct{}, len(asked)+2)
	peersAsked = make(map[Key]struct{}, len(asked)+1)
	for k := range asked {
		exclude[k] = struct{}{}
		peersAsked[k] = struct{}{}
	}
	exclude[ourKey] = struct{}{}
	exclude[askpeer] = struct{}{}
	peersAsked[askpeer] = struct{}{}
	return
}

// lookupRouterRelayed serves a FindRouter on behalf of requester, appending
// exactly one GotRouter to replies unless the query is forwarded.
func (c *Context) lookupRouterRelayed(requester Key, txid uint64, target Key,
	recursive bool, replies *[]Message) {
	if target == c.ourKey {
		*replies = append(*replies, gotRouterReply(txid, c.router.OurRC()))
		return
	}
	exclude := map[Key]struct{}{requester: {}, c.ourKey: {}}
	next, ok := c.nodes.FindCloseExcluding(target, exclude)
	if !ok {
		c.router.Logf("dht: no closer peers for %s, telling %s we don't have it",
			target.Hex(), requester.Hex())
		*replies = append(*replies, gotRouterReply(txid, nil))
		return
	}
	if next == target {
		if n, ok := c.nodes.Get(target); ok {
			*replies = append(*replies, gotRouterReply(txid, n.RC))
			return
		}
		*replies = append(*replies, gotRouterReply(txid, nil))
		return
	}
	if !recursive {
		c.router.Logf("dht: iterative request for %s, telling %s to step themselves",
			target.Hex(), requester.Hex())
		*replies = append(*replies, gotRouterReply(txid, nil))
		return
	}
	if DistanceLess(Xor(requester, target), Xor(c.ourKey, target)) {
		// The requester is already closer than we are; forwarding would
		// walk the query backward.
		c.router.Logf("dht: we aren't closer to %s than %s, ending here",
			target.Hex(), requester.Hex())
		*replies = append(*replies, gotRouterReply(txid, nil))
		return
	}
	c.lookupRouter(target, requester, txid, next, nil, false, nil)
}

// cleanupTX expires stale transactions, completing each with a timeout.
func (c *Context) cleanupTX() {
	now := c.router.Now()
	var expired []*SearchJob
	for owner, tx := range c.pendingTX {
		if tx.IsExpired(now) {
			expired = append(expired, tx)
			delete(c.pendingTX, owner)
		}
	}
	for _, tx := range expired {
		switch tx.Kind {
		case txRouter:
			tx.Completed(nil, true)
			if tx.Requester != c.ourKey {
				c.dhtSendTo(tx.Requester, gotRouterReply(tx.RequesterTX, nil))
			}
		default:
			c.sendIntroReply(tx)
		}
	}
}

func (c *Context) scheduleCleanup() {
	c.router.CallLater(CleanupInterval, func() {
		c.mu.Lock()
		c.cleanupTX()
		c.services.SweepExpired(c.router.Now())
		c.mu.Unlock()
		c.scheduleCleanup()
	})
}

// dhtSendTo wraps msgs in one immediate envelope and hands it to the link
// layer. A send failure leaves any pending transaction in place; it will
// time out.
func (c *Context) dhtSendTo(to Key, msgs ...Message) bool {
	env := NewImmediate(to)
	env.Msgs = msgs
	buf := make([]byte, proto.MaxEnvelopeSize)
	w := bencode.NewWriter(buf)
	if !env.BEncode(w) {
		c.router.Logf("dht: envelope for %s does not fit, dropping", to.Hex())
		return false
	}
	return c.router.SendToOrQueue(to, w.Bytes())
}

// HandleEnvelope dispatches one inbound envelope from remote. Sub-messages
// are handled in order; accumulated replies travel back in a single
// envelope to the sender.
func (c *Context) HandleEnvelope(remote Key, body []byte) bool {
	env, ok := DecodeImmediate(remote, body)
	if !ok {
		c.router.Logf("dht: malformed envelope from %s", remote.Hex())
		return false
	}
	c.mu.Lock()
	if c.nodes == nil {
		// Frame raced ahead of Start.
		c.mu.Unlock()
		return false
	}
	var replies []Message
	result := true
	for _, msg := range env.Msgs {
		result = msg.Handle(c, &replies) && result
	}
	if len(replies) > 0 {
		c.dhtSendTo(remote, replies...)
	}
	c.mu.Unlock()
	return result
}
