package dht

import (
	"testing"
	"time"

	"mixnet-dht/internal/bencode"
	"mixnet-dht/internal/proto"
)

type sentEnvelope struct {
	to   Key
	body []byte
}

type fakeTimer struct {
	delay time.Duration
	fn    func()
}

// fakeRouter satisfies the Router capability surface for tests. QueueJob
// runs inline; timers are collected and fired by hand.
type fakeRouter struct {
	rc      *proto.RouterContact
	now     time.Time
	sent    []sentEnvelope
	timers  []fakeTimer
	noRoute bool
}

func newFakeRouter(rc *proto.RouterContact) *fakeRouter {
	return &fakeRouter{rc: rc, now: time.UnixMilli(1700000000000)}
}

func (f *fakeRouter) OurRC() *proto.RouterContact { return f.rc }

func (f *fakeRouter) SendToOrQueue(to Key, body []byte) bool {
	if f.noRoute {
		return false
	}
	f.sent = append(f.sent, sentEnvelope{to: to, body: append([]byte(nil), body...)})
	return true
}

func (f *fakeRouter) CallLater(d time.Duration, fn func()) {
	f.timers = append(f.timers, fakeTimer{delay: d, fn: fn})
}

func (f *fakeRouter) QueueJob(fn func()) { fn() }

func (f *fakeRouter) Now() time.Time { return f.now }

func (f *fakeRouter) Logf(format string, args ...any) {}

// fireCleanup runs the earliest scheduled timer, which Start always makes
// the cleanup tick.
func (f *fakeRouter) fireCleanup() {
	if len(f.timers) == 0 {
		return
	}
	t := f.timers[0]
	f.timers = f.timers[1:]
	t.fn()
}

func keyWithTail(b byte) Key {
	var k Key
	k[31] = b
	return k
}

func keyWithHead(b byte) Key {
	var k Key
	k[0] = b
	return k
}

func startContext(t *testing.T, ourKey Key, opts ...Option) (*Context, *fakeRouter) {
	t.Helper()
	rc := &proto.RouterContact{Addrs: []string{"127.0.0.1:7000"}}
	copy(rc.PubKey[:], ourKey[:])
	r := newFakeRouter(rc)
	c := NewContext(opts...)
	c.Start(ourKey, r)
	return c, r
}

func deliver(t *testing.T, c *Context, from Key, msgs ...Message) bool {
	t.Helper()
	env := NewImmediate(from)
	env.Msgs = msgs
	buf := make([]byte, proto.MaxEnvelopeSize)
	w := bencode.NewWriter(buf)
	if !env.BEncode(w) {
		t.Fatalf("encode inbound envelope")
	}
	return c.HandleEnvelope(from, w.Bytes())
}

func decodeSent(t *testing.T, from Key, env sentEnvelope) []Message {
	t.Helper()
	m, ok := DecodeImmediate(from, env.body)
	if !ok {
		t.Fatalf("sent envelope does not decode")
	}
	return m.Msgs
}

func peerRC(k Key) *proto.RouterContact {
	rc := &proto.RouterContact{Addrs: []string{"10.0.0.1:7000"}}
	copy(rc.PubKey[:], k[:])
	return rc
}

func TestIDsStrictlyMonotonic(t *testing.T) {
	c := NewContext()
	prev := c.nextID()
	for i := 0; i < 1000; i++ {
		id := c.nextID()
		if id <= prev {
			t.Fatalf("id %d not greater than %d", id, prev)
		}
		prev = id
	}
}

// S1: the target is us.
func TestRelayed_TargetIsUs(t *testing.T) {
	ourKey := keyWithTail(0x01)
	c, r := startContext(t, ourKey)
	c.AllowTransit(true)

	from := keyWithTail(0x02)
	ok := deliver(t, c, from, &FindRouter{Target: ourKey, TXID: 42})
	if !ok {
		t.Fatalf("handle failed")
	}
	if len(r.sent) != 1 || r.sent[0].to != from {
		t.Fatalf("expected one reply to %s", from.Hex())
	}
	msgs := decodeSent(t, ourKey, r.sent[0])
	gr, ok := msgs[0].(*GotRouter)
	if !ok || gr.TXID != 42 {
		t.Fatalf("expected GotRouter txid=42, got %+v", msgs[0])
	}
	if len(gr.Contacts) != 1 || gr.Contacts[0].PubKey != r.rc.PubKey {
		t.Fatalf("expected our contact in the reply")
	}
}

// S2: target unknown, empty bucket.
func TestRelayed_UnknownTargetEmptyBucket(t *testing.T) {
	c, r := startContext(t, keyWithTail(0x01))
	c.AllowTransit(true)

	var target Key
	for i := range target {
		target[i] = 0xFF
	}
	from := keyWithTail(0x02)
	deliver(t, c, from, &FindRouter{Target: target, TXID: 7, Iterative: true})

	msgs := decodeSent(t, keyWithTail(0x01), r.sent[0])
	gr := msgs[0].(*GotRouter)
	if gr.TXID != 7 || len(gr.Contacts) != 0 {
		t.Fatalf("expected empty GotRouter txid=7, got %+v", gr)
	}
}

// S3: iterative request is answered, never forwarded.
func TestRelayed_IterativeNoForward(t *testing.T) {
	ourKey := keyWithTail(0x10)
	c, r := startContext(t, ourKey)
	c.AllowTransit(true)
	c.PutPeer(peerRC(keyWithTail(0x20)))

	from := keyWithTail(0x40)
	deliver(t, c, from, &FindRouter{Target: keyWithTail(0x30), TXID: 5, Iterative: true})

	if len(r.sent) != 1 || r.sent[0].to != from {
		t.Fatalf("expected a single reply to the requester")
	}
	gr := decodeSent(t, ourKey, r.sent[0])[0].(*GotRouter)
	if gr.TXID != 5 || len(gr.Contacts) != 0 {
		t.Fatalf("expected empty GotRouter txid=5")
	}
	if c.NumPending() != 0 {
		t.Fatalf("iterative serve must not create transactions")
	}
}

// S4: recursive request from a farther-away requester is forwarded.
func TestRelayed_RecursiveForwards(t *testing.T) {
	ourKey := keyWithTail(0x10)
	c, r := startContext(t, ourKey)
	c.AllowTransit(true)
	next := keyWithTail(0x20)
	c.PutPeer(peerRC(next))

	from := keyWithHead(0xF0)
	target := keyWithTail(0x30)
	deliver(t, c, from, &FindRouter{Target: target, TXID: 5})

	if len(r.sent) != 1 || r.sent[0].to != next {
		t.Fatalf("expected forwarded lookup to %s", next.Hex())
	}
	fr := decodeSent(t, ourKey, r.sent[0])[0].(*FindRouter)
	if fr.Target != target || fr.Iterative {
		t.Fatalf("forwarded lookup should stay recursive for the same target")
	}
	if c.NumPending() != 1 {
		t.Fatalf("expected one pending transaction, got %d", c.NumPending())
	}
}

// Recursive request from a closer requester ends here instead of looping.
func TestRelayed_RecursiveLoopGuard(t *testing.T) {
	ourKey := keyWithHead(0xF0)
	c, r := startContext(t, ourKey)
	c.AllowTransit(true)
	c.PutPeer(peerRC(keyWithTail(0x20)))

	from := keyWithTail(0x10) // closer to target than we are
	deliver(t, c, from, &FindRouter{Target: keyWithTail(0x30), TXID: 6})

	if len(r.sent) != 1 || r.sent[0].to != from {
		t.Fatalf("expected a terminating reply to the requester")
	}
	gr := decodeSent(t, ourKey, r.sent[0])[0].(*GotRouter)
	if len(gr.Contacts) != 0 {
		t.Fatalf("loop guard should answer empty")
	}
	if c.NumPending() != 0 {
		t.Fatalf("loop guard must not forward")
	}
}

// The stored contact is served when the target sits in our bucket.
func TestRelayed_KnownTargetServed(t *testing.T) {
	ourKey := keyWithTail(0x01)
	c, r := startContext(t, ourKey)
	c.AllowTransit(true)
	target := keyWithTail(0x77)
	c.PutPeer(peerRC(target))

	from := keyWithTail(0x02)
	deliver(t, c, from, &FindRouter{Target: target, TXID: 9, Iterative: true})

	gr := decodeSent(t, ourKey, r.sent[0])[0].(*GotRouter)
	if len(gr.Contacts) != 1 || Key(gr.Contacts[0].PubKey) != target {
		t.Fatalf("expected the stored contact in the reply")
	}
}

func TestRelayed_TransitDisabledDrops(t *testing.T) {
	c, r := startContext(t, keyWithTail(0x01))

	ok := deliver(t, c, keyWithTail(0x02), &FindRouter{Target: keyWithTail(0x03), TXID: 1})
	if ok {
		t.Fatalf("handler should report failure with transit disabled")
	}
	if len(r.sent) != 0 {
		t.Fatalf("nothing should be sent with transit disabled")
	}
}

func TestRelayed_DuplicateTXDropped(t *testing.T) {
	ourKey := keyWithTail(0x10)
	c, r := startContext(t, ourKey)
	c.AllowTransit(true)
	c.PutPeer(peerRC(keyWithTail(0x20)))

	from := keyWithHead(0xF0)
	target := keyWithTail(0x30)
	deliver(t, c, from, &FindRouter{Target: target, TXID: 5})
	if c.NumPending() != 1 {
		t.Fatalf("setup: expected one pending transaction")
	}

	// The forwarded lookup created TXOwner{next, newid}; a duplicate of the
	// pending transaction's owner pair must be dropped.
	next := keyWithTail(0x20)
	var pendingID uint64
	for owner := range c.pendingTX {
		pendingID = owner.TXID
	}
	sent := len(r.sent)
	ok := deliver(t, c, next, &FindRouter{Target: target, TXID: pendingID})
	if ok {
		t.Fatalf("duplicate transaction should be dropped")
	}
	if len(r.sent) != sent {
		t.Fatalf("duplicate must not produce sends")
	}
}

func TestGotRouter_UnknownTXIDDropped(t *testing.T) {
	c, r := startContext(t, keyWithTail(0x01))
	ok := deliver(t, c, keyWithTail(0x02), gotRouterReply(12345, nil))
	if ok {
		t.Fatalf("unknown reply txid should be dropped")
	}
	if len(r.sent) != 0 || c.NumPending() != 0 {
		t.Fatalf("drop must be silent")
	}
}

// S5: a local lookup gives up after asking exactly three peers.
func TestLookup_IterationHopLimit(t *testing.T) {
	ourKey := keyWithTail(0x01)
	c, r := startContext(t, ourKey)

	for i := byte(0); i < 10; i++ {
		c.PutPeer(peerRC(keyWithTail(0x20 + i)))
	}

	completed := 0
	job := &RouterLookupJob{Target: keyWithHead(0x80)}
	job.Hook = func(j *RouterLookupJob) { completed++ }
	c.LookupRouterJob(job)

	asked := map[Key]bool{}
	rounds := 0
	for completed == 0 {
		if rounds++; rounds > 10 {
			t.Fatalf("lookup did not terminate")
		}
		if len(r.sent) == 0 {
			t.Fatalf("expected an outbound lookup")
		}
		env := r.sent[len(r.sent)-1]
		fr := decodeSent(t, ourKey, env)[0].(*FindRouter)
		if asked[env.to] {
			t.Fatalf("peer %s asked twice", env.to.Hex())
		}
		asked[env.to] = true
		deliver(t, c, env.to, gotRouterReply(fr.TXID, nil))
	}

	if len(asked) != 3 {
		t.Fatalf("expected exactly 3 peers asked, got %d", len(asked))
	}
	if completed != 1 {
		t.Fatalf("hook must run exactly once, ran %d times", completed)
	}
	if job.Found || job.Result != nil {
		t.Fatalf("failed lookup must report found=false")
	}
	if c.NumPending() != 0 {
		t.Fatalf("no transactions may remain")
	}
	if got := len(r.sent); got != 3 {
		t.Fatalf("no further sends after giving up, got %d", got)
	}
}

func TestLookup_CompletesOnContact(t *testing.T) {
	ourKey := keyWithTail(0x01)
	c, r := startContext(t, ourKey)
	peer := keyWithTail(0x20)
	c.PutPeer(peerRC(peer))

	var done *RouterLookupJob
	target := keyWithTail(0x30)
	job := &RouterLookupJob{Target: target, Hook: func(j *RouterLookupJob) { done = j }}
	c.LookupRouterJob(job)

	fr := decodeSent(t, ourKey, r.sent[0])[0].(*FindRouter)
	deliver(t, c, peer, gotRouterReply(fr.TXID, peerRC(target)))

	if done == nil || !done.Found || done.Result == nil {
		t.Fatalf("expected a found completion")
	}
	if Key(done.Result.PubKey) != target {
		t.Fatalf("wrong contact delivered")
	}
	if c.NumPending() != 0 {
		t.Fatalf("transaction should be removed on completion")
	}
}

func TestLookup_EmptyBucketFailsImmediately(t *testing.T) {
	c, _ := startContext(t, keyWithTail(0x01))
	ran := false
	c.LookupRouterJob(&RouterLookupJob{
		Target: keyWithTail(0x30),
		Hook: func(j *RouterLookupJob) {
			ran = true
			if j.Found {
				t.Fatalf("nothing to find with an empty bucket")
			}
		},
	})
	if !ran {
		t.Fatalf("hook should run immediately")
	}
}

// A completed relayed lookup answers the original requester directly.
func TestGotRouter_RelayedCompletionAnswersRequester(t *testing.T) {
	ourKey := keyWithTail(0x10)
	c, r := startContext(t, ourKey)
	c.AllowTransit(true)
	next := keyWithTail(0x20)
	c.PutPeer(peerRC(next))

	requester := keyWithHead(0xF0)
	target := keyWithTail(0x30)
	deliver(t, c, requester, &FindRouter{Target: target, TXID: 5})

	fr := decodeSent(t, ourKey, r.sent[0])[0].(*FindRouter)
	deliver(t, c, next, gotRouterReply(fr.TXID, peerRC(target)))

	last := r.sent[len(r.sent)-1]
	if last.to != requester {
		t.Fatalf("completion should answer the requester, went to %s", last.to.Hex())
	}
	gr := decodeSent(t, ourKey, last)[0].(*GotRouter)
	if gr.TXID != 5 || len(gr.Contacts) != 1 {
		t.Fatalf("requester should get the contact under their txid")
	}
	if c.NumPending() != 0 {
		t.Fatalf("transaction should be removed")
	}
}

// S6: an unanswered lookup times out via the cleanup tick.
func TestCleanup_TimesOutTransaction(t *testing.T) {
	ourKey := keyWithTail(0x01)
	c, r := startContext(t, ourKey)
	c.PutPeer(peerRC(keyWithTail(0x20)))

	var done *RouterLookupJob
	c.LookupRouterJob(&RouterLookupJob{
		Target: keyWithTail(0x30),
		Hook:   func(j *RouterLookupJob) { done = j },
	})
	if c.NumPending() != 1 {
		t.Fatalf("setup: expected one pending transaction")
	}

	r.now = r.now.Add(JobTimeout)
	r.fireCleanup()

	if done == nil {
		t.Fatalf("hook should fire on timeout")
	}
	if done.Found {
		t.Fatalf("timeout must complete with found=false")
	}
	if c.NumPending() != 0 {
		t.Fatalf("expired transaction should be erased")
	}
	if len(r.timers) == 0 {
		t.Fatalf("cleanup must reschedule itself")
	}
}

// Timeout boundary: 4999ms survives the tick, 5000ms expires.
func TestCleanup_Boundary(t *testing.T) {
	c, r := startContext(t, keyWithTail(0x01))
	c.PutPeer(peerRC(keyWithTail(0x20)))

	c.LookupRouterJob(&RouterLookupJob{Target: keyWithTail(0x30)})

	r.now = r.now.Add(JobTimeout - time.Millisecond)
	r.fireCleanup()
	if c.NumPending() != 1 {
		t.Fatalf("transaction expired one tick early")
	}

	r.now = r.now.Add(time.Millisecond)
	r.fireCleanup()
	if c.NumPending() != 0 {
		t.Fatalf("transaction should expire at the timeout")
	}
}

func TestSendFailureLeavesTransactionPending(t *testing.T) {
	c, r := startContext(t, keyWithTail(0x01))
	c.PutPeer(peerRC(keyWithTail(0x20)))
	r.noRoute = true

	c.LookupRouterJob(&RouterLookupJob{Target: keyWithTail(0x30)})
	if c.NumPending() != 1 {
		t.Fatalf("send failure must leave the transaction to time out")
	}
}

func TestPutRemovePeer(t *testing.T) {
	c, _ := startContext(t, keyWithTail(0x01))
	k := keyWithTail(0x55)
	c.PutPeer(peerRC(k))
	if c.NumPeers() != 1 {
		t.Fatalf("peer not stored")
	}
	c.RemovePeer(k)
	if c.NumPeers() != 0 {
		t.Fatalf("peer not removed")
	}
}
