package sim

import (
	"crypto/ed25519"
	"math/rand"
	"sync"
	"time"

	"mixnet-dht/internal/dht"
	"mixnet-dht/internal/proto"
)

// Network is an in-process deterministic "transport" for DHT testing.
// It is NOT production networking; it exists to measure algorithmic behavior.
type Network struct {
	mu    sync.RWMutex
	nodes map[dht.Key]*Node

	// Simulation knobs
	DropRate float64 // 0..1

	rngMu sync.Mutex
	rng   *rand.Rand
}

func NewNetwork(seed int64) *Network {
	return &Network{
		nodes: make(map[dht.Key]*Node),
		rng:   rand.New(rand.NewSource(seed)),
	}
}

func (nw *Network) add(node *Node) {
	nw.mu.Lock()
	nw.nodes[node.key] = node
	nw.mu.Unlock()
}

func (nw *Network) drop() bool {
	if nw.DropRate <= 0 {
		return false
	}
	nw.rngMu.Lock()
	defer nw.rngMu.Unlock()
	return nw.rng.Float64() < nw.DropRate
}

// deliver hands body to the target node's executor. Delivery is queued, not
// inline, because the Context holds its lock across handler dispatch.
func (nw *Network) deliver(from dht.Key, to dht.Key, body []byte) bool {
	nw.mu.RLock()
	target := nw.nodes[to]
	nw.mu.RUnlock()
	if target == nil {
		return false
	}
	if nw.drop() {
		return true
	}
	frame := append([]byte(nil), body...)
	target.QueueJob(func() {
		target.ctx.HandleEnvelope(from, frame)
	})
	return true
}

// Node wires one Context into the simulated network, providing the full
// dht.Router capability surface with a per-node executor goroutine.
type Node struct {
	nw   *Network
	key  dht.Key
	rc   *proto.RouterContact
	priv ed25519.PrivateKey
	ctx  *dht.Context

	jobs chan func()
	quit chan struct{}
	once sync.Once
}

func NewNode(nw *Network, opts ...dht.Option) (*Node, error) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, err
	}
	rc := &proto.RouterContact{Addrs: []string{"sim"}}
	if err := rc.Sign(priv, time.Now()); err != nil {
		return nil, err
	}

	n := &Node{
		nw:   nw,
		key:  dht.Key(pub),
		rc:   rc,
		priv: priv,
		ctx:  dht.NewContext(opts...),
		jobs: make(chan func(), 1024),
		quit: make(chan struct{}),
	}
	nw.add(n)
	go n.run()
	n.ctx.Start(n.key, n)
	return n, nil
}

func (n *Node) run() {
	for {
		select {
		case <-n.quit:
			return
		case fn := <-n.jobs:
			fn()
		}
	}
}

func (n *Node) Stop() {
	n.once.Do(func() { close(n.quit) })
}

func (n *Node) Key() dht.Key              { return n.key }
func (n *Node) RC() *proto.RouterContact  { return n.rc }
func (n *Node) DHT() *dht.Context         { return n.ctx }

// Know seeds n's routing table with other.
func (n *Node) Know(other *Node) {
	n.ctx.PutPeer(other.rc)
}

// dht.Router implementation.

func (n *Node) OurRC() *proto.RouterContact { return n.rc }

func (n *Node) SendToOrQueue(to dht.Key, body []byte) bool {
	return n.nw.deliver(n.key, to, body)
}

func (n *Node) CallLater(d time.Duration, fn func()) {
	time.AfterFunc(d, func() { n.QueueJob(fn) })
}

func (n *Node) QueueJob(fn func()) {
	select {
	case n.jobs <- fn:
	case <-n.quit:
	}
}

func (n *Node) Now() time.Time { return time.Now() }

func (n *Node) Logf(format string, args ...any) {}
