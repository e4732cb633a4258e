package dht

import (
	"sort"

	"mixnet-dht/internal/proto"
)

// Node is a routing table entry.
type Node struct {
	ID Key
	RC *proto.RouterContact
}

// maxDistance is the all-0xFF key; FindCloseExcluding rejects candidates
// that are not strictly closer than it.
var maxDistance = func() (k Key) {
	for i := range k {
		k[i] = 0xFF
	}
	return
}()

// Bucket is the single routing table for the local node. It is not
// safe for concurrent use; the owning Context serializes access.
type Bucket struct {
	self  Key
	nodes map[Key]*Node
}

func NewBucket(self Key) *Bucket {
	return &Bucket{self: self, nodes: make(map[Key]*Node)}
}

// Put inserts or overwrites by ID. The local node's own key is never stored.
func (b *Bucket) Put(n Node) {
	if n.ID == b.self || n.ID.IsZero() {
		return
	}
	b.nodes[n.ID] = &n
}

func (b *Bucket) Del(k Key) {
	delete(b.nodes, k)
}

func (b *Bucket) Get(k Key) (*Node, bool) {
	n, ok := b.nodes[k]
	return n, ok
}

func (b *Bucket) Len() int { return len(b.nodes) }

// sortedKeys gives a stable iteration order so distance ties break
// deterministically.
func (b *Bucket) sortedKeys() []Key {
	keys := make([]Key, 0, len(b.nodes))
	for k := range b.nodes {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return DistanceLess(keys[i], keys[j])
	})
	return keys
}

// FindClosest returns the entry with minimum XOR distance to target.
// It fails only on an empty bucket.
func (b *Bucket) FindClosest(target Key) (Key, bool) {
	if len(b.nodes) == 0 {
		return Key{}, false
	}
	mindist := maxDistance
	var result Key
	found := false
	for _, k := range b.sortedKeys() {
		cur := Xor(k, target)
		if !found || DistanceLess(cur, mindist) {
			mindist = cur
			result = k
			found = true
		}
	}
	return result, true
}

// FindCloseExcluding is FindClosest skipping every key in exclude. It fails
// when no candidate survives or the best surviving candidate is not strictly
// closer than the maximum distance.
func (b *Bucket) FindCloseExcluding(target Key, exclude map[Key]struct{}) (Key, bool) {
	mindist := maxDistance
	var result Key
	for _, k := range b.sortedKeys() {
		if _, skip := exclude[k]; skip {
			continue
		}
		cur := Xor(k, target)
		if DistanceLess(cur, mindist) {
			mindist = cur
			result = k
		}
	}
	return result, DistanceLess(mindist, maxDistance)
}
