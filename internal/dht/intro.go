package dht

import (
	"mixnet-dht/internal/proto"
)

// LookupIntroByAddr enqueues an introset lookup for a hidden-service
// address. handler runs exactly once with the validated results.
func (c *Context) LookupIntroByAddr(addr proto.Address, handler IntroSetLookupHandler) {
	c.router.QueueJob(func() {
		c.mu.Lock()
		if is, ok := c.services.GetByAddr(addr); ok {
			c.mu.Unlock()
			if handler != nil {
				handler([]*proto.IntroSet{is})
			}
			return
		}
		peer, ok := c.nodes.FindClosest(Key(addr))
		if ok {
			c.lookupIntro(txIntroAddr, addr, proto.Tag{}, c.ourKey, 0, peer,
				uint64(c.introHops), nil, handler)
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()
		if handler != nil {
			handler(nil)
		}
	})
}

// LookupIntroByTag enqueues an introset lookup for a topic tag.
func (c *Context) LookupIntroByTag(tag proto.Tag, handler IntroSetLookupHandler) {
	c.router.QueueJob(func() {
		c.mu.Lock()
		target := Key(tag.DeriveKey())
		peer, ok := c.nodes.FindClosest(target)
		if ok {
			c.lookupIntro(txIntroTag, proto.Address{}, tag, c.ourKey, 0, peer,
				uint64(c.introHops), nil, handler)
			c.mu.Unlock()
			return
		}
		local := c.services.FindByTag(tag, nil, localTagQuota)
		c.mu.Unlock()
		if handler != nil {
			handler(local)
		}
	})
}

// lookupIntro starts an introset transaction toward askpeer. r is the
// recursion depth offered to the peer; zero asks it to answer iteratively.
func (c *Context) lookupIntro(kind txKind, addr proto.Address, tag proto.Tag,
	whoasked Key, txid uint64, askpeer Key, r uint64,
	asked map[Key]struct{}, handler IntroSetLookupHandler) {
	if whoasked.IsZero() || askpeer.IsZero() {
		return
	}
	var target Key
	if kind == txIntroAddr {
		target = Key(addr)
	} else {
		target = Key(tag.DeriveKey())
	}
	if target.IsZero() {
		return
	}
	id := c.nextID()
	if txid == 0 {
		txid = id
	}
	exclude, peersAsked := chainSets(c.ourKey, askpeer, asked)
	c.pendingTX[TXOwner{Node: askpeer, TXID: id}] = &SearchJob{
		Kind:        kind,
		Requester:   whoasked,
		RequesterTX: txid,
		Target:      target,
		Started:     c.router.Now(),
		Exclude:     exclude,
		PeersAsked:  peersAsked,
		Addr:        addr,
		Topic:       tag,
		R:           r,
		introHook:   handler,
	}
	c.router.Logf("dht: asking %s for introset (r=%d) on behalf of %s",
		askpeer.Hex(), r, whoasked.Hex())
	c.dhtSendTo(askpeer, &FindIntro{Addr: addr, Topic: tag, TXID: id, R: r})
}

// lookupIntroAddrRelayed serves a FindIntro naming a service address.
func (c *Context) lookupIntroAddrRelayed(requester Key, txid uint64,
	addr proto.Address, r uint64, replies *[]Message) {
	if is, ok := c.services.GetByAddr(addr); ok {
		*replies = append(*replies, gotIntroReply(txid, []*proto.IntroSet{is}))
		return
	}
	target := Key(addr)
	exclude := map[Key]struct{}{requester: {}, c.ourKey: {}}
	next, ok := c.nodes.FindCloseExcluding(target, exclude)
	if !ok {
		*replies = append(*replies, gotIntroReply(txid, nil))
		return
	}
	if r == 0 {
		// Recursion exhausted; the asker drives the next hop themselves.
		*replies = append(*replies, gotIntroReply(txid, nil))
		return
	}
	if DistanceLess(Xor(requester, target), Xor(c.ourKey, target)) {
		*replies = append(*replies, gotIntroReply(txid, nil))
		return
	}
	c.lookupIntro(txIntroAddr, addr, proto.Tag{}, requester, txid, next, r-1, nil, nil)
}

// lookupIntroTagRelayed serves a FindIntro naming a topic tag. Local
// matches answer immediately when we cannot or should not forward.
func (c *Context) lookupIntroTagRelayed(requester Key, txid uint64,
	tag proto.Tag, r uint64, replies *[]Message) {
	target := Key(tag.DeriveKey())
	exclude := map[Key]struct{}{requester: {}, c.ourKey: {}}
	next, ok := c.nodes.FindCloseExcluding(target, exclude)
	if ok && r > 0 && !DistanceLess(Xor(requester, target), Xor(c.ourKey, target)) {
		c.lookupIntro(txIntroTag, proto.Address{}, tag, requester, txid, next, r-1, nil, nil)
		return
	}
	local := c.services.FindByTag(tag, nil, localTagQuota)
	*replies = append(*replies, gotIntroReply(txid, local))
}

// sendIntroReply finishes an introset transaction: collapse or merge the
// accumulated values, fire the local hook, and answer a remote requester.
// The caller has already removed the pending entry.
func (c *Context) sendIntroReply(tx *SearchJob) {
	values := tx.ValuesFound
	switch tx.Kind {
	case txIntroAddr:
		// Only the newest introset for an address is meaningful.
		var newest *proto.IntroSet
		for _, is := range values {
			if newest == nil || newest.OtherIsNewer(is) {
				newest = is
			}
		}
		values = nil
		if newest != nil {
			values = []*proto.IntroSet{newest}
		}
	case txIntroTag:
		values = dedupeByAddr(values)
		if len(values) < localTagQuota {
			seen := make(map[proto.Address]struct{}, len(values))
			for _, is := range values {
				seen[is.Addr()] = struct{}{}
			}
			values = append(values, c.services.FindByTag(tx.Topic, seen, localTagQuota-len(values))...)
		}
	}
	if tx.introHook != nil {
		tx.introHook(values)
	}
	if tx.Requester != c.ourKey {
		c.dhtSendTo(tx.Requester, gotIntroReply(tx.RequesterTX, values))
	}
}

func dedupeByAddr(values []*proto.IntroSet) []*proto.IntroSet {
	seen := make(map[proto.Address]*proto.IntroSet, len(values))
	var order []proto.Address
	for _, is := range values {
		a := is.Addr()
		if old, ok := seen[a]; ok {
			if old.OtherIsNewer(is) {
				seen[a] = is
			}
			continue
		}
		seen[a] = is
		order = append(order, a)
	}
	out := make([]*proto.IntroSet, 0, len(order))
	for _, a := range order {
		out = append(out, seen[a])
	}
	return out
}
