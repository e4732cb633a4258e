package bencode

// ReadDict consumes a dictionary from b, invoking onKey once per key with the
// raw key bytes. The callback must consume the key's value from b before
// returning. A nil key signals the closing terminator; the callback returns
// true iff ending the dictionary is acceptable at that point. Any false
// return aborts the decode.
func ReadDict(b *Buffer, onKey func(key []byte) bool) bool {
	c, ok := b.next()
	if !ok || c != 'd' {
		return false
	}
	for {
		c, ok = b.peek()
		if !ok {
			return false
		}
		if c == 'e' {
			b.off++
			return onKey(nil)
		}
		key, ok := b.ReadString()
		if !ok {
			return false
		}
		if !onKey(key) {
			return false
		}
	}
}

// ReadList consumes a list from b, invoking onItem(true) once per element.
// The callback must consume one element from b per invocation. onItem(false)
// signals the closing terminator.
func ReadList(b *Buffer, onItem func(has bool) bool) bool {
	c, ok := b.next()
	if !ok || c != 'l' {
		return false
	}
	for {
		c, ok = b.peek()
		if !ok {
			return false
		}
		if c == 'e' {
			b.off++
			return onItem(false)
		}
		if !onItem(true) {
			return false
		}
	}
}
