package peersbolt

import (
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"mixnet-dht/internal/bencode"
	"mixnet-dht/internal/proto"
)

const (
	bContacts = "contacts"
	bBySeen   = "contacts_by_seen"

	defaultTO = 2 * time.Second
)

// Store is a BoltDB-backed cache of verified router contacts. A restarted
// node re-seeds its routing table from here instead of depending on
// external bootstrap peers.
type Store struct {
	db *bolt.DB
}

// Open opens (or creates) the database at path.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("peersbolt: empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: defaultTO})
	if err != nil {
		return nil, err
	}

	s := &Store{db: db}
	if err := s.db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(bContacts)); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists([]byte(bBySeen))
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func encodeContact(rc *proto.RouterContact) ([]byte, error) {
	buf := make([]byte, proto.MaxEnvelopeSize)
	w := bencode.NewWriter(buf)
	if !rc.BEncode(w) {
		return nil, proto.ErrBadContact
	}
	return append([]byte(nil), w.Bytes()...), nil
}

func decodeContact(val []byte) (*proto.RouterContact, error) {
	var rc proto.RouterContact
	if !rc.DecodeDict(bencode.NewBuffer(val)) {
		return nil, proto.ErrBadContact
	}
	return &rc, nil
}

func seenKey(lastUpdated uint64, id []byte) []byte {
	out := make([]byte, 8+len(id))
	binary.BigEndian.PutUint64(out, lastUpdated)
	copy(out[8:], id)
	return out
}

// Put stores rc, keeping only the newest contact per identity. The caller
// must have verified the contact.
func (s *Store) Put(rc *proto.RouterContact) error {
	val, err := encodeContact(rc)
	if err != nil {
		return err
	}
	id := rc.PubKey[:]

	return s.db.Update(func(tx *bolt.Tx) error {
		contacts := tx.Bucket([]byte(bContacts))
		bySeen := tx.Bucket([]byte(bBySeen))

		if old := contacts.Get(id); old != nil {
			oldRC, err := decodeContact(old)
			if err == nil {
				if oldRC.LastUpdated >= rc.LastUpdated {
					return nil
				}
				if err := bySeen.Delete(seenKey(oldRC.LastUpdated, id)); err != nil {
					return err
				}
			}
		}
		if err := contacts.Put(id, val); err != nil {
			return err
		}
		return bySeen.Put(seenKey(rc.LastUpdated, id), nil)
	})
}

func (s *Store) Get(pub [32]byte) (*proto.RouterContact, bool, error) {
	var rc *proto.RouterContact
	err := s.db.View(func(tx *bolt.Tx) error {
		val := tx.Bucket([]byte(bContacts)).Get(pub[:])
		if val == nil {
			return nil
		}
		var derr error
		rc, derr = decodeContact(val)
		return derr
	})
	if err != nil || rc == nil {
		return nil, false, err
	}
	return rc, true, nil
}

func (s *Store) Remove(pub [32]byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		contacts := tx.Bucket([]byte(bContacts))
		bySeen := tx.Bucket([]byte(bBySeen))
		if old := contacts.Get(pub[:]); old != nil {
			if oldRC, err := decodeContact(old); err == nil {
				if err := bySeen.Delete(seenKey(oldRC.LastUpdated, pub[:])); err != nil {
					return err
				}
			}
		}
		return contacts.Delete(pub[:])
	})
}

// Candidates returns up to n contacts, most recently updated first,
// skipping any that have gone stale.
func (s *Store) Candidates(n int, now time.Time) ([]*proto.RouterContact, error) {
	if n <= 0 {
		return nil, nil
	}
	out := make([]*proto.RouterContact, 0, n)
	err := s.db.View(func(tx *bolt.Tx) error {
		contacts := tx.Bucket([]byte(bContacts))
		c := tx.Bucket([]byte(bBySeen)).Cursor()
		for k, _ := c.Last(); k != nil && len(out) < n; k, _ = c.Prev() {
			if len(k) < 8 {
				continue
			}
			val := contacts.Get(k[8:])
			if val == nil {
				continue
			}
			rc, err := decodeContact(val)
			if err != nil {
				continue
			}
			if !rc.Verify(now) {
				continue
			}
			out = append(out, rc)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) Len() (int, error) {
	n := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket([]byte(bContacts)).Stats().KeyN
		return nil
	})
	return n, err
}
