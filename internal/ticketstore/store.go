// Package ticketstore persists TLS session resumption material in a bolt
// database so that later runs can resume and attempt 0-RTT.
package ticketstore

import (
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/boltdb/bolt"
)

// MaxTicketLen bounds a stored session ticket.
const MaxTicketLen = 2048

var (
	ErrTicketTooLong = errors.New("session ticket exceeds maximum length")
	ErrCorrupt       = errors.New("corrupt ticket entry")
)

var bucketTickets = []byte("tickets")

// Store is a bolt-backed tls.ClientSessionCache.
type Store struct {
	db *bolt.DB
	// OnReject is called when a ticket cannot be stored; may be nil.
	OnReject func(key string, err error)
}

var _ tls.ClientSessionCache = (*Store)(nil)

func Open(path string) (*Store, error) {
	db, err := bolt.Open(filepath.Clean(path), 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open ticket store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error { _, e := tx.CreateBucketIfNotExists(bucketTickets); return e })
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Entry layout: 8-byte unix seconds | 4-byte ticket length | ticket | state.
func encode(ticket, state []byte) []byte {
	buf := make([]byte, 12, 12+len(ticket)+len(state))
	binary.BigEndian.PutUint64(buf[0:8], uint64(time.Now().Unix()))
	binary.BigEndian.PutUint32(buf[8:12], uint32(len(ticket)))
	buf = append(buf, ticket...)
	return append(buf, state...)
}

func decode(v []byte) (ts int64, ticket, state []byte, err error) {
	if len(v) < 12 {
		return 0, nil, nil, ErrCorrupt
	}
	ts = int64(binary.BigEndian.Uint64(v[0:8]))
	n := int(binary.BigEndian.Uint32(v[8:12]))
	if n > MaxTicketLen || 12+n > len(v) {
		return 0, nil, nil, ErrCorrupt
	}
	ticket = append([]byte(nil), v[12:12+n]...)
	state = append([]byte(nil), v[12+n:]...)
	return ts, ticket, state, nil
}

// Save stores ticket and serialized session state under key.
func (s *Store) Save(key string, ticket, state []byte) error {
	if len(ticket) > MaxTicketLen {
		return fmt.Errorf("%w: %d > %d", ErrTicketTooLong, len(ticket), MaxTicketLen)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(bucketTickets)
		if bk == nil {
			return bolt.ErrBucketNotFound
		}
		return bk.Put([]byte(key), encode(ticket, state))
	})
}

// Load returns the ticket and state stored under key.
func (s *Store) Load(key string) (ticket, state []byte, ok bool) {
	_ = s.db.View(func(tx *bolt.Tx) error {
		bk := tx.Bucket(bucketTickets)
		if bk == nil {
			return nil
		}
		v := bk.Get([]byte(key))
		if v == nil {
			return nil
		}
		var err error
		if _, ticket, state, err = decode(v); err == nil {
			ok = true
		}
		return nil
	})
	return ticket, state, ok
}

// Latest returns the most recently saved ticket, used to report available
// resumption material before the first dial.
func (s *Store) Latest() (key string, ticket []byte, ok bool) {
	var newest int64 = -1
	_ = s.db.View(func(tx *bolt.Tx) error {
		bk := tx.Bucket(bucketTickets)
		if bk == nil {
			return nil
		}
		return bk.ForEach(func(k, v []byte) error {
			ts, t, _, err := decode(v)
			if err != nil || ts < newest {
				return nil
			}
			newest, key, ticket, ok = ts, string(k), t, true
			return nil
		})
	})
	return key, ticket, ok
}

func (s *Store) Delete(key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(bucketTickets)
		if bk == nil {
			return bolt.ErrBucketNotFound
		}
		return bk.Delete([]byte(key))
	})
}

// Get implements tls.ClientSessionCache.
func (s *Store) Get(sessionKey string) (*tls.ClientSessionState, bool) {
	ticket, raw, ok := s.Load(sessionKey)
	if !ok {
		return nil, false
	}
	state, err := tls.ParseSessionState(raw)
	if err != nil {
		return nil, false
	}
	cs, err := tls.NewResumptionState(ticket, state)
	if err != nil {
		return nil, false
	}
	return cs, true
}

// Put implements tls.ClientSessionCache. A nil cs evicts the entry.
// Tickets over MaxTicketLen are rejected rather than truncated.
func (s *Store) Put(sessionKey string, cs *tls.ClientSessionState) {
	if cs == nil {
		_ = s.Delete(sessionKey)
		return
	}
	err := s.put(sessionKey, cs)
	if err != nil && s.OnReject != nil {
		s.OnReject(sessionKey, err)
	}
}

func (s *Store) put(sessionKey string, cs *tls.ClientSessionState) error {
	ticket, state, err := cs.ResumptionState()
	if err != nil {
		return err
	}
	if state == nil {
		return nil
	}
	raw, err := state.Bytes()
	if err != nil {
		return err
	}
	return s.Save(sessionKey, ticket, raw)
}

// GC removes entries older than maxAge.
func (s *Store) GC(maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge).Unix()
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(bucketTickets)
		if bk == nil {
			return bolt.ErrBucketNotFound
		}
		c := bk.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			ts, _, _, err := decode(v)
			if err != nil || ts < cutoff {
				if err := c.Delete(); err != nil {
					return err
				}
				removed++
			}
		}
		return nil
	})
	return removed, err
}
