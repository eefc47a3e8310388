// Package state persists messages, the session cache and auxiliary
// entities in a bbolt database.
package state

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"slices"
	"time"

	chaterrors "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/alexjbarnes/chat-sync/internal/models"
	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.chat-sync/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	appBucket      = []byte("app")
	selfIDKey      = []byte("self_id")
	sessionsBucket = []byte("sessions")
	activityBucket = []byte("activity")
	requestsBucket = []byte("requests")
)

// convMessagesBucket holds a conversation's messages keyed by localSeq.
func convMessagesBucket(p models.Peer) []byte {
	return []byte("conv:" + p.Key() + ":msgs")
}

// convIDsBucket maps a conversation's server message ids to localSeq keys.
func convIDsBucket(p models.Peer) []byte {
	return []byte("conv:" + p.Key() + ":ids")
}

// u64 encodes n big-endian so bolt's byte order matches numeric order.
func u64(n int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(n))

	return b
}

func fromU64(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b))
}

// State wraps a bbolt database for all persistent client state.
type State struct {
	db *bolt.DB
}

// LoadAt opens a state database at the given path, creating it and its
// parent directory if they do not exist.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{appBucket, sessionsBucket, activityBucket, requestsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// SelfID returns the cached account id of the logged-in user, or 0.
func (s *State) SelfID() int64 {
	var id int64

	_ = s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(appBucket).Get(selfIDKey); len(v) == 8 {
			id = fromU64(v)
		}

		return nil
	})

	return id
}

// SetSelfID persists the account id of the logged-in user.
func (s *State) SetSelfID(id int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(appBucket).Put(selfIDKey, u64(id))
	})
}

// PutMessage upserts a message keyed by (conversation, localSeq) and
// indexes it by server id. If the server id was previously stored under a
// different localSeq the old record is removed. A localSeq held by another
// message is never reused: the message is stored under the next free key.
func (s *State) PutMessage(m models.Message) error {
	if !m.Durable() {
		return fmt.Errorf("%w: message %d in %s is not durable", chaterrors.ErrStore, m.ID, m.Peer)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return putMessage(tx, m)
	})
}

// PutMessages upserts a batch of messages in a single transaction.
// Non-durable entries are skipped.
func (s *State) PutMessages(batch []models.Message) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, m := range batch {
			if !m.Durable() {
				continue
			}

			if err := putMessage(tx, m); err != nil {
				return err
			}
		}

		return nil
	})
}

func putMessage(tx *bolt.Tx, m models.Message) error {
	msgs, err := tx.CreateBucketIfNotExists(convMessagesBucket(m.Peer))
	if err != nil {
		return err
	}

	ids, err := tx.CreateBucketIfNotExists(convIDsBucket(m.Peer))
	if err != nil {
		return err
	}

	idKey := u64(m.ID)

	if old := ids.Get(idKey); old != nil && fromU64(old) != m.LocalSeq {
		if err := msgs.Delete(old); err != nil {
			return err
		}
	}

	// A key held by a different message is never overwritten; the new
	// message moves to the next free key instead.
	for {
		prev := msgs.Get(u64(m.LocalSeq))
		if prev == nil {
			break
		}

		var other models.Message
		if err := json.Unmarshal(prev, &other); err != nil {
			return fmt.Errorf("decoding message at %d: %w", m.LocalSeq, err)
		}

		if other.ID == m.ID {
			break
		}

		m.LocalSeq++
	}

	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encoding message %d: %w", m.ID, err)
	}

	seqKey := u64(m.LocalSeq)

	if err := msgs.Put(seqKey, data); err != nil {
		return err
	}

	return ids.Put(idKey, seqKey)
}

// QueryBefore returns up to limit messages of the conversation with
// localSeq strictly below seq. The store walks the index in descending
// order and the result is reversed to ascending before returning.
func (s *State) QueryBefore(p models.Peer, seq int64, limit int) ([]models.Message, error) {
	if limit <= 0 {
		return nil, nil
	}

	var desc []models.Message

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(convMessagesBucket(p))
		if b == nil {
			return nil
		}

		c := b.Cursor()

		k, v := c.Seek(u64(seq))
		if k == nil {
			k, v = c.Last()
		}

		for ; k != nil && len(desc) < limit; k, v = c.Prev() {
			if fromU64(k) >= seq {
				continue
			}

			var m models.Message
			if err := json.Unmarshal(v, &m); err != nil {
				return fmt.Errorf("decoding message at seq %d: %w", fromU64(k), err)
			}

			desc = append(desc, m)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	slices.Reverse(desc)

	return desc, nil
}

// Latest returns the newest limit messages of the conversation in
// ascending order.
func (s *State) Latest(p models.Peer, limit int) ([]models.Message, error) {
	return s.QueryBefore(p, math.MaxInt64, limit)
}

// FindByServerID returns the stored message with the given server id, or
// nil if not found.
func (s *State) FindByServerID(p models.Peer, serverID int64) (*models.Message, error) {
	var m *models.Message

	err := s.db.View(func(tx *bolt.Tx) error {
		ids := tx.Bucket(convIDsBucket(p))
		msgs := tx.Bucket(convMessagesBucket(p))

		if ids == nil || msgs == nil {
			return nil
		}

		seqKey := ids.Get(u64(serverID))
		if seqKey == nil {
			return nil
		}

		v := msgs.Get(seqKey)
		if v == nil {
			return nil
		}

		m = &models.Message{}

		return json.Unmarshal(v, m)
	})

	return m, err
}

// PatchMessage applies fn to the stored message with the given server id
// inside a single write transaction. It reports whether the message was
// found. fn must not change the message's identity fields.
func (s *State) PatchMessage(p models.Peer, serverID int64, fn func(*models.Message)) (bool, error) {
	found := false

	err := s.db.Update(func(tx *bolt.Tx) error {
		ids := tx.Bucket(convIDsBucket(p))
		msgs := tx.Bucket(convMessagesBucket(p))

		if ids == nil || msgs == nil {
			return nil
		}

		seqKey := ids.Get(u64(serverID))
		if seqKey == nil {
			return nil
		}

		v := msgs.Get(seqKey)
		if v == nil {
			return nil
		}

		var m models.Message
		if err := json.Unmarshal(v, &m); err != nil {
			return err
		}

		fn(&m)
		found = true

		data, err := json.Marshal(m)
		if err != nil {
			return err
		}

		return msgs.Put(seqKey, data)
	})

	return found, err
}

// DeleteConversation removes every stored message of the conversation
// along with its session cache entry and activity timestamp.
func (s *State) DeleteConversation(p models.Peer) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{convMessagesBucket(p), convIDsBucket(p)} {
			if tx.Bucket(name) == nil {
				continue
			}

			if err := tx.DeleteBucket(name); err != nil {
				return err
			}
		}

		key := []byte(p.Key())

		if err := tx.Bucket(sessionsBucket).Delete(key); err != nil {
			return err
		}

		return tx.Bucket(activityBucket).Delete(key)
	})
}

// PutSession persists a session cache entry.
func (s *State) PutSession(sess models.Session) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(sess)
		if err != nil {
			return err
		}

		return tx.Bucket(sessionsBucket).Put([]byte(sess.Peer.Key()), data)
	})
}

// DeleteSession removes a session cache entry.
func (s *State) DeleteSession(p models.Peer) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionsBucket).Delete([]byte(p.Key()))
	})
}

// AllSessions returns every cached session, most recently active first.
func (s *State) AllSessions() ([]models.Session, error) {
	var sessions []models.Session

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionsBucket).ForEach(func(k, v []byte) error {
			var sess models.Session
			if err := json.Unmarshal(v, &sess); err != nil {
				return err
			}

			sessions = append(sessions, sess)

			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	slices.SortStableFunc(sessions, func(a, b models.Session) int {
		return b.LastActive.Compare(a.LastActive)
	})

	return sessions, nil
}

// LastActive returns the last time the conversation was opened or saw
// activity. The boolean is false when nothing was recorded.
func (s *State) LastActive(p models.Peer) (time.Time, bool) {
	var (
		t  time.Time
		ok bool
	)

	_ = s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(activityBucket).Get([]byte(p.Key())); len(v) == 8 {
			t = time.Unix(0, fromU64(v))
			ok = true
		}

		return nil
	})

	return t, ok
}

// SetLastActive records the last activity time of the conversation.
func (s *State) SetLastActive(p models.Peer, t time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(activityBucket).Put([]byte(p.Key()), u64(t.UnixNano()))
	})
}

// PutRequest persists a pending friend or group request keyed by its flag.
func (s *State) PutRequest(r models.PendingRequest) error {
	if r.Flag == "" {
		return fmt.Errorf("request flag is required for persistence")
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(r)
		if err != nil {
			return err
		}

		return tx.Bucket(requestsBucket).Put([]byte(r.Flag), data)
	})
}

// GetRequest returns a pending request by flag, or nil if not found.
func (s *State) GetRequest(flag string) (*models.PendingRequest, error) {
	var r *models.PendingRequest

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(requestsBucket).Get([]byte(flag))
		if v == nil {
			return nil
		}

		r = &models.PendingRequest{}

		return json.Unmarshal(v, r)
	})

	return r, err
}

// DeleteRequest removes a pending request by flag.
func (s *State) DeleteRequest(flag string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(requestsBucket).Delete([]byte(flag))
	})
}

// AllRequests returns every pending request, oldest first.
func (s *State) AllRequests() ([]models.PendingRequest, error) {
	var reqs []models.PendingRequest

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(requestsBucket).ForEach(func(k, v []byte) error {
			var r models.PendingRequest
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}

			reqs = append(reqs, r)

			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	slices.SortStableFunc(reqs, func(a, b models.PendingRequest) int {
		return a.Time.Compare(b.Time)
	})

	return reqs, nil
}

// DefaultPath returns ~/.chat-sync/state.db.
func DefaultPath() (string, error) {
	dir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(dir, ".chat-sync", "state.db"), nil
}
