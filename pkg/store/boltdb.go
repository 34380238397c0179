package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/chaiyawut/butler/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketConversations = []byte("conversations")
	bucketQueue         = []byte("queue")
	bucketJobs          = []byte("jobs")
	bucketHeartbeats    = []byte("heartbeats")
	bucketDedupe        = []byte("dedupe")
	bucketSessions      = []byte("sessions")
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = fmt.Errorf("not found")

// BoltStore holds the dispatcher's durable state: conversations, queue
// entries, scheduled jobs, heartbeat jobs, the delivery-id dedupe set,
// and agent sessions. Dead letters live as one file per record under
// dead-letter/ so they survive anything short of disk loss.
type BoltStore struct {
	db            *bolt.DB
	deadLetterDir string
}

// NewBoltStore opens (or creates) the store under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Join(dataDir, "store"), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	dlDir := filepath.Join(dataDir, "dead-letter")
	if err := os.MkdirAll(dlDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create dead-letter directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "store", "butler.db")
	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketConversations,
			bucketQueue,
			bucketJobs,
			bucketHeartbeats,
			bucketDedupe,
			bucketSessions,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db, deadLetterDir: dlDir}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Conversation operations

func (s *BoltStore) PutConversation(c *types.Conversation) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketConversations)
		data, err := json.Marshal(c)
		if err != nil {
			return err
		}
		return b.Put([]byte(c.ID), data)
	})
}

func (s *BoltStore) GetConversation(id string) (*types.Conversation, error) {
	var c types.Conversation
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketConversations)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("conversation %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &c)
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *BoltStore) ListConversations() ([]*types.Conversation, error) {
	var out []*types.Conversation
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketConversations)
		return b.ForEach(func(k, v []byte) error {
			var c types.Conversation
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}
			out = append(out, &c)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) DeleteConversation(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketConversations).Delete([]byte(id))
	})
}

// Queue entry operations. Every transition is persisted before the
// caller acknowledges it, so crash recovery replays only unfinished
// entries.

func (s *BoltStore) PutQueueEntry(e *types.QueueEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketQueue)
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		return b.Put([]byte(e.ID), data)
	})
}

func (s *BoltStore) GetQueueEntry(id string) (*types.QueueEntry, error) {
	var e types.QueueEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketQueue)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("queue entry %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &e)
	})
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *BoltStore) DeleteQueueEntry(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketQueue).Delete([]byte(id))
	})
}

// PendingEntries returns entries that were not finished before the last
// shutdown: anything pending, retrying, or stranded in-flight.
func (s *BoltStore) PendingEntries() ([]*types.QueueEntry, error) {
	var out []*types.QueueEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketQueue)
		return b.ForEach(func(k, v []byte) error {
			var e types.QueueEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			switch e.State {
			case types.EntryStatePending, types.EntryStateRetry, types.EntryStateInFlight:
				out = append(out, &e)
			}
			return nil
		})
	})
	return out, err
}

// Scheduled job operations

func (s *BoltStore) PutJob(j *types.ScheduledJob) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		data, err := json.Marshal(j)
		if err != nil {
			return err
		}
		return b.Put([]byte(j.ID), data)
	})
}

func (s *BoltStore) GetJob(id string) (*types.ScheduledJob, error) {
	var j types.ScheduledJob
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("job %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &j)
	})
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (s *BoltStore) ListJobs() ([]*types.ScheduledJob, error) {
	var out []*types.ScheduledJob
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		return b.ForEach(func(k, v []byte) error {
			var j types.ScheduledJob
			if err := json.Unmarshal(v, &j); err != nil {
				return err
			}
			out = append(out, &j)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) DeleteJob(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).Delete([]byte(id))
	})
}

// Heartbeat job operations

func (s *BoltStore) PutHeartbeat(h *types.HeartbeatJob) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHeartbeats)
		data, err := json.Marshal(h)
		if err != nil {
			return err
		}
		return b.Put([]byte(h.ID), data)
	})
}

func (s *BoltStore) GetHeartbeat(id string) (*types.HeartbeatJob, error) {
	var h types.HeartbeatJob
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHeartbeats)
		data := b.Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &h)
	})
	if err != nil {
		return nil, err
	}
	return &h, nil
}

func (s *BoltStore) DeleteHeartbeat(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketHeartbeats).Delete([]byte(id))
	})
}

func (s *BoltStore) ListHeartbeats() ([]*types.HeartbeatJob, error) {
	var out []*types.HeartbeatJob
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHeartbeats)
		return b.ForEach(func(k, v []byte) error {
			var h types.HeartbeatJob
			if err := json.Unmarshal(v, &h); err != nil {
				return err
			}
			out = append(out, &h)
			return nil
		})
	})
	return out, err
}

// Dedupe set. A delivery id is marked seen exactly once; MarkSeen
// reports whether the id was already present.

func (s *BoltStore) MarkSeen(deliveryID string) (bool, error) {
	seen := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDedupe)
		if b.Get([]byte(deliveryID)) != nil {
			seen = true
			return nil
		}
		return b.Put([]byte(deliveryID), []byte(time.Now().UTC().Format(time.RFC3339)))
	})
	return seen, err
}

// Session operations

func (s *BoltStore) PutSession(sess *types.Session) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSessions)
		data, err := json.Marshal(sess)
		if err != nil {
			return err
		}
		return b.Put([]byte(sess.ConversationID), data)
	})
}

func (s *BoltStore) GetSession(conversationID string) (*types.Session, error) {
	var sess types.Session
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSessions)
		data := b.Get([]byte(conversationID))
		if data == nil {
			return fmt.Errorf("session %s: %w", conversationID, ErrNotFound)
		}
		return json.Unmarshal(data, &sess)
	})
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *BoltStore) DeleteSession(conversationID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSessions).Delete([]byte(conversationID))
	})
}

// Dead letter operations. One JSON file per record; removed only on
// explicit admin action.

func (s *BoltStore) PutDeadLetter(dl *types.DeadLetter) error {
	data, err := json.MarshalIndent(dl, "", "  ")
	if err != nil {
		return err
	}
	name := fmt.Sprintf("%s.json", dl.DeliveryID)
	tmp := filepath.Join(s.deadLetterDir, name+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write dead letter: %w", err)
	}
	return os.Rename(tmp, filepath.Join(s.deadLetterDir, name))
}

func (s *BoltStore) ListDeadLetters() ([]*types.DeadLetter, error) {
	entries, err := os.ReadDir(s.deadLetterDir)
	if err != nil {
		return nil, err
	}
	var out []*types.DeadLetter
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.deadLetterDir, e.Name()))
		if err != nil {
			continue
		}
		var dl types.DeadLetter
		if err := json.Unmarshal(data, &dl); err != nil {
			continue
		}
		out = append(out, &dl)
	}
	return out, nil
}

func (s *BoltStore) DeleteDeadLetter(deliveryID string) error {
	return os.Remove(filepath.Join(s.deadLetterDir, deliveryID+".json"))
}
