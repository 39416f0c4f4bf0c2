package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/mivanov/herald/internal/recipient"
)

var (
	bucketActive  = []byte("session_active")
	bucketHistory = []byte("session_history")
)

var keyActive = []byte("active")

// DefaultHistoryLimit caps the session history; oldest entries are evicted.
const DefaultHistoryLimit = 20

// Store persists the single in-flight session and a bounded history of
// finished ones. Every write is a synchronous bbolt update: the active
// session record is the crash-recovery anchor, so there are no
// fire-and-forget writes here.
type Store struct {
	db           *bolt.DB
	historyLimit int
}

// NewStore creates a new session store
func NewStore(db *bolt.DB, historyLimit int) (*Store, error) {
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}

	err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketActive); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketHistory); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create session buckets: %w", err)
	}

	return &Store{db: db, historyLimit: historyLimit}, nil
}

// Start creates and durably persists a new active session. A leftover
// active session (crashed or superseded run) is archived to history
// first so exactly one active session exists afterward.
func (s *Store) Start(ctx context.Context, templateID int, recipients []recipient.Recipient) (*Session, error) {
	now := time.Now()
	sess := &Session{
		ID:              uuid.New().String(),
		Name:            "Session " + now.Format("2006-01-02 15:04:05"),
		TemplateID:      templateID,
		TotalRecipients: len(recipients),
		Remaining:       append([]recipient.Recipient(nil), recipients...),
		StartTime:       now,
		LastUpdateTime:  now,
		Status:          StatusInProgress,
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		active := tx.Bucket(bucketActive)

		if data := active.Get(keyActive); data != nil {
			var prev Session
			if err := json.Unmarshal(data, &prev); err == nil {
				prev.Status = StatusFailed
				prev.FailureReason = "superseded by new session"
				prev.LastUpdateTime = now
				if err := s.archive(tx, &prev); err != nil {
					return err
				}
			}
		}

		return putSession(active, keyActive, sess)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start session: %w", err)
	}

	return sess, nil
}

// Active returns the in-flight session, or nil when none exists
func (s *Store) Active(ctx context.Context) (*Session, error) {
	var sess *Session

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketActive).Get(keyActive)
		if data == nil {
			return nil
		}

		sess = &Session{}
		return json.Unmarshal(data, sess)
	})

	return sess, err
}

// HasActive reports whether a session is in flight
func (s *Store) HasActive(ctx context.Context) (bool, error) {
	sess, err := s.Active(ctx)
	return sess != nil, err
}

// MarkRecipientDone moves a recipient from remaining to completed and
// bumps the sent count. Calling it twice for the same id is a no-op, so
// a retried update cannot double-count.
func (s *Store) MarkRecipientDone(ctx context.Context, recipientID string) error {
	return s.updateActive(func(sess *Session) error {
		for _, r := range sess.Completed {
			if r.ID == recipientID {
				return nil // already done
			}
		}

		for i, r := range sess.Remaining {
			if r.ID == recipientID {
				sess.Remaining = append(sess.Remaining[:i], sess.Remaining[i+1:]...)
				sess.Completed = append(sess.Completed, r)
				sess.SentCount = len(sess.Completed)
				return nil
			}
		}

		return nil // unknown recipient: benign, may have been edited away
	})
}

// MarkFailed records a terminal failure and immediately archives the
// session. The failed recipient stays in Remaining so a later restore
// retries it instead of silently dropping it.
func (s *Store) MarkFailed(ctx context.Context, recipientID, reason string) error {
	return s.finishActive(func(sess *Session) {
		sess.Status = StatusFailed
		sess.FailureReason = reason
		sess.FailedRecipientID = recipientID
	})
}

// Complete archives the active session as completed and clears the slot
func (s *Store) Complete(ctx context.Context) error {
	return s.finishActive(func(sess *Session) {
		sess.Status = StatusCompleted
	})
}

// History returns archived sessions, newest first
func (s *Store) History(ctx context.Context) ([]*Session, error) {
	var sessions []*Session

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketHistory).Cursor()

		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var sess Session
			if err := json.Unmarshal(v, &sess); err != nil {
				continue
			}
			sessions = append(sessions, &sess)
		}

		return nil
	})

	return sessions, err
}

// Get returns one archived session by id, or nil when absent
func (s *Store) Get(ctx context.Context, sessionID string) (*Session, error) {
	var sess *Session

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketHistory).Cursor()

		for k, v := c.First(); k != nil; k, v = c.Next() {
			var cand Session
			if err := json.Unmarshal(v, &cand); err != nil {
				continue
			}
			if cand.ID == sessionID {
				sess = &cand
				return nil
			}
		}

		return nil
	})

	return sess, err
}

// RestoreRecipients returns the recipients of an archived session that
// still need sending: everything remaining, including the failed
// recipient of a failed session.
func (s *Store) RestoreRecipients(ctx context.Context, sessionID string) ([]recipient.Recipient, error) {
	sess, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, fmt.Errorf("session not found: %s", sessionID)
	}

	recipients := append([]recipient.Recipient(nil), sess.Remaining...)

	if sess.Status == StatusFailed && sess.FailedRecipientID != "" {
		present := false
		for _, r := range recipients {
			if r.ID == sess.FailedRecipientID {
				present = true
				break
			}
		}
		if !present {
			for _, r := range sess.Completed {
				if r.ID == sess.FailedRecipientID {
					recipients = append([]recipient.Recipient{r}, recipients...)
					break
				}
			}
		}
	}

	return recipients, nil
}

// DeleteFromHistory removes one archived session
func (s *Store) DeleteFromHistory(ctx context.Context, sessionID string) (bool, error) {
	deleted := false

	err := s.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketHistory).Cursor()

		for k, v := c.First(); k != nil; k, v = c.Next() {
			var sess Session
			if err := json.Unmarshal(v, &sess); err != nil {
				continue
			}
			if sess.ID == sessionID {
				if err := c.Delete(); err != nil {
					return err
				}
				deleted = true
				return nil
			}
		}

		return nil
	})

	return deleted, err
}

// updateActive mutates the active session in one durable transaction.
// No active session is a no-op: terminal archiving may have already
// happened on another code path.
func (s *Store) updateActive(mutate func(*Session) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		active := tx.Bucket(bucketActive)
		data := active.Get(keyActive)
		if data == nil {
			return nil
		}

		var sess Session
		if err := json.Unmarshal(data, &sess); err != nil {
			return fmt.Errorf("failed to unmarshal active session: %w", err)
		}

		if err := mutate(&sess); err != nil {
			return err
		}
		sess.LastUpdateTime = time.Now()

		return putSession(active, keyActive, &sess)
	})
}

// finishActive applies a terminal mutation, archives the session to
// history and clears the active slot, all in one transaction.
func (s *Store) finishActive(mutate func(*Session)) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		active := tx.Bucket(bucketActive)
		data := active.Get(keyActive)
		if data == nil {
			return nil
		}

		var sess Session
		if err := json.Unmarshal(data, &sess); err != nil {
			return fmt.Errorf("failed to unmarshal active session: %w", err)
		}

		mutate(&sess)
		sess.LastUpdateTime = time.Now()

		if err := s.archive(tx, &sess); err != nil {
			return err
		}

		return active.Delete(keyActive)
	})
}

// archive appends a session to history and evicts oldest-first past the cap
func (s *Store) archive(tx *bolt.Tx, sess *Session) error {
	history := tx.Bucket(bucketHistory)

	key := makeHistoryKey(sess.StartTime, sess.ID)
	if err := putSession(history, key, sess); err != nil {
		return err
	}

	count := 0
	c := history.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		count++
	}

	for count > s.historyLimit {
		k, _ := c.First()
		if err := history.Delete(k); err != nil {
			return err
		}
		count--
	}

	return nil
}

func putSession(bucket *bolt.Bucket, key []byte, sess *Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	return bucket.Put(key, data)
}

// makeHistoryKey creates a sortable key from start time and ID
func makeHistoryKey(t time.Time, id string) []byte {
	return []byte(t.Format(time.RFC3339Nano) + ":" + id)
}
