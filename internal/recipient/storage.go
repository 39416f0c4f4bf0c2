package recipient

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketRecipients     = []byte("recipients")
	bucketRecipientOrder = []byte("recipient_order")
)

// Storage provides recipient storage operations. The dispatch engine and
// external editors mutate it concurrently, so single-recipient operations
// tolerate entries that have disappeared underneath them.
type Storage struct {
	db *bolt.DB
}

// NewStorage creates a new recipient storage
func NewStorage(db *bolt.DB) (*Storage, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketRecipients); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketRecipientOrder); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create recipient buckets: %w", err)
	}
	return &Storage{db: db}, nil
}

// List returns all recipients in insertion order
func (s *Storage) List(ctx context.Context) ([]Recipient, error) {
	var recipients []Recipient

	err := s.db.View(func(tx *bolt.Tx) error {
		order := tx.Bucket(bucketRecipientOrder)
		bucket := tx.Bucket(bucketRecipients)

		c := order.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			data := bucket.Get(v)
			if data == nil {
				continue
			}

			var r Recipient
			if err := json.Unmarshal(data, &r); err != nil {
				continue
			}
			recipients = append(recipients, r)
		}

		return nil
	})

	return recipients, err
}

// Selected returns the recipients currently marked for sending, in order
func (s *Storage) Selected(ctx context.Context) ([]Recipient, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}

	var selected []Recipient
	for _, r := range all {
		if r.Selected {
			selected = append(selected, r)
		}
	}
	return selected, nil
}

// Save replaces the stored recipient list. Recipients without an ID are
// assigned one; the channel group is re-derived from the address.
func (s *Storage) Save(ctx context.Context, recipients []Recipient) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketRecipients); err != nil {
			return err
		}
		if err := tx.DeleteBucket(bucketRecipientOrder); err != nil {
			return err
		}

		bucket, err := tx.CreateBucket(bucketRecipients)
		if err != nil {
			return err
		}
		order, err := tx.CreateBucket(bucketRecipientOrder)
		if err != nil {
			return err
		}

		now := time.Now()
		for i := range recipients {
			r := &recipients[i]
			if r.ID == "" {
				r.ID = uuid.New().String()
			}
			if r.CreatedAt.IsZero() {
				r.CreatedAt = now
			}
			r.ChannelGroup = ChannelGroupFor(r.Address)

			data, err := json.Marshal(r)
			if err != nil {
				return fmt.Errorf("failed to marshal recipient: %w", err)
			}
			if err := bucket.Put([]byte(r.ID), data); err != nil {
				return err
			}

			// Sequence number keeps insertion order stable across addresses
			// created in the same instant.
			key := fmt.Sprintf("%s:%08d", r.CreatedAt.Format(time.RFC3339Nano), i)
			if err := order.Put([]byte(key), []byte(r.ID)); err != nil {
				return err
			}
		}

		return nil
	})
}

// Remove deletes a recipient by ID. Removing an absent recipient is a
// no-op: the user may have deleted it manually mid-session.
func (s *Storage) Remove(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketRecipients)
		if bucket.Get([]byte(id)) == nil {
			return nil
		}

		order := tx.Bucket(bucketRecipientOrder)
		c := order.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if string(v) == id {
				if err := c.Delete(); err != nil {
					return err
				}
				break
			}
		}

		return bucket.Delete([]byte(id))
	})
}
