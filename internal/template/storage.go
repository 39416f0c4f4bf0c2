package template

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketTemplates = []byte("templates")

// Storage provides template storage operations
type Storage struct {
	db *bolt.DB
}

// NewStorage creates a new template storage
func NewStorage(db *bolt.DB) (*Storage, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketTemplates)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create template bucket: %w", err)
	}
	return &Storage{db: db}, nil
}

// Get retrieves a template by ID. Returns nil, nil when absent.
func (s *Storage) Get(ctx context.Context, id int) (*Template, error) {
	var tmpl *Template

	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketTemplates)
		data := bucket.Get(itob(id))
		if data == nil {
			return nil
		}

		tmpl = &Template{}
		return json.Unmarshal(data, tmpl)
	})

	return tmpl, err
}

// Put creates or replaces a template
func (s *Storage) Put(ctx context.Context, tmpl *Template) error {
	if tmpl.ID <= 0 {
		return fmt.Errorf("template id must be a positive integer")
	}
	if tmpl.Content == "" {
		return fmt.Errorf("template content is required")
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketTemplates)

		now := time.Now()
		if existing := bucket.Get(itob(tmpl.ID)); existing != nil {
			var prev Template
			if err := json.Unmarshal(existing, &prev); err == nil {
				tmpl.CreatedAt = prev.CreatedAt
			}
		}
		if tmpl.CreatedAt.IsZero() {
			tmpl.CreatedAt = now
		}
		tmpl.UpdatedAt = now

		data, err := json.Marshal(tmpl)
		if err != nil {
			return fmt.Errorf("failed to marshal template: %w", err)
		}

		return bucket.Put(itob(tmpl.ID), data)
	})
}

// List returns all templates ordered by ID
func (s *Storage) List(ctx context.Context) ([]*Template, error) {
	var templates []*Template

	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketTemplates)
		c := bucket.Cursor()

		for k, v := c.First(); k != nil; k, v = c.Next() {
			var tmpl Template
			if err := json.Unmarshal(v, &tmpl); err != nil {
				continue
			}
			templates = append(templates, &tmpl)
		}

		return nil
	})

	return templates, err
}

// Delete removes a template by ID
func (s *Storage) Delete(ctx context.Context, id int) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTemplates).Delete(itob(id))
	})
}

// itob returns a big-endian key so the cursor walks templates in ID order
func itob(v int) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}
