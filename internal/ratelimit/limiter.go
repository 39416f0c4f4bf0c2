package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketRateLimits = []byte("rate_limits")

// DefaultDailyLimit is the per-channel send quota per calendar day.
const DefaultDailyLimit = 40

// Counter is the persisted per-channel state
type Counter struct {
	Date  string `json:"date"` // calendar day, YYYY-MM-DD
	Count int    `json:"count"`
}

// Limiter tracks a per-channel, per-day send counter backed by bbolt.
//
// Every accessor compares the stored date to today inside the same
// transaction and zeroes a stale counter before comparing or
// incrementing, so a channel idle for more than a day never resumes
// with a leftover count. All mutations are synchronous bbolt updates:
// a successful Increment is durable proof the quota was consumed.
type Limiter struct {
	db    *bolt.DB
	limit int
	now   func() time.Time
}

// NewLimiter creates a new rate limiter. A non-positive limit falls back
// to DefaultDailyLimit.
func NewLimiter(db *bolt.DB, dailyLimit int) (*Limiter, error) {
	if dailyLimit <= 0 {
		dailyLimit = DefaultDailyLimit
	}

	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketRateLimits)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create rate limits bucket: %w", err)
	}

	return &Limiter{
		db:    db,
		limit: dailyLimit,
		now:   time.Now,
	}, nil
}

// DailyLimit returns the configured quota
func (l *Limiter) DailyLimit() int {
	return l.limit
}

// CanSend reports whether the channel has quota left today
func (l *Limiter) CanSend(ctx context.Context, channel string) (bool, error) {
	count, err := l.CountToday(ctx, channel)
	if err != nil {
		return false, err
	}
	return count < l.limit, nil
}

// CountToday returns today's send count for the channel. A counter from
// a previous day is healed to zero and written back before returning.
func (l *Limiter) CountToday(ctx context.Context, channel string) (int, error) {
	today := l.today()
	count := 0

	err := l.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketRateLimits)

		c, err := readCounter(bucket, channel)
		if err != nil {
			return err
		}
		if c == nil {
			return nil
		}

		if c.Date != today {
			c.Date = today
			c.Count = 0
			if err := writeCounter(bucket, channel, c); err != nil {
				return err
			}
		}

		count = c.Count
		return nil
	})

	return count, err
}

// Increment consumes one unit of quota and returns the new count. On a
// stale-date counter the increment itself produces count=1 in a single
// transaction; there is no observable reset-then-increment window.
func (l *Limiter) Increment(ctx context.Context, channel string) (int, error) {
	today := l.today()
	count := 0

	err := l.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketRateLimits)

		c, err := readCounter(bucket, channel)
		if err != nil {
			return err
		}
		if c == nil || c.Date != today {
			c = &Counter{Date: today}
		}

		c.Count++
		count = c.Count
		return writeCounter(bucket, channel, c)
	})

	return count, err
}

// Reset zeroes the counter for one channel
func (l *Limiter) Reset(ctx context.Context, channel string) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketRateLimits)
		return writeCounter(bucket, channel, &Counter{Date: l.today()})
	})
}

// ResetAll zeroes the counters for all channels
func (l *Limiter) ResetAll(ctx context.Context) error {
	today := l.today()

	return l.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketRateLimits)

		return bucket.ForEach(func(k, v []byte) error {
			data, err := json.Marshal(&Counter{Date: today})
			if err != nil {
				return err
			}
			return bucket.Put(k, data)
		})
	})
}

func (l *Limiter) today() string {
	return l.now().Format("2006-01-02")
}

func readCounter(bucket *bolt.Bucket, channel string) (*Counter, error) {
	data := bucket.Get([]byte(channel))
	if data == nil {
		return nil, nil
	}

	c := &Counter{}
	if err := json.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal counter for %s: %w", channel, err)
	}
	return c, nil
}

func writeCounter(bucket *bolt.Bucket, channel string, c *Counter) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal counter for %s: %w", channel, err)
	}
	return bucket.Put([]byte(channel), data)
}
