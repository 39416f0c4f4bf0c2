package track

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Channel is an external transport that attempts delivery of one physical
// message part. The returned request id correlates the later asynchronous
// OnSent/OnDelivered callbacks with this send.
type Channel interface {
	Send(ctx context.Context, address, text string) (requestID string, err error)

	// MaxUnitLen is the largest text length one physical send carries.
	// Zero means unlimited.
	MaxUnitLen() int
}

// Result is the outcome a channel reports for one physical part
type Result int

const (
	ResultFailed Result = iota
	ResultOK

	// ResultUnknown covers ambiguous channel result codes. The tracker
	// treats it as success: blocking the loop on an unreliable outcome
	// signal costs more than occasionally counting a lost message as
	// sent. Liveness over strict correctness, on purpose.
	ResultUnknown
)

// DefaultSendTimeout bounds the wait for asynchronous sent confirmation.
const DefaultSendTimeout = 30 * time.Second

// deliveryWindow bounds how long delivery receipts are correlated after a
// message resolved as sent. A receipt after the window is dropped; it
// never reverses a sent outcome either way.
const deliveryWindow = 5 * time.Minute

// request tracks one logical message between send and resolution
type request struct {
	id          string
	recipientID string
	expected    int // physical part count of the logical message
	partIDs     []string
	sent        map[string]bool
	delivered   map[string]bool
	done        chan bool
	timer       *time.Timer
	resolved    bool
}

// Tracker correlates outbound sends with their asynchronous sent and
// delivered callbacks. One logical message may span several physical
// parts; the caller observes exactly one outcome, resolved when the last
// part confirms (or on failure/timeout). Duplicate and late callbacks
// are no-ops.
type Tracker struct {
	channel     Channel
	timeout     time.Duration
	logger      *slog.Logger
	onDelivered func(recipientID string)

	mu           sync.Mutex
	requests     map[string]*request // logical id -> request awaiting sent
	bySending    map[string]string   // physical id -> logical id (awaiting sent)
	byDelivering map[string]*request // physical id -> request awaiting delivery
	early        map[string]early    // callbacks that raced registration
	stopped      bool
}

// early buffers a callback that arrived before its physical id was
// registered. Channels report asynchronously, so a very fast gateway can
// confirm a part before Send has indexed it.
type early struct {
	result Result
	at     time.Time
}

// NewTracker creates a new delivery tracker
func NewTracker(channel Channel, timeout time.Duration, logger *slog.Logger) *Tracker {
	if timeout <= 0 {
		timeout = DefaultSendTimeout
	}

	return &Tracker{
		channel:      channel,
		timeout:      timeout,
		logger:       logger,
		requests:     make(map[string]*request),
		bySending:    make(map[string]string),
		byDelivering: make(map[string]*request),
		early:        make(map[string]early),
	}
}

// SetDeliveredFunc installs the hook invoked once per logical message
// when every part has a confirmed delivery receipt
func (t *Tracker) SetDeliveredFunc(fn func(recipientID string)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onDelivered = fn
}

// Send dispatches one logical message and blocks until the channel
// confirms all parts sent, reports a failure, the timeout fires, or ctx
// is cancelled. It returns success as a boolean and never panics; retry
// policy belongs to the caller.
func (t *Tracker) Send(ctx context.Context, recipientID, address, text string) bool {
	parts := splitText(text, t.channel.MaxUnitLen())
	if len(parts) == 0 {
		return false
	}

	req := &request{
		id:          uuid.New().String(),
		recipientID: recipientID,
		expected:    len(parts),
		sent:        make(map[string]bool),
		delivered:   make(map[string]bool),
		done:        make(chan bool, 1),
	}

	logger := t.logger.With("request_id", req.id, "recipient_id", recipientID, "parts", len(parts))

	for i, part := range parts {
		physID, err := t.channel.Send(ctx, address, part)
		if err != nil {
			logger.Warn("channel send failed", "part", i+1, "error", err)
			t.abandon(req)
			return false
		}
		if !t.register(req, physID) {
			// A callback already settled the outcome as failure; the
			// remaining parts would be sent for a dead message.
			break
		}
	}

	t.mu.Lock()
	if req.resolved {
		// Callbacks raced ahead of the registration loop and settled
		// the outcome already.
		t.mu.Unlock()
	} else {
		req.timer = time.AfterFunc(t.timeout, func() { t.expire(req.id) })
		t.mu.Unlock()
	}

	select {
	case ok := <-req.done:
		if !ok {
			logger.Warn("send resolved as failure")
		}
		return ok
	case <-ctx.Done():
		logger.Debug("send cancelled")
		t.abandon(req)
		return false
	}
}

// OnSent is the channel's asynchronous sent callback for one physical
// part. Unknown request ids are buffered briefly in case the callback
// raced registration; late callbacks for already-resolved requests fall
// out of that buffer unconsulted.
func (t *Tracker) OnSent(physicalID string, result Result) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopped {
		return
	}

	logicalID, ok := t.bySending[physicalID]
	if !ok {
		t.bufferEarly(physicalID, result)
		return
	}

	req := t.requests[logicalID]
	if req == nil || req.resolved {
		return
	}

	t.applySent(req, physicalID, result)
}

// OnDelivered is the channel's asynchronous delivery receipt for one
// physical part. It only ever triggers the delivered hook; a missing or
// negative receipt never reverses a sent outcome.
func (t *Tracker) OnDelivered(physicalID string, success bool) {
	t.mu.Lock()

	req, ok := t.byDelivering[physicalID]
	if !ok {
		t.mu.Unlock()
		return
	}

	delete(t.byDelivering, physicalID)

	if !success {
		// Drop delivery tracking for the whole message; the sent outcome stands.
		for _, id := range req.partIDs {
			delete(t.byDelivering, id)
		}
		t.mu.Unlock()
		return
	}

	req.delivered[physicalID] = true
	complete := len(req.delivered) == len(req.partIDs)
	fn := t.onDelivered
	t.mu.Unlock()

	if complete && fn != nil {
		fn(req.recipientID)
	}
}

// Pending returns the number of logical messages awaiting sent confirmation
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.requests)
}

// Stop resolves every in-flight wait as failure and drops all correlation
// state. Subsequent callbacks are ignored.
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stopped = true
	for _, req := range t.requests {
		t.resolve(req, false)
	}
	t.requests = make(map[string]*request)
	t.bySending = make(map[string]string)
	t.byDelivering = make(map[string]*request)
	t.early = make(map[string]early)
}

// register indexes one physical part under the logical request, applying
// any callback that arrived before registration. It reports whether the
// request is still awaiting callbacks; a request resolved during
// registration must not be re-indexed.
func (t *Tracker) register(req *request, physicalID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if req.resolved {
		return false
	}

	req.partIDs = append(req.partIDs, physicalID)
	t.requests[req.id] = req
	t.bySending[physicalID] = req.id

	if e, ok := t.early[physicalID]; ok {
		delete(t.early, physicalID)
		t.applySent(req, physicalID, e.result)
	}
	return !req.resolved
}

// applySent marks one part confirmed and resolves the logical outcome on
// failure or once every expected part has confirmed. Confirmations for
// the parts registered so far never resolve ahead of parts still being
// handed to the channel. Caller holds the lock.
func (t *Tracker) applySent(req *request, physicalID string, result Result) {
	if result == ResultFailed {
		t.resolve(req, false)
		return
	}

	req.sent[physicalID] = true
	if len(req.sent) == req.expected {
		t.resolve(req, true)
	}
}

// resolve completes the logical outcome exactly once. On success the
// parts move to the delivery-correlation table. Caller holds the lock.
func (t *Tracker) resolve(req *request, ok bool) {
	if req.resolved {
		return
	}
	req.resolved = true

	if req.timer != nil {
		req.timer.Stop()
	}

	delete(t.requests, req.id)
	for _, id := range req.partIDs {
		delete(t.bySending, id)
	}

	if ok {
		for _, id := range req.partIDs {
			t.byDelivering[id] = req
		}
		time.AfterFunc(deliveryWindow, func() { t.dropDelivering(req) })
	}

	req.done <- ok
}

// expire resolves a request as failure when no terminal callback arrived
// in time. A request already resolved is left alone.
func (t *Tracker) expire(logicalID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	req, ok := t.requests[logicalID]
	if !ok {
		return
	}

	t.logger.Warn("send confirmation timed out", "request_id", logicalID, "recipient_id", req.recipientID)
	t.resolve(req, false)
}

// abandon removes a request without signalling its done channel; the
// caller already knows the outcome.
func (t *Tracker) abandon(req *request) {
	t.mu.Lock()
	defer t.mu.Unlock()

	req.resolved = true
	if req.timer != nil {
		req.timer.Stop()
	}
	delete(t.requests, req.id)
	for _, id := range req.partIDs {
		delete(t.bySending, id)
		delete(t.byDelivering, id)
	}
}

func (t *Tracker) dropDelivering(req *request) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, id := range req.partIDs {
		delete(t.byDelivering, id)
	}
}

// bufferEarly stores an unmatched callback, pruning stale entries so late
// callbacks for long-gone requests do not accumulate. Caller holds the lock.
func (t *Tracker) bufferEarly(physicalID string, result Result) {
	cutoff := time.Now().Add(-t.timeout)
	for id, e := range t.early {
		if e.at.Before(cutoff) {
			delete(t.early, id)
		}
	}
	t.early[physicalID] = early{result: result, at: time.Now()}
}

// splitText splits text into parts of at most maxLen runes
func splitText(text string, maxLen int) []string {
	if text == "" {
		return nil
	}
	if maxLen <= 0 {
		return []string{text}
	}

	runes := []rune(text)
	var parts []string
	for len(runes) > maxLen {
		parts = append(parts, string(runes[:maxLen]))
		runes = runes[maxLen:]
	}
	return append(parts, string(runes))
}
