package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/mivanov/herald/internal/format"
	"github.com/mivanov/herald/internal/metrics"
	"github.com/mivanov/herald/internal/ratelimit"
	"github.com/mivanov/herald/internal/recipient"
	"github.com/mivanov/herald/internal/session"
	"github.com/mivanov/herald/internal/template"
)

// Config tunes the dispatch loop
type Config struct {
	ChannelID        string
	BaseDelay        time.Duration // inter-message delay, jittered ±20%
	StartupDelay     time.Duration // grace delay before the first send
	RetryDelay       time.Duration // fixed delay between attempts
	SessionTimeout   time.Duration // hard cap on a whole session
	MaxRetryAttempts int           // per-recipient send attempts
}

// terminalDoneRepeat is how often the completion event is re-emitted.
// The sink contract is at-least-once: a slow consumer may miss the
// first delivery, so the terminal event goes out three times over ~1s.
const terminalDoneRepeat = 3

// Engine is the dispatch orchestrator. It runs at most one session at a
// time on a background goroutine, processing recipients strictly in
// selection order: quota check, format, tracked send with bounded
// retries, durable session update, progress event, jittered sleep.
//
// Failure policy: the first recipient that exhausts its retries ends
// the session. The session archives as failed with the failed id and
// every not-yet-sent recipient preserved for restore. (The alternative,
// sending on past an archived-terminal session, would leave later
// progress unpersisted.)
type Engine struct {
	cfg        Config
	recipients RecipientStore
	templates  TemplateStore
	sender     Sender
	sink       ProgressSink
	limiter    *ratelimit.Limiter
	sessions   *session.Store
	formatter  *format.Formatter
	metrics    *metrics.Metrics
	logger     *slog.Logger

	// startMu serializes stop-and-replace in StartWith; two starts
	// racing past the guard would spawn two loops over the same quota
	// and recipient list.
	startMu sync.Mutex

	mu       sync.Mutex
	running  bool
	stopping bool
	cancel   context.CancelFunc
	done     chan struct{}
	sent     int
	total    int
}

// NewEngine creates a dispatch engine. Confirmed deliveries trigger
// removal from the recipient store so the visible list shrinks only
// after actual delivery, not merely send.
func NewEngine(
	cfg Config,
	recipients RecipientStore,
	templates TemplateStore,
	sender Sender,
	sink ProgressSink,
	limiter *ratelimit.Limiter,
	sessions *session.Store,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Engine {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 5 * time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 3 * time.Second
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = 10 * time.Minute
	}
	if cfg.MaxRetryAttempts <= 0 {
		cfg.MaxRetryAttempts = 3
	}

	e := &Engine{
		cfg:        cfg,
		recipients: recipients,
		templates:  templates,
		sender:     sender,
		sink:       sink,
		limiter:    limiter,
		sessions:   sessions,
		formatter:  format.NewFormatter(),
		metrics:    m,
		logger:     logger,
	}

	sender.SetDeliveredFunc(e.onDelivered)

	return e
}

// Start begins dispatching to the currently selected recipients. A
// session already running is stopped and replaced: two loops would
// double-consume the shared quota and recipient list.
func (e *Engine) Start(ctx context.Context, templateID int) error {
	recipients, err := e.recipients.Selected(ctx)
	if err != nil {
		return fmt.Errorf("failed to load recipients: %w", err)
	}
	return e.StartWith(ctx, templateID, recipients)
}

// StartWith begins dispatching to an explicit recipient list (used when
// restoring a session from history).
func (e *Engine) StartWith(ctx context.Context, templateID int, recipients []recipient.Recipient) error {
	e.startMu.Lock()
	defer e.startMu.Unlock()

	e.Stop()

	tmpl, err := e.templates.Get(ctx, templateID)
	if err != nil {
		return fmt.Errorf("failed to load template: %w", err)
	}
	if tmpl == nil || strings.TrimSpace(tmpl.Content) == "" {
		// Guard against a phantom session for zero work: terminal event,
		// no session record.
		e.sink.Done("dispatch not started: template is empty")
		return ErrEmptyTemplate
	}
	if len(recipients) == 0 {
		e.sink.Done("dispatch not started: no recipients selected")
		return ErrNoRecipients
	}

	sess, err := e.sessions.Start(ctx, templateID, recipients)
	if err != nil {
		return fmt.Errorf("failed to persist session: %w", err)
	}

	runCtx, cancel := context.WithTimeout(context.Background(), e.cfg.SessionTimeout)

	e.mu.Lock()
	e.running = true
	e.stopping = false
	e.cancel = cancel
	e.done = make(chan struct{})
	e.sent = 0
	e.total = len(recipients)
	e.mu.Unlock()

	e.metrics.SessionActive.Set(1)
	e.metrics.SessionSentCount.Set(0)

	go e.run(runCtx, sess, tmpl, recipients)

	return nil
}

// Stop cancels the running session cooperatively and blocks until the
// loop has emitted its terminal event. Stopping an idle engine is a
// no-op.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.stopping = true
	cancel := e.cancel
	done := e.done
	e.mu.Unlock()

	cancel()
	<-done
}

// Running reports whether a session is in flight
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Status returns the live counters of the current (or last) run
func (e *Engine) Status() (running bool, sent, total int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running, e.sent, e.total
}

func (e *Engine) run(ctx context.Context, sess *session.Session, tmpl *template.Template, recipients []recipient.Recipient) {
	logger := e.logger.With("session_id", sess.ID, "template_id", tmpl.ID)
	logger.Info("dispatch started", "recipients", len(recipients))

	defer func() {
		e.mu.Lock()
		e.running = false
		cancel := e.cancel
		done := e.done
		e.mu.Unlock()

		cancel()
		close(done)
	}()

	total := len(recipients)
	sent := 0
	retryBudget := 3 * e.cfg.MaxRetryAttempts

	if !e.sleepInterruptible(ctx, e.cfg.StartupDelay) {
		e.finish(ctx, logger, sent, total)
		return
	}

	for i, r := range recipients {
		if ctx.Err() != nil {
			e.finish(ctx, logger, sent, total)
			return
		}

		canSend, err := e.limiter.CanSend(ctx, e.cfg.ChannelID)
		if err != nil {
			logger.Error("quota check failed", "error", err)
			canSend = false
		}
		if !canSend {
			// Quota exhaustion is reported per attempt; the loop keeps
			// going and the recipient stays pending in the session.
			e.metrics.QuotaDeniedTotal.WithLabelValues(e.cfg.ChannelID).Inc()
			logger.Warn("daily quota exhausted, skipping", "recipient_id", r.ID)
			e.sink.Progress(sent, total, fmt.Sprintf("quota exhausted, skipped %s", r.Name))
			continue
		}

		text := e.formatter.Format(tmpl.Content, &r)

		ok := false
		for attempt := 1; attempt <= e.cfg.MaxRetryAttempts; attempt++ {
			if attempt > 1 {
				if retryBudget <= 0 {
					logger.Warn("session retry budget exhausted", "recipient_id", r.ID)
					break
				}
				retryBudget--
				e.metrics.SendRetriesTotal.WithLabelValues(e.cfg.ChannelID).Inc()
				if !e.sleepInterruptible(ctx, e.cfg.RetryDelay) {
					break
				}
			}

			if e.sender.Send(ctx, r.ID, r.Address, text) {
				ok = true
				break
			}
			if ctx.Err() != nil {
				break
			}
			logger.Warn("send attempt failed", "recipient_id", r.ID, "attempt", attempt)
		}

		if !ok && ctx.Err() != nil {
			e.finish(ctx, logger, sent, total)
			return
		}

		if !ok {
			reason := fmt.Sprintf("send failed after %d attempts", e.cfg.MaxRetryAttempts)
			if err := e.sessions.MarkFailed(context.Background(), r.ID, reason); err != nil {
				logger.Error("failed to archive failed session", "error", err)
			}

			e.metrics.MessagesFailedTotal.WithLabelValues(e.cfg.ChannelID).Inc()
			e.metrics.SessionsTotal.WithLabelValues(string(session.StatusFailed)).Inc()
			logger.Error("dispatch failed", "recipient_id", r.ID, "reason", reason, "sent", sent, "total", total)

			e.emitTerminal(fmt.Sprintf("dispatch failed at %s: %s (%d/%d sent)", r.Name, reason, sent, total))
			return
		}

		if _, err := e.limiter.Increment(ctx, e.cfg.ChannelID); err != nil {
			logger.Error("failed to consume quota", "error", err)
		}
		if err := e.sessions.MarkRecipientDone(ctx, r.ID); err != nil {
			logger.Error("failed to persist recipient completion", "recipient_id", r.ID, "error", err)
		}

		sent++
		e.mu.Lock()
		e.sent = sent
		e.mu.Unlock()

		e.metrics.MessagesSentTotal.WithLabelValues(e.cfg.ChannelID).Inc()
		e.metrics.SessionSentCount.Set(float64(sent))
		logger.Info("message sent", "recipient_id", r.ID, "sent", sent, "total", total)
		e.sink.Progress(sent, total, fmt.Sprintf("sent to %s", r.Name))

		if i < len(recipients)-1 {
			if !e.sleepInterruptible(ctx, jitter(e.cfg.BaseDelay)) {
				e.finish(ctx, logger, sent, total)
				return
			}
		}
	}

	if err := e.sessions.Complete(context.Background()); err != nil {
		logger.Error("failed to complete session", "error", err)
	}
	e.metrics.SessionsTotal.WithLabelValues(string(session.StatusCompleted)).Inc()
	logger.Info("dispatch completed", "sent", sent, "total", total)
	e.emitTerminal(fmt.Sprintf("completed %d/%d", sent, total))
}

// finish handles the cancelled and timed-out terminal paths. The
// session archives with its partial progress; remaining recipients stay
// restorable and are never marked failed.
func (e *Engine) finish(ctx context.Context, logger *slog.Logger, sent, total int) {
	e.mu.Lock()
	stopped := e.stopping
	e.mu.Unlock()

	var msg, status string
	switch {
	case stopped:
		msg = fmt.Sprintf("stopped by user (%d/%d sent)", sent, total)
		status = "stopped"
	case ctx.Err() == context.DeadlineExceeded:
		msg = fmt.Sprintf("session timed out (%d/%d sent)", sent, total)
		status = "timed_out"
	default:
		msg = fmt.Sprintf("stopped (%d/%d sent)", sent, total)
		status = "stopped"
	}

	if err := e.sessions.Complete(context.Background()); err != nil {
		logger.Error("failed to archive session", "error", err)
	}

	e.metrics.SessionsTotal.WithLabelValues(status).Inc()
	logger.Info("dispatch finished early", "reason", status, "sent", sent, "total", total)
	e.emitTerminal(msg)
}

// emitTerminal delivers the single logical completion event of a
// session, re-emitted for the at-least-once sink contract.
func (e *Engine) emitTerminal(msg string) {
	e.metrics.SessionActive.Set(0)

	for i := 0; i < terminalDoneRepeat; i++ {
		e.sink.Done(msg)
		if i < terminalDoneRepeat-1 {
			time.Sleep(350 * time.Millisecond)
		}
	}
}

// onDelivered runs on confirmed delivery of a logical message
func (e *Engine) onDelivered(recipientID string) {
	if err := e.recipients.Remove(context.Background(), recipientID); err != nil {
		e.logger.Error("failed to remove delivered recipient", "recipient_id", recipientID, "error", err)
		return
	}
	e.logger.Debug("recipient removed after delivery", "recipient_id", recipientID)
}

// sleepInterruptible sleeps for d, waking at one-second granularity so
// Stop stays responsive mid-wait. Returns false when interrupted.
func (e *Engine) sleepInterruptible(ctx context.Context, d time.Duration) bool {
	deadline := time.Now().Add(d)

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return true
		}

		tick := time.Second
		if remaining < tick {
			tick = remaining
		}

		select {
		case <-ctx.Done():
			return false
		case <-time.After(tick):
		}
	}
}

// jitter randomizes d by ±20%
func jitter(d time.Duration) time.Duration {
	return time.Duration(float64(d) * (0.8 + 0.4*rand.Float64()))
}
