// Package httpgw sends messages through an SMS provider's REST API. The
// provider assigns a message id on submission; that id is the physical
// request id, so status webhooks correlate directly with the tracker.
package httpgw

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/mivanov/herald/internal/track"
)

// Callback receives a synchronously known outcome of one physical send
type Callback interface {
	OnSent(requestID string, result track.Result)
}

// Config configures the provider channel
type Config struct {
	SendURL    string
	APIKey     string
	Sender     string // originating address reported to the provider
	Timeout    time.Duration
	MaxUnitLen int
}

// Channel implements track.Channel over a provider REST API
type Channel struct {
	cfg      Config
	client   *http.Client
	callback Callback
	logger   *slog.Logger
}

type sendRequest struct {
	To   string `json:"to"`
	From string `json:"from,omitempty"`
	Text string `json:"text"`
}

type sendResponse struct {
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
}

// New creates a provider channel
func New(cfg Config, logger *slog.Logger) *Channel {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Channel{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

// SetCallback installs the outcome receiver for statuses the provider
// reports synchronously. Optional: a webhook-only provider never needs it.
func (c *Channel) SetCallback(cb Callback) {
	c.callback = cb
}

// MaxUnitLen implements track.Channel
func (c *Channel) MaxUnitLen() int {
	return c.cfg.MaxUnitLen
}

// Send submits one part to the provider and returns the provider's
// message id. A status already terminal in the submission response is
// relayed through the callback; otherwise the outcome arrives later via
// the provider's status webhook.
func (c *Channel) Send(ctx context.Context, address, text string) (string, error) {
	body, err := json.Marshal(sendRequest{To: address, From: c.cfg.Sender, Text: text})
	if err != nil {
		return "", fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.SendURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("provider request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("provider returned %d: %s", resp.StatusCode, data)
	}

	var sr sendResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	if sr.MessageID == "" {
		return "", fmt.Errorf("provider response has no message id")
	}

	c.logger.Debug("provider accepted message", "message_id", sr.MessageID, "status", sr.Status)

	if result, terminal := MapStatus(sr.Status); terminal && c.callback != nil {
		c.callback.OnSent(sr.MessageID, result)
	}

	return sr.MessageID, nil
}

// MapStatus translates a provider status string into a tracker result.
// terminal is false for in-flight statuses that a later webhook settles.
// Statuses this code has never seen map to ResultUnknown rather than
// failure; providers add statuses without notice.
func MapStatus(status string) (result track.Result, terminal bool) {
	switch status {
	case "queued", "accepted", "scheduled", "":
		return track.ResultUnknown, false
	case "sent", "delivered":
		return track.ResultOK, true
	case "failed", "rejected", "undeliverable", "expired":
		return track.ResultFailed, true
	default:
		return track.ResultUnknown, true
	}
}
