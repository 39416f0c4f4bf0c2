// Package smtpgw sends messages through an email-to-SMS gateway: the
// recipient address becomes <number>@gateway-domain and the message text
// becomes the mail body. The gateway confirms asynchronously via DSN-style
// callbacks, so the channel reports outcomes through the tracker callback
// rather than the Send return value.
package smtpgw

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/google/uuid"

	"github.com/mivanov/herald/internal/track"
)

// Callback receives the asynchronous outcome of one physical send
type Callback interface {
	OnSent(requestID string, result track.Result)
}

// Config configures the gateway channel
type Config struct {
	Addr          string // host:port of the gateway MTA
	From          string // envelope sender
	GatewayDomain string // recipient address becomes <number>@GatewayDomain
	Username      string
	Password      string
	Timeout       time.Duration
	MaxUnitLen    int
}

// Channel implements track.Channel over SMTP
type Channel struct {
	cfg      Config
	callback Callback
	logger   *slog.Logger
}

// New creates a gateway channel. The callback is set later because the
// tracker and the channel reference each other.
func New(cfg Config, logger *slog.Logger) *Channel {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Channel{cfg: cfg, logger: logger}
}

// SetCallback installs the outcome receiver. Must be called before Send.
func (c *Channel) SetCallback(cb Callback) {
	c.callback = cb
}

// MaxUnitLen implements track.Channel
func (c *Channel) MaxUnitLen() int {
	return c.cfg.MaxUnitLen
}

// Send submits one part to the gateway. The SMTP transaction runs on its
// own goroutine; the accept/reject outcome arrives via the callback so a
// slow gateway never blocks the caller beyond request id generation.
func (c *Channel) Send(ctx context.Context, address, text string) (string, error) {
	if c.callback == nil {
		return "", fmt.Errorf("smtpgw: callback not set")
	}

	requestID := uuid.New().String()
	to := address + "@" + c.cfg.GatewayDomain
	msg := c.buildMessage(requestID, to, text)

	go c.deliver(ctx, requestID, to, msg)

	return requestID, nil
}

func (c *Channel) deliver(ctx context.Context, requestID, to string, msg string) {
	err := c.submit(ctx, to, msg)
	if err != nil {
		c.logger.Warn("gateway submission failed", "request_id", requestID, "to", to, "error", err)
		c.callback.OnSent(requestID, track.ResultFailed)
		return
	}

	c.logger.Debug("gateway accepted message", "request_id", requestID, "to", to)
	c.callback.OnSent(requestID, track.ResultOK)
}

// submit runs one SMTP transaction against the gateway
func (c *Channel) submit(ctx context.Context, to, msg string) error {
	dialer := &net.Dialer{Timeout: c.cfg.Timeout}

	conn, err := dialer.DialContext(ctx, "tcp", c.cfg.Addr)
	if err != nil {
		return fmt.Errorf("connection failed to %s: %w", c.cfg.Addr, err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(c.cfg.Timeout))
	}

	client := smtp.NewClient(conn)
	defer client.Close()

	host, _, err := net.SplitHostPort(c.cfg.Addr)
	if err != nil {
		host = c.cfg.Addr
	}

	if err := client.Hello("herald"); err != nil {
		return fmt.Errorf("HELO failed: %w", err)
	}

	// Opportunistic STARTTLS; gateways on private links often run plain.
	if ok, _ := client.Extension("STARTTLS"); ok {
		tlsConfig := &tls.Config{
			ServerName: host,
			MinVersion: tls.VersionTLS12,
		}
		if err := client.StartTLS(tlsConfig); err != nil {
			c.logger.Warn("STARTTLS failed, continuing without encryption", "addr", c.cfg.Addr, "error", err)
		}
	}

	if c.cfg.Username != "" {
		auth := sasl.NewPlainClient("", c.cfg.Username, c.cfg.Password)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("AUTH failed: %w", err)
		}
	}

	if err := client.SendMail(c.cfg.From, []string{to}, strings.NewReader(msg)); err != nil {
		return fmt.Errorf("transaction failed: %w", err)
	}

	return client.Quit()
}

// buildMessage renders the minimal RFC 5322 message a gateway expects:
// plain UTF-8 body, no subject.
func (c *Channel) buildMessage(requestID, to, text string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "From: %s\r\n", c.cfg.From)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	fmt.Fprintf(&b, "Message-ID: <%s@%s>\r\n", requestID, c.cfg.GatewayDomain)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(text)
	b.WriteString("\r\n")

	return b.String()
}
