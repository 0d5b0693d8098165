package otp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Channel delivers a code to a destination such as a phone number.
type Channel interface {
	Deliver(ctx context.Context, destination, code string) error
}

// LogChannel writes codes to the structured log. Intended for development.
type LogChannel struct {
	logger     *zap.Logger
	revealCode bool
}

// NewLogChannel builds a LogChannel; revealCode controls whether the code itself is logged.
func NewLogChannel(logger *zap.Logger, revealCode bool) *LogChannel {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogChannel{logger: logger, revealCode: revealCode}
}

func (c *LogChannel) Deliver(_ context.Context, destination, code string) error {
	fields := []zap.Field{zap.String("destination", Mask(destination))}
	if c.revealCode {
		fields = append(fields, zap.String("code", code))
	}
	c.logger.Info("otp delivered", fields...)
	return nil
}

// WebhookChannel posts codes to an SMS gateway.
type WebhookChannel struct {
	url    string
	client *http.Client
}

// NewWebhookChannel builds a WebhookChannel with the given request timeout.
func NewWebhookChannel(url string, timeout time.Duration) *WebhookChannel {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookChannel{url: url, client: &http.Client{Timeout: timeout}}
}

type webhookPayload struct {
	To      string `json:"to"`
	Message string `json:"message"`
}

func (c *WebhookChannel) Deliver(ctx context.Context, destination, code string) error {
	body, err := json.Marshal(webhookPayload{
		To:      destination,
		Message: fmt.Sprintf("Your verification code is %s", code),
	})
	if err != nil {
		return fmt.Errorf("encode otp payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build otp request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver otp: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("deliver otp: gateway status %d", resp.StatusCode)
	}
	return nil
}
