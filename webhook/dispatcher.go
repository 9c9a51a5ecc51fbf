// Package webhook delivers terminal run events to HTTP endpoints. Payloads
// are signed with HMAC-SHA256 so receivers can authenticate the sender, and
// delivery retries with exponential backoff up to a bounded attempt count.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/stagehand-ai/stagehand/workflow"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body, keyed by
// the hook's shared secret.
const SignatureHeader = "X-Stagehand-Signature"

// Config tunes delivery behavior.
type Config struct {
	// MaxAttempts bounds delivery attempts per event (default 3).
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`
	// BaseBackoff is the first retry delay, doubled per attempt (default 1s).
	BaseBackoff time.Duration `yaml:"base_backoff" json:"base_backoff"`
	// Timeout bounds each HTTP request (default 10s).
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
	// RatePerSecond caps outbound deliveries (default 10, burst 2x).
	RatePerSecond float64 `yaml:"rate_per_second" json:"rate_per_second"`
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = 3
	}
	if out.BaseBackoff <= 0 {
		out.BaseBackoff = time.Second
	}
	if out.Timeout <= 0 {
		out.Timeout = 10 * time.Second
	}
	if out.RatePerSecond <= 0 {
		out.RatePerSecond = 10
	}
	return out
}

// Dispatcher posts events to hook URLs. Deliveries run in the background so
// run finalization never blocks on a slow receiver; Close drains in-flight
// deliveries.
type Dispatcher struct {
	cfg     Config
	client  *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
	wg      sync.WaitGroup

	// sleep is swapped out in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewDispatcher creates a dispatcher with the given config.
func NewDispatcher(cfg Config, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	return &Dispatcher{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), int(cfg.RatePerSecond*2)),
		logger:  logger.With(zap.String("component", "webhook")),
		sleep: func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-t.C:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}
}

// Dispatch delivers the event asynchronously. The run is already terminal
// when this fires, so delivery outlives the caller's context.
func (d *Dispatcher) Dispatch(_ context.Context, hook workflow.HookConfig, event workflow.Event) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(),
			time.Duration(d.cfg.MaxAttempts)*(d.cfg.Timeout+d.cfg.BaseBackoff*8))
		defer cancel()
		d.deliver(ctx, hook, event)
	}()
}

// Close waits for in-flight deliveries to finish.
func (d *Dispatcher) Close() {
	d.wg.Wait()
}

func (d *Dispatcher) deliver(ctx context.Context, hook workflow.HookConfig, event workflow.Event) {
	logger := d.logger.With(
		zap.String("run_id", event.RunID),
		zap.String("event", event.Event),
		zap.String("url", hook.URL),
	)

	body, err := json.Marshal(event)
	if err != nil {
		logger.Error("failed to marshal webhook payload", zap.Error(err))
		return
	}

	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		if err := d.limiter.Wait(ctx); err != nil {
			return
		}
		err := d.post(ctx, hook, body)
		if err == nil {
			logger.Info("webhook delivered", zap.Int("attempt", attempt))
			return
		}
		logger.Warn("webhook delivery failed",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", d.cfg.MaxAttempts),
			zap.Error(err),
		)
		if attempt < d.cfg.MaxAttempts {
			backoff := d.cfg.BaseBackoff << (attempt - 1)
			if d.sleep(ctx, backoff) != nil {
				return
			}
		}
	}
	logger.Error("webhook delivery abandoned")
}

func (d *Dispatcher) post(ctx context.Context, hook workflow.HookConfig, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if hook.Secret != "" {
		req.Header.Set(SignatureHeader, Sign(hook.Secret, body))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook endpoint returned %s", resp.Status)
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of body keyed by secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches body under secret. Receivers use
// it to authenticate deliveries.
func Verify(secret string, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(signature))
}

var _ workflow.WebhookDispatcher = (*Dispatcher)(nil)
