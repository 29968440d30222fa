package probe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/loykin/printshell/internal/metrics"
	"github.com/loykin/printshell/internal/poll"
)

// Defaults follow the backend's own startup window: thirty one-second polls.
const (
	DefaultPath        = "/api/system/status"
	DefaultInterval    = time.Second
	DefaultMaxAttempts = 30
	DefaultTimeout     = 2 * time.Second
)

var ErrReadinessTimeout = errors.New("backend readiness timeout")

// Config controls how readiness is polled.
type Config struct {
	Host        string
	Path        string
	Interval    time.Duration
	MaxAttempts int
	Timeout     time.Duration // per request
}

// Probe polls the backend health endpoint until it answers 200.
type Probe struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
}

func New(cfg Config, logger *slog.Logger) *Probe {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Probe{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}, logger: logger}
}

// WaitUntilReady returns nil on the first HTTP 200 from the health path.
// Connection errors and other status codes count as "not yet".
func (p *Probe) WaitUntilReady(ctx context.Context, port int) error {
	url := fmt.Sprintf("http://%s:%d%s", p.cfg.Host, port, p.cfg.Path)
	p.logger.Info("waiting for backend readiness", "url", url, "max_attempts", p.cfg.MaxAttempts)

	attempts := 0
	err := poll.Until(ctx, poll.Options{
		Interval:    p.cfg.Interval,
		MaxAttempts: p.cfg.MaxAttempts,
		OnRetry: func(attempt int, err error) {
			p.logger.Debug("backend not ready yet", "attempt", attempt, "reason", err)
		},
	}, func(ctx context.Context, attempt int) error {
		attempts = attempt
		return p.check(ctx, url)
	})
	metrics.ObserveReadinessAttempts(attempts)
	if err != nil {
		if errors.Is(err, poll.ErrExhausted) {
			return fmt.Errorf("%w: port %d after %d attempts", ErrReadinessTimeout, port, attempts)
		}
		return err
	}
	p.logger.Info("backend ready", "port", port, "attempts", attempts)
	return nil
}

func (p *Probe) check(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return poll.Abort(err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}
