// Package poll waits on an external asynchronous operation with a fixed
// interval and a hard ceiling.
package poll

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrTimeout is returned when the ceiling elapses before the condition is met.
var ErrTimeout = errors.New("poll: timed out")

// Config controls the polling cadence. Zero values use defaults.
type Config struct {
	Interval time.Duration // default: 2s
	Ceiling  time.Duration // default: 30m
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 2 * time.Second
	}
	if c.Ceiling <= 0 {
		c.Ceiling = 30 * time.Minute
	}
	return c
}

// Condition is checked once per tick. It returns done=true to stop polling
// successfully, or a non-nil error to abort.
type Condition func(ctx context.Context) (done bool, err error)

// Until checks cond immediately and then every Interval until it reports done,
// returns an error, or Ceiling elapses. A ceiling breach returns an error
// wrapping ErrTimeout. Parent context cancellation returns ctx.Err().
func Until(ctx context.Context, cfg Config, cond Condition) error {
	cfg = cfg.withDefaults()

	deadline := time.NewTimer(cfg.Ceiling)
	defer deadline.Stop()
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for {
		done, err := cond(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("%w after %s", ErrTimeout, cfg.Ceiling)
		case <-ticker.C:
		}
	}
}
