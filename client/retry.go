package client

import (
	"fmt"
	"time"

	"lbshare/pkg/config"
	"lbshare/pkg/logger"
)

// Retrier is the reconnect-and-restart policy layered above the protocol
// core. The wire contract has no resume messages, so every attempt is a
// fresh connection running the whole transfer from the start.
type Retrier struct {
	Addr     string
	Cfg      config.Config
	Attempts int
	Backoff  time.Duration
}

// Do runs op against a freshly connected client, reconnecting and
// restarting on failure until the attempt budget is spent.
func (r *Retrier) Do(op func(*Client) error) error {
	attempts := r.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		c, err := NewClient(r.Addr, r.Cfg)
		if err != nil {
			return err
		}
		if err = c.Connect(); err == nil {
			err = op(c)
		}
		c.Close()
		if err == nil {
			return nil
		}

		lastErr = err
		logger.Sugar.Warnf("[Client] attempt %d/%d failed: %v", attempt, attempts, err)
		if attempt < attempts {
			time.Sleep(r.Backoff)
		}
	}
	return fmt.Errorf("transfer failed after %d attempts: %w", attempts, lastErr)
}
