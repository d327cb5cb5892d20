package guestssh

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// ReadinessTimeoutError reports that a guest never became ready within
// the allotted deadline.
type ReadinessTimeoutError struct {
	Host    string
	Elapsed time.Duration
	Last    error
}

func (e *ReadinessTimeoutError) Error() string {
	return fmt.Sprintf("guestssh: %s not ready after %s: %v", e.Host, e.Elapsed, e.Last)
}

func (e *ReadinessTimeoutError) Unwrap() error { return e.Last }

// WaitReady polls the guest by running probeCommand over SSH until it
// exits zero, or until deadline elapses. It uses exponential backoff
// with jitter between attempts so a slow-booting guest isn't hammered
// with connection attempts while sshd is still coming up. Callers
// choose the probe: "test -f <sentinel>" to wait for a specific marker
// file (e.g. cloud-init completion), or "true" to wait for nothing more
// than a reachable, authenticated shell.
func WaitReady(ctx context.Context, cfg Config, probeCommand string, deadline time.Duration) error {
	client, err := New(cfg)
	if err != nil {
		return err
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	const (
		initialBackoff = 500 * time.Millisecond
		maxBackoff     = 10 * time.Second
	)
	backoff := initialBackoff

	var lastErr error
	for {
		_, exitCode, err := client.RunCombined(ctx, probeCommand)
		if err == nil && exitCode == 0 {
			return nil
		}
		if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("guestssh: probe %q not yet passing", probeCommand)
		}

		jittered := backoff/2 + time.Duration(rand.Int63n(int64(backoff/2+1))) //nolint:gosec // jitter, not security-sensitive
		select {
		case <-ctx.Done():
			return &ReadinessTimeoutError{Host: cfg.Host, Elapsed: time.Since(start), Last: lastErr}
		case <-time.After(jittered):
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}
