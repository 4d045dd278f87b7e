package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Pusher is what the archive pusher pushes.
type Pusher interface {
	Push(ctx context.Context) error
}

// ArchivePusher pushes the page archive in the background after it changed. Notifications
// arriving while a push is pending coalesce into one push.
type ArchivePusher struct {
	target Pusher
	logger *slog.Logger
	delay  time.Duration
	notify chan struct{}

	// retry settings, shortened by tests
	maxRetries   int
	initialDelay time.Duration
}

// PusherOption configures the ArchivePusher.
type PusherOption func(*ArchivePusher)

// WithPushDelay sets the debounce delay before pushing.
// This allows a burst of page writes to go out in a single push.
func WithPushDelay(d time.Duration) PusherOption {
	return func(p *ArchivePusher) {
		p.delay = d
	}
}

// NewArchivePusher creates a pusher for target.
func NewArchivePusher(target Pusher, logger *slog.Logger, opts ...PusherOption) *ArchivePusher {
	if logger == nil {
		logger = slog.Default()
	}
	pusher := &ArchivePusher{
		target:       target,
		logger:       logger,
		notify:       make(chan struct{}, 1),
		maxRetries:   3,
		initialDelay: 5 * time.Second,
	}

	for _, opt := range opts {
		opt(pusher)
	}

	return pusher
}

// Notify signals that the archive has new commits.
// This is non-blocking - if a notification is already pending, it's a no-op.
func (p *ArchivePusher) Notify() {
	select {
	case p.notify <- struct{}{}:
		p.logger.Debug("archive pusher notified")
	default:
	}
}

// Start runs the pusher until the context is canceled.
// This method blocks and should be called in a goroutine.
func (p *ArchivePusher) Start(ctx context.Context) {
	p.logger.InfoContext(ctx, "archive pusher started", "push_delay", p.delay)

	for {
		select {
		case <-ctx.Done():
			p.logger.InfoContext(ctx, "archive pusher stopping")
			return
		case <-p.notify:
			if !p.wait(ctx) {
				return
			}
			if err := p.pushWithRetry(ctx); err != nil {
				p.logger.ErrorContext(ctx, "archive push failed", "error", err)
			}
		}
	}
}

// wait sleeps for the push delay. It returns false if the context ended first.
func (p *ArchivePusher) wait(ctx context.Context) bool {
	if p.delay <= 0 {
		return true
	}

	timer := time.NewTimer(p.delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// pushWithRetry attempts to push with exponential backoff.
func (p *ArchivePusher) pushWithRetry(ctx context.Context) error {
	const backoffFactor = 2

	var lastErr error
	delay := p.initialDelay

	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			p.logger.InfoContext(ctx, "retrying push after delay",
				"attempt", attempt,
				"max_attempts", p.maxRetries,
				"delay", delay,
				"previous_error", lastErr)

			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
			delay *= backoffFactor
		}

		if err := p.target.Push(ctx); err != nil {
			lastErr = err
			p.logger.WarnContext(ctx, "push failed",
				"attempt", attempt+1,
				"max_attempts", p.maxRetries+1,
				"error", err)
			continue
		}

		if attempt > 0 {
			p.logger.InfoContext(ctx, "push succeeded after retry", "attempt", attempt+1)
		}
		return nil
	}

	return fmt.Errorf("push failed after %d attempts: %w", p.maxRetries+1, lastErr)
}
