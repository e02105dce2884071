package signing

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// maxPollFailures is the number of consecutive lookup failures after which a
// poll feed gives up and closes its channel.
const maxPollFailures = 5

// PollFeed reports session status by polling the signing service.
type PollFeed struct {
	lookup   StatusLookup
	interval time.Duration
	logger   *zap.Logger
}

// NewPollFeed creates a feed that polls lookup every interval.
func NewPollFeed(lookup StatusLookup, interval time.Duration, logger *zap.Logger) *PollFeed {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PollFeed{lookup: lookup, interval: interval, logger: logger}
}

// Subscribe performs one lookup synchronously, so an unreachable service
// fails the subscription, then keeps polling in the background. Only status
// changes are emitted.
func (f *PollFeed) Subscribe(ctx context.Context, sessionID string) (<-chan Update, error) {
	first, err := f.lookup.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("signing: subscribe %s: %w", sessionID, err)
	}

	out := make(chan Update, 1)
	go f.poll(ctx, sessionID, first, out)
	return out, nil
}

func (f *PollFeed) poll(ctx context.Context, sessionID string, last Update, out chan<- Update) {
	defer close(out)

	if !send(ctx, out, last) || last.Status.IsTerminal() {
		return
	}

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		u, err := f.lookup.GetSession(ctx, sessionID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			f.logger.Warn("signing: status poll failed",
				zap.String("session_id", sessionID),
				zap.Int("consecutive_failures", failures),
				zap.Error(err),
			)
			if failures >= maxPollFailures {
				return
			}
			continue
		}
		failures = 0

		if u.Status == last.Status {
			continue
		}
		last = u
		if !send(ctx, out, u) || u.Status.IsTerminal() {
			return
		}
	}
}

func send(ctx context.Context, out chan<- Update, u Update) bool {
	select {
	case out <- u:
		return true
	case <-ctx.Done():
		return false
	}
}
