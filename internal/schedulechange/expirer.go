package schedulechange

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"ptschedule/internal/metrics"
)

// ExpiryStore persists EXPIRED on overdue requests.
type ExpiryStore interface {
	ExpireChangeRequests(ctx context.Context, now time.Time) (int64, error)
}

// Expirer periodically persists EXPIRED. Reads never depend on it.
type Expirer struct {
	store    ExpiryStore
	interval time.Duration
	now      func() time.Time
	logger   zerolog.Logger
}

func NewExpirer(store ExpiryStore, interval time.Duration, logger zerolog.Logger) *Expirer {
	return &Expirer{
		store:    store,
		interval: interval,
		now:      time.Now,
		logger:   logger.With().Str("component", "change_request_expirer").Logger(),
	}
}

// Start blocks until ctx is done. A non-positive interval disables it.
func (e *Expirer) Start(ctx context.Context) {
	if e.interval <= 0 {
		e.logger.Info().Msg("Change request expirer is disabled")
		return
	}
	e.logger.Info().Dur("interval", e.interval).Msg("Change request expirer started")

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.RunOnce(ctx); err != nil {
				e.logger.Error().Err(err).Msg("Change request expiry failed")
			}
		}
	}
}

// RunOnce expires every overdue pending request and returns how many changed.
func (e *Expirer) RunOnce(ctx context.Context) (int64, error) {
	n, err := e.store.ExpireChangeRequests(ctx, e.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		metrics.AddChangeRequestExpired(n)
		e.logger.Info().Int64("expired", n).Msg("Expired overdue change requests")
	}
	return n, nil
}
