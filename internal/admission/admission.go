// Package admission gates script executions behind a global concurrency
// limit shared by every engine instance.
package admission

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/scriptherd/scriptherd/internal/coord"
	"github.com/scriptherd/scriptherd/internal/observability"
)

// ErrDenied is returned when the global concurrency limit is reached.
var ErrDenied = errors.New("admission: concurrency limit reached")

const (
	counterKey = "scriptherd:executions:active"

	// slotTTL caps how long a crashed holder can pin a slot. Matches the
	// longest execution window the engine allows.
	slotTTL = 3600 * time.Second
)

// Controller admits executions against a shared bounded counter.
type Controller struct {
	coord coord.Coordinator
	limit int64
	log   zerolog.Logger
}

// NewController builds a Controller with the given global limit.
func NewController(c coord.Coordinator, limit int, log zerolog.Logger) *Controller {
	return &Controller{
		coord: c,
		limit: int64(limit),
		log:   log.With().Str("component", "admission").Logger(),
	}
}

// Acquire claims an execution slot. It returns ErrDenied when the
// counter is at the limit, leaving the counter unchanged.
func (a *Controller) Acquire(ctx context.Context) error {
	ok, err := a.coord.IncrBounded(ctx, counterKey, a.limit, slotTTL)
	if err != nil {
		return err
	}
	if !ok {
		observability.AdmissionDenied.Inc()
		a.log.Debug().Int64("limit", a.limit).Msg("execution denied, limit reached")
		return ErrDenied
	}
	observability.AdmissionInFlight.Inc()
	return nil
}

// Release returns an execution slot. Safe to call after a failed run.
func (a *Controller) Release(ctx context.Context) {
	if err := a.coord.Decr(ctx, counterKey); err != nil {
		// The slot TTL reclaims it eventually.
		a.log.Warn().Err(err).Msg("failed to release execution slot")
		return
	}
	observability.AdmissionInFlight.Dec()
}

// InFlight reports the current admitted count.
func (a *Controller) InFlight(ctx context.Context) (int64, error) {
	return a.coord.CounterValue(ctx, counterKey)
}
