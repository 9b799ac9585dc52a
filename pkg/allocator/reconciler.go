package allocator

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/VeylanSolmira/crucible-eval-platform-sub000/pkg/log"
	"github.com/VeylanSolmira/crucible-eval-platform-sub000/pkg/metrics"
	"github.com/VeylanSolmira/crucible-eval-platform-sub000/pkg/store"
)

// Reconciler is the crash-recovery safety net behind the busy-marker TTL.
// Each pass force-releases slots whose evaluation has already reached a
// terminal state, then re-seeds fleet slots that appear in neither the
// available list nor any busy marker. The second case is a claimer that
// died and whose marker TTL-expired: without the reseed the slot would
// be lost until the next Initialize.
type Reconciler struct {
	allocator *Allocator
	store     store.DurableStore
	fleet     []string
	interval  time.Duration
	logger    zerolog.Logger
	stopCh    chan struct{}
}

// NewReconciler creates a pool reconciler for the configured fleet
func NewReconciler(alloc *Allocator, st store.DurableStore, fleet []string, interval time.Duration) *Reconciler {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Reconciler{
		allocator: alloc,
		store:     st,
		fleet:     fleet,
		interval:  interval,
		logger:    log.WithComponent("pool-reconciler"),
		stopCh:    make(chan struct{}),
	}
}

// Start begins the reconciliation loop
func (r *Reconciler) Start() {
	go r.run()
}

// Stop stops the reconciler
func (r *Reconciler) Stop() {
	close(r.stopCh)
}

func (r *Reconciler) run() {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n, err := r.Reconcile(context.Background()); err != nil {
				r.logger.Error().Err(err).Msg("pool reconciliation failed")
			} else if n > 0 {
				r.logger.Info().Int("reclaimed", n).Msg("reclaimed stale busy markers")
			}
		case <-r.stopCh:
			return
		}
	}
}

// Reconcile performs one pass and returns the number of slots reclaimed
func (r *Reconciler) Reconcile(ctx context.Context) (int, error) {
	markers, err := r.allocator.BusyMarkers(ctx)
	if err != nil {
		return 0, err
	}

	reclaimed := 0
	for url, evalID := range markers {
		ev, err := r.store.GetEvaluation(ctx, evalID)
		if errors.Is(err, store.ErrNotFound) {
			// Marker without an evaluation; the TTL will collect it
			continue
		}
		if err != nil {
			return reclaimed, err
		}
		if !ev.Status.Terminal() {
			continue
		}

		outcome, err := r.allocator.Release(ctx, url, evalID)
		if err != nil {
			return reclaimed, err
		}
		if outcome == ReleaseOK {
			reclaimed++
			metrics.StaleMarkersReclaimed.Inc()
			r.logger.Warn().
				Str("sandbox", url).
				Str("eval_id", evalID).
				Str("status", string(ev.Status)).
				Msg("force-released sandbox held by terminal evaluation")
		}
	}

	// The seed script is a no-op for listed or busy slots, so running it
	// over the fleet recovers exactly the slots leaked by expired markers.
	for _, url := range r.fleet {
		seeded, err := r.allocator.Seed(ctx, url)
		if err != nil {
			return reclaimed, err
		}
		if seeded {
			reclaimed++
			metrics.LeakedSlotsReseeded.Inc()
			r.logger.Warn().
				Str("sandbox", url).
				Msg("reseeded slot orphaned by an expired busy marker")
		}
	}
	return reclaimed, nil
}
