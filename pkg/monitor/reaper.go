package monitor

import (
	"context"
	"errors"
	"time"

	"github.com/VeylanSolmira/crucible-eval-platform-sub000/pkg/metrics"
	"github.com/VeylanSolmira/crucible-eval-platform-sub000/pkg/orchestrator"
	"github.com/VeylanSolmira/crucible-eval-platform-sub000/pkg/store"
)

// runReaper periodically deletes orchestrator jobs whose evaluation is
// already terminal in the durable store. This closes the race between a
// late phase-2 submission and an external cancel, and sweeps anything a
// missed DELETED observation left behind.
func (m *Monitor) runReaper(ctx context.Context) {
	defer m.wg.Done()

	interval := m.cfg.OrphanInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.reapOrphans(ctx); n > 0 {
				m.logger.Info().Int("deleted", n).Msg("deleted orphan jobs")
			}
		}
	}
}

// reapOrphans returns the number of jobs deleted in this pass. It also
// retires monitor-side state for settled evaluations.
func (m *Monitor) reapOrphans(ctx context.Context) int {
	jobs, err := m.source.ListJobs(ctx)
	if err != nil {
		m.logger.Error().Err(err).Msg("orphan scan failed")
		return 0
	}

	deleted := 0
	for _, job := range jobs {
		if job.EvalID == "" {
			continue
		}

		ev, err := m.reader.GetEvaluation(ctx, job.EvalID)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				m.logger.Warn().Err(err).Str("eval_id", job.EvalID).Msg("orphan lookup failed")
			}
			continue
		}
		if !ev.Status.Terminal() {
			continue
		}

		if err := m.source.DeleteJob(ctx, job.JobName); err != nil && !errors.Is(err, orchestrator.ErrJobNotFound) {
			m.logger.Warn().Err(err).Str("job_name", job.JobName).Msg("orphan delete failed")
			continue
		}
		metrics.OrphanJobsDeleted.Inc()
		deleted++
		m.forget(job.EvalID)

		m.logger.Info().
			Str("eval_id", job.EvalID).
			Str("job_name", job.JobName).
			Str("status", string(ev.Status)).
			Msg("deleted orphan job for terminal evaluation")
	}
	return deleted
}
