package monitor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/VeylanSolmira/crucible-eval-platform-sub000/pkg/bus"
	"github.com/VeylanSolmira/crucible-eval-platform-sub000/pkg/config"
	"github.com/VeylanSolmira/crucible-eval-platform-sub000/pkg/log"
	"github.com/VeylanSolmira/crucible-eval-platform-sub000/pkg/metrics"
	"github.com/VeylanSolmira/crucible-eval-platform-sub000/pkg/orchestrator"
	"github.com/VeylanSolmira/crucible-eval-platform-sub000/pkg/types"
)

// JobSource is the orchestrator surface the monitor needs
type JobSource interface {
	Watch(ctx context.Context) (<-chan types.JobEvent, error)
	Logs(ctx context.Context, jobName string, maxBytes int) (string, error)
	ListJobs(ctx context.Context) ([]orchestrator.JobSummary, error)
	DeleteJob(ctx context.Context, jobName string) error
}

// EvalReader is the read-only durable store surface
type EvalReader interface {
	GetEvaluation(ctx context.Context, id string) (*types.Evaluation, error)
}

// Monitor watches the orchestrator's job-event stream and converts job
// changes into lifecycle events, at most one per observed change per
// evaluation. All publishes go through the per-evaluation sequencer so
// the bus sees them in order even when log fetches finish out of turn.
type Monitor struct {
	cfg    config.MonitorConfig
	limits config.Limits

	source JobSource
	reader EvalReader
	seq    *Sequencer

	logger zerolog.Logger
	stopCh chan struct{}
	wg     sync.WaitGroup

	mu     sync.Mutex
	tracks map[string]*evalTrack
}

// evalTrack remembers what the monitor has emitted for one evaluation
type evalTrack struct {
	jobName         string
	runningEmitted  bool
	terminalEmitted bool
}

// New creates a monitor
func New(cfg config.MonitorConfig, limits config.Limits, source JobSource, eventBus bus.EventBus, reader EvalReader) *Monitor {
	return &Monitor{
		cfg:    cfg,
		limits: limits,
		source: source,
		reader: reader,
		seq:    NewSequencer(eventBus, cfg.GapWait),
		logger: log.WithComponent("monitor"),
		stopCh: make(chan struct{}),
		tracks: make(map[string]*evalTrack),
	}
}

// Start launches the watch loop and the orphan reaper
func (m *Monitor) Start(ctx context.Context) {
	m.wg.Add(2)
	go m.runWatch(ctx)
	go m.runReaper(ctx)
}

// Stop signals the loops and waits for them to exit
func (m *Monitor) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

// trackLocked returns the track for an evaluation, creating it on first
// sight. Callers hold m.mu.
func (m *Monitor) trackLocked(evalID string) *evalTrack {
	t, ok := m.tracks[evalID]
	if !ok {
		t = &evalTrack{}
		m.tracks[evalID] = t
	}
	return t
}

// noteJob records the orchestrator job name for an evaluation
func (m *Monitor) noteJob(evalID, jobName string) {
	if jobName == "" {
		return
	}
	m.mu.Lock()
	m.trackLocked(evalID).jobName = jobName
	m.mu.Unlock()
}

// markTerminal claims the terminal emission; false when already claimed.
// Both the watch loop and Cancel race for this, whichever wins emits.
func (m *Monitor) markTerminal(evalID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := m.trackLocked(evalID)
	if t.terminalEmitted {
		return false
	}
	t.terminalEmitted = true
	return true
}

// markRunning claims the running emission; false when already emitted
// or the evaluation is past running.
func (m *Monitor) markRunning(evalID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := m.trackLocked(evalID)
	if t.runningEmitted || t.terminalEmitted {
		return false
	}
	t.runningEmitted = true
	return true
}

// trackState reads the job name and terminal flag
func (m *Monitor) trackState(evalID string) (jobName string, terminal bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := m.trackLocked(evalID)
	return t.jobName, t.terminalEmitted
}

func (m *Monitor) forget(evalID string) {
	m.mu.Lock()
	delete(m.tracks, evalID)
	m.mu.Unlock()
	m.seq.Forget(evalID)
}

// runWatch owns the watch connection. The connection is renewed at a
// bounded interval even when healthy, and every (re)connect is followed
// by a reconciliation pass so events missed while disconnected turn
// into synthesized terminal events instead of stuck evaluations.
func (m *Monitor) runWatch(ctx context.Context) {
	defer m.wg.Done()

	first := true
	for {
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		events, err := m.source.Watch(ctx)
		if err != nil {
			m.logger.Error().Err(err).Msg("failed to open watch stream")
			if !m.sleep(ctx, 5*time.Second) {
				return
			}
			continue
		}

		if !first {
			metrics.WatchReconnectsTotal.Inc()
		}
		first = false

		m.consume(ctx, events)
		m.reconcile(ctx)
	}
}

// consume drains one watch connection until it closes, the renewal
// interval elapses, or shutdown.
func (m *Monitor) consume(ctx context.Context, events <-chan types.JobEvent) {
	renew := time.NewTimer(m.cfg.ReconnectInterval)
	defer renew.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		case <-renew.C:
			m.logger.Debug().Msg("renewing watch connection")
			return
		case event, ok := <-events:
			if !ok {
				m.logger.Warn().Msg("watch stream closed")
				return
			}
			m.handle(ctx, event)
		}
	}
}

// handle converts one job observation into at most one lifecycle event
func (m *Monitor) handle(ctx context.Context, event types.JobEvent) {
	metrics.JobEventsTotal.WithLabelValues(string(event.Type)).Inc()
	if event.EvalID == "" {
		return
	}

	m.noteJob(event.EvalID, event.JobName)

	switch {
	case event.Type == types.JobDeleted:
		if !m.markTerminal(event.EvalID) {
			return
		}
		seq := m.seq.Observe(event.EvalID)
		m.seq.Publish(ctx, &types.LifecycleEvent{
			EvalID:    event.EvalID,
			Kind:      types.EventCancelled,
			Sequence:  seq,
			Timestamp: time.Now(),
			JobName:   event.JobName,
			Reason:    "job deleted",
		})

	case event.Succeeded > 0:
		if !m.markTerminal(event.EvalID) {
			return
		}
		seq := m.seq.Observe(event.EvalID)
		go m.finalize(ctx, event, seq, types.EventCompleted)

	case event.Failed > 0 || event.Reason == "DeadlineExceeded":
		if !m.markTerminal(event.EvalID) {
			return
		}
		seq := m.seq.Observe(event.EvalID)
		go m.finalize(ctx, event, seq, types.EventFailed)

	case event.Active > 0:
		if !m.markRunning(event.EvalID) {
			return
		}
		seq := m.seq.Observe(event.EvalID)
		m.seq.Publish(ctx, &types.LifecycleEvent{
			EvalID:    event.EvalID,
			Kind:      types.EventRunning,
			Sequence:  seq,
			Timestamp: time.Now(),
			JobName:   event.JobName,
		})
	}
}

// finalize fetches captured output and publishes the terminal event.
// It runs on its own goroutine so a slow log endpoint cannot stall the
// watch loop; the sequencer keeps the bus ordering intact regardless of
// how long the fetch takes.
func (m *Monitor) finalize(ctx context.Context, event types.JobEvent, seq int64, kind types.EventKind) {
	logger := log.WithJob(log.WithEvalID(m.logger, event.EvalID), event.JobName)

	output, err := m.source.Logs(ctx, event.JobName, m.limits.MaxOutputBytes)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to fetch job logs")
	}

	exitCode := event.ExitCode
	if exitCode == nil && kind == types.EventCompleted {
		zero := 0
		exitCode = &zero
	}

	reason := event.Reason
	if reason == "" && kind == types.EventFailed {
		reason = "job failed"
	}

	m.seq.Publish(ctx, &types.LifecycleEvent{
		EvalID:    event.EvalID,
		Kind:      kind,
		Sequence:  seq,
		Timestamp: time.Now(),
		JobName:   event.JobName,
		Output:    output,
		ExitCode:  exitCode,
		Reason:    reason,
	})
}

// Cancel requests cancellation of an evaluation. With a live job the
// orchestrator delete is enough: the DELETED observation produces the
// cancelled event. Before a job exists the cancelled event is published
// directly and the dispatcher discards the task when it sees the
// terminal state.
func (m *Monitor) Cancel(ctx context.Context, evalID string) error {
	jobName, terminal := m.trackState(evalID)
	if terminal {
		return nil
	}

	if jobName != "" {
		err := m.source.DeleteJob(ctx, jobName)
		if err == nil || errors.Is(err, orchestrator.ErrJobNotFound) {
			return nil
		}
		return err
	}

	if !m.markTerminal(evalID) {
		return nil
	}
	seq := m.seq.Observe(evalID)
	m.seq.Publish(ctx, &types.LifecycleEvent{
		EvalID:    evalID,
		Kind:      types.EventCancelled,
		Sequence:  seq,
		Timestamp: time.Now(),
		Reason:    "cancelled before execution",
	})
	return nil
}

// reconcile runs after every (re)connect: the current job list is
// compared against what the monitor has emitted, and missing terminal
// events are synthesized. Jobs that vanished while disconnected are
// resolved against the durable store.
func (m *Monitor) reconcile(ctx context.Context) {
	jobs, err := m.source.ListJobs(ctx)
	if err != nil {
		m.logger.Error().Err(err).Msg("reconciliation list failed")
		return
	}

	listed := make(map[string]bool, len(jobs))
	for _, job := range jobs {
		if job.EvalID == "" {
			continue
		}
		listed[job.EvalID] = true

		if _, terminal := m.trackState(job.EvalID); terminal {
			continue
		}
		if job.Succeeded > 0 || job.Failed > 0 {
			m.logger.Info().
				Str("eval_id", job.EvalID).
				Str("job_name", job.JobName).
				Msg("synthesizing terminal event missed while disconnected")
			m.handle(ctx, types.JobEvent{
				Type:      types.JobModified,
				JobName:   job.JobName,
				EvalID:    job.EvalID,
				Active:    job.Active,
				Succeeded: job.Succeeded,
				Failed:    job.Failed,
				Reason:    job.Reason,
				ExitCode:  job.ExitCode,
			})
		}
	}

	// Tracked evaluations whose job is gone: either the writer already
	// holds a terminal state (delete observed elsewhere), or the job was
	// removed while we were away and the deletion must be replayed.
	m.mu.Lock()
	var missing []string
	for evalID, t := range m.tracks {
		if !t.terminalEmitted && t.jobName != "" && !listed[evalID] {
			missing = append(missing, evalID)
		}
	}
	m.mu.Unlock()

	for _, evalID := range missing {
		ev, err := m.reader.GetEvaluation(ctx, evalID)
		if err == nil && ev.Status.Terminal() {
			m.markTerminal(evalID)
			continue
		}
		m.handle(ctx, types.JobEvent{
			Type:   types.JobDeleted,
			EvalID: evalID,
		})
	}
}

func (m *Monitor) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	case <-m.stopCh:
		return false
	}
}
