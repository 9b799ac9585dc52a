package dispatcher

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VeylanSolmira/crucible-eval-platform-sub000/pkg/allocator"
	"github.com/VeylanSolmira/crucible-eval-platform-sub000/pkg/bus"
	"github.com/VeylanSolmira/crucible-eval-platform-sub000/pkg/config"
	"github.com/VeylanSolmira/crucible-eval-platform-sub000/pkg/orchestrator"
	"github.com/VeylanSolmira/crucible-eval-platform-sub000/pkg/stream"
	"github.com/VeylanSolmira/crucible-eval-platform-sub000/pkg/types"
)

type fakePool struct {
	mu       sync.Mutex
	slots    []string
	claims   int
	releases map[string]int
}

func newFakePool(slots ...string) *fakePool {
	return &fakePool{slots: slots, releases: make(map[string]int)}
}

func (p *fakePool) Claim(_ context.Context, _ string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.claims++
	if len(p.slots) == 0 {
		return "", allocator.ErrPoolEmpty
	}
	url := p.slots[0]
	p.slots = p.slots[1:]
	return url, nil
}

func (p *fakePool) Release(_ context.Context, url, _ string) (allocator.ReleaseOutcome, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.releases[url]++
	if p.releases[url] > 1 {
		return allocator.ReleaseDouble, nil
	}
	p.slots = append(p.slots, url)
	return allocator.ReleaseOK, nil
}

func (p *fakePool) released(url string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.releases[url]
}

type fakeReader struct {
	mu       sync.Mutex
	statuses map[string]types.Status
}

func newFakeReader() *fakeReader {
	return &fakeReader{statuses: make(map[string]types.Status)}
}

func (r *fakeReader) set(id string, status types.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses[id] = status
}

func (r *fakeReader) GetEvaluation(_ context.Context, id string) (*types.Evaluation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	status, ok := r.statuses[id]
	if !ok {
		status = types.StatusQueued
	}
	return &types.Evaluation{ID: id, Status: status}, nil
}

// fakeExec pops one scripted error per Execute call; an empty queue
// means success. On success the reader is flipped to completed, playing
// the monitor+writer role so awaitTerminal returns promptly.
type fakeExec struct {
	mu     sync.Mutex
	errs   []error
	calls  int
	reader *fakeReader
}

func (e *fakeExec) Execute(_ context.Context, req *orchestrator.ExecuteRequest) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if len(e.errs) > 0 {
		err := e.errs[0]
		e.errs = e.errs[1:]
		if err != nil {
			return "", err
		}
	}
	if e.reader != nil {
		e.reader.set(req.EvalID, types.StatusCompleted)
	}
	return "job-" + req.EvalID, nil
}

func (e *fakeExec) Status(context.Context, string) (*types.JobStatus, error) {
	return &types.JobStatus{Status: "running"}, nil
}

type fakeAssignments struct {
	mu       sync.Mutex
	recorded map[string]string
	cleared  map[string]int
}

func newFakeAssignments() *fakeAssignments {
	return &fakeAssignments{recorded: make(map[string]string), cleared: make(map[string]int)}
}

func (a *fakeAssignments) Record(_ context.Context, evalID, sandbox string, _ time.Duration) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.recorded[evalID] = sandbox
	return nil
}

func (a *fakeAssignments) Clear(_ context.Context, evalID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cleared[evalID]++
	return nil
}

type harness struct {
	dispatcher  *Dispatcher
	pool        *fakePool
	exec        *fakeExec
	reader      *fakeReader
	assignments *fakeAssignments
	stream      *stream.MemoryStream
	broker      *bus.Broker
	deadLetters *DeadLetterStore
}

func newHarness(t *testing.T, pool *fakePool, execErrs ...error) *harness {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	broker := bus.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	reader := newFakeReader()
	exec := &fakeExec{errs: execErrs, reader: reader}
	taskStream := stream.NewMemoryStream()
	assignments := newFakeAssignments()
	deadLetters := NewDeadLetterStore(client, 10)

	cfg := config.DispatcherConfig{
		Workers:       1,
		AssignBackoff: time.Millisecond,
		MaxRetries:    3,
		BaseBackoff:   time.Millisecond,
		MaxBackoff:    5 * time.Millisecond,
	}
	d := New(cfg, config.DefaultConfig().Limits, taskStream, pool, exec, broker,
		reader, assignments, deadLetters)
	d.pollInterval = time.Millisecond

	return &harness{
		dispatcher:  d,
		pool:        pool,
		exec:        exec,
		reader:      reader,
		assignments: assignments,
		stream:      taskStream,
		broker:      broker,
		deadLetters: deadLetters,
	}
}

// runTask enqueues, dequeues and processes one envelope the way a
// worker would, so ack bookkeeping is exercised too.
func (h *harness) runTask(t *testing.T, task *types.TaskEnvelope) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.stream.Enqueue(ctx, task))
	got, err := h.stream.Dequeue(ctx, "worker-0", 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, got)
	h.dispatcher.process(ctx, "worker-0", got)
}

func (h *harness) pendingCount(t *testing.T) int {
	t.Helper()
	n, err := h.stream.RecoverPending(context.Background(), "worker-0")
	require.NoError(t, err)
	return n
}

func collectEvents(t *testing.T, sub bus.Subscription, n int) []*types.LifecycleEvent {
	t.Helper()
	events := make([]*types.LifecycleEvent, 0, n)
	for len(events) < n {
		select {
		case ev := <-sub.Events():
			events = append(events, ev)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d of %d events", len(events), n)
		}
	}
	return events
}

func testTask(evalID string) *types.TaskEnvelope {
	return &types.TaskEnvelope{
		EvalID:         evalID,
		Source:         "print(1+1)",
		Runtime:        "py",
		TimeoutSeconds: 1,
		Priority:       types.PriorityNormal,
		EnqueuedAt:     time.Now(),
	}
}

func TestProcessSuccessChain(t *testing.T) {
	h := newHarness(t, newFakePool("http://sandbox-1:8000"))
	sub, err := h.broker.Subscribe(context.Background(), types.EventProvisioning)
	require.NoError(t, err)
	defer sub.Close()

	h.runTask(t, testTask("eval-1"))

	// Provisioning published at sequence 1 with the sandbox attached.
	events := collectEvents(t, sub, 1)
	assert.Equal(t, int64(1), events[0].Sequence)
	assert.Equal(t, "http://sandbox-1:8000", events[0].Sandbox)

	// Exactly one release, assignment recorded then cleared, task acked.
	assert.Equal(t, 1, h.pool.released("http://sandbox-1:8000"))
	assert.Equal(t, "http://sandbox-1:8000", h.assignments.recorded["eval-1"])
	assert.Equal(t, 1, h.assignments.cleared["eval-1"])
	assert.Equal(t, 1, h.exec.calls)
	assert.Equal(t, 0, h.pendingCount(t))
}

func TestProcessDiscardsTerminalEvaluation(t *testing.T) {
	h := newHarness(t, newFakePool("http://sandbox-1:8000"))
	h.reader.set("eval-1", types.StatusCancelled)

	h.runTask(t, testTask("eval-1"))

	// Never claimed, never executed, but acked.
	assert.Equal(t, 0, h.pool.claims)
	assert.Equal(t, 0, h.exec.calls)
	assert.Equal(t, 0, h.pendingCount(t))
}

func TestAssignWaitsOutPoolExhaustion(t *testing.T) {
	pool := newFakePool() // empty
	h := newHarness(t, pool)

	// Capacity arrives while the worker is waiting.
	go func() {
		time.Sleep(20 * time.Millisecond)
		pool.mu.Lock()
		pool.slots = append(pool.slots, "http://sandbox-1:8000")
		pool.mu.Unlock()
	}()

	h.runTask(t, testTask("eval-1"))

	assert.Greater(t, h.pool.claims, 1, "should have retried the claim")
	assert.Equal(t, 1, h.exec.calls)
	assert.Equal(t, 1, h.pool.released("http://sandbox-1:8000"))
}

func TestAssignAbandonsTerminalEvaluation(t *testing.T) {
	h := newHarness(t, newFakePool())

	go func() {
		time.Sleep(10 * time.Millisecond)
		h.reader.set("eval-1", types.StatusCancelled)
	}()

	h.runTask(t, testTask("eval-1"))

	assert.Equal(t, 0, h.exec.calls)
	assert.Equal(t, 0, h.pendingCount(t))
}

func TestCapacityRejectionReassigns(t *testing.T) {
	h := newHarness(t, newFakePool("http://sandbox-1:8000"), orchestrator.ErrCapacity)

	h.runTask(t, testTask("eval-1"))

	// Slot given back, bumped copy requeued, original acked.
	assert.Equal(t, 1, h.pool.released("http://sandbox-1:8000"))
	assert.Equal(t, 0, h.pendingCount(t))

	requeued, err := h.stream.Dequeue(context.Background(), "worker-0", 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, requeued)
	assert.Equal(t, "eval-1", requeued.EvalID)
	assert.Equal(t, 0, requeued.Attempt, "losing the slot race must not spend the retry budget")
	assert.Equal(t, 1, requeued.Bounces)
}

func TestCapacityBouncesLeaveRetryBudgetIntact(t *testing.T) {
	h := newHarness(t, newFakePool("http://sandbox-1:8000"),
		orchestrator.ErrUnavailable, nil)

	// Two capacity bounces already behind this task. With MaxRetries 3
	// the full transient budget must still be available.
	task := testTask("eval-1")
	task.Bounces = 2
	h.runTask(t, task)

	assert.Equal(t, 2, h.exec.calls)
	assert.Equal(t, 1, h.pool.released("http://sandbox-1:8000"))
	assert.Equal(t, 0, h.pendingCount(t))

	records, err := h.deadLetters.List(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestQuotaExhaustionDeadLetters(t *testing.T) {
	h := newHarness(t, newFakePool("http://sandbox-1:8000"),
		orchestrator.ErrQuota, orchestrator.ErrQuota, orchestrator.ErrQuota)
	sub, err := h.broker.Subscribe(context.Background(), types.EventFailed)
	require.NoError(t, err)
	defer sub.Close()

	// The retry budget is per-task: two earlier attempts already burned.
	task := testTask("eval-1")
	task.Attempt = 2
	h.runTask(t, task)

	events := collectEvents(t, sub, 1)
	assert.Equal(t, int64(2), events[0].Sequence)
	assert.Equal(t, "quota_exhausted", events[0].Reason)
	assert.Equal(t, 3, events[0].Retries)

	records, err := h.deadLetters.List(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "eval-1", records[0].EvalID)
	assert.Equal(t, "quota_exhausted", records[0].ExceptionClass)

	assert.Equal(t, 1, h.pool.released("http://sandbox-1:8000"))
	assert.Equal(t, 0, h.pendingCount(t))
}

func TestUnavailableRetriesInPlaceThenDeadLetters(t *testing.T) {
	h := newHarness(t, newFakePool("http://sandbox-1:8000"),
		orchestrator.ErrUnavailable, orchestrator.ErrUnavailable, orchestrator.ErrUnavailable)

	h.runTask(t, testTask("eval-1"))

	// Retried in place holding the sandbox, then dead-lettered.
	assert.Equal(t, 3, h.exec.calls)
	assert.Equal(t, 1, h.pool.released("http://sandbox-1:8000"))

	records, err := h.deadLetters.List(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "orchestrator_unavailable", records[0].ExceptionClass)
}

func TestUnavailableRecoversWithinBudget(t *testing.T) {
	h := newHarness(t, newFakePool("http://sandbox-1:8000"),
		orchestrator.ErrUnavailable, nil)

	h.runTask(t, testTask("eval-1"))

	assert.Equal(t, 2, h.exec.calls)
	assert.Equal(t, 1, h.pool.released("http://sandbox-1:8000"))

	records, err := h.deadLetters.List(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestPermanentRejectionDeadLettersImmediately(t *testing.T) {
	h := newHarness(t, newFakePool("http://sandbox-1:8000"),
		&orchestrator.PermanentError{StatusCode: http.StatusBadRequest, Body: "bad language"})

	h.runTask(t, testTask("eval-1"))

	assert.Equal(t, 1, h.exec.calls)
	assert.Equal(t, 1, h.pool.released("http://sandbox-1:8000"))

	records, err := h.deadLetters.List(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "orchestrator_rejected", records[0].ExceptionClass)
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"capacity", orchestrator.ErrCapacity, true},
		{"quota", orchestrator.ErrQuota, true},
		{"unavailable wrapped", errors.Join(orchestrator.ErrUnavailable), true},
		{"permanent", &orchestrator.PermanentError{StatusCode: 400}, false},
		{"not found", orchestrator.ErrJobNotFound, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}
