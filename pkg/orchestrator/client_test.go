package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VeylanSolmira/crucible-eval-platform-sub000/pkg/types"
)

func newTestClient(handler http.Handler) (*Client, *httptest.Server) {
	server := httptest.NewServer(handler)
	client := NewClient(Config{
		BaseURL:        server.URL,
		RequestTimeout: 5 * time.Second,
		WatchLabel:     "crucible.io/eval",
	})
	return client, server
}

func TestExecuteSuccess(t *testing.T) {
	var got ExecuteRequest
	client, server := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/execute", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(map[string]string{"job_name": "job-abc"})
	}))
	defer server.Close()

	jobName, err := client.Execute(context.Background(), &ExecuteRequest{
		EvalID:         "eval-1",
		Code:           "print(1+1)",
		Language:       "py",
		TimeoutSeconds: 10,
		MemoryLimit:    512 * 1024 * 1024,
		CPULimit:       0.5,
	})
	require.NoError(t, err)
	assert.Equal(t, "job-abc", jobName)
	assert.Equal(t, "eval-1", got.EvalID)
	assert.Equal(t, "print(1+1)", got.Code)
}

func TestExecuteErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		check  func(t *testing.T, err error)
	}{
		{"quota 403", http.StatusForbidden, func(t *testing.T, err error) {
			assert.ErrorIs(t, err, ErrQuota)
		}},
		{"capacity 429", http.StatusTooManyRequests, func(t *testing.T, err error) {
			assert.ErrorIs(t, err, ErrCapacity)
		}},
		{"unavailable 503", http.StatusServiceUnavailable, func(t *testing.T, err error) {
			assert.ErrorIs(t, err, ErrUnavailable)
		}},
		{"permanent 400", http.StatusBadRequest, func(t *testing.T, err error) {
			var perr *PermanentError
			require.ErrorAs(t, err, &perr)
			assert.Equal(t, http.StatusBadRequest, perr.StatusCode)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, server := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			_, err := client.Execute(context.Background(), &ExecuteRequest{EvalID: "eval-1"})
			tt.check(t, err)
		})
	}
}

func TestExecuteTransportFailureIsUnavailable(t *testing.T) {
	client := NewClient(Config{BaseURL: "http://127.0.0.1:1", RequestTimeout: time.Second})

	_, err := client.Execute(context.Background(), &ExecuteRequest{EvalID: "eval-1"})
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestCircuitBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	client, server := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := client.Status(ctx, "job-abc")
		require.ErrorIs(t, err, ErrUnavailable)
	}

	// Breaker is open: the next call sheds without reaching the server.
	_, err := client.Status(ctx, "job-abc")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestStatusNotFound(t *testing.T) {
	client, server := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	_, err := client.Status(context.Background(), "job-missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestLogsTruncation(t *testing.T) {
	client, server := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/logs/job-abc", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]string{"logs": strings.Repeat("x", 100)})
	}))
	defer server.Close()

	logs, err := client.Logs(context.Background(), "job-abc", 10)
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("x", 10)+types.TruncationMarker, logs)
}

func TestDeleteJobNotFound(t *testing.T) {
	client, server := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodDelete, r.Method)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	err := client.DeleteJob(context.Background(), "job-gone")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestListJobsCarriesLabel(t *testing.T) {
	client, server := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "crucible.io/eval", r.URL.Query().Get("label"))
		_ = json.NewEncoder(w).Encode([]JobSummary{
			{JobName: "job-1", EvalID: "eval-1", Succeeded: 1},
		})
	}))
	defer server.Close()

	jobs, err := client.ListJobs(context.Background())
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "eval-1", jobs[0].EvalID)
	assert.Equal(t, 1, jobs[0].Succeeded)
}

func TestWatchStreamsNDJSON(t *testing.T) {
	client, server := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/watch", r.URL.Path)
		flusher := w.(http.Flusher)
		for i, event := range []types.JobEvent{
			{Type: types.JobAdded, JobName: "job-1", EvalID: "eval-1", Active: 1},
			{Type: types.JobModified, JobName: "job-1", EvalID: "eval-1", Succeeded: 1},
		} {
			if i == 1 {
				fmt.Fprint(w, "\n") // blank lines are skipped
			}
			require.NoError(t, json.NewEncoder(w).Encode(event))
			flusher.Flush()
		}
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	events, err := client.Watch(ctx)
	require.NoError(t, err)

	first := <-events
	assert.Equal(t, types.JobAdded, first.Type)
	assert.Equal(t, 1, first.Active)

	second := <-events
	assert.Equal(t, types.JobModified, second.Type)
	assert.Equal(t, 1, second.Succeeded)

	// Server handler returned: the stream closes.
	_, ok := <-events
	assert.False(t, ok)
}

func TestWatchRejectsErrorStatus(t *testing.T) {
	client, server := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	_, err := client.Watch(context.Background())
	assert.ErrorIs(t, err, ErrUnavailable)
}
