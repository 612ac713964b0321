package comfy_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ktstudio/ktstudio/internal/domain"
	"github.com/ktstudio/ktstudio/internal/infra/comfy"
	"github.com/ktstudio/ktstudio/internal/infra/comfy/comfytest"
)

func twoNodeWorkflow() comfy.Workflow {
	return comfy.Workflow{
		"10": {ClassType: "SaveImage", Inputs: map[string]any{"filename_prefix": "a"}},
		"20": {ClassType: "SaveImage", Inputs: map[string]any{"filename_prefix": "b"}},
		"5":  {ClassType: "KSampler", Inputs: map[string]any{"seed": 1}},
	}
}

type recorder struct {
	mu     sync.Mutex
	events []comfy.Event
}

func (r *recorder) record(ev comfy.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ev.Type != comfy.EventIdle {
		r.events = append(r.events, ev)
	}
	return nil
}

func (r *recorder) ofType(t comfy.EventType) []comfy.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []comfy.Event
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func TestSubmitAndStream_MapsEvents(t *testing.T) {
	srv := comfytest.NewServer()
	defer srv.Close()
	c := comfy.New(srv.Config(), nil)
	ctx := context.Background()

	id, err := c.Submit(ctx, twoNodeWorkflow())
	require.NoError(t, err)
	require.NotEmpty(t, id)

	var rec recorder
	require.NoError(t, c.Stream(ctx, id, rec.record))

	finished := rec.ofType(comfy.EventBranchFinished)
	require.Len(t, finished, 2)
	assert.Equal(t, "10", finished[0].Node)
	assert.Equal(t, "20", finished[1].Node)
	assert.Len(t, rec.ofType(comfy.EventProgress), 4)
	assert.Len(t, rec.ofType(comfy.EventJobFinished), 1)

	subs := srv.Submissions()
	require.Len(t, subs, 1)
	assert.Equal(t, c.ClientID(), subs[0].ClientID)
}

func TestStream_ExecutionErrorIsBackendError(t *testing.T) {
	srv := comfytest.NewServer()
	defer srv.Close()
	srv.FailOn = func(int, comfy.Workflow) bool { return true }
	c := comfy.New(srv.Config(), nil)
	ctx := context.Background()

	id, err := c.Submit(ctx, twoNodeWorkflow())
	require.NoError(t, err)

	err = c.Stream(ctx, id, func(comfy.Event) error { return nil })
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrBackend), "got %v", err)
}

func TestStream_CancelledContext(t *testing.T) {
	srv := comfytest.NewServer()
	defer srv.Close()
	srv.HangOn = func(int, comfy.Workflow) bool { return true }
	c := comfy.New(srv.Config(), nil)

	id, err := c.Submit(context.Background(), twoNodeWorkflow())
	require.NoError(t, err)

	ctx, cancel := context.WithCancelCause(context.Background())
	time.AfterFunc(100*time.Millisecond, func() { cancel(domain.StopError) })

	err = c.Stream(ctx, id, func(comfy.Event) error { return nil })
	assert.True(t, errors.Is(err, domain.ErrOperatorStop), "got %v", err)
}

func TestStream_InterruptedOnBackend(t *testing.T) {
	srv := comfytest.NewServer()
	defer srv.Close()
	srv.HangOn = func(int, comfy.Workflow) bool { return true }
	c := comfy.New(srv.Config(), nil)
	ctx := context.Background()

	id, err := c.Submit(ctx, twoNodeWorkflow())
	require.NoError(t, err)
	time.AfterFunc(100*time.Millisecond, func() { c.Interrupt(ctx) })

	err = c.Stream(ctx, id, func(comfy.Event) error { return nil })
	assert.True(t, errors.Is(err, domain.ErrCancelled), "got %v", err)
	assert.Equal(t, 1, srv.Interrupts())
}

func TestStream_CallbackErrorStops(t *testing.T) {
	srv := comfytest.NewServer()
	defer srv.Close()
	c := comfy.New(srv.Config(), nil)
	ctx := context.Background()

	id, err := c.Submit(ctx, twoNodeWorkflow())
	require.NoError(t, err)

	boom := errors.New("boom")
	err = c.Stream(ctx, id, func(ev comfy.Event) error {
		if ev.Type == comfy.EventProgress {
			return boom
		}
		return nil
	})
	assert.ErrorIs(t, err, boom)
}

func TestStream_ReconnectsAfterDrop(t *testing.T) {
	srv := comfytest.NewServer()
	defer srv.Close()
	srv.DropConnections(1)
	c := comfy.New(srv.Config(), nil)
	ctx := context.Background()

	id, err := c.Submit(ctx, twoNodeWorkflow())
	require.NoError(t, err)

	var rec recorder
	require.NoError(t, c.Stream(ctx, id, rec.record))
	assert.Len(t, rec.ofType(comfy.EventJobFinished), 1)
}

func TestStream_GivesUpAfterRetries(t *testing.T) {
	// A server whose websocket endpoint always refuses the upgrade.
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no", http.StatusServiceUnavailable)
	})
	mux.HandleFunc("/history/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cfg := comfy.DefaultConfig()
	cfg.BaseURL = srv.URL
	cfg.StreamRetries = 2
	cfg.StreamRetryWait = 10 * time.Millisecond
	c := comfy.New(cfg, nil)

	err := c.Stream(context.Background(), "p1", func(comfy.Event) error { return nil })
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrBackend), "got %v", err)
	assert.Contains(t, err.Error(), "after 2 retries")
}

func TestStream_IgnoresOtherPrompts(t *testing.T) {
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/history/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	})
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteJSON(map[string]any{"type": "executing", "data": map[string]any{"node": "7", "prompt_id": "other"}})
		conn.WriteJSON(map[string]any{"type": "execution_error", "data": map[string]any{"prompt_id": "other"}})
		conn.WriteJSON(map[string]any{"type": "progress", "data": map[string]any{"value": 3, "max": 4}})
		conn.WriteJSON(map[string]any{"type": "executing", "data": map[string]any{"node": "7", "prompt_id": "mine"}})
		conn.WriteJSON(map[string]any{"type": "executing", "data": map[string]any{"node": nil, "prompt_id": "mine"}})
		conn.ReadMessage()
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cfg := comfy.DefaultConfig()
	cfg.BaseURL = srv.URL
	c := comfy.New(cfg, nil)

	var rec recorder
	require.NoError(t, c.Stream(context.Background(), "mine", rec.record))
	require.Len(t, rec.events, 3)
	assert.Equal(t, comfy.EventProgress, rec.events[0].Type)
	assert.Equal(t, 3, rec.events[0].Step)
	assert.Equal(t, comfy.Event{Type: comfy.EventBranchFinished, PromptID: "mine", Node: "7"}, rec.events[1])
	assert.Equal(t, comfy.EventJobFinished, rec.events[2].Type)
}

func TestHistoryDownloadAndUpload(t *testing.T) {
	srv := comfytest.NewServer()
	defer srv.Close()
	c := comfy.New(srv.Config(), nil)
	ctx := context.Background()

	id, err := c.Submit(ctx, twoNodeWorkflow())
	require.NoError(t, err)
	require.NoError(t, c.Stream(ctx, id, func(comfy.Event) error { return nil }))

	h, err := c.History(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, h)
	ref, ok := h.Outputs["20"].First()
	require.True(t, ok)
	assert.Equal(t, "b_00001_.png", ref.Filename)

	dir := t.TempDir()
	path, err := c.Download(ctx, ref, dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "b_00001_.png"), path)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, comfytest.PNG, data)

	missing, err := c.History(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	src := filepath.Join(dir, "ref.png")
	require.NoError(t, os.WriteFile(src, comfytest.PNG, 0644))
	name, err := c.Upload(ctx, src)
	require.NoError(t, err)
	assert.Equal(t, "ref.png", name)
	assert.Equal(t, []string{"ref.png"}, srv.Uploads())

	_, err = c.Upload(ctx, filepath.Join(dir, "absent.png"))
	assert.ErrorIs(t, err, domain.ErrPrecondition)
}

func TestControlCalls(t *testing.T) {
	srv := comfytest.NewServer()
	defer srv.Close()
	c := comfy.New(srv.Config(), nil)
	ctx := context.Background()

	require.NoError(t, c.Ping(ctx))
	require.NoError(t, c.Interrupt(ctx))
	require.NoError(t, c.ClearQueue(ctx))
	assert.Equal(t, 1, srv.Interrupts())
	assert.Equal(t, 1, srv.Clears())
}

func TestClearQueue_FallsBackToDelete(t *testing.T) {
	var deleted []string
	mux := http.NewServeMux()
	mux.HandleFunc("/queue", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			w.Write([]byte(`{"queue_running":[],"queue_pending":[[3,"p3",{}],[4,"p4",{}]]}`))
			return
		}
		var body struct {
			Clear  bool     `json:"clear"`
			Delete []string `json:"delete"`
		}
		decodeBody(t, r, &body)
		if body.Clear {
			http.Error(w, "unsupported", http.StatusBadRequest)
			return
		}
		deleted = body.Delete
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cfg := comfy.DefaultConfig()
	cfg.BaseURL = srv.URL
	cfg.HTTPRetries = 0
	c := comfy.New(cfg, nil)

	require.NoError(t, c.ClearQueue(context.Background()))
	assert.Equal(t, []string{"p3", "p4"}, deleted)
}

func TestSubmit_RejectedWorkflow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"prompt_outputs_failed_validation"}`, http.StatusBadRequest)
	}))
	defer srv.Close()
	cfg := comfy.DefaultConfig()
	cfg.BaseURL = srv.URL
	c := comfy.New(cfg, nil)

	_, err := c.Submit(context.Background(), twoNodeWorkflow())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrBackend)
	assert.Contains(t, err.Error(), "HTTP 400")
}

func decodeBody(t *testing.T, r *http.Request, v any) {
	t.Helper()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		t.Errorf("decode request body: %v", err)
	}
}

func TestSubmit_BreakerPausesDeadBackend(t *testing.T) {
	var (
		mu    sync.Mutex
		hits  int
		alive bool
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		hits++
		if !alive {
			http.Error(w, "boom", http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"prompt_id": "p1", "number": 1})
	}))
	defer srv.Close()
	cfg := comfy.DefaultConfig()
	cfg.BaseURL = srv.URL
	cfg.BreakerThreshold = 2
	cfg.BreakerCooldown = 50 * time.Millisecond
	c := comfy.New(cfg, nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := c.Submit(ctx, twoNodeWorkflow())
		require.Error(t, err)
		assert.NotErrorIs(t, err, comfy.ErrBreakerOpen)
	}
	assert.Equal(t, "open", c.Breaker().State)
	assert.Equal(t, 1, c.Breaker().Trips)

	_, err := c.Submit(ctx, twoNodeWorkflow())
	require.Error(t, err)
	assert.ErrorIs(t, err, comfy.ErrBreakerOpen)
	assert.ErrorIs(t, err, domain.ErrBackend)
	mu.Lock()
	assert.Equal(t, 2, hits, "open breaker must not reach the backend")
	alive = true
	mu.Unlock()

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, "half_open", c.Breaker().State)
	id, err := c.Submit(ctx, twoNodeWorkflow())
	require.NoError(t, err)
	assert.Equal(t, "p1", id)
	assert.Equal(t, "closed", c.Breaker().State)
	assert.Zero(t, c.Breaker().Failures)
}

func TestSubmit_RejectionKeepsBreakerClosed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"bad"}`, http.StatusBadRequest)
	}))
	defer srv.Close()
	cfg := comfy.DefaultConfig()
	cfg.BaseURL = srv.URL
	cfg.BreakerThreshold = 1
	c := comfy.New(cfg, nil)

	for i := 0; i < 3; i++ {
		_, err := c.Submit(context.Background(), twoNodeWorkflow())
		require.Error(t, err)
		assert.NotErrorIs(t, err, comfy.ErrBreakerOpen)
	}
	assert.Equal(t, "closed", c.Breaker().State)
}
