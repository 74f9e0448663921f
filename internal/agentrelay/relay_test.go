package agentrelay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"refactor-cloud/internal/store"
	"refactor-cloud/pkg/models"
)

func testRelay(t *testing.T, upstream *httptest.Server) (*Relay, *store.Store) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.Project{}))

	st := store.New(db)
	r := New(st, 8000)
	if upstream != nil {
		r.baseURL = func(string) string { return upstream.URL }
	}
	return r, st
}

func readyProject(t *testing.T, st *store.Store, status string) *models.Project {
	t.Helper()
	cid := "abc"
	p := &models.Project{
		OwnerID:     "user-1",
		Title:       "p",
		Kind:        models.KindRefactor,
		Status:      status,
		ContainerID: &cid,
	}
	require.NoError(t, st.Create(context.Background(), p))
	return p
}

func TestMapStatus(t *testing.T) {
	assert.Equal(t, RunStatusRunning, MapStatus("pending"))
	assert.Equal(t, RunStatusRunning, MapStatus("running"))
	assert.Equal(t, RunStatusDone, MapStatus("success"))
	assert.Equal(t, RunStatusFailed, MapStatus("failed"))
	assert.Equal(t, RunStatusStopped, MapStatus("stopped"))
	assert.Equal(t, "weird", MapStatus("weird"))
}

func TestStartRunMapsTaskIDAndPersistsThread(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/run", r.URL.Path)
		var body RunRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "migrate to X", body.Spec)
		json.NewEncoder(w).Encode(map[string]string{"task_id": "task-7", "thread_id": "thread-3"})
	}))
	defer upstream.Close()

	r, st := testRelay(t, upstream)
	p := readyProject(t, st, models.StatusReady)
	p.Spec = "migrate to X"

	started, err := r.StartRun(context.Background(), p, RunRequest{})
	require.NoError(t, err)
	assert.Equal(t, "task-7", started.RunID)
	assert.Equal(t, RunStatusRunning, started.Status)
	assert.Equal(t, p.ID, started.ProjectID)

	got, err := st.Get(context.Background(), p.ID)
	require.NoError(t, err)
	require.NotNil(t, got.RefactorThreadID)
	assert.Equal(t, "thread-3", *got.RefactorThreadID)
}

func TestStartRunRequiresReady(t *testing.T) {
	r, st := testRelay(t, nil)
	p := readyProject(t, st, models.StatusRunning)

	_, err := r.StartRun(context.Background(), p, RunRequest{})
	assert.ErrorIs(t, err, ErrProjectNotReady)
}

func TestGetRunMapsVocabulary(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/tasks/task-7", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id":         "task-7",
			"status":     "success",
			"phase":      "exec",
			"created_at": time.Now().UTC(),
			"updated_at": time.Now().UTC(),
		})
	}))
	defer upstream.Close()

	r, st := testRelay(t, upstream)
	p := readyProject(t, st, models.StatusRunning)

	run, err := r.GetRun(context.Background(), p, "task-7")
	require.NoError(t, err)
	assert.Equal(t, "task-7", run.ID)
	assert.Equal(t, RunStatusDone, run.Status)
	assert.Equal(t, "exec", run.Phase)
}

func TestGetRunNotFound(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer upstream.Close()

	r, st := testRelay(t, upstream)
	p := readyProject(t, st, models.StatusReady)

	_, err := r.GetRun(context.Background(), p, "nope")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestCallUnreachable(t *testing.T) {
	r, st := testRelay(t, nil)
	r.baseURL = func(string) string { return "http://127.0.0.1:1" }
	p := readyProject(t, st, models.StatusReady)

	_, err := r.ListRuns(context.Background(), p)
	assert.ErrorIs(t, err, ErrAgentUnreachable)
}

func TestStreamRunPreservesFrameOrder(t *testing.T) {
	var frames []string
	for i := 0; i < 10; i++ {
		frames = append(frames, fmt.Sprintf("event: log\ndata: {\"i\":%d}\n\n", i))
	}

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/tasks/task-1/stream", r.URL.Path)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		f := w.(http.Flusher)
		fmt.Fprint(w, ": upstream hello\n\n")
		f.Flush()
		for _, frame := range frames {
			fmt.Fprint(w, frame)
			f.Flush()
		}
	}))
	defer upstream.Close()

	r, st := testRelay(t, upstream)
	p := readyProject(t, st, models.StatusRunning)

	rec := httptest.NewRecorder()
	err := r.StreamRun(context.Background(), p, "task-1", rec)
	require.NoError(t, err)

	want := ": upstream hello\n\n"
	for _, frame := range frames {
		want += frame
	}
	assert.Equal(t, want, rec.Body.String())
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
}

func TestStreamRunCancellationReachesUpstream(t *testing.T) {
	upstreamGone := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		<-r.Context().Done()
		close(upstreamGone)
	}))
	defer upstream.Close()

	r, st := testRelay(t, upstream)
	p := readyProject(t, st, models.StatusRunning)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.StreamRun(ctx, p, "task-1", httptest.NewRecorder())
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case <-upstreamGone:
	case <-time.After(time.Second):
		t.Fatal("upstream connection not cancelled within 1s")
	}
	<-done
}

func TestStreamRunUpstreamErrorStatus(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer upstream.Close()

	r, st := testRelay(t, upstream)
	p := readyProject(t, st, models.StatusReady)

	err := r.StreamRun(context.Background(), p, "task-1", httptest.NewRecorder())
	assert.ErrorIs(t, err, ErrUpstream)
}

func TestStreamRunKeepAliveWaitsForFrameBoundary(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		f := w.(http.Flusher)
		// Stall mid-frame for several keep-alive intervals.
		fmt.Fprint(w, "event: log\ndata: {\"i\":0}\n")
		f.Flush()
		time.Sleep(250 * time.Millisecond)
		fmt.Fprint(w, "\n")
		f.Flush()
	}))
	defer upstream.Close()

	r, st := testRelay(t, upstream)
	r.keepAlive = 50 * time.Millisecond
	p := readyProject(t, st, models.StatusRunning)

	rec := httptest.NewRecorder()
	require.NoError(t, r.StreamRun(context.Background(), p, "task-1", rec))

	// The frame must arrive whole, with no comment spliced in.
	assert.Equal(t, "event: log\ndata: {\"i\":0}\n\n", rec.Body.String())
}

func TestStreamRunKeepAliveBetweenFrames(t *testing.T) {
	frame0 := "event: log\ndata: {\"i\":0}\n\n"
	frame1 := "event: log\ndata: {\"i\":1}\n\n"

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		f := w.(http.Flusher)
		fmt.Fprint(w, frame0)
		f.Flush()
		time.Sleep(250 * time.Millisecond)
		fmt.Fprint(w, frame1)
		f.Flush()
	}))
	defer upstream.Close()

	r, st := testRelay(t, upstream)
	r.keepAlive = 50 * time.Millisecond
	p := readyProject(t, st, models.StatusRunning)

	rec := httptest.NewRecorder()
	require.NoError(t, r.StreamRun(context.Background(), p, "task-1", rec))

	body := rec.Body.String()
	assert.True(t, strings.HasPrefix(body, frame0), body)
	assert.True(t, strings.HasSuffix(body, frame1), body)
	assert.Contains(t, body[len(frame0):len(body)-len(frame1)], ": keep-alive\n\n")
}
