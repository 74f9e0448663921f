package logstream

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"refactor-cloud/internal/docker"
)

func TestStreamEmitsLogEventsInOrder(t *testing.T) {
	mock := &docker.Mock{
		LogsFn: func(ctx context.Context, id string, tail int, follow bool) (io.ReadCloser, error) {
			assert.Equal(t, 50, tail)
			assert.True(t, follow)
			return io.NopCloser(strings.NewReader("first line\nsecond line\nthird line\n")), nil
		},
	}
	s := New(mock)

	rec := httptest.NewRecorder()
	err := s.Stream(context.Background(), "refactor-project-x", 50, true, rec)
	require.NoError(t, err)

	want := "event: log\ndata: first line\n\n" +
		"event: log\ndata: second line\n\n" +
		"event: log\ndata: third line\n\n"
	assert.Equal(t, want, rec.Body.String())
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
}

func TestStreamReplacesInvalidUTF8(t *testing.T) {
	mock := &docker.Mock{
		LogsFn: func(ctx context.Context, id string, tail int, follow bool) (io.ReadCloser, error) {
			return io.NopCloser(strings.NewReader("ok \xff\xfe bytes\n")), nil
		},
	}
	s := New(mock)

	rec := httptest.NewRecorder()
	require.NoError(t, s.Stream(context.Background(), "c", 0, false, rec))
	assert.Contains(t, rec.Body.String(), "ok � bytes")
	assert.NotContains(t, rec.Body.String(), "\xff")
}

// blockingReader never returns data until closed, standing in for a
// quiet `docker logs --follow`.
type blockingReader struct {
	unblock chan struct{}
	closed  chan struct{}
}

func (r *blockingReader) Read(p []byte) (int, error) {
	select {
	case <-r.unblock:
		return 0, io.EOF
	case <-r.closed:
		return 0, io.EOF
	}
}

func (r *blockingReader) Close() error {
	select {
	case <-r.closed:
	default:
		close(r.closed)
	}
	return nil
}

func TestStreamClosesOnClientDisconnect(t *testing.T) {
	br := &blockingReader{unblock: make(chan struct{}), closed: make(chan struct{})}
	mock := &docker.Mock{
		LogsFn: func(ctx context.Context, id string, tail int, follow bool) (io.ReadCloser, error) {
			return br, nil
		},
	}
	s := New(mock)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.Stream(ctx, "c", 0, true, httptest.NewRecorder())
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("stream did not close after client disconnect")
	}
}
