package agentrelay

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"refactor-cloud/internal/metrics"
	"refactor-cloud/pkg/models"
)

const keepAliveInterval = 30 * time.Second

// WriteSSEHeaders sets the headers every SSE response carries.
func WriteSSEHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}

// StreamRun relays the agent's SSE stream for a run to w. Frames are
// forwarded verbatim in arrival order; the only synthesized output is a
// colon keep-alive comment every 30s of upstream silence and a terminal
// error frame when the upstream breaks after its 200. Cancelling ctx
// (client gone) tears down the upstream read through the shared
// request context.
func (r *Relay) StreamRun(ctx context.Context, proj *models.Project, runID string, w http.ResponseWriter) error {
	if err := Reachable(proj, true); err != nil {
		return err
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("response writer does not support streaming")
	}

	url := r.baseURL(proj.ID) + "/tasks/" + runID + "/stream"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := r.stream.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAgentUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrRunNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %d", ErrUpstream, resp.StatusCode)
	}

	gauge := metrics.Get().ActiveStreams.WithLabelValues("agent")
	gauge.Inc()
	defer gauge.Dec()

	WriteSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Reader goroutine feeds lines; the select below multiplexes them
	// with keep-alives and cancellation.
	lines := make(chan string, 64)
	readErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	ticker := time.NewTicker(r.keepAlive)
	defer ticker.Stop()

	// midFrame guards the keep-alive: injecting a comment between the
	// lines of a frame would blank-line-terminate it early.
	midFrame := false

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if midFrame {
				continue
			}
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return nil
			}
			flusher.Flush()
		case line, open := <-lines:
			if !open {
				// Upstream finished. A read error after the 200 turns
				// into an in-band terminal error frame.
				select {
				case err := <-readErr:
					if err != nil && ctx.Err() == nil {
						r.log.Warn("agent stream broke",
							zap.String("project_id", proj.ID),
							zap.String("run_id", runID), zap.Error(err))
						fmt.Fprint(w, "event: error\ndata: {\"message\":\"upstream stream interrupted\"}\n\n")
						flusher.Flush()
					}
				default:
				}
				flusher.Flush()
				return nil
			}
			if _, err := fmt.Fprintf(w, "%s\n", line); err != nil {
				return nil
			}
			if line == "" {
				// Frame boundary; push the complete frame out now.
				midFrame = false
				flusher.Flush()
				ticker.Reset(r.keepAlive)
			} else {
				midFrame = true
			}
		}
	}
}
