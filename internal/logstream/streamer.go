// Package logstream turns a container's stdout/stderr into an SSE
// stream of log events.
package logstream

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"refactor-cloud/internal/agentrelay"
	"refactor-cloud/internal/docker"
	"refactor-cloud/internal/logging"
	"refactor-cloud/internal/metrics"
)

const pingInterval = 30 * time.Second

type Streamer struct {
	driver docker.Driver
	log    *zap.Logger
}

func New(driver docker.Driver) *Streamer {
	return &Streamer{driver: driver, log: logging.L().Named("logstream")}
}

// Stream follows a container's logs and writes one `log` SSE event per
// line, with a `ping` event after 30s of silence. Returns nil on clean
// close (container exit or client disconnect).
func (s *Streamer) Stream(ctx context.Context, containerName string, tail int, follow bool, w http.ResponseWriter) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("response writer does not support streaming")
	}

	rc, err := s.driver.Logs(ctx, containerName, tail, follow)
	if err != nil {
		return err
	}
	defer rc.Close()

	gauge := metrics.Get().ActiveStreams.WithLabelValues("logs")
	gauge.Inc()
	defer gauge.Dec()

	agentrelay.WriteSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	lines := make(chan string, 64)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(rc)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			s.log.Debug("log stream read ended",
				zap.String("container", containerName), zap.Error(err))
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := fmt.Fprint(w, "event: ping\ndata: keep-alive\n\n"); err != nil {
				return nil
			}
			flusher.Flush()
		case line, open := <-lines:
			if !open {
				return nil
			}
			clean := strings.ToValidUTF8(line, "�")
			if _, err := fmt.Fprintf(w, "event: log\ndata: %s\n\n", clean); err != nil {
				return nil
			}
			flusher.Flush()
			ticker.Reset(pingInterval)
		}
	}
}
