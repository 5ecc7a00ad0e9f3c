// Package heartbeat periodically pings a monitoring URL to signal that the
// server is alive.
package heartbeat

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/casterlabs/speedtest/internal/metrics"
	"github.com/charmbracelet/log"
	"github.com/m-lab/go/memoryless"
)

// Beat sends a single heartbeat to url.
func Beat(ctx context.Context, client *http.Client, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 400 {
		return fmt.Errorf("heartbeat returned %s", resp.Status)
	}
	return nil
}

// Runner sends heartbeats from a background goroutine. It can be
// reconfigured at any time, which replaces the running goroutine.
type Runner struct {
	ctx    context.Context
	client *http.Client

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRunner returns a stopped Runner. The context bounds the lifetime of
// every goroutine the Runner starts.
func NewRunner(ctx context.Context, client *http.Client) *Runner {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Runner{
		ctx:    ctx,
		client: client,
	}
}

// Reconfigure stops the current heartbeat, if any, and starts sending one to
// url every interval. An empty url or a non-positive interval only stops it.
func (r *Runner) Reconfigure(url string, interval time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopLocked()
	if url == "" || interval <= 0 {
		return nil
	}

	ctx, cancel := context.WithCancel(r.ctx)
	t, err := memoryless.NewTicker(ctx, memoryless.Config{
		Min:      interval,
		Expected: interval,
		Max:      interval,
	})
	if err != nil {
		cancel()
		return err
	}
	r.cancel = cancel
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer t.Stop()
		log.Info("Heartbeat started", "url", url, "interval", interval)
		defer log.Info("Heartbeat stopped", "url", url)
		r.beat(ctx, url)
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				r.beat(ctx, url)
			}
		}
	}()
	return nil
}

// Stop stops the heartbeat and waits for its goroutine to return.
func (r *Runner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopLocked()
}

func (r *Runner) stopLocked() {
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	r.wg.Wait()
}

func (r *Runner) beat(ctx context.Context, url string) {
	if err := Beat(ctx, r.client, url); err != nil {
		if ctx.Err() == nil {
			log.Warn("Heartbeat failed", "url", url, "err", err)
			metrics.HeartbeatsTotal.WithLabelValues("error").Inc()
		}
		return
	}
	log.Debug("Heartbeat sent", "url", url)
	metrics.HeartbeatsTotal.WithLabelValues("ok").Inc()
}
