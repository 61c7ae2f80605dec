// Package connectivity detects whether the backend is reachable and
// notifies subscribers on transitions. "Online" is a sync trigger, never a
// precondition for reads.
package connectivity

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Probe answers the reachability question.
type Probe interface {
	Online(ctx context.Context) bool
}

// HTTPProbe pings a health endpoint. Any 2xx means online.
type HTTPProbe struct {
	URL  string
	HTTP *http.Client
}

// NewHTTPProbe creates a probe with a short timeout; a probe that hangs is
// as bad as being offline.
func NewHTTPProbe(url string) *HTTPProbe {
	return &HTTPProbe{
		URL:  url,
		HTTP: &http.Client{Timeout: 3 * time.Second},
	}
}

// Online reports whether the health endpoint answered.
func (p *HTTPProbe) Online(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, "GET", p.URL, nil)
	if err != nil {
		return false
	}
	resp, err := p.HTTP.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// Watcher polls a probe and invokes subscribers when the online state
// flips. Subscribers are called from the polling goroutine.
type Watcher struct {
	probe    Probe
	interval time.Duration

	mu     sync.Mutex
	online bool
	known  bool
	subs   []func(online bool)
}

// NewWatcher creates a watcher polling at the given interval.
func NewWatcher(probe Probe, interval time.Duration) *Watcher {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Watcher{probe: probe, interval: interval}
}

// Subscribe registers a transition callback.
func (w *Watcher) Subscribe(fn func(online bool)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.subs = append(w.subs, fn)
}

// Online returns the last observed state.
func (w *Watcher) Online() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.online
}

// Run polls until ctx is done. The first observation always notifies, so a
// device that starts online gets its initial sync trigger.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.check(ctx)
		}
	}
}

// check probes once and fires callbacks on a transition.
func (w *Watcher) check(ctx context.Context) {
	online := w.probe.Online(ctx)

	w.mu.Lock()
	changed := !w.known || online != w.online
	w.online = online
	w.known = true
	subs := make([]func(bool), len(w.subs))
	copy(subs, w.subs)
	w.mu.Unlock()

	if !changed {
		return
	}
	slog.Debug("connectivity transition", "online", online)
	for _, fn := range subs {
		fn(online)
	}
}
