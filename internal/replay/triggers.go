package replay

import (
	"context"
	"net/http"
	"time"

	"github.com/austindbirch/hitrelay/internal/logging"
)

// Triggerer is anything that can request a replay pass.
type Triggerer interface {
	Trigger()
}

// RunTicker triggers t every interval until ctx is done. A zero interval
// returns immediately.
func RunTicker(ctx context.Context, t Triggerer, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Trigger()
		}
	}
}

// Probe polls a URL and triggers a replay when it becomes reachable again
// after having been unreachable.
type Probe struct {
	URL      string
	Interval time.Duration
	Client   *http.Client
	Logger   *logging.Logger

	offline bool
}

// Check runs one probe and reports whether it marks an offline to online
// transition.
func (p *Probe) Check(ctx context.Context) bool {
	client := p.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.URL, nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		if !p.offline && p.Logger != nil {
			p.Logger.WithContext(ctx).WithError(err).Warn("connectivity probe failed, upstream offline")
		}
		p.offline = true
		return false
	}
	_ = resp.Body.Close()

	if p.offline {
		p.offline = false
		if p.Logger != nil {
			p.Logger.WithContext(ctx).Info("connectivity restored")
		}
		return true
	}
	return false
}

// Run checks every Interval and triggers t on each restore.
func (p *Probe) Run(ctx context.Context, t Triggerer) {
	if p.URL == "" || p.Interval <= 0 {
		return
	}
	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if p.Check(ctx) {
				t.Trigger()
			}
		}
	}
}
