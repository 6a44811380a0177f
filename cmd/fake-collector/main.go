package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/austindbirch/hitrelay/internal/config"
	"github.com/austindbirch/hitrelay/internal/hit"
	"github.com/austindbirch/hitrelay/internal/ingest"
	"github.com/austindbirch/hitrelay/internal/logging"
)

// 1x1 transparent GIF, the body the real collector answers with
var pixel = []byte("GIF89a\x01\x00\x01\x00\x80\x00\x00\x00\x00\x00\x00\x00\x00!\xf9\x04\x01\x00\x00\x00\x00,\x00\x00\x00\x00\x01\x00\x01\x00\x00\x02\x02D\x01\x00;")

// received is one hit the collector accepted.
type received struct {
	Method  string `json:"method"`
	Path    string `json:"path"`
	Type    string `json:"t,omitempty"`
	QT      int64  `json:"qt,omitempty"`
	Payload string `json:"payload"`
}

type stats struct {
	Requests int        `json:"requests"`
	Dropped  int        `json:"dropped"`
	Accepted int        `json:"accepted"`
	Last     []received `json:"last,omitempty"`
}

// collector stands in for the analytics endpoint. The first FailFirstN
// connections are closed without a response so the relay sees a transport
// failure rather than an HTTP error.
type collector struct {
	cfg config.FakeCollector
	log *logging.Logger

	mu       sync.Mutex
	requests int
	dropped  int
	hits     []received
}

const keepLast = 50

func newCollector(cfg config.FakeCollector, log *logging.Logger) *collector {
	return &collector{cfg: cfg, log: log}
}

func (c *collector) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	for _, p := range ingest.Paths {
		r.Get(p, c.handleCollect)
		r.Post(p, c.handleCollect)
	}
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"ok":true}`)) })
	r.Get("/stats", c.handleStats)
	return r
}

func (c *collector) handleCollect(w http.ResponseWriter, r *http.Request) {
	c.mu.Lock()
	c.requests++
	n := c.requests
	drop := n <= c.cfg.FailFirstN
	if drop {
		c.dropped++
	}
	c.mu.Unlock()

	if drop {
		c.log.Plain().Warnf("dropping connection %d of %d", n, c.cfg.FailFirstN)
		dropConnection(w)
		return
	}

	payload := r.URL.RawQuery
	if r.Method == http.MethodPost {
		b, _ := io.ReadAll(r.Body)
		payload = string(b)
	}
	rec := received{Method: r.Method, Path: r.URL.Path, Payload: payload}
	rec.Type, _ = hit.GetParam(payload, "t")
	if v, ok := hit.GetParam(payload, hit.QueueTimeParam); ok {
		rec.QT, _ = strconv.ParseInt(v, 10, 64)
	}

	c.mu.Lock()
	c.hits = append(c.hits, rec)
	if len(c.hits) > keepLast {
		c.hits = c.hits[len(c.hits)-keepLast:]
	}
	c.mu.Unlock()

	entry := c.log.Plain().
		WithField("method", rec.Method).
		WithField("path", rec.Path).
		WithField("t", rec.Type).
		WithField("payload", truncate(payload, 160))
	if rec.QT > 0 {
		entry = entry.WithField("qt_ms", rec.QT)
	}
	entry.Info("hit received")

	if d := c.cfg.ResponseDelayMS; d > 0 {
		time.Sleep(time.Duration(d) * time.Millisecond)
	}
	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	_, _ = w.Write(pixel)
}

func (c *collector) handleStats(w http.ResponseWriter, _ *http.Request) {
	c.mu.Lock()
	st := stats{
		Requests: c.requests,
		Dropped:  c.dropped,
		Accepted: c.requests - c.dropped,
		Last:     append([]received(nil), c.hits...),
	}
	c.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(st)
}

// dropConnection closes the underlying connection without writing a response.
func dropConnection(w http.ResponseWriter) {
	if hj, ok := w.(http.Hijacker); ok {
		if conn, _, err := hj.Hijack(); err == nil {
			_ = conn.Close()
			return
		}
	}
	panic(http.ErrAbortHandler)
}

func main() {
	cfg := config.FromEnv()
	logger := logging.New("fake-collector")
	if err := logger.SetLevel(cfg.LogLevel); err != nil {
		logger.Plain().WithError(err).Warn("unknown LOG_LEVEL, using info")
	}

	c := newCollector(cfg.FakeCollector, logger)
	srv := &http.Server{
		Addr:         cfg.FakeCollector.Port,
		Handler:      c.routes(),
		ReadTimeout:  cfg.FakeCollector.ReadTimeout,
		WriteTimeout: cfg.FakeCollector.WriteTimeout,
		IdleTimeout:  cfg.FakeCollector.IdleTimeout,
	}

	logger.Plain().
		WithField("addr", srv.Addr).
		WithField("fail_first_n", cfg.FakeCollector.FailFirstN).
		WithField("response_delay_ms", cfg.FakeCollector.ResponseDelayMS).
		Info("fake-collector listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Plain().WithError(err).Fatal("fake-collector failed")
	}
}

// truncate truncates a string to the specified length and adds an ellipsis if truncated
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n])
}
