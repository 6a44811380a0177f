// Package ingest serves the collect endpoints and forwards each hit
// upstream through the delivery wrapper.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/austindbirch/hitrelay/internal/delivery"
	"github.com/austindbirch/hitrelay/internal/logging"
	"github.com/austindbirch/hitrelay/internal/queue"
)

// QueuedHeader carries the queue id of a hit that could not be forwarded.
const QueuedHeader = "X-Hit-Queued"

// Paths are the collect endpoints the relay accepts.
var Paths = []string{"/collect", "/r/collect", "/j/collect"}

// Attempter sends a hit once, queueing it on transport failure.
type Attempter interface {
	Attempt(ctx context.Context, req *http.Request) (*http.Response, error)
}

// hop-by-hop headers are never forwarded in either direction
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

type Handler struct {
	upstream *url.URL
	wrapper  Attempter
	log      *logging.Logger
}

func NewHandler(upstreamURL string, wrapper Attempter, log *logging.Logger) (*Handler, error) {
	u, err := url.Parse(upstreamURL)
	if err != nil {
		return nil, fmt.Errorf("ingest: bad upstream url: %w", err)
	}
	if !u.IsAbs() || u.Host == "" {
		return nil, fmt.Errorf("ingest: upstream url %q must be absolute", upstreamURL)
	}
	if log == nil {
		log = logging.New("hitrelay-ingest")
	}
	return &Handler{upstream: u, wrapper: wrapper, log: log}, nil
}

// Register mounts the collect paths on r.
func (h *Handler) Register(r chi.Router) {
	for _, p := range Paths {
		r.HandleFunc(p, h.ServeHTTP)
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	out, err := h.outbound(r)
	if err != nil {
		h.log.WithContext(r.Context()).WithError(err).Warn("cannot build upstream request")
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	resp, err := h.wrapper.Attempt(r.Context(), out)
	var queued *delivery.QueuedError
	switch {
	case err == nil:
		defer resp.Body.Close()
		copyHeaders(w.Header(), resp.Header)
		w.WriteHeader(resp.StatusCode)
		_, _ = io.Copy(w, resp.Body)
	case errors.As(err, &queued):
		w.Header().Set(QueuedHeader, queued.ID)
		w.WriteHeader(http.StatusAccepted)
	case errors.Is(err, queue.ErrStorage):
		http.Error(w, "hit could not be queued", http.StatusServiceUnavailable)
	default:
		h.log.WithContext(r.Context()).WithError(err).Warn("upstream send failed")
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
	}
}

// outbound rewrites r to target the upstream collector, keeping the path,
// raw query and body byte for byte.
func (h *Handler) outbound(r *http.Request) (*http.Request, error) {
	target := *h.upstream
	target.Path = strings.TrimSuffix(h.upstream.Path, "/") + r.URL.Path
	target.RawPath = ""
	target.RawQuery = r.URL.RawQuery
	target.Fragment = ""

	var body io.Reader
	if r.Method == http.MethodPost && r.Body != nil && r.Body != http.NoBody {
		body = r.Body
	}
	out, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), body)
	if err != nil {
		return nil, err
	}
	copyHeaders(out.Header, r.Header)
	if ip, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		if prior := r.Header.Get("X-Forwarded-For"); prior != "" {
			ip = prior + ", " + ip
		}
		out.Header.Set("X-Forwarded-For", ip)
	}
	return out, nil
}

func copyHeaders(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
	for _, k := range hopHeaders {
		dst.Del(k)
	}
}
