// Package hit captures outgoing telemetry requests as serializable
// snapshots and rebuilds them for replay.
package hit

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

var (
	ErrUnsupportedMethod = errors.New("hit: unsupported method")
	ErrRelativeURL       = errors.New("hit: url must be absolute")
)

// Credentials modes recorded on a snapshot.
const (
	CredentialsInclude = "include"
	CredentialsOmit    = "omit"
)

const defaultMode = "cors"

// Header is a single captured header line. Snapshots keep headers as an
// ordered list so the replayed request carries them in capture order.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Snapshot is an immutable capture of an outgoing hit.
type Snapshot struct {
	ID          string   `json:"id"`
	Seq         uint64   `json:"seq"`
	Method      string   `json:"method"`
	URL         string   `json:"url"`
	Headers     []Header `json:"headers,omitempty"`
	Body        []byte   `json:"body,omitempty"`
	Credentials string   `json:"credentials,omitempty"`
	Mode        string   `json:"mode,omitempty"`
	EnqueuedAt  int64    `json:"enqueued_at"` // unix millis, set once by the queue
}

// Supported reports whether method can be captured.
func Supported(method string) bool {
	return method == http.MethodGet || method == http.MethodPost
}

// Capture snapshots req. The body is read in full and put back on req so
// the caller can still send it.
func Capture(req *http.Request) (Snapshot, error) {
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}
	if !Supported(method) {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrUnsupportedMethod, req.Method)
	}
	if req.URL == nil || !req.URL.IsAbs() {
		return Snapshot{}, ErrRelativeURL
	}

	var body []byte
	if req.Body != nil && req.Body != http.NoBody {
		b, err := io.ReadAll(req.Body)
		_ = req.Body.Close()
		if err != nil {
			return Snapshot{}, fmt.Errorf("read body: %w", err)
		}
		body = b
		req.Body = io.NopCloser(bytes.NewReader(b))
		req.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(b)), nil
		}
		req.ContentLength = int64(len(b))
	}

	names := make([]string, 0, len(req.Header))
	for name := range req.Header {
		names = append(names, name)
	}
	sort.Strings(names)
	headers := make([]Header, 0, len(names))
	for _, name := range names {
		for _, v := range req.Header[name] {
			headers = append(headers, Header{Name: name, Value: v})
		}
	}

	creds := CredentialsOmit
	if req.Header.Get("Cookie") != "" || req.Header.Get("Authorization") != "" {
		creds = CredentialsInclude
	}
	mode := req.Header.Get("Sec-Fetch-Mode")
	if mode == "" {
		mode = defaultMode
	}

	return Snapshot{
		Method:      method,
		URL:         req.URL.String(),
		Headers:     headers,
		Body:        body,
		Credentials: creds,
		Mode:        mode,
	}, nil
}

// Request rebuilds an outgoing request from the snapshot.
func (s Snapshot) Request(ctx context.Context) (*http.Request, error) {
	var body io.Reader
	if len(s.Body) > 0 {
		body = bytes.NewReader(s.Body)
	}
	req, err := http.NewRequestWithContext(ctx, s.Method, s.URL, body)
	if err != nil {
		return nil, err
	}
	for _, h := range s.Headers {
		req.Header.Add(h.Name, h.Value)
	}
	if s.Credentials == CredentialsOmit {
		req.Header.Del("Cookie")
		req.Header.Del("Authorization")
	}
	return req, nil
}

// Validate rejects snapshots that cannot be replayed.
func (s Snapshot) Validate() error {
	if !Supported(s.Method) {
		return fmt.Errorf("%w: %q", ErrUnsupportedMethod, s.Method)
	}
	u, err := url.Parse(s.URL)
	if err != nil {
		return fmt.Errorf("hit: bad url: %w", err)
	}
	if !u.IsAbs() {
		return ErrRelativeURL
	}
	if s.EnqueuedAt <= 0 {
		return errors.New("hit: missing enqueue time")
	}
	return nil
}

// EnqueuedTime returns EnqueuedAt as a time.
func (s Snapshot) EnqueuedTime() time.Time {
	return time.UnixMilli(s.EnqueuedAt)
}

// Age is the time elapsed since the snapshot was first enqueued.
func (s Snapshot) Age(now time.Time) time.Duration {
	return time.Duration(now.UnixMilli()-s.EnqueuedAt) * time.Millisecond
}
