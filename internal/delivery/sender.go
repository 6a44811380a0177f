package delivery

import (
	"context"
	"net/http"
	"time"
)

// Sender performs exactly one network round trip. Any HTTP status counts
// as a response; only a returned error is a transport failure.
type Sender interface {
	Send(ctx context.Context, req *http.Request) (*http.Response, error)
}

// HTTPSender sends through an *http.Client without retrying.
type HTTPSender struct {
	client *http.Client
}

func NewHTTPSender(timeout time.Duration) *HTTPSender {
	return &HTTPSender{client: &http.Client{Timeout: timeout}}
}

// NewHTTPSenderWithClient uses c as is. Tests pass httptest clients here.
func NewHTTPSenderWithClient(c *http.Client) *HTTPSender {
	return &HTTPSender{client: c}
}

func (s *HTTPSender) Send(ctx context.Context, req *http.Request) (*http.Response, error) {
	return s.client.Do(req.WithContext(ctx))
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, req *http.Request) (*http.Response, error)

func (f SenderFunc) Send(ctx context.Context, req *http.Request) (*http.Response, error) {
	return f(ctx, req)
}
