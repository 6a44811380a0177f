package hit

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// QueueTimeParam carries the milliseconds a hit spent in the queue.
const QueueTimeParam = "qt"

// Payload returns the hit parameters: the raw query for GET, the body for POST.
func (s Snapshot) Payload() string {
	if s.Method == http.MethodPost {
		return string(s.Body)
	}
	base, _ := splitFragment(s.URL)
	if i := strings.IndexByte(base, '?'); i >= 0 {
		return base[i+1:]
	}
	return ""
}

// WithPayload returns a copy of s carrying p in place of its payload.
func (s Snapshot) WithPayload(p string) Snapshot {
	if s.Method == http.MethodPost {
		s.Body = []byte(p)
		return s
	}
	base, frag := splitFragment(s.URL)
	if i := strings.IndexByte(base, '?'); i >= 0 {
		base = base[:i]
	}
	if p != "" {
		base += "?" + p
	}
	s.URL = base + frag
	return s
}

// WithQueueTime sets qt to the time the hit has been queued, overwriting
// any qt already in the payload. The result is never below 1ms.
func (s Snapshot) WithQueueTime(elapsed time.Duration) (Snapshot, int64) {
	payload := s.Payload()
	qt := elapsed.Milliseconds()
	if qt < 1 {
		qt = 1
	}
	return s.WithPayload(SetParam(payload, QueueTimeParam, strconv.FormatInt(qt, 10))), qt
}

// GetParam returns the unescaped value of the first key parameter in a
// url-encoded payload.
func GetParam(payload, key string) (string, bool) {
	if payload == "" {
		return "", false
	}
	for _, part := range strings.Split(payload, "&") {
		name, value, _ := strings.Cut(part, "=")
		if unescape(name) != key {
			continue
		}
		if v, err := url.QueryUnescape(value); err == nil {
			return v, true
		}
		return value, true
	}
	return "", false
}

// SetParam sets key=value in a url-encoded payload. An existing key is
// rewritten in place, otherwise the pair is appended. Every other byte of
// the payload is left as captured.
func SetParam(payload, key, value string) string {
	pair := url.QueryEscape(key) + "=" + url.QueryEscape(value)
	if payload == "" {
		return pair
	}
	parts := strings.Split(payload, "&")
	for i, part := range parts {
		name, _, _ := strings.Cut(part, "=")
		if unescape(name) == key {
			parts[i] = name + "=" + url.QueryEscape(value)
			return strings.Join(parts, "&")
		}
	}
	if strings.HasSuffix(payload, "&") {
		return payload + pair
	}
	return payload + "&" + pair
}

func unescape(s string) string {
	if u, err := url.QueryUnescape(s); err == nil {
		return u
	}
	return s
}

func splitFragment(raw string) (string, string) {
	if i := strings.IndexByte(raw, '#'); i >= 0 {
		return raw[:i], raw[i:]
	}
	return raw, ""
}
