package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// DefaultStopRetryingAfter is 48 hours in milliseconds.
const DefaultStopRetryingAfter = 48 * 60 * 60 * 1000

type DB struct {
	User string
	Pass string
	Host string
	Port string
	Name string
}

type Storage struct {
	Driver   string // postgres, redis or memory
	Codec    string // json or cbor
	Name     string // queue namespace
	Version  int
	RedisURL string // redis://host:6379/0 or host:6379
}

type NSQ struct {
	NsqdTCPAddr    string // e.g. nsqd:4150
	NsqdHTTPAddr   string // e.g. nsqd:4151, polled by dlq-monitor
	LookupHTTPAddr string // e.g. http://nsqlookupd:4161
	DLQTopic       string // stale hits are published here
	DLQChannel     string // dlq-monitor consumes DLQTopic on this channel
	PublishDLQ     bool
	TriggerTopic   string // any message here starts a replay pass
	TriggerChannel string
	PollInterval   time.Duration
}

type Replay struct {
	StopRetryingAfter time.Duration
	Interval          time.Duration // 0 disables the ticker
	ProbeURL          string        // empty disables the connectivity probe
	ProbeInterval     time.Duration
	ParamOverrides    map[string]string
}

type Auth struct {
	PublicKeyPEM string
	JWKSURL      string // used when PublicKeyPEM is empty
	Issuer       string
	Audience     string
}

type FakeCollector struct {
	FailFirstN      int // connections dropped before answering
	ResponseDelayMS int
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
}

type Config struct {
	AppName         string
	HTTPPort        string // :8080
	GRPCPort        string // :50051
	LogLevel        string
	UpstreamURL     string
	DeliveryTimeout time.Duration
	TracingEndpoint string
	DB              DB
	Storage         Storage
	NSQ             NSQ
	Replay          Replay
	Auth            Auth
	FakeCollector   FakeCollector
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// getenvMillis reads a plain integer number of milliseconds. Non-positive
// or unparsable values fall back to def.
func getenvMillis(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if ms, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil && ms > 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return def
}

// parseOverrides reads "k=v,k2=v2". Pairs without '=' or with an empty key
// are skipped.
func parseOverrides(raw string) map[string]string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	out := make(map[string]string)
	for _, part := range strings.Split(raw, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || k == "" {
			continue
		}
		out[k] = v
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func FromEnv() Config {
	return Config{
		AppName:         getenv("APP_NAME", "hitrelay"),
		HTTPPort:        getenv("HTTP_PORT", ":8080"),
		GRPCPort:        getenv("GRPC_PORT", ":50051"),
		LogLevel:        getenv("LOG_LEVEL", "info"),
		UpstreamURL:     getenv("UPSTREAM_URL", "https://www.google-analytics.com"),
		DeliveryTimeout: getenvDuration("DELIVERY_TIMEOUT", 15*time.Second),
		TracingEndpoint: getenv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		DB: DB{
			User: getenv("DB_USER", "postgres"),
			Pass: getenv("DB_PASS", "postgres"),
			Host: getenv("DB_HOST", "postgres"),
			Port: getenv("DB_PORT", "5432"),
			Name: getenv("DB_NAME", "hitrelay"),
		},
		Storage: Storage{
			Driver:   getenv("STORAGE_DRIVER", "postgres"),
			Codec:    getenv("STORAGE_CODEC", "json"),
			Name:     getenv("STORE_NAME", "hit-queue"),
			Version:  getenvInt("STORE_VERSION", 1),
			RedisURL: getenv("REDIS_URL", "redis://redis:6379/0"),
		},
		NSQ: NSQ{
			NsqdTCPAddr:    getenv("NSQD_TCP_ADDR", "nsqd:4150"),
			NsqdHTTPAddr:   getenv("NSQD_HTTP_ADDR", "nsqd:4151"),
			LookupHTTPAddr: getenv("NSQ_LOOKUP_HTTP_ADDR", "http://nsqlookupd:4161"),
			DLQTopic:       getenv("NSQ_DLQ_TOPIC", "hits_dlq"),
			DLQChannel:     getenv("NSQ_DLQ_CHANNEL", "dlq-monitor"),
			PublishDLQ:     getenvBool("PUBLISH_DLQ_TOPIC", false),
			TriggerTopic:   getenv("NSQ_TRIGGER_TOPIC", ""),
			TriggerChannel: getenv("NSQ_TRIGGER_CHANNEL", "relay"),
			PollInterval:   getenvDuration("NSQ_POLL_INTERVAL", 15*time.Second),
		},
		Replay: Replay{
			StopRetryingAfter: getenvMillis("STOP_RETRYING_AFTER", DefaultStopRetryingAfter*time.Millisecond),
			Interval:          getenvDuration("REPLAY_INTERVAL", 5*time.Minute),
			ProbeURL:          getenv("CONNECTIVITY_PROBE_URL", ""),
			ProbeInterval:     getenvDuration("CONNECTIVITY_PROBE_INTERVAL", 30*time.Second),
			ParamOverrides:    parseOverrides(getenv("REPLAY_PARAM_OVERRIDES", "")),
		},
		Auth: Auth{
			PublicKeyPEM: getenv("JWT_PUBLIC_KEY", ""),
			JWKSURL:      getenv("JWT_JWKS_URL", ""),
			Issuer:       getenv("JWT_ISSUER", "hitrelay"),
			Audience:     getenv("JWT_AUDIENCE", "hitrelay-admin"),
		},
		FakeCollector: FakeCollector{
			FailFirstN:      getenvInt("FAIL_FIRST_N", 0),
			ResponseDelayMS: getenvInt("RESPONSE_DELAY_MS", 0),
			Port:            getenv("FAKE_COLLECTOR_PORT", ":8081"),
			ReadTimeout:     getenvDuration("FAKE_COLLECTOR_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:    getenvDuration("FAKE_COLLECTOR_WRITE_TIMEOUT", 10*time.Second),
			IdleTimeout:     getenvDuration("FAKE_COLLECTOR_IDLE_TIMEOUT", 60*time.Second),
		},
	}
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}
