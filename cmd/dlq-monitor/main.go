package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/austindbirch/hitrelay/internal/config"
	"github.com/austindbirch/hitrelay/internal/delivery"
	"github.com/austindbirch/hitrelay/internal/logging"
	"github.com/austindbirch/hitrelay/internal/tracing"
)

// NSQStats represents the JSON structure returned by NSQ stats API
type NSQStats struct {
	Topics []struct {
		TopicName string `json:"topic_name"`
		Channels  []struct {
			ChannelName   string `json:"channel_name"`
			Depth         int64  `json:"depth"`
			InFlightCount int64  `json:"in_flight_count"`
		} `json:"channels"`
		Depth int64 `json:"depth"`
	} `json:"topics"`
}

// monitor exports the depth of the relay's NSQ topics and tallies the dead
// letters it consumes.
type monitor struct {
	client   *http.Client
	nsqdHTTP string
	dlqTopic string
	topics   map[string]bool
	log      *logging.Logger

	backlog     prometheus.Gauge
	depth       *prometheus.GaugeVec
	inflight    *prometheus.GaugeVec
	deadLetters *prometheus.CounterVec
	hitAge      prometheus.Histogram
}

func newMonitor(cfg config.NSQ, reg prometheus.Registerer, log *logging.Logger) *monitor {
	m := &monitor{
		client:   &http.Client{Timeout: 5 * time.Second},
		nsqdHTTP: cfg.NsqdHTTPAddr,
		dlqTopic: cfg.DLQTopic,
		topics:   map[string]bool{cfg.DLQTopic: true},
		log:      log,
		// Total dead-letter backlog, what an operator alerts on
		backlog: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hitrelay_dlq_backlog",
			Help: "Messages waiting in the dead-letter topic",
		}),
		depth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hitrelay_nsq_channel_depth",
			Help: "Depth of NSQ channels by topic and channel",
		}, []string{"topic", "channel"}),
		inflight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hitrelay_nsq_channel_inflight",
			Help: "In-flight messages for NSQ channels by topic and channel",
		}, []string{"topic", "channel"}),
		deadLetters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hitrelay_dlq_consumed_total",
			Help: "Dead letters consumed by reason",
		}, []string{"reason"}),
		hitAge: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "hitrelay_dlq_hit_age_seconds",
			Help:    "Time a dead-lettered hit spent in the retry queue",
			Buckets: []float64{3600, 6 * 3600, 12 * 3600, 24 * 3600, 48 * 3600, 72 * 3600, 7 * 24 * 3600},
		}),
	}
	if cfg.TriggerTopic != "" {
		m.topics[cfg.TriggerTopic] = true
	}
	reg.MustRegister(m.backlog, m.depth, m.inflight, m.deadLetters, m.hitAge)
	return m
}

func (m *monitor) run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := m.updateMetrics(ctx); err != nil {
			m.log.Plain().WithError(err).Warn("Error updating metrics")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *monitor) updateMetrics(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("http://%s/stats?format=json", m.nsqdHTTP), nil)
	if err != nil {
		return err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to get NSQ stats: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("NSQ stats returned %s", resp.Status)
	}

	var stats NSQStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return fmt.Errorf("failed to decode NSQ stats: %w", err)
	}

	for _, topic := range stats.Topics {
		if !m.topics[topic.TopicName] {
			continue
		}
		backlog := topic.Depth
		for _, channel := range topic.Channels {
			backlog += channel.Depth
			m.depth.WithLabelValues(topic.TopicName, channel.ChannelName).Set(float64(channel.Depth))
			m.inflight.WithLabelValues(topic.TopicName, channel.ChannelName).Set(float64(channel.InFlightCount))
		}
		if topic.TopicName == m.dlqTopic {
			m.backlog.Set(float64(backlog))
		}
	}
	return nil
}

// HandleMessage logs and counts one dead letter. Undecodable bodies are
// finished too; redelivering them would not help.
func (m *monitor) HandleMessage(msg *nsq.Message) error {
	var dl delivery.DeadLetter
	if err := json.Unmarshal(msg.Body, &dl); err != nil || dl.Type != delivery.DLQType {
		m.deadLetters.WithLabelValues("malformed").Inc()
		m.log.Plain().WithField("bytes", len(msg.Body)).Warn("malformed dead letter")
		return nil
	}

	ctx := tracing.ExtractHeaders(context.Background(), dl.TraceHeaders)
	m.deadLetters.WithLabelValues(dl.Reason).Inc()
	m.hitAge.Observe(time.Duration(dl.AgeMS * int64(time.Millisecond)).Seconds())
	m.log.WithContext(ctx).
		WithHit(dl.Hit.ID).
		WithField("reason", dl.Reason).
		WithField("age_ms", dl.AgeMS).
		WithField("method", dl.Hit.Method).
		WithField("url", dl.Hit.URL).
		Warn("hit dead-lettered")
	return nil
}

func main() {
	cfg := config.FromEnv()
	logger := logging.New("dlq-monitor")
	if err := logger.SetLevel(cfg.LogLevel); err != nil {
		logger.Plain().WithError(err).Warn("unknown LOG_LEVEL, using info")
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := prometheus.NewRegistry()
	m := newMonitor(cfg.NSQ, reg, logger)
	go m.run(ctx, cfg.NSQ.PollInterval)

	consumer, err := nsq.NewConsumer(cfg.NSQ.DLQTopic, cfg.NSQ.DLQChannel, nsq.NewConfig())
	if err != nil {
		logger.Plain().WithError(err).Fatal("nsq consumer creation failed")
	}
	consumer.AddHandler(m)
	if err := consumer.ConnectToNSQD(cfg.NSQ.NsqdTCPAddr); err != nil {
		logger.Plain().WithError(err).Fatal("connect to nsqd failed")
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8084"
	}
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"ok":true}`)) })
	srv := &http.Server{Addr: ":" + port, Handler: r, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("metrics server failed")
		}
	}()

	logger.Plain().
		WithField("nsqd", cfg.NSQ.NsqdHTTPAddr).
		WithField("topic", cfg.NSQ.DLQTopic).
		WithField("interval", cfg.NSQ.PollInterval.String()).
		Info("dlq-monitor started")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	consumer.Stop()
	<-consumer.StopChan
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	logger.Plain().Info("dlq-monitor stopped")
}
