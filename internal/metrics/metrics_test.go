package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMustRegister(t *testing.T) {
	reg := prometheus.NewRegistry()

	defer func() {
		if r := recover(); r != nil {
			t.Errorf("MustRegister() panicked: %v", r)
		}
	}()
	MustRegister(reg)

	// Vec metrics only show up in Gather() once a child exists
	RecordHit("delivered")
	RecordTransportFailure("timeout")
	RecordReplayAttempt("delivered")
	RecordStorageError("put")
	ObserveDelivery("live", 10*time.Millisecond)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Registry.Gather() error: %v", err)
	}
	registered := make(map[string]bool)
	for _, mf := range families {
		registered[mf.GetName()] = true
	}

	expected := []string{
		"hitrelay_hits_total",
		"hitrelay_transport_failures_total",
		"hitrelay_replay_attempts_total",
		"hitrelay_stale_discarded_total",
		"hitrelay_corrupt_entries_total",
		"hitrelay_storage_errors_total",
		"hitrelay_dead_letters_published_total",
		"hitrelay_queue_depth",
		"hitrelay_replay_pass_duration_seconds",
		"hitrelay_delivery_latency_seconds",
	}
	for _, name := range expected {
		if !registered[name] {
			t.Errorf("Expected metric %s not found in registry", name)
		}
	}
}

func TestRecordHit(t *testing.T) {
	HitsTotal.Reset()

	tests := []struct {
		name    string
		outcome string
		calls   int
	}{
		{name: "delivered once", outcome: "delivered", calls: 1},
		{name: "queued several", outcome: "queued", calls: 4},
		{name: "lost", outcome: "lost", calls: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for i := 0; i < tt.calls; i++ {
				RecordHit(tt.outcome)
			}
			got := testutil.ToFloat64(HitsTotal.WithLabelValues(tt.outcome))
			if got != float64(tt.calls) {
				t.Errorf("RecordHit(%q) counter = %f, want %d", tt.outcome, got, tt.calls)
			}
		})
	}
}

func TestCounters(t *testing.T) {
	beforeStale := testutil.ToFloat64(StaleDiscardedTotal)
	beforeCorrupt := testutil.ToFloat64(CorruptEntriesTotal)
	beforeDLQ := testutil.ToFloat64(DeadLettersTotal)

	RecordStale(3)
	RecordCorrupt(2)
	RecordDeadLetter()

	if got := testutil.ToFloat64(StaleDiscardedTotal) - beforeStale; got != 3 {
		t.Errorf("StaleDiscardedTotal delta = %f, want 3", got)
	}
	if got := testutil.ToFloat64(CorruptEntriesTotal) - beforeCorrupt; got != 2 {
		t.Errorf("CorruptEntriesTotal delta = %f, want 2", got)
	}
	if got := testutil.ToFloat64(DeadLettersTotal) - beforeDLQ; got != 1 {
		t.Errorf("DeadLettersTotal delta = %f, want 1", got)
	}
}

func TestSetQueueDepth(t *testing.T) {
	for _, n := range []int{5, 0, 12} {
		SetQueueDepth(n)
		if got := testutil.ToFloat64(QueueDepth); got != float64(n) {
			t.Errorf("SetQueueDepth(%d) gauge = %f", n, got)
		}
	}
}

func TestTransportFailureExposition(t *testing.T) {
	TransportFailuresTotal.Reset()
	RecordTransportFailure("network")
	RecordTransportFailure("network")

	want := `
# HELP hitrelay_transport_failures_total Total number of upstream transport failures by reason.
# TYPE hitrelay_transport_failures_total counter
hitrelay_transport_failures_total{reason="network"} 2
`
	if err := testutil.CollectAndCompare(TransportFailuresTotal, strings.NewReader(want)); err != nil {
		t.Errorf("unexpected exposition: %v", err)
	}
}

func TestObserveReplay(t *testing.T) {
	ObserveReplay(20 * time.Millisecond)
	if n := testutil.CollectAndCount(ReplayDuration); n != 1 {
		t.Errorf("ReplayDuration series = %d, want 1", n)
	}
}
