package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	grpc_health "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/austindbirch/hitrelay/internal/storage"
)

type Status struct {
	OK         bool   `json:"ok"`
	Message    string `json:"message,omitempty"`
	Storage    bool   `json:"storage"`
	QueueDepth *int   `json:"queue_depth,omitempty"`
}

// DepthFunc reports how many hits are waiting in the queue.
type DepthFunc func(ctx context.Context) (int, error)

func check(ctx context.Context, p storage.Pinger, depth DepthFunc) Status {
	st := Status{OK: true, Message: "ok", Storage: true}

	ctx, cancel := context.WithTimeout(ctx, 1*time.Second)
	defer cancel()
	if p != nil {
		if err := p.Ping(ctx); err != nil {
			st.OK = false
			st.Message = "storage ping failed"
			st.Storage = false
			return st
		}
	}
	if depth != nil {
		if n, err := depth(ctx); err == nil {
			st.QueueDepth = &n
		}
	}
	return st
}

// HTTPHandler returns an HTTP handler that reports the health status of the service
func HTTPHandler(p storage.Pinger, depth DepthFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := check(r.Context(), p, depth)
		w.Header().Set("Content-Type", "application/json")
		if !st.OK {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(st)
	}
}

// NewGRPCServer returns a gRPC server carrying only the standard health
// service, traced with otelgrpc.
func NewGRPCServer() (*grpc.Server, *grpc_health.Server) {
	srv := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	hs := grpc_health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	return srv, hs
}

// SetServing maps a storage ping onto the overall serving status.
func SetServing(ctx context.Context, hs *grpc_health.Server, p storage.Pinger) bool {
	ok := check(ctx, p, nil).OK
	status := healthpb.HealthCheckResponse_SERVING
	if !ok {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	hs.SetServingStatus("", status)
	return ok
}

// Watch refreshes the gRPC serving status every interval until ctx is done.
func Watch(ctx context.Context, hs *grpc_health.Server, p storage.Pinger, interval time.Duration) {
	SetServing(ctx, hs, p)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			hs.Shutdown()
			return
		case <-ticker.C:
			SetServing(ctx, hs, p)
		}
	}
}
