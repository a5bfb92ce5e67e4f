package metrics

import (
	"cmp"
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	ForwardedRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "walrelay_forwarded_records_total",
			Help: "Total number of change records published to the stream",
		},
		[]string{"stream"},
	)

	DroppedRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "walrelay_dropped_records_total",
			Help: "Total number of change records dropped after exhausting retries or on permanent errors",
		},
		[]string{"stream", "reason"},
	)

	PublishRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "walrelay_publish_retries_total",
			Help: "Total number of publish retry attempts",
		},
		[]string{"stream"},
	)

	DecodeFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "walrelay_decode_failures_total",
			Help: "Total number of batches whose payload failed to decode",
		},
	)

	AckedBatches = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "walrelay_acked_batches_total",
			Help: "Total number of batches acknowledged back to the replication slot",
		},
	)

	BatchForwardDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "walrelay_batch_forward_duration_seconds",
			Help:    "Duration of decoding and forwarding one batch",
			Buckets: prometheus.DefBuckets,
		},
	)
)

type ServerOpts struct {
	Addr              string
	Path              string        // metrics endpoint path, defaults to "/metrics"
	ShutdownTimeout   time.Duration // defaults to 5 seconds
	ReadHeaderTimeout time.Duration // defaults to 3 seconds
}

func defaultServerOpts() ServerOpts {
	return ServerOpts{
		Addr:              ":9100",
		Path:              "/metrics",
		ShutdownTimeout:   5 * time.Second,
		ReadHeaderTimeout: 3 * time.Second,
	}
}

// StartServer starts a Prometheus metrics server that shuts down
// gracefully when the provided context is canceled.
func StartServer(ctx context.Context, wg *sync.WaitGroup, opts *ServerOpts, logger *zap.Logger) {
	effective := defaultServerOpts()
	if opts != nil {
		effective.Addr = cmp.Or(opts.Addr, effective.Addr)
		effective.Path = cmp.Or(opts.Path, effective.Path)
		effective.ShutdownTimeout = cmp.Or(opts.ShutdownTimeout, effective.ShutdownTimeout)
		effective.ReadHeaderTimeout = cmp.Or(opts.ReadHeaderTimeout, effective.ReadHeaderTimeout)
	}

	mux := http.NewServeMux()
	mux.Handle(effective.Path, promhttp.Handler())
	server := &http.Server{
		Addr:              effective.Addr,
		Handler:           mux,
		ReadHeaderTimeout: effective.ReadHeaderTimeout,
	}

	serverClosed := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info("starting metrics server", zap.String("addr", effective.Addr))
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("metrics server error", zap.Error(err))
		}
		close(serverClosed)
	}()

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), effective.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("metrics server shutdown", zap.Error(err))
		}

		select {
		case <-serverClosed:
		case <-shutdownCtx.Done():
			logger.Warn("metrics server shutdown timed out")
		}
	}()
}
