package metrics

import (
	"cmp"
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	NotificationsRouted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgee_notifications_routed_total",
			Help: "Total number of inbound notifications routed, by channel",
		},
		[]string{"channel"},
	)

	NotificationsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgee_notifications_dropped_total",
			Help: "Total number of notifications dropped because no listener was attached, by channel",
		},
		[]string{"channel"},
	)

	Commands = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgee_commands_total",
			Help: "Total number of database commands issued, by command (listen, unlisten, notify)",
		},
		[]string{"command"},
	)

	CommandErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgee_command_errors_total",
			Help: "Total number of failed database commands, by command",
		},
		[]string{"command"},
	)

	PublishErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pgee_publish_errors_total",
			Help: "Total number of publish calls that surfaced a local error event",
		},
	)

	BridgeForwarded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgee_bridge_forwarded_total",
			Help: "Total number of notifications forwarded to an external transport, by sink",
		},
		[]string{"sink"},
	)

	BridgeErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgee_bridge_errors_total",
			Help: "Total number of bridge forwarding errors, by sink",
		},
		[]string{"sink"},
	)
)

type PromServerOpts struct {
	Addr              string
	Path              string        // Path for metrics endpoint, defaults to "/metrics"
	ShutdownTimeout   time.Duration // Timeout for server shutdown, defaults to 5 seconds
	ReadHeaderTimeout time.Duration // Timeout for reading request headers, defaults to 3 seconds
}

func defaultPromServerOpts() PromServerOpts {
	return PromServerOpts{
		Addr:              ":9100",
		Path:              "/metrics",
		ShutdownTimeout:   5 * time.Second,
		ReadHeaderTimeout: 3 * time.Second,
	}
}

// StartPrometheusServer starts a Prometheus metrics server with the given
// options. The server shuts down gracefully when the provided context is
// canceled.
func StartPrometheusServer(ctx context.Context, wg *sync.WaitGroup, opts *PromServerOpts) {
	effective := defaultPromServerOpts()
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
		log.Printf("Starting Prometheus metrics server on %s", effective.Addr)
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("Metrics server error: %v", err)
		}
		close(serverClosed)
	}()

	go func() {
		<-ctx.Done()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), effective.ShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("Error shutting down metrics server: %v", err)
		}

		select {
		case <-serverClosed:
		case <-shutdownCtx.Done():
			log.Println("Metrics server shutdown timed out")
		}
	}()
}
