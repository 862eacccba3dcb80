package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var (
	Measurements = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scale_measurements_total",
			Help: "Weight requests by outcome (ok, no_match, timeout, io_error).",
		},
		[]string{"device", "outcome"},
	)

	Actions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scale_actions_total",
			Help: "Actions received from the POS side.",
		},
		[]string{"action", "status"},
	)

	Notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scale_notifications_total",
			Help: "Change notifications sent, by reason.",
		},
		[]string{"device", "reason"},
	)

	Probes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scale_probes_total",
			Help: "Port probes by descriptor and result.",
		},
		[]string{"descriptor", "result"},
	)

	LastWeight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "scale_last_weight",
			Help: "Last weight read, in the unit reported by the scale.",
		},
		[]string{"device", "unit"},
	)

	ExchangeDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "scale_exchange_duration_seconds",
		Help:    "Time of one command/response exchange.",
		Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2},
	})
)

type Monitor struct {
	registry *prometheus.Registry
	log      *logrus.Logger
	status   func() any
}

// NewMonitor registers the scale metrics on a private registry. status, when set,
// is served as JSON on /status.
func NewMonitor(log *logrus.Logger, status func() any) *Monitor {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		Measurements,
		Actions,
		Notifications,
		Probes,
		LastWeight,
		ExchangeDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &Monitor{registry: registry, log: log, status: status}
}

func (m *Monitor) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		if m.status == nil {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(m.status())
	})

	return mux
}

// Serve runs the metrics server until ctx is done.
func (m *Monitor) Serve(ctx context.Context, port int) error {
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           m.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	m.log.Infof("Metrics server listening on %s", server.Addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}
