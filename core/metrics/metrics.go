// Package metrics records bot activity in Prometheus collectors and serves
// them over HTTP.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/m3rciful/pushgrab/core/logger"
	"github.com/m3rciful/pushgrab/core/session"
)

const (
	component = "metrics"
	namespace = "pushgrab"
)

// Recorder implements session.Recorder on a private registry.
type Recorder struct {
	reg *prometheus.Registry

	notificationsTotal *prometheus.CounterVec
	transitionsTotal   *prometheus.CounterVec
	downloadsTotal     *prometheus.CounterVec
	downloadDuration   *prometheus.HistogramVec
	repliesTotal       *prometheus.CounterVec
	pollsTotal         *prometheus.CounterVec
}

var _ session.Recorder = (*Recorder)(nil)

// New registers the collectors together with the Go and process collectors.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Recorder{
		reg: reg,
		notificationsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_total",
				Help:      "Inbound pushes by kind and the state they arrived in",
			},
			[]string{"kind", "state"},
		),
		transitionsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transitions_total",
				Help:      "Session state transitions",
			},
			[]string{"from", "to"},
		),
		downloadsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "downloads_total",
				Help:      "Completed fetches by source and outcome",
			},
			[]string{"source", "outcome"},
		),
		downloadDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "download_duration_seconds",
				Help:      "Duration of fetches in seconds",
				Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"source"},
		),
		repliesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "replies_total",
				Help:      "Outbound relay calls by action and status",
			},
			[]string{"action", "status"},
		),
		pollsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "polls_total",
				Help:      "Latest-push lookups by outcome",
			},
			[]string{"outcome"},
		),
	}
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry { return r.reg }

// Notification counts an inbound push.
func (r *Recorder) Notification(kind, state string) {
	r.notificationsTotal.WithLabelValues(kind, state).Inc()
}

// Transition counts a state change.
func (r *Recorder) Transition(from, to string) {
	r.transitionsTotal.WithLabelValues(from, to).Inc()
}

// Download records a finished fetch.
func (r *Recorder) Download(source string, ok bool, took time.Duration) {
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	r.downloadsTotal.WithLabelValues(source, outcome).Inc()
	r.downloadDuration.WithLabelValues(source).Observe(took.Seconds())
}

// Poll records a latest-push lookup: "dispatched", "skipped", "duplicate" or "error".
func (r *Recorder) Poll(outcome string) {
	r.pollsTotal.WithLabelValues(outcome).Inc()
}

// GaugeFunc registers a gauge sampled at scrape time.
func (r *Recorder) GaugeFunc(name, help string, fn func() float64) {
	promauto.With(r.reg).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn)
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

// Serve listens on addr until ctx is done.
func (r *Recorder) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	logger.Info(ctx, component, "listen.start", slog.String("listen", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
