// Package metrics exports request outcomes of the load generator as prometheus metrics.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	klog "k8s.io/klog/v2"

	"inference.networking.x-k8s.io/llm-loadgen/pkg/loadgen/client"
	"inference.networking.x-k8s.io/llm-loadgen/pkg/loadgen/dispatch"
)

const (
	namespace = "loadgen"

	ResultSuccess = "success"
	ResultError   = "error"
)

// Metrics implements dispatch.Observer.
type Metrics struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	inFlight prometheus.Gauge
	dropped  *prometheus.CounterVec
}

var _ dispatch.Observer = &Metrics{}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Finished requests by model, stream mode, result and status code.",
		}, []string{"model", "stream", "result", "code"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Time from dispatch to the end of the response or the failure.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
		}, []string{"model", "stream"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "requests_in_flight",
			Help:      "Requests dispatched and not yet finished.",
		}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_dropped_total",
			Help:      "Requests not sent because the in-flight limit was reached.",
		}, []string{"model"}),
	}
	for _, c := range []prometheus.Collector{m.requests, m.latency, m.inFlight, m.dropped} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) RequestStarted(p dispatch.Plan) {
	m.inFlight.Inc()
}

func (m *Metrics) RequestFinished(p dispatch.Plan, elapsed time.Duration, err error) {
	m.inFlight.Dec()
	stream := strconv.FormatBool(p.Stream)
	m.latency.WithLabelValues(p.Model, stream).Observe(elapsed.Seconds())
	result, code := ResultSuccess, ""
	if err != nil {
		result = ResultError
		var se *client.StatusError
		if errors.As(err, &se) {
			code = strconv.Itoa(se.StatusCode)
		}
	}
	m.requests.WithLabelValues(p.Model, stream, result, code).Inc()
}

func (m *Metrics) RequestDropped(p dispatch.Plan) {
	m.dropped.WithLabelValues(p.Model).Inc()
}

// Serve exposes the metrics of gatherer on addr until ctx is done.
func Serve(ctx context.Context, addr string, gatherer prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			klog.Errorf("failed to shut down metrics server: %v", err)
		}
	}()

	klog.Infof("Serving metrics on %q", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
