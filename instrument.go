package oidcdash

import (
	"net/http"
	"strconv"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// newInstrumentation registers the HTTP metrics with reg, and returns a
// middleware counting, timing and logging requests by the name of the matched
// route.
func newInstrumentation(logger logrus.FieldLogger, reg prometheus.Registerer) (mux.MiddlewareFunc, error) {
	requestCounter := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Count of all HTTP requests.",
	}, []string{"handler", "code", "method"})

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests.",
		Buckets: prometheus.DefBuckets,
	}, []string{"handler", "method"})

	for _, c := range []prometheus.Collector{requestCounter, requestDuration} {
		if err := reg.Register(c); err != nil {
			return nil, errors.Wrap(err, "failed to register Prometheus HTTP metrics")
		}
	}

	return func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			handlerName := "unknown"
			if route := mux.CurrentRoute(r); route != nil && route.GetName() != "" {
				handlerName = route.GetName()
			}

			m := httpsnoop.CaptureMetrics(handler, w, r)

			requestCounter.With(prometheus.Labels{"handler": handlerName, "code": strconv.Itoa(m.Code), "method": r.Method}).Inc()
			requestDuration.With(prometheus.Labels{"handler": handlerName, "method": r.Method}).Observe(m.Duration.Seconds())

			logger.WithFields(logrus.Fields{
				"handler":  handlerName,
				"method":   r.Method,
				"path":     r.URL.Path,
				"status":   m.Code,
				"duration": m.Duration,
				"bytes":    m.Written,
			}).Info("request")
		})
	}, nil
}
