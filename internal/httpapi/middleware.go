package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/limenhq/limen/internal/limen/metrics"
)

const HeaderRequestID = "X-Request-Id"

type statusWriter struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

type requestIDKey struct{}

// RequestIDFrom returns the id assigned by requestIDMiddleware.
func RequestIDFrom(ctx context.Context) string {
	s, _ := ctx.Value(requestIDKey{}).(string)
	return s
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderRequestID)
		if id == "" || len(id) > 64 {
			id = uuid.NewString()
		}
		w.Header().Set(HeaderRequestID, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

// loggingMiddleware writes one access line per request and feeds the HTTP
// metrics. The route pattern is read after the mux has matched it.
func loggingMiddleware(log logrus.FieldLogger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w}
		next.ServeHTTP(sw, r)
		if sw.status == 0 {
			sw.status = http.StatusOK
		}
		dur := time.Since(start)

		endpoint := r.Pattern
		if endpoint == "" {
			endpoint = "unmatched"
		}
		metrics.HttpRequestsTotal.WithLabelValues(endpoint, strconv.Itoa(sw.status), r.Method).Inc()
		metrics.HttpRequestDuration.WithLabelValues(endpoint, r.Method).Observe(dur.Seconds())

		log.WithFields(logrus.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     sw.status,
			"bytes":      sw.bytes,
			"dur":        dur.String(),
			"from":       r.RemoteAddr,
			"request_id": RequestIDFrom(r.Context()),
		}).Info("http request")
	})
}

// deviceMiddleware authenticates scanning devices when auth is enabled and
// applies the rate limit. Only a verified device id keys the limit; without
// device keys the X-Limen-Device header is an unverified audit label and the
// limit is keyed by the client host.
func deviceMiddleware(auth *DeviceAuth, limiter *RateLimiter, log logrus.FieldLogger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		device := r.Header.Get(HeaderDevice)
		if auth.Enabled() {
			var err error
			device, err = auth.Verify(r)
			if err != nil {
				reason := authFailureReason(err)
				metrics.HttpAuthFailuresTotal.WithLabelValues(reason).Inc()
				log.WithFields(logrus.Fields{
					"device":     r.Header.Get(HeaderDevice),
					"reason":     reason,
					"request_id": RequestIDFrom(r.Context()),
				}).Warn("device authentication failed")
				writeError(w, r, http.StatusUnauthorized, "unauthorized", err.Error())
				return
			}
		}
		bucket := remoteHost(r)
		if auth.Enabled() {
			bucket = device
		}
		if limiter != nil && !limiter.Allow(bucket) {
			metrics.HttpRateLimitRejectionsTotal.Inc()
			writeError(w, r, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded, slow down")
			return
		}
		if device != "" {
			r = r.WithContext(withDevice(r.Context(), device))
		}
		next.ServeHTTP(w, r)
	})
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func authFailureReason(err error) string {
	switch {
	case errors.Is(err, errMissingAuth):
		return "missing"
	case errors.Is(err, errUnknownDevice):
		return "unknown_device"
	case errors.Is(err, errBadDate):
		return "skew"
	case errors.Is(err, errReplay):
		return "replay"
	case errors.Is(err, errBadSignature):
		return "signature"
	default:
		return "other"
	}
}
