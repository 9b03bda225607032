package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kstaniek/can-safety-gateway/internal/logging"
)

var readiness atomic.Pointer[func() bool]

// SetReadinessFunc registers the check behind /ready; nil clears it.
func SetReadinessFunc(fn func() bool) {
	if fn == nil {
		readiness.Store(nil)
		return
	}
	readiness.Store(&fn)
}

// IsReady reports the registered check, or true when none is set.
func IsReady() bool {
	if fn := readiness.Load(); fn != nil {
		return (*fn)()
	}
	return true
}

// Mux serves /metrics and /ready. Callers may mount more routes on it.
func Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, _ *http.Request) {
		code, body := http.StatusOK, "ready\n"
		if !IsReady() {
			code, body = http.StatusServiceUnavailable, "not ready\n"
		}
		w.WriteHeader(code)
		_, _ = w.Write([]byte(body))
	})
	return mux
}

// StartHTTP serves h on addr in the background. A nil h serves Mux.
func StartHTTP(addr string, h http.Handler) *http.Server {
	if h == nil {
		h = Mux()
	}
	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}
