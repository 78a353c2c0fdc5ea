package httpapi

import (
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
)

const correlationHeader = "X-Correlation-Id"

// Router mounts the API. maxInFlight bounds concurrently served requests.
func Router(h *Handlers, maxInFlight int) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("POST /v1/accounts", h.CreateAccount)
	mux.HandleFunc("GET /v1/accounts", h.ListAccounts)
	mux.HandleFunc("GET /v1/accounts/{id}", h.GetAccount)
	mux.HandleFunc("POST /v1/accounts/{id}/deposit", h.Deposit)
	mux.HandleFunc("POST /v1/accounts/{id}/withdraw", h.Withdraw)
	mux.HandleFunc("GET /v1/accounts/{id}/transactions", h.Transactions)
	mux.HandleFunc("POST /v1/transfers", h.PostTransfer)

	// Backpressure at the edge.
	// Prevents unbounded goroutine/pool queueing when DB is saturated.
	return withConcurrencyLimit(withRequestLog(mux, h.log), maxInFlight)
}

func withConcurrencyLimit(next http.Handler, max int) http.Handler {
	if max <= 0 {
		max = 64
	}
	sem := make(chan struct{}, max)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case sem <- struct{}{}:
			defer func() { <-sem }()
			next.ServeHTTP(w, r)
		default:
			// Fast fail instead of queueing forever.
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"error":"server busy"}`))
		}
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func withRequestLog(next http.Handler, logger *log.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		corr := r.Header.Get(correlationHeader)
		if corr == "" {
			corr = uuid.NewString()
		}
		w.Header().Set(correlationHeader, corr)

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start).Truncate(time.Microsecond),
			"correlation_id", corr,
		)
	})
}
