package httpapi

import (
	"net/http"
	"strconv"

	"github.com/mistakeknot/cuerelay/internal/metrics"
)

// NewRouter mounts the document API, the watch endpoint and the
// operational endpoints. mw wraps everything under /api and /ws.
func NewRouter(svc *Service, wsHandler http.Handler, mw func(http.Handler) http.Handler) http.Handler {
	mux := http.NewServeMux()
	wrap := func(h http.Handler) http.Handler {
		if mw != nil {
			return mw(h)
		}
		return h
	}

	mux.Handle(docsPrefix, wrap(countRequests(http.HandlerFunc(svc.handleDocs))))
	if wsHandler != nil {
		mux.Handle("/ws/watch", wrap(wsHandler))
	}
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", svc.handleHealth)
	return mux
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		metrics.RelayRequest(r.Method, strconv.Itoa(rec.status))
	})
}
