package httpapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/mistakeknot/cuerelay/internal/storage"
	"github.com/mistakeknot/cuerelay/internal/storage/sqlite"
)

// Lister is implemented by stores that can enumerate a collection.
type Lister interface {
	List(ctx context.Context, collection string) ([]storage.Document, error)
}

// BreakerReporter is implemented by stores behind a circuit breaker.
type BreakerReporter interface {
	CircuitBreakerState() string
}

type Service struct {
	store storage.Store
	log   *zap.SugaredLogger
}

func NewService(store storage.Store, log *zap.SugaredLogger) *Service {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Service{store: store, log: log}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps store errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrInvalidPath):
		return http.StatusBadRequest
	case errors.Is(err, sqlite.ErrCircuitOpen):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Service) fail(w http.ResponseWriter, r *http.Request, path string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Warnw("document request failed", "method", r.Method, "path", path, "error", err)
	}
	writeError(w, status, err.Error())
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	body := map[string]string{"status": "ok"}
	status := http.StatusOK
	if br, ok := s.store.(BreakerReporter); ok {
		state := br.CircuitBreakerState()
		body["breaker"] = state
		if state == sqlite.StateOpen.String() {
			body["status"] = "degraded"
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, body)
}
