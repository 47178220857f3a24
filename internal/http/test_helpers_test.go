package httpapi

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"

	"github.com/mistakeknot/cuerelay/internal/storage/sqlite"
	"github.com/mistakeknot/cuerelay/internal/ws"
)

// testEnv serves the full router over a real listener with no auth
// middleware, as an in-process relay would.
type testEnv struct {
	srv   *httptest.Server
	hub   *ws.Hub
	store *sqlite.ResilientStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st := sqlite.NewResilient(sqlite.NewSQLiteTest(t))
	hub := ws.NewHub(st, nil)
	srv := httptest.NewServer(NewRouter(NewService(st, nil), hub.Handler(), nil))
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return &testEnv{srv: srv, hub: hub, store: st}
}

// do sends body as JSON when it is non-nil.
func (e *testEnv) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		r = bytes.NewReader(buf)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, r)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := e.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func (e *testEnv) get(t *testing.T, path string) *http.Response {
	t.Helper()
	return e.do(t, http.MethodGet, path, nil)
}

func (e *testEnv) put(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	return e.do(t, http.MethodPut, path, body)
}

func (e *testEnv) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	return e.do(t, http.MethodPost, path, body)
}

func (e *testEnv) delete(t *testing.T, path string) *http.Response {
	t.Helper()
	return e.do(t, http.MethodDelete, path, nil)
}

func decodeJSON[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

func requireStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("expected status %d, got %d: %s", want, resp.StatusCode, bytes.TrimSpace(body))
	}
}
