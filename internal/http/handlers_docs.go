package httpapi

import (
	"net/http"
	"strings"

	"github.com/goccy/go-json"

	"github.com/mistakeknot/cuerelay/internal/auth"
	"github.com/mistakeknot/cuerelay/internal/storage"
	"github.com/mistakeknot/cuerelay/internal/ws"
)

const docsPrefix = "/api/docs/"

type addResponse struct {
	ID   string `json:"id"`
	Path string `json:"path"`
}

type listResponse struct {
	Documents []ws.WireDocument `json:"documents"`
}

// handleDocs serves /api/docs/{path}. A path with an even number of
// segments names a document, an odd one a collection.
func (s *Service) handleDocs(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, docsPrefix), "/")
	_, _, docErr := storage.SplitDocumentPath(path)
	isDoc := docErr == nil
	if !isDoc && storage.ValidateCollectionPath(path) != nil {
		writeError(w, http.StatusBadRequest, "invalid path")
		return
	}

	switch {
	case r.Method == http.MethodGet && isDoc:
		s.getDocument(w, r, path)
	case r.Method == http.MethodGet:
		s.listCollection(w, r, path)
	case r.Method == http.MethodPut && isDoc:
		s.setDocument(w, r, path)
	case r.Method == http.MethodDelete && isDoc:
		s.deleteDocument(w, r, path)
	case r.Method == http.MethodPost && !isDoc:
		s.addDocument(w, r, path)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Service) getDocument(w http.ResponseWriter, r *http.Request, path string) {
	doc, err := s.store.Get(r.Context(), path)
	if err != nil {
		s.fail(w, r, path, err)
		return
	}
	writeJSON(w, http.StatusOK, ws.FromDocument(doc))
}

func (s *Service) listCollection(w http.ResponseWriter, r *http.Request, collection string) {
	lister, ok := s.store.(Lister)
	if !ok {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	docs, err := lister.List(r.Context(), collection)
	if err != nil {
		s.fail(w, r, collection, err)
		return
	}
	out := listResponse{Documents: make([]ws.WireDocument, 0, len(docs))}
	for _, d := range docs {
		out.Documents = append(out.Documents, ws.FromDocument(d))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Service) setDocument(w http.ResponseWriter, r *http.Request, path string) {
	if !allowed(r, path) {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	data, ok := decodeBody(w, r)
	if !ok {
		return
	}
	if err := s.store.Set(r.Context(), path, data, mergeRequested(r)); err != nil {
		s.fail(w, r, path, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) addDocument(w http.ResponseWriter, r *http.Request, collection string) {
	if !allowed(r, collection+"/_") {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	data, ok := decodeBody(w, r)
	if !ok {
		return
	}
	id, err := s.store.Add(r.Context(), collection, data)
	if err != nil {
		s.fail(w, r, collection, err)
		return
	}
	writeJSON(w, http.StatusCreated, addResponse{ID: id, Path: collection + "/" + id})
}

func (s *Service) deleteDocument(w http.ResponseWriter, r *http.Request, path string) {
	if !allowed(r, path) {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	if err := s.store.Delete(r.Context(), path); err != nil {
		s.fail(w, r, path, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// allowed applies the caller's role. Without auth info the router was
// built without middleware, which only happens for in-process use.
func allowed(r *http.Request, path string) bool {
	info, ok := auth.FromContext(r.Context())
	if !ok {
		return true
	}
	return info.CanWrite(path)
}

func mergeRequested(r *http.Request) bool {
	switch strings.ToLower(r.URL.Query().Get("merge")) {
	case "1", "true", "yes":
		return true
	}
	return false
}

// decodeBody reads a JSON object. Numbers stay json.Number so integer
// priorities are stored exactly.
func decodeBody(w http.ResponseWriter, r *http.Request) (map[string]any, bool) {
	var data map[string]any
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(&data); err != nil {
		writeError(w, http.StatusBadRequest, "body must be a JSON object")
		return nil, false
	}
	if data == nil {
		data = map[string]any{}
	}
	return data, true
}
