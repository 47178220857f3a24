// Package client is a storage.Store backed by a cuerelay relay: documents
// over HTTP, watches over websocket.
package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/mistakeknot/cuerelay/internal/storage"
	"github.com/mistakeknot/cuerelay/internal/ws"
)

var _ storage.Store = (*Client)(nil)

type Client struct {
	BaseURL string
	HTTP    *http.Client
	APIKey  string

	log        *zap.SugaredLogger
	newBackOff func() backoff.BackOff

	mu      sync.Mutex
	streams map[*stream]struct{}
}

type Option func(*Client)

func WithAPIKey(key string) Option {
	return func(c *Client) {
		c.APIKey = strings.TrimSpace(key)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.HTTP = httpClient
		}
	}
}

func WithLogger(log *zap.SugaredLogger) Option {
	return func(c *Client) { c.log = log }
}

// WithBackOff replaces the reconnect schedule used by watches.
func WithBackOff(fn func() backoff.BackOff) Option {
	return func(c *Client) { c.newBackOff = fn }
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	return b
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTP:       &http.Client{Timeout: 10 * time.Second},
		log:        zap.NewNop().Sugar(),
		newBackOff: defaultBackOff,
		streams:    make(map[*stream]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Get(ctx context.Context, path string) (storage.Document, error) {
	if _, _, err := storage.SplitDocumentPath(path); err != nil {
		return storage.Document{}, err
	}
	resp, err := c.do(ctx, http.MethodGet, docURL(path), nil)
	if err != nil {
		return storage.Document{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return storage.Document{}, statusError("get", path, resp)
	}
	var out ws.WireDocument
	if err := decode(resp.Body, &out); err != nil {
		return storage.Document{}, fmt.Errorf("get %s: %w", path, err)
	}
	return out.Document(), nil
}

func (c *Client) Set(ctx context.Context, path string, data map[string]any, merge bool) error {
	if _, _, err := storage.SplitDocumentPath(path); err != nil {
		return err
	}
	u := docURL(path)
	if merge {
		u += "?merge=1"
	}
	resp, err := c.do(ctx, http.MethodPut, u, data)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return statusError("set", path, resp)
	}
	return nil
}

type addResponse struct {
	ID   string `json:"id"`
	Path string `json:"path"`
}

func (c *Client) Add(ctx context.Context, collection string, data map[string]any) (string, error) {
	if err := storage.ValidateCollectionPath(collection); err != nil {
		return "", err
	}
	resp, err := c.do(ctx, http.MethodPost, docURL(collection), data)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return "", statusError("add", collection, resp)
	}
	var out addResponse
	if err := decode(resp.Body, &out); err != nil {
		return "", fmt.Errorf("add %s: %w", collection, err)
	}
	return out.ID, nil
}

func (c *Client) Delete(ctx context.Context, path string) error {
	if _, _, err := storage.SplitDocumentPath(path); err != nil {
		return err
	}
	resp, err := c.do(ctx, http.MethodDelete, docURL(path), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return statusError("delete", path, resp)
	}
	return nil
}

// Close stops every watch opened through this client.
func (c *Client) Close() error {
	c.mu.Lock()
	streams := make([]*stream, 0, len(c.streams))
	for s := range c.streams {
		streams = append(streams, s)
	}
	c.mu.Unlock()
	for _, s := range streams {
		s.Stop()
	}
	return nil
}

func docURL(path string) string {
	return "/api/docs/" + strings.Trim(path, "/")
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+endpoint, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.addAuth(req.Header)
	return c.HTTP.Do(req)
}

func (c *Client) addAuth(h http.Header) {
	if c.APIKey != "" {
		h.Set("Authorization", "Bearer "+c.APIKey)
	}
}

func decode(r io.Reader, v any) error {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	return dec.Decode(v)
}

func statusError(op, path string, resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%s %s: %w", op, path, storage.ErrNotFound)
	case http.StatusBadRequest:
		return fmt.Errorf("%s %s: %w", op, path, storage.ErrInvalidPath)
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("%s %s failed: %d %s", op, path, resp.StatusCode, strings.TrimSpace(string(msg)))
}
