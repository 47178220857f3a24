package ws

import (
	"bytes"
	"context"
	"time"

	"github.com/goccy/go-json"
	"nhooyr.io/websocket"

	"github.com/mistakeknot/cuerelay/internal/core"
	"github.com/mistakeknot/cuerelay/internal/storage"
)

// Frame types.
const (
	FrameSnapshot = "snapshot"
	FrameChanges  = "changes"
)

// Watch kinds accepted by /ws/watch.
const (
	KindDocument   = "document"
	KindCollection = "collection"
)

// WireDocument is the JSON form of a storage.Document.
type WireDocument struct {
	ID        string         `json:"id"`
	Path      string         `json:"path"`
	Exists    bool           `json:"exists"`
	Data      map[string]any `json:"data,omitempty"`
	UpdatedAt time.Time      `json:"updated_at"`
}

type WireChange struct {
	Kind core.ChangeKind `json:"kind"`
	Doc  WireDocument    `json:"doc"`
}

// Frame is one server-to-client message. A document watch sends a snapshot
// frame per state; a collection watch sends one snapshot frame holding the
// replay, then changes frames.
type Frame struct {
	Type    string       `json:"type"`
	Changes []WireChange `json:"changes"`
}

func FromDocument(d storage.Document) WireDocument {
	return WireDocument{ID: d.ID, Path: d.Path, Exists: d.Exists, Data: d.Data, UpdatedAt: d.UpdatedAt}
}

func (w WireDocument) Document() storage.Document {
	return storage.Document{ID: w.ID, Path: w.Path, Exists: w.Exists, Data: w.Data, UpdatedAt: w.UpdatedAt}
}

func FromChanges(changes []storage.Change) []WireChange {
	out := make([]WireChange, 0, len(changes))
	for _, ch := range changes {
		out = append(out, WireChange{Kind: ch.Kind, Doc: FromDocument(ch.Doc)})
	}
	return out
}

// StorageChanges converts back for delivery to a storage handler.
func (f Frame) StorageChanges() []storage.Change {
	out := make([]storage.Change, 0, len(f.Changes))
	for _, ch := range f.Changes {
		out = append(out, storage.Change{Kind: ch.Kind, Doc: ch.Doc.Document()})
	}
	return out
}

// WriteFrame sends f as one text message.
func WriteFrame(ctx context.Context, conn *websocket.Conn, f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// ReadFrame reads one frame. Numbers in document data decode as
// json.Number so integer fields keep their exact value.
func ReadFrame(ctx context.Context, conn *websocket.Conn) (Frame, error) {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return Frame{}, err
	}
	return DecodeFrame(data)
}

func DecodeFrame(data []byte) (Frame, error) {
	var f Frame
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&f); err != nil {
		return Frame{}, err
	}
	return f, nil
}
