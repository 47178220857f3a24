package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mistakeknot/cuerelay/internal/core"
	"github.com/mistakeknot/cuerelay/internal/storage"
)

// InitializeDevice creates the device document or fills in the fields it
// lacks. Identity fields are refreshed on every boot; an existing link and
// status are left alone.
func InitializeDevice(ctx context.Context, store storage.Store, id string, info core.DeviceInfo) error {
	path := core.DevicePath(id)
	var existing map[string]any
	doc, err := store.Get(ctx, path)
	switch {
	case err == nil:
		existing = doc.Data
	case errors.Is(err, storage.ErrNotFound):
	default:
		return fmt.Errorf("read device %s: %w", id, err)
	}
	if err := store.Set(ctx, path, core.DeviceDefaults(id, info, existing), true); err != nil {
		return fmt.Errorf("initialize device %s: %w", id, err)
	}
	return nil
}

// Unlink clears the device's link fields. The cascade reacts to the
// change like any other unlink.
func Unlink(ctx context.Context, store storage.Store, id string) error {
	err := store.Set(ctx, core.DevicePath(id), map[string]any{
		core.FieldLinkedUserID: nil,
		core.FieldLinkedAt:     nil,
		core.FieldStatus:       string(core.DeviceInactive),
	}, true)
	if err != nil {
		return fmt.Errorf("unlink device %s: %w", id, err)
	}
	return nil
}

// Link points the device at userID, as the pairing flow does.
func Link(ctx context.Context, store storage.Store, id, userID string, at time.Time) error {
	if userID == "" {
		return Unlink(ctx, store, id)
	}
	err := store.Set(ctx, core.DevicePath(id), map[string]any{
		core.FieldLinkedUserID: userID,
		core.FieldLinkedAt:     at.UTC(),
		core.FieldStatus:       string(core.DeviceActive),
	}, true)
	if err != nil {
		return fmt.Errorf("link device %s to %s: %w", id, userID, err)
	}
	return nil
}
