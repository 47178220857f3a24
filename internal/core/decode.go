package core

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Wire field names of the device and history documents.
const (
	FieldDeviceID     = "deviceId"
	FieldLinkedUserID = "linkedUserId"
	FieldLinkedAt     = "linkedAt"
	FieldStatus       = "status"
	FieldDeviceInfo   = "deviceInfo"
	FieldUsername     = "username"
	FieldBehavior     = "behavior"
	FieldLevel        = "level"
	FieldPriority     = "priority"
	FieldTimestamp    = "timestamp"
	FieldMessage      = "message"
)

var ErrNotNumeric = errors.New("value is not an integer")

// ParsePriority coerces a stored priority to an int. Integral floats and
// numeric strings are accepted because producers are not strict about types.
func ParsePriority(v any) (int, error) {
	return toInt(v)
}

// ParseLevel returns 0 for a missing level.
func ParseLevel(v any) (int, error) {
	if v == nil {
		return 0, nil
	}
	return toInt(v)
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int32:
		return int(n), nil
	case int64:
		return int(n), nil
	case uint64:
		if n > math.MaxInt {
			return 0, fmt.Errorf("%w: %d overflows", ErrNotNumeric, n)
		}
		return int(n), nil
	case float32:
		return floatToInt(float64(n))
	case float64:
		return floatToInt(n)
	case string:
		s := strings.TrimSpace(n)
		if i, err := strconv.Atoi(s); err == nil {
			return i, nil
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return floatToInt(f)
		}
		return 0, fmt.Errorf("%w: %q", ErrNotNumeric, n)
	case interface{ Int64() (int64, error) }: // json.Number from either codec
		i, err := n.Int64()
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrNotNumeric, err)
		}
		return int(i), nil
	case nil:
		return 0, fmt.Errorf("%w: missing", ErrNotNumeric)
	default:
		return 0, fmt.Errorf("%w: %T", ErrNotNumeric, v)
	}
}

func floatToInt(f float64) (int, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, fmt.Errorf("%w: %v", ErrNotNumeric, f)
	}
	return int(f), nil
}

// ParseTime understands native timestamps (Firestore) and RFC 3339 strings
// (relay JSON). The zero time is returned when the value is absent or
// unreadable.
func ParseTime(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case *time.Time:
		if t != nil {
			return *t
		}
	case string:
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999"} {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed
			}
		}
	}
	return time.Time{}
}

func stringField(data map[string]any, key string) string {
	if s, ok := data[key].(string); ok {
		return s
	}
	return ""
}

// DecodeDevice reads a device document. Missing fields decode to their zero
// values; a null linkedUserId is an empty LinkedUserID.
func DecodeDevice(id string, data map[string]any) Device {
	d := Device{
		ID:           id,
		LinkedUserID: strings.TrimSpace(stringField(data, FieldLinkedUserID)),
		Status:       ParseDeviceStatus(stringField(data, FieldStatus)),
	}
	if v := stringField(data, FieldDeviceID); v != "" {
		d.ID = v
	}
	if ts := ParseTime(data[FieldLinkedAt]); !ts.IsZero() {
		d.LinkedAt = &ts
	}
	if info, ok := data[FieldDeviceInfo].(map[string]any); ok {
		d.Info = DeviceInfo{Model: stringField(info, "model"), Version: stringField(info, "version")}
	}
	return d
}

// ParseDeviceStatus also accepts the activate/deactivate spelling written by
// older pairing flows.
func ParseDeviceStatus(s string) DeviceStatus {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "active", "activate", "activated":
		return DeviceActive
	default:
		return DeviceInactive
	}
}

// DeviceDefaults returns the merge payload written when a device boots. The
// identity fields are always refreshed; link fields are only defaulted when
// the stored document lacks them.
func DeviceDefaults(id string, info DeviceInfo, existing map[string]any) map[string]any {
	out := map[string]any{
		FieldDeviceID: id,
		FieldDeviceInfo: map[string]any{
			"model":   info.Model,
			"version": info.Version,
		},
	}
	if _, ok := existing[FieldLinkedUserID]; !ok {
		out[FieldLinkedUserID] = nil
	}
	if _, ok := existing[FieldLinkedAt]; !ok {
		out[FieldLinkedAt] = nil
	}
	if _, ok := existing[FieldStatus]; !ok {
		out[FieldStatus] = string(DeviceInactive)
	}
	return out
}

func DecodeUser(id string, data map[string]any) User {
	return User{ID: id, Username: stringField(data, FieldUsername), Fields: data}
}

// DecodeHistoryEvent extracts the event fields. The priority error is
// returned alongside the partially decoded event so callers can decide where
// to reject it.
func DecodeHistoryEvent(id string, data map[string]any) (HistoryEvent, error) {
	ev := HistoryEvent{
		ID:        id,
		Behavior:  Behavior(strings.TrimSpace(stringField(data, FieldBehavior))),
		Timestamp: ParseTime(data[FieldTimestamp]),
		Message:   stringField(data, FieldMessage),
	}
	if lvl, err := ParseLevel(data[FieldLevel]); err == nil {
		ev.Level = lvl
	} else {
		ev.Level = -1
	}
	p, err := ParsePriority(data[FieldPriority])
	if err != nil {
		return ev, fmt.Errorf("priority: %w", err)
	}
	ev.Priority = p
	return ev, nil
}
