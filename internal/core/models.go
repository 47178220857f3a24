package core

import "time"

type Behavior string

const (
	BehaviorSleepyEye Behavior = "sleepy_eye"
	BehaviorYawn      Behavior = "yawn"
	BehaviorPhone     Behavior = "phone"
	BehaviorLookAway  Behavior = "look_away"
	// BehaviorSpeech carries a free-text announcement in HistoryEvent.Message.
	BehaviorSpeech Behavior = "speech"
)

type DeviceStatus string

const (
	DeviceActive   DeviceStatus = "active"
	DeviceInactive DeviceStatus = "inactive"
)

type ChangeKind string

const (
	ChangeAdded    ChangeKind = "ADDED"
	ChangeModified ChangeKind = "MODIFIED"
	ChangeRemoved  ChangeKind = "REMOVED"
)

// Collection names shared by every store backend.
const (
	CollectionDevices   = "devices"
	CollectionUsers     = "users"
	CollectionHistories = "histories"
)

type DeviceInfo struct {
	Model   string
	Version string
}

type Device struct {
	ID           string
	LinkedUserID string
	LinkedAt     *time.Time
	Status       DeviceStatus
	Info         DeviceInfo
}

// Linked reports whether a user is paired with the device.
func (d Device) Linked() bool { return d.LinkedUserID != "" }

type User struct {
	ID       string
	Username string
	Fields   map[string]any
}

type HistoryEvent struct {
	ID        string
	Behavior  Behavior
	Level     int // 0 when absent
	Priority  int
	Timestamp time.Time
	Message   string
}

func DevicePath(deviceID string) string {
	return CollectionDevices + "/" + deviceID
}

func UserPath(userID string) string {
	return CollectionUsers + "/" + userID
}

func HistoryCollection(userID string) string {
	return UserPath(userID) + "/" + CollectionHistories
}
