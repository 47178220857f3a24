package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mistakeknot/cuerelay/internal/core"
	"github.com/mistakeknot/cuerelay/internal/storage"
)

// Step is one scripted history event.
type Step struct {
	Behavior core.Behavior
	Level    int
	Priority int
	Message  string
}

// DefaultScenario exercises preemption: yawn plays, phone preempts it,
// sleepy_eye level 3 preempts phone, look_away is dropped.
var DefaultScenario = []Step{
	{Behavior: core.BehaviorYawn, Level: 1, Priority: 3},
	{Behavior: core.BehaviorPhone, Level: 1, Priority: 2},
	{Behavior: core.BehaviorSleepyEye, Level: 3, Priority: 1},
	{Behavior: core.BehaviorLookAway, Level: 1, Priority: 2},
}

// Simulation plays the producer side against a store: it creates the
// user, links the device and appends the steps to the user's history.
type Simulation struct {
	Store    storage.Store
	DeviceID string
	UserID   string
	Username string
	Steps    []Step
	// Settle is the pause after linking, Interval the pause between steps.
	Settle   time.Duration
	Interval time.Duration
	Now      func() time.Time
	Log      *zap.SugaredLogger
}

// Run returns the ids of the history documents it added.
func (s Simulation) Run(ctx context.Context) ([]string, error) {
	now := s.Now
	if now == nil {
		now = time.Now
	}
	log := s.Log
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	steps := s.Steps
	if steps == nil {
		steps = DefaultScenario
	}
	username := s.Username
	if username == "" {
		username = "Simulated User"
	}

	err := s.Store.Set(ctx, core.UserPath(s.UserID), map[string]any{
		core.FieldUsername: username,
		"createdAt":        now().UTC(),
	}, true)
	if err != nil {
		return nil, fmt.Errorf("create user %s: %w", s.UserID, err)
	}
	log.Infow("linking device", "device", s.DeviceID, "user", s.UserID)
	if err := Link(ctx, s.Store, s.DeviceID, s.UserID, now()); err != nil {
		return nil, err
	}
	if !sleep(ctx, s.Settle) {
		return nil, ctx.Err()
	}

	ids := make([]string, 0, len(steps))
	for i, step := range steps {
		if i > 0 && !sleep(ctx, s.Interval) {
			return ids, ctx.Err()
		}
		data := map[string]any{
			core.FieldBehavior:  string(step.Behavior),
			core.FieldPriority:  step.Priority,
			core.FieldTimestamp: now().UTC(),
		}
		if step.Level > 0 {
			data[core.FieldLevel] = step.Level
		}
		if step.Message != "" {
			data[core.FieldMessage] = step.Message
		}
		id, err := s.Store.Add(ctx, core.HistoryCollection(s.UserID), data)
		if err != nil {
			return ids, fmt.Errorf("add %s: %w", step.Behavior, err)
		}
		log.Infow("history event added", "behavior", step.Behavior, "level", step.Level,
			"priority", step.Priority, "id", id)
		ids = append(ids, id)
	}
	return ids, nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
