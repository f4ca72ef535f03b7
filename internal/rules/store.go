// Package rules defines the RuleStore contract (spec §4.6) and its concrete
// backends: a gorm-backed store shared with the traffic log, and a
// YAML-file store hot-reloaded with fsnotify.
package rules

import (
	"context"
	"time"

	"github.com/proxyforge/interceptproxy/internal/model"
)

// Store is the abstract, concurrent-safe RuleStore the PolicyEngine and the
// admin API depend on. add does not deduplicate patterns — a deliberate
// non-goal (spec §4.6).
type Store interface {
	Add(ctx context.Context, in AddInput) (model.BlockRule, error)
	Update(ctx context.Context, id string, in UpdateInput) (model.BlockRule, bool, error)
	Delete(ctx context.Context, id string) error
	ListActive(ctx context.Context) ([]model.BlockRule, error)
	Close() error
}

// AddInput mirrors RuleStore.add's keyword arguments.
type AddInput struct {
	Pattern          string
	Scope            model.Scope
	Subnet           string
	Reason           string
	AddedBy          string
	ExpiresInSeconds *int64
}

// UpdateInput mirrors RuleStore.update's keyword arguments; nil fields are
// left unchanged.
type UpdateInput struct {
	Pattern          *string
	Scope            *model.Scope
	Subnet           *string
	Reason           *string
	AddedBy          *string
	ExpiresInSeconds *int64
}

func expiresAt(seconds *int64, now time.Time) *time.Time {
	if seconds == nil {
		return nil
	}
	t := now.Add(time.Duration(*seconds) * time.Second)
	return &t
}
