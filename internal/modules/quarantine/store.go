// Package quarantine isolates CRITICAL payloads in redacted, time-limited
// storage. It is the only path by which such a payload is retained.
package quarantine

import (
	"context"
	"time"

	"github.com/1sec-project/bastion/internal/core"
	"github.com/1sec-project/bastion/internal/modules/threat"
	"github.com/1sec-project/bastion/internal/payload"
)

// Status is the lifecycle state of a record.
type Status string

const (
	StatusQuarantined Status = "QUARANTINED"
	StatusPurged      Status = "PURGED"
)

// Record is one quarantined payload. Payload and Analysis are always
// redacted before a Record reaches a Store.
type Record struct {
	ID           string              `json:"id"`
	Timestamp    time.Time           `json:"timestamp"`
	Payload      interface{}         `json:"payload"`
	Context      core.RequestContext `json:"context"`
	Analysis     *threat.Result      `json:"analysis"`
	Status       Status              `json:"status"`
	AutoDeleteAt time.Time           `json:"auto_delete_at"`
	PurgedAt     *time.Time          `json:"purged_at,omitempty"`
}

// Level returns the analyzed threat level.
func (r *Record) Level() threat.Level {
	if r.Analysis == nil {
		return threat.LevelNone
	}
	return r.Analysis.Level
}

// clone returns a copy safe to hand out of a store.
func (r *Record) clone() *Record {
	c := *r
	c.Payload = payload.Clone(r.Payload)
	if r.PurgedAt != nil {
		t := *r.PurgedAt
		c.PurgedAt = &t
	}
	return &c
}

// Criteria filters records. Zero fields match everything.
type Criteria struct {
	MinLevel      threat.Level `json:"min_level"`
	Since         time.Time    `json:"since"`
	Until         time.Time    `json:"until"`
	Status        Status       `json:"status"`
	ExpiredBefore time.Time    `json:"expired_before"`
	Limit         int          `json:"limit"`
}

// Matches reports whether r satisfies every set field of c.
func (c Criteria) Matches(r *Record) bool {
	if r.Level() < c.MinLevel {
		return false
	}
	if !c.Since.IsZero() && r.Timestamp.Before(c.Since) {
		return false
	}
	if !c.Until.IsZero() && !r.Timestamp.Before(c.Until) {
		return false
	}
	if c.Status != "" && r.Status != c.Status {
		return false
	}
	if !c.ExpiredBefore.IsZero() && r.AutoDeleteAt.After(c.ExpiredBefore) {
		return false
	}
	return true
}

// Store is the quarantine persistence interface. Find returns newest first.
// Get returns core.ErrNotFound when no record has the id.
type Store interface {
	Create(ctx context.Context, rec *Record) error
	Find(ctx context.Context, c Criteria) ([]*Record, error)
	Get(ctx context.Context, id string) (*Record, error)
	Update(ctx context.Context, rec *Record) error
	Delete(ctx context.Context, id string) error
	Clear(ctx context.Context) error
	Close() error
}
