// Package store defines the gateway contract the sync core consumes: a
// keyed record space with version-conditioned writes and a subscribable
// change feed. Implementations live in subpackages; the core never
// assumes anything beyond this contract.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound        = errors.New("record not found")
	ErrAlreadyExists   = errors.New("record already exists")
	ErrVersionMismatch = errors.New("record version mismatch")
)

// Record is a keyed document with an optimistic-concurrency token.
// Version increments on every successful write.
type Record struct {
	ID        string         `json:"id"`
	Version   int64          `json:"version"`
	Fields    map[string]any `json:"fields"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Clone returns a deep-enough copy: the Fields map is copied, values are
// shared. Callers treat field values as immutable.
func (r Record) Clone() Record {
	fields := make(map[string]any, len(r.Fields))
	for k, v := range r.Fields {
		fields[k] = v
	}
	r.Fields = fields
	return r
}

type ChangeType string

const (
	ChangeAdded    ChangeType = "added"
	ChangeModified ChangeType = "modified"
	ChangeRemoved  ChangeType = "removed"
)

// Change is one entry on the feed. Origin carries the pending-operation
// id that produced the write, when known, so a subscriber can tell its
// own writes from foreign ones.
type Change struct {
	Type   ChangeType `json:"type"`
	Record Record     `json:"record"`
	Origin string     `json:"origin,omitempty"`
}

// Filter bounds a subscription. Empty IDs means all records; Limit > 0
// restricts the feed to the N most recently updated records.
type Filter struct {
	IDs   []string
	Limit int
}

func (f Filter) Matches(id string) bool {
	if len(f.IDs) == 0 {
		return true
	}
	for _, want := range f.IDs {
		if want == id {
			return true
		}
	}
	return false
}

// Subscription is a cancelable change stream. Changes is closed after
// Cancel returns; Cancel is idempotent.
type Subscription interface {
	Changes() <-chan Change
	Cancel()
}

// Gateway is the atomic record store the sync core coordinates through.
// Update and Delete are conditioned on the expected prior version; pass
// AnyVersion to write unconditionally (forced takeover is the one caller).
type Gateway interface {
	Create(ctx context.Context, rec Record, origin string) (Record, error)
	Get(ctx context.Context, id string) (Record, error)
	Update(ctx context.Context, rec Record, expectedVersion int64, origin string) (Record, error)
	Delete(ctx context.Context, id string, expectedVersion int64, origin string) error
	Subscribe(ctx context.Context, filter Filter) (Subscription, error)
}

// AnyVersion disables the version precondition on Update/Delete.
const AnyVersion int64 = -1
