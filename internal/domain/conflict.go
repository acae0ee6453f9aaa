package domain

import (
	"fmt"
	"sort"
	"time"
)

// ConflictStrategy selects how a divergence between a local optimistic
// value and the server value is resolved.
type ConflictStrategy string

const (
	StrategyUserWins   ConflictStrategy = "user_wins"
	StrategyServerWins ConflictStrategy = "server_wins"
	StrategyMerge      ConflictStrategy = "merge"
	StrategyPromptUser ConflictStrategy = "prompt_user"
)

// ConflictRecord captures a detected divergence on a single target. It is
// dropped once resolved by strategy or explicit user choice.
type ConflictRecord struct {
	OperationID string
	TargetID    string
	LocalValue  map[string]any
	ServerValue map[string]any
	Strategy    ConflictStrategy
	DetectedAt  time.Time
	Resolved    bool
}

// FieldChange describes one changed field between two record versions.
type FieldChange struct {
	Field  string
	Before any
	After  any
}

func (c FieldChange) String() string {
	switch {
	case c.Before == nil:
		return fmt.Sprintf("%s: added %v", c.Field, c.After)
	case c.After == nil:
		return fmt.Sprintf("%s: removed (was %v)", c.Field, c.Before)
	default:
		return fmt.Sprintf("%s: %v -> %v", c.Field, c.Before, c.After)
	}
}

// DiffFields produces a field-by-field change set between two record
// values, sorted by field name for stable display.
func DiffFields(before, after map[string]any) []FieldChange {
	fields := make(map[string]struct{}, len(before)+len(after))
	for k := range before {
		fields[k] = struct{}{}
	}
	for k := range after {
		fields[k] = struct{}{}
	}

	changes := make([]FieldChange, 0, len(fields))
	for k := range fields {
		b, hadBefore := before[k]
		a, hasAfter := after[k]
		if hadBefore && hasAfter && fmt.Sprintf("%v", b) == fmt.Sprintf("%v", a) {
			continue
		}
		fc := FieldChange{Field: k}
		if hadBefore {
			fc.Before = b
		}
		if hasAfter {
			fc.After = a
		}
		changes = append(changes, fc)
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].Field < changes[j].Field })
	return changes
}
