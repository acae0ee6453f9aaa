package domain

import (
	"testing"
)

func TestDiffFields(t *testing.T) {
	t.Parallel()

	before := map[string]any{
		"name":    "Deluxe Suite",
		"price":   200,
		"floor":   3,
		"smoking": false,
	}
	after := map[string]any{
		"name":  "Deluxe Suite",
		"price": 250,
		"floor": 3,
		"view":  "sea",
	}

	changes := DiffFields(before, after)

	if len(changes) != 3 {
		t.Fatalf("expected 3 changes, got %d: %v", len(changes), changes)
	}
	// Sorted by field name: price, smoking, view.
	if changes[0].Field != "price" || changes[0].Before != 200 || changes[0].After != 250 {
		t.Fatalf("unexpected price change: %+v", changes[0])
	}
	if changes[1].Field != "smoking" || changes[1].After != nil {
		t.Fatalf("unexpected smoking change: %+v", changes[1])
	}
	if changes[2].Field != "view" || changes[2].Before != nil || changes[2].After != "sea" {
		t.Fatalf("unexpected view change: %+v", changes[2])
	}
}

func TestDiffFields_NoChanges(t *testing.T) {
	t.Parallel()

	fields := map[string]any{"name": "Standard", "price": 90}
	if changes := DiffFields(fields, fields); len(changes) != 0 {
		t.Fatalf("expected no changes, got %v", changes)
	}
}

func TestFieldChange_String(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		change FieldChange
		want   string
	}{
		{
			name:   "modified",
			change: FieldChange{Field: "price", Before: 200, After: 250},
			want:   "price: 200 -> 250",
		},
		{
			name:   "added",
			change: FieldChange{Field: "view", After: "sea"},
			want:   "view: added sea",
		},
		{
			name:   "removed",
			change: FieldChange{Field: "smoking", Before: false},
			want:   "smoking: removed (was false)",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.change.String(); got != tt.want {
				t.Fatalf("String() = %q, want %q", got, tt.want)
			}
		})
	}
}
