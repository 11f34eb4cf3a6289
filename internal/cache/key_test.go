package cache

import (
	"testing"

	"github.com/obsidianstack/datasync/pkg/types"
)

func TestKey(t *testing.T) {
	tests := []struct {
		name     string
		dataType string
		filters  types.Filters
		want     string
	}{
		{"nil filters", "metrics", nil, "metrics:{}"},
		{"empty filters", "metrics", types.Filters{}, "metrics:{}"},
		{"single", "revenue", types.Filters{"region": "emea"}, `revenue:{"region":"emea"}`},
		{"sorted", "revenue", types.Filters{"b": 2, "a": 1}, `revenue:{"a":1,"b":2}`},
		{"nested sorted", "users", types.Filters{"range": map[string]any{"to": 2, "from": 1}}, `users:{"range":{"from":1,"to":2}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Key(tt.dataType, tt.filters); got != tt.want {
				t.Errorf("Key: got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestKey_OrderIndependent(t *testing.T) {
	a := Key("revenue", types.Filters{"a": 1, "b": 2})
	b := Key("revenue", types.Filters{"b": 2, "a": 1})
	if a != b {
		t.Errorf("keys differ: %q vs %q", a, b)
	}
}

func TestKey_IntAndFloatCollapse(t *testing.T) {
	// Filters decoded from JSON carry float64; ones built in code carry int.
	if Key("t", types.Filters{"n": 1}) != Key("t", types.Filters{"n": 1.0}) {
		t.Error("int and float64 filter values should share a key")
	}
}

func TestKey_DistinctDataTypes(t *testing.T) {
	if Key("revenue", nil) == Key("users", nil) {
		t.Error("different data types must not share a key")
	}
}
