package cache

import (
	"encoding/json"
	"fmt"

	"github.com/obsidianstack/datasync/pkg/types"
)

// Key returns the canonical cache key for dataType and filters.
// encoding/json emits map keys in sorted order at every nesting level, which
// is what makes {a:1,b:2} and {b:2,a:1} collapse to the same key.
func Key(dataType string, filters types.Filters) string {
	if len(filters) == 0 {
		return dataType + ":{}"
	}
	b, err := json.Marshal(map[string]any(filters))
	if err != nil {
		// Unencodable filter values (funcs, channels) still need a stable key.
		return dataType + ":" + fmt.Sprintf("%v", map[string]any(filters))
	}
	return dataType + ":" + string(b)
}
