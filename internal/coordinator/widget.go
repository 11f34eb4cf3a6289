package coordinator

import (
	"context"
	"time"

	"github.com/obsidianstack/datasync/internal/cache"
	"github.com/obsidianstack/datasync/pkg/types"
)

// View is a type-erased State plus the identity of the widget it belongs to.
type View struct {
	ID               string                `json:"id"`
	DataType         string                `json:"data_type"`
	Key              string                `json:"key"`
	JobID            string                `json:"job_id,omitempty"`
	Filters          types.Filters         `json:"filters"`
	Data             any                   `json:"data"`
	Loading          bool                  `json:"loading"`
	Refreshing       bool                  `json:"refreshing"`
	Error            string                `json:"error,omitempty"`
	LastUpdated      time.Time             `json:"last_updated,omitzero"`
	ConnectionStatus types.ConnectionState `json:"connection_status"`
}

// Widget is the payload-independent surface of a Coordinator, used by the
// registry and the transports built on it.
type Widget interface {
	ID() string
	DataType() string
	View() View
	Load(ctx context.Context) error
	Refresh(ctx context.Context) error
	ClearError()
	UpdateFilters(ctx context.Context, filters types.Filters) error
	OnChange(fn func(View)) (unsubscribe func())
	Close()
}

var _ Widget = (*Coordinator[any])(nil)

// View implements Widget.
func (c *Coordinator[T]) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.viewLocked()
}

func (c *Coordinator[T]) viewLocked() View {
	v := View{
		ID:               c.id,
		DataType:         c.dataType,
		Key:              cache.Key(c.dataType, c.filters),
		JobID:            c.jobID,
		Filters:          c.filters.Clone(),
		Loading:          c.state.Loading,
		Refreshing:       c.state.Refreshing,
		Error:            c.state.Error,
		LastUpdated:      c.state.LastUpdated,
		ConnectionStatus: c.state.ConnectionStatus,
	}
	if c.state.Data != nil {
		v.Data = *c.state.Data
	}
	return v
}

// OnChange implements Widget. fn receives the view as of the change and
// runs under the same ordering guarantees as Subscribe.
func (c *Coordinator[T]) OnChange(fn func(View)) (unsubscribe func()) {
	return c.listen(func(_ State[T], v View) { fn(v) })
}
