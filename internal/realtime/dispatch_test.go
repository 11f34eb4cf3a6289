package realtime

import (
	"testing"

	"github.com/obsidianstack/datasync/pkg/types"
)

func TestDispatch_MalformedDropped(t *testing.T) {
	ch := New(Options{})
	called := false
	ch.Subscribe("revenue", func(types.Message) { called = true })

	ch.dispatch([]byte(`not json`))
	ch.dispatch([]byte(`{"data":{}}`)) // no type

	if called {
		t.Error("handler called for malformed message")
	}
	if s := ch.Stats(); s.Dropped != 2 || s.Received != 0 {
		t.Errorf("stats: got %+v, want dropped=2 received=0", s)
	}
}

func TestDispatch_PanickingSubscriberDoesNotBlockOthers(t *testing.T) {
	ch := New(Options{})
	ch.Subscribe("revenue", func(types.Message) { panic("boom") })
	got := 0
	ch.Subscribe("revenue", func(types.Message) { got++ })

	ch.dispatch([]byte(`{"type":"revenue","data":{},"timestamp":"2024-05-01T10:00:00Z"}`))

	if got != 1 {
		t.Errorf("second handler calls: got %d, want 1", got)
	}
}

func TestDispatch_ArrivalOrder(t *testing.T) {
	ch := New(Options{})
	var order []string
	ch.Subscribe("revenue", func(m types.Message) { order = append(order, m.Timestamp) })

	for _, ts := range []string{"3", "1", "2"} {
		ch.dispatch([]byte(`{"type":"revenue","data":{},"timestamp":"` + ts + `"}`))
	}
	if len(order) != 3 || order[0] != "3" || order[1] != "1" || order[2] != "2" {
		t.Errorf("delivery order: got %v, want [3 1 2]", order)
	}
}
