package coordinator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obsidianstack/datasync/pkg/types"
)

func TestRegistry_MountUnmount(t *testing.T) {
	h := newHarness(t, constant(revenue{Total: 1}))
	r := NewRegistry()

	mk := func(id string) *Coordinator[revenue] {
		c, err := New[revenue]("revenue", nil, h.loader, h.rt, nil, WithID(id))
		require.NoError(t, err)
		return c
	}
	b, a := mk("b"), mk("a")
	require.NoError(t, r.Mount(b))
	require.NoError(t, r.Mount(a))
	dup := mk("a")
	defer dup.Close()
	assert.ErrorIs(t, r.Mount(dup), ErrWidgetExists)

	ids := []string{}
	for _, w := range r.List() {
		ids = append(ids, w.ID())
	}
	assert.Equal(t, []string{"a", "b"}, ids)

	got, ok := r.Get("b")
	require.True(t, ok)
	assert.Same(t, b, got.(*Coordinator[revenue]))

	require.NoError(t, a.Load(t.Context()))
	views := r.Views()
	require.Len(t, views, 2)
	assert.Equal(t, "a", views[0].ID)
	assert.Equal(t, revenue{Total: 1}, views[0].Data)
	assert.Equal(t, "revenue:{}", views[0].Key)
	assert.Nil(t, views[1].Data)

	assert.True(t, r.Unmount("a"))
	assert.False(t, r.Unmount("a"))
	assert.ErrorIs(t, a.Refresh(t.Context()), ErrClosed)

	r.CloseAll()
	assert.Empty(t, r.List())
	assert.ErrorIs(t, b.Refresh(t.Context()), ErrClosed)
}

func TestOnChange_DeliversViews(t *testing.T) {
	h := newHarness(t, constant(revenue{Total: 3}))
	c, err := New[revenue]("revenue", types.Filters{"region": "eu"}, h.loader, h.rt, nil, WithID("rev"))
	require.NoError(t, err)
	defer c.Close()

	var views []View
	unsub := c.OnChange(func(v View) { views = append(views, v) })
	require.NoError(t, c.Load(t.Context()))
	unsub()
	c.ClearError()

	require.Len(t, views, 2)
	assert.True(t, views[0].Loading)
	assert.Equal(t, "rev", views[1].ID)
	assert.Equal(t, `revenue:{"region":"eu"}`, views[1].Key)
	assert.Equal(t, revenue{Total: 3}, views[1].Data)
	assert.False(t, views[1].Loading)
}
