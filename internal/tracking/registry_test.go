package tracking

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/tablepick/internal/zone"
)

func TestObserveCreatesOnce(t *testing.T) {
	r := NewRegistry()
	t0 := time.Unix(10, 0)

	e, created := r.Observe(7, [4]int{0, 0, 10, 20}, t0)
	require.True(t, created)
	assert.Equal(t, 7, e.ID)
	assert.Empty(t, e.Zone)
	assert.Nil(t, e.Identity)
	assert.True(t, e.Cart.Empty())

	e2, created := r.Observe(7, [4]int{2, 2, 12, 22}, t0.Add(time.Second))
	assert.False(t, created)
	assert.Same(t, e, e2)
	assert.Equal(t, [4]int{2, 2, 12, 22}, e2.Box)
	assert.Equal(t, t0, e2.FirstSeen)
	assert.Equal(t, t0.Add(time.Second), e2.LastSeen)
}

func TestBoxCenterIntegerDivision(t *testing.T) {
	assert.Equal(t, zone.Point{X: 5, Y: 10}, BoxCenter([4]int{0, 0, 11, 21}))
	e := &Entity{Box: [4]int{100, 200, 201, 301}}
	assert.Equal(t, zone.Point{X: 150, Y: 250}, e.Center())
}

func TestDeparted(t *testing.T) {
	assert.Equal(t, []int{1, 3}, Departed([]int{3, 1, 2}, []int{2, 4}))
	assert.Nil(t, Departed(nil, []int{1}))
	assert.Equal(t, []int{5}, Departed([]int{5, 5}, nil))
}

func TestAdvanceTracksPreviousFrame(t *testing.T) {
	r := NewRegistry()

	assert.Empty(t, r.Advance([]int{1, 2}))
	assert.Equal(t, []int{1, 2}, r.Active())
	assert.Equal(t, []int{1}, r.Advance([]int{2, 3}))
	assert.Equal(t, []int{2, 3}, r.Advance(nil))
	assert.Empty(t, r.Active())
}

func TestPurge(t *testing.T) {
	r := NewRegistry()
	e, _ := r.Observe(7, [4]int{}, time.Now())
	e.Zone = "Table_A"
	e.Identity = &Binding{UserID: "U1", DisplayName: "U1"}
	e.Baselines["Table_A"] = []string{"chips"}

	removed := r.Purge(7)
	require.NotNil(t, removed)
	assert.Equal(t, "U1", removed.Identity.UserID)
	_, ok := r.Get(7)
	assert.False(t, ok)
	assert.Equal(t, 0, r.Len())
	assert.Nil(t, r.Purge(7))
}

func TestEntitiesOrdered(t *testing.T) {
	r := NewRegistry()
	now := time.Now()
	for _, id := range []int{9, 2, 5} {
		r.Observe(id, [4]int{}, now)
	}
	var ids []int
	for _, e := range r.Entities() {
		ids = append(ids, e.ID)
	}
	assert.Equal(t, []int{2, 5, 9}, ids)
}
