package identity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/tablepick/internal/tracking"
	"github.com/banshee-data/tablepick/internal/zone"
)

func registryWith(ids ...int) *tracking.Registry {
	r := tracking.NewRegistry()
	for i, id := range ids {
		r.Observe(id, [4]int{i * 100, 0, i*100 + 50, 50}, time.Now())
	}
	return r
}

func TestBindSelected(t *testing.T) {
	reg := registryWith(7)
	l := NewLinker()
	l.Select(7)

	id, err := l.OnDecoded(reg, "  U1\n")
	require.NoError(t, err)
	assert.Equal(t, 7, id)

	e, _ := reg.Get(7)
	require.NotNil(t, e.Identity)
	assert.Equal(t, "U1", e.Identity.UserID)
	assert.Equal(t, "U1", e.Identity.DisplayName)
	assert.True(t, l.Accepted("U1"))
}

func TestPayloadBindsOnlyOnce(t *testing.T) {
	reg := registryWith(7, 8)
	l := NewLinker()

	l.Select(7)
	_, err := l.OnDecoded(reg, "U1")
	require.NoError(t, err)

	l.Select(8)
	_, err = l.OnDecoded(reg, "U1")
	assert.ErrorIs(t, err, ErrAlreadyAccepted)

	e8, _ := reg.Get(8)
	assert.Nil(t, e8.Identity)
}

func TestNewPayloadOverwritesBinding(t *testing.T) {
	reg := registryWith(7)
	l := NewLinker()
	l.Select(7)

	_, err := l.OnDecoded(reg, "U1")
	require.NoError(t, err)
	_, err = l.OnDecoded(reg, "U2")
	require.NoError(t, err)

	e, _ := reg.Get(7)
	assert.Equal(t, "U2", e.Identity.UserID)
}

func TestUnselectedPayloadIsNotMarkedSeen(t *testing.T) {
	reg := registryWith(7)
	l := NewLinker()

	_, err := l.OnDecoded(reg, "U1")
	assert.ErrorIs(t, err, ErrNoSelection)
	assert.False(t, l.Accepted("U1"))

	l.Select(7)
	id, err := l.OnDecoded(reg, "U1")
	require.NoError(t, err)
	assert.Equal(t, 7, id)
}

func TestEmptyPayloadIgnored(t *testing.T) {
	reg := registryWith(7)
	l := NewLinker()
	l.Select(7)

	_, err := l.OnDecoded(reg, " \t")
	assert.ErrorIs(t, err, ErrAmbiguousPayload)
	e, _ := reg.Get(7)
	assert.Nil(t, e.Identity)
}

func TestSelectedEntityGone(t *testing.T) {
	reg := registryWith(7)
	l := NewLinker()
	l.Select(7)
	reg.Purge(7)

	_, err := l.OnDecoded(reg, "U1")
	assert.ErrorIs(t, err, ErrNoSelection)
	assert.False(t, l.Accepted("U1"))
}

func TestForget(t *testing.T) {
	l := NewLinker()
	l.Select(3)
	l.Forget(4)
	id, ok := l.Selected()
	assert.True(t, ok)
	assert.Equal(t, 3, id)

	l.Forget(3)
	_, ok = l.Selected()
	assert.False(t, ok)
}

func TestSelectNearest(t *testing.T) {
	reg := registryWith(1, 2, 3) // centers (25,25) (125,25) (225,25)
	l := NewLinker()

	id, ok := l.SelectNearest(zone.Point{X: 140, Y: 30}, reg.Entities())
	require.True(t, ok)
	assert.Equal(t, 2, id)
	sel, _ := l.Selected()
	assert.Equal(t, 2, sel)

	_, ok = NewLinker().SelectNearest(zone.Point{}, nil)
	assert.False(t, ok)
}
