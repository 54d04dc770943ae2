package zone

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tables(t *testing.T) *Resolver {
	t.Helper()
	r, err := NewResolver([]Zone{
		{Name: "Table_A", Rect: Rect{120, 260, 330, 480}, Margin: 30, Camera: "cam_a"},
		{Name: "Table_B", Rect: Rect{360, 260, 560, 480}, Margin: 30, Camera: "cam_b"},
	})
	require.NoError(t, err)
	return r
}

func TestResolveInsideUndilated(t *testing.T) {
	r := tables(t)

	for _, p := range []Point{{121, 261}, {225, 370}, {329, 479}} {
		z := r.Resolve(p)
		require.NotNil(t, z, "point %v", p)
		assert.Equal(t, "Table_A", z.Name)
	}
	for _, p := range []Point{{361, 261}, {460, 370}, {559, 479}} {
		z := r.Resolve(p)
		require.NotNil(t, z, "point %v", p)
		assert.Equal(t, "Table_B", z.Name)
	}
}

func TestResolveOutsideAllMargins(t *testing.T) {
	r := tables(t)

	for _, p := range []Point{{0, 0}, {89, 370}, {591, 370}, {225, 229}, {225, 511}} {
		assert.Nil(t, r.Resolve(p), "point %v", p)
	}
}

func TestResolveMarginEdgeInclusive(t *testing.T) {
	r := tables(t)

	z := r.Resolve(Point{90, 370})
	require.NotNil(t, z)
	assert.Equal(t, "Table_A", z.Name)
}

func TestResolveOverlapPicksNearerCenter(t *testing.T) {
	r := tables(t)

	// Both dilated rectangles contain x in [330, 360]; A center x=225, B center x=460.
	z := r.Resolve(Point{340, 370})
	require.NotNil(t, z)
	assert.Equal(t, "Table_A", z.Name)

	z = r.Resolve(Point{350, 370})
	require.NotNil(t, z)
	assert.Equal(t, "Table_B", z.Name)
}

func TestResolveTieGoesToFirstDeclared(t *testing.T) {
	r, err := NewResolver([]Zone{
		{Name: "left", Rect: Rect{0, 0, 100, 100}, Margin: 20},
		{Name: "right", Rect: Rect{110, 0, 210, 100}, Margin: 20},
	})
	require.NoError(t, err)

	// Centers at x=50 and x=160; midpoint 105 is equidistant.
	z := r.Resolve(Point{105, 50})
	require.NotNil(t, z)
	assert.Equal(t, "left", z.Name)

	r, err = NewResolver([]Zone{
		{Name: "right", Rect: Rect{110, 0, 210, 100}, Margin: 20},
		{Name: "left", Rect: Rect{0, 0, 100, 100}, Margin: 20},
	})
	require.NoError(t, err)
	z = r.Resolve(Point{105, 50})
	require.NotNil(t, z)
	assert.Equal(t, "right", z.Name)
}

func TestResolveReturnsCopy(t *testing.T) {
	r := tables(t)
	z := r.Resolve(Point{225, 370})
	require.NotNil(t, z)
	z.Name = "mutated"

	again := r.Resolve(Point{225, 370})
	assert.Equal(t, "Table_A", again.Name)
}

func TestNewResolverValidation(t *testing.T) {
	tests := []struct {
		name  string
		zones []Zone
	}{
		{"empty name", []Zone{{Rect: Rect{0, 0, 1, 1}}}},
		{"duplicate", []Zone{{Name: "a", Rect: Rect{0, 0, 1, 1}}, {Name: "a", Rect: Rect{0, 0, 1, 1}}}},
		{"inverted", []Zone{{Name: "a", Rect: Rect{10, 0, 1, 1}}}},
		{"negative margin", []Zone{{Name: "a", Rect: Rect{0, 0, 1, 1}, Margin: -1}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewResolver(tt.zones)
			assert.Error(t, err)
		})
	}
}

func TestLookup(t *testing.T) {
	r := tables(t)
	z, ok := r.Lookup("Table_B")
	require.True(t, ok)
	assert.Equal(t, "cam_b", z.Camera)

	_, ok = r.Lookup("Table_C")
	assert.False(t, ok)
	assert.Len(t, r.Zones(), 2)
}

func TestTransition(t *testing.T) {
	tests := []struct {
		name       string
		prev, next string
		want       []Event
	}{
		{"unchanged unassigned", "", "", nil},
		{"unchanged zone", "A", "A", nil},
		{"enter", "", "A", []Event{{Enter, "A"}}},
		{"exit", "A", "", []Event{{Exit, "A"}}},
		{"switch", "A", "B", []Event{{Exit, "A"}, {Enter, "B"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, Transition(tt.prev, tt.next)); diff != "" {
				t.Errorf("Transition(%q, %q) mismatch (-want +got):\n%s", tt.prev, tt.next, diff)
			}
		})
	}
}

func TestTransitionSequence(t *testing.T) {
	var got []Event
	prev := ""
	for _, next := range []string{"A", "B"} {
		got = append(got, Transition(prev, next)...)
		prev = next
	}
	want := []Event{{Enter, "A"}, {Exit, "A"}, {Enter, "B"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("sequence mismatch (-want +got):\n%s", diff)
	}
}

func TestEventKindString(t *testing.T) {
	assert.Equal(t, "enter", Enter.String())
	assert.Equal(t, "exit", Exit.String())
	assert.Equal(t, "unknown", EventKind(9).String())
}
