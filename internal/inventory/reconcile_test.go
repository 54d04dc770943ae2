package inventory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/tablepick/internal/cart"
	"github.com/banshee-data/tablepick/internal/tracking"
	"github.com/banshee-data/tablepick/internal/zone"
)

func TestReconcile(t *testing.T) {
	tests := []struct {
		name              string
		baseline, current []string
		want              []string
	}{
		{"two chips taken", []string{"chips", "chips", "soda"}, []string{"soda"}, []string{"chips", "chips"}},
		{"superset current", []string{"chips", "soda"}, []string{"soda", "chips", "gum", "chips"}, nil},
		{"equal", []string{"a", "b"}, []string{"b", "a"}, nil},
		{"empty current", []string{"a", "b", "a"}, nil, []string{"a", "b", "a"}},
		{"empty baseline", nil, []string{"a"}, nil},
		{"order preserved", []string{"soda", "chips", "soda"}, []string{"soda"}, []string{"chips", "soda"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, Reconcile(tt.baseline, tt.current)); diff != "" {
				t.Errorf("Reconcile mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestReconcileDoesNotMutateInputs(t *testing.T) {
	baseline := []string{"chips", "soda"}
	current := []string{"soda"}
	Reconcile(baseline, current)
	assert.Equal(t, []string{"chips", "soda"}, baseline)
	assert.Equal(t, []string{"soda"}, current)
}

type scriptedItems struct {
	results [][]string
	errs    []error
	cameras []string
}

func (s *scriptedItems) Snapshot(ctx context.Context, camera string) ([]string, error) {
	s.cameras = append(s.cameras, camera)
	i := len(s.cameras) - 1
	var err error
	if i < len(s.errs) {
		err = s.errs[i]
	}
	if err != nil {
		return nil, err
	}
	return s.results[i], nil
}

func newEntity(t *testing.T, id int) *tracking.Entity {
	t.Helper()
	r := tracking.NewRegistry()
	e, _ := r.Observe(id, [4]int{}, time.Now())
	return e
}

var tableA = zone.Zone{Name: "Table_A", Rect: zone.Rect{X1: 120, Y1: 260, X2: 330, Y2: 480}, Margin: 30, Camera: "cam_a"}

func TestEnterExitBillsMissing(t *testing.T) {
	items := &scriptedItems{results: [][]string{{"chips", "chips", "soda"}, {"soda"}}}
	rec := NewReconciler(items)
	e := newEntity(t, 7)
	ctx := context.Background()

	require.NoError(t, rec.OnEnter(ctx, e, tableA))
	assert.Equal(t, []string{"chips", "chips", "soda"}, e.Baselines["Table_A"])

	missing, err := rec.OnExit(ctx, e, tableA)
	require.NoError(t, err)
	assert.Equal(t, []string{"chips", "chips"}, missing)
	assert.Equal(t, []cart.LineItem{{Name: "chips", Quantity: 1}, {Name: "chips", Quantity: 1}}, e.Cart.Items())
	assert.NotContains(t, e.Baselines, "Table_A")
	assert.Equal(t, []string{"cam_a", "cam_a"}, items.cameras)
}

func TestExitWithoutBaselineBillsNothing(t *testing.T) {
	items := &scriptedItems{}
	rec := NewReconciler(items)
	e := newEntity(t, 1)

	missing, err := rec.OnExit(context.Background(), e, tableA)
	require.NoError(t, err)
	assert.Empty(t, missing)
	assert.True(t, e.Cart.Empty())
	assert.Empty(t, items.cameras)
}

func TestEnterFailureStoresNoBaseline(t *testing.T) {
	items := &scriptedItems{errs: []error{errors.New("detector down")}}
	rec := NewReconciler(items)
	e := newEntity(t, 1)

	err := rec.OnEnter(context.Background(), e, tableA)
	require.ErrorIs(t, err, ErrSnapshot)
	assert.NotContains(t, e.Baselines, "Table_A")
}

func TestExitFailureDiscardsBaseline(t *testing.T) {
	items := &scriptedItems{
		results: [][]string{{"chips"}, nil},
		errs:    []error{nil, errors.New("timeout")},
	}
	rec := NewReconciler(items)
	e := newEntity(t, 1)
	ctx := context.Background()

	require.NoError(t, rec.OnEnter(ctx, e, tableA))
	_, err := rec.OnExit(ctx, e, tableA)
	require.ErrorIs(t, err, ErrSnapshot)
	assert.NotContains(t, e.Baselines, "Table_A")
	assert.True(t, e.Cart.Empty())
}

func TestBaselineIsSingleUse(t *testing.T) {
	items := &scriptedItems{results: [][]string{{"chips"}, {}}}
	rec := NewReconciler(items)
	e := newEntity(t, 1)
	ctx := context.Background()

	require.NoError(t, rec.OnEnter(ctx, e, tableA))
	_, err := rec.OnExit(ctx, e, tableA)
	require.NoError(t, err)

	missing, err := rec.OnExit(ctx, e, tableA)
	require.NoError(t, err)
	assert.Empty(t, missing)
	assert.Equal(t, 1, e.Cart.Len())
}
