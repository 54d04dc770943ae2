package cart

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedgerAddMissingAppendsPerOccurrence(t *testing.T) {
	var l Ledger
	assert.True(t, l.Empty())

	l.AddMissing([]string{"chips", "chips"})
	l.AddMissing([]string{"soda"})

	want := []LineItem{{"chips", 1}, {"chips", 1}, {"soda", 1}}
	if diff := cmp.Diff(want, l.Items()); diff != "" {
		t.Errorf("Items mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 3, l.Len())
	assert.Equal(t, 3, l.TotalQuantity())

	l.Reset()
	assert.True(t, l.Empty())
}

func TestLedgerItemsIsCopy(t *testing.T) {
	var l Ledger
	l.AddMissing([]string{"chips"})
	items := l.Items()
	items[0].Name = "x"
	assert.Equal(t, "chips", l.Items()[0].Name)
}

func TestAggregate(t *testing.T) {
	in := []LineItem{{"chips", 1}, {"soda", 1}, {"chips", 1}, {"", 1}, {"gum", 0}}
	want := []LineItem{{"chips", 2}, {"soda", 1}}
	if diff := cmp.Diff(want, Aggregate(in)); diff != "" {
		t.Errorf("Aggregate mismatch (-want +got):\n%s", diff)
	}
	assert.Nil(t, Aggregate(nil))
}

type fakeKV struct {
	sets    map[string]string
	deleted []string
	setErr  error
}

func (f *fakeKV) Set(ctx context.Context, key string, value interface{}, _ time.Duration) *redis.StatusCmd {
	if f.setErr != nil {
		return redis.NewStatusResult("", f.setErr)
	}
	f.sets[key] = string(value.([]byte))
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeKV) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	f.deleted = append(f.deleted, keys...)
	for _, k := range keys {
		delete(f.sets, k)
	}
	return redis.NewIntResult(int64(len(keys)), nil)
}

func TestRedisProjectionApply(t *testing.T) {
	kv := &fakeKV{sets: map[string]string{}}
	p := NewRedisProjection(kv, time.Hour)
	ctx := context.Background()

	require.NoError(t, p.Apply(ctx, []View{
		{EntityID: 7, UserID: "U1", Items: []LineItem{{"chips", 1}}},
		{EntityID: 8},
	}))
	require.Contains(t, kv.sets, "cart:entity:7")

	var got View
	require.NoError(t, json.Unmarshal([]byte(kv.sets["cart:entity:7"]), &got))
	assert.Equal(t, "U1", got.UserID)
	assert.Equal(t, []LineItem{{"chips", 1}}, got.Items)

	require.NoError(t, p.Apply(ctx, []View{{EntityID: 8}}))
	sort.Strings(kv.deleted)
	assert.Equal(t, []string{"cart:entity:7"}, kv.deleted)
	assert.NotContains(t, kv.sets, "cart:entity:7")
}

func TestRedisProjectionApplyError(t *testing.T) {
	kv := &fakeKV{sets: map[string]string{}, setErr: errors.New("down")}
	p := NewRedisProjection(kv, time.Hour)
	err := p.Apply(context.Background(), []View{{EntityID: 1}})
	assert.ErrorContains(t, err, "cart:entity:1")
}

func TestRedisProjectionRunStopsOnClose(t *testing.T) {
	kv := &fakeKV{sets: map[string]string{}}
	p := NewRedisProjection(kv, time.Hour)
	ch := make(chan []View, 1)
	ch <- []View{{EntityID: 3}}
	close(ch)

	require.NoError(t, p.Run(context.Background(), ch))
	assert.Contains(t, kv.sets, "cart:entity:3")
}
