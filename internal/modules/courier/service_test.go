package courier

import (
	"context"
	"testing"

	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"courierdispatch/internal/types"
)

func newTestDirectory(t *testing.T, ids ...types.ID) *Directory {
	t.Helper()
	log, _ := logtest.NewNullLogger()
	dir := NewDirectory(NewMemoryStore(), NewMemoryAccounts(), log)
	for _, id := range ids {
		require.NoError(t, dir.Register(context.Background(), Profile{ID: id, FullName: "Courier " + string(id)}))
	}
	return dir
}

func TestUpdatePosition_UnknownCourier(t *testing.T) {
	dir := newTestDirectory(t)
	err := dir.UpdatePosition(context.Background(), PositionUpdate{
		CourierID: "ghost",
		Position:  types.Point{Lat: 12.97, Lng: 77.59},
	})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestUpdatePosition_InvalidCoordinate(t *testing.T) {
	dir := newTestDirectory(t, "c1")
	err := dir.UpdatePosition(context.Background(), PositionUpdate{
		CourierID: "c1",
		Position:  types.Point{Lat: 120, Lng: 77.59},
	})
	require.ErrorIs(t, err, ErrBadRequest)
}

func TestUpdatePosition_SetsOnlineAndHandle(t *testing.T) {
	ctx := context.Background()
	dir := newTestDirectory(t, "c1")

	require.NoError(t, dir.UpdatePosition(ctx, PositionUpdate{
		CourierID: "c1",
		Position:  types.Point{Lat: 12.97, Lng: 77.59},
		Handle:    "ws:abc",
	}))

	c, err := dir.Get(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, c.Online)
	assert.Equal(t, "ws:abc", c.Handle)
	assert.Equal(t, types.Point{Lat: 12.97, Lng: 77.59}, c.Position)

	// A heartbeat without a handle keeps the last one.
	require.NoError(t, dir.UpdatePosition(ctx, PositionUpdate{
		CourierID: "c1",
		Position:  types.Point{Lat: 12.971, Lng: 77.591},
	}))
	c, err = dir.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "ws:abc", c.Handle)
}

func TestMarkUnreachable_ByHandleAndByID(t *testing.T) {
	ctx := context.Background()
	dir := newTestDirectory(t, "c1", "c2")
	for id, h := range map[types.ID]string{"c1": "ws:one", "c2": "ws:two"} {
		require.NoError(t, dir.UpdatePosition(ctx, PositionUpdate{
			CourierID: id,
			Position:  types.Point{Lat: 12.97, Lng: 77.59},
			Handle:    h,
		}))
	}

	require.NoError(t, dir.MarkUnreachable(ctx, "ws:one"))
	require.NoError(t, dir.MarkUnreachable(ctx, "c2"))

	for _, id := range []types.ID{"c1", "c2"} {
		c, err := dir.Get(ctx, id)
		require.NoError(t, err)
		assert.False(t, c.Online, "courier %s", id)
		assert.Empty(t, c.Handle, "courier %s", id)
		_, ok, err := dir.HandleFor(ctx, id)
		require.NoError(t, err)
		assert.False(t, ok)
	}

	// Unknown input is a no-op.
	require.NoError(t, dir.MarkUnreachable(ctx, "ws:unknown"))
}

func TestMarkUnreachable_StaleHandleKeepsNewConnection(t *testing.T) {
	ctx := context.Background()
	dir := newTestDirectory(t, "c1")
	require.NoError(t, dir.UpdatePosition(ctx, PositionUpdate{CourierID: "c1", Position: types.Point{Lat: 1, Lng: 1}, Handle: "ws:old"}))
	require.NoError(t, dir.Connect(ctx, "c1", "ws:new"))

	require.NoError(t, dir.MarkUnreachable(ctx, "ws:old"))

	h, ok, err := dir.HandleFor(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "ws:new", h)
}

func TestFindWithinRadius_Boundary(t *testing.T) {
	ctx := context.Background()
	dir := newTestDirectory(t, "inside", "edge", "outside")
	center := types.Point{Lat: 0, Lng: 0}
	edge := types.Point{Lat: 0, Lng: 0.009}
	positions := map[types.ID]types.Point{
		"inside":  {Lat: 0, Lng: 0.0089},
		"edge":    edge,
		"outside": {Lat: 0, Lng: 0.0091},
	}
	for id, p := range positions {
		require.NoError(t, dir.UpdatePosition(ctx, PositionUpdate{CourierID: id, Position: p}))
	}

	got, err := dir.FindWithinRadius(ctx, center, 1000)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, types.ID("inside"), got[0].ID)

	r := DistanceMeters(center, edge)
	const eps = 0.5

	got, err = dir.FindWithinRadius(ctx, center, r+eps)
	require.NoError(t, err)
	assert.ElementsMatch(t, []types.ID{"inside", "edge"}, ids(got))

	got, err = dir.FindWithinRadius(ctx, center, r-eps)
	require.NoError(t, err)
	assert.ElementsMatch(t, []types.ID{"inside"}, ids(got))
}

func TestFindWithinRadius_IncludesOfflineSortedByDistance(t *testing.T) {
	ctx := context.Background()
	dir := newTestDirectory(t, "far", "near")
	require.NoError(t, dir.UpdatePosition(ctx, PositionUpdate{CourierID: "far", Position: types.Point{Lat: 12.97, Lng: 77.597}, Handle: "ws:far"}))
	require.NoError(t, dir.UpdatePosition(ctx, PositionUpdate{CourierID: "near", Position: types.Point{Lat: 12.97, Lng: 77.591}}))
	require.NoError(t, dir.MarkUnreachable(ctx, "ws:far"))

	got, err := dir.FindWithinRadius(ctx, types.Point{Lat: 12.97, Lng: 77.59}, 2000)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, types.ID("near"), got[0].ID)
	assert.Equal(t, types.ID("far"), got[1].ID)
	assert.False(t, got[1].Online)
	assert.Less(t, got[0].DistanceMeters, got[1].DistanceMeters)
}

func TestFindWithinRadius_EmptyAndInvalid(t *testing.T) {
	ctx := context.Background()
	dir := newTestDirectory(t)

	got, err := dir.FindWithinRadius(ctx, types.Point{Lat: 12.97, Lng: 77.59}, 500)
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = dir.FindWithinRadius(ctx, types.Point{Lat: 12.97, Lng: 77.59}, 0)
	require.ErrorIs(t, err, ErrBadRequest)
}

func TestProfiles(t *testing.T) {
	ctx := context.Background()
	dir := newTestDirectory(t)
	require.NoError(t, dir.Register(ctx, Profile{ID: "c1", FullName: "Asha", Mobile: "+91 90000 00001"}))

	got, err := dir.Profiles(ctx, []types.ID{"c1", "missing"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Asha", got["c1"].FullName)

	require.ErrorIs(t, dir.Register(ctx, Profile{ID: "c2"}), ErrBadRequest)
}

func ids(ns []Nearby) []types.ID {
	out := make([]types.ID, len(ns))
	for i, n := range ns {
		out[i] = n.ID
	}
	return out
}
