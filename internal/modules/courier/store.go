// README: Courier directory store backed by Redis GEO and presence keys.
package courier

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"courierdispatch/internal/types"
)

// Store persists courier positions and reachability handles. Handles are
// tracked for any user id so shop owners and customers can be pushed to as well.
type Store interface {
	SetPosition(ctx context.Context, id types.ID, p types.Point, at time.Time) error
	SetHandle(ctx context.Context, userID types.ID, handle string) error
	// ClearHandle accepts either a handle or a user id and returns the user
	// whose handle was cleared; empty when nothing matched.
	ClearHandle(ctx context.Context, handleOrID string) (types.ID, error)
	Handle(ctx context.Context, userID types.ID) (string, error)
	Get(ctx context.Context, id types.ID) (*Courier, error)
	WithinRadius(ctx context.Context, center types.Point, radiusMeters float64) ([]Nearby, error)
}

const (
	positionsKey   = "courier:positions"
	stateKeyFmt    = "courier:%s:state"
	handleKeyFmt   = "presence:user:%s:handle"
	handleOwnerFmt = "presence:handle:%s:user"
	fieldOnline    = "online"
	fieldUpdatedAt = "updated_at"
)

type RedisStore struct {
	redis *redis.Client
}

func NewRedisStore(redis *redis.Client) *RedisStore {
	return &RedisStore{redis: redis}
}

func (s *RedisStore) SetPosition(ctx context.Context, id types.ID, p types.Point, at time.Time) error {
	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.GeoAdd(ctx, positionsKey, &redis.GeoLocation{
			Name:      string(id),
			Longitude: p.Lng,
			Latitude:  p.Lat,
		})
		pipe.HSet(ctx, stateKey(id), fieldOnline, "1", fieldUpdatedAt, at.Unix())
		return nil
	})
	return err
}

func (s *RedisStore) SetHandle(ctx context.Context, userID types.ID, handle string) error {
	prev, err := s.redis.Get(ctx, handleKey(userID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	isCourier, err := s.redis.Exists(ctx, stateKey(userID)).Result()
	if err != nil {
		return err
	}
	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if prev != "" && prev != handle {
			pipe.Del(ctx, handleOwnerKey(prev))
		}
		pipe.Set(ctx, handleKey(userID), handle, 0)
		pipe.Set(ctx, handleOwnerKey(handle), string(userID), 0)
		if isCourier == 1 {
			pipe.HSet(ctx, stateKey(userID), fieldOnline, "1")
		}
		return nil
	})
	return err
}

func (s *RedisStore) ClearHandle(ctx context.Context, handleOrID string) (types.ID, error) {
	var userID, handle string
	owner, err := s.redis.Get(ctx, handleOwnerKey(handleOrID)).Result()
	switch {
	case err == nil:
		userID, handle = owner, handleOrID
	case errors.Is(err, redis.Nil):
		userID = handleOrID
		handle, err = s.redis.Get(ctx, handleKey(types.ID(userID))).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return "", err
		}
	default:
		return "", err
	}

	isCourier, err := s.redis.Exists(ctx, stateKey(types.ID(userID))).Result()
	if err != nil {
		return "", err
	}
	if handle == "" && isCourier == 0 {
		return "", nil
	}

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if handle != "" {
			pipe.Del(ctx, handleOwnerKey(handle), handleKey(types.ID(userID)))
		}
		if isCourier == 1 {
			pipe.HSet(ctx, stateKey(types.ID(userID)), fieldOnline, "0")
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return types.ID(userID), nil
}

func (s *RedisStore) Handle(ctx context.Context, userID types.ID) (string, error) {
	h, err := s.redis.Get(ctx, handleKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return h, err
}

func (s *RedisStore) Get(ctx context.Context, id types.ID) (*Courier, error) {
	pipe := s.redis.Pipeline()
	posCmd := pipe.GeoPos(ctx, positionsKey, string(id))
	stateCmd := pipe.HGetAll(ctx, stateKey(id))
	handleCmd := pipe.Get(ctx, handleKey(id))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	positions := posCmd.Val()
	if len(positions) == 0 || positions[0] == nil {
		return nil, ErrNotFound
	}
	c := &Courier{
		ID:       id,
		Position: types.Point{Lat: positions[0].Latitude, Lng: positions[0].Longitude},
		Handle:   handleCmd.Val(),
	}
	applyState(c, stateCmd.Val())
	return c, nil
}

func (s *RedisStore) WithinRadius(ctx context.Context, center types.Point, radiusMeters float64) ([]Nearby, error) {
	locs, err := s.redis.GeoSearchLocation(ctx, positionsKey, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  center.Lng,
			Latitude:   center.Lat,
			Radius:     radiusMeters,
			RadiusUnit: "m",
			Sort:       "ASC",
		},
		WithCoord: true,
		WithDist:  true,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(locs) == 0 {
		return []Nearby{}, nil
	}

	pipe := s.redis.Pipeline()
	stateCmds := make([]*redis.MapStringStringCmd, len(locs))
	handleCmds := make([]*redis.StringCmd, len(locs))
	for i, loc := range locs {
		stateCmds[i] = pipe.HGetAll(ctx, stateKey(types.ID(loc.Name)))
		handleCmds[i] = pipe.Get(ctx, handleKey(types.ID(loc.Name)))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	out := make([]Nearby, len(locs))
	for i, loc := range locs {
		c := Courier{
			ID:       types.ID(loc.Name),
			Position: types.Point{Lat: loc.Latitude, Lng: loc.Longitude},
			Handle:   handleCmds[i].Val(),
		}
		applyState(&c, stateCmds[i].Val())
		out[i] = Nearby{Courier: c, DistanceMeters: loc.Dist}
	}
	return out, nil
}

func applyState(c *Courier, state map[string]string) {
	c.Online = state[fieldOnline] == "1"
	if ts, err := strconv.ParseInt(state[fieldUpdatedAt], 10, 64); err == nil {
		c.UpdatedAt = time.Unix(ts, 0)
	}
}

func stateKey(id types.ID) string {
	return fmt.Sprintf(stateKeyFmt, string(id))
}

func handleKey(id types.ID) string {
	return fmt.Sprintf(handleKeyFmt, string(id))
}

func handleOwnerKey(handle string) string {
	return fmt.Sprintf(handleOwnerFmt, handle)
}
