// README: Candidate finder: nearby couriers minus those already holding a job.
package matching

import (
	"context"
	"fmt"

	"courierdispatch/internal/modules/courier"
	"courierdispatch/internal/types"
)

type Directory interface {
	FindWithinRadius(ctx context.Context, center types.Point, radiusMeters float64) ([]courier.Nearby, error)
	Profiles(ctx context.Context, ids []types.ID) (map[types.ID]courier.Profile, error)
}

type BusyLookup interface {
	BusyCouriers(ctx context.Context, ids []types.ID) ([]types.ID, error)
}

type Finder struct {
	directory Directory
	ledger    BusyLookup
}

func NewFinder(directory Directory, ledger BusyLookup) *Finder {
	return &Finder{directory: directory, ledger: ledger}
}

// FindAvailable returns couriers within radiusMeters of point that are not busy,
// nearest first. Couriers that are only broadcast candidates elsewhere remain
// available.
func (f *Finder) FindAvailable(ctx context.Context, point types.Point, radiusMeters float64) ([]Candidate, error) {
	nearby, err := f.directory.FindWithinRadius(ctx, point, radiusMeters)
	if err != nil {
		return nil, fmt.Errorf("find nearby couriers: %w", err)
	}
	if len(nearby) == 0 {
		return []Candidate{}, nil
	}

	ids := make([]types.ID, len(nearby))
	for i, n := range nearby {
		ids[i] = n.ID
	}
	busyIDs, err := f.ledger.BusyCouriers(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("lookup busy couriers: %w", err)
	}
	busy := make(map[types.ID]bool, len(busyIDs))
	for _, id := range busyIDs {
		busy[id] = true
	}

	free := make([]types.ID, 0, len(nearby))
	for _, n := range nearby {
		if !busy[n.ID] {
			free = append(free, n.ID)
		}
	}
	if len(free) == 0 {
		return []Candidate{}, nil
	}
	profiles, err := f.directory.Profiles(ctx, free)
	if err != nil {
		return nil, fmt.Errorf("load courier profiles: %w", err)
	}

	out := make([]Candidate, 0, len(free))
	for _, n := range nearby {
		if busy[n.ID] {
			continue
		}
		p := profiles[n.ID]
		out = append(out, Candidate{
			ID:             n.ID,
			FullName:       p.FullName,
			Mobile:         p.Mobile,
			Position:       n.Position,
			Handle:         n.Handle,
			Online:         n.Online,
			DistanceMeters: n.DistanceMeters,
		})
	}
	return out, nil
}
