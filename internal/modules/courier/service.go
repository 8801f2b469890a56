// README: Courier directory service; live position, reachability and proximity queries.
package courier

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"courierdispatch/internal/types"
)

type Directory struct {
	store    Store
	accounts Accounts
	now      func() time.Time
	log      logrus.FieldLogger
}

func NewDirectory(store Store, accounts Accounts, log logrus.FieldLogger) *Directory {
	return &Directory{store: store, accounts: accounts, now: time.Now, log: log}
}

type PositionUpdate struct {
	CourierID types.ID
	Position  types.Point
	// Handle is optional; when set it becomes the courier's reachability handle.
	Handle string
}

func (d *Directory) Register(ctx context.Context, p Profile) error {
	if p.ID == "" || p.FullName == "" {
		return ErrBadRequest
	}
	return d.accounts.Upsert(ctx, p)
}

// UpdatePosition records a heartbeat and marks the courier online.
func (d *Directory) UpdatePosition(ctx context.Context, u PositionUpdate) error {
	if u.CourierID == "" || !u.Position.Valid() {
		return ErrBadRequest
	}
	ok, err := d.accounts.Exists(ctx, u.CourierID)
	if err != nil {
		return fmt.Errorf("lookup courier account: %w", err)
	}
	if !ok {
		return ErrNotFound
	}
	if err := d.store.SetPosition(ctx, u.CourierID, u.Position, d.now()); err != nil {
		return fmt.Errorf("store position: %w", err)
	}
	if u.Handle != "" {
		if err := d.store.SetHandle(ctx, u.CourierID, u.Handle); err != nil {
			return fmt.Errorf("store handle: %w", err)
		}
	}
	return nil
}

// Connect records a live handle for any user (courier, shop owner or customer).
func (d *Directory) Connect(ctx context.Context, userID types.ID, handle string) error {
	if userID == "" || handle == "" {
		return ErrBadRequest
	}
	return d.store.SetHandle(ctx, userID, handle)
}

// MarkUnreachable clears the handle and flips the courier offline. Unknown
// handles and ids are ignored.
func (d *Directory) MarkUnreachable(ctx context.Context, handleOrID string) error {
	if handleOrID == "" {
		return ErrBadRequest
	}
	userID, err := d.store.ClearHandle(ctx, handleOrID)
	if err != nil {
		return fmt.Errorf("clear handle: %w", err)
	}
	if userID != "" {
		d.log.WithField("user_id", userID).Debug("marked unreachable")
	}
	return nil
}

// FindWithinRadius returns every courier within radiusMeters of center, nearest
// first, regardless of the online flag.
func (d *Directory) FindWithinRadius(ctx context.Context, center types.Point, radiusMeters float64) ([]Nearby, error) {
	if !center.Valid() || radiusMeters <= 0 {
		return nil, ErrBadRequest
	}
	return d.store.WithinRadius(ctx, center, radiusMeters)
}

func (d *Directory) HandleFor(ctx context.Context, userID types.ID) (string, bool, error) {
	h, err := d.store.Handle(ctx, userID)
	if err != nil {
		return "", false, err
	}
	return h, h != "", nil
}

func (d *Directory) Get(ctx context.Context, id types.ID) (*Courier, error) {
	return d.store.Get(ctx, id)
}

func (d *Directory) Profiles(ctx context.Context, ids []types.ID) (map[types.ID]Profile, error) {
	return d.accounts.Profiles(ctx, ids)
}
