// README: Courier account store (profile mirror) backed by PostgreSQL, plus an in-memory variant.
package courier

import (
	"context"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"

	"courierdispatch/internal/types"
)

// Accounts answers whether a courier identity exists and supplies display attributes.
type Accounts interface {
	Upsert(ctx context.Context, p Profile) error
	Exists(ctx context.Context, id types.ID) (bool, error)
	Profiles(ctx context.Context, ids []types.ID) (map[types.ID]Profile, error)
}

type PostgresAccounts struct {
	db *pgxpool.Pool
}

func NewPostgresAccounts(db *pgxpool.Pool) *PostgresAccounts {
	return &PostgresAccounts{db: db}
}

func (a *PostgresAccounts) Upsert(ctx context.Context, p Profile) error {
	_, err := a.db.Exec(ctx, `
		INSERT INTO couriers (id, full_name, mobile, created_at, updated_at)
		VALUES ($1, $2, $3, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE
		SET full_name = EXCLUDED.full_name,
		    mobile = EXCLUDED.mobile,
		    updated_at = NOW()`,
		string(p.ID), p.FullName, p.Mobile,
	)
	return err
}

func (a *PostgresAccounts) Exists(ctx context.Context, id types.ID) (bool, error) {
	var exists bool
	err := a.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM couriers WHERE id = $1)`, string(id)).Scan(&exists)
	return exists, err
}

func (a *PostgresAccounts) Profiles(ctx context.Context, ids []types.ID) (map[types.ID]Profile, error) {
	out := make(map[types.ID]Profile, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := a.db.Query(ctx, `
		SELECT id, full_name, mobile
		FROM couriers
		WHERE id = ANY($1)`, types.IDStrings(ids),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var p Profile
		if err := rows.Scan(&id, &p.FullName, &p.Mobile); err != nil {
			return nil, err
		}
		p.ID = types.ID(id)
		out[p.ID] = p
	}
	return out, rows.Err()
}

type MemoryAccounts struct {
	mu       sync.RWMutex
	profiles map[types.ID]Profile
}

func NewMemoryAccounts() *MemoryAccounts {
	return &MemoryAccounts{profiles: make(map[types.ID]Profile)}
}

func (a *MemoryAccounts) Upsert(_ context.Context, p Profile) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.profiles[p.ID] = p
	return nil
}

func (a *MemoryAccounts) Exists(_ context.Context, id types.ID) (bool, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.profiles[id]
	return ok, nil
}

func (a *MemoryAccounts) Profiles(_ context.Context, ids []types.ID) (map[types.ID]Profile, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[types.ID]Profile, len(ids))
	for _, id := range ids {
		if p, ok := a.profiles[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}
