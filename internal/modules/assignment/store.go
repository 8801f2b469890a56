// README: Assignment ledger store backed by PostgreSQL; acceptance is one conditional UPDATE.
package assignment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"courierdispatch/internal/types"
)

// Store is the persistence contract of the ledger. Accept must be atomic with
// respect to concurrent accepts of the same assignment and of the same courier.
type Store interface {
	Create(ctx context.Context, a *Assignment) error
	Get(ctx context.Context, id types.ID) (*Assignment, error)
	Accept(ctx context.Context, id, courierID types.ID, at time.Time) (*Assignment, error)
	Complete(ctx context.Context, orderID, lineID, courierID types.ID, at time.Time) (bool, error)
	PendingForCourier(ctx context.Context, courierID types.ID) ([]*Assignment, error)
	AcceptedForCourier(ctx context.Context, courierID types.ID) (*Assignment, error)
	BusyAmong(ctx context.Context, courierIDs []types.ID) ([]types.ID, error)
	ExpireBroadcasts(ctx context.Context, createdBefore, at time.Time) (int, error)
}

const (
	uniqueAcceptedPerCourier = "assignments_one_accepted_per_courier"
	uniqueOpenPerLine        = "assignments_one_open_per_line"
)

const selectColumns = `
	id, order_id, line_id, shop_id, candidates, assignee_id, status,
	created_at, accepted_at, completed_at, closed_at`

type PostgresStore struct {
	db *pgxpool.Pool
}

func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// Create supersedes an unaccepted broadcast for the same line and inserts a in
// one transaction.
func (s *PostgresStore) Create(ctx context.Context, a *Assignment) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			UPDATE assignments
			SET status = 'superseded', closed_at = $3
			WHERE order_id = $1 AND line_id = $2 AND status = 'broadcast'`,
			string(a.OrderID), string(a.LineID), a.CreatedAt,
		); err != nil {
			return fmt.Errorf("supersede previous broadcast: %w", err)
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO assignments (id, order_id, line_id, shop_id, candidates, status, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			string(a.ID), string(a.OrderID), string(a.LineID), string(a.ShopID),
			types.IDStrings(a.Candidates), string(a.Status), a.CreatedAt,
		)
		if violates(err, uniqueOpenPerLine) {
			return ErrLineAssigned
		}
		return err
	})
}

func (s *PostgresStore) Get(ctx context.Context, id types.ID) (*Assignment, error) {
	row := s.db.QueryRow(ctx, `SELECT `+selectColumns+` FROM assignments WHERE id = $1`, string(id))
	a, err := scanAssignment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return a, err
}

// Accept claims a broadcast for courierID. The partial unique index on
// (assignee_id) WHERE status = 'accepted' rejects a second accepted assignment
// for the same courier inside the same statement.
func (s *PostgresStore) Accept(ctx context.Context, id, courierID types.ID, at time.Time) (*Assignment, error) {
	row := s.db.QueryRow(ctx, `
		UPDATE assignments
		SET assignee_id = $2, status = 'accepted', accepted_at = $3
		WHERE id = $1 AND status = 'broadcast' AND $2 = ANY(candidates)
		RETURNING `+selectColumns,
		string(id), string(courierID), at,
	)
	a, err := scanAssignment(row)
	switch {
	case err == nil:
		return a, nil
	case violates(err, uniqueAcceptedPerCourier):
		return nil, ErrCourierBusy
	case errors.Is(err, pgx.ErrNoRows):
		return nil, s.explainRejectedAccept(ctx, id, courierID)
	default:
		return nil, err
	}
}

// explainRejectedAccept maps a zero-row accept onto the reason it was refused.
func (s *PostgresStore) explainRejectedAccept(ctx context.Context, id, courierID types.ID) error {
	a, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if !CanTransition(a.Status, StatusAccepted) {
		return ErrAlreadyResolved
	}
	if !a.HasCandidate(courierID) {
		return ErrNotCandidate
	}
	return ErrAlreadyResolved
}

func (s *PostgresStore) Complete(ctx context.Context, orderID, lineID, courierID types.ID, at time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE assignments
		SET status = 'completed', completed_at = $4, closed_at = $4
		WHERE order_id = $1 AND line_id = $2 AND assignee_id = $3 AND status = 'accepted'`,
		string(orderID), string(lineID), string(courierID), at,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) PendingForCourier(ctx context.Context, courierID types.ID) ([]*Assignment, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+selectColumns+`
		FROM assignments
		WHERE status = 'broadcast' AND $1 = ANY(candidates)
		ORDER BY created_at DESC`, string(courierID),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []*Assignment{}
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AcceptedForCourier(ctx context.Context, courierID types.ID) (*Assignment, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+selectColumns+`
		FROM assignments
		WHERE status = 'accepted' AND assignee_id = $1`, string(courierID),
	)
	a, err := scanAssignment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return a, err
}

func (s *PostgresStore) BusyAmong(ctx context.Context, courierIDs []types.ID) ([]types.ID, error) {
	if len(courierIDs) == 0 {
		return nil, nil
	}
	rows, err := s.db.Query(ctx, `
		SELECT assignee_id
		FROM assignments
		WHERE status = 'accepted' AND assignee_id = ANY($1)`, types.IDStrings(courierIDs),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var busy []types.ID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		busy = append(busy, types.ID(id))
	}
	return busy, rows.Err()
}

func (s *PostgresStore) ExpireBroadcasts(ctx context.Context, createdBefore, at time.Time) (int, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE assignments
		SET status = 'expired', closed_at = $2
		WHERE status = 'broadcast' AND created_at < $1`,
		createdBefore, at,
	)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) withTx(ctx context.Context, fn func(tx pgx.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return fmt.Errorf("rollback tx: %w (original error: %s)", rbErr, err.Error())
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func scanAssignment(row pgx.Row) (*Assignment, error) {
	var (
		a                                   Assignment
		id, orderID, lineID, shopID, status string
		candidates                          []string
		assignee                            *string
	)
	err := row.Scan(
		&id, &orderID, &lineID, &shopID, &candidates, &assignee, &status,
		&a.CreatedAt, &a.AcceptedAt, &a.CompletedAt, &a.ClosedAt,
	)
	if err != nil {
		return nil, err
	}
	a.ID = types.ID(id)
	a.OrderID = types.ID(orderID)
	a.LineID = types.ID(lineID)
	a.ShopID = types.ID(shopID)
	a.Candidates = types.ToIDs(candidates)
	a.Status = Status(status)
	if assignee != nil {
		v := types.ID(*assignee)
		a.AssigneeID = &v
	}
	return &a, nil
}

// violates reports a unique violation (SQLSTATE 23505) on the named constraint.
func violates(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == constraint
}
