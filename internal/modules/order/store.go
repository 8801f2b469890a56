// README: Order store backed by PostgreSQL; line status changes use optimistic versioning.
package order

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"courierdispatch/internal/types"
)

type Store interface {
	Create(ctx context.Context, o *Order) error
	Get(ctx context.Context, id types.ID) (*Order, error)
	MarkPaid(ctx context.Context, id types.ID) (bool, error)
	LinkAssignment(ctx context.Context, orderID, lineID, assignmentID types.ID, prev *types.ID) (bool, error)
	SetAssignee(ctx context.Context, orderID, lineID, courierID types.ID, at time.Time) error
	UpdateLineStatus(ctx context.Context, orderID, lineID types.ID, from, to LineStatus, version int, at time.Time) (bool, error)
	AppendEvent(ctx context.Context, e *Event) error
	DeliveredSince(ctx context.Context, courierID types.ID, since time.Time) ([]time.Time, error)
}

type PostgresStore struct {
	db *pgxpool.Pool
}

func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Create(ctx context.Context, o *Order) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO orders (
			id, customer_id, payment_method, payment_verified,
			delivery_lat, delivery_lng, delivery_address, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)`,
		string(o.ID),
		string(o.CustomerID),
		string(o.PaymentMethod),
		o.Paid,
		o.Address.Point.Lat, o.Address.Point.Lng,
		o.Address.Text,
		o.CreatedAt,
	)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return err
	}

	for i, l := range o.Lines {
		items, err := json.Marshal(l.Items)
		if err != nil {
			return fmt.Errorf("encode items: %w", err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO order_lines (
				order_id, line_id, seq, shop_id, shop_name, owner_id,
				pickup_lat, pickup_lng, pickup_address,
				items, subtotal_amount, currency, status, status_version, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
			string(o.ID), string(l.ID), i, string(l.ShopID), l.ShopName, string(l.OwnerID),
			l.Pickup.Point.Lat, l.Pickup.Point.Lng, l.Pickup.Text,
			string(items), l.Subtotal.Amount, l.Subtotal.Currency,
			string(l.Status), l.StatusVersion, o.CreatedAt,
		)
		if isUniqueViolation(err) {
			return ErrBadRequest
		}
		if err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) Get(ctx context.Context, id types.ID) (*Order, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, customer_id, payment_method, payment_verified,
		       delivery_lat, delivery_lng, delivery_address, created_at
		FROM orders
		WHERE id = $1`, string(id),
	)

	var o Order
	var orderID, customerID, method string
	err := row.Scan(
		&orderID, &customerID, &method, &o.Paid,
		&o.Address.Point.Lat, &o.Address.Point.Lng, &o.Address.Text, &o.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	o.ID = types.ID(orderID)
	o.CustomerID = types.ID(customerID)
	o.PaymentMethod = PaymentMethod(method)

	rows, err := s.db.Query(ctx, `
		SELECT line_id, shop_id, shop_name, owner_id,
		       pickup_lat, pickup_lng, pickup_address,
		       items, subtotal_amount, currency, status, status_version,
		       assignment_id, assignee_id, delivered_at, updated_at
		FROM order_lines
		WHERE order_id = $1
		ORDER BY seq`, string(id),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			l                              Line
			lineID, shopID, ownerID, state string
			items                          []byte
			assignmentID, assigneeID       *string
		)
		if err := rows.Scan(
			&lineID, &shopID, &l.ShopName, &ownerID,
			&l.Pickup.Point.Lat, &l.Pickup.Point.Lng, &l.Pickup.Text,
			&items, &l.Subtotal.Amount, &l.Subtotal.Currency, &state, &l.StatusVersion,
			&assignmentID, &assigneeID, &l.DeliveredAt, &l.UpdatedAt,
		); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(items, &l.Items); err != nil {
			return nil, fmt.Errorf("decode items of line %s: %w", lineID, err)
		}
		l.ID = types.ID(lineID)
		l.ShopID = types.ID(shopID)
		l.OwnerID = types.ID(ownerID)
		l.Status = LineStatus(state)
		l.AssignmentID = toIDPtr(assignmentID)
		l.AssigneeID = toIDPtr(assigneeID)
		o.Lines = append(o.Lines, l)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &o, nil
}

// MarkPaid reports whether the flag flipped; a second call returns false.
func (s *PostgresStore) MarkPaid(ctx context.Context, id types.ID) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE orders
		SET payment_verified = TRUE, updated_at = NOW()
		WHERE id = $1 AND NOT payment_verified`, string(id),
	)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (s *PostgresStore) LinkAssignment(ctx context.Context, orderID, lineID, assignmentID types.ID, prev *types.ID) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE order_lines
		SET assignment_id = $3, updated_at = NOW()
		WHERE order_id = $1 AND line_id = $2 AND assignment_id IS NOT DISTINCT FROM $4::text`,
		string(orderID), string(lineID), string(assignmentID), toStringPtr(prev),
	)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	var exists bool
	if err := s.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM order_lines WHERE order_id = $1 AND line_id = $2)`,
		string(orderID), string(lineID),
	).Scan(&exists); err != nil {
		return false, err
	}
	if !exists {
		return false, ErrNotFound
	}
	return false, nil
}

func (s *PostgresStore) SetAssignee(ctx context.Context, orderID, lineID, courierID types.ID, at time.Time) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE order_lines
		SET assignee_id = $3, updated_at = $4
		WHERE order_id = $1 AND line_id = $2`,
		string(orderID), string(lineID), string(courierID), at,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) UpdateLineStatus(ctx context.Context, orderID, lineID types.ID, from, to LineStatus, version int, at time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE order_lines
		SET status = $3,
		    status_version = status_version + 1,
		    delivered_at = CASE WHEN $3 = 'delivered' THEN $6 ELSE delivered_at END,
		    updated_at = $6
		WHERE order_id = $1 AND line_id = $2 AND status = $4 AND status_version = $5`,
		string(orderID), string(lineID), string(to), string(from), version, at,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) AppendEvent(ctx context.Context, e *Event) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO order_line_events (
			order_id, line_id, from_status, to_status, actor_type, actor_id, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		string(e.OrderID),
		string(e.LineID),
		string(e.FromStatus),
		string(e.ToStatus),
		e.ActorType,
		toStringPtr(e.ActorID),
		e.CreatedAt,
	)
	return err
}

func (s *PostgresStore) DeliveredSince(ctx context.Context, courierID types.ID, since time.Time) ([]time.Time, error) {
	rows, err := s.db.Query(ctx, `
		SELECT delivered_at
		FROM order_lines
		WHERE status = 'delivered' AND assignee_id = $1 AND delivered_at >= $2
		ORDER BY delivered_at`,
		string(courierID), since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []time.Time
	for rows.Next() {
		var at time.Time
		if err := rows.Scan(&at); err != nil {
			return nil, err
		}
		out = append(out, at)
	}
	return out, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func toStringPtr(v *types.ID) *string {
	if v == nil {
		return nil
	}
	s := string(*v)
	return &s
}

func toIDPtr(v *string) *types.ID {
	if v == nil {
		return nil
	}
	id := types.ID(*v)
	return &id
}
