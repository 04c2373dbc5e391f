package order

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/types"
	"github.com/rs/zerolog/log"
)

var (
	ErrOrderNotFound = errors.New("order not found")
	// ErrStateConflict is returned when a conditional update matched no row.
	ErrStateConflict = errors.New("order state changed concurrently")
)

type Repository interface {
	// CreateIfAbsent inserts o unless an order with the same order_sn exists, in which case
	// the stored row is returned and created is false.
	CreateIfAbsent(ctx context.Context, o *Order) (stored *Order, created bool, err error)
	GetBySN(ctx context.Context, orderSN string) (*Order, error)
	// AssignCode stores code on a paid order that has none and returns the code the order
	// carries afterwards; an existing code is never replaced.
	AssignCode(ctx context.Context, orderSN, code string) (string, error)
	// ListAwaitingShipment returns paid orders that already carry a code.
	ListAwaitingShipment(ctx context.Context, limit int) ([]Order, error)
	// MarkShipped moves a paid order to shipped and stores the delivery payload and code.
	MarkShipped(ctx context.Context, orderSN, code string, delivery types.JSONText, at time.Time) error
	// CompleteRedemption finishes a shipped, unverified order and appends the success record
	// in one transaction.
	CompleteRedemption(ctx context.Context, orderSN string, rec *VerificationRecord) error
	AppendRecord(ctx context.Context, rec *VerificationRecord) error
	ListUnverified(ctx context.Context, limit int) ([]Order, error)
	List(ctx context.Context, filter ListFilter) (Page[Order], error)
	ListRecords(ctx context.Context, filter RecordFilter) (Page[VerificationRecord], error)
	Stats(ctx context.Context) (Stats, error)
}

const orderColumns = `id, order_sn, buyer_id, buyer_name, amount, status, pay_time, shipped_at,
	received_at, finished_at, goods_info, delivery_info, verification_code, verified, verified_at,
	created_at, updated_at`

const recordColumns = `id, order_sn, verification_code, success, result, method, verified_at, created_at`

const (
	insertOrderQuery = `
		INSERT INTO orders (order_sn, buyer_id, buyer_name, amount, status, pay_time, goods_info,
			verified, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (order_sn) DO NOTHING
		RETURNING id`

	selectOrderBySNQuery = `SELECT ` + orderColumns + ` FROM orders WHERE order_sn = ?`

	assignCodeQuery = `
		UPDATE orders
		SET verification_code = COALESCE(verification_code, ?), updated_at = ?
		WHERE order_sn = ? AND status = ?`

	selectCodeQuery = `SELECT verification_code FROM orders WHERE order_sn = ?`

	selectAwaitingShipmentQuery = `
		SELECT ` + orderColumns + ` FROM orders
		WHERE status = ? AND verification_code IS NOT NULL
		ORDER BY id
		LIMIT ?`

	markShippedQuery = `
		UPDATE orders
		SET status = ?, shipped_at = ?, delivery_info = ?,
			verification_code = COALESCE(verification_code, ?), updated_at = ?
		WHERE order_sn = ? AND status = ?`

	completeRedemptionQuery = `
		UPDATE orders
		SET status = ?, verified = ?, verified_at = ?, finished_at = ?, updated_at = ?
		WHERE order_sn = ? AND status = ? AND verified = ?`

	insertRecordQuery = `
		INSERT INTO verification_records (order_sn, verification_code, success, result, method,
			verified_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		RETURNING id`

	selectUnverifiedQuery = `
		SELECT ` + orderColumns + ` FROM orders
		WHERE status = ? AND verified = ?
		ORDER BY shipped_at, id
		LIMIT ?`

	orderStatsQuery = `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = ? AND verified = ? THEN 1 ELSE 0 END), 0)
		FROM orders`

	recordStatsQuery = `
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN success = ? THEN 1 ELSE 0 END), 0)
		FROM verification_records`
)

type sqlRepository struct {
	db *sqlx.DB
}

// NewRepository returns a Repository over db. Queries are written with '?' placeholders and
// rebound for the driver, so the same code serves postgres and sqlite.
func NewRepository(db *sqlx.DB) Repository {
	return &sqlRepository{db: db}
}

func (r *sqlRepository) CreateIfAbsent(ctx context.Context, o *Order) (*Order, bool, error) {
	now := time.Now().UTC()
	goods := o.GoodsInfo
	if len(goods) == 0 {
		goods = types.JSONText("[]")
	}

	var id int64
	err := r.db.QueryRowxContext(ctx, r.db.Rebind(insertOrderQuery),
		o.OrderSN,
		o.BuyerID,
		o.BuyerName,
		o.Amount,
		int(o.Status),
		o.PayTime,
		goods,
		false,
		now,
		now,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		existing, getErr := r.GetBySN(ctx, o.OrderSN)
		if getErr != nil {
			return nil, false, getErr
		}
		log.Debug().Str("order_sn", o.OrderSN).Msg("repository: order already stored")
		return existing, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("repository: failed to insert order %s: %w", o.OrderSN, err)
	}

	stored := *o
	stored.ID = id
	stored.GoodsInfo = goods
	stored.CreatedAt = now
	stored.UpdatedAt = now
	return &stored, true, nil
}

func (r *sqlRepository) GetBySN(ctx context.Context, orderSN string) (*Order, error) {
	var o Order
	err := r.db.GetContext(ctx, &o, r.db.Rebind(selectOrderBySNQuery), orderSN)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("repository: failed to select order %s: %w", orderSN, err)
	}
	return &o, nil
}

func (r *sqlRepository) AssignCode(ctx context.Context, orderSN, code string) (string, error) {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(assignCodeQuery), code, time.Now().UTC(), orderSN, int(StatusPaid))
	if err != nil {
		return "", fmt.Errorf("repository: failed to assign code to %s: %w", orderSN, err)
	}
	if err := conditionalResult(res, orderSN, "assign code"); err != nil {
		return "", err
	}

	var stored sql.NullString
	if err := r.db.GetContext(ctx, &stored, r.db.Rebind(selectCodeQuery), orderSN); err != nil {
		return "", fmt.Errorf("repository: failed to read code of %s: %w", orderSN, err)
	}
	return stored.String, nil
}

func (r *sqlRepository) ListAwaitingShipment(ctx context.Context, limit int) ([]Order, error) {
	if limit <= 0 {
		limit = 100
	}
	orders := make([]Order, 0)
	err := r.db.SelectContext(ctx, &orders, r.db.Rebind(selectAwaitingShipmentQuery), int(StatusPaid), limit)
	if err != nil {
		return nil, fmt.Errorf("repository: failed to list orders awaiting shipment: %w", err)
	}
	return orders, nil
}

func (r *sqlRepository) MarkShipped(ctx context.Context, orderSN, code string, delivery types.JSONText, at time.Time) error {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(markShippedQuery),
		int(StatusShipped),
		at.UTC(),
		delivery,
		code,
		time.Now().UTC(),
		orderSN,
		int(StatusPaid),
	)
	if err != nil {
		return fmt.Errorf("repository: failed to mark order %s shipped: %w", orderSN, err)
	}
	return conditionalResult(res, orderSN, "mark shipped")
}

func (r *sqlRepository) CompleteRedemption(ctx context.Context, orderSN string, rec *VerificationRecord) (err error) {
	tx, beginErr := r.db.BeginTxx(ctx, nil)
	if beginErr != nil {
		return fmt.Errorf("repository: failed to begin transaction: %w", beginErr)
	}
	defer func() {
		if p := recover(); p != nil {
			log.Error().Interface("panic_value", p).Str("order_sn", orderSN).Msg("repository: panic recovered during CompleteRedemption, rolling back")
			if rbErr := tx.Rollback(); rbErr != nil {
				log.Error().Err(rbErr).Str("order_sn", orderSN).Msg("repository: failed to rollback transaction after panic")
			}
			panic(p)
		} else if err != nil {
			log.Warn().Err(err).Str("order_sn", orderSN).Msg("repository: CompleteRedemption failed, rolling back")
			if rbErr := tx.Rollback(); rbErr != nil {
				log.Error().Err(rbErr).Str("order_sn", orderSN).Msg("repository: failed to rollback transaction")
			}
		} else if commitErr := tx.Commit(); commitErr != nil {
			log.Error().Err(commitErr).Str("order_sn", orderSN).Msg("repository: failed to commit transaction")
			err = fmt.Errorf("repository: failed to commit transaction: %w", commitErr)
		}
	}()

	at := time.Now().UTC()
	if rec.VerifiedAt != nil {
		at = rec.VerifiedAt.UTC()
	}

	res, err := tx.ExecContext(ctx, tx.Rebind(completeRedemptionQuery),
		int(StatusFinished),
		true,
		at,
		at,
		time.Now().UTC(),
		orderSN,
		int(StatusShipped),
		false,
	)
	if err != nil {
		return fmt.Errorf("repository: failed to complete redemption of %s: %w", orderSN, err)
	}
	if err = conditionalResult(res, orderSN, "complete redemption"); err != nil {
		return err
	}

	rec.OrderSN = orderSN
	rec.Success = true
	rec.VerifiedAt = &at
	return insertRecord(ctx, tx, rec)
}

func (r *sqlRepository) AppendRecord(ctx context.Context, rec *VerificationRecord) error {
	return insertRecord(ctx, r.db, rec)
}

type queryRower interface {
	QueryRowxContext(ctx context.Context, query string, args ...any) *sqlx.Row
	Rebind(query string) string
}

func insertRecord(ctx context.Context, q queryRower, rec *VerificationRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	err := q.QueryRowxContext(ctx, q.Rebind(insertRecordQuery),
		rec.OrderSN,
		rec.VerificationCode,
		rec.Success,
		rec.Result,
		string(rec.Method),
		rec.VerifiedAt,
		rec.CreatedAt,
	).Scan(&rec.ID)
	if err != nil {
		return fmt.Errorf("repository: failed to insert verification record for %s: %w", rec.OrderSN, err)
	}
	return nil
}

func (r *sqlRepository) ListUnverified(ctx context.Context, limit int) ([]Order, error) {
	if limit <= 0 {
		limit = 500
	}
	orders := make([]Order, 0)
	err := r.db.SelectContext(ctx, &orders, r.db.Rebind(selectUnverifiedQuery), int(StatusShipped), false, limit)
	if err != nil {
		return nil, fmt.Errorf("repository: failed to list unverified orders: %w", err)
	}
	return orders, nil
}

func (r *sqlRepository) List(ctx context.Context, filter ListFilter) (Page[Order], error) {
	page, size := normalizePage(filter.Page, filter.PageSize)
	out := Page[Order]{Items: make([]Order, 0), Page: page, PageSize: size}

	where := ""
	var args []any
	if filter.Status != nil {
		where = " WHERE status = ?"
		args = append(args, int(*filter.Status))
	}

	if err := r.db.GetContext(ctx, &out.Total, r.db.Rebind("SELECT COUNT(*) FROM orders"+where), args...); err != nil {
		return out, fmt.Errorf("repository: failed to count orders: %w", err)
	}

	query := "SELECT " + orderColumns + " FROM orders" + where + " ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, size, (page-1)*size)
	if err := r.db.SelectContext(ctx, &out.Items, r.db.Rebind(query), args...); err != nil {
		return out, fmt.Errorf("repository: failed to list orders: %w", err)
	}
	return out, nil
}

func (r *sqlRepository) ListRecords(ctx context.Context, filter RecordFilter) (Page[VerificationRecord], error) {
	page, size := normalizePage(filter.Page, filter.PageSize)
	out := Page[VerificationRecord]{Items: make([]VerificationRecord, 0), Page: page, PageSize: size}

	var conds []string
	var args []any
	if filter.OrderSN != "" {
		conds = append(conds, "order_sn = ?")
		args = append(args, filter.OrderSN)
	}
	if filter.From != nil {
		conds = append(conds, "created_at >= ?")
		args = append(args, filter.From.UTC())
	}
	if filter.To != nil {
		conds = append(conds, "created_at <= ?")
		args = append(args, filter.To.UTC())
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	if err := r.db.GetContext(ctx, &out.Total, r.db.Rebind("SELECT COUNT(*) FROM verification_records"+where), args...); err != nil {
		return out, fmt.Errorf("repository: failed to count verification records: %w", err)
	}

	query := "SELECT " + recordColumns + " FROM verification_records" + where + " ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, size, (page-1)*size)
	if err := r.db.SelectContext(ctx, &out.Items, r.db.Rebind(query), args...); err != nil {
		return out, fmt.Errorf("repository: failed to list verification records: %w", err)
	}
	return out, nil
}

func (r *sqlRepository) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := r.db.QueryRowxContext(ctx, r.db.Rebind(orderStatsQuery),
		int(StatusPaid), int(StatusShipped), int(StatusFinished), int(StatusShipped), false,
	).Scan(&s.TotalOrders, &s.PendingOrders, &s.ShippedOrders, &s.FinishedOrders, &s.VerifiableOrders)
	if err != nil {
		return s, fmt.Errorf("repository: failed to compute order stats: %w", err)
	}

	err = r.db.QueryRowxContext(ctx, r.db.Rebind(recordStatsQuery), true).
		Scan(&s.TotalVerifications, &s.SuccessfulVerifications)
	if err != nil {
		return s, fmt.Errorf("repository: failed to compute verification stats: %w", err)
	}
	return s, nil
}

func conditionalResult(res sql.Result, orderSN, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("repository: failed to read rows affected for %s: %w", orderSN, err)
	}
	if n == 0 {
		log.Warn().Str("order_sn", orderSN).Str("op", op).Msg("repository: conditional update matched no row")
		return ErrStateConflict
	}
	return nil
}
