/**
 * @description
 * This file provides the PostgreSQL implementation of the `OrderRepository` interface.
 * Status changes are compare-and-swap updates guarded by the order version and by the
 * lifecycle graph, so two concurrent writers can never both move the same order.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/transfa/settlement-service/internal/domain"
)

//go:embed schema.sql
var schemaSQL string

const (
	pgUniqueViolation            = "23505"
	idempotencyKeyConstraint     = "investment_orders_investor_idempotency_key"
	externalPaymentRefConstraint = "investment_orders_external_payment_ref_key"
)

const orderColumns = `id, investor_id, receivable_ref, idempotency_key, amount, currency, split_allocations,
	external_payment_ref, payable_payload, status, blockchain_anchor_ref, failure_reason,
	reconciliation_required, settlement_attempts, created_at, paid_at, settled_at, updated_at, version`

// PostgresRepository is a concrete implementation of the OrderRepository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (r *PostgresRepository) Migrate(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// CreateOrder inserts a new order. A second order with the same investor and
// idempotency key fails with ErrDuplicateOrder.
func (r *PostgresRepository) CreateOrder(ctx context.Context, order *domain.InvestmentOrder) (*domain.InvestmentOrder, error) {
	allocations, err := json.Marshal(order.SplitAllocations)
	if err != nil {
		return nil, fmt.Errorf("encode split allocations: %w", err)
	}
	id := order.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	status := order.Status
	if status == "" {
		status = domain.OrderStatusCreated
	}

	query := `
		INSERT INTO investment_orders (
			id, investor_id, receivable_ref, idempotency_key, amount, currency, split_allocations,
			external_payment_ref, payable_payload, status, version
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 1)
		RETURNING ` + orderColumns

	created, err := scanOrder(r.db.QueryRow(ctx, query,
		id,
		order.InvestorID,
		order.ReceivableRef,
		order.IdempotencyKey,
		order.Amount,
		order.Currency,
		allocations,
		order.ExternalPaymentRef,
		order.PayablePayload,
		string(status),
	))
	if err != nil {
		return nil, mapUniqueViolation(err)
	}
	return created, nil
}

func (r *PostgresRepository) GetOrderByID(ctx context.Context, id uuid.UUID) (*domain.InvestmentOrder, error) {
	order, err := scanOrder(r.db.QueryRow(ctx, `SELECT `+orderColumns+` FROM investment_orders WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	return order, nil
}

func (r *PostgresRepository) GetOrderByExternalRef(ctx context.Context, externalPaymentRef string) (*domain.InvestmentOrder, error) {
	order, err := scanOrder(r.db.QueryRow(ctx, `SELECT `+orderColumns+` FROM investment_orders WHERE external_payment_ref = $1`, externalPaymentRef))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	return order, nil
}

func (r *PostgresRepository) GetOrderByIdempotencyKey(ctx context.Context, investorID, idempotencyKey string) (*domain.InvestmentOrder, error) {
	query := `SELECT ` + orderColumns + ` FROM investment_orders WHERE investor_id = $1 AND idempotency_key = $2`
	order, err := scanOrder(r.db.QueryRow(ctx, query, investorID, idempotencyKey))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	return order, nil
}

// TransitionOrder performs the compare-and-swap status update. The WHERE clause
// pins both the version and the set of statuses allowed to precede newStatus, so
// the graph is enforced atomically with the version check.
func (r *PostgresRepository) TransitionOrder(ctx context.Context, id uuid.UUID, expectedVersion int64, newStatus domain.OrderStatus, fields TransitionFields) (*domain.InvestmentOrder, error) {
	if err := CheckTransitionFields(newStatus, fields); err != nil {
		return nil, err
	}
	predecessors := statusStrings(domain.Predecessors(newStatus))
	if len(predecessors) == 0 {
		return nil, fmt.Errorf("%w: %s cannot be entered", ErrInvalidTransition, newStatus)
	}

	query := `
		UPDATE investment_orders
		SET
			status = $3,
			version = version + 1,
			updated_at = NOW(),
			external_payment_ref = COALESCE(external_payment_ref, $4),
			payable_payload = COALESCE($5, payable_payload),
			blockchain_anchor_ref = COALESCE($6, blockchain_anchor_ref),
			failure_reason = COALESCE($7, failure_reason),
			reconciliation_required = COALESCE($8, reconciliation_required),
			settlement_attempts = COALESCE($9, settlement_attempts),
			paid_at = COALESCE(paid_at, $10),
			settled_at = COALESCE(settled_at, $11)
		WHERE id = $1 AND version = $2 AND status = ANY($12::text[])
		RETURNING ` + orderColumns

	updated, err := scanOrder(r.db.QueryRow(ctx, query,
		id,
		expectedVersion,
		string(newStatus),
		fields.ExternalPaymentRef,
		fields.PayablePayload,
		fields.BlockchainAnchorRef,
		fields.FailureReason,
		fields.ReconciliationRequired,
		fields.SettlementAttempts,
		fields.PaidAt,
		fields.SettledAt,
		predecessors,
	))
	if err == nil {
		return updated, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, mapUniqueViolation(err)
	}
	return nil, r.diagnoseMissedUpdate(ctx, id, expectedVersion, newStatus)
}

// FlagForReconciliation sets the manual review flag without touching status. The reason
// is appended to any stored failure reason.
func (r *PostgresRepository) FlagForReconciliation(ctx context.Context, id uuid.UUID, expectedVersion int64, reason string) (*domain.InvestmentOrder, error) {
	query := `
		UPDATE investment_orders
		SET reconciliation_required = TRUE,
			failure_reason = CASE
				WHEN failure_reason IS NULL OR failure_reason = '' THEN $3
				ELSE failure_reason || '; ' || $3
			END,
			version = version + 1,
			updated_at = NOW()
		WHERE id = $1 AND version = $2
		RETURNING ` + orderColumns

	updated, err := scanOrder(r.db.QueryRow(ctx, query, id, expectedVersion, reason))
	if err == nil {
		return updated, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	return nil, r.diagnoseMissedUpdate(ctx, id, expectedVersion, "")
}

// diagnoseMissedUpdate explains why a guarded UPDATE matched no row.
func (r *PostgresRepository) diagnoseMissedUpdate(ctx context.Context, id uuid.UUID, expectedVersion int64, newStatus domain.OrderStatus) error {
	var (
		status  string
		version int64
	)
	err := r.db.QueryRow(ctx, `SELECT status, version FROM investment_orders WHERE id = $1`, id).Scan(&status, &version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrOrderNotFound
		}
		return err
	}
	if version != expectedVersion {
		return ErrVersionConflict
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, status, newStatus)
}

func (r *PostgresRepository) ListOrdersByInvestor(ctx context.Context, investorID string, opts domain.ListOptions) ([]domain.InvestmentOrder, error) {
	opts = opts.Normalize()
	query := `
		SELECT ` + orderColumns + `
		FROM investment_orders
		WHERE investor_id = $1 AND ($2::text IS NULL OR status = $2)
		ORDER BY created_at DESC, id
		LIMIT $3 OFFSET $4`
	rows, err := r.db.Query(ctx, query, investorID, statusFilter(opts.Status), opts.Limit, opts.Offset)
	if err != nil {
		return nil, err
	}
	return collectOrders(rows)
}

// ListStalePendingOrders returns orders still waiting for payment that were created before cutoff.
func (r *PostgresRepository) ListStalePendingOrders(ctx context.Context, createdBefore time.Time, limit int) ([]domain.InvestmentOrder, error) {
	query := `
		SELECT ` + orderColumns + `
		FROM investment_orders
		WHERE status IN ('CREATED', 'PENDING_PAYMENT') AND created_at < $1
		ORDER BY created_at ASC
		LIMIT $2`
	rows, err := r.db.Query(ctx, query, createdBefore, limit)
	if err != nil {
		return nil, err
	}
	return collectOrders(rows)
}

// ListOrdersForSettlementRecovery returns PAID/SETTLING orders untouched since cutoff.
func (r *PostgresRepository) ListOrdersForSettlementRecovery(ctx context.Context, updatedBefore time.Time, limit int) ([]domain.InvestmentOrder, error) {
	query := `
		SELECT ` + orderColumns + `
		FROM investment_orders
		WHERE status IN ('PAID', 'SETTLING') AND updated_at < $1
		ORDER BY created_at ASC
		LIMIT $2`
	rows, err := r.db.Query(ctx, query, updatedBefore, limit)
	if err != nil {
		return nil, err
	}
	return collectOrders(rows)
}

func (r *PostgresRepository) ListReconciliationOrders(ctx context.Context, opts domain.ListOptions) ([]domain.InvestmentOrder, error) {
	opts = opts.Normalize()
	query := `
		SELECT ` + orderColumns + `
		FROM investment_orders
		WHERE reconciliation_required AND ($1::text IS NULL OR status = $1)
		ORDER BY created_at DESC, id
		LIMIT $2 OFFSET $3`
	rows, err := r.db.Query(ctx, query, statusFilter(opts.Status), opts.Limit, opts.Offset)
	if err != nil {
		return nil, err
	}
	return collectOrders(rows)
}

func collectOrders(rows pgx.Rows) ([]domain.InvestmentOrder, error) {
	defer rows.Close()
	orders := make([]domain.InvestmentOrder, 0)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *order)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return orders, nil
}

func scanOrder(row pgx.Row) (*domain.InvestmentOrder, error) {
	var (
		order       domain.InvestmentOrder
		status      string
		allocations []byte
	)
	err := row.Scan(
		&order.ID,
		&order.InvestorID,
		&order.ReceivableRef,
		&order.IdempotencyKey,
		&order.Amount,
		&order.Currency,
		&allocations,
		&order.ExternalPaymentRef,
		&order.PayablePayload,
		&status,
		&order.BlockchainAnchorRef,
		&order.FailureReason,
		&order.ReconciliationRequired,
		&order.SettlementAttempts,
		&order.CreatedAt,
		&order.PaidAt,
		&order.SettledAt,
		&order.UpdatedAt,
		&order.Version,
	)
	if err != nil {
		return nil, err
	}
	order.Status = domain.OrderStatus(status)
	if len(allocations) > 0 {
		if err := json.Unmarshal(allocations, &order.SplitAllocations); err != nil {
			return nil, fmt.Errorf("decode split allocations for order %s: %w", order.ID, err)
		}
	}
	return &order, nil
}

func mapUniqueViolation(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != pgUniqueViolation {
		return err
	}
	switch pgErr.ConstraintName {
	case idempotencyKeyConstraint:
		return ErrDuplicateOrder
	case externalPaymentRefConstraint:
		return ErrDuplicateExternalRef
	}
	return err
}

func statusStrings(statuses []domain.OrderStatus) []string {
	out := make([]string, len(statuses))
	for i, status := range statuses {
		out[i] = string(status)
	}
	return out
}

func statusFilter(status *domain.OrderStatus) *string {
	if status == nil {
		return nil
	}
	value := string(*status)
	return &value
}
