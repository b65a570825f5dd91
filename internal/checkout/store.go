package checkout

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dunghkt213/click2buy-sub000/internal/domain"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/lib/pq"
)

var (
	ErrSessionNotFound  = errors.New("checkout session not found")
	ErrDuplicateSession = errors.New("checkout session already exists")
)

// Session is the persisted state of one checkout attempt, keyed by order
// code. The order code doubles as the idempotency key for the whole attempt.
type Session struct {
	OrderCode     string
	UserID        string
	PaymentMethod string
	Status        domain.CheckoutStatus
	Address       string
	Note          string
	Total         int64
	DeadlineAt    time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// OutboxEvent is one row of the transactional outbox. Events are written in
// the same transaction as the session and published by the outbox poller.
type OutboxEvent struct {
	ID          int64
	AggregateID string
	EventType   string
	Payload     []byte
	CreatedAt   time.Time
}

// Resolution reports what ResolveOutcome did. Applied is false when the
// outcome was already resolved, which is how duplicate deliveries become
// no-ops.
type Resolution struct {
	Applied       bool
	UserID        string
	Finalized     bool
	SessionStatus domain.CheckoutStatus
}

// PendingClear is an accepted seller outcome whose cart has not been cleared
// yet. The recovery tick drains these, so a crash or cart-store outage
// between resolving an outcome and clearing the cart heals itself.
type PendingClear struct {
	OrderCode string
	SellerID  string
	UserID    string
}

type Credentials struct {
	Host              string
	Port              int
	User              string
	Password          string
	DBName            string
	MigrationsDirPath string
}

type Store struct {
	db *sql.DB
}

func NewStore(cred *Credentials) (*Store, error) {
	psqlconn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		cred.Host,
		cred.Port,
		cred.User,
		cred.Password,
		cred.DBName)

	db, err := sql.Open("postgres", psqlconn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if e2 := db.Ping(); e2 != nil {
		return nil, fmt.Errorf("failed to ping database: %w", e2)
	}

	db.SetMaxOpenConns(100)
	db.SetMaxIdleConns(10)
	return &Store{db: db}, nil
}

func (s *Store) RunMigrations(cred *Credentials) error {
	driver, err := postgres.WithInstance(s.db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("could not create migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(
		fmt.Sprintf("file://%s", cred.MigrationsDirPath),
		"postgres",
		driver,
	)
	if err != nil {
		return fmt.Errorf("could not create migrate instance: %w", err)
	}

	if e2 := m.Up(); e2 != nil && !errors.Is(e2, migrate.ErrNoChange) {
		return fmt.Errorf("could not run migrations: %w", e2)
	}

	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// CreateSession writes the session, its per-seller outcomes and the order
// dispatch events in one transaction, so a crash can never dispatch orders
// for a session that was not recorded (or vice versa).
func (s *Store) CreateSession(ctx context.Context, session *Session, outcomes []domain.SellerOrderOutcome, events []OutboxEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO checkout_sessions (order_code, user_id, payment_method, status, address, note, total, deadline_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		session.OrderCode, session.UserID, session.PaymentMethod, string(session.Status),
		session.Address, session.Note, session.Total, session.DeadlineAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return ErrDuplicateSession
		}
		return fmt.Errorf("failed to insert checkout session: %w", err)
	}

	for _, outcome := range outcomes {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO seller_outcomes (order_code, seller_id, status, total)
			VALUES ($1, $2, $3, $4)`,
			session.OrderCode, outcome.SellerID, string(outcome.Status), outcome.Total)
		if err != nil {
			return fmt.Errorf("failed to insert seller outcome: %w", err)
		}
	}

	for _, event := range events {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO checkout_outbox (aggregate_id, event_type, payload)
			VALUES ($1, $2, $3)`,
			event.AggregateID, event.EventType, event.Payload)
		if err != nil {
			return fmt.Errorf("failed to insert outbox event: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit checkout session: %w", err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, orderCode string) (*Session, []domain.SellerOrderOutcome, error) {
	var session Session
	var status string
	err := s.db.QueryRowContext(ctx, `
		SELECT order_code, user_id, payment_method, status, address, note, total, deadline_at, created_at, updated_at
		FROM checkout_sessions WHERE order_code = $1`, orderCode).
		Scan(&session.OrderCode, &session.UserID, &session.PaymentMethod, &status,
			&session.Address, &session.Note, &session.Total,
			&session.DeadlineAt, &session.CreatedAt, &session.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, ErrSessionNotFound
		}
		return nil, nil, fmt.Errorf("failed to get checkout session: %w", err)
	}
	session.Status = domain.CheckoutStatus(status)

	outcomes, err := s.listOutcomes(ctx, orderCode)
	if err != nil {
		return nil, nil, err
	}
	return &session, outcomes, nil
}

func (s *Store) listOutcomes(ctx context.Context, orderCode string) ([]domain.SellerOrderOutcome, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seller_id, status, COALESCE(order_id, ''), total, updated_at
		FROM seller_outcomes WHERE order_code = $1 ORDER BY seller_id`, orderCode)
	if err != nil {
		return nil, fmt.Errorf("failed to list seller outcomes: %w", err)
	}
	defer rows.Close()

	var outcomes []domain.SellerOrderOutcome
	for rows.Next() {
		var o domain.SellerOrderOutcome
		var status string
		if err := rows.Scan(&o.SellerID, &status, &o.OrderID, &o.Total, &o.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan seller outcome: %w", err)
		}
		o.Status = domain.OutcomeStatus(status)
		outcomes = append(outcomes, o)
	}
	return outcomes, rows.Err()
}

// ResolveOutcome flips one seller's outcome from PENDING exactly once.
// Duplicate or stale order.outcome events match zero rows and resolve to a
// no-op rather than an error.
func (s *Store) ResolveOutcome(ctx context.Context, orderCode, sellerID string, status domain.OutcomeStatus, orderID string) (*Resolution, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE seller_outcomes
		SET status = $3, order_id = NULLIF($4, ''), updated_at = now()
		WHERE order_code = $1 AND seller_id = $2 AND status = $5`,
		orderCode, sellerID, string(status), orderID, string(domain.OutcomePending))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve seller outcome: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return &Resolution{Applied: false}, nil
	}

	resolution := &Resolution{Applied: true}
	err = tx.QueryRowContext(ctx, `
		SELECT user_id FROM checkout_sessions WHERE order_code = $1`, orderCode).
		Scan(&resolution.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session owner: %w", err)
	}

	finalStatus, finalized, err := finalizeSession(ctx, tx, orderCode)
	if err != nil {
		return nil, err
	}
	resolution.Finalized = finalized
	resolution.SessionStatus = finalStatus

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit outcome resolution: %w", err)
	}
	return resolution, nil
}

// ExpireOverdue rejects every PENDING outcome whose session deadline passed,
// then finalizes the affected sessions. A timed-out seller keeps their cart.
func (s *Store) ExpireOverdue(ctx context.Context, now time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		UPDATE seller_outcomes o
		SET status = $1, updated_at = now()
		FROM checkout_sessions s
		WHERE o.order_code = s.order_code
		  AND o.status = $2
		  AND s.deadline_at < $3
		RETURNING o.order_code`,
		string(domain.OutcomeRejected), string(domain.OutcomePending), now)
	if err != nil {
		return 0, fmt.Errorf("failed to expire overdue outcomes: %w", err)
	}

	expired := 0
	codes := make(map[string]struct{})
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan expired outcome: %w", err)
		}
		expired++
		codes[code] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("error iterating expired outcomes: %w", err)
	}
	rows.Close()

	for code := range codes {
		if _, _, err := finalizeSession(ctx, tx, code); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit expiry: %w", err)
	}
	return expired, nil
}

// finalizeSession moves a session to its terminal status once no outcome is
// pending: Completed when every seller accepted, PartiallyFailed otherwise.
// The transition is validated against the status currently persisted, so an
// already-finalized session is never rewritten.
func finalizeSession(ctx context.Context, tx *sql.Tx, orderCode string) (domain.CheckoutStatus, bool, error) {
	var current string
	var pending, rejected int
	err := tx.QueryRowContext(ctx, `
		SELECT s.status,
			count(*) FILTER (WHERE o.status = $2),
			count(*) FILTER (WHERE o.status = $3)
		FROM checkout_sessions s
		JOIN seller_outcomes o ON o.order_code = s.order_code
		WHERE s.order_code = $1
		GROUP BY s.status`,
		orderCode, string(domain.OutcomePending), string(domain.OutcomeRejected)).
		Scan(&current, &pending, &rejected)
	if err != nil {
		return "", false, fmt.Errorf("failed to count outcomes: %w", err)
	}
	currentStatus := domain.CheckoutStatus(current)

	if pending > 0 {
		return currentStatus, false, nil
	}

	status := domain.CheckoutStatusCompleted
	if rejected > 0 {
		status = domain.CheckoutStatusPartiallyFailed
	}
	// Finalizing is transient: a session passes through it only inside this
	// transaction, so the two hops are validated together.
	if !domain.CanTransitionTo(currentStatus, domain.CheckoutStatusFinalizing) ||
		!domain.CanTransitionTo(domain.CheckoutStatusFinalizing, status) {
		return currentStatus, false, nil
	}
	result, err := tx.ExecContext(ctx, `
		UPDATE checkout_sessions SET status = $2, updated_at = now()
		WHERE order_code = $1 AND status = $3`,
		orderCode, string(status), current)
	if err != nil {
		return "", false, fmt.Errorf("failed to finalize session: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return "", false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return status, affected > 0, nil
}

func (s *Store) GetUnprocessedEvents(ctx context.Context, limit int) ([]*OutboxEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, aggregate_id, event_type, payload, created_at
		FROM checkout_outbox WHERE processed_at IS NULL
		ORDER BY id LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch outbox events: %w", err)
	}
	defer rows.Close()

	var events []*OutboxEvent
	for rows.Next() {
		var ev OutboxEvent
		if err := rows.Scan(&ev.ID, &ev.AggregateID, &ev.EventType, &ev.Payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan outbox event: %w", err)
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}

func (s *Store) MarkEventAsProcessed(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE checkout_outbox SET processed_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to mark outbox event processed: %w", err)
	}
	return nil
}

// UnclearedAcceptedOutcomes lists accepted outcomes whose seller cart has not
// been cleared yet. Driven by the recovery tick; rows stay listed until
// MarkCartCleared succeeds, so the clear survives crashes and cart-store
// outages.
func (s *Store) UnclearedAcceptedOutcomes(ctx context.Context, limit int) ([]PendingClear, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT o.order_code, o.seller_id, s.user_id
		FROM seller_outcomes o
		JOIN checkout_sessions s ON s.order_code = o.order_code
		WHERE o.status = $1 AND NOT o.cart_cleared
		ORDER BY o.updated_at LIMIT $2`,
		string(domain.OutcomeAccepted), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list uncleared outcomes: %w", err)
	}
	defer rows.Close()

	var pending []PendingClear
	for rows.Next() {
		var p PendingClear
		if err := rows.Scan(&p.OrderCode, &p.SellerID, &p.UserID); err != nil {
			return nil, fmt.Errorf("failed to scan uncleared outcome: %w", err)
		}
		pending = append(pending, p)
	}
	return pending, rows.Err()
}

func (s *Store) MarkCartCleared(ctx context.Context, orderCode, sellerID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE seller_outcomes SET cart_cleared = TRUE
		WHERE order_code = $1 AND seller_id = $2`, orderCode, sellerID)
	if err != nil {
		return fmt.Errorf("failed to mark cart cleared: %w", err)
	}
	return nil
}
