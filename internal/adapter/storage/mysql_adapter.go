package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/rl1809/stock-ledger/internal/core/domain"
	"github.com/rl1809/stock-ledger/internal/port"
)

const (
	mysqlDuplicateEntry  = 1062
	mysqlLockWaitTimeout = 1205
	mysqlDeadlock        = 1213
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS stock_events (
		product_id     VARCHAR(64)     NOT NULL,
		seq            BIGINT UNSIGNED NOT NULL,
		kind           VARCHAR(16)     NOT NULL,
		quantity       INT             NOT NULL,
		reservation_id VARCHAR(36)     NULL,
		recorded_at    DATETIME(6)     NOT NULL,
		PRIMARY KEY (product_id, seq)
	)`,
	`CREATE TABLE IF NOT EXISTS reservations (
		id         VARCHAR(36)  NOT NULL PRIMARY KEY,
		request_id VARCHAR(128) NULL,
		product_id VARCHAR(64)  NOT NULL,
		quantity   INT          NOT NULL,
		state      VARCHAR(16)  NOT NULL,
		created_at DATETIME(6)  NOT NULL,
		expires_at DATETIME(6)  NOT NULL,
		updated_at DATETIME(6)  NOT NULL,
		UNIQUE KEY uq_reservations_request (request_id),
		KEY idx_reservations_state_expires (state, expires_at)
	)`,
}

// EnsureSchema creates the ledger and reservation tables if they are missing.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func isDuplicateEntry(err error) bool {
	var myErr *mysql.MySQLError
	return errors.As(err, &myErr) && myErr.Number == mysqlDuplicateEntry
}

// isWriteConflict reports errors raised when another writer races for the
// same ledger slot. InnoDB gap locks turn such races into deadlocks.
func isWriteConflict(err error) bool {
	var myErr *mysql.MySQLError
	if !errors.As(err, &myErr) {
		return false
	}
	switch myErr.Number {
	case mysqlDuplicateEntry, mysqlLockWaitTimeout, mysqlDeadlock:
		return true
	}
	return false
}

// MySQLEventStore persists stock events. The (product_id, seq) primary key
// rejects a second writer for the same slot.
type MySQLEventStore struct {
	db *sql.DB
}

func NewMySQLEventStore(db *sql.DB) *MySQLEventStore {
	return &MySQLEventStore{db: db}
}

func (m *MySQLEventStore) Append(ctx context.Context, ev domain.StockEvent) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var head uint64
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(seq), 0) FROM stock_events
		WHERE product_id = ? FOR UPDATE`, ev.ProductID,
	).Scan(&head)
	if err != nil {
		if isWriteConflict(err) {
			return fmt.Errorf("%w: product %s: %v", port.ErrAppendConflict, ev.ProductID, err)
		}
		return fmt.Errorf("read ledger head: %w", err)
	}
	if head+1 != ev.Seq {
		return fmt.Errorf("%w: product %s head is %d, got seq %d", port.ErrAppendConflict, ev.ProductID, head, ev.Seq)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO stock_events (product_id, seq, kind, quantity, reservation_id, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		ev.ProductID, ev.Seq, string(ev.Kind), ev.Quantity, nullString(ev.ReservationID), ev.RecordedAt,
	)
	if err != nil {
		if isWriteConflict(err) {
			return fmt.Errorf("%w: product %s seq %d", port.ErrAppendConflict, ev.ProductID, ev.Seq)
		}
		return fmt.Errorf("insert stock event: %w", err)
	}

	return tx.Commit()
}

func (m *MySQLEventStore) Events(ctx context.Context, productID string, afterSeq uint64, limit int) ([]domain.StockEvent, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT product_id, seq, kind, quantity, reservation_id, recorded_at
		FROM stock_events
		WHERE product_id = ? AND seq > ?
		ORDER BY seq
		LIMIT ?`, productID, afterSeq, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query stock events: %w", err)
	}
	defer rows.Close()

	var out []domain.StockEvent
	for rows.Next() {
		var (
			ev            domain.StockEvent
			kind          string
			reservationID sql.NullString
		)
		if err := rows.Scan(&ev.ProductID, &ev.Seq, &kind, &ev.Quantity, &reservationID, &ev.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan stock event: %w", err)
		}
		ev.Kind = domain.EventKind(kind)
		ev.ReservationID = reservationID.String
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stock events: %w", err)
	}
	return out, nil
}

type MySQLReservationRepository struct {
	db *sql.DB
}

func NewMySQLReservationRepository(db *sql.DB) *MySQLReservationRepository {
	return &MySQLReservationRepository{db: db}
}

const reservationColumns = `id, request_id, product_id, quantity, state, created_at, expires_at, updated_at`

func (m *MySQLReservationRepository) Create(ctx context.Context, r domain.Reservation) error {
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO reservations (`+reservationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, nullString(r.RequestID), r.ProductID, r.Quantity, string(r.State),
		r.CreatedAt, r.ExpiresAt, r.UpdatedAt,
	)
	if err != nil {
		if isDuplicateEntry(err) {
			return port.ErrDuplicateRequest
		}
		return fmt.Errorf("insert reservation: %w", err)
	}
	return nil
}

func (m *MySQLReservationRepository) Get(ctx context.Context, id string) (*domain.Reservation, error) {
	return m.queryOne(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE id = ?`, id)
}

func (m *MySQLReservationRepository) FindByRequestID(ctx context.Context, requestID string) (*domain.Reservation, error) {
	return m.queryOne(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE request_id = ?`, requestID)
}

func (m *MySQLReservationRepository) UpdateState(ctx context.Context, id string, from, to domain.ReservationState, at time.Time) error {
	result, err := m.db.ExecContext(ctx, `
		UPDATE reservations
		SET state = ?, updated_at = ?
		WHERE id = ? AND state = ?`,
		string(to), at, id, string(from),
	)
	if err != nil {
		return fmt.Errorf("update reservation state: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return port.ErrStateConflict
	}
	return nil
}

func (m *MySQLReservationRepository) Delete(ctx context.Context, id string) error {
	if _, err := m.db.ExecContext(ctx, `DELETE FROM reservations WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete reservation: %w", err)
	}
	return nil
}

func (m *MySQLReservationRepository) ListExpired(ctx context.Context, now time.Time, limit int) ([]domain.Reservation, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT `+reservationColumns+`
		FROM reservations
		WHERE state = ? AND expires_at <= ?
		ORDER BY expires_at
		LIMIT ?`, string(domain.ReservationStateActive), now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query expired reservations: %w", err)
	}
	defer rows.Close()

	var out []domain.Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expired reservations: %w", err)
	}
	return out, nil
}

func (m *MySQLReservationRepository) queryOne(ctx context.Context, query string, args ...any) (*domain.Reservation, error) {
	r, err := scanReservation(m.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReservation(row rowScanner) (*domain.Reservation, error) {
	var (
		r         domain.Reservation
		requestID sql.NullString
		state     string
	)
	err := row.Scan(&r.ID, &requestID, &r.ProductID, &r.Quantity, &state, &r.CreatedAt, &r.ExpiresAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan reservation: %w", err)
	}
	r.RequestID = requestID.String
	r.State = domain.ReservationState(state)
	return &r, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
