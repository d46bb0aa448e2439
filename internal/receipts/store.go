package receipts

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/iapsync/internal/iap"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema
// 1 - Added index on receipts.order_id
const currentSchemaVersion = 1

// ErrNotFound is returned by Get for unknown tokens.
var ErrNotFound = errors.New("receipt not found")

// Store is the SQLite receipt journal.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open creates or opens the journal at path and applies pragmas and
// migrations. Safe to call on an existing journal.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite allows one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version < 1 {
		if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_receipts_order_id ON receipts(order_id)`); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// Append journals r. Returns false if the token was already journaled; the
// stored row is left as it was.
func (s *Store) Append(ctx context.Context, r iap.Receipt) (bool, error) {
	if r.EntitlementToken == "" {
		return false, fmt.Errorf("append receipt: empty entitlement token")
	}
	skus, err := json.Marshal(r.SKUs)
	if err != nil {
		return false, fmt.Errorf("marshal skus: %w", err)
	}
	var cancel sql.NullInt64
	if r.CancelDate != nil {
		cancel = sql.NullInt64{Int64: r.CancelDate.UnixMilli(), Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO receipts (
			entitlement_token, order_id, skus, product_type,
			order_date, cancel_date, is_cancelled, user_id, recorded_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(entitlement_token) DO NOTHING
	`,
		r.EntitlementToken,
		r.OrderID,
		string(skus),
		r.Type.String(),
		r.OrderDate.UnixMilli(),
		cancel,
		boolToInt(r.IsCancelled),
		r.UserID,
		s.now().UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("insert receipt %s: %w", r.EntitlementToken, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

const selectColumns = `entitlement_token, order_id, skus, product_type, order_date, cancel_date, is_cancelled, user_id`

// Get returns the receipt for token, or ErrNotFound.
func (s *Store) Get(ctx context.Context, token string) (iap.Receipt, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM receipts WHERE entitlement_token = ?`, token)
	r, err := scanReceipt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return iap.Receipt{}, ErrNotFound
	}
	return r, err
}

// List returns journaled receipts in the order they were recorded, limited
// to the given product types when any are passed.
func (s *Store) List(ctx context.Context, types ...iap.ProductType) ([]iap.Receipt, error) {
	query := `SELECT ` + selectColumns + ` FROM receipts`
	var args []any
	if len(types) > 0 {
		names := make([]string, 0, len(types))
		for _, t := range slices.Compact(slices.Sorted(slices.Values(types))) {
			names = append(names, "?")
			args = append(args, t.String())
		}
		query += ` WHERE product_type IN (` + strings.Join(names, ", ") + `)`
	}
	query += ` ORDER BY rowid`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list receipts: %w", err)
	}
	defer rows.Close()

	var out []iap.Receipt
	for rows.Next() {
		r, err := scanReceipt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Count returns the number of journaled receipts.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM receipts`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count receipts: %w", err)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanReceipt(sc scanner) (iap.Receipt, error) {
	var (
		r         iap.Receipt
		skus      string
		typ       string
		orderDate int64
		cancel    sql.NullInt64
		cancelled int
	)
	if err := sc.Scan(&r.EntitlementToken, &r.OrderID, &skus, &typ, &orderDate, &cancel, &cancelled, &r.UserID); err != nil {
		return iap.Receipt{}, err
	}
	if err := json.Unmarshal([]byte(skus), &r.SKUs); err != nil {
		return iap.Receipt{}, fmt.Errorf("unmarshal skus for %s: %w", r.EntitlementToken, err)
	}
	r.Type, _ = iap.ParseProductType(typ)
	r.OrderDate = time.UnixMilli(orderDate).UTC()
	if cancel.Valid {
		t := time.UnixMilli(cancel.Int64).UTC()
		r.CancelDate = &t
	}
	r.IsCancelled = cancelled != 0
	return r, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
