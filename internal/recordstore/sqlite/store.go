package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"civicsync/internal/domain"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS complaints (
	id INTEGER PRIMARY KEY,
	status TEXT NOT NULL DEFAULT 'pending',
	city TEXT NOT NULL DEFAULT '',
	category TEXT NOT NULL DEFAULT '',
	mint_state TEXT NOT NULL DEFAULT 'unminted',
	receipt TEXT,
	failure_reason TEXT,
	created_at_utc_ns INTEGER NOT NULL,
	updated_at_utc_ns INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_complaints_mint_state_id ON complaints(mint_state, id);

CREATE TRIGGER IF NOT EXISTS trg_complaints_receipt_write_once
BEFORE UPDATE OF receipt ON complaints
WHEN OLD.receipt IS NOT NULL AND NEW.receipt IS NOT OLD.receipt
BEGIN
	SELECT RAISE(ABORT, 'receipt is write-once');
END;
`

// Store is the sqlite record-store projection.
type Store struct {
	db *sql.DB
}

func NewStore(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("mkdir store dir: %w", err)
		}
	}
	db, err := openSQLite(path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Get(ctx context.Context, id int64) (domain.Complaint, bool, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, status, city, category, mint_state, receipt, failure_reason, created_at_utc_ns, updated_at_utc_ns
FROM complaints WHERE id=?`, id)
	rec, err := scanComplaint(row)
	if err == sql.ErrNoRows {
		return domain.Complaint{}, false, nil
	}
	if err != nil {
		return domain.Complaint{}, false, err
	}
	return rec, true, nil
}

func (s *Store) UnmintedAscending(ctx context.Context) ([]domain.Complaint, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, status, city, category, mint_state, receipt, failure_reason, created_at_utc_ns, updated_at_utc_ns
FROM complaints
WHERE mint_state IN (?, ?)
ORDER BY id ASC`, string(domain.MintStateUnminted), string(domain.MintStateFailed))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Complaint
	for rows.Next() {
		rec, err := scanComplaint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) UpsertProjection(ctx context.Context, rec domain.Complaint) error {
	now := time.Now().UTC().UnixNano()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO complaints(id, status, city, category, created_at_utc_ns, updated_at_utc_ns)
VALUES(?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	status=excluded.status,
	city=excluded.city,
	category=excluded.category,
	updated_at_utc_ns=excluded.updated_at_utc_ns`,
		rec.ID, rec.Status, rec.City, rec.Category, now, now)
	return err
}

func (s *Store) SetMinted(ctx context.Context, id int64, receipt string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE complaints
SET mint_state=?, receipt=?, failure_reason=NULL, updated_at_utc_ns=?
WHERE id=?`, string(domain.MintStateMinted), receipt, time.Now().UTC().UnixNano(), id)
	if err != nil {
		return err
	}
	return requireRow(res, id)
}

func (s *Store) SetMintFailed(ctx context.Context, id int64, reason string) error {
	// Never downgrade a record that already carries a receipt.
	res, err := s.db.ExecContext(ctx, `
UPDATE complaints
SET mint_state=?, failure_reason=?, updated_at_utc_ns=?
WHERE id=? AND receipt IS NULL`, string(domain.MintStateFailed), reason, time.Now().UTC().UnixNano(), id)
	if err != nil {
		return err
	}
	return requireRow(res, id)
}

func (s *Store) SetNeedsReconcile(ctx context.Context, id int64, reason string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE complaints
SET mint_state=?, failure_reason=?, updated_at_utc_ns=?
WHERE id=?`, string(domain.MintStateNeedsReconcile), reason, time.Now().UTC().UnixNano(), id)
	if err != nil {
		return err
	}
	return requireRow(res, id)
}

func requireRow(res sql.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("complaint %d not found", id)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanComplaint(row rowScanner) (domain.Complaint, error) {
	var (
		rec         domain.Complaint
		state       string
		receipt     sql.NullString
		failure     sql.NullString
		createdAtNs int64
		updatedAtNs int64
	)
	if err := row.Scan(&rec.ID, &rec.Status, &rec.City, &rec.Category, &state, &receipt, &failure, &createdAtNs, &updatedAtNs); err != nil {
		return domain.Complaint{}, err
	}
	rec.Mint = domain.MintOutcome{State: domain.MintState(state), Receipt: receipt.String, FailureReason: failure.String}
	rec.CreatedAtUTC = time.Unix(0, createdAtNs).UTC()
	rec.UpdatedAtUTC = time.Unix(0, updatedAtNs).UTC()
	return rec, nil
}

func openSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return db, nil
}
