// Package trust persists the set of previously paired peers so reconnecting
// to a known device can skip the manual confirmation step.
package trust

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/sidelinehq/sideline/go/internal/models"
)

const (
	// DefaultDBFileName is the SQLite filename under the app data dir.
	DefaultDBFileName = "trust.db"
)

// ErrNotFound indicates no trust record exists for the peer.
var ErrNotFound = errors.New("trust: record not found")

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS trust_records (
  peer_id          TEXT PRIMARY KEY,
  display_name     TEXT NOT NULL,
  last_role        TEXT NOT NULL CHECK(last_role IN ('CONTROLLER','RECORDER')),
  first_paired_at  INTEGER NOT NULL,
  last_seen_at     INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_trust_records_last_seen
ON trust_records (last_seen_at DESC);
`,
}

// Store is a SQLite-backed trust record store. Records are created on first
// successful handshake, updated on every reconnection, and never deleted
// automatically.
type Store struct {
	db *sql.DB
}

// Open creates the data directory if needed, opens the SQLite database and
// applies migrations.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	path := filepath.Join(dataDir, DefaultDBFileName)
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open trust db: %w", err)
	}

	for i, stmt := range migrations {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply trust migration %d: %w", i, err)
		}
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get fetches the trust record for a peer ID.
func (s *Store) Get(peerID string) (*models.TrustRecord, error) {
	row := s.db.QueryRow(
		`SELECT peer_id, display_name, last_role, first_paired_at, last_seen_at
		FROM trust_records
		WHERE peer_id = ?`,
		peerID,
	)

	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get trust record %q: %w", peerID, err)
	}
	return rec, nil
}

// Upsert inserts a trust record, or refreshes display name, role and last
// seen time if the peer is already known. FirstPairedAt is preserved on
// conflict.
func (s *Store) Upsert(rec models.TrustRecord) error {
	if rec.Peer.ID == "" {
		return errors.New("peer ID is required")
	}
	if !rec.LastRole.Valid() {
		return fmt.Errorf("invalid role %q", rec.LastRole)
	}
	if rec.FirstPairedAt.IsZero() {
		rec.FirstPairedAt = time.Now()
	}
	if rec.LastSeenAt.IsZero() {
		rec.LastSeenAt = rec.FirstPairedAt
	}

	_, err := s.db.Exec(
		`INSERT INTO trust_records (peer_id, display_name, last_role, first_paired_at, last_seen_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(peer_id) DO UPDATE SET
			display_name = excluded.display_name,
			last_role    = excluded.last_role,
			last_seen_at = excluded.last_seen_at`,
		rec.Peer.ID,
		rec.Peer.DisplayName,
		string(rec.LastRole),
		rec.FirstPairedAt.UnixMilli(),
		rec.LastSeenAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("upsert trust record %q: %w", rec.Peer.ID, err)
	}
	return nil
}

// Touch updates role and last seen time for an already trusted peer.
func (s *Store) Touch(peerID string, role models.Role, at time.Time) error {
	res, err := s.db.Exec(
		`UPDATE trust_records SET last_role = ?, last_seen_at = ? WHERE peer_id = ?`,
		string(role), at.UnixMilli(), peerID,
	)
	if err != nil {
		return fmt.Errorf("touch trust record %q: %w", peerID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("touch trust record %q: %w", peerID, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns all trust records, most recently seen first.
func (s *Store) List() ([]models.TrustRecord, error) {
	rows, err := s.db.Query(
		`SELECT peer_id, display_name, last_role, first_paired_at, last_seen_at
		FROM trust_records
		ORDER BY last_seen_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list trust records: %w", err)
	}
	defer rows.Close()

	var out []models.TrustRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trust record: %w", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list trust records: %w", err)
	}
	return out, nil
}

// Count returns the number of trusted peers.
func (s *Store) Count() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM trust_records`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count trust records: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*models.TrustRecord, error) {
	var (
		rec         models.TrustRecord
		role        string
		firstPaired int64
		lastSeen    int64
	)
	if err := row.Scan(&rec.Peer.ID, &rec.Peer.DisplayName, &role, &firstPaired, &lastSeen); err != nil {
		return nil, err
	}
	rec.LastRole = models.Role(role)
	rec.FirstPairedAt = time.UnixMilli(firstPaired)
	rec.LastSeenAt = time.UnixMilli(lastSeen)
	return &rec, nil
}
