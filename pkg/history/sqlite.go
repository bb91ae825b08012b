package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS transfers (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	id          TEXT    NOT NULL,
	peer        INTEGER NOT NULL,
	file_name   TEXT    NOT NULL,
	total_bytes INTEGER NOT NULL,
	incoming    INTEGER NOT NULL,
	outcome     TEXT    NOT NULL,
	reason      TEXT    NOT NULL DEFAULT '',
	finished_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS transfers_finished_at ON transfers(finished_at);
`

// SQLiteStore keeps records in a sqlite database file.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens or creates the database at path. Use ":memory:" for a
// throwaway store.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}
	// sqlite allows a single writer; one connection also keeps ":memory:" coherent.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create history schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Add(ctx context.Context, rec Record) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transfers (id, peer, file_name, total_bytes, incoming, outcome, reason, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, int64(rec.Peer), rec.FileName, rec.TotalBytes, rec.Incoming, string(rec.Outcome), rec.Reason, rec.FinishedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("insert history record: %w", err)
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, peer, file_name, total_bytes, incoming, outcome, reason, finished_at
		 FROM transfers ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec      Record
			peer     int64
			outcome  string
			finished int64
		)
		if err := rows.Scan(&rec.ID, &peer, &rec.FileName, &rec.TotalBytes, &rec.Incoming, &outcome, &rec.Reason, &finished); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		rec.Peer = uint64(peer)
		rec.Outcome = Outcome(outcome)
		rec.FinishedAt = time.Unix(0, finished)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Prune deletes records that finished before cutoff.
func (s *SQLiteStore) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM transfers WHERE finished_at < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("prune history: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
