package snapshot

import (
	"context"
	"database/sql"
	"errors"

	"github.com/avorel/ensemble/pkg/api"
)

// SQLiteStore is a Store backed by SQLite.
//
// It expects an *sql.DB that uses a SQLite driver (for example,
// "modernc.org/sqlite"). The caller is responsible for importing
// the driver, e.g.:
//
//	import _ "modernc.org/sqlite"
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore initializes the required schema in the given database and
// returns a new SQLiteStore.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS snapshots (
			run_id TEXT PRIMARY KEY,
			ensemble TEXT NOT NULL,
			suspended_at TEXT NOT NULL,
			payload BLOB NOT NULL
		);`,
	)
	return err
}

func (s *SQLiteStore) Save(ctx context.Context, snap *api.SuspendedState) error {
	data, err := encodeSnapshot(snap)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO snapshots (run_id, ensemble, suspended_at, payload)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			ensemble = excluded.ensemble,
			suspended_at = excluded.suspended_at,
			payload = excluded.payload`,
		snap.RunID,
		snap.Ensemble,
		snap.SuspendedAt.UTC().Format("2006-01-02T15:04:05.999999999Z07:00"),
		data,
	)
	return err
}

func (s *SQLiteStore) Load(ctx context.Context, runID string) (*api.SuspendedState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT payload FROM snapshots WHERE run_id = ?`,
		runID,
	)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSnapshotNotFound
		}
		return nil, err
	}
	return decodeSnapshot(data)
}

func (s *SQLiteStore) List(ctx context.Context, filter Filter) ([]*api.SuspendedState, error) {
	query := `SELECT payload FROM snapshots`
	var args []any
	if filter.Ensemble != "" {
		query += ` WHERE ensemble = ?`
		args = append(args, filter.Ensemble)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*api.SuspendedState
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		snap, err := decodeSnapshot(data)
		if err != nil {
			return nil, err
		}
		result = append(result, snap)
	}
	return result, rows.Err()
}

func (s *SQLiteStore) Delete(ctx context.Context, runID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE run_id = ?`, runID)
	return err
}
