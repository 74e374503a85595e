package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite" // Pure Go SQLite driver, registers as "sqlite".

	"github.com/diaryx-org/diaryx-sync/internal/ids"
)

const (
	// walJournalSizeLimit caps the WAL file before a checkpoint is forced.
	walJournalSizeLimit = 67108864 // 64 MiB
)

// Store is the interface the CRDT layer depends on. SQLiteStore is the production implementation; tests may
// substitute an in-memory fake.
type Store interface {
	LoadSnapshot(ctx context.Context, name string) (*Snapshot, error)
	SaveSnapshot(ctx context.Context, name string, state, stateVector []byte) error
	AppendUpdate(ctx context.Context, name string, payload []byte, origin, deviceID string, timestamp int64) (int64, error)
	UpdatesSince(ctx context.Context, name string, afterID int64) ([]UpdateRecord, error)
	LatestUpdateID(ctx context.Context, name string) (int64, error)
	Compact(ctx context.Context, name string, keepRecent int) error
	RenameDoc(ctx context.Context, oldName, newName string) error
	UpdateFileIndex(ctx context.Context, row FileIndexRow) error
	DeleteFileIndex(ctx context.Context, path string) error
	QueryActiveFiles(ctx context.Context) ([]FileIndexRow, error)
	DB() *sql.DB
	Reset(ctx context.Context) error
	Close() error
}

// SQLiteStore implements Store using an embedded SQLite database in WAL
// mode. All sync state (snapshots, update log, file index) is persisted
// here, in a single file at <workspace root>/.diaryx/crdt.db.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger

	itemStmts docStatements
}

type docStatements struct {
	loadSnapshot, saveSnapshot, appendUpdate, updatesSince, latestID *sql.Stmt
	deleteUpdatesUpTo, deleteOldUpdates                              *sql.Stmt
	upsertFileIndex, deleteFileIndex, queryActive                    *sql.Stmt
}

// NewStore opens (creating if absent) the SQLite database at dbPath,
// applies pending migrations, and prepares all repeated statements. Use
// ":memory:" for tests.
func NewStore(ctx context.Context, dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("opening sync state database", "path", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}

	if err := setPragmas(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	s := &SQLiteStore{db: db, logger: logger}

	if err := s.prepareStatements(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: prepare statements: %w", err)
	}

	logger.Info("sync state database ready", "path", dbPath)

	return s, nil
}

func setPragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		fmt.Sprintf("PRAGMA journal_size_limit=%d", walJournalSizeLimit),
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}

	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("store: setting pragma %q: %w", p, err)
		}
	}

	// Single writer: one pooled connection serializes every read and
	// write; the store has no lock of its own.
	db.SetMaxOpenConns(1)

	return nil
}

func (s *SQLiteStore) prepareStatements(ctx context.Context) error {
	type prep struct {
		dst  **sql.Stmt
		stmt string
	}

	preps := []prep{
		{&s.itemStmts.loadSnapshot, `SELECT state, state_vector, updated_at FROM documents WHERE name = ?`},
		{&s.itemStmts.saveSnapshot, `INSERT INTO documents (name, state, state_vector, updated_at) VALUES (?, ?, ?, ?)
			ON CONFLICT(name) DO UPDATE SET state = excluded.state, state_vector = excluded.state_vector, updated_at = excluded.updated_at`},
		{&s.itemStmts.appendUpdate, `INSERT INTO updates (doc_name, payload, origin, timestamp, device_id) VALUES (?, ?, ?, ?, ?)`},
		{&s.itemStmts.updatesSince, `SELECT id, doc_name, payload, origin, timestamp, device_id FROM updates WHERE doc_name = ? AND id > ? ORDER BY id ASC`},
		{&s.itemStmts.latestID, `SELECT COALESCE(MAX(id), 0) FROM updates WHERE doc_name = ?`},
		{&s.itemStmts.deleteUpdatesUpTo, `DELETE FROM updates WHERE doc_name = ? AND id <= ?`},
		{&s.itemStmts.upsertFileIndex, `INSERT INTO file_index (path, doc_id, title, parent_path, tombstoned, modified_at) VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(path) DO UPDATE SET doc_id = excluded.doc_id, title = excluded.title, parent_path = excluded.parent_path,
				tombstoned = excluded.tombstoned, modified_at = excluded.modified_at`},
		{&s.itemStmts.deleteFileIndex, `DELETE FROM file_index WHERE path = ?`},
		{&s.itemStmts.queryActive, `SELECT path, doc_id, title, parent_path, tombstoned, modified_at FROM file_index WHERE tombstoned = 0`},
	}

	for _, p := range preps {
		stmt, err := s.db.PrepareContext(ctx, p.stmt)
		if err != nil {
			return fmt.Errorf("preparing %q: %w", p.stmt, err)
		}

		*p.dst = stmt
	}

	return nil
}

// LoadSnapshot returns the current snapshot for name, or nil if none exists.
func (s *SQLiteStore) LoadSnapshot(ctx context.Context, name string) (*Snapshot, error) {
	row := s.itemStmts.loadSnapshot.QueryRowContext(ctx, name)

	var snap Snapshot
	snap.DocName = name

	if err := row.Scan(&snap.State, &snap.StateVector, &snap.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}

		return nil, fmt.Errorf("store: loading snapshot %q: %w", name, err)
	}

	return &snap, nil
}

// SaveSnapshot atomically replaces the snapshot row for name.
func (s *SQLiteStore) SaveSnapshot(ctx context.Context, name string, state, stateVector []byte) error {
	_, err := s.itemStmts.saveSnapshot.ExecContext(ctx, name, state, stateVector, nowUnixNano())
	if err != nil {
		return fmt.Errorf("store: saving snapshot %q: %w", name, err)
	}

	return nil
}

// AppendUpdate appends a new update record and returns its id, which is
// strictly greater than every prior id for name.
func (s *SQLiteStore) AppendUpdate(ctx context.Context, name string, payload []byte, origin, deviceID string, timestamp int64) (int64, error) {
	res, err := s.itemStmts.appendUpdate.ExecContext(ctx, name, payload, origin, timestamp, deviceID)
	if err != nil {
		return 0, fmt.Errorf("store: appending update for %q: %w", name, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("store: reading inserted update id: %w", err)
	}

	return id, nil
}

// UpdatesSince returns all updates for name with id greater than afterID,
// ordered ascending.
func (s *SQLiteStore) UpdatesSince(ctx context.Context, name string, afterID int64) ([]UpdateRecord, error) {
	rows, err := s.itemStmts.updatesSince.QueryContext(ctx, name, afterID)
	if err != nil {
		return nil, fmt.Errorf("store: querying updates for %q: %w", name, err)
	}
	defer rows.Close()

	var out []UpdateRecord

	for rows.Next() {
		var rec UpdateRecord

		if err := rows.Scan(&rec.ID, &rec.DocName, &rec.Payload, &rec.Origin, &rec.Timestamp, &rec.DeviceID); err != nil {
			return nil, fmt.Errorf("store: scanning update row: %w", err)
		}

		out = append(out, rec)
	}

	return out, rows.Err()
}

// LatestUpdateID returns the highest update id for name, or 0 if none.
func (s *SQLiteStore) LatestUpdateID(ctx context.Context, name string) (int64, error) {
	var id int64
	if err := s.itemStmts.latestID.QueryRowContext(ctx, name).Scan(&id); err != nil {
		return 0, fmt.Errorf("store: reading latest update id for %q: %w", name, err)
	}

	return id, nil
}

// Compact discards updates older than the keepRecent-th most recent for
// name. It deletes that prefix of the current log without consulting any
// snapshot, so the caller must have persisted a snapshot covering those
// updates first — callers are responsible for sequencing SaveSnapshot
// before Compact.
func (s *SQLiteStore) Compact(ctx context.Context, name string, keepRecent int) error {
	if keepRecent < 0 {
		return fmt.Errorf("store: keepRecent must be >= 0, got %d", keepRecent)
	}

	rows, err := s.itemStmts.updatesSince.QueryContext(ctx, name, int64(-1))
	if err != nil {
		return fmt.Errorf("store: compact: listing updates for %q: %w", name, err)
	}

	var ids []int64

	for rows.Next() {
		var rec UpdateRecord
		if err := rows.Scan(&rec.ID, &rec.DocName, &rec.Payload, &rec.Origin, &rec.Timestamp, &rec.DeviceID); err != nil {
			rows.Close()
			return fmt.Errorf("store: compact: scanning update row: %w", err)
		}

		ids = append(ids, rec.ID)
	}

	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}

	rows.Close()

	if len(ids) <= keepRecent {
		return nil
	}

	boundary := ids[len(ids)-keepRecent-1]

	if _, err := s.itemStmts.deleteUpdatesUpTo.ExecContext(ctx, name, boundary); err != nil {
		return fmt.Errorf("store: compact: deleting updates up to id %d for %q: %w", boundary, name, err)
	}

	s.logger.Info("compacted update log",
		slog.String("doc", name),
		slog.Int64("boundary", boundary),
		slog.Int("kept", keepRecent),
	)

	return nil
}

// RenameDoc atomically renames the snapshot row and all update rows for a
// document, used when an entry's stable name changes (e.g. rebuild
// reassigning DocIDs).
func (s *SQLiteStore) RenameDoc(ctx context.Context, oldName, newName string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: rename: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `UPDATE documents SET name = ? WHERE name = ?`, newName, oldName); err != nil {
		return fmt.Errorf("store: rename: updating documents: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE updates SET doc_name = ? WHERE doc_name = ?`, newName, oldName); err != nil {
		return fmt.Errorf("store: rename: updating updates: %w", err)
	}

	return tx.Commit()
}

// UpdateFileIndex upserts a row in the queryable file index. Callers invoke
// this after every CRDT-side metadata change.
func (s *SQLiteStore) UpdateFileIndex(ctx context.Context, row FileIndexRow) error {
	tombstoned := 0
	if row.Tombstoned {
		tombstoned = 1
	}

	_, err := s.itemStmts.upsertFileIndex.ExecContext(ctx, row.Path, row.DocID.String(), row.Title, row.ParentPath, tombstoned, row.ModifiedAt)
	if err != nil {
		return fmt.Errorf("store: updating file index for %q: %w", row.Path, err)
	}

	return nil
}

// DeleteFileIndex removes a row from the file index, used when a path is
// superseded during reconciliation.
func (s *SQLiteStore) DeleteFileIndex(ctx context.Context, path string) error {
	if _, err := s.itemStmts.deleteFileIndex.ExecContext(ctx, path); err != nil {
		return fmt.Errorf("store: deleting file index row %q: %w", path, err)
	}

	return nil
}

// QueryActiveFiles returns non-tombstoned file index rows, used to render
// trees without loading CRDTs.
func (s *SQLiteStore) QueryActiveFiles(ctx context.Context) ([]FileIndexRow, error) {
	rows, err := s.itemStmts.queryActive.QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: querying active files: %w", err)
	}
	defer rows.Close()

	var out []FileIndexRow

	for rows.Next() {
		var row FileIndexRow
		var docIDStr string
		var tombstoned int

		if err := rows.Scan(&row.Path, &docIDStr, &row.Title, &row.ParentPath, &tombstoned, &row.ModifiedAt); err != nil {
			return nil, fmt.Errorf("store: scanning file index row: %w", err)
		}

		docID, err := ids.Parse(docIDStr)
		if err != nil {
			return nil, fmt.Errorf("store: parsing doc_id %q: %w", docIDStr, err)
		}

		row.DocID = docID
		row.Tombstoned = tombstoned != 0
		out = append(out, row)
	}

	return out, rows.Err()
}

// DB exposes the underlying *sql.DB for callers (e.g. materialize's
// orphan-body check) that need to share a connection.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// Reset atomically discards every snapshot, update, and file index row,
// for the compactor's rebuild-from-git procedure: the update store is replaced wholesale once a commit has
// been re-materialized into fresh CRDTs.
func (s *SQLiteStore) Reset(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: reset: begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"updates", "documents", "file_index"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("store: reset: clearing %s: %w", table, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: reset: commit: %w", err)
	}

	s.logger.Warn("update store reset")

	return nil
}

// Close releases the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
