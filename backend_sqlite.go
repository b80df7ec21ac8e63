package statehistory

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	// SQLite driver using pure Go implementation
	_ "modernc.org/sqlite"
)

// SQLiteConfig configures the SQLite history backend.
type SQLiteConfig struct {
	// Path to the SQLite database file. One database holds one history.
	Path string `yaml:"path" env:"PATH"`

	// JournalMode sets the SQLite journal mode (WAL, DELETE, TRUNCATE, etc.)
	JournalMode string `yaml:"journal_mode" env:"JOURNAL_MODE"`

	// Synchronous sets the synchronous flag (OFF, NORMAL, FULL, EXTRA)
	Synchronous string `yaml:"synchronous" env:"SYNCHRONOUS"`

	// BusyTimeout is the timeout for acquiring locks in milliseconds
	BusyTimeout int `yaml:"busy_timeout" env:"BUSY_TIMEOUT"`

	// MaxConnections is the max number of database connections
	MaxConnections int `yaml:"max_connections" env:"MAX_CONNECTIONS"`

	// BatchSize is the number of inserts grouped in one transaction.
	BatchSize int `yaml:"batch_size" env:"BATCH_SIZE"`
}

// DefaultSQLiteConfig returns default configuration.
func DefaultSQLiteConfig() SQLiteConfig {
	return SQLiteConfig{
		Path:           "history.db",
		JournalMode:    "WAL",
		Synchronous:    "NORMAL",
		BusyTimeout:    5000,
		MaxConnections: 4,
		BatchSize:      4096,
	}
}

func (c SQLiteConfig) withDefaults() SQLiteConfig {
	def := DefaultSQLiteConfig()
	if c.Path == "" {
		c.Path = def.Path
	}
	if c.JournalMode == "" {
		c.JournalMode = def.JournalMode
	}
	if c.Synchronous == "" {
		c.Synchronous = def.Synchronous
	}
	if c.BusyTimeout <= 0 {
		c.BusyTimeout = def.BusyTimeout
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = def.MaxConnections
	}
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	return c
}

const sqliteSchema = `
	CREATE TABLE IF NOT EXISTS intervals (
		"start" INTEGER NOT NULL,
		"end"   INTEGER NOT NULL,
		quark   INTEGER NOT NULL,
		kind    INTEGER NOT NULL,
		ival    INTEGER,
		dval    REAL,
		sval    TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_intervals_quark_end ON intervals(quark, "end");
	CREATE INDEX IF NOT EXISTS idx_intervals_end ON intervals("end");

	CREATE TABLE IF NOT EXISTS history_meta (
		id               INTEGER PRIMARY KEY CHECK (id = 1),
		history_id       TEXT NOT NULL,
		build_id         TEXT NOT NULL,
		provider_version INTEGER NOT NULL,
		start_time       INTEGER NOT NULL,
		end_time         INTEGER NOT NULL,
		finished         INTEGER NOT NULL DEFAULT 0,
		attribute_tree   BLOB
	);
`

const intervalColumns = `"start", "end", quark, kind, ival, sval`

// SQLiteBackend keeps a history in a SQLite database, so it can be inspected
// with standard SQLite tools.
type SQLiteBackend struct {
	db     *sql.DB
	config SQLiteConfig
	logger *slog.Logger

	id              string
	start           Time
	providerVersion int

	mu       sync.RWMutex
	end      Time
	lastEnd  map[Quark]Time
	tx       *sql.Tx
	txStmt   *sql.Stmt
	pending  int
	finished bool
	closed   bool

	insertStmt   *sql.Stmt
	singularStmt *sql.Stmt
	fullStmt     *sql.Stmt
}

// NewSQLiteBackend creates a new history in the database at cfg.Path,
// replacing any history stored there.
func NewSQLiteBackend(cfg SQLiteConfig, id string, start Time, providerVersion int) (*SQLiteBackend, error) {
	if start < 0 {
		return nil, fmt.Errorf("history start %d: %w", start, ErrInvalidTimeRange)
	}
	s, err := openSQLite(cfg)
	if err != nil {
		return nil, err
	}
	s.id = id
	s.start = start
	s.end = start
	s.providerVersion = providerVersion
	s.lastEnd = make(map[Quark]Time)

	err = s.inTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM intervals`); err != nil {
			return err
		}
		_, err := tx.Exec(`
			INSERT OR REPLACE INTO history_meta
				(id, history_id, build_id, provider_version, start_time, end_time, finished, attribute_tree)
			VALUES (1, ?, ?, ?, ?, ?, 0, NULL)
		`, id, uuid.NewString(), providerVersion, start, start)
		return err
	})
	if err != nil {
		_ = s.db.Close()
		return nil, fmt.Errorf("failed to reset history: %w", err)
	}
	return s, nil
}

// OpenSQLiteBackend opens a finished history. A different provider version
// fails with ErrVersionMismatch; a missing or unfinished history with
// ErrStorageCorruption.
func OpenSQLiteBackend(cfg SQLiteConfig, providerVersion int) (*SQLiteBackend, error) {
	if _, err := os.Stat(cfg.Path); err != nil {
		return nil, err
	}
	s, err := openSQLite(cfg)
	if err != nil {
		return nil, err
	}

	var (
		version  int
		finished int
	)
	err = s.db.QueryRow(`
		SELECT history_id, provider_version, start_time, end_time, finished
		FROM history_meta WHERE id = 1
	`).Scan(&s.id, &version, &s.start, &s.end, &finished)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		err = newStorageError(StorageErrorTypeCorruption, "history metadata missing", cfg.Path, nil)
	case err != nil:
		err = newStorageError(StorageErrorTypeRead, "read history metadata", cfg.Path, err)
	case version != providerVersion:
		err = newStorageError(StorageErrorTypeVersion,
			fmt.Sprintf("provider version %d, expected %d", version, providerVersion), cfg.Path, nil)
	case finished == 0:
		err = newStorageError(StorageErrorTypeCorruption, "history was never finished", cfg.Path, nil)
	}
	if err != nil {
		_ = s.db.Close()
		return nil, err
	}
	s.providerVersion = providerVersion
	s.finished = true
	return s, nil
}

func openSQLite(cfg SQLiteConfig) (*SQLiteBackend, error) {
	cfg = cfg.withDefaults()
	if dir := filepath.Dir(cfg.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(%s)&_pragma=synchronous(%s)",
		cfg.Path, cfg.BusyTimeout, cfg.JournalMode, cfg.Synchronous)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(max(cfg.MaxConnections/2, 1))

	s := &SQLiteBackend{db: db, config: cfg, logger: slog.Default()}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	if err := s.prepareStatements(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}
	return s, nil
}

func (s *SQLiteBackend) prepareStatements() error {
	var err error

	s.insertStmt, err = s.db.Prepare(`
		INSERT INTO intervals ("start", "end", quark, kind, ival, dval, sval)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert statement: %w", err)
	}

	s.singularStmt, err = s.db.Prepare(`
		SELECT ` + intervalColumns + ` FROM intervals
		WHERE quark = ? AND "end" >= ? AND "start" <= ?
		ORDER BY "end" LIMIT 1
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare singular query statement: %w", err)
	}

	s.fullStmt, err = s.db.Prepare(`
		SELECT ` + intervalColumns + ` FROM intervals
		WHERE "end" >= ? AND "start" <= ?
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare full query statement: %w", err)
	}
	return nil
}

func (s *SQLiteBackend) inTx(fn func(*sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// SetLogger replaces the logger used for close and cleanup failures.
func (s *SQLiteBackend) SetLogger(l *slog.Logger) {
	if l != nil {
		s.logger = l
	}
}

// Path is the database file.
func (s *SQLiteBackend) Path() string { return s.config.Path }

func (s *SQLiteBackend) ID() string      { return s.id }
func (s *SQLiteBackend) StartTime() Time { return s.start }

func (s *SQLiteBackend) EndTime() Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.end
}

// encodeSQLiteValue maps a state value onto the kind/ival/dval/sval columns.
// Doubles are kept bit-exact in ival since SQLite turns NaN into NULL.
func encodeSQLiteValue(v StateValue) (kind int, ival, dval, sval any) {
	switch v.Kind() {
	case KindBoolean:
		b, _ := v.Bool()
		if b {
			ival = int64(1)
		} else {
			ival = int64(0)
		}
	case KindInteger:
		i, _ := v.Int()
		ival = int64(i)
	case KindLong:
		l, _ := v.Long()
		ival = l
	case KindDouble:
		d, _ := v.Double()
		ival = int64(math.Float64bits(d))
		if !math.IsNaN(d) && !math.IsInf(d, 0) {
			dval = d
		}
	case KindString:
		sval, _ = v.Str()
	}
	return int(v.Kind()), ival, dval, sval
}

func decodeSQLiteValue(kind int, ival sql.NullInt64, sval sql.NullString) (StateValue, error) {
	switch Kind(kind) {
	case KindNull:
		return NullValue(), nil
	case KindBoolean:
		return BoolValue(ival.Int64 != 0), nil
	case KindInteger:
		return IntValue(int32(ival.Int64)), nil
	case KindLong:
		return LongValue(ival.Int64), nil
	case KindDouble:
		return DoubleValue(math.Float64frombits(uint64(ival.Int64))), nil
	case KindString:
		return StringValue(sval.String)
	}
	return StateValue{}, fmt.Errorf("kind %d: %w", kind, ErrStateValueType)
}

func (s *SQLiteBackend) InsertPastState(start, end Time, quark Quark, value StateValue) error {
	if err := checkInsert(s, start, end, quark); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrBackendClosed
	}
	if s.finished {
		return fmt.Errorf("%s: insert after finish: %w", s.id, ErrBuildInProgress)
	}
	if last, ok := s.lastEnd[quark]; ok && end <= last {
		return fmt.Errorf("%s: quark %d end %d not after previous end %d: %w",
			s.id, quark, end, last, ErrInvalidTimeRange)
	}

	if s.tx == nil {
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin insert batch: %w", err)
		}
		s.tx = tx
		s.txStmt = tx.Stmt(s.insertStmt)
	}
	kind, ival, dval, sval := encodeSQLiteValue(value)
	if _, err := s.txStmt.Exec(start, end, quark, kind, ival, dval, sval); err != nil {
		return fmt.Errorf("failed to insert interval: %w", err)
	}
	s.pending++
	s.lastEnd[quark] = end
	if end > s.end {
		s.end = end
	}
	if s.pending >= s.config.BatchSize {
		return s.flushLocked()
	}
	return nil
}

// flushLocked commits the open insert batch. Callers hold mu.
func (s *SQLiteBackend) flushLocked() error {
	if s.tx == nil {
		return nil
	}
	tx := s.tx
	s.tx, s.txStmt, s.pending = nil, nil, 0
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit insert batch: %w", err)
	}
	return nil
}

func (s *SQLiteBackend) FinishBuilding(end Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrBackendClosed
	}
	if s.finished {
		return fmt.Errorf("%s: already finished: %w", s.id, ErrBuildInProgress)
	}
	if end < s.end {
		return fmt.Errorf("%s: finish at %d before last interval end %d: %w", s.id, end, s.end, ErrInvalidTimeRange)
	}
	if err := s.flushLocked(); err != nil {
		return err
	}
	if _, err := s.db.Exec(`UPDATE history_meta SET end_time = ?, finished = 1 WHERE id = 1`, end); err != nil {
		return fmt.Errorf("failed to finish history: %w", err)
	}
	s.end = end
	s.finished = true
	s.lastEnd = nil
	return nil
}

// readable makes pending inserts visible to queries. Only a pending insert
// batch takes the write lock, so readers of a finished history run
// concurrently.
func (s *SQLiteBackend) readable() error {
	s.mu.RLock()
	closed, pending := s.closed, s.tx != nil
	s.mu.RUnlock()
	if closed {
		return ErrBackendClosed
	}
	if !pending {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrBackendClosed
	}
	return s.flushLocked()
}

func scanIntervals(rows *sql.Rows, visit func(*StateInterval)) error {
	defer rows.Close()
	for rows.Next() {
		var (
			iv   StateInterval
			q    int64
			kind int
			ival sql.NullInt64
			sval sql.NullString
		)
		if err := rows.Scan(&iv.Start, &iv.End, &q, &kind, &ival, &sval); err != nil {
			return fmt.Errorf("failed to scan interval: %w", err)
		}
		v, err := decodeSQLiteValue(kind, ival, sval)
		if err != nil {
			return err
		}
		iv.Quark = Quark(q)
		iv.Value = v
		visit(&iv)
	}
	return rows.Err()
}

func (s *SQLiteBackend) DoQuery(t Time, results []*StateInterval) error {
	if err := s.readable(); err != nil {
		return err
	}
	rows, err := s.fullStmt.Query(t, t)
	if err != nil {
		return fmt.Errorf("failed to query intervals: %w", err)
	}
	return scanIntervals(rows, func(iv *StateInterval) {
		if iv.Quark < len(results) && results[iv.Quark] == nil {
			results[iv.Quark] = iv
		}
	})
}

func (s *SQLiteBackend) DoSingularQuery(t Time, quark Quark) (*StateInterval, error) {
	if err := s.readable(); err != nil {
		return nil, err
	}
	rows, err := s.singularStmt.Query(quark, t, t)
	if err != nil {
		return nil, fmt.Errorf("failed to query interval: %w", err)
	}
	var found *StateInterval
	err = scanIntervals(rows, func(iv *StateInterval) { found = iv })
	return found, err
}

func (s *SQLiteBackend) DoPartialQuery(t Time, quarks []Quark, results map[Quark]*StateInterval) error {
	if len(quarks) == 0 {
		return nil
	}
	if err := s.readable(); err != nil {
		return err
	}
	args := make([]any, 0, len(quarks)+2)
	args = append(args, t, t)
	for _, q := range quarks {
		args = append(args, q)
	}
	query := `SELECT ` + intervalColumns + ` FROM intervals
		WHERE "end" >= ? AND "start" <= ? AND quark IN (?` + strings.Repeat(", ?", len(quarks)-1) + `)`
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return fmt.Errorf("failed to query intervals: %w", err)
	}
	return scanIntervals(rows, func(iv *StateInterval) {
		if _, ok := results[iv.Quark]; !ok {
			results[iv.Quark] = iv
		}
	})
}

// Count returns the number of stored intervals.
func (s *SQLiteBackend) Count(ctx context.Context) (int, error) {
	if err := s.readable(); err != nil {
		return 0, err
	}
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM intervals`).Scan(&n)
	return n, err
}

func (s *SQLiteBackend) AttributeTreeReader() (io.Reader, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrBackendClosed
	}
	var tree []byte
	err := s.db.QueryRow(`SELECT attribute_tree FROM history_meta WHERE id = 1`).Scan(&tree)
	if errors.Is(err, sql.ErrNoRows) || len(tree) == 0 {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read attribute tree: %w", err)
	}
	return bytes.NewReader(tree), nil
}

func (s *SQLiteBackend) AttributeTreeWriter() (AttributeTreeSink, error) {
	return sqliteTreeSink{s}, nil
}

type sqliteTreeSink struct {
	s *SQLiteBackend
}

func (k sqliteTreeSink) Save(data []byte) error {
	s := k.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrBackendClosed
	}
	if _, err := s.db.Exec(`UPDATE history_meta SET attribute_tree = ? WHERE id = 1`, data); err != nil {
		return fmt.Errorf("failed to save attribute tree: %w", err)
	}
	return nil
}

// RemoveFiles closes the database and deletes its files.
func (s *SQLiteBackend) RemoveFiles() error {
	s.Dispose()
	var errs []error
	for _, suffix := range []string{"", "-wal", "-shm"} {
		if err := os.Remove(s.config.Path + suffix); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Dispose closes the database. An unfinished history is rolled back and
// its rows removed.
func (s *SQLiteBackend) Dispose() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.tx != nil {
		_ = s.tx.Rollback()
		s.tx, s.txStmt = nil, nil
	}
	if !s.finished {
		if _, err := s.db.Exec(`DELETE FROM intervals`); err != nil {
			s.logger.Error("failed to clear unfinished history", "path", s.config.Path, "err", err)
		}
	}
	for _, stmt := range []*sql.Stmt{s.insertStmt, s.singularStmt, s.fullStmt} {
		if stmt != nil {
			_ = stmt.Close()
		}
	}
	if err := s.db.Close(); err != nil {
		s.logger.Error("failed to close history database", "path", s.config.Path, "err", err)
	}
	s.closed = true
}

var (
	_ HistoryBackend = (*SQLiteBackend)(nil)
	_ PartialQuerier = (*SQLiteBackend)(nil)
)
