package plugins

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	_ "github.com/mattn/go-sqlite3"
	logbus "github.com/synoptiq/go-logbus"
)

// SQLConfig configures the SQL aggregator.
type SQLConfig struct {
	// Query runs against the buffered records, loaded into Table.
	Query string `yaml:"query" validate:"required"`
	// Table is the name the buffered records are queried as.
	Table string `yaml:"table" validate:"required"`
	// BufferSize runs the query early once this many records are buffered.
	BufferSize int `yaml:"bufferSize" validate:"gt=0"`
	// IntervalSeconds is how often the query runs.
	IntervalSeconds float64 `yaml:"intervalSeconds" validate:"gt=0"`
}

// SQL buffers records and periodically runs a query over them in an
// in-memory SQLite database, emitting one record per result row.
//
// Each batch is loaded into a fresh table whose columns are the union of the
// record fields. Nested values are stored as JSON text so the query can reach
// into them with json_extract.
type SQL struct {
	bus *logbus.Bus
	cfg SQLConfig

	mu     sync.Mutex
	buffer []map[string]any

	runMu sync.Mutex
	db    *sql.DB
	timer *ticker
}

// NewSQL creates a SQL plugin.
func NewSQL(config map[string]any, bus *logbus.Bus) (logbus.Plugin, error) {
	cfg := SQLConfig{Table: "events", BufferSize: 10000, IntervalSeconds: 60}
	if err := logbus.DecodeConfig(config, &cfg); err != nil {
		return nil, err
	}
	return &SQL{bus: bus, cfg: cfg}, nil
}

// Start opens the database and begins periodic queries.
func (s *SQL) Start(ctx context.Context) error {
	db, err := sql.Open("sqlite3", "file::memory:")
	if err != nil {
		return fmt.Errorf("sql: failed to open database: %w", err)
	}
	// Every connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("sql: failed to open database: %w", err)
	}
	s.runMu.Lock()
	s.db = db
	s.runMu.Unlock()
	s.timer = startTicker(s.bus, seconds(s.cfg.IntervalSeconds), s.run)
	return nil
}

// Stop queries whatever is buffered and closes the database.
func (s *SQL) Stop(context.Context) error {
	s.timer.Stop()
	s.run()
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// HealthStatus pings the database.
func (s *SQL) HealthStatus(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.db == nil {
		return errors.New("sql: database is not open")
	}
	return s.db.PingContext(ctx)
}

// OnInput implements logbus.InputHandler.
func (s *SQL) OnInput(event any, _ string) {
	data, err := record(event)
	if err != nil {
		s.bus.Error(err)
		return
	}
	s.mu.Lock()
	s.buffer = append(s.buffer, data)
	full := len(s.buffer) >= s.cfg.BufferSize
	s.mu.Unlock()
	if full {
		s.run()
	}
}

func (s *SQL) run() {
	s.mu.Lock()
	batch := s.buffer
	s.buffer = nil
	s.mu.Unlock()
	if len(batch) == 0 {
		return
	}

	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.db == nil {
		s.bus.Errorf("sql: database is not open, dropped %d records", len(batch))
		return
	}
	rows, err := s.query(context.Background(), batch)
	if err != nil {
		s.bus.Errorf("sql: %w", err)
		return
	}
	for _, row := range rows {
		s.bus.Event(row)
	}
}

func (s *SQL) query(ctx context.Context, batch []map[string]any) ([]map[string]any, error) {
	columns := batchColumns(batch)
	table := quoteIdent(s.cfg.Table)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+table); err != nil {
		return nil, err
	}
	quoted := make([]string, len(columns))
	marks := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = quoteIdent(c)
		marks[i] = "?"
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("CREATE TABLE %s (%s)", table, strings.Join(quoted, ", "))); err != nil {
		return nil, fmt.Errorf("failed to create table: %w", err)
	}

	insert, err := tx.PrepareContext(ctx, fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(quoted, ", "), strings.Join(marks, ", ")))
	if err != nil {
		return nil, err
	}
	defer insert.Close()
	args := make([]any, len(columns))
	for _, rec := range batch {
		for i, c := range columns {
			if args[i], err = columnValue(rec[c]); err != nil {
				return nil, fmt.Errorf("column %s: %w", c, err)
			}
		}
		if _, err := insert.ExecContext(ctx, args...); err != nil {
			return nil, fmt.Errorf("failed to insert record: %w", err)
		}
	}

	rows, err := tx.QueryContext(ctx, s.cfg.Query)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()
	return scanRows(rows)
}

func scanRows(rows *sql.Rows) ([]map[string]any, error) {
	names, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []map[string]any
	for rows.Next() {
		values := make([]any, len(names))
		ptrs := make([]any, len(names))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(names))
		for i, name := range names {
			if b, ok := values[i].([]byte); ok {
				row[name] = string(b)
			} else {
				row[name] = values[i]
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// batchColumns returns the sorted union of the record fields.
func batchColumns(batch []map[string]any) []string {
	seen := make(map[string]struct{})
	for _, rec := range batch {
		for k := range rec {
			seen[k] = struct{}{}
		}
	}
	columns := make([]string, 0, len(seen))
	for k := range seen {
		columns = append(columns, k)
	}
	sort.Strings(columns)
	if len(columns) == 0 {
		columns = append(columns, "_")
	}
	return columns
}

func columnValue(v any) (any, error) {
	switch v.(type) {
	case nil, string, bool, int, int64, float64, []byte, time.Time:
		return v, nil
	case uint64:
		return fmt.Sprint(v), nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		return string(data), nil
	}
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
