// Package requestlog persists one row per proxied request (upstream,
// path, outcome, status, latency) to SQLite or Postgres so operators can
// audit how many calls actually reached the metered upstreams.
package requestlog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Entry is one proxied request.
type Entry struct {
	TraceID      string    `json:"trace_id"`
	Upstream     string    `json:"upstream"`
	Path         string    `json:"path"`
	Query        string    `json:"query,omitempty"`
	Outcome      string    `json:"outcome"`
	Status       int       `json:"status"`
	Cached       bool      `json:"cached"`
	LatencyMs    int64     `json:"latency_ms"`
	ErrorMessage string    `json:"error_message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Query filters List results. Zero values mean no filter.
type Query struct {
	Limit    int
	Offset   int
	Upstream string
	Outcome  string
}

// ListResult is a page of entries plus the total matching count.
type ListResult struct {
	Total int     `json:"total"`
	Data  []Entry `json:"data"`
}

// Writer persists request log entries.
type Writer interface {
	Write(ctx context.Context, entry Entry) error
}

// Reader lists persisted entries, newest first.
type Reader interface {
	List(ctx context.Context, q Query) (ListResult, error)
}

// NoopWriter ignores all log writes.
type NoopWriter struct{}

func (NoopWriter) Write(_ context.Context, _ Entry) error { return nil }

// SQLWriter persists entries to SQLite/Postgres.
type SQLWriter struct {
	db      *sql.DB
	dialect string
}

// Open returns a writer for driver "sqlite" or "postgres".
func Open(driver, dsn string) (*SQLWriter, error) {
	switch driver {
	case "sqlite":
		return NewSQLiteWriter(dsn)
	case "postgres":
		return NewPostgresWriter(dsn)
	default:
		return nil, fmt.Errorf("unsupported request log driver %q: use sqlite or postgres", driver)
	}
}

func NewSQLiteWriter(dsn string) (*SQLWriter, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		dsn = "cryptoproxy-requests.db"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite request log writer: %w", err)
	}
	// SQLite serialises writers anyway; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	w := &SQLWriter{db: db, dialect: "sqlite"}
	if err := w.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return w, nil
}

func NewPostgresWriter(dsn string) (*SQLWriter, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres request log writer: %w", err)
	}
	w := &SQLWriter{db: db, dialect: "postgres"}
	if err := w.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return w, nil
}

func (w *SQLWriter) init() error {
	if err := w.db.Ping(); err != nil {
		return fmt.Errorf("ping %s request log writer: %w", w.dialect, err)
	}

	ddl := `
CREATE TABLE IF NOT EXISTS proxy_requests (
	id INTEGER PRIMARY KEY,
	trace_id TEXT,
	upstream TEXT NOT NULL,
	path TEXT NOT NULL,
	query TEXT,
	outcome TEXT NOT NULL,
	status INTEGER NOT NULL,
	cached BOOLEAN NOT NULL,
	latency_ms INTEGER NOT NULL,
	error_message TEXT,
	created_at TIMESTAMP NOT NULL
);`

	if w.dialect == "postgres" {
		ddl = `
CREATE TABLE IF NOT EXISTS proxy_requests (
	id BIGSERIAL PRIMARY KEY,
	trace_id TEXT,
	upstream TEXT NOT NULL,
	path TEXT NOT NULL,
	query TEXT,
	outcome TEXT NOT NULL,
	status INTEGER NOT NULL,
	cached BOOLEAN NOT NULL,
	latency_ms BIGINT NOT NULL,
	error_message TEXT,
	created_at TIMESTAMPTZ NOT NULL
);`
	}

	if _, err := w.db.Exec(ddl); err != nil {
		return fmt.Errorf("initialize request log schema: %w", err)
	}
	return nil
}

// placeholder returns the n-th (1-based) bind parameter for the dialect.
func (w *SQLWriter) placeholder(n int) string {
	if w.dialect == "postgres" {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func (w *SQLWriter) Write(ctx context.Context, entry Entry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	ph := make([]string, 10)
	for i := range ph {
		ph[i] = w.placeholder(i + 1)
	}
	query := `INSERT INTO proxy_requests(trace_id, upstream, path, query, outcome, status, cached, latency_ms, error_message, created_at)
	VALUES(` + strings.Join(ph, ", ") + `)`

	_, err := w.db.ExecContext(ctx, query,
		entry.TraceID,
		entry.Upstream,
		entry.Path,
		entry.Query,
		entry.Outcome,
		entry.Status,
		entry.Cached,
		entry.LatencyMs,
		entry.ErrorMessage,
		entry.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("write request log: %w", err)
	}
	return nil
}

// List returns entries matching q, newest first. Limit defaults to 50 and
// is capped at 500.
func (w *SQLWriter) List(ctx context.Context, q Query) (ListResult, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	var (
		conds []string
		args  []interface{}
	)
	if q.Upstream != "" {
		args = append(args, q.Upstream)
		conds = append(conds, "upstream = "+w.placeholder(len(args)))
	}
	if q.Outcome != "" {
		args = append(args, q.Outcome)
		conds = append(conds, "outcome = "+w.placeholder(len(args)))
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var result ListResult
	if err := w.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM proxy_requests"+where, args...).Scan(&result.Total); err != nil {
		return ListResult{}, fmt.Errorf("count request logs: %w", err)
	}

	pageArgs := append(append([]interface{}{}, args...), limit, offset)
	query := fmt.Sprintf(`SELECT trace_id, upstream, path, query, outcome, status, cached, latency_ms, error_message, created_at
	FROM proxy_requests%s ORDER BY created_at DESC, id DESC LIMIT %s OFFSET %s`,
		where, w.placeholder(len(args)+1), w.placeholder(len(args)+2))

	rows, err := w.db.QueryContext(ctx, query, pageArgs...)
	if err != nil {
		return ListResult{}, fmt.Errorf("list request logs: %w", err)
	}
	defer rows.Close()

	result.Data = make([]Entry, 0, limit)
	for rows.Next() {
		var (
			e                          Entry
			traceID, rawQuery, errText sql.NullString
		)
		if err := rows.Scan(&traceID, &e.Upstream, &e.Path, &rawQuery, &e.Outcome, &e.Status, &e.Cached, &e.LatencyMs, &errText, &e.CreatedAt); err != nil {
			return ListResult{}, fmt.Errorf("scan request log: %w", err)
		}
		e.TraceID = traceID.String
		e.Query = rawQuery.String
		e.ErrorMessage = errText.String
		result.Data = append(result.Data, e)
	}
	if err := rows.Err(); err != nil {
		return ListResult{}, fmt.Errorf("iterate request logs: %w", err)
	}
	return result, nil
}

func (w *SQLWriter) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}
