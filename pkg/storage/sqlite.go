package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	// Import modernc.org/sqlite as a blank import to register the driver
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store on a local SQLite file. Indexed fields live in
// api_call_logs; payloads live in api_call_payloads keyed by log id.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteStore opens (or creates) the database file and initializes the schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	// Pragmas go in the DSN so every pooled connection gets them.
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"+
		"&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.PingContext(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.createSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return s, nil
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.path
}

func (s *SQLiteStore) createSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS api_call_logs (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		supplier_name TEXT NOT NULL,
		endpoint TEXT NOT NULL,
		method TEXT,
		request_ts INTEGER NOT NULL,
		response_ts INTEGER,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		status_code INTEGER NOT NULL,
		is_error INTEGER NOT NULL DEFAULT 0,
		error_message TEXT,
		trace_id TEXT,
		correlation_id TEXT,
		environment TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_call_logs_timeline ON api_call_logs(request_ts DESC, seq);
	CREATE INDEX IF NOT EXISTS idx_call_logs_supplier ON api_call_logs(supplier_name, request_ts DESC, seq);
	CREATE INDEX IF NOT EXISTS idx_call_logs_errors ON api_call_logs(is_error, request_ts DESC, seq);
	CREATE INDEX IF NOT EXISTS idx_call_logs_trace ON api_call_logs(trace_id) WHERE trace_id IS NOT NULL;

	CREATE TABLE IF NOT EXISTS api_call_payloads (
		log_id TEXT PRIMARY KEY REFERENCES api_call_logs(id) ON DELETE CASCADE,
		request_payload BLOB,
		response_payload BLOB,
		request_headers TEXT,
		response_headers TEXT,
		error_stack TEXT
	);
	`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

const summaryColumns = `seq, id, supplier_name, endpoint, method, request_ts, response_ts,
	duration_ms, status_code, error_message, trace_id, correlation_id, environment`

// SaveCallLog inserts the summary and payload rows in one transaction
func (s *SQLiteStore) SaveCallLog(ctx context.Context, log *APICallLog) error {
	reqHeaders, err := encodeHeaders(log.RequestHeaders)
	if err != nil {
		return persistenceErr("encode request headers", err)
	}
	respHeaders, err := encodeHeaders(log.ResponseHeaders)
	if err != nil {
		return persistenceErr("encode response headers", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return persistenceErr("begin insert", err)
	}
	defer func() { _ = tx.Rollback() }()

	var responseTS sql.NullInt64
	if log.ResponseTimestamp != nil {
		responseTS = sql.NullInt64{Int64: toMicros(*log.ResponseTimestamp), Valid: true}
	}

	result, err := tx.ExecContext(ctx, `
		INSERT INTO api_call_logs (
			id, supplier_name, endpoint, method, request_ts, response_ts, duration_ms,
			status_code, is_error, error_message, trace_id, correlation_id, environment
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		log.ID,
		log.SupplierName,
		log.Endpoint,
		nullString(log.Method),
		toMicros(log.RequestTimestamp),
		responseTS,
		log.DurationMs,
		log.StatusCode,
		log.IsError(),
		nullString(log.ErrorMessage),
		nullString(log.TraceID),
		nullString(log.CorrelationID),
		nullString(log.Environment),
	)
	if err != nil {
		return persistenceErr("insert call log", err)
	}

	seq, err := result.LastInsertId()
	if err != nil {
		return persistenceErr("read sequence", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO api_call_payloads (
			log_id, request_payload, response_payload, request_headers, response_headers, error_stack
		) VALUES (?, ?, ?, ?, ?, ?)`,
		log.ID,
		nullBytes(log.RequestPayload),
		nullBytes(log.ResponsePayload),
		reqHeaders,
		respHeaders,
		nullString(log.ErrorStack),
	)
	if err != nil {
		return persistenceErr("insert payload", err)
	}

	if err := tx.Commit(); err != nil {
		return persistenceErr("commit insert", err)
	}

	log.Seq = seq
	return nil
}

// GetCallLog returns the full entry joined with its payload row
func (s *SQLiteStore) GetCallLog(ctx context.Context, id string) (*APICallLog, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+summaryColumns+`,
			p.request_payload, p.response_payload, p.request_headers, p.response_headers, p.error_stack
		FROM api_call_logs l
		LEFT JOIN api_call_payloads p ON p.log_id = l.id
		WHERE l.id = ?`, id)

	var (
		reqPayload, respPayload []byte
		reqHeaders, respHeaders sql.NullString
		errStack                sql.NullString
	)
	log, err := scanSummary(row, &reqPayload, &respPayload, &reqHeaders, &respHeaders, &errStack)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, persistenceErr("get call log", err)
	}

	log.RequestPayload = reqPayload
	log.ResponsePayload = respPayload
	log.ErrorStack = errStack.String
	if log.RequestHeaders, err = decodeHeaders(reqHeaders); err != nil {
		return nil, persistenceErr("decode request headers", err)
	}
	if log.ResponseHeaders, err = decodeHeaders(respHeaders); err != nil {
		return nil, persistenceErr("decode response headers", err)
	}

	return log, nil
}

// ListCallLogs returns one page of summaries plus the matching count
func (s *SQLiteStore) ListCallLogs(ctx context.Context, filters LogFilters) ([]*APICallLog, int, error) {
	where, args := filterClause(filters)

	var total int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM api_call_logs"+where, args...).Scan(&total)
	if err != nil {
		return nil, 0, persistenceErr("count call logs", err)
	}
	if filters.Limit <= 0 || filters.Offset >= total {
		return []*APICallLog{}, total, nil
	}

	query := "SELECT " + summaryColumns + " FROM api_call_logs" + where +
		" ORDER BY request_ts DESC, seq ASC LIMIT ? OFFSET ?"
	logs, err := s.querySummaries(ctx, query, append(args, filters.Limit, filters.Offset)...)
	if err != nil {
		return nil, 0, err
	}
	return logs, total, nil
}

// ListByTrace returns summaries for a trace id, oldest first
func (s *SQLiteStore) ListByTrace(ctx context.Context, traceID string) ([]*APICallLog, error) {
	return s.querySummaries(ctx, "SELECT "+summaryColumns+
		" FROM api_call_logs WHERE trace_id = ? ORDER BY request_ts ASC, seq ASC", traceID)
}

// ScanCallLogs walks every summary in sequence order using keyset pagination
func (s *SQLiteStore) ScanCallLogs(ctx context.Context, fn func(*APICallLog) error) error {
	var after int64
	for {
		logs, err := s.querySummaries(ctx, "SELECT "+summaryColumns+
			" FROM api_call_logs WHERE seq > ? ORDER BY seq ASC LIMIT ?", after, scanChunk)
		if err != nil {
			return err
		}
		for _, log := range logs {
			if err := fn(log); err != nil {
				return err
			}
			after = log.Seq
		}
		if len(logs) < scanChunk {
			return nil
		}
	}
}

// DeleteCallLogsBefore deletes one batch of expired rows in a single transaction
func (s *SQLiteStore) DeleteCallLogsBefore(ctx context.Context, cutoff time.Time, limit int) ([]*APICallLog, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, persistenceErr("begin delete", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, "SELECT "+summaryColumns+
		" FROM api_call_logs WHERE request_ts < ? ORDER BY request_ts ASC, seq ASC LIMIT ?",
		toMicros(cutoff), limit)
	if err != nil {
		return nil, persistenceErr("select expired call logs", err)
	}
	logs, err := collectSummaries(rows)
	if err != nil {
		return nil, err
	}
	if len(logs) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(logs)), ",")
	seqs := make([]any, len(logs))
	for i, log := range logs {
		seqs[i] = log.Seq
	}

	// Payload rows go with their parent through ON DELETE CASCADE.
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM api_call_logs WHERE seq IN ("+placeholders+")", seqs...); err != nil {
		return nil, persistenceErr("delete call logs", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, persistenceErr("commit delete", err)
	}
	return logs, nil
}

func filterClause(f LogFilters) (string, []any) {
	var (
		conds []string
		args  []any
	)
	if f.Supplier != "" {
		conds = append(conds, "supplier_name = ?")
		args = append(args, f.Supplier)
	}
	if f.ErrorsOnly {
		conds = append(conds, "is_error = 1")
	}
	if !f.From.IsZero() {
		conds = append(conds, "request_ts >= ?")
		args = append(args, toMicros(f.From))
	}
	if !f.To.IsZero() {
		conds = append(conds, "request_ts <= ?")
		args = append(args, toMicros(f.To))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (s *SQLiteStore) querySummaries(ctx context.Context, query string, args ...any) ([]*APICallLog, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, persistenceErr("query call logs", err)
	}
	return collectSummaries(rows)
}

func collectSummaries(rows *sql.Rows) ([]*APICallLog, error) {
	defer func() { _ = rows.Close() }()

	logs := []*APICallLog{}
	for rows.Next() {
		log, err := scanSummary(rows)
		if err != nil {
			return nil, persistenceErr("scan call log", err)
		}
		logs = append(logs, log)
	}
	if err := rows.Err(); err != nil {
		return nil, persistenceErr("iterate call logs", err)
	}
	return logs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSummary(row rowScanner, extra ...any) (*APICallLog, error) {
	var (
		log                                     APICallLog
		requestTS                               int64
		responseTS                              sql.NullInt64
		method, errMsg, traceID, corrID, envTag sql.NullString
	)

	dest := append([]any{
		&log.Seq,
		&log.ID,
		&log.SupplierName,
		&log.Endpoint,
		&method,
		&requestTS,
		&responseTS,
		&log.DurationMs,
		&log.StatusCode,
		&errMsg,
		&traceID,
		&corrID,
		&envTag,
	}, extra...)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}

	log.RequestTimestamp = fromMicros(requestTS)
	if responseTS.Valid {
		ts := fromMicros(responseTS.Int64)
		log.ResponseTimestamp = &ts
	}
	log.Method = method.String
	log.ErrorMessage = errMsg.String
	log.TraceID = traceID.String
	log.CorrelationID = corrID.String
	log.Environment = envTag.String
	return &log, nil
}

func encodeHeaders(h map[string]string) (sql.NullString, error) {
	if len(h) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(h)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func decodeHeaders(v sql.NullString) (map[string]string, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	var h map[string]string
	if err := json.Unmarshal([]byte(v.String), &h); err != nil {
		return nil, err
	}
	return h, nil
}

// nullString returns a sql.NullString from a string.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return []byte(b)
}

// Ping checks the database connection
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return persistenceErr("ping", s.db.PingContext(ctx))
}

// Close checkpoints the WAL and closes the database.
func (s *SQLiteStore) Close() error {
	_, _ = s.db.ExecContext(context.Background(), "PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}
