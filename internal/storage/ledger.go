package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

const (
	jobsTable       = "jobs"
	updatedAtColumn = "updated_at"
)

// Job states stored in the ledger.
const (
	StateActive   = "active"
	StateFinished = "finished"
)

var jobColumns = []string{
	"job_key",
	"pid",
	"kind",
	"command",
	"radios",
	"host",
	"state",
	"started_at",
	"finished_at",
	"reason",
}

// JobRow is one ledger entry.
type JobRow struct {
	Key         string
	PID         int
	Kind        string
	CommandLine string
	Radios      []int
	Host        string
	State       string
	StartedAt   time.Time
	FinishedAt  *time.Time
	Reason      string
}

// JobLedger mirrors the server's job registry into SQLite so runs can be
// audited after the process exits.
type JobLedger struct {
	db     *sql.DB
	upsert *sql.Stmt
	finish *sql.Stmt
	logger zerolog.Logger
}

// NewJobLedger opens (or creates) the database at path and ensures the
// jobs table exists.
func NewJobLedger(path string, logger zerolog.Logger) (*JobLedger, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("job ledger path is empty")
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrapf(err, "create ledger dir %s failed", dir)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite job ledger failed")
	}
	if err := configureSQLite(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := ensureJobSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	upsert, err := prepareJobUpsert(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	finish, err := db.Prepare(finishQuery)
	if err != nil {
		upsert.Close()
		db.Close()
		return nil, errors.Wrap(err, "prepare job finish statement failed")
	}
	return &JobLedger{db: db, upsert: upsert, finish: finish, logger: logger}, nil
}

var finishQuery = fmt.Sprintf(`UPDATE %s SET %s=?, %s=?, %s=?, %s=CURRENT_TIMESTAMP WHERE %s=?`,
	quoteIdent(jobsTable), quoteIdent("state"), quoteIdent("finished_at"), quoteIdent("reason"),
	quoteIdent(updatedAtColumn), quoteIdent("job_key"))

func configureSQLite(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA temp_store=MEMORY;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			return errors.Wrapf(err, "execute sqlite pragma %s failed", stmt)
		}
	}
	db.SetMaxOpenConns(1)
	return nil
}

func ensureJobSchema(db *sql.DB) error {
	defs := []string{
		fmt.Sprintf("%s TEXT PRIMARY KEY", quoteIdent("job_key")),
		fmt.Sprintf("%s INTEGER NOT NULL", quoteIdent("pid")),
		fmt.Sprintf("%s TEXT NOT NULL", quoteIdent("kind")),
		fmt.Sprintf("%s TEXT", quoteIdent("command")),
		fmt.Sprintf("%s TEXT", quoteIdent("radios")),
		fmt.Sprintf("%s TEXT", quoteIdent("host")),
		fmt.Sprintf("%s TEXT NOT NULL", quoteIdent("state")),
		fmt.Sprintf("%s TEXT", quoteIdent("started_at")),
		fmt.Sprintf("%s TEXT", quoteIdent("finished_at")),
		fmt.Sprintf("%s TEXT", quoteIdent("reason")),
		fmt.Sprintf("%s TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP", quoteIdent(updatedAtColumn)),
	}
	createStmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
%s
);`, quoteIdent(jobsTable), strings.Join(defs, ",\n"))
	if _, err := db.Exec(createStmt); err != nil {
		return errors.Wrap(err, "create jobs table failed")
	}
	// older ledgers predate the host and reason columns
	if err := ensureColumnExists(db, jobsTable, "host", "TEXT"); err != nil {
		return err
	}
	if err := ensureColumnExists(db, jobsTable, "reason", "TEXT"); err != nil {
		return err
	}
	indexes := []string{
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s(%s);`, quoteIdent("idx_"+jobsTable+"_state"), quoteIdent(jobsTable), quoteIdent("state")),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s(%s);`, quoteIdent("idx_"+jobsTable+"_pid"), quoteIdent(jobsTable), quoteIdent("pid")),
	}
	for _, stmt := range indexes {
		if _, err := db.Exec(stmt); err != nil {
			return errors.Wrap(err, "create jobs index failed")
		}
	}
	return nil
}

func prepareJobUpsert(db *sql.DB) (*sql.Stmt, error) {
	stmt, err := db.Prepare(upsertQuery)
	if err != nil {
		return nil, errors.Wrap(err, "prepare job upsert statement failed")
	}
	return stmt, nil
}

var upsertQuery = buildJobUpsert()

func buildJobUpsert() string {
	quotedCols := make([]string, len(jobColumns))
	placeholders := make([]string, len(jobColumns))
	for i, col := range jobColumns {
		quotedCols[i] = quoteIdent(col)
		placeholders[i] = "?"
	}
	columnList := strings.Join(append(quotedCols, quoteIdent(updatedAtColumn)), ", ")
	valuesList := strings.Join(placeholders, ", ") + ", CURRENT_TIMESTAMP"

	builder := &strings.Builder{}
	fmt.Fprintf(builder, "INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(%s) DO UPDATE SET ",
		quoteIdent(jobsTable), columnList, valuesList, quoteIdent("job_key"))
	sets := make([]string, 0, len(jobColumns))
	for _, col := range jobColumns[1:] {
		sets = append(sets, fmt.Sprintf("%s=excluded.%s", quoteIdent(col), quoteIdent(col)))
	}
	sets = append(sets, fmt.Sprintf("%s=CURRENT_TIMESTAMP", quoteIdent(updatedAtColumn)))
	builder.WriteString(strings.Join(sets, ", "))
	return builder.String()
}

// Close releases sqlite resources.
func (l *JobLedger) Close() error {
	if l == nil {
		return nil
	}
	if l.upsert != nil {
		l.upsert.Close()
	}
	if l.finish != nil {
		l.finish.Close()
	}
	if l.db != nil {
		return l.db.Close()
	}
	return nil
}

// RecordStart inserts or refreshes the row for a spawned job.
func (l *JobLedger) RecordStart(ctx context.Context, row JobRow) error {
	if l == nil {
		return nil
	}
	if strings.TrimSpace(row.Key) == "" {
		return errors.New("job key is empty")
	}
	state := row.State
	if state == "" {
		state = StateActive
	}
	var finished sql.NullString
	if row.FinishedAt != nil {
		finished = formatTime(*row.FinishedAt)
	}
	args := []any{
		row.Key,
		row.PID,
		row.Kind,
		nullableString(row.CommandLine),
		nullableString(joinRadios(row.Radios)),
		nullableString(row.Host),
		state,
		formatTime(row.StartedAt),
		finished,
		nullableString(row.Reason),
	}
	l.logger.Debug().Str("sql", FormatSQLForLog(upsertQuery, args...)).Msg("ledger write")
	if _, err := l.upsert.ExecContext(ctx, args...); err != nil {
		return errors.Wrapf(err, "upsert job %s failed", row.Key)
	}
	return nil
}

// RecordFinish marks the job finished.
func (l *JobLedger) RecordFinish(ctx context.Context, key string, at time.Time, reason string) error {
	if l == nil {
		return nil
	}
	args := []any{StateFinished, formatTime(at), nullableString(reason), key}
	l.logger.Debug().Str("sql", FormatSQLForLog(finishQuery, args...)).Msg("ledger write")
	res, err := l.finish.ExecContext(ctx, args...)
	if err != nil {
		return errors.Wrapf(err, "finish job %s failed", key)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errors.Errorf("finish job %s: no such job", key)
	}
	return nil
}

// List returns the jobs in state, oldest first. An empty state lists all.
func (l *JobLedger) List(ctx context.Context, state string) ([]JobRow, error) {
	query := fmt.Sprintf("SELECT %s FROM %s", strings.Join(quotedJobColumns(), ", "), quoteIdent(jobsTable))
	var args []any
	if state != "" {
		query += fmt.Sprintf(" WHERE %s = ?", quoteIdent("state"))
		args = append(args, state)
	}
	query += fmt.Sprintf(" ORDER BY %s, %s", quoteIdent("started_at"), quoteIdent("job_key"))
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query jobs failed")
	}
	defer rows.Close()
	var out []JobRow
	for rows.Next() {
		var (
			row                        JobRow
			command, radios, host, rsn sql.NullString
			started, finished          sql.NullString
		)
		if err := rows.Scan(&row.Key, &row.PID, &row.Kind, &command, &radios, &host, &row.State, &started, &finished, &rsn); err != nil {
			return nil, errors.Wrap(err, "scan job row failed")
		}
		row.CommandLine = command.String
		row.Radios = splitRadios(radios.String)
		row.Host = host.String
		row.Reason = rsn.String
		if t, ok := parseTime(started); ok {
			row.StartedAt = t
		}
		if t, ok := parseTime(finished); ok {
			row.FinishedAt = &t
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate job rows failed")
	}
	return out, nil
}

func quotedJobColumns() []string {
	out := make([]string, len(jobColumns))
	for i, col := range jobColumns {
		out[i] = quoteIdent(col)
	}
	return out
}

func joinRadios(radios []int) string {
	parts := make([]string, len(radios))
	for i, r := range radios {
		parts[i] = strconv.Itoa(r)
	}
	return strings.Join(parts, ",")
}

func splitRadios(raw string) []int {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var out []int
	for _, part := range strings.Split(raw, ",") {
		if n, err := strconv.Atoi(strings.TrimSpace(part)); err == nil {
			out = append(out, n)
		}
	}
	return out
}

func nullableString(value string) sql.NullString {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: trimmed, Valid: true}
}

func formatTime(ts time.Time) sql.NullString {
	if ts.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: ts.UTC().Format(time.RFC3339Nano), Valid: true}
}

func parseTime(raw sql.NullString) (time.Time, bool) {
	if !raw.Valid || raw.String == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, raw.String)
	return t, err == nil
}

func ensureColumnExists(db *sql.DB, table, column, columnType string) error {
	columnName := strings.TrimSpace(column)
	if columnName == "" {
		return nil
	}
	exists, err := columnExists(db, table, columnName)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", quoteIdent(table), quoteIdent(columnName), columnType)
	if _, err := db.Exec(stmt); err != nil {
		return errors.Wrapf(err, "add column %s to table %s failed", columnName, table)
	}
	return nil
}

func columnExists(db *sql.DB, table, column string) (bool, error) {
	query := fmt.Sprintf("PRAGMA table_info(%s);", quoteIdent(table))
	rows, err := db.Query(query)
	if err != nil {
		return false, errors.Wrap(err, "query jobs schema failed")
	}
	defer rows.Close()
	for rows.Next() {
		var (
			cid    int
			name   string
			ctype  string
			notnul int
			dflt   sql.NullString
			pk     int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnul, &dflt, &pk); err != nil {
			return false, errors.Wrap(err, "scan jobs schema failed")
		}
		if strings.EqualFold(strings.TrimSpace(name), column) {
			return true, nil
		}
	}
	if err := rows.Err(); err != nil {
		return false, errors.Wrap(err, "iterate jobs schema failed")
	}
	return false, nil
}

func quoteIdent(name string) string {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return ""
	}
	escaped := strings.ReplaceAll(trimmed, "\"", "\"\"")
	return fmt.Sprintf("\"%s\"", escaped)
}
