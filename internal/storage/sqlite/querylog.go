package sqlite

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mistakeknot/cuerelay/internal/metrics"
)

const slowQueryThreshold = 100 * time.Millisecond

// dbHandle is what Store needs from the database; *sql.DB and *queryLogger
// both satisfy it.
type dbHandle interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
	Close() error
}

// queryLogger times every statement into the relay query histogram and
// warns about slow ones. Transactions are not timed.
type queryLogger struct {
	inner *sql.DB
	log   *zap.SugaredLogger
	now   func() time.Time
}

func newQueryLogger(db *sql.DB, log *zap.SugaredLogger) *queryLogger {
	return &queryLogger{inner: db, log: log, now: time.Now}
}

func (q *queryLogger) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	defer q.timed(query)()
	return q.inner.ExecContext(ctx, query, args...)
}

func (q *queryLogger) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	defer q.timed(query)()
	return q.inner.QueryContext(ctx, query, args...)
}

func (q *queryLogger) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	defer q.timed(query)()
	return q.inner.QueryRowContext(ctx, query, args...)
}

func (q *queryLogger) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	return q.inner.BeginTx(ctx, opts)
}

func (q *queryLogger) Close() error {
	return q.inner.Close()
}

func (q *queryLogger) timed(query string) func() {
	start := q.now()
	return func() {
		d := q.now().Sub(start)
		metrics.QueryObserved(statementKind(query), d.Seconds())
		if d >= slowQueryThreshold {
			q.log.Warnw("slow query", "duration", d.Round(time.Millisecond), "query", truncateQuery(query))
		}
	}
}

// statementKind is the lower-cased leading keyword, used as a metric label.
func statementKind(query string) string {
	fields := strings.Fields(query)
	if len(fields) == 0 {
		return "unknown"
	}
	switch kind := strings.ToLower(fields[0]); kind {
	case "select", "insert", "update", "delete", "with", "pragma":
		return kind
	default:
		return "other"
	}
}

func truncateQuery(s string) string {
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}
