package usage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// aggregateColumns is shared by the SQL readers; both store an empty
// error_type on success.
const aggregateColumns = `COUNT(*),
	COALESCE(SUM(CASE WHEN cache_status = 'hit' AND error_type = '' THEN 1 ELSE 0 END), 0),
	COALESCE(SUM(CASE WHEN cache_status = 'miss' AND error_type = '' THEN 1 ELSE 0 END), 0),
	COALESCE(SUM(CASE WHEN error_type <> '' THEN 1 ELSE 0 END), 0),
	COALESCE(SUM(bytes), 0)`

// SQLiteReader implements UsageReader for SQLite databases.
type SQLiteReader struct {
	db *sql.DB
}

// NewSQLiteReader creates a new SQLite usage reader.
func NewSQLiteReader(db *sql.DB) (*SQLiteReader, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	return &SQLiteReader{db: db}, nil
}

func (r *SQLiteReader) where(params UsageQueryParams) (string, []any) {
	start, end := params.bounds()
	var conds []string
	var args []any
	if !start.IsZero() {
		conds = append(conds, "timestamp >= ?")
		args = append(args, formatSQLiteTime(start))
	}
	if !end.IsZero() {
		conds = append(conds, "timestamp < ?")
		args = append(args, formatSQLiteTime(end))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (r *SQLiteReader) GetSummary(ctx context.Context, params UsageQueryParams) (*UsageSummary, error) {
	where, args := r.where(params)
	query := `SELECT ` + aggregateColumns + `,
		COALESCE(SUM(text_chars), 0),
		COALESCE(AVG(CASE WHEN cache_status = 'miss' AND error_type = '' THEN duration_ms END), 0)
		FROM ` + tableName + where

	summary := &UsageSummary{}
	err := r.db.QueryRowContext(ctx, query, args...).Scan(
		&summary.TotalRequests, &summary.CacheHits, &summary.CacheMisses, &summary.Errors,
		&summary.BytesServed, &summary.TextChars, &summary.AvgSynthesisMs,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage summary: %w", err)
	}
	return summary, nil
}

func sqliteGroupExpr(interval string) string {
	switch interval {
	case IntervalWeekly:
		return `strftime('%G-W%V', timestamp)`
	case IntervalMonthly:
		return `strftime('%Y-%m', timestamp)`
	case IntervalYearly:
		return `strftime('%Y', timestamp)`
	default:
		return `DATE(timestamp)`
	}
}

func (r *SQLiteReader) GetDailyUsage(ctx context.Context, params UsageQueryParams) ([]DailyUsage, error) {
	groupExpr := sqliteGroupExpr(params.interval())
	where, args := r.where(params)

	query := fmt.Sprintf(`SELECT %s AS period, %s FROM %s%s GROUP BY period ORDER BY period`,
		groupExpr, aggregateColumns, tableName, where)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query daily usage: %w", err)
	}
	defer rows.Close()

	result := make([]DailyUsage, 0)
	for rows.Next() {
		var d DailyUsage
		if err := rows.Scan(&d.Date, &d.Requests, &d.CacheHits, &d.CacheMisses, &d.Errors, &d.BytesServed); err != nil {
			return nil, fmt.Errorf("failed to scan daily usage row: %w", err)
		}
		result = append(result, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating daily usage rows: %w", err)
	}
	return result, nil
}
