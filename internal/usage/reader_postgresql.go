package usage

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgreSQLReader implements UsageReader for PostgreSQL databases.
type PostgreSQLReader struct {
	pool *pgxpool.Pool
}

// NewPostgreSQLReader creates a new PostgreSQL usage reader.
func NewPostgreSQLReader(pool *pgxpool.Pool) (*PostgreSQLReader, error) {
	if pool == nil {
		return nil, fmt.Errorf("connection pool is required")
	}
	return &PostgreSQLReader{pool: pool}, nil
}

func (r *PostgreSQLReader) where(params UsageQueryParams) (string, []any) {
	start, end := params.bounds()
	var conds []string
	var args []any
	if !start.IsZero() {
		args = append(args, start)
		conds = append(conds, fmt.Sprintf("timestamp >= $%d", len(args)))
	}
	if !end.IsZero() {
		args = append(args, end)
		conds = append(conds, fmt.Sprintf("timestamp < $%d", len(args)))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (r *PostgreSQLReader) GetSummary(ctx context.Context, params UsageQueryParams) (*UsageSummary, error) {
	where, args := r.where(params)
	query := `SELECT ` + aggregateColumns + `,
		COALESCE(SUM(text_chars), 0),
		COALESCE(AVG(CASE WHEN cache_status = 'miss' AND error_type = '' THEN duration_ms END), 0)::DOUBLE PRECISION
		FROM ` + tableName + where

	summary := &UsageSummary{}
	err := r.pool.QueryRow(ctx, query, args...).Scan(
		&summary.TotalRequests, &summary.CacheHits, &summary.CacheMisses, &summary.Errors,
		&summary.BytesServed, &summary.TextChars, &summary.AvgSynthesisMs,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage summary: %w", err)
	}
	return summary, nil
}

func pgGroupExpr(interval string) string {
	switch interval {
	case IntervalWeekly:
		return `to_char(timestamp AT TIME ZONE 'UTC', 'IYYY-"W"IW')`
	case IntervalMonthly:
		return `to_char(timestamp AT TIME ZONE 'UTC', 'YYYY-MM')`
	case IntervalYearly:
		return `to_char(timestamp AT TIME ZONE 'UTC', 'YYYY')`
	default:
		return `to_char(timestamp AT TIME ZONE 'UTC', 'YYYY-MM-DD')`
	}
}

func (r *PostgreSQLReader) GetDailyUsage(ctx context.Context, params UsageQueryParams) ([]DailyUsage, error) {
	groupExpr := pgGroupExpr(params.interval())
	where, args := r.where(params)

	query := fmt.Sprintf(`SELECT %s AS period, %s FROM %s%s GROUP BY period ORDER BY period`,
		groupExpr, aggregateColumns, tableName, where)

	rows, err := r.pool.Query(ctx, query, args...)
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
