package db

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// UpsertConfig holds configuration for chunked upsert operations.
type UpsertConfig struct {
	ChunkSize  int
	MaxRetries int
	RetryDelay time.Duration
}

// DefaultUpsertConfig returns sensible defaults for upserting provider pages.
func DefaultUpsertConfig() UpsertConfig {
	return UpsertConfig{
		ChunkSize:  100,
		MaxRetries: 3,
		RetryDelay: 1 * time.Second,
	}
}

// BatchUpsert writes rows in chunks using a multi-row INSERT with an
// ON CONFLICT DO UPDATE clause keyed by conflictCols. Re-running it with the
// same rows is a no-op apart from refreshed updateCols, which is what makes
// crawl pages safe to replay.
// Returns the number of rows written.
func (d *DB) BatchUpsert(ctx context.Context, table string, columns, conflictCols, updateCols []string, rows [][]interface{}, cfg UpsertConfig) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if cfg.ChunkSize < 1 {
		cfg.ChunkSize = 100
	}

	total := 0
	for i := 0; i < len(rows); i += cfg.ChunkSize {
		end := i + cfg.ChunkSize
		if end > len(rows) {
			end = len(rows)
		}

		chunk := rows[i:end]
		n, err := d.upsertChunk(ctx, table, columns, conflictCols, updateCols, chunk, cfg.MaxRetries, cfg.RetryDelay)
		if err != nil {
			return total, fmt.Errorf("batch upsert failed at offset %d: %w", i, err)
		}
		total += n
	}

	return total, nil
}

func (d *DB) upsertChunk(ctx context.Context, table string, columns, conflictCols, updateCols []string, chunk [][]interface{}, maxRetries int, retryDelay time.Duration) (int, error) {
	sql, args := buildUpsertSQL(table, columns, conflictCols, updateCols, chunk)

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		default:
		}

		tag, err := d.Pool.Exec(ctx, sql, args...)
		if err == nil {
			return int(tag.RowsAffected()), nil
		}

		lastErr = err
		if attempt < maxRetries-1 {
			time.Sleep(retryDelay)
		}
	}

	return 0, lastErr
}

func buildUpsertSQL(table string, columns, conflictCols, updateCols []string, chunk [][]interface{}) (string, []interface{}) {
	var sb strings.Builder
	sb.WriteString("INSERT INTO ")
	sb.WriteString(table)
	sb.WriteString(" (")
	sb.WriteString(strings.Join(columns, ", "))
	sb.WriteString(") VALUES ")

	args := make([]interface{}, 0, len(chunk)*len(columns))
	ph := 1
	for r, row := range chunk {
		if r > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(")
		for c := range columns {
			if c > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", ph)
			ph++
			args = append(args, row[c])
		}
		sb.WriteString(")")
	}

	sb.WriteString(" ON CONFLICT (")
	sb.WriteString(strings.Join(conflictCols, ", "))
	sb.WriteString(") DO UPDATE SET ")
	for i, col := range updateCols {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%s = EXCLUDED.%s", col, col)
	}

	return sb.String(), args
}
