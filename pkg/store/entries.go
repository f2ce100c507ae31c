package store

import (
	"context"
	"fmt"
	"time"
)

// Row is a single stored stream entry as read back from the database.
type Row struct {
	Offset int64
	Value  []byte
}

// Append assigns the next offset for (workflowID, streamKey), inserts value
// at that offset, and returns the assigned offset. The stream_entries
// AFTER INSERT trigger fires pg_notify on the corresponding channel as part
// of the same transaction, so the NOTIFY is only visible to listeners after
// this call's transaction commits (which happens inside this call).
func (s *Store) Append(ctx context.Context, workflowID, streamKey string, value []byte) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin append transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var offset int64
	err = tx.QueryRow(ctx,
		`INSERT INTO stream_offset_counters (workflow_id, stream_key, next_offset)
		 VALUES ($1, $2, 1)
		 ON CONFLICT (workflow_id, stream_key)
		 DO UPDATE SET next_offset = stream_offset_counters.next_offset + 1
		 RETURNING next_offset - 1`,
		workflowID, streamKey,
	).Scan(&offset)
	if err != nil {
		return 0, fmt.Errorf("failed to assign offset: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO stream_entries (workflow_id, stream_key, "offset", value) VALUES ($1, $2, $3, $4)`,
		workflowID, streamKey, offset, value,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to append stream entry: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit append: %w", err)
	}

	return offset, nil
}

// Read returns up to limit rows for (workflowID, streamKey) with offset >=
// fromOffset, ordered ascending.
func (s *Store) Read(ctx context.Context, workflowID, streamKey string, fromOffset int64, limit int) ([]Row, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT "offset", value FROM stream_entries
		 WHERE workflow_id = $1 AND stream_key = $2 AND "offset" >= $3
		 ORDER BY "offset" ASC LIMIT $4`,
		workflowID, streamKey, fromOffset, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to read stream entries: %w", err)
	}
	defer rows.Close()

	var result []Row
	for rows.Next() {
		var r Row
		if err := rows.Scan(&r.Offset, &r.Value); err != nil {
			return nil, fmt.Errorf("failed to scan stream entry: %w", err)
		}
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed reading stream entries: %w", err)
	}

	return result, nil
}

// PurgeOlderThan deletes stream_entries rows whose created_at is older than
// the retention window, in batches of batchSize so a large backlog doesn't
// hold a single long-running delete lock. Returns the total rows removed.
func (s *Store) PurgeOlderThan(ctx context.Context, retention time.Duration, batchSize int) (int64, error) {
	cutoff := time.Now().Add(-retention)

	var total int64
	for {
		tag, err := s.pool.Exec(ctx,
			`DELETE FROM stream_entries WHERE ctid IN (
				SELECT ctid FROM stream_entries WHERE created_at < $1 LIMIT $2
			)`,
			cutoff, batchSize,
		)
		if err != nil {
			return total, fmt.Errorf("failed to purge stream entries: %w", err)
		}
		n := tag.RowsAffected()
		total += n
		if n < int64(batchSize) {
			return total, nil
		}
	}
}
