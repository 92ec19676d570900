package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rendis/eventflow/pkg/schema"
)

// AppendHistory appends an entry with a monotonically increasing per-execution sequence.
func (s *LibSQLStore) AppendHistory(ctx context.Context, entry *HistoryEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM execution_history WHERE execution_id = ?`, entry.ExecutionID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	entry.Sequence = seq
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO execution_history (execution_id, entry_type, step, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		entry.ExecutionID, entry.Type, entry.Step, nullRaw(entry.Payload), toMillis(entry.Timestamp), seq,
	)
	if err != nil {
		return fmt.Errorf("insert history: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		entry.ID = id
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit history: %w", err)
	}
	return nil
}

// ListHistory returns the history of an execution ordered by sequence.
func (s *LibSQLStore) ListHistory(ctx context.Context, executionID string) ([]*HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, entry_type, step, payload, timestamp, sequence
		 FROM execution_history WHERE execution_id = ? ORDER BY sequence ASC`, executionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*HistoryEntry
	for rows.Next() {
		h := &HistoryEntry{}
		var step sql.NullInt64
		var payload sql.NullString
		var ts int64
		if err := rows.Scan(&h.ID, &h.ExecutionID, &h.Type, &step, &payload, &ts, &h.Sequence); err != nil {
			return nil, err
		}
		h.Step = int(step.Int64)
		h.Payload = rawOrNil(payload)
		h.Timestamp = fromMillis(ts)
		entries = append(entries, h)
	}
	return entries, rows.Err()
}

// HistorySummary is the progress reconstructed from an execution's history.
type HistorySummary struct {
	LastCompletedStep int                    `json:"last_completed_step"`
	Failures          int                    `json:"failures"`
	Claims            int                    `json:"claims"`
	Final             schema.ExecutionStatus `json:"final,omitempty"`
}

// Summarize replays history entries in sequence order. For a settled
// execution the result agrees with the execution row.
func Summarize(entries []*HistoryEntry) HistorySummary {
	var sum HistorySummary
	for _, h := range entries {
		switch h.Type {
		case schema.HistoryExecutionClaimed:
			sum.Claims++
		case schema.HistoryStepCompleted, schema.HistoryStepSkipped:
			if h.Step > sum.LastCompletedStep {
				sum.LastCompletedStep = h.Step
			}
		case schema.HistoryStepFailed:
			sum.Failures++
		case schema.HistoryExecutionRequeued:
			sum.Failures++
		case schema.HistoryExecutionCompleted:
			sum.Final = schema.ExecutionStatusCompleted
		case schema.HistoryExecutionFailed:
			sum.Final = schema.ExecutionStatusFailed
		}
	}
	return sum
}
