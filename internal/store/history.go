package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rendis/ordo/pkg/schema"
)

// AppendHistory inserts one history entry outside any transaction.
// Transitions should prefer CommitTransition; this exists for callers that
// only record (and for tests).
func (r *LibSQLRepository) AppendHistory(ctx context.Context, entry *schema.HistoryEntry) error {
	if err := execAppendHistory(ctx, r.db, entry); err != nil {
		return classify(err, fmt.Sprintf("append history for instance %s", entry.InstanceID))
	}
	return nil
}

func execAppendHistory(ctx context.Context, q execer, entry *schema.HistoryEntry) error {
	report, err := nullableJSON(entry.UserReport)
	if err != nil {
		return fmt.Errorf("marshal user_report: %w", err)
	}
	ts := entry.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err = q.ExecContext(ctx,
		`INSERT INTO workflow_history (instance_id, timestamp, step_name, user_report, outcome_status, determined_next_step)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		entry.InstanceID, ts, entry.StepName, report,
		nullStr(entry.OutcomeStatus), nullStr(entry.DeterminedNextStep),
	)
	return err
}

// GetHistory returns the instance's history entries most-recent-first.
// limit caps the count; limit <= 0 means unbounded.
func (r *LibSQLRepository) GetHistory(ctx context.Context, instanceID string, limit int) ([]*schema.HistoryEntry, error) {
	query := `SELECT history_id, instance_id, timestamp, step_name, user_report, outcome_status, determined_next_step
	          FROM workflow_history WHERE instance_id = ? ORDER BY history_id DESC`
	args := []any{instanceID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err, fmt.Sprintf("get history for instance %s", instanceID))
	}
	defer rows.Close()
	return scanHistory(rows)
}

func scanHistory(rows *sql.Rows) ([]*schema.HistoryEntry, error) {
	var entries []*schema.HistoryEntry
	for rows.Next() {
		e := &schema.HistoryEntry{}
		var report, outcome, nextStep sql.NullString
		if err := rows.Scan(&e.HistoryID, &e.InstanceID, &e.Timestamp, &e.StepName,
			&report, &outcome, &nextStep); err != nil {
			return nil, classify(err, "scan history")
		}
		if report.Valid && report.String != "" {
			if err := json.Unmarshal([]byte(report.String), &e.UserReport); err != nil {
				return nil, classify(err, "unmarshal user_report")
			}
		}
		e.OutcomeStatus = outcome.String
		e.DeterminedNextStep = nextStep.String
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err, "iterate history")
	}
	return entries, nil
}
