package persistence

import (
	"context"
	"fmt"
)

// RetentionResult holds counts of purged records from a retention run.
type RetentionResult struct {
	PurgedProcessedEvents int64 `json:"purged_processed_events"`
	PurgedAuditLogs       int64 `json:"purged_audit_logs"`
	PurgedStateEntries    int64 `json:"purged_state_entries"`
}

// RunRetention deletes idempotency records and audit rows older than the
// configured windows, plus expired state entries. The event log itself is
// never purged. Processed records can only be dropped once the loop cursor
// has moved past their events, which the cursor staleness bound guarantees
// well inside any sensible window. The job is idempotent.
func (s *Store) RunRetention(ctx context.Context, processedEventDays, auditLogDays int) (RetentionResult, error) {
	var result RetentionResult
	now := s.now()

	if processedEventDays > 0 {
		cutoff := now.AddDate(0, 0, -processedEventDays)
		res, err := s.db.ExecContext(ctx, `DELETE FROM processed_events WHERE processed_at < ?;`, unixNano(cutoff))
		if err != nil {
			return result, fmt.Errorf("purge processed_events: %w", err)
		}
		result.PurgedProcessedEvents, _ = res.RowsAffected()
	}

	if auditLogDays > 0 {
		cutoff := now.AddDate(0, 0, -auditLogDays)
		res, err := s.db.ExecContext(ctx, `DELETE FROM audit_log WHERE created_at < ?;`, unixNano(cutoff))
		if err != nil {
			return result, fmt.Errorf("purge audit_log: %w", err)
		}
		result.PurgedAuditLogs, _ = res.RowsAffected()
	}

	n, err := s.PurgeExpiredState(ctx)
	if err != nil {
		return result, err
	}
	result.PurgedStateEntries = n
	return result, nil
}
