package bus

// Topics published only on the bus. Transitions, lock decisions and gate
// verdicts reuse the event-log topic names (pipeline.*, lock.*, gate.*).
const (
	TopicGovernanceChanged = "governance.changed"
	TopicConfigReloaded    = "config.reloaded"
	TopicRepairCompleted   = "gate.repair_completed"
	TopicRetentionPurged   = "retention.purged"
)

// GovernanceChanged is published when the execution-armed switch flips.
type GovernanceChanged struct {
	Armed  bool   `json:"armed"`
	Actor  string `json:"actor"`
	Reason string `json:"reason,omitempty"`
}

// ConfigReloaded is published after the daemon applies a changed config file.
type ConfigReloaded struct {
	Path  string `json:"path"`
	Armed bool   `json:"armed"`
}

// RepairCompleted summarises a scheduled repair sweep.
type RepairCompleted struct {
	Scanned      int  `json:"scanned"`
	Terminalized int  `json:"terminalized"`
	Incomplete   int  `json:"skipped_incomplete_pipeline"`
	Errors       int  `json:"errors"`
	DryRun       bool `json:"dry_run"`
}

// RetentionPurged summarises a retention run.
type RetentionPurged struct {
	ProcessedEvents int64 `json:"purged_processed_events"`
	AuditLogs       int64 `json:"purged_audit_logs"`
	StateEntries    int64 `json:"purged_state_entries"`
}
