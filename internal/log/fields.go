package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldSessionID     = "session_id"
	FieldCorrelationID = "correlation_id"
	FieldQueueID       = "queue_id"
	FieldQueueIDs      = "queue_ids"
	FieldCommGroupID   = "comm_group_id"
	FieldInstanceID    = "instance_id"
	FieldDeviceID      = "device_id"
	FieldRatePlanID    = "rate_plan_id"
	FieldWorkerID      = "worker_id"

	// Process fields
	FieldEvent     = "event"
	FieldComponent = "component"
	FieldStrategy  = "strategy"
	FieldAttempt   = "attempt"

	// State fields
	FieldOldStatus = "old_status"
	FieldNewStatus = "new_status"
	FieldReason    = "reason"

	// Cost fields
	FieldTotalCost = "total_cost"
	FieldBaseline  = "baseline_cost"
)
