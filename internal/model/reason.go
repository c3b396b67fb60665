package model

// ReasonCode is a compact, typed outcome signal for terminal queue states.
// Keep these stable: metrics and persisted rows depend on them.
type ReasonCode string

const (
	RNone               ReasonCode = "R_NONE"
	RIneligiblePlan     ReasonCode = "R_INELIGIBLE_PLAN"
	RGroupTooLarge      ReasonCode = "R_GROUP_TOO_LARGE"
	RNoDevices          ReasonCode = "R_NO_DEVICES"
	RCheckpointLost     ReasonCode = "R_CHECKPOINT_LOST"
	RNoCheckpointStore  ReasonCode = "R_NO_CHECKPOINT_STORE"
	RAllStrategiesFail  ReasonCode = "R_ALL_STRATEGIES_FAILED"
	RContinuationBudget ReasonCode = "R_CONTINUATION_BUDGET"
	RInfra              ReasonCode = "R_INFRA"
	RDuplicate          ReasonCode = "R_DUPLICATE"
	RStuck              ReasonCode = "R_STUCK"
)
