package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// QueueStatus is the lifecycle of one optimization queue.
//
//	NOT_STARTED -> RUNNING -> COMPLETED_SUCCESS
//	                       -> COMPLETED_ERROR
//	                       -> ABANDONED
//
// Every transition is guarded by a conditional update on the persistent
// store; this is the at-most-once gate for result recording.
type QueueStatus string

const (
	QueueNotStarted       QueueStatus = "NOT_STARTED"
	QueueRunning          QueueStatus = "RUNNING"
	QueueCompletedSuccess QueueStatus = "COMPLETED_SUCCESS"
	QueueCompletedError   QueueStatus = "COMPLETED_ERROR"
	QueueAbandoned        QueueStatus = "ABANDONED"
)

// IsFinished reports whether the status counts toward session completion.
func (s QueueStatus) IsFinished() bool {
	switch s {
	case QueueCompletedSuccess, QueueCompletedError, QueueAbandoned:
		return true
	}
	return false
}

// FinishedStatuses are the statuses a duplicate delivery observes and no-ops on.
var FinishedStatuses = []QueueStatus{QueueCompletedSuccess, QueueCompletedError, QueueAbandoned}

// ChargeType selects which cost terms contribute to the optimization objective.
// All terms are always computed for reporting.
type ChargeType int

const (
	ChargeBaseAndOverage ChargeType = 0
	ChargeOverageOnly    ChargeType = 1
	ChargeBaseOnly       ChargeType = 2
)

// PortalType distinguishes optimization flavors.
type PortalType string

const (
	PortalM2M           PortalType = "M2M"
	PortalMobility      PortalType = "Mobility"
	PortalCrossProvider PortalType = "CrossProvider"
)

// PlanSequence is an ordered list of rate plan ids bound to a queue.
type PlanSequence struct {
	QueueID  int64
	PlanIDs  []string
	CostHint decimal.Decimal // cheap ranking estimate, not a guarantee
}

// Key returns the identity of the ordering, used for de-duplication.
func (s PlanSequence) Key() string {
	return GroupKeyOrdered(s.PlanIDs)
}

// OptimizationQueue is one atomic unit of work: one sequence for one
// communication group.
type OptimizationQueue struct {
	ID                int64
	InstanceID        int64
	CommGroupID       int64
	ServiceProviderID int64
	Sequence          PlanSequence
	UsesProration     bool
	ChargeType        ChargeType
	Status            QueueStatus
	TotalCost         decimal.Decimal
	Reason            ReasonCode
	CreatedAt         time.Time
	CompletedAt       time.Time
}

// OptimizationInstance is a per-service-provider run inside a session.
type OptimizationInstance struct {
	ID                 int64
	SessionID          int64
	ServiceProviderID  int64
	Portal             PortalType
	CustomerOptimized  bool
	BillingPeriodStart time.Time
	BillingPeriodEnd   time.Time
}

// BillingPeriodDays returns the length of the instance billing period in days.
func (i OptimizationInstance) BillingPeriodDays() int {
	days := int(i.BillingPeriodEnd.Sub(i.BillingPeriodStart).Hours() / 24)
	if days <= 0 {
		return 30
	}
	return days
}

// Session statuses. A session leaves ACTIVE exactly once; the transition is
// the coordinator's single-emit gate.
const (
	SessionActive   = "ACTIVE"
	SessionComplete = "COMPLETE"
	SessionStalled  = "STALLED"
)

// OptimizationSession is the outermost scope of a run. One session is active
// per tenant at a time; the orchestrator enforces that.
type OptimizationSession struct {
	ID              int64
	TenantID        int64
	BillingPeriodID int64
	Status          string
	CreatedAt       time.Time
}

// DeviceResult is one device's winning assignment within a queue result.
type DeviceResult struct {
	DeviceID           string
	AssignedRatePlanID string
	BaseCost           decimal.Decimal
	OverageCost        decimal.Decimal
	TotalCost          decimal.Decimal
}

// QueueResult is the per-queue candidate outcome: every device's assignment
// plus aggregate totals. Written exactly once per queue.
type QueueResult struct {
	QueueID       int64
	StrategyIndex int
	Devices       []DeviceResult
	TotalCost     decimal.Decimal
}
