// Package store persists optimization state: sessions, instances, comm
// groups, queues and device results. The queue status column doubles as the
// at-most-once gate: every transition is a conditional update, and result
// rows are written in the same transaction as the success transition.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ManuGH/simopt/internal/model"
)

var (
	// ErrNotFound is returned for unknown ids.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a status transition loses its
	// conditional update: the queue was claimed or finished by someone else.
	ErrConflict = errors.New("status conflict")
)

// Store is the persistent state of the runtime.
type Store interface {
	// CreateSession, CreateInstance, CreateCommGroup and CreateQueue seed
	// a run. The orchestrator owns these writes; the runtime reads them.
	CreateSession(ctx context.Context, s model.OptimizationSession) (int64, error)
	CreateInstance(ctx context.Context, in model.OptimizationInstance) (int64, error)
	CreateCommGroup(ctx context.Context, instanceID int64, planIDs []string) (int64, error)
	CreateQueue(ctx context.Context, q model.OptimizationQueue) (int64, error)

	// PutRatePlan and PutDevices seed the carrier catalog snapshot the
	// worker's loader reads. Also orchestrator writes.
	PutRatePlan(ctx context.Context, p model.RatePlan) error
	PutDevices(ctx context.Context, commGroupID int64, devices []model.Device) error

	// RatePlans resolves rate plans by id. Unknown ids yield ErrNotFound.
	RatePlans(ctx context.Context, planIDs []string) ([]model.RatePlan, error)

	// GroupDevices returns the device snapshot of a comm group, ordered by id.
	GroupDevices(ctx context.Context, commGroupID int64) ([]model.Device, error)

	// Queue returns one queue with its plan sequence.
	Queue(ctx context.Context, id int64) (*model.OptimizationQueue, error)

	// Instance returns one optimization instance.
	Instance(ctx context.Context, id int64) (*model.OptimizationInstance, error)

	// ClaimQueue transitions NOT_STARTED -> RUNNING. It returns false when
	// the queue is not in NOT_STARTED; a false claim means someone else owns
	// or already finished the queue.
	ClaimQueue(ctx context.Context, id int64) (bool, error)

	// ReleaseQueue reverts a claim, RUNNING -> NOT_STARTED, so a queue
	// claimed by mistake can be picked up again. ErrConflict when the queue
	// is not RUNNING.
	ReleaseQueue(ctx context.Context, id int64) error

	// FinishQueue transitions RUNNING -> the given terminal status. It
	// returns ErrConflict when the queue is not RUNNING; callers treat that
	// as a duplicate finish and skip recording.
	FinishQueue(ctx context.Context, id int64, status model.QueueStatus, totalCost decimal.Decimal, reason model.ReasonCode) error

	// RecordSuccess performs the COMPLETED_SUCCESS transition and writes
	// the device result rows in one transaction. ErrConflict when the queue
	// is not RUNNING; no rows are written in that case.
	RecordSuccess(ctx context.Context, result *model.QueueResult) error

	// DeviceResults returns the recorded rows of a queue, ordered by device id.
	DeviceResults(ctx context.Context, queueID int64) ([]model.DeviceResult, error)

	// QueueStatuses maps every queue of a session to its current status.
	QueueStatuses(ctx context.Context, sessionID int64) (map[int64]model.QueueStatus, error)

	// UnfinishedCount counts the session's queues not yet in a terminal status.
	UnfinishedCount(ctx context.Context, sessionID int64) (int, error)

	// GroupQueues returns all queues of one comm group, for winner selection.
	GroupQueues(ctx context.Context, commGroupID int64) ([]model.OptimizationQueue, error)

	// AbandonStuck flips queues RUNNING longer than maxAge to ABANDONED and
	// returns how many were flipped.
	AbandonStuck(ctx context.Context, maxAge time.Duration) (int64, error)

	// ActiveSessions lists sessions still in the active status, oldest first.
	ActiveSessions(ctx context.Context) ([]int64, error)

	// CompleteSession transitions a session from its active status to the
	// given terminal status. Returns false when the session already left
	// the active state, so completion is signalled at most once.
	CompleteSession(ctx context.Context, sessionID int64, status string) (bool, error)

	Close() error
}
