package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"

	"github.com/ManuGH/simopt/internal/model"
	"github.com/ManuGH/simopt/internal/persistence/sqlite"
)

const schemaVersion = 1

// SqliteStore implements Store on SQLite.
type SqliteStore struct {
	DB    *sql.DB
	clock clockwork.Clock
}

// NewSqliteStore opens the database and runs pending migrations.
func NewSqliteStore(dbPath string) (*SqliteStore, error) {
	return NewSqliteStoreWithClock(dbPath, clockwork.NewRealClock())
}

// NewSqliteStoreWithClock injects a clock so tests can control stuck-queue
// detection.
func NewSqliteStoreWithClock(dbPath string, clock clockwork.Clock) (*SqliteStore, error) {
	db, err := sqlite.Open(dbPath, sqlite.DefaultConfig())
	if err != nil {
		return nil, err
	}
	s := &SqliteStore{DB: db, clock: clock}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("optimization store: migration failed: %w", err)
	}
	return s, nil
}

func (s *SqliteStore) migrate() error {
	var currentVersion int
	if err := s.DB.QueryRow("PRAGMA user_version").Scan(&currentVersion); err != nil {
		return err
	}
	if currentVersion >= schemaVersion {
		return nil
	}

	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	schema := `
	CREATE TABLE IF NOT EXISTS optimization_session (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		tenant_id INTEGER NOT NULL,
		billing_period_id INTEGER NOT NULL,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS optimization_instance (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id INTEGER NOT NULL REFERENCES optimization_session(id),
		service_provider_id INTEGER NOT NULL,
		portal_type TEXT NOT NULL,
		is_customer_optimization BOOLEAN NOT NULL DEFAULT 0,
		billing_period_start TEXT NOT NULL,
		billing_period_end TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS optimization_comm_group (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		instance_id INTEGER NOT NULL REFERENCES optimization_instance(id),
		rate_plan_ids TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS optimization_queue (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		instance_id INTEGER NOT NULL REFERENCES optimization_instance(id),
		comm_group_id INTEGER NOT NULL REFERENCES optimization_comm_group(id),
		service_provider_id INTEGER NOT NULL,
		charge_type INTEGER NOT NULL DEFAULT 0,
		uses_proration BOOLEAN NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'NOT_STARTED',
		total_cost TEXT,
		reason TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		started_at TEXT,
		completed_at TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_queue_status ON optimization_queue(status);
	CREATE INDEX IF NOT EXISTS idx_queue_group ON optimization_queue(comm_group_id);

	CREATE TABLE IF NOT EXISTS optimization_queue_rate_plan (
		queue_id INTEGER NOT NULL REFERENCES optimization_queue(id),
		rate_plan_id TEXT NOT NULL,
		sequence_order INTEGER NOT NULL,
		PRIMARY KEY (queue_id, sequence_order)
	);

	CREATE TABLE IF NOT EXISTS optimization_device_result (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		queue_id INTEGER NOT NULL REFERENCES optimization_queue(id),
		device_id TEXT NOT NULL,
		assigned_rate_plan_id TEXT NOT NULL,
		base_cost TEXT NOT NULL,
		overage_cost TEXT NOT NULL,
		total_cost TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_device_result_queue ON optimization_device_result(queue_id);

	CREATE TABLE IF NOT EXISTS rate_plan (
		id TEXT PRIMARY KEY,
		plan_type TEXT NOT NULL,
		included_allowance TEXT NOT NULL,
		base_rate TEXT NOT NULL,
		overage_rate TEXT NOT NULL,
		overage_block_size TEXT NOT NULL,
		shared_pool BOOLEAN NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS comm_group_device (
		comm_group_id INTEGER NOT NULL REFERENCES optimization_comm_group(id),
		device_id TEXT NOT NULL,
		comm_plan_id TEXT NOT NULL DEFAULT '',
		current_rate_plan_id TEXT NOT NULL DEFAULT '',
		usage TEXT NOT NULL,
		activation_date TEXT,
		billing_days_active INTEGER NOT NULL DEFAULT 0,
		prorated BOOLEAN NOT NULL DEFAULT 0,
		PRIMARY KEY (comm_group_id, device_id)
	);
	`
	if _, err := tx.Exec(schema); err != nil {
		return err
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SqliteStore) now() string {
	return s.clock.Now().UTC().Format(time.RFC3339)
}

func (s *SqliteStore) CreateSession(ctx context.Context, sess model.OptimizationSession) (int64, error) {
	res, err := s.DB.ExecContext(ctx,
		`INSERT INTO optimization_session (tenant_id, billing_period_id, status, created_at) VALUES (?, ?, ?, ?)`,
		sess.TenantID, sess.BillingPeriodID, sess.Status, s.now())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *SqliteStore) CreateInstance(ctx context.Context, in model.OptimizationInstance) (int64, error) {
	res, err := s.DB.ExecContext(ctx,
		`INSERT INTO optimization_instance
		 (session_id, service_provider_id, portal_type, is_customer_optimization, billing_period_start, billing_period_end)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		in.SessionID, in.ServiceProviderID, string(in.Portal), in.CustomerOptimized,
		in.BillingPeriodStart.UTC().Format(time.RFC3339), in.BillingPeriodEnd.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *SqliteStore) CreateCommGroup(ctx context.Context, instanceID int64, planIDs []string) (int64, error) {
	res, err := s.DB.ExecContext(ctx,
		`INSERT INTO optimization_comm_group (instance_id, rate_plan_ids) VALUES (?, ?)`,
		instanceID, model.GroupKey(planIDs))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *SqliteStore) CreateQueue(ctx context.Context, q model.OptimizationQueue) (int64, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	status := q.Status
	if status == "" {
		status = model.QueueNotStarted
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO optimization_queue
		 (instance_id, comm_group_id, service_provider_id, charge_type, uses_proration, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		q.InstanceID, q.CommGroupID, q.ServiceProviderID, int(q.ChargeType), q.UsesProration, string(status), s.now())
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	for i, planID := range q.Sequence.PlanIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO optimization_queue_rate_plan (queue_id, rate_plan_id, sequence_order) VALUES (?, ?, ?)`,
			id, planID, i); err != nil {
			return 0, err
		}
	}
	return id, tx.Commit()
}

func (s *SqliteStore) Instance(ctx context.Context, id int64) (*model.OptimizationInstance, error) {
	var in model.OptimizationInstance
	var portal, start, end string
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, session_id, service_provider_id, portal_type, is_customer_optimization,
		        billing_period_start, billing_period_end
		 FROM optimization_instance WHERE id = ?`, id).Scan(
		&in.ID, &in.SessionID, &in.ServiceProviderID, &portal, &in.CustomerOptimized, &start, &end)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	in.Portal = model.PortalType(portal)
	in.BillingPeriodStart, _ = time.Parse(time.RFC3339, start)
	in.BillingPeriodEnd, _ = time.Parse(time.RFC3339, end)
	return &in, nil
}

func (s *SqliteStore) Queue(ctx context.Context, id int64) (*model.OptimizationQueue, error) {
	var q model.OptimizationQueue
	var chargeType int
	var status, createdAt string
	var totalCost, completedAt sql.NullString
	var reason string
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, instance_id, comm_group_id, service_provider_id, charge_type, uses_proration,
		        status, total_cost, reason, created_at, completed_at
		 FROM optimization_queue WHERE id = ?`, id).Scan(
		&q.ID, &q.InstanceID, &q.CommGroupID, &q.ServiceProviderID, &chargeType, &q.UsesProration,
		&status, &totalCost, &reason, &createdAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	q.ChargeType = model.ChargeType(chargeType)
	q.Status = model.QueueStatus(status)
	q.Reason = model.ReasonCode(reason)
	q.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	if completedAt.Valid {
		q.CompletedAt, _ = time.Parse(time.RFC3339, completedAt.String)
	}
	if totalCost.Valid {
		if q.TotalCost, err = decimal.NewFromString(totalCost.String); err != nil {
			return nil, fmt.Errorf("queue %d: bad total cost %q: %w", id, totalCost.String, err)
		}
	}

	rows, err := s.DB.QueryContext(ctx,
		`SELECT rate_plan_id FROM optimization_queue_rate_plan WHERE queue_id = ? ORDER BY sequence_order`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var planID string
		if err := rows.Scan(&planID); err != nil {
			return nil, err
		}
		q.Sequence.PlanIDs = append(q.Sequence.PlanIDs, planID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	q.Sequence.QueueID = id
	return &q, nil
}

func (s *SqliteStore) ClaimQueue(ctx context.Context, id int64) (bool, error) {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE optimization_queue SET status = ?, started_at = ? WHERE id = ? AND status = ?`,
		string(model.QueueRunning), s.now(), id, string(model.QueueNotStarted))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SqliteStore) ReleaseQueue(ctx context.Context, id int64) error {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE optimization_queue SET status = ?, started_at = NULL WHERE id = ? AND status = ?`,
		string(model.QueueNotStarted), id, string(model.QueueRunning))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("release queue %d: %w", id, ErrConflict)
	}
	return nil
}

func (s *SqliteStore) FinishQueue(ctx context.Context, id int64, status model.QueueStatus, totalCost decimal.Decimal, reason model.ReasonCode) error {
	if !status.IsFinished() {
		return fmt.Errorf("finish queue %d: %s is not a terminal status", id, status)
	}
	res, err := s.DB.ExecContext(ctx,
		`UPDATE optimization_queue SET status = ?, total_cost = ?, reason = ?, completed_at = ?
		 WHERE id = ? AND status = ?`,
		string(status), totalCost.String(), string(reason), s.now(), id, string(model.QueueRunning))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return s.finishConflict(ctx, id)
	}
	return nil
}

func (s *SqliteStore) RecordSuccess(ctx context.Context, result *model.QueueResult) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`UPDATE optimization_queue SET status = ?, total_cost = ?, reason = '', completed_at = ?
		 WHERE id = ? AND status = ?`,
		string(model.QueueCompletedSuccess), result.TotalCost.String(), s.now(),
		result.QueueID, string(model.QueueRunning))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return s.finishConflict(ctx, result.QueueID)
	}

	for _, r := range result.Devices {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO optimization_device_result
			 (queue_id, device_id, assigned_rate_plan_id, base_cost, overage_cost, total_cost)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			result.QueueID, r.DeviceID, r.AssignedRatePlanID,
			r.BaseCost.String(), r.OverageCost.String(), r.TotalCost.String()); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// finishConflict distinguishes a lost conditional update from a missing row.
func (s *SqliteStore) finishConflict(ctx context.Context, id int64) error {
	var status string
	err := s.DB.QueryRowContext(ctx,
		`SELECT status FROM optimization_queue WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("queue %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("queue %d in status %s: %w", id, status, ErrConflict)
}

func (s *SqliteStore) DeviceResults(ctx context.Context, queueID int64) ([]model.DeviceResult, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT device_id, assigned_rate_plan_id, base_cost, overage_cost, total_cost
		 FROM optimization_device_result WHERE queue_id = ? ORDER BY device_id`, queueID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.DeviceResult
	for rows.Next() {
		var r model.DeviceResult
		var base, overage, total string
		if err := rows.Scan(&r.DeviceID, &r.AssignedRatePlanID, &base, &overage, &total); err != nil {
			return nil, err
		}
		if r.BaseCost, err = decimal.NewFromString(base); err != nil {
			return nil, err
		}
		if r.OverageCost, err = decimal.NewFromString(overage); err != nil {
			return nil, err
		}
		if r.TotalCost, err = decimal.NewFromString(total); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SqliteStore) QueueStatuses(ctx context.Context, sessionID int64) (map[int64]model.QueueStatus, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT q.id, q.status FROM optimization_queue q
		 JOIN optimization_instance i ON q.instance_id = i.id
		 WHERE i.session_id = ?`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[int64]model.QueueStatus)
	for rows.Next() {
		var id int64
		var status string
		if err := rows.Scan(&id, &status); err != nil {
			return nil, err
		}
		out[id] = model.QueueStatus(status)
	}
	return out, rows.Err()
}

func (s *SqliteStore) UnfinishedCount(ctx context.Context, sessionID int64) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM optimization_queue q
		 JOIN optimization_instance i ON q.instance_id = i.id
		 WHERE i.session_id = ? AND q.status NOT IN (?, ?, ?)`,
		sessionID,
		string(model.QueueCompletedSuccess), string(model.QueueCompletedError), string(model.QueueAbandoned)).Scan(&n)
	return n, err
}

func (s *SqliteStore) GroupQueues(ctx context.Context, commGroupID int64) ([]model.OptimizationQueue, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id FROM optimization_queue WHERE comm_group_id = ? ORDER BY id`, commGroupID)
	if err != nil {
		return nil, err
	}
	ids := []int64{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	out := make([]model.OptimizationQueue, 0, len(ids))
	for _, id := range ids {
		q, err := s.Queue(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, *q)
	}
	return out, nil
}

func (s *SqliteStore) AbandonStuck(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := s.clock.Now().UTC().Add(-maxAge).Format(time.RFC3339)
	res, err := s.DB.ExecContext(ctx,
		`UPDATE optimization_queue SET status = ?, reason = ?, completed_at = ?
		 WHERE status = ? AND started_at IS NOT NULL AND started_at <= ?`,
		string(model.QueueAbandoned), string(model.RStuck), s.now(),
		string(model.QueueRunning), cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SqliteStore) ActiveSessions(ctx context.Context) ([]int64, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id FROM optimization_session WHERE status = ? ORDER BY id`, model.SessionActive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SqliteStore) CompleteSession(ctx context.Context, sessionID int64, status string) (bool, error) {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE optimization_session SET status = ? WHERE id = ? AND status = ?`,
		status, sessionID, model.SessionActive)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SqliteStore) Close() error {
	return s.DB.Close()
}

var _ Store = (*SqliteStore)(nil)
