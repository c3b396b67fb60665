package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ManuGH/simopt/internal/model"
)

// Catalog snapshot: rate plan terms and device populations are copied in
// at session creation so a running optimization never races a carrier sync.

func (s *SqliteStore) PutRatePlan(ctx context.Context, p model.RatePlan) error {
	if err := p.Validate(); err != nil {
		return err
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO rate_plan (id, plan_type, included_allowance, base_rate, overage_rate, overage_block_size, shared_pool)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   plan_type = excluded.plan_type,
		   included_allowance = excluded.included_allowance,
		   base_rate = excluded.base_rate,
		   overage_rate = excluded.overage_rate,
		   overage_block_size = excluded.overage_block_size,
		   shared_pool = excluded.shared_pool`,
		p.ID, string(p.Type), p.IncludedAllowance.String(), p.BaseRate.String(),
		p.OverageRate.String(), p.OverageBlockSize.String(), p.SharedPool)
	return err
}

func (s *SqliteStore) PutDevices(ctx context.Context, commGroupID int64, devices []model.Device) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, d := range devices {
		var activation any
		if !d.ActivationDate.IsZero() {
			activation = d.ActivationDate.UTC().Format(time.RFC3339)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO comm_group_device
			   (comm_group_id, device_id, comm_plan_id, current_rate_plan_id, usage,
			    activation_date, billing_days_active, prorated)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(comm_group_id, device_id) DO UPDATE SET
			   comm_plan_id = excluded.comm_plan_id,
			   current_rate_plan_id = excluded.current_rate_plan_id,
			   usage = excluded.usage,
			   activation_date = excluded.activation_date,
			   billing_days_active = excluded.billing_days_active,
			   prorated = excluded.prorated`,
			commGroupID, d.ID, d.CommPlanID, d.CurrentRatePlanID, d.Usage.String(),
			activation, d.BillingDaysActive, d.Prorated); err != nil {
			return fmt.Errorf("device %s: %w", d.ID, err)
		}
	}
	return tx.Commit()
}

func (s *SqliteStore) RatePlans(ctx context.Context, planIDs []string) ([]model.RatePlan, error) {
	plans := make([]model.RatePlan, 0, len(planIDs))
	for _, id := range planIDs {
		var p model.RatePlan
		var planType, allowance, base, overage, block string
		err := s.DB.QueryRowContext(ctx,
			`SELECT id, plan_type, included_allowance, base_rate, overage_rate, overage_block_size, shared_pool
			 FROM rate_plan WHERE id = ?`, id).Scan(
			&p.ID, &planType, &allowance, &base, &overage, &block, &p.SharedPool)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("rate plan %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return nil, err
		}
		p.Type = model.PlanType(planType)
		if p.IncludedAllowance, err = decimal.NewFromString(allowance); err != nil {
			return nil, fmt.Errorf("rate plan %s: bad allowance %q: %w", id, allowance, err)
		}
		if p.BaseRate, err = decimal.NewFromString(base); err != nil {
			return nil, fmt.Errorf("rate plan %s: bad base rate %q: %w", id, base, err)
		}
		if p.OverageRate, err = decimal.NewFromString(overage); err != nil {
			return nil, fmt.Errorf("rate plan %s: bad overage rate %q: %w", id, overage, err)
		}
		if p.OverageBlockSize, err = decimal.NewFromString(block); err != nil {
			return nil, fmt.Errorf("rate plan %s: bad overage block %q: %w", id, block, err)
		}
		plans = append(plans, p)
	}
	return plans, nil
}

func (s *SqliteStore) GroupDevices(ctx context.Context, commGroupID int64) ([]model.Device, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT device_id, comm_plan_id, current_rate_plan_id, usage,
		        activation_date, billing_days_active, prorated
		 FROM comm_group_device WHERE comm_group_id = ? ORDER BY device_id`, commGroupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []model.Device
	for rows.Next() {
		var d model.Device
		var usage string
		var activation sql.NullString
		if err := rows.Scan(&d.ID, &d.CommPlanID, &d.CurrentRatePlanID, &usage,
			&activation, &d.BillingDaysActive, &d.Prorated); err != nil {
			return nil, err
		}
		if d.Usage, err = decimal.NewFromString(usage); err != nil {
			return nil, fmt.Errorf("device %s: bad usage %q: %w", d.ID, usage, err)
		}
		if activation.Valid {
			d.ActivationDate, _ = time.Parse(time.RFC3339, activation.String)
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

func (s *MemoryStore) PutRatePlan(_ context.Context, p model.RatePlan) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plans[p.ID] = p
	return nil
}

func (s *MemoryStore) PutDevices(_ context.Context, commGroupID int64, devices []model.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byID := s.devices[commGroupID]
	if byID == nil {
		byID = make(map[string]model.Device)
		s.devices[commGroupID] = byID
	}
	for _, d := range devices {
		byID[d.ID] = d
	}
	return nil
}

func (s *MemoryStore) RatePlans(_ context.Context, planIDs []string) ([]model.RatePlan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	plans := make([]model.RatePlan, 0, len(planIDs))
	for _, id := range planIDs {
		p, ok := s.plans[id]
		if !ok {
			return nil, fmt.Errorf("rate plan %s: %w", id, ErrNotFound)
		}
		plans = append(plans, p)
	}
	return plans, nil
}

func (s *MemoryStore) GroupDevices(_ context.Context, commGroupID int64) ([]model.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	devices := make([]model.Device, 0, len(s.devices[commGroupID]))
	for _, d := range s.devices[commGroupID] {
		devices = append(devices, d)
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].ID < devices[j].ID })
	return devices, nil
}
