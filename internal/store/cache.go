package store

import (
	"fmt"
	"time"

	"slawatch/internal/logging"
	"slawatch/internal/opportunity"
)

// The cache is disposable: its authority ends at the next successful
// fetch. Only monitored opportunities with a known create time are
// cached, and every refresh replaces the whole table in one
// transaction so readers never observe a partial refresh.

// FullRefreshCache deletes all cached rows and inserts the monitored
// subset of opps. Returns (deleted, inserted).
func (s *Store) FullRefreshCache(opps []opportunity.Opportunity) (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	timer := logging.StartTimer(logging.CategoryStore, "FullRefreshCache")
	defer timer.Stop()

	tx, err := s.db.Begin()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to begin cache refresh: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`DELETE FROM opportunity_cache`)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to clear cache: %w", err)
	}
	deleted64, _ := res.RowsAffected()

	stmt, err := tx.Prepare(`
		INSERT INTO opportunity_cache
			(order_num, customer_name, address, supervisor_name, create_time, org_name, status,
			 elapsed_hours, is_overdue, escalation_level, sla_threshold_hours, sla_progress_ratio,
			 is_violation, last_updated, source_hash, cache_version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to prepare cache insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now()
	inserted := 0
	for _, o := range opps {
		if !o.Status.Monitored() || o.CreateTime.IsZero() {
			continue
		}
		boolInt := func(b bool) int {
			if b {
				return 1
			}
			return 0
		}
		if _, err := stmt.Exec(
			o.OrderNum, o.CustomerName, o.Address, o.SupervisorName, o.CreateTime,
			o.OrgName, string(o.Status), o.ElapsedHours, boolInt(o.ReminderDue),
			o.EscalationLevel, o.OverdueHours, o.ProgressRatio, boolInt(o.EscalationDue),
			now, o.SourceHash(),
		); err != nil {
			return 0, 0, fmt.Errorf("failed to cache opportunity %s: %w", o.OrderNum, err)
		}
		inserted++
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("failed to commit cache refresh: %w", err)
	}
	logging.Store("Cache refreshed: %d deleted, %d inserted", deleted64, inserted)
	return int(deleted64), inserted, nil
}

func (s *Store) scanCachedOpportunities(query string, args ...any) ([]opportunity.Opportunity, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("cache query failed: %w", err)
	}
	defer rows.Close()

	var opps []opportunity.Opportunity
	for rows.Next() {
		var o opportunity.Opportunity
		var status string
		var isOverdue, isViolation int
		if err := rows.Scan(&o.OrderNum, &o.CustomerName, &o.Address, &o.SupervisorName,
			&o.CreateTime, &o.OrgName, &status, &o.ElapsedHours, &isOverdue,
			&o.EscalationLevel, &o.OverdueHours, &o.ProgressRatio, &isViolation); err != nil {
			return nil, fmt.Errorf("cache scan failed: %w", err)
		}
		o.Status = opportunity.Status(status)
		o.Monitored = o.Status.Monitored()
		o.ReminderDue = isOverdue == 1
		o.EscalationDue = isViolation == 1
		opps = append(opps, o)
	}
	return opps, rows.Err()
}

const cacheColumns = `order_num, customer_name, address, supervisor_name, create_time, org_name,
	status, elapsed_hours, is_overdue, escalation_level, sla_threshold_hours, sla_progress_ratio, is_violation`

// CachedOpportunities returns the whole cache, expired entries
// included: it is only read as a fallback when the source is down.
func (s *Store) CachedOpportunities() ([]opportunity.Opportunity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.scanCachedOpportunities(
		`SELECT ` + cacheColumns + ` FROM opportunity_cache ORDER BY order_num`)
}

// CachedOpportunity loads one cached row by order number, or nil.
func (s *Store) CachedOpportunity(orderNum string) (*opportunity.Opportunity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	opps, err := s.scanCachedOpportunities(
		`SELECT `+cacheColumns+` FROM opportunity_cache WHERE order_num = ?`, orderNum)
	if err != nil {
		return nil, err
	}
	if len(opps) == 0 {
		return nil, nil
	}
	return &opps[0], nil
}

// CacheCount returns the number of cached rows.
func (s *Store) CacheCount() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM opportunity_cache`).Scan(&count); err != nil {
		return 0, fmt.Errorf("cache count failed: %w", err)
	}
	return count, nil
}
