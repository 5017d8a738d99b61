package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/warp/payrules-engine/core"
)

// =============================================================================
// RULE STORE (core.RuleStore interface)
// =============================================================================

// ReplaceRules swaps the whole rule book in one transaction.
func (s *Store) ReplaceRules(ctx context.Context, rules []core.PayRule, codes []core.PayCode, leaveTypes []core.LeaveType) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"pay_rules", "pay_codes", "leave_types"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}

	now := formatTime(time.Now().UTC())
	for _, pc := range codes {
		cfg, err := json.Marshal(pc)
		if err != nil {
			return fmt.Errorf("failed to encode pay code %s: %w", pc.ID, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO pay_codes (id, config_json, active, version, updated_at) VALUES (?, ?, ?, ?, ?)`,
			string(pc.ID), string(cfg), pc.Active, pc.Version, now); err != nil {
			return fmt.Errorf("failed to save pay code %s: %w", pc.ID, err)
		}
	}
	for _, r := range rules {
		cfg, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("failed to encode rule %s: %w", r.ID, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO pay_rules (id, name, priority, effective_from, effective_to, version, config_json, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			string(r.ID), r.Name, r.Priority, formatDate(core.DateOf(r.EffectiveFrom)),
			nullDate(r.EffectiveTo), r.Version, string(cfg), now); err != nil {
			return fmt.Errorf("failed to save rule %s: %w", r.ID, err)
		}
	}
	for _, lt := range leaveTypes {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO leave_types (id, name, monthly_rate, cap, active) VALUES (?, ?, ?, ?, ?)`,
			string(lt.ID), lt.Name, lt.MonthlyRate.String(), lt.Cap.String(), lt.Active); err != nil {
			return fmt.Errorf("failed to save leave type %s: %w", lt.ID, err)
		}
	}
	return tx.Commit()
}

// ActiveRules returns the rules in force on at least one day of p, ordered
// by (priority, id).
func (s *Store) ActiveRules(ctx context.Context, p core.Period) ([]core.PayRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT config_json FROM pay_rules
		WHERE effective_from <= ? AND (effective_to IS NULL OR effective_to > ?)
		ORDER BY priority ASC, id ASC`,
		formatDate(p.End), formatDate(p.Start))
	if err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}
	defer rows.Close()

	var result []core.PayRule
	for rows.Next() {
		var cfg string
		if err := rows.Scan(&cfg); err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		var r core.PayRule
		if err := json.Unmarshal([]byte(cfg), &r); err != nil {
			return nil, fmt.Errorf("failed to decode rule: %w", err)
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// AllRules returns every stored rule regardless of its effective window.
func (s *Store) AllRules(ctx context.Context) ([]core.PayRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT config_json FROM pay_rules ORDER BY priority ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}
	defer rows.Close()

	var result []core.PayRule
	for rows.Next() {
		var cfg string
		if err := rows.Scan(&cfg); err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		var r core.PayRule
		if err := json.Unmarshal([]byte(cfg), &r); err != nil {
			return nil, fmt.Errorf("failed to decode rule: %w", err)
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func (s *Store) PayCodes(ctx context.Context) (map[core.PayCodeID]core.PayCode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT config_json FROM pay_codes`)
	if err != nil {
		return nil, fmt.Errorf("failed to query pay codes: %w", err)
	}
	defer rows.Close()

	result := make(map[core.PayCodeID]core.PayCode)
	for rows.Next() {
		var cfg string
		if err := rows.Scan(&cfg); err != nil {
			return nil, fmt.Errorf("failed to scan pay code: %w", err)
		}
		var pc core.PayCode
		if err := json.Unmarshal([]byte(cfg), &pc); err != nil {
			return nil, fmt.Errorf("failed to decode pay code: %w", err)
		}
		result[pc.ID] = pc
	}
	return result, rows.Err()
}

func (s *Store) LeaveTypes(ctx context.Context) ([]core.LeaveType, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT id, name, monthly_rate, cap, active FROM leave_types ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query leave types: %w", err)
	}
	defer rows.Close()

	var result []core.LeaveType
	for rows.Next() {
		var (
			lt             core.LeaveType
			rate, capValue string
		)
		if err := rows.Scan(&lt.ID, &lt.Name, &rate, &capValue, &lt.Active); err != nil {
			return nil, fmt.Errorf("failed to scan leave type: %w", err)
		}
		lt.MonthlyRate = parseDecimal(rate)
		lt.Cap = parseDecimal(capValue)
		result = append(result, lt)
	}
	return result, rows.Err()
}
