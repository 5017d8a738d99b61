/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the engine's core types from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

FORMATS:
  Dates are "2006-01-02", timestamps RFC3339, amounts and hours decimal
  strings so no precision is lost in transit.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/rulebook.go: RuleBookJSON served by the rules endpoints
*/
package api

import (
	"time"

	"github.com/warp/payrules-engine/core"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// TriggerRunRequest starts a run. Period is "2025-03" or "2025-03-01..2025-03-31";
// PeriodStart/PeriodEnd are accepted instead.
type TriggerRunRequest struct {
	JobType     string `json:"job_type"`
	Period      string `json:"period,omitempty"`
	PeriodStart string `json:"period_start,omitempty"`
	PeriodEnd   string `json:"period_end,omitempty"`

	// Execute runs the job before responding. Otherwise the run is executed
	// in the background.
	Execute bool `json:"execute,omitempty"`
}

type ReverseAccrualRequest struct {
	Reason string `json:"reason"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

type RunDTO struct {
	ID          string       `json:"id"`
	JobType     string       `json:"job_type"`
	Period      string       `json:"period"`
	PeriodStart string       `json:"period_start"`
	PeriodEnd   string       `json:"period_end"`
	State       string       `json:"state"`
	Attempt     int          `json:"attempt"`
	RetryOf     string       `json:"retry_of,omitempty"`
	Error       string       `json:"error,omitempty"`
	Cancelled   bool         `json:"cancelled,omitempty"`
	CreatedAt   string       `json:"created_at"`
	StartedAt   string       `json:"started_at,omitempty"`
	EndedAt     string       `json:"ended_at,omitempty"`
	Succeeded   int          `json:"succeeded"`
	Failed      int          `json:"failed"`
	Skipped     int          `json:"cancelled_employees"`
	Outcomes    []OutcomeDTO `json:"outcomes,omitempty"`

	// Created is false when the trigger returned an existing run.
	Created *bool `json:"created,omitempty"`
}

type OutcomeDTO struct {
	EmployeeID  string            `json:"employee_id"`
	Status      string            `json:"status"`
	Kind        string            `json:"kind,omitempty"`
	Message     string            `json:"message,omitempty"`
	Summary     string            `json:"summary,omitempty"`
	EntryErrors []core.EntryError `json:"entry_errors,omitempty"`
}

type PayLineDTO struct {
	ID         string   `json:"id"`
	EmployeeID string   `json:"employee_id"`
	PayCode    string   `json:"pay_code"`
	Class      string   `json:"class,omitempty"`
	Hours      string   `json:"hours"`
	Rate       string   `json:"rate"`
	Amount     string   `json:"amount"`
	EntryIDs   []string `json:"entry_ids"`
	RuleTrail  []string `json:"rule_trail"`
}

type AccrualDTO struct {
	ID          string `json:"id"`
	LeaveTypeID string `json:"leave_type_id"`
	Period      string `json:"period"`
	Delta       string `json:"delta"`
	Reason      string `json:"reason"`
	RunID       string `json:"run_id,omitempty"`
	ReversesID  string `json:"reverses_id,omitempty"`
	CreatedAt   string `json:"created_at"`
}

type BalanceDTO struct {
	LeaveTypeID string `json:"leave_type_id"`
	Year        int    `json:"year"`
	Accrued     string `json:"accrued"`
	Used        string `json:"used"`
	Cap         string `json:"cap,omitempty"`
}

type EmployeeAccrualsDTO struct {
	EmployeeID   string       `json:"employee_id"`
	Year         int          `json:"year"`
	Balances     []BalanceDTO `json:"balances"`
	Transactions []AccrualDTO `json:"transactions"`
}

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Kind    string `json:"kind,omitempty"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func formatStamp(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func toRunDTO(run core.JobRun) RunDTO {
	succeeded, failed, cancelled := run.Counts()
	dto := RunDTO{
		ID:          string(run.ID),
		JobType:     string(run.JobType),
		Period:      run.Period.Key(),
		PeriodStart: run.Period.Start.Format("2006-01-02"),
		PeriodEnd:   run.Period.End.Format("2006-01-02"),
		State:       string(run.State),
		Attempt:     run.Attempt,
		RetryOf:     string(run.RetryOf),
		Error:       run.Error,
		Cancelled:   run.Cancelled,
		CreatedAt:   formatStamp(&run.CreatedAt),
		StartedAt:   formatStamp(run.StartedAt),
		EndedAt:     formatStamp(run.EndedAt),
		Succeeded:   succeeded,
		Failed:      failed,
		Skipped:     cancelled,
	}
	for _, o := range run.Outcomes {
		dto.Outcomes = append(dto.Outcomes, OutcomeDTO{
			EmployeeID:  string(o.EmployeeID),
			Status:      string(o.Status),
			Kind:        string(o.Kind),
			Message:     o.Message,
			Summary:     o.Summary,
			EntryErrors: o.EntryErrors,
		})
	}
	return dto
}

func toPayLineDTO(l core.PayLine) PayLineDTO {
	dto := PayLineDTO{
		ID:         l.ID,
		EmployeeID: string(l.EmployeeID),
		PayCode:    string(l.PayCode),
		Class:      string(l.Class),
		Hours:      l.Hours.StringFixed(2),
		Rate:       l.Rate.String(),
		Amount:     l.Amount.StringFixed(2),
		EntryIDs:   make([]string, len(l.EntryIDs)),
		RuleTrail:  make([]string, len(l.RuleTrail)),
	}
	for i, id := range l.EntryIDs {
		dto.EntryIDs[i] = string(id)
	}
	for i, id := range l.RuleTrail {
		dto.RuleTrail[i] = string(id)
	}
	return dto
}

func toAccrualDTO(tx core.AccrualTransaction) AccrualDTO {
	return AccrualDTO{
		ID:          string(tx.ID),
		LeaveTypeID: string(tx.LeaveTypeID),
		Period:      tx.Period.Key(),
		Delta:       tx.Delta.String(),
		Reason:      tx.Reason,
		RunID:       string(tx.RunID),
		ReversesID:  string(tx.ReversesID),
		CreatedAt:   formatStamp(&tx.CreatedAt),
	}
}
