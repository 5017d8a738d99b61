/*
handlers.go - HTTP API handlers for the pay rules engine

PURPOSE:
  Exposes the automation scheduler, the accrual ledger and the rule book
  over REST. Handles HTTP request/response and JSON serialization, and
  delegates to the engine.

ENDPOINTS:
  Runs:
    POST   /api/runs                    Trigger a run (idempotent per job type and period)
    GET    /api/runs                    List runs (?job_type=&period=&state=&limit=)
    GET    /api/runs/{id}               Run status with per-employee outcomes
    POST   /api/runs/{id}/execute       Execute a pending run
    POST   /api/runs/{id}/cancel        Cancel a run executing in this process
    GET    /api/runs/{id}/pay-lines     Pay lines posted by a payroll run

  Accruals:
    GET    /api/employees/{id}/accruals Balances and transactions (?leave_type=&year=)
    POST   /api/accruals/{id}/reverse   Append a reversal of one transaction

  Rules:
    GET    /api/rules                   Current rule book as JSON
    PUT    /api/rules                   Replace the rule book (JSON or YAML body)

  Other:
    GET    /api/schedules               Cron schedules (timer.go)
    /api/scenarios/*                    Demo scenarios (scenarios.go)

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid rule book, unknown job type or period
  - 404: Run or transaction not found
  - 409: Duplicate reversal, run not pending
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - automation/scheduler.go: Run lifecycle
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/warp/payrules-engine/accrual"
	"github.com/warp/payrules-engine/automation"
	"github.com/warp/payrules-engine/core"
	"github.com/warp/payrules-engine/factory"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Store is the storage surface the API needs on top of the engine
// interfaces. core/store.Memory, store/sqlite and store/gormstore all
// implement it.
type Store interface {
	core.RuleStore
	core.PayLineSink
	core.AccrualStore

	AllRules(ctx context.Context) ([]core.PayRule, error)
	ReplaceRules(ctx context.Context, rules []core.PayRule, codes []core.PayCode, leaveTypes []core.LeaveType) error
	AccrualsForEmployee(ctx context.Context, employeeID core.EmployeeID, year int) ([]core.AccrualTransaction, error)

	SaveEmployee(ctx context.Context, e core.Employee) error
	SaveTimeEntry(ctx context.Context, e core.TimeEntry) error
	SaveLeaveBalance(ctx context.Context, b core.LeaveBalance) error

	Ping(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store     Store
	Scheduler *automation.Scheduler
	Accruals  *accrual.Processor
	Factory   *factory.RuleBookFactory
	Logger    *zap.Logger
	Now       func() time.Time

	// Timer is reported by /api/schedules when set.
	Timer *Timer

	// background tracks runs executed after the response was written.
	background chan struct{}

	currentScenario string
}

func NewHandler(store Store, scheduler *automation.Scheduler, accruals *accrual.Processor, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		Store:      store,
		Scheduler:  scheduler,
		Accruals:   accruals,
		Factory:    factory.NewRuleBookFactory(),
		Logger:     logger,
		Now:        time.Now,
		background: make(chan struct{}, 16),
	}
}

// =============================================================================
// RUN HANDLERS
// =============================================================================

// TriggerRun creates or returns the run for a job type and period.
// POST /api/runs
func (h *Handler) TriggerRun(w http.ResponseWriter, r *http.Request) {
	var req TriggerRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	jobType, err := core.ParseJobType(req.JobType)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid job type", err)
		return
	}
	period, err := requestPeriod(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid period", err)
		return
	}

	ctx := r.Context()
	run, created, err := h.Scheduler.Trigger(ctx, jobType, period)
	if err != nil {
		writeEngineError(w, "Failed to trigger run", err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	if run.State == core.RunPending {
		if req.Execute {
			// A dropped client must not cancel the employees still queued.
			run, err = h.Scheduler.Execute(context.WithoutCancel(ctx), run.ID)
			if err != nil && !errors.Is(err, core.ErrStaleTransition) {
				writeEngineError(w, "Failed to execute run", err)
				return
			}
		} else {
			h.executeInBackground(run.ID)
			status = http.StatusAccepted
		}
	}

	dto := toRunDTO(run)
	dto.Created = &created
	writeJSON(w, status, dto)
}

// executeInBackground runs a pending run detached from the request. At most
// cap(background) runs execute this way at once; more wait for a slot.
func (h *Handler) executeInBackground(id core.RunID) {
	go func() {
		h.background <- struct{}{}
		defer func() { <-h.background }()
		if _, err := h.Scheduler.Execute(context.Background(), id); err != nil && !errors.Is(err, core.ErrStaleTransition) {
			h.Logger.Error("background run failed", zap.String("run_id", string(id)), zap.Error(err))
		}
	}()
}

func requestPeriod(req TriggerRunRequest) (core.Period, error) {
	if req.Period != "" {
		return core.ParsePeriod(req.Period)
	}
	if req.PeriodStart == "" || req.PeriodEnd == "" {
		return core.Period{}, errors.New("period or period_start and period_end are required")
	}
	return core.ParsePeriod(req.PeriodStart + ".." + req.PeriodEnd)
}

// ListRuns returns runs newest first.
// GET /api/runs
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := core.RunFilter{
		JobType:   core.JobType(q.Get("job_type")),
		PeriodKey: q.Get("period"),
		State:     core.RunState(q.Get("state")),
		Limit:     50,
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		f.Limit = n
	}

	runs, err := h.Scheduler.ListRuns(r.Context(), f)
	if err != nil {
		writeEngineError(w, "Failed to list runs", err)
		return
	}
	dtos := make([]RunDTO, len(runs))
	for i, run := range runs {
		dtos[i] = toRunDTO(run)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetRun returns one run with its outcomes.
// GET /api/runs/{id}
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.Scheduler.GetRunStatus(r.Context(), core.RunID(chi.URLParam(r, "id")))
	if err != nil {
		writeEngineError(w, "Failed to get run", err)
		return
	}
	writeJSON(w, http.StatusOK, toRunDTO(run))
}

// ExecuteRun executes a pending run synchronously.
// POST /api/runs/{id}/execute
func (h *Handler) ExecuteRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.Scheduler.Execute(context.WithoutCancel(r.Context()), core.RunID(chi.URLParam(r, "id")))
	if err != nil {
		writeEngineError(w, "Failed to execute run", err)
		return
	}
	writeJSON(w, http.StatusOK, toRunDTO(run))
}

// CancelRun stops handing employees to workers.
// POST /api/runs/{id}/cancel
func (h *Handler) CancelRun(w http.ResponseWriter, r *http.Request) {
	id := core.RunID(chi.URLParam(r, "id"))
	if !h.Scheduler.Cancel(id) {
		writeError(w, http.StatusConflict, "Run is not executing in this process", nil)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": string(id), "status": "cancelling"})
}

// GetRunPayLines returns the lines a payroll run posted.
// GET /api/runs/{id}/pay-lines
func (h *Handler) GetRunPayLines(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := core.RunID(chi.URLParam(r, "id"))
	if _, err := h.Scheduler.GetRunStatus(ctx, id); err != nil {
		writeEngineError(w, "Failed to get run", err)
		return
	}
	lines, err := h.Store.LinesForRun(ctx, id)
	if err != nil {
		writeEngineError(w, "Failed to get pay lines", err)
		return
	}
	dtos := make([]PayLineDTO, len(lines))
	for i, l := range lines {
		dtos[i] = toPayLineDTO(l)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// ACCRUAL HANDLERS
// =============================================================================

// GetEmployeeAccruals returns balances and ledger entries for one year.
// GET /api/employees/{id}/accruals
func (h *Handler) GetEmployeeAccruals(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	emp := core.EmployeeID(chi.URLParam(r, "id"))
	q := r.URL.Query()

	year := h.Now().Year()
	if v := q.Get("year"); v != "" {
		y, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid year", err)
			return
		}
		year = y
	}
	filter := core.LeaveTypeID(q.Get("leave_type"))

	txs, err := h.Store.AccrualsForEmployee(ctx, emp, year)
	if err != nil {
		writeEngineError(w, "Failed to get accruals", err)
		return
	}
	leaveTypes, err := h.Store.LeaveTypes(ctx)
	if err != nil {
		writeEngineError(w, "Failed to get leave types", err)
		return
	}

	resp := EmployeeAccrualsDTO{EmployeeID: string(emp), Year: year, Balances: []BalanceDTO{}, Transactions: []AccrualDTO{}}
	for _, lt := range leaveTypes {
		if filter != "" && lt.ID != filter {
			continue
		}
		b, err := h.Accruals.Balance(ctx, emp, lt.ID, year)
		if err != nil {
			writeEngineError(w, "Failed to get balance", err)
			return
		}
		dto := BalanceDTO{LeaveTypeID: string(lt.ID), Year: year, Accrued: b.Accrued.String(), Used: b.Used.String()}
		if c := b.Cap; !c.IsZero() {
			dto.Cap = c.String()
		} else if !lt.Cap.IsZero() {
			dto.Cap = lt.Cap.String()
		}
		resp.Balances = append(resp.Balances, dto)
	}
	for _, tx := range txs {
		if filter != "" && tx.LeaveTypeID != filter {
			continue
		}
		resp.Transactions = append(resp.Transactions, toAccrualDTO(tx))
	}
	writeJSON(w, http.StatusOK, resp)
}

// ReverseAccrual appends a correction for one transaction.
// POST /api/accruals/{id}/reverse
func (h *Handler) ReverseAccrual(w http.ResponseWriter, r *http.Request) {
	var req ReverseAccrualRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "Invalid request body", err)
			return
		}
	}
	tx, err := h.Accruals.Reverse(r.Context(), core.TransactionID(chi.URLParam(r, "id")), req.Reason)
	if err != nil {
		writeEngineError(w, "Failed to reverse transaction", err)
		return
	}
	writeJSON(w, http.StatusCreated, toAccrualDTO(tx))
}

// =============================================================================
// RULE BOOK HANDLERS
// =============================================================================

// GetRules returns the stored rule book.
// GET /api/rules
func (h *Handler) GetRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rules, err := h.Store.AllRules(ctx)
	if err != nil {
		writeEngineError(w, "Failed to get rules", err)
		return
	}
	codes, err := h.Store.PayCodes(ctx)
	if err != nil {
		writeEngineError(w, "Failed to get pay codes", err)
		return
	}
	leaveTypes, err := h.Store.LeaveTypes(ctx)
	if err != nil {
		writeEngineError(w, "Failed to get leave types", err)
		return
	}
	book := &factory.RuleBook{PayCodes: codes, LeaveTypes: leaveTypes, Rules: rules}
	writeJSON(w, http.StatusOK, h.Factory.ToJSON(book))
}

// PutRules validates and replaces the whole rule book.
// PUT /api/rules
func (h *Handler) PutRules(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, 4<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read body", err)
		return
	}

	var book *factory.RuleBook
	if ct := r.Header.Get("Content-Type"); strings.Contains(ct, "yaml") {
		book, err = h.Factory.ParseYAML(data)
	} else {
		book, err = h.Factory.Parse(data)
	}
	if err != nil {
		writeEngineError(w, "Invalid rule book", err)
		return
	}
	if err := h.Store.ReplaceRules(r.Context(), book.Rules, book.PayCodeList(), book.LeaveTypes); err != nil {
		writeEngineError(w, "Failed to save rule book", err)
		return
	}
	h.Logger.Info("rule book replaced",
		zap.Int("rules", len(book.Rules)),
		zap.Int("pay_codes", len(book.PayCodes)),
		zap.Int("leave_types", len(book.LeaveTypes)))
	writeJSON(w, http.StatusOK, h.Factory.ToJSON(book))
}

// =============================================================================
// HEALTH
// =============================================================================

// Health reports whether the store answers.
// GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "Store unavailable", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ListSchedules returns the cron schedules and their next firing.
// GET /api/schedules
func (h *Handler) ListSchedules(w http.ResponseWriter, r *http.Request) {
	if h.Timer == nil {
		writeJSON(w, http.StatusOK, []ScheduleStatus{})
		return
	}
	writeJSON(w, http.StatusOK, h.Timer.Schedules())
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeEngineError maps the engine's error taxonomy to an HTTP status.
func writeEngineError(w http.ResponseWriter, message string, err error) {
	status := http.StatusInternalServerError
	switch {
	case core.IsNotFound(err):
		status = http.StatusNotFound
	case errors.Is(err, core.ErrDuplicateIdempotencyKey), errors.Is(err, core.ErrStaleTransition):
		status = http.StatusConflict
	case core.IsClientError(err):
		status = http.StatusBadRequest
	}
	resp := ErrorResponse{Error: message, Details: err.Error()}
	if kind := core.KindOf(err); kind != core.KindInternal {
		resp.Kind = string(kind)
	}
	writeJSON(w, status, resp)
}
