// Package engine drives a checkpointed fetch campaign under hard quota caps.
package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/pario-ai/chainfetch/pkg/fetch"
	"github.com/pario-ai/chainfetch/pkg/ledger"
	"github.com/pario-ai/chainfetch/pkg/metrics"
	"github.com/pario-ai/chainfetch/pkg/models"
	"github.com/pario-ai/chainfetch/pkg/planner"
	"github.com/pario-ai/chainfetch/pkg/sink"
	"github.com/pario-ai/chainfetch/pkg/source"
	"github.com/pario-ai/chainfetch/pkg/taskstore"
	"github.com/pario-ai/chainfetch/pkg/tracing"
)

var (
	// ErrActiveCheckpoint is returned by Start when an open checkpoint exists.
	ErrActiveCheckpoint = errors.New("active checkpoint exists")
	// ErrStorage marks failures of the task store, ledger persistence or sink.
	ErrStorage = errors.New("storage failure")
)

// RunState is the state of one engine run.
type RunState string

const (
	StatePlanning        RunState = "planning"
	StateExecuting       RunState = "executing"
	StateCompleted       RunState = "completed"
	StateQuotaExhausted  RunState = "quota_exhausted"
	StateHaltedOnFatal   RunState = "halted_on_fatal"
	StateInterrupted     RunState = "interrupted"
	StateHaltedOnStorage RunState = "halted_on_storage"
)

// Config bounds a run.
type Config struct {
	Concurrency        int
	MaxUnitAttempts    int
	FatalHaltThreshold int
	Retry              fetch.Config
}

// Deps are the collaborators of an Engine. Journal, Metrics and Logger are optional.
type Deps struct {
	Ledger       *ledger.Ledger
	Tasks        taskstore.Store
	Source       source.DataSource
	Sink         sink.Sink
	Journal      fetch.Journal
	Metrics      *metrics.Collector
	Logger       *slog.Logger
	FetchOptions []fetch.Option
}

// Engine plans, executes and resumes fetch campaigns.
type Engine struct {
	cfg     Config
	ledger  *ledger.Ledger
	tasks   taskstore.Store
	source  source.DataSource
	sink    sink.Sink
	journal fetch.Journal
	metrics *metrics.Collector
	log     *slog.Logger
	opts    []fetch.Option
}

// New creates an Engine.
func New(cfg Config, deps Deps) *Engine {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		cfg:     cfg,
		ledger:  deps.Ledger,
		tasks:   deps.Tasks,
		source:  deps.Source,
		sink:    deps.Sink,
		journal: deps.Journal,
		metrics: deps.Metrics,
		log:     log,
		opts:    deps.FetchOptions,
	}
}

// Summary reports the outcome of a run.
type Summary struct {
	RunID           int64         `json:"run_id"`
	State           RunState      `json:"state"`
	Done            int           `json:"done"`
	Failed          int           `json:"failed"`
	Skipped         int           `json:"skipped"`
	Pending         int           `json:"pending"`
	PartialWarnings int           `json:"partial_warnings"`
	CostCommitted   int64         `json:"cost_committed"`
	FailedUnits     []string      `json:"failed_units,omitempty"`
	Closed          bool          `json:"closed"`
	Duration        time.Duration `json:"duration"`
}

// ExitCode maps the run state to a process exit status.
func (s *Summary) ExitCode() int {
	switch s.State {
	case StateCompleted:
		if s.Failed > 0 || s.Skipped > 0 {
			return 1
		}
		return 0
	case StateQuotaExhausted, StateInterrupted:
		return 2
	case StateHaltedOnFatal:
		return 3
	case StateHaltedOnStorage:
		return 4
	default:
		return 1
	}
}

// Plan expands req into units without persisting anything.
func (e *Engine) Plan(req models.FetchRequest) ([]models.WorkUnit, error) {
	return planner.Plan(req, planner.Budget{DailyCap: e.ledger.DailyCap()})
}

// Start plans req into a new checkpoint and executes it. An open checkpoint
// is refused unless force is set, in which case it is closed first.
func (e *Engine) Start(ctx context.Context, req models.FetchRequest, force bool) (*Summary, error) {
	active, err := e.tasks.LoadActive(ctx)
	switch {
	case err == nil:
		if !force {
			return nil, fmt.Errorf("%w: run %d", ErrActiveCheckpoint, active.RunID)
		}
		if err := e.tasks.Complete(ctx, active.RunID); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStorage, err)
		}
		e.log.Warn("closed active checkpoint", "run_id", active.RunID)
	case !errors.Is(err, taskstore.ErrNoActiveCheckpoint):
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	if req.AsOf.IsZero() {
		req.AsOf = e.ledger.Now()
	}
	units, err := e.Plan(req)
	if err != nil {
		return nil, err
	}
	cp := &models.Checkpoint{RequestDigest: Digest(req), AsOf: req.AsOf, Units: units}
	if err := e.tasks.Save(ctx, cp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	est := planner.Summarize(units, e.ledger.DailyCap())
	e.log.Info("planned campaign",
		"run_id", cp.RunID,
		"units", est.Units,
		"skipped", est.Skipped,
		"cost", est.TotalCost,
		"days", est.Days)
	for _, u := range units {
		if u.Status == models.StatusSkipped {
			e.metrics.RecordSkipped(u.SkipReason)
		}
	}
	return e.execute(ctx, cp)
}

// Resume continues the active checkpoint. Dangling in-flight units and
// failed units with attempts left become pending; failed units without
// attempts left are skipped. Done units are never re-issued.
func (e *Engine) Resume(ctx context.Context) (*Summary, error) {
	cp, err := e.tasks.LoadActive(ctx)
	if err != nil {
		if errors.Is(err, taskstore.ErrNoActiveCheckpoint) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	for i := range cp.Units {
		u := &cp.Units[i]
		prev := u.Status
		switch u.Status {
		case models.StatusInFlight, models.StatusFailed, models.StatusPending:
			if e.attemptsLeft(u) {
				u.Status = models.StatusPending
			} else {
				u.Status = models.StatusSkipped
				u.SkipReason = models.SkipAttemptsExhausted
				e.metrics.RecordSkipped(u.SkipReason)
			}
		default:
			continue
		}
		if u.Status == prev {
			continue
		}
		if err := e.persist(ctx, cp.RunID, u); err != nil {
			return nil, err
		}
		e.log.Info("reset unit", "run_id", cp.RunID, "unit_id", u.ID, "from", prev, "to", u.Status)
	}
	return e.execute(ctx, cp)
}

func (e *Engine) attemptsLeft(u *models.WorkUnit) bool {
	return e.cfg.MaxUnitAttempts <= 0 || u.Attempts < e.cfg.MaxUnitAttempts
}

// Digest fingerprints a request for display and comparison.
func Digest(req models.FetchRequest) string {
	b, _ := json.Marshal(req)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:8])
}

// run is the shared state of one execution.
type run struct {
	mu        sync.Mutex
	state     RunState
	fatal     int
	partial   int
	committed int64
	cancel    context.CancelFunc
}

func (r *run) halt(state RunState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == StateExecuting || state == StateHaltedOnStorage {
		r.state = state
	}
	r.cancel()
}

func (r *run) current() RunState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (e *Engine) execute(ctx context.Context, cp *models.Checkpoint) (*Summary, error) {
	start := time.Now()
	// Ledger, task store and in-flight work outlive cancellation.
	bg := context.WithoutCancel(ctx)

	sess, err := e.source.Connect(ctx)
	if err != nil {
		state := StateHaltedOnFatal
		if ctx.Err() != nil || fetch.Classify(err) == fetch.Transient {
			state = StateInterrupted
		}
		s := e.summarize(cp, state, &run{}, start)
		return s, fmt.Errorf("connect data source: %w", err)
	}
	defer func() {
		if err := sess.Close(); err != nil {
			e.log.Warn("close session", "error", err)
		}
	}()

	opts := append([]fetch.Option{
		fetch.WithRetryHook(func(u models.WorkUnit, attempt int, err error) {
			e.metrics.RecordRetry()
			e.log.Info("retrying unit", "run_id", cp.RunID, "unit_id", u.ID, "attempt", attempt, "error", err)
		}),
		fetch.WithAsOf(cp.AsOf),
	}, e.opts...)
	if e.journal != nil {
		opts = append(opts, fetch.WithJournal(e.journal, cp.RunID))
	}
	client := fetch.New(sess, e.cfg.Retry, opts...)

	dispatchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	r := &run{state: StateExecuting, cancel: cancel}

	e.log.Info("executing", "run_id", cp.RunID, "units", len(cp.Units), "concurrency", e.cfg.Concurrency)

	sem := make(chan struct{}, e.cfg.Concurrency)
	var wg sync.WaitGroup
	interrupted := false

dispatch:
	for i := range cp.Units {
		u := &cp.Units[i]
		if u.Status != models.StatusPending {
			continue
		}

		select {
		case sem <- struct{}{}:
		case <-dispatchCtx.Done():
		}
		if dispatchCtx.Err() != nil {
			interrupted = r.current() == StateExecuting
			break dispatch
		}

		if !e.attemptsLeft(u) {
			u.Status = models.StatusSkipped
			u.SkipReason = models.SkipAttemptsExhausted
			e.metrics.RecordSkipped(u.SkipReason)
			<-sem
			if err := e.persist(bg, cp.RunID, u); err != nil {
				r.halt(StateHaltedOnStorage)
				break dispatch
			}
			continue
		}

		res, err := e.ledger.Reserve(bg, u.EstimatedCost)
		if err != nil {
			<-sem
			if errors.Is(err, ledger.ErrQuotaDenied) {
				e.log.Warn("quota exhausted", "run_id", cp.RunID, "unit_id", u.ID, "cost", u.EstimatedCost, "error", err)
				r.halt(StateQuotaExhausted)
			} else {
				e.log.Error("reserve quota", "run_id", cp.RunID, "error", err)
				r.halt(StateHaltedOnStorage)
			}
			break dispatch
		}
		e.metrics.SetReserved(e.ledger.Reserved())

		u.Status = models.StatusInFlight
		if err := e.persist(bg, cp.RunID, u); err != nil {
			u.Status = models.StatusPending
			e.release(res)
			<-sem
			r.halt(StateHaltedOnStorage)
			break dispatch
		}

		wg.Add(1)
		go func(u *models.WorkUnit, res ledger.Reservation) {
			defer wg.Done()
			defer func() { <-sem }()
			e.runUnit(bg, r, cp.RunID, u, client, res)
		}(u, res)
	}
	wg.Wait()

	state := r.current()
	if state == StateExecuting {
		state = StateCompleted
		if interrupted || (ctx.Err() != nil && e.hasPending(cp)) {
			state = StateInterrupted
		}
	}

	s := e.summarize(cp, state, r, start)
	if e.closable(cp) {
		if err := e.tasks.Complete(bg, cp.RunID); err != nil {
			e.log.Error("close checkpoint", "run_id", cp.RunID, "error", err)
			s.State = StateHaltedOnStorage
		} else {
			s.Closed = true
		}
	}

	e.log.Info("run finished",
		"run_id", s.RunID,
		"state", s.State,
		"done", s.Done,
		"failed", s.Failed,
		"skipped", s.Skipped,
		"pending", s.Pending,
		"cost", s.CostCommitted,
		"duration", s.Duration.Round(time.Millisecond))
	return s, nil
}

// runUnit executes one reserved unit and records its transition. ctx is
// detached from cancellation so the unit always commits or releases.
func (e *Engine) runUnit(ctx context.Context, r *run, runID int64, u *models.WorkUnit, client *fetch.Client, res ledger.Reservation) {
	ctx, span := tracing.StartSpan(ctx, "unit.execute",
		attribute.String("unit.id", u.ID),
		attribute.Int64("unit.cost", u.EstimatedCost),
		attribute.String("unit.kind", string(u.Kind)))
	defer func() {
		span.SetAttributes(attribute.String("unit.status", string(u.Status)))
		span.End()
	}()

	e.metrics.RecordDispatch()
	limit := 0
	if e.cfg.MaxUnitAttempts > 0 {
		limit = e.cfg.MaxUnitAttempts - u.Attempts
	}

	start := time.Now()
	result, err := client.Execute(ctx, *u, limit)
	latency := time.Since(start)

	if err != nil {
		kind := fetch.Fatal
		attempts := 1
		var f *fetch.Failure
		if errors.As(err, &f) {
			kind, attempts = f.Kind, f.Attempts
		}
		e.release(res)
		u.Attempts += attempts
		u.Status = models.StatusFailed
		u.LastError = err.Error()
		e.metrics.RecordFailed(string(kind), latency)
		e.log.Warn("unit failed", "run_id", runID, "unit_id", u.ID, "kind", kind, "attempts", u.Attempts, "error", err)

		if err := e.persist(ctx, runID, u); err != nil {
			r.halt(StateHaltedOnStorage)
			return
		}
		if kind == fetch.Fatal {
			r.mu.Lock()
			r.fatal++
			n := r.fatal
			r.mu.Unlock()
			if e.cfg.FatalHaltThreshold > 0 && n >= e.cfg.FatalHaltThreshold {
				e.log.Error("fatal failure threshold reached", "run_id", runID, "fatal", n)
				r.halt(StateHaltedOnFatal)
			}
		}
		return
	}

	u.Attempts += result.Attempts
	u.LastError = ""

	if err := e.sink.Write(ctx, result.Records); err != nil {
		// The request was spent; record the cost before halting.
		e.log.Error("sink write failed", "run_id", runID, "unit_id", u.ID, "error", err)
		if cerr := e.ledger.Commit(ctx, res); cerr != nil {
			e.log.Error("commit quota", "run_id", runID, "unit_id", u.ID, "error", cerr)
		} else {
			e.addCommitted(r, u.EstimatedCost)
			e.metrics.RecordCommitted(u.EstimatedCost)
		}
		u.Status = models.StatusPending
		u.LastError = err.Error()
		_ = e.persist(ctx, runID, u)
		r.halt(StateHaltedOnStorage)
		return
	}

	if err := e.ledger.Commit(ctx, res); err != nil {
		e.log.Error("commit quota", "run_id", runID, "unit_id", u.ID, "error", err)
		u.Status = models.StatusPending
		u.LastError = err.Error()
		_ = e.persist(ctx, runID, u)
		r.halt(StateHaltedOnStorage)
		return
	}
	e.addCommitted(r, u.EstimatedCost)
	e.metrics.SetReserved(e.ledger.Reserved())

	for _, w := range result.Warnings {
		e.log.Warn("partial data", "run_id", runID, "unit_id", u.ID, "warning", w)
		if err := e.tasks.RecordWarning(ctx, runID, u.ID, w); err != nil {
			e.log.Error("record warning", "run_id", runID, "unit_id", u.ID, "error", err)
		}
	}
	if result.Partial() {
		r.mu.Lock()
		r.partial++
		r.mu.Unlock()
	}

	u.Status = models.StatusDone
	if err := e.persist(ctx, runID, u); err != nil {
		r.halt(StateHaltedOnStorage)
		return
	}
	e.metrics.RecordDone(u.EstimatedCost, latency, result.Partial())
	e.log.Debug("unit done", "run_id", runID, "unit_id", u.ID, "records", len(result.Records), "cost", u.EstimatedCost)
}

func (e *Engine) addCommitted(r *run, cost int64) {
	r.mu.Lock()
	r.committed += cost
	r.mu.Unlock()
}

func (e *Engine) release(res ledger.Reservation) {
	if err := e.ledger.Release(res); err != nil {
		e.log.Error("release quota", "reservation", res.ID, "error", err)
	}
	e.metrics.SetReserved(e.ledger.Reserved())
}

func (e *Engine) persist(ctx context.Context, runID int64, u *models.WorkUnit) error {
	err := e.tasks.UpdateUnit(ctx, runID, taskstore.UnitUpdate{
		UnitID:     u.ID,
		Status:     u.Status,
		Attempts:   u.Attempts,
		LastError:  u.LastError,
		SkipReason: u.SkipReason,
	})
	if err != nil {
		e.log.Error("persist unit", "run_id", runID, "unit_id", u.ID, "status", u.Status, "error", err)
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return nil
}

func (e *Engine) hasPending(cp *models.Checkpoint) bool {
	for _, u := range cp.Units {
		if u.Status == models.StatusPending {
			return true
		}
	}
	return false
}

// closable reports whether no unit could make further progress.
func (e *Engine) closable(cp *models.Checkpoint) bool {
	for i := range cp.Units {
		u := &cp.Units[i]
		switch u.Status {
		case models.StatusPending, models.StatusInFlight:
			return false
		case models.StatusFailed:
			if e.attemptsLeft(u) {
				return false
			}
		}
	}
	return true
}

func (e *Engine) summarize(cp *models.Checkpoint, state RunState, r *run, start time.Time) *Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := &Summary{
		RunID:           cp.RunID,
		State:           state,
		PartialWarnings: r.partial,
		CostCommitted:   r.committed,
		Duration:        time.Since(start),
	}
	for _, u := range cp.Units {
		switch u.Status {
		case models.StatusDone:
			s.Done++
		case models.StatusFailed:
			s.Failed++
			s.FailedUnits = append(s.FailedUnits, u.ID)
		case models.StatusSkipped:
			s.Skipped++
		case models.StatusPending, models.StatusInFlight:
			s.Pending++
		}
	}
	return s
}
