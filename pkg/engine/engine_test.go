package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pario-ai/chainfetch/pkg/fetch"
	"github.com/pario-ai/chainfetch/pkg/ledger"
	"github.com/pario-ai/chainfetch/pkg/models"
	"github.com/pario-ai/chainfetch/pkg/sink"
	"github.com/pario-ai/chainfetch/pkg/source"
	"github.com/pario-ai/chainfetch/pkg/source/sim"
	"github.com/pario-ai/chainfetch/pkg/taskstore"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type harness struct {
	engine *Engine
	ledger *ledger.Ledger
	tasks  *taskstore.SQLiteStore
	sink   *sink.SQLite
	src    *sim.Source
	clock  *clock
}

type options struct {
	cfg    Config
	limits ledger.Limits
	sink   sink.Sink
	src    source.DataSource
}

func defaultOptions() options {
	return options{
		cfg: Config{
			Concurrency:        1,
			MaxUnitAttempts:    9,
			FatalHaltThreshold: 3,
			Retry:              fetch.Config{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 2},
		},
		limits: ledger.Limits{Daily: 1000, Monthly: 10000},
	}
}

func newHarness(t *testing.T, src *sim.Source, opts options) *harness {
	t.Helper()
	dir := t.TempDir()

	ls, err := ledger.NewSQLiteStore(filepath.Join(dir, "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { ls.Close() })

	tasks, err := taskstore.New(filepath.Join(dir, "tasks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { tasks.Close() })

	records, err := sink.NewSQLite(filepath.Join(dir, "records.db"))
	require.NoError(t, err)
	t.Cleanup(func() { records.Close() })

	c := &clock{t: time.Date(2026, 10, 14, 9, 0, 0, 0, time.Local)}
	l := ledger.New(ls, opts.limits, ledger.WithClock(c.now))

	var out sink.Sink = records
	if opts.sink != nil {
		out = opts.sink
	}
	var in source.DataSource = src
	if opts.src != nil {
		in = opts.src
	}

	e := New(opts.cfg, Deps{
		Ledger: l,
		Tasks:  tasks,
		Source: in,
		Sink:   out,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		FetchOptions: []fetch.Option{
			fetch.WithSleep(func(ctx context.Context, _ time.Duration) error { return ctx.Err() }),
		},
	})
	return &harness{engine: e, ledger: l, tasks: tasks, sink: records, src: src, clock: c}
}

func equityRequest(constituents ...string) models.FetchRequest {
	req := models.FetchRequest{
		Index:        models.Underlying{Ticker: "QQQ", Spot: 480},
		EquityFields: []string{"PX_LAST", "PX_OPEN", "PX_VOLUME"},
	}
	for _, c := range constituents {
		req.Constituents = append(req.Constituents, models.Underlying{Ticker: c, Spot: 100})
	}
	return req
}

func consumed(t *testing.T, l *ledger.Ledger, kind models.WindowKind) int64 {
	t.Helper()
	statuses, err := l.Status(context.Background())
	require.NoError(t, err)
	for _, s := range statuses {
		if s.Window.Kind == kind {
			return s.Window.Consumed
		}
	}
	t.Fatalf("no %s window", kind)
	return 0
}

func queriedSecurities(src *sim.Source) map[string]int {
	seen := make(map[string]int)
	for _, q := range src.Queries() {
		for _, s := range q.Securities {
			seen[s]++
		}
	}
	return seen
}

func TestQuotaExhaustionThenResumeNextDay(t *testing.T) {
	opts := defaultOptions()
	opts.limits = ledger.Limits{Daily: 5, Monthly: 100}
	h := newHarness(t, sim.New(), opts)
	ctx := context.Background()

	s, err := h.engine.Start(ctx, equityRequest("AAPL"), false)
	require.NoError(t, err)
	assert.Equal(t, StateQuotaExhausted, s.State)
	assert.Equal(t, 1, s.Done)
	assert.Equal(t, 1, s.Pending)
	assert.Equal(t, int64(3), s.CostCommitted)
	assert.Equal(t, 2, s.ExitCode())
	assert.False(t, s.Closed)
	assert.Equal(t, int64(3), consumed(t, h.ledger, models.WindowDaily))

	// Same day: still denied, nothing issued.
	s, err = h.engine.Resume(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateQuotaExhausted, s.State)
	assert.Len(t, h.src.Queries(), 1)

	h.clock.advance(24 * time.Hour)
	s, err = h.engine.Resume(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, s.State)
	assert.Equal(t, 2, s.Done)
	assert.True(t, s.Closed)
	assert.Equal(t, 0, s.ExitCode())
	assert.Equal(t, int64(3), consumed(t, h.ledger, models.WindowDaily))
	assert.Equal(t, int64(6), consumed(t, h.ledger, models.WindowMonthly))

	seen := queriedSecurities(h.src)
	assert.Equal(t, 1, seen["QQQ US Equity"])
	assert.Equal(t, 1, seen["AAPL US Equity"])

	_, err = h.engine.Resume(ctx)
	assert.ErrorIs(t, err, taskstore.ErrNoActiveCheckpoint)
}

func TestPartialDataKeepsValidRecords(t *testing.T) {
	req := models.FetchRequest{
		Index:        models.Underlying{Ticker: "QQQ", Spot: 480},
		OptionFields: []string{"PX_BID"},
		Options:      models.OptionParams{StrikesAbove: 2, StrikesBelow: 2, StrikeInterval: 5, Expiries: []string{"20261120"}},
	}
	src := sim.New().
		DropSecurity("QQQ US 11/20/26 C470 Equity").
		DropSecurity("QQQ US 11/20/26 P490 Equity")
	h := newHarness(t, src, defaultOptions())
	ctx := context.Background()

	s, err := h.engine.Start(ctx, req, false)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, s.State)
	assert.Equal(t, 1, s.Done)
	assert.Equal(t, 1, s.PartialWarnings)
	assert.Len(t, src.Queries(), 1, "partial data is not retried")

	st, err := h.sink.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(8), st.Records)

	warnings, err := h.tasks.Warnings(ctx, s.RunID)
	require.NoError(t, err)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0].Message, "2 of 10 securities")
}

func TestResumeNeverReissuesDoneUnits(t *testing.T) {
	opts := defaultOptions()
	opts.limits = ledger.Limits{Daily: 6, Monthly: 100}
	h := newHarness(t, sim.New(), opts)
	ctx := context.Background()

	s, err := h.engine.Start(ctx, equityRequest("AAPL", "MSFT", "NVDA", "AMZN"), false)
	require.NoError(t, err)
	assert.Equal(t, 2, s.Done)

	for day := 0; day < 5 && !s.Closed; day++ {
		h.clock.advance(24 * time.Hour)
		s, err = h.engine.Resume(ctx)
		require.NoError(t, err)
	}
	require.True(t, s.Closed)
	assert.Equal(t, 5, s.Done)

	for sec, n := range queriedSecurities(h.src) {
		assert.Equal(t, 1, n, "%s queried more than once", sec)
	}
	assert.Len(t, h.src.Queries(), 5)
}

func TestResumeResetsDanglingInFlight(t *testing.T) {
	opts := defaultOptions()
	opts.limits = ledger.Limits{Daily: 3, Monthly: 100}
	h := newHarness(t, sim.New(), opts)
	ctx := context.Background()

	s, err := h.engine.Start(ctx, equityRequest("AAPL"), false)
	require.NoError(t, err)
	require.Equal(t, StateQuotaExhausted, s.State)

	cp, err := h.tasks.LoadActive(ctx)
	require.NoError(t, err)
	pending := cp.Units[1]
	require.Equal(t, models.StatusPending, pending.Status)
	// Simulate a crash mid-execution.
	require.NoError(t, h.tasks.UpdateUnit(ctx, cp.RunID, taskstore.UnitUpdate{UnitID: pending.ID, Status: models.StatusInFlight}))

	h.clock.advance(24 * time.Hour)
	s, err = h.engine.Resume(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, s.State)
	assert.Equal(t, 2, s.Done)
	assert.Len(t, h.src.Queries(), 2)
}

func TestConcurrentRunNeverExceedsCap(t *testing.T) {
	opts := defaultOptions()
	opts.cfg.Concurrency = 4
	opts.limits = ledger.Limits{Daily: 20, Monthly: 100}
	var constituents []string
	for i := range 12 {
		constituents = append(constituents, fmt.Sprintf("T%02d", i))
	}
	h := newHarness(t, sim.New().WithLatency(5*time.Millisecond), opts)

	s, err := h.engine.Start(context.Background(), equityRequest(constituents...), false)
	require.NoError(t, err)
	assert.Equal(t, StateQuotaExhausted, s.State)

	used := consumed(t, h.ledger, models.WindowDaily)
	assert.LessOrEqual(t, used, int64(20))
	assert.Equal(t, int64(3*s.Done), used)
	assert.Equal(t, 13, s.Done+s.Pending)
	assert.Equal(t, int64(0), h.ledger.Reserved())
	assert.Len(t, h.src.Queries(), s.Done)
}

func TestFatalThresholdHaltsRun(t *testing.T) {
	denied := &source.ProtocolError{Code: source.CodeNotEntitled}
	src := sim.New().FailSecurity("BBB US Equity", denied).FailSecurity("CCC US Equity", denied)
	opts := defaultOptions()
	opts.cfg.FatalHaltThreshold = 2
	h := newHarness(t, src, opts)

	s, err := h.engine.Start(context.Background(), equityRequest("AAA", "BBB", "CCC", "DDD"), false)
	require.NoError(t, err)
	assert.Equal(t, StateHaltedOnFatal, s.State)
	assert.Equal(t, 3, s.ExitCode())
	assert.Equal(t, 2, s.Done)
	assert.Equal(t, 2, s.Failed)
	assert.Equal(t, 1, s.Pending)
	assert.Len(t, s.FailedUnits, 2)
	assert.Equal(t, int64(6), consumed(t, h.ledger, models.WindowDaily), "failed units release their hold")
	assert.Len(t, src.Queries(), 4, "fatal errors are not retried")
}

func TestTransientFailureRetriedOnResume(t *testing.T) {
	rl := &source.ProtocolError{Code: source.CodeRateLimited}
	src := sim.New().FailNext(rl, rl, rl)
	h := newHarness(t, src, defaultOptions())
	ctx := context.Background()

	s, err := h.engine.Start(ctx, equityRequest(), false)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, s.State)
	assert.Equal(t, 1, s.Failed)
	assert.Equal(t, 1, s.ExitCode())
	assert.False(t, s.Closed, "failed unit with attempts left keeps the checkpoint open")
	assert.Len(t, src.Queries(), 3)
	assert.Equal(t, int64(0), consumed(t, h.ledger, models.WindowDaily))

	s, err = h.engine.Resume(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, s.State)
	assert.Equal(t, 1, s.Done)
	assert.True(t, s.Closed)
	assert.Equal(t, 0, s.ExitCode())
}

func TestExhaustedFailureClosesCheckpoint(t *testing.T) {
	rl := &source.ProtocolError{Code: source.CodeConnectionLost}
	src := sim.New().FailNext(rl, rl, rl)
	opts := defaultOptions()
	opts.cfg.MaxUnitAttempts = 3
	h := newHarness(t, src, opts)
	ctx := context.Background()

	s, err := h.engine.Start(ctx, equityRequest(), false)
	require.NoError(t, err)
	require.Equal(t, 1, s.Failed)
	assert.True(t, s.Closed)

	cp, err := h.tasks.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, cp.Units[0].Attempts)
}

func TestResumeSkipsExhaustedUnits(t *testing.T) {
	opts := defaultOptions()
	opts.limits = ledger.Limits{Daily: 3, Monthly: 100}
	h := newHarness(t, sim.New(), opts)
	ctx := context.Background()

	s, err := h.engine.Start(ctx, equityRequest("AAPL"), false)
	require.NoError(t, err)
	require.Equal(t, 1, s.Pending)

	cp, err := h.tasks.LoadActive(ctx)
	require.NoError(t, err)
	require.NoError(t, h.tasks.UpdateUnit(ctx, cp.RunID, taskstore.UnitUpdate{
		UnitID: cp.Units[1].ID, Status: models.StatusFailed, Attempts: 9, LastError: "auth_denied",
	}))

	s, err = h.engine.Resume(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, s.State)
	assert.Equal(t, 1, s.Skipped)
	assert.True(t, s.Closed)
	assert.Equal(t, 1, s.ExitCode())
	assert.Len(t, h.src.Queries(), 1)

	latest, err := h.tasks.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.SkipAttemptsExhausted, latest.Units[1].SkipReason)
}

type failingSink struct{}

func (failingSink) Write(context.Context, []models.Record) error { return errors.New("disk full") }
func (failingSink) Close() error                                 { return nil }

func TestSinkFailureHaltsAndCommitsCost(t *testing.T) {
	opts := defaultOptions()
	opts.sink = failingSink{}
	h := newHarness(t, sim.New(), opts)
	ctx := context.Background()

	s, err := h.engine.Start(ctx, equityRequest("AAPL"), false)
	require.NoError(t, err)
	assert.Equal(t, StateHaltedOnStorage, s.State)
	assert.Equal(t, 4, s.ExitCode())
	assert.Equal(t, 0, s.Done)
	assert.Equal(t, 2, s.Pending)
	assert.Equal(t, int64(3), consumed(t, h.ledger, models.WindowDaily), "spent request is committed")

	cp, err := h.tasks.LoadActive(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, cp.Units[0].Status)
}

// crashingSink cancels the run after a number of successful writes.
type crashingSink struct {
	sink.Sink
	after  int
	writes int
	cancel context.CancelFunc
}

func (c *crashingSink) Write(ctx context.Context, records []models.Record) error {
	if err := c.Sink.Write(ctx, records); err != nil {
		return err
	}
	c.writes++
	if c.writes == c.after {
		c.cancel()
	}
	return nil
}

// cancelOnConnect cancels the run as the session opens.
type cancelOnConnect struct {
	*sim.Source
	cancel context.CancelFunc
}

func (c *cancelOnConnect) Connect(ctx context.Context) (source.Session, error) {
	c.cancel()
	return c.Source.Connect(ctx)
}

func storedRecords(t *testing.T, s *sink.SQLite) []models.Record {
	t.Helper()
	records, err := s.Records(context.Background())
	require.NoError(t, err)
	return records
}

func TestCrashAndResumeMatchesUninterruptedRun(t *testing.T) {
	req := equityRequest("AAPL", "MSFT", "NVDA", "AMZN")

	ref := newHarness(t, sim.New(), defaultOptions())
	s, err := ref.engine.Start(context.Background(), req, false)
	require.NoError(t, err)
	require.Equal(t, StateCompleted, s.State)
	n := s.Done
	require.Equal(t, 5, n)
	want := storedRecords(t, ref.sink)
	require.Len(t, want, n)

	for k := 0; k <= n; k++ {
		t.Run(fmt.Sprintf("crash after %d units", k), func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			src := sim.New()
			opts := defaultOptions()
			crash := &crashingSink{after: k, cancel: cancel}
			opts.sink = crash
			if k == 0 {
				opts.src = &cancelOnConnect{Source: src, cancel: cancel}
			}
			h := newHarness(t, src, opts)
			crash.Sink = h.sink

			s, err := h.engine.Start(ctx, req, false)
			require.NoError(t, err)
			assert.Equal(t, k, s.Done)

			if !s.Closed {
				assert.Equal(t, StateInterrupted, s.State)
				cp, err := h.tasks.LoadActive(context.Background())
				require.NoError(t, err)
				// Leave the next unit dangling as a hard crash would.
				for _, u := range cp.Units {
					if u.Status == models.StatusPending {
						require.NoError(t, h.tasks.UpdateUnit(context.Background(), cp.RunID,
							taskstore.UnitUpdate{UnitID: u.ID, Status: models.StatusInFlight}))
						break
					}
				}

				h.clock.advance(24 * time.Hour)
				s, err = h.engine.Resume(context.Background())
				require.NoError(t, err)
				assert.Equal(t, StateCompleted, s.State)
				assert.True(t, s.Closed)
			}

			assert.Equal(t, want, storedRecords(t, h.sink))
			for sec, count := range queriedSecurities(h.src) {
				assert.Equal(t, 1, count, "%s queried more than once", sec)
			}
		})
	}
}

func TestCancellationFinishesInFlight(t *testing.T) {
	src := sim.New().WithLatency(200 * time.Millisecond)
	h := newHarness(t, src, defaultOptions())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	s, err := h.engine.Start(ctx, equityRequest("AAPL", "MSFT"), false)
	require.NoError(t, err)
	assert.Equal(t, StateInterrupted, s.State)
	assert.Equal(t, 2, s.ExitCode())
	assert.Equal(t, 1, s.Done, "in-flight unit completes")
	assert.Equal(t, 2, s.Pending)
	assert.Equal(t, int64(3), consumed(t, h.ledger, models.WindowDaily))
	assert.Equal(t, int64(0), h.ledger.Reserved())

	opened, closed := src.Sessions()
	assert.Equal(t, opened, closed)
}

func TestStartRefusesActiveCheckpoint(t *testing.T) {
	opts := defaultOptions()
	opts.limits = ledger.Limits{Daily: 3, Monthly: 100}
	h := newHarness(t, sim.New(), opts)
	ctx := context.Background()

	first, err := h.engine.Start(ctx, equityRequest("AAPL"), false)
	require.NoError(t, err)
	require.False(t, first.Closed)

	_, err = h.engine.Start(ctx, equityRequest("AAPL"), false)
	assert.ErrorIs(t, err, ErrActiveCheckpoint)

	h.clock.advance(24 * time.Hour)
	second, err := h.engine.Start(ctx, equityRequest("MSFT"), true)
	require.NoError(t, err)
	assert.Greater(t, second.RunID, first.RunID)
}

func TestPlanSkipsUnitsAboveDailyCap(t *testing.T) {
	opts := defaultOptions()
	opts.limits = ledger.Limits{Daily: 2, Monthly: 100}
	h := newHarness(t, sim.New(), opts)

	s, err := h.engine.Start(context.Background(), equityRequest(), false)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, s.State)
	assert.Equal(t, 1, s.Skipped)
	assert.True(t, s.Closed)
	assert.Equal(t, 1, s.ExitCode())
	assert.Empty(t, h.src.Queries())
}

func TestConnectFailure(t *testing.T) {
	src := sim.New().FailConnect(&source.ProtocolError{Code: source.CodeAuthDenied})
	h := newHarness(t, src, defaultOptions())

	s, err := h.engine.Start(context.Background(), equityRequest(), false)
	require.Error(t, err)
	require.NotNil(t, s)
	assert.Equal(t, StateHaltedOnFatal, s.State)
	assert.Equal(t, 1, s.Pending)
}

func TestExitCodes(t *testing.T) {
	tests := []struct {
		s    Summary
		want int
	}{
		{Summary{State: StateCompleted}, 0},
		{Summary{State: StateCompleted, Failed: 1}, 1},
		{Summary{State: StateCompleted, Skipped: 1}, 1},
		{Summary{State: StateQuotaExhausted}, 2},
		{Summary{State: StateInterrupted}, 2},
		{Summary{State: StateHaltedOnFatal}, 3},
		{Summary{State: StateHaltedOnStorage}, 4},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.s.ExitCode(), "%s", tt.s.State)
	}
}
