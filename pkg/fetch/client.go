// Package fetch executes work units against a vendor session with error
// classification and bounded retries.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	"github.com/pario-ai/chainfetch/pkg/models"
	"github.com/pario-ai/chainfetch/pkg/source"
)

// Kind classifies a failed query.
type Kind string

const (
	Transient Kind = "transient"
	Fatal     Kind = "fatal"
)

// Failure is returned when a unit could not be fetched.
type Failure struct {
	Kind     Kind
	Attempts int
	Err      error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s failure after %d attempt(s): %v", f.Kind, f.Attempts, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

var transientCodes = map[source.Code]bool{
	source.CodeConnectionLost:  true,
	source.CodeSessionNotReady: true,
	source.CodeRateLimited:     true,
	source.CodeTimeout:         true,
}

// Classify maps a query error to a failure kind. Unknown errors are fatal.
func Classify(err error) Kind {
	var pe *source.ProtocolError
	if errors.As(err, &pe) {
		if transientCodes[pe.Code] {
			return Transient
		}
		return Fatal
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Transient
	}
	return Fatal
}

// Config bounds retries within a single execution.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// Journal records individual query attempts.
type Journal interface {
	Log(ctx context.Context, entry models.AttemptEntry) error
}

// Client issues unit queries over one session.
type Client struct {
	session source.Session
	cfg     Config
	journal Journal
	runID   int64
	sleep   func(context.Context, time.Duration) error
	jitter  func(time.Duration) time.Duration
	onRetry func(unit models.WorkUnit, attempt int, err error)
	now     func() time.Time
	asOf    time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithJournal records every attempt for runID in j.
func WithJournal(j Journal, runID int64) Option {
	return func(c *Client) {
		c.journal = j
		c.runID = runID
	}
}

// WithSleep replaces the context-aware backoff sleep.
func WithSleep(sleep func(context.Context, time.Duration) error) Option {
	return func(c *Client) { c.sleep = sleep }
}

// WithJitter replaces the full-jitter function applied to each backoff.
func WithJitter(jitter func(time.Duration) time.Duration) Option {
	return func(c *Client) { c.jitter = jitter }
}

// WithRetryHook is called before each backoff sleep.
func WithRetryHook(fn func(unit models.WorkUnit, attempt int, err error)) Option {
	return func(c *Client) { c.onRetry = fn }
}

// WithAsOf keys snapshot records by the given day instead of the fetch time.
func WithAsOf(asOf time.Time) Option {
	return func(c *Client) { c.asOf = asOf }
}

// New creates a Client over an open session.
func New(session source.Session, cfg Config, opts ...Option) *Client {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 2
	}
	c := &Client{
		session: session,
		cfg:     cfg,
		sleep:   sleepContext,
		jitter:  fullJitter,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Execute fetches unit, retrying transient failures. limit caps the attempts
// for this execution below the configured maximum when positive.
func (c *Client) Execute(ctx context.Context, unit models.WorkUnit, limit int) (*models.FetchResult, error) {
	attempts := c.cfg.MaxAttempts
	if limit > 0 && limit < attempts {
		attempts = limit
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		q := source.Query{
			CorrelationID: uuid.NewString(),
			Securities:    unit.Securities,
			Fields:        unit.Fields,
			Period:        unit.Period,
		}

		start := c.now()
		resp, err := c.session.Query(ctx, q)
		latency := c.now().Sub(start)

		if err == nil {
			result := Decode(unit, resp, c.asOf, c.now())
			result.Attempts = attempt
			outcome := "ok"
			if result.Partial() {
				outcome = "partial"
			}
			c.record(ctx, q, unit, attempt, outcome, nil, len(result.Records), latency)
			return result, nil
		}

		lastErr = err
		kind := Classify(err)
		if ctx.Err() != nil {
			kind = Transient
		}
		c.record(ctx, q, unit, attempt, string(kind), err, 0, latency)

		if kind == Fatal {
			return nil, &Failure{Kind: Fatal, Attempts: attempt, Err: err}
		}
		if attempt == attempts || ctx.Err() != nil {
			return nil, &Failure{Kind: Transient, Attempts: attempt, Err: err}
		}

		if c.onRetry != nil {
			c.onRetry(unit, attempt, err)
		}
		if serr := c.sleep(ctx, c.jitter(c.backoff(attempt))); serr != nil {
			return nil, &Failure{Kind: Transient, Attempts: attempt, Err: serr}
		}
	}
	return nil, &Failure{Kind: Transient, Attempts: attempts, Err: lastErr}
}

// backoff returns BaseDelay × Multiplier^(attempt-1), capped at MaxDelay.
func (c *Client) backoff(attempt int) time.Duration {
	d := float64(c.cfg.BaseDelay) * math.Pow(c.cfg.Multiplier, float64(attempt-1))
	if c.cfg.MaxDelay > 0 && d > float64(c.cfg.MaxDelay) {
		return c.cfg.MaxDelay
	}
	return time.Duration(d)
}

func (c *Client) record(ctx context.Context, q source.Query, unit models.WorkUnit, attempt int, outcome string, err error, records int, latency time.Duration) {
	if c.journal == nil {
		return
	}
	entry := models.AttemptEntry{
		CorrelationID: q.CorrelationID,
		RunID:         c.runID,
		UnitID:        unit.ID,
		Attempt:       attempt,
		Outcome:       outcome,
		Securities:    len(q.Securities),
		Records:       records,
		LatencyMs:     latency.Milliseconds(),
		CreatedAt:     c.now().UTC(),
	}
	if err != nil {
		entry.Error = err.Error()
	}
	// Journal failures never fail the fetch.
	_ = c.journal.Log(context.WithoutCancel(ctx), entry)
}

func fullJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(d) + 1))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
