package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pario-ai/chainfetch/pkg/models"
)

var (
	// ErrQuotaDenied is returned when a reservation would exceed a cap.
	ErrQuotaDenied = errors.New("quota denied")
	// ErrUnknownReservation is returned when committing or releasing a hold
	// that is not outstanding.
	ErrUnknownReservation = errors.New("unknown reservation")
)

// DeniedError describes the binding window behind a denied reservation.
type DeniedError struct {
	Window    models.WindowKind
	PeriodKey string
	Cap       int64
	Consumed  int64
	Reserved  int64
	Requested int64
}

// Available returns the headroom left in the binding window.
func (e *DeniedError) Available() int64 {
	if a := e.Cap - e.Consumed - e.Reserved; a > 0 {
		return a
	}
	return 0
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("%s cap %d reached for %s: requested %d, available %d",
		e.Window, e.Cap, e.PeriodKey, e.Requested, e.Available())
}

func (e *DeniedError) Unwrap() error { return ErrQuotaDenied }

// Limits are the hard caps enforced by the ledger.
type Limits struct {
	Daily     int64
	Monthly   int64
	WarnRatio float64
}

// Reservation is a provisional hold on quota.
type Reservation struct {
	ID   uint64
	Cost int64
}

// Ledger tracks consumption against daily and monthly caps. Reservations are
// checked under one lock against current consumption plus every outstanding
// hold, so concurrently reserved units can never jointly exceed a cap.
type Ledger struct {
	mu       sync.Mutex
	store    Store
	limits   Limits
	now      func() time.Time
	windows  map[models.WindowKind]*models.UsageWindow
	holds    map[uint64]int64
	reserved int64
	nextID   uint64
	warned   map[string]bool
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the wall clock used for period rollover.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// New creates a Ledger persisting through store.
func New(store Store, limits Limits, opts ...Option) *Ledger {
	l := &Ledger{
		store:   store,
		limits:  limits,
		now:     time.Now,
		windows: make(map[models.WindowKind]*models.UsageWindow, 2),
		holds:   make(map[uint64]int64),
		warned:  make(map[string]bool),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// PeriodKey returns the calendar key for a window kind at t, in t's location.
func PeriodKey(kind models.WindowKind, t time.Time) string {
	if kind == models.WindowMonthly {
		return t.Format("2006-01")
	}
	return t.Format("2006-01-02")
}

// Now returns the ledger clock's current time.
func (l *Ledger) Now() time.Time {
	return l.now()
}

// DailyCap returns the configured daily cap.
func (l *Ledger) DailyCap() int64 {
	return l.limits.Daily
}

// Reserve places a hold for cost if both windows can absorb it.
func (l *Ledger) Reserve(ctx context.Context, cost int64) (Reservation, error) {
	if cost < 0 {
		return Reservation{}, fmt.Errorf("reserve: negative cost %d", cost)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	windows, err := l.current(ctx)
	if err != nil {
		return Reservation{}, fmt.Errorf("reserve: %w", err)
	}

	var binding *DeniedError
	for _, w := range windows {
		if w.Consumed+l.reserved+cost <= w.Cap {
			continue
		}
		d := &DeniedError{
			Window:    w.Kind,
			PeriodKey: w.PeriodKey,
			Cap:       w.Cap,
			Consumed:  w.Consumed,
			Reserved:  l.reserved,
			Requested: cost,
		}
		if binding == nil || d.Available() < binding.Available() {
			binding = d
		}
	}
	if binding != nil {
		return Reservation{}, binding
	}

	l.nextID++
	r := Reservation{ID: l.nextID, Cost: cost}
	l.holds[r.ID] = cost
	l.reserved += cost
	return r, nil
}

// Commit turns a hold into permanent consumption. Both windows are persisted
// before Commit returns; on a persistence error the hold stays outstanding so
// no further spend can use the unrecorded headroom.
func (l *Ledger) Commit(ctx context.Context, r Reservation) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	cost, ok := l.holds[r.ID]
	if !ok {
		return fmt.Errorf("commit %d: %w", r.ID, ErrUnknownReservation)
	}

	windows, err := l.current(ctx)
	if err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	updated := make([]models.UsageWindow, len(windows))
	for i, w := range windows {
		updated[i] = *w
		updated[i].Consumed += cost
	}
	if err := l.store.Commit(ctx, cost, updated...); err != nil {
		return fmt.Errorf("commit: persist usage: %w", err)
	}

	for i := range updated {
		*windows[i] = updated[i]
		l.checkThreshold(updated[i])
	}
	delete(l.holds, r.ID)
	l.reserved -= cost
	return nil
}

// Release drops a hold that was never spent.
func (l *Ledger) Release(r Reservation) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	cost, ok := l.holds[r.ID]
	if !ok {
		return fmt.Errorf("release %d: %w", r.ID, ErrUnknownReservation)
	}
	delete(l.holds, r.ID)
	l.reserved -= cost
	return nil
}

// Reserved returns the total of outstanding holds.
func (l *Ledger) Reserved() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reserved
}

// Status returns consumption, holds and headroom for each window.
func (l *Ledger) Status(ctx context.Context) ([]models.QuotaStatus, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	windows, err := l.current(ctx)
	if err != nil {
		return nil, fmt.Errorf("quota status: %w", err)
	}

	statuses := make([]models.QuotaStatus, 0, len(windows))
	for _, w := range windows {
		remaining := w.Cap - w.Consumed - l.reserved
		if remaining < 0 {
			remaining = 0
		}
		statuses = append(statuses, models.QuotaStatus{
			Window:    *w,
			Reserved:  l.reserved,
			Remaining: remaining,
		})
	}
	return statuses, nil
}

// current returns the daily and monthly windows for the present period,
// loading from the store when the period key has rolled over. A new period
// starts at zero; consumption never carries forward.
func (l *Ledger) current(ctx context.Context) ([]*models.UsageWindow, error) {
	now := l.now()
	out := make([]*models.UsageWindow, 0, 2)
	for _, kind := range []models.WindowKind{models.WindowDaily, models.WindowMonthly} {
		key := PeriodKey(kind, now)
		w, ok := l.windows[kind]
		if !ok || w.PeriodKey != key {
			loaded, err := l.store.Load(ctx, kind, key)
			if err != nil {
				return nil, err
			}
			loaded.Kind = kind
			loaded.PeriodKey = key
			w = &loaded
			l.windows[kind] = w
		}
		w.Cap = l.capFor(kind)
		out = append(out, w)
	}
	return out, nil
}

func (l *Ledger) capFor(kind models.WindowKind) int64 {
	if kind == models.WindowMonthly {
		return l.limits.Monthly
	}
	return l.limits.Daily
}

func (l *Ledger) checkThreshold(w models.UsageWindow) {
	if l.limits.WarnRatio <= 0 || w.Cap <= 0 {
		return
	}
	mark := string(w.Kind) + "|" + w.PeriodKey
	if l.warned[mark] || float64(w.Consumed) < float64(w.Cap)*l.limits.WarnRatio {
		return
	}
	l.warned[mark] = true
	slog.Warn("approaching quota cap",
		"window", w.Kind,
		"period", w.PeriodKey,
		"consumed", w.Consumed,
		"cap", w.Cap)
}
