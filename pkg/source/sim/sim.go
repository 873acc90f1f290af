// Package sim provides a deterministic in-process data source for dry runs
// and tests.
package sim

import (
	"context"
	"hash/fnv"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/pario-ai/chainfetch/pkg/source"
)

// Source is a scriptable simulated vendor. Field values are derived from a
// hash of security, field and date so repeated queries agree.
type Source struct {
	mu         sync.Mutex
	queue      []error
	failing    map[string]error
	dropped    map[string]bool
	dropFields map[string][]string
	queries    []source.Query
	connectErr error
	latency    time.Duration
	connects   int
	closes     int
}

// New returns a Source that answers every query in full.
func New() *Source {
	return &Source{
		failing:    make(map[string]error),
		dropped:    make(map[string]bool),
		dropFields: make(map[string][]string),
	}
}

// FailNext queues errors returned by the next queries, one per query.
func (s *Source) FailNext(errs ...error) *Source {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, errs...)
	return s
}

// FailSecurity makes every query that includes sec fail with err.
func (s *Source) FailSecurity(sec string, err error) *Source {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing[sec] = err
	return s
}

// DropSecurity makes sec come back with a security-level error.
func (s *Source) DropSecurity(sec string) *Source {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropped[sec] = true
	return s
}

// DropFields omits fields from sec's payload.
func (s *Source) DropFields(sec string, fields ...string) *Source {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropFields[sec] = append(s.dropFields[sec], fields...)
	return s
}

// FailConnect makes Connect return err.
func (s *Source) FailConnect(err error) *Source {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connectErr = err
	return s
}

// WithLatency delays every query by d, honouring cancellation.
func (s *Source) WithLatency(d time.Duration) *Source {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latency = d
	return s
}

// Queries returns a copy of every query received.
func (s *Source) Queries() []source.Query {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.queries)
}

// Sessions returns how many sessions were opened and closed.
func (s *Source) Sessions() (opened, closed int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connects, s.closes
}

// Connect implements source.DataSource.
func (s *Source) Connect(ctx context.Context) (source.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connectErr != nil {
		return nil, s.connectErr
	}
	s.connects++
	return &session{src: s}, nil
}

type session struct {
	src *Source
}

// Query implements source.Session.
func (ss *session) Query(ctx context.Context, q source.Query) (*source.Response, error) {
	s := ss.src
	s.mu.Lock()
	s.queries = append(s.queries, q)
	latency := s.latency
	var scripted error
	if len(s.queue) > 0 {
		scripted, s.queue = s.queue[0], s.queue[1:]
	}
	if scripted == nil {
		for _, sec := range q.Securities {
			if err, ok := s.failing[sec]; ok {
				scripted = err
				break
			}
		}
	}
	dropped := maps.Clone(s.dropped)
	dropFields := maps.Clone(s.dropFields)
	s.mu.Unlock()

	if latency > 0 {
		t := time.NewTimer(latency)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	if scripted != nil {
		return nil, scripted
	}

	dates := []string{""}
	if !q.Period.Snapshot() {
		dates = weekdays(q.Period.Start, q.Period.End)
	}

	resp := &source.Response{}
	for _, sec := range q.Securities {
		if dropped[sec] {
			resp.Data = append(resp.Data, source.SecurityData{Security: sec, Error: "unknown security"})
			continue
		}
		for _, d := range dates {
			fields := make(map[string]any, len(q.Fields))
			for _, f := range q.Fields {
				if slices.Contains(dropFields[sec], f) {
					continue
				}
				fields[f] = value(sec, f, d)
			}
			resp.Data = append(resp.Data, source.SecurityData{Security: sec, Date: d, Fields: fields})
		}
	}
	return resp, nil
}

// Close implements source.Session.
func (ss *session) Close() error {
	ss.src.mu.Lock()
	defer ss.src.mu.Unlock()
	ss.src.closes++
	return nil
}

func value(sec, field, date string) float64 {
	h := fnv.New64a()
	h.Write([]byte(sec))
	h.Write([]byte{0})
	h.Write([]byte(field))
	h.Write([]byte{0})
	h.Write([]byte(date))
	return float64(h.Sum64()%1_000_000) / 100
}

func weekdays(start, end time.Time) []string {
	var out []string
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		if wd := d.Weekday(); wd != time.Saturday && wd != time.Sunday {
			out = append(out, d.Format("2006-01-02"))
		}
	}
	return out
}
