package main

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/pario-ai/chainfetch/pkg/engine"
	"github.com/pario-ai/chainfetch/pkg/models"
)

func TestFinishExitCodes(t *testing.T) {
	if err := finish(&engine.Summary{State: engine.StateCompleted}, nil); err != nil {
		t.Errorf("completed run: got %v", err)
	}

	err := finish(&engine.Summary{State: engine.StateQuotaExhausted, Pending: 3}, nil)
	var ee *exitError
	if !errors.As(err, &ee) || ee.code != 2 {
		t.Errorf("quota exhausted: got %v", err)
	}

	err = finish(nil, engine.ErrActiveCheckpoint)
	if !errors.Is(err, engine.ErrActiveCheckpoint) || !strings.Contains(err.Error(), "--force") {
		t.Errorf("active checkpoint: got %v", err)
	}

	err = finish(&engine.Summary{State: engine.StateHaltedOnFatal}, errors.New("connect data source: auth_denied"))
	if !errors.As(err, &ee) || ee.code != 3 {
		t.Errorf("connect failure: got %v", err)
	}
}

func TestFormatAuditEntries(t *testing.T) {
	if got := formatAuditEntries(nil); got != "No journal entries found.\n" {
		t.Errorf("empty: got %q", got)
	}

	out := formatAuditEntries([]models.AttemptEntry{{
		CorrelationID: "c0ffee",
		RunID:         7,
		UnitID:        "abc",
		Attempt:       2,
		Outcome:       "transient",
		Error:         "rate_limited",
		CreatedAt:     time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC),
	}})
	for _, want := range []string{"c0ffee", "transient", "error: rate_limited", "2026-10-14 09:00:00"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}
