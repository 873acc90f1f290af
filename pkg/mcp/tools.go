package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pario-ai/chainfetch/pkg/models"
	"github.com/pario-ai/chainfetch/pkg/taskstore"
)

type toolHandler func(ctx context.Context, s *Server, args json.RawMessage) ToolCallResult

var handlers = map[string]toolHandler{
	"chainfetch_status":       handleStatus,
	"chainfetch_quota":        handleQuota,
	"chainfetch_failed":       handleFailed,
	"chainfetch_audit_search": handleAuditSearch,
}

var tools = []ToolDefinition{
	{
		Name:        "chainfetch_status",
		Description: "Show progress of the latest fetch checkpoint: unit counts by status and remaining cost.",
		InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
	},
	{
		Name:        "chainfetch_quota",
		Description: "Show daily and monthly quota windows: cap, consumed, reserved and remaining.",
		InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
	},
	{
		Name:        "chainfetch_failed",
		Description: "List failed and skipped units of the latest checkpoint with their last error.",
		InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
	},
	{
		Name:        "chainfetch_audit_search",
		Description: "Search the request attempt journal.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"run_id":  map[string]any{"type": "integer", "description": "Filter by run ID (optional)"},
				"unit_id": map[string]any{"type": "string", "description": "Filter by unit ID (optional)"},
				"outcome": map[string]any{"type": "string", "description": "ok, partial, transient or fatal (optional)"},
				"since":   map[string]any{"type": "string", "description": "Start date in YYYY-MM-DD format (optional)"},
			},
		},
	},
}

func textResult(text string) ToolCallResult {
	return ToolCallResult{Content: []ContentBlock{{Type: "text", Text: text}}}
}

func errorResult(text string) ToolCallResult {
	return ToolCallResult{Content: []ContentBlock{{Type: "text", Text: text}}, IsError: true}
}

func handleStatus(ctx context.Context, s *Server, _ json.RawMessage) ToolCallResult {
	cp, err := s.tasks.Latest(ctx)
	if errors.Is(err, taskstore.ErrNoActiveCheckpoint) {
		return textResult("No checkpoints yet.")
	}
	if err != nil {
		return errorResult("Error loading checkpoint: " + err.Error())
	}

	counts := cp.Counts()
	var remaining int64
	for _, u := range cp.Units {
		if u.Status == models.StatusPending || u.Status == models.StatusInFlight {
			remaining += u.EstimatedCost
		}
	}
	state := "open"
	if cp.CompletedAt != nil {
		state = "closed"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Run %d (%s), %d units\n", cp.RunID, state, len(cp.Units))
	for _, st := range []models.UnitStatus{
		models.StatusPending, models.StatusInFlight, models.StatusDone, models.StatusFailed, models.StatusSkipped,
	} {
		fmt.Fprintf(&b, "  %-10s %6d\n", st, counts[st])
	}
	fmt.Fprintf(&b, "Remaining cost: %d\n", remaining)
	return textResult(b.String())
}

func handleQuota(ctx context.Context, s *Server, _ json.RawMessage) ToolCallResult {
	statuses, err := s.quota.Status(ctx)
	if err != nil {
		return errorResult("Error fetching quota: " + err.Error())
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-8s %-10s %10s %10s %10s %10s %6s\n",
		"Window", "Period", "Cap", "Consumed", "Reserved", "Remaining", "Used%")
	b.WriteString(strings.Repeat("-", 72) + "\n")
	for _, q := range statuses {
		pct := float64(0)
		if q.Window.Cap > 0 {
			pct = float64(q.Window.Consumed) / float64(q.Window.Cap) * 100
		}
		fmt.Fprintf(&b, "%-8s %-10s %10d %10d %10d %10d %5.1f%%\n",
			q.Window.Kind, q.Window.PeriodKey, q.Window.Cap, q.Window.Consumed, q.Reserved, q.Remaining, pct)
	}
	return textResult(b.String())
}

func handleFailed(ctx context.Context, s *Server, _ json.RawMessage) ToolCallResult {
	cp, err := s.tasks.Latest(ctx)
	if errors.Is(err, taskstore.ErrNoActiveCheckpoint) {
		return textResult("No checkpoints yet.")
	}
	if err != nil {
		return errorResult("Error loading checkpoint: " + err.Error())
	}
	units, err := s.tasks.Units(ctx, cp.RunID, models.StatusFailed, models.StatusSkipped)
	if err != nil {
		return errorResult("Error listing units: " + err.Error())
	}
	if len(units) == 0 {
		return textResult(fmt.Sprintf("No failed or skipped units in run %d.", cp.RunID))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%-24s %-8s %-8s %8s %6s  %s\n", "Unit", "Kind", "Status", "Attempts", "Cost", "Reason")
	b.WriteString(strings.Repeat("-", 80) + "\n")
	for _, u := range units {
		reason := u.LastError
		if u.SkipReason != "" {
			reason = u.SkipReason
		}
		fmt.Fprintf(&b, "%-24s %-8s %-8s %8d %6d  %s\n", u.ID, u.Kind, u.Status, u.Attempts, u.EstimatedCost, reason)
	}
	return textResult(b.String())
}

type auditSearchArgs struct {
	RunID   int64  `json:"run_id"`
	UnitID  string `json:"unit_id"`
	Outcome string `json:"outcome"`
	Since   string `json:"since"`
}

func handleAuditSearch(ctx context.Context, s *Server, rawArgs json.RawMessage) ToolCallResult {
	if s.journal == nil {
		return textResult("Attempt journal is not configured.")
	}
	var args auditSearchArgs
	if len(rawArgs) > 0 {
		_ = json.Unmarshal(rawArgs, &args)
	}

	opts := models.AuditQueryOpts{RunID: args.RunID, UnitID: args.UnitID, Outcome: args.Outcome, Limit: 50}
	if args.Since != "" {
		t, err := time.Parse("2006-01-02", args.Since)
		if err != nil {
			return errorResult("Invalid since date (use YYYY-MM-DD): " + err.Error())
		}
		opts.Since = t
	}

	entries, err := s.journal.Query(ctx, opts)
	if err != nil {
		return errorResult("Error searching journal: " + err.Error())
	}
	if len(entries) == 0 {
		return textResult("No journal entries found.")
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-20s %5s %-24s %3s %-9s %7s %8s\n", "Time", "Run", "Unit", "Try", "Outcome", "Records", "Latency")
	b.WriteString(strings.Repeat("-", 84) + "\n")
	for _, e := range entries {
		fmt.Fprintf(&b, "%-20s %5d %-24s %3d %-9s %7d %6dms\n",
			e.CreatedAt.Format("2006-01-02 15:04:05"), e.RunID, e.UnitID, e.Attempt, e.Outcome, e.Records, e.LatencyMs)
		if e.Error != "" {
			fmt.Fprintf(&b, "    %s\n", e.Error)
		}
	}
	return textResult(b.String())
}
