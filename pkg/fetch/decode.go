package fetch

import (
	"fmt"
	"strings"
	"time"

	"github.com/pario-ai/chainfetch/pkg/models"
	"github.com/pario-ai/chainfetch/pkg/source"
)

const maxListed = 5

// Decode turns a vendor response into records. Securities that carry a
// vendor error or none of the requested fields produce no record; the
// shortfall, including individually missing fields, is summarised in a
// single warning. Snapshot records are keyed by asOf, or by the fetch day
// when asOf is zero.
func Decode(unit models.WorkUnit, resp *source.Response, asOf, fetchedAt time.Time) *models.FetchResult {
	result := &models.FetchResult{UnitID: unit.ID, FetchedAt: fetchedAt}
	if asOf.IsZero() {
		asOf = fetchedAt
	}
	snapshotDate := asOf.Format("2006-01-02")

	requested := make(map[string]bool, len(unit.Securities))
	for _, s := range unit.Securities {
		requested[s] = true
	}

	valid := make(map[string]bool, len(unit.Securities))
	missingFields := 0
	if resp != nil {
		for _, d := range resp.Data {
			if !requested[d.Security] || d.Error != "" {
				continue
			}
			fields := make(map[string]any, len(unit.Fields))
			for _, f := range unit.Fields {
				if v, ok := d.Fields[f]; ok && v != nil {
					fields[f] = v
				}
			}
			if len(fields) == 0 {
				continue
			}
			missingFields += len(unit.Fields) - len(fields)

			date := d.Date
			if date == "" {
				date = snapshotDate
			}
			valid[d.Security] = true
			result.Records = append(result.Records, models.Record{
				Key:        models.RecordKey{Security: d.Security, AsOf: date},
				Kind:       unit.Kind,
				Underlying: unit.Underlying,
				Fields:     fields,
			})
		}
	}

	var lacking []string
	for _, s := range unit.Securities {
		if !valid[s] {
			lacking = append(lacking, s)
		}
	}

	var parts []string
	if len(lacking) > 0 {
		parts = append(parts, fmt.Sprintf("%d of %d securities returned no data: %s",
			len(lacking), len(unit.Securities), listSome(lacking)))
	}
	if missingFields > 0 {
		parts = append(parts, fmt.Sprintf("%d field values missing", missingFields))
	}
	if len(parts) > 0 {
		result.Warnings = []string{strings.Join(parts, "; ")}
	}
	return result
}

func listSome(items []string) string {
	if len(items) <= maxListed {
		return strings.Join(items, ", ")
	}
	return fmt.Sprintf("%s and %d more", strings.Join(items[:maxListed], ", "), len(items)-maxListed)
}
