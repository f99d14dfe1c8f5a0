// Package status computes read-only migration status projections by invoking
// the migration runner in info mode and parsing its per-migration table.
package status

import (
	"context"
	"strings"
	"time"

	"github.com/chirino/migration-service/internal/model"
	"github.com/chirino/migration-service/internal/registry/runner"
)

// Reporter answers "what is applied and what is pending" for one target
// schema. It never takes the distributed lock: status reads do not mutate
// target state and may run alongside an in-progress migration, in which case
// the result is transiently stale.
type Reporter struct {
	runner runner.MigrationRunner
}

func NewReporter(r runner.MigrationRunner) *Reporter {
	return &Reporter{runner: r}
}

// Report runs the tool in info mode and parses the result. Parsing is
// best-effort: malformed or unexpected tool output degrades to state "failed"
// with the raw text preserved, never an error or a panic.
func (r *Reporter) Report(ctx context.Context, target *model.Target, schema string) model.MigrationStatus {
	st := model.MigrationStatus{
		Database: target.DatabaseName,
		Schema:   schema,
		State:    model.StatusFailed,
	}

	res := r.runner.Run(ctx, target, schema, runner.ModeInfo)
	if !res.OK() {
		if res.Err != nil {
			st.Error = res.Err.Error()
		} else {
			st.Error = "migration tool failed"
		}
		return st
	}

	rows := parseInfoTable(res.Output)
	if len(rows) == 0 {
		st.Error = "unrecognized tool output"
		return st
	}

	failed := false
	for _, row := range rows {
		switch {
		case strings.EqualFold(row.state, "pending"):
			st.Pending = append(st.Pending, strings.TrimSpace(row.version+" "+row.description))
		case strings.EqualFold(row.state, "success") || strings.EqualFold(row.state, "baseline"):
			st.AppliedCount++
			st.Version = row.version
			if ts := parseInstalledOn(row.installedOn); ts != nil {
				if st.LastMigratedAt == nil || ts.After(*st.LastMigratedAt) {
					st.LastMigratedAt = ts
				}
			}
		case strings.EqualFold(row.state, "failed"):
			failed = true
		}
	}

	switch {
	case failed:
		st.State = model.StatusFailed
		st.Error = "one or more migrations are in a failed state"
	case len(st.Pending) > 0:
		st.State = model.StatusPending
	default:
		st.State = model.StatusUpToDate
	}
	return st
}

type infoRow struct {
	version     string
	description string
	installedOn string
	state       string
}

// parseInfoTable extracts data rows from the tool's "| Category | Version |
// Description | Type | Installed On | State |" table. Header, separator and
// unparsable lines are skipped.
func parseInfoTable(output string) []infoRow {
	var rows []infoRow
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "|") {
			continue
		}
		cells := strings.Split(strings.Trim(line, "|"), "|")
		if len(cells) < 6 {
			continue
		}
		for i := range cells {
			cells[i] = strings.TrimSpace(cells[i])
		}
		if cells[0] == "Category" || cells[0] == "" && cells[1] == "" {
			continue
		}
		rows = append(rows, infoRow{
			version:     cells[1],
			description: cells[2],
			installedOn: cells[4],
			state:       cells[5],
		})
	}
	return rows
}

func parseInstalledOn(raw string) *time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	ts, err := time.Parse("2006-01-02 15:04:05", raw)
	if err != nil {
		return nil
	}
	return &ts
}
