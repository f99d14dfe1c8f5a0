package status_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/chirino/migration-service/internal/model"
	"github.com/chirino/migration-service/internal/registry/runner"
	"github.com/chirino/migration-service/internal/status"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubRunner struct {
	result runner.Result
}

func (s *stubRunner) Run(_ context.Context, _ *model.Target, _ string, mode runner.Mode) runner.Result {
	return s.result
}

func target() *model.Target {
	return &model.Target{ID: "t", DatabaseName: "shared_us", ConnectionType: model.ConnectionTypeShared}
}

const upToDateOutput = `
Schema version: 2

+-----------+---------+-------------+------+---------------------+---------+
| Category  | Version | Description | Type | Installed On        | State   |
+-----------+---------+-------------+------+---------------------+---------+
| Versioned | 1       | init        | SQL  | 2024-03-01 10:00:00 | Success |
| Versioned | 2       | add users   | SQL  | 2024-03-02 11:30:00 | Success |
+-----------+---------+-------------+------+---------------------+---------+
`

const pendingOutput = `
+-----------+---------+--------------+------+---------------------+---------+
| Category  | Version | Description  | Type | Installed On        | State   |
+-----------+---------+--------------+------+---------------------+---------+
| Versioned | 1       | init         | SQL  | 2024-03-01 10:00:00 | Success |
| Versioned | 2       | add users    | SQL  |                     | Pending |
| Versioned | 3       | add billing  | SQL  |                     | Pending |
+-----------+---------+--------------+------+---------------------+---------+
`

func TestReportUpToDate(t *testing.T) {
	r := status.NewReporter(&stubRunner{result: runner.Result{Kind: runner.Succeeded, Output: upToDateOutput}})

	st := r.Report(context.Background(), target(), "platform_common")
	assert.Equal(t, model.StatusUpToDate, st.State)
	assert.Equal(t, "2", st.Version)
	assert.Equal(t, 2, st.AppliedCount)
	assert.Empty(t, st.Pending)
	require.NotNil(t, st.LastMigratedAt)
	assert.Equal(t, 2024, st.LastMigratedAt.Year())
	assert.Equal(t, "shared_us", st.Database)
	assert.Equal(t, "platform_common", st.Schema)
}

func TestReportPending(t *testing.T) {
	r := status.NewReporter(&stubRunner{result: runner.Result{Kind: runner.Succeeded, Output: pendingOutput}})

	st := r.Report(context.Background(), target(), "platform_common")
	assert.Equal(t, model.StatusPending, st.State)
	assert.Equal(t, "1", st.Version)
	assert.Equal(t, []string{"2 add users", "3 add billing"}, st.Pending)
}

func TestReportFailedMigrationRow(t *testing.T) {
	out := `
| Category  | Version | Description | Type | Installed On        | State   |
| Versioned | 1       | init        | SQL  | 2024-03-01 10:00:00 | Failed  |
`
	r := status.NewReporter(&stubRunner{result: runner.Result{Kind: runner.Succeeded, Output: out}})

	st := r.Report(context.Background(), target(), "admin")
	assert.Equal(t, model.StatusFailed, st.State)
	assert.NotEmpty(t, st.Error)
}

func TestReportToolFailureDegrades(t *testing.T) {
	r := status.NewReporter(&stubRunner{result: runner.Result{
		Kind: runner.Failed,
		Err:  fmt.Errorf("connection refused"),
	}})

	st := r.Report(context.Background(), target(), "admin")
	assert.Equal(t, model.StatusFailed, st.State)
	assert.Contains(t, st.Error, "connection refused")
}

func TestReportMalformedOutputDegrades(t *testing.T) {
	r := status.NewReporter(&stubRunner{result: runner.Result{
		Kind:   runner.Succeeded,
		Output: "utter nonsense\nwith no table at all",
	}})

	st := r.Report(context.Background(), target(), "admin")
	assert.Equal(t, model.StatusFailed, st.State)
	assert.Equal(t, "unrecognized tool output", st.Error)
}
