package runner_test

import (
	"context"
	"testing"

	"github.com/chirino/migration-service/internal/config"
	"github.com/chirino/migration-service/internal/model"
	"github.com/chirino/migration-service/internal/registry/runner"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct{}

func (fakeRunner) Run(context.Context, *model.Target, string, runner.Mode) runner.Result {
	return runner.Result{Kind: runner.Succeeded, Output: "fake"}
}

func init() {
	runner.Register(runner.Plugin{
		Name: "fake",
		Loader: func(context.Context, *config.Config) (runner.MigrationRunner, error) {
			return fakeRunner{}, nil
		},
	})
}

func TestSelectRegisteredPlugin(t *testing.T) {
	p, err := runner.Select("fake")
	require.NoError(t, err)
	assert.Equal(t, "fake", p.Name)

	r, err := p.Loader(context.Background(), nil)
	require.NoError(t, err)
	res := r.Run(context.Background(), &model.Target{}, "s", runner.ModeInfo)
	assert.True(t, res.OK())
	assert.Contains(t, runner.Names(), "fake")
}

func TestSelectUnknownPlugin(t *testing.T) {
	_, err := runner.Select("no-such-runner")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown migration runner")
}
