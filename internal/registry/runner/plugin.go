package runner

import (
	"context"
	"fmt"

	"github.com/chirino/migration-service/internal/config"
	"github.com/chirino/migration-service/internal/model"
)

// Mode selects what the external tool does for one invocation.
type Mode string

const (
	// ModeInfo asks the tool to print per-migration status lines without applying anything.
	ModeInfo Mode = "info"
	// ModeMigrate applies pending migrations.
	ModeMigrate Mode = "migrate"
)

// Kind classifies the outcome of one tool invocation. A timeout is a distinct
// kind so operators can tell slow migrations from broken ones.
type Kind string

const (
	Succeeded Kind = "succeeded"
	Failed    Kind = "failed"
	TimedOut  Kind = "timed-out"
)

// Result is the structured outcome of one tool invocation.
type Result struct {
	Kind Kind

	// Output is the captured stdout/stderr of the tool. For ModeInfo this is
	// what the status reporter parses.
	Output string

	// Err carries the failure detail for Failed and TimedOut results.
	Err error
}

// OK reports whether the invocation succeeded.
func (r Result) OK() bool { return r.Kind == Succeeded }

// MigrationRunner executes the external migration tool against one
// (target, schema) pair. Implementations must be stateless and safe to call
// repeatedly for the same pair; idempotency of already-applied migrations is
// the tool's responsibility.
type MigrationRunner interface {
	Run(ctx context.Context, target *model.Target, schema string, mode Mode) Result
}

// Plugin bundles a runner name with its loader function.
type Plugin struct {
	Name   string
	Loader func(ctx context.Context, cfg *config.Config) (MigrationRunner, error)
}

var plugins []Plugin

// Register adds a migration runner plugin. Called from init() in plugin packages.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered runner names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the Plugin for the given name.
func Select(name string) (Plugin, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p, nil
		}
	}
	return Plugin{}, fmt.Errorf("unknown migration runner %q; registered: %v", name, Names())
}
