// Package orchestrator drives fleet-wide schema migration in three strictly
// ordered phases: the admin database first, then the regional shared and
// analytics databases, then tenant schemas in bounded-concurrency batches.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/chirino/migration-service/internal/config"
	"github.com/chirino/migration-service/internal/metrics"
	"github.com/chirino/migration-service/internal/model"
	"github.com/chirino/migration-service/internal/registry/runner"
)

// Phase names used in reports, logs and metrics.
const (
	PhaseAdmin    = "admin"
	PhaseRegional = "regional"
	PhaseTenants  = "tenants"
)

// adminSchemas are the two fixed schemas on the admin database. They gate all
// later phases: regional and tenant schemas reference platform-wide objects.
var adminSchemas = []string{"admin", "platform_common"}

// LockService is the distributed lock surface the orchestrator needs.
// Implemented by *store.LockRepo.
type LockService interface {
	Acquire(ctx context.Context, resourceKey, holderID string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, resourceKey, holderID string) (bool, error)
	SweepExpired(ctx context.Context) (int64, error)
}

// OutcomeRecorder persists per-target results. Implemented by *store.Recorder.
type OutcomeRecorder interface {
	RecordSuccess(ctx context.Context, batchID, database, schema string, startedAt time.Time) error
	RecordFailure(ctx context.Context, batchID, database, schema, errMsg string, startedAt time.Time) error
}

// TenantSource enumerates active tenant (database, schema) pairs.
// Implemented by *store.Store.
type TenantSource interface {
	ListActiveTenants(ctx context.Context) ([]model.TenantSchema, error)
}

// TargetSource is the target registry surface the orchestrator needs.
// Implemented by *targets.Registry.
type TargetSource interface {
	Load(ctx context.Context) error
	ByType(connType model.ConnectionType) []*model.Target
	FindByDatabase(ctx context.Context, database string) (*model.Target, error)
}

// Orchestrator is the top-level control loop. Construct one per run.
type Orchestrator struct {
	cfg      *config.Config
	targets  TargetSource
	tenants  TenantSource
	locks    LockService
	recorder OutcomeRecorder
	runner   runner.MigrationRunner
	batchID  string
}

func New(cfg *config.Config, targets TargetSource, tenants TenantSource, locks LockService, recorder OutcomeRecorder, r runner.MigrationRunner) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		targets:  targets,
		tenants:  tenants,
		locks:    locks,
		recorder: recorder,
		runner:   r,
		batchID:  uuid.NewString(),
	}
}

// BatchID identifies this run in the outcome table.
func (o *Orchestrator) BatchID() string { return o.batchID }

// PhaseReport aggregates one phase's per-target results.
type PhaseReport struct {
	Phase     string        `json:"phase"`
	Completed int           `json:"completed"`
	Failed    int           `json:"failed"`
	Skipped   int           `json:"skipped"`
	Duration  time.Duration `json:"duration"`
}

// Failure identifies one failed target for operator re-runs.
type Failure struct {
	Database string `json:"database"`
	Schema   string `json:"schema"`
	Error    string `json:"error"`
}

// Report is the final run summary.
type Report struct {
	BatchID    string        `json:"batchId"`
	WorkerID   string        `json:"workerId"`
	Phases     []PhaseReport `json:"phases"`
	Failures   []Failure     `json:"failures,omitempty"`
	StartedAt  time.Time     `json:"startedAt"`
	FinishedAt time.Time     `json:"finishedAt"`
}

// TotalFailed sums failures across phases.
func (r *Report) TotalFailed() int {
	n := 0
	for _, p := range r.Phases {
		n += p.Failed
	}
	return n
}

// Run executes the full phase sequence. Per-target failures are recorded and
// never abort a phase; only unrecoverable conditions (registry load failure,
// lock table unavailable, context cancellation) halt the run in place — the
// partially-filled report is returned alongside the error.
func (o *Orchestrator) Run(ctx context.Context) (*Report, error) {
	report := &Report{BatchID: o.batchID, WorkerID: o.cfg.WorkerID, StartedAt: time.Now()}
	log.Info("Starting migration run", "batch", o.batchID, "worker", o.cfg.WorkerID)

	if err := o.targets.Load(ctx); err != nil {
		return report, err
	}

	swept, err := o.locks.SweepExpired(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to sweep expired locks: %w", err)
	}
	metrics.LocksSwept.Add(float64(swept))
	if swept > 0 {
		log.Info("Swept expired locks", "count", swept)
	}

	if err := o.runPhase(ctx, report, PhaseAdmin, o.adminPhase); err != nil {
		return report, err
	}
	if err := o.runPhase(ctx, report, PhaseRegional, o.regionalPhase); err != nil {
		return report, err
	}
	if err := o.runPhase(ctx, report, PhaseTenants, o.tenantPhase); err != nil {
		return report, err
	}

	report.FinishedAt = time.Now()
	log.Info("Migration run finished", "batch", o.batchID, "failed", report.TotalFailed())
	return report, nil
}

func (o *Orchestrator) runPhase(ctx context.Context, report *Report, phase string, fn func(ctx context.Context, pr *PhaseReport, report *Report) error) error {
	pr := PhaseReport{Phase: phase}
	started := time.Now()
	err := fn(ctx, &pr, report)
	pr.Duration = time.Since(started)
	metrics.PhaseDuration.WithLabelValues(phase).Observe(pr.Duration.Seconds())
	report.Phases = append(report.Phases, pr)
	log.Info("Phase finished", "phase", phase,
		"completed", pr.Completed, "failed", pr.Failed, "skipped", pr.Skipped, "took", pr.Duration)
	return err
}

// adminPhase migrates the admin target's two fixed schemas sequentially.
func (o *Orchestrator) adminPhase(ctx context.Context, pr *PhaseReport, report *Report) error {
	admins := o.targets.ByType(model.ConnectionTypeAdmin)
	if len(admins) == 0 {
		return fmt.Errorf("no admin target registered; cannot migrate")
	}
	target := admins[0]
	for _, schema := range adminSchemas {
		if err := ctx.Err(); err != nil {
			return err
		}
		o.tally(pr, report, o.migrateOne(ctx, PhaseAdmin, target, schema))
	}
	return nil
}

// regionalPhase migrates every shared and analytics target sequentially.
// Ordering across regions does not matter, but ordering within one target's
// schema list does, so schemas run in declared order.
func (o *Orchestrator) regionalPhase(ctx context.Context, pr *PhaseReport, report *Report) error {
	regional := append(o.targets.ByType(model.ConnectionTypeShared), o.targets.ByType(model.ConnectionTypeAnalytics)...)
	for _, target := range regional {
		for _, schema := range target.Schemas {
			if err := ctx.Err(); err != nil {
				return err
			}
			o.tally(pr, report, o.migrateOne(ctx, PhaseRegional, target, schema))
		}
	}
	return nil
}

// tenantPhase migrates all active tenant schemas in fixed-size batches. Batch
// members run concurrently; batch N+1 does not start until every member of
// batch N has settled. Failures are collected, never short-circuited.
func (o *Orchestrator) tenantPhase(ctx context.Context, pr *PhaseReport, report *Report) error {
	tenants, err := o.tenants.ListActiveTenants(ctx)
	if err != nil {
		return err
	}
	batches := partition(tenants, o.cfg.TenantBatchSize)
	log.Info("Migrating tenant schemas", "tenants", len(tenants), "batches", len(batches), "batchSize", o.cfg.TenantBatchSize)

	for i, batch := range batches {
		// Shutdown stops dispatching new batches; in-flight invocations
		// already finished or timed out by this point.
		if err := ctx.Err(); err != nil {
			return err
		}
		log.Info("Starting tenant batch", "batch", i+1, "batches", len(batches), "size", len(batch))

		results := make(chan targetOutcome, len(batch))
		var wg sync.WaitGroup
		for _, tenant := range batch {
			wg.Add(1)
			go func(tenant model.TenantSchema) {
				defer wg.Done()
				results <- o.migrateTenant(ctx, tenant)
			}(tenant)
		}
		wg.Wait()
		close(results)

		for out := range results {
			o.tally(pr, report, out)
		}
	}
	return nil
}

func (o *Orchestrator) migrateTenant(ctx context.Context, tenant model.TenantSchema) targetOutcome {
	target, err := o.targets.FindByDatabase(ctx, tenant.DatabaseName)
	if err != nil {
		log.Error("No connection registered for tenant database", "database", tenant.DatabaseName, "schema", tenant.SchemaName, "err", err)
		o.recordFailure(ctx, tenant.DatabaseName, tenant.SchemaName, err.Error(), time.Now())
		return targetOutcome{database: tenant.DatabaseName, schema: tenant.SchemaName, status: statusFailed, errText: err.Error()}
	}
	return o.migrateOne(ctx, PhaseTenants, target, tenant.SchemaName)
}

const (
	statusCompleted = "completed"
	statusFailed    = "failed"
	statusSkipped   = "skipped"
)

type targetOutcome struct {
	database string
	schema   string
	status   string
	errText  string
}

// migrateOne runs the lock → migrate → record → unlock cycle for a single
// (target, schema) pair.
func (o *Orchestrator) migrateOne(ctx context.Context, phase string, target *model.Target, schema string) (out targetOutcome) {
	out = targetOutcome{database: target.DatabaseName, schema: schema}
	key := model.ResourceKey(target.DatabaseName, schema)
	started := time.Now()

	acquired, err := o.locks.Acquire(ctx, key, o.cfg.WorkerID, o.cfg.LockTTL)
	if err != nil {
		log.Error("Lock acquire failed", "resource", key, "err", err)
		o.recordFailure(ctx, target.DatabaseName, schema, err.Error(), started)
		out.status, out.errText = statusFailed, err.Error()
		return out
	}
	if !acquired {
		// Another worker holds the lock. Not a failure: no outcome row.
		log.Info("Waiting for lock, skipping", "resource", key, "worker", o.cfg.WorkerID)
		out.status = statusSkipped
		return out
	}
	defer func() {
		// Release must happen even when the runner panics; the run result is
		// already captured in out by then. Release survives ctx cancellation.
		releaseCtx := context.WithoutCancel(ctx)
		if _, releaseErr := o.locks.Release(releaseCtx, key, o.cfg.WorkerID); releaseErr != nil {
			log.Error("Lock release failed", "resource", key, "err", releaseErr)
		}
	}()

	res := o.runGuarded(ctx, target, schema)
	if res.OK() {
		log.Info("Migrated", "phase", phase, "database", target.DatabaseName, "schema", schema, "took", time.Since(started))
		if recErr := o.recorder.RecordSuccess(ctx, o.batchID, target.DatabaseName, schema, started); recErr != nil {
			// Recording is observability only; the migration still succeeded.
			log.Error("Outcome recording failed", "database", target.DatabaseName, "schema", schema, "err", recErr)
		}
		out.status = statusCompleted
		return out
	}

	msg := "migration tool failed"
	if res.Err != nil {
		msg = res.Err.Error()
	}
	log.Error("Migration failed", "phase", phase, "database", target.DatabaseName, "schema", schema, "kind", res.Kind, "err", msg)
	o.recordFailure(ctx, target.DatabaseName, schema, msg, started)
	out.status, out.errText = statusFailed, msg
	return out
}

// runGuarded invokes the runner, converting a panic into a failed result so
// one misbehaving invocation cannot take down a whole batch.
func (o *Orchestrator) runGuarded(ctx context.Context, target *model.Target, schema string) (res runner.Result) {
	defer func() {
		if r := recover(); r != nil {
			res = runner.Result{Kind: runner.Failed, Err: fmt.Errorf("migration runner panicked: %v", r)}
		}
	}()
	return o.runner.Run(ctx, target, schema, runner.ModeMigrate)
}

func (o *Orchestrator) recordFailure(ctx context.Context, database, schema, msg string, started time.Time) {
	if err := o.recorder.RecordFailure(context.WithoutCancel(ctx), o.batchID, database, schema, msg, started); err != nil {
		log.Error("Outcome recording failed", "database", database, "schema", schema, "err", err)
	}
}

func (o *Orchestrator) tally(pr *PhaseReport, report *Report, out targetOutcome) {
	metrics.MigrationsTotal.WithLabelValues(pr.Phase, out.status).Inc()
	switch out.status {
	case statusCompleted:
		pr.Completed++
	case statusSkipped:
		pr.Skipped++
	default:
		pr.Failed++
		report.Failures = append(report.Failures, Failure{Database: out.database, Schema: out.schema, Error: out.errText})
	}
}

// partition splits tenants into consecutive groups of at most size.
func partition(tenants []model.TenantSchema, size int) [][]model.TenantSchema {
	if size < 1 {
		size = 1
	}
	var batches [][]model.TenantSchema
	for start := 0; start < len(tenants); start += size {
		end := start + size
		if end > len(tenants) {
			end = len(tenants)
		}
		batches = append(batches, tenants[start:end])
	}
	return batches
}
