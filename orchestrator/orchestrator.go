// Package orchestrator runs the discovery pipeline: fetch, normalize,
// classify, filter, reconcile, store and compare.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/yairfalse/tally/analyzer"
	"github.com/yairfalse/tally/classifier"
	"github.com/yairfalse/tally/internal/emitter"
	"github.com/yairfalse/tally/internal/filter"
	"github.com/yairfalse/tally/internal/source"
	"github.com/yairfalse/tally/internal/telemetry"
	"github.com/yairfalse/tally/normalizer"
	"github.com/yairfalse/tally/pkg/resource"
	"github.com/yairfalse/tally/reconciler"
	"github.com/yairfalse/tally/storage"
	"github.com/yairfalse/tally/wal"
)

// DefaultConcurrency bounds parallel source fetches.
const DefaultConcurrency = 8

// Pipeline coordinates sources → normalizer → classifier → filter →
// engine → store → delta detector.
type Pipeline struct {
	store       storage.Store
	sources     *source.Registry
	normalizer  *normalizer.Normalizer
	classifier  *classifier.Classifier
	filter      *filter.Filter
	engine      *reconciler.Engine
	emitter     emitter.Emitter
	telemetry   *telemetry.Provider
	journal     storage.Journal
	logger      *telemetry.Logger
	tracer      trace.Tracer
	concurrency int
	keepManaged bool
	now         func() time.Time
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithNormalizer replaces the embedded-table normalizer.
func WithNormalizer(n *normalizer.Normalizer) Option {
	return func(p *Pipeline) { p.normalizer = n }
}

// WithClassifier replaces the built-in classifier.
func WithClassifier(c *classifier.Classifier) Option {
	return func(p *Pipeline) { p.classifier = c }
}

// WithFilter sets the inventory filter.
func WithFilter(f *filter.Filter) Option {
	return func(p *Pipeline) { p.filter = f }
}

// WithEngine replaces the default reconciliation engine.
func WithEngine(e *reconciler.Engine) Option {
	return func(p *Pipeline) { p.engine = e }
}

// WithEmitter sets where run reports go.
func WithEmitter(e emitter.Emitter) Option {
	return func(p *Pipeline) { p.emitter = e }
}

// WithTelemetry records run metrics on the provider.
func WithTelemetry(t *telemetry.Provider) Option {
	return func(p *Pipeline) { p.telemetry = t }
}

// WithJournal journals run outcomes.
func WithJournal(j storage.Journal) Option {
	return func(p *Pipeline) { p.journal = j }
}

// WithLogger replaces the component logger.
func WithLogger(l *telemetry.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// WithConcurrency bounds parallel fetches. Values below 1 are ignored.
func WithConcurrency(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

// WithKeepManaged keeps provider-managed resources in the inventory.
func WithKeepManaged(keep bool) Option {
	return func(p *Pipeline) { p.keepManaged = keep }
}

// WithClock overrides the clock used for run durations.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// New creates a pipeline over a store and a source registry.
func New(store storage.Store, sources *source.Registry, opts ...Option) (*Pipeline, error) {
	if store == nil {
		return nil, errors.New("pipeline requires a store")
	}
	if sources == nil {
		sources = source.NewRegistry()
	}

	p := &Pipeline{
		store:       store,
		sources:     sources,
		classifier:  classifier.New(),
		filter:      filter.New(filter.Config{}),
		engine:      reconciler.NewEngine(),
		tracer:      otel.Tracer("github.com/yairfalse/tally/orchestrator"),
		concurrency: DefaultConcurrency,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.normalizer == nil {
		n, err := normalizer.New()
		if err != nil {
			return nil, fmt.Errorf("load extraction tables: %w", err)
		}
		p.normalizer = n
	}
	if p.logger == nil {
		p.logger = telemetry.Component("orchestrator")
	}
	return p, nil
}

// Store returns the snapshot store the pipeline writes to.
func (p *Pipeline) Store() storage.Store {
	return p.store
}

// Run executes one discovery run and returns the stored snapshot id and
// its delta against the previous snapshot.
func (p *Pipeline) Run(ctx context.Context, req Request) (result *RunResult, err error) {
	start := p.now()
	runID := uuid.NewString()

	ctx, span := p.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("run.id", runID),
		attribute.String("account.scope", req.Scope),
		attribute.StringSlice("cloud.regions", req.Regions),
	))
	defer span.End()

	stats := Stats{}
	defer func() {
		duration := p.now().Sub(start)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			p.recordRunDuration(ctx, "failure", duration)
			p.journalRun(wal.EntryRunFailed, "", RunEvent{
				RunID:       runID,
				Scope:       req.Scope,
				FetchErrors: stats.FetchErrors,
				Skipped:     stats.Skipped,
				DurationMS:  duration.Milliseconds(),
			}, err)
			p.logger.WithContext(ctx).Error().Err(err).Str("run_id", runID).Msg("run failed")
			return
		}
		result.Duration = duration
		p.recordRunDuration(ctx, "success", duration)
	}()

	if len(req.Regions) == 0 {
		return nil, ErrNoRegions
	}
	sources, err := p.selectSources(req.Methods, &stats)
	if err != nil {
		return nil, err
	}

	raw, err := p.collect(ctx, sources, req.Regions, &stats)
	if err != nil {
		return nil, err
	}

	recon := p.build(ctx, raw, &stats)
	inventory := recon.Resources
	stats.Reconcile = recon.Stats
	for _, w := range recon.Stats.Warnings {
		stats.Warnings = append(stats.Warnings, w.Message)
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("run canceled before save: %w", err)
	}

	previousID, err := p.latestID(ctx)
	if err != nil {
		return nil, err
	}
	if previousID != "" {
		release := p.store.Pin(previousID)
		defer release()
	}

	methods := make([]string, 0, len(sources))
	for _, s := range sources {
		methods = append(methods, s.Method())
	}
	snapshotID, err := p.save(ctx, inventory, storage.Metadata{
		AccountScope: req.Scope,
		Regions:      req.Regions,
		Methods:      methods,
		Tags:         req.Tags,
	})
	if err != nil {
		return nil, err
	}

	// The snapshot is committed. Cancellation from here on must not turn a
	// stored run into a failed one, so the delta runs detached.
	settled := context.WithoutCancel(ctx)
	previous, err := p.loadPrevious(settled, previousID, &stats)
	if err != nil {
		return nil, err
	}
	oldID := previousID
	if previous == nil {
		oldID = ""
	}

	_, detectSpan := p.tracer.Start(settled, "pipeline.detect")
	report := analyzer.Detect(previous, inventory, oldID, snapshotID)
	detectSpan.SetAttributes(attribute.Int("changes.total", report.Summary.TotalChanges))
	detectSpan.End()

	result = &RunResult{
		RunID:              runID,
		SnapshotID:         snapshotID,
		PreviousSnapshotID: oldID,
		Stats:              stats,
		Inventory:          reconciler.SummarizeInventory(inventory),
		Report:             report,
	}

	scope := req.Scope
	if scope == "" {
		scope = p.store.Scope()
	}
	p.emit(ctx, emitter.Report{
		RunID:      runID,
		Scope:      scope,
		SnapshotID: snapshotID,
		Delta:      report,
		Inventory:  inventory,
	}, result)

	if p.telemetry != nil {
		p.telemetry.RecordInventorySize(settled, scope, len(inventory))
	}
	span.SetAttributes(
		attribute.String("snapshot.id", snapshotID),
		attribute.Int("resources", len(inventory)),
		attribute.Int("changes.total", report.Summary.TotalChanges),
	)

	elapsed := p.now().Sub(start)
	p.journalRun(wal.EntryRunCompleted, snapshotID, RunEvent{
		RunID:       runID,
		Scope:       scope,
		Resources:   len(inventory),
		Changes:     report.Summary.TotalChanges,
		FetchErrors: result.Stats.FetchErrors,
		Skipped:     result.Stats.Skipped,
		DurationMS:  elapsed.Milliseconds(),
	}, nil)
	p.logger.LogRunComplete(ctx, runID, snapshotID, report.Summary.TotalChanges, elapsed)

	return result, nil
}

func (p *Pipeline) selectSources(methods []string, stats *Stats) ([]source.Source, error) {
	if len(methods) == 0 {
		all := p.sources.All()
		if len(all) == 0 {
			return nil, ErrNoSources
		}
		return all, nil
	}

	found, missing := p.sources.Select(methods)
	for _, m := range missing {
		stats.Warnings = append(stats.Warnings, fmt.Sprintf("no source registered for method %q", m))
		p.logger.Warn().Str("method", m).Msg("no source registered for method")
	}
	if len(found) == 0 {
		return nil, fmt.Errorf("%w: requested %v", ErrNoSources, methods)
	}
	return found, nil
}

// collect fetches every (source, region) pair on a bounded worker pool.
// Fetch errors are counted, never fatal; output order is deterministic.
func (p *Pipeline) collect(ctx context.Context, sources []source.Source, regions []string, stats *Stats) ([]normalizer.RawRecord, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.collect")
	defer span.End()

	type job struct {
		src    source.Source
		region string
	}
	jobs := make([]job, 0, len(sources)*len(regions))
	for _, s := range sources {
		for _, r := range regions {
			jobs = append(jobs, job{src: s, region: r})
		}
	}

	results := make([][]map[string]any, len(jobs))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for i, j := range jobs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			records, err := j.src.Fetch(gctx, j.region)
			p.logger.LogFetch(gctx, j.src.Method(), j.region, len(records), err)
			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return ctxErr
				}
				mu.Lock()
				stats.FetchErrors++
				stats.Warnings = append(stats.Warnings, fmt.Sprintf("fetch %s/%s: %v", j.src.Method(), j.region, err))
				mu.Unlock()
				if p.telemetry != nil {
					p.telemetry.RecordFetchError(gctx, j.src.Method(), j.region)
				}
				return nil
			}
			if p.telemetry != nil {
				p.telemetry.RecordFetch(gctx, j.src.Method(), j.region, len(records))
			}
			results[i] = records
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("collect records: %w", err)
	}

	var raw []normalizer.RawRecord
	for i, records := range results {
		for _, rec := range records {
			raw = append(raw, normalizer.RawRecord{
				Method: jobs[i].src.Method(),
				Region: jobs[i].region,
				Data:   rec,
			})
		}
	}
	stats.Fetched = len(raw)
	span.SetAttributes(
		attribute.Int("records.fetched", stats.Fetched),
		attribute.Int("fetch.errors", stats.FetchErrors),
	)
	return raw, nil
}

// build runs the sequential, in-memory stages.
func (p *Pipeline) build(ctx context.Context, raw []normalizer.RawRecord, stats *Stats) reconciler.Result {
	_, span := p.tracer.Start(ctx, "pipeline.reconcile")
	defer span.End()

	normalized, batch := p.normalizer.NormalizeBatch(raw)
	stats.Skipped = batch.Skipped
	if batch.Skipped > 0 {
		stats.SkippedByMethod = batch.SkippedByMethod
		stats.Warnings = append(stats.Warnings, fmt.Sprintf("skipped %d malformed records", batch.Skipped))
	}
	if p.telemetry != nil {
		for method, n := range batch.SkippedByMethod {
			p.telemetry.RecordSkipped(ctx, method, n)
		}
	}

	kept, managed := p.classifier.Partition(normalized)
	stats.Managed = len(managed)
	if p.keepManaged {
		kept = normalized
	}

	kept, stats.Filtered = p.filter.FilterResources(kept)

	result := p.engine.Reconcile(kept)
	p.logger.LogReconciled(ctx, result.Stats.Input, result.Stats.Output, result.Stats.Merged, result.Stats.Collisions)

	span.SetAttributes(
		attribute.Int("records.normalized", batch.Normalized),
		attribute.Int("records.skipped", batch.Skipped),
		attribute.Int("resources.managed", stats.Managed),
		attribute.Int("resources.filtered", stats.Filtered),
		attribute.Int("resources.reconciled", len(result.Resources)),
	)
	return result
}

func (p *Pipeline) latestID(ctx context.Context) (string, error) {
	metas, err := p.store.List(ctx, 1)
	if err != nil {
		return "", fmt.Errorf("list snapshots: %w", err)
	}
	if len(metas) == 0 {
		return "", nil
	}
	return metas[0].ID, nil
}

func (p *Pipeline) save(ctx context.Context, inventory []resource.Resource, meta storage.Metadata) (string, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.save")
	defer span.End()

	id, err := p.store.Save(ctx, inventory, meta)
	if err != nil {
		p.logger.LogStorageError(ctx, "save", err)
		return "", fmt.Errorf("save snapshot: %w", err)
	}
	span.SetAttributes(attribute.String("snapshot.id", id))
	return id, nil
}

// loadPrevious returns the previous inventory. A corrupted previous
// snapshot is a warning: the delta is taken against an empty inventory.
func (p *Pipeline) loadPrevious(ctx context.Context, id string, stats *Stats) ([]resource.Resource, error) {
	if id == "" {
		return nil, nil
	}
	snap, err := p.store.Load(ctx, id)
	if errors.Is(err, storage.ErrSnapshotCorrupted) {
		stats.Warnings = append(stats.Warnings, fmt.Sprintf("previous snapshot %s is corrupted; comparing against empty inventory", id))
		p.logger.WithContext(ctx).Warn().Err(err).Str("snapshot_id", id).Msg("previous snapshot corrupted")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load previous snapshot %s: %w", id, err)
	}
	return snap.Resources, nil
}

func (p *Pipeline) emit(ctx context.Context, report emitter.Report, result *RunResult) {
	if p.emitter == nil {
		return
	}
	if err := p.emitter.Emit(ctx, report); err != nil {
		result.Stats.Warnings = append(result.Stats.Warnings, fmt.Sprintf("emit report: %v", err))
		p.logger.WithContext(ctx).Warn().Err(err).Str("run_id", report.RunID).Msg("emit failed")
	}
}

func (p *Pipeline) recordRunDuration(ctx context.Context, status string, d time.Duration) {
	if p.telemetry != nil {
		p.telemetry.RecordRunDuration(ctx, status, d)
	}
}

func (p *Pipeline) journalRun(entryType wal.EntryType, snapshotID string, event RunEvent, cause error) {
	if p.journal == nil {
		return
	}
	var err error
	if cause != nil {
		err = p.journal.AppendError(entryType, snapshotID, event, cause)
	} else {
		err = p.journal.Append(entryType, snapshotID, event)
	}
	if err != nil {
		p.logger.Warn().Err(err).Str("entry", string(entryType)).Msg("journal append failed")
	}
}
