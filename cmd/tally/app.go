package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/yairfalse/tally/classifier"
	"github.com/yairfalse/tally/internal/config"
	"github.com/yairfalse/tally/internal/emitter"
	"github.com/yairfalse/tally/internal/filter"
	"github.com/yairfalse/tally/internal/source"
	"github.com/yairfalse/tally/internal/telemetry"
	"github.com/yairfalse/tally/orchestrator"
	"github.com/yairfalse/tally/storage"
	"github.com/yairfalse/tally/wal"
)

// app holds everything a command needs, opened from the config.
type app struct {
	store   storage.Store
	journal *wal.WAL
}

// openApp opens the snapshot store and, when configured, the journal.
func openApp(c *config.Config) (*app, error) {
	a := &app{}
	var opts []storage.Option

	if c.Store.JournalDir != "" {
		j, err := wal.Open(c.Store.JournalDir)
		if err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
		a.journal = j
		opts = append(opts, storage.WithJournal(j))
	}

	store, err := openStore(c, opts...)
	if err != nil {
		a.closeJournal()
		return nil, err
	}
	a.store = store
	return a, nil
}

func openStore(c *config.Config, opts ...storage.Option) (storage.Store, error) {
	if c.Store.Backend == "bolt" {
		s, err := storage.OpenBoltStore(c.Store.Path, c.Scope(), opts...)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	s, err := storage.OpenFileStore(c.Store.Path, c.Scope(), opts...)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (a *app) closeJournal() {
	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close journal")
		}
	}
}

// Close releases the store and the journal.
func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		log.Warn().Err(err).Msg("failed to close store")
	}
	a.closeJournal()
}

// buildSources registers a DirSource for every method with dumps under
// the configured source directory.
func buildSources(c *config.Config) (*source.Registry, error) {
	registry := source.NewRegistry()
	if c.Discovery.SourceDir == "" {
		return registry, nil
	}
	dirs, err := source.DiscoverDir(c.Discovery.SourceDir)
	if err != nil {
		return nil, err
	}
	for _, d := range dirs {
		registry.Register(d)
	}
	return registry, nil
}

// buildPipeline assembles the pipeline from config. tp and emit may be nil.
func buildPipeline(ctx context.Context, c *config.Config, a *app, sources *source.Registry, tp *telemetry.Provider, emit emitter.Emitter) (*orchestrator.Pipeline, error) {
	var err error
	cls := classifier.New()
	if c.Classifier.PolicyFile != "" {
		cls, err = classifier.NewFromPolicyFile(ctx, c.Classifier.PolicyFile)
		if err != nil {
			return nil, err
		}
	}

	opts := []orchestrator.Option{
		orchestrator.WithClassifier(cls),
		orchestrator.WithFilter(filter.New(filter.Config{
			ExcludeServices: c.Filter.ExcludeServices,
			ExcludeTypes:    c.Filter.ExcludeTypes,
			IncludeTags:     c.Filter.IncludeTags,
			ExcludeTags:     c.Filter.ExcludeTags,
		})),
		orchestrator.WithConcurrency(c.Discovery.Concurrency),
		orchestrator.WithKeepManaged(c.Classifier.KeepManaged),
	}
	if tp != nil {
		opts = append(opts, orchestrator.WithTelemetry(tp))
	}
	if emit != nil {
		opts = append(opts, orchestrator.WithEmitter(emit))
	}
	if a.journal != nil {
		opts = append(opts, orchestrator.WithJournal(a.journal))
	}
	return orchestrator.New(a.store, sources, opts...)
}

// request builds the run request from config.
func request(c *config.Config, tags map[string]string) orchestrator.Request {
	return orchestrator.Request{
		Scope:   c.Scope(),
		Regions: c.Discovery.Regions,
		Methods: c.Discovery.Methods,
		Tags:    tags,
	}
}

func retentionPolicy(c *config.Config) storage.RetentionPolicy {
	return storage.RetentionPolicy{
		MaxAge:   c.Store.Retention.MaxAge,
		MaxCount: c.Store.Retention.MaxCount,
	}
}
