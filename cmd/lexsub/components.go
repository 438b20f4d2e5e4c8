package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/schollz/progressbar/v2"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/hyperjump/lexsub/internal/aggregate"
	"github.com/hyperjump/lexsub/internal/config"
	"github.com/hyperjump/lexsub/internal/corpus"
	"github.com/hyperjump/lexsub/internal/embedding"
	"github.com/hyperjump/lexsub/internal/fileid"
	"github.com/hyperjump/lexsub/internal/models"
	"github.com/hyperjump/lexsub/internal/pipeline"
	"github.com/hyperjump/lexsub/internal/ranking"
	"github.com/hyperjump/lexsub/internal/storage"
	"github.com/hyperjump/lexsub/internal/thesaurus"
)

// tableMemoryFactor approximates heap bytes per byte of embedding text.
const tableMemoryFactor = 1

// loadTable reads the embedding table, through the snapshot when it is fresh,
// and normalizes it.
func loadTable(cfg *config.Config, logger *zap.Logger) (*embedding.Table, error) {
	path := cfg.Data.EmbeddingsPath
	if path == "" {
		return nil, errors.New("data.embeddings_path is not set")
	}
	snap := cfg.Storage.SnapshotPath

	var table *embedding.Table
	if snap != "" && embedding.SnapshotFresh(snap, path) {
		t, err := embedding.LoadSnapshot(snap)
		if err != nil {
			logger.Warn("embedding snapshot unreadable, parsing text", zap.String("path", snap), zap.Error(err))
		} else {
			table = t
			logger.Info("embedding snapshot loaded", zap.String("path", snap), zap.Int("words", t.Len()))
		}
	}
	if table == nil {
		checkMemory(path, logger)
		t, _, err := embedding.LoadFile(path,
			embedding.WithExpectedRows(cfg.Data.ExpectedRows),
			embedding.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		table = t
		if snap != "" {
			if err := embedding.SaveSnapshot(table, snap); err != nil {
				logger.Warn("embedding snapshot not written", zap.String("path", snap), zap.Error(err))
			}
		}
	}
	if err := embedding.NormalizeAll(table); err != nil {
		return nil, err
	}
	logger.Info("embedding table ready",
		zap.Int("words", table.Len()),
		zap.Int("dim", table.Dim()),
		zap.Int64("approx_bytes", table.EstimateBytes()))
	return table, nil
}

// checkMemory warns when the embedding file looks larger than available memory.
func checkMemory(path string, logger *zap.Logger) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	vm, err := mem.VirtualMemory()
	if err != nil {
		logger.Debug("memory stats unavailable", zap.Error(err))
		return
	}
	need := uint64(info.Size()) * tableMemoryFactor
	if need > vm.Available {
		logger.Warn("embedding file may not fit in available memory",
			zap.String("path", path),
			zap.Uint64("file_bytes", uint64(info.Size())),
			zap.Uint64("available_bytes", vm.Available))
	}
}

// buildSource returns the configured candidate source.
func buildSource(cfg *config.Config, table *embedding.Table, logger *zap.Logger) (ranking.CandidateSource, error) {
	switch cfg.Pipeline.Source {
	case config.SourceThesaurus:
		th, err := thesaurus.LoadDir(cfg.Data.ThesaurusPath, thesaurus.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		return ranking.NewThesaurusSource(th, table, cfg.Pipeline.Ranking())
	default:
		return ranking.NewRanker(table, cfg.Pipeline.Ranking())
	}
}

// buildDriver wires aggregator, candidate source and driver from cfg.
func buildDriver(cfg *config.Config, table *embedding.Table, logger *zap.Logger, opts ...pipeline.Option) (*pipeline.Driver, error) {
	source, err := buildSource(cfg, table, logger)
	if err != nil {
		return nil, err
	}
	agg := aggregate.New(
		aggregate.WithIncludeTarget(cfg.Pipeline.IncludeTargetOrDefault()),
		aggregate.WithFullWindow(cfg.Pipeline.FullWindowOrDefault()),
	)
	base := []pipeline.Option{
		pipeline.WithWorkers(cfg.Pipeline.Workers),
		pipeline.WithTopK(cfg.Pipeline.TopK),
		pipeline.WithLogger(logger),
	}
	return pipeline.NewDriver(table, source, agg, append(base, opts...)...)
}

// inputsID fingerprints the input files and every setting that changes output.
func inputsID(cfg *config.Config) (string, error) {
	parts := []string{cfg.Pipeline.Fingerprint()}
	for _, p := range []string{cfg.Data.CorpusPath, cfg.Data.EmbeddingsPath} {
		fp, err := fileid.Fingerprint(p)
		if err != nil {
			return "", err
		}
		parts = append(parts, fp)
	}
	if cfg.Pipeline.Source == config.SourceThesaurus {
		entries, err := os.ReadDir(cfg.Data.ThesaurusPath)
		if err != nil {
			return "", err
		}
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			if !e.IsDir() {
				names = append(names, e.Name())
			}
		}
		sort.Strings(names)
		for _, name := range names {
			fp, err := fileid.Fingerprint(filepath.Join(cfg.Data.ThesaurusPath, name))
			if err != nil {
				return "", err
			}
			parts = append(parts, fp)
		}
	}
	return fileid.InputsID(parts...), nil
}

// runOptions controls one batch run.
type runOptions struct {
	progress bool
	store    storage.Storage
	save     bool
	reuse    bool
}

// runPipeline parses the corpus, loads the table and runs the driver. With
// reuse, a stored run with identical inputs is returned instead.
func runPipeline(ctx context.Context, cfg *config.Config, logger *zap.Logger, o runOptions) (*models.Report, *models.RunInfo, error) {
	id, idErr := inputsID(cfg)
	if idErr != nil {
		logger.Debug("inputs fingerprint unavailable", zap.Error(idErr))
	}
	if o.reuse && o.store != nil && idErr == nil {
		info, err := o.store.FindRunByInputs(ctx, id)
		switch {
		case err == nil:
			report, err := o.store.LoadReport(ctx, info.ID)
			if err != nil {
				return nil, nil, err
			}
			logger.Info("reusing stored run", zap.String("run_id", info.ID))
			return report, info, nil
		case !errors.Is(err, models.ErrRunNotFound):
			return nil, nil, err
		}
	}

	if cfg.Data.CorpusPath == "" {
		return nil, nil, errors.New("data.corpus_path is not set")
	}
	instances, _, err := corpus.ParseFile(cfg.Data.CorpusPath, corpus.WithLogger(logger))
	if err != nil {
		return nil, nil, err
	}
	table, err := loadTable(cfg, logger)
	if err != nil {
		return nil, nil, err
	}

	var opts []pipeline.Option
	var bar *progressbar.ProgressBar
	if o.progress && len(instances) > 0 {
		bar = progressbar.NewOptions(len(instances),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionSetDescription("ranking"))
		var mu sync.Mutex
		opts = append(opts, pipeline.WithProgress(func(done, total int) {
			mu.Lock()
			_ = bar.Add(1)
			mu.Unlock()
		}))
	}
	driver, err := buildDriver(cfg, table, logger, opts...)
	if err != nil {
		return nil, nil, err
	}
	report, err := driver.Run(ctx, instances)
	if bar != nil {
		_ = bar.Finish()
		fmt.Fprintln(os.Stderr)
	}
	if err != nil {
		return nil, nil, err
	}

	info := &models.RunInfo{Source: cfg.Pipeline.Source, TopK: driver.TopK(), InputsID: id, Stats: report.Stats}
	if o.save && o.store != nil {
		if _, err := o.store.SaveReport(ctx, report, info); err != nil {
			return nil, nil, fmt.Errorf("failed to store run: %w", err)
		}
		logger.Info("run stored", zap.String("run_id", info.ID))
	}
	return report, info, nil
}
