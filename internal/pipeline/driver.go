// Package pipeline runs aggregation and ranking over a batch of instances.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/hyperjump/lexsub/internal/aggregate"
	"github.com/hyperjump/lexsub/internal/embedding"
	"github.com/hyperjump/lexsub/internal/models"
	"github.com/hyperjump/lexsub/internal/ranking"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const defaultTopK = 10

// Driver aggregates and ranks instances against a shared, normalized table.
type Driver struct {
	table      *embedding.Table
	source     ranking.CandidateSource
	aggregator *aggregate.Aggregator
	workers    int
	topK       int
	logger     *zap.Logger
	progress   func(done, total int)
}

// Option configures a Driver.
type Option func(*Driver)

// WithWorkers sets how many instances are processed concurrently. Values < 1
// mean runtime.NumCPU().
func WithWorkers(n int) Option {
	return func(d *Driver) { d.workers = n }
}

// WithTopK sets the candidate list length.
func WithTopK(k int) Option {
	return func(d *Driver) { d.topK = k }
}

// WithLogger sets a logger for per-instance failures and the run summary.
func WithLogger(l *zap.Logger) Option {
	return func(d *Driver) { d.logger = l }
}

// WithProgress registers a callback invoked after each instance. It is called
// from worker goroutines and must be safe for concurrent use.
func WithProgress(fn func(done, total int)) Option {
	return func(d *Driver) { d.progress = fn }
}

// NewDriver creates a Driver. The table must already be normalized.
func NewDriver(table *embedding.Table, source ranking.CandidateSource, agg *aggregate.Aggregator, opts ...Option) (*Driver, error) {
	if !table.Normalized() {
		return nil, models.ErrNotNormalized
	}
	d := &Driver{
		table:      table,
		source:     source,
		aggregator: agg,
		topK:       defaultTopK,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.workers < 1 {
		d.workers = runtime.NumCPU()
	}
	if d.aggregator == nil {
		d.aggregator = aggregate.New()
	}
	return d, nil
}

// TopK returns the configured list length.
func (d *Driver) TopK() int { return d.topK }

// Process aggregates and ranks one instance.
func (d *Driver) Process(ctx context.Context, inst *models.Instance) (models.RankedList, error) {
	vec, _, err := d.aggregator.Aggregate(inst, d.table)
	if err != nil {
		return models.RankedList{}, err
	}
	cands, err := d.source.Candidates(ctx, ranking.Query{
		Vector:     vec,
		TargetWord: inst.TargetWord,
		Category:   inst.TargetCategory,
		K:          d.topK,
	})
	if err != nil {
		return models.RankedList{}, fmt.Errorf("%s candidates: %w", d.source.Name(), err)
	}
	return models.RankedList{Key: inst.Key(), InstanceID: inst.InstanceID, Candidates: cands}, nil
}

type slot struct {
	list models.RankedList
	err  error
}

// Run processes every instance. Instances are independent: each is computed
// into its own slot by the worker pool, then slots are merged in input order.
// A failed instance is recorded in the report and never stops the batch; only
// context cancellation fails the run. When several instances share a result
// key, the one that comes last in the input wins.
func (d *Driver) Run(ctx context.Context, instances []models.Instance) (*models.Report, error) {
	start := time.Now()
	slots := make([]slot, len(instances))
	var done atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.workers)
	for i := range instances {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			list, err := d.Process(gctx, &instances[i])
			if err != nil && isCancel(err) {
				return err
			}
			slots[i] = slot{list: list, err: err}
			if d.progress != nil {
				d.progress(int(done.Add(1)), len(instances))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("run cancelled: %w", err)
	}

	report := d.merge(instances, slots)
	report.Stats.Duration = time.Since(start)
	d.logger.Info("pipeline run complete",
		zap.String("source", d.source.Name()),
		zap.Int("instances", report.Stats.Instances),
		zap.Int("succeeded", report.Stats.Succeeded),
		zap.Int("failed", report.Stats.Failed),
		zap.Int("collapsed", report.Stats.Collapsed),
		zap.Int("warnings", len(report.Warnings)),
		zap.Duration("took", report.Stats.Duration))
	return report, nil
}

func (d *Driver) merge(instances []models.Instance, slots []slot) *models.Report {
	report := models.NewReport()
	report.Stats.Instances = len(instances)
	for i, s := range slots {
		if s.err != nil {
			inst := &instances[i]
			report.Failures = append(report.Failures, models.Failure{
				Key:        inst.Key(),
				InstanceID: inst.InstanceID,
				Reason:     s.err.Error(),
				Err:        s.err,
			})
			report.Stats.Failed++
			d.logger.Debug("instance failed",
				zap.String("instance_id", inst.InstanceID),
				zap.String("key", inst.Key().String()),
				zap.Error(s.err))
			continue
		}
		report.Stats.Succeeded++
		if report.Put(s.list) {
			report.Stats.Collapsed++
		}
	}
	for _, l := range report.Lists() {
		if len(l.Candidates) < d.topK {
			report.Warnings = append(report.Warnings, models.EmptyCandidateSetWarning{
				Key:  l.Key,
				Want: d.topK,
				Got:  len(l.Candidates),
			})
		}
	}
	return report
}

func isCancel(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
