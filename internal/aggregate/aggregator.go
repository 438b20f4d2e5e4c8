// Package aggregate builds CBOW context vectors for annotated instances.
package aggregate

import (
	"github.com/hyperjump/lexsub/internal/embedding"
	"github.com/hyperjump/lexsub/internal/models"
	"github.com/hyperjump/lexsub/pkg/utils"
)

// Aggregator averages the table vectors of an instance's context words.
type Aggregator struct {
	includeTarget bool
	fullWindow    bool
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithIncludeTarget keeps the target token itself in the averaged context.
func WithIncludeTarget(include bool) Option {
	return func(a *Aggregator) { a.includeTarget = include }
}

// WithFullWindow selects the whole sentence as window (true, default) or the
// target word alone (false).
func WithFullWindow(full bool) Option {
	return func(a *Aggregator) { a.fullWindow = full }
}

// New creates an Aggregator. Defaults: target excluded, full sentence window.
func New(opts ...Option) *Aggregator {
	a := &Aggregator{fullWindow: true}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// IncludeTarget reports whether the target token contributes to the average.
func (a *Aggregator) IncludeTarget() bool { return a.includeTarget }

// FullWindow reports whether the whole sentence is the window.
func (a *Aggregator) FullWindow() bool { return a.fullWindow }

// Aggregate returns the unit-normalized average of the vectors of the context
// words found in table, and how many words contributed. Categories of context
// words are not checked. With no contributor it returns a *models.NoContextOverlapError.
// Neither inst nor table is modified.
func (a *Aggregator) Aggregate(inst *models.Instance, table *embedding.Table) ([]float32, int, error) {
	window := a.window(inst)

	sum := make([]float32, table.Dim())
	count := 0
	for _, tok := range window {
		e, ok := table.Lookup(tok.Word)
		if !ok {
			continue
		}
		utils.AddInto(sum, e.Vector)
		count++
	}
	if count == 0 {
		return nil, 0, &models.NoContextOverlapError{Key: inst.Key(), InstanceID: inst.InstanceID}
	}
	utils.Scale(sum, 1/float32(count))
	utils.NormalizeEps(sum)
	return sum, count, nil
}

// window returns a fresh copy of the tokens to average.
func (a *Aggregator) window(inst *models.Instance) []models.ContextToken {
	if !a.fullWindow {
		return []models.ContextToken{{Word: inst.TargetWord, Category: inst.TargetCategory}}
	}
	out := make([]models.ContextToken, 0, len(inst.Context))
	skip := -1
	if !a.includeTarget {
		skip = inst.TargetPosition - 1
	}
	for i, tok := range inst.Context {
		if i == skip {
			continue
		}
		out = append(out, tok)
	}
	return out
}
