package ranking

import (
	"context"

	"github.com/hyperjump/lexsub/internal/embedding"
	"github.com/hyperjump/lexsub/internal/models"
	"github.com/hyperjump/lexsub/pkg/utils"
)

// NeighborLister returns precomputed neighbors of a word.
type NeighborLister interface {
	Neighbors(word string, category models.Category) []models.Candidate
}

// ThesaurusSource draws candidates from a neighbor list instead of the whole
// table. Neighbors missing from the table or of another category are dropped;
// the rest are scored against the context vector and ranked like Ranker does.
type ThesaurusSource struct {
	config    *RankingConfig
	neighbors NeighborLister
	table     *embedding.Table
	tieBreak  TieBreak
}

// NewThesaurusSource creates a ThesaurusSource over a normalized table.
func NewThesaurusSource(neighbors NeighborLister, table *embedding.Table, config *RankingConfig) (*ThesaurusSource, error) {
	if !table.Normalized() {
		return nil, models.ErrNotNormalized
	}
	if config == nil {
		config = DefaultRankingConfig()
	}
	config.ApplyDefaults()
	tb, err := ParseTieBreak(config.TieBreak)
	if err != nil {
		return nil, err
	}
	return &ThesaurusSource{config: config, neighbors: neighbors, table: table, tieBreak: tb}, nil
}

// Name implements CandidateSource.
func (s *ThesaurusSource) Name() string { return "thesaurus" }

// Candidates implements CandidateSource.
func (s *ThesaurusSource) Candidates(ctx context.Context, q Query) ([]models.Candidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	k := q.K
	if k == 0 {
		k = s.config.TopK
	}
	if k <= 0 {
		return nil, nil
	}
	top := newTopK(k, s.tieBreak)
	seen := make(map[string]bool)
	for _, n := range s.neighbors.Neighbors(q.TargetWord, q.Category) {
		if seen[n.Word] {
			continue
		}
		seen[n.Word] = true
		e, ok := s.table.Lookup(n.Word)
		if !ok || !e.Category.Equal(q.Category) {
			continue
		}
		top.offer(models.Candidate{
			Word:     e.Word,
			Category: e.Category,
			Score:    utils.Dot(q.Vector, e.Vector),
		})
	}
	return top.items, nil
}
