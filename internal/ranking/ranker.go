package ranking

import (
	"context"
	"sort"

	"github.com/hyperjump/lexsub/internal/embedding"
	"github.com/hyperjump/lexsub/internal/models"
	"github.com/hyperjump/lexsub/pkg/utils"
)

// cancelCheckInterval is how many entries are scored between context checks.
const cancelCheckInterval = 4096

// Ranker scores every table entry of the target category against a context
// vector by dot product. Both sides must already be unit vectors, so the score
// is the cosine similarity; nothing is renormalized here.
type Ranker struct {
	config   *RankingConfig
	table    *embedding.Table
	tieBreak TieBreak
}

// NewRanker creates a Ranker over a normalized table.
func NewRanker(table *embedding.Table, config *RankingConfig) (*Ranker, error) {
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
	return &Ranker{config: config, table: table, tieBreak: tb}, nil
}

// Name implements CandidateSource.
func (r *Ranker) Name() string { return "embedding" }

// GetConfig returns the ranking configuration.
func (r *Ranker) GetConfig() *RankingConfig {
	return r.config
}

// Candidates implements CandidateSource. A zero q.K uses the configured TopK.
func (r *Ranker) Candidates(ctx context.Context, q Query) ([]models.Candidate, error) {
	k := q.K
	if k == 0 {
		k = r.config.TopK
	}
	return r.rank(ctx, q.Vector, q.Category, k)
}

// Rank returns the first k entries of category by non-increasing score.
// Fewer than k matches returns all of them.
func (r *Ranker) Rank(vec []float32, category models.Category, k int) []models.Candidate {
	out, _ := r.rank(context.Background(), vec, category, k)
	return out
}

func (r *Ranker) rank(ctx context.Context, vec []float32, category models.Category, k int) ([]models.Candidate, error) {
	if k <= 0 {
		return nil, nil
	}
	top := newTopK(k, r.tieBreak)
	for n, i := range r.table.Partition(category) {
		if n%cancelCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		e := r.table.Entry(i)
		top.offer(models.Candidate{
			Word:     e.Word,
			Category: e.Category,
			Score:    utils.Dot(vec, e.Vector),
		})
	}
	return top.items, nil
}

// topK keeps the best k candidates seen so far, best first. Offering entries
// in table order yields the same list as a stable descending sort of all of
// them truncated to k.
type topK struct {
	limit    int
	tieBreak TieBreak
	items    []models.Candidate
}

func newTopK(limit int, tb TieBreak) *topK {
	return &topK{limit: limit, tieBreak: tb, items: make([]models.Candidate, 0, limit)}
}

// offer inserts c at its rank if that rank is within the limit.
func (t *topK) offer(c models.Candidate) {
	ip := sort.Search(len(t.items), func(i int) bool {
		return t.before(c, t.items[i])
	})
	if ip >= t.limit {
		return
	}
	if len(t.items) < t.limit {
		t.items = append(t.items, models.Candidate{})
	}
	copy(t.items[ip+1:], t.items[ip:len(t.items)-1])
	t.items[ip] = c
}

// before reports whether a newly offered candidate ranks ahead of a kept one.
// On equal scores the kept one stays ahead unless lexical order says otherwise.
func (t *topK) before(c, kept models.Candidate) bool {
	if c.Score != kept.Score {
		return c.Score > kept.Score
	}
	return t.tieBreak == TieBreakLexical && c.Word < kept.Word
}

// FilterByMinScore drops candidates below minScore.
func FilterByMinScore(cands []models.Candidate, minScore float32) []models.Candidate {
	filtered := make([]models.Candidate, 0, len(cands))
	for _, c := range cands {
		if c.Score >= minScore {
			filtered = append(filtered, c)
		}
	}
	return filtered
}

// TopN returns the first n candidates.
func TopN(cands []models.Candidate, n int) []models.Candidate {
	if n >= len(cands) {
		return cands
	}
	if n < 0 {
		return nil
	}
	return cands[:n]
}
