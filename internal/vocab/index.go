// Package vocab provides exact and fuzzy lookup over the embedding vocabulary.
package vocab

import (
	"context"
	"fmt"
	"sort"

	"github.com/blevesearch/bleve/v2"
	blevequery "github.com/blevesearch/bleve/v2/search/query"
	"go.uber.org/zap"

	"github.com/hyperjump/lexsub/internal/embedding"
	"github.com/hyperjump/lexsub/internal/models"
)

const (
	batchSize        = 1000
	defaultLimit     = 10
	defaultFuzziness = 2
)

// SearchOptions optional parameters for vocabulary search. Nil means exact
// lookup in any category.
type SearchOptions struct {
	// Fuzzy matches words within Fuzziness edits of the query.
	Fuzzy bool
	// Fuzziness is the maximum Levenshtein edit distance (1 or 2). Default 2.
	Fuzziness int
	// Category restricts matches to one category when set.
	Category models.Category
}

// Match is one vocabulary hit.
type Match struct {
	Word     string          `json:"word"`
	Category models.Category `json:"category"`
	// Distance is the Levenshtein distance between the folded query and Word.
	Distance int     `json:"distance"`
	Score    float64 `json:"score"`
}

type wordDoc struct {
	Word     string `json:"word"`
	Category string `json:"category"`
}

// Index is an in-memory Bleve index of table words.
type Index struct {
	index bleve.Index
	size  int
}

// NewIndex indexes every word of table with its category.
func NewIndex(table *embedding.Table, logger *zap.Logger) (*Index, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	im := bleve.NewIndexMapping()
	docMapping := bleve.NewDocumentMapping()
	// keyword fields keep the folded word as one term so fuzzy queries compare whole words
	docMapping.AddFieldMappingsAt("word", bleve.NewKeywordFieldMapping())
	docMapping.AddFieldMappingsAt("category", bleve.NewKeywordFieldMapping())
	im.AddDocumentMapping("word", docMapping)
	im.DefaultType = "word"
	im.DefaultMapping = docMapping

	index, err := bleve.NewMemOnly(im)
	if err != nil {
		return nil, fmt.Errorf("failed to create Bleve index: %w", err)
	}

	batch := index.NewBatch()
	for i := 0; i < table.Len(); i++ {
		e := table.Entry(i)
		if err := batch.Index(e.Word, wordDoc{Word: e.Word, Category: e.Category.Key()}); err != nil {
			_ = index.Close()
			return nil, fmt.Errorf("failed to index %q: %w", e.Word, err)
		}
		if batch.Size() >= batchSize {
			if err := index.Batch(batch); err != nil {
				_ = index.Close()
				return nil, fmt.Errorf("failed to index batch: %w", err)
			}
			batch.Reset()
		}
	}
	if batch.Size() > 0 {
		if err := index.Batch(batch); err != nil {
			_ = index.Close()
			return nil, fmt.Errorf("failed to index batch: %w", err)
		}
	}
	logger.Info("vocabulary index built", zap.Int("words", table.Len()))
	return &Index{index: index, size: table.Len()}, nil
}

// Search looks query up and returns up to limit matches, closest first
// (edit distance, then score, then word).
func (v *Index) Search(ctx context.Context, query string, limit int, opts *SearchOptions) ([]Match, error) {
	if limit <= 0 {
		limit = defaultLimit
	}
	var o SearchOptions
	if opts != nil {
		o = *opts
	}
	folded := models.FoldWord(query)

	var wq blevequery.Query
	if o.Fuzzy {
		fuzziness := o.Fuzziness
		if fuzziness <= 0 {
			fuzziness = defaultFuzziness
		}
		fq := bleve.NewFuzzyQuery(folded)
		fq.SetFuzziness(fuzziness)
		fq.SetField("word")
		wq = fq
	} else {
		tq := bleve.NewTermQuery(folded)
		tq.SetField("word")
		wq = tq
	}
	q := wq
	if o.Category != "" {
		cq := bleve.NewTermQuery(o.Category.Key())
		cq.SetField("category")
		q = bleve.NewConjunctionQuery(wq, cq)
	}

	// fetch extra hits so re-ordering by distance sees near misses bleve scored lower
	req := bleve.NewSearchRequest(q)
	req.Size = limit * 4
	req.Fields = []string{"word", "category"}
	results, err := v.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("Bleve search failed: %w", err)
	}

	out := make([]Match, 0, len(results.Hits))
	for _, hit := range results.Hits {
		word, _ := hit.Fields["word"].(string)
		if word == "" {
			word = hit.ID
		}
		cat, _ := hit.Fields["category"].(string)
		out = append(out, Match{
			Word:     word,
			Category: models.Category(cat),
			Distance: LevenshteinDistance(folded, word),
			Score:    hit.Score,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Distance != out[j].Distance {
			return out[i].Distance < out[j].Distance
		}
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Word < out[j].Word
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Len returns the number of indexed words.
func (v *Index) Len() int {
	return v.size
}

// DocCount returns the number of documents in the Bleve index.
func (v *Index) DocCount() (uint64, error) {
	return v.index.DocCount()
}

// Close closes the index.
func (v *Index) Close() error {
	return v.index.Close()
}
