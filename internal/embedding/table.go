// Package embedding holds the category-tagged word vector table.
package embedding

import (
	"fmt"
	"sort"

	"github.com/hyperjump/lexsub/internal/models"
)

// Entry is one word of the table.
type Entry struct {
	Word     string
	Category models.Category
	Vector   []float32
}

// Table is an insertion-ordered word -> (vector, category) mapping with a fixed
// dimensionality. It is mutable until NormalizeAll, after which it is frozen and
// safe to share between goroutines.
type Table struct {
	dim        int
	entries    []Entry
	index      map[string]int
	normalized bool
	// category key -> entry indices in table order; built by NormalizeAll.
	partitions map[string][]int
}

// NewTable creates an empty table. dim may be 0, in which case the first Put fixes it.
func NewTable(dim int) *Table {
	return &Table{
		dim:   dim,
		index: make(map[string]int),
	}
}

// Put stores vec for word. A word already present keeps its position and takes
// the new category and vector (last write wins). It reports whether the word
// was already present.
func (t *Table) Put(word string, category models.Category, vec []float32) (bool, error) {
	if t.normalized {
		return false, models.ErrTableFrozen
	}
	if len(vec) == 0 {
		return false, fmt.Errorf("empty vector for %q", word)
	}
	if t.dim == 0 {
		t.dim = len(vec)
	}
	if len(vec) != t.dim {
		return false, &models.DimensionMismatchError{Word: word, Want: t.dim, Got: len(vec)}
	}
	key := models.FoldWord(word)
	e := Entry{Word: key, Category: category, Vector: vec}
	if i, ok := t.index[key]; ok {
		t.entries[i] = e
		return true, nil
	}
	t.index[key] = len(t.entries)
	t.entries = append(t.entries, e)
	return false, nil
}

// Lookup returns the entry for word after folding.
func (t *Table) Lookup(word string) (Entry, bool) {
	i, ok := t.index[models.FoldWord(word)]
	if !ok {
		return Entry{}, false
	}
	return t.entries[i], true
}

// Contains reports whether word is in the table.
func (t *Table) Contains(word string) bool {
	_, ok := t.index[models.FoldWord(word)]
	return ok
}

// Entry returns the i-th entry in table order.
func (t *Table) Entry(i int) Entry {
	return t.entries[i]
}

// Len returns the number of entries.
func (t *Table) Len() int {
	return len(t.entries)
}

// Dim returns the vector dimensionality (0 for an empty table without a preset).
func (t *Table) Dim() int {
	return t.dim
}

// Normalized reports whether NormalizeAll has run.
func (t *Table) Normalized() bool {
	return t.normalized
}

// Partition returns the indices of the entries of category, in table order.
// Before normalization it is computed on the fly.
func (t *Table) Partition(category models.Category) []int {
	if t.partitions != nil {
		return t.partitions[category.Key()]
	}
	var out []int
	for i, e := range t.entries {
		if e.Category.Equal(category) {
			out = append(out, i)
		}
	}
	return out
}

// Categories returns the distinct category keys with their entry counts, sorted by key.
func (t *Table) Categories() []CategoryCount {
	counts := make(map[string]int)
	for _, e := range t.entries {
		counts[e.Category.Key()]++
	}
	out := make([]CategoryCount, 0, len(counts))
	for k, n := range counts {
		out = append(out, CategoryCount{Category: models.Category(k), Count: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Category < out[j].Category })
	return out
}

// CategoryCount is a category with the number of words carrying it.
type CategoryCount struct {
	Category models.Category `json:"category"`
	Count    int             `json:"count"`
}

// EstimateBytes approximates the heap used by vectors and words.
func (t *Table) EstimateBytes() int64 {
	var n int64
	for _, e := range t.entries {
		n += int64(len(e.Vector))*4 + int64(len(e.Word)) + int64(len(e.Category))
	}
	return n
}

func (t *Table) buildPartitions() {
	t.partitions = make(map[string][]int)
	for i, e := range t.entries {
		k := e.Category.Key()
		t.partitions[k] = append(t.partitions[k], i)
	}
}
