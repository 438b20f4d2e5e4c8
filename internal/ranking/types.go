// Package ranking produces category-filtered top-K substitute candidates.
package ranking

import (
	"context"
	"fmt"
	"strings"

	"github.com/hyperjump/lexsub/internal/models"
)

// TieBreak decides the order of candidates with equal scores.
type TieBreak int

const (
	// TieBreakTable keeps equal-score candidates in table order.
	TieBreakTable TieBreak = iota
	// TieBreakLexical orders equal-score candidates by word.
	TieBreakLexical
)

// String returns a string representation of the tie-break policy.
func (t TieBreak) String() string {
	switch t {
	case TieBreakTable:
		return "table"
	case TieBreakLexical:
		return "lexical"
	default:
		return "unknown"
	}
}

// ParseTieBreak parses "table" or "lexical". Empty means table.
func ParseTieBreak(s string) (TieBreak, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "table":
		return TieBreakTable, nil
	case "lexical":
		return TieBreakLexical, nil
	default:
		return TieBreakTable, fmt.Errorf("unknown tie-break %q (want table or lexical)", s)
	}
}

// Query asks a CandidateSource for substitutes.
type Query struct {
	// Vector is the unit-normalized context vector.
	Vector []float32
	// TargetWord is used by sources that look up neighbors by word.
	TargetWord string
	Category   models.Category
	K          int
}

// CandidateSource generates ranked substitute candidates for a context vector.
type CandidateSource interface {
	// Candidates returns at most q.K candidates of q.Category, sorted by
	// non-increasing score.
	Candidates(ctx context.Context, q Query) ([]models.Candidate, error)
	// Name returns the name of the source for logging.
	Name() string
}
