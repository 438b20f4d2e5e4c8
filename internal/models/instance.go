// Package models holds the data types shared by the substitution pipeline.
package models

import (
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

// Category is a syntactic category tag (N, V, ADJ, ADV, ...).
// Tags compare case-insensitively.
type Category string

// Equal reports whether two tags name the same category, ignoring case.
func (c Category) Equal(other Category) bool {
	return strings.EqualFold(string(c), string(other))
}

// Key returns the canonical (upper-cased) form used for grouping and map keys.
func (c Category) Key() string {
	return strings.ToUpper(string(c))
}

// FoldWord returns the case-normalized form of a word: NFC, then lower case.
// A new Caser is created per call because casers are not safe for concurrent use.
func FoldWord(s string) string {
	return cases.Lower(language.Und).String(norm.NFC.String(s))
}

// ContextToken is one token of a sentence with its category.
type ContextToken struct {
	Word     string   `json:"word"`
	Category Category `json:"category"`
}

// Instance is one annotated substitution task.
type Instance struct {
	SentenceID     string   `json:"sentence_id"`
	InstanceID     string   `json:"instance_id"`
	TargetWord     string   `json:"target_word"`
	TargetCategory Category `json:"target_category"`
	// TargetPosition is the 1-based index of the target in Context.
	TargetPosition int            `json:"target_position"`
	Context        []ContextToken `json:"context"`
}

// Key returns the collapsed result key. Instances that share target word,
// category and sentence map to the same key.
func (i *Instance) Key() ResultKey {
	return ResultKey{
		TargetWord:     i.TargetWord,
		TargetCategory: Category(i.TargetCategory.Key()),
		SentenceID:     i.SentenceID,
	}
}

// Validate checks that TargetPosition indexes Context and that the token there
// folds to the target word.
func (i *Instance) Validate() error {
	if i.TargetWord == "" {
		return fmt.Errorf("target word is empty")
	}
	if i.TargetCategory == "" {
		return fmt.Errorf("target category is empty")
	}
	if i.TargetPosition < 1 || i.TargetPosition > len(i.Context) {
		return fmt.Errorf("target position %d out of range [1,%d]", i.TargetPosition, len(i.Context))
	}
	at := i.Context[i.TargetPosition-1].Word
	if FoldWord(at) != FoldWord(i.TargetWord) {
		return fmt.Errorf("token %q at position %d does not match target %q", at, i.TargetPosition, i.TargetWord)
	}
	return nil
}

// ResultKey identifies a ranked candidate list. It omits the
// instance ID.
type ResultKey struct {
	TargetWord     string   `json:"target_word"`
	TargetCategory Category `json:"target_category"`
	SentenceID     string   `json:"sentence_id"`
}

// String renders the key as "word.CAT sentence".
func (k ResultKey) String() string {
	return fmt.Sprintf("%s.%s %s", k.TargetWord, k.TargetCategory.Key(), k.SentenceID)
}
