package corpus

import (
	"strings"
	"unicode"

	"github.com/hyperjump/lexsub/internal/models"
)

// Preprocess trims a line and collapses whitespace runs into one space.
func Preprocess(text string) string {
	text = strings.TrimSpace(text)
	var b strings.Builder
	wasSpace := false
	for _, r := range text {
		if unicode.IsSpace(r) {
			if !wasSpace {
				b.WriteRune(' ')
				wasSpace = true
			}
		} else {
			b.WriteRune(r)
			wasSpace = false
		}
	}
	return b.String()
}

// Sentence renders the context of inst as plain text, with the target
// bracketed.
func Sentence(inst *models.Instance) string {
	var b strings.Builder
	for i, tok := range inst.Context {
		if i > 0 {
			b.WriteByte(' ')
		}
		if i == inst.TargetPosition-1 {
			b.WriteString("[" + tok.Word + "]")
			continue
		}
		b.WriteString(tok.Word)
	}
	return Preprocess(b.String())
}
