package embedding

import (
	"github.com/hyperjump/lexsub/internal/models"
	"github.com/hyperjump/lexsub/pkg/utils"
)

// NormalizeAll rescales every vector in place to unit length (epsilon guarded),
// groups entries by category and freezes the table. It must complete before any
// ranking starts. A second call returns ErrAlreadyNormalized and leaves the
// vectors untouched.
func NormalizeAll(t *Table) error {
	if t.normalized {
		return models.ErrAlreadyNormalized
	}
	for i := range t.entries {
		utils.NormalizeEps(t.entries[i].Vector)
	}
	t.buildPartitions()
	t.normalized = true
	return nil
}
