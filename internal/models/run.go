package models

import "time"

// RunInfo describes a stored pipeline run.
type RunInfo struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	// Source is the candidate source name ("embedding" or "thesaurus").
	Source string `json:"source"`
	TopK   int    `json:"top_k"`
	// InputsID fingerprints the input files and the settings that affect output.
	InputsID string   `json:"inputs_id"`
	Stats    RunStats `json:"stats"`
}
