package models

import "time"

// Candidate is one substitute with its cosine similarity to the context.
type Candidate struct {
	Word     string   `json:"word"`
	Category Category `json:"category"`
	Score    float32  `json:"score"`
}

// RankedList is the ranked candidate list for one result key.
type RankedList struct {
	Key        ResultKey   `json:"key"`
	InstanceID string      `json:"instance_id"`
	Candidates []Candidate `json:"candidates"`
}

// Failure records an instance that could not be processed.
type Failure struct {
	Key        ResultKey `json:"key"`
	InstanceID string    `json:"instance_id"`
	Reason     string    `json:"reason"`
	Err        error     `json:"-"`
}

// RunStats summarizes a pipeline run.
type RunStats struct {
	Instances int `json:"instances"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	// Collapsed counts successful instances whose list was overwritten by a
	// later instance with the same key.
	Collapsed int           `json:"collapsed"`
	Duration  time.Duration `json:"duration_ns"`
}

// Report is the output of a pipeline run.
type Report struct {
	RunID   string                   `json:"run_id,omitempty"`
	Results map[ResultKey]RankedList `json:"-"`
	// Order lists result keys by first appearance in the input.
	Order    []ResultKey                `json:"-"`
	Failures []Failure                  `json:"failures"`
	Warnings []EmptyCandidateSetWarning `json:"warnings"`
	Stats    RunStats                   `json:"stats"`
}

// NewReport returns an empty report.
func NewReport() *Report {
	return &Report{Results: make(map[ResultKey]RankedList)}
}

// Lists returns the ranked lists in Order.
func (r *Report) Lists() []RankedList {
	out := make([]RankedList, 0, len(r.Order))
	for _, k := range r.Order {
		if l, ok := r.Results[k]; ok {
			out = append(out, l)
		}
	}
	return out
}

// Put stores list under its key. It reports whether an earlier list was replaced.
func (r *Report) Put(list RankedList) bool {
	_, exists := r.Results[list.Key]
	if !exists {
		r.Order = append(r.Order, list.Key)
	}
	r.Results[list.Key] = list
	return exists
}
