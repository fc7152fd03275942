package generic

import "errors"

// =============================================================================
// BATCH RESULT - Per-item outcome of a batch job or bulk decision
// =============================================================================

// ItemError is one failed item. Admin tooling sees the structured kind.
type ItemError struct {
	ID      string    `json:"id"`
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// BatchResult reports a batch run. A failure on one item never aborts the
// others; AlreadyProcessed items count as skipped, not failed.
type BatchResult struct {
	Job       string      `json:"job,omitempty"`
	Period    PeriodKey   `json:"period,omitempty"`
	Succeeded int         `json:"succeeded"`
	Failed    int         `json:"failed"`
	Skipped   int         `json:"skipped"`
	Errors    []ItemError `json:"errors,omitempty"`
}

// Record adds the outcome of one item.
func (r *BatchResult) Record(id string, err error) {
	switch {
	case err == nil:
		r.Succeeded++
	case errors.Is(err, ErrAlreadyProcessed):
		r.Skipped++
	default:
		r.Failed++
		r.Errors = append(r.Errors, ItemError{ID: id, Kind: Kind(err), Message: err.Error()})
	}
}

func (r BatchResult) Total() int { return r.Succeeded + r.Failed + r.Skipped }

func (r BatchResult) HasFailures() bool { return r.Failed > 0 }
