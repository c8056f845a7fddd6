// Package classify maps an item's extracted fields to its terminal status.
package classify

import "github.com/use-agent/shopmetrics/models"

// Flags carries the pipeline facts that override field counting.
type Flags struct {
	// ShortCircuit is set when the volume metric fell below the usability
	// floor and the remaining probes were skipped.
	ShortCircuit bool

	// PipelineErr is the error that aborted the item pipeline, if any.
	PipelineErr error
}

// Classify returns the terminal status for one item:
//
//	na        short-circuit triggered, regardless of fields
//	failed    pipeline aborted before any field was collected
//	completed every required field present and not NotFound
//	partial   anything else
func Classify(required []string, fields models.Fields, flags Flags) models.Status {
	if flags.ShortCircuit {
		return models.StatusNA
	}
	if flags.PipelineErr != nil && fields.Collected() == 0 {
		return models.StatusFailed
	}
	if Present(required, fields) == len(required) {
		return models.StatusCompleted
	}
	return models.StatusPartial
}

// Present counts the required fields holding a real value.
func Present(required []string, fields models.Fields) int {
	n := 0
	for _, name := range required {
		if fields.Has(name) {
			n++
		}
	}
	return n
}
