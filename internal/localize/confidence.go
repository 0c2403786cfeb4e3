package localize

import (
	"errors"
	"fmt"
)

// ErrLowConfidence is returned when the service's confidence is below the
// configured threshold.
var ErrLowConfidence = errors.New("confidence below threshold")

// ConfidenceFilter rejects estimates the service is not sure enough about.
type ConfidenceFilter struct {
	Enabled   bool
	Threshold float64
}

// Check returns ErrLowConfidence if the filter is enabled and confidence is
// present and below the threshold. A missing confidence passes.
func (f ConfidenceFilter) Check(confidence *float64) error {
	if !f.Enabled || confidence == nil {
		return nil
	}
	if *confidence < f.Threshold {
		return fmt.Errorf("%w: %.3f < %.3f", ErrLowConfidence, *confidence, f.Threshold)
	}
	return nil
}
