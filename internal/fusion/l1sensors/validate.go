package l1sensors

import (
	"fmt"

	"go.uber.org/multierr"
)

// ValidateBoxes returns the boxes that pass Validate. Every rejected box
// contributes one diagnostic to the combined error; callers log it and
// continue with the valid subset.
func ValidateBoxes(boxes []BoundingBox2D) ([]BoundingBox2D, error) {
	valid := make([]BoundingBox2D, 0, len(boxes))
	var errs error
	for i, b := range boxes {
		if err := b.Validate(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("bbox %d: %w", i, err))
			continue
		}
		valid = append(valid, b)
	}
	return valid, errs
}

// CleanPoints drops non-finite points. Large clouds commonly carry a
// handful of invalid returns, so the diagnostic reports a count rather
// than one error per point.
func CleanPoints(points []Point) ([]Point, error) {
	dropped := 0
	var first error
	for _, p := range points {
		if err := p.Validate(); err != nil {
			if first == nil {
				first = err
			}
			dropped++
		}
	}
	if dropped == 0 {
		return points, nil
	}

	valid := make([]Point, 0, len(points)-dropped)
	for _, p := range points {
		if p.Validate() == nil {
			valid = append(valid, p)
		}
	}
	return valid, fmt.Errorf("dropped %d of %d points: %w", dropped, len(points), first)
}

// Errors splits a combined validation error into its diagnostics.
func Errors(err error) []error {
	return multierr.Errors(err)
}
