package planner

import "errors"

// Validation errors. Each is returned wrapped with detail about the offending
// value; use errors.Is or IsValidation to classify.
var (
	ErrNoClips           = errors.New("at least one clip is required")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrSpeedControl      = errors.New("exactly one of target duration or speed factor is required")
	ErrInvalidSpeed      = errors.New("invalid speed parameters")
	ErrInvalidZoom       = errors.New("invalid zoom parameters")
	ErrInvalidTrim       = errors.New("invalid trim parameters")
	ErrInvalidConfig     = errors.New("invalid render config")
)

// ErrGraph is returned when a filter graph would be malformed (unknown or
// reused pad labels, mismatched stream kinds).
var ErrGraph = errors.New("malformed filter graph")

var validationErrors = []error{
	ErrNoClips,
	ErrInvalidTransition,
	ErrSpeedControl,
	ErrInvalidSpeed,
	ErrInvalidZoom,
	ErrInvalidTrim,
}

// IsValidation reports whether err was caused by bad request input, as
// opposed to a bad config or an internal graph error.
func IsValidation(err error) bool {
	for _, target := range validationErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
