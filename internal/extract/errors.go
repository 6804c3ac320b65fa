package extract

import (
	"errors"
	"fmt"
)

var (
	// ErrParse is returned when a fragment holds no usable positive price.
	ErrParse = errors.New("extract: no positive price in fragment")
	// ErrNoCandidate is returned when no fragment on a page qualifies as the price.
	ErrNoCandidate = errors.New("extract: no price candidate on page")
	// ErrNoObservations is returned when every source failed and no manual price was given.
	ErrNoObservations = errors.New("extract: could not determine a price from any source")
)

// SourceError records why a single source contributed no observation.
type SourceError struct {
	SourceID string
	Err      error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("extract: source %q failed: %v", e.SourceID, e.Err)
}

func (e *SourceError) Unwrap() error { return e.Err }
