// Package objective scores dose-volume histograms against clinical targets.
//
// Terms compare the smoothed histogram of a region with a target
// distribution and return a cost together with its exact gradient with
// respect to every registered derivative source of the histogram.
package objective

import (
	"errors"

	"rtplan/pkg/histogram"
)

// ErrGradientLength is returned when a gradient slice does not match the derivative sources
var ErrGradientLength = errors.New("gradient length does not match derivative sources")

// ErrInvalidTarget is returned for target descriptions that cannot form a distribution
var ErrInvalidTarget = errors.New("invalid target distribution")

// Term is one objective contribution evaluated per pyramid level
type Term interface {
	// Name identifies the term, usually by its structure
	Name() string

	Weight() float64
	SetWeight(w float64)

	// LevelCount returns the number of pyramid levels the term covers
	LevelCount() int

	// Histogram returns the histogram of level; callers bind its dose and
	// derivative sources
	Histogram(level int) (*histogram.Histogram, error)

	// Evaluate returns the cost at level and, when grad is non-nil, adds
	// the cost gradient for every derivative source into grad
	Evaluate(level int, grad []float64) (float64, error)
}
