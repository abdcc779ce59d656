package model

import (
	"errors"
	"fmt"

	"tabkit/pkg/encoding"
)

var ErrInvalidTaskSpec = errors.New("invalid task spec")

// TaskSpec holds the shape of a training task. It is built once from the training data
// and must not change after a network has been finalized with it.
type TaskSpec struct {
	// DIn is the number of numeric (non-categorical) input columns
	DIn int

	// CategoricalIndicator has one entry per raw column, true marks a categorical column
	CategoricalIndicator []bool

	// Cardinalities has one entry per categorical column, including the unknown slot
	Cardinalities []int

	Regression bool

	// DOut is the number of classes, or 1 for regression
	DOut int
}

func (s TaskSpec) NumColumns() int {
	return len(s.CategoricalIndicator)
}

func (s TaskSpec) NumCategorical() int {
	return len(s.Cardinalities)
}

// Validate checks that the shape fields agree with each other
func (s TaskSpec) Validate() error {
	numCategorical := 0
	for _, isCategorical := range s.CategoricalIndicator {
		if isCategorical {
			numCategorical++
		}
	}
	switch {
	case len(s.CategoricalIndicator) == 0:
		return fmt.Errorf("%w: no input columns", ErrInvalidTaskSpec)
	case numCategorical != len(s.Cardinalities):
		return fmt.Errorf("%w: %d categorical columns but %d cardinalities", ErrInvalidTaskSpec,
			numCategorical, len(s.Cardinalities))
	case s.DIn != len(s.CategoricalIndicator)-numCategorical:
		return fmt.Errorf("%w: numeric width %d does not match %d columns with %d categorical", ErrInvalidTaskSpec,
			s.DIn, len(s.CategoricalIndicator), numCategorical)
	case s.DOut < 1:
		return fmt.Errorf("%w: output width %d", ErrInvalidTaskSpec, s.DOut)
	case s.Regression && s.DOut != 1:
		return fmt.Errorf("%w: regression output width must be 1, got %d", ErrInvalidTaskSpec, s.DOut)
	}
	for i, cardinality := range s.Cardinalities {
		if cardinality < 1 {
			return fmt.Errorf("%w: cardinality %d for categorical column %d", ErrInvalidTaskSpec, cardinality, i)
		}
	}
	return nil
}

// Encoder returns the feature encoder matching this spec
func (s TaskSpec) Encoder() (*encoding.Encoder, error) {
	return encoding.New(s.CategoricalIndicator, s.Cardinalities)
}

// InputDimension is the width of an encoded row: the numeric columns followed by one
// embedding per categorical column.
func (s TaskSpec) InputDimension(embeddingDimension int) int {
	return s.DIn + embeddingDimension*s.NumCategorical()
}
