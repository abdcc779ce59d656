package pkg

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"tabkit/pkg/encoding"
	"tabkit/pkg/model"
)

var (
	ErrNonDenseLabels = errors.New("classification labels are not a dense zero-based range")
	ErrInvalidData    = errors.New("invalid training data")
)

// TaskData is a raw training task. Categorical columns of X hold integer codes, -1 marks a
// missing value.
type TaskData struct {
	X [][]float64
	Y []float64

	// CategoricalIndicator marks the categorical columns of X. When nil it is derived from
	// CategoricalColumns.
	CategoricalIndicator []bool
	CategoricalColumns   []int

	// Cardinalities optionally fixes the number of categories of every categorical column,
	// unknown slot included. When nil it is inferred from X.
	Cardinalities []int

	// NumClasses optionally fixes the number of classes of a classification task
	NumClasses int
}

// InitializeShape derives the task shape from the training data. It must run before the
// network is finalized.
func InitializeShape(data TaskData, regression bool) (model.TaskSpec, error) {
	if len(data.X) == 0 {
		return model.TaskSpec{}, fmt.Errorf("%w: no rows", ErrInvalidData)
	}
	numColumns := len(data.X[0])
	for i, row := range data.X {
		if len(row) != numColumns {
			return model.TaskSpec{}, fmt.Errorf("%w: row %d has %d columns, expected %d", ErrInvalidData,
				i, len(row), numColumns)
		}
	}

	indicator, err := categoricalIndicator(data, numColumns)
	if err != nil {
		return model.TaskSpec{}, err
	}

	cardinalities := data.Cardinalities
	if cardinalities == nil {
		cardinalities = inferCardinalities(data.X, indicator)
	}

	numCategorical := 0
	for _, isCategorical := range indicator {
		if isCategorical {
			numCategorical++
		}
	}

	dOut := 1
	if !regression {
		dOut, err = outputDimension(data)
		if err != nil {
			return model.TaskSpec{}, err
		}
	}

	spec := model.TaskSpec{
		DIn:                  numColumns - numCategorical,
		CategoricalIndicator: indicator,
		Cardinalities:        append([]int(nil), cardinalities...),
		Regression:           regression,
		DOut:                 dOut,
	}
	if err := spec.Validate(); err != nil {
		return model.TaskSpec{}, err
	}
	return spec, nil
}

func categoricalIndicator(data TaskData, numColumns int) ([]bool, error) {
	if data.CategoricalIndicator != nil {
		if len(data.CategoricalIndicator) != numColumns {
			return nil, fmt.Errorf("%w: categorical indicator has %d entries for %d columns", ErrInvalidData,
				len(data.CategoricalIndicator), numColumns)
		}
		return append([]bool(nil), data.CategoricalIndicator...), nil
	}
	indicator := make([]bool, numColumns)
	for _, column := range data.CategoricalColumns {
		if column < 0 || column >= numColumns {
			return nil, fmt.Errorf("%w: categorical column %d out of range", ErrInvalidData, column)
		}
		indicator[column] = true
	}
	return indicator, nil
}

// inferCardinalities counts the distinct codes of every categorical column and adds one
// slot for unknown categories.
func inferCardinalities(x [][]float64, indicator []bool) []int {
	var cardinalities []int
	for column, isCategorical := range indicator {
		if !isCategorical {
			continue
		}
		distinct := map[float64]bool{}
		for _, row := range x {
			if row[column] != encoding.MissingCode {
				distinct[row[column]] = true
			}
		}
		cardinalities = append(cardinalities, len(distinct)+1)
	}
	return cardinalities
}

func outputDimension(data TaskData) (int, error) {
	if len(data.Y) == 0 {
		return 0, fmt.Errorf("%w: no labels", ErrInvalidData)
	}
	if data.NumClasses > 0 {
		for _, label := range data.Y {
			if label < 0 || label >= float64(data.NumClasses) || label != math.Trunc(label) {
				return 0, fmt.Errorf("%w: label %v outside of %d classes", ErrInvalidData, label, data.NumClasses)
			}
		}
		return data.NumClasses, nil
	}

	distinct := map[float64]bool{}
	for _, label := range data.Y {
		if label < 0 || label != math.Trunc(label) {
			return 0, fmt.Errorf("%w: label %v", ErrNonDenseLabels, label)
		}
		distinct[label] = true
	}
	maxLabel := floats.Max(data.Y)
	if int(maxLabel)+1 != len(distinct) {
		return 0, fmt.Errorf("%w: %d distinct labels with maximum %v", ErrNonDenseLabels, len(distinct), maxLabel)
	}
	return len(distinct), nil
}
