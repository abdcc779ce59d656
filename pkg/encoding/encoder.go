// Package encoding splits raw tabular rows into numeric values and embedding table
// row indices.
package encoding

import (
	"errors"
	"fmt"
)

// MissingCode marks a categorical value that was absent in the source data.
const MissingCode = -1

var (
	ErrIndicatorMismatch = errors.New("categorical indicator does not match cardinalities")
	ErrRowWidth          = errors.New("row width does not match categorical indicator")
)

// Row is a single encoded example
type Row struct {
	// Numeric contains the values of the non-categorical columns, in column order
	Numeric []float64

	// Embeddings contains the flat embedding table row of every categorical column
	Embeddings []int
}

// Batch is the encoded form of a set of rows. It is built per forward pass and never persisted.
type Batch []Row

// Encoder maps raw rows to Rows given a fixed categorical indicator
type Encoder struct {
	indicator     []bool
	cardinalities []int
	offsets       []int
	numNumeric    int
}

// New builds an Encoder. cardinalities holds one entry per true value of indicator,
// each including the unknown slot.
func New(indicator []bool, cardinalities []int) (*Encoder, error) {
	numCategorical := 0
	for _, isCategorical := range indicator {
		if isCategorical {
			numCategorical++
		}
	}
	if numCategorical != len(cardinalities) {
		return nil, fmt.Errorf("%w: %d categorical columns, %d cardinalities", ErrIndicatorMismatch,
			numCategorical, len(cardinalities))
	}

	offsets := make([]int, len(cardinalities))
	base := 0
	for i, cardinality := range cardinalities {
		if cardinality < 1 {
			return nil, fmt.Errorf("%w: cardinality %d of categorical column %d", ErrIndicatorMismatch, cardinality, i)
		}
		offsets[i] = base
		base += cardinality
	}

	return &Encoder{
		indicator:     append([]bool(nil), indicator...),
		cardinalities: append([]int(nil), cardinalities...),
		offsets:       offsets,
		numNumeric:    len(indicator) - numCategorical,
	}, nil
}

func (e *Encoder) NumNumeric() int {
	return e.numNumeric
}

func (e *Encoder) NumCategorical() int {
	return len(e.cardinalities)
}

// Offsets returns the first embedding row of every categorical column
func (e *Encoder) Offsets() []int {
	return append([]int(nil), e.offsets...)
}

// EmbeddingRows is the total number of embedding rows needed by all categorical columns
func (e *Encoder) EmbeddingRows() int {
	if len(e.cardinalities) == 0 {
		return 0
	}
	last := len(e.cardinalities) - 1
	return e.offsets[last] + e.cardinalities[last]
}

// UnknownRow returns the embedding row reserved for unknown values of a categorical column
func (e *Encoder) UnknownRow(column int) int {
	return e.offsets[column] + e.cardinalities[column] - 1
}

// Code normalizes a raw categorical value. The missing sentinel and any value outside
// [0, cardinality-1) end up in the unknown slot.
func (e *Encoder) Code(column int, value float64) int {
	code := int(value)
	unknown := e.cardinalities[column] - 1
	if code == MissingCode || code < 0 || code > unknown || float64(code) != value {
		return unknown
	}
	return code
}

// Split separates numeric and categorical columns of x
func (e *Encoder) Split(x [][]float64) ([][]float64, [][]int, error) {
	numeric := make([][]float64, len(x))
	categorical := make([][]int, len(x))
	for i, row := range x {
		if len(row) != len(e.indicator) {
			return nil, nil, fmt.Errorf("%w: row %d has %d columns, expected %d", ErrRowWidth, i, len(row), len(e.indicator))
		}
		numeric[i] = make([]float64, 0, e.numNumeric)
		categorical[i] = make([]int, 0, len(e.cardinalities))
		for j, value := range row {
			if e.indicator[j] {
				categorical[i] = append(categorical[i], e.Code(len(categorical[i]), value))
			} else {
				numeric[i] = append(numeric[i], value)
			}
		}
	}
	return numeric, categorical, nil
}

// Encode converts raw rows into a Batch
func (e *Encoder) Encode(x [][]float64) (Batch, error) {
	numeric, categorical, err := e.Split(x)
	if err != nil {
		return nil, err
	}
	batch := make(Batch, len(x))
	for i := range x {
		var row Row
		if e.numNumeric > 0 {
			row.Numeric = numeric[i]
		}
		if len(e.cardinalities) > 0 {
			row.Embeddings = make([]int, len(categorical[i]))
			for column, code := range categorical[i] {
				row.Embeddings[column] = e.offsets[column] + code
			}
		}
		batch[i] = row
	}
	return batch, nil
}
