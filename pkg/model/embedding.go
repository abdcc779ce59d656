package model

import (
	"math"

	"github.com/nlpodyssey/spago/pkg/mat"
	"github.com/nlpodyssey/spago/pkg/mat/rand"
	"github.com/nlpodyssey/spago/pkg/ml/ag"
	"github.com/nlpodyssey/spago/pkg/ml/initializers"
	"github.com/nlpodyssey/spago/pkg/ml/nn"

	"tabkit/pkg/encoding"
)

// EmbeddingTable is a single flat table serving every categorical column. Column c uses the
// rows starting at its offset; the last row of each column is the unknown category.
type EmbeddingTable struct {
	Dimension   int
	Rows        []*nn.Param
	UnknownRows []int
}

func NewEmbeddingTable(spec TaskSpec, dimension int) (*EmbeddingTable, error) {
	encoder, err := spec.Encoder()
	if err != nil {
		return nil, err
	}
	rows := make([]*nn.Param, encoder.EmbeddingRows())
	for i := range rows {
		rows[i] = nn.NewParam(mat.NewEmptyVecDense(dimension))
	}
	unknown := make([]int, encoder.NumCategorical())
	for column := range unknown {
		unknown[column] = encoder.UnknownRow(column)
	}
	return &EmbeddingTable{
		Dimension:   dimension,
		Rows:        rows,
		UnknownRows: unknown,
	}, nil
}

// Init draws every row uniformly from [-1/sqrt(d), 1/sqrt(d)] and zeroes the unknown rows
func (t *EmbeddingTable) Init(generator *rand.LockedRand) {
	if t.Dimension == 0 {
		return
	}
	bound := 1.0 / math.Sqrt(float64(t.Dimension))
	for _, row := range t.Rows {
		initializers.Uniform(row.Value(), -bound, bound, generator)
	}
	zeros := make([]float64, t.Dimension)
	for _, index := range t.UnknownRows {
		setData(t.Rows[index].Value(), zeros)
	}
}

func (t *EmbeddingTable) Params() []*nn.Param {
	return t.Rows
}

// Input builds one input node per row: the numeric values followed by the embeddings of
// the categorical columns.
func (t *EmbeddingTable) Input(g *ag.Graph, batch encoding.Batch) []ag.Node {
	input := make([]ag.Node, len(batch))
	for i, row := range batch {
		parts := make([]ag.Node, 0, 1+len(row.Embeddings))
		if len(row.Numeric) > 0 {
			parts = append(parts, g.NewVariable(mat.NewVecDense(row.Numeric), false))
		}
		for _, index := range row.Embeddings {
			parts = append(parts, g.NewWrap(t.Rows[index]))
		}
		if len(parts) == 1 {
			input[i] = parts[0]
			continue
		}
		input[i] = g.Concat(parts...)
	}
	return input
}

// Vector returns a copy of an embedding row
func (t *EmbeddingTable) Vector(index int) []float64 {
	return append([]float64(nil), t.Rows[index].Value().Data()...)
}
