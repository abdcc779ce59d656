package model

import (
	"fmt"

	"github.com/nlpodyssey/spago/pkg/mat/rand"
	"github.com/nlpodyssey/spago/pkg/ml/ag"
	"github.com/nlpodyssey/spago/pkg/ml/initializers"
	"github.com/nlpodyssey/spago/pkg/ml/nn"
	"github.com/nlpodyssey/spago/pkg/ml/nn/linear"

	"tabkit/pkg/encoding"
)

var _ Network = &MLP{}

type MLPConfig struct {
	// NumLayers is the number of hidden layers of width DLayers between the first and last layer
	NumLayers   int
	DLayers     int
	DFirstLayer int
	DLastLayer  int
	Dropout     float64
	DEmbedding  int
}

func DefaultMLPConfig() MLPConfig {
	return MLPConfig{
		NumLayers:   2,
		DLayers:     64,
		DFirstLayer: 64,
		DLastLayer:  64,
		DEmbedding:  8,
	}
}

func (c MLPConfig) Kind() string {
	return KindMLP
}

func (c MLPConfig) widths() []int {
	widths := []int{c.DFirstLayer}
	for i := 0; i < c.NumLayers; i++ {
		widths = append(widths, c.DLayers)
	}
	return append(widths, c.DLastLayer)
}

func (c MLPConfig) Finalize(spec TaskSpec, generator *rand.LockedRand) (Network, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if spec.NumCategorical() > 0 && c.DEmbedding < 1 {
		return nil, fmt.Errorf("mlp: embedding dimension must be positive with %d categorical columns", spec.NumCategorical())
	}
	embeddings, err := NewEmbeddingTable(spec, c.DEmbedding)
	if err != nil {
		return nil, err
	}

	in := spec.InputDimension(c.DEmbedding)
	layers := make([]*linear.Model, 0, c.NumLayers+2)
	for _, width := range c.widths() {
		if width < 1 {
			return nil, fmt.Errorf("mlp: invalid layer width %d", width)
		}
		layers = append(layers, linear.New(in, width))
		in = width
	}

	m := &MLP{
		MLPConfig:  c,
		Task:       spec,
		Embeddings: embeddings,
		Layers:     layers,
		Head:       linear.New(in, spec.DOut),
	}
	m.Init(generator)
	return m, nil
}

// MLP is a plain feed-forward network over the encoded features
type MLP struct {
	MLPConfig
	Task       TaskSpec
	Embeddings *EmbeddingTable
	Layers     []*linear.Model
	Head       *linear.Model
}

func (m *MLP) Init(generator *rand.LockedRand) {
	m.Embeddings.Init(generator)
	gain := initializers.Gain(ag.OpReLU)
	for _, l := range m.Layers {
		initLinear(l, gain, generator)
	}
	initLinear(m.Head, initializers.Gain(ag.OpIdentity), generator)
}

func (m *MLP) Spec() TaskSpec {
	return m.Task
}

func (m *MLP) Params() []*nn.Param {
	params := append([]*nn.Param(nil), m.Embeddings.Params()...)
	params = append(params, linearParams(m.Layers...)...)
	return append(params, linearParams(m.Head)...)
}

func (m *MLP) StateParams() []*nn.Param {
	return m.Params()
}

func (m *MLP) NewProc(ctx nn.Context) Processor {
	layers := make([]nn.Processor, len(m.Layers))
	for i, l := range m.Layers {
		layers[i] = l.NewProc(ctx)
	}
	return &mlpProcessor{
		model:  m,
		graph:  ctx.Graph,
		mode:   ctx.Mode,
		layers: layers,
		head:   m.Head.NewProc(ctx),
	}
}

type mlpProcessor struct {
	model  *MLP
	graph  *ag.Graph
	mode   nn.ProcessingMode
	layers []nn.Processor
	head   nn.Processor
}

func (p *mlpProcessor) Forward(batch encoding.Batch) []ag.Node {
	if len(batch) == 0 {
		return nil
	}
	g := p.graph
	xs := p.model.Embeddings.Input(g, batch)
	for _, layer := range p.layers {
		xs = layer.Forward(xs...)
		for i := range xs {
			xs[i] = g.ReLU(xs[i])
		}
		xs = dropout(g, p.mode, p.model.Dropout, xs)
	}
	return p.head.Forward(xs...)
}
