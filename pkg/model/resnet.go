package model

import (
	"fmt"
	"strings"

	"github.com/nlpodyssey/spago/pkg/mat/rand"
	"github.com/nlpodyssey/spago/pkg/ml/ag"
	"github.com/nlpodyssey/spago/pkg/ml/initializers"
	"github.com/nlpodyssey/spago/pkg/ml/nn"
	"github.com/nlpodyssey/spago/pkg/ml/nn/linear"
	"github.com/nlpodyssey/spago/pkg/ml/nn/normalization/batchnorm"
	"github.com/nlpodyssey/spago/pkg/ml/nn/normalization/layernorm"

	"tabkit/pkg/encoding"
)

var _ Network = &ResNet{}

const (
	BatchNorm = "batchnorm"
	LayerNorm = "layernorm"
)

// BatchMomentum is the running statistics momentum of the batch normalization layers
const BatchMomentum = 0.9

// ResNetConfig describes the residual network of
// "Revisiting Deep Learning Models for Tabular Data" - https://arxiv.org/abs/2106.11959
type ResNetConfig struct {
	D               int
	DHiddenFactor   float64
	NumLayers       int
	Activation      string
	Normalization   string
	HiddenDropout   float64
	ResidualDropout float64
	DEmbedding      int
}

func DefaultResNetConfig() ResNetConfig {
	return ResNetConfig{
		D:             64,
		DHiddenFactor: 2,
		NumLayers:     2,
		Activation:    "relu",
		Normalization: BatchNorm,
		DEmbedding:    8,
	}
}

func (c ResNetConfig) Kind() string {
	return KindResNet
}

func (c ResNetConfig) glu() bool {
	return strings.HasSuffix(c.Activation, "glu")
}

func (c ResNetConfig) validate(spec TaskSpec) error {
	switch c.Activation {
	case "relu", "reglu", "sigmoid", "tanh":
	default:
		return fmt.Errorf("resnet: unsupported activation %q", c.Activation)
	}
	switch c.Normalization {
	case BatchNorm, LayerNorm:
	default:
		return fmt.Errorf("resnet: unsupported normalization %q", c.Normalization)
	}
	if c.D < 1 || int(float64(c.D)*c.DHiddenFactor) < 1 {
		return fmt.Errorf("resnet: invalid width %d with hidden factor %.2f", c.D, c.DHiddenFactor)
	}
	if spec.NumCategorical() > 0 && c.DEmbedding < 1 {
		return fmt.Errorf("resnet: embedding dimension must be positive with %d categorical columns", spec.NumCategorical())
	}
	return nil
}

func (c ResNetConfig) Finalize(spec TaskSpec, generator *rand.LockedRand) (Network, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if err := c.validate(spec); err != nil {
		return nil, err
	}
	embeddings, err := NewEmbeddingTable(spec, c.DEmbedding)
	if err != nil {
		return nil, err
	}

	dHidden := int(float64(c.D) * c.DHiddenFactor)
	dHiddenOut := dHidden
	if c.glu() {
		dHiddenOut *= 2
	}
	blocks := make([]*ResidualBlock, c.NumLayers)
	for i := range blocks {
		blocks[i] = &ResidualBlock{
			Norm:    newNormalization(c.Normalization, c.D),
			Linear0: linear.New(c.D, dHiddenOut),
			Linear1: linear.New(dHidden, c.D),
		}
	}

	m := &ResNet{
		ResNetConfig:      c,
		Task:              spec,
		Embeddings:        embeddings,
		FirstLayer:        linear.New(spec.InputDimension(c.DEmbedding), c.D),
		Blocks:            blocks,
		LastNormalization: newNormalization(c.Normalization, c.D),
		Head:              linear.New(c.D, spec.DOut),
	}
	m.Init(generator)
	return m, nil
}

// Normalization is either a batch or a layer normalization of the residual stream
type Normalization struct {
	BatchNorm *batchnorm.Model
	LayerNorm *layernorm.Model
}

func newNormalization(kind string, size int) *Normalization {
	if kind == LayerNorm {
		ln := layernorm.New(size)
		ones := make([]float64, size)
		for i := range ones {
			ones[i] = 1
		}
		setData(ln.W.Value(), ones)
		return &Normalization{LayerNorm: ln}
	}
	return &Normalization{BatchNorm: batchnorm.NewWithMomentum(size, BatchMomentum)}
}

func (n *Normalization) params() []*nn.Param {
	if n.LayerNorm != nil {
		return []*nn.Param{n.LayerNorm.W, n.LayerNorm.B}
	}
	return []*nn.Param{n.BatchNorm.W, n.BatchNorm.B}
}

func (n *Normalization) stateParams() []*nn.Param {
	if n.LayerNorm != nil {
		return n.params()
	}
	return append(n.params(), n.BatchNorm.Mean, n.BatchNorm.StdDev)
}

func (n *Normalization) newProc(ctx nn.Context) nn.Processor {
	if n.LayerNorm != nil {
		return n.LayerNorm.NewProc(ctx)
	}
	return n.BatchNorm.NewProc(ctx)
}

type ResidualBlock struct {
	Norm    *Normalization
	Linear0 *linear.Model
	Linear1 *linear.Model
}

type ResNet struct {
	ResNetConfig
	Task              TaskSpec
	Embeddings        *EmbeddingTable
	FirstLayer        *linear.Model
	Blocks            []*ResidualBlock
	LastNormalization *Normalization
	Head              *linear.Model
}

func (m *ResNet) Init(generator *rand.LockedRand) {
	m.Embeddings.Init(generator)
	gain := initializers.Gain(ag.OpReLU)
	initLinear(m.FirstLayer, gain, generator)
	for _, b := range m.Blocks {
		initLinear(b.Linear0, gain, generator)
		initLinear(b.Linear1, gain, generator)
	}
	initLinear(m.Head, initializers.Gain(ag.OpIdentity), generator)
}

func (m *ResNet) Spec() TaskSpec {
	return m.Task
}

func (m *ResNet) Params() []*nn.Param {
	return m.collect((*Normalization).params)
}

func (m *ResNet) StateParams() []*nn.Param {
	return m.collect((*Normalization).stateParams)
}

func (m *ResNet) collect(normParams func(*Normalization) []*nn.Param) []*nn.Param {
	params := append([]*nn.Param(nil), m.Embeddings.Params()...)
	params = append(params, linearParams(m.FirstLayer)...)
	for _, b := range m.Blocks {
		params = append(params, normParams(b.Norm)...)
		params = append(params, linearParams(b.Linear0, b.Linear1)...)
	}
	params = append(params, normParams(m.LastNormalization)...)
	return append(params, linearParams(m.Head)...)
}

func (m *ResNet) NewProc(ctx nn.Context) Processor {
	blocks := make([]blockProcessor, len(m.Blocks))
	for i, b := range m.Blocks {
		blocks[i] = blockProcessor{
			norm:    b.Norm.newProc(ctx),
			linear0: b.Linear0.NewProc(ctx),
			linear1: b.Linear1.NewProc(ctx),
		}
	}
	return &resNetProcessor{
		model:    m,
		graph:    ctx.Graph,
		mode:     ctx.Mode,
		first:    m.FirstLayer.NewProc(ctx),
		blocks:   blocks,
		lastNorm: m.LastNormalization.newProc(ctx),
		head:     m.Head.NewProc(ctx),
	}
}

type blockProcessor struct {
	norm    nn.Processor
	linear0 nn.Processor
	linear1 nn.Processor
}

type resNetProcessor struct {
	model    *ResNet
	graph    *ag.Graph
	mode     nn.ProcessingMode
	first    nn.Processor
	blocks   []blockProcessor
	lastNorm nn.Processor
	head     nn.Processor
}

func (p *resNetProcessor) Forward(batch encoding.Batch) []ag.Node {
	if len(batch) == 0 {
		return nil
	}
	g := p.graph
	cfg := p.model.ResNetConfig
	xs := p.first.Forward(p.model.Embeddings.Input(g, batch)...)
	for _, block := range p.blocks {
		z := block.norm.Forward(xs...)
		z = block.linear0.Forward(z...)
		for i := range z {
			z[i] = p.activation(z[i])
		}
		z = dropout(g, p.mode, cfg.HiddenDropout, z)
		z = block.linear1.Forward(z...)
		z = dropout(g, p.mode, cfg.ResidualDropout, z)
		for i := range xs {
			xs[i] = g.Add(xs[i], z[i])
		}
	}
	xs = p.lastNorm.Forward(xs...)
	for i := range xs {
		xs[i] = p.lastActivation(xs[i])
	}
	return p.head.Forward(xs...)
}

func (p *resNetProcessor) activation(x ag.Node) ag.Node {
	g := p.graph
	switch p.model.Activation {
	case "reglu":
		half := x.Value().Rows() / 2
		value := g.View(x, 0, 0, half, 1)
		gate := g.View(x, half, 0, half, 1)
		return g.Prod(value, g.ReLU(gate))
	case "sigmoid":
		return g.Sigmoid(x)
	case "tanh":
		return g.Tanh(x)
	default:
		return g.ReLU(x)
	}
}

// lastActivation is the activation applied before the head; glu variants fall back to relu
func (p *resNetProcessor) lastActivation(x ag.Node) ag.Node {
	if p.model.glu() {
		return p.graph.ReLU(x)
	}
	return p.activation(x)
}
