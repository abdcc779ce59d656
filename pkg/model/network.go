package model

import (
	"errors"
	"fmt"

	"github.com/nlpodyssey/spago/pkg/mat"
	"github.com/nlpodyssey/spago/pkg/mat/rand"
	"github.com/nlpodyssey/spago/pkg/ml/ag"
	"github.com/nlpodyssey/spago/pkg/ml/initializers"
	"github.com/nlpodyssey/spago/pkg/ml/nn"
	"github.com/nlpodyssey/spago/pkg/ml/nn/linear"

	"tabkit/pkg/encoding"
)

var ErrStateMismatch = errors.New("weights do not match network")

// Architecture is an unfinalized network description. Finalize turns it into a concrete
// network once the task shape is known.
type Architecture interface {
	Kind() string
	Finalize(spec TaskSpec, generator *rand.LockedRand) (Network, error)
}

// Network is a finalized model whose parameter shapes never change
type Network interface {
	Spec() TaskSpec

	// Params returns the trainable parameters
	Params() []*nn.Param

	// StateParams returns every parameter that is part of the persisted state, including
	// running statistics that are not trained by gradient descent
	StateParams() []*nn.Param

	NewProc(ctx nn.Context) Processor
}

// Processor runs a network on a graph
type Processor interface {
	// Forward returns one output node per row: a scalar for regression, class logits otherwise
	Forward(batch encoding.Batch) []ag.Node
}

// State is a snapshot of network weights, one slice per state parameter
type State [][]float64

func SaveState(n Network) State {
	params := n.StateParams()
	state := make(State, len(params))
	for i, param := range params {
		state[i] = append([]float64(nil), param.Value().Data()...)
	}
	return state
}

func LoadState(n Network, state State) error {
	params := n.StateParams()
	if len(params) != len(state) {
		return fmt.Errorf("%w: %d parameters, %d saved", ErrStateMismatch, len(params), len(state))
	}
	for i, param := range params {
		value := param.Value()
		if value.Rows()*value.Columns() != len(state[i]) {
			return fmt.Errorf("%w: parameter %d has %d values, %d saved", ErrStateMismatch, i,
				value.Rows()*value.Columns(), len(state[i]))
		}
	}
	for i, param := range params {
		setData(param.Value(), state[i])
	}
	return nil
}

// ArchitectureConfig is the serializable form of an Architecture
type ArchitectureConfig struct {
	Kind   string
	MLP    MLPConfig
	ResNet ResNetConfig
}

const (
	KindMLP    = "mlp"
	KindResNet = "resnet"
)

func (c ArchitectureConfig) Architecture() (Architecture, error) {
	switch c.Kind {
	case KindMLP:
		return c.MLP, nil
	case KindResNet:
		return c.ResNet, nil
	default:
		return nil, fmt.Errorf("unknown architecture %q", c.Kind)
	}
}

// NewArchitectureConfig returns the serializable form of arch
func NewArchitectureConfig(arch Architecture) (ArchitectureConfig, error) {
	switch a := arch.(type) {
	case MLPConfig:
		return ArchitectureConfig{Kind: KindMLP, MLP: a}, nil
	case ResNetConfig:
		return ArchitectureConfig{Kind: KindResNet, ResNet: a}, nil
	default:
		return ArchitectureConfig{}, fmt.Errorf("architecture %q cannot be persisted", arch.Kind())
	}
}

func setData(m mat.Matrix, data []float64) {
	columns := m.Columns()
	for i, v := range data {
		m.Set(i/columns, i%columns, v)
	}
}

func initLinear(l *linear.Model, gain float64, generator *rand.LockedRand) {
	initializers.XavierUniform(l.W.Value(), gain, generator)
}

func linearParams(layers ...*linear.Model) []*nn.Param {
	result := make([]*nn.Param, 0, 2*len(layers))
	for _, l := range layers {
		result = append(result, l.W, l.B)
	}
	return result
}

func dropout(g *ag.Graph, mode nn.ProcessingMode, p float64, xs []ag.Node) []ag.Node {
	if p <= 0 || mode != nn.Training {
		return xs
	}
	out := make([]ag.Node, len(xs))
	for i, x := range xs {
		out[i] = g.Dropout(x, p)
	}
	return out
}
