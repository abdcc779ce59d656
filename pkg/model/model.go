package model

import (
	"github.com/nlpodyssey/spago/pkg/mat/rand"
)

// Model is a trained network together with everything needed to run it on raw data
type Model struct {
	MetaData     *Metadata
	Spec         TaskSpec
	Architecture ArchitectureConfig
	Weights      State

	// PredictMean is set when the network never beat predicting TargetMean
	PredictMean bool
	TargetMean  float64
}

// Network rebuilds the finalized network and loads the trained weights into it
func (m *Model) Network() (Network, error) {
	arch, err := m.Architecture.Architecture()
	if err != nil {
		return nil, err
	}
	network, err := arch.Finalize(m.Spec, rand.NewLockedRand(0))
	if err != nil {
		return nil, err
	}
	if err := LoadState(network, m.Weights); err != nil {
		return nil, err
	}
	return network, nil
}
