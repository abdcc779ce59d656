package pkg

import (
	"errors"
	"fmt"

	"github.com/nlpodyssey/spago/pkg/ml/optimizers/gd"
	"github.com/nlpodyssey/spago/pkg/ml/optimizers/gd/adam"
	"github.com/nlpodyssey/spago/pkg/ml/optimizers/gd/sgd"
)

const (
	OptimizerAdam  = "adam"
	OptimizerAdamW = "adamw"
	OptimizerSGD   = "sgd"

	ValidationClassError   = "class_error"
	ValidationCrossEntropy = "cross_entropy"
)

var (
	ErrUnsupportedOptimizer        = errors.New("unsupported optimizer")
	ErrUnsupportedValidationMetric = errors.New("unsupported validation metric")
	ErrInvalidConfig               = errors.New("invalid training configuration")
)

// Config holds the training parameters of a Controller
type Config struct {
	Regression bool

	NumEpochs    int
	BatchSize    int
	LearningRate float64
	Optimizer    string
	WeightDecay  float64
	Momentum     float64
	GradientClip float64

	// Patience is the number of epochs without improvement after which training stops
	Patience  int
	Threshold float64

	// ValidationMetric selects the monitored metric of classification runs
	ValidationMetric   string
	ValidationFraction float64

	LRScheduler bool
	LRPatience  int
	LRFactor    float64
	MinLR       float64

	UseCheckpoints    bool
	CheckpointDir     string
	RetainBestWeights bool

	RndSeed uint64
}

func DefaultConfig() Config {
	return Config{
		NumEpochs:          100,
		BatchSize:          128,
		LearningRate:       1e-3,
		Optimizer:          OptimizerAdamW,
		WeightDecay:        1e-5,
		Momentum:           0.9,
		GradientClip:       2000.0,
		Patience:           40,
		Threshold:          1e-4,
		ValidationMetric:   ValidationClassError,
		ValidationFraction: 0.2,
		LRPatience:         30,
		LRFactor:           0.2,
		MinLR:              2e-5,
		UseCheckpoints:     true,
		CheckpointDir:      "checkpoints",
		RndSeed:            42,
	}
}

func (c Config) Validate() error {
	switch c.Optimizer {
	case OptimizerAdam, OptimizerAdamW, OptimizerSGD:
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedOptimizer, c.Optimizer)
	}
	if !c.Regression {
		switch c.ValidationMetric {
		case ValidationClassError, ValidationCrossEntropy:
		default:
			return fmt.Errorf("%w: %q", ErrUnsupportedValidationMetric, c.ValidationMetric)
		}
	}
	switch {
	case c.NumEpochs < 1:
		return fmt.Errorf("%w: number of epochs %d", ErrInvalidConfig, c.NumEpochs)
	case c.BatchSize < 1:
		return fmt.Errorf("%w: batch size %d", ErrInvalidConfig, c.BatchSize)
	case c.Patience < 1:
		return fmt.Errorf("%w: patience %d", ErrInvalidConfig, c.Patience)
	case c.ValidationFraction <= 0 || c.ValidationFraction >= 1:
		return fmt.Errorf("%w: validation fraction %.3f", ErrInvalidConfig, c.ValidationFraction)
	case c.LearningRate <= 0:
		return fmt.Errorf("%w: learning rate %f", ErrInvalidConfig, c.LearningRate)
	case c.LRScheduler && (c.LRFactor <= 0 || c.LRFactor >= 1 || c.LRPatience < 0):
		return fmt.Errorf("%w: scheduler factor %.3f patience %d", ErrInvalidConfig, c.LRFactor, c.LRPatience)
	case c.UseCheckpoints && c.CheckpointDir == "":
		return fmt.Errorf("%w: checkpoints enabled without a checkpoint directory", ErrInvalidConfig)
	}
	return nil
}

// Monitor returns the name of the monitored metric and whether lower values are better
func (c Config) Monitor() (string, bool) {
	if c.Regression || c.ValidationMetric == ValidationCrossEntropy {
		return MetricValidLoss, true
	}
	return MetricValidAcc, false
}

func (c Config) updater(learningRate float64) gd.Method {
	switch c.Optimizer {
	case OptimizerSGD:
		return sgd.New(sgd.NewConfig(learningRate, c.Momentum, false))
	case OptimizerAdam:
		updaterConfig := adam.NewDefaultConfig()
		updaterConfig.StepSize = learningRate
		return adam.New(updaterConfig)
	default:
		updaterConfig := adam.NewDefaultConfig()
		updaterConfig.StepSize = learningRate
		updaterConfig.Lambda = c.WeightDecay
		return adam.New(updaterConfig)
	}
}
