package pkg

import (
	"math"
	"time"
)

const (
	MetricTrainLoss      = "train_loss"
	MetricValidLoss      = "valid_loss"
	MetricValidAcc       = "valid_acc"
	MetricTrainAccuracy  = "train_accuracy"
	MetricConstantValMSE = "constant_val_mse"
	MetricLearningRate   = "lr"
	MetricLogLR          = "log_lr"
)

// EpochRecord holds the metrics of one training epoch. Epochs are numbered from 1.
type EpochRecord struct {
	Epoch     int
	TrainLoss float64
	ValidLoss float64
	ValidAcc  float64

	// TrainAccuracy is only scored for classification
	TrainAccuracy float64
	// ConstantValMSE is only scored for regression
	ConstantValMSE float64

	LearningRate float64
	Improved     bool
	Duration     time.Duration
}

// Metric returns the value of a named metric, NaN when the record has no such metric
func (r EpochRecord) Metric(name string) float64 {
	switch name {
	case MetricTrainLoss:
		return r.TrainLoss
	case MetricValidLoss:
		return r.ValidLoss
	case MetricValidAcc:
		return r.ValidAcc
	case MetricTrainAccuracy:
		return r.TrainAccuracy
	case MetricConstantValMSE:
		return r.ConstantValMSE
	case MetricLearningRate:
		return r.LearningRate
	}
	return math.NaN()
}

type History []EpochRecord

func (h History) Last() (EpochRecord, bool) {
	if len(h) == 0 {
		return EpochRecord{}, false
	}
	return h[len(h)-1], true
}

func (h History) Values(name string) []float64 {
	values := make([]float64, len(h))
	for i, record := range h {
		values[i] = record.Metric(name)
	}
	return values
}

// allNonFinite reports whether every value is NaN or infinite
func allNonFinite(values []float64) bool {
	for _, v := range values {
		if isFinite(v) {
			return false
		}
	}
	return true
}

// beatsBaseline reports whether a finite validation loss was ever at most the
// constant-prediction baseline of the same epoch
func (h History) beatsBaseline() bool {
	for _, record := range h {
		if isFinite(record.ValidLoss) && record.ValidLoss <= record.ConstantValMSE {
			return true
		}
	}
	return false
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
