package pkg

import (
	"math"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// StopReason tells the run loop why training ended
type StopReason int

const (
	StopNone StopReason = iota
	StopPatienceExhausted
)

func (r StopReason) String() string {
	switch r {
	case StopPatienceExhausted:
		return "patience exhausted"
	default:
		return "none"
	}
}

// EarlyStopping tracks the monitored metric and ends training once it failed to improve for
// Patience consecutive epochs. Its progress lives in a TrainingState.
type EarlyStopping struct {
	Monitor       string
	LowerIsBetter bool
	Patience      int
	// Threshold is the relative margin a score must beat the best score by
	Threshold float64
}

func (e EarlyStopping) initialScore() float64 {
	if e.LowerIsBetter {
		return math.Inf(1)
	}
	return math.Inf(-1)
}

// IsImproved compares score against best. NaN and ties never improve.
func (e EarlyStopping) IsImproved(score, best float64) bool {
	if math.IsNaN(score) {
		return false
	}
	if math.IsInf(best, 0) {
		if e.LowerIsBetter {
			return score < best
		}
		return score > best
	}
	margin := math.Abs(best) * e.Threshold
	if e.LowerIsBetter {
		return score < best-margin
	}
	return score > best+margin
}

// Evaluate scores one epoch. It reports whether the epoch improved and whether training
// must stop.
func (e EarlyStopping) Evaluate(state *TrainingState, epoch int, score float64) (bool, StopReason) {
	if !e.IsImproved(score, state.BestScore) {
		state.Misses++
		if state.Misses >= e.Patience {
			return false, StopPatienceExhausted
		}
		return false, StopNone
	}
	state.Misses = 0
	state.BestScore = score
	state.BestEpoch = epoch
	return true, StopNone
}

// PlateauScheduler shrinks the learning rate by Factor once valid_loss stopped improving for
// more than Patience epochs, never going below MinLR.
type PlateauScheduler struct {
	Factor    float64
	Patience  int
	MinLR     float64
	Threshold float64

	best      float64
	badEpochs int
}

func NewPlateauScheduler(factor float64, patience int, minLR, threshold float64) *PlateauScheduler {
	return &PlateauScheduler{
		Factor:    factor,
		Patience:  patience,
		MinLR:     minLR,
		Threshold: threshold,
		best:      math.Inf(1),
	}
}

// minimum change of the learning rate that is applied
const lrEpsilon = 1e-8

// Step records metric and returns the learning rate for the next epoch
func (s *PlateauScheduler) Step(metric, lr float64) float64 {
	if !math.IsNaN(metric) && metric < s.best*(1-s.Threshold) {
		s.best = metric
		s.badEpochs = 0
	} else {
		s.badEpochs++
	}
	if s.badEpochs <= s.Patience {
		return lr
	}
	s.badEpochs = 0
	newLR := math.Max(lr*s.Factor, s.MinLR)
	if lr-newLR > lrEpsilon {
		return newLR
	}
	return lr
}

// MetricSink receives the per-epoch metrics of a training run
type MetricSink interface {
	LogMetric(name string, value float64)
}

// LogSink writes metrics as zerolog events
type LogSink struct {
	Logger zerolog.Logger
}

func (s LogSink) LogMetric(name string, value float64) {
	s.Logger.Debug().Str("Metric", name).Float64("Value", value).Msg("")
}

// MemorySink keeps every logged value, in order, per metric name
type MemorySink struct {
	mu     sync.Mutex
	values map[string][]float64
}

func NewMemorySink() *MemorySink {
	return &MemorySink{values: map[string][]float64{}}
}

func (s *MemorySink) LogMetric(name string, value float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[name] = append(s.values[name], value)
}

func (s *MemorySink) Values(name string) []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]float64(nil), s.values[name]...)
}

func (s *MemorySink) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.values))
	for name := range s.values {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
