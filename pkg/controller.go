package pkg

import (
	"context"
	"errors"
	"fmt"
	"math"
	mathrand "math/rand"
	"time"

	"github.com/nlpodyssey/spago/pkg/mat/rand"
	"github.com/nlpodyssey/spago/pkg/ml/ag"
	"github.com/nlpodyssey/spago/pkg/ml/losses"
	"github.com/nlpodyssey/spago/pkg/ml/nn"
	"github.com/nlpodyssey/spago/pkg/ml/optimizers/gd"
	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/stat"

	"tabkit/pkg/checkpoint"
	"tabkit/pkg/encoding"
	"tabkit/pkg/io"
	"tabkit/pkg/model"
)

var (
	ErrMissingCheckpoint      = errors.New("checkpoint of the best epoch is missing")
	ErrInconsistentCheckpoint = errors.New("no checkpoint was saved although a finite validation loss was reported")
	ErrNotFitted              = errors.New("controller is not fitted")
)

// State is the lifecycle stage of a Controller
type State int

const (
	Uninitialized State = iota
	Training
	Converged
	StoppedEarly
	Finalizing
	Done
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Training:
		return "training"
	case Converged:
		return "converged"
	case StoppedEarly:
		return "stopped early"
	case Finalizing:
		return "finalizing"
	case Done:
		return "done"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// TrainingState is the mutable progress of a single Fit
type TrainingState struct {
	Epoch     int
	BestScore float64
	BestEpoch int
	Misses    int

	// BestWeights is the snapshot of the best epoch when best weights are retained
	BestWeights model.State

	PredictMean bool
	TargetMean  float64
}

// EpochFunc runs one training epoch and returns its losses
type EpochFunc func(ctx context.Context) (EpochRecord, error)

type lossFunc func(g *ag.Graph, prediction ag.Node, target float64) ag.Node

type trainableParams []*nn.Param

func (p trainableParams) ParamsList() []*nn.Param {
	return p
}

// Controller trains a network on one task: it initializes the shape from the data, runs the
// epoch loop with its callbacks and finalizes the best weights.
type Controller struct {
	config       Config
	architecture model.Architecture
	checkpoints  *checkpoint.Manager
	runIDs       checkpoint.RunIDGenerator
	runPrefix    string
	sink         MetricSink
	epochFunc    EpochFunc

	state         State
	training      TrainingState
	history       History
	earlyStopping EarlyStopping
	scheduler     *PlateauScheduler

	spec         model.TaskSpec
	encoder      *encoding.Encoder
	network      model.Network
	optimizer    *gd.GradientDescent
	learningRate float64
	lossFunc     lossFunc
	rndGen       *rand.LockedRand
	shuffle      *mathrand.Rand

	inputs         encoding.Batch
	targets        []float64
	trainSet       *io.DataSet
	validSet       *io.DataSet
	constantValMSE float64

	predictor *Predictor
}

type Option func(*Controller)

func WithMetricSink(sink MetricSink) Option {
	return func(c *Controller) {
		c.sink = sink
	}
}

func WithRunIDGenerator(generator checkpoint.RunIDGenerator) Option {
	return func(c *Controller) {
		c.runIDs = generator
	}
}

func WithCheckpointManager(manager *checkpoint.Manager) Option {
	return func(c *Controller) {
		c.checkpoints = manager
	}
}

// WithEpochFunc replaces the built-in epoch runner. The function is called once per epoch
// after the network has been finalized.
func WithEpochFunc(f EpochFunc) Option {
	return func(c *Controller) {
		c.epochFunc = f
	}
}

func NewController(config Config, architecture model.Architecture, opts ...Option) (*Controller, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if architecture == nil {
		return nil, fmt.Errorf("%w: no architecture", ErrInvalidConfig)
	}
	c := &Controller{
		config:       config,
		architecture: architecture,
		runIDs:       checkpoint.UUIDGenerator{},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.checkpoints == nil {
		c.checkpoints = checkpoint.New(config.CheckpointDir)
	}
	if c.epochFunc == nil {
		c.epochFunc = c.runEpoch
	}
	c.runPrefix = c.runIDs.Next()

	monitor, lowerIsBetter := config.Monitor()
	c.earlyStopping = EarlyStopping{
		Monitor:       monitor,
		LowerIsBetter: lowerIsBetter,
		Patience:      config.Patience,
		Threshold:     config.Threshold,
	}
	return c, nil
}

// Fit creates a Controller and trains it on data
func Fit(ctx context.Context, data TaskData, config Config, architecture model.Architecture, opts ...Option) (*Controller, error) {
	c, err := NewController(config, architecture, opts...)
	if err != nil {
		return nil, err
	}
	if err := c.Fit(ctx, data); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Controller) State() State {
	return c.state
}

func (c *Controller) History() History {
	return append(History(nil), c.history...)
}

func (c *Controller) TrainingState() TrainingState {
	return c.training
}

func (c *Controller) RunPrefix() string {
	return c.runPrefix
}

func (c *Controller) Spec() model.TaskSpec {
	return c.spec
}

func (c *Controller) Network() model.Network {
	return c.network
}

func (c *Controller) Fit(ctx context.Context, data TaskData) error {
	c.state = Uninitialized
	c.predictor = nil
	c.history = nil
	if len(data.Y) != len(data.X) {
		return fmt.Errorf("%w: %d rows and %d targets", ErrInvalidData, len(data.X), len(data.Y))
	}
	c.training = TrainingState{
		BestScore:  c.earlyStopping.initialScore(),
		TargetMean: stat.Mean(data.Y, nil),
	}

	if err := c.initialize(data); err != nil {
		return err
	}

	c.state = Training
	log.Info().Str("Run", c.runPrefix).Str("Architecture", c.architecture.Kind()).
		Int("Train", c.trainSet.Size()).Int("Valid", c.validSet.Size()).
		Int("DIn", c.spec.DIn).Int("DOut", c.spec.DOut).Msg("Training started")

	reason, err := c.trainLoop(ctx)
	if err != nil {
		c.removeCheckpoint()
		return err
	}
	if reason == StopPatienceExhausted {
		c.state = StoppedEarly
	} else {
		c.state = Converged
	}
	log.Info().Str("Run", c.runPrefix).Str("State", c.state.String()).Int("Epochs", len(c.history)).
		Int("BestEpoch", c.training.BestEpoch).Float64("BestScore", c.training.BestScore).Msg("Training ended")

	c.state = Finalizing
	if err := c.finalize(); err != nil {
		return err
	}

	c.predictor = &Predictor{
		network:     c.network,
		encoder:     c.encoder,
		batchSize:   c.config.BatchSize,
		predictMean: c.training.PredictMean,
		targetMean:  c.training.TargetMean,
	}
	c.state = Done
	return nil
}

func (c *Controller) initialize(data TaskData) error {
	spec, err := InitializeShape(data, c.config.Regression)
	if err != nil {
		return err
	}
	encoder, err := spec.Encoder()
	if err != nil {
		return err
	}
	inputs, err := encoder.Encode(data.X)
	if err != nil {
		return err
	}

	c.rndGen = rand.NewLockedRand(c.config.RndSeed)
	network, err := c.architecture.Finalize(spec, c.rndGen)
	if err != nil {
		return err
	}
	c.spec = spec
	c.encoder = encoder
	c.network = network
	c.inputs = inputs
	c.targets = data.Y

	if err := c.splitData(len(data.X)); err != nil {
		return err
	}
	c.constantValMSE = c.constantMSE()

	c.lossFunc = lossFor(c.config.Regression)
	c.buildOptimizer(c.config.LearningRate)
	c.scheduler = nil
	if c.config.LRScheduler {
		c.scheduler = NewPlateauScheduler(c.config.LRFactor, c.config.LRPatience, c.config.MinLR, c.config.Threshold)
	}
	return nil
}

// splitData holds out a random validation split of the rows
func (c *Controller) splitData(size int) error {
	numValid := int(math.Round(float64(size) * c.config.ValidationFraction))
	if numValid < 1 {
		numValid = 1
	}
	if size-numValid < 1 {
		return fmt.Errorf("%w: %d rows are not enough for a validation split", ErrInvalidData, size)
	}
	c.shuffle = mathrand.New(mathrand.NewSource(int64(c.config.RndSeed)))
	splits := io.NewDataSet(size, c.config.BatchSize, c.shuffle).RandomSplit(size-numValid, numValid)
	c.trainSet, c.validSet = splits[0], splits[1]
	return nil
}

// constantMSE is the validation error of always predicting the target mean
func (c *Controller) constantMSE() float64 {
	if !c.config.Regression {
		return math.NaN()
	}
	var sum float64
	indices := c.validSet.Indices()
	for _, index := range indices {
		d := c.targets[index] - c.training.TargetMean
		sum += d * d
	}
	return sum / float64(len(indices))
}

func (c *Controller) buildOptimizer(learningRate float64) {
	c.learningRate = learningRate
	var opts []gd.Option
	if c.config.GradientClip > 0 {
		opts = append(opts, gd.ClipGradByValue(c.config.GradientClip))
	}
	c.optimizer = gd.NewOptimizer(c.config.updater(learningRate), trainableParams(c.network.Params()), opts...)
}

func (c *Controller) trainLoop(ctx context.Context) (StopReason, error) {
	for epoch := 1; epoch <= c.config.NumEpochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return StopNone, err
		}
		c.training.Epoch = epoch
		record, err := c.epochFunc(ctx)
		if err != nil {
			return StopNone, err
		}
		record.Epoch = epoch
		record.LearningRate = c.learningRate

		reason, err := c.onEpochEnd(&record)
		c.history = append(c.history, record)
		if err != nil {
			return StopNone, err
		}
		if reason != StopNone {
			return reason, nil
		}
	}
	return StopNone, nil
}

// onEpochEnd runs the epoch callbacks: scorers, early stopping, learning rate scheduler,
// checkpoint and metric sink.
func (c *Controller) onEpochEnd(record *EpochRecord) (StopReason, error) {
	if c.config.Regression {
		record.ConstantValMSE = c.constantValMSE
	}

	improved, reason := c.earlyStopping.Evaluate(&c.training, record.Epoch, record.Metric(c.earlyStopping.Monitor))
	record.Improved = improved
	if improved && c.config.RetainBestWeights {
		c.training.BestWeights = model.SaveState(c.network)
	}

	if c.scheduler != nil {
		if lr := c.scheduler.Step(record.ValidLoss, c.learningRate); lr != c.learningRate {
			log.Info().Int("Epoch", record.Epoch).Float64("From", c.learningRate).Float64("To", lr).
				Msg("Reducing learning rate")
			c.buildOptimizer(lr)
		}
	}

	if improved && c.config.UseCheckpoints {
		if err := c.checkpoints.Save(c.runPrefix, model.SaveState(c.network)); err != nil {
			return StopNone, err
		}
	}

	c.logEpoch(*record)
	if reason != StopNone {
		log.Info().Int("Epoch", record.Epoch).Int("BestEpoch", c.training.BestEpoch).
			Str("Reason", reason.String()).Msg("Stopping early")
	}
	return reason, nil
}

func (c *Controller) logEpoch(record EpochRecord) {
	event := log.Info().Int("Epoch", record.Epoch).
		Float64("TrainLoss", record.TrainLoss).
		Float64("ValidLoss", record.ValidLoss)
	if c.config.Regression {
		event = event.Float64("ConstantValMSE", record.ConstantValMSE)
	} else {
		event = event.Float64("ValidAcc", record.ValidAcc).Float64("TrainAccuracy", record.TrainAccuracy)
	}
	event.Float64("LR", record.LearningRate).Bool("Improved", record.Improved).
		Dur("Duration", record.Duration).Msg("")

	if c.sink == nil {
		return
	}
	c.sink.LogMetric(MetricTrainLoss, record.TrainLoss)
	c.sink.LogMetric(MetricValidLoss, record.ValidLoss)
	if c.config.Regression {
		c.sink.LogMetric(MetricConstantValMSE, record.ConstantValMSE)
	} else {
		c.sink.LogMetric(MetricValidAcc, record.ValidAcc)
		c.sink.LogMetric(MetricTrainAccuracy, record.TrainAccuracy)
	}
	c.sink.LogMetric(MetricLearningRate, record.LearningRate)
	c.sink.LogMetric(MetricLogLR, math.Log10(record.LearningRate))
}

// finalize loads the weights of the best epoch, or switches a regression run that never beat
// the constant baseline to predicting the target mean.
func (c *Controller) finalize() error {
	if !c.config.UseCheckpoints {
		if c.training.BestWeights != nil {
			return model.LoadState(c.network, c.training.BestWeights)
		}
		return nil
	}

	state, err := c.checkpoints.Load(c.runPrefix)
	switch {
	case err == nil:
		if err := model.LoadState(c.network, state); err != nil {
			return err
		}
		c.removeCheckpoint()
		if c.config.Regression && !c.history.beatsBaseline() {
			c.predictMean("validation loss never beat the constant baseline")
		}
		return nil
	case errors.Is(err, checkpoint.ErrArtifactNotFound):
		if !c.config.Regression {
			return fmt.Errorf("%w: %v", ErrMissingCheckpoint, err)
		}
		if !allNonFinite(c.history.Values(MetricValidLoss)) {
			return fmt.Errorf("%w: %v", ErrInconsistentCheckpoint, err)
		}
		c.predictMean("validation loss was never finite")
		return nil
	default:
		return err
	}
}

func (c *Controller) predictMean(reason string) {
	log.Warn().Str("Run", c.runPrefix).Float64("TargetMean", c.training.TargetMean).Str("Reason", reason).
		Msg("Predicting the target mean")
	c.training.PredictMean = true
}

func (c *Controller) removeCheckpoint() {
	if err := c.checkpoints.Delete(c.runPrefix); err != nil {
		log.Warn().Err(err).Str("Path", c.checkpoints.Path(c.runPrefix)).Msg("Error removing checkpoint")
	}
}

// runEpoch shuffles the training split, optimizes over its batches and scores the
// validation split
func (c *Controller) runEpoch(ctx context.Context) (EpochRecord, error) {
	start := time.Now()
	c.optimizer.IncEpoch()
	c.trainSet.ResetOrder(io.RandomOrder)

	var totalLoss float64
	var correct, count int
	for c.trainSet.HasNext() {
		if err := ctx.Err(); err != nil {
			return EpochRecord{}, err
		}
		indices := c.trainSet.Next()
		loss, predicted := c.trainBatch(indices)
		c.optimizer.Optimize()

		totalLoss += loss * float64(len(indices))
		count += len(indices)
		for i, class := range predicted {
			if float64(class) == c.targets[indices[i]] {
				correct++
			}
		}
	}

	record := EpochRecord{
		TrainLoss:     totalLoss / float64(count),
		TrainAccuracy: math.NaN(),
	}
	if !c.config.Regression {
		record.TrainAccuracy = float64(correct) / float64(count)
	}
	record.ValidLoss, record.ValidAcc = c.validate()
	record.Duration = time.Since(start)
	return record, nil
}

// trainBatch accumulates the gradients of the mean batch loss. For classification it also
// returns the predicted class of every row.
func (c *Controller) trainBatch(indices []int) (float64, []int) {
	c.optimizer.IncBatch()

	g := ag.NewGraph(ag.Rand(c.rndGen))
	defer g.Clear()
	proc := c.network.NewProc(nn.Context{Graph: g, Mode: nn.Training})
	outputs := proc.Forward(c.rows(indices))

	var loss ag.Node
	var predicted []int
	for i, output := range outputs {
		loss = g.Add(loss, c.lossFunc(g, output, c.targets[indices[i]]))
		if !c.config.Regression {
			class, _ := argmax(output.Value().Data())
			predicted = append(predicted, class)
		}
	}
	loss = g.Div(loss, g.NewScalar(float64(len(outputs))))

	g.Backward(loss)
	return loss.ScalarValue(), predicted
}

func (c *Controller) validate() (float64, float64) {
	indices := c.validSet.Indices()
	outputs := networkOutputs(c.network, c.rows(indices), c.config.BatchSize)
	evaluator := newEvaluator(c.config.Regression, classIndexName, NoopWriter{})
	for i, output := range outputs {
		evaluator.EvaluatePrediction(output, c.targets[indices[i]])
	}
	return evaluator.Loss(), evaluator.Accuracy()
}

func (c *Controller) rows(indices []int) encoding.Batch {
	batch := make(encoding.Batch, len(indices))
	for i, index := range indices {
		batch[i] = c.inputs[index]
	}
	return batch
}

func lossFor(regression bool) lossFunc {
	if regression {
		return func(g *ag.Graph, prediction ag.Node, target float64) ag.Node {
			diff := g.Sub(prediction, g.NewScalar(target))
			return g.Prod(diff, diff)
		}
	}
	return func(g *ag.Graph, prediction ag.Node, target float64) ag.Node {
		return losses.CrossEntropy(g, prediction, int(target))
	}
}

// Model returns the persistable form of the trained network
func (c *Controller) Model(metaData *model.Metadata) (*model.Model, error) {
	if c.state != Done {
		return nil, ErrNotFitted
	}
	architecture, err := model.NewArchitectureConfig(c.architecture)
	if err != nil {
		return nil, err
	}
	return &model.Model{
		MetaData:     metaData,
		Spec:         c.spec,
		Architecture: architecture,
		Weights:      model.SaveState(c.network),
		PredictMean:  c.training.PredictMean,
		TargetMean:   c.training.TargetMean,
	}, nil
}

func (c *Controller) Predict(x [][]float64) ([]float64, error) {
	if c.state != Done {
		return nil, ErrNotFitted
	}
	return c.predictor.Predict(x)
}

func (c *Controller) PredictProba(x [][]float64) ([][]float64, error) {
	if c.state != Done {
		return nil, ErrNotFitted
	}
	return c.predictor.PredictProba(x)
}
