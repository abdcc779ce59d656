package pkg

import (
	"context"
	"math"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/stat"

	"tabkit/pkg/checkpoint"
	"tabkit/pkg/model"
)

func regressionData(n int, seed int64) TaskData {
	rnd := rand.New(rand.NewSource(seed))
	data := TaskData{CategoricalColumns: []int{2}}
	for i := 0; i < n; i++ {
		x1, x2 := rnd.Float64()*4-2, rnd.Float64()*4-2
		category := float64(rnd.Intn(3))
		if i%10 == 0 {
			category = -1
		}
		data.X = append(data.X, []float64{x1, x2, category})
		data.Y = append(data.Y, 2*x1-x2+category+rnd.NormFloat64()*0.1)
	}
	return data
}

func classificationData(n int, seed int64) TaskData {
	rnd := rand.New(rand.NewSource(seed))
	data := TaskData{CategoricalColumns: []int{2}}
	for i := 0; i < n; i++ {
		class := i % 3
		data.X = append(data.X, []float64{
			float64(class)*3 + rnd.NormFloat64()*0.5,
			float64(class)*-2 + rnd.NormFloat64()*0.5,
			float64(rnd.Intn(4)),
		})
		data.Y = append(data.Y, float64(class))
	}
	return data
}

func testConfig(t *testing.T, regression bool) Config {
	config := DefaultConfig()
	config.Regression = regression
	config.NumEpochs = 20
	config.BatchSize = 16
	config.Patience = 3
	config.CheckpointDir = t.TempDir()
	return config
}

func smallMLP() model.Architecture {
	arch := model.DefaultMLPConfig()
	arch.DLayers = 8
	arch.DFirstLayer = 8
	arch.DLastLayer = 8
	arch.DEmbedding = 2
	return arch
}

// scripted returns an epoch function that replays the given records, repeating the last one
func scripted(records ...EpochRecord) EpochFunc {
	epoch := 0
	return func(ctx context.Context) (EpochRecord, error) {
		record := records[len(records)-1]
		if epoch < len(records) {
			record = records[epoch]
		}
		epoch++
		return record, nil
	}
}

func accuracies(values ...float64) []EpochRecord {
	records := make([]EpochRecord, len(values))
	for i, v := range values {
		records[i] = EpochRecord{TrainLoss: 1, ValidLoss: 1, ValidAcc: v}
	}
	return records
}

func validLosses(values ...float64) []EpochRecord {
	records := make([]EpochRecord, len(values))
	for i, v := range values {
		records[i] = EpochRecord{TrainLoss: 1, ValidLoss: v}
	}
	return records
}

func checkpointFiles(t *testing.T, dir string) []string {
	files, err := filepath.Glob(filepath.Join(dir, "*"+checkpoint.Suffix))
	require.NoError(t, err)
	return files
}

func TestController_EarlyStopping(t *testing.T) {
	config := testConfig(t, false)
	sink := NewMemorySink()
	c, err := NewController(config, smallMLP(),
		WithRunIDGenerator(&checkpoint.SequenceGenerator{}),
		WithMetricSink(sink),
		WithEpochFunc(scripted(accuracies(0.5, 0.6, 0.7, 0.8, 0.9, 0.9, 0.9, 0.9)...)))
	require.NoError(t, err)
	require.Equal(t, Uninitialized, c.State())

	require.NoError(t, c.Fit(context.Background(), classificationData(60, 1)))
	require.Equal(t, Done, c.State())

	history := c.History()
	require.Len(t, history, 8)
	last, _ := history.Last()
	require.Equal(t, 8, last.Epoch)
	require.Equal(t, 5, c.TrainingState().BestEpoch)
	for i, record := range history {
		require.Equal(t, i < 5, record.Improved, "epoch %d", record.Epoch)
	}

	// the best checkpoint was loaded and removed
	require.Empty(t, checkpointFiles(t, config.CheckpointDir))
	require.Len(t, sink.Values(MetricValidAcc), 8)
	require.Len(t, sink.Values(MetricLogLR), 8)
	require.Empty(t, sink.Values(MetricConstantValMSE))
}

func TestController_NaNRegressionPredictsMean(t *testing.T) {
	config := testConfig(t, true)
	data := regressionData(50, 2)
	c, err := Fit(context.Background(), data, config, smallMLP(),
		WithEpochFunc(scripted(validLosses(math.NaN())...)))
	require.NoError(t, err)

	require.Equal(t, Done, c.State())
	require.True(t, c.TrainingState().PredictMean)
	require.Len(t, c.History(), config.Patience)
	require.Empty(t, checkpointFiles(t, config.CheckpointDir))

	mean := stat.Mean(data.Y, nil)
	predictions, err := c.Predict(data.X[:7])
	require.NoError(t, err)
	require.Len(t, predictions, 7)
	for _, prediction := range predictions {
		require.Equal(t, mean, prediction)
	}

	again, err := c.Predict(data.X[:7])
	require.NoError(t, err)
	require.Equal(t, predictions, again)
}

func TestController_WorseThanConstantPredictsMean(t *testing.T) {
	config := testConfig(t, true)
	c, err := Fit(context.Background(), regressionData(50, 3), config, smallMLP(),
		WithEpochFunc(scripted(validLosses(1e6)...)))
	require.NoError(t, err)
	require.True(t, c.TrainingState().PredictMean)
	require.Equal(t, 1, c.TrainingState().BestEpoch)
	require.Empty(t, checkpointFiles(t, config.CheckpointDir))

	record, _ := c.History().Last()
	require.Less(t, record.ConstantValMSE, 1e6)
	require.Greater(t, record.ConstantValMSE, 0.0)
}

func TestController_BeatsConstant(t *testing.T) {
	config := testConfig(t, true)
	c, err := Fit(context.Background(), regressionData(50, 4), config, smallMLP(),
		WithEpochFunc(scripted(validLosses(math.NaN(), 1e-3, 1e-3)...)))
	require.NoError(t, err)
	require.False(t, c.TrainingState().PredictMean)
	require.Equal(t, 2, c.TrainingState().BestEpoch)
}

func TestController_MissingClassificationCheckpoint(t *testing.T) {
	config := testConfig(t, false)
	_, err := Fit(context.Background(), classificationData(30, 5), config, smallMLP(),
		WithEpochFunc(scripted(accuracies(math.NaN())...)))
	require.ErrorIs(t, err, ErrMissingCheckpoint)
}

func TestController_InconsistentCheckpoint(t *testing.T) {
	config := testConfig(t, true)
	manager := checkpoint.New(config.CheckpointDir)

	var c *Controller
	epoch := 0
	epochFunc := func(ctx context.Context) (EpochRecord, error) {
		epoch++
		if epoch == 2 {
			require.NoError(t, manager.Delete(c.RunPrefix()))
		}
		return EpochRecord{ValidLoss: 1.0}, nil
	}
	c, err := NewController(config, smallMLP(), WithCheckpointManager(manager), WithEpochFunc(epochFunc))
	require.NoError(t, err)

	err = c.Fit(context.Background(), regressionData(30, 6))
	require.ErrorIs(t, err, ErrInconsistentCheckpoint)
	require.Equal(t, Finalizing, c.State())

	_, err = c.Predict(regressionData(3, 6).X)
	require.ErrorIs(t, err, ErrNotFitted)
}

func TestController_CancelPropagates(t *testing.T) {
	config := testConfig(t, true)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	epoch := 0
	epochFunc := func(ctx context.Context) (EpochRecord, error) {
		epoch++
		if epoch == 2 {
			cancel()
		}
		return EpochRecord{ValidLoss: 1.0 / float64(epoch)}, nil
	}
	c, err := NewController(config, smallMLP(), WithEpochFunc(epochFunc))
	require.NoError(t, err)

	err = c.Fit(ctx, regressionData(30, 7))
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, Training, c.State())
	require.Len(t, c.History(), 2)
	require.Empty(t, checkpointFiles(t, config.CheckpointDir))

	_, err = c.Predict(regressionData(3, 7).X)
	require.ErrorIs(t, err, ErrNotFitted)
}

func TestController_RunPrefixes(t *testing.T) {
	config := testConfig(t, true)
	generator := &checkpoint.SequenceGenerator{}
	first, err := NewController(config, smallMLP(), WithRunIDGenerator(generator))
	require.NoError(t, err)
	second, err := NewController(config, smallMLP(), WithRunIDGenerator(generator))
	require.NoError(t, err)
	require.NotEqual(t, first.RunPrefix(), second.RunPrefix())

	byDefault, err := NewController(config, smallMLP())
	require.NoError(t, err)
	require.NotEmpty(t, byDefault.RunPrefix())
}

func TestController_RetainBestWeights(t *testing.T) {
	config := testConfig(t, true)
	config.UseCheckpoints = false
	config.RetainBestWeights = true
	c, err := Fit(context.Background(), regressionData(40, 8), config, smallMLP(),
		WithEpochFunc(scripted(validLosses(0.5, 0.7, 0.7, 0.7)...)))
	require.NoError(t, err)
	require.Equal(t, 1, c.TrainingState().BestEpoch)
	require.Equal(t, c.TrainingState().BestWeights, model.SaveState(c.Network()))
	require.False(t, c.TrainingState().PredictMean)
	require.Empty(t, checkpointFiles(t, config.CheckpointDir))
}

func TestController_LearningRateSchedule(t *testing.T) {
	config := testConfig(t, true)
	config.LRScheduler = true
	config.LRPatience = 1
	config.Patience = 6
	config.LearningRate = 0.01
	sink := NewMemorySink()
	_, err := Fit(context.Background(), regressionData(40, 9), config, smallMLP(),
		WithMetricSink(sink), WithEpochFunc(scripted(validLosses(1e-3, 2e-3)...)))
	require.NoError(t, err)

	rates := sink.Values(MetricLearningRate)
	require.Len(t, rates, 7)
	require.Equal(t, 0.01, rates[0])
	require.Equal(t, 0.01, rates[2])
	require.InDelta(t, 0.002, rates[3], 1e-12)
	require.InDelta(t, math.Log10(0.002), sink.Values(MetricLogLR)[3], 1e-9)
	require.Len(t, sink.Values(MetricConstantValMSE), 7)
}

func TestController_InvalidConfig(t *testing.T) {
	config := testConfig(t, false)
	config.ValidationMetric = "roc_auc"
	_, err := NewController(config, smallMLP())
	require.ErrorIs(t, err, ErrUnsupportedValidationMetric)

	config = testConfig(t, false)
	_, err = Fit(context.Background(), TaskData{X: [][]float64{{1}, {2}, {3}}, Y: []float64{0, 3, 3}}, config, smallMLP())
	require.ErrorIs(t, err, ErrNonDenseLabels)
}

func TestController_PredictBeforeFit(t *testing.T) {
	c, err := NewController(testConfig(t, true), smallMLP())
	require.NoError(t, err)
	_, err = c.Predict([][]float64{{1, 2, 0}})
	require.ErrorIs(t, err, ErrNotFitted)
	_, err = c.PredictProba([][]float64{{1, 2, 0}})
	require.ErrorIs(t, err, ErrNotFitted)
	_, err = c.Model(nil)
	require.ErrorIs(t, err, ErrNotFitted)
}

func TestController_FitRegression(t *testing.T) {
	config := testConfig(t, true)
	config.NumEpochs = 5
	config.Patience = 5
	data := regressionData(80, 10)
	c, err := Fit(context.Background(), data, config, smallMLP())
	require.NoError(t, err)
	require.Equal(t, Done, c.State())
	require.Len(t, c.History(), 5)
	require.Empty(t, checkpointFiles(t, config.CheckpointDir))

	predictions, err := c.Predict(data.X)
	require.NoError(t, err)
	require.Len(t, predictions, len(data.X))
	again, err := c.Predict(data.X)
	require.NoError(t, err)
	require.Equal(t, predictions, again)

	_, err = c.PredictProba(data.X)
	require.ErrorIs(t, err, ErrNotClassifier)
}

func TestController_FitClassification(t *testing.T) {
	config := testConfig(t, false)
	config.NumEpochs = 4
	config.Optimizer = OptimizerSGD
	config.LearningRate = 0.05
	arch := model.DefaultResNetConfig()
	arch.D = 8
	arch.NumLayers = 1
	arch.DEmbedding = 2
	arch.Activation = "reglu"
	data := classificationData(60, 11)

	c, err := Fit(context.Background(), data, config, arch)
	require.NoError(t, err)
	require.Equal(t, 3, c.Spec().DOut)
	for _, record := range c.History() {
		require.GreaterOrEqual(t, record.TrainAccuracy, 0.0)
		require.LessOrEqual(t, record.TrainAccuracy, 1.0)
	}

	probabilities, err := c.PredictProba(data.X[:5])
	require.NoError(t, err)
	predictions, err := c.Predict(data.X[:5])
	require.NoError(t, err)
	for i, row := range probabilities {
		require.Len(t, row, 3)
		sum := 0.0
		for _, p := range row {
			sum += p
		}
		require.InDelta(t, 1.0, sum, 1e-9)
		class, _ := argmax(row)
		require.Equal(t, float64(class), predictions[i])
	}

	m, err := c.Model(nil)
	require.NoError(t, err)
	require.Equal(t, model.KindResNet, m.Architecture.Kind)
	predictor, err := NewPredictor(m, 7)
	require.NoError(t, err)
	restored, err := predictor.Predict(data.X[:5])
	require.NoError(t, err)
	require.Equal(t, predictions, restored)
}

// markedEpochs replays accuracy records and writes the epoch number into the first weight of
// the network, so the weights of every epoch can be told apart
func markedEpochs(c **Controller, values ...float64) EpochFunc {
	replay := scripted(accuracies(values...)...)
	epoch := 0
	return func(ctx context.Context) (EpochRecord, error) {
		epoch++
		(*c).Network().Params()[0].Value().Set(0, 0, float64(epoch))
		return replay(ctx)
	}
}

func TestController_RestoresBestEpochWeights(t *testing.T) {
	tests := []struct {
		name           string
		useCheckpoints bool
	}{
		{"checkpoint", true},
		{"retained", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := testConfig(t, false)
			config.UseCheckpoints = tt.useCheckpoints
			config.RetainBestWeights = !tt.useCheckpoints

			var c *Controller
			var err error
			c, err = NewController(config, smallMLP(),
				WithEpochFunc(markedEpochs(&c, 0.5, 0.6, 0.9, 0.7, 0.7, 0.7)))
			require.NoError(t, err)
			require.NoError(t, c.Fit(context.Background(), classificationData(60, 11)))

			require.Len(t, c.History(), 6)
			require.Equal(t, 3, c.TrainingState().BestEpoch)
			require.Equal(t, 3.0, c.Network().Params()[0].Value().Data()[0])
			require.Empty(t, checkpointFiles(t, config.CheckpointDir))
		})
	}
}
