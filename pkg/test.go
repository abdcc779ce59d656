package pkg

import (
	"fmt"
	gio "io"
	"math"
	"os"
	"sort"
	"strconv"

	"github.com/nlpodyssey/spago/pkg/ml/stats"
	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"tabkit/pkg/io"
	"tabkit/pkg/model"
)

type NoopWriter struct{}

func (x NoopWriter) Write(p []byte) (n int, err error) {
	return len(p), nil
}

func printDataErrors(errors []io.DataError) {
	for _, err := range errors {
		log.Error().Msgf("Error parsing data at line %d: %s", err.Line, err.Error)
	}
}

func Test(modelFileName, inputFileName, outputFileName string) error {
	m, err := io.LoadModelFile(modelFileName)
	if err != nil {
		return fmt.Errorf("error loading model from file %s: %w", modelFileName, err)
	}
	_, data, dataErrors, err := io.LoadData(io.DataParameters{
		DataFile:     inputFileName,
		TargetColumn: m.MetaData.Columns[m.MetaData.TargetColumn].Name,
	}, m.MetaData)
	if err != nil {
		return fmt.Errorf("error loading data from %s: %w", inputFileName, err)
	}
	printDataErrors(dataErrors)
	if data.Size() == 0 {
		return fmt.Errorf("no data to test in %s", inputFileName)
	}
	if data.Y == nil {
		return fmt.Errorf("target column %s not found in %s", m.MetaData.Columns[m.MetaData.TargetColumn].Name,
			inputFileName)
	}
	_, err = testInternal(m, data, outputFileName)
	return err
}

type modelEvaluator interface {
	EvaluatePrediction(output []float64, target float64)
	LogMetrics()
	Loss() float64
	// Accuracy is NaN for regression
	Accuracy() float64
}

func newEvaluator(regression bool, className func(int) string, outputWriter gio.Writer) modelEvaluator {
	if regression {
		return &regressionEvaluator{outputWriter: outputWriter}
	}
	return &classificationEvaluator{
		metrics:      map[string]*stats.ClassMetrics{},
		className:    className,
		outputWriter: outputWriter,
	}
}

func classIndexName(class int) string {
	return strconv.Itoa(class)
}

type classificationEvaluator struct {
	predictionCount int
	correct         int
	loss            float64
	metrics         map[string]*stats.ClassMetrics
	className       func(int) string
	outputWriter    gio.Writer
}

type classificationPrediction struct {
	predictedClass string
	label          string
	maxLogit       float64
}

func (c *classificationEvaluator) EvaluatePrediction(logits []float64, target float64) {
	prediction := c.decode(logits, target)
	// cross entropy of the target class
	c.loss += floats.LogSumExp(logits) - logits[int(target)]
	c.predictionCount++

	fmt.Fprintf(c.outputWriter, "%s,%s,%.5f\n", prediction.label, prediction.predictedClass, prediction.maxLogit)

	labelClassMetrics, ok := c.metrics[prediction.label]
	if !ok {
		labelClassMetrics = stats.NewMetricCounter()
		c.metrics[prediction.label] = labelClassMetrics
	}
	predictedClassMetrics, ok := c.metrics[prediction.predictedClass]
	if !ok {
		predictedClassMetrics = stats.NewMetricCounter()
		c.metrics[prediction.predictedClass] = predictedClassMetrics
	}

	if prediction.label == prediction.predictedClass {
		c.correct++
		labelClassMetrics.IncTruePos()
	} else {
		labelClassMetrics.IncFalseNeg()
		predictedClassMetrics.IncFalsePos()
	}
}

func (c *classificationEvaluator) LogMetrics() {
	// Sort class names for deterministic output
	sortedClasses := sortClasses(c.metrics)
	for _, class := range sortedClasses {
		result := c.metrics[class]
		log.Info().Str("Class", class).
			Int("TP", result.TruePos).
			Int("FP", result.FalsePos).
			Int("TN", result.TrueNeg).
			Int("FN", result.FalseNeg).
			Float64("Precision", result.Precision()).
			Float64("Recall", result.Recall()).
			Float64("F1", result.F1Score()).
			Msg("")
	}

	macroF1, microF1 := computeOverallF1(c.metrics)
	log.Info().Float64("MacroF1", macroF1).Float64("MicroF1", microF1).Float64("Accuracy", c.Accuracy()).Msg("")
}

func (c *classificationEvaluator) Loss() float64 {
	return c.loss / float64(c.predictionCount)
}

func (c *classificationEvaluator) Accuracy() float64 {
	return float64(c.correct) / float64(c.predictionCount)
}

func (c *classificationEvaluator) decode(logits []float64, target float64) classificationPrediction {
	class, logit := argmax(logits)
	return classificationPrediction{
		predictedClass: c.className(class),
		label:          c.className(int(target)),
		maxLogit:       logit,
	}
}

// testInternal evaluates m on data, writing one line per row to outputFileName when it is
// not empty, and returns the mean loss
func testInternal(m *model.Model, data *io.Table, outputFileName string) (float64, error) {
	var outputWriter gio.Writer
	if outputFileName != "" {
		outputFile, err := os.Create(outputFileName)
		if err != nil {
			return 0, fmt.Errorf("error opening output file %s: %w", outputFileName, err)
		}
		defer outputFile.Close()
		outputWriter = outputFile
	} else {
		outputWriter = NoopWriter{}
	}

	predictor, err := NewPredictor(m, DefaultConfig().BatchSize)
	if err != nil {
		return 0, err
	}
	outputs, err := predictor.Outputs(data.X)
	if err != nil {
		return 0, err
	}

	className := func(class int) string {
		return m.MetaData.TargetMap.IndexToName[class]
	}
	evaluator := newEvaluator(m.Spec.Regression, className, outputWriter)
	for i, output := range outputs {
		evaluator.EvaluatePrediction(output, data.Y[i])
	}
	evaluator.LogMetrics()
	log.Info().Float64("Loss", evaluator.Loss()).Msg("")

	return evaluator.Loss(), nil
}

func computeOverallF1(metrics map[string]*stats.ClassMetrics) (float64, float64) {
	macroF1 := 0.0
	for _, metric := range metrics {
		macroF1 += metric.F1Score()
	}
	macroF1 /= float64(len(metrics))

	micro := stats.NewMetricCounter()
	for _, result := range metrics {
		micro.TruePos += result.TruePos
		micro.FalsePos += result.FalsePos
		micro.FalseNeg += result.FalseNeg
		micro.TrueNeg += result.TrueNeg
	}
	return macroF1, micro.F1Score()
}

func sortClasses(metrics map[string]*stats.ClassMetrics) []string {
	result := make([]string, 0, len(metrics))
	for class := range metrics {
		result = append(result, class)
	}
	sort.Strings(result)
	return result
}

type regressionEvaluator struct {
	loss            float64
	predictionCount int
	estimated       []float64
	values          []float64
	outputWriter    gio.Writer
}

func (r *regressionEvaluator) EvaluatePrediction(output []float64, target float64) {
	prediction := output[0]
	log.Debug().Float64("Target", target).Float64("Prediction", prediction).Msg("")
	fmt.Fprintf(r.outputWriter, "%f,%f\n", target, prediction)

	r.estimated = append(r.estimated, prediction)
	r.values = append(r.values, target)
	r.loss += (prediction - target) * (prediction - target)
	r.predictionCount++
}

func (r *regressionEvaluator) LogMetrics() {
	r2 := stat.RSquaredFrom(r.estimated, r.values, nil)
	log.Info().Float64("R-squared", r2).Msg("")
}

func (r *regressionEvaluator) Loss() float64 {
	return r.loss / float64(r.predictionCount)
}

func (r *regressionEvaluator) Accuracy() float64 {
	return math.NaN()
}
