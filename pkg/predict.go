package pkg

import (
	"bufio"
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"

	"github.com/nlpodyssey/spago/pkg/ml/ag"
	"github.com/nlpodyssey/spago/pkg/ml/nn"
	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/floats"

	"tabkit/pkg/encoding"
	"tabkit/pkg/io"
	"tabkit/pkg/model"
)

var ErrNotClassifier = errors.New("class probabilities require a classification model")

// Predictor runs a trained network on raw feature rows
type Predictor struct {
	network     model.Network
	encoder     *encoding.Encoder
	batchSize   int
	predictMean bool
	targetMean  float64
}

func NewPredictor(m *model.Model, batchSize int) (*Predictor, error) {
	network, err := m.Network()
	if err != nil {
		return nil, err
	}
	encoder, err := m.Spec.Encoder()
	if err != nil {
		return nil, err
	}
	return &Predictor{
		network:     network,
		encoder:     encoder,
		batchSize:   batchSize,
		predictMean: m.PredictMean,
		targetMean:  m.TargetMean,
	}, nil
}

// Outputs returns the raw network output of every row. A predictor that fell back to the
// target mean returns the mean for every row.
func (p *Predictor) Outputs(x [][]float64) ([][]float64, error) {
	if p.predictMean {
		outputs := make([][]float64, len(x))
		for i := range outputs {
			outputs[i] = []float64{p.targetMean}
		}
		return outputs, nil
	}
	batch, err := p.encoder.Encode(x)
	if err != nil {
		return nil, err
	}
	return networkOutputs(p.network, batch, p.batchSize), nil
}

// Predict returns regression values or the index of the most likely class
func (p *Predictor) Predict(x [][]float64) ([]float64, error) {
	outputs, err := p.Outputs(x)
	if err != nil {
		return nil, err
	}
	regression := p.network.Spec().Regression
	predictions := make([]float64, len(outputs))
	for i, output := range outputs {
		if regression {
			predictions[i] = output[0]
			continue
		}
		class, _ := argmax(output)
		predictions[i] = float64(class)
	}
	return predictions, nil
}

func (p *Predictor) PredictProba(x [][]float64) ([][]float64, error) {
	if p.network.Spec().Regression {
		return nil, ErrNotClassifier
	}
	outputs, err := p.Outputs(x)
	if err != nil {
		return nil, err
	}
	for _, output := range outputs {
		softmax(output)
	}
	return outputs, nil
}

// networkOutputs runs the network in inference mode, batchSize rows per graph
func networkOutputs(network model.Network, batch encoding.Batch, batchSize int) [][]float64 {
	outputs := make([][]float64, 0, len(batch))
	for start := 0; start < len(batch); start += batchSize {
		end := start + batchSize
		if end > len(batch) {
			end = len(batch)
		}
		g := ag.NewGraph()
		proc := network.NewProc(nn.Context{Graph: g, Mode: nn.Inference})
		for _, node := range proc.Forward(batch[start:end]) {
			outputs = append(outputs, append([]float64(nil), node.Value().Data()...))
		}
		g.Clear()
	}
	return outputs
}

func softmax(logits []float64) {
	logSum := floats.LogSumExp(logits)
	for i := range logits {
		logits[i] = math.Exp(logits[i] - logSum)
	}
}

func argmax(data []float64) (int, float64) {
	maxInd := 0
	for i := range data {
		if data[i] > data[maxInd] {
			maxInd = i
		}
	}
	return maxInd, data[maxInd]
}

// Predict writes one prediction per row of inputFileName: the class name for classification
// models, the predicted value otherwise.
func Predict(modelFileName, inputFileName, outputFileName string) error {
	m, err := io.LoadModelFile(modelFileName)
	if err != nil {
		return err
	}
	_, data, dataErrors, err := io.LoadData(io.DataParameters{
		DataFile:     inputFileName,
		TargetColumn: m.MetaData.Columns[m.MetaData.TargetColumn].Name,
	}, m.MetaData)
	if err != nil {
		return fmt.Errorf("error loading data from %s: %w", inputFileName, err)
	}
	printDataErrors(dataErrors)

	predictor, err := NewPredictor(m, DefaultConfig().BatchSize)
	if err != nil {
		return err
	}
	predictions, err := predictor.Predict(data.X)
	if err != nil {
		return err
	}

	outputFile, err := os.Create(outputFileName)
	if err != nil {
		return fmt.Errorf("error creating output file %s: %w", outputFileName, err)
	}
	defer outputFile.Close()
	writer := bufio.NewWriter(outputFile)
	for _, prediction := range predictions {
		if m.Spec.Regression {
			fmt.Fprintln(writer, strconv.FormatFloat(prediction, 'f', -1, 64))
		} else {
			fmt.Fprintln(writer, m.MetaData.TargetMap.IndexToName[int(prediction)])
		}
	}
	if err := writer.Flush(); err != nil {
		return fmt.Errorf("error writing predictions to %s: %w", outputFileName, err)
	}
	log.Info().Int("Rows", len(predictions)).Str("Output", outputFileName).Msg("Predictions written")
	return nil
}
