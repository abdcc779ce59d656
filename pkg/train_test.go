package pkg

import (
	"context"
	"io/ioutil"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"tabkit/pkg/io"
	"tabkit/pkg/model"
)

func trainFile(t *testing.T, name string, regression bool, arch model.ArchitectureConfig) string {
	config := testConfig(t, regression)
	config.NumEpochs = 5
	config.Patience = 5
	modelFile := filepath.Join(t.TempDir(), name+".model")

	err := Train(context.Background(), TrainParameters{
		TrainFile:          filepath.Join("..", "testdata", name+".train.csv"),
		OutputFile:         modelFile,
		TargetColumn:       map[bool]string{true: "price", false: "species"}[regression],
		CategoricalColumns: []string{"color"},
	}, config, arch)
	require.NoError(t, err)
	require.Empty(t, checkpointFiles(t, config.CheckpointDir))
	return modelFile
}

func TestTrain_Classification(t *testing.T) {
	arch := model.ArchitectureConfig{Kind: model.KindMLP, MLP: model.DefaultMLPConfig()}
	modelFile := trainFile(t, "flowers", false, arch)

	m, err := io.LoadModelFile(modelFile)
	require.NoError(t, err)
	require.Equal(t, 3, m.Spec.DOut)
	require.Equal(t, []bool{false, false, true}, m.Spec.CategoricalIndicator)
	require.False(t, m.PredictMean)

	outputFile := filepath.Join(t.TempDir(), "test.out")
	require.NoError(t, Test(modelFile, filepath.Join("..", "testdata", "flowers.test.csv"), outputFile))
	out, err := ioutil.ReadFile(outputFile)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	require.Len(t, lines, 45)
	require.Len(t, strings.Split(lines[0], ","), 3)

	predictFile := filepath.Join(t.TempDir(), "predict.out")
	require.NoError(t, Predict(modelFile, filepath.Join("..", "testdata", "flowers.test.csv"), predictFile))
	out, err = ioutil.ReadFile(predictFile)
	require.NoError(t, err)
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		require.Contains(t, []string{"setosa", "versicolor", "virginica"}, line)
	}
}

func TestTrain_Regression(t *testing.T) {
	arch := model.ArchitectureConfig{Kind: model.KindResNet, ResNet: model.DefaultResNetConfig()}
	arch.ResNet.D = 16
	arch.ResNet.Normalization = model.LayerNorm
	modelFile := trainFile(t, "prices", true, arch)

	m, err := io.LoadModelFile(modelFile)
	require.NoError(t, err)
	require.True(t, m.Spec.Regression)
	require.Equal(t, model.KindResNet, m.Architecture.Kind)

	predictFile := filepath.Join(t.TempDir(), "predict.out")
	require.NoError(t, Predict(modelFile, filepath.Join("..", "testdata", "prices.test.csv"), predictFile))
	out, err := ioutil.ReadFile(predictFile)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	require.Len(t, lines, 45)
	for _, line := range lines {
		_, err := strconv.ParseFloat(line, 64)
		require.NoError(t, err)
	}
}

func TestTrain_Errors(t *testing.T) {
	config := testConfig(t, false)
	arch := model.ArchitectureConfig{Kind: model.KindMLP, MLP: model.DefaultMLPConfig()}
	params := TrainParameters{
		TrainFile:    filepath.Join("..", "testdata", "flowers.train.csv"),
		OutputFile:   filepath.Join(t.TempDir(), "flowers.model"),
		TargetColumn: "species",
	}

	err := Train(context.Background(), params, config, model.ArchitectureConfig{Kind: "transformer"})
	require.Error(t, err)

	missing := params
	missing.TrainFile = filepath.Join(t.TempDir(), "missing.csv")
	require.Error(t, Train(context.Background(), missing, config, arch))

	config.Optimizer = "rmsprop"
	require.ErrorIs(t, Train(context.Background(), params, config, arch), ErrUnsupportedOptimizer)

	require.Error(t, Test(filepath.Join(t.TempDir(), "missing.model"), params.TrainFile, ""))
}
