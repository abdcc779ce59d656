package io

import (
	"bytes"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"tabkit/pkg/model"
)

const trainData = `color,size,weight,label
red,1.0,10,a
blue,2.0,20,b
red,3.0,30,a
?,4.0,40,c
green,five,50,a
`

const testData = `weight,size,color,label
11,1.5,blue,b
12,2.5,purple,a
13,3.5,red,d
`

func TestLoadData(t *testing.T) {
	dir := t.TempDir()
	trainFile := filepath.Join(dir, "train.csv")
	require.NoError(t, os.WriteFile(trainFile, []byte(trainData), 0o644))

	params := DataParameters{
		DataFile:           trainFile,
		TargetColumn:       "label",
		CategoricalColumns: NewSet("color"),
	}
	metaData, table, dataErrors, err := LoadData(params, nil)
	require.NoError(t, err)
	require.Len(t, dataErrors, 1) // "five" is not a number
	require.Equal(t, 6, dataErrors[0].Line)
	require.Equal(t, 4, table.Size())

	require.Equal(t, []bool{true, false, false}, metaData.CategoricalIndicator())
	require.Equal(t, []float64{0, 1, 10}, table.X[0])
	require.Equal(t, []float64{1, 2, 20}, table.X[1])
	require.Equal(t, []float64{-1, 4, 40}, table.X[3])
	require.Equal(t, []float64{0, 1, 0, 2}, table.Y)
	require.Equal(t, model.Categorical, metaData.TargetType())

	// columns are matched by name, unknown categories become missing, unknown classes are errors
	_, testTable, dataErrors, err := ReadData(strings.NewReader(testData), params, metaData)
	require.NoError(t, err)
	require.Len(t, dataErrors, 1)
	require.Equal(t, [][]float64{{1, 1.5, 11}, {-1, 2.5, 12}}, testTable.X)
	require.Equal(t, []float64{1, 0}, testTable.Y)
}

func TestReadData_Regression(t *testing.T) {
	params := DataParameters{TargetColumn: "weight", CategoricalColumns: NewSet("color", "label"), Regression: true}
	metaData, table, dataErrors, err := ReadData(strings.NewReader(trainData), params, nil)
	require.NoError(t, err)
	require.Len(t, dataErrors, 1)
	require.Equal(t, model.Continuous, metaData.TargetType())
	require.Equal(t, []float64{10, 20, 30, 40}, table.Y)
	require.Equal(t, []int{4, 4}, metaData.Cardinalities())
}

func TestReadData_WithoutTarget(t *testing.T) {
	params := DataParameters{TargetColumn: "label", CategoricalColumns: NewSet("color")}
	metaData, _, _, err := ReadData(strings.NewReader(trainData), params, nil)
	require.NoError(t, err)

	_, table, dataErrors, err := ReadData(strings.NewReader("color,size,weight\nred,1,2\n"), params, metaData)
	require.NoError(t, err)
	require.Empty(t, dataErrors)
	require.Nil(t, table.Y)
	require.Equal(t, [][]float64{{0, 1, 2}}, table.X)

	_, _, _, err = ReadData(strings.NewReader("color,weight\nred,2\n"), params, metaData)
	require.Error(t, err)
}

func TestReadData_MissingTargetColumn(t *testing.T) {
	_, _, _, err := ReadData(strings.NewReader(trainData), DataParameters{TargetColumn: "price"}, nil)
	require.Error(t, err)
}

func TestModel_SaveLoad(t *testing.T) {
	m := &model.Model{
		MetaData:    model.NewMetadata(),
		Spec:        model.TaskSpec{DIn: 1, CategoricalIndicator: []bool{false}, Regression: true, DOut: 1},
		Weights:     model.State{{1, 2}},
		PredictMean: true,
		TargetMean:  3.5,
	}
	var b bytes.Buffer
	require.NoError(t, SaveModel(m, &b))
	loaded, err := LoadModel(&b)
	require.NoError(t, err)
	require.Equal(t, m.Spec, loaded.Spec)
	require.Equal(t, m.Weights, loaded.Weights)
	require.True(t, loaded.PredictMean)
	require.Equal(t, 3.5, loaded.TargetMean)
}

func TestDataSet(t *testing.T) {
	ds := NewDataSet(10, 4, rand.New(rand.NewSource(1)))
	var sizes []int
	for ds.HasNext() {
		sizes = append(sizes, len(ds.Next()))
	}
	require.Equal(t, []int{4, 4, 2}, sizes)

	splits := ds.RandomSplit(7, 3)
	all := append(splits[0].Indices(), splits[1].Indices()...)
	sort.Ints(all)
	require.Equal(t, ds.Indices(), all)

	splits[0].ResetOrder(RandomOrder)
	var seen []int
	for splits[0].HasNext() {
		seen = append(seen, splits[0].Next()...)
	}
	sort.Ints(seen)
	expected := splits[0].Indices()
	sort.Ints(expected)
	require.Equal(t, expected, seen)
}
