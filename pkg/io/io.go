package io

import (
	"encoding/csv"
	"encoding/gob"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"tabkit/pkg/model"
)

type void struct{}

var Void = void{}

type Set map[string]void

func NewSet(values ...string) Set {
	set := Set{}
	for _, val := range values {
		set[val] = Void
	}
	return set
}

type DataParameters struct {
	DataFile           string
	TargetColumn       string
	CategoricalColumns Set
	Regression         bool
}

type DataError struct {
	Line  int
	Error string
}

// Table is a raw feature matrix. Categorical columns hold category codes, with -1 for
// missing or unknown values.
type Table struct {
	X [][]float64
	Y []float64
}

func (t *Table) Size() int {
	return len(t.X)
}

// LoadData reads a CSV file. When metaData is nil a new one is built from the file, otherwise
// the file is parsed with the columns, category codes and target classes of metaData.
func LoadData(p DataParameters, metaData *model.Metadata) (*model.Metadata, *Table, []DataError, error) {
	inputFile, err := os.Open(p.DataFile)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("error opening file: %w", err)
	}
	defer inputFile.Close()
	return ReadData(inputFile, p, metaData)
}

func ReadData(input io.Reader, p DataParameters, metaData *model.Metadata) (*model.Metadata, *Table, []DataError, error) {
	var errors []DataError

	reader := csv.NewReader(input)
	reader.Comma = ','

	//First line is expected to be a header
	header, err := reader.Read()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("error reading data header: %w", err)
	}

	newMetadata := false
	if metaData == nil {
		metaData = model.NewMetadata()
		newMetadata = true
		if err := buildColumns(p, metaData, header); err != nil {
			return nil, nil, nil, err
		}
	}

	columns, targetColumn, err := mapHeader(metaData, header)
	if err != nil {
		return nil, nil, nil, err
	}

	table := &Table{}
	currentLine := 1
	for record, err := reader.Read(); err != io.EOF; record, err = reader.Read() {
		currentLine++
		if err != nil {
			errors = append(errors, DataError{Line: currentLine, Error: err.Error()})
			continue
		}

		var target float64
		if targetColumn >= 0 {
			target, err = parseTarget(newMetadata, metaData, record[targetColumn])
			if err != nil {
				errors = append(errors, DataError{Line: currentLine, Error: err.Error()})
				continue
			}
		}

		features, err := parseFeatures(metaData, newMetadata, columns, record)
		if err != nil {
			errors = append(errors, DataError{Line: currentLine, Error: err.Error()})
			continue
		}

		table.X = append(table.X, features)
		if targetColumn >= 0 {
			table.Y = append(table.Y, target)
		}
	}

	return metaData, table, errors, nil
}

// mapHeader returns, for every feature, the position of its column in header, and the
// position of the target column (or -1 when the file has no target column).
func mapHeader(metaData *model.Metadata, header []string) ([]int, int, error) {
	positions := make(map[string]int, len(header))
	for i, name := range header {
		positions[name] = i
	}
	columns := make([]int, metaData.FeatureCount())
	for index, name := range metaData.FeatureNames() {
		position, ok := positions[name]
		if !ok {
			return nil, -1, fmt.Errorf("feature column %s not found in data header", name)
		}
		columns[index] = position
	}
	targetColumn := -1
	if position, ok := positions[metaData.Columns[metaData.TargetColumn].Name]; ok {
		targetColumn = position
	}
	return columns, targetColumn, nil
}

func parseFeatures(metaData *model.Metadata, newMetadata bool, columns []int, record []string) ([]float64, error) {
	features := make([]float64, len(columns))
	for index, position := range columns {
		column := metaData.Columns[metaData.FeaturesMap.IndexToColumn[index]]
		value := record[position]
		if column.Type == model.Categorical {
			features[index] = float64(metaData.CategoryCode(index, value, newMetadata))
			continue
		}
		parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return nil, fmt.Errorf("error parsing feature %s: %w", column.Name, err)
		}
		features[index] = parsed
	}
	return features, nil
}

func parseTarget(newMetadata bool, metaData *model.Metadata, target string) (float64, error) {
	if metaData.TargetType() == model.Continuous {
		value, err := strconv.ParseFloat(strings.TrimSpace(target), 64)
		if err != nil {
			return 0, fmt.Errorf("error parsing target: %w", err)
		}
		return value, nil
	}

	if newMetadata {
		return metaData.ParseOrAddCategoricalTarget(target), nil
	}
	targetValue, ok := metaData.ParseCategoricalTarget(target)
	if !ok {
		return 0, fmt.Errorf("unknown categorical target value %s", target)
	}
	return targetValue, nil
}

func buildColumns(p DataParameters, metaData *model.Metadata, header []string) error {
	metaData.Columns = make([]model.Column, len(header))
	for i, name := range header {
		metaData.Columns[i].Name = name
		if _, isCategorical := p.CategoricalColumns[name]; isCategorical {
			metaData.Columns[i].Type = model.Categorical
		}
		if name == p.TargetColumn {
			metaData.TargetColumn = i
			metaData.Columns[i].Type = model.Categorical
			if p.Regression {
				metaData.Columns[i].Type = model.Continuous
			}
		}
	}
	if metaData.TargetColumn == -1 {
		return fmt.Errorf("target column %s not found in data header", p.TargetColumn)
	}

	featureIndex := 0
	for i := range metaData.Columns {
		if i != metaData.TargetColumn {
			metaData.FeaturesMap.Set(i, featureIndex)
			featureIndex++
		}
	}
	return nil
}

func SaveModel(model *model.Model, writer io.Writer) error {
	encoder := gob.NewEncoder(writer)
	err := encoder.Encode(model)
	if err != nil {
		return fmt.Errorf("error encoding model: %w", err)
	}
	return nil
}

func LoadModel(input io.Reader) (*model.Model, error) {
	decoder := gob.NewDecoder(input)
	model := model.Model{}
	err := decoder.Decode(&model)
	if err != nil {
		return nil, fmt.Errorf("error decoding model: %w", err)
	}
	return &model, nil
}

func SaveModelFile(m *model.Model, fileName string) error {
	outputFile, err := os.Create(fileName)
	if err != nil {
		return fmt.Errorf("error creating model file %s: %w", fileName, err)
	}
	if err := SaveModel(m, outputFile); err != nil {
		outputFile.Close()
		return err
	}
	return outputFile.Close()
}

func LoadModelFile(fileName string) (*model.Model, error) {
	modelFile, err := os.Open(fileName)
	if err != nil {
		return nil, fmt.Errorf("error opening model file %s: %w", fileName, err)
	}
	defer modelFile.Close()
	return LoadModel(modelFile)
}
