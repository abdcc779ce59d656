package model

import "strings"

// NameMap implements a bidirectional mapping between a name and an index
type NameMap struct {
	NameToIndex map[string]int
	IndexToName map[int]string
}

func (f NameMap) Set(name string, index int) {
	f.NameToIndex[name] = index
	f.IndexToName[index] = name
}

func (f NameMap) Size() int {
	return len(f.IndexToName)
}

func (f NameMap) ContainsName(name string) (int, bool) {
	index, ok := f.NameToIndex[name]
	return index, ok
}

// ValueFor returns the index of name, adding it when it is not present yet
func (f NameMap) ValueFor(name string) int {
	index, ok := f.NameToIndex[name]
	if !ok {
		index = f.Size()
		f.Set(name, index)
	}
	return index
}

func NewNameMap() NameMap {
	return NameMap{
		NameToIndex: map[string]int{},
		IndexToName: map[int]string{},
	}
}

// ColumnMap is a bidirectional mapping between a data row column index and a feature matrix column index
type ColumnMap struct {
	ColumnToIndex map[int]int
	IndexToColumn map[int]int
}

func (f ColumnMap) Set(column int, index int) {
	f.ColumnToIndex[column] = index
	f.IndexToColumn[index] = column
}

func (f ColumnMap) Size() int {
	return len(f.ColumnToIndex)
}

func (f ColumnMap) GetColumn(column int) (int, bool) {
	index, ok := f.ColumnToIndex[column]
	return index, ok
}

func NewColumnMap() ColumnMap {
	return ColumnMap{
		ColumnToIndex: map[int]int{},
		IndexToColumn: map[int]int{},
	}
}

type ColumnType int

const (
	Continuous ColumnType = iota
	Categorical
)

type Column struct {
	Name string
	Type ColumnType
}

// missingValues are the raw values read as a missing categorical value
var missingValues = map[string]bool{"": true, "?": true, "NA": true, "nan": true}

func IsMissing(value string) bool {
	return missingValues[strings.TrimSpace(value)]
}

type Metadata struct {
	Columns []Column

	// FeaturesMap maps a data row column index to a feature matrix column index
	FeaturesMap ColumnMap

	// CategoryMaps maps a feature matrix column index to the codes of its category names
	CategoryMaps map[int]NameMap

	// TargetColumn points to the column in the data row that contains the prediction target
	TargetColumn int

	// TargetMap contains a mapping of target category names to target category indexes
	TargetMap NameMap
}

func NewMetadata() *Metadata {
	return &Metadata{
		FeaturesMap:  NewColumnMap(),
		CategoryMaps: map[int]NameMap{},
		TargetColumn: -1,
		TargetMap:    NewNameMap(),
	}
}

func (d *Metadata) FeatureCount() int {
	return d.FeaturesMap.Size()
}

func (d *Metadata) TargetType() ColumnType {
	return d.Columns[d.TargetColumn].Type
}

// CategoricalIndicator marks the categorical columns of the feature matrix
func (d *Metadata) CategoricalIndicator() []bool {
	indicator := make([]bool, d.FeatureCount())
	for index := range indicator {
		column := d.FeaturesMap.IndexToColumn[index]
		indicator[index] = d.Columns[column].Type == Categorical
	}
	return indicator
}

// FeatureNames returns the header names of the feature matrix columns
func (d *Metadata) FeatureNames() []string {
	names := make([]string, d.FeatureCount())
	for index := range names {
		names[index] = d.Columns[d.FeaturesMap.IndexToColumn[index]].Name
	}
	return names
}

func (d *Metadata) ParseOrAddCategoricalTarget(value string) float64 {
	return float64(d.TargetMap.ValueFor(value))
}

func (d *Metadata) ParseCategoricalTarget(value string) (float64, bool) {
	target, ok := d.TargetMap.ContainsName(value)
	return float64(target), ok
}

// CategoryCode returns the code of a categorical value, or -1 for missing values and for
// values not seen while building the metadata.
func (d *Metadata) CategoryCode(feature int, value string, add bool) int {
	if IsMissing(value) {
		return -1
	}
	names, ok := d.CategoryMaps[feature]
	if !ok {
		names = NewNameMap()
		d.CategoryMaps[feature] = names
	}
	if add {
		return names.ValueFor(value)
	}
	code, ok := names.ContainsName(value)
	if !ok {
		return -1
	}
	return code
}

// Cardinalities returns the number of known categories of every categorical feature, plus
// one for the unknown category.
func (d *Metadata) Cardinalities() []int {
	var result []int
	for index, isCategorical := range d.CategoricalIndicator() {
		if isCategorical {
			result = append(result, d.CategoryMaps[index].Size()+1)
		}
	}
	return result
}
