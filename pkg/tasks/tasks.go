// Package tasks keeps collections of benchmark tasks and the summary information used to
// filter and split them.
package tasks

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"

	"tabkit/pkg/io"
	"tabkit/pkg/model"
)

// DataPathEnv names the environment variable holding the root of the task data
const DataPathEnv = "TABKIT_DATA_PATH"

var ErrNoDataPath = errors.New(DataPathEnv + " is not set")

// Description identifies a task by the source it was imported from and its name
type Description struct {
	Source string `json:"source"`
	Name   string `json:"name"`
}

func (d Description) String() string {
	return d.Source + "/" + d.Name
}

// Info summarizes the shape of a task
type Info struct {
	Description   Description `json:"task_desc"`
	NumSamples    int         `json:"n_samples"`
	NumContinuous int         `json:"n_cont"`
	// CategorySizes includes the slot of missing values
	CategorySizes []int `json:"cat_sizes"`
	// NumClasses is 0 for regression tasks
	NumClasses int `json:"n_classes"`
}

func (i Info) NumFeatures() int {
	return i.NumContinuous + len(i.CategorySizes)
}

func (i Info) MaxCategorySize() int {
	result := 0
	for _, size := range i.CategorySizes {
		if size > result {
			result = size
		}
	}
	return result
}

// OneHotSize is the input width after one-hot encoding. The missing category is not
// encoded, and a category with two values besides missing needs a single column.
func (i Info) OneHotSize() int {
	result := i.NumContinuous
	for _, size := range i.CategorySizes {
		if size == 3 {
			result++
		} else {
			result += size - 1
		}
	}
	return result
}

// NewInfo summarizes a loaded CSV task
func NewInfo(desc Description, metaData *model.Metadata, table *io.Table) Info {
	sizes := metaData.Cardinalities()
	info := Info{
		Description:   desc,
		NumSamples:    table.Size(),
		NumContinuous: metaData.FeatureCount() - len(sizes),
		CategorySizes: sizes,
	}
	if metaData.TargetType() == model.Categorical {
		info.NumClasses = metaData.TargetMap.Size()
	}
	return info
}

// Collection is a named list of tasks
type Collection struct {
	Name  string        `json:"name"`
	Tasks []Description `json:"task_descs"`
}

// Paths lays out task data below a root directory
type Paths struct {
	Root string
}

func PathsFromEnv() (Paths, error) {
	root := os.Getenv(DataPathEnv)
	if root == "" {
		return Paths{}, ErrNoDataPath
	}
	return Paths{Root: root}, nil
}

func (p Paths) CollectionFile(name string) string {
	return filepath.Join(p.Root, "task_collections", name+".json")
}

func (p Paths) InfoFile(desc Description) string {
	return filepath.Join(p.Root, "tasks", desc.Source, desc.Name, "info.json")
}

func (p Paths) SaveCollection(c Collection) error {
	return writeJSON(p.CollectionFile(c.Name), c)
}

func (p Paths) LoadCollection(name string) (Collection, error) {
	var c Collection
	err := readJSON(p.CollectionFile(name), &c)
	return c, err
}

func (p Paths) SaveInfo(info Info) error {
	return writeJSON(p.InfoFile(info.Description), info)
}

func (p Paths) LoadInfo(desc Description) (Info, error) {
	var info Info
	err := readJSON(p.InfoFile(desc), &info)
	return info, err
}

func (p Paths) LoadInfos(c Collection) ([]Info, error) {
	infos := make([]Info, 0, len(c.Tasks))
	for _, desc := range c.Tasks {
		info, err := p.LoadInfo(desc)
		if err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// AddTask saves the info of a task and appends the task to a collection, creating the
// collection when needed. A task already in the collection is not added twice.
func (p Paths) AddTask(collection string, info Info) error {
	if err := p.SaveInfo(info); err != nil {
		return err
	}
	c, err := p.LoadCollection(collection)
	if errors.Is(err, os.ErrNotExist) {
		c = Collection{Name: collection}
	} else if err != nil {
		return err
	}
	for _, desc := range c.Tasks {
		if desc == info.Description {
			return nil
		}
	}
	c.Tasks = append(c.Tasks, info.Description)
	return p.SaveCollection(c)
}

func writeJSON(fileName string, value interface{}) error {
	if err := os.MkdirAll(filepath.Dir(fileName), 0o755); err != nil {
		return fmt.Errorf("error creating directory for %s: %w", fileName, err)
	}
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("error encoding %s: %w", fileName, err)
	}
	if err := ioutil.WriteFile(fileName, data, 0o644); err != nil {
		return fmt.Errorf("error writing %s: %w", fileName, err)
	}
	return nil
}

func readJSON(fileName string, value interface{}) error {
	data, err := ioutil.ReadFile(fileName)
	if err != nil {
		return fmt.Errorf("error reading %s: %w", fileName, err)
	}
	if err := json.Unmarshal(data, value); err != nil {
		return fmt.Errorf("error decoding %s: %w", fileName, err)
	}
	return nil
}

// CheckTask reports whether a task has at least minSamples rows and at most maxOneHotSize
// one-hot encoded features. Non-positive limits are not checked.
func CheckTask(info Info, minSamples, maxOneHotSize int) bool {
	if minSamples > 0 && info.NumSamples < minSamples {
		log.Info().Str("Task", info.Description.String()).Int("Samples", info.NumSamples).
			Msg("Ignoring task with too few samples")
		return false
	}
	if maxOneHotSize > 0 && info.OneHotSize() > maxOneHotSize {
		log.Info().Str("Task", info.Description.String()).Int("OneHotSize", info.OneHotSize()).
			Msg("Ignoring task that is too high-dimensional after one-hot encoding")
		return false
	}
	return true
}

const (
	minInDistSamples = 1500
	maxInDistSamples = 60000
	maxInDistFeature = 750
	maxInDistCatSize = 50
)

// IsOutOfDistribution reports whether a task is unlike the tasks of the meta-training
// benchmark: too small or too large, too wide, or with a large categorical column.
func IsOutOfDistribution(info Info) bool {
	return info.NumSamples < minInDistSamples || info.NumSamples > maxInDistSamples ||
		info.NumFeatures() > maxInDistFeature ||
		info.MaxCategorySize() > maxInDistCatSize
}

func SplitByDistribution(infos []Info) (inDist, outOfDist []Description) {
	for _, info := range infos {
		if IsOutOfDistribution(info) {
			outOfDist = append(outOfDist, info.Description)
		} else {
			inDist = append(inDist, info.Description)
		}
	}
	return inDist, outOfDist
}

// SplitByClassCount separates binary from multi-class tasks. Regression tasks are dropped.
func SplitByClassCount(infos []Info) (binary, multi []Description) {
	for _, info := range infos {
		switch {
		case info.NumClasses == 2:
			binary = append(binary, info.Description)
		case info.NumClasses > 2:
			multi = append(multi, info.Description)
		}
	}
	return binary, multi
}

// SplitCollectionByDistribution saves the in- and out-of-distribution tasks of a collection
// as <name>-indist and <name>-oodist
func (p Paths) SplitCollectionByDistribution(name string) (Collection, Collection, error) {
	infos, err := p.loadCollectionInfos(name)
	if err != nil {
		return Collection{}, Collection{}, err
	}
	inDist, outOfDist := SplitByDistribution(infos)
	return p.saveSplit(Collection{Name: name + "-indist", Tasks: inDist},
		Collection{Name: name + "-oodist", Tasks: outOfDist})
}

// SplitCollectionByClassCount saves the binary and multi-class tasks of a collection. A
// "-class" suffix of name is kept last: meta-train-class becomes meta-train-bin-class and
// meta-train-multi-class.
func (p Paths) SplitCollectionByClassCount(name string) (Collection, Collection, error) {
	infos, err := p.loadCollectionInfos(name)
	if err != nil {
		return Collection{}, Collection{}, err
	}
	binary, multi := SplitByClassCount(infos)
	prefix := strings.TrimSuffix(name, "-class")
	return p.saveSplit(Collection{Name: prefix + "-bin-class", Tasks: binary},
		Collection{Name: prefix + "-multi-class", Tasks: multi})
}

func (p Paths) loadCollectionInfos(name string) ([]Info, error) {
	c, err := p.LoadCollection(name)
	if err != nil {
		return nil, err
	}
	return p.LoadInfos(c)
}

func (p Paths) saveSplit(first, second Collection) (Collection, Collection, error) {
	for _, c := range []Collection{first, second} {
		if err := p.SaveCollection(c); err != nil {
			return Collection{}, Collection{}, err
		}
		log.Info().Str("Collection", c.Name).Int("Tasks", len(c.Tasks)).Msg("Saved task collection")
	}
	return first, second, nil
}
