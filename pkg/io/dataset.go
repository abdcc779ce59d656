package io

import (
	"math/rand"
)

// DataSet iterates over the row indices of a Table in batches
type DataSet struct {
	BatchSize    int
	Rand         *rand.Rand
	dataIndices  []int
	currentOrder []int
	currentIndex int
}

type DatasetOrder int

const (
	OriginalOrder DatasetOrder = iota
	RandomOrder
)

func (d *DataSet) ResetOrder(order DatasetOrder) {
	if d.currentOrder == nil {
		d.currentOrder = make([]int, len(d.dataIndices))
	}
	switch order {
	case OriginalOrder:
		copy(d.currentOrder, d.dataIndices)
	case RandomOrder:
		ind := d.Rand.Perm(len(d.currentOrder))
		for i := range ind {
			d.currentOrder[i] = d.dataIndices[ind[i]]
		}
	}

	d.currentIndex = 0
}

func (d *DataSet) HasNext() bool {
	return d.currentIndex < len(d.currentOrder)
}

// Next returns the row indices of the next batch, or an empty slice once the data set is exhausted
func (d *DataSet) Next() []int {
	batch := make([]int, 0, d.BatchSize)
	for ; d.currentIndex < len(d.currentOrder) && len(batch) < d.BatchSize; d.currentIndex++ {
		batch = append(batch, d.currentOrder[d.currentIndex])
	}
	return batch
}

func (d *DataSet) Size() int {
	return len(d.dataIndices)
}

// Indices returns the row indices of the data set in their original order
func (d *DataSet) Indices() []int {
	return append([]int(nil), d.dataIndices...)
}

func NewDataSet(size, batchSize int, rnd *rand.Rand) *DataSet {
	dataIndices := make([]int, size)
	for i := range dataIndices {
		dataIndices[i] = i
	}
	return NewDataSetSplit(dataIndices, batchSize, rnd)
}

func NewDataSetSplit(indices []int, batchSize int, rnd *rand.Rand) *DataSet {
	ds := &DataSet{BatchSize: batchSize, Rand: rnd, dataIndices: indices}
	ds.ResetOrder(OriginalOrder)
	return ds
}

// RandomSplit shuffles the data set and cuts it into consecutive parts of the given sizes
func (d *DataSet) RandomSplit(sizes ...int) []*DataSet {
	indices := make([]int, len(d.dataIndices))
	copy(indices, d.dataIndices)
	d.Rand.Shuffle(len(indices), func(i, j int) {
		indices[i], indices[j] = indices[j], indices[i]
	})
	splits := make([]*DataSet, len(sizes))
	idx := 0
	for i := range sizes {
		splitIndices := make([]int, sizes[i])
		for j := range splitIndices {
			splitIndices[j] = indices[idx]
			idx++
		}
		splits[i] = NewDataSetSplit(splitIndices, d.BatchSize, d.Rand)
	}
	return splits
}
