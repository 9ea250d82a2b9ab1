package datasets

import (
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"strings"

	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/types/tensors"
)

// MultiTaskDataset interleaves several task datasets, picking the next task
// at random with probabilities proportional to dataset size raised to the
// taskRatio exponent. The sequence never ends: an exhausted child is reset
// and sampled again, so the caller decides when to stop.
//
// With taskRatio 1 sampling is proportional to dataset sizes, with 0 it is
// uniform, and values above 1 skew towards the larger tasks.
type MultiTaskDataset struct {
	train.Dataset
	children      []Dataset
	probabilities []float64
	rng           *rand.Rand
}

// NewMultiTaskDataset builds the sampler. Children must already know their
// sizes, which means a model has been attached.
func NewMultiTaskDataset(children []Dataset, taskRatio float64, seed int64) (*MultiTaskDataset, error) {
	if len(children) == 0 {
		return nil, fmt.Errorf("at least one child dataset is required")
	}
	if taskRatio < 0 {
		return nil, fmt.Errorf("task ratio must not be negative")
	}

	total := 0
	sizes := make([]int, len(children))
	for i, child := range children {
		sizes[i] = child.NumExamples()
		if sizes[i] == 0 {
			return nil, fmt.Errorf("child dataset %s is empty", child.Name())
		}
		total += sizes[i]
	}

	probabilities := make([]float64, len(children))
	sum := 0.0
	for i, size := range sizes {
		probabilities[i] = math.Pow(float64(size)/float64(total), taskRatio)
		sum += probabilities[i]
	}
	for i := range probabilities {
		probabilities[i] /= sum
	}

	return &MultiTaskDataset{
		children:      children,
		probabilities: probabilities,
		rng:           rand.New(rand.NewSource(seed)),
	}, nil
}

func (d *MultiTaskDataset) Name() string {
	names := make([]string, len(d.children))
	for i, child := range d.children {
		names[i] = child.Name()
	}
	return "multitask(" + strings.Join(names, ",") + ")"
}

// Probabilities returns the per-child sampling probabilities. They sum to 1.
func (d *MultiTaskDataset) Probabilities() []float64 {
	out := make([]float64, len(d.probabilities))
	copy(out, d.probabilities)
	return out
}

// Sample returns the index of the next child to draw from.
func (d *MultiTaskDataset) Sample() int {
	remainder := d.rng.Float64()
	for i, probability := range d.probabilities {
		remainder -= probability
		if remainder < 0 {
			return i
		}
	}
	// float rounding can leave a sliver above the last cumulative bound
	return len(d.probabilities) - 1
}

// Yield draws a child according to the sampling probabilities and returns its
// next batch, with the child index as the spec. A child that runs out is
// reset and drawn from again, so Yield never returns io.EOF.
func (d *MultiTaskDataset) Yield() (spec any, inputs []*tensors.Tensor, labels []*tensors.Tensor, err error) {
	index := d.Sample()
	child := d.children[index]
	for {
		spec, inputs, labels, err = child.Yield()
		if err == nil {
			return index, inputs, labels, nil
		}
		if err != io.EOF {
			return nil, nil, nil, err
		}
		child.Reset()
	}
}

// Reset rewinds every child. The sampler itself carries no position.
func (d *MultiTaskDataset) Reset() {
	for _, child := range d.children {
		child.Reset()
	}
}

func (d *MultiTaskDataset) Close() error {
	var closeErr error
	for _, child := range d.children {
		closeErr = errors.Join(closeErr, child.Close())
	}
	return closeErr
}

var _ train.Dataset = &MultiTaskDataset{}
var _ Dataset = &ClassificationDataset{}
var _ Dataset = &ConcatDataset{}
