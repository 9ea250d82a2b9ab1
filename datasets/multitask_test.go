package datasets

import (
	"io"
	"testing"

	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/stretchr/testify/assert"

	"github.com/knights-analytics/xglue/backends"
)

// stubDataset yields its name size times and then io.EOF, like an in-memory
// task dataset.
type stubDataset struct {
	train.Dataset
	name   string
	size   int
	pos    int
	resets int
}

func (d *stubDataset) Name() string { return d.name }

func (d *stubDataset) Yield() (any, []*tensors.Tensor, []*tensors.Tensor, error) {
	if d.pos >= d.size {
		return nil, nil, nil, io.EOF
	}
	d.pos++
	return d.name, nil, nil, nil
}

func (d *stubDataset) Reset() {
	d.pos = 0
	d.resets++
}

func (d *stubDataset) Validate() error { return nil }

func (d *stubDataset) SetModel(_ *backends.Model, _ string) error { return nil }

func (d *stubDataset) SetVerbose(bool) {}

func (d *stubDataset) NumExamples() int { return d.size }

func (d *stubDataset) Close() error { return nil }

func stubChildren(sizes ...int) []Dataset {
	children := make([]Dataset, len(sizes))
	for i, size := range sizes {
		children[i] = &stubDataset{name: string(rune('a' + i)), size: size}
	}
	return children
}

func TestMultiTaskProbabilitiesSumToOne(t *testing.T) {
	for _, ratio := range []float64{0, 0.5, 1, 2} {
		multiTask, err := NewMultiTaskDataset(stubChildren(100, 50, 25), ratio, 42)
		assert.NoError(t, err)
		sum := 0.0
		for _, probability := range multiTask.Probabilities() {
			sum += probability
		}
		assert.InDelta(t, 1.0, sum, 1e-9, "ratio %f", ratio)
	}
}

func TestMultiTaskProportionalProbabilities(t *testing.T) {
	multiTask, err := NewMultiTaskDataset(stubChildren(300, 100), 1, 42)
	assert.NoError(t, err)
	probabilities := multiTask.Probabilities()
	assert.InDelta(t, 0.75, probabilities[0], 1e-9)
	assert.InDelta(t, 0.25, probabilities[1], 1e-9)
}

func TestMultiTaskUniformAtRatioZero(t *testing.T) {
	multiTask, err := NewMultiTaskDataset(stubChildren(1000, 10, 1), 0, 42)
	assert.NoError(t, err)
	for _, probability := range multiTask.Probabilities() {
		assert.InDelta(t, 1.0/3.0, probability, 1e-9)
	}
}

func TestMultiTaskEqualSizesSampleUniformly(t *testing.T) {
	multiTask, err := NewMultiTaskDataset(stubChildren(10, 10, 10, 10), 1, 42)
	assert.NoError(t, err)

	draws := 20000
	counts := make([]int, 4)
	for i := 0; i < draws; i++ {
		index := multiTask.Sample()
		assert.GreaterOrEqual(t, index, 0)
		assert.Less(t, index, 4)
		counts[index]++
	}
	for _, count := range counts {
		assert.InDelta(t, 0.25, float64(count)/float64(draws), 0.02)
	}
}

func TestMultiTaskYieldNeverEnds(t *testing.T) {
	children := stubChildren(3, 2)
	multiTask, err := NewMultiTaskDataset(children, 1, 42)
	assert.NoError(t, err)

	for i := 0; i < 50; i++ {
		spec, _, _, yieldErr := multiTask.Yield()
		assert.NoError(t, yieldErr)
		index, ok := spec.(int)
		assert.True(t, ok)
		assert.GreaterOrEqual(t, index, 0)
		assert.Less(t, index, len(children))
	}
	// 50 draws from 5 examples must have wrapped both children around
	for _, child := range children {
		assert.Greater(t, child.(*stubDataset).resets, 0)
	}
}

func TestMultiTaskResetRewindsChildren(t *testing.T) {
	children := stubChildren(2, 2)
	multiTask, err := NewMultiTaskDataset(children, 1, 42)
	assert.NoError(t, err)

	_, _, _, err = multiTask.Yield()
	assert.NoError(t, err)
	multiTask.Reset()
	for _, child := range children {
		assert.Equal(t, 0, child.(*stubDataset).pos)
	}
}

func TestMultiTaskInvalidArguments(t *testing.T) {
	_, err := NewMultiTaskDataset(nil, 1, 42)
	assert.Error(t, err)

	_, err = NewMultiTaskDataset(stubChildren(10), -0.5, 42)
	assert.Error(t, err)

	_, err = NewMultiTaskDataset(stubChildren(10, 0), 1, 42)
	assert.Error(t, err)
}
