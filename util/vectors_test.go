package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMean(t *testing.T) {
	assert.InDelta(t, 2.0, Mean([]float32{1, 2, 3}), 1e-6)
}

func TestSoftMax(t *testing.T) {
	scores := SoftMax([]float32{1, 2, 3})
	sum := float32(0)
	for _, score := range scores {
		sum += score
	}
	assert.InDelta(t, 1.0, sum, 1e-6)
	assert.Greater(t, scores[2], scores[1])
	assert.Greater(t, scores[1], scores[0])
}

func TestArgMax(t *testing.T) {
	index, value, err := ArgMax([]float32{0.1, 0.7, 0.2})
	assert.NoError(t, err)
	assert.Equal(t, 1, index)
	assert.InDelta(t, 0.7, value, 1e-6)

	_, _, err = ArgMax(nil)
	assert.Error(t, err)
}
