package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAccuracy(t *testing.T) {
	accuracy, err := Accuracy([]int{0, 1, 2, 1}, []int{0, 1, 2, 1})
	assert.NoError(t, err)
	assert.Equal(t, 1.0, accuracy)

	accuracy, err = Accuracy([]int{0, 1, 0, 1}, []int{0, 0, 1, 1})
	assert.NoError(t, err)
	assert.Equal(t, 0.5, accuracy)

	accuracy, err = Accuracy(nil, nil)
	assert.NoError(t, err)
	assert.Equal(t, 0.0, accuracy)

	_, err = Accuracy([]int{0}, []int{0, 1})
	assert.Error(t, err)
}

func TestNDCGPerfectRanking(t *testing.T) {
	scores := []float32{0.9, 0.5, 0.1}
	labels := []int{2, 1, 0}
	groups := []string{"q1", "q1", "q1"}
	ndcg, err := NDCG(scores, labels, groups, 10)
	assert.NoError(t, err)
	assert.InDelta(t, 1.0, ndcg, 1e-9)
}

func TestNDCGReversedRankingIsWorse(t *testing.T) {
	labels := []int{2, 1, 0}
	groups := []string{"q1", "q1", "q1"}
	reversed, err := NDCG([]float32{0.1, 0.5, 0.9}, labels, groups, 10)
	assert.NoError(t, err)
	assert.Greater(t, reversed, 0.0)
	assert.Less(t, reversed, 1.0)
}

func TestNDCGSkipsGroupsWithoutRelevantDocuments(t *testing.T) {
	scores := []float32{0.9, 0.1, 0.8, 0.2}
	labels := []int{0, 0, 1, 0}
	groups := []string{"empty", "empty", "q1", "q1"}
	ndcg, err := NDCG(scores, labels, groups, 10)
	assert.NoError(t, err)
	// only q1 counts, and its relevant document is ranked first
	assert.InDelta(t, 1.0, ndcg, 1e-9)
}

func TestNDCGMisalignedInputs(t *testing.T) {
	_, err := NDCG([]float32{0.1}, []int{0, 1}, []string{"q1"}, 10)
	assert.Error(t, err)
}

func TestAverage(t *testing.T) {
	averaged, err := Average([]map[string]float64{
		{"acc": 0.8, "ndcg": 0.6},
		{"acc": 0.6, "ndcg": 0.8},
	})
	assert.NoError(t, err)
	assert.InDelta(t, 0.7, averaged["acc"], 1e-9)
	assert.InDelta(t, 0.7, averaged["ndcg"], 1e-9)
}

func TestAverageEmptyList(t *testing.T) {
	averaged, err := Average(nil)
	assert.NoError(t, err)
	assert.Equal(t, map[string]float64{}, averaged)
}

func TestAverageMismatchedKeys(t *testing.T) {
	_, err := Average([]map[string]float64{
		{"acc": 0.8},
		{"ndcg": 0.6},
	})
	assert.Error(t, err)

	_, err = Average([]map[string]float64{
		{"acc": 0.8},
		{"acc": 0.6, "ndcg": 0.6},
	})
	assert.Error(t, err)
}
