package datasets

import (
	"io"
	"math/rand"
	"testing"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/stretchr/testify/assert"

	"github.com/knights-analytics/xglue/backends"
	"github.com/knights-analytics/xglue/tasks"
)

func qamTask(t *testing.T) *tasks.Task {
	t.Helper()
	task, err := tasks.Get("qam")
	assert.NoError(t, err)
	return task
}

func TestNewClassificationDataset(t *testing.T) {
	task := qamTask(t)
	dataset, err := NewClassificationDataset(task, t.TempDir(), "train", "en", 32, 128)
	assert.NoError(t, err)
	assert.Equal(t, "qam-train-en", dataset.Name())
	assert.Equal(t, 0, dataset.NumExamples())
}

func TestClassificationDatasetValidate(t *testing.T) {
	task := qamTask(t)

	_, err := NewClassificationDataset(nil, t.TempDir(), "train", "en", 32, 128)
	assert.ErrorContains(t, err, "task is required")

	_, err = NewClassificationDataset(task, "", "train", "en", 32, 128)
	assert.ErrorContains(t, err, "data dir is required")

	_, err = NewClassificationDataset(task, t.TempDir(), "train", "en", 0, 128)
	assert.ErrorContains(t, err, "batch size")

	_, err = NewClassificationDataset(task, t.TempDir(), "train", "en", 32, 0)
	assert.ErrorContains(t, err, "max sequence length")

	badMode := *task
	badMode.OutputMode = "regression"
	_, err = NewClassificationDataset(&badMode, t.TempDir(), "train", "en", 32, 128)
	assert.ErrorContains(t, err, "no output mode regression")
}

func testFeatures(n int) []backends.Feature {
	features := make([]backends.Feature, n)
	for i := range features {
		features[i] = backends.Feature{
			GUID:          "train-en-" + string(rune('1'+i)),
			Raw:           "text",
			TokenIDs:      []uint32{101, uint32(i + 1), 102},
			TypeIDs:       []uint32{0, 0, 0},
			AttentionMask: []uint32{1, 1, 1},
			Label:         int32(i % 2),
		}
	}
	return features
}

func TestFeatureCacheRoundTrip(t *testing.T) {
	task := qamTask(t)
	dataDir := t.TempDir()

	written, err := NewClassificationDataset(task, dataDir, "train", "en", 32, 128)
	assert.NoError(t, err)
	written.features = testFeatures(3)
	written.CacheName = "test"
	assert.NoError(t, written.writeFeatureCache(written.cachePath()))

	read, err := NewClassificationDataset(task, dataDir, "train", "en", 32, 128)
	assert.NoError(t, err)
	read.CacheName = "test"
	assert.NoError(t, read.readFeatureCache(read.cachePath()))
	assert.Equal(t, written.features, read.features)
}

func TestClassificationDatasetShuffleAndReset(t *testing.T) {
	task := qamTask(t)
	dataset, err := NewClassificationDataset(task, t.TempDir(), "train", "en", 2, 128)
	assert.NoError(t, err)
	dataset.features = testFeatures(10)

	before := make([]backends.Feature, len(dataset.features))
	copy(before, dataset.features)
	dataset.Shuffle(rand.New(rand.NewSource(42)))
	assert.ElementsMatch(t, before, dataset.features)

	dataset.batchN = 3
	dataset.Reset()
	assert.Equal(t, 0, dataset.batchN)
}

func TestConcatDatasetValidate(t *testing.T) {
	_, err := NewConcatDataset(nil)
	assert.ErrorContains(t, err, "at least one child dataset is required")
}

func concatChild(t *testing.T, labels []int32, batchSize int) *ClassificationDataset {
	t.Helper()
	dataset, err := NewClassificationDataset(qamTask(t), t.TempDir(), "train", "en", batchSize, 8)
	assert.NoError(t, err)
	features := make([]backends.Feature, len(labels))
	for i, label := range labels {
		features[i] = backends.Feature{
			TokenIDs:      []uint32{101, 102},
			TypeIDs:       []uint32{0, 0},
			AttentionMask: []uint32{1, 1},
			Label:         label,
		}
	}
	dataset.features = features
	dataset.model = &backends.Model{InputsMeta: []backends.InputOutputInfo{{Name: "input_ids"}}}
	dataset.runtime = "GO"
	return dataset
}

func drainLabels(t *testing.T, dataset Dataset) [][]int32 {
	t.Helper()
	var batches [][]int32
	for {
		_, _, labels, err := dataset.Yield()
		if err != nil {
			assert.Equal(t, io.EOF, err)
			return batches
		}
		batches = append(batches, tensors.CopyFlatData[int32](labels[0]))
	}
}

func TestConcatDatasetDrainAndReset(t *testing.T) {
	first := concatChild(t, []int32{1, 1, 1}, 2)
	second := concatChild(t, []int32{0, 0}, 2)
	concat, err := NewConcatDataset([]*ClassificationDataset{first, second})
	assert.NoError(t, err)

	batches := drainLabels(t, concat)
	assert.Equal(t, [][]int32{{1, 1}, {1}, {0, 0}}, batches)

	_, _, _, err = concat.Yield()
	assert.Equal(t, io.EOF, err)

	concat.Reset()
	assert.Equal(t, 0, first.batchN)
	assert.Equal(t, 0, second.batchN)
	assert.Equal(t, [][]int32{{1, 1}, {1}, {0, 0}}, drainLabels(t, concat))
}

func TestConcatDatasetName(t *testing.T) {
	task := qamTask(t)
	first, err := NewClassificationDataset(task, t.TempDir(), "train", "en", 32, 128)
	assert.NoError(t, err)
	second, err := NewClassificationDataset(task, t.TempDir(), "valid", "de", 32, 128)
	assert.NoError(t, err)

	concat, err := NewConcatDataset([]*ClassificationDataset{first, second})
	assert.NoError(t, err)
	assert.Equal(t, "qam-train-en+qam-valid-de", concat.Name())

	first.features = testFeatures(3)
	second.features = testFeatures(2)
	assert.Equal(t, 5, concat.NumExamples())
}
