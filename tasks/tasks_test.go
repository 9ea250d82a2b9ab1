package tasks

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGet(t *testing.T) {
	for _, name := range Names() {
		task, err := Get(name)
		assert.NoError(t, err)
		assert.Equal(t, name, task.Name)
		assert.NotEmpty(t, task.Labels)
		assert.NotEmpty(t, task.Languages)
		assert.Contains(t, task.Languages, task.TrainLanguage)
	}

	task, err := Get("XNLI")
	assert.NoError(t, err)
	assert.Equal(t, "xnli", task.Name)

	_, err = Get("squad")
	assert.ErrorContains(t, err, "task squad not found")
}

func TestCheckOutputMode(t *testing.T) {
	assert.NoError(t, CheckOutputMode(OutputModeClassification))
	assert.ErrorContains(t, CheckOutputMode("regression"), "no output mode regression for XGLUE")
}

func TestWithLanguages(t *testing.T) {
	task, err := Get("xnli")
	assert.NoError(t, err)

	restricted, err := task.WithLanguages([]string{"de", "en"})
	assert.NoError(t, err)
	assert.Equal(t, []string{"de", "en"}, restricted.Languages)
	// the registry entry is untouched
	assert.Len(t, task.Languages, 15)

	same, err := task.WithLanguages(nil)
	assert.NoError(t, err)
	assert.Equal(t, task, same)

	_, err = task.WithLanguages([]string{"en", "ja"})
	assert.ErrorContains(t, err, "language ja is not available for task xnli")
}

func TestLabelIndex(t *testing.T) {
	task, err := Get("xnli")
	assert.NoError(t, err)

	index, err := task.LabelIndex("entailment")
	assert.NoError(t, err)
	assert.Equal(t, 1, index)
	assert.Equal(t, 3, task.NumLabels())

	_, err = task.LabelIndex("maybe")
	assert.Error(t, err)
}

func writeSplit(t *testing.T, dataDir, folder, name, content string) {
	t.Helper()
	dir := filepath.Join(dataDir, folder)
	assert.NoError(t, os.MkdirAll(dir, os.ModePerm))
	assert.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestReadSplit(t *testing.T) {
	dataDir := t.TempDir()
	// last line without a trailing newline must still be read
	writeSplit(t, dataDir, "QAM", "train.en.tsv",
		"how tall is the eiffel tower\tthe tower is 330 metres tall\t1\n"+
			"how tall is the eiffel tower\tit was finished in 1889\t0")

	task, err := Get("qam")
	assert.NoError(t, err)
	examples, err := task.TrainExamples(dataDir)
	assert.NoError(t, err)
	assert.Len(t, examples, 2)
	assert.Equal(t, "train-en-1", examples[0].GUID)
	assert.Equal(t, "how tall is the eiffel tower", examples[0].TextA)
	assert.Equal(t, "the tower is 330 metres tall", examples[0].TextB)
	assert.Equal(t, "1", examples[0].Label)
	assert.Equal(t, "0", examples[1].Label)
}

func TestReadSplitMissingFile(t *testing.T) {
	task, err := Get("qam")
	assert.NoError(t, err)
	_, err = task.ValidExamples(t.TempDir(), "de")
	assert.ErrorContains(t, err, "missing valid split")
}

func TestReadSplitBadLabel(t *testing.T) {
	dataDir := t.TempDir()
	writeSplit(t, dataDir, "QAM", "train.en.tsv", "question\tanswer\t7\n")

	task, err := Get("qam")
	assert.NoError(t, err)
	_, err = task.TrainExamples(dataDir)
	assert.ErrorContains(t, err, "line 1")
}

func TestReadSplitWrongColumnCount(t *testing.T) {
	dataDir := t.TempDir()
	writeSplit(t, dataDir, "QAM", "train.en.tsv", "question without answer\t1\n")

	task, err := Get("qam")
	assert.NoError(t, err)
	_, err = task.TrainExamples(dataDir)
	assert.ErrorContains(t, err, "expected 3 tab separated columns")
}

func TestReadSplitEmptyFile(t *testing.T) {
	dataDir := t.TempDir()
	writeSplit(t, dataDir, "QAM", "train.en.tsv", "\n\n")

	task, err := Get("qam")
	assert.NoError(t, err)
	_, err = task.TrainExamples(dataDir)
	assert.ErrorContains(t, err, "no examples")
}

func TestExamplesUnknownSplit(t *testing.T) {
	task, err := Get("qam")
	assert.NoError(t, err)
	_, err = task.Examples(t.TempDir(), "dev", "en")
	assert.ErrorContains(t, err, "unknown split dev")
}
