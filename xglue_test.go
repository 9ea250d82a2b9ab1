package xglue

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func testConfig() TrainingConfig {
	return TrainingConfig{
		ModelPath: "./model",
		DataDir:   "./data",
		OutputDir: "./output",
		Tasks:     []string{"xnli", "qam"},
	}
}

func TestValidateFloat16RequiresXLA(t *testing.T) {
	config := testConfig()
	config.Options = []TrainingOption{WithFloat16()}
	_, err := NewGoTrainingSession(config)
	assert.ErrorContains(t, err, "float16 training requires the XLA backend")
}

func TestValidateLoggingFlagsAreExclusive(t *testing.T) {
	config := testConfig()
	config.Options = []TrainingOption{
		WithLoggingSteps(100),
		WithLoggingStepsInSample(3200),
	}
	_, err := NewGoTrainingSession(config)
	assert.ErrorContains(t, err, "mutually exclusive")
}

func TestValidateUnknownTask(t *testing.T) {
	config := testConfig()
	config.Tasks = []string{"xnli", "squad"}
	_, err := NewGoTrainingSession(config)
	assert.ErrorContains(t, err, "task squad not found")
}

func TestValidateRequiredPaths(t *testing.T) {
	config := testConfig()
	config.ModelPath = ""
	_, err := NewGoTrainingSession(config)
	assert.ErrorContains(t, err, "model path is required")

	config = testConfig()
	config.DataDir = ""
	_, err = NewGoTrainingSession(config)
	assert.ErrorContains(t, err, "data dir is required")

	config = testConfig()
	config.Tasks = nil
	_, err = NewGoTrainingSession(config)
	assert.ErrorContains(t, err, "at least one task is required")
}

func TestInvalidTrainingOptions(t *testing.T) {
	session := &TrainingSession{}
	assert.Error(t, WithEpochs(0)(session))
	assert.Error(t, WithMaxSteps(-1)(session))
	assert.Error(t, WithTaskRatio(-1)(session))
	assert.Error(t, WithLoggingSteps(0)(session))
	assert.Error(t, WithLoggingStepsInSample(0)(session))
	assert.Error(t, WithEarlyStoppingParams(0, 1e-4)(session))
	assert.Error(t, WithEarlyStoppingParams(3, 0)(session))
}

func TestLoggingInterval(t *testing.T) {
	session := &TrainingSession{config: TrainingConfig{BatchSize: 32}}
	assert.Equal(t, 500, session.loggingInterval())

	session.loggingSteps = 100
	assert.Equal(t, 100, session.loggingInterval())

	session = &TrainingSession{
		config:               TrainingConfig{BatchSize: 32},
		loggingStepsInSample: 3200,
	}
	assert.Equal(t, 100, session.loggingInterval())

	// never rounds down to zero
	session.loggingStepsInSample = 10
	assert.Equal(t, 1, session.loggingInterval())
}

func TestLinearScheduleRate(t *testing.T) {
	schedule := NewLinearSchedule(1e-3, 10, 110)

	assert.InDelta(t, 1e-4, schedule.Rate(1), 1e-12)
	assert.InDelta(t, 5e-4, schedule.Rate(5), 1e-12)
	assert.InDelta(t, 1e-3, schedule.Rate(10), 1e-12)
	assert.InDelta(t, 5e-4, schedule.Rate(60), 1e-12)
	assert.InDelta(t, 0.0, schedule.Rate(110), 1e-12)
	// steps past the end stay clamped at zero
	assert.InDelta(t, 0.0, schedule.Rate(200), 1e-12)
}

func TestLinearScheduleWithoutWarmup(t *testing.T) {
	schedule := NewLinearSchedule(1e-3, 0, 100)
	assert.InDelta(t, 1e-3*99.0/100.0, schedule.Rate(1), 1e-12)
	assert.InDelta(t, 0.0, schedule.Rate(100), 1e-12)
}

func TestTaskHeadApply(t *testing.T) {
	head := &TaskHead{
		// row-major (inputDim, numLabels)
		Weights:   []float32{1, 0, 0, 1, 1, 1},
		Bias:      []float32{0.5, -0.5},
		InputDim:  3,
		NumLabels: 2,
	}
	logits := head.Apply([]float32{1, 2, 3})
	assert.InDelta(t, 1*1+2*0+3*1+0.5, logits[0], 1e-6)
	assert.InDelta(t, 1*0+2*1+3*1-0.5, logits[1], 1e-6)
}

func TestLoadOptionalTaskHeads(t *testing.T) {
	dir := t.TempDir()

	// no heads.json means a checkpoint exported with task logits
	heads, err := loadOptionalTaskHeads(dir)
	assert.NoError(t, err)
	assert.Nil(t, heads)

	assert.NoError(t, os.WriteFile(filepath.Join(dir, "heads.json"), []byte("not json"), 0o644))
	_, err = loadOptionalTaskHeads(dir)
	assert.ErrorContains(t, err, "cannot parse task heads")
}

func TestReshapeRows(t *testing.T) {
	rows, err := reshapeRows([]float32{1, 2, 3, 4, 5, 6}, 3)
	assert.NoError(t, err)
	assert.Len(t, rows, 2)
	assert.Equal(t, []float32{4, 5, 6}, rows[1])

	_, err = reshapeRows([]float32{1, 2, 3}, 2)
	assert.Error(t, err)
}

func TestExpectedGrade(t *testing.T) {
	// uniform logits average the grade indices
	assert.InDelta(t, 1.0, float64(expectedGrade([]float32{0, 0, 0})), 1e-6)
	// a dominant last logit pulls the grade towards it
	assert.Greater(t, expectedGrade([]float32{0, 0, 10}), float32(1.9))
}

func TestQueryKey(t *testing.T) {
	assert.Equal(t, "how tall is it", queryKey("how tall is it [SEP] very tall [SEP]", " [SEP] "))
	assert.Equal(t, "no separator here", queryKey("no separator here", " [SEP] "))
}
