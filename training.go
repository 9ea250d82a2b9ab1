package xglue

import (
	"errors"
	"fmt"
	"math"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	jsoniter "github.com/json-iterator/go"
	"github.com/phuslu/log"

	"github.com/knights-analytics/xglue/util"
)

func (s *TrainingSession) attentionMaskIndex() int {
	for i, meta := range s.model.InputsMeta {
		if meta.Name == "attention_mask" {
			return i
		}
	}
	return -1
}

// classifierGraph builds the per-task classification graph: encoder output,
// masked mean pooling when the encoder returns token embeddings, and a dense
// projection to the task's label count. Head variables live under the
// "heads/<task>" scope so every task gets its own projection while the
// encoder weights are shared.
func (s *TrainingSession) classifierGraph(state *taskState) func(ctx *context.Context, inputs []*context.Node) []*context.Node {
	goMLXModel := s.model.GoMLXModel
	maskIndex := s.attentionMaskIndex()
	return func(ctx *context.Context, inputs []*context.Node) []*context.Node {
		embedding := goMLXModel.Call(ctx.Reuse(), inputs)[0]

		if len(embedding.Shape().Dimensions) > 2 {
			batchSize := embedding.Shape().Dim(0)
			embeddingSize := embedding.Shape().Dim(-1)
			embedding = graph.Reshape(embedding, batchSize, -1, embeddingSize)
			if s.float16 {
				embedding = graph.ConvertDType(embedding, dtypes.Float16)
			}
			mask := graph.ConvertDType(graph.BroadcastToShape(graph.Reshape(inputs[maskIndex], batchSize, -1, 1), embedding.Shape()), dtypes.Bool)
			embedding = graph.MaskedReduceMean(embedding, mask, 1)
			if s.float16 {
				embedding = graph.ConvertDType(embedding, dtypes.Float32)
			}
		}

		headCtx := ctx.Checked(false).In("heads").In(state.task.Name)
		logits := layers.Dense(headCtx, embedding, true, state.task.NumLabels())
		return []*context.Node{logits}
	}
}

func trainGoMLX(s *TrainingSession) error {
	goMLXModel := s.model.GoMLXModel
	backend := goMLXModel.Backend
	ctx := goMLXModel.Ctx

	totalSteps := s.totalSteps()
	schedule := NewLinearSchedule(s.config.LearningRate, s.config.WarmupSteps, totalSteps)
	ctx.SetParam(optimizers.ParamLearningRate, schedule.Rate(1))

	trainers := make([]*train.Trainer, len(s.taskStates))
	for i, state := range s.taskStates {
		graphFn := s.classifierGraph(state)
		modelFn := func(ctx *context.Context, spec any, inputs []*context.Node) []*context.Node {
			return graphFn(ctx, inputs)
		}
		trainers[i] = train.NewTrainer(backend,
			ctx,
			modelFn,
			s.config.GOMLXTrainingOptions.Loss,
			s.config.GOMLXTrainingOptions.Optimizer,
			nil,
			nil)
	}

	if s.config.Verbose {
		fmt.Printf("Training %d tasks for %d steps, sampling probabilities %v\n",
			len(s.taskStates), totalSteps, s.multiTask.Probabilities())
	}

	interval := s.loggingInterval()
	var windowLoss float32
	windowCount := 0
	bestScore := math.Inf(-1)
	badEvals := 0

	for step := 1; step <= totalSteps; step++ {
		spec, inputs, labels, yieldErr := s.multiTask.Yield()
		if yieldErr != nil {
			return yieldErr
		}
		taskIndex := spec.(int)

		learningRate := schedule.Rate(step)
		trainErr := exceptions.TryCatch[error](func() {
			optimizers.LearningRateVar(ctx, dtypes.Float32, learningRate).
				SetValue(tensors.FromScalar(float32(learningRate)))
			metrics := trainers[taskIndex].TrainStep(spec, inputs, labels)
			windowLoss += tensors.ToScalar[float32](metrics[0])
		})
		for _, tensor := range inputs {
			tensor.FinalizeAll()
		}
		for _, tensor := range labels {
			tensor.FinalizeAll()
		}
		if trainErr != nil {
			return trainErr
		}
		windowCount++

		if step%interval == 0 {
			averageLoss := windowLoss / float32(windowCount)
			s.statistics.GlobalSteps = append(s.statistics.GlobalSteps, step)
			s.statistics.TrainLosses = append(s.statistics.TrainLosses, averageLoss)
			if s.config.Verbose {
				fmt.Printf("step %d/%d lr %.3g loss %.4f\n", step, totalSteps, learningRate, averageLoss)
			}
			windowLoss, windowCount = 0, 0

			if s.evaluateDuringTraining || s.earlyStopping != nil {
				score, evalErr := s.validationScore(step)
				if evalErr != nil {
					return evalErr
				}
				s.statistics.EvalScores = append(s.statistics.EvalScores, score)
				if s.earlyStopping != nil {
					if score > bestScore+s.earlyStopping.tolerance {
						bestScore = score
						badEvals = 0
					} else {
						badEvals++
						if badEvals >= s.earlyStopping.patience {
							if s.config.Verbose {
								fmt.Printf("stopping early at step %d, no improvement in %d evaluations\n", step, badEvals)
							}
							return s.saveTo(s.config.OutputDir, step, schedule)
						}
					}
				}
			}
		}

		if s.config.SaveSteps > 0 && step%s.config.SaveSteps == 0 {
			checkpointDir := util.PathJoinSafe(s.config.OutputDir, fmt.Sprintf("checkpoint-%d", step))
			if err := s.saveTo(checkpointDir, step, schedule); err != nil {
				return err
			}
		}
	}

	log.Info().Int("steps", totalSteps).Msg("Training complete")
	return s.saveTo(s.config.OutputDir, totalSteps, schedule)
}

// validationScore averages the primary metric over the valid split of every
// training task.
func (s *TrainingSession) validationScore(step int) (float64, error) {
	total := 0.0
	for _, state := range s.taskStates {
		results, err := s.evaluateSplit(state, "valid")
		if err != nil {
			return 0, err
		}
		average, err := averageResults(results)
		if err != nil {
			return 0, err
		}
		score := average[state.task.Metric]
		total += score
		if s.evaluateDuringTraining {
			if err = appendEvalLog(s.config.OutputDir, state.task.Name, step, average); err != nil {
				return 0, err
			}
		}
	}
	return total / float64(len(s.taskStates)), nil
}

// TaskHead is a trained classification head, serialized alongside the onnx
// encoder so that inference-only runtimes can reproduce the task logits.
type TaskHead struct {
	Weights   []float32 `json:"weights"`
	Bias      []float32 `json:"bias"`
	InputDim  int       `json:"input_dim"`
	NumLabels int       `json:"num_labels"`
}

// Apply projects a pooled embedding to logits.
func (h *TaskHead) Apply(pooled []float32) []float32 {
	logits := make([]float32, h.NumLabels)
	copy(logits, h.Bias)
	for i := 0; i < h.InputDim; i++ {
		row := h.Weights[i*h.NumLabels : (i+1)*h.NumLabels]
		for j, weight := range row {
			logits[j] += pooled[i] * weight
		}
	}
	return logits
}

func (s *TrainingSession) headWeights() (map[string]*TaskHead, error) {
	heads := map[string]*TaskHead{}
	ctx := s.model.GoMLXModel.Ctx
	for _, state := range s.taskStates {
		scope := fmt.Sprintf("/heads/%s", state.task.Name)
		var weightsVar, biasVar *context.Variable
		ctx.EnumerateVariables(func(v *context.Variable) {
			if v.Scope() != scope {
				return
			}
			switch v.Name() {
			case "weights":
				weightsVar = v
			case "biases":
				biasVar = v
			}
		})
		if weightsVar == nil || biasVar == nil {
			return nil, fmt.Errorf("no trained classification head for task %s", state.task.Name)
		}
		weights := weightsVar.Value()
		dims := weights.Shape().Dimensions
		heads[state.task.Name] = &TaskHead{
			Weights:   tensors.CopyFlatData[float32](weights),
			Bias:      tensors.CopyFlatData[float32](biasVar.Value()),
			InputDim:  dims[0],
			NumLabels: dims[len(dims)-1],
		}
	}
	return heads, nil
}

// LoadTaskHeads reads the classification heads saved next to a checkpoint.
func LoadTaskHeads(path string) (map[string]*TaskHead, error) {
	headBytes, err := util.ReadFileBytes(util.PathJoinSafe(path, "heads.json"))
	if err != nil {
		return nil, err
	}
	heads := map[string]*TaskHead{}
	if err = jsoniter.Unmarshal(headBytes, &heads); err != nil {
		return nil, fmt.Errorf("cannot parse task heads: %w", err)
	}
	return heads, nil
}

// trainingArgs is the serializable view of the run configuration written
// into every checkpoint.
type trainingArgs struct {
	ModelPath    string   `json:"modelPath"`
	DataDir      string   `json:"dataDir"`
	OutputDir    string   `json:"outputDir"`
	Tasks        []string `json:"tasks"`
	Backend      string   `json:"backend"`
	BatchSize    int      `json:"batchSize"`
	MaxSeqLength int      `json:"maxSeqLength"`
	LearningRate float64  `json:"learningRate"`
	WeightDecay  float64  `json:"weightDecay"`
	AdamEpsilon  float64  `json:"adamEpsilon"`
	WarmupSteps  int      `json:"warmupSteps"`
	MaxSteps     int      `json:"maxSteps"`
	MaxEpochs    int      `json:"maxEpochs"`
	TaskRatio    float64  `json:"taskRatio"`
	Seed         int64    `json:"seed"`
	Float16      bool     `json:"float16"`
	Cuda         bool     `json:"cuda"`
}

func (s *TrainingSession) trainingArgs() trainingArgs {
	return trainingArgs{
		ModelPath:    s.config.ModelPath,
		DataDir:      s.config.DataDir,
		OutputDir:    s.config.OutputDir,
		Tasks:        s.config.Tasks,
		Backend:      s.backend,
		BatchSize:    s.config.BatchSize,
		MaxSeqLength: s.config.MaxSeqLength,
		LearningRate: s.config.LearningRate,
		WeightDecay:  s.config.WeightDecay,
		AdamEpsilon:  s.config.AdamEpsilon,
		WarmupSteps:  s.config.WarmupSteps,
		MaxSteps:     s.maxSteps,
		MaxEpochs:    s.maxEpochs,
		TaskRatio:    s.taskRatio,
		Seed:         s.seed,
		Float16:      s.float16,
		Cuda:         s.cuda,
	}
}

type schedulerState struct {
	LastStep int             `json:"lastStep"`
	Schedule *LinearSchedule `json:"schedule"`
}

// LoadSchedulerState reads the step and learning rate schedule saved with a
// checkpoint, for resuming a run.
func LoadSchedulerState(path string) (int, *LinearSchedule, error) {
	stateBytes, err := util.ReadFileBytes(util.PathJoinSafe(path, "scheduler_state.json"))
	if err != nil {
		return 0, nil, err
	}
	state := schedulerState{}
	if err = jsoniter.Unmarshal(stateBytes, &state); err != nil {
		return 0, nil, fmt.Errorf("cannot parse scheduler state: %w", err)
	}
	return state.LastStep, state.Schedule, nil
}

// saveTo writes a complete checkpoint: the fine-tuned encoder as onnx, the
// task heads, the tokenizer files, the training configuration, the scheduler
// state and the loss statistics.
func (s *TrainingSession) saveTo(path string, step int, schedule *LinearSchedule) error {
	if path == "" {
		return fmt.Errorf("path is required")
	}
	goMLXModel := s.model.GoMLXModel
	if goMLXModel == nil {
		return fmt.Errorf("the gomlx backend is required for saving a fine-tuned model")
	}

	var writeErr error
	modelWriter, err := util.NewFileWriter(util.PathJoinSafe(path, "model.onnx"))
	if err != nil {
		return err
	}
	writeErr = errors.Join(writeErr, goMLXModel.Save(modelWriter), modelWriter.Close())

	writeErr = errors.Join(writeErr, copyTokenizer(s.model.Path, path))

	heads, err := s.headWeights()
	if err != nil {
		return errors.Join(writeErr, err)
	}
	writeErr = errors.Join(writeErr, s.writeJSON(util.PathJoinSafe(path, "heads.json"), heads))
	writeErr = errors.Join(writeErr, s.writeJSON(util.PathJoinSafe(path, "training_args.json"), s.trainingArgs()))
	writeErr = errors.Join(writeErr, s.writeJSON(util.PathJoinSafe(path, "scheduler_state.json"), schedulerState{
		LastStep: step,
		Schedule: schedule,
	}))
	writeErr = errors.Join(writeErr, s.writeJSON(util.PathJoinSafe(path, "statistics.json"), s.statistics))
	return writeErr
}

func (s *TrainingSession) writeJSON(path string, value any) error {
	valueBytes, err := jsoniter.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", path, err)
	}
	writer, err := util.NewFileWriter(path)
	if err != nil {
		return err
	}
	_, writeErr := writer.Write(valueBytes)
	return errors.Join(writeErr, writer.Close())
}
