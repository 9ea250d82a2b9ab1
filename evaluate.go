package xglue

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	jsoniter "github.com/json-iterator/go"

	"github.com/knights-analytics/xglue/backends"
	"github.com/knights-analytics/xglue/datasets"
	"github.com/knights-analytics/xglue/metrics"
	"github.com/knights-analytics/xglue/options"
	"github.com/knights-analytics/xglue/tasks"
	"github.com/knights-analytics/xglue/util"
)

const ndcgCutoff = 10

// logitsFn turns a batch with created input tensors into one logits row per
// feature.
type logitsFn func(batch *backends.FeatureBatch) ([][]float32, error)

// EvalResults holds the per split, per language metric values of one task,
// plus the valid_avg and test_avg cross-language averages.
type EvalResults struct {
	Task     string                                   `json:"task"`
	Splits   map[string]map[string]map[string]float64 `json:"splits"`
	Averages map[string]map[string]float64            `json:"averages"`
}

// Evaluate runs the valid and test splits of a trained task over all its
// languages.
func (s *TrainingSession) Evaluate(taskName string) (*EvalResults, error) {
	var state *taskState
	for _, candidate := range s.taskStates {
		if candidate.task.Name == taskName {
			state = candidate
			break
		}
	}
	if state == nil {
		return nil, fmt.Errorf("task %s is not part of this training session", taskName)
	}
	return evaluateTask(evalPlan{
		model:          s.model,
		backend:        s.backend,
		task:           state.task,
		dataDir:        s.config.DataDir,
		batchSize:      s.config.EvalBatchSize,
		maxSeqLength:   s.config.MaxSeqLength,
		cacheName:      s.config.CacheName,
		overwriteCache: s.config.OverwriteCache,
		verbose:        s.config.Verbose,
		logits:         s.taskLogits(state),
	})
}

func (s *TrainingSession) evaluateSplit(state *taskState, split string) ([]map[string]float64, error) {
	plan := evalPlan{
		model:          s.model,
		backend:        s.backend,
		task:           state.task,
		dataDir:        s.config.DataDir,
		batchSize:      s.config.EvalBatchSize,
		maxSeqLength:   s.config.MaxSeqLength,
		cacheName:      s.config.CacheName,
		overwriteCache: s.config.OverwriteCache,
		verbose:        s.config.Verbose,
		logits:         s.taskLogits(state),
	}
	return evaluateSplitLanguages(plan, split)
}

// taskLogits evaluates the classifier graph for one task on the training
// backend.
func (s *TrainingSession) taskLogits(state *taskState) logitsFn {
	return func(batch *backends.FeatureBatch) ([][]float32, error) {
		if state.exec == nil {
			graphFn := s.classifierGraph(state)
			var exec *context.Exec
			err := exceptions.TryCatch[error](func() {
				exec = context.NewExec(s.model.GoMLXModel.Backend, s.model.GoMLXModel.Ctx,
					func(ctx *context.Context, inputs []*context.Node) []*context.Node {
						return graphFn(ctx, inputs)
					})
				exec.SetMaxCache(-1)
			})
			if err != nil {
				return nil, err
			}
			state.exec = exec
		}

		inputTensors := batch.InputValues.([]*tensors.Tensor)
		anyInputs := make([]any, len(inputTensors))
		for i, tensor := range inputTensors {
			anyInputs[i] = tensor
		}
		var outputs []*tensors.Tensor
		err := exceptions.TryCatch[error](func() {
			outputs = state.exec.Call(anyInputs...)
		})
		if err != nil {
			return nil, err
		}
		flat := tensors.CopyFlatData[float32](outputs[0])
		dims := outputs[0].Shape().Dimensions
		for _, tensor := range outputs {
			tensor.FinalizeAll()
		}
		return reshapeRows(flat, dims[len(dims)-1])
	}
}

// evalPlan carries everything needed to score one task on one model.
type evalPlan struct {
	model          *backends.Model
	backend        string
	task           *tasks.Task
	dataDir        string
	batchSize      int
	maxSeqLength   int
	cacheName      string
	overwriteCache bool
	verbose        bool
	logits         logitsFn
}

func evaluateTask(plan evalPlan) (*EvalResults, error) {
	results := &EvalResults{
		Task:     plan.task.Name,
		Splits:   map[string]map[string]map[string]float64{},
		Averages: map[string]map[string]float64{},
	}
	for _, split := range []string{"valid", "test"} {
		languageResults, err := evaluateSplitLanguages(plan, split)
		if err != nil {
			return nil, err
		}
		results.Splits[split] = map[string]map[string]float64{}
		for i, language := range plan.task.Languages {
			results.Splits[split][language] = languageResults[i]
		}
		average, err := averageResults(languageResults)
		if err != nil {
			return nil, err
		}
		results.Averages[split+"_avg"] = average
	}
	return results, nil
}

func evaluateSplitLanguages(plan evalPlan, split string) ([]map[string]float64, error) {
	var results []map[string]float64
	for _, language := range plan.task.Languages {
		dataset, err := datasets.NewClassificationDataset(
			plan.task, plan.dataDir, split, language, plan.batchSize, plan.maxSeqLength)
		if err != nil {
			return nil, err
		}
		dataset.CacheName = plan.cacheName
		dataset.OverwriteCache = plan.overwriteCache
		dataset.SetVerbose(plan.verbose)
		if err = dataset.SetModel(plan.model, plan.backend); err != nil {
			return nil, err
		}
		result, err := evaluateFeatures(plan, dataset.Features())
		closeErr := dataset.Close()
		if err != nil {
			return nil, errors.Join(err, closeErr)
		}
		if closeErr != nil {
			return nil, closeErr
		}
		if plan.verbose {
			fmt.Printf("task %s %s %s: %v\n", plan.task.Name, split, language, result)
		}
		results = append(results, result)
	}
	return results, nil
}

func evaluateFeatures(plan evalPlan, features []backends.Feature) (map[string]float64, error) {
	var predictions, labels []int
	var scores []float32
	var groups []string

	for start := 0; start < len(features); start += plan.batchSize {
		end := min(start+plan.batchSize, len(features))
		batch := backends.NewFeatureBatch()
		batch.Features = features[start:end]
		batch.SequenceLength = plan.maxSeqLength
		if err := backends.CreateInputTensors(batch, plan.model, plan.backend); err != nil {
			return nil, err
		}
		batchLogits, err := plan.logits(batch)
		destroyErr := batch.Destroy()
		if err != nil {
			return nil, errors.Join(err, destroyErr)
		}
		if destroyErr != nil {
			return nil, destroyErr
		}
		if len(batchLogits) != len(batch.Features) {
			return nil, fmt.Errorf("got %d logit rows for %d features", len(batchLogits), len(batch.Features))
		}

		for i, row := range batchLogits {
			feature := batch.Features[i]
			prediction, _, argErr := util.ArgMax(row)
			if argErr != nil {
				return nil, argErr
			}
			predictions = append(predictions, prediction)
			labels = append(labels, int(feature.Label))
			if plan.task.Metric == tasks.MetricNDCG {
				scores = append(scores, expectedGrade(row))
				groups = append(groups, queryKey(feature.Raw, plan.model.SeparatorToken))
			}
		}
	}

	accuracy, err := metrics.Accuracy(predictions, labels)
	if err != nil {
		return nil, err
	}
	result := map[string]float64{tasks.MetricAccuracy: accuracy}
	if plan.task.Metric == tasks.MetricNDCG {
		ndcg, ndcgErr := metrics.NDCG(scores, labels, groups, ndcgCutoff)
		if ndcgErr != nil {
			return nil, ndcgErr
		}
		result[tasks.MetricNDCG] = ndcg
	}
	return result, nil
}

func averageResults(results []map[string]float64) (map[string]float64, error) {
	return metrics.Average(results)
}

// expectedGrade collapses classification logits into a single relevance
// score: the probability-weighted average of the grade indices.
func expectedGrade(logits []float32) float32 {
	probabilities := util.SoftMax(logits)
	score := float32(0)
	for grade, probability := range probabilities {
		score += float32(grade) * probability
	}
	return score
}

// queryKey recovers the ranking group from a tokenized pair input: the text
// before the first separator token is the query.
func queryKey(raw string, separator string) string {
	for i := 0; i+len(separator) <= len(raw); i++ {
		if raw[i:i+len(separator)] == separator {
			return raw[:i]
		}
	}
	return raw
}

func reshapeRows(flat []float32, rowSize int) ([][]float32, error) {
	if rowSize <= 0 || len(flat)%rowSize != 0 {
		return nil, fmt.Errorf("cannot reshape %d values into rows of %d", len(flat), rowSize)
	}
	rows := make([][]float32, len(flat)/rowSize)
	for i := range rows {
		rows[i] = flat[i*rowSize : (i+1)*rowSize]
	}
	return rows, nil
}

// WriteEvalResults serializes evaluation results as eval_results.json in the
// given directory.
func WriteEvalResults(path string, results []*EvalResults) error {
	resultBytes, err := jsoniter.MarshalIndent(results, "", "  ")
	if err != nil {
		return err
	}
	writer, err := util.NewFileWriter(util.PathJoinSafe(path, "eval_results.json"))
	if err != nil {
		return err
	}
	_, writeErr := writer.Write(resultBytes)
	return errors.Join(writeErr, writer.Close())
}

// appendEvalLog appends one evaluation line to evaluate_logs.txt. The afs
// writer truncates, so plain os appending is used here.
func appendEvalLog(outputDir string, task string, step int, results map[string]float64) error {
	resultBytes, err := jsoniter.Marshal(results)
	if err != nil {
		return err
	}
	file, err := os.OpenFile(util.PathJoinSafe(outputDir, "evaluate_logs.txt"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	line := fmt.Sprintf("%s\t%s\tstep=%d\t%s\n", time.Now().Format(time.RFC3339), task, step, string(resultBytes))
	_, writeErr := file.WriteString(line)
	return errors.Join(writeErr, file.Close())
}

// EvalSession evaluates a saved checkpoint on an inference runtime. The onnx
// encoder runs on the selected backend and the task heads from heads.json
// are applied on the host.
type EvalSession struct {
	backend      string
	model        *backends.Model
	heads        map[string]*TaskHead
	opts         *options.Options
	batchSize    int
	maxSeqLength int
	Verbose      bool
}

// NewORTEvalSession loads a checkpoint on the onnx runtime.
func NewORTEvalSession(modelPath string, batchSize, maxSeqLength int, withOptions ...options.WithOption) (*EvalSession, error) {
	opts := options.Defaults()
	opts.Backend = "ORT"
	for _, withOption := range withOptions {
		if err := withOption(opts); err != nil {
			return nil, err
		}
	}
	if err := backends.InitializeORT(opts); err != nil {
		return nil, err
	}
	return newEvalSession("ORT", modelPath, batchSize, maxSeqLength, opts)
}

// NewGonnxEvalSession loads a checkpoint on the pure go gonnx runtime, with
// no shared library requirements.
func NewGonnxEvalSession(modelPath string, batchSize, maxSeqLength int) (*EvalSession, error) {
	opts := options.Defaults()
	opts.Backend = "GONNX"
	return newEvalSession("GONNX", modelPath, batchSize, maxSeqLength, opts)
}

func newEvalSession(backend string, modelPath string, batchSize, maxSeqLength int, opts *options.Options) (*EvalSession, error) {
	if batchSize <= 0 {
		batchSize = 32
	}
	if maxSeqLength <= 0 {
		maxSeqLength = 128
	}
	model, err := backends.LoadModel(modelPath, "", opts)
	if err != nil {
		return nil, err
	}
	model.Tokenizer.MaxAllowedTokens = maxSeqLength

	session := &EvalSession{
		backend:      backend,
		model:        model,
		opts:         opts,
		batchSize:    batchSize,
		maxSeqLength: maxSeqLength,
	}
	heads, headsErr := loadOptionalTaskHeads(modelPath)
	if headsErr != nil {
		return nil, errors.Join(headsErr, model.Destroy())
	}
	session.heads = heads
	return session, nil
}

// loadOptionalTaskHeads reads heads.json from a checkpoint when present. A
// missing file means the checkpoint was exported with task logits as its
// output, a file that cannot be read or parsed is an error.
func loadOptionalTaskHeads(modelPath string) (map[string]*TaskHead, error) {
	exists, err := util.FileExists(util.PathJoinSafe(modelPath, "heads.json"))
	if err != nil || !exists {
		return nil, err
	}
	return LoadTaskHeads(modelPath)
}

func (e *EvalSession) Destroy() error {
	var err error
	if e.model != nil {
		err = e.model.Destroy()
		e.model = nil
	}
	if e.opts != nil && e.opts.Destroy != nil {
		err = errors.Join(err, e.opts.Destroy())
	}
	return err
}

// Evaluate scores the checkpoint on one task over the valid and test splits.
// Languages restrict the evaluated languages, none means all of them.
func (e *EvalSession) Evaluate(taskName string, dataDir string, languages ...string) (*EvalResults, error) {
	task, err := tasks.Get(taskName)
	if err != nil {
		return nil, err
	}
	if task, err = task.WithLanguages(languages); err != nil {
		return nil, err
	}
	logits, err := e.taskLogits(task)
	if err != nil {
		return nil, err
	}
	return evaluateTask(evalPlan{
		model:        e.model,
		backend:      e.backend,
		task:         task,
		dataDir:      dataDir,
		batchSize:    e.batchSize,
		maxSeqLength: e.maxSeqLength,
		verbose:      e.Verbose,
		logits:       logits,
	})
}

// Predict classifies raw sentence pairs, returning the predicted label and
// its probability for each pair.
func (e *EvalSession) Predict(taskName string, pairs [][2]string) ([]string, []float32, error) {
	task, err := tasks.Get(taskName)
	if err != nil {
		return nil, nil, err
	}
	logits, err := e.taskLogits(task)
	if err != nil {
		return nil, nil, err
	}

	labels := make([]string, 0, len(pairs))
	confidences := make([]float32, 0, len(pairs))
	for start := 0; start < len(pairs); start += e.batchSize {
		end := min(start+e.batchSize, len(pairs))
		inputs := make([]string, end-start)
		for i, pair := range pairs[start:end] {
			inputs[i] = backends.PairText(e.model, pair[0], pair[1])
		}

		batch := backends.NewFeatureBatch()
		if err = backends.TokenizeInputs(batch, e.model.Tokenizer, inputs); err != nil {
			return nil, nil, err
		}
		backends.PatchPairTypeIDs(batch, e.model)
		batch.SequenceLength = e.maxSeqLength
		if err = backends.CreateInputTensors(batch, e.model, e.backend); err != nil {
			return nil, nil, err
		}
		rows, logitsErr := logits(batch)
		destroyErr := batch.Destroy()
		if logitsErr != nil {
			return nil, nil, errors.Join(logitsErr, destroyErr)
		}
		if destroyErr != nil {
			return nil, nil, destroyErr
		}

		for _, row := range rows {
			prediction, _, argErr := util.ArgMax(row)
			if argErr != nil {
				return nil, nil, argErr
			}
			labels = append(labels, task.Labels[prediction])
			confidences = append(confidences, util.SoftMax(row)[prediction])
		}
	}
	return labels, confidences, nil
}

// taskLogits runs the encoder on the inference backend and applies the task
// head on the host. A checkpoint exported with task logits as its output is
// used as is.
func (e *EvalSession) taskLogits(task *tasks.Task) (logitsFn, error) {
	head := e.heads[task.Name]
	directLogits := e.model.NumLogits() == task.NumLabels()
	if head == nil && !directLogits {
		return nil, fmt.Errorf("checkpoint has no classification head for task %s", task.Name)
	}

	return func(batch *backends.FeatureBatch) ([][]float32, error) {
		if err := backends.RunOnBatch(batch, e.model, e.backend); err != nil {
			return nil, err
		}
		output, ok := batch.OutputValues[0].(backends.OutputTensor)
		if !ok {
			return nil, fmt.Errorf("invalid output values of type %T", batch.OutputValues[0])
		}

		switch len(output.Shape) {
		case 2:
			if head != nil && output.Shape[1] == head.InputDim {
				pooled, err := reshapeRows(output.Data, output.Shape[1])
				if err != nil {
					return nil, err
				}
				return applyHead(head, pooled), nil
			}
			return reshapeRows(output.Data, output.Shape[1])
		case 3:
			if head == nil {
				return nil, fmt.Errorf("checkpoint has no classification head for task %s", task.Name)
			}
			pooled := poolTokenEmbeddings(output, batch)
			return applyHead(head, pooled), nil
		default:
			return nil, fmt.Errorf("unexpected model output of rank %d", len(output.Shape))
		}
	}, nil
}

func applyHead(head *TaskHead, pooled [][]float32) [][]float32 {
	rows := make([][]float32, len(pooled))
	for i, embedding := range pooled {
		rows[i] = head.Apply(embedding)
	}
	return rows
}

// poolTokenEmbeddings mean-pools token embeddings over the attention mask,
// mirroring the pooling the classifier graph applies during training.
func poolTokenEmbeddings(output backends.OutputTensor, batch *backends.FeatureBatch) [][]float32 {
	batchSize, seqLen, hidden := output.Shape[0], output.Shape[1], output.Shape[2]
	pooled := make([][]float32, batchSize)
	for i := 0; i < batchSize; i++ {
		sums := make([]float32, hidden)
		count := 0
		mask := batch.Features[i].AttentionMask
		for j := 0; j < seqLen; j++ {
			if j >= len(mask) || mask[j] == 0 {
				continue
			}
			offset := (i*seqLen + j) * hidden
			for k := 0; k < hidden; k++ {
				sums[k] += output.Data[offset+k]
			}
			count++
		}
		if count > 0 {
			for k := range sums {
				sums[k] /= float32(count)
			}
		}
		pooled[i] = sums
	}
	return pooled
}
