// Package xglue fine-tunes multi-lingual transformer models on the XGLUE
// understanding tasks. Training samples batches across tasks in proportion
// to dataset size, shares the encoder weights between tasks and trains one
// classification head per task.
package xglue

import (
	"errors"
	"fmt"
	"math/rand"

	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train/losses"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/phuslu/log"

	"github.com/knights-analytics/xglue/backends"
	"github.com/knights-analytics/xglue/datasets"
	"github.com/knights-analytics/xglue/options"
	"github.com/knights-analytics/xglue/tasks"
	"github.com/knights-analytics/xglue/util"
)

type earlyStopping struct {
	patience  int     // number of evaluations to wait for improvement before stopping
	tolerance float64 // tolerance for metric comparison
}

type TrainingStatistics struct {
	GlobalSteps []int     `json:"globalSteps"` // steps at which losses were recorded
	TrainLosses []float32 `json:"trainLosses"` // average training loss per logging window
	EvalScores  []float64 `json:"evalScores"`  // average validation score per evaluation
}

// taskState groups everything the loop needs for one task.
type taskState struct {
	task         *tasks.Task
	index        int
	trainDataset *datasets.ConcatDataset
	exec         *context.Exec // lazily built logits graph for evaluation
}

type TrainingSession struct {
	backend                string
	model                  *backends.Model
	config                 TrainingConfig
	opts                   *options.Options
	cuda                   bool
	float16                bool
	maxEpochs              int
	maxSteps               int
	taskRatio              float64
	seed                   int64
	loggingSteps           int
	loggingStepsInSample   int
	evaluateDuringTraining bool
	earlyStopping          *earlyStopping
	statistics             TrainingStatistics
	taskStates             []*taskState
	multiTask              *datasets.MultiTaskDataset
	rng                    *rand.Rand
}

// GetModel returns the model being fine-tuned.
func (s *TrainingSession) GetModel() *backends.Model {
	return s.model
}

// Statistics returns the loss and score history recorded so far.
func (s *TrainingSession) Statistics() TrainingStatistics {
	return s.statistics
}

func (s *TrainingSession) Destroy() error {
	log.Info().Msg("Destroying training session")
	var err error
	if s.model != nil {
		err = s.model.Destroy()
		s.model = nil
	}
	if s.multiTask != nil {
		err = errors.Join(err, s.multiTask.Close())
		s.multiTask = nil
	}
	if s.opts != nil && s.opts.Destroy != nil {
		err = errors.Join(err, s.opts.Destroy())
	}
	return err
}

type TrainingOption func(eo *TrainingSession) error

func WithEpochs(epochs int) TrainingOption {
	return func(eo *TrainingSession) error {
		if epochs <= 0 {
			return fmt.Errorf("epochs must be greater than 0")
		}
		eo.maxEpochs = epochs
		return nil
	}
}

// WithMaxSteps caps training at a fixed number of optimizer steps,
// overriding the epoch count.
func WithMaxSteps(steps int) TrainingOption {
	return func(eo *TrainingSession) error {
		if steps <= 0 {
			return fmt.Errorf("max steps must be greater than 0")
		}
		eo.maxSteps = steps
		return nil
	}
}

// WithTaskRatio sets the exponent applied to the size-proportional task
// sampling probabilities. 1 keeps them proportional, 0 makes them uniform.
func WithTaskRatio(ratio float64) TrainingOption {
	return func(eo *TrainingSession) error {
		if ratio < 0 {
			return fmt.Errorf("task ratio must not be negative")
		}
		eo.taskRatio = ratio
		return nil
	}
}

func WithSeed(seed int64) TrainingOption {
	return func(eo *TrainingSession) error {
		eo.seed = seed
		return nil
	}
}

func WithCuda() TrainingOption {
	return func(eo *TrainingSession) error {
		eo.cuda = true
		return nil
	}
}

// WithFloat16 enables mixed precision for the pooled classifier path. It
// requires the XLA backend.
func WithFloat16() TrainingOption {
	return func(eo *TrainingSession) error {
		eo.float16 = true
		return nil
	}
}

// WithLoggingSteps logs and evaluates every n optimizer steps.
func WithLoggingSteps(steps int) TrainingOption {
	return func(eo *TrainingSession) error {
		if steps <= 0 {
			return fmt.Errorf("logging steps must be greater than 0")
		}
		eo.loggingSteps = steps
		return nil
	}
}

// WithLoggingStepsInSample logs every n training samples rather than every n
// steps. Mutually exclusive with WithLoggingSteps.
func WithLoggingStepsInSample(samples int) TrainingOption {
	return func(eo *TrainingSession) error {
		if samples <= 0 {
			return fmt.Errorf("logging steps in sample must be greater than 0")
		}
		eo.loggingStepsInSample = samples
		return nil
	}
}

// WithEvaluateDuringTraining runs validation at every logging step and
// appends the results to evaluate_logs.txt in the output directory.
func WithEvaluateDuringTraining() TrainingOption {
	return func(eo *TrainingSession) error {
		eo.evaluateDuringTraining = true
		return nil
	}
}

func WithEarlyStopping() TrainingOption {
	return WithEarlyStoppingParams(3, 1e-4) // default patience and tolerance
}

func WithEarlyStoppingParams(patience int, tolerance float64) TrainingOption {
	return func(eo *TrainingSession) error {
		if patience <= 0 {
			return fmt.Errorf("patience must be greater than 0")
		}
		if tolerance <= 0 {
			return fmt.Errorf("tolerance must be greater than 0")
		}
		eo.earlyStopping = &earlyStopping{
			patience:  patience,
			tolerance: tolerance,
		}
		return nil
	}
}

type GOMLXTrainingOptions struct {
	Optimizer optimizers.Interface
	Loss      losses.LossFn
}

type TrainingConfig struct {
	ModelPath            string
	OnnxFilename         string
	DataDir              string
	OutputDir            string
	Tasks                []string
	Languages            []string // restricts evaluation languages, empty keeps each task's full set
	TrainLanguages       []string // training languages per task, empty uses the pivot language
	BatchSize            int
	EvalBatchSize        int
	MaxSeqLength         int
	LearningRate         float64
	WeightDecay          float64
	AdamEpsilon          float64
	WarmupSteps          int
	SaveSteps            int
	CacheName            string
	OverwriteCache       bool
	Options              []TrainingOption
	Verbose              bool
	GOMLXTrainingOptions *GOMLXTrainingOptions
}

// NewGoTrainingSession fine-tunes on the pure go gomlx backend.
func NewGoTrainingSession(config TrainingConfig) (*TrainingSession, error) {
	return newTrainingSession("GO", config)
}

// NewXLATrainingSession fine-tunes on XLA.
func NewXLATrainingSession(config TrainingConfig) (*TrainingSession, error) {
	return newTrainingSession("XLA", config)
}

func newTrainingSession(backend string, config TrainingConfig) (*TrainingSession, error) {
	session := &TrainingSession{
		config:    config,
		backend:   backend,
		taskRatio: 1,
		seed:      42,
	}

	for _, opt := range config.Options {
		if err := opt(session); err != nil {
			return nil, err
		}
	}
	if err := session.validate(); err != nil {
		return nil, err
	}

	opts := options.Defaults()
	opts.Backend = backend
	switch backend {
	case "XLA":
		opts.GoMLXOptions.XLA = true
		opts.GoMLXOptions.Cuda = session.cuda
	case "GO":
	default:
		return nil, fmt.Errorf("backend %s is not supported for training", backend)
	}
	session.opts = opts
	session.rng = rand.New(rand.NewSource(session.seed))

	if session.config.GOMLXTrainingOptions == nil {
		session.config.GOMLXTrainingOptions = &GOMLXTrainingOptions{}
	}
	if session.config.GOMLXTrainingOptions.Loss == nil {
		session.config.GOMLXTrainingOptions.Loss = losses.SparseCategoricalCrossEntropyLogits
	}
	if session.config.GOMLXTrainingOptions.Optimizer == nil {
		session.config.GOMLXTrainingOptions.Optimizer = optimizers.Adam().
			WeightDecay(session.config.WeightDecay).
			Epsilon(session.config.AdamEpsilon).
			Done()
	}

	model, err := backends.LoadModel(config.ModelPath, config.OnnxFilename, opts)
	if err != nil {
		return nil, err
	}
	session.model = model

	if err = session.buildDatasets(); err != nil {
		return nil, errors.Join(err, model.Destroy())
	}
	return session, nil
}

func (s *TrainingSession) validate() error {
	if s.config.ModelPath == "" {
		return fmt.Errorf("model path is required")
	}
	if s.config.DataDir == "" {
		return fmt.Errorf("data dir is required")
	}
	if s.config.OutputDir == "" {
		return fmt.Errorf("output dir is required")
	}
	if len(s.config.Tasks) == 0 {
		return fmt.Errorf("at least one task is required")
	}
	if s.float16 && s.backend != "XLA" {
		return fmt.Errorf("float16 training requires the XLA backend")
	}
	if s.loggingSteps > 0 && s.loggingStepsInSample > 0 {
		return fmt.Errorf("logging steps and logging steps in sample are mutually exclusive")
	}
	if s.maxEpochs <= 0 && s.maxSteps <= 0 {
		s.maxEpochs = 3
	}
	if s.config.BatchSize <= 0 {
		s.config.BatchSize = 32
	}
	if s.config.EvalBatchSize <= 0 {
		s.config.EvalBatchSize = s.config.BatchSize
	}
	if s.config.MaxSeqLength <= 0 {
		s.config.MaxSeqLength = 128
	}
	if s.config.LearningRate <= 0 {
		s.config.LearningRate = 5e-5
	}
	if s.config.AdamEpsilon <= 0 {
		s.config.AdamEpsilon = 1e-8
	}
	for _, name := range s.config.Tasks {
		if _, err := tasks.Get(name); err != nil {
			return err
		}
	}
	return nil
}

// buildDatasets creates one training dataset per task, tokenizes them on the
// loaded model and wraps them in the proportional sampler.
func (s *TrainingSession) buildDatasets() error {
	children := make([]datasets.Dataset, 0, len(s.config.Tasks))
	for i, name := range s.config.Tasks {
		task, err := tasks.Get(name)
		if err != nil {
			return err
		}
		trainLanguages := s.config.TrainLanguages
		if len(trainLanguages) == 0 {
			trainLanguages = []string{task.TrainLanguage}
		}
		if _, err = task.WithLanguages(trainLanguages); err != nil {
			return err
		}
		if task, err = task.WithLanguages(s.config.Languages); err != nil {
			return err
		}

		trainChildren := make([]*datasets.ClassificationDataset, 0, len(trainLanguages))
		for _, language := range trainLanguages {
			trainChild, childErr := datasets.NewClassificationDataset(
				task, s.config.DataDir, "train", language, s.config.BatchSize, s.config.MaxSeqLength)
			if childErr != nil {
				return childErr
			}
			trainChild.CacheName = s.config.CacheName
			trainChild.OverwriteCache = s.config.OverwriteCache
			trainChildren = append(trainChildren, trainChild)
		}
		trainSet, err := datasets.NewConcatDataset(trainChildren)
		if err != nil {
			return err
		}
		trainSet.SetVerbose(s.config.Verbose)
		if err = trainSet.SetModel(s.model, s.backend); err != nil {
			return err
		}
		for _, trainChild := range trainChildren {
			trainChild.Shuffle(s.rng)
		}

		s.taskStates = append(s.taskStates, &taskState{
			task:         task,
			index:        i,
			trainDataset: trainSet,
		})
		children = append(children, trainSet)
	}

	multiTask, err := datasets.NewMultiTaskDataset(children, s.taskRatio, s.seed)
	if err != nil {
		return err
	}
	s.multiTask = multiTask
	return nil
}

// totalSteps converts the epoch budget into optimizer steps over the
// combined task sizes, unless a step cap was given.
func (s *TrainingSession) totalSteps() int {
	if s.maxSteps > 0 {
		return s.maxSteps
	}
	batchesPerEpoch := 0
	for _, state := range s.taskStates {
		examples := state.trainDataset.NumExamples()
		batchesPerEpoch += (examples + s.config.BatchSize - 1) / s.config.BatchSize
	}
	return batchesPerEpoch * s.maxEpochs
}

// loggingInterval converts the sample-based logging flag into steps.
func (s *TrainingSession) loggingInterval() int {
	if s.loggingSteps > 0 {
		return s.loggingSteps
	}
	if s.loggingStepsInSample > 0 {
		interval := s.loggingStepsInSample / s.config.BatchSize
		if interval < 1 {
			interval = 1
		}
		return interval
	}
	return 500
}

// Train runs the fine-tuning loop.
func (s *TrainingSession) Train() error {
	switch s.backend {
	case "GO", "XLA":
		return trainGoMLX(s)
	default:
		return fmt.Errorf("training backend %s is not supported", s.backend)
	}
}

func copyTokenizer(from, to string) error {
	toCopy := []string{
		"config.json",
		"special_tokens_map.json",
		"tokenizer_config.json",
		"tokenizer.json",
		"vocab.txt",
		"sentencepiece.bpe.model",
	}
	var copyErr error
	for _, name := range toCopy {
		source := util.PathJoinSafe(from, name)
		exists, err := util.FileExists(source)
		if err != nil {
			return err
		}
		if exists {
			copyErr = errors.Join(copyErr, util.CopyFile(source, to))
		}
	}
	return copyErr
}
