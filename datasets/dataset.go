// Package datasets implements the feature datasets used for fine-tuning and
// evaluation, including the proportional multi-task sampler.
package datasets

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"path/filepath"

	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/types/tensors"
	jsoniter "github.com/json-iterator/go"

	"github.com/knights-analytics/xglue/backends"
	"github.com/knights-analytics/xglue/tasks"
	"github.com/knights-analytics/xglue/util"
)

// Dataset is a training dataset that tokenizes its examples on a loaded
// model.
type Dataset interface {
	train.Dataset
	Validate() error
	SetModel(model *backends.Model, runtime string) error
	SetVerbose(bool)
	NumExamples() int
	Close() error
}

const tokenizationBatchSize = 256

// ClassificationDataset holds the tokenized features of one (task, language,
// split) triple and yields fixed shape gomlx tensors in batches.
type ClassificationDataset struct {
	train.Dataset
	Task           *tasks.Task
	DataDir        string
	Split          string
	Language       string
	BatchSize      int
	MaxSeqLength   int
	CacheName      string
	OverwriteCache bool

	model    *backends.Model
	runtime  string
	features []backends.Feature
	batchN   int
	verbose  bool
}

// NewClassificationDataset creates a dataset for one task, split and
// language. Tokenization happens when a model is attached with SetModel.
func NewClassificationDataset(task *tasks.Task, dataDir, split, language string, batchSize, maxSeqLength int) (*ClassificationDataset, error) {
	d := &ClassificationDataset{
		Task:         task,
		DataDir:      dataDir,
		Split:        split,
		Language:     language,
		BatchSize:    batchSize,
		MaxSeqLength: maxSeqLength,
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *ClassificationDataset) Validate() error {
	if d.Task == nil {
		return fmt.Errorf("task is required")
	}
	if err := tasks.CheckOutputMode(d.Task.OutputMode); err != nil {
		return err
	}
	if d.DataDir == "" {
		return fmt.Errorf("data dir is required")
	}
	if d.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive")
	}
	if d.MaxSeqLength <= 0 {
		return fmt.Errorf("max sequence length must be positive")
	}
	return nil
}

func (d *ClassificationDataset) Name() string {
	return fmt.Sprintf("%s-%s-%s", d.Task.Name, d.Split, d.Language)
}

func (d *ClassificationDataset) SetVerbose(v bool) {
	d.verbose = v
}

func (d *ClassificationDataset) NumExamples() int {
	return len(d.features)
}

// Features exposes the tokenized features, used at evaluation time to
// recover guids and labels in yield order.
func (d *ClassificationDataset) Features() []backends.Feature {
	return d.features
}

// SetModel attaches the model whose tokenizer converts examples into
// features. Features are read from the on-disk cache when present, otherwise
// tokenized and written back.
func (d *ClassificationDataset) SetModel(model *backends.Model, runtime string) error {
	if model == nil {
		return fmt.Errorf("model is required")
	}
	d.model = model
	d.runtime = runtime
	if model.Tokenizer.MaxAllowedTokens == 0 || model.Tokenizer.MaxAllowedTokens > d.MaxSeqLength {
		model.Tokenizer.MaxAllowedTokens = d.MaxSeqLength
	}
	return d.loadFeatures()
}

func (d *ClassificationDataset) cachePath() string {
	cacheName := d.CacheName
	if cacheName == "" {
		cacheName = filepath.Base(d.model.Path)
	}
	fileName := fmt.Sprintf("cached_%s_%s_%d_%s_%s.jsonl", d.Split, cacheName, d.MaxSeqLength, d.Task.Name, d.Language)
	return util.PathJoinSafe(d.DataDir, d.Task.Folder, fileName)
}

func (d *ClassificationDataset) loadFeatures() error {
	cachePath := d.cachePath()
	exists, err := util.FileExists(cachePath)
	if err != nil {
		return err
	}
	if exists && !d.OverwriteCache {
		if d.verbose {
			fmt.Printf("loading features from cached file %s\n", cachePath)
		}
		return d.readFeatureCache(cachePath)
	}

	examples, err := d.Task.Examples(d.DataDir, d.Split, d.Language)
	if err != nil {
		return err
	}
	features, err := d.tokenizeExamples(examples)
	if err != nil {
		return err
	}
	d.features = features
	if d.verbose {
		fmt.Printf("saving %d features into cached file %s\n", len(features), cachePath)
	}
	return d.writeFeatureCache(cachePath)
}

func (d *ClassificationDataset) tokenizeExamples(examples []tasks.Example) ([]backends.Feature, error) {
	features := make([]backends.Feature, 0, len(examples))
	for start := 0; start < len(examples); start += tokenizationBatchSize {
		end := min(start+tokenizationBatchSize, len(examples))
		chunk := examples[start:end]

		inputs := make([]string, len(chunk))
		for i, example := range chunk {
			inputs[i] = backends.PairText(d.model, example.TextA, example.TextB)
		}
		batch := backends.NewFeatureBatch()
		if err := backends.TokenizeInputs(batch, d.model.Tokenizer, inputs); err != nil {
			return nil, err
		}
		backends.PatchPairTypeIDs(batch, d.model)

		for i, feature := range batch.Features {
			labelIndex, err := d.Task.LabelIndex(chunk[i].Label)
			if err != nil {
				return nil, err
			}
			feature.GUID = chunk[i].GUID
			feature.Label = int32(labelIndex)
			features = append(features, feature)
		}
	}
	return features, nil
}

func (d *ClassificationDataset) readFeatureCache(cachePath string) error {
	source, err := util.OpenFile(cachePath)
	if err != nil {
		return err
	}
	reader := bufio.NewReader(source)
	var features []backends.Feature
	for {
		lineBytes, readErr := util.ReadLine(reader)
		if len(lineBytes) > 0 {
			var feature backends.Feature
			if jsonErr := jsoniter.Unmarshal(lineBytes, &feature); jsonErr != nil {
				return errors.Join(fmt.Errorf("corrupt feature cache %s: %w", cachePath, jsonErr), source.Close())
			}
			features = append(features, feature)
		}
		if readErr != nil {
			break
		}
	}
	d.features = features
	return source.Close()
}

func (d *ClassificationDataset) writeFeatureCache(cachePath string) error {
	writer, err := util.NewFileWriter(cachePath)
	if err != nil {
		return err
	}
	bufWriter := bufio.NewWriter(writer)
	for _, feature := range d.features {
		featureBytes, marshalErr := jsoniter.Marshal(feature)
		if marshalErr != nil {
			return errors.Join(marshalErr, writer.Close())
		}
		if _, writeErr := bufWriter.Write(append(featureBytes, '\n')); writeErr != nil {
			return errors.Join(writeErr, writer.Close())
		}
	}
	if err = bufWriter.Flush(); err != nil {
		return errors.Join(err, writer.Close())
	}
	return writer.Close()
}

// Shuffle permutes the features in place with the given generator.
func (d *ClassificationDataset) Shuffle(rng *rand.Rand) {
	rng.Shuffle(len(d.features), func(i, j int) {
		d.features[i], d.features[j] = d.features[j], d.features[i]
	})
}

// Reset rewinds the dataset to its first batch.
func (d *ClassificationDataset) Reset() {
	if d.verbose {
		fmt.Printf("completed %s in %d batches of %d examples, resetting dataset\n", d.Name(), d.batchN, d.BatchSize)
	}
	d.batchN = 0
}

// Yield returns the tensors for the next batch, or io.EOF once every feature
// has been seen since the last Reset.
func (d *ClassificationDataset) Yield() (spec any, inputs []*tensors.Tensor, labels []*tensors.Tensor, err error) {
	start := d.batchN * d.BatchSize
	if start >= len(d.features) {
		return nil, nil, nil, io.EOF // return error for reset
	}
	end := min(start+d.BatchSize, len(d.features))

	batch := backends.NewFeatureBatch()
	batch.Features = d.features[start:end]
	batch.SequenceLength = d.MaxSeqLength
	if err = backends.CreateInputTensors(batch, d.model, d.runtime); err != nil {
		return nil, nil, nil, err
	}

	labelSlice := make([]int32, end-start)
	for i, feature := range batch.Features {
		labelSlice[i] = feature.Label
	}
	labelTensor := tensors.FromFlatDataAndDimensions(labelSlice, len(labelSlice), 1)

	if d.verbose {
		fmt.Printf("processing batch %d of %s\n", d.batchN, d.Name())
	}
	d.batchN++
	return nil, batch.InputValues.([]*tensors.Tensor), []*tensors.Tensor{labelTensor}, nil
}

func (d *ClassificationDataset) Close() error {
	d.features = nil
	return nil
}
