package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"github.com/mattn/go-isatty"
	"github.com/urfave/cli/v2"

	"github.com/knights-analytics/xglue"
	"github.com/knights-analytics/xglue/options"
	"github.com/knights-analytics/xglue/tasks"
	"github.com/knights-analytics/xglue/util"
	"github.com/knights-analytics/xglue/util/checks"
)

var modelPath string
var dataDir string
var outputDir string
var taskNames cli.StringSlice
var languages cli.StringSlice
var trainLanguages cli.StringSlice
var cacheName string
var backendName string
var sharedLibraryPath string
var batchSize int
var evalBatchSize int
var maxSeqLength int
var learningRate float64
var weightDecay float64
var adamEpsilon float64
var warmupSteps int
var epochs int
var maxSteps int
var taskRatio float64
var seed int64
var loggingSteps int
var loggingStepsInSample int
var saveSteps int
var overwriteOutputDir bool
var overwriteCache bool
var fp16 bool
var cuda bool
var evalDuringTraining bool
var earlyStoppingFlag bool
var verbose bool
var inputPath string
var outputPath string
var predictTask string
var authToken string
var branch string
var destination string

func taskFlag(required bool) *cli.StringSliceFlag {
	return &cli.StringSliceFlag{
		Name:        "tasks",
		Usage:       "Tasks to run, from: " + strings.Join(tasks.Names(), ", "),
		Aliases:     []string{"t"},
		Destination: &taskNames,
		Required:    required,
	}
}

var trainCommand = &cli.Command{
	Name:  "train",
	Usage: "Fine-tune a multi-lingual transformer on XGLUE understanding tasks",
	Description: `Train samples batches across the selected tasks in proportion to dataset
size, shares the encoder between tasks and trains one classification head per
task. Checkpoints are written to the output directory as checkpoint-<step>
folders, the final model at the root.`,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:        "model",
			Usage:       "Path to the base onnx model directory, or a huggingface model name",
			Aliases:     []string{"m"},
			Destination: &modelPath,
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "data-dir",
			Usage:       "Directory with the XGLUE task folders",
			Aliases:     []string{"d"},
			Destination: &dataDir,
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "output-dir",
			Usage:       "Directory where checkpoints and results are written",
			Aliases:     []string{"o"},
			Destination: &outputDir,
			Required:    true,
		},
		taskFlag(true),
		&cli.StringSliceFlag{
			Name:        "languages",
			Usage:       "Restrict evaluation to these languages, defaults to every task language",
			Destination: &languages,
		},
		&cli.StringSliceFlag{
			Name:        "train-languages",
			Usage:       "Languages whose train splits are used, defaults to each task's pivot language",
			Destination: &trainLanguages,
		},
		&cli.StringFlag{
			Name:        "backend",
			Usage:       "Training backend: go or xla",
			Destination: &backendName,
			Value:       "go",
		},
		&cli.StringFlag{
			Name:        "cache-name",
			Usage:       "Name component of the feature cache files, defaults to the model directory name",
			Destination: &cacheName,
		},
		&cli.IntFlag{
			Name:        "batch-size",
			Usage:       "Training batch size",
			Aliases:     []string{"b"},
			Destination: &batchSize,
			Value:       32,
		},
		&cli.IntFlag{
			Name:        "eval-batch-size",
			Usage:       "Evaluation batch size, defaults to the training batch size",
			Destination: &evalBatchSize,
		},
		&cli.IntFlag{
			Name:        "max-seq-length",
			Usage:       "Maximum number of tokens per example",
			Destination: &maxSeqLength,
			Value:       128,
		},
		&cli.Float64Flag{
			Name:        "learning-rate",
			Usage:       "Peak learning rate for the linear warmup/decay schedule",
			Destination: &learningRate,
			Value:       5e-5,
		},
		&cli.Float64Flag{
			Name:        "weight-decay",
			Usage:       "Weight decay",
			Destination: &weightDecay,
		},
		&cli.Float64Flag{
			Name:        "adam-epsilon",
			Usage:       "Epsilon for the Adam optimizer",
			Destination: &adamEpsilon,
			Value:       1e-8,
		},
		&cli.IntFlag{
			Name:        "warmup-steps",
			Usage:       "Linear warmup over this many steps",
			Destination: &warmupSteps,
		},
		&cli.IntFlag{
			Name:        "epochs",
			Usage:       "Number of training epochs",
			Aliases:     []string{"e"},
			Destination: &epochs,
			Value:       3,
		},
		&cli.IntFlag{
			Name:        "max-steps",
			Usage:       "Total number of training steps, overrides epochs when set",
			Destination: &maxSteps,
		},
		&cli.Float64Flag{
			Name:        "task-ratio",
			Usage:       "Exponent applied to size-proportional task sampling, 1 proportional, 0 uniform",
			Destination: &taskRatio,
			Value:       1,
		},
		&cli.Int64Flag{
			Name:        "seed",
			Usage:       "Random seed",
			Destination: &seed,
			Value:       42,
		},
		&cli.IntFlag{
			Name:        "logging-steps",
			Usage:       "Log every n optimizer steps",
			Destination: &loggingSteps,
		},
		&cli.IntFlag{
			Name:        "logging-steps-in-sample",
			Usage:       "Log every n training samples, mutually exclusive with logging-steps",
			Destination: &loggingStepsInSample,
		},
		&cli.IntFlag{
			Name:        "save-steps",
			Usage:       "Save a checkpoint every n optimizer steps",
			Destination: &saveSteps,
		},
		&cli.BoolFlag{
			Name:        "overwrite-output-dir",
			Usage:       "Allow training into a non-empty output directory",
			Destination: &overwriteOutputDir,
		},
		&cli.BoolFlag{
			Name:        "overwrite-cache",
			Usage:       "Regenerate the tokenized feature caches",
			Destination: &overwriteCache,
		},
		&cli.BoolFlag{
			Name:        "fp16",
			Usage:       "Mixed precision for the classifier path, requires the xla backend",
			Destination: &fp16,
		},
		&cli.BoolFlag{
			Name:        "cuda",
			Usage:       "Run on gpu, requires the xla backend",
			Destination: &cuda,
		},
		&cli.BoolFlag{
			Name:        "evaluate-during-training",
			Usage:       "Run validation at every logging step",
			Destination: &evalDuringTraining,
		},
		&cli.BoolFlag{
			Name:        "early-stopping",
			Usage:       "Stop when the validation score stops improving",
			Destination: &earlyStoppingFlag,
		},
		&cli.BoolFlag{
			Name:        "verbose",
			Aliases:     []string{"v"},
			Destination: &verbose,
		},
	},
	Action: func(ctx *cli.Context) (err error) {
		notEmpty, err := dirNotEmpty(outputDir)
		if err != nil {
			return err
		}
		if notEmpty && !overwriteOutputDir {
			return fmt.Errorf("output directory (%s) already exists and is not empty, use --overwrite-output-dir to overcome", outputDir)
		}
		if err = util.CreateDir(outputDir); err != nil {
			return err
		}

		resolvedModelPath, err := resolveModelPath(modelPath)
		if err != nil {
			return err
		}

		trainingOptions := []xglue.TrainingOption{
			xglue.WithTaskRatio(taskRatio),
			xglue.WithSeed(seed),
		}
		if maxSteps > 0 {
			trainingOptions = append(trainingOptions, xglue.WithMaxSteps(maxSteps))
		} else {
			trainingOptions = append(trainingOptions, xglue.WithEpochs(epochs))
		}
		if loggingSteps > 0 {
			trainingOptions = append(trainingOptions, xglue.WithLoggingSteps(loggingSteps))
		}
		if loggingStepsInSample > 0 {
			trainingOptions = append(trainingOptions, xglue.WithLoggingStepsInSample(loggingStepsInSample))
		}
		if fp16 {
			trainingOptions = append(trainingOptions, xglue.WithFloat16())
		}
		if cuda {
			trainingOptions = append(trainingOptions, xglue.WithCuda())
		}
		if evalDuringTraining {
			trainingOptions = append(trainingOptions, xglue.WithEvaluateDuringTraining())
		}
		if earlyStoppingFlag {
			trainingOptions = append(trainingOptions, xglue.WithEarlyStopping())
		}

		config := xglue.TrainingConfig{
			ModelPath:      resolvedModelPath,
			DataDir:        dataDir,
			OutputDir:      outputDir,
			Tasks:          taskNames.Value(),
			Languages:      languages.Value(),
			TrainLanguages: trainLanguages.Value(),
			CacheName:      cacheName,
			BatchSize:      batchSize,
			EvalBatchSize:  evalBatchSize,
			MaxSeqLength:   maxSeqLength,
			LearningRate:   learningRate,
			WeightDecay:    weightDecay,
			AdamEpsilon:    adamEpsilon,
			WarmupSteps:    warmupSteps,
			SaveSteps:      saveSteps,
			OverwriteCache: overwriteCache,
			Options:        trainingOptions,
			Verbose:        verbose,
		}

		var session *xglue.TrainingSession
		switch backendName {
		case "go":
			session, err = xglue.NewGoTrainingSession(config)
		case "xla":
			session, err = xglue.NewXLATrainingSession(config)
		default:
			return fmt.Errorf("backend %s is not supported for training, use go or xla", backendName)
		}
		if err != nil {
			return err
		}
		defer func() {
			err = errors.Join(err, session.Destroy())
		}()

		if err = session.Train(); err != nil {
			return err
		}

		var results []*xglue.EvalResults
		for _, name := range taskNames.Value() {
			result, evalErr := session.Evaluate(name)
			if evalErr != nil {
				return evalErr
			}
			results = append(results, result)
		}
		return xglue.WriteEvalResults(outputDir, results)
	},
}

var evaluateCommand = &cli.Command{
	Name:  "evaluate",
	Usage: "Evaluate a saved checkpoint on the valid and test splits of XGLUE tasks",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:        "model",
			Usage:       "Path to the checkpoint directory",
			Aliases:     []string{"m"},
			Destination: &modelPath,
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "data-dir",
			Usage:       "Directory with the XGLUE task folders",
			Aliases:     []string{"d"},
			Destination: &dataDir,
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "output-dir",
			Usage:       "Directory where eval_results.json is written, defaults to the checkpoint directory",
			Aliases:     []string{"o"},
			Destination: &outputDir,
		},
		taskFlag(true),
		&cli.StringSliceFlag{
			Name:        "languages",
			Usage:       "Restrict evaluation to these languages, defaults to every task language",
			Destination: &languages,
		},
		&cli.StringFlag{
			Name:        "backend",
			Usage:       "Evaluation backend: ort or gonnx",
			Destination: &backendName,
			Value:       "ort",
		},
		&cli.StringFlag{
			Name:        "onnxruntime-shared-library",
			Usage:       "Path to onnxruntime.so for the ort backend",
			Aliases:     []string{"s"},
			Destination: &sharedLibraryPath,
		},
		&cli.IntFlag{
			Name:        "batch-size",
			Aliases:     []string{"b"},
			Destination: &batchSize,
			Value:       32,
		},
		&cli.IntFlag{
			Name:        "max-seq-length",
			Destination: &maxSeqLength,
			Value:       128,
		},
		&cli.BoolFlag{
			Name:        "verbose",
			Aliases:     []string{"v"},
			Destination: &verbose,
		},
	},
	Action: func(ctx *cli.Context) (err error) {
		session, err := newEvalSession()
		if err != nil {
			return err
		}
		defer func() {
			err = errors.Join(err, session.Destroy())
		}()
		session.Verbose = verbose

		var results []*xglue.EvalResults
		for _, name := range taskNames.Value() {
			result, evalErr := session.Evaluate(name, dataDir, languages.Value()...)
			if evalErr != nil {
				return evalErr
			}
			results = append(results, result)
		}
		resultsDir := outputDir
		if resultsDir == "" {
			resultsDir = modelPath
		}
		return xglue.WriteEvalResults(resultsDir, results)
	},
}

var predictCommand = &cli.Command{
	Name:  "predict",
	Usage: "Classify sentence pairs with a saved checkpoint",
	Description: `Predict expects tab separated lines with two text columns. If --input is
omitted, lines are read from stdin. Predictions are written as json lines with
the input, the predicted label and its probability.`,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:        "model",
			Usage:       "Path to the checkpoint directory",
			Aliases:     []string{"m"},
			Destination: &modelPath,
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "task",
			Usage:       "Task whose labels are predicted",
			Aliases:     []string{"t"},
			Destination: &predictTask,
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "input",
			Usage:       "Path to a .tsv file with the pairs to classify",
			Aliases:     []string{"i"},
			Destination: &inputPath,
		},
		&cli.StringFlag{
			Name:        "output",
			Usage:       "Path to the output .jsonl file, stdout when omitted",
			Aliases:     []string{"o"},
			Destination: &outputPath,
		},
		&cli.StringFlag{
			Name:        "backend",
			Usage:       "Inference backend: ort or gonnx",
			Destination: &backendName,
			Value:       "ort",
		},
		&cli.StringFlag{
			Name:        "onnxruntime-shared-library",
			Aliases:     []string{"s"},
			Destination: &sharedLibraryPath,
		},
		&cli.IntFlag{
			Name:        "batch-size",
			Aliases:     []string{"b"},
			Destination: &batchSize,
			Value:       32,
		},
		&cli.IntFlag{
			Name:        "max-seq-length",
			Destination: &maxSeqLength,
			Value:       128,
		},
	},
	Action: func(ctx *cli.Context) (err error) {
		session, err := newEvalSession()
		if err != nil {
			return err
		}
		defer func() {
			err = errors.Join(err, session.Destroy())
		}()

		pairChannel := make(chan [][2]string, 100)
		outputChannel := make(chan []byte, 100)
		errorChannel := make(chan error, 100)
		var predictWg, writeWg sync.WaitGroup

		predictWg.Add(1)
		go func() {
			defer predictWg.Done()
			for pairs := range pairChannel {
				labels, confidences, predictErr := session.Predict(predictTask, pairs)
				if predictErr != nil {
					errorChannel <- predictErr
					continue
				}
				for i, label := range labels {
					line, marshalErr := jsoniter.Marshal(map[string]any{
						"text_a":     pairs[i][0],
						"text_b":     pairs[i][1],
						"label":      label,
						"confidence": confidences[i],
					})
					if marshalErr != nil {
						errorChannel <- marshalErr
						continue
					}
					outputChannel <- line
				}
			}
		}()

		var writer io.WriteCloser
		if outputPath != "" {
			writer, err = util.NewFileWriter(outputPath)
			if err != nil {
				return err
			}
		} else {
			writer = os.Stdout
		}
		writeWg.Add(1)
		go writeOutputs(&writeWg, outputChannel, errorChannel, writer)

		readErr := readPairs(pairChannel)
		close(pairChannel)
		predictWg.Wait()
		close(outputChannel)
		close(errorChannel)
		writeWg.Wait()
		if outputPath != "" {
			err = errors.Join(err, writer.Close())
		}
		return errors.Join(readErr, err)
	},
}

var downloadCommand = &cli.Command{
	Name:  "download",
	Usage: "Download an onnx base model from huggingface",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:        "model",
			Usage:       "Huggingface model name, e.g. bert-base-multilingual-cased",
			Aliases:     []string{"m"},
			Destination: &modelPath,
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "destination",
			Usage:       "Folder where the model is stored",
			Aliases:     []string{"f"},
			Destination: &destination,
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "token",
			Usage:       "Huggingface auth token for gated models",
			Destination: &authToken,
		},
		&cli.StringFlag{
			Name:        "branch",
			Usage:       "Repository branch to download from",
			Destination: &branch,
			Value:       "main",
		},
		&cli.BoolFlag{
			Name:        "verbose",
			Aliases:     []string{"v"},
			Destination: &verbose,
		},
	},
	Action: func(ctx *cli.Context) error {
		downloadOptions := xglue.NewDownloadOptions()
		downloadOptions.AuthToken = authToken
		downloadOptions.Branch = branch
		downloadOptions.Verbose = verbose
		downloadedPath, err := xglue.DownloadModel(modelPath, destination, downloadOptions)
		if err != nil {
			return err
		}
		fmt.Println(downloadedPath)
		return nil
	},
}

func main() {
	app := &cli.App{
		Name:     "xglue",
		Usage:    "Multi-task multi-lingual transformer fine-tuning on XGLUE",
		Commands: []*cli.Command{trainCommand, evaluateCommand, predictCommand, downloadCommand},
	}
	if err := app.Run(os.Args); err != nil {
		_, _ = os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}
}

func newEvalSession() (*xglue.EvalSession, error) {
	switch backendName {
	case "ort":
		var withOptions []options.WithOption
		if sharedLibraryPath != "" {
			withOptions = append(withOptions, options.WithOnnxLibraryPath(sharedLibraryPath))
		}
		return xglue.NewORTEvalSession(modelPath, batchSize, maxSeqLength, withOptions...)
	case "gonnx":
		return xglue.NewGonnxEvalSession(modelPath, batchSize, maxSeqLength)
	default:
		return nil, fmt.Errorf("backend %s is not supported for inference, use ort or gonnx", backendName)
	}
}

// resolveModelPath returns the model directory, downloading from huggingface
// when the argument is not an existing path.
func resolveModelPath(model string) (string, error) {
	exists, err := util.FileExists(model)
	if err != nil {
		return "", err
	}
	if exists {
		return model, nil
	}
	userDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	modelsDir := util.PathJoinSafe(userDir, "xglue", "models")
	downloaded := util.PathJoinSafe(modelsDir, strings.Replace(model, "/", "_", -1))
	exists, err = util.FileExists(downloaded)
	if err != nil {
		return "", err
	}
	if exists {
		return downloaded, nil
	}
	if err = util.CreateDir(modelsDir); err != nil {
		return "", err
	}
	return xglue.DownloadModel(model, modelsDir, xglue.NewDownloadOptions())
}

func dirNotEmpty(path string) (bool, error) {
	exists, err := util.FileExists(path)
	if err != nil || !exists {
		return false, err
	}
	objects, err := util.FileSystem.List(context.Background(), path)
	if err != nil {
		return false, err
	}
	base := filepath.Base(path)
	for _, object := range objects {
		if object.Name() != base {
			return true, nil
		}
	}
	return false, nil
}

func readPairs(pairChannel chan [][2]string) error {
	var reader io.Reader
	if inputPath != "" {
		exists, err := util.FileExists(inputPath)
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("file %s does not exist", inputPath)
		}
		file, err := util.OpenFile(inputPath)
		if err != nil {
			return err
		}
		defer file.Close()
		reader = file
	} else {
		if isatty.IsTerminal(os.Stdin.Fd()) || isatty.IsCygwinTerminal(os.Stdin.Fd()) {
			return fmt.Errorf("no input file given and nothing to read on stdin")
		}
		reader = os.Stdin
	}

	scanner := bufio.NewReader(reader)
	var pairs [][2]string
	for {
		line, readErr := util.ReadLine(scanner)
		text := strings.TrimRight(string(line), "\r\n")
		if text != "" {
			columns := strings.SplitN(text, "\t", 2)
			pair := [2]string{columns[0], ""}
			if len(columns) > 1 {
				pair[1] = columns[1]
			}
			pairs = append(pairs, pair)
			if len(pairs) >= batchSize {
				pairChannel <- pairs
				pairs = nil
			}
		}
		if readErr != nil {
			break
		}
	}
	if len(pairs) > 0 {
		pairChannel <- pairs
	}
	return nil
}

func writeOutputs(wg *sync.WaitGroup, outputChannel chan []byte, errorChannel chan error, writeTarget io.Writer) {
	for outputChannel != nil || errorChannel != nil {
		select {
		case output, ok := <-outputChannel:
			if !ok {
				outputChannel = nil
				continue
			}
			_, err := writeTarget.Write(append(output, '\n'))
			checks.Check(err)
		case err, ok := <-errorChannel:
			if !ok {
				errorChannel = nil
				continue
			}
			if err != nil {
				_, _ = os.Stderr.WriteString(err.Error() + "\n")
			}
		}
	}
	wg.Done()
}
