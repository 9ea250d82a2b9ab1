// Package tasks holds the registry of XGLUE understanding tasks.
//
// Each task reads tab separated files laid out as
// <dataDir>/<folder>/<split>.<language>.tsv with one example per line:
// textA, textB and label for the pair tasks, title, body and category for
// news. The train split only exists for the pivot language, valid and test
// exist for every evaluation language.
package tasks

import (
	"bufio"
	"fmt"
	"slices"
	"strings"

	"github.com/knights-analytics/xglue/util"
)

// Output modes for converting labels to training targets. Classification is
// the only mode XGLUE defines.
const (
	OutputModeClassification = "classification"
)

// Metric kinds used at evaluation time.
const (
	MetricAccuracy = "acc"
	MetricNDCG     = "ndcg"
)

// Example is a single labelled input, either a sentence pair or a single
// sentence with TextB empty.
type Example struct {
	GUID  string `json:"guid"`
	TextA string `json:"text_a"`
	TextB string `json:"text_b"`
	Label string `json:"label"`
}

// Task describes one XGLUE understanding task.
type Task struct {
	Name          string
	Folder        string
	Labels        []string
	Languages     []string
	TrainLanguage string
	Metric        string
	OutputMode    string
}

var registry = map[string]*Task{
	"xnli": {
		Name:          "xnli",
		Folder:        "XNLI",
		Labels:        []string{"contradiction", "entailment", "neutral"},
		Languages:     []string{"ar", "bg", "de", "el", "en", "es", "fr", "hi", "ru", "sw", "th", "tr", "ur", "vi", "zh"},
		TrainLanguage: "en",
		Metric:        MetricAccuracy,
		OutputMode:    OutputModeClassification,
	},
	"pawsx": {
		Name:          "pawsx",
		Folder:        "PAWSX",
		Labels:        []string{"0", "1"},
		Languages:     []string{"de", "en", "es", "fr", "ja", "ko", "zh"},
		TrainLanguage: "en",
		Metric:        MetricAccuracy,
		OutputMode:    OutputModeClassification,
	},
	"ads": {
		Name:          "ads",
		Folder:        "QADSM",
		Labels:        []string{"Bad", "Good"},
		Languages:     []string{"de", "en", "fr"},
		TrainLanguage: "en",
		Metric:        MetricAccuracy,
		OutputMode:    OutputModeClassification,
	},
	"rel": {
		Name:          "rel",
		Folder:        "WPR",
		Labels:        []string{"Bad", "Fair", "Good", "Excellent", "Perfect"},
		Languages:     []string{"de", "en", "fr", "it", "pt", "zh"},
		TrainLanguage: "en",
		Metric:        MetricNDCG,
		OutputMode:    OutputModeClassification,
	},
	"qam": {
		Name:          "qam",
		Folder:        "QAM",
		Labels:        []string{"0", "1"},
		Languages:     []string{"de", "en", "fr"},
		TrainLanguage: "en",
		Metric:        MetricAccuracy,
		OutputMode:    OutputModeClassification,
	},
	"news": {
		Name:          "news",
		Folder:        "NC",
		Labels:        []string{"foodanddrink", "sports", "news", "entertainment", "health", "video", "finance", "travel", "lifestyle", "autos"},
		Languages:     []string{"de", "en", "es", "fr", "ru"},
		TrainLanguage: "en",
		Metric:        MetricAccuracy,
		OutputMode:    OutputModeClassification,
	},
}

// Names returns the registered task names in a stable order.
func Names() []string {
	return []string{"xnli", "pawsx", "ads", "rel", "qam", "news"}
}

// Get returns the task with the given name.
func Get(name string) (*Task, error) {
	task, found := registry[strings.ToLower(name)]
	if !found {
		return nil, fmt.Errorf("task %s not found: available tasks are %s", name, strings.Join(Names(), ", "))
	}
	return task, nil
}

// CheckOutputMode fails on any output mode other than classification.
func CheckOutputMode(mode string) error {
	if mode != OutputModeClassification {
		return fmt.Errorf("no output mode %s for XGLUE", mode)
	}
	return nil
}

// WithLanguages returns a copy of the task restricted to the given evaluation
// languages. An empty list keeps the full language set.
func (t *Task) WithLanguages(languages []string) (*Task, error) {
	if len(languages) == 0 {
		return t, nil
	}
	restricted := *t
	restricted.Languages = nil
	for _, language := range languages {
		if !slices.Contains(t.Languages, language) {
			return nil, fmt.Errorf("language %s is not available for task %s, available languages are %s",
				language, t.Name, strings.Join(t.Languages, ", "))
		}
		restricted.Languages = append(restricted.Languages, language)
	}
	return &restricted, nil
}

// LabelIndex returns the index of the label in the task's label list.
func (t *Task) LabelIndex(label string) (int, error) {
	for i, candidate := range t.Labels {
		if candidate == label {
			return i, nil
		}
	}
	return -1, fmt.Errorf("unknown label %q for task %s", label, t.Name)
}

// NumLabels returns the size of the task's label list.
func (t *Task) NumLabels() int {
	return len(t.Labels)
}

// TrainExamples reads the train split for the task's pivot language.
func (t *Task) TrainExamples(dataDir string) ([]Example, error) {
	return t.readSplit(dataDir, "train", t.TrainLanguage)
}

// ValidExamples reads the validation split for one language.
func (t *Task) ValidExamples(dataDir string, language string) ([]Example, error) {
	return t.readSplit(dataDir, "valid", language)
}

// TestExamples reads the test split for one language.
func (t *Task) TestExamples(dataDir string, language string) ([]Example, error) {
	return t.readSplit(dataDir, "test", language)
}

// Examples reads the named split for one language.
func (t *Task) Examples(dataDir string, split string, language string) ([]Example, error) {
	switch split {
	case "train", "valid", "test":
		return t.readSplit(dataDir, split, language)
	}
	return nil, fmt.Errorf("unknown split %s for task %s", split, t.Name)
}

func (t *Task) readSplit(dataDir string, split string, language string) ([]Example, error) {
	path := util.PathJoinSafe(dataDir, t.Folder, fmt.Sprintf("%s.%s.tsv", split, language))
	exists, err := util.FileExists(path)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("missing %s split for task %s language %s: %s", split, t.Name, language, path)
	}

	file, err := util.OpenFile(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	reader := bufio.NewReader(file)

	var examples []Example
	lineNumber := 0
	for {
		line, readErr := util.ReadLine(reader)
		lineNumber++
		text := strings.TrimRight(string(line), "\r\n")
		if text != "" {
			columns := strings.Split(text, "\t")
			example, parseErr := t.parseColumns(columns)
			if parseErr != nil {
				return nil, fmt.Errorf("%s line %d: %w", path, lineNumber, parseErr)
			}
			example.GUID = fmt.Sprintf("%s-%s-%d", split, language, lineNumber)
			examples = append(examples, example)
		}
		if readErr != nil {
			break
		}
	}
	if len(examples) == 0 {
		return nil, fmt.Errorf("no examples in %s", path)
	}
	return examples, nil
}

func (t *Task) parseColumns(columns []string) (Example, error) {
	if len(columns) != 3 {
		return Example{}, fmt.Errorf("expected 3 tab separated columns, got %d", len(columns))
	}
	label := strings.TrimSpace(columns[2])
	if _, err := t.LabelIndex(label); err != nil {
		return Example{}, err
	}
	return Example{
		TextA: columns[0],
		TextB: columns[1],
		Label: label,
	}, nil
}
