package backends

import (
	"errors"
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/knights-analytics/xglue/options"
	"github.com/knights-analytics/xglue/util"
)

// Model wraps a transformer checkpoint loaded on one of the supported
// runtimes. The GoMLX runtime supports training, ORT and Gonnx are
// inference only.
type Model struct {
	Path                  string
	OnnxFilename          string
	OnnxBytes             []byte
	ORTModel              *ORTModel
	GoMLXModel            *GoMLXModel
	GonnxModel            *GonnxModel
	Tokenizer             *Tokenizer
	InputsMeta            []InputOutputInfo
	OutputsMeta           []InputOutputInfo
	MaxPositionEmbeddings int
	ModelType             string
	HiddenSize            int
	IDLabelMap            map[int]string
	SeparatorToken        string
	Destroy               func() error
}

// LoadModel loads a transformer model from disk onto the backend selected in
// the options.
func LoadModel(path string, onnxFilename string, opts *options.Options) (*Model, error) {
	model := &Model{
		Path:         path,
		OnnxFilename: onnxFilename,
		Destroy: func() error {
			return nil
		},
	}

	if err := model.loadOnnxBytes(); err != nil {
		return nil, err
	}
	if err := model.loadConfig(); err != nil {
		return nil, err
	}

	var err error
	switch opts.Backend {
	case "ORT":
		err = createORTModelBackend(model, opts)
	case "GO", "XLA":
		err = createGoMLXModelBackend(model, opts)
	case "GONNX":
		err = createGonnxModelBackend(model)
	default:
		err = fmt.Errorf("backend %s is not supported", opts.Backend)
	}
	if err != nil {
		return nil, err
	}

	tk, err := LoadTokenizer(model, opts.Backend)
	if err != nil {
		return nil, errors.Join(err, model.Destroy())
	}
	model.Tokenizer = tk

	previousDestroy := model.Destroy
	model.Destroy = func() error {
		return errors.Join(previousDestroy(), tk.Destroy())
	}
	return model, nil
}

func (m *Model) loadOnnxBytes() error {
	if m.OnnxFilename == "" {
		m.OnnxFilename = "model.onnx"
	}
	fullPath := util.PathJoinSafe(m.Path, m.OnnxFilename)
	exists, err := util.FileExists(fullPath)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("file %s does not exist", fullPath)
	}
	onnxBytes, err := util.ReadFileBytes(fullPath)
	if err != nil {
		return err
	}
	m.OnnxBytes = onnxBytes
	return nil
}

// loadConfig reads config.json and special_tokens_map.json to determine the
// model type, sequence length capacity, label mapping, and separator token.
func (m *Model) loadConfig() error {

	type modelConfig struct {
		ModelType             string            `json:"model_type"`
		MaxPositionEmbeddings int               `json:"max_position_embeddings"`
		HiddenSize            int               `json:"hidden_size"`
		Dim                   int               `json:"dim"`
		ID2Label              map[string]string `json:"id2label"`
	}

	type specialTokensMap struct {
		SepToken any `json:"sep_token"`
	}

	configPath := util.PathJoinSafe(m.Path, "config.json")
	exists, err := util.FileExists(configPath)
	if err != nil {
		return err
	}
	if exists {
		configBytes, readErr := util.ReadFileBytes(configPath)
		if readErr != nil {
			return readErr
		}
		config := modelConfig{}
		if jsonErr := jsoniter.Unmarshal(configBytes, &config); jsonErr != nil {
			return fmt.Errorf("cannot parse %s: %w", configPath, jsonErr)
		}
		m.ModelType = config.ModelType
		m.MaxPositionEmbeddings = config.MaxPositionEmbeddings
		m.HiddenSize = config.HiddenSize
		if m.HiddenSize == 0 {
			// distilbert names the field dim
			m.HiddenSize = config.Dim
		}
		if len(config.ID2Label) > 0 {
			idLabelMap := map[int]string{}
			for k, v := range config.ID2Label {
				var id int
				if _, scanErr := fmt.Sscanf(k, "%d", &id); scanErr != nil {
					return fmt.Errorf("invalid id2label key %s: %w", k, scanErr)
				}
				idLabelMap[id] = v
			}
			m.IDLabelMap = idLabelMap
		}
	}

	specialTokensPath := util.PathJoinSafe(m.Path, "special_tokens_map.json")
	exists, err = util.FileExists(specialTokensPath)
	if err != nil {
		return err
	}
	if exists {
		tokenBytes, readErr := util.ReadFileBytes(specialTokensPath)
		if readErr != nil {
			return readErr
		}
		tokenMap := specialTokensMap{}
		if jsonErr := jsoniter.Unmarshal(tokenBytes, &tokenMap); jsonErr != nil {
			return fmt.Errorf("cannot parse %s: %w", specialTokensPath, jsonErr)
		}
		switch v := tokenMap.SepToken.(type) {
		case string:
			m.SeparatorToken = v
		case map[string]any:
			if content, ok := v["content"].(string); ok {
				m.SeparatorToken = content
			}
		}
	}
	if m.SeparatorToken == "" {
		if strings.Contains(m.ModelType, "roberta") || m.ModelType == "xlm-roberta" {
			m.SeparatorToken = "</s>"
		} else {
			m.SeparatorToken = "[SEP]"
		}
	}
	return nil
}

// NumLogits returns the size of the final output dimension, or -1 if the
// model output is dynamic.
func (m *Model) NumLogits() int {
	if len(m.OutputsMeta) == 0 {
		return -1
	}
	dims := m.OutputsMeta[0].Dimensions
	if len(dims) == 0 {
		return -1
	}
	last := dims[len(dims)-1]
	if last <= 0 {
		return -1
	}
	return int(last)
}
