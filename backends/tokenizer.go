package backends

import (
	"fmt"
	"strings"

	"github.com/knights-analytics/xglue/util"
)

type Tokenizer struct {
	Runtime          string
	RustTokenizer    *RustTokenizer
	GoTokenizer      *GoTokenizer
	MaxAllowedTokens int
	Destroy          func() error
}

// LoadTokenizer loads tokenizer.json from the model directory. The rust
// tokenizer is used on the cgo backends, the pure go tokenizer elsewhere.
func LoadTokenizer(model *Model, backend string) (*Tokenizer, error) {
	tokenizerBytes, err := util.ReadFileBytes(util.PathJoinSafe(model.Path, "tokenizer.json"))
	if err != nil {
		return nil, err
	}

	switch backend {
	case "ORT", "XLA":
		return loadRustTokenizer(tokenizerBytes, model)
	case "GO", "GONNX":
		return loadGoTokenizer(tokenizerBytes, model)
	default:
		return nil, fmt.Errorf("backend %s not recognized", backend)
	}
}

// TokenizeInputs tokenizes the inputs into batch features. When the
// tokenizer caps the number of tokens the batch sequence length is pinned to
// that cap so tensor shapes stay identical across batches.
func TokenizeInputs(batch *FeatureBatch, tk *Tokenizer, inputs []string) error {
	switch tk.Runtime {
	case "RUST":
		tokenizeInputsRust(batch, tk, inputs)
	case "GO":
		if err := tokenizeInputsGo(batch, tk, inputs); err != nil {
			return err
		}
	default:
		return fmt.Errorf("runtime %s not recognized", tk.Runtime)
	}
	if tk.MaxAllowedTokens > 0 {
		batch.SequenceLength = tk.MaxAllowedTokens
	}
	return nil
}

func Decode(tokens []uint32, tokenizer *Tokenizer, skipSpecialTokens bool) (string, error) {
	switch tokenizer.Runtime {
	case "RUST":
		return decodeRust(tokens, tokenizer, skipSpecialTokens), nil
	case "GO":
		return decodeGo(tokens, tokenizer, skipSpecialTokens), nil
	}
	return "", fmt.Errorf("runtime %s not recognized", tokenizer.Runtime)
}

// PairText joins a sentence pair on the model's separator token so that it
// can be encoded in a single pass.
func PairText(model *Model, textA string, textB string) string {
	if textB == "" {
		return textA
	}
	return fmt.Sprintf("%s%s%s", textA, model.SeparatorToken, textB)
}

// PatchPairTypeIDs fixes up token type ids for sentence pairs on bert style
// models. Encoding the joined text in a single pass leaves every type id at
// zero, while the second segment must be marked with ones up to and
// including its final separator.
func PatchPairTypeIDs(batch *FeatureBatch, model *Model) {
	if strings.Contains(model.ModelType, "roberta") || model.ModelType == "distilbert" {
		return
	}
	for i, feature := range batch.Features {
		allZero := true
		for _, typeID := range feature.TypeIDs {
			if typeID != 0 {
				allZero = false
				break
			}
		}
		if !allZero {
			continue
		}
		separatorSeen := false
		for j, token := range feature.Tokens {
			if separatorSeen {
				feature.TypeIDs[j] = 1
			}
			if token == model.SeparatorToken {
				separatorSeen = true
			}
		}
		batch.Features[i] = feature
	}
}
