package backends

import (
	"fmt"

	"github.com/advancedclimatesystems/gonnx"
	"gorgonia.org/tensor"
)

// GonnxModel is a model loaded on the pure go gonnx runtime. Used for
// evaluation and prediction of saved checkpoints without cgo.
type GonnxModel struct {
	Model *gonnx.Model
}

func createGonnxModelBackend(model *Model) error {
	gonnxModel, err := gonnx.NewModelFromBytes(model.OnnxBytes)
	if err != nil {
		return err
	}

	inputs, outputs := loadInputOutputMetaGonnx(gonnxModel)
	model.GonnxModel = &GonnxModel{Model: gonnxModel}
	model.InputsMeta = inputs
	model.OutputsMeta = outputs
	return nil
}

func loadInputOutputMetaGonnx(model *gonnx.Model) ([]InputOutputInfo, []InputOutputInfo) {
	var inputs, outputs []InputOutputInfo

	inputShapes := model.InputShapes()
	for _, name := range model.InputNames() {
		shape := inputShapes[name]
		dimensions := make(Shape, len(shape))
		for i, dim := range shape {
			dimensions[i] = dim.Size
		}
		inputs = append(inputs, InputOutputInfo{
			Name:       name,
			Dimensions: dimensions,
		})
	}
	outputShapes := model.OutputShapes()
	for _, name := range model.OutputNames() {
		shape := outputShapes[name]
		dimensions := make(Shape, len(shape))
		for i, dim := range shape {
			dimensions[i] = dim.Size
		}
		outputs = append(outputs, InputOutputInfo{
			Name:       name,
			Dimensions: dimensions,
		})
	}
	return inputs, outputs
}

func createInputTensorsGonnx(batch *FeatureBatch, inputsMeta []InputOutputInfo) error {
	batchSize := len(batch.Features)
	tensorSize := batchSize * batch.SequenceLength

	inputMap := map[string]tensor.Tensor{}
	for _, inputMeta := range inputsMeta {
		backingSlice := make([]uint32, tensorSize)
		counter := 0
		for _, feature := range batch.Features {
			length := len(feature.TokenIDs)
			for j := 0; j < batch.SequenceLength; j++ {
				if j < length {
					switch inputMeta.Name {
					case "input_ids":
						backingSlice[counter] = feature.TokenIDs[j]
					case "token_type_ids":
						backingSlice[counter] = feature.TypeIDs[j]
					case "attention_mask":
						backingSlice[counter] = feature.AttentionMask[j]
					default:
						return fmt.Errorf("input %s not recognized", inputMeta.Name)
					}
				}
				counter++
			}
		}
		inputMap[inputMeta.Name] = tensor.New(
			tensor.Of(tensor.Uint32),
			tensor.WithShape(batchSize, batch.SequenceLength),
			tensor.WithBacking(backingSlice),
		)
	}
	batch.InputValues = inputMap
	return nil
}

func runGonnxOnBatch(batch *FeatureBatch, model *Model) error {
	inputMap, ok := batch.InputValues.(map[string]tensor.Tensor)
	if !ok {
		return fmt.Errorf("invalid input values of type %T", batch.InputValues)
	}
	outputMap, err := model.GonnxModel.Model.Run(inputMap)
	if err != nil {
		return err
	}
	batch.OutputValues = make([]any, len(model.OutputsMeta))
	for i, meta := range model.OutputsMeta {
		output, found := outputMap[meta.Name]
		if !found {
			return fmt.Errorf("output %s is missing from the model response", meta.Name)
		}
		data, ok := output.Data().([]float32)
		if !ok {
			return fmt.Errorf("output %s has type %T, expected float32", meta.Name, output.Data())
		}
		batch.OutputValues[i] = OutputTensor{Data: data, Shape: output.Shape()}
	}
	return nil
}
