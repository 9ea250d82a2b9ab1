package backends

import (
	"fmt"
	"io"

	"github.com/gomlx/exceptions"
	gomlxbackends "github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/simplego"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/onnx-gomlx/onnx"

	"github.com/knights-analytics/xglue/options"
)

// GoMLXModel is a model loaded into a gomlx context, either on the pure go
// backend or on XLA. This is the only backend that supports fine-tuning.
type GoMLXModel struct {
	Backend   gomlxbackends.Backend
	OnnxModel *onnx.Model
	Ctx       *context.Context
	Exec      *context.Exec
	Call      func(ctx *context.Context, inputs []*context.Node) []*context.Node
	Destroy   func()
}

// Save writes the model to the writer in onnx format, with the current
// context weights written back into the graph.
func (m *GoMLXModel) Save(w io.Writer) error {
	if err := m.OnnxModel.ContextToONNX(m.Ctx); err != nil {
		return err
	}
	return m.OnnxModel.Write(w)
}

func createGoMLXModelBackend(model *Model, opts *options.Options) error {
	onnxModel, err := onnx.Parse(model.OnnxBytes)
	if err != nil {
		return err
	}

	inputs, outputs := loadInputOutputMetaGoMLX(onnxModel)

	config := "go"
	if opts.GoMLXOptions.XLA {
		config = "xla:cpu"
		if opts.GoMLXOptions.Cuda {
			config = "xla:cuda"
		} else if opts.GoMLXOptions.TPU {
			config = "xla:tpu"
		}
	}

	backend, err := gomlxbackends.NewWithConfig(config)
	if err != nil {
		return err
	}

	ctx := context.New()
	if err = onnxModel.VariablesToContext(ctx); err != nil {
		return err
	}

	outputNames := GetNames(outputs)
	callFunc := func(ctx *context.Context, inputs []*context.Node) []*context.Node {
		inputsMap := map[string]*context.Node{}
		for i, meta := range model.InputsMeta {
			inputsMap[meta.Name] = inputs[i]
		}
		return onnxModel.CallGraph(ctx, inputs[0].Graph(), inputsMap, outputNames...)
	}

	var exec *context.Exec
	err = exceptions.TryCatch[error](func() {
		exec = context.NewExec(backend, ctx.Reuse(), callFunc)
		exec.SetMaxCache(-1)
	})
	if err != nil {
		return err
	}

	model.InputsMeta = inputs
	model.OutputsMeta = outputs
	model.GoMLXModel = &GoMLXModel{
		Backend:   backend,
		OnnxModel: onnxModel,
		Ctx:       ctx,
		Exec:      exec,
		Call:      callFunc,
		Destroy: func() {
			exec.Finalize()
			ctx.Finalize()
			backend.Finalize()
		},
	}
	previousDestroy := model.Destroy
	model.Destroy = func() error {
		model.GoMLXModel.Destroy()
		return previousDestroy()
	}
	return nil
}

func loadInputOutputMetaGoMLX(model *onnx.Model) ([]InputOutputInfo, []InputOutputInfo) {
	var inputs, outputs []InputOutputInfo
	for i, name := range model.InputsNames {
		shape := model.InputsShapes[i]
		dimensions := make(Shape, len(shape.Dimensions))
		for j, dim := range shape.Dimensions {
			dimensions[j] = int64(dim)
		}
		inputs = append(inputs, InputOutputInfo{Name: name, Dimensions: dimensions})
	}
	for i, name := range model.OutputsNames {
		shape := model.OutputsShapes[i]
		dimensions := make(Shape, len(shape.Dimensions))
		for j, dim := range shape.Dimensions {
			dimensions[j] = int64(dim)
		}
		outputs = append(outputs, InputOutputInfo{Name: name, Dimensions: dimensions})
	}
	return inputs, outputs
}

func createInputTensorsGoMLX(batch *FeatureBatch, inputsMeta []InputOutputInfo) error {
	batchSize := len(batch.Features)
	seqLen := batch.SequenceLength
	tensorSize := batchSize * seqLen

	inputTensors := make([]*tensors.Tensor, len(inputsMeta))
	for i, meta := range inputsMeta {
		backingSlice := make([]int64, tensorSize)
		counter := 0
		for _, feature := range batch.Features {
			length := len(feature.TokenIDs)
			for j := 0; j < seqLen; j++ {
				if j < length {
					switch meta.Name {
					case "input_ids":
						backingSlice[counter] = int64(feature.TokenIDs[j])
					case "token_type_ids":
						backingSlice[counter] = int64(feature.TypeIDs[j])
					case "attention_mask":
						backingSlice[counter] = int64(feature.AttentionMask[j])
					default:
						return fmt.Errorf("input %s not recognized", meta.Name)
					}
				}
				counter++
			}
		}
		inputTensors[i] = tensors.FromFlatDataAndDimensions(backingSlice, batchSize, seqLen)
	}
	batch.InputValues = inputTensors
	batch.DestroyInputs = func() error {
		for _, tensor := range inputTensors {
			tensor.FinalizeAll()
		}
		return nil
	}
	return nil
}

func runGoMLXOnBatch(batch *FeatureBatch, model *Model) error {
	inputTensors, ok := batch.InputValues.([]*tensors.Tensor)
	if !ok {
		return fmt.Errorf("invalid input values of type %T", batch.InputValues)
	}
	anyInputs := make([]any, len(inputTensors))
	for i, tensor := range inputTensors {
		anyInputs[i] = tensor
	}
	var outputTensors []*tensors.Tensor
	err := exceptions.TryCatch[error](func() {
		outputTensors = model.GoMLXModel.Exec.Call(anyInputs...)
	})
	if err != nil {
		return err
	}
	batch.OutputValues = make([]any, len(outputTensors))
	for i, tensor := range outputTensors {
		batch.OutputValues[i] = OutputTensor{
			Data:  tensors.CopyFlatData[float32](tensor),
			Shape: tensor.Shape().Dimensions,
		}
		tensor.FinalizeAll()
	}
	return nil
}
