package backends

import (
	"fmt"
)

type Shape []int64

func (s Shape) String() string {
	return fmt.Sprintf("%v", []int64(s))
}

func (s Shape) ValuesInt() []int {
	output := make([]int, len(s))
	for i, v := range s {
		output[i] = int(v)
	}
	return output
}

// NewShape returns a Shape with the given dimensions.
func NewShape(dimensions ...int64) Shape {
	return dimensions
}

type InputOutputInfo struct {
	// The name of the input or output
	Name string
	// The input or output's dimensions, if it's a tensor. This should be
	// ignored for non-tensor types.
	Dimensions Shape
}

func GetNames(info []InputOutputInfo) []string {
	names := make([]string, 0, len(info))
	for _, v := range info {
		names = append(names, v.Name)
	}
	return names
}

// Feature holds the result of running the tokenizer on a single example.
type Feature struct {
	GUID              string
	Raw               string
	Tokens            []string
	TokenIDs          []uint32
	TypeIDs           []uint32
	AttentionMask     []uint32
	SpecialTokensMask []uint32
	Label             int32
}

// OutputTensor is a model output copied back to the host.
type OutputTensor struct {
	Data  []float32
	Shape []int
}

// FeatureBatch represents a batch of tokenized features that runs through a
// model backend. Input tensors are padded to a fixed sequence length so that
// graph shapes stay stable across batches.
type FeatureBatch struct {
	Features       []Feature
	SequenceLength int
	InputValues    any
	OutputValues   []any
	DestroyInputs  func() error
}

func (b *FeatureBatch) Destroy() error {
	return b.DestroyInputs()
}

// NewFeatureBatch initializes a new batch.
func NewFeatureBatch() *FeatureBatch {
	return &FeatureBatch{DestroyInputs: func() error {
		return nil
	}}
}

// CreateInputTensors creates backend input tensors from the batch features,
// padded (or truncated) to the batch sequence length.
func CreateInputTensors(batch *FeatureBatch, model *Model, backend string) error {
	switch backend {
	case "ORT":
		return createInputTensorsORT(batch, model.InputsMeta)
	case "GO", "XLA":
		return createInputTensorsGoMLX(batch, model.InputsMeta)
	case "GONNX":
		return createInputTensorsGonnx(batch, model.InputsMeta)
	}
	return fmt.Errorf("backend %s is not supported", backend)
}

// RunOnBatch runs the model forward pass on the batch, storing the raw output
// values on the batch.
func RunOnBatch(batch *FeatureBatch, model *Model, backend string) error {
	switch backend {
	case "ORT":
		return runORTOnBatch(batch, model)
	case "GO", "XLA":
		return runGoMLXOnBatch(batch, model)
	case "GONNX":
		return runGonnxOnBatch(batch, model)
	}
	return fmt.Errorf("backend %s is not supported", backend)
}
