package backends

import (
	"errors"
	"fmt"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/knights-analytics/xglue/options"
	"github.com/knights-analytics/xglue/util"
)

// ORTModel is a model loaded on the onnx runtime. Used for evaluation and
// prediction of saved checkpoints, not for fine-tuning.
type ORTModel struct {
	Session        *ort.DynamicAdvancedSession
	SessionOptions *ort.SessionOptions
	Destroy        func() error
}

// InitializeORT starts the onnx runtime environment and creates the shared
// session options. Only one environment can be active at a time.
func InitializeORT(opts *options.Options) error {
	if ort.IsInitialized() {
		return errors.New("the onnx runtime is already initialized, and only one environment can be active at one time")
	}

	o := opts.ORTOptions
	if o.LibraryPath != nil {
		ortPathExists, err := util.FileExists(*o.LibraryPath)
		if err != nil {
			return err
		}
		if !ortPathExists {
			return fmt.Errorf("cannot find the ort library at: %s", *o.LibraryPath)
		}
		ort.SetSharedLibraryPath(*o.LibraryPath)
	}

	if err := ort.InitializeEnvironment(); err != nil {
		return err
	}

	if o.Telemetry != nil && *o.Telemetry {
		if err := ort.EnableTelemetry(); err != nil {
			return err
		}
	} else {
		if err := ort.DisableTelemetry(); err != nil {
			return err
		}
	}

	sessionOptions, optionsError := ort.NewSessionOptions()
	if optionsError != nil {
		return optionsError
	}
	opts.BackendOptions = sessionOptions
	opts.Destroy = func() error {
		return errors.Join(sessionOptions.Destroy(), ort.DestroyEnvironment())
	}

	if o.IntraOpNumThreads != nil {
		if err := sessionOptions.SetIntraOpNumThreads(*o.IntraOpNumThreads); err != nil {
			return err
		}
	}
	if o.InterOpNumThreads != nil {
		if err := sessionOptions.SetInterOpNumThreads(*o.InterOpNumThreads); err != nil {
			return err
		}
	}
	if o.LogSeverityLevel != nil {
		if err := sessionOptions.SetLogSeverityLevel(ort.LoggingLevel(*o.LogSeverityLevel)); err != nil {
			return err
		}
	}
	if o.CudaOptions != nil {
		cudaOptions, optErr := ort.NewCUDAProviderOptions()
		if optErr != nil {
			return optErr
		}
		if len(o.CudaOptions) > 0 {
			optErr = cudaOptions.Update(o.CudaOptions)
			if optErr != nil {
				return optErr
			}
		}
		if err := sessionOptions.AppendExecutionProviderCUDA(cudaOptions); err != nil {
			return err
		}
	}
	return nil
}

func createORTModelBackend(model *Model, opts *options.Options) error {
	sessionOptions, ok := opts.BackendOptions.(*ort.SessionOptions)
	if !ok {
		return errors.New("the onnx runtime environment has not been initialized")
	}

	inputs, outputs, err := loadInputOutputMetaORT(model.OnnxBytes)
	if err != nil {
		return err
	}

	session, errSession := ort.NewDynamicAdvancedSessionWithONNXData(
		model.OnnxBytes,
		GetNames(inputs),
		GetNames(outputs),
		sessionOptions,
	)
	if errSession != nil {
		return errSession
	}

	model.ORTModel = &ORTModel{Session: session, SessionOptions: sessionOptions, Destroy: func() error {
		return session.Destroy()
	}}
	model.InputsMeta = inputs
	model.OutputsMeta = outputs

	previousDestroy := model.Destroy
	model.Destroy = func() error {
		return errors.Join(model.ORTModel.Destroy(), previousDestroy())
	}
	return nil
}

func loadInputOutputMetaORT(onnxBytes []byte) ([]InputOutputInfo, []InputOutputInfo, error) {
	inputs, outputs, err := ort.GetInputOutputInfoWithONNXData(onnxBytes)
	if err != nil {
		return nil, nil, err
	}
	return convertORTInputOutputs(inputs), convertORTInputOutputs(outputs), nil
}

func createInputTensorsORT(batch *FeatureBatch, inputsMeta []InputOutputInfo) error {
	batchSize := len(batch.Features)
	tensorSize := batchSize * batch.SequenceLength

	inputTensors := make([]ort.Value, len(inputsMeta))
	var tensorCreationErr error

	for i, inputMeta := range inputsMeta {
		backingSlice := make([]int64, tensorSize)
		counter := 0
		for _, feature := range batch.Features {
			length := len(feature.TokenIDs)
			for k := 0; k < batch.SequenceLength; k++ {
				if k < length {
					switch inputMeta.Name {
					case "input_ids":
						backingSlice[counter] = int64(feature.TokenIDs[k])
					case "token_type_ids":
						backingSlice[counter] = int64(feature.TypeIDs[k])
					case "attention_mask":
						backingSlice[counter] = int64(feature.AttentionMask[k])
					default:
						return fmt.Errorf("input %s not recognized", inputMeta.Name)
					}
				}
				counter++
			}
		}
		inputTensors[i], tensorCreationErr = ort.NewTensor(ort.NewShape(int64(batchSize), int64(batch.SequenceLength)), backingSlice)
		if tensorCreationErr != nil {
			return tensorCreationErr
		}
	}
	batch.InputValues = inputTensors
	batch.DestroyInputs = func() error {
		var destroyError error
		for _, ortTensor := range inputTensors {
			destroyError = errors.Join(destroyError, ortTensor.Destroy())
		}
		return destroyError
	}
	return nil
}

func runORTOnBatch(batch *FeatureBatch, model *Model) error {
	actualBatchSize := int64(len(batch.Features))
	sequenceLength := int64(batch.SequenceLength)
	var err error

	outputTensors := make([]ort.Value, len(model.OutputsMeta))
	defer func() {
		for _, output := range outputTensors {
			if output != nil {
				err = errors.Join(err, output.Destroy())
			}
		}
	}()

	for outputIndex, meta := range model.OutputsMeta {
		var batchDimSet bool
		var tokenDimSet bool
		actualDims := make([]int64, 0, len(meta.Dimensions))

		for _, dim := range meta.Dimensions {
			if dim == -1 {
				if !batchDimSet {
					actualDims = append(actualDims, actualBatchSize)
					batchDimSet = true
				} else if !tokenDimSet {
					actualDims = append(actualDims, sequenceLength)
					tokenDimSet = true
				} else {
					return fmt.Errorf("only two axis can be dynamic (batch size and number of tokens)")
				}
			} else {
				actualDims = append(actualDims, dim)
			}
		}
		outputShape := ort.NewShape(actualDims...)
		outputTensors[outputIndex], err = ort.NewEmptyTensor[float32](outputShape)
		if err != nil {
			return err
		}
	}

	errOnnx := model.ORTModel.Session.Run(batch.InputValues.([]ort.Value), outputTensors)
	if errOnnx != nil {
		return errOnnx
	}

	convertedOutput := make([]any, len(outputTensors))
	for i, t := range outputTensors {
		tensor := t.(*ort.Tensor[float32])
		shape := tensor.GetShape()
		dims := make([]int, len(shape))
		for j, dim := range shape {
			dims[j] = int(dim)
		}
		data := make([]float32, len(tensor.GetData()))
		copy(data, tensor.GetData())
		convertedOutput[i] = OutputTensor{Data: data, Shape: dims}
	}
	batch.OutputValues = convertedOutput
	return err
}

func convertORTInputOutputs(inputOutputs []ort.InputOutputInfo) []InputOutputInfo {
	inputOutputsStandardised := make([]InputOutputInfo, len(inputOutputs))
	for i, inputOutput := range inputOutputs {
		inputOutputsStandardised[i] = InputOutputInfo{
			Name:       inputOutput.Name,
			Dimensions: Shape(inputOutput.Dimensions),
		}
	}
	return inputOutputsStandardised
}
