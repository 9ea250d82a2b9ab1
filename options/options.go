package options

import (
	"fmt"
	"runtime"
)

// Options collects backend configuration for a session. Backend is one of
// "GO" (pure Go gomlx backend), "XLA" (gomlx with a PJRT plugin), "ORT"
// (onnxruntime shared library) or "GONNX" (pure Go onnx inference).
type Options struct {
	BackendOptions any
	ORTOptions     *OrtOptions
	GoMLXOptions   *GoMLXOptions
	Destroy        func() error
	Backend        string
}

func Defaults() *Options {
	_, libraryPathDefault := defaultLibraryPath()
	return &Options{
		ORTOptions: &OrtOptions{
			LibraryPath: &libraryPathDefault,
		},
		GoMLXOptions: &GoMLXOptions{},
		Destroy: func() error {
			return nil
		},
	}
}

func defaultLibraryPath() (string, string) {
	switch runtime.GOOS {
	case "windows":
		return `onnxruntime.dll`, `.\onnxruntime.dll`
	case "darwin":
		return "libonnxruntime.dylib", "/usr/local/lib/libonnxruntime.dylib"
	default:
		return "libonnxruntime.so", "/usr/lib/libonnxruntime.so"
	}
}

type LoggingLevel int

const (
	LoggingLevelVerbose LoggingLevel = 0
	LoggingLevelInfo    LoggingLevel = 1
	LoggingLevelWarning LoggingLevel = 2
	LoggingLevelError   LoggingLevel = 3
	LoggingLevelFatal   LoggingLevel = 4
)

type OrtOptions struct {
	LibraryPath       *string
	Telemetry         *bool
	IntraOpNumThreads *int
	InterOpNumThreads *int
	LogSeverityLevel  *LoggingLevel
	CudaOptions       map[string]string
}

type GoMLXOptions struct {
	Cuda bool
	XLA  bool
	TPU  bool
}

// WithOption is the interface for all option functions.
type WithOption func(o *Options) error

// WithOnnxLibraryPath (ORT only) sets the path of the onnxruntime shared
// library ("libonnxruntime.so", "libonnxruntime.dylib" or "onnxruntime.dll").
func WithOnnxLibraryPath(ortLibraryPath string) WithOption {
	return func(o *Options) error {
		if o.Backend != "ORT" {
			return fmt.Errorf("WithOnnxLibraryPath is only supported for ORT backend")
		}
		if ortLibraryPath == "" {
			return fmt.Errorf("onnx library path is empty")
		}
		o.ORTOptions.LibraryPath = &ortLibraryPath
		return nil
	}
}

// WithTelemetry (ORT only) enables telemetry events for the onnxruntime
// environment. Default is off.
func WithTelemetry() WithOption {
	return func(o *Options) error {
		if o.Backend != "ORT" {
			return fmt.Errorf("WithTelemetry is only supported for ORT backend")
		}
		enabled := true
		o.ORTOptions.Telemetry = &enabled
		return nil
	}
}

// WithIntraOpNumThreads (ORT only) sets the number of threads used to
// parallelize execution within onnxruntime graph nodes.
func WithIntraOpNumThreads(numThreads int) WithOption {
	return func(o *Options) error {
		if o.Backend != "ORT" {
			return fmt.Errorf("WithIntraOpNumThreads is only supported for ORT backend")
		}
		o.ORTOptions.IntraOpNumThreads = &numThreads
		return nil
	}
}

// WithInterOpNumThreads (ORT only) sets the number of threads used to
// parallelize execution across separate onnxruntime graph nodes.
func WithInterOpNumThreads(numThreads int) WithOption {
	return func(o *Options) error {
		if o.Backend != "ORT" {
			return fmt.Errorf("WithInterOpNumThreads is only supported for ORT backend")
		}
		o.ORTOptions.InterOpNumThreads = &numThreads
		return nil
	}
}

// WithLogSeverityLevel (ORT only) sets the log severity level for the session.
func WithLogSeverityLevel(level LoggingLevel) WithOption {
	return func(o *Options) error {
		if o.Backend != "ORT" {
			return fmt.Errorf("WithLogSeverityLevel is only supported for ORT backend")
		}
		o.ORTOptions.LogSeverityLevel = &level
		return nil
	}
}

// WithCuda enables CUDA acceleration. For the ORT backend it takes a map of
// CUDA provider parameters, for the XLA backend the map is ignored.
func WithCuda(options map[string]string) WithOption {
	return func(o *Options) error {
		switch o.Backend {
		case "ORT":
			if options == nil {
				options = map[string]string{}
			}
			o.ORTOptions.CudaOptions = options
			return nil
		case "XLA":
			o.GoMLXOptions.Cuda = true
			return nil
		default:
			return fmt.Errorf("WithCuda is only supported for ORT or XLA backends")
		}
	}
}

// WithTPU (XLA only) enables TPU acceleration. Requires libtpu.so to be
// available. Set PJRT_PLUGIN_LIBRARY_PATH to the directory containing
// pjrt_plugin_tpu.so or libtpu.so.
func WithTPU() WithOption {
	return func(o *Options) error {
		if o.Backend != "XLA" {
			return fmt.Errorf("WithTPU is only supported for XLA backend")
		}
		o.GoMLXOptions.TPU = true
		return nil
	}
}
