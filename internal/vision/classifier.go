package vision

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

var ErrShapeMismatch = errors.New("tensor shape mismatch")

// Classifier maps a pixel tensor to one score per label. Implementations must
// be safe for concurrent Predict calls.
type Classifier interface {
	Predict(ctx context.Context, t *Tensor) ([]float32, error)
	Close() error
}

// ONNXClassifier runs a pretrained image classifier through ONNX Runtime.
// The session is created once and only read afterwards.
type ONNXClassifier struct {
	session    *ort.DynamicAdvancedSession
	numClasses int
	inputName  string
	outputName string
	closeOnce  sync.Once
}

type ONNXOptions struct {
	ModelPath      string
	RuntimeLibrary string
	InputName      string
	OutputName     string
	NumClasses     int
	IntraOpThreads int
}

var ortInitMu sync.Mutex

func initRuntime(libPath string) error {
	ortInitMu.Lock()
	defer ortInitMu.Unlock()

	if ort.IsInitialized() {
		return nil
	}
	if libPath != "" {
		ort.SetSharedLibraryPath(libPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("initialize onnx runtime: %w", err)
	}
	return nil
}

// NewONNXClassifier opens the model and checks that its single input is an
// NHWC 224x224x3 tensor and its output carries NumClasses scores.
func NewONNXClassifier(opts ONNXOptions) (*ONNXClassifier, error) {
	if opts.NumClasses <= 0 {
		return nil, fmt.Errorf("classifier needs at least one class")
	}
	if err := initRuntime(opts.RuntimeLibrary); err != nil {
		return nil, err
	}

	inputs, outputs, err := ort.GetInputOutputInfo(opts.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("read model io info: %w", err)
	}
	input, err := pickIO(inputs, opts.InputName, "input")
	if err != nil {
		return nil, err
	}
	output, err := pickIO(outputs, opts.OutputName, "output")
	if err != nil {
		return nil, err
	}
	if err := checkInputDims(input.Dimensions); err != nil {
		return nil, err
	}
	if err := checkOutputDims(output.Dimensions, opts.NumClasses); err != nil {
		return nil, err
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("create session options: %w", err)
	}
	defer options.Destroy()

	threads := opts.IntraOpThreads
	if threads <= 0 {
		threads = runtime.NumCPU()
	}
	if err := options.SetIntraOpNumThreads(threads); err != nil {
		return nil, fmt.Errorf("set intra-op threads: %w", err)
	}

	session, err := ort.NewDynamicAdvancedSession(opts.ModelPath,
		[]string{input.Name}, []string{output.Name}, options)
	if err != nil {
		return nil, fmt.Errorf("create onnx session: %w", err)
	}

	return &ONNXClassifier{
		session:    session,
		numClasses: opts.NumClasses,
		inputName:  input.Name,
		outputName: output.Name,
	}, nil
}

func pickIO(infos []ort.InputOutputInfo, name, kind string) (ort.InputOutputInfo, error) {
	if name == "" {
		if len(infos) != 1 {
			return ort.InputOutputInfo{}, fmt.Errorf("model has %d %ss, set the %s name explicitly", len(infos), kind, kind)
		}
		return infos[0], nil
	}
	for _, info := range infos {
		if info.Name == name {
			return info, nil
		}
	}
	return ort.InputOutputInfo{}, fmt.Errorf("model has no %s named %q", kind, name)
}

// Dynamic dimensions are reported as -1 and accepted.
func checkInputDims(dims ort.Shape) error {
	if len(dims) != len(InputShape) {
		return fmt.Errorf("%w: model input %v, want %v", ErrShapeMismatch, dims, InputShape)
	}
	for i, d := range dims {
		if d > 0 && d != InputShape[i] {
			return fmt.Errorf("%w: model input %v, want %v", ErrShapeMismatch, dims, InputShape)
		}
	}
	return nil
}

func checkOutputDims(dims ort.Shape, numClasses int) error {
	if len(dims) == 0 {
		return fmt.Errorf("%w: model output has no dimensions", ErrShapeMismatch)
	}
	if last := dims[len(dims)-1]; last > 0 && last != int64(numClasses) {
		return fmt.Errorf("%w: model outputs %d classes, have %d labels", ErrShapeMismatch, last, numClasses)
	}
	return nil
}

func (c *ONNXClassifier) Predict(ctx context.Context, t *Tensor) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if t == nil {
		return nil, fmt.Errorf("%w: nil tensor", ErrShapeMismatch)
	}

	shape := t.Shape()
	input, err := ort.NewTensor(ort.NewShape(shape[:]...), t.Data())
	if err != nil {
		return nil, fmt.Errorf("create input tensor: %w", err)
	}
	defer input.Destroy()

	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(c.numClasses)))
	if err != nil {
		return nil, fmt.Errorf("create output tensor: %w", err)
	}
	defer output.Destroy()

	if err := c.session.Run([]ort.ArbitraryTensor{input}, []ort.ArbitraryTensor{output}); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	probs := make([]float32, c.numClasses)
	copy(probs, output.GetData())
	return probs, nil
}

func (c *ONNXClassifier) Close() error {
	var err error
	c.closeOnce.Do(func() {
		if c.session != nil {
			err = c.session.Destroy()
		}
		ortInitMu.Lock()
		defer ortInitMu.Unlock()
		if ort.IsInitialized() {
			if derr := ort.DestroyEnvironment(); derr != nil && err == nil {
				err = derr
			}
		}
	})
	return err
}
