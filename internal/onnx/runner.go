// Package onnx runs ONNX graphs through the ONNX Runtime C library. The
// only graph this system ships is the vocoder, so the package stays a
// thin wrapper: one runner per graph, float32 tensors in and out.
package onnx

import (
	"context"
	"fmt"

	ort "github.com/shota3506/onnxruntime-purego/onnxruntime"
)

// RunnerConfig holds ORT library settings.
type RunnerConfig struct {
	LibraryPath string
	APIVersion  uint32
}

// Runner wraps an ORT session for a single ONNX graph.
type Runner struct {
	name    string
	runtime *ort.Runtime
	env     *ort.Env
	session *ort.Session
}

// NewRunner opens the graph at path under the given name.
func NewRunner(name, path string, cfg RunnerConfig) (*Runner, error) {
	if cfg.APIVersion == 0 {
		cfg.APIVersion = 23
	}

	runtime, err := ort.NewRuntime(cfg.LibraryPath, cfg.APIVersion)
	if err != nil {
		return nil, fmt.Errorf("ort runtime for %q: %w", name, err)
	}

	env, err := runtime.NewEnv("streamtts-"+name, ort.LoggingLevelWarning)
	if err != nil {
		_ = runtime.Close()
		return nil, fmt.Errorf("ort env for %q: %w", name, err)
	}

	session, err := runtime.NewSession(env, path, nil)
	if err != nil {
		env.Close()
		_ = runtime.Close()
		return nil, fmt.Errorf("ort session for %q (%s): %w", name, path, err)
	}

	return &Runner{
		name:    name,
		runtime: runtime,
		env:     env,
		session: session,
	}, nil
}

// Run executes the graph with the given named float32 inputs.
func (r *Runner) Run(ctx context.Context, inputs map[string]*Tensor) (map[string]*Tensor, error) {
	ortInputs := make(map[string]*ort.Value, len(inputs))
	for name, t := range inputs {
		v, err := ort.NewTensorValue(r.runtime, t.Data, t.Shape)
		if err != nil {
			closeValues(ortInputs)
			return nil, fmt.Errorf("input %q: %w", name, err)
		}
		ortInputs[name] = v
	}
	defer closeValues(ortInputs)

	ortOutputs, err := r.session.Run(ctx, ortInputs)
	if err != nil {
		return nil, fmt.Errorf("run %q: %w", r.name, err)
	}
	defer closeValues(ortOutputs)

	results := make(map[string]*Tensor, len(ortOutputs))
	for name, v := range ortOutputs {
		t, err := fromValue(v)
		if err != nil {
			return nil, fmt.Errorf("output %q: %w", name, err)
		}
		results[name] = t
	}
	return results, nil
}

// Close releases all ORT resources. Safe to call multiple times.
func (r *Runner) Close() {
	if r.session != nil {
		r.session.Close()
		r.session = nil
	}
	if r.env != nil {
		r.env.Close()
		r.env = nil
	}
	if r.runtime != nil {
		_ = r.runtime.Close()
		r.runtime = nil
	}
}

func (r *Runner) Name() string { return r.name }

func fromValue(v *ort.Value) (*Tensor, error) {
	elemType, err := v.GetTensorElementType()
	if err != nil {
		return nil, fmt.Errorf("get element type: %w", err)
	}
	if elemType != ort.ONNXTensorElementDataTypeFloat {
		return nil, fmt.Errorf("unsupported ORT element type %d, want float32", elemType)
	}
	data, shape, err := ort.GetTensorData[float32](v)
	if err != nil {
		return nil, err
	}
	return NewTensor(data, shape)
}

func closeValues(values map[string]*ort.Value) {
	for _, v := range values {
		if v != nil {
			v.Close()
		}
	}
}

