// Package doctor provides environment preflight checks for streamtts.
package doctor

import (
	"fmt"
	"io"
	"os"

	"github.com/example/go-streamtts/internal/config"
	"github.com/example/go-streamtts/internal/safetensors"
	"github.com/example/go-streamtts/internal/speech"
	"github.com/example/go-streamtts/internal/tts"
)

// PassMark and FailMark are the prefix symbols printed for each check result.
const (
	PassMark = "✓"
	FailMark = "✗"
)

// Result collects the outcome of all checks.
type Result struct {
	failures []string
}

// Failed returns true if any check failed.
func (r *Result) Failed() bool { return len(r.failures) > 0 }

// Failures returns the list of failure messages.
func (r *Result) Failures() []string { return append([]string(nil), r.failures...) }

// AddFailure appends an external failure message to the result.
func (r *Result) AddFailure(msg string) { r.failures = append(r.failures, msg) }

func (r *Result) fail(msg string) { r.failures = append(r.failures, msg) }

// Run executes all preflight checks against cfg and writes human-readable
// output to w. Each check line is prefixed with PassMark or FailMark.
func Run(cfg config.Config, w io.Writer) Result {
	var res Result

	checkCheckpoint(cfg, w, &res)
	checkVoices(cfg, w, &res)
	checkVocoder(cfg, w, &res)

	return res
}

// checkCheckpoint verifies the decoder checkpoint exists and its header
// parses as safetensors.
func checkCheckpoint(cfg config.Config, w io.Writer, res *Result) {
	path := cfg.Paths.ModelPath
	if path == "" {
		res.fail("decoder checkpoint: no model path configured")
		fmt.Fprintf(w, "%s decoder checkpoint: no model path configured\n", FailMark)
		return
	}

	if _, err := os.Stat(path); err != nil {
		res.fail(fmt.Sprintf("decoder checkpoint %q: %v", path, err))
		fmt.Fprintf(w, "%s decoder checkpoint %s: not found\n", FailMark, path)
		return
	}

	vb, err := speech.OpenVarBuilder(path, safetensors.StoreOptions{})
	if err != nil {
		res.fail(fmt.Sprintf("decoder checkpoint %q: %v", path, err))
		fmt.Fprintf(w, "%s decoder checkpoint %s: unreadable (%v)\n", FailMark, path, err)
		return
	}

	switch {
	case vb.Has("emb_text.weight") || vb.Has("tts.emb_text.weight"):
		fmt.Fprintf(w, "%s decoder checkpoint: %s\n", PassMark, path)
	default:
		res.fail(fmt.Sprintf("decoder checkpoint %q: no text embedding tensor", path))
		fmt.Fprintf(w, "%s decoder checkpoint %s: no text embedding tensor\n", FailMark, path)
	}
}

// checkVoices verifies the manifest parses and every voice file exists.
func checkVoices(cfg config.Config, w io.Writer, res *Result) {
	manifest := cfg.Paths.VoiceManifest
	if manifest == "" {
		fmt.Fprintf(w, "%s voice manifest: skipped (not configured)\n", PassMark)
		return
	}

	vm, err := tts.NewVoiceManager(manifest)
	if err != nil {
		res.fail(fmt.Sprintf("voice manifest %q: %v", manifest, err))
		fmt.Fprintf(w, "%s voice manifest %s: %v\n", FailMark, manifest, err)
		return
	}
	fmt.Fprintf(w, "%s voice manifest: %s\n", PassMark, manifest)

	for _, v := range vm.ListVoices() {
		path, err := vm.ResolvePath(v.ID)
		if err != nil {
			res.fail(fmt.Sprintf("voice %q: %v", v.ID, err))
			fmt.Fprintf(w, "%s voice %s: %v\n", FailMark, v.ID, err)
			continue
		}
		if _, err := os.Stat(path); err != nil {
			res.fail(fmt.Sprintf("voice file %q: %v", path, err))
			fmt.Fprintf(w, "%s voice %s: file not found (%s)\n", FailMark, v.ID, path)
			continue
		}
		fmt.Fprintf(w, "%s voice %s: %s\n", PassMark, v.ID, path)
	}
}

// checkVocoder validates the backend name and, for the onnx backend, that
// the graph and the ONNX Runtime library are on disk.
func checkVocoder(cfg config.Config, w io.Writer, res *Result) {
	backend, err := config.NormalizeVocoderBackend(cfg.Vocoder.Backend)
	if err != nil {
		res.fail(fmt.Sprintf("vocoder backend: %v", err))
		fmt.Fprintf(w, "%s vocoder backend: %v\n", FailMark, err)
		return
	}
	if backend == config.BackendMel {
		fmt.Fprintf(w, "%s vocoder: mel output only\n", PassMark)
		return
	}

	if cfg.Vocoder.ModelPath == "" {
		res.fail("vocoder graph: no model path configured")
		fmt.Fprintf(w, "%s vocoder graph: no model path configured\n", FailMark)
	} else if _, err := os.Stat(cfg.Vocoder.ModelPath); err != nil {
		res.fail(fmt.Sprintf("vocoder graph %q: %v", cfg.Vocoder.ModelPath, err))
		fmt.Fprintf(w, "%s vocoder graph %s: not found\n", FailMark, cfg.Vocoder.ModelPath)
	} else {
		fmt.Fprintf(w, "%s vocoder graph: %s\n", PassMark, cfg.Vocoder.ModelPath)
	}

	if cfg.Vocoder.ORTLibraryPath == "" {
		res.fail("onnxruntime library: no path configured")
		fmt.Fprintf(w, "%s onnxruntime library: no path configured\n", FailMark)
	} else if _, err := os.Stat(cfg.Vocoder.ORTLibraryPath); err != nil {
		res.fail(fmt.Sprintf("onnxruntime library %q: %v", cfg.Vocoder.ORTLibraryPath, err))
		fmt.Fprintf(w, "%s onnxruntime library %s: not found\n", FailMark, cfg.Vocoder.ORTLibraryPath)
	} else {
		fmt.Fprintf(w, "%s onnxruntime library: %s\n", PassMark, cfg.Vocoder.ORTLibraryPath)
	}
}
