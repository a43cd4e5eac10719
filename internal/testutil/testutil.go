// Package testutil provides shared skip helpers for integration tests.
//
// Each helper calls t.Skip with a clear human-readable reason when the named
// prerequisite is absent, so integration tests remain runnable in partial
// environments without failing noisily.
//
// Typical usage:
//
//	func TestMyIntegration(t *testing.T) {
//	    testutil.RequireONNXRuntime(t)
//	    testutil.RequireVoiceFile(t, "en-default")
//	    ...
//	}
package testutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/example/go-streamtts/internal/tts"
)

// ortLibraryEnvVars are checked in order before falling back to system paths.
var ortLibraryEnvVars = []string{"ORT_LIBRARY_PATH", "STREAMTTS_ORT_LIB"}

// ortSystemPaths are common install locations for the ONNX Runtime library.
var ortSystemPaths = []string{
	"/usr/lib/libonnxruntime.so",
	"/usr/local/lib/libonnxruntime.so",
	"/usr/lib/x86_64-linux-gnu/libonnxruntime.so",
}

func fileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

// RequireONNXRuntime skips the test if no ONNX Runtime shared library can be
// located via the ORT_LIBRARY_PATH or STREAMTTS_ORT_LIB env vars or common
// system library paths.
func RequireONNXRuntime(tb testing.TB) {
	tb.Helper()

	for _, env := range ortLibraryEnvVars {
		p := os.Getenv(env)
		if p == "" {
			continue
		}
		if fileExists(p) {
			return
		}

		tb.Skipf("ONNX Runtime library not found at %s=%q", env, p)
	}

	for _, p := range ortSystemPaths {
		if fileExists(p) {
			return
		}
	}

	tb.Skip("ONNX Runtime shared library not found; set ORT_LIBRARY_PATH or STREAMTTS_ORT_LIB")
}

// RequireVoiceFile skips the test if the voice identified by id cannot be
// resolved from voices/manifest.json relative to the current working directory.
func RequireVoiceFile(tb testing.TB, id string) {
	tb.Helper()

	manifestPath := filepath.Join("voices", "manifest.json")

	vm, err := tts.NewVoiceManager(manifestPath)
	if err != nil {
		tb.Skipf("voice manifest not available at %q: %v", manifestPath, err)
	}

	if _, err := vm.ResolvePath(id); err != nil {
		tb.Skipf("voice %q not available: %v", id, err)
	}
}

// RequireCheckpoint skips the test if the decoder checkpoint at path does
// not exist.
func RequireCheckpoint(tb testing.TB, path string) {
	tb.Helper()

	if !fileExists(path) {
		tb.Skipf("decoder checkpoint not available at %q", path)
	}
}
