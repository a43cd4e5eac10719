package tts_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/example/go-streamtts/internal/config"
	"github.com/example/go-streamtts/internal/testutil"
	"github.com/example/go-streamtts/internal/tts"
)

// These tests run against a real decoder checkpoint and are skipped when the
// model files are not present. Point STREAMTTS_MODEL at a checkpoint to
// enable them.

func integrationConfig(tb testing.TB) config.Config {
	tb.Helper()

	cfg := config.DefaultConfig()
	if p := os.Getenv("STREAMTTS_MODEL"); p != "" {
		cfg.Paths.ModelPath = p
	}
	testutil.RequireCheckpoint(tb, cfg.Paths.ModelPath)
	cfg.Paths.VoiceManifest = ""
	return cfg
}

func TestGenerateCodesWithRealCheckpoint(t *testing.T) {
	cfg := integrationConfig(t)

	svc, err := tts.NewService(cfg, nil)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	defer svc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	rows, err := svc.GenerateCodes(ctx, []int64{10, 20, 30, 40, 50}, "")
	if err != nil {
		t.Fatalf("GenerateCodes: %v", err)
	}
	if len(rows) == 0 {
		t.Fatal("no audio codes produced")
	}
	nq := svc.SpeechConfig().NumVQ
	for i, row := range rows {
		if len(row) != nq {
			t.Fatalf("row %d has %d codes, want %d", i, len(row), nq)
		}
	}
}

func TestSynthesizeWithRealVocoder(t *testing.T) {
	cfg := integrationConfig(t)
	testutil.RequireONNXRuntime(t)
	testutil.RequireVoiceFile(t, "default")
	cfg.Paths.VoiceManifest = filepath.Join("voices", "manifest.json")

	cfg.Vocoder.Backend = config.BackendONNX
	if p := os.Getenv("STREAMTTS_VOCODER"); p != "" {
		cfg.Vocoder.ModelPath = p
	}
	if cfg.Vocoder.ModelPath == "" {
		t.Skip("no vocoder graph configured; set STREAMTTS_VOCODER")
	}

	svc, err := tts.NewService(cfg, nil)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	defer svc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	samples, err := svc.Synthesize(ctx, []int64{10, 20, 30, 40, 50}, "default")
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if len(samples) == 0 {
		t.Fatal("no samples produced")
	}
}
