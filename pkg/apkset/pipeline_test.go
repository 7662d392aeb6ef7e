package apkset

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func TestPipelineBuildsFullSet(t *testing.T) {
	bundle := abiBundle(t)
	out := filepath.Join(t.TempDir(), "app.apks")
	cfg := testBuildConfig(out)
	cfg.Dimensions = []Dimension{DimensionAbi}

	pipeline, err := NewBuildPipeline(bundle, cfg)
	if err != nil {
		t.Fatalf("NewBuildPipeline failed: %v", err)
	}
	result, err := pipeline.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if !result.Successful() {
		t.Fatalf("Build reported failures: %v", result.Failures)
	}
	if result.BuildID == "" {
		t.Error("Missing build ID")
	}
	if len(result.Artifacts) != 3 {
		t.Fatalf("Produced %d artifacts", len(result.Artifacts))
	}
	for i, a := range result.Artifacts {
		if a.Variant.Number != i {
			t.Errorf("Artifact %d carries variant %d", i, a.Variant.Number)
		}
		if len(a.Data) == 0 {
			t.Errorf("Artifact %d is empty", i)
		}
	}
	if _, err := os.Stat(out); err != nil {
		t.Errorf("Output container was not written: %v", err)
	}
}

func TestPipelineSignsEveryArtifact(t *testing.T) {
	bundle := abiBundle(t)
	out := filepath.Join(t.TempDir(), "app.apks")
	cfg := testBuildConfig(out)
	cfg.Dimensions = []Dimension{DimensionAbi}
	cfg.Signing = newTestSigningConfig(t, "release-signer")

	pipeline, err := NewBuildPipeline(bundle, cfg)
	if err != nil {
		t.Fatalf("NewBuildPipeline failed: %v", err)
	}
	result, err := pipeline.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	for _, a := range result.Artifacts {
		verified, err := VerifyApk(a.Data)
		if err != nil {
			t.Fatalf("Variant %d failed verification: %v", a.Variant.Number, err)
		}
		if verified.SignerCN != "release-signer" {
			t.Errorf("Variant %d signed by %q", a.Variant.Number, verified.SignerCN)
		}
	}
}

func TestPipelineListenerOrder(t *testing.T) {
	bundle := loadTestBundle(t, testModule{
		name:     "base",
		manifest: baseManifestXML(),
		entries: map[string]string{
			"lib/arm64-v8a/libapp.so":     "a",
			"lib/armeabi-v7a/libapp.so":   "b",
			"lib/x86/libapp.so":           "c",
			"lib/x86_64/libapp.so":        "d",
			"res/drawable-hdpi/icon.png":  "e",
			"res/drawable-xhdpi/icon.png": "f",
		},
	})
	out := filepath.Join(t.TempDir(), "app.apks")
	cfg := testBuildConfig(out)
	cfg.MaxParallelism = 4

	var mu sync.Mutex
	var order []int
	cfg.Listener = func(v Variant, apk SignedArtifact) {
		mu.Lock()
		order = append(order, v.Number)
		mu.Unlock()
	}

	pipeline, err := NewBuildPipeline(bundle, cfg)
	if err != nil {
		t.Fatalf("NewBuildPipeline failed: %v", err)
	}
	result, err := pipeline.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(order) != len(result.Artifacts) {
		t.Fatalf("Listener fired %d times for %d artifacts", len(order), len(result.Artifacts))
	}
	for i := 1; i < len(order); i++ {
		if order[i] <= order[i-1] {
			t.Fatalf("Listener order not ascending: %v", order)
		}
	}
}

// selectiveCompiler fails compilation for variants selecting one ABI and
// passes everything else through.
type selectiveCompiler struct {
	failAbi string
}

func (c selectiveCompiler) Compile(ctx context.Context, m Manifest) ([]byte, error) {
	if m.Config != nil && m.Config.Abi == c.failAbi {
		return nil, fmt.Errorf("rejected manifest for %s", c.failAbi)
	}
	return PassthroughCompiler{}.Compile(ctx, m)
}

func TestPipelineContainsVariantFailure(t *testing.T) {
	bundle := abiBundle(t)
	out := filepath.Join(t.TempDir(), "app.apks")
	cfg := testBuildConfig(out)
	cfg.Dimensions = []Dimension{DimensionAbi}
	cfg.Compiler = selectiveCompiler{failAbi: "x86"}
	cfg.AllowPartialOutput = true

	pipeline, err := NewBuildPipeline(bundle, cfg)
	if err != nil {
		t.Fatalf("NewBuildPipeline failed: %v", err)
	}
	result, err := pipeline.Run(context.Background())
	if err == nil {
		t.Fatal("Expected aggregated error for the failed variant")
	}
	if result == nil {
		t.Fatal("Partial result was discarded")
	}

	if len(result.Artifacts) != 2 {
		t.Errorf("Produced %d artifacts, want the 2 unaffected ones", len(result.Artifacts))
	}
	if len(result.Failures) != 1 {
		t.Fatalf("Recorded %d failures", len(result.Failures))
	}
	var resErr *ResourceError
	if !errors.As(result.Failures[0], &resErr) {
		t.Errorf("Failure is %T, want ResourceError", result.Failures[0])
	}
	// Partial output was allowed, so the container must exist.
	if _, err := os.Stat(out); err != nil {
		t.Errorf("Partial output was not written: %v", err)
	}
}

func TestPipelineRefusesPartialOutputByDefault(t *testing.T) {
	bundle := abiBundle(t)
	out := filepath.Join(t.TempDir(), "app.apks")
	cfg := testBuildConfig(out)
	cfg.Dimensions = []Dimension{DimensionAbi}
	cfg.Compiler = selectiveCompiler{failAbi: "x86"}

	pipeline, err := NewBuildPipeline(bundle, cfg)
	if err != nil {
		t.Fatalf("NewBuildPipeline failed: %v", err)
	}
	result, err := pipeline.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "refusing to write partial output") {
		t.Fatalf("Expected partial-output refusal, got %v", err)
	}
	if result == nil || len(result.Artifacts) != 2 {
		t.Error("Expected the partial result to still be reported")
	}
	if _, statErr := os.Stat(out); !os.IsNotExist(statErr) {
		t.Error("Output was written despite the refusal")
	}
}

func TestPipelineFailFastAborts(t *testing.T) {
	bundle := abiBundle(t)
	out := filepath.Join(t.TempDir(), "app.apks")
	cfg := testBuildConfig(out)
	cfg.Dimensions = []Dimension{DimensionAbi}
	cfg.Compiler = selectiveCompiler{failAbi: "arm64-v8a"}
	cfg.FailFast = true
	cfg.MaxParallelism = 1

	pipeline, err := NewBuildPipeline(bundle, cfg)
	if err != nil {
		t.Fatalf("NewBuildPipeline failed: %v", err)
	}
	result, err := pipeline.Run(context.Background())
	if err == nil {
		t.Fatal("Expected the build to abort")
	}
	if result != nil {
		t.Error("Aborted build must discard completed artifacts")
	}
	if _, statErr := os.Stat(out); !os.IsNotExist(statErr) {
		t.Error("Aborted build wrote output")
	}
}

func TestPipelineCancellation(t *testing.T) {
	bundle := abiBundle(t)
	cfg := testBuildConfig(filepath.Join(t.TempDir(), "app.apks"))

	pipeline, err := NewBuildPipeline(bundle, cfg)
	if err != nil {
		t.Fatalf("NewBuildPipeline failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := pipeline.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestPipelineConfigValidation(t *testing.T) {
	bundle := abiBundle(t)

	tests := []struct {
		name string
		cfg  BuildConfig
	}{
		{"missing output", BuildConfig{LocalTesting: true}},
		{"negative first variant", BuildConfig{OutputPath: "out.apks", LocalTesting: true, FirstVariantNumber: -1}},
		{"missing signing", BuildConfig{OutputPath: "out.apks"}},
		{"device spec with universal mode", BuildConfig{
			OutputPath:   "out.apks",
			LocalTesting: true,
			Mode:         BuildModeUniversal,
			DeviceSpec:   &DeviceSpec{SupportedAbis: []string{"x86"}},
		}},
		{"unknown module", BuildConfig{OutputPath: "out.apks", LocalTesting: true, Modules: []string{"nope"}}},
	}
	for _, tt := range tests {
		if _, err := NewBuildPipeline(bundle, tt.cfg); err == nil {
			t.Errorf("%s: expected configuration error", tt.name)
		}
	}
}

func TestPipelineDoesNotMutateCallerCompiler(t *testing.T) {
	bundle := abiBundle(t)
	compiler := &Aapt2Compiler{Binary: filepath.Join(t.TempDir(), "missing-aapt2")}
	cfg := testBuildConfig(filepath.Join(t.TempDir(), "app.apks"))
	cfg.Compiler = compiler

	pipeline, err := NewBuildPipeline(bundle, cfg)
	if err != nil {
		t.Fatalf("NewBuildPipeline failed: %v", err)
	}
	// Every variant fails to compile; the run still finishes its temp-dir
	// lifecycle without touching the caller's compiler.
	if _, err := pipeline.Run(context.Background()); err == nil {
		t.Fatal("Expected the build to fail with the missing compiler binary")
	}
	if compiler.WorkDir != "" {
		t.Errorf("Run leaked its temp dir into the shared compiler: %q", compiler.WorkDir)
	}
}

func TestPipelineUniqueBuildIDs(t *testing.T) {
	bundle := abiBundle(t)
	cfg := testBuildConfig(filepath.Join(t.TempDir(), "app.apks"))

	first, err := NewBuildPipeline(bundle, cfg)
	if err != nil {
		t.Fatalf("NewBuildPipeline failed: %v", err)
	}
	second, err := NewBuildPipeline(bundle, cfg)
	if err != nil {
		t.Fatalf("NewBuildPipeline failed: %v", err)
	}
	if first.buildID == second.buildID {
		t.Error("Two builds share a build ID")
	}
}
