package apkset

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func assembleVariant(t *testing.T, bundle *AppBundle, cfg BuildConfig, v Variant) *AssembledArtifact {
	t.Helper()
	artifact, err := NewAssembler(bundle, &cfg).Assemble(context.Background(), v)
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}
	return artifact
}

func entryPaths(artifact *AssembledArtifact) []string {
	paths := make([]string, 0, len(artifact.Entries))
	for _, e := range artifact.Entries {
		paths = append(paths, e.Path)
	}
	return paths
}

func TestAssembleSplitVariant(t *testing.T) {
	bundle := abiBundle(t)
	cfg := testBuildConfig("out.apks")

	v := newVariant(1, map[Dimension]string{DimensionAbi: "arm64-v8a"})
	artifact := assembleVariant(t, bundle, cfg, v)

	want := []string{"AndroidManifest.xml", "assets/data.txt", "lib/arm64-v8a/libapp.so"}
	got := entryPaths(artifact)
	if len(got) != len(want) {
		t.Fatalf("Entries = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Entries = %v, want %v", got, want)
		}
	}
	if artifact.Manifest.Config == nil || artifact.Manifest.Config.Abi != "arm64-v8a" {
		t.Errorf("Merged manifest config = %+v", artifact.Manifest.Config)
	}
}

func TestAssembleUniversalVariantTakesAllContent(t *testing.T) {
	bundle := abiBundle(t)
	cfg := testBuildConfig("out.apks")

	artifact := assembleVariant(t, bundle, cfg, newVariant(0, nil))

	got := entryPaths(artifact)
	want := []string{
		"AndroidManifest.xml",
		"assets/data.txt",
		"lib/arm64-v8a/libapp.so",
		"lib/x86/libapp.so",
	}
	if len(got) != len(want) {
		t.Fatalf("Entries = %v, want %v", got, want)
	}
	if artifact.Manifest.Config != nil {
		t.Error("Universal manifest must carry no targeting config")
	}
}

func TestAssembleOnDemandModuleContributesManifestOnly(t *testing.T) {
	bundle := loadTestBundle(t,
		testModule{
			name:     "base",
			manifest: baseManifestXML(),
			entries:  map[string]string{"classes.dex": "dex"},
		},
		testModule{
			name:     "assets_pack",
			manifest: featureManifestXML("assets_pack", true, true),
			entries:  map[string]string{"assets/pack.bin": "pack"},
		},
	)
	cfg := testBuildConfig("out.apks")

	artifact := assembleVariant(t, bundle, cfg, newVariant(0, nil))

	got := entryPaths(artifact)
	for _, p := range got {
		if p == "assets/pack.bin" {
			t.Error("On-demand module content leaked into a default-mode package")
		}
	}
	foundManifest := false
	for _, p := range got {
		if p == "ondemand/assets_pack/AndroidManifest.xml" {
			foundManifest = true
		}
	}
	if !foundManifest {
		t.Errorf("Missing on-demand module manifest, entries = %v", got)
	}
}

func TestAssembleUniversalModeFusesModules(t *testing.T) {
	bundle := loadTestBundle(t,
		testModule{
			name:     "base",
			manifest: baseManifestXML(),
			entries:  map[string]string{"classes.dex": "dex"},
		},
		testModule{
			name:     "fused_pack",
			manifest: featureManifestXML("fused_pack", true, true),
			entries:  map[string]string{"assets/fused.bin": "in"},
		},
		testModule{
			name:     "unfused_pack",
			manifest: featureManifestXML("unfused_pack", true, false),
			entries:  map[string]string{"assets/unfused.bin": "out"},
		},
	)
	cfg := testBuildConfig("out.apks")
	cfg.Mode = BuildModeUniversal

	artifact := assembleVariant(t, bundle, cfg, newVariant(0, nil))

	got := strings.Join(entryPaths(artifact), " ")
	if !strings.Contains(got, "assets/fused.bin") {
		t.Errorf("Fused module content missing from universal package: %s", got)
	}
	if strings.Contains(got, "assets/unfused.bin") {
		t.Errorf("Unfused module content leaked into universal package: %s", got)
	}
}

func TestAssembleModifierRunsOncePerVariant(t *testing.T) {
	bundle := abiBundle(t)
	cfg := testBuildConfig("out.apks")
	calls := 0
	cfg.Modifier = func(v Variant, artifact *AssembledArtifact) error {
		calls++
		artifact.Entries = append(artifact.Entries, ModuleEntry{Path: "injected.txt", Data: []byte("x")})
		return nil
	}

	artifact := assembleVariant(t, bundle, cfg, newVariant(0, nil))
	if calls != 1 {
		t.Errorf("Modifier ran %d times", calls)
	}
	found := false
	for _, e := range artifact.Entries {
		if e.Path == "injected.txt" {
			found = true
		}
	}
	if !found {
		t.Error("Modifier rewrite was discarded")
	}
}

func TestAssembleCompilerFailureIsResourceError(t *testing.T) {
	bundle := abiBundle(t)
	cfg := testBuildConfig("out.apks")
	cfg.Compiler = failingCompiler{}

	v := newVariant(4, map[Dimension]string{DimensionAbi: "x86"})
	_, err := NewAssembler(bundle, &cfg).Assemble(context.Background(), v)

	var resErr *ResourceError
	if !errors.As(err, &resErr) {
		t.Fatalf("Expected ResourceError, got %v", err)
	}
	if resErr.VariantNumber != 4 {
		t.Errorf("ResourceError variant = %d", resErr.VariantNumber)
	}
}

type failingCompiler struct{}

func (failingCompiler) Compile(ctx context.Context, m Manifest) ([]byte, error) {
	return nil, fmt.Errorf("synthetic compiler failure")
}

func TestSealDeterministic(t *testing.T) {
	bundle := abiBundle(t)
	cfg := testBuildConfig("out.apks")

	first, err := assembleVariant(t, bundle, cfg, newVariant(0, nil)).Seal()
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	again, err := assembleVariant(t, bundle, cfg, newVariant(0, nil)).Seal()
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	if !bytes.Equal(first, again) {
		t.Error("Identical artifacts sealed to different bytes")
	}

	r, err := zip.NewReader(bytes.NewReader(first), int64(len(first)))
	if err != nil {
		t.Fatalf("Sealed package is not a readable zip: %v", err)
	}
	for _, f := range r.File {
		if !f.Modified.Equal(zipEpoch) {
			t.Errorf("Entry %s has timestamp %v", f.Name, f.Modified)
		}
	}
}
