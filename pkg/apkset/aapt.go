package apkset

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// ResourceCompiler is the external resource-compilation collaborator. It is
// invoked exactly once per variant to turn the merged manifest into its
// compiled binary form.
type ResourceCompiler interface {
	Compile(ctx context.Context, manifest Manifest) ([]byte, error)
}

// Aapt2Compiler shells out to the external aapt2 binary. The invocation is
// cancellation-aware: aborting the build kills the child process.
type Aapt2Compiler struct {
	// Binary is the aapt2 executable; defaults to "aapt2" on PATH.
	Binary string
	// WorkDir receives the per-invocation scratch files; defaults to the
	// system temp directory.
	WorkDir string
}

func (c *Aapt2Compiler) Compile(ctx context.Context, manifest Manifest) ([]byte, error) {
	binary := c.Binary
	if binary == "" {
		binary = "aapt2"
	}

	xmlData, err := manifest.serialize()
	if err != nil {
		return nil, err
	}

	dir, err := os.MkdirTemp(c.WorkDir, "aapt2-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create compiler scratch dir: %w", err)
	}
	defer os.RemoveAll(dir)

	inPath := filepath.Join(dir, "AndroidManifest.xml")
	outPath := filepath.Join(dir, "AndroidManifest.bin")
	if err := os.WriteFile(inPath, xmlData, 0644); err != nil {
		return nil, fmt.Errorf("failed to write manifest: %w", err)
	}

	cmd := exec.CommandContext(ctx, binary, "convert", "--output-format", "binary", "-o", outPath, inPath)
	if output, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("aapt2 rejected manifest: %v: %s", err, output)
	}

	compiled, err := os.ReadFile(outPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read compiled manifest: %w", err)
	}
	return compiled, nil
}

// PassthroughCompiler emits the serialized XML manifest unchanged. It backs
// local-testing mode, where no external toolchain is available.
type PassthroughCompiler struct{}

func (PassthroughCompiler) Compile(_ context.Context, manifest Manifest) ([]byte, error) {
	return manifest.serialize()
}
