package apkset

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"sort"
	"time"
)

// apkManifestPath is where the compiled manifest lives inside a package.
const apkManifestPath = "AndroidManifest.xml"

// AssembledArtifact is one unsigned package: the merged manifest plus
// exactly the entries whose targeting matches the variant. The signing
// engine consumes it and replaces it with a signed package.
type AssembledArtifact struct {
	Variant  Variant
	Manifest Manifest
	// Entries holds the package content, sorted by path. The compiled
	// manifest is stored as the AndroidManifest.xml entry.
	Entries []ModuleEntry
}

// Assembler builds one package's content per variant from a loaded bundle.
type Assembler struct {
	bundle   *AppBundle
	cfg      *BuildConfig
	compiler ResourceCompiler
}

// NewAssembler builds an assembler for one build. The bundle is read-only
// and the assembler is safe for concurrent use by parallel workers.
func NewAssembler(bundle *AppBundle, cfg *BuildConfig) *Assembler {
	return &Assembler{bundle: bundle, cfg: cfg, compiler: cfg.Compiler}
}

// Assemble builds the unsigned package for one variant: merge the base
// manifest with the variant's qualifiers, compile it, select the matching
// entries and run the content-modifier hook exactly once.
//
// A compiler rejection is reported as a ResourceError for this variant
// only; other variants are unaffected unless the pipeline is fail-fast.
func (a *Assembler) Assemble(ctx context.Context, v Variant) (*AssembledArtifact, error) {
	modules, err := selectModules(a.bundle, a.cfg.Modules)
	if err != nil {
		return nil, err
	}

	merged := a.bundle.BaseModule().Manifest.mergeForVariant(v)
	compiled, err := a.compiler.Compile(ctx, merged)
	if err != nil {
		return nil, &ResourceError{VariantNumber: v.Number, Err: err}
	}

	entries := []ModuleEntry{{Path: apkManifestPath, Data: compiled}}
	selected, err := a.selectEntries(modules, v)
	if err != nil {
		return nil, fmt.Errorf("variant %d: %w", v.Number, err)
	}
	entries = append(entries, selected...)
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })

	artifact := &AssembledArtifact{
		Variant:  v,
		Manifest: merged,
		Entries:  entries,
	}

	if a.cfg.Modifier != nil {
		if err := a.cfg.Modifier(v, artifact); err != nil {
			return nil, fmt.Errorf("variant %d: content modifier failed: %w", v.Number, err)
		}
	}

	return artifact, nil
}

// selectEntries picks the content for one variant. Untargeted entries are
// always included; an entry targeted on a dimension is included only when
// the variant selects that value or does not split on the dimension.
//
// Universal and system builds merge every eligible fused module's content;
// other modes take the base module's content and only the manifests of
// on-demand modules.
func (a *Assembler) selectEntries(modules []*BundleModule, v Variant) ([]ModuleEntry, error) {
	var entries []ModuleEntry
	seen := make(map[string]bool)

	include := func(e ModuleEntry) {
		if seen[e.Path] {
			return
		}
		if !a.entryMatches(e, v) {
			return
		}
		seen[e.Path] = true
		entries = append(entries, e)
	}

	for _, m := range modules {
		switch {
		case a.cfg.Mode.mergesFusedModules():
			if !m.Fused() {
				continue
			}
			for _, e := range m.Entries {
				include(e)
			}
		case m.Name == BaseModuleName:
			for _, e := range m.Entries {
				include(e)
			}
		case m.OnDemand():
			// On-demand modules contribute their manifest only; their
			// content is delivered separately on request.
			data, err := m.Manifest.serialize()
			if err != nil {
				return nil, fmt.Errorf("module %s: %w", m.Name, err)
			}
			include(ModuleEntry{
				Path: fmt.Sprintf("ondemand/%s/AndroidManifest.xml", m.Name),
				Data: data,
			})
		}
	}

	return entries, nil
}

// entryMatches applies the variant filter to one entry.
func (a *Assembler) entryMatches(e ModuleEntry, v Variant) bool {
	for d, targeted := range e.Targeting {
		selected, splits := v.Value(d)
		if splits && selected != targeted {
			return false
		}
	}
	return true
}

// zipEpoch is the fixed timestamp written into every package entry so that
// identical content always produces byte-identical unsigned packages.
var zipEpoch = time.Date(1981, time.January, 1, 0, 0, 0, 0, time.UTC)

// Seal renders the artifact as deterministic zip bytes: entries in sorted
// path order, fixed timestamps, deflate throughout.
func (a *AssembledArtifact) Seal() ([]byte, error) {
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)

	for _, e := range a.Entries {
		header := &zip.FileHeader{
			Name:     e.Path,
			Method:   zip.Deflate,
			Modified: zipEpoch,
		}
		fw, err := w.CreateHeader(header)
		if err != nil {
			return nil, fmt.Errorf("failed to create entry %s: %w", e.Path, err)
		}
		if _, err := fw.Write(e.Data); err != nil {
			return nil, fmt.Errorf("failed to write entry %s: %w", e.Path, err)
		}
	}

	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize package: %w", err)
	}
	return buf.Bytes(), nil
}
