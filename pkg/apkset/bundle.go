package apkset

import (
	"archive/zip"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
)

const manifestEntryPath = "manifest/AndroidManifest.xml"

// ModuleEntry is one file inside a bundle module, with its device targeting
// derived from the bundle's path conventions.
type ModuleEntry struct {
	// Path is the module-relative path, e.g. "lib/arm64-v8a/libfoo.so".
	Path      string
	Data      []byte
	Targeting EntryTargeting
}

// BundleModule is one module of an app bundle: its manifest plus every
// content entry, sorted by path.
type BundleModule struct {
	Name     string
	Manifest Manifest
	Entries  []ModuleEntry
}

// OnDemand reports whether the module is delivered on demand.
func (m *BundleModule) OnDemand() bool { return m.Manifest.isOnDemand() }

// Fused reports whether the module's content belongs in standalone and
// universal packages.
func (m *BundleModule) Fused() bool { return m.Manifest.isFused() }

// AppBundle is a loaded modular application bundle. It is read-only once
// loaded and safe for concurrent reads; the build pipeline owns it for the
// duration of one build.
type AppBundle struct {
	modules map[string]*BundleModule
	names   []string
}

// BaseModuleName is the module every bundle must contain.
const BaseModuleName = "base"

// Module returns the named module.
func (b *AppBundle) Module(name string) (*BundleModule, bool) {
	m, ok := b.modules[name]
	return m, ok
}

// ModuleNames returns every module name in sorted order.
func (b *AppBundle) ModuleNames() []string {
	return append([]string(nil), b.names...)
}

// BaseModule returns the bundle's base module.
func (b *AppBundle) BaseModule() *BundleModule {
	return b.modules[BaseModuleName]
}

// Package returns the application package name from the base manifest.
func (b *AppBundle) Package() string {
	return b.BaseModule().Manifest.Package
}

// LoadAppBundle reads a modular app bundle from a zip file. Each top-level
// directory is one module containing manifest/AndroidManifest.xml plus its
// content entries.
func LoadAppBundle(bundlePath string) (*AppBundle, error) {
	r, err := zip.OpenReader(bundlePath)
	if err != nil {
		return nil, &IOError{Path: bundlePath, Err: fmt.Errorf("failed to open bundle: %w", err)}
	}
	defer r.Close()

	manifests := make(map[string][]byte)
	entries := make(map[string][]ModuleEntry)

	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		moduleName, relPath, err := splitBundlePath(f.Name)
		if err != nil {
			return nil, err
		}
		data, err := readZipFile(f)
		if err != nil {
			return nil, &IOError{Path: bundlePath, Err: fmt.Errorf("failed to read %s: %w", f.Name, err)}
		}
		if relPath == manifestEntryPath {
			manifests[moduleName] = data
			continue
		}
		entries[moduleName] = append(entries[moduleName], ModuleEntry{
			Path:      relPath,
			Data:      data,
			Targeting: parseEntryTargeting(relPath),
		})
	}

	bundle := &AppBundle{modules: make(map[string]*BundleModule)}
	for name, manifestData := range manifests {
		manifest, err := parseManifest(manifestData)
		if err != nil {
			return nil, fmt.Errorf("module %q: %w", name, err)
		}
		moduleEntries := entries[name]
		sort.Slice(moduleEntries, func(i, j int) bool {
			return moduleEntries[i].Path < moduleEntries[j].Path
		})
		bundle.modules[name] = &BundleModule{
			Name:     name,
			Manifest: manifest,
			Entries:  moduleEntries,
		}
		bundle.names = append(bundle.names, name)
	}
	sort.Strings(bundle.names)

	for name := range entries {
		if _, ok := manifests[name]; !ok {
			return nil, fmt.Errorf("module %q has entries but no %s", name, manifestEntryPath)
		}
	}
	if _, ok := bundle.modules[BaseModuleName]; !ok {
		return nil, fmt.Errorf("bundle has no %q module", BaseModuleName)
	}

	return bundle, nil
}

// splitBundlePath splits a bundle zip entry name into its module name and
// module-relative path, rejecting entries that would escape the bundle root.
func splitBundlePath(name string) (module, rel string, err error) {
	clean := path.Clean(name)
	if path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", "", fmt.Errorf("invalid bundle entry path: %s", name)
	}
	parts := strings.SplitN(clean, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("bundle entry %s is not inside a module directory", name)
	}
	return parts[0], parts[1], nil
}

func readZipFile(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
