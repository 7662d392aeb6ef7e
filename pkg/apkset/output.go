package apkset

import (
	"archive/zip"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
)

// tocFileName is the table of contents written alongside the packages.
const tocFileName = "toc.json"

// OutputWriter persists the signed package set, either as an ".apks"
// container archive with a generated table of contents or as individual
// files in a directory. The writer is the single owner of the output
// destination; the pipeline funnels all artifacts through one Write call
// rather than letting workers write concurrently.
type OutputWriter struct {
	path    string
	buildID string
	pkg     string
}

// NewOutputWriter prepares a writer for the configured destination.
func NewOutputWriter(path, buildID, pkg string) *OutputWriter {
	return &OutputWriter{path: path, buildID: buildID, pkg: pkg}
}

// tableOfContents describes the produced package set.
type tableOfContents struct {
	BuildID  string     `json:"buildId"`
	Package  string     `json:"package"`
	Variants []tocEntry `json:"variants"`
}

type tocEntry struct {
	Number    int               `json:"number"`
	Targeting map[string]string `json:"targeting,omitempty"`
	Path      string            `json:"path"`
}

// Write persists the artifacts atomically: container output is staged in a
// temporary file and renamed into place, so a failed build never leaves a
// truncated container behind.
func (w *OutputWriter) Write(ctx context.Context, artifacts []SignedArtifact) error {
	toc := tableOfContents{BuildID: w.buildID, Package: w.pkg}
	for _, a := range artifacts {
		toc.Variants = append(toc.Variants, tocEntry{
			Number:    a.Variant.Number,
			Targeting: targetingMap(a.Variant),
			Path:      "splits/" + apkFileName(a.Variant),
		})
	}
	tocData, err := json.MarshalIndent(toc, "", "  ")
	if err != nil {
		return &IOError{Path: w.path, Err: err}
	}

	if strings.HasSuffix(w.path, ".apks") {
		return w.writeContainer(ctx, artifacts, tocData)
	}
	return w.writeDirectory(ctx, artifacts, tocData)
}

func (w *OutputWriter) writeContainer(ctx context.Context, artifacts []SignedArtifact, tocData []byte) error {
	dir := filepath.Dir(w.path)
	tmp, err := os.CreateTemp(dir, ".apkset-*")
	if err != nil {
		return &IOError{Path: dir, Err: err}
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	zw := zip.NewWriter(tmp)
	writeEntry := func(name string, data []byte) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		fw, err := zw.Create(name)
		if err != nil {
			return err
		}
		_, err = fw.Write(data)
		return err
	}

	if err := writeEntry(tocFileName, tocData); err != nil {
		tmp.Close()
		return &IOError{Path: w.path, Err: err}
	}
	for _, a := range artifacts {
		if err := writeEntry("splits/"+apkFileName(a.Variant), a.Data); err != nil {
			tmp.Close()
			return &IOError{Path: w.path, Err: err}
		}
	}

	if err := zw.Close(); err != nil {
		tmp.Close()
		return &IOError{Path: w.path, Err: err}
	}
	if err := tmp.Close(); err != nil {
		return &IOError{Path: w.path, Err: err}
	}
	if err := os.Rename(tmpPath, w.path); err != nil {
		return &IOError{Path: w.path, Err: err}
	}
	return nil
}

func (w *OutputWriter) writeDirectory(ctx context.Context, artifacts []SignedArtifact, tocData []byte) error {
	splitsDir := filepath.Join(w.path, "splits")
	if err := os.MkdirAll(splitsDir, 0755); err != nil {
		return &IOError{Path: splitsDir, Err: err}
	}
	if err := os.WriteFile(filepath.Join(w.path, tocFileName), tocData, 0644); err != nil {
		return &IOError{Path: w.path, Err: err}
	}
	for _, a := range artifacts {
		if err := ctx.Err(); err != nil {
			return &IOError{Path: w.path, Err: err}
		}
		apkPath := filepath.Join(splitsDir, apkFileName(a.Variant))
		if err := os.WriteFile(apkPath, a.Data, 0644); err != nil {
			return &IOError{Path: apkPath, Err: err}
		}
	}
	return nil
}

// apkFileName derives the package file name from the variant's targeting:
// "base-master.apk" for the universal fallback, otherwise the targeting
// values joined in dimension order, e.g. "base-arm64_v8a-xxhdpi.apk".
func apkFileName(v Variant) string {
	if v.IsUniversal() {
		return "base-master.apk"
	}
	parts := []string{"base"}
	for _, d := range v.Dimensions() {
		val, _ := v.Value(d)
		parts = append(parts, strings.ReplaceAll(val, "-", "_"))
	}
	return strings.Join(parts, "-") + ".apk"
}

// targetingMap renders a variant's targeting with stable string keys for
// the table of contents.
func targetingMap(v Variant) map[string]string {
	if v.IsUniversal() {
		return nil
	}
	out := make(map[string]string, len(v.Dimensions()))
	for _, d := range v.Dimensions() {
		val, _ := v.Value(d)
		out[d.String()] = val
	}
	return out
}
