package apkset

import (
	"bytes"
	"testing"
)

func TestParseManifest(t *testing.T) {
	m, err := parseManifest([]byte(featureManifestXML("assets_pack", true, true)))
	if err != nil {
		t.Fatalf("parseManifest failed: %v", err)
	}
	if m.Package != "com.example.app" {
		t.Errorf("Package = %q", m.Package)
	}
	if m.Split != "assets_pack" {
		t.Errorf("Split = %q", m.Split)
	}
	if !m.isOnDemand() {
		t.Error("Expected on-demand module")
	}
	if !m.isFused() {
		t.Error("Expected fused module")
	}
}

func TestParseManifestMissingPackage(t *testing.T) {
	if _, err := parseManifest([]byte(`<manifest versionCode="1"></manifest>`)); err == nil {
		t.Error("Expected error for manifest without package")
	}
}

func TestManifestFusing(t *testing.T) {
	installTime, err := parseManifest([]byte(baseManifestXML()))
	if err != nil {
		t.Fatalf("parseManifest failed: %v", err)
	}
	if installTime.isOnDemand() {
		t.Error("Install-time module reported as on-demand")
	}
	if !installTime.isFused() {
		t.Error("Install-time module must always fuse")
	}

	onDemandUnfused, err := parseManifest([]byte(featureManifestXML("extra", true, false)))
	if err != nil {
		t.Fatalf("parseManifest failed: %v", err)
	}
	if onDemandUnfused.isFused() {
		t.Error("On-demand module without fusedInclude must not fuse")
	}
}

func TestMergeForVariant(t *testing.T) {
	m, err := parseManifest([]byte(featureManifestXML("extra", true, true)))
	if err != nil {
		t.Fatalf("parseManifest failed: %v", err)
	}

	v := newVariant(3, map[Dimension]string{
		DimensionAbi:           "arm64-v8a",
		DimensionScreenDensity: "xhdpi",
	})
	merged := m.mergeForVariant(v)

	if merged.Delivery != nil {
		t.Error("Merged manifest must drop delivery metadata")
	}
	if merged.Config == nil {
		t.Fatal("Merged manifest is missing targeting config")
	}
	if merged.Config.Abi != "arm64-v8a" || merged.Config.Density != "xhdpi" {
		t.Errorf("Merged config = %+v", merged.Config)
	}
	if merged.Config.Locale != "" {
		t.Errorf("Unexpected locale %q on a variant without a language split", merged.Config.Locale)
	}
}

func TestMergeForUniversalVariant(t *testing.T) {
	m, err := parseManifest([]byte(baseManifestXML()))
	if err != nil {
		t.Fatalf("parseManifest failed: %v", err)
	}
	merged := m.mergeForVariant(newVariant(0, nil))
	if merged.Config != nil {
		t.Error("Universal manifest must carry no targeting config")
	}
}

func TestSerializeDeterministic(t *testing.T) {
	m, err := parseManifest([]byte(baseManifestXML()))
	if err != nil {
		t.Fatalf("parseManifest failed: %v", err)
	}
	first, err := m.serialize()
	if err != nil {
		t.Fatalf("serialize failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		again, err := m.serialize()
		if err != nil {
			t.Fatalf("serialize failed: %v", err)
		}
		if !bytes.Equal(first, again) {
			t.Fatal("Serialization is not byte-stable")
		}
	}

	// Serialized output must parse back to the same model.
	parsed, err := parseManifest(first)
	if err != nil {
		t.Fatalf("Failed to reparse serialized manifest: %v", err)
	}
	if parsed.Package != m.Package || parsed.VersionCode != m.VersionCode {
		t.Errorf("Round trip changed manifest: %+v", parsed)
	}
}
