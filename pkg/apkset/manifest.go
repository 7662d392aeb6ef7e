package apkset

import (
	"encoding/xml"
	"fmt"
)

// Manifest is the simplified split-manifest model carried by every bundle
// module and every assembled package. Only the attributes the pipeline acts
// on are modeled; everything else is the resource compiler's business.
type Manifest struct {
	XMLName     xml.Name       `xml:"manifest"`
	Package     string         `xml:"package,attr"`
	VersionCode int            `xml:"versionCode,attr"`
	Split       string         `xml:"split,attr,omitempty"`
	Delivery    *Delivery      `xml:"delivery,omitempty"`
	Config      *VariantConfig `xml:"config,omitempty"`
}

// Delivery describes how a module is delivered to devices.
type Delivery struct {
	OnDemand     bool `xml:"onDemand,attr,omitempty"`
	FusedInclude bool `xml:"fusedInclude,attr,omitempty"`
}

// VariantConfig carries the device-targeting qualifiers stamped into a
// merged manifest for one variant.
type VariantConfig struct {
	Abi           string `xml:"abi,attr,omitempty"`
	Density       string `xml:"density,attr,omitempty"`
	Locale        string `xml:"locale,attr,omitempty"`
	TextureFormat string `xml:"textureFormat,attr,omitempty"`
	DeviceTier    string `xml:"deviceTier,attr,omitempty"`
}

// parseManifest decodes a module manifest.
func parseManifest(data []byte) (Manifest, error) {
	var m Manifest
	if err := xml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("failed to parse manifest: %w", err)
	}
	if m.Package == "" {
		return Manifest{}, fmt.Errorf("manifest has no package attribute")
	}
	return m, nil
}

// serialize renders the manifest as deterministic XML. Identical manifests
// always serialize to identical bytes, which keeps unsigned artifacts
// byte-stable across runs.
func (m Manifest) serialize() ([]byte, error) {
	data, err := xml.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to serialize manifest: %w", err)
	}
	return append([]byte(xml.Header), data...), nil
}

// mergeForVariant returns a copy of the base manifest carrying the variant's
// targeting qualifiers. The universal variant carries no qualifiers at all.
func (m Manifest) mergeForVariant(v Variant) Manifest {
	merged := m
	merged.Delivery = nil
	if v.IsUniversal() {
		merged.Config = nil
		return merged
	}
	config := &VariantConfig{}
	if val, ok := v.Value(DimensionAbi); ok {
		config.Abi = val
	}
	if val, ok := v.Value(DimensionScreenDensity); ok {
		config.Density = val
	}
	if val, ok := v.Value(DimensionLanguage); ok {
		config.Locale = val
	}
	if val, ok := v.Value(DimensionTextureFormat); ok {
		config.TextureFormat = val
	}
	if val, ok := v.Value(DimensionDeviceTier); ok {
		config.DeviceTier = val
	}
	merged.Config = config
	return merged
}

// isOnDemand reports whether the module owning this manifest is delivered
// on demand rather than at install time.
func (m Manifest) isOnDemand() bool {
	return m.Delivery != nil && m.Delivery.OnDemand
}

// isFused reports whether the module's content is merged into standalone and
// universal packages. Install-time modules are always fused; on-demand
// modules only when the manifest opts in.
func (m Manifest) isFused() bool {
	if !m.isOnDemand() {
		return true
	}
	return m.Delivery.FusedInclude
}
