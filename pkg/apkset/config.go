package apkset

import (
	"fmt"
	"runtime"
	"strings"
)

// BuildMode selects the overall shape of the produced package set.
type BuildMode int

const (
	// BuildModeDefault produces split packages per variant.
	BuildModeDefault BuildMode = iota
	// BuildModeUniversal produces a single merged package with every fused
	// module's content.
	BuildModeUniversal
	// BuildModeSystem produces packages for preloading into a system image.
	BuildModeSystem
	// BuildModeInstant produces instant-delivery packages.
	BuildModeInstant
	// BuildModePersistent produces persistent-app packages.
	BuildModePersistent
	// BuildModeArchive produces a minimal archived package.
	BuildModeArchive
)

var buildModeNames = map[BuildMode]string{
	BuildModeDefault:    "DEFAULT",
	BuildModeUniversal:  "UNIVERSAL",
	BuildModeSystem:     "SYSTEM",
	BuildModeInstant:    "INSTANT",
	BuildModePersistent: "PERSISTENT",
	BuildModeArchive:    "ARCHIVE",
}

func (m BuildMode) String() string {
	if name, ok := buildModeNames[m]; ok {
		return name
	}
	return fmt.Sprintf("BuildMode(%d)", int(m))
}

// ParseBuildMode converts a mode name such as "DEFAULT" or "UNIVERSAL".
func ParseBuildMode(name string) (BuildMode, error) {
	for m, n := range buildModeNames {
		if n == strings.ToUpper(strings.TrimSpace(name)) {
			return m, nil
		}
	}
	return 0, configErrorf("unknown build mode %q", name)
}

// mergesFusedModules reports whether the mode merges every fused module's
// content into each package instead of splitting per module.
func (m BuildMode) mergesFusedModules() bool {
	return m == BuildModeUniversal || m == BuildModeSystem
}

// ApkModifier is the content-modifier hook. It is invoked exactly once per
// assembled artifact, before signing, and may rewrite the artifact's entries.
type ApkModifier func(variant Variant, artifact *AssembledArtifact) error

// ApkListener is the per-artifact hook. It fires exactly once per variant
// after the variant is signed, and notifications are always delivered in
// ascending variant-number order regardless of completion order.
type ApkListener func(variant Variant, apk SignedArtifact)

// BuildConfig carries every parameter of one build. Construct it as a
// literal and hand it to NewBuildPipeline, which applies defaults and
// validates it eagerly; the pipeline keeps a private copy, so the
// configuration is effectively immutable once a build starts.
type BuildConfig struct {
	// BundlePath is the bundle zip to load. Unused when the pipeline is
	// constructed with an already-loaded bundle.
	BundlePath string
	// OutputPath receives the package set: an ".apks" container file, or a
	// directory for individual files.
	OutputPath string

	// Signing signs every produced package. Required unless LocalTesting
	// is set, in which case packages may be left unsigned.
	Signing *SigningConfig
	// Stamp optionally embeds a provenance marker in every package.
	Stamp *SourceStamp

	Mode BuildMode
	// Modules restricts the build to a subset of module names. Empty means
	// all modules.
	Modules []string
	// Dimensions are the optimization dimensions to split on. Empty
	// selects ABI, screen density and language.
	Dimensions []Dimension
	// DeviceSpec restricts generation to a single device. Incompatible
	// with BuildModeUniversal.
	DeviceSpec *DeviceSpec

	// FirstVariantNumber seeds variant numbering. Defaults to 0.
	FirstVariantNumber int
	// MaxParallelism bounds the assemble+sign worker pool. Defaults to the
	// available parallelism.
	MaxParallelism int

	Modifier ApkModifier
	Listener ApkListener

	// FailFast cancels remaining variants on the first per-variant
	// failure. The default is false: successful variants complete and
	// failures are reported together.
	FailFast bool
	// AllowPartialOutput lets the writer finalize an output set that is
	// missing failed variants. Without it a partially failed build writes
	// nothing.
	AllowPartialOutput bool
	// LocalTesting builds unsigned packages with the passthrough resource
	// compiler when no signing configuration or aapt2 binary is available.
	LocalTesting bool

	// Compiler overrides the external resource compiler. Defaults to
	// Aapt2Compiler, or PassthroughCompiler under LocalTesting.
	Compiler ResourceCompiler
}

// withDefaults returns a copy with every unset field resolved to its
// concrete default.
func (c BuildConfig) withDefaults() BuildConfig {
	if len(c.Dimensions) == 0 {
		c.Dimensions = []Dimension{DimensionAbi, DimensionScreenDensity, DimensionLanguage}
	}
	c.Dimensions = sortDimensions(c.Dimensions)
	if c.MaxParallelism == 0 {
		c.MaxParallelism = runtime.NumCPU()
	}
	if c.Compiler == nil {
		if c.LocalTesting {
			c.Compiler = PassthroughCompiler{}
		} else {
			c.Compiler = &Aapt2Compiler{}
		}
	}
	return c
}

// validate checks the configuration for contradictions. Every violation is
// a ConfigurationError raised before any variant work starts, except key
// material problems which keep their SigningError classification.
func (c *BuildConfig) validate() error {
	if c.OutputPath == "" {
		return configErrorf("output path is required")
	}
	if c.FirstVariantNumber < 0 {
		return configErrorf("first variant number must not be negative, got %d", c.FirstVariantNumber)
	}
	if c.MaxParallelism < 1 {
		return configErrorf("parallelism must be at least 1, got %d", c.MaxParallelism)
	}
	if c.DeviceSpec != nil && c.Mode == BuildModeUniversal {
		return configErrorf("a device spec cannot be combined with build mode %s", BuildModeUniversal)
	}
	if c.Stamp != nil && c.Stamp.Signing == nil {
		return configErrorf("source stamp requires a signing configuration")
	}
	if c.Signing == nil && !c.LocalTesting {
		return configErrorf("signing configuration is required unless local-testing mode is enabled")
	}
	if c.Signing != nil {
		if err := c.Signing.Validate(); err != nil {
			return err
		}
	}
	if c.Stamp != nil {
		if err := c.Stamp.Signing.Validate(); err != nil {
			return err
		}
	}
	return nil
}
