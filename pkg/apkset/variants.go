package apkset

import (
	"fmt"
	"sort"
	"strings"
)

// Variant is one combination of dimension values produced for a build, plus
// its number. Numbers increase monotonically from the configured first
// number and are stable across repeated runs on identical inputs.
type Variant struct {
	Number int
	// values maps each split dimension to the single value this variant
	// selects. The universal variant selects nothing and carries unsplit
	// content.
	values map[Dimension]string
}

// IsUniversal reports whether the variant is the merged/universal form.
func (v Variant) IsUniversal() bool { return len(v.values) == 0 }

// Value returns the value the variant selects for a dimension.
func (v Variant) Value(d Dimension) (string, bool) {
	val, ok := v.values[d]
	return val, ok
}

// Dimensions returns the dimensions the variant splits on, in fixed order.
func (v Variant) Dimensions() []Dimension {
	dims := make([]Dimension, 0, len(v.values))
	for d := range v.values {
		dims = append(dims, d)
	}
	sort.Slice(dims, func(i, j int) bool { return dims[i] < dims[j] })
	return dims
}

// Key is the canonical identity of a variant's targeting, used for
// deduplication. Equal targeting always yields equal keys.
func (v Variant) Key() string {
	if v.IsUniversal() {
		return "universal"
	}
	parts := make([]string, 0, len(v.values))
	for _, d := range v.Dimensions() {
		parts = append(parts, fmt.Sprintf("%s=%s", d, v.values[d]))
	}
	return strings.Join(parts, ",")
}

func (v Variant) String() string {
	return fmt.Sprintf("variant %d (%s)", v.Number, v.Key())
}

// newVariant builds a variant from a targeting map, copying it so the
// variant stays immutable.
func newVariant(number int, values map[Dimension]string) Variant {
	copied := make(map[Dimension]string, len(values))
	for d, val := range values {
		copied[d] = val
	}
	return Variant{Number: number, values: copied}
}

// GenerateVariants enumerates the deterministic, deduplicated variant
// sequence for a bundle and configuration.
//
// With a device spec each requested dimension is restricted to the single
// value matching the device, yielding one variant for the eligible delivery
// combination rather than a cross-product. Without one, the cross-product of
// distinct observed values per requested dimension is produced, preceded by
// a universal fallback carrying unsplit content.
//
// Numbering iterates dimensions in fixed sort order and values in natural
// order within each dimension, starting at the configured first number; the
// universal fallback always takes the first number. The result never depends
// on input collection ordering.
func GenerateVariants(bundle *AppBundle, cfg *BuildConfig) ([]Variant, error) {
	modules, err := selectModules(bundle, cfg.Modules)
	if err != nil {
		return nil, err
	}

	if cfg.DeviceSpec != nil {
		if cfg.Mode == BuildModeUniversal {
			return nil, configErrorf("a device spec cannot be combined with build mode %s", BuildModeUniversal)
		}
		return deviceVariants(modules, cfg)
	}

	// Modes that merge every fused module build one package carrying the
	// full content, so there is nothing to split on.
	if cfg.Mode.mergesFusedModules() {
		return []Variant{newVariant(cfg.FirstVariantNumber, nil)}, nil
	}

	return crossProductVariants(modules, cfg)
}

// selectModules resolves the configured module subset against the bundle.
// An empty subset selects every module.
func selectModules(bundle *AppBundle, names []string) ([]*BundleModule, error) {
	if len(names) == 0 {
		names = bundle.ModuleNames()
	} else {
		names = append([]string(nil), names...)
		sort.Strings(names)
	}
	modules := make([]*BundleModule, 0, len(names))
	for _, name := range names {
		m, ok := bundle.Module(name)
		if !ok {
			return nil, configErrorf("requested module %q is not in the bundle", name)
		}
		modules = append(modules, m)
	}
	return modules, nil
}

// observedValues collects the distinct values of one dimension across the
// selected modules' entries, in natural (sorted) order.
func observedValues(modules []*BundleModule, d Dimension) []string {
	seen := make(map[string]bool)
	for _, m := range modules {
		for _, e := range m.Entries {
			if val, ok := e.Targeting[d]; ok && !seen[val] {
				seen[val] = true
			}
		}
	}
	values := make([]string, 0, len(seen))
	for val := range seen {
		values = append(values, val)
	}
	sort.Strings(values)
	return values
}

// deviceVariants restricts every requested dimension to the value matching
// the device spec. Dimensions the device matches no observed value for are
// left unsplit, so the variant carries their full content.
func deviceVariants(modules []*BundleModule, cfg *BuildConfig) ([]Variant, error) {
	values := make(map[Dimension]string)
	for _, d := range sortDimensions(cfg.Dimensions) {
		observed := observedValues(modules, d)
		if len(observed) == 0 {
			continue
		}
		if val, ok := cfg.DeviceSpec.match(d, observed); ok {
			values[d] = val
		}
	}
	// The fused install-time module set forms a single eligible delivery
	// combination, so exactly one variant is produced.
	return []Variant{newVariant(cfg.FirstVariantNumber, values)}, nil
}

// crossProductVariants produces the universal fallback followed by the
// cross-product of observed values, enumerated dimension-major.
func crossProductVariants(modules []*BundleModule, cfg *BuildConfig) ([]Variant, error) {
	type dimValues struct {
		dim    Dimension
		values []string
	}
	var splits []dimValues
	for _, d := range sortDimensions(cfg.Dimensions) {
		if values := observedValues(modules, d); len(values) > 0 {
			splits = append(splits, dimValues{dim: d, values: values})
		}
	}

	variants := []Variant{newVariant(cfg.FirstVariantNumber, nil)}
	seen := map[string]bool{variants[0].Key(): true}
	number := cfg.FirstVariantNumber + 1

	current := make(map[Dimension]string, len(splits))
	var enumerate func(depth int)
	enumerate = func(depth int) {
		if depth == len(splits) {
			v := newVariant(number, current)
			if seen[v.Key()] {
				return
			}
			seen[v.Key()] = true
			variants = append(variants, v)
			number++
			return
		}
		split := splits[depth]
		for _, val := range split.values {
			current[split.dim] = val
			enumerate(depth + 1)
		}
		delete(current, split.dim)
	}
	if len(splits) > 0 {
		enumerate(0)
	}

	return variants, nil
}
