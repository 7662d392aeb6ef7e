package apkset

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
)

// Dimension is an axis along which bundle content can be split into
// device-targeted packages. The declaration order is the fixed sort order
// used for variant enumeration and numbering.
type Dimension int

const (
	DimensionAbi Dimension = iota
	DimensionScreenDensity
	DimensionLanguage
	DimensionTextureFormat
	DimensionDeviceTier

	numDimensions
)

var dimensionNames = map[Dimension]string{
	DimensionAbi:           "ABI",
	DimensionScreenDensity: "SCREEN_DENSITY",
	DimensionLanguage:      "LANGUAGE",
	DimensionTextureFormat: "TEXTURE_COMPRESSION_FORMAT",
	DimensionDeviceTier:    "DEVICE_TIER",
}

func (d Dimension) String() string {
	if name, ok := dimensionNames[d]; ok {
		return name
	}
	return fmt.Sprintf("Dimension(%d)", int(d))
}

// ParseDimension converts a dimension name such as "ABI" or "SCREEN_DENSITY"
// into a Dimension.
func ParseDimension(name string) (Dimension, error) {
	for d, n := range dimensionNames {
		if n == strings.ToUpper(strings.TrimSpace(name)) {
			return d, nil
		}
	}
	return 0, configErrorf("unknown optimization dimension %q", name)
}

// AllDimensions returns every known dimension in fixed sort order.
func AllDimensions() []Dimension {
	dims := make([]Dimension, 0, numDimensions)
	for d := Dimension(0); d < numDimensions; d++ {
		dims = append(dims, d)
	}
	return dims
}

// sortDimensions returns a copy of dims sorted in the fixed dimension order
// with duplicates removed.
func sortDimensions(dims []Dimension) []Dimension {
	seen := make(map[Dimension]bool, len(dims))
	out := make([]Dimension, 0, len(dims))
	for _, d := range dims {
		if !seen[d] {
			seen[d] = true
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// EntryTargeting maps a dimension to the single value an entry is targeted
// to. Entries absent from the map are untargeted on that dimension and are
// eligible for every variant.
type EntryTargeting map[Dimension]string

// densityBuckets maps res/ folder density qualifiers to their dpi value.
var densityBuckets = map[string]int{
	"ldpi":    120,
	"mdpi":    160,
	"tvdpi":   213,
	"hdpi":    240,
	"xhdpi":   320,
	"xxhdpi":  480,
	"xxxhdpi": 640,
}

// textureFormatExtensions maps OpenGL extension names advertised by a device
// to the texture compression format directory suffix they enable.
var textureFormatExtensions = map[string]string{
	"GL_KHR_texture_compression_astc_ldr": "astc",
	"GL_EXT_texture_compression_s3tc":     "s3tc",
	"GL_IMG_texture_compression_pvrtc":    "pvrtc",
	"GL_OES_compressed_ETC1_RGB8_texture": "etc1",
	"GL_AMD_compressed_ATC_texture":       "atc",
}

// parseEntryTargeting derives an entry's targeting from bundle path
// conventions:
//
//	lib/<abi>/...                native libraries targeted by ABI
//	res/<type>-<qualifier>/...   resources targeted by density or language
//	assets/...#tcf_<format>/...  assets targeted by texture format
//	assets/...#tier_<n>/...      assets targeted by device tier
//
// Paths that match none of the conventions are untargeted.
func parseEntryTargeting(path string) EntryTargeting {
	targeting := EntryTargeting{}
	segments := strings.Split(path, "/")

	if len(segments) >= 3 && segments[0] == "lib" {
		targeting[DimensionAbi] = segments[1]
	}

	if len(segments) >= 3 && segments[0] == "res" {
		for _, qualifier := range strings.Split(segments[1], "-")[1:] {
			if _, ok := densityBuckets[qualifier]; ok {
				targeting[DimensionScreenDensity] = qualifier
				continue
			}
			if isLanguageQualifier(qualifier) {
				targeting[DimensionLanguage] = qualifier
			}
		}
	}

	if segments[0] == "assets" {
		for _, segment := range segments[1:] {
			if idx := strings.Index(segment, "#tcf_"); idx >= 0 {
				targeting[DimensionTextureFormat] = segment[idx+len("#tcf_"):]
			}
			if idx := strings.Index(segment, "#tier_"); idx >= 0 {
				targeting[DimensionDeviceTier] = segment[idx+len("#tier_"):]
			}
		}
	}

	return targeting
}

// isLanguageQualifier reports whether a res/ folder qualifier is a two-letter
// language code. Version qualifiers like "v21" and orientation qualifiers are
// rejected by the alphabetic check.
func isLanguageQualifier(q string) bool {
	if len(q) != 2 {
		return false
	}
	for _, r := range q {
		if r < 'a' || r > 'z' {
			return false
		}
	}
	// Common non-language two-letter qualifiers that would otherwise match.
	switch q {
	case "tv", "tb":
		return false
	}
	return true
}

// DeviceSpec describes the capabilities of a single target device. When a
// device spec is supplied, variant generation restricts each dimension to
// the one value matching the device instead of computing a cross-product.
type DeviceSpec struct {
	SupportedAbis    []string `json:"supportedAbis"`
	ScreenDensity    int      `json:"screenDensity"`
	SupportedLocales []string `json:"supportedLocales"`
	GlExtensions     []string `json:"glExtensions"`
	DeviceTier       int      `json:"deviceTier"`
}

// LoadDeviceSpec reads a device spec from a JSON file.
func LoadDeviceSpec(path string) (*DeviceSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &IOError{Path: path, Err: err}
	}
	var spec DeviceSpec
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, configErrorf("invalid device spec %s: %v", path, err)
	}
	return &spec, nil
}

// match selects the single observed value of a dimension that best fits the
// device, or reports that the device matches none of them. The selection is
// deterministic for a given spec and observed value set.
func (s *DeviceSpec) match(d Dimension, observed []string) (string, bool) {
	switch d {
	case DimensionAbi:
		// Device ABI preference order wins over observed order.
		for _, abi := range s.SupportedAbis {
			for _, o := range observed {
				if o == abi {
					return abi, true
				}
			}
		}
	case DimensionScreenDensity:
		if s.ScreenDensity == 0 {
			return "", false
		}
		best := ""
		bestDistance := 0
		for _, o := range observed {
			dpi, ok := densityBuckets[o]
			if !ok {
				continue
			}
			distance := dpi - s.ScreenDensity
			if distance < 0 {
				distance = -distance
			}
			if best == "" || distance < bestDistance {
				best = o
				bestDistance = distance
			}
		}
		return best, best != ""
	case DimensionLanguage:
		for _, locale := range s.SupportedLocales {
			lang := strings.ToLower(strings.SplitN(locale, "-", 2)[0])
			for _, o := range observed {
				if o == lang {
					return lang, true
				}
			}
		}
	case DimensionTextureFormat:
		for _, ext := range s.GlExtensions {
			format, ok := textureFormatExtensions[ext]
			if !ok {
				continue
			}
			for _, o := range observed {
				if o == format {
					return format, true
				}
			}
		}
	case DimensionDeviceTier:
		// Highest observed tier the device still satisfies.
		best := -1
		for _, o := range observed {
			tier, err := strconv.Atoi(o)
			if err != nil {
				continue
			}
			if tier <= s.DeviceTier && tier > best {
				best = tier
			}
		}
		if best >= 0 {
			return strconv.Itoa(best), true
		}
	}
	return "", false
}
