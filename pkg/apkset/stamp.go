package apkset

// A source stamp improves traceability of packages with respect to
// unauthorized distribution. The stamp is part of the package protected by
// the signing block: the content digest is signed with the stamp key and
// saved alongside the stamp metadata as a dedicated signing-block pair.

// LocalSource is the sentinel source identifying an unstamped, locally
// built package. Local stamps are unverifiable.
const LocalSource = "local-unstamped"

// Metadata keys recorded with every stamp.
const (
	StampSourceMetadataKey     = "com.google.android.stamp.source"
	StampTypeMetadataKey       = "com.google.android.stamp.type"
	StampCertSHA256MetadataKey = "com.google.android.stamp.stamp-cert-sha256"
)

// StampType classifies the stamp generated for a package.
type StampType string

const (
	// StampTypeDefault is generated for all packages except universal ones.
	StampTypeDefault StampType = "STAMP_TYPE_DEFAULT"
	// StampTypeUniversal is generated for a universal-mode package.
	StampTypeUniversal StampType = "STAMP_TYPE_UNIVERSAL"
	// StampTypeLocal is generated for a locally built package, regardless
	// of the package type.
	StampTypeLocal StampType = "STAMP_TYPE_LOCAL"
)

// SourceStamp is a provenance descriptor: the signing configuration used to
// sign the stamp and the identifier of the source generating it. For stores
// the source is their package name; for local stamps it is LocalSource.
//
// A stamp is either absent from the build configuration or fully specified;
// NewSourceStamp rejects an incomplete stamp instead of silently ignoring it.
type SourceStamp struct {
	Signing *SigningConfig
	Source  string
}

// NewSourceStamp builds a fully specified source stamp. An empty source
// defaults to the LocalSource sentinel; a nil signing configuration is a
// configuration error, never a no-op.
func NewSourceStamp(signing *SigningConfig, source string) (*SourceStamp, error) {
	if signing == nil {
		return nil, configErrorf("source stamp requires a signing configuration")
	}
	if err := signing.Validate(); err != nil {
		return nil, err
	}
	if source == "" {
		source = LocalSource
	}
	return &SourceStamp{Signing: signing, Source: source}, nil
}

// typeFor selects the stamp type for a build: LOCAL whenever the configured
// source is the unstamped sentinel, UNIVERSAL for universal-mode builds,
// DEFAULT otherwise.
func (s *SourceStamp) typeFor(mode BuildMode) StampType {
	if s.Source == LocalSource {
		return StampTypeLocal
	}
	if mode == BuildModeUniversal {
		return StampTypeUniversal
	}
	return StampTypeDefault
}
