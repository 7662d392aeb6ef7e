package apkset

import "fmt"

// ConfigurationError reports an invalid or contradictory build configuration.
// It is always raised before any variant work starts, so a build that fails
// with a ConfigurationError has produced no output at all.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "invalid configuration: " + e.Reason
}

func configErrorf(format string, args ...interface{}) error {
	return &ConfigurationError{Reason: fmt.Sprintf(format, args...)}
}

// ResourceError reports a per-variant manifest or resource compilation
// failure. It aborts only the affected variant unless the pipeline is
// configured fail-fast.
type ResourceError struct {
	VariantNumber int
	Err           error
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("variant %d: resource compilation failed: %v", e.VariantNumber, e.Err)
}

func (e *ResourceError) Unwrap() error { return e.Err }

// SigningError reports missing, invalid or expired key material. Signing
// errors are always fatal: an unsigned package is never persisted.
type SigningError struct {
	// VariantNumber is the variant being signed when the error occurred,
	// or -1 when the key material itself is at fault.
	VariantNumber int
	Err           error
}

func (e *SigningError) Error() string {
	if e.VariantNumber < 0 {
		return fmt.Sprintf("signing failed: %v", e.Err)
	}
	return fmt.Sprintf("variant %d: signing failed: %v", e.VariantNumber, e.Err)
}

func (e *SigningError) Unwrap() error { return e.Err }

func signingErrorf(variant int, format string, args ...interface{}) error {
	return &SigningError{VariantNumber: variant, Err: fmt.Errorf(format, args...)}
}

// IOError reports a filesystem or container write failure. IO errors are
// fatal and trigger cleanup of all temporary resources.
type IOError struct {
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("io error on %s: %v", e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }
