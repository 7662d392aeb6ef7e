package apkset

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"go.mozilla.org/pkcs7"
)

// SignedArtifact is one signed package: the final product of the pipeline
// for a single variant.
type SignedArtifact struct {
	Variant Variant
	Data    []byte
}

// SHA256 returns the hex digest of the signed package bytes.
func (a SignedArtifact) SHA256() string {
	sum := sha256.Sum256(a.Data)
	return hex.EncodeToString(sum[:])
}

// SigningEngine signs assembled packages. The signature covers every byte
// of the package except the signing block itself; the optional source stamp
// is constructed inside the same block build, so the offset-dependent
// primary signature stays valid.
type SigningEngine struct {
	signing *SigningConfig
	stamp   *SourceStamp
	mode    BuildMode
}

// NewSigningEngine builds the engine for one build configuration.
func NewSigningEngine(cfg *BuildConfig) *SigningEngine {
	return &SigningEngine{signing: cfg.Signing, stamp: cfg.Stamp, mode: cfg.Mode}
}

// Sign seals the artifact and signs it, consuming the assembled artifact
// and producing the signed package. With no signing configuration (local
// testing) the sealed package is passed through unsigned.
func (e *SigningEngine) Sign(artifact *AssembledArtifact) (SignedArtifact, error) {
	data, err := artifact.Seal()
	if err != nil {
		return SignedArtifact{}, fmt.Errorf("variant %d: %w", artifact.Variant.Number, err)
	}

	if e.signing == nil && e.stamp == nil {
		return SignedArtifact{Variant: artifact.Variant, Data: data}, nil
	}

	sections, err := splitZip(data)
	if err != nil {
		return SignedArtifact{}, signingErrorf(artifact.Variant.Number, "malformed package: %v", err)
	}
	digest := computeContentDigest(sections)

	var pairs []blockPair
	if e.signing != nil {
		primary, err := signDigest(digest, e.signing)
		if err != nil {
			return SignedArtifact{}, &SigningError{VariantNumber: artifact.Variant.Number, Err: err}
		}
		pairs = append(pairs, blockPair{id: blockIDSignature, value: primary})
	}
	if e.stamp != nil {
		stampValue, err := buildStampPair(digest, e.stamp, e.stamp.typeFor(e.mode))
		if err != nil {
			return SignedArtifact{}, &SigningError{VariantNumber: artifact.Variant.Number, Err: err}
		}
		pairs = append(pairs, blockPair{id: blockIDStamp, value: stampValue})
	}

	block := buildSigningBlock(pairs)
	return SignedArtifact{Variant: artifact.Variant, Data: sections.joinWithBlock(block)}, nil
}

// digestChunkSize is the chunk granularity of the content digest.
const digestChunkSize = 1 << 20

// computeContentDigest hashes the three zip sections in 1 MiB chunks. Each
// chunk digest is SHA-256 over 0xa5, the little-endian chunk length and the
// chunk bytes; the root digest is SHA-256 over 0x5a, the chunk count and
// the concatenated chunk digests. The sections come from the unsigned file,
// so the digest covers every byte except the signing block.
func computeContentDigest(sections *zipSections) []byte {
	var chunkDigests []byte
	chunks := 0
	for _, section := range [][]byte{sections.contents, sections.centralDir, sections.eocd} {
		for off := 0; off < len(section); off += digestChunkSize {
			end := off + digestChunkSize
			if end > len(section) {
				end = len(section)
			}
			chunk := section[off:end]

			h := sha256.New()
			h.Write([]byte{0xa5})
			h.Write(binary.LittleEndian.AppendUint32(nil, uint32(len(chunk))))
			h.Write(chunk)
			chunkDigests = h.Sum(chunkDigests)
			chunks++
		}
	}

	root := sha256.New()
	root.Write([]byte{0x5a})
	root.Write(binary.LittleEndian.AppendUint32(nil, uint32(chunks)))
	root.Write(chunkDigests)
	return root.Sum(nil)
}

// signDigest produces a PKCS#7 SignedData structure over the content
// digest, carrying the signer certificate and its chain.
func signDigest(digest []byte, config *SigningConfig) ([]byte, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	signedData, err := pkcs7.NewSignedData(digest)
	if err != nil {
		return nil, fmt.Errorf("failed to create signed data: %w", err)
	}
	if err := signedData.AddSigner(config.Certificate, config.rsaKey(), pkcs7.SignerInfoConfig{}); err != nil {
		return nil, fmt.Errorf("failed to add signer: %w", err)
	}
	for _, cert := range config.CertChain {
		if cert != config.Certificate {
			signedData.AddCertificate(cert)
		}
	}
	return signedData.Finish()
}

// buildStampPair builds the stamp pair value: the stamp signature over the
// same content digest, followed by the three stamp metadata entries. The
// recorded certificate hash is the SHA-256 of the stamp signing certificate.
func buildStampPair(digest []byte, stamp *SourceStamp, stampType StampType) ([]byte, error) {
	signature, err := signDigest(digest, stamp.Signing)
	if err != nil {
		return nil, err
	}

	metadata := []struct {
		key   string
		value []byte
	}{
		{StampSourceMetadataKey, []byte(stamp.Source)},
		{StampTypeMetadataKey, []byte(stampType)},
		{StampCertSHA256MetadataKey, stamp.Signing.CertSHA256()},
	}

	out := binary.LittleEndian.AppendUint32(nil, uint32(len(signature)))
	out = append(out, signature...)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(metadata)))
	for _, entry := range metadata {
		out = binary.LittleEndian.AppendUint32(out, uint32(len(entry.key)))
		out = append(out, entry.key...)
		out = binary.LittleEndian.AppendUint32(out, uint32(len(entry.value)))
		out = append(out, entry.value...)
	}
	return out, nil
}

// parseStampPair decodes a stamp pair value back into its signature and
// metadata entries.
func parseStampPair(value []byte) (signature []byte, metadata map[string][]byte, err error) {
	readBytes := func() ([]byte, error) {
		if len(value) < 4 {
			return nil, fmt.Errorf("truncated stamp pair")
		}
		n := binary.LittleEndian.Uint32(value)
		value = value[4:]
		if uint64(len(value)) < uint64(n) {
			return nil, fmt.Errorf("truncated stamp pair")
		}
		out := value[:n]
		value = value[n:]
		return out, nil
	}

	signature, err = readBytes()
	if err != nil {
		return nil, nil, err
	}
	if len(value) < 4 {
		return nil, nil, fmt.Errorf("truncated stamp pair")
	}
	count := binary.LittleEndian.Uint32(value)
	value = value[4:]

	metadata = make(map[string][]byte, count)
	for i := uint32(0); i < count; i++ {
		key, err := readBytes()
		if err != nil {
			return nil, nil, err
		}
		val, err := readBytes()
		if err != nil {
			return nil, nil, err
		}
		metadata[string(key)] = val
	}
	return signature, metadata, nil
}

// StampInfo is the verified source stamp of a signed package.
type StampInfo struct {
	Source     string
	Type       StampType
	CertSHA256 []byte
	SignerCN   string
}

// VerifyResult reports the outcome of verifying a signed package.
type VerifyResult struct {
	SignerCN   string
	CertSHA256 []byte
	// Stamp is nil when the package carries no source stamp.
	Stamp *StampInfo
}

// VerifyApk checks a signed package end to end: the signing block is
// located and removed, the content digest recomputed over everything else,
// and every signature verified against it. When a stamp is present its
// recorded certificate hash must match the stamp signer.
func VerifyApk(data []byte) (*VerifyResult, error) {
	pairs, _, err := findSigningBlock(data)
	if err != nil {
		return nil, err
	}
	unsigned, err := stripSigningBlock(data)
	if err != nil {
		return nil, err
	}
	sections, err := splitZip(unsigned)
	if err != nil {
		return nil, err
	}
	digest := computeContentDigest(sections)

	result := &VerifyResult{}
	for _, pair := range pairs {
		switch pair.id {
		case blockIDSignature:
			signer, err := verifyDigestSignature(pair.value, digest)
			if err != nil {
				return nil, fmt.Errorf("primary signature: %w", err)
			}
			result.SignerCN = signer.subjectCN
			result.CertSHA256 = signer.certSHA256
		case blockIDStamp:
			signature, metadata, err := parseStampPair(pair.value)
			if err != nil {
				return nil, fmt.Errorf("source stamp: %w", err)
			}
			signer, err := verifyDigestSignature(signature, digest)
			if err != nil {
				return nil, fmt.Errorf("source stamp signature: %w", err)
			}
			recorded := metadata[StampCertSHA256MetadataKey]
			if !bytes.Equal(recorded, signer.certSHA256) {
				return nil, fmt.Errorf("source stamp certificate hash does not match stamp signer")
			}
			result.Stamp = &StampInfo{
				Source:     string(metadata[StampSourceMetadataKey]),
				Type:       StampType(metadata[StampTypeMetadataKey]),
				CertSHA256: recorded,
				SignerCN:   signer.subjectCN,
			}
		}
	}
	if result.SignerCN == "" && result.Stamp == nil {
		return nil, fmt.Errorf("signing block carries no recognized signatures")
	}
	return result, nil
}

type verifiedSigner struct {
	subjectCN  string
	certSHA256 []byte
}

// verifyDigestSignature parses a PKCS#7 structure, checks that it signs the
// expected content digest, and verifies the signature itself.
func verifyDigestSignature(der, digest []byte) (*verifiedSigner, error) {
	p7, err := pkcs7.Parse(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse signature: %w", err)
	}
	if !bytes.Equal(p7.Content, digest) {
		return nil, fmt.Errorf("signature does not cover the package content digest")
	}
	if err := p7.Verify(); err != nil {
		return nil, fmt.Errorf("signature verification failed: %w", err)
	}
	cert := p7.GetOnlySigner()
	if cert == nil {
		return nil, fmt.Errorf("signature has no signer certificate")
	}
	sum := sha256.Sum256(cert.Raw)
	return &verifiedSigner{subjectCN: cert.Subject.CommonName, certSHA256: sum[:]}, nil
}
