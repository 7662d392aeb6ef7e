package apkset

import (
	"bytes"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"time"

	gop12 "software.sslmate.com/src/go-pkcs12"
)

// SigningConfig holds the key and certificate material used to sign
// packages. It is immutable after loading and safe for concurrent read-only
// use by parallel signing workers.
type SigningConfig struct {
	Certificate *x509.Certificate
	PrivateKey  crypto.PrivateKey
	CertChain   []*x509.Certificate
}

// LoadSigningConfigFile loads a signing configuration from a PKCS#12
// keystore or PEM file on disk.
func LoadSigningConfigFile(path, password string) (*SigningConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &SigningError{VariantNumber: -1, Err: fmt.Errorf("failed to read keystore %s: %w", path, err)}
	}
	return LoadSigningConfig(data, password)
}

// LoadSigningConfig loads a signing configuration from PKCS#12 keystore
// bytes or, if the data is PEM-encoded, from concatenated PEM blocks
// holding the private key and certificate chain.
func LoadSigningConfig(data []byte, password string) (*SigningConfig, error) {
	if bytes.HasPrefix(data, []byte("-----BEGIN")) {
		return loadPEMSigningConfig(data)
	}

	privateKey, cert, caCerts, err := gop12.DecodeChain(data, password)
	if err != nil {
		return nil, &SigningError{VariantNumber: -1, Err: fmt.Errorf("failed to decode keystore: %w", err)}
	}

	chain := []*x509.Certificate{cert}
	chain = append(chain, caCerts...)

	config := &SigningConfig{
		Certificate: cert,
		PrivateKey:  privateKey,
		CertChain:   chain,
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// loadPEMSigningConfig reads a private key and certificate chain from
// concatenated PEM blocks.
func loadPEMSigningConfig(pemData []byte) (*SigningConfig, error) {
	config := &SigningConfig{}

	rest := pemData
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}

		switch block.Type {
		case "CERTIFICATE":
			cert, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return nil, signingErrorf(-1, "failed to parse certificate: %v", err)
			}
			if config.Certificate == nil {
				config.Certificate = cert
			}
			config.CertChain = append(config.CertChain, cert)
		case "RSA PRIVATE KEY":
			key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
			if err != nil {
				return nil, signingErrorf(-1, "failed to parse private key: %v", err)
			}
			config.PrivateKey = key
		case "PRIVATE KEY":
			key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
			if err != nil {
				return nil, signingErrorf(-1, "failed to parse private key: %v", err)
			}
			config.PrivateKey = key
		default:
			return nil, signingErrorf(-1, "unsupported PEM block type: %s", block.Type)
		}
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks the key material eagerly so signing failures surface
// before any variant work starts. It returns a SigningError on missing or
// mismatched keys and on expired certificates.
func (c *SigningConfig) Validate() error {
	if c == nil {
		return signingErrorf(-1, "no signing configuration")
	}
	if c.PrivateKey == nil {
		return signingErrorf(-1, "signing configuration has no private key")
	}
	if c.Certificate == nil {
		return signingErrorf(-1, "signing configuration has no certificate")
	}
	rsaKey, ok := c.PrivateKey.(*rsa.PrivateKey)
	if !ok {
		return signingErrorf(-1, "unsupported private key type %T, only RSA keys are supported", c.PrivateKey)
	}
	pub, ok := c.Certificate.PublicKey.(*rsa.PublicKey)
	if !ok || rsaKey.N.Cmp(pub.N) != 0 || rsaKey.E != pub.E {
		return signingErrorf(-1, "private key does not match certificate")
	}
	if time.Now().Before(c.Certificate.NotBefore) {
		return signingErrorf(-1, "certificate not valid until %s", c.Certificate.NotBefore.Format("2006-01-02"))
	}
	if time.Now().After(c.Certificate.NotAfter) {
		return signingErrorf(-1, "certificate expired on %s", c.Certificate.NotAfter.Format("2006-01-02"))
	}
	return nil
}

// CertSHA256 returns the SHA-256 digest of the DER-encoded certificate.
func (c *SigningConfig) CertSHA256() []byte {
	sum := sha256.Sum256(c.Certificate.Raw)
	return sum[:]
}

// rsaKey returns the private key as an RSA key. Validate has already
// guaranteed the type.
func (c *SigningConfig) rsaKey() *rsa.PrivateKey {
	return c.PrivateKey.(*rsa.PrivateKey)
}
