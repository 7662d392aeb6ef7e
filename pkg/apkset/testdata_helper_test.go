package apkset

import (
	"archive/zip"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"
)

// testModule describes one module of an in-memory test bundle.
type testModule struct {
	name     string
	manifest string
	entries  map[string]string // module-relative path -> content
}

func baseManifestXML() string {
	return `<manifest package="com.example.app" versionCode="1"></manifest>`
}

func featureManifestXML(split string, onDemand, fused bool) string {
	return fmt.Sprintf(
		`<manifest package="com.example.app" versionCode="1" split="%s"><delivery onDemand="%v" fusedInclude="%v"></delivery></manifest>`,
		split, onDemand, fused)
}

// writeTestBundle writes a bundle zip into a temp directory and returns its
// path.
func writeTestBundle(t *testing.T, modules ...testModule) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "app.aab")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("Failed to create bundle file: %v", err)
	}
	defer f.Close()

	w := zip.NewWriter(f)
	for _, m := range modules {
		writeTestZipEntry(t, w, m.name+"/"+manifestEntryPath, m.manifest)

		paths := make([]string, 0, len(m.entries))
		for p := range m.entries {
			paths = append(paths, p)
		}
		sort.Strings(paths)
		for _, p := range paths {
			writeTestZipEntry(t, w, m.name+"/"+p, m.entries[p])
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Failed to finalize bundle zip: %v", err)
	}
	return path
}

func writeTestZipEntry(t *testing.T, w *zip.Writer, name, content string) {
	t.Helper()
	fw, err := w.Create(name)
	if err != nil {
		t.Fatalf("Failed to create zip entry %s: %v", name, err)
	}
	if _, err := fw.Write([]byte(content)); err != nil {
		t.Fatalf("Failed to write zip entry %s: %v", name, err)
	}
}

// loadTestBundle builds and loads a bundle in one step.
func loadTestBundle(t *testing.T, modules ...testModule) *AppBundle {
	t.Helper()
	bundle, err := LoadAppBundle(writeTestBundle(t, modules...))
	if err != nil {
		t.Fatalf("Failed to load test bundle: %v", err)
	}
	return bundle
}

// abiBundle is the canonical two-ABI base-only bundle used across tests.
func abiBundle(t *testing.T) *AppBundle {
	t.Helper()
	return loadTestBundle(t, testModule{
		name:     "base",
		manifest: baseManifestXML(),
		entries: map[string]string{
			"assets/data.txt":         "untargeted",
			"lib/arm64-v8a/libapp.so": "arm64 code",
			"lib/x86/libapp.so":       "x86 code",
		},
	})
}

var (
	testKeyOnce sync.Once
	testKey     *rsa.PrivateKey
)

// sharedTestKey generates the RSA key once; certificate minting per test
// stays cheap.
func sharedTestKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	testKeyOnce.Do(func() {
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
		testKey = key
	})
	return testKey
}

// newTestSigningConfig mints a self-signed certificate for the shared test
// key.
func newTestSigningConfig(t *testing.T, commonName string) *SigningConfig {
	t.Helper()
	return newTestSigningConfigExpiring(t, commonName, time.Now().Add(24*time.Hour))
}

func newTestSigningConfigExpiring(t *testing.T, commonName string, notAfter time.Time) *SigningConfig {
	t.Helper()
	key := sharedTestKey(t)

	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		t.Fatalf("Failed to generate serial: %v", err)
	}
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: commonName},
		NotBefore:    time.Now().Add(-2 * time.Hour),
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("Failed to create certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("Failed to parse certificate: %v", err)
	}
	return &SigningConfig{
		Certificate: cert,
		PrivateKey:  key,
		CertChain:   []*x509.Certificate{cert},
	}
}

// testBuildConfig returns a build config with concrete defaults applied,
// using the passthrough compiler so no external toolchain is needed.
func testBuildConfig(outputPath string) BuildConfig {
	cfg := BuildConfig{
		OutputPath:   outputPath,
		LocalTesting: true,
	}
	return cfg.withDefaults()
}
