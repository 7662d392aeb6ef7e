package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/docopt/docopt-go"

	"github.com/bundlekit/go-apkset/internal/ctxlog"
	"github.com/bundlekit/go-apkset/pkg/apkset"
)

const version = "1.0.0"

const usage = `go-apkset - App Bundle to APK Set Builder

A command-line tool for converting a modular app bundle into a set of signed,
device-targeted APKs, optionally embedding a source-stamp provenance marker.

Usage:
  go-apkset build --bundle=<path> --output=<path> [--ks=<path>] [--ks-pass=<password>] [--mode=<mode>] [--modules=<names>] [--dimensions=<dims>] [--device-spec=<path>] [--stamp-source=<id>] [--stamp-ks=<path>] [--stamp-ks-pass=<password>] [--first-variant=<n>] [--max-threads=<n>] [--fail-fast] [--allow-partial] [--local-testing] [--verbose]
  go-apkset info --bundle=<path>
  go-apkset verify --apk=<path>
  go-apkset -h | --help
  go-apkset --version

Commands:
  build     Build the signed APK set for a bundle
  info      Display information about a bundle's modules and split dimensions
  verify    Verify the signature and source stamp of a built APK

Options:
  --bundle=<path>            Path to the input app bundle
  --output=<path>            Output path: an .apks container file or a directory
  --ks=<path>                Path to the signing keystore, P12 or PEM (or APKSET_KS env var)
  --ks-pass=<password>       Keystore password (or APKSET_KS_PASS env var)
  --mode=<mode>              Build mode: DEFAULT, UNIVERSAL, SYSTEM, INSTANT, PERSISTENT or ARCHIVE [default: DEFAULT]
  --modules=<names>          Comma-separated module subset (default: all modules)
  --dimensions=<dims>        Comma-separated optimization dimensions (default: ABI,SCREEN_DENSITY,LANGUAGE)
  --device-spec=<path>       Path to a device spec JSON file
  --stamp-source=<id>        Source identifier recorded in the source stamp
  --stamp-ks=<path>          Keystore for signing the stamp (or APKSET_STAMP_KS env var)
  --stamp-ks-pass=<password> Stamp keystore password (or APKSET_STAMP_KS_PASS env var)
  --first-variant=<n>        First variant number [default: 0]
  --max-threads=<n>          Worker pool size, 0 means available parallelism [default: 0]
  --fail-fast                Cancel remaining variants on the first failure
  --allow-partial            Write the output set even when some variants failed
  --local-testing            Build unsigned APKs with the built-in manifest compiler
  --verbose                  Enable debug logging
  --apk=<path>               Path to a signed APK (verify command)
  -h --help                  Show this help message
  --version                  Show version

Environment Variables:
  APKSET_KS             Path to the signing keystore (overridden by --ks)
  APKSET_KS_PASS        Keystore password (overridden by --ks-pass)
  APKSET_STAMP_KS       Path to the stamp keystore (overridden by --stamp-ks)
  APKSET_STAMP_KS_PASS  Stamp keystore password (overridden by --stamp-ks-pass)

Examples:
  # Build a signed APK set split by ABI and density
  go-apkset build --bundle=app.aab --output=app.apks --ks=release.p12 --ks-pass=secret

  # Build using environment variables (useful for CI/CD)
  export APKSET_KS=/path/to/release.p12
  export APKSET_KS_PASS=secret
  go-apkset build --bundle=app.aab --output=app.apks

  # Build a single universal APK with a store source stamp
  go-apkset build --bundle=app.aab --output=app.apks --ks=release.p12 --mode=UNIVERSAL --stamp-source=com.example.store --stamp-ks=stamp.p12 --stamp-ks-pass=secret

  # Build for one device only
  go-apkset build --bundle=app.aab --output=app.apks --ks=release.p12 --device-spec=pixel.json

  # Inspect a bundle
  go-apkset info --bundle=app.aab

  # Verify a built APK
  go-apkset verify --apk=splits/base-arm64_v8a.apk
`

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], version)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing arguments: %v\n", err)
		os.Exit(1)
	}

	if build, _ := opts.Bool("build"); build {
		if err := runBuild(opts); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	} else if info, _ := opts.Bool("info"); info {
		if err := runInfo(opts); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	} else if verify, _ := opts.Bool("verify"); verify {
		if err := runVerify(opts); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}
}

func runBuild(opts docopt.Opts) error {
	bundlePath, _ := opts.String("--bundle")
	outputPath, _ := opts.String("--output")
	ksPath, _ := opts.String("--ks")
	ksPass, _ := opts.String("--ks-pass")
	modeName, _ := opts.String("--mode")
	modules, _ := opts.String("--modules")
	dimensions, _ := opts.String("--dimensions")
	deviceSpecPath, _ := opts.String("--device-spec")
	stampSource, _ := opts.String("--stamp-source")
	stampKsPath, _ := opts.String("--stamp-ks")
	stampKsPass, _ := opts.String("--stamp-ks-pass")
	firstVariant, _ := opts.Int("--first-variant")
	maxThreads, _ := opts.Int("--max-threads")
	failFast, _ := opts.Bool("--fail-fast")
	allowPartial, _ := opts.Bool("--allow-partial")
	localTesting, _ := opts.Bool("--local-testing")
	verbose, _ := opts.Bool("--verbose")

	// Get values from environment if not provided via flags
	if ksPath == "" {
		ksPath = os.Getenv("APKSET_KS")
	}
	if ksPass == "" {
		ksPass = os.Getenv("APKSET_KS_PASS")
	}
	if stampKsPath == "" {
		stampKsPath = os.Getenv("APKSET_STAMP_KS")
	}
	if stampKsPass == "" {
		stampKsPass = os.Getenv("APKSET_STAMP_KS_PASS")
	}

	if ksPath == "" && !localTesting {
		return fmt.Errorf("--ks is required (or set APKSET_KS, or pass --local-testing)")
	}

	mode, err := apkset.ParseBuildMode(modeName)
	if err != nil {
		return err
	}

	cfg := apkset.BuildConfig{
		BundlePath:         bundlePath,
		OutputPath:         outputPath,
		Mode:               mode,
		FirstVariantNumber: firstVariant,
		MaxParallelism:     maxThreads,
		FailFast:           failFast,
		AllowPartialOutput: allowPartial,
		LocalTesting:       localTesting,
	}

	if modules != "" {
		cfg.Modules = splitList(modules)
	}
	if dimensions != "" {
		for _, name := range splitList(dimensions) {
			d, err := apkset.ParseDimension(name)
			if err != nil {
				return err
			}
			cfg.Dimensions = append(cfg.Dimensions, d)
		}
	}
	if deviceSpecPath != "" {
		spec, err := apkset.LoadDeviceSpec(deviceSpecPath)
		if err != nil {
			return err
		}
		cfg.DeviceSpec = spec
	}
	if ksPath != "" {
		signing, err := apkset.LoadSigningConfigFile(ksPath, ksPass)
		if err != nil {
			return err
		}
		cfg.Signing = signing
	}
	if stampKsPath != "" {
		stampSigning, err := apkset.LoadSigningConfigFile(stampKsPath, stampKsPass)
		if err != nil {
			return err
		}
		stamp, err := apkset.NewSourceStamp(stampSigning, stampSource)
		if err != nil {
			return err
		}
		cfg.Stamp = stamp
	} else if stampSource != "" {
		return fmt.Errorf("--stamp-source requires --stamp-ks (or APKSET_STAMP_KS)")
	}

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	// Aborting the build mid-flight cancels in-flight variants and cleans
	// up temporary storage.
	ctx, stop := signal.NotifyContext(ctxlog.WithLogger(context.Background(), logger), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Printf("Building APK set: %s\n", bundlePath)
	fmt.Printf("Output: %s\n", outputPath)
	fmt.Printf("Mode: %s\n", mode)
	fmt.Println()

	bundle, err := apkset.LoadAppBundle(bundlePath)
	if err != nil {
		return err
	}

	pipeline, err := apkset.NewBuildPipeline(bundle, cfg)
	if err != nil {
		return err
	}

	result, err := pipeline.Run(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("Successfully built %d APK(s):\n", len(result.Artifacts))
	for _, a := range result.Artifacts {
		fmt.Printf("  [%d] %s\n", a.Variant.Number, a.Variant.Key())
	}
	return nil
}

func runInfo(opts docopt.Opts) error {
	bundlePath, _ := opts.String("--bundle")

	bundle, err := apkset.LoadAppBundle(bundlePath)
	if err != nil {
		return err
	}

	fmt.Println("App Bundle Information")
	fmt.Println("======================")
	fmt.Printf("File:        %s\n", bundlePath)
	fmt.Printf("Package:     %s\n", bundle.Package())
	fmt.Printf("Modules:     %d\n", len(bundle.ModuleNames()))

	for _, name := range bundle.ModuleNames() {
		module, _ := bundle.Module(name)
		fmt.Println()
		fmt.Printf("Module %s\n", name)
		fmt.Printf("  Entries:    %d\n", len(module.Entries))
		fmt.Printf("  On demand:  %v\n", module.OnDemand())
		fmt.Printf("  Fused:      %v\n", module.Fused())
	}
	return nil
}

func runVerify(opts docopt.Opts) error {
	apkPath, _ := opts.String("--apk")

	data, err := os.ReadFile(apkPath)
	if err != nil {
		return fmt.Errorf("failed to read APK: %w", err)
	}

	result, err := apkset.VerifyApk(data)
	if err != nil {
		return fmt.Errorf("verification failed: %w", err)
	}

	fmt.Println("APK Signature Information")
	fmt.Println("=========================")
	fmt.Printf("File:        %s\n", apkPath)
	fmt.Printf("Signer:      %s\n", result.SignerCN)
	fmt.Printf("Cert SHA256: %x\n", result.CertSHA256)
	if result.Stamp != nil {
		fmt.Println()
		fmt.Println("Source Stamp")
		fmt.Println("------------")
		fmt.Printf("Source:      %s\n", result.Stamp.Source)
		fmt.Printf("Type:        %s\n", result.Stamp.Type)
		fmt.Printf("Signer:      %s\n", result.Stamp.SignerCN)
		fmt.Printf("Cert SHA256: %x\n", result.Stamp.CertSHA256)
	} else {
		fmt.Println()
		fmt.Println("No source stamp present")
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
