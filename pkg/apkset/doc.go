// Package apkset builds signed, device-targeted APK sets from a modular
// app bundle.
//
// # Basic Usage
//
// To build an APK set:
//
//	bundle, err := apkset.LoadAppBundle("app.aab")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	pipeline, err := apkset.NewBuildPipeline(bundle, apkset.BuildConfig{
//	    OutputPath: "app.apks",
//	    Signing:    signing,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	result, err := pipeline.Run(ctx)
//
// # Features
//
//   - Variant enumeration: deterministic cross-product of ABI, density,
//     language, texture format and device tier splits, with a universal
//     fallback
//   - Device targeting: a device spec restricts the build to the single
//     matching variant instead of a cross-product
//   - Signing: every package is signed over all bytes except its signing
//     block, with optional source-stamp provenance embedding
//   - Bounded parallelism: assembly and signing fan out over a
//     caller-configurable worker pool with cancellation support
package apkset
