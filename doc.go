// go-apkset converts a modular app bundle into a set of signed,
// device-targeted APKs.
//
// The tool enumerates device-targeting variants from the bundle's split
// dimensions, assembles one package per variant, signs each package and
// optionally embeds a source-stamp provenance marker, all without breaking
// the byte-offset-sensitive signing block.
package main
