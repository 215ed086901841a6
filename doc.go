// Package bindrelease builds, packages and publishes the Android bindings
// of a Rust workspace.
//
// The release is a fixed sequence of stages, each wrapping one external
// tool whose output files are checked but whose output text is never
// parsed:
//   - workspace - cargo builds the host library and the binding generator;
//     the host library must export interface-metadata symbols
//   - bindgen - the generator writes Kotlin glue sources
//   - crosscompile - cargo-ndk builds one shared library per Android ABI
//   - assemble - the Android library module is laid out and built, the
//     bundle is staged with the license and readme, and versioned runs add
//     it to a Maven-style registry
//   - publish - the staging tree replaces the distribution repository's
//     contents, is committed, tagged and pushed
//
// # Basic Usage
//
//	cfg, err := bindrelease.Load("bindrelease.yaml", bindrelease.ProfileGitHub)
//	if err != nil {
//	    return err
//	}
//
//	pipeline := bindrelease.NewPipeline(cfg, &bindrelease.ExecRunner{Log: log})
//	pipeline.Log = log
//	report, err := pipeline.Run(ctx, cfg)
//	fmt.Print(report.Summary())
//
// # Profiles
//
// The built-in profiles select the target ABIs and the module build's
// publish task:
//
//	local   arm64-v8a, armeabi-v7a                publishToMavenLocal
//	github  arm64-v8a, armeabi-v7a, x86, x86_64   publishReleasePublicationToGitHubPackagesRepository
//
// # Outputs
//
// Below Config.OutputDir:
//
//	bindings/   generated glue sources
//	jniLibs/    <abi>/lib<name>.so
//	module/     the materialized Android library module
//	dist/       LICENSE, README.md, bundle/, src/ and releases/
//	releases/   the local Maven-style registry (kept across runs)
//
// Every stage clears its own outputs before writing, so an interrupted run
// is overwritten by the next one. Nothing is retried.
package bindrelease
