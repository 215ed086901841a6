package bindrelease

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/klauspost/compress/zip"
	"go.uber.org/zap"
)

// Assembler lays out the Android library module, runs the module builder
// and stages the distribution tree.
//
// # Outputs
//
// The staging directory (cfg.StagingDir()) is cleared and then holds:
//
//	LICENSE
//	README.md
//	bundle/<artifact>-release.aar
//	src/...                  generated glue sources
//	releases/...             registry layout, versioned runs only
//
// For a versioned run the bundle is also added to the registry under
// cfg.Release.RegistryDir, whose index is regenerated from disk, and the
// registry tree is mirrored into the staging directory.
type Assembler struct {
	Runner CommandRunner

	// Now stamps the registry index. Defaults to time.Now.
	Now func() time.Time
}

// Name returns the stage name
func (a *Assembler) Name() string {
	return "assemble"
}

// RequiredTools returns the module build tool
func (a *Assembler) RequiredTools(cfg *Config) []ToolRequirement {
	if len(cfg.Module.Command) == 0 {
		return nil
	}
	return []ToolRequirement{
		{Name: cfg.Module.Command[0], Purpose: "Android library module build"},
	}
}

// Run assembles, builds and stages the module.
func (a *Assembler) Run(ctx context.Context, run *Run) error {
	cfg := run.Config

	libName, err := ResolveLibName(cfg)
	if err != nil {
		return stageError(a.Name(), nil, err)
	}

	layout, err := NewModuleLayout(run, libName)
	if err != nil {
		return stageError(a.Name(), nil, err)
	}
	if err := layout.Materialize(); err != nil {
		return stageError(a.Name(), nil, fmt.Errorf("failed to materialize module: %w", err))
	}
	run.Layout = layout
	run.Log.Info("module materialized",
		zap.String("root", layout.Root),
		zap.Strings("abis", layout.ABIs()))

	var bundlePath string
	output, err := runInvocation(ctx, a.Runner, invocation{
		stage:   a.Name(),
		command: ModuleCommand(cfg, layout.Root, cfg.Module.Task),
		verify: func() error {
			found, findErr := findBundle(layout.Root, cfg.Module.BundleGlob)
			bundlePath = found
			return findErr
		},
	})
	if err != nil {
		return err
	}

	mime, err := VerifyBundle(bundlePath, AndroidLibraryFile(libName), layout.ABIs())
	if err != nil {
		return stageError(a.Name(), output, err)
	}
	run.Bundle = &Artifact{Kind: KindBundle, Target: strings.Join(layout.ABIs(), ","), Path: bundlePath, MIME: mime}
	run.Log.Info("bundle built", zap.String("path", bundlePath), zap.String("mime", mime))

	if task := cfg.Module.PublishTask; task != "" {
		if _, err := runInvocation(ctx, a.Runner, invocation{
			stage:   a.Name(),
			command: ModuleCommand(cfg, layout.Root, task),
		}); err != nil {
			return err
		}
		run.Log.Info("module published by build tool", zap.String("task", task))
	}

	if err := a.stage(run, bundlePath); err != nil {
		return stageError(a.Name(), nil, err)
	}
	return nil
}

// stage fills the distribution staging directory.
func (a *Assembler) stage(run *Run, bundlePath string) error {
	cfg := run.Config
	dist := cfg.StagingDir()

	if err := resetDir(dist); err != nil {
		return err
	}

	docs := []struct{ what, src string }{
		{"license", cfg.Release.LicenseFile},
		{"readme", cfg.Release.ReadmeFile},
	}
	for _, doc := range docs {
		what, src := doc.what, doc.src
		if err := requireFile(what, src); err != nil {
			return err
		}
		if err := copyFile(src, filepath.Join(dist, filepath.Base(src))); err != nil {
			return err
		}
	}

	stagedBundle := filepath.Join(dist, "bundle", cfg.Release.ArtifactID+"-release."+bundleExtension)
	if err := copyFile(bundlePath, stagedBundle); err != nil {
		return err
	}
	if run.GlueDir != "" {
		if err := copyTree(run.GlueDir, filepath.Join(dist, "src")); err != nil {
			return fmt.Errorf("failed to stage glue sources: %w", err)
		}
	}
	run.StagingDir = dist

	version := cfg.Release.Version
	if version == "" {
		run.Log.Info("no release version, skipping registry layout", zap.String("staging", dist))
		return nil
	}

	registry := NewRegistry(cfg)
	registry.Now = a.Now
	previous, err := registry.ReadIndex()
	switch {
	case err == nil:
		run.Log.Info("updating registry index",
			zap.String("previous_latest", previous.Latest),
			zap.Strings("previous_versions", previous.Versions))
	case !errors.Is(err, fs.ErrNotExist):
		run.Log.Warn("registry index unreadable, regenerating", zap.Error(err))
	}
	meta, err := registry.Add(bundlePath, version)
	if err != nil {
		return err
	}
	if err := copyTree(registry.Root, filepath.Join(dist, "releases")); err != nil {
		return fmt.Errorf("failed to stage registry: %w", err)
	}
	run.Release = meta

	run.Log.Info("release staged",
		zap.String("staging", dist),
		zap.String("version", version),
		zap.Strings("versions", meta.Versions))
	return nil
}

// findBundle returns the single file below root matching pattern.
func findBundle(root, pattern string) (string, error) {
	matches, err := globFiles(root, pattern)
	if err != nil {
		return "", err
	}
	switch len(matches) {
	case 0:
		return "", missingArtifact("bundle", filepath.Join(root, pattern))
	case 1:
		return filepath.Join(root, filepath.FromSlash(matches[0])), nil
	default:
		return "", fmt.Errorf("expected one bundle matching %s, found %d: %s", pattern, len(matches), strings.Join(matches, ", "))
	}
}

// VerifyBundle checks that path is a zip archive holding classes.jar and
// libFile for every ABI. It returns the detected MIME type.
func VerifyBundle(path, libFile string, abis []string) (string, error) {
	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to inspect bundle: %w", err)
	}
	if !isZipFamily(mt) {
		return "", fmt.Errorf("bundle %s is %s, not a zip archive", path, mt.String())
	}

	r, err := zip.OpenReader(path)
	if err != nil {
		return "", fmt.Errorf("failed to open bundle: %w", err)
	}
	defer r.Close()

	entries := make(map[string]struct{}, len(r.File))
	for _, f := range r.File {
		entries[f.Name] = struct{}{}
	}

	required := []string{"classes.jar"}
	for _, abi := range abis {
		required = append(required, "jni/"+abi+"/"+libFile)
	}

	var missing []string
	for _, name := range required {
		if _, ok := entries[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return "", fmt.Errorf("%w: bundle %s lacks %s", ErrArtifactMissing, path, strings.Join(missing, ", "))
	}
	return mt.String(), nil
}

func isZipFamily(mt *mimetype.MIME) bool {
	for m := mt; m != nil; m = m.Parent() {
		if m.Is("application/zip") {
			return true
		}
	}
	return false
}
