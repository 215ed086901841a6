package bindrelease

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"go.uber.org/zap"
)

// Platform constants
const (
	platformWindows = "windows"
	platformDarwin  = "darwin"
)

// WorkspaceBuilder compiles the whole cargo workspace for the host and
// checks the two artifacts later stages depend on: the host shared library
// and the binding generator executable.
//
// Release builds may strip the exported interface-metadata symbols, so the
// builder forces CARGO_PROFILE_RELEASE_STRIP=none for this build. After the
// build the host library's symbol table must contain the configured
// metadata prefix; otherwise the run stops with ErrMetadataMissing before
// any cross-target build is attempted.
type WorkspaceBuilder struct {
	Runner CommandRunner

	// Probe checks the host library for metadata symbols. Defaults to ProbeSymbols.
	Probe func(path, prefix string) (string, error)
}

// Name returns the stage name
func (b *WorkspaceBuilder) Name() string {
	return "workspace"
}

// RequiredTools returns the tools needed for the host build
func (b *WorkspaceBuilder) RequiredTools(cfg *Config) []ToolRequirement {
	return []ToolRequirement{
		{Name: cfg.Cargo.Bin, Purpose: "Rust compiler and package manager"},
	}
}

// Run builds the workspace and verifies its outputs
func (b *WorkspaceBuilder) Run(ctx context.Context, run *Run) error {
	cfg := run.Config

	libName, err := ResolveLibName(cfg)
	if err != nil {
		return stageError(b.Name(), nil, err)
	}

	releaseDir := filepath.Join(cfg.Cargo.TargetDir, "release")
	libPath := filepath.Join(releaseDir, HostLibraryFile(libName, runtime.GOOS))
	genPath := generatorPath(cfg, runtime.GOOS)

	args := []string{"build", "--release", "--workspace"}
	if fileExists(filepath.Join(cfg.WorkspaceDir, "Cargo.lock")) {
		args = append(args, "--locked")
	}
	args = append(args, cfg.Cargo.Args...)

	output, err := runInvocation(ctx, b.Runner, invocation{
		stage: b.Name(),
		prepare: func() error {
			// Stale outputs must not satisfy the existence checks below.
			stale := []string{libPath}
			if withinDir(cfg.Cargo.TargetDir, genPath) {
				stale = append(stale, genPath)
			}
			return removeFiles(stale...)
		},
		command: Command{
			Name: cfg.Cargo.Bin,
			Args: args,
			Dir:  cfg.WorkspaceDir,
			Env:  hostBuildEnv(cfg, runtime.GOOS),
		},
		verify: func() error {
			if err := requireFile("host library", libPath); err != nil {
				return err
			}
			return requireFile("binding generator", genPath)
		},
	})
	if err != nil {
		return err
	}
	run.Log.Debug("workspace build output", zap.Int("lines", len(output)))

	probe := b.Probe
	if probe == nil {
		probe = ProbeSymbols
	}
	symbol, err := probe(libPath, cfg.Bindgen.MetadataPrefix)
	if err != nil {
		return stageError(b.Name(), nil, err)
	}

	run.HostLibrary = &Artifact{Kind: KindSharedLibrary, Target: HostTarget, Path: libPath}
	run.Generator = &Artifact{Kind: KindExecutable, Target: HostTarget, Path: genPath}
	run.Log.Info("host artifacts ready",
		zap.String("library", libPath),
		zap.String("generator", genPath),
		zap.String("metadata_symbol", symbol))
	return nil
}

// cargoManifest is the part of Cargo.toml needed to name the library.
type cargoManifest struct {
	Package struct {
		Name string `toml:"name"`
	} `toml:"package"`
	Lib struct {
		Name string `toml:"name"`
	} `toml:"lib"`
}

// ResolveLibName returns the crate's library name: the configured
// LibName, else [lib].name from the crate's Cargo.toml, else
// [package].name with dashes replaced by underscores (cargo's rule).
func ResolveLibName(cfg *Config) (string, error) {
	if cfg.LibName != "" {
		return cfg.LibName, nil
	}

	manifestPath := filepath.Join(cfg.CrateDir, "Cargo.toml")
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return "", fmt.Errorf("%w: cannot read %s: %v", ErrConfig, manifestPath, err)
	}

	var manifest cargoManifest
	if err := toml.Unmarshal(data, &manifest); err != nil {
		return "", fmt.Errorf("%w: cannot parse %s: %v", ErrConfig, manifestPath, err)
	}

	switch {
	case manifest.Lib.Name != "":
		return manifest.Lib.Name, nil
	case manifest.Package.Name != "":
		return strings.ReplaceAll(manifest.Package.Name, "-", "_"), nil
	default:
		return "", fmt.Errorf("%w: %s has no [package] or [lib] name; set lib_name", ErrConfig, manifestPath)
	}
}

// HostLibraryFile returns the file name cargo gives a cdylib on goos.
func HostLibraryFile(libName, goos string) string {
	switch goos {
	case platformWindows:
		return libName + ".dll"
	case platformDarwin:
		return "lib" + libName + ".dylib"
	default:
		return "lib" + libName + ".so"
	}
}

// AndroidLibraryFile returns the file name of the library for every ABI.
func AndroidLibraryFile(libName string) string {
	return "lib" + libName + ".so"
}

// generatorPath returns where the binding generator is expected. A
// generator configured with a path is used as is; a bare name is expected
// among the workspace's release outputs.
func generatorPath(cfg *Config, goos string) string {
	gen := cfg.Bindgen.Generator
	if strings.ContainsRune(gen, '/') || strings.ContainsRune(gen, filepath.Separator) {
		if !filepath.IsAbs(gen) {
			gen = filepath.Join(cfg.WorkspaceDir, gen)
		}
		return gen
	}
	if goos == platformWindows {
		gen += ".exe"
	}
	return filepath.Join(cfg.Cargo.TargetDir, "release", gen)
}

// hostBuildEnv returns the environment overrides for the host build.
func hostBuildEnv(cfg *Config, goos string) map[string]string {
	env := map[string]string{
		"CARGO_PROFILE_RELEASE_STRIP": "none",
		"CARGO_PROFILE_RELEASE_DEBUG": "false",
		"CARGO_TARGET_DIR":            cfg.Cargo.TargetDir,
	}

	rustFlags := cfg.Cargo.RustFlags
	if goos == platformDarwin {
		rustFlags = strings.TrimSpace(rustFlags + " -C link-arg=-Wl,-export_dynamic")
	}
	if rustFlags != "" {
		env["RUSTFLAGS"] = rustFlags
	}
	return env
}

// removeFiles deletes paths, ignoring those that do not exist.
func removeFiles(paths ...string) error {
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return nil
}
