package bindrelease

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkspaceBuilderProducesHostArtifacts(t *testing.T) {
	cfg := testConfig(t, "arm64-v8a")
	writeFile(t, filepath.Join(cfg.WorkspaceDir, "Cargo.lock"), "")
	runner := &fakeRunner{}
	runner.handle = (&fakeToolchain{cfg: cfg}).handle
	run := testRun(t, cfg)

	var probed string
	stage := &WorkspaceBuilder{Runner: runner, Probe: func(path, prefix string) (string, error) {
		probed = path
		assert.Equal(t, "UNIFFI_META_", prefix)
		return "UNIFFI_META_NAMESPACE_polkabind", nil
	}}
	require.NoError(t, stage.Run(context.Background(), run))

	hostLib := filepath.Join(cfg.Cargo.TargetDir, "release", HostLibraryFile(testLibName, runtime.GOOS))
	require.NotNil(t, run.HostLibrary)
	assert.Equal(t, hostLib, run.HostLibrary.Path)
	assert.Equal(t, HostTarget, run.HostLibrary.Target)
	assert.Equal(t, hostLib, probed)
	require.NotNil(t, run.Generator)
	assert.Equal(t, filepath.Join(cfg.Cargo.TargetDir, "release", "uniffi-bindgen"+exeSuffix()), run.Generator.Path)

	calls := runner.commands()
	require.Len(t, calls, 1)
	if diff := cmp.Diff([]string{"build", "--release", "--workspace", "--locked"}, calls[0].Args); diff != "" {
		t.Errorf("cargo arguments mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, "none", calls[0].Env["CARGO_PROFILE_RELEASE_STRIP"])
}

func TestWorkspaceBuilderMissingGenerator(t *testing.T) {
	cfg := testConfig(t, "arm64-v8a")
	runner := &fakeRunner{handle: func(cmd Command) ([]string, error) {
		lib := filepath.Join(cfg.Cargo.TargetDir, "release", HostLibraryFile(testLibName, runtime.GOOS))
		return nil, writeBytes(lib, "host library")
	}}

	stage := &WorkspaceBuilder{Runner: runner, Probe: acceptProbe}
	err := stage.Run(context.Background(), testRun(t, cfg))
	require.ErrorIs(t, err, ErrArtifactMissing)
	assert.Contains(t, err.Error(), "binding generator")
}

func TestWorkspaceBuilderRemovesStaleOutputs(t *testing.T) {
	cfg := testConfig(t, "arm64-v8a")
	hostLib := filepath.Join(cfg.Cargo.TargetDir, "release", HostLibraryFile(testLibName, runtime.GOOS))
	writeFile(t, hostLib, "stale")
	writeFile(t, generatorPath(cfg, runtime.GOOS), "stale")

	// The build "succeeds" without writing anything.
	stage := &WorkspaceBuilder{Runner: &fakeRunner{}, Probe: acceptProbe}
	err := stage.Run(context.Background(), testRun(t, cfg))
	assert.ErrorIs(t, err, ErrArtifactMissing)
}

func TestWorkspaceBuilderMetadataMissing(t *testing.T) {
	cfg := testConfig(t, "arm64-v8a")
	runner := &fakeRunner{}
	runner.handle = (&fakeToolchain{cfg: cfg}).handle
	run := testRun(t, cfg)

	stage := &WorkspaceBuilder{Runner: runner, Probe: func(path, prefix string) (string, error) {
		return "", fmt.Errorf("%w: no symbol starting with %s in %s", ErrMetadataMissing, prefix, path)
	}}
	err := stage.Run(context.Background(), run)
	assert.ErrorIs(t, err, ErrMetadataMissing)
	assert.Nil(t, run.HostLibrary)
}

func TestResolveLibName(t *testing.T) {
	testCases := []struct {
		name     string
		manifest string
		libName  string
		want     string
		wantErr  bool
	}{
		{name: "configured", libName: "custom", want: "custom"},
		{name: "lib section", manifest: "[package]\nname = \"polkabind-core\"\n\n[lib]\nname = \"polkabind\"\n", want: "polkabind"},
		{name: "package name", manifest: "[package]\nname = \"polkabind-core\"\n", want: "polkabind_core"},
		{name: "workspace only", manifest: "[workspace]\nmembers = [\"core\"]\n", wantErr: true},
		{name: "invalid toml", manifest: "[package\n", wantErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			if tc.manifest != "" {
				writeFile(t, filepath.Join(dir, "Cargo.toml"), tc.manifest)
			}
			cfg := &Config{CrateDir: dir, LibName: tc.libName}

			got, err := ResolveLibName(cfg)
			if tc.wantErr {
				assert.ErrorIs(t, err, ErrConfig)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestHostLibraryFile(t *testing.T) {
	assert.Equal(t, "libpolkabind.so", HostLibraryFile("polkabind", "linux"))
	assert.Equal(t, "libpolkabind.dylib", HostLibraryFile("polkabind", "darwin"))
	assert.Equal(t, "polkabind.dll", HostLibraryFile("polkabind", "windows"))
}

func TestHostBuildEnv(t *testing.T) {
	cfg := &Config{Cargo: CargoConfig{TargetDir: "/ws/target", RustFlags: "-C opt-level=3"}}

	linux := hostBuildEnv(cfg, "linux")
	assert.Equal(t, "-C opt-level=3", linux["RUSTFLAGS"])
	assert.Equal(t, "/ws/target", linux["CARGO_TARGET_DIR"])

	darwin := hostBuildEnv(cfg, "darwin")
	assert.Equal(t, "-C opt-level=3 -C link-arg=-Wl,-export_dynamic", darwin["RUSTFLAGS"])

	cfg.Cargo.RustFlags = ""
	assert.NotContains(t, hostBuildEnv(cfg, "linux"), "RUSTFLAGS")
}

func TestGeneratorPath(t *testing.T) {
	cfg := &Config{WorkspaceDir: "/ws", Cargo: CargoConfig{TargetDir: "/ws/target"}}

	cfg.Bindgen.Generator = "uniffi-bindgen"
	assert.Equal(t, filepath.Join("/ws/target", "release", "uniffi-bindgen"), generatorPath(cfg, "linux"))
	assert.Equal(t, filepath.Join("/ws/target", "release", "uniffi-bindgen.exe"), generatorPath(cfg, "windows"))

	cfg.Bindgen.Generator = "tools/bindgen"
	assert.Equal(t, filepath.Join("/ws", "tools", "bindgen"), generatorPath(cfg, "linux"))
}

func exeSuffix() string {
	if runtime.GOOS == platformWindows {
		return ".exe"
	}
	return ""
}
