package bindrelease

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const testLibName = "polkabind"

// fakeRunner records every command and delegates to handle.
type fakeRunner struct {
	mu     sync.Mutex
	calls  []Command
	handle func(cmd Command) ([]string, error)
}

func (f *fakeRunner) Run(ctx context.Context, cmd Command) ([]string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, cmd)
	handle := f.handle
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if handle == nil {
		return nil, nil
	}
	return handle(cmd)
}

func (f *fakeRunner) commands() []Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Command(nil), f.calls...)
}

// commandsWith returns the recorded commands whose first argument is arg.
func (f *fakeRunner) commandsWith(arg string) []Command {
	var out []Command
	for _, c := range f.commands() {
		if len(c.Args) > 0 && c.Args[0] == arg {
			out = append(out, c)
		}
	}
	return out
}

// testConfig returns a resolved configuration rooted in a temporary
// workspace holding a license, a readme and a generator config.
func testConfig(t *testing.T, abis ...string) *Config {
	t.Helper()
	ws := t.TempDir()

	writeFile(t, filepath.Join(ws, "LICENSE"), "Apache-2.0\n")
	writeFile(t, filepath.Join(ws, "README.md"), "# polkabind\n")
	writeFile(t, filepath.Join(ws, "uniffi.toml"), "[bindings.kotlin]\n")
	writeFile(t, filepath.Join(ws, "Cargo.toml"), "[package]\nname = \"polkabind\"\n")

	cfg := Default()
	cfg.WorkspaceDir = ws
	cfg.LibName = testLibName
	for _, abi := range abis {
		cfg.Targets = append(cfg.Targets, BuildTarget{ABI: abi})
	}
	require.NoError(t, cfg.resolve())
	require.NoError(t, cfg.Validate())
	return cfg
}

func testRun(t *testing.T, cfg *Config) *Run {
	t.Helper()
	return &Run{ID: "test-run", Config: cfg, Log: zaptest.NewLogger(t)}
}

func fixedClock(ts string) func() time.Time {
	return func() time.Time {
		parsed, err := time.Parse(time.RFC3339, ts)
		if err != nil {
			panic(err)
		}
		return parsed
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// argValue returns the argument following flag.
func argValue(args []string, flag string) string {
	for i, a := range args {
		if a == flag && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

// fakeToolchain imitates cargo, cargo-ndk, the binding generator and
// gradle by writing the files each tool would produce.
type fakeToolchain struct {
	cfg *Config

	// failABIs makes cargo-ndk fail for these ABIs.
	failABIs map[string]bool
	// skipOutputABIs makes cargo-ndk succeed without writing a library.
	skipOutputABIs map[string]bool
}

func (f *fakeToolchain) handle(cmd Command) ([]string, error) {
	cfg := f.cfg
	switch {
	case cmd.Name == cfg.Cargo.Bin && len(cmd.Args) > 0 && cmd.Args[0] == "build":
		release := filepath.Join(cfg.Cargo.TargetDir, "release")
		if err := writeBytes(filepath.Join(release, HostLibraryFile(testLibName, runtime.GOOS)), "host library"); err != nil {
			return nil, err
		}
		if err := writeBytes(generatorPath(cfg, runtime.GOOS), "#!/bin/sh\n"); err != nil {
			return nil, err
		}
		return []string{"Finished release [optimized] target(s)"}, nil

	case cmd.Name == cfg.Cargo.Bin && len(cmd.Args) > 0 && cmd.Args[0] == "ndk":
		abi := argValue(cmd.Args, "--target")
		if f.failABIs[abi] {
			return []string{"error: linker `aarch64-linux-android21-clang` not found"}, fmt.Errorf("cargo exited with status 101")
		}
		if f.skipOutputABIs[abi] {
			return nil, nil
		}
		lib := filepath.Join(cfg.Cargo.TargetDir, KnownABIs[abi], "release", AndroidLibraryFile(testLibName))
		return nil, writeBytes(lib, "ELF "+abi)

	case strings.HasSuffix(cmd.Name, cfg.Bindgen.Generator):
		out := argValue(cmd.Args, "--out-dir")
		glue := filepath.Join(out, "uniffi", testLibName, testLibName+".kt")
		return nil, writeBytes(glue, "package uniffi.polkabind\n")

	case cmd.Name == "gradle":
		task := cmd.Args[len(cmd.Args)-1]
		if task != cfg.Module.Task {
			return []string{"BUILD SUCCESSFUL"}, nil
		}
		return []string{"BUILD SUCCESSFUL"}, writeBundle(cmd.Dir)
	}
	return nil, nil
}

// writeBundle writes a minimal .aar for the module at dir, packaging every
// library found under src/main/jniLibs.
func writeBundle(dir string) error {
	path := filepath.Join(dir, "build", "outputs", "aar", "polkabind-android-release.aar")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	entries := []string{"AndroidManifest.xml", "classes.jar"}
	libs, err := globFiles(filepath.Join(dir, "src", "main", "jniLibs"), "*/*.so")
	if err != nil {
		return err
	}
	for _, lib := range libs {
		entries = append(entries, "jni/"+lib)
	}
	for _, name := range entries {
		// A fixed modification time keeps the archive reproducible.
		w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Deflate, Modified: time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC)})
		if err != nil {
			return err
		}
		if _, err := w.Write([]byte(name)); err != nil {
			return err
		}
	}
	return zw.Close()
}

func writeBytes(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(content), 0o755)
}

// readTree returns every regular file below root keyed by slash path.
func readTree(t *testing.T, root string) map[string]string {
	t.Helper()
	files, err := globFiles(root, "**")
	require.NoError(t, err)

	tree := make(map[string]string, len(files))
	for _, f := range files {
		data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(f)))
		require.NoError(t, err)
		tree[f] = string(data)
	}
	return tree
}
