package bindrelease

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fakeTools puts empty executables with the given names first in PATH so
// tool checks pass without a real toolchain.
func fakeTools(t *testing.T, names ...string) {
	t.Helper()
	if runtime.GOOS == platformWindows {
		t.Skip("fake executables need a POSIX PATH")
	}
	bin := t.TempDir()
	for _, name := range names {
		require.NoError(t, os.WriteFile(filepath.Join(bin, name), []byte("#!/bin/sh\nexit 0\n"), 0o755))
	}
	t.Setenv("PATH", bin+string(os.PathListSeparator)+os.Getenv("PATH"))
}

func stageNames(stages []Stage) []string {
	names := make([]string, 0, len(stages))
	for _, s := range stages {
		names = append(names, s.Name())
	}
	return names
}

func TestPipelineAbortsBeforeCrossCompileWithoutMetadata(t *testing.T) {
	fakeTools(t, "cargo", "cargo-ndk")
	cfg := testConfig(t, "arm64-v8a", "armeabi-v7a")
	runner := &fakeRunner{}
	runner.handle = (&fakeToolchain{cfg: cfg}).handle

	p := &Pipeline{Log: zaptest.NewLogger(t)}
	p.Register(&WorkspaceBuilder{Runner: runner, Probe: func(path, prefix string) (string, error) {
		return "", fmt.Errorf("%w: %s has no %s symbol", ErrMetadataMissing, path, prefix)
	}})
	p.Register(&BindingGenerator{Runner: runner})
	p.Register(&CrossCompiler{Runner: runner, Stripper: noStrip()})

	report, err := p.Run(context.Background(), cfg)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMetadataMissing)

	var stageErr *StageError
	require.True(t, errors.As(err, &stageErr))
	assert.Equal(t, "workspace", stageErr.Stage)

	require.Len(t, report.Stages, 1)
	assert.Equal(t, "workspace", report.Stages[0].Name)
	assert.Empty(t, runner.commandsWith("ndk"), "no cross-target build may start")
	assert.Empty(t, runner.commandsWith("generate"))
	assert.Empty(t, report.Targets())
}

func TestPipelineFullRun(t *testing.T) {
	fakeTools(t, "cargo", "cargo-ndk", "gradle")
	cfg := testConfig(t, "arm64-v8a", "armeabi-v7a")
	cfg.Release.Version = "1.2.3"
	cfg.Strip.Skip = true
	cfg.MetricsFile = filepath.Join(t.TempDir(), "bindrelease.prom")
	runner := &fakeRunner{}
	runner.handle = (&fakeToolchain{cfg: cfg}).handle

	p := NewPipeline(cfg, runner)
	p.Log = zaptest.NewLogger(t)
	p.Metrics = NewMetrics()
	p.ListStages()[0].(*WorkspaceBuilder).Probe = acceptProbe

	report, err := p.Run(context.Background(), cfg)
	require.NoError(t, err)

	assert.Equal(t, []string{"workspace", "bindgen", "crosscompile", "assemble"}, stageNames(p.ListStages()))
	require.Len(t, report.Stages, 4)
	for _, s := range report.Stages {
		assert.NoError(t, s.Err, s.Name)
	}
	assert.NotEmpty(t, report.RunID)
	require.Len(t, report.Targets(), 2)
	for _, result := range report.Targets() {
		assert.True(t, result.Succeeded())
	}
	assert.Equal(t, "1.2.3", report.Run.Release.Latest)

	summary := report.Summary()
	assert.Contains(t, summary, "assemble")
	assert.Contains(t, summary, "target arm64-v8a")
	assert.NotContains(t, summary, "FAILED")

	metrics, err := os.ReadFile(cfg.MetricsFile)
	require.NoError(t, err)
	assert.Contains(t, string(metrics), "bindrelease_stage_duration_seconds")
	assert.Contains(t, string(metrics), `bindrelease_target_builds_total{abi="armeabi-v7a",status="success"} 1`)
}

func TestPipelinePublishesSuccessiveReleases(t *testing.T) {
	fakeTools(t, "cargo", "cargo-ndk", "gradle")
	remote := bareRemote(t)

	for _, tag := range []string{"v1.0.0", "v1.1.0"} {
		// Each release builds in a fresh workspace, as a CI runner does.
		cfg := publishConfig(t, remote, tag)
		cfg.Strip.Skip = true
		runner := &fakeRunner{}
		runner.handle = (&fakeToolchain{cfg: cfg}).handle

		p := NewPipeline(cfg, runner)
		p.Log = zaptest.NewLogger(t)
		for _, s := range p.ListStages() {
			if ws, ok := s.(*WorkspaceBuilder); ok {
				ws.Probe = acceptProbe
			}
		}

		report, err := p.Run(context.Background(), cfg)
		require.NoError(t, err, tag)
		require.NotNil(t, report.Run.Published, tag)
		assert.Equal(t, tag, report.Run.Published.Tag)
	}

	files, commit := remoteTree(t, remote, plumbing.NewBranchReferenceName("main"))
	assert.Equal(t, "Release v1.1.0", commit.Message)
	assert.Contains(t, files, "releases/dev.polkabind/polkabind-android/1.0.0/polkabind-android-1.0.0.aar")
	assert.Contains(t, files, "releases/dev.polkabind/polkabind-android/1.1.0/polkabind-android-1.1.0.aar")

	var index mavenMetadata
	require.NoError(t, xml.Unmarshal([]byte(files["releases/dev.polkabind/polkabind-android/maven-metadata.xml"]), &index))
	assert.Equal(t, []string{"1.0.0", "1.1.0"}, index.Versioning.Versions)
	assert.Equal(t, "1.1.0", index.Versioning.Latest)
	assert.Equal(t, "1.1.0", index.Versioning.Release)
}

func TestPipelineMissingTool(t *testing.T) {
	t.Setenv("PATH", t.TempDir())
	cfg := testConfig(t, "arm64-v8a")
	runner := &fakeRunner{}

	report, err := NewPipeline(cfg, runner).Run(context.Background(), cfg)
	require.ErrorIs(t, err, ErrToolMissing)
	assert.Contains(t, err.Error(), "cargo")
	assert.Empty(t, runner.commands())
	require.Len(t, report.Stages, 1)
	assert.Error(t, report.Stages[0].Err)
}

func TestPipelineCancelled(t *testing.T) {
	cfg := testConfig(t, "arm64-v8a")
	runner := &fakeRunner{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewPipeline(cfg, runner).Run(ctx, cfg)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, runner.commands())
}

func TestNewPipelineStages(t *testing.T) {
	cfg := testConfig(t, "arm64-v8a")
	assert.Equal(t,
		[]string{"workspace", "bindgen", "crosscompile", "assemble"},
		stageNames(NewPipeline(cfg, &fakeRunner{}).ListStages()))

	cfg.Publish.Enabled = true
	cfg.Release.Version = "1.2.3"
	assert.Equal(t,
		[]string{"workspace", "seed-registry", "bindgen", "crosscompile", "assemble", "publish"},
		stageNames(NewPipeline(cfg, &fakeRunner{}).ListStages()))
}

func TestReportSummaryListsTargetFailures(t *testing.T) {
	report := &Report{
		RunID: "run-1",
		Stages: []StageReport{
			{Name: "workspace"},
			{Name: "crosscompile", Err: errors.New("boom")},
		},
		Run: &Run{Targets: []*TargetResult{
			{Target: BuildTarget{ABI: "arm64-v8a"}, Artifact: &Artifact{Path: "/out/jniLibs/arm64-v8a/libpolkabind.so"}, Stripped: true, StripTool: "llvm-strip"},
			{Target: BuildTarget{ABI: "x86"}, Err: errors.New("linker failed\nmore detail")},
		}},
	}

	summary := report.Summary()
	assert.Contains(t, summary, "run run-1")
	assert.Contains(t, summary, "stripped with llvm-strip")
	assert.Contains(t, summary, "target x86")
	assert.Contains(t, summary, "linker failed")
	assert.NotContains(t, summary, "more detail")
}
