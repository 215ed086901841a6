package bindrelease

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// CrossCompiler builds the crate once per configured Android ABI with
// cargo-ndk and collects one shared library per ABI under
// cfg.JniLibsDir()/<abi>/.
//
// # Scheduling
//
// Every target is an independent task. At most cfg.Jobs targets build at
// once (1 means sequential, in configuration order). Each target gets a
// TargetResult, also when it failed or was never started.
//
// # Failure Handling
//
//   - By default the first failure cancels the targets not yet started
//   - With ContinueOnTargetFailure every target is attempted
//   - All failures are reported together
//   - The stage fails when any target failed, unless AllowPartialTargets
//     is set and at least one target succeeded
//
// Stripping is delegated to Stripper and never fails a target.
type CrossCompiler struct {
	Runner CommandRunner

	// Stripper defaults to NewStripper(cfg, Runner).
	Stripper *Stripper
}

// Name returns the stage name
func (c *CrossCompiler) Name() string {
	return "crosscompile"
}

// RequiredTools returns the tools needed for cross compilation
func (c *CrossCompiler) RequiredTools(cfg *Config) []ToolRequirement {
	return []ToolRequirement{
		{Name: cfg.Cargo.Bin, Purpose: "Rust package manager"},
		{Name: "cargo-ndk", Purpose: "Android NDK cargo wrapper"},
	}
}

// Run builds every target and records the results on run.Targets.
func (c *CrossCompiler) Run(ctx context.Context, run *Run) error {
	cfg := run.Config

	libName, err := ResolveLibName(cfg)
	if err != nil {
		return stageError(c.Name(), nil, err)
	}
	if err := resetDir(cfg.JniLibsDir()); err != nil {
		return stageError(c.Name(), nil, err)
	}

	stripper := c.Stripper
	if stripper == nil {
		stripper = NewStripper(cfg, c.Runner)
	}

	results := make([]*TargetResult, len(cfg.Targets))
	for i, target := range cfg.Targets {
		results[i] = &TargetResult{Target: target}
	}
	run.Targets = results

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(cfg.Jobs, 1))
	for _, result := range results {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				result.Err = stageError(c.targetLabel(result.Target), nil, fmt.Errorf("not started: %w", err))
				return nil
			}
			c.buildTarget(gctx, run, stripper, libName, result)
			run.Metrics.ObserveTarget(result)
			if result.Err != nil && !cfg.ContinueOnTargetFailure {
				return result.Err
			}
			return nil
		})
	}
	// Failures are read from the results below.
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return stageError(c.Name(), nil, err)
	}

	var merr *multierror.Error
	for _, result := range results {
		if result.Err != nil {
			merr = multierror.Append(merr, result.Err)
		}
	}
	if merr == nil {
		run.Log.Info("all targets built", zap.Int("targets", len(results)))
		return nil
	}

	succeeded := run.SucceededTargets()
	if cfg.AllowPartialTargets && len(succeeded) > 0 {
		run.Log.Warn("continuing with a partial target set",
			zap.Int("succeeded", len(succeeded)),
			zap.Int("failed", merr.Len()),
			zap.Error(merr))
		return nil
	}
	return stageError(c.Name(), nil, merr.ErrorOrNil())
}

// buildTarget runs cargo-ndk for one target and fills result.
func (c *CrossCompiler) buildTarget(ctx context.Context, run *Run, stripper *Stripper, libName string, result *TargetResult) {
	start := time.Now()
	defer func() { result.Duration = time.Since(start) }()

	cfg := run.Config
	target := result.Target
	label := c.targetLabel(target)
	log := run.Log.With(zap.String("abi", target.ABI), zap.String("triple", target.Triple))

	built := filepath.Join(cfg.Cargo.TargetDir, target.Triple, "release", AndroidLibraryFile(libName))
	dest := filepath.Join(cfg.JniLibsDir(), target.ABI, AndroidLibraryFile(libName))

	log.Info("building target")
	output, err := runInvocation(ctx, c.Runner, invocation{
		stage: label,
		prepare: func() error {
			return removeFiles(built)
		},
		command: Command{
			Name: cfg.Cargo.Bin,
			Args: crossBuildArgs(cfg, target),
			Dir:  cfg.WorkspaceDir,
			Env:  crossBuildEnv(cfg),
		},
		verify: func() error {
			return requireFile("library for "+target.ABI, built)
		},
	})
	result.Output = output
	if err != nil {
		result.Err = err
		log.Error("target failed", zap.Error(err))
		return
	}

	if err := copyFile(built, dest); err != nil {
		result.Err = stageError(label, output, err)
		log.Error("target failed", zap.Error(err))
		return
	}

	if tool, ok := stripper.Strip(ctx, log, dest); ok {
		result.Stripped = true
		result.StripTool = tool
	}

	result.Artifact = &Artifact{Kind: KindSharedLibrary, Target: target.ABI, Path: dest}
	log.Info("target built",
		zap.String("library", dest),
		zap.Bool("stripped", result.Stripped),
		zap.Duration("duration", time.Since(start)))
}

func (c *CrossCompiler) targetLabel(target BuildTarget) string {
	return c.Name() + " " + target.ABI
}

// crossBuildArgs returns the cargo arguments for one target.
func crossBuildArgs(cfg *Config, target BuildTarget) []string {
	args := []string{
		"ndk",
		"--target", target.ABI,
		"--platform", strconv.Itoa(cfg.Cargo.Platform),
		"build", "--release",
	}
	if fileExists(filepath.Join(cfg.WorkspaceDir, "Cargo.lock")) {
		args = append(args, "--locked")
	}
	return append(args, cfg.Cargo.Args...)
}

// crossBuildEnv returns the environment overrides for cargo-ndk.
func crossBuildEnv(cfg *Config) map[string]string {
	env := map[string]string{
		"CARGO_TARGET_DIR": cfg.Cargo.TargetDir,
	}
	if cfg.Cargo.NDKHome != "" {
		env["ANDROID_NDK_HOME"] = cfg.Cargo.NDKHome
	}
	return env
}
