package bindrelease

import (
	"context"
	"path/filepath"

	"go.uber.org/zap"
)

// BindingGenerator runs the binding generator against the host library's
// embedded interface metadata and checks that the expected glue source
// was written.
//
// The output directory is cleared first, so a previous run can never
// satisfy the check. Generator failures are configuration errors; the
// stage is never retried.
type BindingGenerator struct {
	Runner CommandRunner
}

// Name returns the stage name
func (g *BindingGenerator) Name() string {
	return "bindgen"
}

// RequiredTools returns the generator produced by the workspace build.
//
// The generator usually only exists after the workspace stage ran, so it
// is checked as a file in Run rather than looked up in PATH here.
func (g *BindingGenerator) RequiredTools(cfg *Config) []ToolRequirement {
	return nil
}

// Run generates the glue sources into cfg.GlueDir().
func (g *BindingGenerator) Run(ctx context.Context, run *Run) error {
	cfg := run.Config
	if run.HostLibrary == nil || run.Generator == nil {
		return stageError(g.Name(), nil, missingArtifact("host artifacts", cfg.Cargo.TargetDir))
	}

	libName, err := ResolveLibName(cfg)
	if err != nil {
		return stageError(g.Name(), nil, err)
	}

	outDir := cfg.GlueDir()
	expected := filepath.Join(outDir, filepath.FromSlash(ExpectedGluePath(cfg, libName)))

	args := []string{
		"generate",
		"--library", run.HostLibrary.Path,
		"--language", cfg.Bindgen.Language,
	}
	if cfg.Bindgen.ConfigFile != "" {
		args = append(args, "--config", cfg.Bindgen.ConfigFile)
	}
	args = append(args, "--out-dir", outDir)

	output, err := runInvocation(ctx, g.Runner, invocation{
		stage: g.Name(),
		prepare: func() error {
			if cfg.Bindgen.ConfigFile != "" {
				if err := requireFile("generator config", cfg.Bindgen.ConfigFile); err != nil {
					return err
				}
			}
			return resetDir(outDir)
		},
		command: Command{
			Name: run.Generator.Path,
			Args: args,
			Dir:  cfg.WorkspaceDir,
		},
		verify: func() error {
			return requireFile("generated glue", expected)
		},
	})
	if err != nil {
		return err
	}

	files, err := globFiles(outDir, cfg.Bindgen.GlueGlob)
	if err != nil {
		return stageError(g.Name(), output, err)
	}

	run.GlueDir = outDir
	run.GlueFiles = files
	run.Log.Info("bindings generated",
		zap.String("dir", outDir),
		zap.String("language", cfg.Bindgen.Language),
		zap.Int("files", len(files)))
	return nil
}

// ExpectedGluePath returns the slash-separated path, relative to the glue
// directory, of the file the generator must produce. Defaults to the
// generator's Kotlin layout: uniffi/<lib>/<lib>.kt.
func ExpectedGluePath(cfg *Config, libName string) string {
	if cfg.Bindgen.ExpectedGlue != "" {
		return cfg.Bindgen.ExpectedGlue
	}
	return "uniffi/" + libName + "/" + libName + ".kt"
}
