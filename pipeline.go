package bindrelease

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Pipeline runs the release stages in their fixed order.
//
// # Usage
//
// Create a pipeline with all standard stages for a configuration:
//
//	pipeline := bindrelease.NewPipeline(cfg, &bindrelease.ExecRunner{Log: log})
//	pipeline.Log = log
//	report, err := pipeline.Run(ctx, cfg)
//
// Or create an empty pipeline and register stages yourself:
//
//	pipeline := &bindrelease.Pipeline{}
//	pipeline.Register(&MyStage{})
//
// # Execution
//
// For every registered stage, in registration order, the pipeline:
//  1. Stops if the context was cancelled
//  2. Verifies the stage's tools when it implements ToolChecker
//  3. Runs the stage and records its duration
//  4. Aborts on the first error; later stages never run
//
// There are no retries: every failure is fatal for the run.
//
// # Thread Safety
//
// Pipeline is NOT thread-safe for registration. A pipeline may be run
// several times, but not concurrently, because stages own fixed output
// directories.
type Pipeline struct {
	stages []Stage

	Log     *zap.Logger
	Metrics *Metrics
}

// NewPipeline creates a pipeline with the standard stages registered:
//  1. WorkspaceBuilder - host library and generator, metadata probe
//  2. registry seed - only when publishing a versioned release, so a bad
//     distribution URL or token fails before the cross builds
//  3. BindingGenerator - Kotlin glue sources
//  4. CrossCompiler - one shared library per configured ABI
//  5. Assembler - module, bundle, staging and registry layout
//  6. Publisher - only when publishing is enabled
func NewPipeline(cfg *Config, runner CommandRunner) *Pipeline {
	p := &Pipeline{}
	publisher := &Publisher{}

	p.Register(&WorkspaceBuilder{Runner: runner})
	if cfg.Publish.Enabled && cfg.Release.Version != "" {
		p.Register(publisher.SeedStage())
	}
	p.Register(&BindingGenerator{Runner: runner})
	p.Register(&CrossCompiler{Runner: runner})
	p.Register(&Assembler{Runner: runner})
	if cfg.Publish.Enabled {
		p.Register(publisher)
	}

	return p
}

// Register appends a stage. Stages run in registration order.
//
// Not thread-safe. Register all stages before running.
func (p *Pipeline) Register(stage Stage) {
	p.stages = append(p.stages, stage)
}

// ListStages returns a copy of the registered stages.
func (p *Pipeline) ListStages() []Stage {
	return append([]Stage{}, p.stages...)
}

// Run executes every stage in order against a fresh Run.
//
// # Return Values
//
// The Report is always returned, also on failure, and lists every stage
// that was attempted plus the per-target results collected so far. The
// error is the first stage failure, wrapped in a *StageError.
func (p *Pipeline) Run(ctx context.Context, cfg *Config) (*Report, error) {
	log := p.Log
	if log == nil {
		log = zap.NewNop()
	}

	run := &Run{
		ID:      uuid.NewString(),
		Config:  cfg,
		Metrics: p.Metrics,
	}
	run.Log = log.With(zap.String("run_id", run.ID))
	report := &Report{RunID: run.ID, Run: run}

	defer p.flushMetrics(cfg, run.Log)

	run.Log.Info("pipeline started",
		zap.String("profile", cfg.Profile),
		zap.String("version", cfg.Release.Version),
		zap.Int("targets", len(cfg.Targets)))

	for _, stage := range p.stages {
		name := stage.Name()
		slog := run.Log.With(zap.String("stage", name))

		if ctxErr := ctx.Err(); ctxErr != nil {
			err := stageError(name, nil, ctxErr)
			report.add(name, 0, err)
			return report, err
		}

		if checker, ok := stage.(ToolChecker); ok {
			if toolErr := CheckRequiredTools(checker.RequiredTools(cfg)); toolErr != nil {
				err := stageError(name, nil, toolErr)
				report.add(name, 0, err)
				slog.Error("required tool missing", zap.Error(toolErr))
				return report, err
			}
		}

		slog.Info("stage started")
		start := time.Now()
		runErr := stage.Run(ctx, run)
		elapsed := time.Since(start)
		p.Metrics.ObserveStage(name, elapsed, runErr)

		if runErr != nil {
			err := stageError(name, nil, runErr)
			report.add(name, elapsed, err)
			slog.Error("stage failed", zap.Duration("duration", elapsed), zap.Error(runErr))
			return report, err
		}

		report.add(name, elapsed, nil)
		slog.Info("stage finished", zap.Duration("duration", elapsed))
	}

	if p.Metrics != nil {
		p.Metrics.LastSuccess.SetToCurrentTime()
	}
	run.Log.Info("pipeline finished")
	return report, nil
}

func (p *Pipeline) flushMetrics(cfg *Config, log *zap.Logger) {
	if p.Metrics == nil || cfg.MetricsFile == "" {
		return
	}
	if err := p.Metrics.WriteTextfile(cfg.MetricsFile); err != nil {
		log.Warn("failed to write metrics file", zap.String("path", cfg.MetricsFile), zap.Error(err))
	}
}

// StageReport is the outcome of one attempted stage.
type StageReport struct {
	Name     string
	Duration time.Duration
	Err      error
}

// Report summarizes a pipeline run.
type Report struct {
	RunID  string
	Stages []StageReport
	Run    *Run
}

func (r *Report) add(name string, d time.Duration, err error) {
	r.Stages = append(r.Stages, StageReport{Name: name, Duration: d, Err: err})
}

// Targets returns the per-target results collected during the run.
func (r *Report) Targets() []*TargetResult {
	if r.Run == nil {
		return nil
	}
	return r.Run.Targets
}

// Summary renders one line per stage and per target.
func (r *Report) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "run %s\n", r.RunID)
	for _, s := range r.Stages {
		status := "ok"
		if s.Err != nil {
			status = "FAILED"
		}
		fmt.Fprintf(&b, "  %-14s %-6s %s\n", s.Name, status, s.Duration.Round(time.Millisecond))
	}
	for _, t := range r.Targets() {
		switch {
		case t.Err != nil:
			fmt.Fprintf(&b, "  target %-12s FAILED %v\n", t.Target.ABI, firstLine(t.Err.Error()))
		case t.Stripped:
			fmt.Fprintf(&b, "  target %-12s ok     %s (stripped with %s)\n", t.Target.ABI, t.Artifact.Path, t.StripTool)
		default:
			fmt.Fprintf(&b, "  target %-12s ok     %s (unstripped)\n", t.Target.ABI, t.Artifact.Path)
		}
	}
	return b.String()
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
