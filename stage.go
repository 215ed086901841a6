package bindrelease

import "context"

// Stage defines the interface that every pipeline stage implements.
//
// Each stage wraps one delegated step of the release (cargo, the binding
// generator, the module build system, git) and records what it produced on
// the shared Run so later stages can consume it.
//
// # Stage Lifecycle
//
//  1. RequiredTools() - If the stage implements ToolChecker, the pipeline
//     verifies its executables before running it
//  2. Run() - Clears the stage's own outputs, invokes the external tool and
//     checks that the expected files exist
//
// # Example Implementation
//
//	type EchoStage struct{}
//
//	func (s *EchoStage) Name() string {
//	    return "echo"
//	}
//
//	func (s *EchoStage) Run(ctx context.Context, run *Run) error {
//	    run.Log.Info("hello", zap.String("run_id", run.ID))
//	    return nil
//	}
//
// # Thread Safety
//
// Stages are run one at a time. A stage may fan out internally (the
// cross-target compiler does) but must not retain the Run after returning.
type Stage interface {
	// Name returns the stage name used in logs, metrics and errors.
	Name() string

	// Run executes the stage.
	//
	// Returning an error aborts the pipeline: no later stage runs.
	Run(ctx context.Context, run *Run) error
}
