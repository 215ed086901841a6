package bindrelease

import (
	"time"

	"go.uber.org/zap"
)

// HostTarget tags artifacts built for the machine running the pipeline.
const HostTarget = "host"

// ArtifactKind classifies a produced file.
type ArtifactKind string

const (
	KindSharedLibrary ArtifactKind = "shared-library"
	KindExecutable    ArtifactKind = "executable"
	KindBundle        ArtifactKind = "bundle"
)

// BuildTarget identifies one cross-compilation destination.
//
// ABI is the Android ABI directory name (e.g. "arm64-v8a") and Triple is
// the Rust toolchain triple producing it (e.g. "aarch64-linux-android").
// Targets are read once from configuration and never modified.
type BuildTarget struct {
	ABI    string `yaml:"abi"`
	Triple string `yaml:"triple"`
}

// Artifact is a produced binary tagged with the target it was built for.
//
// Target is either a BuildTarget ABI or HostTarget. MIME is the sniffed
// content type, filled in when the artifact is verified.
type Artifact struct {
	Kind   ArtifactKind
	Target string
	Path   string
	MIME   string
}

// TargetResult contains the outcome of one cross-target build.
//
// After the cross-compile stage completes, every configured target has
// exactly one TargetResult:
//   - Artifact is set when the shared library was produced
//   - Stripped and StripTool describe the best-effort symbol stripping
//   - Err is set when the target failed (or was cancelled)
type TargetResult struct {
	Target    BuildTarget
	Artifact  *Artifact
	Stripped  bool
	StripTool string
	Output    []string
	Err       error
	Duration  time.Duration
}

// Succeeded reports whether the target produced its library.
func (r *TargetResult) Succeeded() bool {
	return r != nil && r.Err == nil && r.Artifact != nil
}

// ReleaseMetadata describes one published version and the version index
// it belongs to.
//
// Versions is always derived from the registry directory listing, so the
// current Version appears in it exactly once and Latest and Release both
// equal Version.
type ReleaseMetadata struct {
	GroupID     string
	ArtifactID  string
	Version     string
	Latest      string
	Release     string
	Versions    []string
	LastUpdated time.Time

	BundlePath   string // registry copy of the bundle
	PomPath      string
	MetadataPath string
}

// Run is the state of one pipeline invocation, shared by every stage.
//
// Stages read what earlier stages produced and record their own outputs.
// A Run is owned by a single pipeline execution and must not be shared.
type Run struct {
	ID      string
	Config  *Config
	Log     *zap.Logger
	Metrics *Metrics // may be nil

	HostLibrary *Artifact
	Generator   *Artifact
	GlueDir     string
	GlueFiles   []string
	Targets     []*TargetResult
	Layout      *ModuleLayout
	Bundle      *Artifact
	StagingDir  string
	Release     *ReleaseMetadata
	Published   *PublishResult
}

// SucceededTargets returns the target results that produced a library,
// in configuration order.
func (r *Run) SucceededTargets() []*TargetResult {
	var ok []*TargetResult
	for _, result := range r.Targets {
		if result.Succeeded() {
			ok = append(ok, result)
		}
	}
	return ok
}
