package bindrelease

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrToolMissing is returned when a required executable is not available.
	ErrToolMissing = errors.New("required tool missing")

	// ErrArtifactMissing is returned when a delegated step finished but the
	// file it should have produced does not exist.
	ErrArtifactMissing = errors.New("expected artifact missing")

	// ErrMetadataMissing is returned when the host library does not export
	// any interface-metadata symbol.
	ErrMetadataMissing = errors.New("interface metadata symbols missing")

	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("invalid configuration")
)

// StageError is a failure of one pipeline stage, carrying the captured
// output of the external tool involved (if any).
type StageError struct {
	Stage  string
	Output []string
	Err    error
}

// Error formats the failure with the tool output appended.
//
// With output:
//
//	bindgen failed: exit status 1
//
//	Tool output:
//	error: failed to load library
//
// Without output only the first line is produced.
func (e *StageError) Error() string {
	var prefix string
	if e.Err != nil {
		prefix = fmt.Sprintf("%s failed: %v", e.Stage, e.Err)
	} else {
		prefix = fmt.Sprintf("%s failed", e.Stage)
	}

	output := strings.TrimSpace(strings.Join(e.Output, "\n"))
	if output == "" {
		return prefix
	}
	return fmt.Sprintf("%s\n\nTool output:\n%s", prefix, output)
}

// Unwrap returns the underlying error so callers can match sentinels.
func (e *StageError) Unwrap() error {
	return e.Err
}

// stageError wraps err for the named stage. A nil err yields nil.
func stageError(stage string, output []string, err error) error {
	if err == nil {
		return nil
	}
	var existing *StageError
	if errors.As(err, &existing) && existing.Stage == stage {
		return err
	}
	return &StageError{Stage: stage, Output: output, Err: err}
}

// missingArtifact builds an ErrArtifactMissing error naming path.
func missingArtifact(what, path string) error {
	return fmt.Errorf("%w: %s not found at %s", ErrArtifactMissing, what, path)
}
