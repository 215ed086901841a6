package bindrelease

import (
	"fmt"
	"os/exec"
	"strings"
)

// ToolChecker is an optional interface for stages that require external tools.
//
// The pipeline passes RequiredTools to CheckRequiredTools before running a
// stage that implements it, so a missing executable aborts the run with a
// diagnostic naming the tool instead of failing halfway through a build.
//
// # Example Implementation
//
//	func (s *CrossCompiler) RequiredTools(cfg *Config) []ToolRequirement {
//	    return []ToolRequirement{
//	        {Name: cfg.Cargo.Bin, Purpose: "Rust package manager"},
//	        {Name: "cargo-ndk", Purpose: "Android NDK cargo wrapper"},
//	    }
//	}
//
// # Thread Safety
//
// Implementations should be thread-safe as they may be called concurrently.
type ToolChecker interface {
	// RequiredTools returns the list of tools the stage needs for cfg.
	RequiredTools(cfg *Config) []ToolRequirement
}

// ToolRequirement describes a build tool dependency.
//
// This structure allows stages to declare:
//   - Required tools (must be available)
//   - Optional tools (nice to have, but not required)
//   - Alternative tools (any one of several tools can satisfy the requirement)
//
// Tool with alternatives:
//
//	ToolRequirement{
//	    Name: "gradle",
//	    Alternatives: []string{"./gradlew"},
//	    Purpose: "Android module build",
//	}
type ToolRequirement struct {
	// Name is the primary tool binary name or path (e.g., "cargo").
	Name string

	// Alternatives are tool names that can satisfy this requirement.
	Alternatives []string

	// Optional tools are checked but never cause an error.
	Optional bool

	// Purpose is a human-readable description of why this tool is needed.
	Purpose string
}

// CheckToolAvailable checks if a tool is available in the system PATH.
//
// Names containing a path separator are checked as paths, which is how
// tools built earlier in the run (such as the binding generator) are found.
//
// Returns nil if the tool is found, or an error wrapping ErrToolMissing.
func CheckToolAvailable(tool string) error {
	if _, err := exec.LookPath(tool); err != nil {
		return fmt.Errorf("%w: %s not found in PATH", ErrToolMissing, tool)
	}
	return nil
}

// CheckRequiredTools verifies all required tools are available.
//
// # Behavior
//
//   - Checks the primary tool name first
//   - If not found, tries each alternative tool in order
//   - Optional tools are checked but don't cause errors
//   - Returns all missing required tools in a single error
//
// # Error Format
//
// Single missing tool:
//
//	required tool missing: cargo not found in PATH (required for: Rust package manager)
//
// Multiple missing tools:
//
//	required tool missing: cargo (Rust package manager), gradle (Android module build)
//
// # Thread Safety
//
// This function is thread-safe and can be called concurrently.
func CheckRequiredTools(requirements []ToolRequirement) error {
	var missing []ToolRequirement

	for _, req := range requirements {
		found := CheckToolAvailable(req.Name) == nil

		if !found {
			for _, alt := range req.Alternatives {
				if CheckToolAvailable(alt) == nil {
					found = true
					break
				}
			}
		}

		if !found && !req.Optional {
			missing = append(missing, req)
		}
	}

	switch len(missing) {
	case 0:
		return nil
	case 1:
		if missing[0].Purpose != "" {
			return fmt.Errorf("%w: %s not found in PATH (required for: %s)", ErrToolMissing, missing[0].Name, missing[0].Purpose)
		}
		return fmt.Errorf("%w: %s not found in PATH", ErrToolMissing, missing[0].Name)
	}

	names := make([]string, 0, len(missing))
	for _, req := range missing {
		if req.Purpose != "" {
			names = append(names, fmt.Sprintf("%s (%s)", req.Name, req.Purpose))
		} else {
			names = append(names, req.Name)
		}
	}
	return fmt.Errorf("%w: %s", ErrToolMissing, strings.Join(names, ", "))
}
