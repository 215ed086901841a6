package bindrelease

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"

	"go.uber.org/zap"
)

// Stripper removes unneeded symbols from cross-compiled libraries.
//
// Stripping is an optimization, never a correctness requirement. The tool
// is chosen in this order:
//  1. llvm-strip from the NDK, when NDKHome is set and the tool exists
//  2. the system strip, when running on linux and strip is in PATH
//  3. none; the library is left unstripped and a warning is logged
//
// A failing strip tool is also only a warning.
type Stripper struct {
	Runner  CommandRunner
	NDKHome string
	Args    []string
	Skip    bool

	// GOOS defaults to runtime.GOOS.
	GOOS string
	// LookPath defaults to exec.LookPath.
	LookPath func(file string) (string, error)
}

// NewStripper creates a stripper for the configuration.
func NewStripper(cfg *Config, runner CommandRunner) *Stripper {
	return &Stripper{
		Runner:  runner,
		NDKHome: cfg.Cargo.NDKHome,
		Args:    cfg.Strip.Args,
		Skip:    cfg.Strip.Skip,
	}
}

// Tool returns the strip executable to use, or "" when none is available.
func (s *Stripper) Tool() string {
	goos := s.GOOS
	if goos == "" {
		goos = runtime.GOOS
	}
	lookPath := s.LookPath
	if lookPath == nil {
		lookPath = exec.LookPath
	}

	if s.NDKHome != "" {
		tool := filepath.Join(s.NDKHome, "toolchains", "llvm", "prebuilt", ndkHostTag(goos), "bin", "llvm-strip")
		if goos == platformWindows {
			tool += ".exe"
		}
		if info, err := os.Stat(tool); err == nil && !info.IsDir() {
			return tool
		}
	}

	if goos == "linux" {
		if tool, err := lookPath("strip"); err == nil {
			return tool
		}
	}
	return ""
}

// Strip strips path in place. It returns the tool used and whether the
// library was stripped; failures are logged and never returned.
func (s *Stripper) Strip(ctx context.Context, log *zap.Logger, path string) (string, bool) {
	if s.Skip {
		log.Info("symbol stripping disabled", zap.String("path", path))
		return "", false
	}

	tool := s.Tool()
	if tool == "" {
		log.Warn("no strip tool available, leaving library unstripped", zap.String("path", path))
		return "", false
	}

	args := append(append([]string(nil), s.Args...), path)
	output, err := s.Runner.Run(ctx, Command{Name: tool, Args: args, Dir: filepath.Dir(path)})
	if err != nil {
		log.Warn("strip failed, leaving library unstripped",
			zap.String("tool", tool),
			zap.String("path", path),
			zap.Strings("output", output),
			zap.Error(err))
		return tool, false
	}
	return tool, true
}

// ndkHostTag returns the NDK prebuilt directory name for goos. The NDK
// only ships x86_64 host toolchains (run under emulation on arm64 hosts).
func ndkHostTag(goos string) string {
	switch goos {
	case platformDarwin:
		return "darwin-x86_64"
	case platformWindows:
		return "windows-x86_64"
	default:
		return "linux-x86_64"
	}
}
