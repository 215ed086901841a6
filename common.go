package bindrelease

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/magefile/mage/sh"
	"go.uber.org/zap"
)

// Command is one external tool invocation.
type Command struct {
	Name string
	Args []string
	Dir  string
	Env  map[string]string // added on top of the process environment
}

// String renders the command line for logs.
func (c Command) String() string {
	if len(c.Args) == 0 {
		return c.Name
	}
	return c.Name + " " + strings.Join(c.Args, " ")
}

// CommandRunner executes external tools. Every delegated step of the
// pipeline goes through a CommandRunner so tests can replace the toolchain.
type CommandRunner interface {
	// Run blocks until the command exits and returns its combined output
	// split into lines. A non-zero exit is returned as an error.
	Run(ctx context.Context, cmd Command) ([]string, error)
}

// cancelWaitDelay bounds how long Run waits for output after the command
// was killed on cancellation.
const cancelWaitDelay = 5 * time.Second

// ExecRunner runs commands as subprocesses.
//
// Cancelling the context kills the command together with every process it
// started (on unix, its process group) and Run returns the context error.
type ExecRunner struct {
	Log *zap.Logger
}

// Run implements CommandRunner.
func (r *ExecRunner) Run(ctx context.Context, cmd Command) ([]string, error) {
	log := r.Log
	if log == nil {
		log = zap.NewNop()
	}

	//nolint:gosec // commands come from the pipeline configuration
	c := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	c.Dir = cmd.Dir
	c.Env = mergeEnv(os.Environ(), cmd.Env)
	killProcessGroup(c)
	// Descendants that survive the kill may hold the output pipe open.
	c.WaitDelay = cancelWaitDelay

	log.Debug("running command", zap.String("cmd", cmd.String()), zap.String("dir", cmd.Dir))

	output, err := c.CombinedOutput()
	lines := splitLines(output)

	if errors.Is(err, exec.ErrWaitDelay) && ctx.Err() == nil {
		// The command succeeded; a background process it left behind kept
		// the output pipe open.
		log.Warn("output still held open after exit", zap.String("cmd", cmd.String()))
		err = nil
	}
	if err != nil {
		if !sh.CmdRan(err) {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return lines, ctxErr
			}
			return lines, fmt.Errorf("%w: %s: %v", ErrToolMissing, cmd.Name, err)
		}
		return lines, fmt.Errorf("%s exited with status %d: %w", cmd.Name, sh.ExitStatus(err), err)
	}
	return lines, nil
}

// invocation is the prepare -> run -> verify pattern shared by every
// delegated build step: clear the outputs, run the tool once, then check
// that the expected files exist. The tool's output is never parsed.
type invocation struct {
	stage   string
	prepare func() error
	command Command
	verify  func() error
}

// runInvocation executes inv and returns the captured tool output.
// Failures of any step are returned as a *StageError for inv.stage.
func runInvocation(ctx context.Context, runner CommandRunner, inv invocation) ([]string, error) {
	if inv.prepare != nil {
		if err := inv.prepare(); err != nil {
			return nil, stageError(inv.stage, nil, err)
		}
	}

	output, err := runner.Run(ctx, inv.command)
	if err != nil {
		return output, stageError(inv.stage, output, err)
	}

	if inv.verify != nil {
		if err := inv.verify(); err != nil {
			return output, stageError(inv.stage, output, err)
		}
	}
	return output, nil
}

// mergeEnv appends extra to base in sorted key order. Later entries win
// when the child process resolves duplicates.
func mergeEnv(base []string, extra map[string]string) []string {
	env := append([]string(nil), base...)
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}

func splitLines(output []byte) []string {
	var lines []string
	scanner := bufio.NewScanner(bytes.NewReader(output))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines
}
