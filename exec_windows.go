//go:build windows

package bindrelease

import "os/exec"

// killProcessGroup keeps the default cancellation, which kills the direct
// child only. WaitDelay still bounds how long Run waits for its output.
func killProcessGroup(*exec.Cmd) {}
