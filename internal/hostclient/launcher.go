package hostclient

import (
	"context"
	"errors"
	"os"
	"os/exec"

	"github.com/Sponsorn/streamloop/internal/logging"
)

// OSLauncher is the default Launcher: it spawns the host process detached
// via argv-style exec.Command (never a shell), checks for an already-
// running instance with pgrep, and clears a crash-sentinel file. Per
// spec §9, every invocation binds parameters as an array — no shell
// string concatenation of config paths or process names.
type OSLauncher struct{}

// IsRunning reports whether a process matching imageName is running,
// using pgrep. Best-effort: a platform without pgrep reports false
// rather than erroring, consistent with spec §9's "optional extension
// point" treatment of platform-specific process probing.
func (OSLauncher) IsRunning(ctx context.Context, imageName string) (bool, error) {
	cmd := exec.CommandContext(ctx, "pgrep", "-x", imageName)
	err := cmd.Run()
	if err == nil {
		return true, nil
	}
	if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
		return false, nil
	}
	if _, ok := err.(*exec.Error); ok {
		log := logging.WithComponent("hostclient")
		log.Debug().Msg("pgrep unavailable, assuming host process not running")
		return false, nil
	}
	return false, err
}

// Launch spawns executablePath detached with workDir as its working
// directory and args appended verbatim (never shell-expanded).
func (OSLauncher) Launch(ctx context.Context, executablePath, workDir string, args []string) error {
	cmd := exec.Command(executablePath, args...)
	cmd.Dir = workDir
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	return cmd.Start()
}

// ClearCrashSentinel removes the sentinel file if present. A missing file
// is not an error — there may be no prior crash to clear.
func (OSLauncher) ClearCrashSentinel(path string) error {
	if path == "" {
		return nil
	}
	err := os.Remove(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
