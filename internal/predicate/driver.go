// Package predicate runs the user-supplied is-interesting? predicate
// against a single candidate file in a fresh, private scratch directory,
// with a wall-clock timeout that kills the whole process group.
package predicate

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
)

// Driver runs predicate invocations against a fixed predicate binary.
type Driver struct {
	binPath     string
	scratchRoot string
	timeout     time.Duration
}

// New creates a Driver for the predicate binary at binPath. Each invocation
// gets a fresh scratch directory under scratchRoot, named with a uuid so
// concurrent workers never alias.
func New(binPath, scratchRoot string, timeout time.Duration) *Driver {
	return &Driver{binPath: binPath, scratchRoot: scratchRoot, timeout: timeout}
}

// Judge runs the predicate against candidatePath and reports whether the
// verdict is interesting. Exit 0 = interesting; any non-zero exit, signal,
// or timeout = uninteresting; timeouts are not errors.
func (d *Driver) Judge(ctx context.Context, candidatePath string) (interesting bool, err error) {
	scratch := filepath.Join(d.scratchRoot, "predicate-"+uuid.New().String())
	if err := os.MkdirAll(scratch, 0o755); err != nil {
		return false, err
	}
	defer os.RemoveAll(scratch)

	runCtx := ctx
	var cancel context.CancelFunc
	if d.timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, d.binPath, candidatePath)
	cmd.Dir = scratch
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	// Stdout/stderr are ignored; only the exit status carries the verdict.

	runErr := cmd.Run()
	if runCtx.Err() != nil {
		// Either the per-invocation timeout expired or the run's own
		// context was canceled (SIGINT); either way, reap the whole
		// process group, not just the predicate's own pid.
		d.killGroup(cmd)
		return false, nil
	}
	if runErr == nil {
		return true, nil
	}
	// Non-zero exit or signal: uninteresting, not an orchestrator error.
	return false, nil
}

// killGroup sends SIGKILL to the whole process group so that children the
// predicate spawned are reaped too, not just the predicate process itself.
func (d *Driver) killGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
}
