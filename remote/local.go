package remote

import (
	"bytes"
	"context"
	"os/exec"

	"github.com/projecteru2/core/log"

	"github.com/kvmtools/kvmsync/utils"
)

// LocalRunner executes commands on this machine through `sh -c`, mirroring
// how the SSH runner's commands are interpreted by the remote shell.
type LocalRunner struct {
	procs *utils.ProcessGroup
}

// NewLocal returns a local runner. Commands are registered in procs (when
// non-nil) so an interrupt can terminate their whole process tree.
func NewLocal(procs *utils.ProcessGroup) *LocalRunner {
	return &LocalRunner{procs: procs}
}

func (r *LocalRunner) Label() string { return "local" }

func (r *LocalRunner) Run(ctx context.Context, command string) (string, string, error) {
	log.WithFunc("remote.local").Debugf(ctx, "run: %s", command)

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	var err error
	if r.procs != nil {
		err = r.procs.Run(cmd, command)
	} else {
		err = cmd.Run()
	}
	if ctx.Err() != nil {
		return stdout.String(), stderr.String(), ctx.Err()
	}
	return stdout.String(), stderr.String(), err
}

func (r *LocalRunner) Close() error { return nil }
