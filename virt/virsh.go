package virt

import (
	"context"
	"fmt"
	"strings"

	"github.com/kvmtools/kvmsync/remote"
)

// RemoteToolPath prefixes remote commands so NAS hosts with Entware layouts
// resolve virsh and friends.
const RemoteToolPath = "PATH=/bin:/opt/bin"

// RunningVMs returns the names of all running domains with a single list
// query. pathPrefix, when non-empty, is prepended as an environment
// assignment for the remote shell.
func RunningVMs(ctx context.Context, r remote.Runner, pathPrefix string) ([]string, error) {
	cmd := "virsh list --name"
	if pathPrefix != "" {
		cmd = pathPrefix + " " + cmd
	}
	stdout, stderr, err := r.Run(ctx, cmd)
	if err != nil {
		return nil, fmt.Errorf("list running domains on %s: %w (%s)",
			r.Label(), err, strings.TrimSpace(stderr))
	}

	var names []string
	for _, line := range strings.Split(stdout, "\n") {
		if name := strings.TrimSpace(line); name != "" {
			names = append(names, name)
		}
	}
	return names, nil
}
