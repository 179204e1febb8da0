package transfer

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/projecteru2/core/log"
)

// CopyToolchain mirrors the directory this binary runs from to the
// canonical scripts location beside the remote images directory, so the
// destination always carries tooling matching the source and can push back.
func (e *Engine) CopyToolchain(ctx context.Context, imagesDstDir string) error {
	logger := log.WithFunc("transfer.CopyToolchain")

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate own binary: %w", err)
	}
	srcDir := filepath.Dir(exe)
	destDir := path.Join(path.Dir(imagesDstDir), "scripts")

	if e.opts.Mode.DryRun() {
		logger.Infof(ctx, "dry-run: would copy %s to %s", srcDir, e.target(destDir))
		return nil
	}
	logger.Infof(ctx, "copying tools to %s...", e.target(destDir))

	args := append(e.baseArgs(), srcDir+"/", e.target(destDir)+"/")
	if err := e.runRsync(ctx, args); err != nil {
		return fmt.Errorf("copy tools to %s: %w", e.target(destDir), err)
	}
	return nil
}
