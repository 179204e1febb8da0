package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path"
	"strings"
	"syscall"
	"time"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"

	"github.com/kvmtools/kvmsync/config"
	"github.com/kvmtools/kvmsync/remote"
	"github.com/kvmtools/kvmsync/snapshot"
	"github.com/kvmtools/kvmsync/types"
	"github.com/kvmtools/kvmsync/utils"
	"github.com/kvmtools/kvmsync/version"
)

// terminateGrace is how long spawned commands get to exit cleanly after an
// operator interrupt before they are killed.
const terminateGrace = 5 * time.Second

// The volume manager installs its tools outside the default search path.
var toolPaths = []string{
	"/usr/sbin",
	"/usr/bin",
	"/opt/VRTSvcs/bin",
	"/usr/lib/vxvm/bin",
	"/opt/VRTSvxfs/sbin",
	"/opt/VRTS/bin",
}

var rootCmd = func() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "vxsnap-recycle [flags]",
		Short:        "Run one full storage snapshot create/mount/destroy cycle",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE:         runRecycle,
	}

	cmd.Flags().BoolP("debug", "d", false, "debug mode, show commands without executing")
	cmd.Flags().BoolP("version", "V", false, "show version information and exit")
	cmd.Flags().String("mount", "/shared/kvm0", "filesystem mount to snapshot")
	cmd.Flags().Duration("settle", 5*time.Second, "wait after sync before unmounting")

	return cmd
}()

func runRecycle(cmd *cobra.Command, _ []string) error {
	if showVersion, _ := cmd.Flags().GetBool("version"); showVersion {
		fmt.Print(version.String())
		return nil
	}

	conf := config.DefaultConfig()
	debug, _ := cmd.Flags().GetBool("debug")
	mode := types.ModeLive
	if debug {
		mode = types.ModeDryRun
		conf.Log.Level = "debug"
	}
	if err := log.SetupLog(context.Background(), &conf.Log, ""); err != nil {
		return err
	}

	ctx := cmd.Context()
	logger := log.WithFunc("main.runRecycle")

	if os.Geteuid() != 0 {
		return fmt.Errorf("vxsnap-recycle must run as root (try: sudo %s)", strings.Join(os.Args, " "))
	}

	os.Setenv("PATH", strings.Join(toolPaths, ":")+":"+os.Getenv("PATH"))

	mount, _ := cmd.Flags().GetString("mount")
	settle, _ := cmd.Flags().GetDuration("settle")

	procs := utils.NewProcessGroup()
	stop := context.AfterFunc(ctx, func() {
		procs.TerminateAll(context.WithoutCancel(ctx), terminateGrace)
	})
	defer stop()

	mgr := snapshot.NewManager(remote.NewLocal(procs),
		conf.SnapshotMountPrefix, conf.SnapshotCacheSize, mode)

	var info *snapshot.Info
	if mode.DryRun() {
		// Placeholder identifiers so a dry run works on any machine.
		info = &snapshot.Info{
			DiskGroup:    "nvm01dg",
			SourceVolume: "kvm0_lv",
			SnapVolume:   "kvm0_lv_snapshot",
			SourceMount:  mount,
			MountPoint:   path.Join(conf.SnapshotMountPrefix, "kvm0_lv_snapshot"),
		}
	} else {
		var err error
		if info, err = mgr.ResolveMount(ctx, mount); err != nil {
			return fmt.Errorf("resolve %s: %w", mount, err)
		}
	}

	logger.Infof(ctx, "disk group: %s", info.DiskGroup)
	logger.Infof(ctx, "logical volume: %s", info.SourceVolume)
	logger.Infof(ctx, "snapshot volume: %s", info.SnapVolume)
	logger.Infof(ctx, "snapshot mount point: %s", info.MountPoint)

	return mgr.Recycle(ctx, info, settle)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	err := rootCmd.ExecuteContext(ctx)
	os.Exit(types.ExitCode(err))
}
