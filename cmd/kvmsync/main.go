package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kvmtools/kvmsync/config"
	"github.com/kvmtools/kvmsync/engine"
	"github.com/kvmtools/kvmsync/remote"
	"github.com/kvmtools/kvmsync/types"
	"github.com/kvmtools/kvmsync/utils"
	"github.com/kvmtools/kvmsync/version"
)

// terminateGrace is how long spawned transfers get to exit cleanly after
// an operator interrupt before they are killed.
const terminateGrace = 5 * time.Second

var (
	cfgFile string
	conf    *config.Config
)

var rootCmd = func() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "kvmsync [flags] [vm ...]",
		Short:        "Replicate KVM virtual machines to a remote hypervisor",
		Args:         cobra.ArbitraryArgs,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return initConfig(cmd)
		},
		RunE: runSync,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")

	cmd.Flags().BoolP("checksum", "c", false, "force checksumming")
	cmd.Flags().BoolP("debug", "d", false, "debug mode, show commands without executing")
	cmd.Flags().BoolP("force", "f", false, "overwrite even if files are more recent on destination")
	cmd.Flags().BoolP("poweroff", "p", false, "power off remote system when sync is done")
	cmd.Flags().BoolP("novxsnap", "s", false, "don't use storage snapshots even if supported")
	cmd.Flags().BoolP("test", "t", false, "don't copy, only perform a check test")
	cmd.Flags().BoolP("update", "u", false, "only update if newer files")
	cmd.Flags().String("host", "", "destination host (default: derive from binary name)")
	cmd.Flags().String("dest-host", "", "alias for --host")
	cmd.Flags().BoolP("version", "V", false, "show version information and exit")

	viper.SetEnvPrefix("KVMSYNC")
	viper.AutomaticEnv()

	return cmd
}()

func initConfig(cmd *cobra.Command) error {
	conf = config.DefaultConfig()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}
	_ = viper.ReadInConfig() // optional; missing file is OK

	if err := viper.Unmarshal(conf); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	if err := conf.Validate(); err != nil {
		return err
	}

	if debug, _ := cmd.Flags().GetBool("debug"); debug {
		conf.Log.Level = "debug"
	}

	return log.SetupLog(context.Background(), &conf.Log, "")
}

func runSync(cmd *cobra.Command, args []string) error {
	if showVersion, _ := cmd.Flags().GetBool("version"); showVersion {
		fmt.Print(version.String())
		return nil
	}

	ctx := commandContext(cmd)
	logger := log.WithFunc("main.runSync")

	// Root is required for snapshots and for reading libvirt state, but
	// only after the version check so -V works for anyone.
	if os.Geteuid() != 0 {
		return fmt.Errorf("kvmsync must run as root (try: sudo %s)", strings.Join(os.Args, " "))
	}

	detected, _ := cmd.Flags().GetString("host")
	if detected == "" {
		detected, _ = cmd.Flags().GetString("dest-host")
	}
	if detected != "" {
		logger.Infof(ctx, "using destination host from command line: %s", detected)
	} else {
		var err error
		detected, err = config.DetectHostFromBinary(os.Args[0])
		if err != nil {
			return types.NewExitError(types.ExitPreflight, err)
		}
		logger.Infof(ctx, "destination host derived from binary name: %s", detected)
	}

	host, remoteHost, err := conf.ResolveHost(detected)
	if err != nil {
		return types.NewExitError(types.ExitPreflight, err)
	}
	if err := config.ValidateRemoteHost(remoteHost); err != nil {
		return types.NewExitError(types.ExitPreflight, err)
	}
	logger.Infof(ctx, "remote destination: %s", remoteHost)

	debug, _ := cmd.Flags().GetBool("debug")
	mode := types.ModeLive
	if debug {
		mode = types.ModeDryRun
	}

	checksum, _ := cmd.Flags().GetBool("checksum")
	update, _ := cmd.Flags().GetBool("update")
	verify, _ := cmd.Flags().GetBool("test")
	force, _ := cmd.Flags().GetBool("force")
	novxsnap, _ := cmd.Flags().GetBool("novxsnap")
	poweroff, _ := cmd.Flags().GetBool("poweroff")

	// When the run context dies, give in-flight transfers a grace period
	// and then kill whatever is left of the process group.
	procs := utils.NewProcessGroup()
	stop := context.AfterFunc(ctx, func() {
		procs.TerminateAll(context.WithoutCancel(ctx), terminateGrace)
	})
	defer stop()

	local := remote.NewLocal(procs)
	target := remote.NewSSH(remoteHost, remote.SSHOptions{
		User:    conf.SSHUser,
		Port:    conf.SSHPort,
		KeyFile: conf.SSHKeyFile,
		Cipher:  conf.SSHCipher,
		Timeout: conf.SSHTimeout(),
	})
	defer target.Close()

	eng := engine.New(conf, host, remoteHost, local, target, procs, engine.Options{
		VMs:         args,
		Checksum:    checksum,
		UpdateOnly:  update,
		VerifyOnly:  verify,
		Force:       force,
		NoSnapshots: novxsnap,
		Poweroff:    poweroff,
		Mode:        mode,
	})
	return eng.Run(ctx)
}

func main() {
	ctx, cancel := newCommandContext()
	defer cancel()

	err := rootCmd.ExecuteContext(ctx)
	os.Exit(types.ExitCode(err))
}
