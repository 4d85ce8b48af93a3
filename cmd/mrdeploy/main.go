package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/loykin/mrdeploy/internal/config"
)

func main() {
	if err := buildRoot().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRoot() *cobra.Command {
	var gf GlobalFlags
	root := &cobra.Command{
		Use:   "mrdeploy",
		Short: "Continuous deploy daemon and its supervisor",
		Long: `mrdeploy watches a repository branch and deploys every new changeset,
refusing changes to cross-version files until a human forces a deploy.

Examples:
  mrdeploy supervise --config=mrdeploy.toml
  mrdeploy daemon -d --config=mrdeploy.toml
  mrdeploy restart
  mrdeploy retry`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&gf.ConfigPath, "config", "", "path to the TOML configuration file")

	root.AddCommand(
		daemonCmd(&gf),
		superviseCmd(&gf),
		statusCmd(&gf),
		pleaseCmd(&gf, "start", "Start the deploy daemon"),
		pleaseCmd(&gf, "stop", "Stop the deploy daemon"),
		pleaseCmd(&gf, "restart", "Restart the deploy daemon"),
		pleaseCmd(&gf, "retry", "Restart the deploy daemon with one forced deploy"),
		initConfigCmd(),
	)
	return root
}

func daemonCmd(gf *GlobalFlags) *cobra.Command {
	var f DaemonFlags
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the deploy daemon poll loop",
		Long: `Poll the configured branch and deploy new changesets.

Examples:
  mrdeploy daemon                 # poll forever
  mrdeploy daemon -d              # deploy the current tip once and exit
  mrdeploy daemon --force -n      # force the first iteration, no chat messages`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(gf.ConfigPath)
			if err != nil {
				return err
			}
			return runDaemon(cmd.Context(), cfg, f)
		},
	}
	cmd.Flags().BoolVarP(&f.DeployAndQuit, "deploy-and-quit", "d", false, "deploy once (forced) and exit")
	cmd.Flags().BoolVarP(&f.NoNotify, "no-notify", "n", false, "do not send chat notifications")
	cmd.Flags().BoolVar(&f.Force, "force", false, "force the first iteration even without new changesets")
	cmd.Flags().StringVar(&f.MetricsListen, "metrics-listen", "", "address to serve /metrics on (empty: off)")
	return cmd
}

func superviseCmd(gf *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "supervise",
		Short: "Supervise the daemon and serve the relay API",
		Long: `Run the daemon as a child process, relay its output and status,
persist its log and accept start/stop/restart/retry commands.

Examples:
  mrdeploy supervise --config=/etc/mrdeploy.toml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(gf.ConfigPath)
			if err != nil {
				return err
			}
			return runSupervise(cmd.Context(), cfg, gf.ConfigPath)
		},
	}
}

func statusCmd(gf *GlobalFlags) *cobra.Command {
	var f ClientFlags
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show whether the deploy daemon is running",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := newClientFromFlags(gf, f)
			if err != nil {
				return err
			}
			st, err := c.Status()
			if err != nil {
				return err
			}
			printStatus(cmd.OutOrStdout(), st)
			return nil
		},
	}
	bindClientFlags(cmd, &f)
	return cmd
}

func pleaseCmd(gf *GlobalFlags, name, short string) *cobra.Command {
	var f ClientFlags
	cmd := &cobra.Command{
		Use:   name,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := newClientFromFlags(gf, f)
			if err != nil {
				return err
			}
			st, err := c.Please(name)
			if err != nil {
				return err
			}
			printStatus(cmd.OutOrStdout(), st)
			return nil
		},
	}
	bindClientFlags(cmd, &f)
	return cmd
}

func initConfigCmd() *cobra.Command {
	var f InitFlags
	cmd := &cobra.Command{
		Use:   "init-config",
		Short: "Write an example configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := initConfig(f); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", f.Path)
			return nil
		},
	}
	cmd.Flags().StringVar(&f.Path, "path", "mrdeploy.toml", "where to write the configuration")
	cmd.Flags().BoolVar(&f.Force, "force", false, "overwrite an existing file")
	return cmd
}

func bindClientFlags(cmd *cobra.Command, f *ClientFlags) {
	cmd.Flags().StringVar(&f.APIUrl, "api-url", "", "API base URL (default: from server.listen and server.base_path)")
	cmd.Flags().DurationVar(&f.APITimeout, "api-timeout", 0, "API request timeout")
	cmd.Flags().StringVar(&f.Username, "username", "", "basic auth user (default: server.username)")
	cmd.Flags().StringVar(&f.Password, "password", "", "basic auth password (default: server.password)")
}

func initConfig(f InitFlags) error {
	if !f.Force {
		if _, err := os.Stat(f.Path); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", f.Path)
		}
	}
	return config.WriteExample(f.Path)
}
