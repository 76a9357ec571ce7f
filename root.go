package main

import (
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"alacrite/config"
	"alacrite/logging"
)

// cliFlags holds the persistent flags shared by every subcommand. A flag only
// overrides config.json and ALACRITE_* values when it was set explicitly.
type cliFlags struct {
	udpPort   int
	wsPort    int
	logLevel  string
	logFormat string
	local     string
	dataDir   string
}

type appEnv struct {
	cfg     *config.Config
	cfgPath string
	dataDir string
	logger  zerolog.Logger
}

func newRootCmd() *cobra.Command {
	flags := &cliFlags{}
	rootRun := &runFlags{}

	root := &cobra.Command{
		Use:   "alacrite",
		Short: "Pair with a peer on the local network",
		Long: "Find peers on the local network over UDP broadcast, negotiate who dials whom, " +
			"and keep one WebSocket session alive with heartbeats.",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCommand(cmd, flags, rootRun)
		},
	}

	pf := root.PersistentFlags()
	pf.IntVarP(&flags.udpPort, "udp-port", "u", config.DefaultDiscoveryPort, "UDP discovery port")
	pf.IntVarP(&flags.wsPort, "ws-port", "w", config.DefaultSessionPort, "WebSocket session port")
	pf.StringVarP(&flags.logLevel, "log-level", "l", config.DefaultLogLevel, "Log level: trace|debug|info|warn|error")
	pf.StringVar(&flags.logFormat, "log-format", config.DefaultLogFormat, "Log format: console|json")
	pf.StringVar(&flags.local, "local", "", "Connect straight to host:port, skipping discovery")
	pf.StringVar(&flags.dataDir, "data-dir", "", "Data directory (overrides "+config.EnvDataDir+")")

	addRunFlags(root, rootRun)

	root.AddCommand(
		newRunCmd(flags),
		newPeersCmd(flags),
		newHistoryCmd(flags),
		newKeyCmd(flags),
		newConfigCmd(flags),
	)
	return root
}

// loadEnv resolves config with precedence flags > environment > config.json.
func loadEnv(cmd *cobra.Command, flags *cliFlags) (*appEnv, error) {
	dataDir, err := config.ResolveDataDir(flags.dataDir)
	if err != nil {
		return nil, err
	}

	cfg, cfgPath, err := config.LoadOrCreate(dataDir)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, fmt.Errorf("environment override: %w", err)
	}

	if changed(cmd, "udp-port") {
		cfg.DiscoveryPort = flags.udpPort
	}
	if changed(cmd, "ws-port") {
		cfg.SessionPort = flags.wsPort
	}
	if changed(cmd, "log-level") {
		cfg.LogLevel = flags.logLevel
	}
	if changed(cmd, "log-format") {
		cfg.LogFormat = flags.logFormat
	}
	if changed(cmd, "local") {
		cfg.Local = flags.local
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := logging.New(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, err
	}

	return &appEnv{cfg: cfg, cfgPath: cfgPath, dataDir: dataDir, logger: logger}, nil
}

func changed(cmd *cobra.Command, name string) bool {
	flag := cmd.Flag(name)
	return flag != nil && flag.Changed
}

func newConfigCmd(flags *cliFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := loadEnv(cmd, flags)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "# %s\n", env.cfgPath)
			if env.cfg.Local != "" {
				fmt.Fprintf(out, "# local peer override: %s\n", env.cfg.Local)
			}
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(env.cfg)
		},
	}
}
