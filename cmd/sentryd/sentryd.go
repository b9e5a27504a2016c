// Command sentryd runs the sentry authorization daemon: it follows an
// upstream Hive metastore's notification log and serves the resulting
// authorization state over HTTP.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/containerd/log"
	"github.com/liang0/sentry/daemon"
	"github.com/liang0/sentry/daemon/config"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

const defaultConfigFile = "/etc/sentry/sentry.json"

// version is overridden at build time through -ldflags.
var version = "dev"

type daemonOptions struct {
	version    bool
	configFile string
	config     *config.Config
	flags      *pflag.FlagSet
}

func newDaemonCommand() *cobra.Command {
	opts := &daemonOptions{
		config: config.New(),
	}
	cmd := &cobra.Command{
		Use:           "sentryd [OPTIONS]",
		Short:         "A metastore-following authorization daemon.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.flags = cmd.Flags()
			return runDaemon(opts)
		},
	}

	flags := cmd.Flags()
	flags.BoolVarP(&opts.version, "version", "v", false, "Print version information and quit")
	flags.StringVar(&opts.configFile, "config-file", defaultConfigFile, "Daemon configuration file")
	installConfigFlags(opts.config, flags)
	return cmd
}

func runDaemon(opts *daemonOptions) error {
	if opts.version {
		fmt.Printf("sentryd version %s\n", version)
		return nil
	}

	cfg, err := loadDaemonConfig(opts)
	if err != nil {
		return err
	}
	if err := setupLogging(cfg); err != nil {
		return err
	}

	if cfg.Pidfile != "" {
		if err := os.WriteFile(cfg.Pidfile, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
			return errors.Wrap(err, "writing pidfile")
		}
		defer os.Remove(cfg.Pidfile)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := daemon.New(ctx, cfg, daemon.Options{})
	if err != nil {
		return err
	}
	log.G(ctx).WithField("version", version).Info("starting sentryd")
	return d.Run(ctx)
}

// loadDaemonConfig merges the configuration file, when present, with the
// command-line flags. A missing file is only an error when --config-file
// was given explicitly.
func loadDaemonConfig(opts *daemonOptions) (*config.Config, error) {
	if _, err := os.Stat(opts.configFile); err != nil {
		if os.IsNotExist(err) && !opts.flags.Changed("config-file") {
			if err := config.Validate(opts.config); err != nil {
				return nil, err
			}
			return opts.config, nil
		}
		return nil, errors.Wrapf(err, "reading configuration file %s", opts.configFile)
	}
	return config.MergeDaemonConfigurations(opts.config, opts.flags, opts.configFile)
}

func setupLogging(cfg *config.Config) error {
	level := logrus.InfoLevel
	if cfg.LogLevel != "" {
		var err error
		level, err = logrus.ParseLevel(cfg.LogLevel)
		if err != nil {
			return errors.Wrapf(err, "unable to parse logging level %q", cfg.LogLevel)
		}
	}
	if cfg.Debug {
		level = logrus.DebugLevel
	}
	logrus.SetLevel(level)

	switch cfg.LogFormat {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{TimestampFormat: log.RFC3339NanoFixed})
	case "", "text":
		logrus.SetFormatter(&logrus.TextFormatter{TimestampFormat: log.RFC3339NanoFixed, FullTimestamp: true})
	default:
		return errors.Errorf("unsupported logging format %q", cfg.LogFormat)
	}
	logrus.SetOutput(os.Stderr)
	return nil
}
