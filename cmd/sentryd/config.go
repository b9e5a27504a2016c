package main

import (
	"github.com/liang0/sentry/daemon/config"
	"github.com/spf13/pflag"
)

// installConfigFlags adds one flag per configuration option; flag names
// match the config file's JSON keys so the merge can detect conflicts.
func installConfigFlags(conf *config.Config, flags *pflag.FlagSet) {
	flags.BoolVar(&conf.Debug, "debug", conf.Debug, "Enable debug mode")
	flags.StringVar(&conf.LogLevel, "log-level", conf.LogLevel, `Logging level ("debug"|"info"|"warn"|"error"|"fatal")`)
	flags.StringVar(&conf.LogFormat, "log-format", conf.LogFormat, `Logging format ("text"|"json")`)
	flags.StringVar(&conf.Pidfile, "pidfile", conf.Pidfile, "Path to use for daemon PID file")
	flags.StringVar(&conf.Root, "data-root", conf.Root, "Root directory of persistent sentry state")

	flags.StringVar(&conf.ListenAddr, "listen-addr", conf.ListenAddr, "Address the API server listens on")
	flags.StringVar(&conf.MetastoreAddr, "metastore-addr", conf.MetastoreAddr, "Upstream metastore endpoint")

	flags.StringVar(&conf.ServerNameKey, "server-name", conf.ServerNameKey, "Authorization server name")
	flags.StringVar(&conf.ServerNameDeprecated, "server-name-deprecated", conf.ServerNameDeprecated, "Authorization server name (deprecated key)")
	flags.MarkDeprecated("server-name-deprecated", "use --server-name instead")

	flags.BoolVar(&conf.HDFSSync, "hdfs-sync", conf.HDFSSync, "Maintain the HDFS path image")
	flags.BoolVar(&conf.FullUpdateSubscribe, "full-update-subscribe", conf.FullUpdateSubscribe, "Subscribe to force-refresh requests")

	flags.IntVar(&conf.PollIntervalMs, "poll-interval-ms", conf.PollIntervalMs, "Follower tick period in milliseconds")
	flags.IntVar(&conf.FetchBatchSize, "fetch-batch-size", conf.FetchBatchSize, "Maximum notifications requested per fetch")
	flags.IntVar(&conf.FetcherCacheSize, "fetcher-cache-size", conf.FetcherCacheSize, "Size of the fetcher's duplicate-id cache")
	flags.IntVar(&conf.PurgeIntervalMs, "purge-interval-ms", conf.PurgeIntervalMs, "Notification purge period in milliseconds")
	flags.IntVar(&conf.PurgeKeep, "purge-keep", conf.PurgeKeep, "Processed notification records kept by the purger")
}
