// Package config provides the sentryd configuration: one struct whose JSON
// tags match the daemon's flag names, loadable from sentry.json and
// mergeable with command-line flags.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"os"
	"reflect"
	"sort"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
)

const (
	// DefaultServerName is the authorization server name assumed when
	// neither server-name key is configured.
	DefaultServerName = "HS2"

	// DefaultPollIntervalMs is the follower tick period.
	DefaultPollIntervalMs = 500

	// DefaultFetchBatchSize caps the notifications requested per fetch.
	DefaultFetchBatchSize = 1000

	// DefaultFetcherCacheSize bounds the fetcher's duplicate-id cache.
	DefaultFetcherCacheSize = 100

	// DefaultMetastoreAddr is the upstream metastore endpoint.
	DefaultMetastoreAddr = "http://127.0.0.1:9083"

	// DefaultListenAddr is the admin API listener.
	DefaultListenAddr = "127.0.0.1:8038"

	// DefaultDataRoot holds the bolt database.
	DefaultDataRoot = "/var/lib/sentry"

	// DefaultPurgeIntervalMs is the notification purge period.
	DefaultPurgeIntervalMs = 60000

	// DefaultPurgeKeep is how many processed notification rows the purger
	// leaves behind.
	DefaultPurgeKeep = 10000
)

// Config defines the configuration of the sentry daemon. Field JSON tags
// double as the flag names installed by cmd/sentryd.
type Config struct {
	Debug     bool   `json:"debug,omitempty"`
	LogLevel  string `json:"log-level,omitempty"`
	LogFormat string `json:"log-format,omitempty"`
	Pidfile   string `json:"pidfile,omitempty"`
	Root      string `json:"data-root,omitempty"`

	ListenAddr    string `json:"listen-addr,omitempty"`
	MetastoreAddr string `json:"metastore-addr,omitempty"`

	ServerNameKey        string `json:"server-name,omitempty"`
	ServerNameDeprecated string `json:"server-name-deprecated,omitempty"`

	HDFSSync            bool `json:"hdfs-sync"`
	FullUpdateSubscribe bool `json:"full-update-subscribe,omitempty"`

	PollIntervalMs   int `json:"poll-interval-ms,omitempty"`
	FetchBatchSize   int `json:"fetch-batch-size,omitempty"`
	FetcherCacheSize int `json:"fetcher-cache-size,omitempty"`
	PurgeIntervalMs  int `json:"purge-interval-ms,omitempty"`
	PurgeKeep        int `json:"purge-keep,omitempty"`
}

// New returns a Config with the daemon defaults applied.
func New() *Config {
	return &Config{
		Root:             DefaultDataRoot,
		ListenAddr:       DefaultListenAddr,
		MetastoreAddr:    DefaultMetastoreAddr,
		HDFSSync:         true,
		PollIntervalMs:   DefaultPollIntervalMs,
		FetchBatchSize:   DefaultFetchBatchSize,
		FetcherCacheSize: DefaultFetcherCacheSize,
		PurgeIntervalMs:  DefaultPurgeIntervalMs,
		PurgeKeep:        DefaultPurgeKeep,
	}
}

// ServerName resolves the authorization server name: the current key wins,
// then the deprecated one, then the hard default.
func (c *Config) ServerName() string {
	if c.ServerNameKey != "" {
		return c.ServerNameKey
	}
	if c.ServerNameDeprecated != "" {
		return c.ServerNameDeprecated
	}
	return DefaultServerName
}

// UsesDeprecatedServerName reports whether the resolved server name comes
// from the legacy key, so the daemon can warn once at startup.
func (c *Config) UsesDeprecatedServerName() bool {
	return c.ServerNameKey == "" && c.ServerNameDeprecated != ""
}

// PollInterval returns the follower tick period.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// PurgeInterval returns the notification purge period.
func (c *Config) PurgeInterval() time.Duration {
	return time.Duration(c.PurgeIntervalMs) * time.Millisecond
}

// Validate rejects configurations the daemon cannot run with.
func Validate(c *Config) error {
	if c.PollIntervalMs <= 0 {
		return errors.Errorf("invalid poll interval: %d", c.PollIntervalMs)
	}
	if c.FetchBatchSize <= 0 {
		return errors.Errorf("invalid fetch batch size: %d", c.FetchBatchSize)
	}
	if c.FetcherCacheSize <= 0 {
		return errors.Errorf("invalid fetcher cache size: %d", c.FetcherCacheSize)
	}
	if c.PurgeIntervalMs <= 0 {
		return errors.Errorf("invalid purge interval: %d", c.PurgeIntervalMs)
	}
	if c.PurgeKeep < 0 {
		return errors.Errorf("invalid purge keep count: %d", c.PurgeKeep)
	}
	if c.Root == "" {
		return errors.New("data-root cannot be empty")
	}
	if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
		return errors.Wrapf(err, "invalid listen address %s", c.ListenAddr)
	}
	u, err := url.Parse(c.MetastoreAddr)
	if err != nil {
		return errors.Wrapf(err, "invalid metastore address %s", c.MetastoreAddr)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.Errorf("unsupported metastore address scheme %q", u.Scheme)
	}
	return nil
}

// MergeDaemonConfigurations reads configFile and merges flagsConfig on top:
// keys set in the file win over flag defaults, an option set both in the
// file and as a changed flag is a conflict, and unknown file keys are
// rejected.
func MergeDaemonConfigurations(flagsConfig *Config, flags *pflag.FlagSet, configFile string) (*Config, error) {
	fileConfig, raw, err := loadFile(configFile)
	if err != nil {
		return nil, err
	}
	if err := findUnknownKeys(raw); err != nil {
		return nil, err
	}
	if flags != nil {
		if err := findConfigurationConflicts(raw, flags); err != nil {
			return nil, err
		}
	}
	if err := mergo.Merge(fileConfig, flagsConfig); err != nil {
		return nil, err
	}
	// mergo cannot tell "set to false" from "unset"; booleans present in
	// the file beat flag defaults.
	applyFileBooleans(fileConfig, raw)

	if err := Validate(fileConfig); err != nil {
		return nil, errors.Wrap(err, "merged configuration validation failed")
	}
	return fileConfig, nil
}

func loadFile(configFile string) (*Config, map[string]interface{}, error) {
	b, err := os.ReadFile(configFile)
	if err != nil {
		return nil, nil, err
	}
	// Strip a UTF-8 byte order mark some editors prepend.
	b = bytes.TrimPrefix(b, []byte("\xef\xbb\xbf"))

	var c Config
	if err := json.Unmarshal(b, &c); err != nil {
		return nil, nil, err
	}
	var raw map[string]interface{}
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, nil, err
	}
	return &c, raw, nil
}

func applyFileBooleans(c *Config, raw map[string]interface{}) {
	for key, v := range raw {
		b, ok := v.(bool)
		if !ok {
			continue
		}
		switch key {
		case "hdfs-sync":
			c.HDFSSync = b
		case "full-update-subscribe":
			c.FullUpdateSubscribe = b
		case "debug":
			c.Debug = b
		}
	}
}

func findUnknownKeys(raw map[string]interface{}) error {
	known := configKeys()
	var unknown []string
	for key := range raw {
		if _, ok := known[key]; !ok {
			unknown = append(unknown, key)
		}
	}
	if len(unknown) == 0 {
		return nil
	}
	sort.Strings(unknown)
	return errors.Errorf("the following directives don't match any configuration option: %s", strings.Join(unknown, ", "))
}

// findConfigurationConflicts reports options present in the file that were
// also set on the command line.
func findConfigurationConflicts(raw map[string]interface{}, flags *pflag.FlagSet) error {
	var conflicts []string
	flags.Visit(func(f *pflag.Flag) {
		if value, ok := raw[f.Name]; ok {
			conflicts = append(conflicts, fmt.Sprintf("%s: (from flag: %s, from file: %v)", f.Name, f.Value.String(), value))
		}
	})
	if len(conflicts) == 0 {
		return nil
	}
	return errors.Errorf("the following directives are specified both as a flag and in the configuration file: %s", strings.Join(conflicts, ", "))
}

// configKeys derives the set of valid file keys from the Config JSON tags.
func configKeys() map[string]struct{} {
	keys := map[string]struct{}{}
	t := reflect.TypeOf(Config{})
	for i := 0; i < t.NumField(); i++ {
		tag := t.Field(i).Tag.Get("json")
		if name, _, _ := strings.Cut(tag, ","); name != "" && name != "-" {
			keys[name] = struct{}{}
		}
	}
	return keys
}
