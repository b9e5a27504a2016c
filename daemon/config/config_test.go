package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sentry.json")
	assert.NilError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaults(t *testing.T) {
	c := New()
	assert.NilError(t, Validate(c))
	assert.Equal(t, c.ServerName(), DefaultServerName)
	assert.Equal(t, c.PollInterval(), 500*time.Millisecond)
	assert.Equal(t, c.PurgeInterval(), time.Minute)
	assert.Check(t, c.HDFSSync)
	assert.Check(t, !c.FullUpdateSubscribe)
}

func TestConfigurationNotFound(t *testing.T) {
	_, err := MergeDaemonConfigurations(New(), nil, "/tmp/foo-bar-baz-sentry")
	assert.Check(t, os.IsNotExist(err), "got: %[1]T: %[1]v", err)
}

func TestBrokenConfiguration(t *testing.T) {
	path := writeConfig(t, `{"debug": tru`)
	_, err := MergeDaemonConfigurations(New(), nil, path)
	assert.ErrorContains(t, err, "invalid character")
}

func TestConfigurationWithBOM(t *testing.T) {
	path := writeConfig(t, "\xef\xbb\xbf{\"debug\": true}")
	c, err := MergeDaemonConfigurations(New(), nil, path)
	assert.NilError(t, err)
	assert.Check(t, c.Debug)
}

func TestFileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `{
		"server-name": "server-a",
		"hdfs-sync": false,
		"poll-interval-ms": 250,
		"metastore-addr": "http://hms:9083"
	}`)
	c, err := MergeDaemonConfigurations(New(), nil, path)
	assert.NilError(t, err)
	assert.Equal(t, c.ServerName(), "server-a")
	assert.Check(t, !c.HDFSSync, "file hdfs-sync=false must beat the default")
	assert.Equal(t, c.PollIntervalMs, 250)
	assert.Equal(t, c.MetastoreAddr, "http://hms:9083")
	// Untouched keys keep their defaults.
	assert.Equal(t, c.ListenAddr, DefaultListenAddr)
}

func TestMergeConflicts(t *testing.T) {
	path := writeConfig(t, `{"debug": true}`)

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.Bool("debug", false, "")
	assert.NilError(t, flags.Set("debug", "false"))

	_, err := MergeDaemonConfigurations(New(), flags, path)
	assert.ErrorContains(t, err, "debug")
	assert.ErrorContains(t, err, "as a flag and in the configuration file")
}

func TestUnknownKeys(t *testing.T) {
	path := writeConfig(t, `{"no-such-option": 1, "hdfs-sync": true}`)
	_, err := MergeDaemonConfigurations(New(), nil, path)
	assert.ErrorContains(t, err, "don't match any configuration option")
	assert.ErrorContains(t, err, "no-such-option")
}

func TestServerNameFallbackChain(t *testing.T) {
	c := New()
	assert.Equal(t, c.ServerName(), "HS2")
	assert.Check(t, !c.UsesDeprecatedServerName())

	c.ServerNameDeprecated = "legacy"
	assert.Equal(t, c.ServerName(), "legacy")
	assert.Check(t, c.UsesDeprecatedServerName())

	c.ServerNameKey = "current"
	assert.Equal(t, c.ServerName(), "current")
	assert.Check(t, !c.UsesDeprecatedServerName())
}

func TestValidateRejectsBadValues(t *testing.T) {
	for _, tc := range []struct {
		doc      string
		mutate   func(*Config)
		expected string
	}{
		{"zero poll interval", func(c *Config) { c.PollIntervalMs = 0 }, "invalid poll interval"},
		{"negative batch", func(c *Config) { c.FetchBatchSize = -1 }, "invalid fetch batch size"},
		{"zero cache", func(c *Config) { c.FetcherCacheSize = 0 }, "invalid fetcher cache size"},
		{"negative keep", func(c *Config) { c.PurgeKeep = -2 }, "invalid purge keep count"},
		{"empty root", func(c *Config) { c.Root = "" }, "data-root cannot be empty"},
		{"bad listen addr", func(c *Config) { c.ListenAddr = "nope" }, "invalid listen address"},
		{"bad metastore scheme", func(c *Config) { c.MetastoreAddr = "thrift://x:1" }, "unsupported metastore address scheme"},
	} {
		t.Run(tc.doc, func(t *testing.T) {
			c := New()
			tc.mutate(c)
			err := Validate(c)
			assert.Check(t, is.ErrorContains(err, tc.expected))
		})
	}
}
