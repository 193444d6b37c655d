package daemon

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/featurewatch/featurewatch/internal/common/config"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

type (
	AppConfig = appConfig
)

// Config returns the configuration of the app.
func (a *App) Config() AppConfig {
	return a.config
}

// ControlAddr returns the address of the control API once the daemon is ready.
func (a *App) ControlAddr() string {
	if a.controlServer == nil {
		return ""
	}
	return a.controlServer.Addr()
}

// NewForTests creates a new App instance for testing purposes.
//
// The version store defaults to a SQLite database in a temporary directory, and the HTTP servers
// listen on random local ports.
func NewForTests(t *testing.T, conf *AppConfig, policy *config.Conf, args ...string) *App {
	t.Helper()

	if conf == nil {
		conf = &AppConfig{}
	}
	if conf.Store.SQLitePath == "" {
		conf.Store.SQLitePath = filepath.Join(t.TempDir(), "versions.db")
	}
	if conf.Metrics.Host == "" {
		conf.Metrics.Host = "127.0.0.1"
	}
	if conf.Control.Host == "" {
		conf.Control.Host = "127.0.0.1"
	}
	if policy != nil {
		conf.PolicyPath = GenerateTestPolicy(t, policy)
	}

	p := GenerateTestConfig(t, conf)
	argsWithConf := append([]string{"--config", p}, args...)

	a, err := New()
	require.NoError(t, err, "Setup: failed to create app")
	a.cmd.SetArgs(argsWithConf)
	return a
}

// GenerateTestPolicy generates a temporary notification policy file for testing.
func GenerateTestPolicy(t *testing.T, policy *config.Conf) string {
	t.Helper()

	d, err := json.Marshal(policy)
	require.NoError(t, err, "Setup: failed to marshal notification policy for tests")
	policyPath := filepath.Join(t.TempDir(), "policy.json")
	require.NoError(t, os.WriteFile(policyPath, d, 0600), "Setup: failed to write notification policy for tests")

	return policyPath
}

// GenerateTestConfig generates a temporary config file for testing.
func GenerateTestConfig(t *testing.T, origConf *AppConfig) string {
	t.Helper()

	var conf appConfig

	if origConf != nil {
		conf = *origConf
	}

	if conf.Verbosity == 0 {
		conf.Verbosity = 2
	}

	d, err := yaml.Marshal(conf)
	require.NoError(t, err, "Setup: failed to marshal config for tests")

	confPath := filepath.Join(t.TempDir(), "testconfig.yaml")
	require.NoError(t, os.WriteFile(confPath, d, 0600), "Setup: failed to write config for tests")

	return confPath
}

// SetArgs set some arguments on root command for tests.
func (a *App) SetArgs(args ...string) {
	a.cmd.SetArgs(args)
}

// SetSilenceUsage set the SilenceUsage flag on root command for tests.
func (a *App) SetSilenceUsage(silence bool) {
	a.cmd.SilenceUsage = silence
}
