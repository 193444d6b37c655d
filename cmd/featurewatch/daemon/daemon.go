// Package daemon provides the featurewatch daemon and its subcommands.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/featurewatch/featurewatch/internal/common/cli"
	"github.com/featurewatch/featurewatch/internal/common/config"
	"github.com/featurewatch/featurewatch/internal/common/constants"
	"github.com/featurewatch/featurewatch/internal/common/metrics"
	"github.com/featurewatch/featurewatch/internal/monitor"
	"github.com/featurewatch/featurewatch/internal/monitor/control"
	"github.com/featurewatch/featurewatch/internal/monitor/dispatch"
	"github.com/featurewatch/featurewatch/internal/monitor/notifier"
	"github.com/featurewatch/featurewatch/internal/monitor/source"
	"github.com/featurewatch/featurewatch/internal/monitor/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// App represents the application.
type App struct {
	cmd    *cobra.Command
	viper  *viper.Viper
	config appConfig

	daemon        *monitor.Service
	controlServer *control.Server

	ready     chan struct{}
	readyOnce sync.Once
}

// appConfig holds the configuration for the application.
type appConfig struct {
	Verbosity int  `mapstructure:"verbosity" yaml:"verbosity"`
	JSONLogs  bool `mapstructure:"jsonlogs" yaml:"jsonlogs"`

	Source   source.Config   `mapstructure:"source" yaml:"source"`
	Notifier notifier.Config `mapstructure:"notifier" yaml:"notifier"`
	Store    store.Config    `mapstructure:"store" yaml:"store"`
	Dispatch dispatch.Config `mapstructure:"dispatch" yaml:"dispatch"`
	Metrics  metrics.Config  `mapstructure:"metrics" yaml:"metrics"`
	Control  control.Config  `mapstructure:"control" yaml:"control"`

	// PolicyPath is the hot-reloaded notification policy file. Empty uses the default policy.
	PolicyPath  string `mapstructure:"policy" yaml:"policy"`
	NoAutoStart bool   `mapstructure:"noautostart" yaml:"noautostart"`

	MigrationsDir string `mapstructure:"-" yaml:"-"`
}

// New creates a new App instance with default values.
func New() (*App, error) {
	a := App{ready: make(chan struct{})}

	a.cmd = &cobra.Command{
		Use:   constants.CmdName,
		Short: "Watch a feature layer and notify a webhook of changed records",
		Long: `featurewatch polls a remote feature layer on a fixed interval, detects the records whose
version increased since the last check and posts each change to a webhook.
Versions are only committed once the webhook acknowledged the change.`,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Command parsing has been successful. Returns to not print usage anymore.
			a.cmd.SilenceUsage = true
			cli.SetSlog(a.config.Verbosity, a.config.JSONLogs)
			if err := cli.InitViperConfig(constants.CmdName, a.cmd, a.viper); err != nil {
				return err
			}
			if err := a.viper.Unmarshal(&a.config); err != nil {
				return fmt.Errorf("unable to strictly decode configuration into struct: %w", err)
			}
			slog.Info("got app config", "config", a.redactedConfig())

			cli.SetSlog(a.config.Verbosity, a.config.JSONLogs)
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			a.cmd.SilenceUsage = true

			return a.run()
		},
	}
	a.viper = viper.New()
	a.cmd.CompletionOptions.HiddenDefaultCmd = true

	installRootCmd(&a)
	installMigrateCmd(&a)
	installCheckCmd(&a)
	installStatusCmd(&a)
	cli.InstallConfigFlag(a.cmd)

	if err := a.viper.BindPFlags(a.cmd.PersistentFlags()); err != nil {
		return nil, err
	}
	if err := bindConfigKeys(a.cmd, a.viper); err != nil {
		return nil, err
	}

	a.installVersion()

	return &a, nil
}

func installRootCmd(app *App) {
	cmd := app.cmd
	cfg := &app.config

	cmd.PersistentFlags().CountVarP(&cfg.Verbosity, "verbose", "v", "issue INFO (-v), DEBUG (-vv)")
	cmd.PersistentFlags().BoolVar(&cfg.JSONLogs, "json-logs", false, "enable JSON formatted logs")

	// Remote source flags, shared with the check subcommand.
	cmd.PersistentFlags().StringVar(&cfg.Source.LayerURL, "layer-url", "", "feature layer endpoint, without the trailing /query")
	cmd.PersistentFlags().StringVar(&cfg.Source.Where, "where", "1=1", "filter clause of the feature query")
	cmd.PersistentFlags().DurationVar(&cfg.Source.Timeout, "fetch-timeout", 30*time.Second, "timeout for fetching a snapshot")
	cmd.PersistentFlags().StringVar(&cfg.Source.Fields.Key, "key-field", constants.DefaultKeyField, "attribute holding the record key")
	cmd.PersistentFlags().StringVar(&cfg.Source.Fields.Version, "version-field", constants.DefaultVersionField, "attribute holding the record version")
	cmd.PersistentFlags().StringVar(&cfg.Source.Fields.Name, "name-field", constants.DefaultNameField, "attribute holding the record name")
	cmd.PersistentFlags().StringVar(&cfg.Source.Fields.EditTime, "edit-time-field", constants.DefaultEditTimeField, "attribute holding the record edit time")

	// Webhook flags
	cmd.PersistentFlags().StringVar(&cfg.Notifier.URL, "webhook-url", "", "webhook receiving the change notifications")
	cmd.PersistentFlags().DurationVar(&cfg.Notifier.Timeout, "notify-timeout", 10*time.Second, "timeout for a single webhook delivery")
	cmd.PersistentFlags().StringVar(&cfg.Notifier.ContentType, "content-type", "text/plain", "content type sent with the webhook body")
	cmd.PersistentFlags().StringVar(&cfg.Notifier.TimeZone, "timezone", constants.DefaultTimeZone, "IANA time zone of the rendered timestamps")
	cmd.PersistentFlags().Float64Var(&cfg.Notifier.RateLimit, "rate-limit", 0, "maximum webhook deliveries per second, 0 for unlimited")
	cmd.PersistentFlags().IntVar(&cfg.Notifier.Burst, "burst", 1, "deliveries allowed at once when rate limited")

	// Version store flags
	cmd.PersistentFlags().StringVar(&cfg.Store.Driver, "store-driver", store.DriverSQLite,
		fmt.Sprintf("version store backend: %s, %s or %s", store.DriverSQLite, store.DriverPostgres, store.DriverMemory))
	cmd.PersistentFlags().StringVar(&cfg.Store.SQLitePath, "sqlite-path", constants.DefaultSQLitePath, "path of the embedded version store")
	addDBFlags(cmd, &cfg.Store.Postgres)

	// Dispatch flags
	cmd.PersistentFlags().DurationVar(&cfg.Dispatch.Interval, "interval", constants.DefaultInterval, "delay between two dispatch cycles")
	cmd.PersistentFlags().DurationVar(&cfg.Dispatch.ErrorBackoff, "error-backoff", constants.DefaultErrorBackoff, "first delay after a failed cycle")
	cmd.PersistentFlags().DurationVar(&cfg.Dispatch.MaxBackoff, "max-backoff", 0, "maximum delay after consecutive failed cycles, defaults to half the interval")
	cmd.PersistentFlags().DurationVar(&cfg.Dispatch.StaleAfter, "stale-after", 0, "heartbeat age after which a run may be taken over, defaults to five intervals")
	cmd.PersistentFlags().IntVar(&cfg.Dispatch.Concurrency, "concurrency", 1, "number of webhook deliveries sent in parallel")
	cmd.Flags().BoolVar(&cfg.NoAutoStart, "no-autostart", false, "wait for a start request instead of monitoring on startup")
	cmd.PersistentFlags().StringVarP(&cfg.PolicyPath, "policy", "c", "", "path to the notification policy file")

	// Metrics server flags
	cmd.Flags().DurationVar(&cfg.Metrics.ReadTimeout, "read-timeout", 5*time.Second, "read timeout for the HTTP servers")
	cmd.Flags().DurationVar(&cfg.Metrics.WriteTimeout, "write-timeout", 10*time.Second, "write timeout for the metrics HTTP server")
	cmd.Flags().StringVar(&cfg.Metrics.Host, "metrics-host", "", "host for the metrics endpoint")
	cmd.Flags().IntVar(&cfg.Metrics.Port, "metrics-port", 2113, "port for the metrics endpoint")

	// Control API flags
	cmd.Flags().StringVar(&cfg.Control.Host, "control-host", "localhost", "host for the control API")
	cmd.Flags().IntVar(&cfg.Control.Port, "control-port", 8080, "port for the control API")
	cmd.Flags().DurationVar(&cfg.Control.RequestTimeout, "request-timeout", 2*time.Minute, "timeout for a control API request")

	if err := cmd.MarkPersistentFlagFilename("policy", "json"); err != nil {
		panic(fmt.Sprintf("failed to mark policy flag as filename: %v", err))
	}
	if err := cmd.MarkPersistentFlagFilename("sqlite-path"); err != nil {
		panic(fmt.Sprintf("failed to mark sqlite-path flag as filename: %v", err))
	}
}

// configKeys maps the configuration keys to the flags overriding them.
var configKeys = map[string]string{
	"verbosity": "verbose",
	"jsonlogs":  "json-logs",

	"source.layerurl":        "layer-url",
	"source.where":           "where",
	"source.timeout":         "fetch-timeout",
	"source.fields.key":      "key-field",
	"source.fields.version":  "version-field",
	"source.fields.name":     "name-field",
	"source.fields.edittime": "edit-time-field",

	"notifier.url":         "webhook-url",
	"notifier.timeout":     "notify-timeout",
	"notifier.contenttype": "content-type",
	"notifier.timezone":    "timezone",
	"notifier.ratelimit":   "rate-limit",
	"notifier.burst":       "burst",

	"store.driver":            "store-driver",
	"store.sqlitepath":        "sqlite-path",
	"store.postgres.host":     "db-host",
	"store.postgres.port":     "db-port",
	"store.postgres.user":     "db-user",
	"store.postgres.password": "db-password",
	"store.postgres.dbname":   "db-name",
	"store.postgres.sslmode":  "db-sslmode",

	"dispatch.interval":     "interval",
	"dispatch.errorbackoff": "error-backoff",
	"dispatch.maxbackoff":   "max-backoff",
	"dispatch.staleafter":   "stale-after",
	"dispatch.concurrency":  "concurrency",
	"noautostart":           "no-autostart",

	"metrics.host":         "metrics-host",
	"metrics.port":         "metrics-port",
	"metrics.readtimeout":  "read-timeout",
	"metrics.writetimeout": "write-timeout",

	"control.host":           "control-host",
	"control.port":           "control-port",
	"control.requesttimeout": "request-timeout",
}

// bindConfigKeys binds the nested configuration keys to their flags, so that an explicit flag
// overrides the environment and the configuration file.
func bindConfigKeys(cmd *cobra.Command, vip *viper.Viper) error {
	for key, name := range configKeys {
		f := cmd.PersistentFlags().Lookup(name)
		if f == nil {
			f = cmd.Flags().Lookup(name)
		}
		if f == nil {
			return fmt.Errorf("no flag %q for configuration key %q", name, key)
		}
		if err := vip.BindPFlag(key, f); err != nil {
			return fmt.Errorf("could not bind flag %q: %v", name, err)
		}
	}
	return nil
}

func addDBFlags(cmd *cobra.Command, config *store.PostgresConfig) {
	cmd.PersistentFlags().StringVar(&config.Host, "db-host", "", "database host")
	cmd.PersistentFlags().IntVarP(&config.Port, "db-port", "p", 5432, "database port")
	cmd.PersistentFlags().StringVarP(&config.User, "db-user", "u", "", "database user")
	cmd.PersistentFlags().StringVarP(&config.Password, "db-password", "P", "", "database password")
	cmd.PersistentFlags().StringVarP(&config.DBName, "db-name", "n", "", "database name")
	cmd.PersistentFlags().StringVarP(&config.SSLMode, "db-sslmode", "s", "", "database SSL mode")
}

// Run executes the command and associated process, returning an error if any.
func (a *App) Run() error {
	return a.cmd.Execute()
}

// UsageError returns if the error is a command parsing or runtime one.
func (a *App) UsageError() bool {
	return !a.cmd.SilenceUsage
}

// Hup prints all goroutine stack traces and return false to signal you shouldn't quit.
func (a *App) Hup() (shouldQuit bool) {
	buf := make([]byte, 1<<16)
	runtime.Stack(buf, true)
	fmt.Printf("%s", buf)
	return false
}

// Quit gracefully shuts down the daemon.
func (a *App) Quit() {
	a.WaitReady()
	if a.daemon != nil {
		a.daemon.Quit(false)
	}
}

// WaitReady waits for the daemon to be ready.
func (a *App) WaitReady() {
	<-a.ready
}

// RootCmd returns the root command.
func (a *App) RootCmd() *cobra.Command {
	return a.cmd
}

func (a *App) setReady() {
	a.readyOnce.Do(func() { close(a.ready) })
}

func (a *App) run() (err error) {
	// Quit must not block when the daemon failed to start.
	defer a.setReady()

	ctx := context.Background()
	if a.config.PolicyPath != "" {
		a.config.PolicyPath, err = filepath.Abs(a.config.PolicyPath)
		if err != nil {
			return fmt.Errorf("failed to get absolute path for policy file: %v", err)
		}
	}

	registry := prometheus.NewRegistry()
	a.config.Dispatch.AutoStart = !a.config.NoAutoStart
	c, err := a.newComponents(ctx, registry)
	if err != nil {
		return err
	}
	defer c.close()

	driver := a.config.Store.Driver
	if driver == "" {
		driver = store.DriverSQLite
	}
	if err := metrics.RegisterBuildInfo(registry, constants.Version, driver); err != nil {
		return err
	}
	metricsServer := metrics.New(a.config.Metrics, registry, metrics.WithReadiness(func(ctx context.Context) error {
		_, err := c.store.RunStatus(ctx)
		return err
	}))
	a.controlServer = control.New(a.controlConfig(), c.scheduler)

	a.daemon = monitor.New(ctx, c.scheduler, metricsServer, a.controlServer)
	a.setReady()

	return a.daemon.Run()
}

// controlConfig completes the control server configuration with the shared HTTP timeouts.
// A manual check must be able to outlive the request timeout handler.
func (a *App) controlConfig() control.Config {
	cfg := a.config.Control
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = a.config.Metrics.ReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = cfg.RequestTimeout + 5*time.Second
	}
	return cfg
}

// components are the monitoring building blocks shared by the daemon and its subcommands.
type components struct {
	store     store.Store
	policy    *config.Manager
	scheduler *dispatch.Scheduler
}

func (a *App) newComponents(ctx context.Context, reg prometheus.Registerer) (*components, error) {
	src, err := source.New(a.config.Source)
	if err != nil {
		return nil, fmt.Errorf("failed to create snapshot fetcher: %v", err)
	}

	n, err := notifier.New(a.config.Notifier)
	if err != nil {
		return nil, fmt.Errorf("failed to create notifier: %v", err)
	}

	st, err := store.Open(ctx, a.config.Store)
	if err != nil {
		return nil, fmt.Errorf("failed to open version store: %v", err)
	}

	cm := config.New(a.config.PolicyPath)
	sched, err := dispatch.New(src, st, n, cm, a.config.Dispatch, reg)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to create dispatch scheduler: %v", err)
	}

	return &components{store: st, policy: cm, scheduler: sched}, nil
}

func (c *components) close() {
	if err := c.store.Close(); err != nil {
		slog.Warn("Failed to close version store", "err", err)
	}
}

// redactedConfig returns the configuration without secrets, for logging.
func (a *App) redactedConfig() appConfig {
	cfg := a.config
	if cfg.Store.Postgres.Password != "" {
		cfg.Store.Postgres.Password = "***"
	}
	return cfg
}
