package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"boxoffice/internal/config"
	"boxoffice/internal/db"
	"boxoffice/internal/engine"
	"boxoffice/internal/gateway"
	"boxoffice/internal/gateway/fake"
	"boxoffice/internal/logging"
	"boxoffice/internal/metrics"
	"boxoffice/internal/migrate"
	"boxoffice/internal/notify"
	"boxoffice/internal/repo"
)

var rootCmd = &cobra.Command{
	Use:   "bx",
	Short: "Box office transaction core",
	Long: `bx runs and inspects the box office transaction core.
- Transactions: place-order, return-order and money-transfer sessions that move InProgress -> Confirmed, Canceled or Expired.
- Actions: the ledger of every side effect a transaction or task performed against a downstream service.
- Tasks: follow-up work exported from ended transactions, run by the worker with retries and backoff.
- Orders and invoices: the durable result of a confirmed purchase.
- Event log: audit trail of every state change, view with 'bx log tail'.
Settings come from boxoffice.yml in the workspace; BOXOFFICE_* environment variables override the flags.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("BOXOFFICE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.String("config", "", "config file (defaults to <workspace>/boxoffice.yml)")
	flags.Bool("json", false, "output JSON")
	flags.String("project", "", "project id (overrides config)")
	flags.String("actor-id", "operator", "actor recorded on operator actions")
	flags.String("log-level", "", "log level (overrides config)")
	flags.String("jwt-secret", "", "bearer token signing secret (overrides config)")
	flags.String("store-dsn", "", "store DSN (overrides config)")
	for _, name := range []string{"workspace", "config", "json", "project", "actor-id", "log-level", "jwt-secret", "store-dsn"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(txCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(orderCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(tokenCmd())
}

// loadConfig reads the workspace config and applies flag and environment
// overrides.
func loadConfig() (config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if path := viper.GetString("config"); path != "" {
		cfg, err = config.FromFile(path)
	} else {
		cfg, err = config.LoadOptional(viper.GetString("workspace"), "boxoffice")
	}
	if err != nil {
		return config.Config{}, err
	}
	if p := viper.GetString("project"); p != "" {
		cfg.Project.ID = p
	}
	if lvl := viper.GetString("log-level"); lvl != "" {
		cfg.Log.Level = lvl
	}
	if s := viper.GetString("jwt-secret"); s != "" {
		cfg.Server.JWTSecret = s
	}
	if dsn := viper.GetString("store-dsn"); dsn != "" {
		cfg.Store.DSN = dsn
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return *cfg, nil
}

// runtime is everything a command needs to act on the store.
type runtime struct {
	Config   config.Config
	Conn     *sql.DB
	Engine   engine.Engine
	Notifier *notify.Notifier
	Metrics  *metrics.Collector
	Logger   *zap.Logger
}

func (rt *runtime) Close() {
	_ = rt.Logger.Sync()
	rt.Conn.Close()
}

func openRuntime(ctx context.Context) (*runtime, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return nil, err
	}
	conn, dialect, err := db.Open(db.Config{Driver: cfg.Store.Driver, DSN: cfg.Store.DSN, Workspace: viper.GetString("workspace")})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn, dialect); err != nil {
		conn.Close()
		return nil, err
	}
	m := metrics.New()
	notifier, err := newNotifier(ctx, cfg, logger)
	if err != nil {
		conn.Close()
		return nil, err
	}
	var gws gateway.Gateways
	if cfg.Gateways.Mode == "http" {
		gws = gateway.NewHTTP(cfg.Gateways, logger, m)
	} else {
		logger.Warn("using in-memory gateways; no downstream service is called")
		gws = fake.New().Gateways()
	}
	eng := engine.New(repo.New(conn, dialect, nil), gws, notifier, cfg, logger, m)
	return &runtime{Config: cfg, Conn: conn, Engine: eng, Notifier: notifier, Metrics: m, Logger: logger}, nil
}

// newNotifier loads the event bus publisher only when a recipient or the
// default bus needs it, so webhook-only setups need no AWS credentials.
func newNotifier(ctx context.Context, cfg config.Config, logger *zap.Logger) (*notify.Notifier, error) {
	var publisher notify.Publisher
	if usesEventBus(cfg) {
		bus := cfg.Notify.EventBus
		eb, err := notify.LoadEventBridge(ctx, bus.Region, bus.Source, logger)
		if err != nil {
			return nil, err
		}
		publisher = eb
	}
	n := notify.New(cfg.Notify.Timeout, publisher, logger).WithDefaultBus(cfg.Notify.EventBus.Name)
	for _, hook := range cfg.Notify.AuditHooks {
		n.WithSecret(hook.URL, hook.Secret)
	}
	return n, nil
}

func usesEventBus(cfg config.Config) bool {
	if cfg.Notify.EventBus.Name != "" {
		return true
	}
	urls := []string{cfg.Notify.Operator.URL}
	for _, r := range cfg.Notify.InformOrder {
		urls = append(urls, r.URL)
	}
	for _, r := range cfg.Notify.Refund {
		urls = append(urls, r.URL)
	}
	for _, h := range cfg.Notify.AuditHooks {
		urls = append(urls, h.URL)
	}
	for _, u := range urls {
		if strings.HasPrefix(u, "eventbridge://") {
			return true
		}
	}
	return false
}

func withRuntime(ctx context.Context, fn func(context.Context, *runtime) error) error {
	rt, err := openRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
