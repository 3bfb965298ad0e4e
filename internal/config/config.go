package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"boxoffice/internal/domain"
)

// Config models boxoffice.yml. Build it once at startup and pass it by value.
type Config struct {
	Project struct {
		ID          string `yaml:"id"`
		OrderPrefix string `yaml:"order_prefix"`
	} `yaml:"project"`
	Store struct {
		Driver string `yaml:"driver"`
		DSN    string `yaml:"dsn"`
	} `yaml:"store"`
	Transactions struct {
		DefaultTTL          time.Duration `yaml:"default_ttl"`
		ExpiryInterval      time.Duration `yaml:"expiry_interval"`
		MaxAuthorizeActions int           `yaml:"max_authorize_actions"`
	} `yaml:"transactions"`
	Tasks    TaskSettings    `yaml:"tasks"`
	Gateways GatewaySettings `yaml:"gateways"`
	Notify   NotifySettings  `yaml:"notifications"`
	Server   struct {
		Addr      string `yaml:"addr"`
		BasePath  string `yaml:"base_path"`
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"server"`
	Log struct {
		Level       string `yaml:"level"`
		Development bool   `yaml:"development"`
	} `yaml:"log"`
}

type TaskSettings struct {
	Workers         int                     `yaml:"workers"`
	PollInterval    time.Duration           `yaml:"poll_interval"`
	ExportInterval  time.Duration           `yaml:"export_interval"`
	ReexportAfter   time.Duration           `yaml:"reexport_after"`
	RunningTimeout  time.Duration           `yaml:"running_timeout"`
	JobTimeout      time.Duration           `yaml:"job_timeout"`
	BackoffBase     time.Duration           `yaml:"backoff_base"`
	BackoffMax      time.Duration           `yaml:"backoff_max"`
	DefaultTries    int                     `yaml:"default_tries"`
	Tries           map[domain.TaskName]int `yaml:"tries"`
	ClaimRetries    int                     `yaml:"claim_retries"`
	SweepBatchLimit int                     `yaml:"sweep_batch_limit"`
}

// TriesFor returns the number of attempts a new task of the given name gets.
func (t TaskSettings) TriesFor(name domain.TaskName) int {
	if n, ok := t.Tries[name]; ok && n > 0 {
		return n
	}
	return t.DefaultTries
}

type GatewaySettings struct {
	Mode        string                                        `yaml:"mode"`
	Reservation map[domain.ReservationService]EndpointSettings `yaml:"reservation"`
	Account     EndpointSettings                              `yaml:"account"`
	Card        EndpointSettings                              `yaml:"card"`
	MovieTicket EndpointSettings                              `yaml:"movie_ticket"`
	Person      EndpointSettings                              `yaml:"person"`
	Breaker     BreakerSettings                               `yaml:"breaker"`
}

type EndpointSettings struct {
	URL     string        `yaml:"url"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`
}

type BreakerSettings struct {
	MaxRequests  uint32        `yaml:"max_requests"`
	Interval     time.Duration `yaml:"interval"`
	Timeout      time.Duration `yaml:"timeout"`
	MinRequests  uint32        `yaml:"min_requests"`
	FailureRatio float64       `yaml:"failure_ratio"`
}

type NotifySettings struct {
	InformOrder []domain.Recipient `yaml:"inform_order"`
	Refund      []domain.Recipient `yaml:"refund"`
	Operator    domain.Recipient   `yaml:"operator"`
	Timeout     time.Duration      `yaml:"timeout"`
	AuditHooks  []AuditHook        `yaml:"audit_hooks"`
	EventBus    struct {
		Name   string `yaml:"name"`
		Region string `yaml:"region"`
		Source string `yaml:"source"`
	} `yaml:"event_bus"`
}

// AuditHook forwards audit log events to a webhook or event bus.
type AuditHook struct {
	URL     string   `yaml:"url"`
	Events  []string `yaml:"events"`
	Secret  string   `yaml:"secret"`
	Enabled *bool    `yaml:"enabled"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with bx config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the config file does not exist.
func LoadOptional(workspace, projectID string) (*Config, error) {
	cfg, err := Load(workspace)
	if err == nil {
		return cfg, nil
	}
	if _, statErr := os.Stat(Path(workspace)); os.IsNotExist(statErr) {
		return Default(projectID), nil
	}
	return nil, err
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Project.ID == "" {
		return fmt.Errorf("config.project.id is required")
	}
	if c.Project.OrderPrefix == "" {
		return fmt.Errorf("config.project.order_prefix is required")
	}
	switch c.Store.Driver {
	case "sqlite":
	case "mysql":
		if c.Store.DSN == "" {
			return fmt.Errorf("config.store.dsn is required for mysql")
		}
	default:
		return fmt.Errorf("config.store.driver must be sqlite or mysql, got %q", c.Store.Driver)
	}
	if c.Transactions.DefaultTTL <= 0 {
		return fmt.Errorf("config.transactions.default_ttl must be positive")
	}
	if c.Tasks.DefaultTries <= 0 {
		return fmt.Errorf("config.tasks.default_tries must be positive")
	}
	for name, n := range c.Tasks.Tries {
		if !name.Valid() {
			return fmt.Errorf("config.tasks.tries references unknown task %s", name)
		}
		if n <= 0 {
			return fmt.Errorf("config.tasks.tries.%s must be positive", name)
		}
	}
	if c.Tasks.ReexportAfter <= 0 || c.Tasks.RunningTimeout <= 0 {
		return fmt.Errorf("config.tasks.reexport_after and running_timeout must be positive")
	}
	if c.Tasks.JobTimeout >= c.Tasks.RunningTimeout {
		return fmt.Errorf("config.tasks.job_timeout must be shorter than running_timeout")
	}
	if c.Tasks.BackoffBase <= 0 || c.Tasks.BackoffMax < c.Tasks.BackoffBase {
		return fmt.Errorf("config.tasks.backoff_base must be positive and not exceed backoff_max")
	}
	switch c.Gateways.Mode {
	case "fake":
	case "http":
		for _, svc := range domain.ReservationServices {
			if err := checkURL(fmt.Sprintf("gateways.reservation.%s", svc), c.Gateways.Reservation[svc].URL); err != nil {
				return err
			}
		}
		for name, ep := range map[string]EndpointSettings{
			"gateways.account":      c.Gateways.Account,
			"gateways.card":         c.Gateways.Card,
			"gateways.movie_ticket": c.Gateways.MovieTicket,
			"gateways.person":       c.Gateways.Person,
		} {
			if err := checkURL(name, ep.URL); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("config.gateways.mode must be fake or http, got %q", c.Gateways.Mode)
	}
	for i, r := range append(append([]domain.Recipient{}, c.Notify.InformOrder...), c.Notify.Refund...) {
		if err := checkURL(fmt.Sprintf("notifications[%d]", i), r.URL); err != nil {
			return err
		}
	}
	for i, h := range c.Notify.AuditHooks {
		if err := checkURL(fmt.Sprintf("notifications.audit_hooks[%d]", i), h.URL); err != nil {
			return err
		}
	}
	if c.Notify.Operator.URL != "" {
		if err := checkURL("notifications.operator", c.Notify.Operator.URL); err != nil {
			return err
		}
	}
	return nil
}

// checkURL accepts http(s) webhooks and eventbridge://<bus> targets.
func checkURL(field, raw string) error {
	if raw == "" {
		return fmt.Errorf("config.%s.url is required", field)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("config.%s.url: %w", field, err)
	}
	switch u.Scheme {
	case "http", "https", "eventbridge":
		return nil
	}
	return fmt.Errorf("config.%s.url has unsupported scheme %q", field, u.Scheme)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "boxoffice.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectID string) string {
	return fmt.Sprintf(defaultTemplate, projectID)
}

// Default returns the default Config struct for a project.
func Default(projectID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault(projectID))).Decode(&cfg)
	return &cfg
}

// FromYAML parses config from raw YAML bytes over the defaults and validates it.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default("")
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `project:
  id: %s
  order_prefix: BX

store:
  driver: sqlite
  dsn: ""

transactions:
  default_ttl: 15m
  expiry_interval: 10s
  max_authorize_actions: 20

tasks:
  workers: 2
  poll_interval: 1s
  export_interval: 1s
  # Lease recovery bounds. A reclaimed lease re-runs idempotent handlers, so
  # these sit well above the slowest expected gateway round trip.
  reexport_after: 10m
  running_timeout: 10m
  job_timeout: 2m
  backoff_base: 5s
  backoff_max: 10m
  default_tries: 10
  claim_retries: 3
  sweep_batch_limit: 100
  tries:
    InformOrder: 3
    TriggerWebhook: 3

gateways:
  mode: fake
  reservation:
    SeatInventory:
      url: ""
      timeout: 10s
    BoxOffice:
      url: ""
      timeout: 10s
  account:
    url: ""
    timeout: 10s
  card:
    url: ""
    timeout: 10s
  movie_ticket:
    url: ""
    timeout: 10s
  person:
    url: ""
    timeout: 5s
  breaker:
    max_requests: 3
    interval: 1m
    timeout: 30s
    min_requests: 5
    failure_ratio: 0.6

notifications:
  timeout: 5s
  inform_order: []
  refund: []
  operator:
    url: ""
  audit_hooks: []
  event_bus:
    name: ""
    region: ""
    source: boxoffice

server:
  addr: ":8080"
  base_path: /v1
  jwt_secret: ""

log:
  level: info
  development: false
`
