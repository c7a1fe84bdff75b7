package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FileName is the config file looked up in the workspace.
const FileName = "mission-control.yml"

// Config models mission-control.yml.
type Config struct {
	Database    DatabaseConfig        `yaml:"database" json:"database"`
	Pricing     map[string]ModelPrice `yaml:"pricing" json:"pricing"`
	Routing     map[string]string     `yaml:"routing" json:"routing"`
	WorkTypes   map[string]WorkType   `yaml:"work_types" json:"work_types"`
	Budgets     Budgets               `yaml:"budgets" json:"budgets"`
	Estimation  Estimation            `yaml:"estimation" json:"estimation"`
	Execution   Execution             `yaml:"execution" json:"execution"`
	PromptPacks map[string]PromptPack `yaml:"prompt_packs" json:"prompt_packs"`
	RunLog      RunLogConfig          `yaml:"run_log" json:"run_log"`
	Redis       RedisConfig           `yaml:"redis" json:"redis"`
	Server      ServerConfig          `yaml:"server" json:"server"`
	Telemetry   TelemetryConfig       `yaml:"telemetry" json:"telemetry"`
	Logging     LoggingConfig         `yaml:"logging" json:"logging"`
	Webhooks    []WebhookConfig       `yaml:"webhooks" json:"webhooks,omitempty"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver" json:"driver"`
	DSN    string `yaml:"dsn" json:"-"`
}

// ModelPrice is USD per one million tokens.
type ModelPrice struct {
	Provider         string  `yaml:"provider" json:"provider,omitempty"`
	InputPerMillion  float64 `yaml:"input_per_1m" json:"input_per_1m"`
	OutputPerMillion float64 `yaml:"output_per_1m" json:"output_per_1m"`
}

type WorkType struct {
	MaxOutputTokens  int64   `yaml:"max_output_tokens" json:"max_output_tokens"`
	CostCapUSD       float64 `yaml:"cost_cap_usd" json:"cost_cap_usd"`
	Tier             string  `yaml:"tier" json:"tier"`
	RequiresApproval bool    `yaml:"requires_approval" json:"requires_approval"`
	ExpectedTurns    int     `yaml:"expected_turns,omitempty" json:"expected_turns,omitempty"`
	MaxTurns         int     `yaml:"max_turns,omitempty" json:"max_turns,omitempty"`
	ReviewRequired   bool    `yaml:"review_required,omitempty" json:"review_required,omitempty"`
	InputSchema      string  `yaml:"input_schema,omitempty" json:"input_schema,omitempty"`
}

type Budgets struct {
	DailyCapUSD        float64 `yaml:"daily_cap_usd" json:"daily_cap_usd"`
	PerWorkOrderCapUSD float64 `yaml:"per_work_order_cap_usd" json:"per_work_order_cap_usd"`
	PerAgentCapUSD     float64 `yaml:"per_agent_cap_usd" json:"per_agent_cap_usd"`
	WarningThreshold   float64 `yaml:"warning_threshold" json:"warning_threshold"`
	Timezone           string  `yaml:"timezone,omitempty" json:"timezone,omitempty"`
}

type Estimation struct {
	SafetyMargin   float64            `yaml:"safety_margin" json:"safety_margin"`
	CharsPerToken  float64            `yaml:"chars_per_token" json:"chars_per_token"`
	Tokenizers     map[string]float64 `yaml:"tokenizers,omitempty" json:"tokenizers,omitempty"`
	MaxRetries     int                `yaml:"max_retries" json:"max_retries"`
	TimeoutMS      int                `yaml:"timeout_ms" json:"timeout_ms"`
	FreshnessHours int                `yaml:"freshness_hours,omitempty" json:"freshness_hours,omitempty"`
}

type Execution struct {
	Provider          string `yaml:"provider" json:"provider"`
	BillableOnFailure bool   `yaml:"billable_on_failure" json:"billable_on_failure"`
	ReconcileAfterMS  int    `yaml:"reconcile_after_ms,omitempty" json:"reconcile_after_ms,omitempty"`
	Inflight          string `yaml:"inflight,omitempty" json:"inflight,omitempty"`
}

type PromptPack struct {
	SystemPrompt       string `yaml:"system_prompt" json:"system_prompt"`
	UserPromptTemplate string `yaml:"user_prompt_template" json:"user_prompt_template"`
}

type RunLogConfig struct {
	ReviewVariancePct float64 `yaml:"review_variance_pct" json:"review_variance_pct"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr" json:"addr,omitempty"`
	Password string `yaml:"password" json:"-"`
	DB       int    `yaml:"db" json:"db,omitempty"`
}

type ServerConfig struct {
	Addr                   string  `yaml:"addr" json:"addr"`
	BasePath               string  `yaml:"base_path" json:"base_path"`
	RateLimitRPS           float64 `yaml:"rate_limit_rps" json:"rate_limit_rps"`
	RateLimitBurst         int     `yaml:"rate_limit_burst" json:"rate_limit_burst"`
	AllowLegacyActorHeader bool    `yaml:"allow_legacy_actor_header" json:"allow_legacy_actor_header"`
}

type TelemetryConfig struct {
	ServiceName  string `yaml:"service_name" json:"service_name"`
	OTLPEndpoint string `yaml:"otlp_endpoint" json:"otlp_endpoint,omitempty"`
	Insecure     bool   `yaml:"insecure" json:"insecure,omitempty"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Events         []string `yaml:"events" json:"events,omitempty"`
	Secret         string   `yaml:"secret,omitempty" json:"-"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty" json:"enabled,omitempty"`
}

// DefaultWorkType is used for work types missing from the table.
const DefaultWorkType = "default"

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if len(c.Pricing) == 0 {
		return fmt.Errorf("config.pricing is required")
	}
	for model, p := range c.Pricing {
		if model == "" {
			return fmt.Errorf("config.pricing contains empty model id")
		}
		if p.InputPerMillion < 0 || p.OutputPerMillion < 0 {
			return fmt.Errorf("pricing for %s must not be negative", model)
		}
	}
	if len(c.Routing) == 0 {
		return fmt.Errorf("config.routing is required")
	}
	for tier, model := range c.Routing {
		if _, ok := c.Pricing[model]; !ok {
			return fmt.Errorf("routing tier %s uses unpriced model %s", tier, model)
		}
	}
	if _, ok := c.WorkTypes[DefaultWorkType]; !ok {
		return fmt.Errorf("config.work_types.%s is required", DefaultWorkType)
	}
	for name, wt := range c.WorkTypes {
		if wt.MaxOutputTokens <= 0 {
			return fmt.Errorf("work type %s: max_output_tokens must be positive", name)
		}
		if wt.CostCapUSD < 0 {
			return fmt.Errorf("work type %s: cost_cap_usd must not be negative", name)
		}
		if _, ok := c.Routing[wt.Tier]; !ok {
			return fmt.Errorf("work type %s: unknown tier %q", name, wt.Tier)
		}
		if wt.ExpectedTurns < 0 || wt.MaxTurns < 0 {
			return fmt.Errorf("work type %s: turns must not be negative", name)
		}
	}
	b := c.Budgets
	if b.DailyCapUSD <= 0 {
		return fmt.Errorf("config.budgets.daily_cap_usd must be positive")
	}
	if b.PerWorkOrderCapUSD <= 0 || b.PerAgentCapUSD <= 0 {
		return fmt.Errorf("config.budgets per-work-order and per-agent caps must be positive")
	}
	if b.WarningThreshold <= 0 || b.WarningThreshold > 1 {
		return fmt.Errorf("config.budgets.warning_threshold must be in (0,1]")
	}
	if b.Timezone != "" {
		if _, err := time.LoadLocation(b.Timezone); err != nil {
			return fmt.Errorf("config.budgets.timezone: %w", err)
		}
	}
	e := c.Estimation
	if e.SafetyMargin < 1 {
		return fmt.Errorf("config.estimation.safety_margin must be >= 1")
	}
	if e.CharsPerToken <= 0 {
		return fmt.Errorf("config.estimation.chars_per_token must be positive")
	}
	for family, cpt := range e.Tokenizers {
		if cpt <= 0 {
			return fmt.Errorf("tokenizer %s: chars per token must be positive", family)
		}
	}
	if e.MaxRetries < 0 {
		return fmt.Errorf("config.estimation.max_retries must not be negative")
	}
	if e.TimeoutMS <= 0 {
		return fmt.Errorf("config.estimation.timeout_ms must be positive")
	}
	switch c.Database.Driver {
	case "", "sqlite", "postgres":
	default:
		return fmt.Errorf("config.database.driver must be sqlite or postgres")
	}
	switch c.Execution.Inflight {
	case "", "local", "redis":
	default:
		return fmt.Errorf("config.execution.inflight must be local or redis")
	}
	if c.Execution.Inflight == "redis" && c.Redis.Addr == "" {
		return fmt.Errorf("config.redis.addr is required for redis inflight markers")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("webhook %d: url is required", i)
		}
	}
	return nil
}

// ApplyDefaults fills optional fields left empty.
func (c *Config) ApplyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Estimation.FreshnessHours == 0 {
		c.Estimation.FreshnessHours = 24
	}
	if c.Execution.Provider == "" {
		c.Execution.Provider = "simulated"
	}
	if c.Execution.Inflight == "" {
		c.Execution.Inflight = "local"
	}
	if c.Execution.ReconcileAfterMS == 0 {
		c.Execution.ReconcileAfterMS = 2 * c.Estimation.TimeoutMS
	}
	if c.RunLog.ReviewVariancePct == 0 {
		c.RunLog.ReviewVariancePct = 50
	}
	if c.Server.Addr == "" {
		c.Server.Addr = "127.0.0.1:8080"
	}
	if c.Server.BasePath == "" {
		c.Server.BasePath = "/v1"
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "mission-control"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Location returns the timezone used to key budget days.
func (c *Config) Location() *time.Location {
	if c.Budgets.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.Budgets.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// ExecutionTimeout is the bound on a single metered call.
func (c *Config) ExecutionTimeout() time.Duration {
	return time.Duration(c.Estimation.TimeoutMS) * time.Millisecond
}

// Freshness is how long an estimate stays authoritative for execution.
func (c *Config) Freshness() time.Duration {
	return time.Duration(c.Estimation.FreshnessHours) * time.Hour
}

// WorkTypeNames returns configured work types in stable order.
func (c *Config) WorkTypeNames() []string {
	names := make([]string, 0, len(c.WorkTypes))
	for name := range c.WorkTypes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with mc init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	if err := yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg); err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	cfg.ApplyDefaults()
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `database:
  driver: sqlite

pricing:
  moonshot/kimi-2.5:
    provider: openrouter
    input_per_1m: 1.50
    output_per_1m: 3.00
  openrouter/auto:
    provider: openrouter
    input_per_1m: 0.10
    output_per_1m: 0.20
  anthropic/claude-3-haiku:
    provider: openrouter
    input_per_1m: 0.25
    output_per_1m: 1.25
  openai/gpt-3.5-turbo:
    provider: openrouter
    input_per_1m: 0.50
    output_per_1m: 1.50

routing:
  cheap: openrouter/auto
  premium: moonshot/kimi-2.5

work_types:
  lead_scoring:
    max_output_tokens: 450
    cost_cap_usd: 0.08
    tier: cheap
  content_outline:
    max_output_tokens: 700
    cost_cap_usd: 0.10
    tier: cheap
  content_draft:
    max_output_tokens: 1400
    cost_cap_usd: 0.20
    tier: cheap
  content_qa:
    max_output_tokens: 600
    cost_cap_usd: 0.08
    tier: cheap
  ops_summary:
    max_output_tokens: 700
    cost_cap_usd: 0.10
    tier: cheap
  reporting_narrative:
    max_output_tokens: 700
    cost_cap_usd: 0.10
    tier: cheap
  proposal_draft:
    max_output_tokens: 1800
    cost_cap_usd: 0.25
    tier: premium
    requires_approval: true
    review_required: true
  default:
    max_output_tokens: 1000
    cost_cap_usd: 0.25
    tier: cheap

budgets:
  daily_cap_usd: 5.00
  per_work_order_cap_usd: 0.25
  per_agent_cap_usd: 1.00
  warning_threshold: 0.80

estimation:
  safety_margin: 1.15
  chars_per_token: 3.5
  max_retries: 2
  timeout_ms: 60000
  freshness_hours: 24

execution:
  provider: simulated
  billable_on_failure: false
  inflight: local

prompt_packs:
  lead_scoring:
    system_prompt: "You score inbound legal leads for fit and urgency. Reply with a JSON object containing score (0-100), tier and rationale."
    user_prompt_template: "Lead source: {{source}}\nPractice area: {{practice_area}}\nSummary: {{summary}}"

run_log:
  review_variance_pct: 50

server:
  addr: 127.0.0.1:8080
  base_path: /v1
  rate_limit_rps: 20
  rate_limit_burst: 40

logging:
  level: info
  format: text
`
