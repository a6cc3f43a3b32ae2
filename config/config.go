package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the research agent
type Config struct {
	General   GeneralConfig    `mapstructure:"general"`
	Server    ServerConfig     `mapstructure:"server"`
	LLM       LLMConfig        `mapstructure:"llm"`
	Sources   SourcesConfig    `mapstructure:"sources"`
	Fetch     FetchConfig      `mapstructure:"fetch"`
	Research  ResearchConfig   `mapstructure:"research"`
	Storage   StorageConfig    `mapstructure:"storage"`
	Telemetry TelemetryConfig  `mapstructure:"telemetry"`
	Schedules []ScheduleConfig `mapstructure:"schedules"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug          bool          `mapstructure:"debug"`
	LogLevel       string        `mapstructure:"log_level"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
}

// ServerConfig contains HTTP server and auth settings
type ServerConfig struct {
	Address   string `mapstructure:"address"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

// LLMConfig contains LLM provider configurations
type LLMConfig struct {
	Providers map[string]LLMProvider `mapstructure:"providers"`
	Routing   LLMRoutingConfig       `mapstructure:"routing"`
}

// LLMProvider represents a single LLM provider configuration
type LLMProvider struct {
	Type       string              `mapstructure:"type"` // openai, gemini
	APIKey     string              `mapstructure:"api_key"`
	BaseURL    string              `mapstructure:"base_url"`
	Models     map[string]LLMModel `mapstructure:"models"`
	MaxRetries int                 `mapstructure:"max_retries"`
	Timeout    time.Duration       `mapstructure:"timeout"`
}

// LLMModel represents a specific model configuration
type LLMModel struct {
	Name        string  `mapstructure:"name"`
	APIName     string  `mapstructure:"api_name"`
	MaxTokens   int     `mapstructure:"max_tokens"`
	Temperature float64 `mapstructure:"temperature"`
}

// LLMRoutingConfig defines which model to use for different research stages
type LLMRoutingConfig struct {
	Reasoning  string `mapstructure:"reasoning"`  // path generation and tool selection
	Evaluation string `mapstructure:"evaluation"` // scoring and sufficiency checks
	Synthesis  string `mapstructure:"synthesis"`  // report writing
	Fallback   string `mapstructure:"fallback"`
}

// Model resolves the routed model name for a stage, falling back when unset.
func (r LLMRoutingConfig) Model(stage string) string {
	var m string
	switch stage {
	case "reasoning":
		m = r.Reasoning
	case "evaluation":
		m = r.Evaluation
	case "synthesis":
		m = r.Synthesis
	}
	if m == "" {
		m = r.Fallback
	}
	return m
}

// Validate checks that at least one provider and a fallback model exist.
func (c LLMConfig) Validate() error {
	if len(c.Providers) == 0 {
		return fmt.Errorf("llm.providers: at least one provider required")
	}
	for name, p := range c.Providers {
		switch p.Type {
		case "openai", "gemini":
		default:
			return fmt.Errorf("llm.providers.%s: unsupported type %q", name, p.Type)
		}
	}
	if strings.TrimSpace(c.Routing.Fallback) == "" {
		return fmt.Errorf("llm.routing.fallback required")
	}
	return nil
}

// SourcesConfig contains search source configurations
type SourcesConfig struct {
	WebSearch WebSearchConfig `mapstructure:"web_search"`
}

// WebSearchConfig contains web search settings
type WebSearchConfig struct {
	Provider     string        `mapstructure:"provider"` // brave, serper
	BraveAPIKey  string        `mapstructure:"brave_api_key"`
	SerperAPIKey string        `mapstructure:"serper_api_key"`
	MaxResults   int           `mapstructure:"max_results"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// APIKey returns the key belonging to the selected provider.
func (w WebSearchConfig) APIKey() string {
	switch w.Provider {
	case "serper":
		return w.SerperAPIKey
	default:
		return w.BraveAPIKey
	}
}

func (w WebSearchConfig) Validate() error {
	switch w.Provider {
	case "brave", "serper":
	default:
		return fmt.Errorf("sources.web_search.provider: unsupported %q", w.Provider)
	}
	if strings.TrimSpace(w.APIKey()) == "" {
		return fmt.Errorf("sources.web_search: api key for %s required", w.Provider)
	}
	return nil
}

// FetchConfig controls the headless browser used for extraction.
type FetchConfig struct {
	Timeout   time.Duration     `mapstructure:"timeout"`
	MaxChars  int               `mapstructure:"max_chars"`
	UserAgent string            `mapstructure:"user_agent"`
	Policy    CrawlPolicyConfig `mapstructure:"policy"`
}

// ResearchConfig holds the reasoning loop knobs.
type ResearchConfig struct {
	MaxCycles       int           `mapstructure:"max_cycles"`
	MinCycles       int           `mapstructure:"min_cycles"`
	ScoreThreshold  float64       `mapstructure:"score_threshold"`
	Candidates      int           `mapstructure:"candidates"`
	CycleTimeout    time.Duration `mapstructure:"cycle_timeout"`
	Policy          PolicyConfig  `mapstructure:"policy"`
	MaxResultLength int           `mapstructure:"max_result_length"`
	Budget          BudgetConfig  `mapstructure:"budget"`
}

// BudgetConfig caps a single session. Zero means unlimited.
type BudgetConfig struct {
	MaxToolCalls int           `mapstructure:"max_tool_calls"`
	MaxDuration  time.Duration `mapstructure:"max_duration"`
}

// PolicyConfig parameterizes the next-action decision. The probabilities are
// pointers so that an explicit 0 is distinguishable from unset.
type PolicyConfig struct {
	ContinueThreshold float64  `mapstructure:"continue_threshold"`
	LowThreshold      float64  `mapstructure:"low_threshold"`
	MidContinueProb   *float64 `mapstructure:"mid_continue_probability"`
	LowBacktrackProb  *float64 `mapstructure:"low_backtrack_probability"`
}

// Probability returns a pointer to v for PolicyConfig literals.
func Probability(v float64) *float64 { return &v }

// Normalize applies defaults for unset research values.
func (c ResearchConfig) Normalize() ResearchConfig {
	if c.MaxCycles <= 0 {
		c.MaxCycles = 10
	}
	if c.MinCycles <= 0 {
		c.MinCycles = 5
	}
	if c.ScoreThreshold <= 0 {
		c.ScoreThreshold = 0.8
	}
	if c.Candidates <= 0 {
		c.Candidates = 3
	}
	if c.MaxResultLength <= 0 {
		c.MaxResultLength = 4000
	}
	if c.Policy.ContinueThreshold <= 0 {
		c.Policy.ContinueThreshold = 0.7
	}
	if c.Policy.LowThreshold <= 0 {
		c.Policy.LowThreshold = 0.4
	}
	if c.Policy.MidContinueProb == nil {
		c.Policy.MidContinueProb = Probability(0.7)
	}
	if c.Policy.LowBacktrackProb == nil {
		c.Policy.LowBacktrackProb = Probability(0.5)
	}
	return c
}

// Validate ensures the research loop settings are coherent.
func (c ResearchConfig) Validate() error {
	if c.MinCycles >= c.MaxCycles {
		return fmt.Errorf("research.min_cycles (%d) must be below research.max_cycles (%d)", c.MinCycles, c.MaxCycles)
	}
	if c.ScoreThreshold > 1 {
		return fmt.Errorf("research.score_threshold must be <= 1")
	}
	if c.Policy.LowThreshold >= c.Policy.ContinueThreshold {
		return fmt.Errorf("research.policy.low_threshold must be below continue_threshold")
	}
	for name, p := range map[string]*float64{
		"mid_continue_probability":  c.Policy.MidContinueProb,
		"low_backtrack_probability": c.Policy.LowBacktrackProb,
	} {
		if p != nil && (*p < 0 || *p > 1) {
			return fmt.Errorf("research.policy.%s must be within [0,1], got %v", name, *p)
		}
	}
	if c.Budget.MaxToolCalls < 0 || c.Budget.MaxDuration < 0 {
		return fmt.Errorf("research.budget limits cannot be negative")
	}
	return nil
}

// TelemetryConfig contains telemetry and monitoring settings
type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	MetricsPort  int    `mapstructure:"metrics_port"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	ServiceName  string `mapstructure:"service_name"`
}

func (t TelemetryConfig) Validate() error {
	if t.Enabled && t.MetricsPort <= 0 {
		return fmt.Errorf("telemetry.metrics_port must be > 0 when telemetry is enabled")
	}
	return nil
}

// StorageConfig contains storage and persistence settings
type StorageConfig struct {
	Redis    RedisConfig    `mapstructure:"redis"`
	File     FileConfig     `mapstructure:"file"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Host       string        `mapstructure:"host"`
	Port       string        `mapstructure:"port"`
	Password   string        `mapstructure:"password"`
	DB         int           `mapstructure:"db"`
	Timeout    time.Duration `mapstructure:"timeout"`
	SessionTTL time.Duration `mapstructure:"session_ttl"`
}

// Enabled reports whether a redis host was configured.
func (r RedisConfig) Enabled() bool { return strings.TrimSpace(r.Host) != "" }

// Addr returns host:port.
func (r RedisConfig) Addr() string {
	port := r.Port
	if port == "" {
		port = "6379"
	}
	return fmt.Sprintf("%s:%s", r.Host, port)
}

// FileConfig contains file storage settings
type FileConfig struct {
	DataDir   string `mapstructure:"data_dir"`
	ReportDir string `mapstructure:"report_dir"`
}

// PostgresConfig contains Postgres connection settings
type PostgresConfig struct {
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// Enabled reports whether postgres archiving was configured.
func (p PostgresConfig) Enabled() bool {
	return strings.TrimSpace(p.URL) != "" || strings.TrimSpace(p.Host) != ""
}

// DSN builds a connection string, preferring the explicit URL.
func (p PostgresConfig) DSN() string {
	if p.URL != "" {
		return p.URL
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl)
}

func (p PostgresConfig) Validate() error {
	if !p.Enabled() || strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// ScheduleConfig declares a recurring research topic.
type ScheduleConfig struct {
	Topic string `mapstructure:"topic"`
	Cron  string `mapstructure:"cron"`
}

// LoadConfig loads config from file and RESEARCHER_* environment variables
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("json")
	setDefaults(v)

	if path == "" {
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		v.AddConfigPath(exeDir)
		v.AddConfigPath(filepath.Join(exeDir, "..", "config"))
	} else {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix("RESEARCHER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// env-only setups are fine when no explicit path was requested
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Research = cfg.Research.Normalize()
	cfg.Fetch.Policy = cfg.Fetch.Policy.Normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate runs every section validator.
func (c *Config) Validate() error {
	if err := c.LLM.Validate(); err != nil {
		return err
	}
	if err := c.Sources.WebSearch.Validate(); err != nil {
		return err
	}
	if err := c.Fetch.Policy.Validate(); err != nil {
		return err
	}
	if err := c.Research.Validate(); err != nil {
		return err
	}
	if err := c.Telemetry.Validate(); err != nil {
		return err
	}
	if err := c.Storage.Postgres.Validate(); err != nil {
		return err
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("general.default_timeout", 30*time.Second)
	v.SetDefault("server.address", ":10001")
	v.SetDefault("sources.web_search.provider", "brave")
	v.SetDefault("sources.web_search.max_results", 5)
	v.SetDefault("sources.web_search.timeout", 15*time.Second)
	v.SetDefault("fetch.timeout", 15*time.Second)
	v.SetDefault("fetch.max_chars", 20000)
	v.SetDefault("research.max_cycles", 10)
	v.SetDefault("research.min_cycles", 5)
	v.SetDefault("research.score_threshold", 0.8)
	v.SetDefault("research.candidates", 3)
	v.SetDefault("research.cycle_timeout", 3*time.Minute)
	v.SetDefault("research.max_result_length", 4000)
	v.SetDefault("research.policy.continue_threshold", 0.7)
	v.SetDefault("research.policy.low_threshold", 0.4)
	v.SetDefault("research.policy.mid_continue_probability", 0.7)
	v.SetDefault("research.policy.low_backtrack_probability", 0.5)
	v.SetDefault("storage.redis.session_ttl", 24*time.Hour)
	v.SetDefault("storage.file.data_dir", "./data")
	v.SetDefault("storage.file.report_dir", "./reports")
	v.SetDefault("telemetry.service_name", "researcher")
	v.SetDefault("telemetry.metrics_port", 9464)
}
