package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration for the key generation workflow. It is
// threaded explicitly into component constructors; nothing reads it from
// process-wide state.
type Config struct {
	Logger   LoggerConfig   `mapstructure:"logger" yaml:"logger"`
	Identity IdentityConfig `mapstructure:"identity" yaml:"identity"`
	Mailbox  MailboxConfig  `mapstructure:"mailbox" yaml:"mailbox"`
	Proxy    ProxyConfig    `mapstructure:"proxy" yaml:"proxy"`
	Browser  BrowserConfig  `mapstructure:"browser" yaml:"browser"`
	Network  NetworkConfig  `mapstructure:"network" yaml:"network"`
	Target   TargetConfig   `mapstructure:"target" yaml:"target"`
	Workflow WorkflowConfig `mapstructure:"workflow" yaml:"workflow"`
}

// LoggerConfig controls the zap logger construction.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig maps log levels to terminal colors for the console encoder.
type ColorConfig struct {
	Debug string `mapstructure:"debug" yaml:"debug"`
	Info  string `mapstructure:"info" yaml:"info"`
	Warn  string `mapstructure:"warn" yaml:"warn"`
	Error string `mapstructure:"error" yaml:"error"`
	Fatal string `mapstructure:"fatal" yaml:"fatal"`
}

// IdentityConfig controls the generated signup identity.
type IdentityConfig struct {
	LocalPartLength int `mapstructure:"local_part_length" yaml:"local_part_length"`
	PasswordLength  int `mapstructure:"password_length" yaml:"password_length"`
}

// MailboxConfig holds the temporary-mail provider settings.
type MailboxConfig struct {
	BaseURL       string        `mapstructure:"base_url" yaml:"base_url"`
	CreateRetries int           `mapstructure:"create_retries" yaml:"create_retries"`
	RetryDelay    time.Duration `mapstructure:"retry_delay" yaml:"retry_delay"`
	// RateLimit caps inbox-listing calls per second as provider courtesy.
	RateLimit float64 `mapstructure:"rate_limit" yaml:"rate_limit"`
}

// ProxyConfig holds the candidate-list sources and rotation bounds.
type ProxyConfig struct {
	Sources      []string           `mapstructure:"sources" yaml:"sources"`
	GitHub       GitHubSourceConfig `mapstructure:"github" yaml:"github"`
	MaxAttempts  int                `mapstructure:"max_attempts" yaml:"max_attempts"`
	Shuffle      bool               `mapstructure:"shuffle" yaml:"shuffle"`
	FetchTimeout time.Duration      `mapstructure:"fetch_timeout" yaml:"fetch_timeout"`
	Relay        RelayConfig        `mapstructure:"relay" yaml:"relay"`
}

// GitHubSourceConfig fetches proxy lists through the GitHub contents API
// instead of raw URLs. Raw sources remain the fallback when disabled.
type GitHubSourceConfig struct {
	Enabled bool     `mapstructure:"enabled" yaml:"enabled"`
	Owner   string   `mapstructure:"owner" yaml:"owner"`
	Repo    string   `mapstructure:"repo" yaml:"repo"`
	Paths   []string `mapstructure:"paths" yaml:"paths"`
	Token   string   `mapstructure:"token" yaml:"-"`
}

// RelayConfig controls the local forwarding proxy the browser is pointed at
// when upstream rotation is active.
type RelayConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Address string `mapstructure:"address" yaml:"address"`
}

// BrowserConfig controls the chromedp allocator and per-operation timeouts.
type BrowserConfig struct {
	Headless          bool          `mapstructure:"headless" yaml:"headless"`
	UserAgent         string        `mapstructure:"user_agent" yaml:"user_agent"`
	WindowWidth       int           `mapstructure:"window_width" yaml:"window_width"`
	WindowHeight      int           `mapstructure:"window_height" yaml:"window_height"`
	Args              []string      `mapstructure:"args" yaml:"args"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	ActionTimeout     time.Duration `mapstructure:"action_timeout" yaml:"action_timeout"`
	// ArtifactDir receives debug screenshots; supports ~ expansion.
	ArtifactDir string `mapstructure:"artifact_dir" yaml:"artifact_dir"`
}

// NetworkConfig tunes the shared HTTP client.
type NetworkConfig struct {
	Timeout         time.Duration `mapstructure:"timeout" yaml:"timeout"`
	IgnoreTLSErrors bool          `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	ForceHTTP2      bool          `mapstructure:"force_http2" yaml:"force_http2"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" yaml:"max_idle_conns"`
	MaxConnsPerHost int           `mapstructure:"max_conns_per_host" yaml:"max_conns_per_host"`
}

// TargetConfig describes the service the workflow signs up against.
type TargetConfig struct {
	SignupURL string `mapstructure:"signup_url" yaml:"signup_url"`
	// DashboardPath is the post-signup location fragment that marks success.
	DashboardPath string `mapstructure:"dashboard_path" yaml:"dashboard_path"`
	// KeysPath is the dashboard page listing issued API keys.
	KeysPath string `mapstructure:"keys_path" yaml:"keys_path"`
	// KeyPrefix is the well-known prefix of issued API keys.
	KeyPrefix string `mapstructure:"key_prefix" yaml:"key_prefix"`
	// SenderMarker and SubjectMarker feed the default verification-message
	// predicate: sender contains SenderMarker or subject contains
	// SubjectMarker, both case-insensitive.
	SenderMarker  string `mapstructure:"sender_marker" yaml:"sender_marker"`
	SubjectMarker string `mapstructure:"subject_marker" yaml:"subject_marker"`
}

// WorkflowConfig is the orchestrator policy: proxy on/off, debug artifacts,
// poll cadence and the overall deadline.
type WorkflowConfig struct {
	UseProxy        bool          `mapstructure:"use_proxy" yaml:"use_proxy"`
	Debug           bool          `mapstructure:"debug" yaml:"debug"`
	PollInterval    time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	MaxPollAttempts int           `mapstructure:"max_poll_attempts" yaml:"max_poll_attempts"`
	// MaxPollWait caps total polling wall-clock time regardless of attempts.
	MaxPollWait    time.Duration `mapstructure:"max_poll_wait" yaml:"max_poll_wait"`
	OverallTimeout time.Duration `mapstructure:"overall_timeout" yaml:"overall_timeout"`
}

// NewDefaultConfig returns a configuration populated with defaults only.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults registers every configuration key with its default value.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "refkeygen")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 50)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 14)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- Identity --
	v.SetDefault("identity.local_part_length", 12)
	v.SetDefault("identity.password_length", 16)

	// -- Mailbox --
	v.SetDefault("mailbox.base_url", "https://api.guerrillamail.com/ajax.php")
	v.SetDefault("mailbox.create_retries", 3)
	v.SetDefault("mailbox.retry_delay", "2s")
	v.SetDefault("mailbox.rate_limit", 1.0)

	// -- Proxy --
	v.SetDefault("proxy.sources", []string{
		"https://raw.githubusercontent.com/TheSpeedX/PROXY-List/master/http.txt",
		"https://raw.githubusercontent.com/TheSpeedX/PROXY-List/master/socks5.txt",
	})
	v.SetDefault("proxy.github.enabled", false)
	v.SetDefault("proxy.github.owner", "TheSpeedX")
	v.SetDefault("proxy.github.repo", "PROXY-List")
	v.SetDefault("proxy.github.paths", []string{"http.txt", "socks5.txt"})
	v.SetDefault("proxy.max_attempts", 5)
	v.SetDefault("proxy.shuffle", true)
	v.SetDefault("proxy.fetch_timeout", "20s")
	v.SetDefault("proxy.relay.enabled", false)
	v.SetDefault("proxy.relay.address", "127.0.0.1:0")

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.user_agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")
	v.SetDefault("browser.window_width", 1280)
	v.SetDefault("browser.window_height", 900)
	v.SetDefault("browser.navigation_timeout", "45s")
	v.SetDefault("browser.action_timeout", "15s")
	v.SetDefault("browser.artifact_dir", "~/.refkeygen/artifacts")

	// -- Network --
	v.SetDefault("network.timeout", "30s")
	v.SetDefault("network.ignore_tls_errors", false)
	v.SetDefault("network.force_http2", false)
	v.SetDefault("network.max_idle_conns", 32)
	v.SetDefault("network.max_conns_per_host", 8)

	// -- Target --
	v.SetDefault("target.signup_url", "https://ref.tools/signup")
	v.SetDefault("target.dashboard_path", "/dashboard")
	v.SetDefault("target.keys_path", "/keys")
	v.SetDefault("target.key_prefix", "ref")
	v.SetDefault("target.sender_marker", "ref")
	v.SetDefault("target.subject_marker", "verify")

	// -- Workflow --
	v.SetDefault("workflow.use_proxy", false)
	v.SetDefault("workflow.debug", false)
	v.SetDefault("workflow.poll_interval", "3s")
	v.SetDefault("workflow.max_poll_attempts", 40)
	v.SetDefault("workflow.max_poll_wait", "2m")
	v.SetDefault("workflow.overall_timeout", "10m")
}

// NewConfigFromViper unmarshals and validates a configuration.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	v.BindEnv("proxy.github.token", "REFKEYGEN_GITHUB_TOKEN")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if cfg.Proxy.GitHub.Enabled && cfg.Proxy.GitHub.Token == "" {
		cfg.Proxy.GitHub.Token = os.Getenv("REFKEYGEN_GITHUB_TOKEN")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks required fields and cross-field consistency.
func (c *Config) Validate() error {
	if c.Identity.LocalPartLength < 10 {
		return fmt.Errorf("identity.local_part_length must be at least 10 to avoid provider-side collisions")
	}
	if c.Identity.PasswordLength < 8 {
		return fmt.Errorf("identity.password_length must be at least 8")
	}
	if c.Mailbox.BaseURL == "" {
		return fmt.Errorf("mailbox.base_url is required")
	}
	if _, err := url.Parse(c.Mailbox.BaseURL); err != nil {
		return fmt.Errorf("mailbox.base_url is not a valid URL: %w", err)
	}
	if c.Target.SignupURL == "" {
		return fmt.Errorf("target.signup_url is required")
	}
	if c.Workflow.PollInterval <= 0 {
		return fmt.Errorf("workflow.poll_interval must be a positive duration")
	}
	if c.Workflow.MaxPollAttempts <= 0 {
		return fmt.Errorf("workflow.max_poll_attempts must be a positive integer")
	}
	if c.Workflow.OverallTimeout <= 0 {
		return fmt.Errorf("workflow.overall_timeout must be a positive duration")
	}
	if err := c.Proxy.Validate(); err != nil {
		return fmt.Errorf("proxy configuration invalid: %w", err)
	}
	return nil
}

// Validate checks the proxy section. Sources are only required when the
// GitHub source is disabled; the relay address must be a host:port.
func (p *ProxyConfig) Validate() error {
	if p.MaxAttempts <= 0 {
		return fmt.Errorf("max_attempts must be a positive integer")
	}
	if p.GitHub.Enabled {
		if p.GitHub.Owner == "" || p.GitHub.Repo == "" || len(p.GitHub.Paths) == 0 {
			return fmt.Errorf("github.owner, github.repo and github.paths are required when the github source is enabled")
		}
	} else if len(p.Sources) == 0 {
		return fmt.Errorf("at least one source URL is required")
	}
	if p.Relay.Enabled {
		if _, _, err := net.SplitHostPort(p.Relay.Address); err != nil {
			return fmt.Errorf("relay.address must be host:port: %w", err)
		}
	}
	return nil
}
