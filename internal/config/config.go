// Package config loads Kiln's operator configuration from a YAML file,
// environment variables, and command-line flags via Viper, grounded on
// _examples/evalgo-org-eve's cli.initConfig (config file search path,
// KILN_-prefixed environment variables, flag binding) generalized from
// one fixed HTTP-service schema to the daemon's full settings surface.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/golithk/kiln/internal/oauth"
)

// OAuthHost is one entry of the oauth_hosts config list.
type OAuthHost struct {
	Host         string   `mapstructure:"host"`
	TokenURL     string   `mapstructure:"token_url"`
	ClientID     string   `mapstructure:"client_id"`
	ClientSecret string   `mapstructure:"client_secret"`
	Scopes       []string `mapstructure:"scopes"`
}

// Config is every operator-tunable setting across Kiln's components.
type Config struct {
	// Backend
	Host           string `mapstructure:"host"`
	Token          string `mapstructure:"token"`
	BackendVariant string `mapstructure:"backend_variant"` // primary, ghes315, ghes314, ghes317, ghes318

	// Dispatch
	Boards                 []string      `mapstructure:"boards"`
	AllowList              []string      `mapstructure:"allow_list"`
	ProceedLabel           string        `mapstructure:"proceed_label"`
	NeedsHumanLabel        string        `mapstructure:"needs_human_label"`
	MaxConcurrentWorkflows int           `mapstructure:"max_concurrent_workflows"`
	FailureThreshold       int           `mapstructure:"failure_threshold"`
	FailureCooldown        time.Duration `mapstructure:"failure_cooldown"`
	EngineLogin            string        `mapstructure:"engine_login"`

	// Storage & worktrees
	StateDir  string `mapstructure:"state_dir"`
	CloneRoot string `mapstructure:"clone_root"`

	// Agent runner
	AgentBinaryPath        string        `mapstructure:"agent_binary_path"`
	AgentTotalTimeout      time.Duration `mapstructure:"agent_total_timeout"`
	AgentInactivityTimeout time.Duration `mapstructure:"agent_inactivity_timeout"`

	// Supervisor
	PollInterval        time.Duration `mapstructure:"poll_interval"`
	HibernationInterval time.Duration `mapstructure:"hibernation_interval"`
	ConnectivityHost    string        `mapstructure:"connectivity_host"`

	// Auxiliary integrations
	PagerDutyRoutingKey string      `mapstructure:"pagerduty_routing_key"`
	ChatWebhookURL      string      `mapstructure:"chat_webhook_url"`
	NotifyOnComment     bool        `mapstructure:"notify_on_comment"`
	MetricsAddr         string      `mapstructure:"metrics_addr"`
	OAuthHosts          []OAuthHost `mapstructure:"oauth_hosts"`

	// Collaborator config files
	PluginConfigPath      string `mapstructure:"plugin_config_path"`
	CredentialsConfigPath string `mapstructure:"credentials_config_path"`

	// Ambient
	LogLevel string `mapstructure:"log_level"`
}

// OAuthConfigs converts the flat OAuthHosts list into the map
// internal/oauth.NewMinter expects.
func (c Config) OAuthConfigs() map[string]oauth.HostConfig {
	out := make(map[string]oauth.HostConfig, len(c.OAuthHosts))
	for _, h := range c.OAuthHosts {
		out[h.Host] = oauth.HostConfig{
			TokenURL:     h.TokenURL,
			ClientID:     h.ClientID,
			ClientSecret: h.ClientSecret,
			Scopes:       h.Scopes,
		}
	}
	return out
}

// OAuthHostNames returns just the configured host names, the shape
// internal/stage.Config.OAuthHosts wants.
func (c Config) OAuthHostNames() []string {
	out := make([]string, 0, len(c.OAuthHosts))
	for _, h := range c.OAuthHosts {
		out = append(out, h.Host)
	}
	return out
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("backend_variant", "primary")
	v.SetDefault("proceed_label", "kiln-proceed")
	v.SetDefault("needs_human_label", "needs-human")
	v.SetDefault("max_concurrent_workflows", 1)
	v.SetDefault("failure_threshold", 3)
	v.SetDefault("failure_cooldown", 30*time.Minute)
	v.SetDefault("engine_login", "kiln-bot")
	v.SetDefault("state_dir", "/var/lib/kiln")
	v.SetDefault("agent_binary_path", "agent")
	v.SetDefault("agent_total_timeout", 45*time.Minute)
	v.SetDefault("agent_inactivity_timeout", 10*time.Minute)
	v.SetDefault("poll_interval", 30*time.Second)
	v.SetDefault("hibernation_interval", 5*time.Minute)
	v.SetDefault("connectivity_host", "github.com")
	v.SetDefault("metrics_addr", ":9090")
	v.SetDefault("log_level", "info")
}

// Load builds a Config from, in ascending precedence: defaults, a
// config file (cfgFile if set, otherwise $HOME/.kiln.yaml or ./.kiln.yaml),
// KILN_-prefixed environment variables, and flags already bound into v.
func Load(cfgFile string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigType("yaml")
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home)
		}
		v.AddConfigPath(".")
		v.SetConfigName(".kiln")
	}

	v.SetEnvPrefix("KILN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, errors.Wrap(err, "config: bind flags")
		}
	}

	if err := v.ReadInConfig(); err != nil {
		_, notFound := err.(viper.ConfigFileNotFoundError)
		if !notFound && !os.IsNotExist(err) {
			return nil, errors.Wrap(err, "config: read config file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "config: unmarshal")
	}
	return &cfg, nil
}
