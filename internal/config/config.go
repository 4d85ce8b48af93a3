package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/mrdeploy/internal/env"
	"github.com/loykin/mrdeploy/internal/logger"
)

// EnvPrefix prefixes environment overrides, e.g. MRDEPLOY_REPOSITORY_URL.
const EnvPrefix = "MRDEPLOY"

// Config represents the top-level TOML structure.
type Config struct {
	Repository RepositoryConfig `toml:"repository" mapstructure:"repository"`
	Deploy     DeployConfig     `toml:"deploy" mapstructure:"deploy"`
	Secrets    SecretsConfig    `toml:"secrets" mapstructure:"secrets"`
	Notify     NotifyConfig     `toml:"notify" mapstructure:"notify"`
	Supervisor SupervisorConfig `toml:"supervisor" mapstructure:"supervisor"`
	Store      StoreConfig      `toml:"store" mapstructure:"store"`
	History    HistoryConfig    `toml:"history" mapstructure:"history"`
	Server     ServerConfig     `toml:"server" mapstructure:"server"`
	Metrics    MetricsConfig    `toml:"metrics" mapstructure:"metrics"`
	Log        logger.Config    `toml:"log" mapstructure:"log"`
}

type RepositoryConfig struct {
	URL    string `toml:"url" mapstructure:"url"`
	Path   string `toml:"path" mapstructure:"path"`
	Branch string `toml:"branch" mapstructure:"branch"`
	Git    string `toml:"git" mapstructure:"git"` // git binary
}

type DeployConfig struct {
	InstallCommand  string        `toml:"install_command" mapstructure:"install_command"`
	Command         string        `toml:"command" mapstructure:"command"`
	Version         string        `toml:"version" mapstructure:"version"`
	PollInterval    time.Duration `toml:"poll_interval" mapstructure:"poll_interval"`
	DangerousFiles  []string      `toml:"dangerous_files" mapstructure:"dangerous_files"`
	HaltOnDangerous bool          `toml:"halt_on_dangerous" mapstructure:"halt_on_dangerous"`
	StateDir        string        `toml:"state_dir" mapstructure:"state_dir"`
	Env             []string      `toml:"env" mapstructure:"env"` // "K=V", ${VAR} expands
}

type SecretsConfig struct {
	Bundle         string     `toml:"bundle" mapstructure:"bundle"`
	PassphraseFile string     `toml:"passphrase_file" mapstructure:"passphrase_file"`
	Output         string     `toml:"output" mapstructure:"output"`
	Copy           []CopyFile `toml:"copy" mapstructure:"copy"`
}

// CopyFile copies From (absolute or relative to the process) to To
// (relative to the working copy) after secrets are decrypted.
type CopyFile struct {
	From string `toml:"from" mapstructure:"from"`
	To   string `toml:"to" mapstructure:"to"`
}

type NotifyConfig struct {
	URL     string        `toml:"url" mapstructure:"url"`
	From    string        `toml:"from" mapstructure:"from"`
	Timeout time.Duration `toml:"timeout" mapstructure:"timeout"`
}

type SupervisorConfig struct {
	Command      []string      `toml:"command" mapstructure:"command"` // empty: this executable's daemon subcommand
	WorkDir      string        `toml:"workdir" mapstructure:"workdir"`
	LogFile      string        `toml:"log_file" mapstructure:"log_file"`
	StopTimeout  time.Duration `toml:"stop_timeout" mapstructure:"stop_timeout"`
	RestartDelay time.Duration `toml:"restart_delay" mapstructure:"restart_delay"`
	AutoStart    bool          `toml:"autostart" mapstructure:"autostart"`
	Env          []string      `toml:"env" mapstructure:"env"`
}

type StoreConfig struct {
	DSN string `toml:"dsn" mapstructure:"dsn"`
}

type HistoryConfig struct {
	DSNs []string `toml:"dsns" mapstructure:"dsns"`
}

type ServerConfig struct {
	Listen   string `toml:"listen" mapstructure:"listen"`
	BasePath string `toml:"base_path" mapstructure:"base_path"`
	Username string `toml:"username" mapstructure:"username"`
	Password string `toml:"password" mapstructure:"password"`
}

type MetricsConfig struct {
	Enabled bool   `toml:"enabled" mapstructure:"enabled"`
	Listen  string `toml:"listen" mapstructure:"listen"`
}

// DefaultDangerousFiles are repository paths whose changes need a human.
var DefaultDangerousFiles = []string{"cron.yaml", "queue.yaml", "index.yaml"}

func setDefaults(v *viper.Viper) {
	v.SetDefault("repository.url", "")
	v.SetDefault("repository.path", "repo")
	v.SetDefault("repository.branch", "main")
	v.SetDefault("repository.git", "git")

	v.SetDefault("deploy.install_command", "make install_deps")
	v.SetDefault("deploy.command", "python -u deploy/deploy.py --version {version} --no-up --no-hipchat --no-browser")
	v.SetDefault("deploy.version", "staging")
	v.SetDefault("deploy.poll_interval", 15*time.Second)
	v.SetDefault("deploy.dangerous_files", DefaultDangerousFiles)
	v.SetDefault("deploy.halt_on_dangerous", false)
	v.SetDefault("deploy.state_dir", "state")
	v.SetDefault("deploy.env", []string{})

	v.SetDefault("secrets.bundle", "")
	v.SetDefault("secrets.passphrase_file", "")
	v.SetDefault("secrets.output", "")

	v.SetDefault("notify.url", "")
	v.SetDefault("notify.from", "Mr Deploy")
	v.SetDefault("notify.timeout", 10*time.Second)

	v.SetDefault("supervisor.command", []string{})
	v.SetDefault("supervisor.workdir", "")
	v.SetDefault("supervisor.log_file", "log/mr_deploy.log")
	v.SetDefault("supervisor.stop_timeout", 30*time.Second)
	v.SetDefault("supervisor.restart_delay", time.Second)
	v.SetDefault("supervisor.autostart", true)
	v.SetDefault("supervisor.env", []string{})

	v.SetDefault("store.dsn", "")
	v.SetDefault("history.dsns", []string{})

	v.SetDefault("server.listen", "127.0.0.1:8080")
	v.SetDefault("server.base_path", "/deploy")
	v.SetDefault("server.username", "")
	v.SetDefault("server.password", "")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.color", true)
	v.SetDefault("log.file.path", "")
	v.SetDefault("log.file.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.file.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.file.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.file.compress", false)
}

// Load reads the TOML file at path (optional) and applies MRDEPLOY_* env
// overrides on top of the defaults. Relative paths in the file are resolved
// against the file's directory.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if path != "" {
		c.resolvePaths(filepath.Dir(path))
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) resolvePaths(base string) {
	abs := func(p *string) {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(base, *p)
		}
	}
	abs(&c.Repository.Path)
	abs(&c.Deploy.StateDir)
	abs(&c.Secrets.Bundle)
	abs(&c.Secrets.PassphraseFile)
	abs(&c.Supervisor.LogFile)
	abs(&c.Supervisor.WorkDir)
	abs(&c.Log.File.Path)
	for i := range c.Secrets.Copy {
		abs(&c.Secrets.Copy[i].From)
	}
}

// Validate checks settings every subcommand relies on.
func (c *Config) Validate() error {
	if c.Deploy.PollInterval <= 0 {
		return fmt.Errorf("deploy.poll_interval must be positive, got %s", c.Deploy.PollInterval)
	}
	if strings.TrimSpace(c.Deploy.Command) == "" {
		return errors.New("deploy.command is required")
	}
	if c.Supervisor.StopTimeout < 0 {
		return errors.New("supervisor.stop_timeout must not be negative")
	}
	if c.Supervisor.RestartDelay < 0 {
		return errors.New("supervisor.restart_delay must not be negative")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("server.base_path must start with '/', got %q", c.Server.BasePath)
	}
	if (c.Secrets.Bundle == "") != (c.Secrets.PassphraseFile == "") {
		return errors.New("secrets.bundle and secrets.passphrase_file must be set together")
	}
	if c.Secrets.Bundle != "" && c.Secrets.Output == "" {
		return errors.New("secrets.output is required when secrets.bundle is set")
	}
	for _, kv := range append(append([]string{}, c.Deploy.Env...), c.Supervisor.Env...) {
		if !env.Valid(kv) {
			return fmt.Errorf("environment entry %q must be KEY=VALUE", kv)
		}
	}
	for _, cp := range c.Secrets.Copy {
		if cp.From == "" || cp.To == "" {
			return errors.New("secrets.copy entries need both from and to")
		}
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

// ValidateDaemon checks the settings only the deploy daemon needs.
func (c *Config) ValidateDaemon() error {
	if strings.TrimSpace(c.Repository.URL) == "" {
		return errors.New("repository.url is required")
	}
	if strings.TrimSpace(c.Repository.Path) == "" {
		return errors.New("repository.path is required")
	}
	if strings.TrimSpace(c.Repository.Branch) == "" {
		return errors.New("repository.branch is required")
	}
	return nil
}

// WriteExample writes a commented starter configuration to path.
func WriteExample(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(exampleTOML), 0o600)
}

const exampleTOML = `# mrdeploy configuration

[repository]
url = "https://example.com/website.git"
path = "repo"
branch = "main"

[deploy]
install_command = "make install_deps"
command = "python -u deploy/deploy.py --version {version} --no-up --no-hipchat --no-browser"
version = "staging"
poll_interval = "15s"
dangerous_files = ["cron.yaml", "queue.yaml", "index.yaml"]
halt_on_dangerous = false
state_dir = "state"
# env = ["DJANGO_SETTINGS_MODULE=settings.staging"]

# [secrets]
# bundle = "secrets/secrets.py.age"
# passphrase_file = "/etc/mrdeploy/passphrase"
# output = "secrets.py"
# [[secrets.copy]]
# from = "secrets/secrets_dev.py"
# to = "secrets_dev.py"

[notify]
# url = "https://chat.example.com/v1/rooms/message?room_id=deploys"
from = "Mr Deploy"

[supervisor]
log_file = "log/mr_deploy.log"
stop_timeout = "30s"
restart_delay = "1s"

[store]
dsn = "sqlite://state/status.db"

[history]
dsns = []

[server]
listen = "127.0.0.1:8080"
base_path = "/deploy"

[metrics]
enabled = false

[log]
level = "info"
format = "text"
`
