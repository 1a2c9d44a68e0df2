// Package config loads labgrade settings from ~/.labgrade/config.yaml,
// LABGRADE_* environment variables and built-in defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"

	"github.com/netlab-tools/labgrade/internal/mount"
	"github.com/netlab-tools/labgrade/internal/remote"
	"github.com/netlab-tools/labgrade/internal/vm"
)

// EnvPrefix prefixes every environment override, e.g. LABGRADE_SSH_PORT.
const EnvPrefix = "LABGRADE"

// HardcodedBlockedPaths are credential stores that can never be shared into
// the lab VM, whatever the user config says.
var HardcodedBlockedPaths = []string{
	"~/.ssh",
	"~/.aws",
	"~/.config/gcloud",
	"~/.gnupg",
	"~/.password-store",
	"~/.docker/config.json",
	"~/.labgrade",
}

// Config represents the labgrade configuration
type Config struct {
	VM           VM       `mapstructure:"vm"`
	SSH          SSH      `mapstructure:"ssh"`
	Guest        Guest    `mapstructure:"guest"`
	Grading      Grading  `mapstructure:"grading"`
	Report       Report   `mapstructure:"report"`
	Metrics      Metrics  `mapstructure:"metrics"`
	Runs         Runs     `mapstructure:"runs"`
	Log          Log      `mapstructure:"log"`
	BlockedPaths []string `mapstructure:"blocked_paths"`
}

// VM describes the hypervisor process.
type VM struct {
	Binary        string        `mapstructure:"binary"`
	Image         string        `mapstructure:"image"`
	MemoryMB      int           `mapstructure:"memory_mb"`
	GuestNet      string        `mapstructure:"guest_net"`
	ConsoleLog    string        `mapstructure:"console_log"`
	ExtraArgs     []string      `mapstructure:"extra_args"`
	BootWait      time.Duration `mapstructure:"boot_wait"`
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace"`
}

// SSH describes the control channel into the guest.
type SSH struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	User           string        `mapstructure:"user"`
	Password       string        `mapstructure:"password"`
	DialTimeout    time.Duration `mapstructure:"dial_timeout"`
	CommandTimeout time.Duration `mapstructure:"command_timeout"`
	Attempts       int           `mapstructure:"attempts"`
	RetryInterval  time.Duration `mapstructure:"retry_interval"`
}

// Guest describes the shared submission folder.
type Guest struct {
	// Share is a mount spec: [tag=]SOURCE[:TARGET][:ro|rw]
	Share string `mapstructure:"share"`
}

// Grading selects what to grade.
type Grading struct {
	Scenario     string `mapstructure:"scenario"`
	ScenarioFile string `mapstructure:"scenario_file"`
	AntiTamper   bool   `mapstructure:"anti_tamper"`
	Seed         int64  `mapstructure:"seed"` // 0 picks a random seed
}

// Report configures the results file.
type Report struct {
	Path    string `mapstructure:"path"`
	Summary bool   `mapstructure:"summary"`
}

// Metrics configures the optional Prometheus textfile.
type Metrics struct {
	Textfile string `mapstructure:"textfile"`
}

// Runs configures the run record store.
type Runs struct {
	Dir string `mapstructure:"dir"`
}

// Log configures the process logger.
type Log struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads path, or ~/.labgrade/config.yaml when path is empty. A missing
// default config file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		expanded, err := homedir.Expand(path)
		if err != nil {
			return nil, err
		}
		v.SetConfigFile(expanded)
	} else {
		dir, err := ConfigDir()
		if err != nil {
			return nil, err
		}
		v.SetConfigName("config")
		v.AddConfigPath(dir)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.VM.Image = expandPath(cfg.VM.Image)
	cfg.VM.ConsoleLog = expandPath(cfg.VM.ConsoleLog)
	cfg.Grading.ScenarioFile = expandPath(cfg.Grading.ScenarioFile)
	cfg.Report.Path = expandPath(cfg.Report.Path)
	cfg.Metrics.Textfile = expandPath(cfg.Metrics.Textfile)
	cfg.Runs.Dir = expandPath(cfg.Runs.Dir)
	cfg.BlockedPaths = mergeBlockedPaths(expandPaths(cfg.BlockedPaths), expandPaths(HardcodedBlockedPaths))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	d := vm.DefaultConfig()

	v.SetDefault("vm.binary", d.Binary)
	v.SetDefault("vm.image", d.Image)
	v.SetDefault("vm.memory_mb", d.MemoryMB)
	v.SetDefault("vm.guest_net", d.GuestNet)
	v.SetDefault("vm.console_log", "")
	v.SetDefault("vm.extra_args", []string{})
	v.SetDefault("vm.boot_wait", d.BootWait)
	v.SetDefault("vm.shutdown_grace", d.ShutdownGrace)

	v.SetDefault("ssh.host", d.Endpoint.Host)
	v.SetDefault("ssh.port", d.Endpoint.Port)
	v.SetDefault("ssh.user", d.Credentials.User)
	v.SetDefault("ssh.password", d.Credentials.Password)
	v.SetDefault("ssh.dial_timeout", d.DialTimeout)
	v.SetDefault("ssh.command_timeout", d.CommandTimeout)
	v.SetDefault("ssh.attempts", d.Attempts)
	v.SetDefault("ssh.retry_interval", d.RetryInterval)

	v.SetDefault("guest.share", d.Share.Source)

	v.SetDefault("grading.scenario", "bgp-hijacking")
	v.SetDefault("grading.scenario_file", "")
	// Opt-in: only a guest service that echoes the token can pass the check.
	v.SetDefault("grading.anti_tamper", false)
	v.SetDefault("grading.seed", 0)

	v.SetDefault("report.path", "/autograder/results/results.json")
	v.SetDefault("report.summary", true)
	v.SetDefault("metrics.textfile", "")
	v.SetDefault("runs.dir", "~/.labgrade/runs")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	blocked := []string{
		"~/.ssh",
		"~/.aws",
		"~/.config/gcloud",
		"~/.gnupg",
		"~/.password-store",
		"~/.docker",
		"~/.netrc",
		"~/.kube",
		"~/.config/gh",
		"~/.azure",
	}
	switch runtime.GOOS {
	case "darwin":
		blocked = append(blocked, "~/Library/Keychains")
	case "linux":
		blocked = append(blocked, "~/.local/share/keyrings")
	}
	v.SetDefault("blocked_paths", blocked)
}

// Validate rejects settings no run could use.
func (c *Config) Validate() error {
	switch {
	case c.VM.MemoryMB <= 0:
		return fmt.Errorf("vm.memory_mb must be positive, got %d", c.VM.MemoryMB)
	case c.SSH.Port <= 0 || c.SSH.Port > 65535:
		return fmt.Errorf("ssh.port out of range: %d", c.SSH.Port)
	case c.SSH.Attempts <= 0:
		return fmt.Errorf("ssh.attempts must be positive, got %d", c.SSH.Attempts)
	case c.Report.Path == "":
		return errors.New("report.path is required")
	}
	if _, err := mount.Parse(c.Guest.Share); err != nil {
		return fmt.Errorf("guest.share: %w", err)
	}
	return nil
}

// VMConfig builds the lifecycle manager settings for a lab directory.
func (c *Config) VMConfig(labDir string) (vm.Config, error) {
	share, err := mount.Parse(c.Guest.Share)
	if err != nil {
		return vm.Config{}, fmt.Errorf("guest.share: %w", err)
	}
	return vm.Config{
		Binary:         c.VM.Binary,
		Image:          c.VM.Image,
		MemoryMB:       c.VM.MemoryMB,
		GuestNet:       c.VM.GuestNet,
		ConsoleLog:     c.VM.ConsoleLog,
		ExtraArgs:      c.VM.ExtraArgs,
		Share:          share,
		LabDir:         labDir,
		Endpoint:       remote.Endpoint{Host: c.SSH.Host, Port: c.SSH.Port},
		Credentials:    remote.Credentials{User: c.SSH.User, Password: c.SSH.Password},
		DialTimeout:    c.SSH.DialTimeout,
		CommandTimeout: c.SSH.CommandTimeout,
		BootWait:       c.VM.BootWait,
		Attempts:       c.SSH.Attempts,
		RetryInterval:  c.SSH.RetryInterval,
		ShutdownGrace:  c.VM.ShutdownGrace,
	}, nil
}

func expandPath(p string) string {
	if p == "" {
		return p
	}
	expanded, err := homedir.Expand(p)
	if err != nil {
		return p
	}
	return expanded
}

// expandPaths expands ~ in paths to home directory
func expandPaths(paths []string) []string {
	expanded := make([]string, len(paths))
	for i, p := range paths {
		expanded[i] = expandPath(p)
	}
	return expanded
}

// ConfigDir returns the labgrade configuration directory path
func ConfigDir() (string, error) {
	home, err := homedir.Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".labgrade"), nil
}

// EnsureConfigDir creates the config directory if it doesn't exist
func EnsureConfigDir() error {
	configDir, err := ConfigDir()
	if err != nil {
		return err
	}
	return os.MkdirAll(configDir, 0o755)
}

// mergeBlockedPaths merges two lists of blocked paths, removing duplicates.
// The hardcoded paths are always included regardless of user config.
func mergeBlockedPaths(userPaths, hardcodedPaths []string) []string {
	seen := make(map[string]bool)
	result := make([]string, 0, len(userPaths)+len(hardcodedPaths))

	for _, p := range hardcodedPaths {
		if !seen[p] {
			seen[p] = true
			result = append(result, p)
		}
	}
	for _, p := range userPaths {
		if !seen[p] {
			seen[p] = true
			result = append(result, p)
		}
	}

	return result
}
