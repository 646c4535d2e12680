package config

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const envPrefix = "DECOY"

type Config struct {
	DataDir string `mapstructure:"data_dir"`
	DBPath  string `mapstructure:"db_path"`
	User    string `mapstructure:"user"`

	Log      LogConfig      `mapstructure:"log"`
	Defaults DefaultsConfig `mapstructure:"defaults"`
	Slurm    SlurmConfig    `mapstructure:"slurm"`
	Poll     PollConfig     `mapstructure:"poll"`
	Serial   SerialConfig   `mapstructure:"serial"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // console or json
}

// DefaultsConfig holds the values used when the dock command flags are not set.
type DefaultsConfig struct {
	Decoys    int    `mapstructure:"decoys"`
	Steps     int    `mapstructure:"steps"`
	PreFilter string `mapstructure:"pre_filter"`
}

type SlurmConfig struct {
	MaxJobs      int     `mapstructure:"max_jobs"`
	Partition    string  `mapstructure:"partition"`
	Memory       string  `mapstructure:"memory"`
	TimeLimit    string  `mapstructure:"time_limit"`
	Requeue      bool    `mapstructure:"requeue"`
	DecoyCommand string  `mapstructure:"decoy_command"`
	SubmitRate   float64 `mapstructure:"submit_rate"` // submissions per second, 0 = unlimited
	SubmitBurst  int     `mapstructure:"submit_burst"`
}

// PollConfig controls how long the queue deployer waits for free slots.
// A zero MaxWait waits until the scheduler frees capacity or the process is
// interrupted.
type PollConfig struct {
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	Multiplier      float64       `mapstructure:"multiplier"`
	MaxWait         time.Duration `mapstructure:"max_wait"`
}

type SerialConfig struct {
	RunnerCommand string `mapstructure:"runner_command"`
	DesignMover   string `mapstructure:"design_mover"`
	WorkDir       string `mapstructure:"work_dir"`
}

// New loads the configuration from the global viper instance.
func New() (*Config, error) {
	return Load(viper.GetViper())
}

// Load applies defaults, the optional config file and DECOY_* environment
// overrides to v and decodes the result.
func Load(v *viper.Viper) (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	SetDefaults(v, filepath.Join(homeDir, ".decoy"))

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	var c Config
	hook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
	if err := v.Unmarshal(&c, viper.DecodeHook(hook)); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.DataDir, "decoy.db")
	}
	if c.Serial.WorkDir == "" {
		c.Serial.WorkDir = filepath.Join(c.DataDir, "work")
	}
	if c.User == "" {
		c.User = currentUser()
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// SetDefaults registers every known key so env overrides and Unmarshal see it.
func SetDefaults(v *viper.Viper, dataDir string) {
	v.SetDefault("data_dir", dataDir)
	v.SetDefault("db_path", "")
	v.SetDefault("user", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("defaults.decoys", 100)
	v.SetDefault("defaults.steps", 2000)
	v.SetDefault("defaults.pre_filter", "auto")

	v.SetDefault("slurm.max_jobs", 499)
	v.SetDefault("slurm.partition", "main")
	v.SetDefault("slurm.memory", "4GB")
	v.SetDefault("slurm.time_limit", "72:00:00")
	v.SetDefault("slurm.requeue", true)
	v.SetDefault("slurm.decoy_command", "python ~/scripts/single_dock_decoy.py")
	v.SetDefault("slurm.submit_rate", 0.0)
	v.SetDefault("slurm.submit_burst", 1)

	v.SetDefault("poll.initial_interval", "5s")
	v.SetDefault("poll.max_interval", "2m")
	v.SetDefault("poll.multiplier", 2.0)
	v.SetDefault("poll.max_wait", "0s")

	v.SetDefault("serial.runner_command", "python ~/scripts/single_dock_decoy.py")
	v.SetDefault("serial.design_mover", "auto")
	v.SetDefault("serial.work_dir", "")
}

func readConfigFile(v *viper.Viper) error {
	path := v.ConfigFileUsed()
	if path == "" {
		path = filepath.Join(v.GetString("data_dir"), "config.yaml")
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return nil
		}
		v.SetConfigFile(path)
	}
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	if c.Slurm.MaxJobs < 0 {
		return fmt.Errorf("slurm.max_jobs must be non-negative, got %d", c.Slurm.MaxJobs)
	}
	if c.Slurm.SubmitRate < 0 {
		return fmt.Errorf("slurm.submit_rate must be non-negative")
	}
	if c.Poll.InitialInterval <= 0 || c.Poll.MaxInterval < c.Poll.InitialInterval {
		return fmt.Errorf("poll intervals must satisfy 0 < initial_interval <= max_interval")
	}
	if c.Poll.Multiplier < 1 {
		return fmt.Errorf("poll.multiplier must be at least 1")
	}
	if c.Poll.MaxWait < 0 {
		return fmt.Errorf("poll.max_wait must be non-negative")
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("log.format must be console or json, got %q", c.Log.Format)
	}
	return nil
}

func (c *Config) EnsureDataDir() error {
	if err := os.MkdirAll(c.DataDir, 0755); err != nil {
		return err
	}
	if err := os.MkdirAll(c.Serial.WorkDir, 0755); err != nil {
		return err
	}
	return nil
}

// currentUser mirrors the scheduler's notion of the submitting user: $USER
// first, then the account database.
func currentUser() string {
	if name, ok := os.LookupEnv("USER"); ok && name != "" {
		return name
	}
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return ""
}
