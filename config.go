package jaeger

import (
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v6"
	"gopkg.in/yaml.v2"
)

const systemConfigFile = "/etc/jaeger/jaeger.yaml"

// CANProfile describes one CAN interface and the buses it carries.
type CANProfile struct {
	Interface string   `yaml:"interface"` // cannet, slcan, socketcan, virtual
	Channel   string   `yaml:"channel"`   // host, serial device or netdev name
	Port      int      `yaml:"port"`
	Buses     []int    `yaml:"buses"`
	Bitrate   int      `yaml:"bitrate"`
	Channels  []string `yaml:"channels"` // extra netdevs for socketcan
}

// PositionerConfig holds per-robot protocol constants.
type PositionerConfig struct {
	MotorSteps       int64      `yaml:"motor_steps" env:"JAEGER_MOTOR_STEPS"`
	TimeStep         float64    `yaml:"time_step"`
	TrajectoryPoints int        `yaml:"trajectory_data_n_points"`
	ReachedTolerance float64    `yaml:"reached_tolerance"`
	DefaultSpeed     float64    `yaml:"default_speed"` // RPM
	MaxSpeed         float64    `yaml:"max_speed"`     // RPM
	FirmwareRange    string     `yaml:"firmware_range"`
	Disabled         []int      `yaml:"disabled"`
	AlphaLimits      [2]float64 `yaml:"alpha_limits,flow"`
	BetaLimits       [2]float64 `yaml:"beta_limits,flow"`
}

// PollerConfig holds the poller cadences, in seconds.
type PollerConfig struct {
	StatusInterval   float64 `yaml:"status_interval" env:"JAEGER_STATUS_INTERVAL"`
	PositionInterval float64 `yaml:"position_interval" env:"JAEGER_POSITION_INTERVAL"`
}

// StatusEvery returns the status poll cadence as a duration.
func (p PollerConfig) StatusEvery() time.Duration {
	return time.Duration(p.StatusInterval * float64(time.Second))
}

// PositionEvery returns the position poll cadence as a duration.
func (p PollerConfig) PositionEvery() time.Duration {
	return time.Duration(p.PositionInterval * float64(time.Second))
}

// SafeModeConfig restricts beta moves when enabled.
type SafeModeConfig struct {
	Enabled bool    `yaml:"enabled" env:"JAEGER_SAFE_MODE"`
	MinBeta float64 `yaml:"min_beta"`
}

// Config is the merged controller configuration. Values are layered:
// compiled defaults, then the system file, then the user file, then the
// environment.
type Config struct {
	Profile  string                `yaml:"profile" env:"JAEGER_PROFILE"`
	Profiles map[string]CANProfile `yaml:"profiles"`

	Positioner PositionerConfig `yaml:"positioner"`
	Pollers    PollerConfig     `yaml:"pollers"`
	SafeMode   SafeModeConfig   `yaml:"safe_mode"`

	LockfilePath string `yaml:"lockfile" env:"JAEGER_LOCKFILE"`
	DumpDB       string `yaml:"dump_db" env:"JAEGER_DUMP_DB"`
}

// DefaultConfig returns the compiled-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Profile: "virtual",
		Profiles: map[string]CANProfile{
			"virtual": {Interface: "virtual", Buses: []int{0}},
		},
		Positioner: PositionerConfig{
			MotorSteps:       1 << 30,
			TimeStep:         0.0005,
			TrajectoryPoints: 3,
			ReachedTolerance: 0.1,
			DefaultSpeed:     1000,
			MaxSpeed:         3000,
			FirmwareRange:    ">=4.0.0",
			AlphaLimits:      [2]float64{-10, 370},
			BetaLimits:       [2]float64{-10, 190},
		},
		Pollers: PollerConfig{
			StatusInterval:   1,
			PositionInterval: 5,
		},
		SafeMode: SafeModeConfig{
			Enabled: false,
			MinBeta: 160,
		},
		LockfilePath: "/var/tmp/jaeger.lock",
		DumpDB:       "jaeger_dumps.db",
	}
}

// LoadConfig builds the layered configuration. userFile may be empty, in
// which case ~/.config/jaeger/jaeger.yaml is tried. Missing files are not
// an error; unparsable ones are.
func LoadConfig(userFile string) (cfg *Config, err error) {
	cfg = DefaultConfig()

	if err = mergeFile(cfg, systemConfigFile); err != nil {
		return nil, err
	}

	if userFile == "" {
		if home, herr := os.UserHomeDir(); herr == nil {
			userFile = filepath.Join(home, ".config", "jaeger", "jaeger.yaml")
		}
	}
	if userFile != "" {
		if err = mergeFile(cfg, userFile); err != nil {
			return nil, err
		}
	}

	if err = env.Parse(cfg); err != nil {
		return nil, err
	}

	if err = cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func mergeFile(cfg *Config, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(raw, cfg)
}

// Validate checks the merged configuration is usable.
func (c *Config) Validate() error {
	profile, ok := c.Profiles[c.Profile]
	if !ok {
		return &InvalidConfigurationError{Field: "profile", Reason: "profile " + c.Profile + " is not defined"}
	}
	switch profile.Interface {
	case "cannet", "slcan", "socketcan", "virtual":
	default:
		return &InvalidConfigurationError{Field: "profiles", Reason: "unknown interface type " + profile.Interface}
	}
	if len(profile.Buses) == 0 {
		return &InvalidConfigurationError{Field: "profiles", Reason: "profile has no buses"}
	}
	if c.Positioner.MotorSteps <= 0 {
		return &InvalidConfigurationError{Field: "positioner.motor_steps", Reason: "must be positive"}
	}
	if c.Positioner.TimeStep <= 0 {
		return &InvalidConfigurationError{Field: "positioner.time_step", Reason: "must be positive"}
	}
	if c.Positioner.TrajectoryPoints <= 0 {
		return &InvalidConfigurationError{Field: "positioner.trajectory_data_n_points", Reason: "must be positive"}
	}
	if c.Pollers.StatusInterval <= 0 || c.Pollers.PositionInterval <= 0 {
		return &InvalidConfigurationError{Field: "pollers", Reason: "intervals must be positive"}
	}
	return nil
}

// ActiveProfile returns the selected CAN profile.
func (c *Config) ActiveProfile() CANProfile {
	return c.Profiles[c.Profile]
}
