package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"cardboardhrv/internal/constants"
)

const (
	EnvRedisHost     = "REDIS_HOST"
	EnvRedisPort     = "REDIS_PORT"
	EnvRedisUser     = "REDIS_USERNAME"
	EnvRedisPassword = "REDIS_PASSWORD"
	EnvRedisDB       = "REDIS_DB"
	EnvRelayURL      = "CARDBOARDHRV_RELAY_URL"
	EnvRelayListen   = "CARDBOARDHRV_RELAY_LISTEN"
	EnvPollingDir    = "CARDBOARDHRV_POLLING_DIR"
	EnvStateDir      = "CARDBOARDHRV_STATE_DIR"
	EnvPairingBase   = "CARDBOARDHRV_PAIRING_URL"
)

type Config struct {
	Redis      RedisConfig      `yaml:"redis"`
	Relay      RelayConfig      `yaml:"relay"`
	Polling    PollingConfig    `yaml:"polling"`
	Connection ConnectionConfig `yaml:"connection"`
	Sensor     SensorConfig     `yaml:"sensor"`
	StateDir   string           `yaml:"state_dir"`
	PairingURL string           `yaml:"pairing_url"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type RelayConfig struct {
	URL     string `yaml:"url"`
	Channel string `yaml:"channel"`
	Listen  string `yaml:"listen"`
}

type PollingConfig struct {
	Dir      string        `yaml:"dir"`
	Interval time.Duration `yaml:"interval"`
}

type ConnectionConfig struct {
	PingInterval     time.Duration `yaml:"ping_interval"`
	PresenceTimeout  time.Duration `yaml:"presence_timeout"`
	InitTimeout      time.Duration `yaml:"init_timeout"`
	SendTimeout      time.Duration `yaml:"send_timeout"`
	RecordingTimeout time.Duration `yaml:"recording_timeout"`
}

type SensorConfig struct {
	FrameRate     int           `yaml:"frame_rate"`
	Window        time.Duration `yaml:"window"`
	EstimateEvery int           `yaml:"estimate_every"`
	PreviewEvery  int           `yaml:"preview_every"`
}

func Default() *Config {
	return &Config{
		Relay: RelayConfig{
			Channel: constants.DefaultRelayChannel,
			Listen:  constants.DefaultRelayListen,
		},
		Polling: PollingConfig{
			Dir:      os.TempDir(),
			Interval: constants.PollInterval,
		},
		Connection: ConnectionConfig{
			PingInterval:     constants.PingInterval,
			PresenceTimeout:  constants.PresenceTimeout,
			InitTimeout:      constants.InitTimeout,
			SendTimeout:      constants.SendTimeout,
			RecordingTimeout: constants.RecordingTimeout,
		},
		Sensor: SensorConfig{
			FrameRate:     constants.FrameRate,
			Window:        constants.SampleWindow,
			EstimateEvery: constants.EstimateEvery,
			PreviewEvery:  constants.PreviewEvery,
		},
		PairingURL: constants.DefaultPairingBase,
	}
}

// Load reads the YAML file at path over the defaults and applies environment
// overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.ApplyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Env returns the value of the environment variable key, or fallback when
// it is unset or empty.
func Env(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

// ApplyEnv overrides file values with any environment variables that are set.
func (c *Config) ApplyEnv() {
	if host := Env(EnvRedisHost, ""); host != "" {
		c.Redis.Addr = host + ":" + Env(EnvRedisPort, constants.DefaultRedisPort)
	}
	c.Redis.Username = Env(EnvRedisUser, c.Redis.Username)
	c.Redis.Password = Env(EnvRedisPassword, c.Redis.Password)
	if db, err := strconv.Atoi(Env(EnvRedisDB, "")); err == nil {
		c.Redis.DB = db
	}

	c.Relay.URL = Env(EnvRelayURL, c.Relay.URL)
	c.Relay.Listen = Env(EnvRelayListen, c.Relay.Listen)
	c.Polling.Dir = Env(EnvPollingDir, c.Polling.Dir)
	c.StateDir = Env(EnvStateDir, c.StateDir)
	c.PairingURL = Env(EnvPairingBase, c.PairingURL)
}

func (c *Config) Validate() error {
	var errs []error

	if c.Connection.PingInterval <= 0 {
		errs = append(errs, errors.New("connection.ping_interval must be positive"))
	}
	if c.Connection.PresenceTimeout < c.Connection.PingInterval {
		errs = append(errs, errors.New("connection.presence_timeout must be at least ping_interval"))
	}
	if c.Connection.InitTimeout <= 0 {
		errs = append(errs, errors.New("connection.init_timeout must be positive"))
	}
	if c.Connection.SendTimeout <= 0 {
		errs = append(errs, errors.New("connection.send_timeout must be positive"))
	}
	if c.Connection.RecordingTimeout <= 0 {
		errs = append(errs, errors.New("connection.recording_timeout must be positive"))
	}
	if c.Polling.Interval <= 0 {
		errs = append(errs, errors.New("polling.interval must be positive"))
	}
	if c.Sensor.FrameRate <= 0 || c.Sensor.FrameRate > 120 {
		errs = append(errs, fmt.Errorf("sensor.frame_rate %d out of range (1-120)", c.Sensor.FrameRate))
	}
	if c.Sensor.Window <= 0 {
		errs = append(errs, errors.New("sensor.window must be positive"))
	}
	if c.Sensor.EstimateEvery <= 0 {
		errs = append(errs, errors.New("sensor.estimate_every must be positive"))
	}
	if c.Relay.Channel == "" {
		errs = append(errs, errors.New("relay.channel must not be empty"))
	}

	return errors.Join(errs...)
}
