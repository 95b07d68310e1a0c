package config

import (
	"errors"
	"fmt"
	"io/fs"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/1broseidon/airsync/internal/credentials"
	"github.com/1broseidon/airsync/pkg/models"
)

// DateTimeLayout is the layout of startTimestamp and of the CLI range flags
const DateTimeLayout = "2006-01-02 15:04:05"

// DefaultBaseURL is the public PurpleAir API endpoint
const DefaultBaseURL = "https://api.purpleair.com"

// Config represents the application configuration
type Config struct {
	PurpleAir PurpleAirConfig  `yaml:"purpleair" mapstructure:"purpleair" json:"purpleair"`
	Devices   map[string][]int `yaml:"devices" mapstructure:"devices" json:"devices" validate:"required,min=1,dive,keys,required,endkeys,required,min=1,dive,gt=0"`
	Storage   StorageConfig    `yaml:"storage" mapstructure:"storage" json:"storage"`
	Sync      SyncConfig       `yaml:"sync" mapstructure:"sync" json:"sync"`
	Logging   LoggingConfig    `yaml:"logging" mapstructure:"logging" json:"logging"`
	Metrics   MetricsConfig    `yaml:"metrics" mapstructure:"metrics" json:"metrics"`
	Server    ServerConfig     `yaml:"server" mapstructure:"server" json:"server"`
}

// PurpleAirConfig contains the remote API settings and request parameters
type PurpleAirConfig struct {
	BaseURL           string        `yaml:"baseURL" mapstructure:"baseURL" json:"baseURL" validate:"required,url"`
	ReadKeys          []string      `yaml:"readKeys" mapstructure:"readKeys" json:"readKeys" validate:"required,min=1,dive,required"`
	MaxRequestsPerKey int           `yaml:"maxRequestsPerKey" mapstructure:"maxRequestsPerKey" json:"maxRequestsPerKey" validate:"min=1"`
	StartTimestamp    string        `yaml:"startTimestamp" mapstructure:"startTimestamp" json:"startTimestamp" validate:"required"`
	BatchDays         int           `yaml:"batchDays" mapstructure:"batchDays" json:"batchDays" validate:"min=1,max=14"`
	Average           int           `yaml:"average" mapstructure:"average" json:"average" validate:"oneof=0 10 30 60 360 1440"`
	Fields            []string      `yaml:"fields" mapstructure:"fields" json:"fields" validate:"required,min=1,dive,required"`
	Timeout           time.Duration `yaml:"timeout" mapstructure:"timeout" json:"timeout" validate:"gte=0"`
	RequestsPerSecond float64       `yaml:"requestsPerSecond" mapstructure:"requestsPerSecond" json:"requestsPerSecond" validate:"gte=0"`
	Breaker           BreakerConfig `yaml:"breaker" mapstructure:"breaker" json:"breaker"`
}

// BreakerConfig configures the circuit breaker in front of the remote API
type BreakerConfig struct {
	Enabled     bool          `yaml:"enabled" mapstructure:"enabled" json:"enabled"`
	MaxFailures uint32        `yaml:"maxFailures" mapstructure:"maxFailures" json:"maxFailures"`
	Cooldown    time.Duration `yaml:"cooldown" mapstructure:"cooldown" json:"cooldown" validate:"gte=0"`
}

// StorageConfig selects and configures the dataset backend
type StorageConfig struct {
	Backend  string         `yaml:"backend" mapstructure:"backend" json:"backend" validate:"oneof=csv badger influxdb postgres none"`
	DataDir  string         `yaml:"dataDir" mapstructure:"dataDir" json:"dataDir"`
	Badger   BadgerConfig   `yaml:"badger" mapstructure:"badger" json:"badger"`
	InfluxDB InfluxDBConfig `yaml:"influxdb" mapstructure:"influxdb" json:"influxdb"`
	Postgres PostgresConfig `yaml:"postgres" mapstructure:"postgres" json:"postgres"`
}

// BadgerConfig contains BadgerDB settings
type BadgerConfig struct {
	Path string `yaml:"path" mapstructure:"path" json:"path"`
}

// InfluxDBConfig contains InfluxDB v2 settings
type InfluxDBConfig struct {
	URL         string `yaml:"url" mapstructure:"url" json:"url"`
	Token       string `yaml:"token" mapstructure:"token" json:"token"`
	Org         string `yaml:"org" mapstructure:"org" json:"org"`
	Bucket      string `yaml:"bucket" mapstructure:"bucket" json:"bucket"`
	Measurement string `yaml:"measurement" mapstructure:"measurement" json:"measurement"`
}

// PostgresConfig contains PostgreSQL settings
type PostgresConfig struct {
	Host     string `yaml:"host" mapstructure:"host" json:"host"`
	Port     int    `yaml:"port" mapstructure:"port" json:"port"`
	User     string `yaml:"user" mapstructure:"user" json:"user"`
	Password string `yaml:"password" mapstructure:"password" json:"password"`
	Database string `yaml:"database" mapstructure:"database" json:"database"`
	SSLMode  string `yaml:"sslMode" mapstructure:"sslMode" json:"sslMode"`
}

// ConnString returns a libpq style connection string
func (p PostgresConfig) ConnString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// SyncConfig controls how a run is executed
type SyncConfig struct {
	FailFast    bool `yaml:"failFast" mapstructure:"failFast" json:"failFast"`
	Concurrency int  `yaml:"concurrency" mapstructure:"concurrency" json:"concurrency" validate:"min=1,max=32"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string            `yaml:"level" mapstructure:"level" json:"level" validate:"omitempty,oneof=trace debug info warn error fatal panic disabled"`
	Format string            `yaml:"format" mapstructure:"format" json:"format" validate:"omitempty,oneof=json console text"`
	Output string            `yaml:"output" mapstructure:"output" json:"output"`
	Fields map[string]string `yaml:"fields" mapstructure:"fields" json:"fields"`
}

// MetricsConfig contains Prometheus metrics configuration
type MetricsConfig struct {
	Enabled  bool   `yaml:"enabled" mapstructure:"enabled" json:"enabled"`
	Textfile string `yaml:"textfile" mapstructure:"textfile" json:"textfile"`
}

// ServerConfig contains daemon mode configuration
type ServerConfig struct {
	Enabled     bool          `yaml:"enabled" mapstructure:"enabled" json:"enabled"`
	Host        string        `yaml:"host" mapstructure:"host" json:"host"`
	Port        string        `yaml:"port" mapstructure:"port" json:"port" validate:"required"`
	Schedule    time.Duration `yaml:"schedule" mapstructure:"schedule" json:"schedule"`
	RunHistory  int           `yaml:"runHistory" mapstructure:"runHistory" json:"runHistory" validate:"min=1"`
	CORSOrigins []string      `yaml:"corsOrigins" mapstructure:"corsOrigins" json:"corsOrigins"`
}

// LoadConfig loads configuration from file. A .env file in the working
// directory is loaded into the environment first; environment variables
// override file values (purpleair.readKeys -> PURPLEAIR_READKEYS).
func LoadConfig(configPath string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()

	v.SetDefault("purpleair.baseURL", DefaultBaseURL)
	v.SetDefault("purpleair.readKeys", []string{})
	v.SetDefault("purpleair.maxRequestsPerKey", 10)
	v.SetDefault("purpleair.startTimestamp", "2021-01-01 00:00:00")
	v.SetDefault("purpleair.batchDays", 14)
	v.SetDefault("purpleair.average", 60)
	v.SetDefault("purpleair.fields", []string{"humidity", "temperature", "pressure", "pm2.5_atm"})
	v.SetDefault("purpleair.timeout", "30s")
	v.SetDefault("purpleair.requestsPerSecond", 0)
	v.SetDefault("purpleair.breaker.enabled", false)
	v.SetDefault("purpleair.breaker.maxFailures", 5)
	v.SetDefault("purpleair.breaker.cooldown", "1m")
	v.SetDefault("storage.backend", "csv")
	v.SetDefault("storage.dataDir", "data")
	v.SetDefault("storage.badger.path", "data/badger")
	v.SetDefault("storage.influxdb.measurement", "sensor_history")
	v.SetDefault("storage.postgres.port", 5432)
	v.SetDefault("storage.postgres.sslMode", "disable")
	v.SetDefault("sync.failFast", true)
	v.SetDefault("sync.concurrency", 1)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.textfile", "")
	v.SetDefault("server.enabled", false)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", "7879")
	v.SetDefault("server.schedule", "1h")
	v.SetDefault("server.runHistory", 50)
	v.SetDefault("server.corsOrigins", []string{"*"})

	// Enable environment variable substitution
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/airsync")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%s failed %q validation (value %v)", fe.Namespace(), fe.Tag(), fe.Value())
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if _, err := c.PurpleAir.DefaultStart(); err != nil {
		return fmt.Errorf("purpleair.startTimestamp must use %q: %w", DateTimeLayout, err)
	}

	for location, ids := range c.Devices {
		seen := make(map[int]bool, len(ids))
		for _, id := range ids {
			if seen[id] {
				return fmt.Errorf("duplicate sensor %d in location %s", id, location)
			}
			seen[id] = true
		}
	}

	switch c.Storage.Backend {
	case "csv":
		if c.Storage.DataDir == "" {
			return fmt.Errorf("storage.dataDir is required for the csv backend")
		}
	case "badger":
		if c.Storage.Badger.Path == "" {
			return fmt.Errorf("storage.badger.path is required for the badger backend")
		}
	case "influxdb":
		i := c.Storage.InfluxDB
		if i.URL == "" || i.Org == "" || i.Bucket == "" {
			return fmt.Errorf("storage.influxdb requires url, org and bucket")
		}
	case "postgres":
		if c.Storage.Postgres.Host == "" || c.Storage.Postgres.Database == "" {
			return fmt.Errorf("storage.postgres requires host and database")
		}
	}

	if c.Server.Enabled && c.Server.Schedule < time.Minute {
		return fmt.Errorf("server.schedule too short (min 1 minute): %v", c.Server.Schedule)
	}

	return nil
}

// DefaultStart parses startTimestamp as UTC
func (p PurpleAirConfig) DefaultStart() (time.Time, error) {
	return time.ParseInLocation(DateTimeLayout, p.StartTimestamp, time.UTC)
}

// AverageInterval is the spacing between consecutive averaged samples
func (p PurpleAirConfig) AverageInterval() time.Duration {
	return time.Duration(p.Average) * time.Minute
}

// BatchWindow is the width of one history request
func (p PurpleAirConfig) BatchWindow() time.Duration {
	return time.Duration(p.BatchDays) * 24 * time.Hour
}

// Locations returns the configured location names in sorted order
func (c *Config) Locations() []string {
	names := make([]string, 0, len(c.Devices))
	for name := range c.Devices {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Sensors returns the sensors of the given locations, in the order given and
// then in configured order within each location. No locations means all of
// them. Unknown locations are an error.
func (c *Config) Sensors(locations []string) ([]models.Sensor, error) {
	if len(locations) == 0 {
		locations = c.Locations()
	}

	var sensors []models.Sensor
	seen := make(map[string]bool, len(locations))
	for _, loc := range locations {
		if seen[loc] {
			continue
		}
		seen[loc] = true

		ids, ok := c.Devices[loc]
		if !ok {
			return nil, fmt.Errorf("unknown location %q (configured: %s)", loc, strings.Join(c.Locations(), ", "))
		}
		for _, id := range ids {
			sensors = append(sensors, models.Sensor{Location: loc, ID: id})
		}
	}
	return sensors, nil
}

// Redacted returns a copy with keys, tokens and passwords masked
func (c *Config) Redacted() *Config {
	out := *c
	out.PurpleAir.ReadKeys = make([]string, len(c.PurpleAir.ReadKeys))
	for i, k := range c.PurpleAir.ReadKeys {
		out.PurpleAir.ReadKeys[i] = credentials.Mask(k)
	}
	out.PurpleAir.Fields = slices.Clone(c.PurpleAir.Fields)
	out.Storage.InfluxDB.Token = credentials.Mask(c.Storage.InfluxDB.Token)
	out.Storage.Postgres.Password = credentials.Mask(c.Storage.Postgres.Password)
	return &out
}
