package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"person_location/internal/logging"
)

// EnvPrefix scopes every environment override.
const EnvPrefix = "PERSON_LOCATION_"

// NotUsed is the placeholder stored for an API key that was never configured.
const NotUsed = "not used"

const (
	defaultTemplate    = "{{person_name}} ({{source.attributes.friendly_name}}) {{friendly_name_location}}"
	defaultQueueSize   = 128
	maxQueueSize       = 1024
	defaultWorkerCount = 4
	maxWorkerCount     = 64
)

// PersonName maps a person to the device trackers that report for them.
type PersonName struct {
	Name    string   `koanf:"name" yaml:"name" validate:"required"`
	Devices []string `koanf:"devices" yaml:"devices"`
}

// Home holds the home zone coordinates.
type Home struct {
	Latitude  float64 `koanf:"latitude" yaml:"latitude" validate:"latitude"`
	Longitude float64 `koanf:"longitude" yaml:"longitude" validate:"longitude"`
	Radius    float64 `koanf:"radius" yaml:"radius" validate:"gte=0"`
}

// Zone is a named area published to the zone registry.
type Zone struct {
	ID        string  `koanf:"id" yaml:"id" validate:"required"`
	Name      string  `koanf:"name" yaml:"name"`
	Icon      string  `koanf:"icon" yaml:"icon"`
	Latitude  float64 `koanf:"latitude" yaml:"latitude" validate:"latitude"`
	Longitude float64 `koanf:"longitude" yaml:"longitude" validate:"longitude"`
	Radius    float64 `koanf:"radius" yaml:"radius" validate:"gte=0"`
}

// Config is the flattened merge of defaults < data < options < environment.
type Config struct {
	// Service settings.
	HTTPAddr        string `koanf:"http_addr" yaml:"http_addr" validate:"required"`
	DBPath          string `koanf:"db_path" yaml:"db_path" validate:"required"`
	WorkerCount     int    `koanf:"worker_count" yaml:"worker_count"`
	QueueSize       int    `koanf:"queue_size" yaml:"queue_size"`
	JobTimeoutSec   int    `koanf:"job_timeout_sec" yaml:"job_timeout_sec" validate:"gte=1"`
	RateLimit       int    `koanf:"rate_limit" yaml:"rate_limit" validate:"gte=0"`
	LogLevel        string `koanf:"log_level" yaml:"log_level"`
	LogFormat       string `koanf:"log_format" yaml:"log_format" validate:"oneof=json console"`
	StrictConfig    bool   `koanf:"strict_config" yaml:"strict_config"`
	EnableWatcher   bool   `koanf:"enable_watcher" yaml:"enable_watcher"`
	StartupGraceSec int    `koanf:"startup_grace_sec" yaml:"startup_grace_sec" validate:"gte=0"`

	// API keys.
	GoogleAPIKey   string `koanf:"google_api_key" yaml:"google_api_key"`
	MapboxAPIKey   string `koanf:"mapbox_api_key" yaml:"mapbox_api_key"`
	MapquestAPIKey string `koanf:"mapquest_api_key" yaml:"mapquest_api_key"`
	OSMAPIKey      string `koanf:"osm_api_key" yaml:"osm_api_key"`
	RadarAPIKey    string `koanf:"radar_api_key" yaml:"radar_api_key"`

	// Behaviour.
	Language                string       `koanf:"language" yaml:"language" validate:"required"`
	Region                  string       `koanf:"region" yaml:"region" validate:"required"`
	FriendlyNameTemplate    string       `koanf:"friendly_name_template" yaml:"friendly_name_template"`
	ExtendedAway            int          `koanf:"extended_away" yaml:"extended_away" validate:"gte=0"`
	JustArrived             int          `koanf:"just_arrived" yaml:"just_arrived" validate:"gte=0"`
	JustLeft                int          `koanf:"just_left" yaml:"just_left" validate:"gte=0"`
	ShowZoneWhenAway        bool         `koanf:"show_zone_when_away" yaml:"show_zone_when_away"`
	Platform                string       `koanf:"platform" yaml:"platform" validate:"oneof=sensor device_tracker"`
	CreateSensors           []string     `koanf:"create_sensors" yaml:"create_sensors" validate:"dive,oneof=altitude bread_crumbs direction driving_miles driving_minutes geocoded latitude longitude meters_from_home miles_from_home"`
	FollowPersonIntegration bool         `koanf:"follow_person_integration" yaml:"follow_person_integration"`
	PersonNames             []PersonName `koanf:"person_names" yaml:"person_names" validate:"dive"`
	DistanceDurationSource  string       `koanf:"distance_duration_source" yaml:"distance_duration_source"`
	Home                    Home         `koanf:"home" yaml:"home"`
	Zones                   []Zone       `koanf:"zones" yaml:"zones" validate:"dive"`
}

// Paths locates the optional data and options layers and the dotenv file.
type Paths struct {
	Data    string
	Options string
	EnvFile string
}

// DefaultPaths reads layer paths from the environment.
func DefaultPaths() Paths {
	return Paths{
		Data:    getenv(EnvPrefix+"DATA_PATH", "config/data.yaml"),
		Options: getenv(EnvPrefix+"OPTIONS_PATH", "config/options.yaml"),
		EnvFile: getenv(EnvPrefix+"ENV_FILE", ".env"),
	}
}

// Defaults returns the compiled-in layer.
func Defaults() Config {
	return Config{
		HTTPAddr:               ":8080",
		DBPath:                 "person_location.db",
		WorkerCount:            defaultWorkerCount,
		QueueSize:              defaultQueueSize,
		JobTimeoutSec:          60,
		RateLimit:              120,
		LogLevel:               "info",
		LogFormat:              "json",
		EnableWatcher:          true,
		StartupGraceSec:        120,
		GoogleAPIKey:           NotUsed,
		MapboxAPIKey:           NotUsed,
		MapquestAPIKey:         NotUsed,
		OSMAPIKey:              NotUsed,
		RadarAPIKey:            NotUsed,
		Language:               "en",
		Region:                 "US",
		FriendlyNameTemplate:   defaultTemplate,
		ExtendedAway:           48,
		JustArrived:            3,
		JustLeft:               3,
		Platform:               "sensor",
		DistanceDurationSource: "waze",
		Home:                   Home{Radius: 100},
	}
}

// Load builds the effective configuration. Missing layer files are skipped.
func Load(paths Paths) (Config, error) {
	if paths.EnvFile != "" {
		_ = godotenv.Load(paths.EnvFile)
	}

	k := koanf.New(".")
	if err := k.Load(structs.Provider(Defaults(), "koanf"), nil); err != nil {
		return Config{}, fmt.Errorf("load defaults: %w", err)
	}
	for _, layer := range []string{paths.Data, paths.Options} {
		if err := loadLayer(k, layer); err != nil {
			return Config{}, err
		}
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return Config{}, fmt.Errorf("load env: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	normalize(&cfg)

	if err := Validate(cfg); err != nil {
		if cfg.StrictConfig {
			return cfg, err
		}
		logging.Warn().Err(err).Msg("config validation failed, continuing")
	}
	return cfg, nil
}

func loadLayer(k *koanf.Koanf, path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logging.Debug().Str("path", path).Msg("config layer not found, skipping")
			return nil
		}
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if err := k.Load(file.Provider(path), yaml.Parser(), koanf.WithMergeFunc(mergeInto)); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// envKey maps PERSON_LOCATION_HOME__LATITUDE to home.latitude.
func envKey(key string) string {
	key = strings.TrimPrefix(key, EnvPrefix)
	switch key {
	case "DATA_PATH", "OPTIONS_PATH", "ENV_FILE":
		return ""
	}
	return strings.ReplaceAll(strings.ToLower(key), "__", ".")
}

func normalize(cfg *Config) {
	cfg.WorkerCount = clampInt(cfg.WorkerCount, 1, maxWorkerCount)
	cfg.QueueSize = clampInt(cfg.QueueSize, 1, maxQueueSize)
	if cfg.QueueSize < cfg.WorkerCount {
		cfg.QueueSize = cfg.WorkerCount
	}
	if cfg.HTTPAddr != "" && !strings.Contains(cfg.HTTPAddr, ":") {
		cfg.HTTPAddr = ":" + cfg.HTTPAddr
	}
	cfg.Region = strings.ToUpper(strings.TrimSpace(cfg.Region))
	cfg.Language = strings.TrimSpace(cfg.Language)
	for i := range cfg.PersonNames {
		cfg.PersonNames[i].Name = strings.ToLower(strings.TrimSpace(cfg.PersonNames[i].Name))
	}
	for _, k := range []*string{&cfg.GoogleAPIKey, &cfg.MapboxAPIKey, &cfg.MapquestAPIKey, &cfg.OSMAPIKey, &cfg.RadarAPIKey} {
		if strings.TrimSpace(*k) == "" {
			*k = NotUsed
		}
	}
}

// APIKeys returns the configured key per provider id.
func (c Config) APIKeys() map[string]string {
	return map[string]string{
		"google_maps":     c.GoogleAPIKey,
		"mapbox":          c.MapboxAPIKey,
		"mapquest":        c.MapquestAPIKey,
		"open_street_map": c.OSMAPIKey,
		"radar":           c.RadarAPIKey,
	}
}

// HasKey reports whether a usable key is configured for provider. Waze
// needs none.
func (c Config) HasKey(provider string) bool {
	if provider == "waze" {
		return true
	}
	key, ok := c.APIKeys()[provider]
	return ok && key != "" && key != NotUsed
}

// DeviceOwners maps each configured device entity id to its person.
func (c Config) DeviceOwners() map[string]string {
	out := make(map[string]string)
	for _, p := range c.PersonNames {
		for _, d := range p.Devices {
			out[strings.ToLower(d)] = p.Name
		}
	}
	return out
}

// WantsSensor reports whether a companion sensor was requested.
func (c Config) WantsSensor(name string) bool {
	for _, s := range c.CreateSensors {
		if s == name {
			return true
		}
	}
	return false
}

func (c Config) JustArrivedDelay() time.Duration {
	return time.Duration(c.JustArrived) * time.Minute
}

func (c Config) JustLeftDelay() time.Duration {
	return time.Duration(c.JustLeft) * time.Minute
}

func (c Config) ExtendedAwayDelay() time.Duration {
	return time.Duration(c.ExtendedAway) * time.Hour
}

func (c Config) JobTimeout() time.Duration {
	return time.Duration(c.JobTimeoutSec) * time.Second
}

func (c Config) StartupGrace() time.Duration {
	return time.Duration(c.StartupGraceSec) * time.Second
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func clampInt(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// Now returns local wall-clock time truncated to microseconds, the
// precision location times are stored with.
func Now() time.Time {
	return time.Now().Truncate(time.Microsecond)
}
