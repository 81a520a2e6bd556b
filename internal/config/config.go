package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v2"
)

// =============================================================================
// Kiosk Fleet Sync Backend - Configuration with Environment Overrides
// =============================================================================

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Storage    StorageConfig    `yaml:"storage"`
	URLCache   URLCacheConfig   `yaml:"url_cache"`
	Redis      RedisConfig      `yaml:"redis"`
	Snapshot   SnapshotConfig   `yaml:"snapshot"`
	Security   SecurityConfig   `yaml:"security"`
	PubSub     PubSubConfig     `yaml:"pubsub"`
	CloudTasks CloudTasksConfig `yaml:"cloud_tasks"`
	Consensus  ConsensusConfig  `yaml:"consensus"`
	Models     ModelsConfig     `yaml:"models"`
}

type ServerConfig struct {
	Port             string   `yaml:"port"`
	Env              string   `yaml:"env"`
	Interface        string   `yaml:"interface"`
	ReadTimeoutSec   int      `yaml:"read_timeout_sec"`
	WriteTimeoutSec  int      `yaml:"write_timeout_sec"`
	IdleTimeoutSec   int      `yaml:"idle_timeout_sec"`
	ShutdownTimeout  int      `yaml:"shutdown_timeout_sec"`
	CORSAllowOrigins []string `yaml:"cors_allow_origins"`
}

// DatabaseConfig is the relational store backing buses, kiosks, students,
// embeddings and boarding events.
type DatabaseConfig struct {
	DSN            string `yaml:"dsn"`
	MaxOpenConns   int    `yaml:"max_open_conns"`
	MaxIdleConns   int    `yaml:"max_idle_conns"`
	MigrationsPath string `yaml:"migrations_path"`
}

// StorageConfig configures the object store adapter (C1).
type StorageConfig struct {
	Endpoint   string `yaml:"endpoint"`
	ServiceKey string `yaml:"service_key"`
	Bucket     string `yaml:"bucket"`
}

// URLCacheConfig configures the signed-URL cache (C2).
type URLCacheConfig struct {
	SignTTLMinutes   int `yaml:"sign_ttl_minutes"`
	SafetyMarginMins int `yaml:"safety_margin_minutes"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Enabled  bool   `yaml:"enabled"`
}

// SnapshotConfig configures the fleet-sync snapshot builder (C3).
type SnapshotConfig struct {
	TempDir string `yaml:"temp_dir"`
}

// SecurityConfig configures bearer-session issuance (C4).
type SecurityConfig struct {
	JWTSecret              string `yaml:"jwt_secret"`
	AccessTokenTTLSec      int    `yaml:"access_token_ttl_sec"`
	RefreshTokenTTLSec     int    `yaml:"refresh_token_ttl_sec"`
	HeartbeatOfflineMins   int    `yaml:"heartbeat_offline_minutes"`
	HeartbeatAlertHours    int    `yaml:"heartbeat_alert_hours"`
	BatteryWarningPercent  int    `yaml:"battery_warning_percent"`
	BatteryCriticalPercent int    `yaml:"battery_critical_percent"`
}

// PubSubConfig fans verdicts and mismatches out for downstream observability.
type PubSubConfig struct {
	ProjectID string `yaml:"project_id"`
	TopicID   string `yaml:"topic_id"`
	Enabled   bool   `yaml:"enabled"`
}

// CloudTasksConfig configures the durable re-verification task queue (C7).
type CloudTasksConfig struct {
	ProjectID  string `yaml:"project_id"`
	LocationID string `yaml:"location_id"`
	QueueID    string `yaml:"queue_id"`
	BackendURL string `yaml:"backend_url"`
	Enabled    bool   `yaml:"enabled"`
}

// ConsensusConfig configures the ensemble voting thresholds (C10).
type ConsensusConfig struct {
	AmbiguityGap      float64 `yaml:"ambiguity_gap"`
	FastPathModel     string  `yaml:"fast_path_model"`
	FastPathThreshold float64 `yaml:"fast_path_threshold"`
	MinConsensus      int     `yaml:"min_consensus"`
}

// ModelsConfig lists the enabled embedding-model adapters (C9).
type ModelsConfig struct {
	Enabled []ModelEntry `yaml:"enabled"`
}

type ModelEntry struct {
	Name      string  `yaml:"name"`
	Threshold float64 `yaml:"threshold"`
	Weight    float64 `yaml:"weight"`
}

// =============================================================================
// Singleton Pattern with Environment Overrides
// =============================================================================

var (
	instance *Config
	once     sync.Once
)

// Get returns the singleton config instance.
func Get() *Config {
	once.Do(func() {
		cfg, err := LoadConfig(getEnv("CONFIG_PATH", "config.yaml"))
		if err != nil {
			slog.Warn("config: failed to load config file (using defaults)", "error", err)
		}
		if cfg == nil {
			cfg = &Config{}
		}
		cfg.applyEnvOverrides()
		instance = cfg
	})
	return instance
}

// LoadConfig loads config from a YAML file.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnvOverrides() {
	c.Server.Port = getEnv("PORT", c.Server.Port)
	c.Server.Env = getEnv("KIOSK_ENV", c.Server.Env)
	c.Server.Interface = getEnv("KIOSK_INTERFACE", c.Server.Interface)
	if origins := getEnv("CORS_ALLOW_ORIGINS", ""); origins != "" {
		c.Server.CORSAllowOrigins = splitCSV(origins)
	}

	c.Database.DSN = getEnv("DATABASE_DSN", c.Database.DSN)
	c.Database.MigrationsPath = getEnv("DATABASE_MIGRATIONS_PATH", c.Database.MigrationsPath)
	if v := getEnvInt("DATABASE_MAX_OPEN_CONNS", 0); v > 0 {
		c.Database.MaxOpenConns = v
	}
	if v := getEnvInt("DATABASE_MAX_IDLE_CONNS", 0); v > 0 {
		c.Database.MaxIdleConns = v
	}

	c.Storage.Endpoint = getEnv("STORAGE_ENDPOINT", c.Storage.Endpoint)
	c.Storage.ServiceKey = getEnv("STORAGE_SERVICE_KEY", c.Storage.ServiceKey)
	c.Storage.Bucket = getEnv("STORAGE_BUCKET", c.Storage.Bucket)

	if v := getEnvInt("URL_CACHE_SIGN_TTL_MINUTES", 0); v > 0 {
		c.URLCache.SignTTLMinutes = v
	}
	if v := getEnvInt("URL_CACHE_SAFETY_MARGIN_MINUTES", 0); v > 0 {
		c.URLCache.SafetyMarginMins = v
	}

	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	if v := getEnvInt("REDIS_DB", 0); v > 0 {
		c.Redis.DB = v
	}
	c.Redis.Enabled = getEnvBool("REDIS_ENABLED", c.Redis.Enabled)

	c.Snapshot.TempDir = getEnv("SNAPSHOT_TEMP_DIR", c.Snapshot.TempDir)

	c.Security.JWTSecret = getEnv("KIOSK_JWT_SECRET", c.Security.JWTSecret)
	if v := getEnvInt("ACCESS_TOKEN_TTL_SEC", 0); v > 0 {
		c.Security.AccessTokenTTLSec = v
	}
	if v := getEnvInt("REFRESH_TOKEN_TTL_SEC", 0); v > 0 {
		c.Security.RefreshTokenTTLSec = v
	}
	if v := getEnvInt("HEARTBEAT_OFFLINE_MINUTES", 0); v > 0 {
		c.Security.HeartbeatOfflineMins = v
	}
	if v := getEnvInt("HEARTBEAT_ALERT_HOURS", 0); v > 0 {
		c.Security.HeartbeatAlertHours = v
	}
	if v := getEnvInt("BATTERY_WARNING_PERCENT", 0); v > 0 {
		c.Security.BatteryWarningPercent = v
	}
	if v := getEnvInt("BATTERY_CRITICAL_PERCENT", 0); v > 0 {
		c.Security.BatteryCriticalPercent = v
	}

	if projectID := getEnv("GCP_PROJECT_ID", ""); projectID != "" {
		c.PubSub.ProjectID = projectID
		c.CloudTasks.ProjectID = projectID
	}
	c.PubSub.TopicID = getEnv("PUBSUB_TOPIC_ID", c.PubSub.TopicID)
	c.PubSub.Enabled = getEnvBool("PUBSUB_ENABLED", c.PubSub.Enabled)

	c.CloudTasks.LocationID = getEnv("CLOUD_TASKS_LOCATION", c.CloudTasks.LocationID)
	c.CloudTasks.QueueID = getEnv("CLOUD_TASKS_QUEUE", c.CloudTasks.QueueID)
	c.CloudTasks.BackendURL = getEnv("CLOUD_TASKS_BACKEND_URL", c.CloudTasks.BackendURL)
	c.CloudTasks.Enabled = getEnvBool("CLOUD_TASKS_ENABLED", c.CloudTasks.Enabled)

	if v := getEnvFloat("CONSENSUS_AMBIGUITY_GAP", 0); v > 0 {
		c.Consensus.AmbiguityGap = v
	}
	c.Consensus.FastPathModel = getEnv("CONSENSUS_FAST_PATH_MODEL", c.Consensus.FastPathModel)
	if v := getEnvFloat("CONSENSUS_FAST_PATH_THRESHOLD", 0); v > 0 {
		c.Consensus.FastPathThreshold = v
	}
	if v := getEnvInt("CONSENSUS_MIN_CONSENSUS", 0); v > 0 {
		c.Consensus.MinConsensus = v
	}

	c.applyDefaults()
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.ReadTimeoutSec == 0 {
		c.Server.ReadTimeoutSec = 15
	}
	if c.Server.WriteTimeoutSec == 0 {
		c.Server.WriteTimeoutSec = 15
	}
	if c.Server.IdleTimeoutSec == 0 {
		c.Server.IdleTimeoutSec = 60
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30
	}
	if len(c.Server.CORSAllowOrigins) == 0 {
		c.Server.CORSAllowOrigins = []string{"*"}
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 25
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}
	if c.Database.MigrationsPath == "" {
		c.Database.MigrationsPath = "internal/database/migrations"
	}
	if c.Storage.Bucket == "" {
		c.Storage.Bucket = "kiosk-fleet"
	}
	if c.URLCache.SignTTLMinutes == 0 {
		c.URLCache.SignTTLMinutes = 60
	}
	if c.URLCache.SafetyMarginMins == 0 {
		c.URLCache.SafetyMarginMins = 5
	}
	if c.Snapshot.TempDir == "" {
		c.Snapshot.TempDir = os.TempDir()
	}
	if c.Security.AccessTokenTTLSec == 0 {
		c.Security.AccessTokenTTLSec = 86400
	}
	if c.Security.RefreshTokenTTLSec == 0 {
		c.Security.RefreshTokenTTLSec = 7 * 86400
	}
	if c.Security.HeartbeatOfflineMins == 0 {
		c.Security.HeartbeatOfflineMins = 5
	}
	if c.Security.HeartbeatAlertHours == 0 {
		c.Security.HeartbeatAlertHours = 24
	}
	if c.Security.BatteryWarningPercent == 0 {
		c.Security.BatteryWarningPercent = 20
	}
	if c.Security.BatteryCriticalPercent == 0 {
		c.Security.BatteryCriticalPercent = 10
	}
	if c.PubSub.TopicID == "" {
		c.PubSub.TopicID = "kiosk-verification-events"
	}
	if c.CloudTasks.LocationID == "" {
		c.CloudTasks.LocationID = "us-central1"
	}
	if c.CloudTasks.QueueID == "" {
		c.CloudTasks.QueueID = "face-verification"
	}
	if c.Consensus.AmbiguityGap == 0 {
		c.Consensus.AmbiguityGap = 0.12
	}
	if c.Consensus.FastPathModel == "" {
		c.Consensus.FastPathModel = "mobilefacenet"
	}
	if c.Consensus.FastPathThreshold == 0 {
		c.Consensus.FastPathThreshold = 0.75
	}
	if c.Consensus.MinConsensus == 0 {
		c.Consensus.MinConsensus = 2
	}
	if len(c.Models.Enabled) == 0 {
		c.Models.Enabled = []ModelEntry{
			{Name: "mobilefacenet", Threshold: 0.6, Weight: 1.0},
			{Name: "arcface_r50", Threshold: 0.6, Weight: 1.2},
			{Name: "arcface_r100", Threshold: 0.6, Weight: 1.3},
		}
	}
}

// =============================================================================
// Helper Functions
// =============================================================================

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		return val == "true" || val == "1"
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func splitCSV(s string) []string {
	parts := make([]string, 0)
	for _, p := range strings.Split(s, ",") {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

// =============================================================================
// Convenience Methods
// =============================================================================

func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}

func (c *Config) GetPort() string {
	if c.Server.Port == "" {
		return "8080"
	}
	return c.Server.Port
}
