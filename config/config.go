package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Security  SecurityConfig  `mapstructure:"security"`
	Log       LogConfig       `mapstructure:"log"`
	Vote      VoteConfig      `mapstructure:"vote"`
	Loot      LootConfig      `mapstructure:"loot"`
	Quest     QuestConfig     `mapstructure:"quest"`
	Session   SessionConfig   `mapstructure:"session"`
	Recovery  RecoveryConfig  `mapstructure:"recovery"`
	Watchdog  WatchdogConfig  `mapstructure:"watchdog"`
	Script    ScriptConfig    `mapstructure:"script"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
}

type ServerConfig struct {
	Port     int    `mapstructure:"port"`
	Debug    bool   `mapstructure:"debug"`
	AdminKey string `mapstructure:"admin_key"`
	// AdminIPs restricts admin routes to these client IPs. Empty allows any.
	AdminIPs []string `mapstructure:"admin_ips"`
}

type DatabaseConfig struct {
	Mode         string        `mapstructure:"mode"` // sqlite | mysql
	SQLitePath   string        `mapstructure:"sqlite_path"`
	MySQLDSN     string        `mapstructure:"mysql_dsn"`
	MySQLMaxOpen int           `mapstructure:"mysql_max_open"`
	MySQLMaxIdle int           `mapstructure:"mysql_max_idle"`
	MySQLMaxLife time.Duration `mapstructure:"mysql_max_life"`
	SlowQuery    time.Duration `mapstructure:"slow_query"`
}

type CacheConfig struct {
	RedisAddr       string        `mapstructure:"redis_addr"`
	RedisPassword   string        `mapstructure:"redis_password"`
	RedisDB         int           `mapstructure:"redis_db"`
	RedisKeyPrefix  string        `mapstructure:"redis_key_prefix"`
	RedisPoolSize   int           `mapstructure:"redis_pool_size"`
	LocalGCInterval time.Duration `mapstructure:"local_gc_interval"`
	LocalPubSubBuf  int           `mapstructure:"local_pubsub_buf"`
}

type SecurityConfig struct {
	JWTSecret      string        `mapstructure:"jwt_secret"`
	JWTTTLH        time.Duration `mapstructure:"jwt_ttl_h"`
	RateLimitRPS   float64       `mapstructure:"rate_limit_rps"`
	RateLimitBurst int           `mapstructure:"rate_limit_burst"`
	// AllowedOrigins lists the WebSocket/SSE origins that are permitted.
	// An empty slice allows all origins (useful for local development only).
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type LogConfig struct {
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

type VoteConfig struct {
	Window            time.Duration `mapstructure:"window"`
	MaxPerIP          int           `mapstructure:"max_per_ip"`
	MaxPerDiscord     int           `mapstructure:"max_per_discord"`
	CooldownPerTarget time.Duration `mapstructure:"cooldown_per_target"`
	RebuildInterval   time.Duration `mapstructure:"rebuild_interval"`
}

// LootRule is a user supplied JavaScript classification rule.
type LootRule struct {
	Name   string `mapstructure:"name"`
	Source string `mapstructure:"source"`
}

type LootConfig struct {
	LogPath   string `mapstructure:"log_path"`
	Character string `mapstructure:"character"`
	// AccountID owns entries read from LogPath.
	AccountID    int64         `mapstructure:"account_id"`
	ScanInterval time.Duration `mapstructure:"scan_interval"`
	CustomRules  []LootRule    `mapstructure:"custom_rules"`
}

type QuestConfig struct {
	DefsPath      string        `mapstructure:"defs_path"`
	HeroicLockout time.Duration `mapstructure:"heroic_lockout"`
}

type SessionConfig struct {
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout"`
	ReapInterval     time.Duration `mapstructure:"reap_interval"`
}

type RecoveryConfig struct {
	WindowSize             int           `mapstructure:"window_size"`
	WindowMaxAge           time.Duration `mapstructure:"window_max_age"`
	StallWindow            time.Duration `mapstructure:"stall_window"`
	MinMovement            float64       `mapstructure:"min_movement"`
	MinSamples             int           `mapstructure:"min_samples"`
	ClickRepeat            int           `mapstructure:"click_repeat"`
	ClickRadius            float64       `mapstructure:"click_radius"`
	ClickWindow            time.Duration `mapstructure:"click_window"`
	QuestStallTimeout      time.Duration `mapstructure:"quest_stall_timeout"`
	OscillationWindow      time.Duration `mapstructure:"oscillation_window"`
	OscillationReversals   int           `mapstructure:"oscillation_reversals"`
	OscillationNetDistance float64       `mapstructure:"oscillation_net_distance"`
	VerifyDelay            time.Duration `mapstructure:"verify_delay"`
	MaxAttempts            int           `mapstructure:"max_attempts"`
	BaseBackoff            time.Duration `mapstructure:"base_backoff"`
	MaxBackoff             time.Duration `mapstructure:"max_backoff"`
	FailedCooldown         time.Duration `mapstructure:"failed_cooldown"`
	// Priority breaks severity ties, lowest first. Empty keeps the default order.
	Priority []string `mapstructure:"priority"`
}

// WatchRule is an expression that adds Weight to the risk score when true.
type WatchRule struct {
	Name   string `mapstructure:"name" yaml:"name"`
	Expr   string `mapstructure:"expr" yaml:"expr"`
	Weight int    `mapstructure:"weight" yaml:"weight"`
}

type WatchdogConfig struct {
	KOSGuilds     []string      `mapstructure:"kos_guilds"`
	WatchList     []string      `mapstructure:"watch_list"`
	Memory        time.Duration `mapstructure:"memory"`
	Hysteresis    int           `mapstructure:"hysteresis"`
	CalmPeriod    time.Duration `mapstructure:"calm_period"`
	AlertCooldown time.Duration `mapstructure:"alert_cooldown"`
	LogoutHealth  int           `mapstructure:"logout_health"`
	Rules         []WatchRule   `mapstructure:"rules"`
}

type ScriptConfig struct {
	VMPoolSize int           `mapstructure:"vm_pool_size"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// DashboardConfig is used by the ms11 CLI to reach a running SWGDB server.
type DashboardConfig struct {
	URL      string        `mapstructure:"url"`
	Username string        `mapstructure:"username"`
	Password string        `mapstructure:"password"`
	Timeout  time.Duration `mapstructure:"timeout"`
	Retries  int           `mapstructure:"retries"`
}

// SetDefaults registers the default value of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.debug", false)
	v.SetDefault("database.mode", "sqlite")
	v.SetDefault("database.sqlite_path", "./data/swgdb.db")
	v.SetDefault("database.mysql_max_open", 50)
	v.SetDefault("database.mysql_max_idle", 10)
	v.SetDefault("database.mysql_max_life", "1h")
	v.SetDefault("database.slow_query", "200ms")
	v.SetDefault("cache.local_gc_interval", "30s")
	v.SetDefault("cache.local_pubsub_buf", 256)
	v.SetDefault("security.jwt_ttl_h", "72h")
	v.SetDefault("security.rate_limit_rps", 50)
	v.SetDefault("security.rate_limit_burst", 100)
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 14)
	v.SetDefault("vote.window", "24h")
	v.SetDefault("vote.max_per_ip", 10)
	v.SetDefault("vote.max_per_discord", 5)
	v.SetDefault("vote.cooldown_per_target", "24h")
	v.SetDefault("vote.rebuild_interval", "10m")
	v.SetDefault("loot.scan_interval", "1s")
	v.SetDefault("quest.heroic_lockout", "24h")
	v.SetDefault("session.heartbeat_timeout", "2m")
	v.SetDefault("session.reap_interval", "30s")
	v.SetDefault("recovery.window_size", 600)
	v.SetDefault("recovery.window_max_age", "10m")
	v.SetDefault("recovery.stall_window", "30s")
	v.SetDefault("recovery.min_movement", 2.0)
	v.SetDefault("recovery.min_samples", 5)
	v.SetDefault("recovery.click_repeat", 5)
	v.SetDefault("recovery.click_radius", 3.0)
	v.SetDefault("recovery.click_window", "15s")
	v.SetDefault("recovery.quest_stall_timeout", "5m")
	v.SetDefault("recovery.oscillation_window", "40s")
	v.SetDefault("recovery.oscillation_reversals", 4)
	v.SetDefault("recovery.oscillation_net_distance", 8.0)
	v.SetDefault("recovery.verify_delay", "5s")
	v.SetDefault("recovery.max_attempts", 6)
	v.SetDefault("recovery.base_backoff", "2s")
	v.SetDefault("recovery.max_backoff", "1m")
	v.SetDefault("recovery.failed_cooldown", "2m")
	v.SetDefault("watchdog.memory", "10m")
	v.SetDefault("watchdog.hysteresis", 10)
	v.SetDefault("watchdog.calm_period", "20s")
	v.SetDefault("watchdog.alert_cooldown", "1m")
	v.SetDefault("watchdog.logout_health", 25)
	v.SetDefault("script.vm_pool_size", 4)
	v.SetDefault("script.timeout", "200ms")
	v.SetDefault("dashboard.url", "http://localhost:8080")
	v.SetDefault("dashboard.timeout", "10s")
	v.SetDefault("dashboard.retries", 3)
}

// Load reads config from the given YAML file path.
// Every key can be overridden by an SWGDB_ prefixed environment variable,
// e.g. SWGDB_SECURITY_JWT_SECRET.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("SWGDB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	return unmarshal(v)
}

// Default returns a Config populated only from defaults.
func Default() *Config {
	v := viper.New()
	SetDefaults(v)
	cfg, _ := unmarshal(v)
	return cfg
}

func unmarshal(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
