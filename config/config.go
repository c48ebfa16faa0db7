package config

import (
	"encoding/json"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Role selects what the process runs.
const (
	RoleEngine = "engine" // owns the match state machine
	RoleRelay  = "relay"  // serves spectators from the change-notification channel
)

// SimulatorConfig holds the physics simulator endpoint and retry policy.
type SimulatorConfig struct {
	URL         string `json:"url"`
	TimeoutMS   int    `json:"timeout_ms"`
	RetryBaseMS int    `json:"retry_base_ms"`
	RetryMaxMS  int    `json:"retry_max_ms"`
	MaxAttempts int    `json:"max_attempts"` // per automatic run; 0 = retry until cancelled
}

// AuthConfig holds admin and agent credential settings.
type AuthConfig struct {
	AdminUser         string `json:"admin_user"`
	AdminPasswordHash string `json:"admin_password_hash"` // bcrypt
	AdminJWTSecret    string `json:"admin_jwt_secret"`
	JWKSURL           string `json:"jwks_url"`
	AgentTokenSecret  string `json:"agent_token_secret"`
	AgentTokenTTLMin  int    `json:"agent_token_ttl_min"`
}

// ArchiveConfig holds the S3-compatible (Cloudflare R2) trajectory archive settings.
// The archive is disabled when any field is empty.
type ArchiveConfig struct {
	AccountID       string `json:"account_id"`
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
	BucketName      string `json:"bucket_name"`
}

// Enabled reports whether every archive credential is present.
func (a ArchiveConfig) Enabled() bool {
	return a.AccountID != "" && a.AccessKeyID != "" && a.SecretAccessKey != "" && a.BucketName != ""
}

// HouseProfile holds the parameters for one house agent.
type HouseProfile struct {
	Name          string  `json:"name"`
	DelayMinMS    int     `json:"delay_min_ms"`
	DelayMaxMS    int     `json:"delay_max_ms"`
	TakeoutChance int     `json:"takeout_chance"` // 0-100, probability to hit the opponent's best stone when one is in the house
	Spread        float64 `json:"spread"`         // relative velocity noise, 0.02 means +-2%
}

// Config holds all configurable server parameters.
type Config struct {
	Role             string `json:"role"`
	HTTPPort         int    `json:"http_port"`
	DatabaseURL      string `json:"database_url"`
	RelayMatchID     string `json:"relay_match_id"`
	MaxActiveMatches int    `json:"max_active_matches"`
	AllowedOrigins   string `json:"allowed_origins"` // comma separated
	LogLevel         string `json:"log_level"`

	// AutoAdvance makes the engine request every shot itself.
	AutoAdvance    bool `json:"auto_advance"`
	AgentMsgPerSec int  `json:"agent_msg_per_sec"`
	AgentMsgBurst  int  `json:"agent_msg_burst"`

	CommitRetryMS    int `json:"commit_retry_ms"`
	BacklogCapacity  int `json:"backlog_capacity"`
	SubscriberBuffer int `json:"subscriber_buffer"`
	HeartbeatSec     int `json:"heartbeat_sec"`

	MatchRetentionHours  int `json:"match_retention_hours"`
	RetentionIntervalMin int `json:"retention_interval_min"`

	Simulator SimulatorConfig `json:"simulator"`
	Auth      AuthConfig      `json:"auth"`
	Archive   ArchiveConfig   `json:"archive"`

	// HouseProfiles lists the built-in agents; one is chosen at random for
	// every side a match hands to the house.
	HouseProfiles []HouseProfile `json:"house_profiles"`
}

// Defaults returns a Config with all default values.
func Defaults() *Config {
	return &Config{
		Role:                 RoleEngine,
		HTTPPort:             8080,
		MaxActiveMatches:     1,
		AllowedOrigins:       "*",
		LogLevel:             "info",
		AutoAdvance:          true,
		AgentMsgPerSec:       5,
		AgentMsgBurst:        10,
		CommitRetryMS:        500,
		BacklogCapacity:      64,
		SubscriberBuffer:     32,
		HeartbeatSec:         15,
		MatchRetentionHours:  24,
		RetentionIntervalMin: 60,
		Simulator: SimulatorConfig{
			URL:         "http://localhost:10000",
			TimeoutMS:   10000,
			RetryBaseMS: 200,
			RetryMaxMS:  5000,
			MaxAttempts: 8,
		},
		Auth: AuthConfig{
			AdminUser:        "admin",
			AgentTokenTTLMin: 24 * 60,
		},
		HouseProfiles: []HouseProfile{
			{Name: "Skip", DelayMinMS: 800, DelayMaxMS: 2000, TakeoutChance: 70, Spread: 0.01},
			{Name: "Vice", DelayMinMS: 500, DelayMaxMS: 1500, TakeoutChance: 50, Spread: 0.03},
			{Name: "Lead", DelayMinMS: 300, DelayMaxMS: 1200, TakeoutChance: 20, Spread: 0.06},
		},
	}
}

// Load reads configuration from an optional config.json file,
// then applies environment variable overrides. Fields not set
// in either source retain their default values.
func Load() *Config {
	cfg := Defaults()

	if f, err := os.Open("config.json"); err == nil {
		defer f.Close()
		if err := json.NewDecoder(f).Decode(cfg); err != nil {
			slog.Warn("failed to parse config.json", "tag", "config", "err", err)
		}
	}

	overrideString(&cfg.Role, "ROLE")
	overrideInt(&cfg.HTTPPort, "HTTP_PORT")
	overrideString(&cfg.DatabaseURL, "DATABASE_URL")
	overrideString(&cfg.RelayMatchID, "RELAY_MATCH_ID")
	overrideInt(&cfg.MaxActiveMatches, "MAX_ACTIVE_MATCHES")
	overrideString(&cfg.AllowedOrigins, "ALLOWED_ORIGINS")
	overrideString(&cfg.LogLevel, "LOG_LEVEL")
	overrideBool(&cfg.AutoAdvance, "AUTO_ADVANCE")
	overrideInt(&cfg.AgentMsgPerSec, "AGENT_MSG_PER_SEC")
	overrideInt(&cfg.AgentMsgBurst, "AGENT_MSG_BURST")
	overrideInt(&cfg.CommitRetryMS, "COMMIT_RETRY_MS")
	overrideInt(&cfg.BacklogCapacity, "BACKLOG_CAPACITY")
	overrideInt(&cfg.SubscriberBuffer, "SUBSCRIBER_BUFFER")
	overrideInt(&cfg.HeartbeatSec, "HEARTBEAT_SEC")
	overrideInt(&cfg.MatchRetentionHours, "MATCH_RETENTION_HOURS")
	overrideInt(&cfg.RetentionIntervalMin, "RETENTION_INTERVAL_MIN")

	overrideString(&cfg.Simulator.URL, "SIMULATOR_URL")
	overrideInt(&cfg.Simulator.TimeoutMS, "SIMULATOR_TIMEOUT_MS")
	overrideInt(&cfg.Simulator.RetryBaseMS, "SIM_RETRY_BASE_MS")
	overrideInt(&cfg.Simulator.RetryMaxMS, "SIM_RETRY_MAX_MS")
	overrideInt(&cfg.Simulator.MaxAttempts, "SIM_MAX_ATTEMPTS")

	overrideString(&cfg.Auth.AdminUser, "ADMIN_USER")
	overrideString(&cfg.Auth.AdminPasswordHash, "ADMIN_PASSWORD_HASH")
	overrideString(&cfg.Auth.AdminJWTSecret, "ADMIN_JWT_SECRET")
	overrideString(&cfg.Auth.JWKSURL, "AUTH_JWKS_URL")
	overrideString(&cfg.Auth.AgentTokenSecret, "AGENT_TOKEN_SECRET")
	overrideInt(&cfg.Auth.AgentTokenTTLMin, "AGENT_TOKEN_TTL_MIN")

	overrideString(&cfg.Archive.AccountID, "R2_ACCOUNT_ID")
	overrideString(&cfg.Archive.AccessKeyID, "R2_ACCESS_KEY_ID")
	overrideString(&cfg.Archive.SecretAccessKey, "R2_SECRET_ACCESS_KEY")
	overrideString(&cfg.Archive.BucketName, "R2_BUCKET_NAME")

	if cfg.Role != RoleEngine && cfg.Role != RoleRelay {
		slog.Warn("unknown role, falling back to engine", "tag", "config", "role", cfg.Role)
		cfg.Role = RoleEngine
	}
	return cfg
}

// Origins splits AllowedOrigins into a list for the CORS middleware.
func (c *Config) Origins() []string {
	var out []string
	for _, o := range strings.Split(c.AllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

// CommitRetry is the delay before a failed commit is retried.
func (c *Config) CommitRetry() time.Duration {
	return time.Duration(c.CommitRetryMS) * time.Millisecond
}

// Heartbeat is the spectator stream keep-alive interval.
func (c *Config) Heartbeat() time.Duration {
	return time.Duration(c.HeartbeatSec) * time.Second
}

// Retention is how long finished and abandoned matches are kept.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.MatchRetentionHours) * time.Hour
}

func overrideInt(field *int, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			*field = n
		} else {
			slog.Warn("invalid integer value", "tag", "config", "key", envKey, "value", val)
		}
	}
}

func overrideBool(field *bool, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			*field = b
		} else {
			slog.Warn("invalid boolean value", "tag", "config", "key", envKey, "value", val)
		}
	}
}

func overrideString(field *string, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		*field = val
	}
}
