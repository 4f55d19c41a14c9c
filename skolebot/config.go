//nolint:lll // struct tags can't be split
package skolebot

import (
	"crypto/tls"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	EnvvarSetEnvPrefix     = "SKOLEBOT_ENV_PREFIX"
	DefaultEnvPrefix       = "SB"
	DefaultLogLevel        = slog.LevelInfo
	DefaultStartupTimeout  = 30 * time.Second
	DefaultShutdownTimeout = 60 * time.Second

	StoreTypeJSON     = "json"
	StoreTypeSQLite   = "sqlite"
	StoreTypePostgres = "postgres"
	StoreTypeRedis    = "redis"

	DefaultStoreType             = StoreTypeJSON
	DefaultApplicationsFile      = "applications.json"
	DefaultLevelsFile            = "levels.json"
	DefaultDatabase              = "skolebot.sqlite3"
	DefaultDatabaseSlowThreshold = 200 * time.Millisecond
	DefaultDatabaseLogLevel      = slog.LevelWarn

	DefaultRedisAddr      = "127.0.0.1:6379"
	DefaultRedisKeyPrefix = "skolebot"

	DefaultDiscordLogLevel       = slog.LevelInfo
	DefaultDiscordgoLogLevel     = slog.LevelWarn
	DefaultDiscordStartupMessage = ""
	DefaultDiscordCustomStatus   = "/apply for at komme i gang"
	DefaultDiscordGatewayIntent  = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMembers |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentMessageContent

	DefaultOnboardingTimeout = 10 * time.Minute

	DefaultLevelingCooldown      = 10 * time.Second
	DefaultPointsPerMessage      = 1
	DefaultLevelBasePoints       = 10
	DefaultLevelRoleFormat       = "Level %d"
	DefaultLeaderboardSize       = 10
	DefaultLevelWorkerIdle       = 2 * time.Minute
	DefaultLevelUpAnnouncePerSec = 5

	DefaultAPIListen         = "127.0.0.1:5000"
	DefaultAPILogLevel       = slog.LevelInfo
	DefaultReadTimeout       = 5 * time.Second
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultIdleTimeout       = 30 * time.Second
	DefaultAPITLSMinVersion  = tls.VersionTLS12
	defaultListenNetwork     = "tcp"

	DefaultAPICORSAllowCredentials = false
)

var (
	DefaultCORSAllowMethods = []string{
		http.MethodGet,
		http.MethodPost,
		http.MethodDelete,
		http.MethodOptions,
		http.MethodHead,
	}
	DefaultCORSAllowHeaders = []string{
		"Origin",
		"Content-Length",
		"Content-Type",
		"Accept",
		"Authorization",
		xRequestIDHeader,
	}
	DefaultCORSExposeHeaders = []string{
		"Content-Type",
		"Content-Length",
		xRequestIDHeader,
	}
	DefaultCORSMaxAge = 12 * time.Hour
)

type Config struct {
	// Store selects and configures where application and level records live
	Store *StoreConfig `yaml:"store" mapstructure:"store" json:"store" binding:"required"`

	// Redis is only used when Store.Type is 'redis'
	Redis *RedisConfig `yaml:"redis" mapstructure:"redis" json:"redis"`

	// Discord configures the bot connection, the guild and its roles
	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord" binding:"required"`

	// Onboarding configures the DM questionnaire
	Onboarding *OnboardingConfig `yaml:"onboarding" mapstructure:"onboarding" json:"onboarding" binding:"required"`

	// Leveling configures message points, levels and level roles
	Leveling *LevelingConfig `yaml:"leveling" mapstructure:"leveling" json:"leveling" binding:"required"`

	// API configures the admin API server
	API *APIConfig `yaml:"api" mapstructure:"api" json:"api" binding:"required"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout limits the time allowed to open the store and
	// connect to discord. If this is passed, the bot aborts startup.
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout" binding:"min=1s"`

	// ShutdownTimeout is the time to allow for a graceful shutdown. After this
	// elapses, the bot force closes all connections and exits.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	HTTPClient *http.Client `log:"[redacted]"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// Validate checks struct tags, then the settings which depend on the
// selected store type.
func (c *Config) Validate() error {
	if err := structValidator.Struct(c); err != nil {
		return err
	}

	var errs []error
	switch c.Store.Type {
	case StoreTypeJSON:
		if c.Store.ApplicationsFile == "" || c.Store.LevelsFile == "" {
			errs = append(errs, errors.New("store: applications_file and levels_file are required for the json store"))
		}
		if c.Store.ApplicationsFile == c.Store.LevelsFile {
			errs = append(errs, errors.New("store: applications_file and levels_file must differ"))
		}
	case StoreTypeSQLite, StoreTypePostgres:
		if c.Store.Database == "" {
			errs = append(errs, fmt.Errorf("store: database is required for the %s store", c.Store.Type))
		}
	case StoreTypeRedis:
		if c.Redis == nil || c.Redis.Addr == "" {
			errs = append(errs, errors.New("redis: addr is required for the redis store"))
		}
	}
	if !strings.Contains(c.Leveling.RoleNameFormat, "%d") {
		errs = append(errs, errors.New("leveling: role_name_format must contain %d"))
	}
	return errors.Join(errs...)
}

// StoreConfig selects the record store backend.
type StoreConfig struct {
	// Type is one of 'json', 'sqlite', 'postgres' or 'redis'
	Type string `yaml:"type" mapstructure:"type" json:"type" binding:"oneof=json sqlite postgres redis"`

	// Path to the JSON document holding application records
	ApplicationsFile string `yaml:"applications_file" mapstructure:"applications_file" json:"applications_file"`

	// Path to the JSON document holding level records
	LevelsFile string `yaml:"levels_file" mapstructure:"levels_file" json:"levels_file"`

	// Database connection string, or sqlite file path
	Database string `yaml:"database" mapstructure:"database" json:"database" log:"[redacted]"`

	// DatabaseLogLevel sets the log level for database operations
	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// DatabaseSlowThreshold is the duration threshold for identifying slow queries
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`
}

// RedisConfig configures the redis record store.
type RedisConfig struct {
	Addr      string `yaml:"addr" mapstructure:"addr" json:"addr"`
	Password  string `yaml:"password" mapstructure:"password" json:"password" log:"[redacted]"`
	DB        int    `yaml:"db" mapstructure:"db" json:"db" binding:"min=0"`
	KeyPrefix string `yaml:"key_prefix" mapstructure:"key_prefix" json:"key_prefix" binding:"required"`
}

// DiscordConfig configures the discord bot itself.
//
//nolint:lll // can't break tags
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// Discord application ID (from the 'General Information' tab in the discord dev portal)
	ApplicationID string `yaml:"application_id" mapstructure:"application_id" json:"application_id" binding:"required"`

	// GuildID is the school server. Slash commands are registered here.
	GuildID string `yaml:"guild_id" mapstructure:"guild_id" json:"guild_id" binding:"required"`

	// PendingRoleID is held by members who haven't been approved yet
	PendingRoleID string `yaml:"pending_role_id" mapstructure:"pending_role_id" json:"pending_role_id" binding:"required"`

	// MemberRoleID is granted on approval
	MemberRoleID string `yaml:"member_role_id" mapstructure:"member_role_id" json:"member_role_id" binding:"required"`

	// ReviewChannelID receives application notices and review buttons
	ReviewChannelID string `yaml:"review_channel_id" mapstructure:"review_channel_id" json:"review_channel_id" binding:"required"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// If set, this message is posted to the review channel whenever the
	// bot connects to the gateway
	StartupMessage string `yaml:"startup_message" mapstructure:"startup_message" json:"startup_message"`

	// Custom status shown on the bot user
	CustomStatus string `yaml:"custom_status" mapstructure:"custom_status" json:"custom_status"`

	// Discord gateway intents. See: https://discord.com/developers/docs/topics/gateway#gateway-intents
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	httpClient *http.Client
}

// OnboardingConfig configures the DM questionnaire.
type OnboardingConfig struct {
	// Timeout bounds a questionnaire, measured from when it started
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout" json:"timeout" binding:"min=1s"`
}

// LevelingConfig configures message points and level roles.
type LevelingConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// Cooldown is the minimum time between point-earning messages per user
	Cooldown time.Duration `yaml:"cooldown" mapstructure:"cooldown" json:"cooldown" binding:"min=0"`

	// PointsPerMessage is awarded for each message passing the cooldown
	PointsPerMessage int64 `yaml:"points_per_message" mapstructure:"points_per_message" json:"points_per_message" binding:"min=1"`

	// BasePoints is the requirement for leaving level 0. Each following
	// level doubles it.
	BasePoints int64 `yaml:"base_points" mapstructure:"base_points" json:"base_points" binding:"min=1"`

	// RoleNameFormat names level roles, and must contain a single %d
	RoleNameFormat string `yaml:"role_name_format" mapstructure:"role_name_format" json:"role_name_format" binding:"required"`

	// LeaderboardSize is the number of entries shown by /leaderboard
	LeaderboardSize int `yaml:"leaderboard_size" mapstructure:"leaderboard_size" json:"leaderboard_size" binding:"min=1,max=25"`

	// WorkerIdleTimeout stops a member's message worker after this long
	// without messages
	WorkerIdleTimeout time.Duration `yaml:"worker_idle_timeout" mapstructure:"worker_idle_timeout" json:"worker_idle_timeout" binding:"min=1s"`

	// AnnouncementsPerSecond limits level-up messages across all channels
	AnnouncementsPerSecond float64 `yaml:"announcements_per_second" mapstructure:"announcements_per_second" json:"announcements_per_second" binding:"gt=0"`
}

// APIConfig configures the admin API server
type APIConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// The address and port on which the server should listen (e.g., "127.0.0.1:5000").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required_if=Enabled true"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"omitempty,oneof=tcp tcp4 tcp6 unix"`

	// Bearer token required on /api routes
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required_if=Enabled true"`

	// Configuration for SSL/TLS. Leave cert/key empty to serve plain HTTP.
	SSL SSLConfig `yaml:"ssl" mapstructure:"ssl" json:"ssl"`

	// The logging level for the API server.
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Cross-origin configuration
	CORS CORSConfig `yaml:"cors" mapstructure:"cors" json:"cors"`

	// Maximum duration for reading the entire request, including the body.
	ReadTimeout time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout" binding:"min=0"`

	// Amount of time allowed to read request headers.
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout" binding:"min=0"`

	// Maximum duration before timing out writes of the response.
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout" binding:"min=0"`

	// Maximum amount of time to wait for the next request when keep-alives are enabled.
	IdleTimeout time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout" binding:"min=0"`

	// Enables pprof routes and permissive CORS
	Development bool `yaml:"development" mapstructure:"development" json:"development"`
}

// SSLConfig specifies cert paths and the TLS version to use
type SSLConfig struct {
	// Path to an SSL certificate
	Cert string `yaml:"cert" mapstructure:"cert" json:"cert"`

	// Path to an SSL cert key
	Key string `yaml:"key" mapstructure:"key" json:"key"`

	// Minimum TLS version
	TLSMinVersion uint16 `yaml:"tls_min_version" mapstructure:"tls_min_version" json:"tls_min_version"`
}

// CORSConfig specifies cross-origin resource sharing settings
type CORSConfig struct {
	AllowOrigins     []string      `yaml:"allow_origins" mapstructure:"allow_origins" json:"allow_origins"`
	AllowMethods     []string      `yaml:"allow_methods" mapstructure:"allow_methods" json:"allow_methods"`
	AllowHeaders     []string      `yaml:"allow_headers" mapstructure:"allow_headers" json:"allow_headers"`
	ExposeHeaders    []string      `yaml:"expose_headers" mapstructure:"expose_headers" json:"expose_headers"`
	AllowCredentials bool          `yaml:"allow_credentials" mapstructure:"allow_credentials" json:"allow_credentials"`
	MaxAge           time.Duration `yaml:"max_age" mapstructure:"max_age" json:"max_age"`
}

func (c CORSConfig) GINConfig() cors.Config {
	return cors.Config{
		AllowOrigins:     c.AllowOrigins,
		AllowMethods:     c.AllowMethods,
		AllowHeaders:     c.AllowHeaders,
		MaxAge:           c.MaxAge,
		ExposeHeaders:    c.ExposeHeaders,
		AllowCredentials: c.AllowCredentials,
	}
}

func DefaultCORSConfig() CORSConfig {
	defaultMethods := make([]string, len(DefaultCORSAllowMethods))
	copy(defaultMethods, DefaultCORSAllowMethods)

	defaultHeaders := make([]string, len(DefaultCORSAllowHeaders))
	copy(defaultHeaders, DefaultCORSAllowHeaders)

	defaultExpose := make([]string, len(DefaultCORSExposeHeaders))
	copy(defaultExpose, DefaultCORSExposeHeaders)

	return CORSConfig{
		AllowOrigins:     []string{},
		AllowMethods:     defaultMethods,
		AllowHeaders:     defaultHeaders,
		ExposeHeaders:    defaultExpose,
		MaxAge:           DefaultCORSMaxAge,
		AllowCredentials: DefaultAPICORSAllowCredentials,
	}
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	mainLogLevel := &slog.LevelVar{}
	discordLogLevel := &slog.LevelVar{}
	discordgoLogLevel := &slog.LevelVar{}
	dbLogLevel := &slog.LevelVar{}
	apiLogLevel := &slog.LevelVar{}

	mainLogLevel.Set(DefaultLogLevel)
	discordLogLevel.Set(DefaultDiscordLogLevel)
	discordgoLogLevel.Set(DefaultDiscordgoLogLevel)
	dbLogLevel.Set(DefaultDatabaseLogLevel)
	apiLogLevel.Set(DefaultAPILogLevel)

	return &Config{
		LogLevel:        mainLogLevel,
		StartupTimeout:  DefaultStartupTimeout,
		ShutdownTimeout: DefaultShutdownTimeout,
		Store: &StoreConfig{
			Type:                  DefaultStoreType,
			ApplicationsFile:      DefaultApplicationsFile,
			LevelsFile:            DefaultLevelsFile,
			Database:              DefaultDatabase,
			DatabaseLogLevel:      dbLogLevel,
			DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		},
		Redis: &RedisConfig{
			Addr:      DefaultRedisAddr,
			KeyPrefix: DefaultRedisKeyPrefix,
		},
		Discord: &DiscordConfig{
			GatewayIntents:    DefaultDiscordGatewayIntent,
			LogLevel:          discordLogLevel,
			DiscordGoLogLevel: discordgoLogLevel,
			StartupMessage:    DefaultDiscordStartupMessage,
			CustomStatus:      DefaultDiscordCustomStatus,
		},
		Onboarding: &OnboardingConfig{
			Timeout: DefaultOnboardingTimeout,
		},
		Leveling: &LevelingConfig{
			Enabled:                true,
			Cooldown:               DefaultLevelingCooldown,
			PointsPerMessage:       DefaultPointsPerMessage,
			BasePoints:             DefaultLevelBasePoints,
			RoleNameFormat:         DefaultLevelRoleFormat,
			LeaderboardSize:        DefaultLeaderboardSize,
			WorkerIdleTimeout:      DefaultLevelWorkerIdle,
			AnnouncementsPerSecond: DefaultLevelUpAnnouncePerSec,
		},
		API: &APIConfig{
			Listen:        DefaultAPIListen,
			ListenNetwork: defaultListenNetwork,
			SSL: SSLConfig{
				TLSMinVersion: DefaultAPITLSMinVersion,
			},
			LogLevel:          apiLogLevel,
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			ReadTimeout:       DefaultReadTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
			CORS:              DefaultCORSConfig(),
		},
	}
}
