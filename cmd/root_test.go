package cmd

import (
	"fmt"
	"github.com/LaugeSvan/DenFrieDigiSkole/skolebot"
	"github.com/bwmarrin/discordgo"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func assertLogLevel(t testing.TB, expected slog.Level, v any) {
	t.Helper()

	lvl, ok := v.(*slog.LevelVar)
	require.Truef(t, ok, "could not convert %#v (%T) to *slog.LevelVar", v, v)
	assert.Equal(t, expected, lvl.Level())
}

// clearEnv empties the environment for the test, restoring it after
func clearEnv(t *testing.T) {
	t.Helper()
	originalEnv := os.Environ()
	t.Cleanup(
		func() {
			os.Clearenv()
			for _, envVar := range originalEnv {
				parts := strings.SplitN(envVar, "=", 2)
				_ = os.Setenv(parts[0], parts[1])
			}
		},
	)
	os.Clearenv()
}

func TestLoadConfigFromEnvFile(t *testing.T) {
	clearEnv(t)

	tmpdir := t.TempDir()
	envFile := filepath.Join(tmpdir, "test.env")

	envContent := `
# General config

SB_LOG_LEVEL=INFO
SB_STARTUP_TIMEOUT=30s
SB_SHUTDOWN_TIMEOUT=60s

# Store config

SB_STORE_TYPE=sqlite
SB_STORE_DATABASE=/home/foo/skolebot.sqlite3
SB_STORE_DATABASE_LOG_LEVEL=INFO
SB_STORE_DATABASE_SLOW_THRESHOLD=250ms
SB_STORE_APPLICATIONS_FILE=/var/lib/skolebot/applications.json
SB_STORE_LEVELS_FILE=/var/lib/skolebot/levels.json

SB_REDIS_ADDR=redis:6379
SB_REDIS_DB=2
SB_REDIS_KEY_PREFIX=skole

# Discord bot config

SB_DISCORD_TOKEN=your-discord-bot-token
SB_DISCORD_APPLICATION_ID=your-discord-bot-app-id
SB_DISCORD_GUILD_ID=1000
SB_DISCORD_PENDING_ROLE_ID=2000
SB_DISCORD_MEMBER_ROLE_ID=3000
SB_DISCORD_REVIEW_CHANNEL_ID=4000
SB_DISCORD_LOG_LEVEL=WARN
SB_DISCORD_DISCORDGO_LOG_LEVEL=WARN
SB_DISCORD_STARTUP_MESSAGE="Jeg er her!"
SB_DISCORD_CUSTOM_STATUS="/apply"
SB_DISCORD_GATEWAY_INTENTS=3243773

# Onboarding and leveling

SB_ONBOARDING_TIMEOUT=15m
SB_LEVELING_ENABLED=false
SB_LEVELING_COOLDOWN=30s
SB_LEVELING_POINTS_PER_MESSAGE=2
SB_LEVELING_BASE_POINTS=20
SB_LEVELING_ROLE_NAME_FORMAT="Niveau %d"
SB_LEVELING_LEADERBOARD_SIZE=5

# API server

SB_API_ENABLED=true
SB_API_LISTEN=127.0.0.1:5000
SB_API_TOKEN=your-api-token
SB_API_SSL_CERT=/etc/ssl/cert.pem
SB_API_SSL_KEY=/etc/ssl/key.pem
SB_API_SSL_TLS_MIN_VERSION=771
SB_API_LOG_LEVEL=DEBUG
SB_API_CORS_ALLOW_ORIGINS=https://127.0.0.1:5000 https://localhost:5000
SB_API_CORS_ALLOW_METHODS=GET POST DELETE
SB_API_CORS_ALLOW_CREDENTIALS=true
SB_API_CORS_MAX_AGE=12h
SB_API_READ_TIMEOUT=5s
SB_API_READ_HEADER_TIMEOUT=5s
SB_API_WRITE_TIMEOUT=10s
SB_API_IDLE_TIMEOUT=30s
`

	require.NoError(t, os.WriteFile(envFile, []byte(envContent), 0o644))

	rootCmd.SetArgs([]string{fmt.Sprintf("--config=%s", envFile), "version"})
	require.NoError(t, rootCmd.Execute())

	assertLogLevel(t, slog.LevelInfo, viper.Get("log_level"))
	assertLogLevel(t, slog.LevelInfo, viper.Get("store.database_log_level"))
	assertLogLevel(t, slog.LevelWarn, viper.Get("discord.log_level"))
	assertLogLevel(t, slog.LevelWarn, viper.Get("discord.discordgo_log_level"))
	assertLogLevel(t, slog.LevelDebug, viper.Get("api.log_level"))

	assert.Equal(t, "sqlite", viper.GetString("store.type"))
	assert.Equal(t, 250*time.Millisecond, viper.GetDuration("store.database_slow_threshold"))
	assert.Equal(t, "your-discord-bot-token", viper.GetString("discord.token"))
	assert.Equal(t, 3243773, viper.GetInt("discord.gateway_intents"))
	assert.Equal(
		t,
		[]string{"https://127.0.0.1:5000", "https://localhost:5000"},
		viper.GetStringSlice("api.cors.allow_origins"),
	)

	var config skolebot.Config
	err := viper.Unmarshal(
		&config, viper.DecodeHook(
			mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				LevelToStringHookFunc(),
			),
		),
	)
	require.NoError(t, err)

	assert.Equal(t, slog.LevelInfo, config.LogLevel.Level())
	assert.Equal(t, 30*time.Second, config.StartupTimeout)
	assert.Equal(t, 60*time.Second, config.ShutdownTimeout)

	assert.Equal(t, skolebot.StoreTypeSQLite, config.Store.Type)
	assert.Equal(t, "/home/foo/skolebot.sqlite3", config.Store.Database)
	assert.Equal(t, slog.LevelInfo, config.Store.DatabaseLogLevel.Level())
	assert.Equal(t, 250*time.Millisecond, config.Store.DatabaseSlowThreshold)
	assert.Equal(t, "/var/lib/skolebot/applications.json", config.Store.ApplicationsFile)
	assert.Equal(t, "/var/lib/skolebot/levels.json", config.Store.LevelsFile)

	assert.Equal(t, "redis:6379", config.Redis.Addr)
	assert.Equal(t, 2, config.Redis.DB)
	assert.Equal(t, "skole", config.Redis.KeyPrefix)

	assert.Equal(t, "your-discord-bot-token", config.Discord.Token)
	assert.Equal(t, "your-discord-bot-app-id", config.Discord.ApplicationID)
	assert.Equal(t, "1000", config.Discord.GuildID)
	assert.Equal(t, "2000", config.Discord.PendingRoleID)
	assert.Equal(t, "3000", config.Discord.MemberRoleID)
	assert.Equal(t, "4000", config.Discord.ReviewChannelID)
	assert.Equal(t, slog.LevelWarn, config.Discord.LogLevel.Level())
	assert.Equal(t, slog.LevelWarn, config.Discord.DiscordGoLogLevel.Level())
	assert.Equal(t, "Jeg er her!", config.Discord.StartupMessage)
	assert.Equal(t, "/apply", config.Discord.CustomStatus)
	assert.Equal(t, discordgo.Intent(3243773), config.Discord.GatewayIntents)

	assert.Equal(t, 15*time.Minute, config.Onboarding.Timeout)

	assert.False(t, config.Leveling.Enabled)
	assert.Equal(t, 30*time.Second, config.Leveling.Cooldown)
	assert.Equal(t, int64(2), config.Leveling.PointsPerMessage)
	assert.Equal(t, int64(20), config.Leveling.BasePoints)
	assert.Equal(t, "Niveau %d", config.Leveling.RoleNameFormat)
	assert.Equal(t, 5, config.Leveling.LeaderboardSize)
	assert.Equal(t, skolebot.DefaultLevelWorkerIdle, config.Leveling.WorkerIdleTimeout)

	assert.True(t, config.API.Enabled)
	assert.Equal(t, "127.0.0.1:5000", config.API.Listen)
	assert.Equal(t, "your-api-token", config.API.Token)
	assert.Equal(t, "/etc/ssl/cert.pem", config.API.SSL.Cert)
	assert.Equal(t, "/etc/ssl/key.pem", config.API.SSL.Key)
	assert.Equal(t, uint16(771), config.API.SSL.TLSMinVersion)
	assert.Equal(t, slog.LevelDebug, config.API.LogLevel.Level())
	assert.Equal(
		t,
		[]string{"https://127.0.0.1:5000", "https://localhost:5000"},
		config.API.CORS.AllowOrigins,
	)
	assert.Equal(t, []string{"GET", "POST", "DELETE"}, config.API.CORS.AllowMethods)
	assert.Equal(t, skolebot.DefaultCORSAllowHeaders, config.API.CORS.AllowHeaders)
	assert.True(t, config.API.CORS.AllowCredentials)
	assert.Equal(t, 12*time.Hour, config.API.CORS.MaxAge)
	assert.Equal(t, 5*time.Second, config.API.ReadTimeout)
	assert.Equal(t, 10*time.Second, config.API.WriteTimeout)
	assert.Equal(t, 30*time.Second, config.API.IdleTimeout)

	require.NoError(t, config.Validate())
}

func TestLegacyBotTokenEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv(legacyTokenEnv, "legacy-token")

	rootCmd.SetArgs([]string{"version"})
	require.NoError(t, rootCmd.Execute())

	assert.Equal(t, "legacy-token", viper.GetString("discord.token"))
	assert.Equal(t, "legacy-token", cfg.Discord.Token)
}

func TestLevelToStringHookFunc(t *testing.T) {
	var target struct {
		Level *slog.LevelVar `mapstructure:"level"`
	}
	decoder, err := mapstructure.NewDecoder(
		&mapstructure.DecoderConfig{
			DecodeHook: LevelToStringHookFunc(),
			Result:     &target,
		},
	)
	require.NoError(t, err)
	require.NoError(t, decoder.Decode(map[string]any{"level": "ERROR"}))
	assert.Equal(t, slog.LevelError, target.Level.Level())

	err = decoder.Decode(map[string]any{"level": "LOUD"})
	assert.Error(t, err)
}
