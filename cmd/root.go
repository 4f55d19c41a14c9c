package cmd

import (
	"context"
	"fmt"
	"github.com/LaugeSvan/DenFrieDigiSkole/skolebot"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"
)

// legacyTokenEnv is also accepted for the discord token
const legacyTokenEnv = "BOT_TOKEN"

var (
	cfg        = skolebot.DefaultConfig()
	configFile string
)

// logLevelKeys are converted from strings to *slog.LevelVar after
// loading the environment
var logLevelKeys = []string{
	"log_level",
	"store.database_log_level",
	"discord.log_level",
	"discord.discordgo_log_level",
	"api.log_level",
}

var rootCmd = &cobra.Command{
	Use:   "skolebot [flags]",
	Short: "Discord bot for onboarding and leveling on a school server",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		err := viper.Unmarshal(
			cfg,
			viper.DecodeHook(
				mapstructure.ComposeDecodeHookFunc(
					mapstructure.StringToTimeDurationHookFunc(),
					LevelToStringHookFunc(),
				),
			),
		)
		if err != nil {
			log.Fatalln(err)
		}
	},
}

func getLogLevel(level string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
	return lvl, nil
}

func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}

		typ := t.Elem()

		if typ != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, err
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
			//
		}
	}()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func setDefaults() {
	viper.SetDefault("log_level", skolebot.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", skolebot.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", skolebot.DefaultShutdownTimeout)

	// Store config
	viper.SetDefault("store.type", skolebot.DefaultStoreType)
	viper.SetDefault("store.applications_file", skolebot.DefaultApplicationsFile)
	viper.SetDefault("store.levels_file", skolebot.DefaultLevelsFile)
	viper.SetDefault("store.database", skolebot.DefaultDatabase)
	viper.SetDefault(
		"store.database_log_level",
		skolebot.DefaultDatabaseLogLevel.String(),
	)
	viper.SetDefault(
		"store.database_slow_threshold",
		skolebot.DefaultDatabaseSlowThreshold,
	)

	// Redis config
	viper.SetDefault("redis.addr", skolebot.DefaultRedisAddr)
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.key_prefix", skolebot.DefaultRedisKeyPrefix)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault("discord.pending_role_id", "")
	viper.SetDefault("discord.member_role_id", "")
	viper.SetDefault("discord.review_channel_id", "")
	viper.SetDefault(
		"discord.log_level",
		skolebot.DefaultDiscordLogLevel.String(),
	)
	viper.SetDefault(
		"discord.discordgo_log_level",
		skolebot.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault(
		"discord.gateway_intents",
		skolebot.DefaultDiscordGatewayIntent,
	)
	viper.SetDefault("discord.startup_message", skolebot.DefaultDiscordStartupMessage)
	viper.SetDefault("discord.custom_status", skolebot.DefaultDiscordCustomStatus)

	// Onboarding config
	viper.SetDefault("onboarding.timeout", skolebot.DefaultOnboardingTimeout)

	// Leveling config
	viper.SetDefault("leveling.enabled", true)
	viper.SetDefault("leveling.cooldown", skolebot.DefaultLevelingCooldown)
	viper.SetDefault("leveling.points_per_message", skolebot.DefaultPointsPerMessage)
	viper.SetDefault("leveling.base_points", skolebot.DefaultLevelBasePoints)
	viper.SetDefault("leveling.role_name_format", skolebot.DefaultLevelRoleFormat)
	viper.SetDefault("leveling.leaderboard_size", skolebot.DefaultLeaderboardSize)
	viper.SetDefault("leveling.worker_idle_timeout", skolebot.DefaultLevelWorkerIdle)
	viper.SetDefault(
		"leveling.announcements_per_second",
		skolebot.DefaultLevelUpAnnouncePerSec,
	)

	// API config
	viper.SetDefault("api.enabled", false)
	viper.SetDefault("api.development", false)
	viper.SetDefault("api.listen", skolebot.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.token", "")
	viper.SetDefault("api.log_level", skolebot.DefaultAPILogLevel.String())
	viper.SetDefault("api.read_timeout", skolebot.DefaultReadTimeout)
	viper.SetDefault(
		"api.read_header_timeout",
		skolebot.DefaultReadHeaderTimeout,
	)
	viper.SetDefault("api.write_timeout", skolebot.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", skolebot.DefaultIdleTimeout)
	viper.SetDefault("api.ssl.cert", "")
	viper.SetDefault("api.ssl.key", "")
	viper.SetDefault("api.ssl.tls_min_version", skolebot.DefaultAPITLSMinVersion)

	// API: CORS config
	viper.SetDefault(
		"api.cors.allow_headers",
		skolebot.DefaultCORSAllowHeaders,
	)
	viper.SetDefault(
		"api.cors.allow_methods",
		skolebot.DefaultCORSAllowMethods,
	)
	viper.SetDefault(
		"api.cors.expose_headers",
		skolebot.DefaultCORSExposeHeaders,
	)
	viper.SetDefault("api.cors.allow_origins", []string{})
	viper.SetDefault("api.cors.max_age", skolebot.DefaultCORSMaxAge)
	viper.SetDefault(
		"api.cors.allow_credentials",
		skolebot.DefaultAPICORSAllowCredentials,
	)
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		fmt.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Println("No .env file found")
		}
	}

	setDefaults()

	envPrefix := os.Getenv(skolebot.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = skolebot.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	// explicit names skip the prefix, so the prefixed name is listed too
	if err := viper.BindEnv(
		"discord.token",
		envPrefix+"_DISCORD_TOKEN",
		legacyTokenEnv,
	); err != nil {
		log.Fatalf("error: %v", err)
	}

	// Convert values to correct types
	for _, key := range []string{
		"api.cors.allow_headers",
		"api.cors.allow_origins",
		"api.cors.allow_methods",
		"api.cors.expose_headers",
	} {
		viper.Set(key, viper.GetStringSlice(key))
	}

	for _, key := range logLevelKeys {
		if _, converted := viper.Get(key).(*slog.LevelVar); converted {
			continue
		}
		logLevelVar, err := levelStringToLevelVar(viper.GetString(key))
		if err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
		viper.Set(key, logLevelVar)
	}
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

//goland:noinspection GoLinter,GoLinter
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Config file to use",
	)
}
