package cmd

import (
	"fmt"
	"github.com/mitchellh/mapstructure"
	"github.com/rolecall-bot/rolecall/rolecall"
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

func assertLogLevel(t *testing.T, expected slog.Level, actual any) {
	t.Helper()
	require.NotNil(t, actual)
	levelVar, ok := actual.(*slog.LevelVar)
	require.Truef(t, ok, "expected *slog.LevelVar, got %T", actual)
	assert.Equal(t, expected, levelVar.Level())
}

func TestLoadConfigFromEnvFile(t *testing.T) {
	// Start from a clean viper state; earlier tests may have run
	// initConfig, which stores parsed values back into viper
	viper.Reset()

	// Save the original environment
	originalEnv := os.Environ()
	t.Cleanup(
		func() {
			os.Clearenv()
			for _, envVar := range originalEnv {
				parts := strings.SplitN(envVar, "=", 2)
				os.Setenv(parts[0], parts[1])
			}
		},
	)

	// Clear the environment before the test
	os.Clearenv()

	tmpdir := t.TempDir()

	// Set up the test environment file
	envFile := filepath.Join(tmpdir, "test.env")

	envContent := `
# General/database config

RC_DATABASE=/home/foo/rolecall.sqlite3
RC_DATABASE_TYPE=sqlite
RC_DATABASE_LOG_LEVEL=INFO
RC_DATABASE_SLOW_THRESHOLD=200ms
RC_LOG_LEVEL=INFO
RC_STARTUP_TIMEOUT=30s
RC_SHUTDOWN_TIMEOUT=60s
RC_RULE_RELOAD_INTERVAL=90s

# Discord bot config

RC_DISCORD_TOKEN=your-discord-bot-token
RC_DISCORD_APPLICATION_ID=your-discord-bot-app-id
RC_DISCORD_GUILD_ID=
RC_DISCORD_LOG_LEVEL=WARN
RC_DISCORD_DISCORDGO_LOG_LEVEL=WARN
RC_DISCORD_STARTUP_MESSAGE="I'm here!"
RC_DISCORD_NOTIFICATION_CHANNEL_ID=1060778008000000001
RC_DISCORD_CUSTOM_STATUS=watching reactions
RC_DISCORD_GUILD_ONLY=true
RC_DISCORD_GATEWAY_INTENTS=3243773

# Action executor

RC_EXECUTOR_MAX_REQUESTS_PER_SECOND=2.5
RC_EXECUTOR_MAX_ATTEMPTS=4
RC_EXECUTOR_RETRY_BACKOFF=3s

# API server

RC_API_LISTEN=127.0.0.1:5000
RC_API_SSL_CERT=/etc/ssl/cert.pem
RC_API_SSL_KEY=/etc/ssl/key.pem
RC_API_SSL_TLS_MIN_VERSION=771
RC_API_SECRET=your-api-secret
RC_API_LOG_LEVEL=DEBUG
RC_API_DEVELOPMENT=true
RC_API_CORS_ALLOW_ORIGINS=https://127.0.0.1:5000 https://localhost:5000
RC_API_CORS_ALLOW_METHODS=GET POST PUT PATCH DELETE OPTIONS HEAD
RC_API_CORS_ALLOW_HEADERS=Origin Content-Length Content-Type Accept Authorization X-Requested-With Cache-Control X-CSRF-Token X-Request-ID
RC_API_CORS_EXPOSE_HEADERS=Content-Type Content-Length Accept-Encoding X-Request-ID Location ETag Authorization Last-Modified
RC_API_CORS_ALLOW_CREDENTIALS=true
RC_API_CORS_MAX_AGE=12h
RC_API_READ_TIMEOUT=5s
RC_API_READ_HEADER_TIMEOUT=5s
RC_API_WRITE_TIMEOUT=10s
RC_API_IDLE_TIMEOUT=30s
RC_API_SESSION_MAX_AGE=6h
`

	err := os.WriteFile(envFile, []byte(envContent), 0644)
	assert.NoError(t, err)

	rootCmd.SetArgs([]string{fmt.Sprintf("--config=%s", envFile), "version"})
	require.NoError(t, rootCmd.Execute())

	assert.Equal(t, "/home/foo/rolecall.sqlite3", cfg.Database)
	assert.Equal(t, "/home/foo/rolecall.sqlite3", viper.GetString("database"))
	assert.Equal(t, "sqlite", viper.GetString("database_type"))

	assertLogLevel(t, slog.LevelInfo, viper.Get("database_log_level"))

	assert.Equal(t, 200*time.Millisecond, viper.GetDuration("database_slow_threshold"))
	assertLogLevel(t, slog.LevelInfo, viper.Get("log_level"))
	assert.Equal(t, 30*time.Second, viper.GetDuration("startup_timeout"))
	assert.Equal(t, 60*time.Second, viper.GetDuration("shutdown_timeout"))
	assert.Equal(t, 90*time.Second, viper.GetDuration("rule_reload_interval"))

	assert.Equal(t, "your-discord-bot-token", viper.GetString("discord.token"))
	assert.Equal(t, "your-discord-bot-app-id", viper.GetString("discord.application_id"))
	assert.Equal(t, "", viper.GetString("discord.guild_id"))

	assertLogLevel(t, slog.LevelWarn, viper.Get("discord.log_level"))

	assertLogLevel(t, slog.LevelWarn, viper.Get("discord.discordgo_log_level"))
	assert.Equal(t, "I'm here!", viper.GetString("discord.startup_message"))
	assert.Equal(
		t,
		"1060778008000000001",
		viper.GetString("discord.notification_channel_id"),
	)
	assert.Equal(t, "watching reactions", viper.GetString("discord.custom_status"))
	assert.True(t, viper.GetBool("discord.guild_only"))
	assert.Equal(t, 3243773, viper.GetInt("discord.gateway_intents"))

	assert.Equal(t, 2.5, viper.GetFloat64("executor.max_requests_per_second"))
	assert.Equal(t, 4, viper.GetInt("executor.max_attempts"))
	assert.Equal(t, 3*time.Second, viper.GetDuration("executor.retry_backoff"))

	assert.Equal(t, "127.0.0.1:5000", viper.GetString("api.listen"))
	assert.Equal(t, "/etc/ssl/cert.pem", viper.GetString("api.ssl.cert"))
	assert.Equal(t, "/etc/ssl/key.pem", viper.GetString("api.ssl.key"))
	assert.Equal(t, 771, viper.GetInt("api.ssl.tls_min_version"))
	assert.Equal(t, "your-api-secret", viper.GetString("api.secret"))
	assertLogLevel(t, slog.LevelDebug, viper.Get("api.log_level"))
	assert.Equal(t, slog.LevelDebug, cfg.API.LogLevel.Level())
	assert.True(t, viper.GetBool("api.development"))
	assert.Equal(
		t,
		[]string{"https://127.0.0.1:5000", "https://localhost:5000"},
		viper.GetStringSlice("api.cors.allow_origins"),
	)
	assert.Equal(
		t,
		[]string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS", "HEAD"},
		viper.GetStringSlice("api.cors.allow_methods"),
	)
	assert.Equal(
		t,
		[]string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS", "HEAD"},
		cfg.API.CORS.AllowMethods,
	)
	assert.Equal(
		t,
		[]string{
			"Origin",
			"Content-Length",
			"Content-Type",
			"Accept",
			"Authorization",
			"X-Requested-With",
			"Cache-Control",
			"X-CSRF-Token",
			"X-Request-ID",
		},
		viper.GetStringSlice("api.cors.allow_headers"),
	)
	assert.Equal(
		t,
		[]string{
			"Content-Type",
			"Content-Length",
			"Accept-Encoding",
			"X-Request-ID",
			"Location",
			"ETag",
			"Authorization",
			"Last-Modified",
		},
		viper.GetStringSlice("api.cors.expose_headers"),
	)
	assert.True(t, viper.GetBool("api.cors.allow_credentials"))
	assert.Equal(t, 12*time.Hour, viper.GetDuration("api.cors.max_age"))
	assert.Equal(t, 5*time.Second, viper.GetDuration("api.read_timeout"))
	assert.Equal(t, 5*time.Second, viper.GetDuration("api.read_header_timeout"))
	assert.Equal(t, 10*time.Second, viper.GetDuration("api.write_timeout"))
	assert.Equal(t, 30*time.Second, viper.GetDuration("api.idle_timeout"))
	assert.Equal(t, 6*time.Hour, viper.GetDuration("api.session_max_age"))

	// Unmarshal the configuration into a rolecall.Config struct
	var config rolecall.Config
	err = viper.Unmarshal(
		&config, viper.DecodeHook(
			mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				LevelToStringHookFunc(),
			),
		),
	)
	assert.NoError(t, err)

	// Verify some key fields in the Config struct
	assert.Equal(t, "/home/foo/rolecall.sqlite3", config.Database)
	assert.Equal(t, "sqlite", config.DatabaseType)
	assert.Equal(t, slog.LevelInfo, config.DatabaseLogLevel.Level())
	assert.Equal(t, 200*time.Millisecond, config.DatabaseSlowThreshold)
	assert.Equal(t, slog.LevelInfo, config.LogLevel.Level())
	assert.Equal(t, 30*time.Second, config.StartupTimeout)
	assert.Equal(t, 60*time.Second, config.ShutdownTimeout)
	assert.Equal(t, 90*time.Second, config.RuleReloadInterval)

	assert.Equal(t, "your-discord-bot-token", config.Discord.Token)
	assert.Equal(t, "your-discord-bot-app-id", config.Discord.ApplicationID)
	assert.Equal(t, "", config.Discord.GuildID)
	assert.Equal(t, slog.LevelWarn, config.Discord.LogLevel.Level())
	assert.Equal(t, slog.LevelWarn, config.Discord.DiscordGoLogLevel.Level())
	assert.Equal(t, "I'm here!", config.Discord.StartupMessage)
	assert.Equal(t, "1060778008000000001", config.Discord.NotificationChannelID)
	assert.Equal(t, "watching reactions", config.Discord.CustomStatus)
	assert.True(t, config.Discord.GuildOnly)

	assert.Equal(t, 2.5, config.Executor.MaxRequestsPerSecond)
	assert.Equal(t, 4, config.Executor.MaxAttempts)
	assert.Equal(t, 3*time.Second, config.Executor.RetryBackoff)

	assert.Equal(t, "127.0.0.1:5000", config.API.Listen)
	assert.Equal(t, "/etc/ssl/cert.pem", config.API.SSL.Cert)
	assert.Equal(t, "/etc/ssl/key.pem", config.API.SSL.Key)
	assert.Equal(t, uint16(771), config.API.SSL.TLSMinVersion)
	assert.Equal(t, "your-api-secret", config.API.Secret)
	assert.Equal(t, slog.LevelDebug, config.API.LogLevel.Level())
	assert.True(t, config.API.Development)
	assert.Equal(
		t,
		[]string{"https://127.0.0.1:5000", "https://localhost:5000"},
		config.API.CORS.AllowOrigins,
	)
	assert.Equal(
		t,
		[]string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS", "HEAD"},
		config.API.CORS.AllowMethods,
	)
	assert.Equal(
		t,
		[]string{
			"Origin",
			"Content-Length",
			"Content-Type",
			"Accept",
			"Authorization",
			"X-Requested-With",
			"Cache-Control",
			"X-CSRF-Token",
			"X-Request-ID",
		},
		config.API.CORS.AllowHeaders,
	)
}
