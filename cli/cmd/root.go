package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/user"
	"strings"
	"time"

	"github.com/awnumar/memguard"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"southwinds.dev/atrest"
	"southwinds.dev/atrest/audit"
	"southwinds.dev/atrest/persist"
)

var (
	cfgFile     string
	vaultSvc    *atrest.Vault
	table       persist.Table
	auditLogger audit.Logger
	logger      = zerolog.Nop()
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "atrest",
	Short: "Passphrase-gated encryption for records at rest",
	Long: `atrest stores JSON records in a table backend encrypted under a key derived
from your passphrase. Every record carries its own salt and IV, and a wrong
passphrase is told apart from damaged data.

Tables can live on the local file system, in S3 compatible object storage,
in Redis or in PostgreSQL.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initializeVault,
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		return closeAll()
	},
}

// closeAll releases the table and the vault opened for a command
func closeAll() error {
	var errs []error
	if table != nil {
		errs = append(errs, table.Close())
		table = nil
	}
	if vaultSvc != nil {
		errs = append(errs, vaultSvc.Close())
		vaultSvc = nil
	}
	return errors.Join(errs...)
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, formatError(err))
		memguard.SafeExit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.atrest.yaml)")
	flags.String("passphrase", "", "passphrase (or use ATREST_PASSPHRASE env var, prompts when unset)")
	flags.Duration("timeout", 0, "abort the command after this long, e.g. 30s (0 disables)")
	flags.String("log-level", "", "log level (debug, info, warn, error)")

	// Table flags
	flags.StringP("table", "t", "", "table name")
	flags.String("table-type", "", "table backend (filesystem, memory, s3, redis, postgres)")
	flags.String("codec", "", "table value encoding (json, msgpack)")
	flags.String("base-path", "", "base directory of the filesystem backend")

	// S3 flags
	flags.String("s3-endpoint", "", "S3 endpoint (host:port)")
	flags.String("s3-region", "", "S3 region")
	flags.String("s3-bucket", "", "S3 bucket name")
	flags.String("s3-prefix", "", "S3 key prefix")
	flags.String("s3-access-key", "", "S3 access key ID")
	flags.String("s3-secret-key", "", "S3 secret access key")
	flags.Bool("s3-use-ssl", true, "use TLS for S3 connections")

	// Redis and PostgreSQL flags
	flags.String("redis-addr", "", "Redis address (host:port)")
	flags.Int("redis-db", 0, "Redis database number")
	flags.String("postgres-dsn", "", "PostgreSQL connection string")

	// Crypto flags
	flags.String("kdf", "", "key derivation function for new records (pbkdf2-sha256, argon2id)")
	flags.Int("iterations", 0, "PBKDF2 iterations")
	flags.String("cipher", "", "cipher for new records (aes-256-gcm, chacha20-poly1305)")
	flags.Bool("no-offload", false, "derive keys on the calling goroutine")

	// Audit flags
	flags.Bool("audit", false, "enable audit logging")
	flags.String("audit-type", "", "audit logger type (file, syslog)")
	flags.String("audit-file", "", "audit log file path")

	bindFlags()
}

// bindFlags maps the persistent flags onto configuration keys
func bindFlags() {
	bindFlagOrPanic("passphrase", "passphrase")
	bindFlagOrPanic("timeout", "timeout")
	bindFlagOrPanic("log.level", "log-level")
	bindFlagOrPanic("table.name", "table")
	bindFlagOrPanic("table.type", "table-type")
	bindFlagOrPanic("table.codec", "codec")
	bindFlagOrPanic("table.filesystem.base_path", "base-path")
	bindFlagOrPanic("table.s3.endpoint", "s3-endpoint")
	bindFlagOrPanic("table.s3.region", "s3-region")
	bindFlagOrPanic("table.s3.bucket", "s3-bucket")
	bindFlagOrPanic("table.s3.key_prefix", "s3-prefix")
	bindFlagOrPanic("table.s3.access_key_id", "s3-access-key")
	bindFlagOrPanic("table.s3.secret_access_key", "s3-secret-key")
	bindFlagOrPanic("table.s3.use_ssl", "s3-use-ssl")
	bindFlagOrPanic("table.redis.addr", "redis-addr")
	bindFlagOrPanic("table.redis.db", "redis-db")
	bindFlagOrPanic("table.postgres.dsn", "postgres-dsn")
	bindFlagOrPanic("crypto.kdf", "kdf")
	bindFlagOrPanic("crypto.iterations", "iterations")
	bindFlagOrPanic("crypto.cipher", "cipher")
	bindFlagOrPanic("crypto.disable_offload", "no-offload")
	bindFlagOrPanic("audit.enabled", "audit")
	bindFlagOrPanic("audit.type", "audit-type")
	bindFlagOrPanic("audit.options.file_path", "audit-file")
}

func bindFlagOrPanic(configKey, flagName string) {
	if err := viper.BindPFlag(configKey, rootCmd.PersistentFlags().Lookup(flagName)); err != nil {
		panic(fmt.Sprintf("failed to bind %s flag: %v", flagName, err))
	}
}

func initConfig() {
	setDefaults()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/atrest")

		viper.SetConfigType("yaml")
		viper.SetConfigName(".atrest")
	}

	viper.SetEnvPrefix("ATREST")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			fmt.Fprintf(os.Stderr, "Error reading config file: %v\n", err)
		}
	}
}

func setDefaults() {
	viper.SetDefault("table.name", "records")
	viper.SetDefault("table.type", string(persist.TableTypeFileSystem))
	viper.SetDefault("table.codec", "json")
	viper.SetDefault("table.filesystem.base_path", ".atrest")

	viper.SetDefault("table.s3.region", "us-east-1")
	viper.SetDefault("table.s3.key_prefix", "atrest/")
	viper.SetDefault("table.s3.use_ssl", true)

	viper.SetDefault("table.redis.addr", "localhost:6379")
	viper.SetDefault("table.redis.key_prefix", "atrest")

	viper.SetDefault("crypto.kdf", string(atrest.PBKDF2SHA256))
	viper.SetDefault("crypto.iterations", 600000)
	viper.SetDefault("crypto.cipher", string(atrest.AES256GCM))

	viper.SetDefault("audit.enabled", false)
	viper.SetDefault("audit.type", "file")
	viper.SetDefault("audit.options.file_path", ".atrest/audit.log")
	viper.SetDefault("audit.options.max_size", 100)
	viper.SetDefault("audit.options.max_backups", 5)
	viper.SetDefault("audit.log_level", "info")

	viper.SetDefault("log.level", "warn")
	viper.SetDefault("log.format", "console")
}

// skipsVault reports whether cmd runs without a vault
func skipsVault(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		switch c.Name() {
		case "help", "completion", "__complete", "config":
			return true
		}
	}
	return false
}

func initializeVault(cmd *cobra.Command, args []string) error {
	logger = newLogger(os.Stderr)
	if skipsVault(cmd) {
		return nil
	}

	var err error
	auditLogger, err = createAuditLogger()
	if err != nil {
		return fmt.Errorf("failed to create audit logger: %w", err)
	}

	vaultSvc, err = atrest.New(vaultOptions())
	if err != nil {
		_ = auditLogger.Close()
		return fmt.Errorf("failed to initialize vault: %w", err)
	}
	return nil
}

func newLogger(out io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(viper.GetString("log.level"))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.WarnLevel
	}
	if viper.GetString("log.format") != "json" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

func vaultOptions() atrest.Options {
	return atrest.Options{
		KDF:        atrest.KDFAlgorithm(viper.GetString("crypto.kdf")),
		Iterations: viper.GetInt("crypto.iterations"),
		Argon2: atrest.Argon2Params{
			Time:    viper.GetUint32("crypto.argon2.time"),
			Memory:  viper.GetUint32("crypto.argon2.memory_kib"),
			Threads: uint8(viper.GetUint("crypto.argon2.threads")),
		},
		Cipher:           atrest.CipherSuite(viper.GetString("crypto.cipher")),
		DisableOffload:   viper.GetBool("crypto.disable_offload"),
		MaxWorkers:       viper.GetInt("crypto.max_workers"),
		ClearFields:      clearFields(),
		EnableMemoryLock: viper.GetBool("crypto.memory_lock"),
		Audit:            auditLogger,
		Logger:           &logger,
	}
}

// clearFields is nil, copying every field, unless crypto.clear_fields is configured
func clearFields() []string {
	if !viper.IsSet("crypto.clear_fields") {
		return nil
	}
	fields := viper.GetStringSlice("crypto.clear_fields")
	if fields == nil {
		fields = []string{}
	}
	return fields
}

func createAuditLogger() (audit.Logger, error) {
	return audit.NewLogger(&audit.Config{
		Enabled: viper.GetBool("audit.enabled"),
		Source:  getCurrentUser() + "@" + getHostname(),
		Type:    audit.ConfigType(viper.GetString("audit.type")),
		Options: map[string]interface{}{
			"file_path":   viper.GetString("audit.options.file_path"),
			"max_size":    viper.GetInt("audit.options.max_size"),
			"max_backups": viper.GetInt("audit.options.max_backups"),
			"network":     viper.GetString("audit.options.network"),
			"address":     viper.GetString("audit.options.address"),
			"tag":         viper.GetString("audit.options.tag"),
		},
		LogLevel: viper.GetString("audit.log_level"),
	})
}

// openTable opens the configured table on first use; PersistentPostRunE closes it
func openTable() (persist.Table, error) {
	if table != nil {
		return table, nil
	}
	config := tableConfig()
	t, err := persist.NewTable(config, viper.GetString("table.name"))
	if err != nil {
		return nil, fmt.Errorf("failed to open %s table: %w", config.Type, err)
	}
	logger.Debug().Str("type", string(config.Type)).Str("table", t.Name()).Msg("table opened")
	table = t
	return t, nil
}

// commandContext applies the --timeout flag
func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if d := viper.GetDuration("timeout"); d > 0 {
		return context.WithTimeout(ctx, d)
	}
	return context.WithCancel(ctx)
}

// formatError puts the user facing message of vault errors first
func formatError(err error) string {
	var vaultErr *atrest.Error
	if errors.As(err, &vaultErr) {
		return fmt.Sprintf("Error: %s (%v)", vaultErr.Kind.UserMessage(), err)
	}

	message := err.Error()
	if len(message) > 0 {
		message = strings.ToUpper(message[:1]) + message[1:]
	}
	return "Error: " + message
}

// getCurrentUser retrieves the username of the currently logged-in user.
// It returns "unknown_user" if the user cannot be determined.
func getCurrentUser() string {
	currentUser, err := user.Current()
	if err != nil {
		if envUser := os.Getenv("USER"); envUser != "" {
			return envUser
		}
		return "unknown_user"
	}
	return currentUser.Username
}

// getHostname retrieves the hostname of the machine.
// It returns "unknown_host" if the hostname cannot be determined.
func getHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown_host"
	}
	return hostname
}
