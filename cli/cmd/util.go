package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
	"southwinds.dev/atrest"
	"southwinds.dev/atrest/internal/misc"
	"southwinds.dev/atrest/persist"
)

// tableConfigKeys lists the backend settings read from table.<type>.<key>
var tableConfigKeys = map[persist.TableType][]string{
	persist.TableTypeFileSystem: {"base_path"},
	persist.TableTypeS3:         {"endpoint", "region", "bucket", "key_prefix", "access_key_id", "secret_access_key", "use_ssl"},
	persist.TableTypeRedis:      {"addr", "password", "db", "key_prefix"},
	persist.TableTypePostgres:   {"dsn", "max_conns"},
}

// tableConfig builds the persist.TableConfig of the configured backend
func tableConfig() persist.TableConfig {
	tableType := persist.TableType(viper.GetString("table.type"))
	config := map[string]interface{}{}
	for _, key := range tableConfigKeys[tableType] {
		if v := viper.Get("table." + string(tableType) + "." + key); v != nil {
			config[key] = v
		}
	}
	if c := viper.GetString("table.codec"); c != "" {
		config["codec"] = c
	}
	return persist.TableConfig{Type: tableType, Config: config}
}

func getConfigFilePath(global bool) string {
	if global {
		return "/etc/atrest/config.yaml"
	}
	if cfgFile != "" {
		return cfgFile
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".atrest.yaml")
}

func ensureConfigDir(configFile string) error {
	return os.MkdirAll(filepath.Dir(configFile), 0700)
}

func isValidConfigKey(key string) bool {
	_, ok := getConfigKeyDescriptions()[key]
	return ok
}

// convertStringValue turns a command line value into a bool, number or string
func convertStringValue(value string) interface{} {
	if value == "true" || value == "false" {
		return value == "true"
	}
	if strings.Contains(value, ".") {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	} else if i, err := strconv.Atoi(value); err == nil {
		return i
	}
	return value
}

func getConfigTemplate(template string) map[string]interface{} {
	switch template {
	case "minimal":
		return map[string]interface{}{
			"table": map[string]interface{}{
				"type": "filesystem",
				"name": "records",
			},
		}
	case "full":
		return map[string]interface{}{
			"table": map[string]interface{}{
				"type":  "filesystem",
				"name":  "records",
				"codec": "json",
				"filesystem": map[string]interface{}{
					"base_path": ".atrest",
				},
				"s3": map[string]interface{}{
					"endpoint":   "localhost:9000",
					"bucket":     "",
					"region":     "us-east-1",
					"key_prefix": "atrest/",
					"use_ssl":    true,
				},
				"redis": map[string]interface{}{
					"addr":       "localhost:6379",
					"db":         0,
					"key_prefix": "atrest",
				},
				"postgres": map[string]interface{}{
					"dsn":       "postgres://localhost:5432/atrest",
					"max_conns": 4,
				},
			},
			"crypto": map[string]interface{}{
				"kdf":             "pbkdf2-sha256",
				"iterations":      600000,
				"cipher":          "aes-256-gcm",
				"disable_offload": false,
				"clear_fields":    []string{"id"},
				"memory_lock":     false,
			},
			"audit": map[string]interface{}{
				"enabled": false,
				"type":    "file",
				"options": map[string]interface{}{
					"file_path": ".atrest/audit.log",
				},
			},
			"log": map[string]interface{}{
				"level":  "warn",
				"format": "console",
			},
		}
	default:
		return map[string]interface{}{
			"table": map[string]interface{}{
				"type": "filesystem",
				"name": "records",
				"filesystem": map[string]interface{}{
					"base_path": ".atrest",
				},
			},
			"crypto": map[string]interface{}{
				"clear_fields": []string{"id"},
			},
			"audit": map[string]interface{}{
				"enabled": false,
				"type":    "file",
				"options": map[string]interface{}{
					"file_path": ".atrest/audit.log",
				},
			},
		}
	}
}

func validateConfiguration() []string {
	var errs []string

	tableType := viper.GetString("table.type")
	validTableTypes := []string{"memory", "filesystem", "s3", "redis", "postgres"}
	if !contains(validTableTypes, tableType) {
		errs = append(errs, fmt.Sprintf("invalid table type: %s (must be one of: %s)",
			tableType, strings.Join(validTableTypes, ", ")))
	}
	if codec := viper.GetString("table.codec"); codec != "" && !contains([]string{"json", "msgpack"}, codec) {
		errs = append(errs, fmt.Sprintf("invalid table codec: %s (must be json or msgpack)", codec))
	}

	switch tableType {
	case "filesystem":
		if viper.GetString("table.filesystem.base_path") == "" {
			errs = append(errs, "base path is required when using the filesystem table")
		}
	case "s3":
		if viper.GetString("table.s3.bucket") == "" {
			errs = append(errs, "S3 bucket is required when using the s3 table")
		}
		hasAccessKey := viper.GetString("table.s3.access_key_id") != ""
		hasSecretKey := viper.GetString("table.s3.secret_access_key") != ""
		if hasAccessKey != hasSecretKey {
			errs = append(errs, "S3 access key and secret key must be set together")
		}
	case "redis":
		if viper.GetString("table.redis.addr") == "" {
			errs = append(errs, "Redis address is required when using the redis table")
		}
	case "postgres":
		if viper.GetString("table.postgres.dsn") == "" {
			errs = append(errs, "PostgreSQL DSN is required when using the postgres table")
		}
	}

	opts := vaultOptions()
	if err := opts.Validate(); err != nil {
		errs = append(errs, err.Error())
	}

	if viper.GetBool("audit.enabled") {
		auditType := viper.GetString("audit.type")
		if !contains([]string{"file", "syslog"}, auditType) {
			errs = append(errs, fmt.Sprintf("invalid audit type: %s (must be one of: file, syslog)", auditType))
		}
		if auditType == "file" && viper.GetString("audit.options.file_path") == "" {
			errs = append(errs, "audit file path is required when using file audit")
		}
	}

	return errs
}

func getConfigKeyDescriptions() map[string]string {
	return map[string]string{
		"passphrase":                        "Passphrase (prefer the ATREST_PASSPHRASE environment variable)",
		"timeout":                           "Command timeout, e.g. 30s",
		"table.name":                        "Table name",
		"table.type":                        "Table backend (filesystem, memory, s3, redis, postgres)",
		"table.codec":                       "Table value encoding (json, msgpack)",
		"table.filesystem.base_path":        "Base directory of the filesystem backend",
		"table.s3.endpoint":                 "S3 endpoint (host:port)",
		"table.s3.region":                   "S3 region",
		"table.s3.bucket":                   "S3 bucket name",
		"table.s3.key_prefix":               "S3 key prefix",
		"table.s3.access_key_id":            "S3 access key ID",
		"table.s3.secret_access_key":        "S3 secret access key",
		"table.s3.use_ssl":                  "Use TLS for S3 connections",
		"table.redis.addr":                  "Redis server address",
		"table.redis.db":                    "Redis database number",
		"table.redis.password":              "Redis password",
		"table.redis.key_prefix":            "Redis key prefix",
		"table.postgres.dsn":                "PostgreSQL connection string",
		"table.postgres.max_conns":          "PostgreSQL pool size",
		"crypto.kdf":                        "Key derivation function for new records (pbkdf2-sha256, argon2id)",
		"crypto.iterations":                 "PBKDF2 iterations",
		"crypto.argon2.time":                "Argon2id passes",
		"crypto.argon2.memory_kib":          "Argon2id memory in KiB",
		"crypto.argon2.threads":             "Argon2id parallelism",
		"crypto.cipher":                     "Cipher for new records (aes-256-gcm, chacha20-poly1305)",
		"crypto.disable_offload":            "Derive keys on the calling goroutine",
		"crypto.max_workers":                "Concurrent key derivation workers",
		"crypto.clear_fields":               "Record fields stored unencrypted next to the envelope",
		"crypto.memory_lock":                "Lock process memory against swapping",
		"audit.enabled":                     "Enable audit logging",
		"audit.type":                        "Audit logger type (file, syslog)",
		"audit.log_level":                   "Audit threshold for syslog (info, warn, error)",
		"audit.options.file_path":           "Audit log file path",
		"audit.options.max_size":            "Rotate the audit log after this many MB",
		"audit.options.max_backups":         "Rotated audit logs to keep",
		"audit.options.network":             "Syslog network (tcp, udp, empty for local)",
		"audit.options.address":             "Syslog address",
		"audit.options.tag":                 "Syslog tag",
		"log.level":                         "Log level (debug, info, warn, error)",
		"log.format":                        "Log format (console, json)",
	}
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// printConfigTable prints configuration in table format
func printConfigTable() error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, "KEY\tVALUE\tSOURCE")
	fmt.Fprintln(w, "---\t-----\t------")

	var keys []string
	flattenKeys(viper.AllSettings(), "", &keys)
	sort.Strings(keys)

	for _, key := range keys {
		value := viper.Get(key)
		source := "default"
		if viper.ConfigFileUsed() != "" {
			source = filepath.Base(viper.ConfigFileUsed())
		}
		if os.Getenv(envVarName(key)) != "" {
			source = "environment"
		}
		if isSensitiveConfigKey(key) {
			value = "[REDACTED]"
		}
		fmt.Fprintf(w, "%s\t%v\t%s\n", key, value, source)
	}
	return nil
}

func envVarName(key string) string {
	return "ATREST_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

func printConfigJSON() error {
	config := viper.AllSettings()
	maskSensitiveValues(config)

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config to JSON: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

func printConfigYAML() error {
	config := viper.AllSettings()
	maskSensitiveValues(config)

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}
	fmt.Print(string(data))
	return nil
}

func printConfigKeysTable(keys map[string]string) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, "KEY\tDESCRIPTION")
	fmt.Fprintln(w, "---\t-----------")

	sortedKeys := make([]string, 0, len(keys))
	for key := range keys {
		sortedKeys = append(sortedKeys, key)
	}
	sort.Strings(sortedKeys)

	for _, key := range sortedKeys {
		fmt.Fprintf(w, "%s\t%s\n", key, keys[key])
	}
	return nil
}

// flattenKeys recursively flattens nested maps into dot-notation keys
func flattenKeys(m map[string]interface{}, prefix string, keys *[]string) {
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]interface{}); ok {
			flattenKeys(nested, key, keys)
		} else {
			*keys = append(*keys, key)
		}
	}
}

// isSensitiveConfigKey checks if a configuration key holds a credential
func isSensitiveConfigKey(key string) bool {
	sensitiveKeys := []string{"passphrase", "password", "secret", "access_key", "dsn", "token"}
	lowerKey := strings.ToLower(key)
	for _, sensitive := range sensitiveKeys {
		if strings.Contains(lowerKey, sensitive) {
			return true
		}
	}
	return false
}

// maskSensitiveValues recursively masks sensitive values in configuration
func maskSensitiveValues(config map[string]interface{}) {
	for key, value := range config {
		if isSensitiveConfigKey(key) {
			config[key] = "[REDACTED]"
		} else if nested, ok := value.(map[string]interface{}); ok {
			maskSensitiveValues(nested)
		}
	}
}

// describeKDF summarizes the configured key derivation for status output
func describeKDF(opts atrest.Options) string {
	if opts.KDF == atrest.Argon2id {
		p := opts.Argon2
		if p.Time == 0 {
			p.Time = misc.ArgonTime
		}
		if p.Memory == 0 {
			p.Memory = misc.ArgonMemory
		}
		if p.Threads == 0 {
			p.Threads = misc.ArgonThreads
		}
		return fmt.Sprintf("%s (time=%d, memory=%dKiB, threads=%d)", opts.KDF, p.Time, p.Memory, p.Threads)
	}
	iterations := opts.Iterations
	if iterations == 0 {
		iterations = misc.PBKDF2Iterations
	}
	return fmt.Sprintf("%s (%d iterations)", atrest.PBKDF2SHA256, iterations)
}
