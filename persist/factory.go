package persist

import (
	"fmt"
	"strconv"

	"southwinds.dev/atrest/internal/codec"
)

// NewTable factory function to create table backends
func NewTable(config TableConfig, name string) (Table, error) {
	switch config.Type {
	case TableTypeMemory, "":
		return NewMemoryTable(name)

	case TableTypeFileSystem:
		basePath, ok := config.Config["base_path"].(string)
		if !ok || basePath == "" {
			return nil, fmt.Errorf("filesystem table requires 'base_path' in config")
		}
		c, err := configCodec(config)
		if err != nil {
			return nil, err
		}
		return NewFileSystemTable(basePath, name, c)

	case TableTypeS3:
		return NewS3TableFromConfig(config, name)

	case TableTypeRedis:
		return NewRedisTableFromConfig(config, name)

	case TableTypePostgres:
		return NewPostgresTableFromConfig(config, name)

	default:
		return nil, fmt.Errorf("unsupported table type: %s", config.Type)
	}
}

func configCodec(config TableConfig) (codec.Codec, error) {
	return codec.ByName(configString(config, "codec", ""))
}

func configString(config TableConfig, key, def string) string {
	if v, ok := config.Config[key].(string); ok && v != "" {
		return v
	}
	return def
}

// configBool accepts booleans as well as their string form, since values may come
// from environment variables through viper
func configBool(config TableConfig, key string) bool {
	switch v := config.Config[key].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	default:
		return false
	}
}

// configInt accepts any numeric or string value
func configInt(config TableConfig, key string, def int) int {
	switch v := config.Config[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
