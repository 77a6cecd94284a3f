package config

import (
	"fmt"

	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// envMappings binds the environment variables the deployment scripts use to
// their configuration paths. Variables not listed here are ignored.
var envMappings = map[string]string{
	"DATABASE_PATH":                  "store.path",
	"OUTPUT_PATH":                    "paths.output",
	"UPLOAD_PATH":                    "paths.upload",
	"API_PORT":                       "server.port",
	"WORKER_PORT":                    "worker.port",
	"WORKER_GPUS":                    "worker.gpus",
	"PDF_SPLIT_ENABLED":              "split.enabled",
	"PDF_SPLIT_THRESHOLD_PAGES":      "split.threshold_pages",
	"PDF_SPLIT_CHUNK_SIZE":           "split.chunk_size",
	"REDIS_QUEUE_ENABLED":            "redis.queue_enabled",
	"REDIS_HOST":                     "redis.host",
	"REDIS_PORT":                     "redis.port",
	"REDIS_DB":                       "redis.db",
	"REDIS_PASSWORD":                 "redis.password",
	"REDIS_URL":                      "redis.url",
	"REDIS_QUEUE_VISIBILITY_TIMEOUT": "redis.visibility_timeout",
	"STORAGE_ENABLED":                "storage.enabled",
	"STORAGE_ENDPOINT":               "storage.endpoint",
	"STORAGE_ACCESS_KEY":             "storage.access_key",
	"STORAGE_SECRET_KEY":             "storage.secret_key",
	"STORAGE_BUCKET":                 "storage.bucket",
	"STORAGE_PUBLIC_URL":             "storage.public_url",
	"LOG_LEVEL":                      "log.level",
	"LOG_JSON":                       "log.json",
	"TIANSHU_API_URL":                "mcp.api_url",
	"TIANSHU_API_KEY":                "mcp.api_key",
}

// Load builds the configuration from defaults overlaid with environment
// variables.
func Load() (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("config: load defaults: %w", err)
	}
	if err := k.Load(env.Provider(".", env.Opt{
		TransformFunc: func(key, value string) (string, any) {
			if path, ok := envMappings[key]; ok {
				return path, value
			}
			// Unmapped variables are skipped.
			return "", nil
		},
	}), nil); err != nil {
		return nil, fmt.Errorf("config: load environment: %w", err)
	}
	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			WeaklyTypedInput: true,
			Result:           &cfg,
			TagName:          "koanf",
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(","),
			),
		},
	}); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return &cfg, nil
}
