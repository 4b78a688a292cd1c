package utils

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
)

type AppConfig struct {
	BotToken       string
	BotIntents     uint64
	HTTPBaseURL    string
	ShardID        uint32
	ShardCount     uint32
	CompressStream bool
	StatusAddress  string
	AppEnv         string
}

// LoadConfiguration pulls everything from the environment; missing
// required keys abort startup.
func LoadConfiguration() AppConfig {
	cfg := AppConfig{}
	requiredEnv := map[string]*string{
		"HARPY_BOT_TOKEN": &cfg.BotToken,
	}
	for k, v := range requiredEnv {
		val, ok := os.LookupEnv(k)
		if !ok {
			slog.Error(fmt.Sprintf("Provide: %s", k))
			os.Exit(1)
		}
		*v = val
	}
	cfg.HTTPBaseURL = envOr("HARPY_HTTP_BASE_URL", "https://discord.com/api/v10")
	cfg.StatusAddress = envOr("HARPY_STATUS_ADDRESS", "")
	cfg.AppEnv = envOr("APP_ENV", "development")
	cfg.BotIntents = envUint("HARPY_INTENTS", 641)
	cfg.ShardID = uint32(envUint("HARPY_SHARD_ID", 0))
	cfg.ShardCount = uint32(envUint("HARPY_SHARD_COUNT", 1))
	cfg.CompressStream = envOr("HARPY_COMPRESS", "true") == "true"
	return cfg
}

func envOr(key string, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return fallback
}

func envUint(key string, fallback uint64) uint64 {
	val, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	parsed, err := strconv.ParseUint(val, 10, 64)
	if err != nil {
		slog.Error(fmt.Sprintf("%s must be a number", key))
		os.Exit(1)
	}
	return parsed
}
