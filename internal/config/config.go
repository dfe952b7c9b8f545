package config

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds application level configuration aggregated from env/config files.
type Config struct {
	Server struct {
		Addr string
	}
	Database struct {
		Path string
	}
	Store struct {
		Dir string
	}
	Playback struct {
		TempDir string
	}
	Download struct {
		RetryCeiling     int
		BackoffBase      time.Duration
		RateLimitDefault time.Duration
		RateLimitMargin  time.Duration
		ProgressInterval time.Duration
		UpstreamTimeout  time.Duration
	}
}

// Load reads configuration from environment variables and optional config files.
func Load() (Config, error) {
	loadDotEnv()

	v := viper.New()
	v.SetEnvPrefix("HLSVAULT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.addr", "0.0.0.0:8080")
	v.SetDefault("database.path", "data/hlsvault.db")
	v.SetDefault("store.dir", "data/content")
	v.SetDefault("playback.tempdir", os.TempDir())
	v.SetDefault("download.retryceiling", 4)
	v.SetDefault("download.backoffbase", "500ms")
	v.SetDefault("download.ratelimitdefault", "5s")
	v.SetDefault("download.ratelimitmargin", "500ms")
	v.SetDefault("download.progressinterval", "1s")
	v.SetDefault("download.upstreamtimeout", "30s")

	v.SetConfigName("config")
	v.AddConfigPath(".")
	_ = v.ReadInConfig() // optional file

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

func loadDotEnv() {
	file, err := os.Open(".env")
	if err != nil {
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		partsIndex := strings.Index(line, "=")
		if partsIndex <= 0 {
			continue
		}

		key := strings.TrimSpace(line[:partsIndex])
		value := strings.TrimSpace(line[partsIndex+1:])
		value = strings.Trim(value, `"'`)
		if key == "" {
			continue
		}

		if _, exists := os.LookupEnv(key); !exists {
			_ = os.Setenv(key, value)
		}
	}
}
