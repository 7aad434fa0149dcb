package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultListen        = ":12120"
	DefaultHTTPPort      = 8080
	DefaultIOTimeout     = 30 * time.Second
	DefaultMaxLineLength = 4096
	DefaultArchivePrefix = "snapshots"
)

func Load() (Config, error) {
	cfg := Config{}

	cfg.Collector.Listen = getEnv("HOSTBROWSER_LISTEN", DefaultListen)
	if _, _, err := net.SplitHostPort(cfg.Collector.Listen); err != nil {
		return Config{}, fmt.Errorf("invalid HOSTBROWSER_LISTEN: %q", cfg.Collector.Listen)
	}

	if raw := os.Getenv("HOSTBROWSER_IO_TIMEOUT"); raw != "" {
		secs, err := strconv.Atoi(raw)
		if err != nil || secs < 0 {
			return Config{}, fmt.Errorf("invalid HOSTBROWSER_IO_TIMEOUT: %q", raw)
		}
		cfg.Collector.IOTimeout = time.Duration(secs) * time.Second
	} else {
		cfg.Collector.IOTimeout = DefaultIOTimeout
	}

	if raw := os.Getenv("HOSTBROWSER_MAX_LINE"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 64 {
			return Config{}, fmt.Errorf("invalid HOSTBROWSER_MAX_LINE: %q (minimum 64)", raw)
		}
		cfg.Collector.MaxLineLength = n
	} else {
		cfg.Collector.MaxLineLength = DefaultMaxLineLength
	}

	cfg.HTTP.Port = getEnvInt("HOSTBROWSER_HTTP_PORT", DefaultHTTPPort)
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return Config{}, fmt.Errorf("HOSTBROWSER_HTTP_PORT %d is outside the valid range 1-65535", cfg.HTTP.Port)
	}

	cfg.Database.URL = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	cfg.Database.Migrate = getEnvBool("HOSTBROWSER_MIGRATE", true)

	cfg.Bus.URL = strings.TrimSpace(os.Getenv("NATS_URL"))

	cfg.Archive.Bucket = strings.TrimSpace(os.Getenv("S3_BUCKET"))
	cfg.Archive.Prefix = strings.Trim(getEnv("HOSTBROWSER_ARCHIVE_PREFIX", DefaultArchivePrefix), "/")
	if cfg.Archive.Prefix == "" {
		return Config{}, fmt.Errorf("HOSTBROWSER_ARCHIVE_PREFIX must not be empty")
	}

	if cfg.Database.URL != "" && cfg.Bus.URL == "" {
		return Config{}, fmt.Errorf("NATS_URL is required when DATABASE_URL is set")
	}

	return cfg, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
