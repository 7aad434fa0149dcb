package config

import "time"

type Config struct {
	Collector CollectorConfig
	HTTP      HTTPConfig
	Database  DatabaseConfig
	Bus       BusConfig
	Archive   ArchiveConfig
}

type CollectorConfig struct {
	Listen        string
	IOTimeout     time.Duration
	MaxLineLength int
}

type HTTPConfig struct {
	Port int
}

type DatabaseConfig struct {
	URL     string
	Migrate bool
}

type BusConfig struct {
	URL string
}

type ArchiveConfig struct {
	Bucket string
	Prefix string
}
