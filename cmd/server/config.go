package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/liamcoop/minerisk/snapshot"
)

// Config is the server configuration, read from the environment
type Config struct {
	DatabaseURL         string
	Port                string
	RulesFile           string
	LevelsFile          string
	NATSURL             string
	NATSSubjectPrefix   string
	SnapshotInterval    time.Duration
	SnapshotConcurrency int
}

// Storage names the backend the rules and snapshots live in
func (c Config) Storage() string {
	switch {
	case c.DatabaseURL != "":
		return "postgres"
	case c.RulesFile != "":
		return "file"
	default:
		return "memory"
	}
}

// LoadConfig reads the configuration from environment variables.
// A SNAPSHOT_INTERVAL of 0 disables scheduled snapshots.
func LoadConfig() (Config, error) {
	cfg := Config{
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		Port:                getenv("PORT", "8080"),
		RulesFile:           os.Getenv("RULES_FILE"),
		LevelsFile:          getenv("LEVELS_FILE", "config/levels.yaml"),
		NATSURL:             os.Getenv("NATS_URL"),
		NATSSubjectPrefix:   getenv("NATS_SUBJECT_PREFIX", snapshot.DefaultSubjectPrefix),
		SnapshotInterval:    time.Minute,
		SnapshotConcurrency: snapshot.DefaultConcurrency,
	}

	if v := os.Getenv("SNAPSHOT_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			return cfg, fmt.Errorf("invalid SNAPSHOT_INTERVAL %q", v)
		}
		cfg.SnapshotInterval = d
	}

	if v := os.Getenv("SNAPSHOT_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return cfg, fmt.Errorf("invalid SNAPSHOT_CONCURRENCY %q", v)
		}
		cfg.SnapshotConcurrency = n
	}

	return cfg, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
