package config

import (
	"fmt"
	"time"
)

// Config represents a sluice.yaml configuration file.
// All values are optional and act as defaults for sluice tail flags.
// CLI flags always override config values.
type Config struct {
	Job       JobConfig       `yaml:"job"`
	Transport TransportConfig `yaml:"transport"`
	Fetch     FetchConfig     `yaml:"fetch"`
	Archive   ArchiveConfig   `yaml:"archive"`
}

// JobConfig identifies the job and sink instance to read from.
type JobConfig struct {
	ID          string `yaml:"id"`
	OperatorID  string `yaml:"operator_id"`
	Accumulator string `yaml:"accumulator"`
}

// TransportConfig holds coordination transport defaults.
type TransportConfig struct {
	// Type selects the transport. Currently only "redis".
	Type         string   `yaml:"type"`
	URL          string   `yaml:"url"`
	KeyPrefix    string   `yaml:"key_prefix"`
	Timeout      Duration `yaml:"timeout"`
	PollInterval Duration `yaml:"poll_interval"`
	BatchSize    int64    `yaml:"batch_size"`
}

// FetchConfig holds fetch loop defaults.
type FetchConfig struct {
	// Delivery selects the buffer variant: exactly_once or best_effort.
	Delivery      string   `yaml:"delivery"`
	RetryInterval Duration `yaml:"retry_interval"`
	FetchTimeout  Duration `yaml:"fetch_timeout"`
}

// ArchiveConfig holds archive storage defaults.
type ArchiveConfig struct {
	Dataset     string `yaml:"dataset"`
	Backend     string `yaml:"backend"`
	Path        string `yaml:"path"`
	Region      string `yaml:"region"`
	Endpoint    string `yaml:"endpoint"`
	S3PathStyle bool   `yaml:"s3_path_style"`
	BatchSize   int    `yaml:"batch_size"`
}

// Duration wraps time.Duration for YAML string parsing (e.g. "10s", "5m").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string like "10s" or "5m30s".
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}
