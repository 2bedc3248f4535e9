package config

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tanq16/pullstream/internal/fetch"
	"github.com/tanq16/pullstream/internal/program"
	"github.com/tanq16/pullstream/internal/utils"
	"github.com/tanq16/pullstream/internal/write"
)

// Config holds the tunables of the pull command. Flags override it.
type Config struct {
	Connections      int
	Workers          int
	ChunkSize        int64
	Program          string
	Adaptive         bool
	RateLimit        int64
	MaxWaitForData   time.Duration
	Timeout          time.Duration
	UserAgent        string
	Proxy            string
	Token            string
	Headers          map[string]string
	AlternateHeaders []map[string]string
	Retry            RetryConfig
	Write            WriteConfig
}

type RetryConfig struct {
	Attempts   int
	Factor     float64
	MinTimeout time.Duration
	MaxTimeout time.Duration
}

type WriteConfig struct {
	CoalesceSize int64
	MaxWait      time.Duration
}

func Default() Config {
	return Config{
		Connections:    utils.DefaultParallelStreams,
		Workers:        1,
		ChunkSize:      utils.DefaultChunkSize,
		Program:        program.KindStream,
		MaxWaitForData: utils.DefaultMaxWaitForData,
		Timeout:        3 * time.Minute,
		UserAgent:      utils.ToolUserAgent,
		Retry: RetryConfig{
			Attempts:   utils.DefaultRetries,
			Factor:     2,
			MinTimeout: time.Second,
			MaxTimeout: 30 * time.Second,
		},
		Write: WriteConfig{
			MaxWait: write.DefaultMaxWait,
		},
	}
}

// yamlConfig carries sizes and durations as strings ("4MB", "30s").
type yamlConfig struct {
	Connections      int                 `yaml:"connections"`
	Workers          int                 `yaml:"workers"`
	ChunkSize        string              `yaml:"chunk_size"`
	Program          string              `yaml:"program"`
	Adaptive         *bool               `yaml:"adaptive"`
	RateLimit        string              `yaml:"rate_limit"`
	MaxWaitForData   string              `yaml:"max_wait_for_data"`
	Timeout          string              `yaml:"timeout"`
	UserAgent        string              `yaml:"user_agent"`
	Proxy            string              `yaml:"proxy"`
	Token            string              `yaml:"token"`
	Headers          map[string]string   `yaml:"headers"`
	AlternateHeaders []map[string]string `yaml:"alternate_headers"`
	Retry            struct {
		Attempts   int     `yaml:"attempts"`
		Factor     float64 `yaml:"factor"`
		MinTimeout string  `yaml:"min_timeout"`
		MaxTimeout string  `yaml:"max_timeout"`
	} `yaml:"retry"`
	Write struct {
		CoalesceSize string `yaml:"coalesce_size"`
		MaxWait      string `yaml:"max_wait"`
	} `yaml:"write"`
}

// LoadFromFile reads a YAML file on top of Default.
func LoadFromFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	var yc yamlConfig
	if err := yaml.Unmarshal(data, &yc); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}

	cfg := Default()
	if yc.Connections != 0 {
		cfg.Connections = yc.Connections
	}
	if yc.Workers != 0 {
		cfg.Workers = yc.Workers
	}
	if yc.Program != "" {
		cfg.Program = yc.Program
	}
	if yc.Adaptive != nil {
		cfg.Adaptive = *yc.Adaptive
	}
	if yc.UserAgent != "" {
		cfg.UserAgent = yc.UserAgent
	}
	cfg.Proxy = yc.Proxy
	cfg.Token = yc.Token
	cfg.Headers = yc.Headers
	cfg.AlternateHeaders = yc.AlternateHeaders
	if yc.Retry.Attempts != 0 {
		cfg.Retry.Attempts = yc.Retry.Attempts
	}
	if yc.Retry.Factor != 0 {
		cfg.Retry.Factor = yc.Retry.Factor
	}

	sizes := []struct {
		name  string
		value string
		dst   *int64
	}{
		{"chunk_size", yc.ChunkSize, &cfg.ChunkSize},
		{"rate_limit", yc.RateLimit, &cfg.RateLimit},
		{"write.coalesce_size", yc.Write.CoalesceSize, &cfg.Write.CoalesceSize},
	}
	for _, s := range sizes {
		if s.value == "" {
			continue
		}
		n, err := utils.ParseBytes(s.value)
		if err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", s.name, err)
		}
		*s.dst = n
	}

	durations := []struct {
		name  string
		value string
		dst   *time.Duration
	}{
		{"max_wait_for_data", yc.MaxWaitForData, &cfg.MaxWaitForData},
		{"timeout", yc.Timeout, &cfg.Timeout},
		{"retry.min_timeout", yc.Retry.MinTimeout, &cfg.Retry.MinTimeout},
		{"retry.max_timeout", yc.Retry.MaxTimeout, &cfg.Retry.MaxTimeout},
		{"write.max_wait", yc.Write.MaxWait, &cfg.Write.MaxWait},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		v, err := time.ParseDuration(d.value)
		if err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", d.name, err)
		}
		*d.dst = v
	}
	return cfg, nil
}

// LoadFromEnv applies PULLSTREAM_ prefixed environment variables.
func (c *Config) LoadFromEnv() error {
	if v := os.Getenv("PULLSTREAM_CONNECTIONS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse PULLSTREAM_CONNECTIONS: %w", err)
		}
		c.Connections = n
	}
	if v := os.Getenv("PULLSTREAM_CHUNK_SIZE"); v != "" {
		n, err := utils.ParseBytes(v)
		if err != nil {
			return fmt.Errorf("parse PULLSTREAM_CHUNK_SIZE: %w", err)
		}
		c.ChunkSize = n
	}
	if v := os.Getenv("PULLSTREAM_RATE_LIMIT"); v != "" {
		n, err := utils.ParseBytes(v)
		if err != nil {
			return fmt.Errorf("parse PULLSTREAM_RATE_LIMIT: %w", err)
		}
		c.RateLimit = n
	}
	if v := os.Getenv("PULLSTREAM_TOKEN"); v != "" {
		c.Token = v
	}
	if v := os.Getenv("PULLSTREAM_PROXY"); v != "" {
		c.Proxy = v
	}
	return nil
}

func (c *Config) Validate() error {
	if c.Connections <= 0 {
		return errors.New("config: connections must be positive")
	}
	if c.Workers <= 0 {
		return errors.New("config: workers must be positive")
	}
	if c.ChunkSize <= 0 {
		return errors.New("config: chunk_size must be positive")
	}
	if c.RateLimit < 0 {
		return errors.New("config: rate_limit must not be negative")
	}
	if c.Program != program.KindStream && c.Program != program.KindChunks {
		return fmt.Errorf("config: unknown program %q", c.Program)
	}
	if c.Retry.Attempts < 0 {
		return errors.New("config: retry.attempts must not be negative")
	}
	if c.Retry.MinTimeout > c.Retry.MaxTimeout {
		return errors.New("config: retry.min_timeout exceeds retry.max_timeout")
	}
	return nil
}

// FetchOptions builds fetch stream options from the config.
func (c *Config) FetchOptions() fetch.Options {
	opts := fetch.DefaultOptions()
	opts.Retries = c.Retry.Attempts
	opts.Factor = c.Retry.Factor
	opts.MinTimeout = c.Retry.MinTimeout
	opts.MaxTimeout = c.Retry.MaxTimeout
	opts.RateLimit = c.RateLimit
	opts.MaxWaitForData = c.MaxWaitForData
	opts.Header = toHeader(c.Headers)
	for _, alt := range c.AlternateHeaders {
		opts.AlternateHeaders = append(opts.AlternateHeaders, toHeader(alt))
	}
	return opts
}

func toHeader(m map[string]string) http.Header {
	if len(m) == 0 {
		return nil
	}
	h := make(http.Header, len(m))
	for k, v := range m {
		h.Set(k, v)
	}
	return h
}
