// Package config holds the run configuration of segfetch: command line
// values, their environment defaults and the parsing of positions.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/agleyzer/segfetch/internal/planner"
)

// EnvPrefix prefixes every environment variable read by FromEnv.
const EnvPrefix = "SEGFETCH_"

// Job is one url/prefix pair from the command line.
type Job struct {
	URL    string
	Prefix string
}

// Config is the configuration shared by every job of a run.
type Config struct {
	Jobs []Job

	// StartPos, Length and Scatter are positions as given by the user
	StartPos string
	Length   string
	Scatter  string

	// Filters is derived from the positions by Validate
	Filters planner.Filters

	ExtractorBinary string
	ExtractorArgs   []string
	AgentBinary     string
	AgentArgs       []string

	// MaxConcurrent is the number of parallel segment downloads
	MaxConcurrent int

	// Streaming assembles the output while downloads are running
	Streaming bool

	// Keep leaves the resume state and chunk files after success
	Keep bool

	// StatusAddr enables the status endpoint when set
	StatusAddr string

	// PollInterval, RetryDelay and MaxPasses tune the supervisor; zero
	// values take its defaults
	PollInterval time.Duration
	RetryDelay   time.Duration
	MaxPasses    int

	Debug bool
}

// LoadDotEnv loads environment defaults from the given files, ".env" when
// none are named. Missing files are ignored and variables that are already
// set are never overridden.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// ReadDotEnv parses a dotenv file without touching the environment.
func ReadDotEnv(path string) (map[string]string, error) {
	vars, err := godotenv.Read(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return vars, nil
}

// FromEnv returns the defaults taken from SEGFETCH_* variables via lookup,
// normally os.LookupEnv. The values serve as flag defaults, so flags given
// on the command line take precedence.
func FromEnv(lookup func(string) (string, bool)) (Config, error) {
	get := func(key string) string {
		v, _ := lookup(EnvPrefix + key)
		return strings.TrimSpace(v)
	}

	c := Config{
		ExtractorBinary: get("YTDLP"),
		AgentBinary:     get("ARIA2C"),
		StatusAddr:      get("STATUS_ADDR"),
		ExtractorArgs:   SplitArgs([]string{get("YTDL_OPTS")}),
		AgentArgs:       SplitArgs([]string{get("ARIA2C_OPTS")}),
	}

	if v := get("MAX_CONCURRENT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %sMAX_CONCURRENT %q: %w", EnvPrefix, v, err)
		}
		c.MaxConcurrent = n
	}
	if v := get("MAX_PASSES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %sMAX_PASSES %q: %w", EnvPrefix, v, err)
		}
		c.MaxPasses = n
	}
	if v := get("POLL_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %sPOLL_INTERVAL %q: %w", EnvPrefix, v, err)
		}
		c.PollInterval = d
	}
	if v := get("RETRY_DELAY"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %sRETRY_DELAY %q: %w", EnvPrefix, v, err)
		}
		c.RetryDelay = d
	}
	if v := get("STREAMING"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %sSTREAMING %q: %w", EnvPrefix, v, err)
		}
		c.Streaming = b
	}

	return c, nil
}

// Validate checks the configuration, derives Filters and fills in defaults.
func (c *Config) Validate() error {
	if len(c.Jobs) == 0 {
		return fmt.Errorf("at least one url/prefix pair is required")
	}

	var err error
	if c.StartPos != "" {
		if c.Filters.StartDelay, err = ParsePosition(c.StartPos); err != nil {
			return fmt.Errorf("invalid start position: %w", err)
		}
	}
	if c.Length != "" {
		if c.Filters.MaxLength, err = ParsePosition(c.Length); err != nil {
			return fmt.Errorf("invalid length: %w", err)
		}
	}
	if c.Scatter != "" {
		if c.Filters.Scatter, err = ParseScatter(c.Scatter); err != nil {
			return fmt.Errorf("invalid scatter: %w", err)
		}
	}
	if err := c.Filters.Validate(); err != nil {
		return err
	}

	if c.StatusAddr != "" {
		if _, _, err := net.SplitHostPort(c.StatusAddr); err != nil {
			return fmt.Errorf("invalid status address %q: %w", c.StatusAddr, err)
		}
	}
	if c.MaxConcurrent < 0 {
		return fmt.Errorf("max concurrent downloads must not be negative, got %d", c.MaxConcurrent)
	}
	if c.MaxPasses < 0 {
		return fmt.Errorf("max passes must not be negative, got %d", c.MaxPasses)
	}
	if c.PollInterval < 0 || c.RetryDelay < 0 {
		return fmt.Errorf("poll interval and retry delay must not be negative, got %v and %v", c.PollInterval, c.RetryDelay)
	}

	// Set defaults
	if c.ExtractorBinary == "" {
		c.ExtractorBinary = "yt-dlp"
	}
	if c.AgentBinary == "" {
		c.AgentBinary = "aria2c"
	}
	if c.MaxConcurrent == 0 {
		c.MaxConcurrent = 5
	}

	return nil
}

// ParsePosition parses "[[hours:]minutes:]seconds" into seconds. Every
// component may be fractional.
func ParsePosition(value string) (float64, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, fmt.Errorf("empty position")
	}

	parts := strings.Split(value, ":")
	if len(parts) > 3 {
		return 0, fmt.Errorf("position %q has too many components", value)
	}

	multipliers := []float64{1, 60, 3600}
	var total float64
	for i := 0; i < len(parts); i++ {
		part := parts[len(parts)-1-i]
		v, err := strconv.ParseFloat(part, 64)
		if err != nil {
			return 0, fmt.Errorf("position %q: invalid component %q", value, part)
		}
		if v < 0 {
			return 0, fmt.Errorf("position %q: negative component %q", value, part)
		}
		total += v * multipliers[i]
	}
	return total, nil
}

// ParseScatter parses "on/off", two positions, into a scatter window.
func ParseScatter(value string) (*planner.Window, error) {
	on, off, ok := strings.Cut(value, "/")
	if !ok {
		return nil, fmt.Errorf("scatter %q must look like on/off", value)
	}
	onSecs, err := ParsePosition(on)
	if err != nil {
		return nil, err
	}
	offSecs, err := ParsePosition(off)
	if err != nil {
		return nil, err
	}
	if onSecs <= 0 || offSecs <= 0 {
		return nil, fmt.Errorf("scatter %q needs positive durations", value)
	}
	return &planner.Window{On: onSecs, Off: offSecs}, nil
}

// SplitArgs turns repeated option values into an argument list. A single
// value is split on whitespace; several values are taken as they are.
func SplitArgs(values []string) []string {
	switch len(values) {
	case 0:
		return nil
	case 1:
		return strings.Fields(values[0])
	default:
		return append([]string(nil), values...)
	}
}

var urlPattern = regexp.MustCompile(`^https?:`)

// Pairs groups positional arguments into url/prefix jobs. A pair whose
// prefix looks like a URL while its url does not is swapped with a warning.
func Pairs(args []string, logger *slog.Logger) ([]Job, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("at least one url/prefix pair is required")
	}
	if len(args)%2 != 0 {
		return nil, fmt.Errorf("odd number of url/prefix arguments (%d), they must come in pairs", len(args))
	}

	jobs := make([]Job, 0, len(args)/2)
	for i := 0; i < len(args); i += 2 {
		url, prefix := args[i], args[i+1]
		if urlPattern.MatchString(prefix) {
			if urlPattern.MatchString(url) {
				return nil, fmt.Errorf("both arguments of pair %q %q look like URLs, only the first one should", url, prefix)
			}
			url, prefix = prefix, url
			logger.Warn("url/prefix arguments look mixed up, swapping them",
				"url", url,
				"prefix", prefix)
		}
		if prefix == "" {
			return nil, fmt.Errorf("empty file prefix for %s", url)
		}
		jobs = append(jobs, Job{URL: url, Prefix: prefix})
	}
	return jobs, nil
}
