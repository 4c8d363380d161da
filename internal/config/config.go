package config

import (
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds application configuration.
type Config struct {
	Server     ServerConfig     `toml:"server"`
	Remote     RemoteConfig     `toml:"remote"`
	Polling    PollingConfig    `toml:"polling"`
	Submission SubmissionConfig `toml:"submission"`
	Processing ProcessingConfig `toml:"processing"`
	Capture    CaptureConfig    `toml:"capture"`
	History    HistoryConfig    `toml:"history"`
	Log        LogConfig        `toml:"log"`

	// Path of the file the configuration was read from, empty if none.
	File string `toml:"-"`
	// Start submits the files named on the command line once captured.
	Start bool `toml:"-"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
}

type RemoteConfig struct {
	BaseURL string        `toml:"base_url"`
	Timeout time.Duration `toml:"timeout"`
}

// PollingConfig bounds the per-job status polling.
// A zero MaxDuration disables the deadline.
type PollingConfig struct {
	Interval     time.Duration `toml:"interval"`
	MaxDuration  time.Duration `toml:"max_duration"`
	FailureLimit int           `toml:"failure_limit"`
}

type SubmissionConfig struct {
	Concurrency          int  `toml:"concurrency"`
	CancelRemoteOnRemove bool `toml:"cancel_remote_on_remove"`
}

// ProcessingConfig holds the defaults for a conversion batch.
type ProcessingConfig struct {
	Profile         string   `toml:"profile"`
	OutputDirectory string   `toml:"output_directory"`
	OutputFormats   []string `toml:"output_formats"`
	OCRLanguage     string   `toml:"ocr_language"`
	EnableDeskew    bool     `toml:"enable_deskew"`
	EnableDenoise   bool     `toml:"enable_denoise"`
}

type CaptureConfig struct {
	MaxFileSize int64 `toml:"max_file_size"`
}

type HistoryConfig struct {
	Enabled bool   `toml:"enabled"`
	DBPath  string `toml:"db_path"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// DefaultDBPath returns the default database path using XDG_CACHE_HOME.
func DefaultDBPath() string {
	cacheDir := os.Getenv("XDG_CACHE_HOME")
	if cacheDir == "" {
		home, _ := os.UserHomeDir()
		cacheDir = filepath.Join(home, ".cache")
	}
	return filepath.Join(cacheDir, "dsaconvert", "history.db")
}

// DefaultConfigPath returns the default config file path using XDG_CONFIG_HOME.
func DefaultConfigPath() string {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, _ := os.UserHomeDir()
		configDir = filepath.Join(home, ".config")
	}
	return filepath.Join(configDir, "dsaconvert", "config.toml")
}

// DefaultOutputDir returns the default directory for converted documents.
func DefaultOutputDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, "Documents", "dsaconvert")
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Addr: "127.0.0.1:8090"},
		Remote: RemoteConfig{
			BaseURL: "http://localhost:8000",
			Timeout: 30 * time.Second,
		},
		Polling: PollingConfig{
			Interval:     time.Second,
			MaxDuration:  30 * time.Minute,
			FailureLimit: 1,
		},
		Submission: SubmissionConfig{
			Concurrency:          1,
			CancelRemoteOnRemove: true,
		},
		Processing: ProcessingConfig{
			Profile:         "base",
			OutputDirectory: DefaultOutputDir(),
			OutputFormats:   []string{"docx"},
			OCRLanguage:     "ita+eng",
		},
		Capture: CaptureConfig{MaxFileSize: 100 << 20},
		History: HistoryConfig{Enabled: true, DBPath: DefaultDBPath()},
		Log:     LogConfig{Level: "info", Format: "console"},
	}
}

// Load builds Config from defaults, the TOML config file, command line
// flags and environment, in that order of precedence. It returns the
// remaining positional arguments.
func Load(args []string) (*Config, []string, error) {
	cfg := Default()

	path, explicit := configPath(args)
	if err := cfg.readFile(path, explicit); err != nil {
		return nil, nil, err
	}

	fs := flag.NewFlagSet("dsaconvert", flag.ContinueOnError)
	fs.String("config", path, "TOML config file")
	fs.StringVar(&cfg.Server.Addr, "addr", cfg.Server.Addr, "Shell API listen address")
	fs.StringVar(&cfg.Remote.BaseURL, "remote", cfg.Remote.BaseURL, "Processing service base URL")
	fs.DurationVar(&cfg.Remote.Timeout, "remote-timeout", cfg.Remote.Timeout, "Processing service request timeout")
	fs.DurationVar(&cfg.Polling.Interval, "poll-interval", cfg.Polling.Interval, "Job status poll interval")
	fs.DurationVar(&cfg.Polling.MaxDuration, "poll-max", cfg.Polling.MaxDuration, "Give up polling a job after this long (0 = never)")
	fs.IntVar(&cfg.Polling.FailureLimit, "poll-failures", cfg.Polling.FailureLimit, "Consecutive poll failures before a job fails")
	fs.IntVar(&cfg.Submission.Concurrency, "concurrency", cfg.Submission.Concurrency, "Concurrent submissions per batch")
	fs.StringVar(&cfg.Processing.Profile, "profile", cfg.Processing.Profile, "Default DSA profile")
	fs.StringVar(&cfg.Processing.OutputDirectory, "output-dir", cfg.Processing.OutputDirectory, "Default output directory")
	fs.Func("formats", "Comma separated output formats (docx,pdf,epub)", func(s string) error {
		cfg.Processing.OutputFormats = splitList(s)
		return nil
	})
	fs.StringVar(&cfg.Processing.OCRLanguage, "ocr", cfg.Processing.OCRLanguage, "OCR language (ita, eng, ita+eng)")
	fs.StringVar(&cfg.History.DBPath, "db", cfg.History.DBPath, "SQLite history database path")
	fs.StringVar(&cfg.Log.Level, "log-level", cfg.Log.Level, "Log level")
	fs.BoolVar(&cfg.Start, "start", false, "Submit the files given as arguments")
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}

	// Env overrides
	if addr := os.Getenv("DSACONVERT_ADDR"); addr != "" {
		cfg.Server.Addr = addr
	}
	if remote := os.Getenv("DSACONVERT_REMOTE_URL"); remote != "" {
		cfg.Remote.BaseURL = remote
	}
	if interval := os.Getenv("DSACONVERT_POLL_INTERVAL"); interval != "" {
		if d, err := time.ParseDuration(interval); err == nil {
			cfg.Polling.Interval = d
		}
	}
	if conc := os.Getenv("DSACONVERT_CONCURRENCY"); conc != "" {
		if n, err := strconv.Atoi(conc); err == nil {
			cfg.Submission.Concurrency = n
		}
	}
	if out := os.Getenv("DSACONVERT_OUTPUT_DIR"); out != "" {
		cfg.Processing.OutputDirectory = out
	}
	if db := os.Getenv("DSACONVERT_DB"); db != "" {
		cfg.History.DBPath = db
	}
	if level := os.Getenv("DSACONVERT_LOG_LEVEL"); level != "" {
		cfg.Log.Level = level
	}

	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	return cfg, fs.Args(), nil
}

// readFile decodes the TOML file at path over cfg. A missing file is only an
// error when it was named explicitly.
func (c *Config) readFile(path string, explicit bool) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) && !explicit {
			return nil
		}
		return fmt.Errorf("config file: %w", err)
	}
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("decode %s: unknown key %q", path, undecoded[0].String())
	}
	c.File = path
	return nil
}

// configPath finds the config file named by -config or DSACONVERT_CONFIG.
func configPath(args []string) (string, bool) {
	for i, arg := range args {
		if arg == "--" {
			break
		}
		name := strings.TrimLeft(arg, "-")
		if name == arg {
			continue
		}
		if v, ok := strings.CutPrefix(name, "config="); ok {
			return v, true
		}
		if name == "config" && i+1 < len(args) {
			return args[i+1], true
		}
	}
	if p := os.Getenv("DSACONVERT_CONFIG"); p != "" {
		return p, true
	}
	return DefaultConfigPath(), false
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate rejects values the rest of the application cannot work with.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Server.Addr) == "" {
		errs = append(errs, errors.New("server.addr is empty"))
	}
	if u, err := url.Parse(c.Remote.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("remote.base_url %q is not an http(s) URL", c.Remote.BaseURL))
	}
	if c.Remote.Timeout <= 0 {
		errs = append(errs, errors.New("remote.timeout must be positive"))
	}
	if c.Polling.Interval <= 0 {
		errs = append(errs, errors.New("polling.interval must be positive"))
	}
	if c.Polling.MaxDuration < 0 {
		errs = append(errs, errors.New("polling.max_duration must not be negative"))
	}
	if c.Polling.FailureLimit < 1 {
		errs = append(errs, errors.New("polling.failure_limit must be at least 1"))
	}
	if c.Submission.Concurrency < 1 {
		errs = append(errs, errors.New("submission.concurrency must be at least 1"))
	}
	if c.Capture.MaxFileSize <= 0 {
		errs = append(errs, errors.New("capture.max_file_size must be positive"))
	}
	if c.History.Enabled && strings.TrimSpace(c.History.DBPath) == "" {
		errs = append(errs, errors.New("history.db_path is empty"))
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log.format %q is not json or console", c.Log.Format))
	}
	return errors.Join(errs...)
}
