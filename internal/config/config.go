// Package config loads ~/.todosync/config.toml, applies defaults and lets
// TODOSYNC_* environment variables (optionally from a .env file) override it.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "TODOSYNC_"

// Duration is a time.Duration written as a string like "5s" in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Config is the global configuration shared by every session.
type Config struct {
	DefaultSession string `toml:"default_session"`

	ServerURL string `toml:"server_url"`
	WSPath    string `toml:"ws_path"`
	Token     string `toml:"token,omitempty"`
	Username  string `toml:"username,omitempty"`
	Password  string `toml:"password,omitempty"`

	ReconnectDelay Duration `toml:"reconnect_delay"`
	HeartBeat      Duration `toml:"heartbeat"`
	RequestTimeout Duration `toml:"request_timeout"`

	MessagePageSize     int      `toml:"message_page_size"`
	NotificationPreview int      `toml:"notification_preview"`
	NoticeTTL           Duration `toml:"notice_ttl"`
	SubscribeAllChats   bool     `toml:"subscribe_all_chats"`
	ServerTimeZone      string   `toml:"server_time_zone,omitempty"`
	LogLevel            string   `toml:"log_level"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		ServerURL:           "http://localhost:8080",
		WSPath:              "/ws/websocket",
		ReconnectDelay:      Duration{5 * time.Second},
		HeartBeat:           Duration{4 * time.Second},
		RequestTimeout:      Duration{10 * time.Second},
		MessagePageSize:     100,
		NotificationPreview: 100,
		NoticeTTL:           Duration{3 * time.Second},
		SubscribeAllChats:   true,
		LogLevel:            "info",
	}
}

// Load reads config from the given path on top of the defaults. A missing
// file is an error; use LoadOrDefault to tolerate it.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault is Load that falls back to the defaults when the file does
// not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// LoadDotEnv loads variables from the given .env files into the process
// environment without overwriting what is already set. Missing files are
// ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// ApplyEnv overrides fields from TODOSYNC_* variables, e.g.
// TODOSYNC_SERVER_URL or TODOSYNC_RECONNECT_DELAY=2s.
func (c *Config) ApplyEnv() error {
	strs := map[string]*string{
		"DEFAULT_SESSION":  &c.DefaultSession,
		"SERVER_URL":       &c.ServerURL,
		"WS_PATH":          &c.WSPath,
		"TOKEN":            &c.Token,
		"USERNAME":         &c.Username,
		"PASSWORD":         &c.Password,
		"SERVER_TIME_ZONE": &c.ServerTimeZone,
		"LOG_LEVEL":        &c.LogLevel,
	}
	for key, dst := range strs {
		if v, ok := lookupEnv(key); ok {
			*dst = v
		}
	}

	durations := map[string]*Duration{
		"RECONNECT_DELAY": &c.ReconnectDelay,
		"HEARTBEAT":       &c.HeartBeat,
		"REQUEST_TIMEOUT": &c.RequestTimeout,
		"NOTICE_TTL":      &c.NoticeTTL,
	}
	for key, dst := range durations {
		if v, ok := lookupEnv(key); ok {
			if err := dst.UnmarshalText([]byte(v)); err != nil {
				return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
			}
		}
	}

	ints := map[string]*int{
		"MESSAGE_PAGE_SIZE":    &c.MessagePageSize,
		"NOTIFICATION_PREVIEW": &c.NotificationPreview,
	}
	for key, dst := range ints {
		if v, ok := lookupEnv(key); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
			}
			*dst = n
		}
	}

	if v, ok := lookupEnv("SUBSCRIBE_ALL_CHATS"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sSUBSCRIBE_ALL_CHATS: %w", EnvPrefix, err)
		}
		c.SubscribeAllChats = b
	}
	return nil
}

// lookupEnv treats a variable that is set but empty as unset.
func lookupEnv(key string) (string, bool) {
	v, ok := os.LookupEnv(EnvPrefix + key)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return v, true
}

// Validate rejects settings the daemon cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.ServerURL == "" {
		errs = append(errs, errors.New("server_url is required"))
	}
	if !strings.HasPrefix(c.WSPath, "/") {
		errs = append(errs, fmt.Errorf("ws_path %q must start with /", c.WSPath))
	}
	if c.ReconnectDelay.Duration <= 0 {
		errs = append(errs, errors.New("reconnect_delay must be positive"))
	}
	if c.RequestTimeout.Duration <= 0 {
		errs = append(errs, errors.New("request_timeout must be positive"))
	}
	if c.MessagePageSize <= 0 {
		errs = append(errs, errors.New("message_page_size must be positive"))
	}
	if c.NotificationPreview <= 0 {
		errs = append(errs, errors.New("notification_preview must be positive"))
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Location is the zone the server's zone-less timestamps are read in.
func (c *Config) Location() (*time.Location, error) {
	if c.ServerTimeZone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.ServerTimeZone)
	if err != nil {
		return nil, fmt.Errorf("server_time_zone: %w", err)
	}
	return loc, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
