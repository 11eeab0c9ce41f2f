package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/urfave/cli/v3"

	"github.com/chrisboulton/wsmessaging-go"
)

// wsrelay config.toml key mapping to provider config keys.
type fileConfig struct {
	URI               string            `toml:"uri"`
	AuthToken         string            `toml:"auth_token"`
	ConnectTimeoutSec int               `toml:"connect_timeout_sec"`
	SessionTracking   bool              `toml:"enable_session_tracking"`
	Headers           map[string]string `toml:"headers"`
	LogLevel          string            `toml:"log_level"`
	LogFormat         string            `toml:"log_format"`
}

// settings is the resolved CLI configuration.
type settings struct {
	Values    map[string]string
	LogLevel  string
	LogFormat string
}

// loadFileConfig reads a TOML file and overlays the keys it defines onto s.
func loadFileConfig(path string, s *settings) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load wsrelay config: %w", err)
	}

	if meta.IsDefined("uri") {
		s.Values[wsmessaging.KeyURI] = strings.TrimSpace(raw.URI)
	}
	if meta.IsDefined("auth_token") {
		s.Values[wsmessaging.KeyAuthToken] = strings.TrimSpace(raw.AuthToken)
	}
	if meta.IsDefined("connect_timeout_sec") {
		s.Values[wsmessaging.KeyConnectTimeout] = strconv.Itoa(raw.ConnectTimeoutSec)
	}
	if meta.IsDefined("enable_session_tracking") {
		s.Values[wsmessaging.KeySessionTracking] = strconv.FormatBool(raw.SessionTracking)
	}
	for name, value := range raw.Headers {
		s.Values[wsmessaging.HeaderKeyPrefix+name] = value
	}
	if meta.IsDefined("log_level") {
		s.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("log_format") {
		s.LogFormat = strings.TrimSpace(raw.LogFormat)
	}

	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("load wsrelay config: unknown key %q", undecoded[0].String())
	}
	return nil
}

// resolveSettings merges the config file with the flags that were set.
// Flags win over the file; mode comes from the subcommand.
func resolveSettings(cmd *cli.Command, mode wsmessaging.Mode) (settings, error) {
	s := settings{
		Values:    map[string]string{wsmessaging.KeyMode: string(mode)},
		LogLevel:  cmd.String("log-level"),
		LogFormat: cmd.String("log-format"),
	}

	if path := cmd.String("config"); path != "" {
		if err := loadFileConfig(path, &s); err != nil {
			return settings{}, err
		}
		// explicit flags still win over the file
		if cmd.IsSet("log-level") {
			s.LogLevel = cmd.String("log-level")
		}
		if cmd.IsSet("log-format") {
			s.LogFormat = cmd.String("log-format")
		}
	}

	if cmd.IsSet("uri") {
		s.Values[wsmessaging.KeyURI] = cmd.String("uri")
	}
	if cmd.IsSet("auth-token") {
		s.Values[wsmessaging.KeyAuthToken] = cmd.String("auth-token")
	}
	if cmd.IsSet("connect-timeout") {
		secs, err := timeoutSeconds(cmd.Duration("connect-timeout"))
		if err != nil {
			return settings{}, err
		}
		s.Values[wsmessaging.KeyConnectTimeout] = secs
	}
	if cmd.Bool("no-session-tracking") {
		s.Values[wsmessaging.KeySessionTracking] = "false"
	}
	for _, h := range cmd.StringSlice("header") {
		name, value, ok := strings.Cut(h, "=")
		if !ok || strings.TrimSpace(name) == "" {
			return settings{}, fmt.Errorf("invalid header %q, want Name=Value", h)
		}
		s.Values[wsmessaging.HeaderKeyPrefix+strings.TrimSpace(name)] = value
	}

	return s, nil
}

// timeoutSeconds converts d to whole seconds, rounding up.
func timeoutSeconds(d time.Duration) (string, error) {
	if d <= 0 {
		return "", fmt.Errorf("invalid connect timeout %s, must be positive", d)
	}
	secs := (d + time.Second - 1) / time.Second
	return strconv.FormatInt(int64(secs), 10), nil
}

// newLogger builds the slog handler selected by level and format.
func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}

	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return nil, fmt.Errorf("invalid log format %q, want text or json", format)
}

// loadEnv loads a .env file. A missing default file is not an error.
func loadEnv(path string) error {
	if path == "" {
		if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("load .env: %w", err)
		}
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// printValues writes values as sorted KEY=VALUE lines, masking the token.
func printValues(w io.Writer, values map[string]string) {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		v := values[k]
		if k == wsmessaging.KeyAuthToken && v != "" {
			v = "***"
		}
		fmt.Fprintf(w, "%s=%s\n", k, v)
	}
}
