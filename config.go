package wsmessaging

import (
	"errors"
	"maps"
	"strconv"
	"strings"
	"time"
)

// Mode selects whether the provider dials out or accepts connections.
type Mode string

const (
	ModeClient Mode = "client"
	ModeServer Mode = "server"
)

// Configuration keys understood by ConfigFromMap and Merge.
const (
	KeyMode            = "MODE"
	KeyURI             = "URI"
	KeyAuthToken       = "AUTH_TOKEN"
	KeyConnectTimeout  = "CONNECT_TIMEOUT_SEC"
	KeySessionTracking = "ENABLE_SESSION_TRACKING"
	HeaderKeyPrefix    = "HEADER_"
)

// Defaults applied when a key is not supplied.
const (
	DefaultURI            = "ws://127.0.0.1:8080"
	DefaultConnectTimeout = 30 * time.Second
)

// ConnectionConfig is an immutable snapshot of connection settings.
type ConnectionConfig struct {
	Mode            Mode
	URI             string
	AuthToken       string
	ConnectTimeout  time.Duration
	SessionTracking bool
	Headers         map[string]string
}

// DefaultConfig returns the process defaults.
func DefaultConfig() ConnectionConfig {
	return ConnectionConfig{
		Mode:            ModeClient,
		URI:             DefaultURI,
		ConnectTimeout:  DefaultConnectTimeout,
		SessionTracking: true,
		Headers:         map[string]string{},
	}
}

// ConfigFromMap builds a config from key/value pairs over DefaultConfig.
func ConfigFromMap(values map[string]string) (ConnectionConfig, error) {
	return DefaultConfig().Merge(values)
}

// Merge returns a copy of c with every key present in values applied.
// Keys absent from values keep the value from c. Headers are unioned,
// with values from the map winning.
func (c ConnectionConfig) Merge(values map[string]string) (ConnectionConfig, error) {
	out := c
	out.Headers = maps.Clone(c.Headers)
	if out.Headers == nil {
		out.Headers = map[string]string{}
	}

	for key, raw := range values {
		value := strings.TrimSpace(raw)
		switch {
		case key == KeyMode:
			mode, err := parseMode(value)
			if err != nil {
				return ConnectionConfig{}, &ConfigError{Key: key, Value: raw, Err: err}
			}
			out.Mode = mode
		case key == KeyURI:
			if value == "" {
				return ConnectionConfig{}, &ConfigError{Key: key, Err: errors.New("must not be empty")}
			}
			out.URI = value
		case key == KeyAuthToken:
			out.AuthToken = value
		case key == KeyConnectTimeout:
			secs, err := strconv.ParseUint(value, 10, 32)
			if err != nil {
				return ConnectionConfig{}, &ConfigError{Key: key, Value: raw, Err: err}
			}
			if secs == 0 {
				return ConnectionConfig{}, &ConfigError{Key: key, Value: raw, Err: errors.New("must be positive")}
			}
			out.ConnectTimeout = time.Duration(secs) * time.Second
		case key == KeySessionTracking:
			v, err := strconv.ParseBool(value)
			if err != nil {
				return ConnectionConfig{}, &ConfigError{Key: key, Value: raw, Err: err}
			}
			out.SessionTracking = v
		case strings.HasPrefix(key, HeaderKeyPrefix):
			name := strings.TrimPrefix(key, HeaderKeyPrefix)
			if name == "" {
				return ConnectionConfig{}, &ConfigError{Key: key, Err: errors.New("empty header name")}
			}
			out.Headers[name] = raw
		}
	}

	return out, nil
}

func parseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(s)) {
	case ModeClient:
		return ModeClient, nil
	case ModeServer:
		return ModeServer, nil
	default:
		return "", errors.New("must be client or server")
	}
}
