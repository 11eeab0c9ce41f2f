package wsmessaging

import (
	"errors"
	"fmt"
)

// Sentinel errors for common conditions.
var (
	ErrClosed          = errors.New("wsmessaging: connection closed")
	ErrSendFailed      = errors.New("wsmessaging: send failed, connection closed")
	ErrNotLinked       = errors.New("wsmessaging: component not linked")
	ErrSessionNotFound = errors.New("wsmessaging: session not found")
	ErrNotServerMode   = errors.New("wsmessaging: provider is not in server mode")
	ErrShutdown        = errors.New("wsmessaging: provider shut down")
	ErrNoHandler       = errors.New("wsmessaging: no handler for component")
)

// ConfigError reports a malformed configuration value.
type ConfigError struct {
	Key   string
	Value string
	Err   error
}

func (e *ConfigError) Error() string {
	if e.Value != "" {
		return fmt.Sprintf("wsmessaging: config %s=%q: %v", e.Key, e.Value, e.Err)
	}
	return fmt.Sprintf("wsmessaging: config %s: %v", e.Key, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// ConnectError represents a failure to establish an outbound connection.
type ConnectError struct {
	URL     string
	Timeout bool
	Err     error
}

func (e *ConnectError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("wsmessaging: dial %s: timed out: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("wsmessaging: dial %s: %v", e.URL, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// BindError represents a failure to start the server-mode listener.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("wsmessaging: bind %s: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() error {
	return e.Err
}

// LinkFailure classifies why a link could not be established.
type LinkFailure string

const (
	LinkConnectTimeout  LinkFailure = "connect_timeout"
	LinkHandshakeFailed LinkFailure = "handshake_failed"
	LinkBadConfig       LinkFailure = "bad_config"
)

// LinkError is returned by the link operations of [Provider].
type LinkError struct {
	ComponentID string
	Reason      LinkFailure
	Err         error
}

func (e *LinkError) Error() string {
	return fmt.Sprintf("wsmessaging: link %s [%s]: %v", e.ComponentID, e.Reason, e.Err)
}

func (e *LinkError) Unwrap() error {
	return e.Err
}

// EncodeError represents a failure to serialize a message.
type EncodeError struct {
	Subject string
	Err     error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("wsmessaging: encode %q: %v", e.Subject, e.Err)
}

func (e *EncodeError) Unwrap() error {
	return e.Err
}

// DecodeReason classifies a decode failure.
type DecodeReason string

const (
	DecodeInvalidBase64 DecodeReason = "invalid_base64"
	DecodeInvalidBody   DecodeReason = "invalid_body"
)

// DecodeError represents a malformed inbound frame.
type DecodeError struct {
	Reason DecodeReason
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("wsmessaging: decode [%s]: %v", e.Reason, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}
