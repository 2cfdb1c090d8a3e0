package remote

import (
	"fmt"
	"time"
)

// AuthMode selects how a session authenticates against the remote host.
type AuthMode string

const (
	AuthPassword AuthMode = "password"
	AuthKeyFile  AuthMode = "keyfile"
)

// Default timeouts. Connect and command execution are bounded; the chunked
// transfer loop itself is not (a stalled transfer is ended by an explicit
// stop, never by an internal timeout).
const (
	DefaultDialTimeout = 15 * time.Second
	DefaultExecTimeout = 30 * time.Second
	DefaultPort        = 22
)

// Config describes one remote target: host, credentials and auth mode.
// It is immutable once handed to a session.
type Config struct {
	Name     string
	Host     string
	Port     int
	Username string
	AuthMode AuthMode
	Password string
	KeyFile  string

	DialTimeout time.Duration
	ExecTimeout time.Duration
}

// Addr returns the host:port dial address.
func (c Config) Addr() string {
	port := c.Port
	if port == 0 {
		port = DefaultPort
	}
	return fmt.Sprintf("%s:%d", c.Host, port)
}

// Key identifies the profile for session pooling. Profiles with the same
// key may share pooled sessions.
func (c Config) Key() string {
	return fmt.Sprintf("%s@%s", c.Username, c.Addr())
}

func (c Config) withDefaults() Config {
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.ExecTimeout <= 0 {
		c.ExecTimeout = DefaultExecTimeout
	}
	if c.AuthMode == "" {
		c.AuthMode = AuthPassword
	}
	return c
}
