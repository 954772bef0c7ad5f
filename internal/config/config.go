// Package config loads TOML configuration files into the plain Go
// structs client.Config and server.Config expect, mirroring how the
// reference stack's daemons read their client/server TOML files.
package config

import (
	"crypto/tls"
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// TransportKind names a wire transport in TOML, decoupled from the
// client/server Kind enums so this package does not import either.
type TransportKind string

const (
	KindTCP TransportKind = "tcp"
	KindTLS TransportKind = "tls"
	KindWS  TransportKind = "ws"
)

// TLSFile describes a certificate/key pair and verification mode as
// read from TOML; LoadTLSConfig turns it into a *tls.Config.
type TLSFile struct {
	CertFile           string `toml:"cert_file"`
	KeyFile            string `toml:"key_file"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
}

// LoadTLSConfig builds a *tls.Config from f. An empty f with
// InsecureSkipVerify set is valid for a client dialing a
// self-signed/test server; CertFile/KeyFile are required to serve TLS.
func (f TLSFile) LoadTLSConfig() (*tls.Config, error) {
	cfg := &tls.Config{InsecureSkipVerify: f.InsecureSkipVerify}
	if f.CertFile == "" && f.KeyFile == "" {
		return cfg, nil
	}
	cert, err := tls.LoadX509KeyPair(f.CertFile, f.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("config: load tls keypair: %w", err)
	}
	cfg.Certificates = []tls.Certificate{cert}
	return cfg, nil
}

// ClientFile is the TOML shape of client.Config (spec.md A.3).
type ClientFile struct {
	Kind           TransportKind `toml:"kind"`
	Addr           string        `toml:"addr"`
	TLS            TLSFile       `toml:"tls"`
	MaxRetries     int           `toml:"max_retries"`
	BaseDelayMS    int           `toml:"base_delay_ms"`
	TimeoutSeconds int           `toml:"default_timeout_seconds"`
}

// BaseDelay returns the configured base backoff delay as a Duration.
func (f ClientFile) BaseDelay() time.Duration {
	return time.Duration(f.BaseDelayMS) * time.Millisecond
}

// DefaultTimeout returns the configured default request timeout as a
// Duration.
func (f ClientFile) DefaultTimeout() time.Duration {
	return time.Duration(f.TimeoutSeconds) * time.Second
}

// ServerFile is the TOML shape of server.Config (spec.md A.3).
type ServerFile struct {
	Kind                TransportKind `toml:"kind"`
	Addr                string        `toml:"addr"`
	TLS                 TLSFile       `toml:"tls"`
	AnonymousDisallowed bool          `toml:"anonymous_disallowed"`
}

// LoadClientFile parses a client TOML configuration file at path.
func LoadClientFile(path string) (ClientFile, error) {
	var f ClientFile
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return ClientFile{}, fmt.Errorf("config: decode client file: %w", err)
	}
	return f, nil
}

// LoadServerFile parses a server TOML configuration file at path.
func LoadServerFile(path string) (ServerFile, error) {
	var f ServerFile
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return ServerFile{}, fmt.Errorf("config: decode server file: %w", err)
	}
	return f, nil
}
