package client

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	jcr "github.com/tinode/jsonco"

	t "github.com/meshtalk/meshtalk/client/store/types"
	"github.com/meshtalk/meshtalk/client/transport"
)

// ReconnectConfig is the retry policy of the transport connection.
type ReconnectConfig struct {
	// Delay before the second attempt, milliseconds.
	InitialDelayMs int `json:"initial_delay_ms"`
	// Upper bound of the backoff delay, milliseconds.
	MaxDelayMs int `json:"max_delay_ms"`
	// Multiplier applied to the delay after every failed attempt.
	Factor float64 `json:"factor"`
	// Give up after this many attempts; 0 means never.
	MaxAttempts int `json:"max_attempts"`
	// Timeout of a single connection attempt, milliseconds.
	ConnectTimeoutMs int `json:"connect_timeout_ms"`
}

// InitialDelay returns the initial backoff delay as a duration.
func (rc *ReconnectConfig) InitialDelay() time.Duration {
	return time.Duration(rc.InitialDelayMs) * time.Millisecond
}

// MaxDelay returns the backoff delay cap as a duration.
func (rc *ReconnectConfig) MaxDelay() time.Duration {
	return time.Duration(rc.MaxDelayMs) * time.Millisecond
}

// ConnectTimeout returns the per-attempt timeout as a duration.
func (rc *ReconnectConfig) ConnectTimeout() time.Duration {
	return time.Duration(rc.ConnectTimeoutMs) * time.Millisecond
}

// DiscoveryConfig points at the endpoint-assignment service.
type DiscoveryConfig struct {
	ServiceURL string `json:"service_url"`
	// Fallback endpoints as "host:port" strings.
	Fallback []string `json:"fallback"`
}

// FallbackEndpoints parses the configured fallback list.
func (dc *DiscoveryConfig) FallbackEndpoints() ([]transport.Endpoint, error) {
	eps := make([]transport.Endpoint, 0, len(dc.Fallback))
	for _, s := range dc.Fallback {
		host, portstr, err := net.SplitHostPort(s)
		if err != nil {
			return nil, fmt.Errorf("config: invalid fallback endpoint '%s': %w", s, err)
		}
		port, err := strconv.Atoi(portstr)
		if err != nil {
			return nil, fmt.Errorf("config: invalid fallback endpoint port '%s': %w", s, err)
		}
		eps = append(eps, transport.Endpoint{Host: host, Port: port})
	}
	return eps, nil
}

// Config is the engine configuration, normally loaded from a JSON file
// (comments allowed).
type Config struct {
	// Configuration passed to store.Open.
	StoreConfig json.RawMessage `json:"store_config"`

	Discovery DiscoveryConfig `json:"discovery"`
	Reconnect ReconnectConfig `json:"reconnect"`

	// Keep-alive ping period over the live transport, milliseconds.
	KeepaliveIntervalMs int `json:"keepalive_interval_ms"`
	// A ping unanswered for this long counts as a dead link, milliseconds.
	KeepaliveTimeoutMs int `json:"keepalive_timeout_ms"`

	// 16-byte key for XTEA, used to initialize the local id generator.
	UidKey []byte `json:"uid_key"`
}

// KeepaliveInterval returns the ping period as a duration.
func (c *Config) KeepaliveInterval() time.Duration {
	return time.Duration(c.KeepaliveIntervalMs) * time.Millisecond
}

// KeepaliveTimeout returns the pong deadline as a duration.
func (c *Config) KeepaliveTimeout() time.Duration {
	return time.Duration(c.KeepaliveTimeoutMs) * time.Millisecond
}

// NewTransport builds the stock websocket transport with a frame id
// generator keyed by UidKey. Embedders supplying their own Transport
// implementation don't need it.
func (c *Config) NewTransport(workerID uint) (*transport.Websock, error) {
	gen := &t.LocalIDGenerator{}
	if err := gen.Init(workerID, c.UidKey); err != nil {
		return nil, fmt.Errorf("config: id generator init failed: %w", err)
	}
	return transport.NewWebsock(gen), nil
}

func (c *Config) setDefaults() {
	if c.Reconnect.InitialDelayMs <= 0 {
		c.Reconnect.InitialDelayMs = 1000
	}
	if c.Reconnect.MaxDelayMs <= 0 {
		c.Reconnect.MaxDelayMs = 10000
	}
	if c.Reconnect.Factor < 1 {
		c.Reconnect.Factor = 2.0
	}
	if c.Reconnect.ConnectTimeoutMs <= 0 {
		c.Reconnect.ConnectTimeoutMs = 15000
	}
	if c.KeepaliveIntervalMs <= 0 {
		c.KeepaliveIntervalMs = 10000
	}
	if c.KeepaliveTimeoutMs <= 0 {
		c.KeepaliveTimeoutMs = 9000
	}
}

// LoadConfig reads the configuration from a JSON file with comments.
func LoadConfig(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var config Config
	jr := jcr.New(file)
	if err = json.NewDecoder(jr).Decode(&config); err != nil {
		switch jerr := err.(type) {
		case *json.UnmarshalTypeError:
			lnum, cnum, _ := jr.LineAndChar(jerr.Offset)
			return nil, fmt.Errorf("config: unmarshal error in %s at %d:%d: %w", jerr.Field, lnum, cnum, jerr)
		case *json.SyntaxError:
			lnum, cnum, _ := jr.LineAndChar(jerr.Offset)
			return nil, fmt.Errorf("config: syntax error at %d:%d: %w", lnum, cnum, jerr)
		default:
			return nil, fmt.Errorf("config: failed to parse: %w", err)
		}
	}

	config.setDefaults()
	return &config, nil
}

// EnableStats mounts the expvar handler on the mux and starts publishing
// engine counters. Optional; without it stats calls are no-ops.
func EnableStats(mux *http.ServeMux, path string) {
	statsInit(mux, path)
}

// DisableStats stops the stats publisher started by EnableStats.
func DisableStats() {
	statsShutdown()
}
