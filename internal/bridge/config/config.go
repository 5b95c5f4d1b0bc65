// Package config loads bridge configuration from environment variables,
// failing fast with a human-readable error when required settings are
// missing or inconsistent.
package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/Bestora/meshtastic-matrix-bridge/common/environment"
)

// Matrix holds Matrix homeserver connection settings.
type Matrix struct {
	Homeserver string
	User       string
	Password   string
	Token      string
	Room       string
}

// MQTT holds broker connection settings for the MQTT mesh source.
type MQTT struct {
	Broker   string
	Port     int
	User     string
	Password string
	Topic    string
	PSK      string
	UseTLS   bool
}

// Enabled reports whether enough settings are present to start the MQTT source.
func (m MQTT) Enabled() bool {
	return m.Broker != ""
}

// Meshtastic holds settings for the optional LAN ("Client API") source/sink.
type Meshtastic struct {
	Host       string
	ChannelIdx int
	Channels   ChannelAllowList
}

// Enabled reports whether the LAN source/sink should be started.
func (m Meshtastic) Enabled() bool {
	return m.Host != ""
}

// ChannelAllowList is the set of channels the bridge admits messages from,
// identified by index or by name (spec §6 MESHTASTIC_CHANNELS). An empty
// list means "channel 0 only".
type ChannelAllowList struct {
	indices map[int]bool
	names   map[string]bool
}

// Allows reports whether a packet on the given channel index/name should be
// admitted to the bridge.
func (c ChannelAllowList) Allows(index int, name string) bool {
	if len(c.indices) == 0 && len(c.names) == 0 {
		return index == 0
	}
	if c.indices[index] {
		return true
	}
	if name != "" && c.names[strings.ToLower(name)] {
		return true
	}
	return false
}

func parseChannelAllowList(raw string) ChannelAllowList {
	list := ChannelAllowList{indices: map[int]bool{}, names: map[string]bool{}}
	if raw == "" {
		return list
	}
	for _, tok := range strings.Split(raw, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		if n, err := strconv.Atoi(tok); err == nil {
			list.indices[n] = true
			continue
		}
		list.names[strings.ToLower(tok)] = true
	}
	return list
}

// Config is the bridge's complete runtime configuration.
type Config struct {
	Matrix     Matrix
	MQTT       MQTT
	Meshtastic Meshtastic

	NodeDBPath string

	MessageStateMaxAge  int // seconds
	MessageStateMaxSize int // count
}

// Load reads configuration from the process environment and validates it.
// It returns an error describing exactly what is missing or inconsistent;
// callers are expected to print the error and exit non-zero rather than
// silently proceeding with a half-configured bridge (spec §7).
func Load() (*Config, error) {
	cfg := &Config{
		Matrix: Matrix{
			Homeserver: environment.StringOr("MATRIX_HOMESERVER", ""),
			User:       environment.StringOr("MATRIX_USER", ""),
			Password:   environment.StringOr("MATRIX_PASSWORD", ""),
			Token:      environment.StringOr("MATRIX_TOKEN", ""),
			Room:       environment.StringOr("MATRIX_ROOM", ""),
		},
		MQTT: MQTT{
			Broker:   environment.StringOr("MQTT_BROKER", ""),
			Port:     environment.IntOr("MQTT_PORT", 1883),
			User:     environment.StringOr("MQTT_USER", ""),
			Password: environment.StringOr("MQTT_PASSWORD", ""),
			Topic:    environment.StringOr("MQTT_TOPIC", "msh/#"),
			PSK:      environment.StringOr("MQTT_PSK", ""),
			UseTLS:   environment.BoolOr("MQTT_USE_TLS", false),
		},
		Meshtastic: Meshtastic{
			Host:       environment.StringOr("MESHTASTIC_HOST", ""),
			ChannelIdx: environment.IntOr("MESHTASTIC_CHANNEL_IDX", 0),
			Channels:   parseChannelAllowList(environment.StringOr("MESHTASTIC_CHANNELS", "")),
		},
		NodeDBPath:          environment.StringOr("NODE_DB_PATH", "./bridge.db"),
		MessageStateMaxAge:  environment.IntOr("MESSAGE_STATE_MAX_AGE_SEC", 86400),
		MessageStateMaxSize: environment.IntOr("MESSAGE_STATE_MAX_SIZE", 10000),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var missing []string

	if c.Matrix.Homeserver == "" {
		missing = append(missing, "MATRIX_HOMESERVER")
	}
	if c.Matrix.Room == "" {
		missing = append(missing, "MATRIX_ROOM")
	}
	if c.Matrix.Token == "" && (c.Matrix.User == "" || c.Matrix.Password == "") {
		missing = append(missing, "MATRIX_TOKEN (or MATRIX_USER and MATRIX_PASSWORD)")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}

	if !c.MQTT.Enabled() && !c.Meshtastic.Enabled() {
		return fmt.Errorf("at least one mesh source must be configured: set MQTT_BROKER or MESHTASTIC_HOST")
	}

	if c.MessageStateMaxAge <= 0 {
		return fmt.Errorf("MESSAGE_STATE_MAX_AGE_SEC must be positive, got %d", c.MessageStateMaxAge)
	}
	if c.MessageStateMaxSize <= 0 {
		return fmt.Errorf("MESSAGE_STATE_MAX_SIZE must be positive, got %d", c.MessageStateMaxSize)
	}

	return nil
}
