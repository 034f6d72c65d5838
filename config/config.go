// Package config loads the simulator configuration from YAML or TOML files.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"atallasim/commands"
	"atallasim/faults"
	"atallasim/framing"
	"atallasim/randsrc"
	"atallasim/server"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config represents the complete simulator configuration
type Config struct {
	Server     ServerConfig    `yaml:"server" toml:"server"`
	Protocol   ProtocolConfig  `yaml:"protocol" toml:"protocol"`
	Responses  ResponsesConfig `yaml:"responses" toml:"responses"`
	Faults     FaultsConfig    `yaml:"faults" toml:"faults"`
	Logging    LoggingConfig   `yaml:"logging" toml:"logging"`
	Admin      AdminConfig     `yaml:"admin" toml:"admin"`
	Events     EventsConfig    `yaml:"events" toml:"events"`
	Stats      StatsConfig     `yaml:"stats" toml:"stats"`
	LoadedFrom string          `yaml:"-" toml:"-"`
}

// ServerConfig contains listener and connection-lifecycle settings
type ServerConfig struct {
	Listen              string `yaml:"listen" toml:"listen"`
	Persistence         string `yaml:"persistence" toml:"persistence"`
	MaxConnections      int    `yaml:"max_connections" toml:"max_connections"`
	IdleTimeoutSeconds  int    `yaml:"idle_timeout_seconds" toml:"idle_timeout_seconds"`
	WriteTimeoutSeconds int    `yaml:"write_timeout_seconds" toml:"write_timeout_seconds"`
	KeepAliveSeconds    int    `yaml:"keepalive_seconds" toml:"keepalive_seconds"`
	Transport           string `yaml:"transport" toml:"transport"`
}

// ProtocolConfig selects the single framing contract of the instance
type ProtocolConfig struct {
	Framing       string `yaml:"framing" toml:"framing"`
	Boundary      string `yaml:"boundary" toml:"boundary"`
	Trailing      string `yaml:"trailing" toml:"trailing"`
	MaxFrameBytes int    `yaml:"max_frame_bytes" toml:"max_frame_bytes"`
	MatchMode     string `yaml:"match_mode" toml:"match_mode"`
}

// ResponsesConfig controls the random payload of command 93
type ResponsesConfig struct {
	Alphabet     string  `yaml:"alphabet" toml:"alphabet"`
	RandomLength int     `yaml:"random_length" toml:"random_length"`
	Seed         *uint64 `yaml:"seed" toml:"seed"`
}

// FaultsConfig injects non-success status codes for negative testing
type FaultsConfig struct {
	DefaultStatus string            `yaml:"default_status" toml:"default_status"`
	Commands      map[string]string `yaml:"commands" toml:"commands"`
	File          string            `yaml:"file" toml:"file"`
	Watch         bool              `yaml:"watch" toml:"watch"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level         string `yaml:"level" toml:"level"`
	Dir           string `yaml:"dir" toml:"dir"`
	RetentionDays int    `yaml:"retention_days" toml:"retention_days"`
	NoColor       bool   `yaml:"no_color" toml:"no_color"`
}

// AdminConfig contains admin interface settings
type AdminConfig struct {
	Listen      string `yaml:"listen" toml:"listen"`
	HistorySize int    `yaml:"history_size" toml:"history_size"`
}

// EventsConfig contains optional event taps
type EventsConfig struct {
	MQTT MQTTConfig `yaml:"mqtt" toml:"mqtt"`
}

// MQTTConfig publishes session events to an MQTT broker
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled" toml:"enabled"`
	Broker      string `yaml:"broker" toml:"broker"`
	ClientID    string `yaml:"client_id" toml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix" toml:"topic_prefix"`
	QoS         int    `yaml:"qos" toml:"qos"`
}

// StatsConfig controls the periodic console summary
type StatsConfig struct {
	IntervalSeconds int `yaml:"interval_seconds" toml:"interval_seconds"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads a single config file, or every .yaml/.yml/.toml file in a
// directory merged in name order, then applies defaults and validates.
func Load(path string) (*Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	files := []string{path}
	if info.IsDir() {
		files, err = configFiles(path)
		if err != nil {
			return nil, err
		}
		if len(files) == 0 {
			return nil, fmt.Errorf("no config files found in %s", path)
		}
	}

	var cfg Config
	for _, file := range files {
		if err := decodeFile(file, &cfg); err != nil {
			return nil, err
		}
	}
	cfg.LoadedFrom = path
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

func configFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read config directory: %w", err)
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".yaml", ".yml", ".toml":
			files = append(files, filepath.Join(dir, entry.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

func decodeFile(path string, cfg *Config) error {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// Finalize re-applies defaults and validates, for callers that modify a
// loaded config (command-line overrides).
func (c *Config) Finalize() error {
	c.applyDefaults()
	return c.validate()
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.Server.Listen) == "" {
		c.Server.Listen = "localhost:9999"
	}
	c.Server.Persistence = normalizeLower(c.Server.Persistence)
	if c.Server.Persistence == "" {
		c.Server.Persistence = string(server.Multiplexed)
	}
	if c.Server.WriteTimeoutSeconds <= 0 {
		c.Server.WriteTimeoutSeconds = 2
	}
	if c.Server.KeepAliveSeconds == 0 {
		c.Server.KeepAliveSeconds = 120
	}
	c.Server.Transport = normalizeLower(c.Server.Transport)
	if c.Server.Transport == "" {
		c.Server.Transport = server.TransportNative
	}

	c.Protocol.Framing = normalizeLower(c.Protocol.Framing)
	if c.Protocol.Framing == "" {
		c.Protocol.Framing = string(framing.Boundary)
	}
	if c.Protocol.Boundary == "" {
		c.Protocol.Boundary = string(framing.DefaultBoundary)
	}
	c.Protocol.Trailing = normalizeLower(c.Protocol.Trailing)
	if c.Protocol.Trailing == "" {
		c.Protocol.Trailing = string(framing.Retain)
	}
	if c.Protocol.MaxFrameBytes <= 0 {
		c.Protocol.MaxFrameBytes = framing.DefaultMaxFrameBytes
	}
	c.Protocol.MatchMode = normalizeLower(c.Protocol.MatchMode)
	if c.Protocol.MatchMode == "" {
		c.Protocol.MatchMode = string(commands.MatchSubstring)
	}

	c.Responses.Alphabet = normalizeLower(c.Responses.Alphabet)
	if c.Responses.Alphabet == "" {
		c.Responses.Alphabet = string(randsrc.Hex)
	}
	if c.Responses.RandomLength <= 0 {
		if alphabet, err := randsrc.ParseAlphabet(c.Responses.Alphabet); err == nil {
			c.Responses.RandomLength = alphabet.DefaultLength()
		}
	}

	if strings.TrimSpace(c.Faults.DefaultStatus) == "" {
		c.Faults.DefaultStatus = faults.StatusOK
	}

	c.Logging.Level = normalizeLower(c.Logging.Level)
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.RetentionDays <= 0 {
		c.Logging.RetentionDays = 7
	}

	if c.Admin.HistorySize <= 0 {
		c.Admin.HistorySize = 256
	}

	if strings.TrimSpace(c.Events.MQTT.ClientID) == "" {
		c.Events.MQTT.ClientID = "atallasim"
	}
	if strings.TrimSpace(c.Events.MQTT.TopicPrefix) == "" {
		c.Events.MQTT.TopicPrefix = "atallasim/events"
	}

	if c.Stats.IntervalSeconds == 0 {
		c.Stats.IntervalSeconds = 60
	}
}

func (c *Config) validate() error {
	if _, err := server.ParsePersistence(c.Server.Persistence); err != nil {
		return err
	}
	if c.Server.MaxConnections < 0 {
		return fmt.Errorf("server.max_connections must be >= 0")
	}
	if c.Server.IdleTimeoutSeconds < 0 {
		return fmt.Errorf("server.idle_timeout_seconds must be >= 0")
	}
	if c.Server.Transport != server.TransportNative && c.Server.Transport != server.TransportTelnet {
		return fmt.Errorf("unknown server.transport %q (want native or telnet)", c.Server.Transport)
	}
	if _, err := framing.ParseConvention(c.Protocol.Framing); err != nil {
		return err
	}
	if len(c.Protocol.Boundary) != 1 {
		return fmt.Errorf("protocol.boundary must be a single byte, got %q", c.Protocol.Boundary)
	}
	if c.Protocol.Boundary == "\n" || c.Protocol.Boundary == "\r" {
		return fmt.Errorf("protocol.boundary cannot be a line terminator")
	}
	if _, err := framing.ParseTrailingPolicy(c.Protocol.Trailing); err != nil {
		return err
	}
	if _, err := commands.ParseMatchMode(c.Protocol.MatchMode); err != nil {
		return err
	}
	if _, err := randsrc.ParseAlphabet(c.Responses.Alphabet); err != nil {
		return err
	}
	if _, err := faults.NewTable(c.Faults.DefaultStatus, c.Faults.Commands); err != nil {
		return err
	}
	if c.Faults.Watch && strings.TrimSpace(c.Faults.File) == "" {
		return fmt.Errorf("faults.watch requires faults.file")
	}
	if c.Events.MQTT.Enabled && strings.TrimSpace(c.Events.MQTT.Broker) == "" {
		return fmt.Errorf("events.mqtt.enabled requires events.mqtt.broker")
	}
	if c.Events.MQTT.QoS < 0 || c.Events.MQTT.QoS > 2 {
		return fmt.Errorf("events.mqtt.qos must be 0, 1 or 2")
	}
	return nil
}

// ServerOptions converts the validated config into server options. Observer
// and Logger are left for the caller to wire.
func (c *Config) ServerOptions() server.Options {
	conv, _ := framing.ParseConvention(c.Protocol.Framing)
	trailing, _ := framing.ParseTrailingPolicy(c.Protocol.Trailing)
	persistence, _ := server.ParsePersistence(c.Server.Persistence)
	return server.Options{
		Listen: c.Server.Listen,
		Framing: framing.Options{
			Convention:    conv,
			Boundary:      c.BoundaryByte(),
			Trailing:      trailing,
			MaxFrameBytes: c.Protocol.MaxFrameBytes,
		},
		Persistence:    persistence,
		MaxConnections: c.Server.MaxConnections,
		IdleTimeout:    time.Duration(c.Server.IdleTimeoutSeconds) * time.Second,
		WriteTimeout:   time.Duration(c.Server.WriteTimeoutSeconds) * time.Second,
		KeepAlive:      time.Duration(c.Server.KeepAliveSeconds) * time.Second,
		Transport:      c.Server.Transport,
	}
}

// BoundaryByte returns the configured frame boundary byte.
func (c *Config) BoundaryByte() byte {
	if len(c.Protocol.Boundary) != 1 {
		return framing.DefaultBoundary
	}
	return c.Protocol.Boundary[0]
}

// Print displays the configuration summary
func (c *Config) Print() {
	fmt.Printf("Listen: %s (transport=%s, persistence=%s)\n", c.Server.Listen, c.Server.Transport, c.Server.Persistence)
	maxDesc := "unbounded"
	if c.Server.MaxConnections > 0 {
		maxDesc = fmt.Sprintf("%d", c.Server.MaxConnections)
	}
	fmt.Printf("Max connections: %s\n", maxDesc)
	fmt.Printf("Framing: %s boundary=%q trailing=%s match=%s\n", c.Protocol.Framing, c.Protocol.Boundary, c.Protocol.Trailing, c.Protocol.MatchMode)
	fmt.Printf("Random payload: %s x%d\n", c.Responses.Alphabet, c.Responses.RandomLength)
	if len(c.Faults.Commands) > 0 || c.Faults.DefaultStatus != faults.StatusOK {
		fmt.Printf("Fault injection: default=%s overrides=%v\n", c.Faults.DefaultStatus, c.Faults.Commands)
	}
	if c.Faults.File != "" {
		fmt.Printf("Fault file: %s (watch=%t)\n", c.Faults.File, c.Faults.Watch)
	}
	if c.Admin.Listen != "" {
		fmt.Printf("Admin: http://%s/status (event history %d)\n", c.Admin.Listen, c.Admin.HistorySize)
	}
	if c.Events.MQTT.Enabled {
		fmt.Printf("MQTT events: %s (topic prefix %s)\n", c.Events.MQTT.Broker, c.Events.MQTT.TopicPrefix)
	}
}

func normalizeLower(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
