package chatsync

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Options contains configuration for a Client.
type Options struct {
	// ServerURL is the websocket endpoint, e.g. "wss://host/v0/channels".
	// Ignored when a custom Dialer is supplied.
	ServerURL string `yaml:"server_url"`
	// UserAgent identifies this client in the opening handshake.
	UserAgent string `yaml:"user_agent"`
	// DeviceID identifies this installation for push routing.
	DeviceID string `yaml:"device_id"`
	// Lang is the preferred human language, BCP 47.
	Lang string `yaml:"lang"`
	// StorePath is the local cache database file. Empty means an
	// in-memory cache that does not survive a restart.
	StorePath string `yaml:"store_path"`
	// AutoReconnect re-dials with backoff after a transient disconnect.
	// Fatal authentication errors always stop the retry loop.
	AutoReconnect bool `yaml:"auto_reconnect"`
	// ReconnectMin is the first retry delay; each attempt doubles it up
	// to ReconnectMax.
	ReconnectMin time.Duration `yaml:"reconnect_min"`
	ReconnectMax time.Duration `yaml:"reconnect_max"`
}

// NewOptions returns Options with usable defaults.
func NewOptions() *Options {
	return &Options{
		UserAgent:     "chatsync/" + Version,
		Lang:          "en",
		AutoReconnect: true,
		ReconnectMin:  time.Second,
		ReconnectMax:  2 * time.Minute,
	}
}

// optionsYAML mirrors Options for decoding. Durations arrive as strings
// ("500ms", "2m") because yaml has no native duration notation, and the
// booleans are pointers so an absent key keeps its default.
type optionsYAML struct {
	ServerURL     string `yaml:"server_url"`
	UserAgent     string `yaml:"user_agent"`
	DeviceID      string `yaml:"device_id"`
	Lang          string `yaml:"lang"`
	StorePath     string `yaml:"store_path"`
	AutoReconnect *bool  `yaml:"auto_reconnect"`
	ReconnectMin  string `yaml:"reconnect_min"`
	ReconnectMax  string `yaml:"reconnect_max"`
}

// LoadOptions reads Options from a YAML file, filling unset fields with
// defaults.
func LoadOptions(path string) (*Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	var raw optionsYAML
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	opts := NewOptions()
	if raw.ServerURL != "" {
		opts.ServerURL = raw.ServerURL
	}
	if raw.UserAgent != "" {
		opts.UserAgent = raw.UserAgent
	}
	if raw.DeviceID != "" {
		opts.DeviceID = raw.DeviceID
	}
	if raw.Lang != "" {
		opts.Lang = raw.Lang
	}
	if raw.StorePath != "" {
		opts.StorePath = raw.StorePath
	}
	if raw.AutoReconnect != nil {
		opts.AutoReconnect = *raw.AutoReconnect
	}
	if raw.ReconnectMin != "" {
		d, err := time.ParseDuration(raw.ReconnectMin)
		if err != nil {
			return nil, fmt.Errorf("invalid reconnect_min: %w", err)
		}
		opts.ReconnectMin = d
	}
	if raw.ReconnectMax != "" {
		d, err := time.ParseDuration(raw.ReconnectMax)
		if err != nil {
			return nil, fmt.Errorf("invalid reconnect_max: %w", err)
		}
		opts.ReconnectMax = d
	}

	if opts.ReconnectMin <= 0 {
		opts.ReconnectMin = time.Second
	}
	if opts.ReconnectMax < opts.ReconnectMin {
		opts.ReconnectMax = opts.ReconnectMin
	}
	return opts, nil
}
