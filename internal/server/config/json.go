package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/accordchat/accord/internal/flagx"
	"github.com/accordchat/accord/internal/timex"
)

// jsonConfig is the DTO for the operator-editable JSON config file. Interval
// fields use timex.Duration, which parses both strings such as "5s" and
// integer nanoseconds. After unmarshalling, set fields are copied into the
// runtime Config.
type jsonConfig struct {
	ListenAddr  *string `json:"listen_addr"`
	DatabaseDSN *string `json:"database_dsn"`
	KeyFile     *string `json:"key_file"`

	HandshakeTimeout *timex.Duration `json:"handshake_timeout"`
	IdleTimeout      *timex.Duration `json:"idle_timeout"`
	FlushTimeout     *timex.Duration `json:"flush_timeout"`

	HistoryReplay     *int  `json:"history_replay"`
	OutboundQueueSize *int  `json:"outbound_queue_size"`
	AutoRegister      *bool `json:"auto_register"`

	Operators        []string `json:"operators"`
	WhitelistEnabled *bool    `json:"whitelist_enabled"`
	Whitelist        []string `json:"whitelist"`
	BannedUsers      []string `json:"banned_users"`
}

// parseJSON loads configuration values from a JSON file into the provided
// Config instance. The file path comes from the -c or -config command-line
// flags; if neither is set, no JSON file is loaded. Fields absent from the
// file keep their current values.
func parseJSON(config *Config) error {
	path := flagx.ConfigFileFlag()
	if path == "" {
		return nil
	}

	file, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}

	c := &jsonConfig{}
	if err := json.Unmarshal(file, c); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}

	applyJSON(config, c)
	return nil
}

func applyJSON(config *Config, c *jsonConfig) {
	if c.ListenAddr != nil {
		config.ListenAddr = *c.ListenAddr
	}
	if c.DatabaseDSN != nil {
		config.DatabaseDSN = *c.DatabaseDSN
	}
	if c.KeyFile != nil {
		config.KeyFile = *c.KeyFile
	}
	if c.HandshakeTimeout != nil {
		config.HandshakeTimeout = time.Duration(c.HandshakeTimeout.Duration)
	}
	if c.IdleTimeout != nil {
		config.IdleTimeout = time.Duration(c.IdleTimeout.Duration)
	}
	if c.FlushTimeout != nil {
		config.FlushTimeout = time.Duration(c.FlushTimeout.Duration)
	}
	if c.HistoryReplay != nil {
		config.HistoryReplay = *c.HistoryReplay
	}
	if c.OutboundQueueSize != nil {
		config.OutboundQueueSize = *c.OutboundQueueSize
	}
	if c.AutoRegister != nil {
		config.AutoRegister = *c.AutoRegister
	}
	if c.Operators != nil {
		config.Operators = c.Operators
	}
	if c.WhitelistEnabled != nil {
		config.WhitelistEnabled = *c.WhitelistEnabled
	}
	if c.Whitelist != nil {
		config.Whitelist = c.Whitelist
	}
	if c.BannedUsers != nil {
		config.BannedUsers = c.BannedUsers
	}
}
