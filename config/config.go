// Package config loads the proxy's ambient configuration: listen address,
// broker coordinates, and the migration/session tuning knobs. It never
// parses RESP or owns any cluster state itself.
package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// ServerProperties is the process-wide configuration, loaded once at
// startup into a package-level singleton.
type ServerProperties struct {
	Address string `cfg:"address"`

	FailureTTL     int `cfg:"failure_ttl"`
	FailureQuorum  int `cfg:"failure_quorum"`
	MigrationLimit int `cfg:"migration_limit"`

	AutoUpdateMetaFile bool   `cfg:"auto_update_meta_file"`
	MetaFilename       string `cfg:"meta_filename"`
	BrokerAddress      string `cfg:"broker_address"`

	LagThreshold      uint64 `cfg:"lag_threshold"`
	MinBlockingTimeMs uint64 `cfg:"min_blocking_time"`
	MaxBlockingTimeMs uint64 `cfg:"max_blocking_time"`
	MaxRedirectionMs  uint64 `cfg:"max_redirection_time"`

	SessionBatchBuf     int   `cfg:"session_batch_buf"`
	SessionBatchMinTime int64 `cfg:"session_batch_min_time"`
	SessionBatchMaxTime int64 `cfg:"session_batch_max_time"`

	LogLevel  string `cfg:"log_level"`
	LogFormat string `cfg:"log_format"`
}

// Properties is the process-wide singleton, populated by Load or
// LoadDefaults before any component reads it.
var Properties = DefaultProperties()

// DefaultProperties returns the out-of-the-box configuration used by
// tests and by `slotproxyd` when no config file is given.
func DefaultProperties() *ServerProperties {
	return &ServerProperties{
		Address:             "127.0.0.1:7000",
		FailureTTL:          10,
		FailureQuorum:       1,
		MigrationLimit:      1,
		AutoUpdateMetaFile:  false,
		MetaFilename:        "metadata.json",
		BrokerAddress:       "127.0.0.1:7799",
		LagThreshold:        0,
		MinBlockingTimeMs:   100,
		MaxBlockingTimeMs:   500,
		MaxRedirectionMs:    5000,
		SessionBatchBuf:     64,
		SessionBatchMinTime: 500_000,   // 0.5ms in nanoseconds
		SessionBatchMaxTime: 3_000_000, // 3ms in nanoseconds
		LogLevel:            "info",
		LogFormat:           "console",
	}
}

// AnnounceAddress returns the address this proxy advertises to peers and
// to the broker.
func (p *ServerProperties) AnnounceAddress() string {
	return p.Address
}

// Load parses a simple `key value` properties file, one setting per line,
// `#` starts a comment. This is deliberately not a general-purpose format
// parser; it only exists so `slotproxyd` has somewhere to read flags'
// defaults from in integration tests.
func Load(path string) (*ServerProperties, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", path, err)
	}
	defer f.Close()

	props := DefaultProperties()
	raw := map[string]string{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, " ", 2)
		if len(parts) != 2 {
			continue
		}
		raw[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	applyOverrides(props, raw)
	return props, nil
}

func applyOverrides(props *ServerProperties, raw map[string]string) {
	if v, ok := raw["address"]; ok {
		props.Address = v
	}
	if v, ok := raw["broker_address"]; ok {
		props.BrokerAddress = v
	}
	if v, ok := raw["meta_filename"]; ok {
		props.MetaFilename = v
	}
	if v, ok := raw["failure_ttl"]; ok {
		props.FailureTTL = atoiOr(v, props.FailureTTL)
	}
	if v, ok := raw["failure_quorum"]; ok {
		props.FailureQuorum = atoiOr(v, props.FailureQuorum)
	}
	if v, ok := raw["migration_limit"]; ok {
		props.MigrationLimit = atoiOr(v, props.MigrationLimit)
	}
	if v, ok := raw["auto_update_meta_file"]; ok {
		props.AutoUpdateMetaFile = v == "true" || v == "1"
	}
	if v, ok := raw["lag_threshold"]; ok {
		props.LagThreshold = uint64(atoiOr(v, int(props.LagThreshold)))
	}
	if v, ok := raw["min_blocking_time"]; ok {
		props.MinBlockingTimeMs = uint64(atoiOr(v, int(props.MinBlockingTimeMs)))
	}
	if v, ok := raw["max_blocking_time"]; ok {
		props.MaxBlockingTimeMs = uint64(atoiOr(v, int(props.MaxBlockingTimeMs)))
	}
	if v, ok := raw["max_redirection_time"]; ok {
		props.MaxRedirectionMs = uint64(atoiOr(v, int(props.MaxRedirectionMs)))
	}
	if v, ok := raw["session_batch_buf"]; ok {
		props.SessionBatchBuf = atoiOr(v, props.SessionBatchBuf)
	}
	if v, ok := raw["session_batch_min_time"]; ok {
		props.SessionBatchMinTime = int64(atoiOr(v, int(props.SessionBatchMinTime)))
	}
	if v, ok := raw["session_batch_max_time"]; ok {
		props.SessionBatchMaxTime = int64(atoiOr(v, int(props.SessionBatchMaxTime)))
	}
	if v, ok := raw["log_level"]; ok {
		props.LogLevel = v
	}
	if v, ok := raw["log_format"]; ok {
		props.LogFormat = v
	}
}

func atoiOr(s string, fallback int) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return n
}
