// SPDX-FileCopyrightText: © 2025 The ledgerchat authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package config implements the configuration for the ledgerchat client.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

const (
	defaultLogLevel        = "NOTICE"
	defaultCacheMaxEntries = 128
	defaultCacheTTLSeconds = 900
)

// Logging is the logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (lCfg *Logging) validate() error {
	lvl := strings.ToUpper(lCfg.Level)
	switch lvl {
	case "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG":
	case "":
		lvl = defaultLogLevel
	default:
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	lCfg.Level = lvl
	return nil
}

// Cache is the capability cache configuration.
type Cache struct {
	// MaxEntries bounds the number of cached capability ids.
	MaxEntries int

	// TTLSeconds is the entry lifetime in seconds.
	TTLSeconds int
}

func (cCfg *Cache) validate() error {
	if cCfg.MaxEntries < 0 {
		return errors.New("config: Cache: MaxEntries must not be negative")
	}
	if cCfg.TTLSeconds < 0 {
		return errors.New("config: Cache: TTLSeconds must not be negative")
	}
	if cCfg.MaxEntries == 0 {
		cCfg.MaxEntries = defaultCacheMaxEntries
	}
	if cCfg.TTLSeconds == 0 {
		cCfg.TTLSeconds = defaultCacheTTLSeconds
	}
	return nil
}

// Oracle is the decryption oracle connection configuration.
type Oracle struct {
	// SocketPath is the unix socket the oracle service listens on.
	SocketPath string
}

func (oCfg *Oracle) validate() error {
	if oCfg.SocketPath == "" {
		return errors.New("config: Oracle: SocketPath is not set")
	}
	return nil
}

// Store is the local ledger store configuration.
type Store struct {
	// File is the database file path.
	File string
}

func (sCfg *Store) validate() error {
	if sCfg.File == "" {
		return errors.New("config: Store: File is not set")
	}
	return nil
}

// Config is the top level ledgerchat client configuration.
type Config struct {
	Logging *Logging
	Cache   *Cache
	Oracle  *Oracle
	Store   *Store
}

// FixupAndValidate applies defaults to config entries and validates the
// configuration sections.
func (c *Config) FixupAndValidate() error {
	if c.Logging == nil {
		c.Logging = &Logging{}
	}
	if c.Cache == nil {
		c.Cache = &Cache{}
	}
	if c.Oracle == nil {
		return errors.New("config: No Oracle block was present")
	}
	if c.Store == nil {
		return errors.New("config: No Store block was present")
	}

	if err := c.Logging.validate(); err != nil {
		return err
	}
	if err := c.Cache.validate(); err != nil {
		return err
	}
	if err := c.Oracle.validate(); err != nil {
		return err
	}
	return c.Store.validate()
}

// Load parses and validates the provided buffer b as a config body and
// returns the Config.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)
	err := toml.Unmarshal(b, cfg)
	if err != nil {
		return nil, err
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses and validates the provided file and returns the
// Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
