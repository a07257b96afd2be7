// config.go - Onionswarm client configuration.
// Copyright (C) 2026  The Onionswarm Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package config provides the onionswarm client configuration.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/katzenpost/onionswarm/core/log"
	"github.com/katzenpost/onionswarm/core/retry"
	"github.com/katzenpost/onionswarm/internal/proxy"
	"github.com/katzenpost/onionswarm/path"
	"github.com/katzenpost/onionswarm/snode"
	"github.com/katzenpost/onionswarm/storage"
)

const (
	defaultLogLevel       = "NOTICE"
	defaultKeyFile        = "identity.key"
	defaultPassphraseEnv  = "ONIONSWARM_PASSPHRASE"
	defaultRequestTimeout = 10 * 1000 // 10 sec.
	defaultBaseDelay      = 1000      // 1 sec.
	defaultMaxDelay       = 2000      // 2 sec.
	defaultTickInterval   = 5 * 1000  // 5 sec.
	defaultBoltFile       = "onionswarm.db"
	defaultPgxMaxConns    = 4

	// BackendMemory keeps state in memory only.
	BackendMemory = "memory"
	// BackendBolt keeps state in a bbolt file.
	BackendBolt = "bolt"
	// BackendRedis keeps state in Redis.
	BackendRedis = "redis"
	// BackendPostgres keeps state in PostgreSQL.
	BackendPostgres = "postgres"

	sessionIDPrefix = "05"
)

var defaultLogging = Logging{
	Disable: false,
	File:    "",
	Level:   defaultLogLevel,
}

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
	if lCfg.Level == "" {
		lCfg.Level = defaultLogLevel
	}
	lCfg.Level = strings.ToUpper(lCfg.Level)
	if err := log.ValidateLevel(lCfg.Level); err != nil {
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	return nil
}

// Identity locates the long term keys.
type Identity struct {
	// DataDir is the absolute path to the client's state files.
	DataDir string

	// KeyFile is the encrypted identity file, relative to DataDir unless
	// absolute.
	KeyFile string

	// PassphraseEnv names the environment variable holding the identity
	// passphrase.
	PassphraseEnv string
}

func (iCfg *Identity) validate() error {
	if !filepath.IsAbs(iCfg.DataDir) {
		return fmt.Errorf("config: Identity: DataDir '%v' is not an absolute path", iCfg.DataDir)
	}
	if iCfg.KeyFile == "" {
		iCfg.KeyFile = defaultKeyFile
	}
	if !filepath.IsAbs(iCfg.KeyFile) {
		iCfg.KeyFile = filepath.Join(iCfg.DataDir, iCfg.KeyFile)
	}
	if iCfg.PassphraseEnv == "" {
		iCfg.PassphraseEnv = defaultPassphraseEnv
	}
	return nil
}

// Passphrase returns the identity passphrase from the environment.
func (iCfg *Identity) Passphrase() []byte {
	return []byte(os.Getenv(iCfg.PassphraseEnv))
}

// Onion is the onion routing configuration. Paths are always three hops.
type Onion struct {
	// Paths is the number of onion paths kept ready.
	Paths int

	// RequestTimeout bounds a single POST to a guard in milliseconds.
	RequestTimeout int

	// MaxAttempts is the number of attempts of an onion request,
	// including the first.
	MaxAttempts int

	// BaseDelay and MaxDelay bound the retry backoff in milliseconds.
	BaseDelay int
	MaxDelay  int
}

func (oCfg *Onion) applyDefaults() {
	if oCfg.Paths <= 0 {
		oCfg.Paths = path.DefaultPaths
	}
	if oCfg.RequestTimeout <= 0 {
		oCfg.RequestTimeout = defaultRequestTimeout
	}
	if oCfg.MaxAttempts <= 0 {
		oCfg.MaxAttempts = retry.DefaultMaxAttempts
	}
	if oCfg.BaseDelay <= 0 {
		oCfg.BaseDelay = defaultBaseDelay
	}
	if oCfg.MaxDelay < oCfg.BaseDelay {
		oCfg.MaxDelay = max(defaultMaxDelay, oCfg.BaseDelay)
	}
}

// Timeout returns RequestTimeout as a duration.
func (oCfg *Onion) Timeout() time.Duration {
	return time.Duration(oCfg.RequestTimeout) * time.Millisecond
}

// RetryPolicy returns the configured retry policy.
func (oCfg *Onion) RetryPolicy() *retry.Policy {
	p := retry.DefaultPolicy(nil)
	p.MaxAttempts = oCfg.MaxAttempts
	p.BaseDelay = time.Duration(oCfg.BaseDelay) * time.Millisecond
	p.MaxDelay = time.Duration(oCfg.MaxDelay) * time.Millisecond
	return p
}

// Transport is the guard transport configuration.
type Transport struct {
	// UseHTTP3 dials guards over QUIC.
	UseHTTP3 bool

	// UpstreamProxy is the optional SOCKS5 proxy used to reach guards.
	UpstreamProxy *proxy.Config
}

func (tCfg *Transport) validate() error {
	if tCfg.UpstreamProxy == nil {
		tCfg.UpstreamProxy = &proxy.Config{}
	}
	if err := tCfg.UpstreamProxy.FixupAndValidate(); err != nil {
		return err
	}
	if tCfg.UseHTTP3 && tCfg.UpstreamProxy.ToDialContext("") != nil {
		return errors.New("config: Transport: UseHTTP3 conflicts with UpstreamProxy")
	}
	return nil
}

// Poller is the swarm poller configuration.
type Poller struct {
	// TickInterval is the poll tick in milliseconds.
	TickInterval int

	// OwnPubkey overrides the mailbox derived from the identity.
	OwnPubkey string

	// Groups are the group mailboxes polled from the start.
	Groups []string
}

func (pCfg *Poller) validate() error {
	if pCfg.TickInterval <= 0 {
		pCfg.TickInterval = defaultTickInterval
	}
	if pCfg.OwnPubkey != "" {
		if err := validateSessionID(pCfg.OwnPubkey); err != nil {
			return fmt.Errorf("config: Poller: OwnPubkey: %v", err)
		}
	}
	for _, g := range pCfg.Groups {
		if err := validateSessionID(g); err != nil {
			return fmt.Errorf("config: Poller: Group '%v': %v", g, err)
		}
	}
	return nil
}

// Tick returns TickInterval as a duration.
func (pCfg *Poller) Tick() time.Duration {
	return time.Duration(pCfg.TickInterval) * time.Millisecond
}

// BoltStorage is the bbolt backend configuration.
type BoltStorage struct {
	// File is the database file, relative to DataDir unless absolute.
	File string
}

// PostgresStorage is the PostgreSQL backend configuration.
type PostgresStorage struct {
	// DataSourceName is the connection string.
	DataSourceName string

	// MaxConns is the connection pool size.
	MaxConns int
}

// Storage selects the key value store.
type Storage struct {
	// Backend is one of "memory", "bolt", "redis" or "postgres".
	Backend string

	Bolt     *BoltStorage
	Redis    *storage.RedisConfig
	Postgres *PostgresStorage
}

func (sCfg *Storage) validate(dataDir string) error {
	sCfg.Backend = strings.ToLower(sCfg.Backend)
	switch sCfg.Backend {
	case "":
		sCfg.Backend = BackendBolt
		fallthrough
	case BackendBolt:
		if sCfg.Bolt == nil {
			sCfg.Bolt = &BoltStorage{}
		}
		if sCfg.Bolt.File == "" {
			sCfg.Bolt.File = defaultBoltFile
		}
		if !filepath.IsAbs(sCfg.Bolt.File) {
			sCfg.Bolt.File = filepath.Join(dataDir, sCfg.Bolt.File)
		}
	case BackendMemory:
	case BackendRedis:
		if sCfg.Redis == nil {
			return errors.New("config: Storage: No Redis block was present")
		}
		if _, _, err := net.SplitHostPort(sCfg.Redis.Addr); err != nil {
			return fmt.Errorf("config: Storage: Redis Addr '%v' is invalid: %v", sCfg.Redis.Addr, err)
		}
	case BackendPostgres:
		if sCfg.Postgres == nil || sCfg.Postgres.DataSourceName == "" {
			return errors.New("config: Storage: Postgres DataSourceName is not set")
		}
		if sCfg.Postgres.MaxConns <= 0 {
			sCfg.Postgres.MaxConns = defaultPgxMaxConns
		}
	default:
		return fmt.Errorf("config: Storage: Backend '%v' is invalid", sCfg.Backend)
	}
	return nil
}

// Metrics is the Prometheus endpoint configuration.
type Metrics struct {
	// Address is the listen address of /metrics, disabled when empty.
	Address string
}

// Debug is the debug configuration.
type Debug struct {
	// EnablePyroscope starts continuous profiling. The server is taken
	// from the PYROSCOPE_* environment variables.
	EnablePyroscope bool

	// EnablePprof serves net/http/pprof next to /metrics.
	EnablePprof bool
}

// Config is the top level onionswarm configuration.
type Config struct {
	Logging   *Logging
	Identity  *Identity
	Onion     *Onion
	Transport *Transport
	Poller    *Poller
	Storage   *Storage
	Metrics   *Metrics
	Debug     *Debug

	// SeedNodes populate the node pool at start up.
	SeedNodes []*snode.Node
}

// FixupAndValidate applies defaults to config entries and validates the
// supplied configuration.  Most people should call one of the Load variants
// instead.
func (cfg *Config) FixupAndValidate() error {
	// The Identity section is mandatory, everything else is optional.
	if cfg.Identity == nil {
		return errors.New("config: No Identity block was present")
	}
	if cfg.Logging == nil {
		l := defaultLogging
		cfg.Logging = &l
	}
	if cfg.Onion == nil {
		cfg.Onion = &Onion{}
	}
	if cfg.Transport == nil {
		cfg.Transport = &Transport{}
	}
	if cfg.Poller == nil {
		cfg.Poller = &Poller{}
	}
	if cfg.Storage == nil {
		cfg.Storage = &Storage{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &Metrics{}
	}
	if cfg.Debug == nil {
		cfg.Debug = &Debug{}
	}

	if err := cfg.Logging.validate(); err != nil {
		return err
	}
	if err := cfg.Identity.validate(); err != nil {
		return err
	}
	cfg.Onion.applyDefaults()
	if err := cfg.Transport.validate(); err != nil {
		return err
	}
	if err := cfg.Poller.validate(); err != nil {
		return err
	}
	if err := cfg.Storage.validate(cfg.Identity.DataDir); err != nil {
		return err
	}
	if cfg.Metrics.Address != "" {
		if _, _, err := net.SplitHostPort(cfg.Metrics.Address); err != nil {
			return fmt.Errorf("config: Metrics: Address '%v' is invalid: %v", cfg.Metrics.Address, err)
		}
	}

	seen := make(map[string]bool)
	for i, n := range cfg.SeedNodes {
		if err := n.Validate(); err != nil {
			return fmt.Errorf("config: SeedNodes[%d]: %v", i, err)
		}
		if seen[n.ID()] {
			return fmt.Errorf("config: SeedNodes[%d]: duplicate node %v", i, n)
		}
		seen[n.ID()] = true
	}
	if len(cfg.SeedNodes) < path.Length {
		return fmt.Errorf("config: At least %d SeedNodes are required", path.Length)
	}
	return nil
}

func validateSessionID(id string) error {
	if !strings.HasPrefix(id, sessionIDPrefix) {
		return fmt.Errorf("missing '%s' prefix", sessionIDPrefix)
	}
	b, err := hex.DecodeString(id[len(sessionIDPrefix):])
	if err != nil {
		return err
	}
	if len(b) != 32 {
		return fmt.Errorf("key is %d bytes", len(b))
	}
	return nil
}

// Store writes cfg to fileName as TOML.
func Store(cfg *Config, fileName string) error {
	f, err := os.OpenFile(fileName, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(cfg)
}

// Load parses and validates the provided buffer b as a config file body and
// returns the Config.
func Load(b []byte) (*Config, error) {
	if b == nil {
		return nil, errors.New("No nil buffer as config file")
	}

	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: Undecoded keys in config file: %v", undecoded)
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
