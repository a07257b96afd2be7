// daemon.go - Onionswarm client daemon.
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

// Package daemon wires the onion transport, the swarm poller and the
// outbound queue into one client.
package daemon

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/hpqc/rand"

	"github.com/katzenpost/onionswarm/config"
	"github.com/katzenpost/onionswarm/core/log"
	"github.com/katzenpost/onionswarm/core/retry"
	"github.com/katzenpost/onionswarm/core/worker"
	"github.com/katzenpost/onionswarm/identity"
	"github.com/katzenpost/onionswarm/internal/instrument"
	"github.com/katzenpost/onionswarm/internal/profiling"
	"github.com/katzenpost/onionswarm/path"
	"github.com/katzenpost/onionswarm/poller"
	"github.com/katzenpost/onionswarm/rpc"
	"github.com/katzenpost/onionswarm/sending"
	"github.com/katzenpost/onionswarm/snode"
	"github.com/katzenpost/onionswarm/storage"
	"github.com/katzenpost/onionswarm/transport"
)

const (
	// DefaultTTL is the lifetime of a stored message.
	DefaultTTL = 14 * 24 * time.Hour

	identifierSize  = 16
	shutdownTimeout = 5 * time.Second

	storageConnectAttempts = 6
)

// ErrHalted is returned by Send once the daemon shuts down.
var ErrHalted = errors.New("daemon: halted")

// Daemon is a running onionswarm client.
type Daemon struct {
	worker.Worker

	cfg *config.Config

	logBackend *log.Backend
	log        *logging.Logger

	id        *identity.Identity
	store     storage.Storage
	pool      *snode.MemPool
	paths     *path.Manager
	transport transport.Transport
	client    *rpc.Client
	poller    *poller.Poller
	cache     *sending.Cache
	queue     *sending.Queue
	inbox     *inbox

	metrics       *http.Server
	stopProfiling func()

	sendMu  sync.Mutex
	lastTS  int64
	waiters map[string]chan error

	startOnce sync.Once
	haltOnce  sync.Once
	haltedCh  chan interface{}
}

// New returns a daemon for cfg. Nothing runs in the background until
// Start.
func New(cfg *config.Config) (*Daemon, error) {
	return newDaemon(cfg, nil)
}

func newDaemon(cfg *config.Config, tr transport.Transport) (*Daemon, error) {
	d := &Daemon{
		cfg:      cfg,
		waiters:  make(map[string]chan error),
		haltedCh: make(chan interface{}),
	}
	if err := d.initDataDir(); err != nil {
		return nil, err
	}
	if err := d.initLogging(); err != nil {
		return nil, err
	}
	d.log.Notice("Starting onionswarm")
	if d.cfg.Logging.Level == "DEBUG" {
		d.log.Warning("Debug logging is enabled.")
	}

	// Past this point, failures need to call d.Shutdown() to do cleanup.
	isOk := false
	defer func() {
		if !isOk {
			d.Shutdown()
		}
	}()

	if err := d.initIdentity(); err != nil {
		return nil, err
	}
	if err := d.initStorage(); err != nil {
		return nil, err
	}

	d.pool = snode.NewMemPool(d.logBackend.GetLogger("pool"), cfg.SeedNodes...)
	d.paths = path.NewManager(&path.Config{Paths: cfg.Onion.Paths}, d.logBackend, d.pool, d.store)
	if err := d.paths.Init(); err != nil {
		return nil, err
	}

	if tr == nil {
		ht, err := transport.NewHTTPTransport(&transport.Config{
			Timeout:  cfg.Onion.Timeout(),
			UseHTTP3: cfg.Transport.UseHTTP3,
			Proxy:    cfg.Transport.UpstreamProxy,
		}, d.logBackend)
		if err != nil {
			return nil, err
		}
		tr = ht
	}
	d.transport = tr
	d.client = rpc.New(&rpc.Config{
		Timeout: cfg.Onion.Timeout(),
		Policy:  cfg.Onion.RetryPolicy(),
	}, d.logBackend, tr, d.paths, d.pool)

	own := cfg.Poller.OwnPubkey
	if own == "" {
		own = d.id.SessionID()
	}
	d.inbox = newInbox(d.logBackend.GetLogger("inbox"), d.id)
	var err error
	d.poller, err = poller.New(&poller.Config{
		OwnPubkey:    own,
		Groups:       cfg.Poller.Groups,
		TickInterval: cfg.Poller.Tick(),
	}, d.logBackend, d.client, d.store, d.inbox, d.inbox)
	if err != nil {
		return nil, err
	}

	d.cache = sending.NewCache(d.logBackend, d.store)
	if err := d.cache.Init(); err != nil {
		return nil, err
	}
	d.queue = sending.NewQueue(d.logBackend, d.cache, d.client, d.id, d)

	isOk = true
	return d, nil
}

func (d *Daemon) initDataDir() error {
	const dirMode = os.ModeDir | 0700
	dir := d.cfg.Identity.DataDir

	if fi, err := os.Lstat(dir); err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("daemon: failed to stat() DataDir: %v", err)
		}
		if err = os.Mkdir(dir, dirMode); err != nil {
			return fmt.Errorf("daemon: failed to create DataDir: %v", err)
		}
	} else {
		if !fi.IsDir() {
			return fmt.Errorf("daemon: DataDir '%v' is not a directory", dir)
		}
		if fi.Mode() != dirMode {
			return fmt.Errorf("daemon: DataDir '%v' has invalid permissions '%v'", dir, fi.Mode())
		}
	}
	return nil
}

func (d *Daemon) initLogging() error {
	p := d.cfg.Logging.File
	if !d.cfg.Logging.Disable && p != "" && !filepath.IsAbs(p) {
		p = filepath.Join(d.cfg.Identity.DataDir, p)
	}

	var err error
	d.logBackend, err = log.New(p, d.cfg.Logging.Level, d.cfg.Logging.Disable)
	if err == nil {
		d.log = d.logBackend.GetLogger("daemon")
	}
	return err
}

func (d *Daemon) initIdentity() error {
	pass := d.cfg.Identity.Passphrase()
	if len(pass) == 0 {
		d.log.Warningf("%s is empty, the identity file is protected by an empty passphrase", d.cfg.Identity.PassphraseEnv)
	}
	var (
		created bool
		err     error
	)
	d.id, created, err = identity.LoadOrGenerate(d.cfg.Identity.KeyFile, pass)
	if err != nil {
		return err
	}
	if created {
		d.log.Noticef("Generated identity %s", d.id.SessionID())
	} else {
		d.log.Noticef("Loaded identity %s", d.id.SessionID())
	}
	return nil
}

func (d *Daemon) initStorage() error {
	sCfg := d.cfg.Storage
	logger := d.logBackend.GetLogger("storage")
	var err error
	switch sCfg.Backend {
	case config.BackendMemory:
		d.store = storage.NewMem()
	case config.BackendBolt:
		d.store, err = storage.NewBolt(sCfg.Bolt.File, logger)
	case config.BackendRedis:
		d.store, err = openStorage(d.HaltContext(), d.storagePolicy(), func() (storage.Storage, error) {
			return storage.NewRedis(sCfg.Redis)
		})
	case config.BackendPostgres:
		d.store, err = openStorage(d.HaltContext(), d.storagePolicy(), func() (storage.Storage, error) {
			return storage.NewPostgres(sCfg.Postgres.DataSourceName, sCfg.Postgres.MaxConns, d.cfg.Logging.Level, logger)
		})
	default:
		err = fmt.Errorf("daemon: unknown storage backend '%v'", sCfg.Backend)
	}
	if err != nil {
		return err
	}
	d.log.Debugf("Using %s storage", sCfg.Backend)
	return nil
}

// storagePolicy retries a networked backend that is still coming up.
func (d *Daemon) storagePolicy() *retry.Policy {
	return &retry.Policy{
		MaxAttempts: storageConnectAttempts,
		BaseDelay:   time.Second,
		MaxDelay:    8 * time.Second,
		Jitter:      0.2,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			d.log.Warningf("Storage unavailable (attempt %d), retrying in %v: %v", attempt+1, delay, err)
		},
	}
}

// openStorage calls open until it succeeds or fails with an error that
// is not transient.
func openStorage(ctx context.Context, p *retry.Policy, open func() (storage.Storage, error)) (storage.Storage, error) {
	res := retry.Do(ctx, p, func(context.Context, int) (storage.Storage, error) {
		return open()
	})
	if res.Err != nil {
		return nil, fmt.Errorf("daemon: storage %s after %d attempts: %w", res.Outcome, res.Attempts, res.Err)
	}
	return res.Value, nil
}

func (d *Daemon) initMetrics() error {
	r := mux.NewRouter()
	r.Handle("/metrics", instrument.Handler())
	if d.cfg.Debug.EnablePprof {
		d.log.Warning("pprof is enabled.")
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.PathPrefix("/debug/pprof/").HandlerFunc(pprof.Index)
	}

	l, err := net.Listen("tcp", d.cfg.Metrics.Address)
	if err != nil {
		return err
	}
	d.metrics = &http.Server{
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          d.logBackend.GetGoLogger("metrics", "WARNING"),
	}
	d.log.Noticef("Serving metrics on %s", l.Addr())
	d.Go(func() {
		if err := d.metrics.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.log.Errorf("Metrics server failed: %v", err)
		}
	})
	return nil
}

// Start brings up metrics and profiling, starts polling and flushes the
// messages left pending by a previous run.
func (d *Daemon) Start() error {
	var err error
	d.startOnce.Do(func() {
		if d.cfg.Metrics.Address != "" {
			if err = d.initMetrics(); err != nil {
				return
			}
		}
		if d.cfg.Debug.EnablePyroscope {
			if d.stopProfiling, err = profiling.Start(d.logBackend.GetLogger("profiling")); err != nil {
				return
			}
		}
		d.poller.Start()
		d.Go(func() {
			d.queue.ProcessAllPending(d.HaltContext())
		})
	})
	return err
}

// SessionID returns the mailbox of the local identity.
func (d *Daemon) SessionID() string {
	return d.id.SessionID()
}

// Poller returns the swarm poller.
func (d *Daemon) Poller() *poller.Poller {
	return d.poller
}

// Ready is signalled after messages are ingested. Collect them with
// Drain.
func (d *Daemon) Ready() <-chan struct{} {
	return d.inbox.ready
}

// Drain returns the messages ingested since the last Drain or Fetch.
func (d *Daemon) Drain() []*Incoming {
	return d.inbox.drain()
}

// Fetch polls every tracked mailbox once and returns what was ingested,
// including messages the background poller queued since the last call.
func (d *Daemon) Fetch(ctx context.Context) []*Incoming {
	d.poller.PollNow(ctx)
	return d.inbox.drain()
}

// Send queues plaintext for device and waits for the delivery outcome.
// The message stays queued if ctx ends first.
func (d *Daemon) Send(ctx context.Context, device string, plaintext []byte, ttl time.Duration) error {
	if _, err := sending.DeviceKey(device); err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	idBytes := make([]byte, identifierSize)
	if _, err := io.ReadFull(rand.Reader, idBytes); err != nil {
		return err
	}
	msg := &sending.Message{
		Identifier: hex.EncodeToString(idBytes),
		TTL:        ttl.Milliseconds(),
		Plaintext:  plaintext,
	}

	ch := make(chan error, 1)
	d.sendMu.Lock()
	msg.Timestamp = max(time.Now().UnixMilli(), d.lastTS+1)
	d.lastTS = msg.Timestamp
	d.waiters[msg.Identifier] = ch
	d.sendMu.Unlock()
	defer func() {
		d.sendMu.Lock()
		delete(d.waiters, msg.Identifier)
		d.sendMu.Unlock()
	}()

	if err := d.queue.Add(ctx, device, msg); err != nil {
		return err
	}
	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-d.HaltCh():
		return ErrHalted
	}
}

func (d *Daemon) notify(identifier string, err error) {
	d.sendMu.Lock()
	defer d.sendMu.Unlock()
	if ch, ok := d.waiters[identifier]; ok {
		ch <- err
		delete(d.waiters, identifier)
	}
}

// OnSent implements sending.Handler.
func (d *Daemon) OnSent(msg *sending.RawMessage) {
	d.log.Infof("Message %s sent to %s", msg.Identifier, shortID(msg.Device))
	d.notify(msg.Identifier, nil)
}

// OnFailed implements sending.Handler.
func (d *Daemon) OnFailed(msg *sending.RawMessage, err error) {
	d.log.Warningf("Message %s to %s failed: %v", msg.Identifier, shortID(msg.Device), err)
	d.notify(msg.Identifier, err)
}

// RotateLog rotates the log file if logging to a file is enabled.
func (d *Daemon) RotateLog() {
	if err := d.logBackend.Rotate(); err != nil {
		d.log.Errorf("Failed to rotate log file: %v", err)
	}
}

// Shutdown cleanly shuts down the daemon.
func (d *Daemon) Shutdown() {
	d.haltOnce.Do(func() { d.halt() })
}

// Wait waits till the daemon is terminated for any reason.
func (d *Daemon) Wait() {
	<-d.haltedCh
}

func (d *Daemon) halt() {
	if d.log != nil {
		d.log.Noticef("Starting graceful shutdown.")
	}

	if d.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := d.metrics.Shutdown(ctx); err != nil {
			d.log.Warningf("Metrics server shutdown: %v", err)
		}
		cancel()
	}
	if d.poller != nil {
		d.poller.Stop()
	}
	d.Halt()
	if d.paths != nil {
		d.paths.Halt()
	}
	if c, ok := d.transport.(interface{ Close() }); ok {
		c.Close()
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.log.Warningf("Failed to close storage: %v", err)
		}
	}
	if d.stopProfiling != nil {
		d.stopProfiling()
	}

	if d.log != nil {
		d.log.Noticef("Shutdown complete.")
	}
	close(d.haltedCh)
}
