// client.go - Onion request dispatcher.
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

// Package rpc sends requests through onion paths and classifies every
// failure into an error kind, doing the node and path bookkeeping the
// failure calls for.
package rpc

import (
	"context"
	"errors"
	"fmt"
	mrand "math/rand"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/hpqc/rand"

	"github.com/katzenpost/onionswarm/core/log"
	"github.com/katzenpost/onionswarm/core/retry"
	"github.com/katzenpost/onionswarm/internal/instrument"
	"github.com/katzenpost/onionswarm/onion"
	"github.com/katzenpost/onionswarm/path"
	"github.com/katzenpost/onionswarm/snode"
	"github.com/katzenpost/onionswarm/transport"
)

const onionEndpoint = "/onion_req/v2"

var guardHeaders = map[string]string{
	"User-Agent":      "WhatsApp",
	"Accept-Language": "en-us",
}

// PathProvider hands out onion paths and takes the blame for failures.
// *path.Manager implements it.
type PathProvider interface {
	GetOnionPath(ctx context.Context, excluding string) (*path.Path, error)
	IncrementBadPathCountOrDrop(guardID string)
	IncrementBadSnodeCountOrDrop(nodeID, guardID, associatedWith string)
}

// Destination is where an onion request ends: either a node, or an HTTP
// origin reached through the last relay.
type Destination struct {
	// Node is the destination node. Nil for an HTTP origin.
	Node *snode.Node

	// OriginKey is the X25519 key of an HTTP origin.
	OriginKey []byte

	// FinalRelay tells the last relay how to reach an HTTP origin.
	FinalRelay *onion.FinalRelayOptions

	// Options accompany the body at the destination.
	Options *onion.DestinationOptions
}

func (d *Destination) id() string {
	if d.Node == nil {
		return ""
	}
	return d.Node.ID()
}

func (d *Destination) encrypt(body []byte) (*onion.DestinationContext, error) {
	switch {
	case d.Node != nil:
		key, err := d.Node.X25519Key()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", onion.ErrInvalidKey, err)
		}
		pt, err := onion.DestinationPlaintext(body, d.Options, false)
		if err != nil {
			return nil, err
		}
		return onion.EncodeLayer(key, pt)
	case d.FinalRelay != nil:
		pt, err := onion.DestinationPlaintext(body, d.Options, true)
		if err != nil {
			return nil, err
		}
		return onion.EncodeLayer(d.OriginKey, pt)
	default:
		return nil, onion.ErrNoDestination
	}
}

// Config configures a Client.
type Config struct {
	// Timeout bounds each POST to a guard.
	Timeout time.Duration

	// Policy is the retry policy of OnionFetch and LSRPC. Its Retryable
	// predicate is always replaced.
	Policy *retry.Policy
}

// Client dispatches onion requests.
type Client struct {
	log       *logging.Logger
	transport transport.Transport
	paths     PathProvider
	pool      snode.Pool
	timeout   time.Duration
	policy    retry.Policy

	rngMu sync.Mutex
	rng   *mrand.Rand
}

// New returns a Client posting through tr, drawing paths from paths and
// keeping the swarm cache of pool current.
func New(cfg *Config, backend *log.Backend, tr transport.Transport, paths PathProvider, pool snode.Pool) *Client {
	c := &Client{
		log:       backend.GetLogger("rpc"),
		transport: tr,
		paths:     paths,
		pool:      pool,
		timeout:   cfg.Timeout,
		rng:       rand.NewMath(),
	}
	if c.timeout <= 0 {
		c.timeout = transport.DefaultTimeout
	}
	if cfg.Policy != nil {
		c.policy = *cfg.Policy
	} else {
		c.policy = *retry.DefaultPolicy(nil)
	}
	c.policy.Retryable = retryable
	c.policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		c.log.Warningf("Onion request attempt #%d failed, retrying in %v: %v", attempt+1, delay, err)
	}
	return c
}

func retryable(err error) bool {
	return errors.Is(err, path.ErrNoPath) || IsRetryable(err)
}

// SendOnionRequest encrypts body to dest, wraps it for p and performs the
// single POST to the guard. It returns the raw response, the key that
// decodes it and any transport error. Errors building the request are
// returned with a nil key.
func (c *Client) SendOnionRequest(ctx context.Context, p *path.Path, dest *Destination, body []byte) (*transport.Response, []byte, error) {
	destCtx, err := dest.encrypt(body)
	if err != nil {
		return nil, nil, err
	}
	payload, err := onion.BuildOnionPayload(p.Nodes(), destCtx, dest.id(), dest.FinalRelay)
	if err != nil {
		return nil, nil, err
	}

	guard := p.Guard()
	resp, err := c.transport.Post(ctx, &transport.Request{
		URL:     "https://" + guard.Addr() + onionEndpoint,
		Headers: guardHeaders,
		Body:    payload,
		Timeout: c.timeout,
	})
	if err != nil {
		c.log.Debugf("POST to guard %v failed: %v", guard, err)
	}
	return resp, destCtx.SymmetricKey, err
}

func (c *Client) sendOnPath(ctx context.Context, p *path.Path, dest *Destination, body []byte, owner string) (*DestinationResponse, error) {
	resp, key, err := c.SendOnionRequest(ctx, p, dest, body)
	if key == nil {
		return nil, err
	}
	return c.ProcessOnionResponse(ctx, &ResponseInput{
		Response:       resp,
		Err:            err,
		SymmetricKey:   key,
		Guard:          p.Guard(),
		Destination:    dest.id(),
		AssociatedWith: owner,
	})
}

func (c *Client) fetch(ctx context.Context, dest *Destination, body []byte, owner string) (*DestinationResponse, error) {
	res := retry.Do(ctx, &c.policy, func(ctx context.Context, attempt int) (*DestinationResponse, error) {
		p, err := c.paths.GetOnionPath(ctx, dest.id())
		if err != nil {
			return nil, err
		}
		return c.sendOnPath(ctx, p, dest, body, owner)
	})
	instrument.OnionRequest(res.Outcome.String())

	if res.Outcome == retry.Aborted && ctx.Err() != nil && !IsKind(res.Err, KindAbort) {
		return nil, &Error{Kind: KindAbort, Msg: msgAborted, Err: ctx.Err()}
	}
	if res.Err != nil {
		c.log.Debugf("Onion request %v after %d attempts: %v", res.Outcome, res.Attempts, res.Err)
	}
	return res.Unwrap()
}

// OnionFetch sends body to the node target over a fresh path that
// avoids it, retrying retryable failures with backoff. owner is the
// mailbox the request concerns, if any; it scopes swarm bookkeeping.
func (c *Client) OnionFetch(ctx context.Context, target *snode.Node, body []byte, owner string) (*DestinationResponse, error) {
	return c.fetch(ctx, &Destination{Node: target}, body, owner)
}

// LSRPC sends body to an HTTP origin behind the last relay of a path.
func (c *Client) LSRPC(ctx context.Context, relay *onion.FinalRelayOptions, originKey []byte, opts *onion.DestinationOptions, body []byte) (*DestinationResponse, error) {
	return c.fetch(ctx, &Destination{OriginKey: originKey, FinalRelay: relay, Options: opts}, body, "")
}

func (c *Client) randomNode(nodes []*snode.Node) *snode.Node {
	c.rngMu.Lock()
	defer c.rngMu.Unlock()
	return nodes[c.rng.Intn(len(nodes))]
}
