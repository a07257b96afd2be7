// transport.go - HTTPS transport to guard nodes.
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

// Package transport performs the single HTTPS POST of an onion request to
// a guard node.
package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/quic-go/quic-go/http3"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/onionswarm/core/log"
	"github.com/katzenpost/onionswarm/internal/proxy"
)

const (
	// DefaultTimeout bounds a single POST.
	DefaultTimeout = 10 * time.Second

	maxResponseSize = 16 << 20
)

// ErrProxyWithHTTP3 is returned when HTTP/3 and an upstream SOCKS proxy
// are both configured.
var ErrProxyWithHTTP3 = errors.New("transport: HTTP/3 cannot be used through a SOCKS proxy")

// Request is one POST to a node.
type Request struct {
	URL     string
	Headers map[string]string
	Body    []byte

	// Timeout overrides the transport default when non-zero.
	Timeout time.Duration
}

// Response is the raw reply of a node.
type Response struct {
	StatusCode int
	Body       []byte
}

// Transport posts requests to relay nodes.
type Transport interface {
	Post(ctx context.Context, req *Request) (*Response, error)
}

// Config configures HTTPTransport.
type Config struct {
	// Timeout is the per call timeout.
	Timeout time.Duration

	// UseHTTP3 dials guards over QUIC instead of TCP.
	UseHTTP3 bool

	// Proxy is the optional upstream proxy.
	Proxy *proxy.Config
}

// HTTPTransport is a Transport over HTTPS. Certificates presented by
// relays are not validated: a relay is authenticated by its onion layer
// key, not by TLS.
type HTTPTransport struct {
	log     *logging.Logger
	client  *http.Client
	closers []func()
	timeout time.Duration
}

// NewHTTPTransport returns a transport for cfg.
func NewHTTPTransport(cfg *Config, backend *log.Backend) (*HTTPTransport, error) {
	t := &HTTPTransport{
		log:     backend.GetLogger("transport"),
		timeout: cfg.Timeout,
	}
	if t.timeout <= 0 {
		t.timeout = DefaultTimeout
	}

	var dial proxy.DialContextFn
	if cfg.Proxy != nil {
		if err := cfg.Proxy.FixupAndValidate(); err != nil {
			return nil, err
		}
		dial = cfg.Proxy.ToDialContext("onion-requests")
	}

	var rt http.RoundTripper
	switch {
	case cfg.UseHTTP3 && dial != nil:
		return nil, ErrProxyWithHTTP3
	case cfg.UseHTTP3:
		h3 := &http3.Transport{
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: true,
				NextProtos:         []string{http3.NextProtoH3},
			},
		}
		t.closers = append(t.closers, func() { h3.Close() })
		rt = h3
	default:
		ht := &http.Transport{
			Proxy:               nil,
			TLSClientConfig:     &tls.Config{InsecureSkipVerify: true},
			ForceAttemptHTTP2:   true,
			MaxIdleConnsPerHost: 2,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: t.timeout,
		}
		if dial != nil {
			ht.DialContext = dial
		} else {
			ht.DialContext = (&net.Dialer{Timeout: t.timeout}).DialContext
		}
		t.closers = append(t.closers, ht.CloseIdleConnections)
		rt = ht
	}
	t.client = &http.Client{Transport: rt}
	return t, nil
}

// Post implements Transport.
func (t *HTTPTransport) Post(ctx context.Context, req *Request) (*Response, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = t.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return nil, err
	}
	for k, v := range req.Headers {
		hreq.Header.Set(k, v)
	}

	resp, err := t.client.Do(hreq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize+1))
	if err != nil {
		return nil, err
	}
	if len(body) > maxResponseSize {
		return nil, fmt.Errorf("transport: response from %s exceeds %d bytes", hreq.URL.Host, maxResponseSize)
	}
	t.log.Debugf("POST %s: %d (%d bytes)", hreq.URL.Host, resp.StatusCode, len(body))
	return &Response{StatusCode: resp.StatusCode, Body: body}, nil
}

// Close releases idle connections.
func (t *HTTPTransport) Close() {
	for _, fn := range t.closers {
		fn()
	}
}

// IsNetworkUnreachable reports whether err means the local host has no
// route to the network at all. EHOSTUNREACH names a single dead host and
// is not included.
func IsNetworkUnreachable(err error) bool {
	return errors.Is(err, syscall.ENETUNREACH)
}
