// SPDX-FileCopyrightText: Copyright (C) 2026  The Onionswarm Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"

	"github.com/katzenpost/onionswarm/core/log"
	"github.com/katzenpost/onionswarm/internal/proxy"
)

func newGuard() *httptest.Server {
	r := mux.NewRouter()
	r.HandleFunc("/onion_req/v2", func(w http.ResponseWriter, req *http.Request) {
		body, _ := io.ReadAll(req.Body)
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprintf(w, "%s|%s|%s", req.Header.Get("User-Agent"), req.Header.Get("Accept-Language"), body)
	}).Methods(http.MethodPost)
	r.HandleFunc("/slow", func(w http.ResponseWriter, req *http.Request) {
		select {
		case <-req.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}).Methods(http.MethodPost)
	return httptest.NewTLSServer(r)
}

func TestHTTPTransport(t *testing.T) {
	require := require.New(t)

	backend, err := log.New("", "DEBUG", false)
	require.NoError(err)
	srv := newGuard()
	defer srv.Close()

	tr, err := NewHTTPTransport(&Config{}, backend)
	require.NoError(err)
	defer tr.Close()

	t.Run("self signed guard is accepted", func(t *testing.T) {
		resp, err := tr.Post(context.Background(), &Request{
			URL:     srv.URL + "/onion_req/v2",
			Headers: map[string]string{"User-Agent": "WhatsApp", "Accept-Language": "en-us"},
			Body:    []byte("onion"),
		})
		require.NoError(err)
		require.Equal(http.StatusOK, resp.StatusCode)
		require.Equal("WhatsApp|en-us|onion", string(resp.Body))
	})

	t.Run("status codes are returned, not errors", func(t *testing.T) {
		resp, err := tr.Post(context.Background(), &Request{URL: srv.URL + "/missing"})
		require.NoError(err)
		require.Equal(http.StatusNotFound, resp.StatusCode)
	})

	t.Run("per call timeout", func(t *testing.T) {
		start := time.Now()
		_, err := tr.Post(context.Background(), &Request{URL: srv.URL + "/slow", Timeout: 50 * time.Millisecond})
		require.Error(err)
		require.True(errors.Is(err, context.DeadlineExceeded))
		require.Less(time.Since(start), 4*time.Second)
	})

	t.Run("cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := tr.Post(ctx, &Request{URL: srv.URL + "/onion_req/v2"})
		require.ErrorIs(err, context.Canceled)
	})
}

func TestNewHTTPTransportRejectsProxiedHTTP3(t *testing.T) {
	backend, err := log.New("", "DEBUG", false)
	require.NoError(t, err)
	_, err = NewHTTPTransport(&Config{
		UseHTTP3: true,
		Proxy:    &proxy.Config{Type: "socks5", Network: "tcp", Address: "127.0.0.1:9050"},
	}, backend)
	require.ErrorIs(t, err, ErrProxyWithHTTP3)
}

func TestIsNetworkUnreachable(t *testing.T) {
	require := require.New(t)
	require.True(IsNetworkUnreachable(&os.SyscallError{Syscall: "connect", Err: syscall.ENETUNREACH}))
	require.True(IsNetworkUnreachable(fmt.Errorf("dial: %w", syscall.ENETUNREACH)))
	require.False(IsNetworkUnreachable(&os.SyscallError{Syscall: "connect", Err: syscall.EHOSTUNREACH}))
	require.False(IsNetworkUnreachable(syscall.ECONNREFUSED))
}
