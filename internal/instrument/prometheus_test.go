// SPDX-FileCopyrightText: Copyright (C) 2026  The Onionswarm Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package instrument

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHandler(t *testing.T) {
	require := require.New(t)
	Init()
	Init()

	OnionRequest("success")
	MessageSent("failed")
	PendingMessages(7)
	Poll("own")

	srv := httptest.NewServer(Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	require.NoError(err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(err)

	require.Contains(string(body), `onionswarm_onion_requests_total{outcome="success"}`)
	require.Contains(string(body), `onionswarm_messages_sent_total{result="failed"}`)
	require.Contains(string(body), "onionswarm_pending_messages 7")
	require.Contains(string(body), `onionswarm_swarm_polls_total{kind="own"}`)
}
