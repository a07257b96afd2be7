// SPDX-FileCopyrightText: Copyright (C) 2026  The Onionswarm Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package onion_test

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/onionswarm/internal/testutil"
	"github.com/katzenpost/onionswarm/onion"
	"github.com/katzenpost/onionswarm/snode"
)

func newPath(t *testing.T) ([]*snode.Node, map[string]*testutil.Relay) {
	relays := make(map[string]*testutil.Relay)
	path := make([]*snode.Node, 0, 3)
	for i := 0; i < 3; i++ {
		r := testutil.NewRelay("127.0.0.1", 30000+i)
		relays[r.ID()] = r
		path = append(path, r.Node)
	}
	return path, relays
}

func TestCiphertextPlusJSON(t *testing.T) {
	require := require.New(t)

	b, err := onion.EncodeCiphertextPlusJSON([]byte{1, 2, 3}, map[string]string{"a": "b"})
	require.NoError(err)
	require.Equal([]byte{3, 0, 0, 0, 1, 2, 3}, b[:7])
	require.Equal(`{"a":"b"}`, string(b[7:]))

	ct, js, err := onion.DecodeCiphertextPlusJSON(b)
	require.NoError(err)
	require.Equal([]byte{1, 2, 3}, ct)
	require.Equal(`{"a":"b"}`, string(js))

	_, _, err = onion.DecodeCiphertextPlusJSON([]byte{9, 0, 0, 0, 1})
	require.ErrorIs(err, onion.ErrMalformedPayload)
}

func TestLayerRoundTrip(t *testing.T) {
	require := require.New(t)

	hop := testutil.NewRelay("127.0.0.1", 1)
	key, err := hop.X25519Key()
	require.NoError(err)

	ctx, err := onion.EncodeLayer(key, []byte("payload"))
	require.NoError(err)
	pt, relayKey, err := onion.OpenLayer(hop.X25519Private, ctx.EphemeralKey, ctx.Ciphertext)
	require.NoError(err)
	require.Equal([]byte("payload"), pt)
	require.Equal(ctx.SymmetricKey, relayKey)

	_, err = onion.EncodeLayer([]byte{1}, nil)
	require.ErrorIs(err, onion.ErrInvalidKey)
}

func TestBuildOnionPayloadToNode(t *testing.T) {
	require := require.New(t)

	path, relays := newPath(t)
	target := testutil.NewRelay("127.0.0.1", 40000)
	relays[target.ID()] = target

	body := []byte(`{"method":"retrieve","params":{}}`)
	plaintext, err := onion.DestinationPlaintext(body, nil, false)
	require.NoError(err)
	targetKey, err := target.X25519Key()
	require.NoError(err)
	dest, err := onion.EncodeLayer(targetKey, plaintext)
	require.NoError(err)

	payload, err := onion.BuildOnionPayload(path, dest, target.ID(), nil)
	require.NoError(err)

	// The guard sees nothing but an opaque blob and an ephemeral key.
	_, js, err := onion.DecodeCiphertextPlusJSON(payload)
	require.NoError(err)
	require.NotContains(string(js), "destination")
	require.False(bytes.Contains(payload, []byte(target.ID())))

	peeled, err := testutil.Peel(relays, path[0].ID(), payload)
	require.NoError(err)
	require.Equal([]string{path[0].ID(), path[1].ID(), path[2].ID()}, peeled.Hops)
	require.Equal(target.ID(), peeled.Destination)
	require.Equal(dest.SymmetricKey, peeled.Key)

	gotBody, opts, err := onion.DecodeCiphertextPlusJSON(peeled.Plaintext)
	require.NoError(err)
	require.Equal(body, gotBody)
	require.JSONEq(`{"headers":{}}`, string(opts))

	t.Run("response decodes with the destination key", func(t *testing.T) {
		sealed, err := onion.SealResponse(peeled.Key, []byte(`{"status":200}`))
		require.NoError(err)

		for _, raw := range []string{sealed, `{"result":"` + sealed + `"}`} {
			out, err := onion.DecodeOnionResult(dest.SymmetricKey, raw)
			require.NoError(err)
			require.Equal(`{"status":200}`, string(out))
		}

		_, err = onion.DecodeOnionResult(make([]byte, 32), sealed)
		require.Error(err)
	})
}

func TestBuildOnionPayloadToOrigin(t *testing.T) {
	require := require.New(t)

	path, relays := newPath(t)
	origin := testutil.NewRelay("example.org", 443)
	relays[""] = origin

	plaintext, err := onion.DestinationPlaintext([]byte(`{"q":1}`), &onion.DestinationOptions{
		Method:   "POST",
		Endpoint: "/room/x",
	}, true)
	require.NoError(err)
	originKey, err := origin.X25519Key()
	require.NoError(err)
	dest, err := onion.EncodeLayer(originKey, plaintext)
	require.NoError(err)

	payload, err := onion.BuildOnionPayload(path, dest, "", &onion.FinalRelayOptions{
		Host:     "example.org",
		Protocol: "http",
	})
	require.NoError(err)

	peeled, err := testutil.Peel(relays, path[0].ID(), payload)
	require.NoError(err)
	require.Empty(peeled.Destination)

	var final map[string]interface{}
	require.NoError(json.Unmarshal(peeled.Final, &final))
	require.Equal("example.org", final["host"])
	require.Equal(onion.DefaultLSRPCTarget, final["target"])
	require.Equal("POST", final["method"])
	require.Equal("http", final["protocol"])
	require.Equal(float64(80), final["port"])
	require.NotEmpty(final["ephemeral_key"])

	var opts onion.DestinationOptions
	require.NoError(json.Unmarshal(peeled.Plaintext, &opts))
	require.Equal(`{"q":1}`, opts.Body)
	require.Equal("/room/x", opts.Endpoint)
}

func TestFinalRelayOptionsFixup(t *testing.T) {
	require := require.New(t)
	for _, v := range []struct {
		in       onion.FinalRelayOptions
		protocol string
		port     int
	}{
		{onion.FinalRelayOptions{Host: "a"}, "", 0},
		{onion.FinalRelayOptions{Host: "a", Protocol: "https", Port: 8443}, "", 0},
		{onion.FinalRelayOptions{Host: "a", Port: 8443}, "", 0},
		{onion.FinalRelayOptions{Host: "a", Protocol: "http"}, "http", 80},
		{onion.FinalRelayOptions{Host: "a", Protocol: "http", Port: 8080}, "http", 8080},
	} {
		o := v.in
		o.Fixup()
		require.Equal(v.protocol, o.Protocol, "%+v", v.in)
		require.Equal(v.port, o.Port, "%+v", v.in)
		require.Equal(onion.DefaultLSRPCTarget, o.Target)
		require.Equal("POST", o.Method)

		b, err := json.Marshal(&o)
		require.NoError(err)
		if v.protocol == "" {
			require.NotContains(string(b), "port")
			require.NotContains(string(b), "protocol")
		}
	}
}

func TestBuildOnionPayloadErrors(t *testing.T) {
	require := require.New(t)

	path, _ := newPath(t)
	dest := &onion.DestinationContext{Ciphertext: []byte("x"), EphemeralKey: make([]byte, 32)}

	_, err := onion.BuildOnionPayload(nil, dest, "abc", nil)
	require.ErrorIs(err, onion.ErrEmptyPath)
	_, err = onion.BuildOnionPayload(path, dest, "", nil)
	require.ErrorIs(err, onion.ErrNoDestination)

	_, err = onion.DecodeOnionResult(make([]byte, 32), "not base64!")
	require.ErrorIs(err, onion.ErrDecode)
	require.True(strings.HasPrefix(onion.ErrDecode.Error(), "onion:"))
}
