// SPDX-FileCopyrightText: Copyright (C) 2026  The Onionswarm Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package common

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsUsageError(t *testing.T) {
	require := require.New(t)
	require.True(IsUsageError(Usagef("no recipient given")))
	require.True(IsUsageError(fmt.Errorf("send: %w", Usagef("bad ttl"))))
	require.True(IsUsageError(errors.New("unknown flag: --frob")))
	require.True(IsUsageError(errors.New("accepts 1 arg(s), received 2")))
	require.False(IsUsageError(errors.New("rpc: empty swarm")))
}
