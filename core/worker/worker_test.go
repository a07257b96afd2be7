// SPDX-FileCopyrightText: Copyright (C) 2026  The Onionswarm Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package worker

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWorkerHalt(t *testing.T) {
	require := require.New(t)

	var w Worker
	var stopped atomic.Int32
	for i := 0; i < 3; i++ {
		w.Go(func() {
			<-w.HaltCh()
			<-w.HaltContext().Done()
			stopped.Add(1)
		})
	}

	w.Halt()
	require.Equal(int32(3), stopped.Load())

	// A second Halt must not panic on the closed channel.
	w.Halt()
}
