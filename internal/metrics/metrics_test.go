// Copyright 2022 Namespace Labs Inc; All rights reserved.
// Licensed under the EARLY ACCESS SOFTWARE LICENSE AGREEMENT
// available at http://github.com/namespacelabs/foundation

package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"gotest.tools/assert"
)

func TestCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.CacheLookup("local", "hit")
	m.CacheLookup("local", "hit")
	m.CacheLookup("remote", "miss")
	m.ProcessExecuted("local", time.Second)
	m.Invalidated(3)

	assert.Equal(t, testutil.ToFloat64(m.ActionCacheLookups.WithLabelValues("local", "hit")), 2.0)
	assert.Equal(t, testutil.ToFloat64(m.ActionCacheLookups.WithLabelValues("remote", "miss")), 1.0)
	assert.Equal(t, testutil.ToFloat64(m.ProcessExecutions.WithLabelValues("local")), 1.0)
	assert.Equal(t, testutil.ToFloat64(m.Invalidations), 3.0)
}

func TestNilIsNoop(t *testing.T) {
	var m *Metrics
	m.CacheLookup("local", "hit")
	m.RemoteRPC("Execute", "OK")
	m.Invalidated(1)
}
