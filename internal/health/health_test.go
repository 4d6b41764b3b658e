// SPDX-License-Identifier: MIT

package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ManuGH/lavapool/internal/lavalink"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockChecker struct {
	name   string
	status Status
}

func (m *mockChecker) Name() string { return m.name }

func (m *mockChecker) Check(_ context.Context) CheckResult {
	return CheckResult{Status: m.status, Message: "mock"}
}

type pinger struct{ err error }

func (p pinger) HealthCheck(context.Context) error { return p.err }

func TestManager_Health_NoCheckers(t *testing.T) {
	m := NewManager("v1.0.0")

	resp := m.Health(context.Background(), true)
	assert.Equal(t, StatusHealthy, resp.Status)
	assert.Equal(t, "v1.0.0", resp.Version)
	assert.GreaterOrEqual(t, resp.Uptime, int64(0))
	assert.Nil(t, resp.Checks)
}

func TestManager_Health_Verbose(t *testing.T) {
	m := NewManager("v1.0.0")
	m.RegisterChecker(&mockChecker{name: "healthy", status: StatusHealthy})
	m.RegisterChecker(&mockChecker{name: "degraded", status: StatusDegraded})

	resp := m.Health(context.Background(), false)
	assert.Equal(t, StatusHealthy, resp.Status)
	assert.Nil(t, resp.Checks)

	resp = m.Health(context.Background(), true)
	assert.Equal(t, StatusDegraded, resp.Status)
	assert.Len(t, resp.Checks, 2)
	assert.Equal(t, StatusDegraded, resp.Checks["degraded"].Status)
}

func TestManager_Ready(t *testing.T) {
	tests := []struct {
		name      string
		statuses  []Status
		wantReady bool
		want      Status
	}{
		{"none", nil, true, StatusHealthy},
		{"all healthy", []Status{StatusHealthy, StatusHealthy}, true, StatusHealthy},
		{"degraded", []Status{StatusHealthy, StatusDegraded}, true, StatusDegraded},
		{"unhealthy wins", []Status{StatusUnhealthy, StatusDegraded}, false, StatusUnhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager("")
			for i, s := range tt.statuses {
				m.RegisterChecker(&mockChecker{name: string(rune('a' + i)), status: s})
			}
			resp := m.Ready(context.Background())
			assert.Equal(t, tt.wantReady, resp.Ready)
			assert.Equal(t, tt.want, resp.Status)
		})
	}
}

func TestManager_ServeHealth(t *testing.T) {
	m := NewManager("v1.0.0")
	m.RegisterChecker(&mockChecker{name: "pool", status: StatusUnhealthy})

	rec := httptest.NewRecorder()
	m.ServeHealth(rec, httptest.NewRequest(http.MethodGet, "/healthz?verbose=true", nil))

	// liveness stays 200 whatever the components say
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, StatusUnhealthy, resp.Status)
	assert.Contains(t, resp.Checks, "pool")
}

func TestManager_ServeReady(t *testing.T) {
	m := NewManager("v1.0.0")
	checker := &mockChecker{name: "pool", status: StatusHealthy}
	m.RegisterChecker(checker)

	rec := httptest.NewRecorder()
	m.ServeReady(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	checker.status = StatusUnhealthy
	rec = httptest.NewRecorder()
	m.ServeReady(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var resp ReadinessResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.False(t, resp.Ready)
}

func TestNodePoolChecker(t *testing.T) {
	tests := []struct {
		name   string
		states []lavalink.NodeState
		want   Status
		msg    string
	}{
		{"empty", nil, StatusUnhealthy, ""},
		{"none connected", []lavalink.NodeState{lavalink.NodeConnecting, lavalink.NodeDisconnected}, StatusUnhealthy, "0/2 nodes connected"},
		{"partial", []lavalink.NodeState{lavalink.NodeConnected, lavalink.NodeConnecting}, StatusDegraded, "1/2 nodes connected"},
		{"all", []lavalink.NodeState{lavalink.NodeConnected}, StatusHealthy, "1/1 nodes connected"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewNodePoolChecker(func() []lavalink.NodeInfo {
				out := make([]lavalink.NodeInfo, len(tt.states))
				for i, s := range tt.states {
					out[i] = lavalink.NodeInfo{Name: string(rune('a' + i)), State: s}
				}
				return out
			})
			r := c.Check(context.Background())
			assert.Equal(t, "node_pool", c.Name())
			assert.Equal(t, tt.want, r.Status)
			assert.Equal(t, tt.msg, r.Message)
		})
	}
}

func TestPingChecker(t *testing.T) {
	ok := NewPingChecker("redis", pinger{}, 0)
	assert.Equal(t, "redis", ok.Name())
	assert.Equal(t, StatusHealthy, ok.Check(context.Background()).Status)

	down := NewPingChecker("redis", pinger{err: errors.New("connection refused")}, 0)
	r := down.Check(context.Background())
	assert.Equal(t, StatusDegraded, r.Status)
	assert.Equal(t, "connection refused", r.Error)
}

func TestCheckerFunc(t *testing.T) {
	c := CheckerFunc{CheckName: "discord", Fn: func(context.Context) CheckResult {
		return CheckResult{Status: StatusDegraded}
	}}
	assert.Equal(t, "discord", c.Name())
	assert.Equal(t, StatusDegraded, c.Check(context.Background()).Status)
}
