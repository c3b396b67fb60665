// SPDX-License-Identifier: MIT

package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

type staticChecker struct {
	name   string
	result CheckResult
}

func (c staticChecker) Name() string                        { return c.name }
func (c staticChecker) Check(_ context.Context) CheckResult { return c.result }

func TestHealth_AlwaysHealthyWithoutVerbose(t *testing.T) {
	m := NewManager("v1.0.0")
	m.RegisterChecker(staticChecker{"broken", CheckResult{Status: StatusUnhealthy}})

	resp := m.Health(context.Background(), false)
	require.Equal(t, StatusHealthy, resp.Status, "liveness ignores component state unless verbose")
	require.Equal(t, "v1.0.0", resp.Version)
	require.Empty(t, resp.Checks)
}

func TestHealth_VerboseAggregatesComponents(t *testing.T) {
	m := NewManager("v1.0.0")
	m.RegisterChecker(staticChecker{"database", CheckResult{Status: StatusHealthy}})
	m.RegisterChecker(staticChecker{"checkpoint_store", CheckResult{Status: StatusDegraded}})

	resp := m.Health(context.Background(), true)
	require.Equal(t, StatusDegraded, resp.Status)
	require.Len(t, resp.Checks, 2)
}

func TestReady_UnhealthyComponentBlocksReadiness(t *testing.T) {
	m := NewManager("v1.0.0")
	m.RegisterChecker(staticChecker{"database", CheckResult{Status: StatusUnhealthy, Error: "locked"}})

	resp := m.Ready(context.Background(), false)
	require.False(t, resp.Ready)
	require.Equal(t, StatusUnhealthy, resp.Status)
}

func TestReady_DegradedStillReady(t *testing.T) {
	m := NewManager("v1.0.0")
	m.RegisterChecker(staticChecker{"checkpoint_store", CheckResult{Status: StatusDegraded}})

	resp := m.Ready(context.Background(), false)
	require.True(t, resp.Ready)
	require.Equal(t, StatusDegraded, resp.Status)
}

func TestServeReady_StatusCodes(t *testing.T) {
	m := NewManager("v1.0.0")

	rec := httptest.NewRecorder()
	m.ServeReady(rec, httptest.NewRequest("GET", "/readyz", nil))
	require.Equal(t, 200, rec.Code)

	m.RegisterChecker(staticChecker{"database", CheckResult{Status: StatusUnhealthy}})
	rec = httptest.NewRecorder()
	m.ServeReady(rec, httptest.NewRequest("GET", "/readyz", nil))
	require.Equal(t, 503, rec.Code)

	var body ReadinessResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.False(t, body.Ready)
}

func TestCheckpointChecker(t *testing.T) {
	unconfigured := NewCheckpointChecker(nil)
	require.Equal(t, StatusHealthy, unconfigured.Check(context.Background()).Status)

	failing := NewCheckpointChecker(func(context.Context) error {
		return errors.New("connection refused")
	})
	res := failing.Check(context.Background())
	require.Equal(t, StatusDegraded, res.Status, "checkpoint loss degrades, it does not kill readiness")
	require.Contains(t, res.Error, "connection refused")
}
