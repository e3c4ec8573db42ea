package observability

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDisabledCollectorIsNoop(t *testing.T) {
	m, err := New(Config{})
	require.NoError(t, err)

	ctx := context.Background()
	require.NotPanics(t, func() {
		m.RecordDispatch(ctx, "mission.create", "ok", time.Millisecond)
		m.RecordMutation(ctx)
		m.RecordBreakerTrip(ctx, "failure_limit")
		m.AgentStarted(ctx)
		m.AgentStopped(ctx)
		m.RecordSpend(ctx, "mission-001", 0.25)
	})
}

func TestEnabledCollectorServesScrape(t *testing.T) {
	m, err := New(Config{Enabled: true})
	require.NoError(t, err)

	ctx := context.Background()
	m.RecordDispatch(ctx, "mission.create", "ok", 2*time.Millisecond)
	m.RecordDispatch(ctx, "selfheal.apply", "blocked", time.Millisecond)
	m.RecordMutation(ctx)
	m.RecordBreakerTrip(ctx, "failure_limit")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body := rec.Body.String()
	require.Contains(t, body, "missionctl_tool_calls")
	require.Contains(t, body, "missionctl_breaker_trips")
}
